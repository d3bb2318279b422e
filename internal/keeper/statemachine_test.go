package keeper

import "testing"

func TestBackoffForDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    string
	}{
		{0, "1s"},
		{1, "2s"},
		{2, "4s"},
		{5, "30s"}, // 2^5 = 32s, capped
		{10, "30s"},
	}
	for _, c := range cases {
		if got := backoffFor(c.attempt); got.String() != c.want {
			t.Errorf("backoffFor(%d) = %s, want %s", c.attempt, got, c.want)
		}
	}
}

func TestAgentStatusMarkFailedThenReady(t *testing.T) {
	s := &agentStatus{state: Discovered}
	s.markFailed(errTest{})
	if s.state != Failed || s.failCount != 1 {
		t.Fatalf("after markFailed: state=%s failCount=%d", s.state, s.failCount)
	}
	if s.readyToRetry() {
		t.Fatal("should not be ready to retry immediately after a fresh failure")
	}

	s.markReady()
	if s.state != Ready || s.failCount != 0 {
		t.Fatalf("after markReady: state=%s failCount=%d", s.state, s.failCount)
	}
	if !s.readyToRetry() {
		t.Fatal("a Ready status should always be ready to retry")
	}
}

type errTest struct{}

func (errTest) Error() string { return "boom" }
