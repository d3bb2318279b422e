package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadValid(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app_name: demoapp
port: 8888
poll_interval: 30s
components:
  web:
    local_workdir: /keeper/demoapp/components/web/staging
    remote_workdir: /app
    directives:
      - name: quotes.txt
        local: quotes.txt
        strategy: STRICT
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval.Seconds() != 30 {
		t.Errorf("PollInterval = %s, want 30s", cfg.PollInterval)
	}
	comp := cfg.Components["web"]
	if comp == nil {
		t.Fatal("component web not found")
	}
	if comp.Name != "web" {
		t.Errorf("comp.Name = %q, want web", comp.Name)
	}
}

func TestLoadDefaultsPollInterval(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app_name: demoapp
components: {}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PollInterval.Seconds() != 60 {
		t.Errorf("PollInterval = %s, want 60s default", cfg.PollInterval)
	}
}

func TestLoadRejectsNonAbsoluteRemoteWorkdir(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app_name: demoapp
components:
  web:
    local_workdir: staging
    remote_workdir: app
`)
	_, err := Load(path)
	if !Is(err, NonAbsoluteRemoteWorkdir) {
		t.Fatalf("err = %v, want NonAbsoluteRemoteWorkdir", err)
	}
}

func TestLoadRejectsAbsoluteLocalPath(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app_name: demoapp
components:
  web:
    local_workdir: staging
    remote_workdir: /app
    directives:
      - name: quotes.txt
        local: /etc/passwd
        strategy: STRICT
`)
	_, err := Load(path)
	if !Is(err, AbsoluteLocalPath) {
		t.Fatalf("err = %v, want AbsoluteLocalPath", err)
	}
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
app_name: demoapp
components:
  web:
    local_workdir: staging
    remote_workdir: /app
    directives:
      - name: quotes.txt
        local: quotes.txt
        strategy: WEIRD
`)
	_, err := Load(path)
	if !Is(err, MalformedYaml) {
		t.Fatalf("err = %v, want MalformedYaml", err)
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if !Is(err, MalformedYaml) {
		t.Fatalf("err = %v, want MalformedYaml", err)
	}
}

func TestResolveDirectivesGroupAndCommonFilesPrecedence(t *testing.T) {
	app := &ApplicationConfig{
		Groups: map[string][]DirectiveSpec{
			"secrets": {
				{Name: "shared.key", Local: "shared.key", Strategy: "ENSURE_CREATED"},
				{Name: "override.me", Local: "group-version.txt", Strategy: "STRICT"},
			},
		},
		CommonFiles: []DirectiveSpec{
			{Name: "override.me", Local: "common-version.txt", Strategy: "ALLOW_ADDS"},
			{Name: "motd.txt", Local: "motd.txt", Strategy: "STRICT"},
		},
	}
	comp := &ComponentConfig{
		Name:          "web",
		LocalWorkDir:  "/keeper/demoapp/components/web/staging",
		RemoteWorkDir: "/app",
		Groups:        []string{"secrets"},
		Directives: []DirectiveSpec{
			{Name: "override.me", Local: "own-version.txt", Strategy: "STRICT"},
		},
	}

	directives, err := ResolveDirectives(app, comp)
	if err != nil {
		t.Fatalf("ResolveDirectives: %v", err)
	}

	byName := make(map[string]string)
	for _, d := range directives {
		byName[d.Name] = d.LocalPath
	}

	if got := byName["override.me"]; got != "/keeper/demoapp/components/web/staging/own-version.txt" {
		t.Errorf("override.me resolved to %q, want component's own directive to win", got)
	}
	if _, ok := byName["shared.key"]; !ok {
		t.Error("group directive shared.key was not inherited")
	}
	if _, ok := byName["motd.txt"]; !ok {
		t.Error("common file motd.txt was not merged in")
	}
	if len(directives) != 3 {
		t.Errorf("got %d directives, want 3 (dedup by name)", len(directives))
	}
}
