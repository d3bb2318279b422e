package transport

import (
	"encoding/hex"
	"io"
	"sync"
)

// ptyOutputFrame/ptyInputFrame are the notification shapes carried for an
// attached PTY: bytes read from the child's fd are
// framed as pty_output notifications to the bound peer, and incoming
// pty_input frames are written back to the fd.
type ptyOutputFrame struct {
	Method string `json:"method"`
	Peer   string `json:"peer"`
	Data   string `json:"data"` // hex
}

type ptyInputFrame struct {
	Method string `json:"method"`
	Peer   string `json:"peer"`
	Data   string `json:"data"` // hex
}

// ptyBinding couples a peer identifier to the read/write end of its PTY.
type ptyBinding struct {
	rw     io.ReadWriteCloser
	cancel chan struct{}
}

type ptyState struct {
	mu       sync.Mutex
	attached map[string]*ptyBinding
}

func newPtyState() ptyState {
	return ptyState{attached: make(map[string]*ptyBinding)}
}

// AttachPTY binds rw (typically the master side of a PTY, from
// github.com/creack/pty, opened by internal/agentcore's connect_shell) to
// peer. A background goroutine relays bytes read from rw as framed
// pty_output notifications until DetachPTY is called or rw returns EOF.
func (t *Transport) AttachPTY(peer string, rw io.ReadWriteCloser) {
	t.pty.mu.Lock()
	if existing, ok := t.pty.attached[peer]; ok {
		close(existing.cancel)
		_ = existing.rw.Close()
	}
	binding := &ptyBinding{rw: rw, cancel: make(chan struct{})}
	t.pty.attached[peer] = binding
	t.pty.mu.Unlock()

	go t.relayPTYOutput(peer, binding)
}

func (t *Transport) relayPTYOutput(peer string, binding *ptyBinding) {
	buf := make([]byte, 32*1024)
	for {
		select {
		case <-binding.cancel:
			return
		default:
		}
		n, err := binding.rw.Read(buf)
		if n > 0 {
			_ = t.Send(ptyOutputFrame{Method: "pty_output", Peer: peer, Data: hex.EncodeToString(buf[:n])})
		}
		if err != nil {
			return
		}
	}
}

// DetachPTY unbinds peer's PTY and stops the output relay.
func (t *Transport) DetachPTY(peer string) {
	t.pty.mu.Lock()
	defer t.pty.mu.Unlock()
	if binding, ok := t.pty.attached[peer]; ok {
		close(binding.cancel)
		_ = binding.rw.Close()
		delete(t.pty.attached, peer)
	}
}

// HandlePTYInput writes an incoming pty_input frame's hex payload to the
// bound PTY for peer, if any is attached.
func (t *Transport) HandlePTYInput(peer, hexData string) error {
	t.pty.mu.Lock()
	binding, ok := t.pty.attached[peer]
	t.pty.mu.Unlock()
	if !ok {
		return nil
	}
	data, err := hex.DecodeString(hexData)
	if err != nil {
		return err
	}
	_, err = binding.rw.Write(data)
	return err
}

func (p *ptyState) detachAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for peer, binding := range p.attached {
		close(binding.cancel)
		_ = binding.rw.Close()
		delete(p.attached, peer)
	}
}
