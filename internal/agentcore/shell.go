package agentcore

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"

	"github.com/fluxvault/vault/internal/rpc"
)

// shellSession pairs a spawned shell's PTY master with its process, keyed
// by the peer identifier the Keeper addressed connect_shell with.
type shellSession struct {
	cmd    *exec.Cmd
	master *os.File
}

type shellTable struct {
	mu       sync.Mutex
	sessions map[string]*shellSession
}

func newShellTable() *shellTable {
	return &shellTable{sessions: make(map[string]*shellSession)}
}

// connectShell forks a PTY-backed shell and attaches its master side to
// the current transport for peer: bytes read
// from the master relay as pty_output notifications, and pty_input frames
// addressed to peer are written back to it.
func (c *Core) connectShell(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Peer string `json:"peer"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return nil, rpc.NewError(rpc.Internal, errNoTransportBound)
	}

	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/sh"
	}
	cmd := exec.Command(shell)
	cmd.Dir = c.workDir

	master, err := pty.Start(cmd)
	if err != nil {
		return nil, rpc.NewError(rpc.Internal, err)
	}

	c.shells.mu.Lock()
	if existing, ok := c.shells.sessions[args.Peer]; ok {
		_ = existing.master.Close()
		_ = existing.cmd.Process.Kill()
	}
	c.shells.sessions[args.Peer] = &shellSession{cmd: cmd, master: master}
	c.shells.mu.Unlock()

	go func() { _ = cmd.Wait() }()

	t.AttachPTY(args.Peer, master)
	return nil, nil
}

// disconnectShell tears down peer's shell session and detaches its PTY
// from the transport.
func (c *Core) disconnectShell(_ context.Context, params json.RawMessage, _ *rpc.Storage) (any, error) {
	var args struct {
		Peer string `json:"peer"`
	}
	if err := json.Unmarshal(params, &args); err != nil {
		return nil, rpc.NewError(rpc.InvalidParams, err)
	}

	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t != nil {
		t.DetachPTY(args.Peer)
	}

	c.shells.mu.Lock()
	session, ok := c.shells.sessions[args.Peer]
	delete(c.shells.sessions, args.Peer)
	c.shells.mu.Unlock()
	if ok {
		_ = session.cmd.Process.Kill()
	}
	return nil, nil
}
