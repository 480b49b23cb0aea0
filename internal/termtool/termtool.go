// Package termtool runs agent-requested commands under ptys and tracks
// their output and exit status. It backs the terminal/* methods: the agent
// creates a terminal, polls or embeds its output, and releases it when the
// tool call finishes.
package termtool

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/creack/pty"
	"github.com/google/uuid"

	"parley/internal/acp"
	"parley/internal/activitylog"
)

// defaultOutputLimit caps captured output when the agent does not set one.
const defaultOutputLimit = 1 << 20

// Manager is the registry of live agent terminals.
type Manager struct {
	// Dir is the default working directory for created terminals.
	Dir string
	// Log records terminal lifecycle events. Never nil after NewManager.
	Log *activitylog.Logger

	mu        sync.Mutex
	terminals map[string]*terminal
}

// NewManager creates an empty terminal registry rooted at dir.
func NewManager(dir string) *Manager {
	return &Manager{
		Dir:       dir,
		Log:       activitylog.Nop(),
		terminals: make(map[string]*terminal),
	}
}

type terminal struct {
	id  string
	cmd *exec.Cmd
	ptm *os.File

	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
	exit      *acp.TerminalExitStatus

	done chan struct{}
}

// Create starts the requested command under a fresh pty and registers it
// under a new id. Output is captured up to the byte limit, keeping the
// most recent bytes when it overflows.
func (m *Manager) Create(ctx context.Context, req acp.CreateTerminalRequest) (string, error) {
	if req.Command == "" {
		return "", fmt.Errorf("terminal command is empty")
	}
	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	cmd.Dir = req.Cwd
	if cmd.Dir == "" {
		cmd.Dir = m.Dir
	}
	cmd.Env = os.Environ()
	for _, kv := range req.Env {
		cmd.Env = append(cmd.Env, kv.Name+"="+kv.Value)
	}

	ptm, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("start terminal command: %w", err)
	}

	limit := int64(defaultOutputLimit)
	if req.OutputByteLimit != nil && *req.OutputByteLimit > 0 {
		limit = *req.OutputByteLimit
	}
	t := &terminal{
		id:    uuid.NewString(),
		cmd:   cmd,
		ptm:   ptm,
		limit: limit,
		done:  make(chan struct{}),
	}

	m.mu.Lock()
	m.terminals[t.id] = t
	m.mu.Unlock()

	go t.readLoop()
	go t.wait()

	m.Log.ShellEvent("terminal_created", req.Command)
	return t.id, nil
}

// Output returns the captured output, whether it was truncated, and the
// exit status when the command has finished.
func (m *Manager) Output(id string) (acp.TerminalOutputResponse, error) {
	t, err := m.lookup(id)
	if err != nil {
		return acp.TerminalOutputResponse{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return acp.TerminalOutputResponse{
		Output:     string(t.buf),
		Truncated:  t.truncated,
		ExitStatus: t.exit,
	}, nil
}

// Kill terminates the terminal's command. The terminal stays registered so
// the agent can still collect output and exit status.
func (m *Manager) Kill(id string) error {
	t, err := m.lookup(id)
	if err != nil {
		return err
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Kill() //nolint:errcheck
	}
	return nil
}

// WaitForExit blocks until the terminal's command finishes or the context
// is cancelled.
func (m *Manager) WaitForExit(ctx context.Context, id string) (acp.TerminalExitStatus, error) {
	t, err := m.lookup(id)
	if err != nil {
		return acp.TerminalExitStatus{}, err
	}
	select {
	case <-t.done:
	case <-ctx.Done():
		return acp.TerminalExitStatus{}, ctx.Err()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.exit, nil
}

// Release kills the command if still running, closes the pty and forgets
// the terminal. Further references to the id fail.
func (m *Manager) Release(id string) error {
	m.mu.Lock()
	t, ok := m.terminals[id]
	if ok {
		delete(m.terminals, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no terminal with id %q", id)
	}
	if t.cmd.Process != nil {
		t.cmd.Process.Kill() //nolint:errcheck
	}
	t.ptm.Close()
	m.Log.ShellEvent("terminal_released", id)
	return nil
}

// ReleaseAll tears down every registered terminal. Used when the owning
// session closes.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.terminals))
	for id := range m.terminals {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Release(id) //nolint:errcheck
	}
}

func (m *Manager) lookup(id string) (*terminal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.terminals[id]
	if !ok {
		return nil, fmt.Errorf("no terminal with id %q", id)
	}
	return t, nil
}

// readLoop drains the pty into the byte-limited buffer. The pty read
// failing means the command exited and the stream is done.
func (t *terminal) readLoop() {
	buf := make([]byte, 32*1024)
	for {
		n, err := t.ptm.Read(buf)
		if n > 0 {
			t.mu.Lock()
			t.buf = append(t.buf, buf[:n]...)
			if int64(len(t.buf)) > t.limit {
				t.buf = t.buf[int64(len(t.buf))-t.limit:]
				t.truncated = true
			}
			t.mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// wait records the exit status once the command finishes.
func (t *terminal) wait() {
	t.cmd.Wait() //nolint:errcheck // exit details come from ProcessState

	status := acp.TerminalExitStatus{}
	if state := t.cmd.ProcessState; state != nil {
		if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			sig := ws.Signal().String()
			status.Signal = &sig
		} else {
			code := state.ExitCode()
			status.ExitCode = &code
		}
	}

	t.mu.Lock()
	t.exit = &status
	t.mu.Unlock()
	close(t.done)
}
