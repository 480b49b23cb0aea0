// Package agent implements the ACP session engine: it owns the agent
// subprocess, runs the protocol handshake, maintains the session and its
// modes, executes prompt turns, tracks tool calls, and brokers permission
// requests between the agent and the UI surface.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/google/shlex"

	"parley/internal/acp"
	"parley/internal/activitylog"
	"parley/internal/jsonrpc"
)

// ErrNoTurn is returned by Cancel when no prompt turn is in flight.
var ErrNoTurn = errors.New("agent: no turn in progress")

// ErrTurnActive is returned by Prompt when a turn is already in flight.
var ErrTurnActive = errors.New("agent: turn already in progress")

// TerminalBridge satisfies agent-initiated terminal requests. The engine
// forwards terminal/* calls here and holds no terminal state itself.
type TerminalBridge interface {
	Create(ctx context.Context, req acp.CreateTerminalRequest) (string, error)
	Output(id string) (acp.TerminalOutputResponse, error)
	Kill(id string) error
	Release(id string) error
	WaitForExit(ctx context.Context, id string) (acp.TerminalExitStatus, error)
}

// Engine drives one agent subprocess through the ACP state machine:
// uninitialized → handshaking → ready → closing → closed, with prompt
// turns toggling between idle and agent-turn while ready.
//
// The On* callback fields are the UI surface. They are invoked from the
// engine's internal goroutines; session/update callbacks arrive in wire
// order. Unset callbacks are skipped.
type Engine struct {
	// Command is the full agent command line, split with shell quoting rules.
	Command string
	// Root is the project root: the session cwd and the fs/* sandbox.
	Root string
	// Log records session activity. Never nil after New.
	Log *activitylog.Logger
	// CallTimeout bounds outbound calls when non-zero. session/prompt is
	// exempt: a turn legitimately runs for minutes.
	CallTimeout time.Duration
	// Terminals serves agent terminal requests. When nil the terminal
	// capability is not advertised and terminal/* calls fail.
	Terminals TerminalBridge
	// Stderr receives the agent process's stderr. Defaults to io.Discard.
	Stderr io.Writer
	// WireTrace, when set, observes every raw line crossing the transport.
	WireTrace func(dir string, line []byte)

	OnMessageChunk      func(text string, begin bool)
	OnThoughtChunk      func(text string, begin bool)
	OnToolCall          func(tc acp.ToolCall)
	OnToolCallUpdate    func(tc acp.ToolCall)
	OnPlan              func(entries []acp.PlanEntry)
	OnAvailableCommands func(cmds []acp.AvailableCommand)
	OnModeChange        func(modeID string)
	OnPermission        func(req *PermissionRequest)
	OnAdvisory          func(text string)
	// OnFailure reports session-terminal events: process exit or transport
	// failure. Turn-scoped RPC errors are returned from Prompt instead.
	OnFailure func(err error)

	mu              sync.Mutex
	state           State
	turnActive      bool
	cancelRequested bool
	current         stream
	conn            *jsonrpc.Conn
	cmd             *exec.Cmd
	caps            acp.AgentCapabilities
	authMethods     []acp.AuthMethod
	sessionID       string
	modes           []acp.SessionMode
	currentMode     string
	modeEpoch       uint64
	toolCalls       map[string]*acp.ToolCall
	permits         map[*PermissionRequest]struct{}
	exited          chan struct{}
}

// New creates an engine for the given agent command line and project root.
func New(command, root string) *Engine {
	return &Engine{
		Command:   command,
		Root:      root,
		Log:       activitylog.Nop(),
		Stderr:    io.Discard,
		toolCalls: make(map[string]*acp.ToolCall),
		permits:   make(map[*PermissionRequest]struct{}),
		exited:    make(chan struct{}),
	}
}

// Start spawns the agent process, performs the initialize handshake and
// creates a session. Any failure here is fatal for the session and is
// returned once; Start never retries.
func (e *Engine) Start(ctx context.Context) error {
	argv, err := shlex.Split(e.Command)
	if err != nil || len(argv) == 0 {
		return fmt.Errorf("agent command %q: %v", e.Command, err)
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = e.Root
	cmd.Stderr = e.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("agent stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawn agent: %w", err)
	}

	conn := jsonrpc.NewConn(stdin, stdout)
	conn.Trace = e.WireTrace
	e.expose(conn)

	e.mu.Lock()
	e.cmd = cmd
	e.conn = conn
	e.mu.Unlock()
	e.setState(StateHandshaking)

	go conn.ReadLoop() //nolint:errcheck // fatal errors surface via watchExit
	go e.watchExit()

	return e.handshake(ctx)
}

// handshake runs initialize and session/new over the attached transport and
// moves the engine to ready.
func (e *Engine) handshake(ctx context.Context) error {
	var initResp acp.InitializeResponse
	initReq := acp.InitializeRequest{
		ProtocolVersion: acp.ProtocolVersion,
		ClientCapabilities: acp.ClientCapabilities{
			Fs: acp.FileSystemCapability{
				ReadTextFile:  true,
				WriteTextFile: true,
			},
			Terminal: e.Terminals != nil,
		},
	}
	if err := e.call(ctx, "initialize", initReq, &initResp); err != nil {
		e.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	e.mu.Lock()
	e.caps = initResp.AgentCapabilities
	e.authMethods = initResp.AuthMethods
	e.mu.Unlock()

	var newResp acp.NewSessionResponse
	newReq := acp.NewSessionRequest{Cwd: e.Root, McpServers: []acp.McpServer{}}
	if err := e.call(ctx, "session/new", newReq, &newResp); err != nil {
		e.Close()
		return fmt.Errorf("session/new: %w", err)
	}

	e.mu.Lock()
	e.sessionID = newResp.SessionID
	if newResp.Modes != nil {
		e.modes = newResp.Modes.AvailableModes
		e.currentMode = newResp.Modes.CurrentModeID
	}
	e.mu.Unlock()
	e.Log.SetSessionID(newResp.SessionID)
	e.setState(StateReady)
	return nil
}

// Prompt runs one turn: builds content blocks from the raw text (resolving
// @path references), calls session/prompt and blocks until the agent
// returns a stop reason. Turn state reverts to idle regardless of the
// reason; any reason other than end_turn also produces one advisory. An
// RPC error ends the turn without killing the session.
func (e *Engine) Prompt(ctx context.Context, text string) (string, error) {
	e.mu.Lock()
	if e.state != StateReady {
		e.mu.Unlock()
		return "", fmt.Errorf("agent: not ready (state %s)", e.state)
	}
	if e.turnActive {
		e.mu.Unlock()
		return "", ErrTurnActive
	}
	e.turnActive = true
	e.cancelRequested = false
	sessionID := e.sessionID
	conn := e.conn
	e.mu.Unlock()

	blocks := BuildPrompt(e.Root, text)

	e.Log.RPC("send", "session/prompt")
	var resp acp.PromptResponse
	err := conn.Call(ctx, "session/prompt", acp.PromptRequest{SessionID: sessionID, Prompt: blocks}, &resp)

	e.mu.Lock()
	e.turnActive = false
	e.current = streamNone
	e.mu.Unlock()

	if err != nil {
		return "", err
	}
	e.Log.TurnEnded(resp.StopReason)
	if advisory := stopAdvisory(resp.StopReason); advisory != "" {
		e.advise(advisory)
	}
	return resp.StopReason, nil
}

// Cancel asks the agent to stop the current turn. Valid only while a turn
// is in flight; clears turn state eagerly. The agent may still emit a
// trailing stop reason, which the outstanding Prompt call accepts.
func (e *Engine) Cancel(ctx context.Context) error {
	e.mu.Lock()
	if !e.turnActive {
		e.mu.Unlock()
		return ErrNoTurn
	}
	e.turnActive = false
	e.cancelRequested = true
	sessionID := e.sessionID
	conn := e.conn
	e.mu.Unlock()

	e.Log.RPC("send", "session/cancel")
	return conn.Notify(ctx, "session/cancel", acp.CancelNotification{SessionID: sessionID})
}

// SetMode switches the session mode. A concurrent current_mode_update
// notification from the agent always wins: the last mode update observed
// is authoritative, so the local mode only changes here when no
// notification landed while the call was in flight.
func (e *Engine) SetMode(ctx context.Context, modeID string) error {
	e.mu.Lock()
	sessionID := e.sessionID
	conn := e.conn
	epoch := e.modeEpoch
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent: not started")
	}

	if err := e.call(ctx, "session/set_mode", acp.SetModeRequest{SessionID: sessionID, ModeID: modeID}, nil); err != nil {
		return err
	}

	e.mu.Lock()
	changed := e.modeEpoch == epoch && e.currentMode != modeID
	if e.modeEpoch == epoch {
		e.currentMode = modeID
	}
	e.mu.Unlock()
	if changed && e.OnModeChange != nil {
		e.OnModeChange(modeID)
	}
	return nil
}

// Close tears the session down: outstanding permission requests resolve as
// cancelled (the agent's call is never left hanging), the transport closes,
// and the process is killed. No session/cancel is issued for a turn still
// in flight; its pending call fails with the transport error. Safe to call
// more than once.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.state == StateClosing || e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	prev := e.state
	e.state = StateClosing
	conn := e.conn
	cmd := e.cmd
	permits := make([]*PermissionRequest, 0, len(e.permits))
	for pr := range e.permits {
		permits = append(permits, pr)
	}
	e.mu.Unlock()
	e.Log.StateChange(prev.String(), StateClosing.String())

	for _, pr := range permits {
		pr.Cancel()
	}
	if conn != nil {
		conn.Close(jsonrpc.ErrConnClosed)
	}
	if cmd != nil && cmd.Process != nil {
		cmd.Process.Kill()
		<-e.exited
	}
	e.setState(StateClosed)
}

// State returns the engine lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// TurnActive reports whether a prompt turn is in flight.
func (e *Engine) TurnActive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.turnActive
}

// SessionID returns the agent-issued session id.
func (e *Engine) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

// Capabilities returns the capability snapshot from the handshake.
func (e *Engine) Capabilities() acp.AgentCapabilities {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.caps
}

// AuthMethods returns the auth methods the agent advertised. parley runs no
// auth flow itself; a non-empty list is surfaced so the UI can tell the
// user, never silently bypassed.
func (e *Engine) AuthMethods() []acp.AuthMethod {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]acp.AuthMethod(nil), e.authMethods...)
}

// Modes returns the available modes and the current mode id.
func (e *Engine) Modes() ([]acp.SessionMode, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]acp.SessionMode(nil), e.modes...), e.currentMode
}

// ToolCall returns a copy of the tracked tool call with the given id.
func (e *Engine) ToolCall(id string) (acp.ToolCall, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	tc, ok := e.toolCalls[id]
	if !ok {
		return acp.ToolCall{}, false
	}
	return *tc, true
}

// call wraps conn.Call with wire logging and the configured timeout.
// session/prompt goes through conn.Call directly instead: a turn
// legitimately runs for minutes, so only control calls are bounded.
func (e *Engine) call(ctx context.Context, method string, params, result any) error {
	e.mu.Lock()
	conn := e.conn
	e.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("agent: not started")
	}
	if e.CallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.CallTimeout)
		defer cancel()
	}
	e.Log.RPC("send", method)
	return conn.Call(ctx, method, params, result)
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	prev := e.state
	e.state = s
	e.mu.Unlock()
	if prev != s {
		e.Log.StateChange(prev.String(), s.String())
	}
}

func (e *Engine) advise(text string) {
	if e.OnAdvisory != nil {
		e.OnAdvisory(text)
	}
}

// watchExit waits for the agent process and reports its death. A process
// exit during normal operation is a session-terminal event, distinct from
// any turn-level RPC error.
func (e *Engine) watchExit() {
	err := e.cmd.Wait()
	close(e.exited)

	e.mu.Lock()
	conn := e.conn
	deliberate := e.state == StateClosing || e.state == StateClosed
	e.mu.Unlock()

	if conn != nil {
		conn.Close(jsonrpc.ErrConnClosed)
	}
	if deliberate {
		return
	}
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	e.Log.AgentExit(errText)
	if e.OnFailure != nil {
		e.OnFailure(fmt.Errorf("agent process exited: %v", err))
	}
}

// stopAdvisory maps a stop reason to the advisory shown when a turn ends
// for any reason other than end_turn.
func stopAdvisory(reason string) string {
	switch reason {
	case acp.StopEndTurn:
		return ""
	case acp.StopMaxTokens:
		return "Turn stopped: maximum token count reached."
	case acp.StopMaxTurnRequests:
		return "Turn stopped: maximum number of model requests reached."
	case acp.StopRefusal:
		return "The agent refused to continue."
	case acp.StopCancelled:
		return "Turn cancelled."
	default:
		return fmt.Sprintf("Turn stopped: %s.", reason)
	}
}
