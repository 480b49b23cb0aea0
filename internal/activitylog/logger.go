// Package activitylog writes an append-only JSONL record of what a parley
// session did: wire traffic summaries, turn outcomes, permission decisions
// and state changes. One line per event, each stamped with the actor and
// agent session id, so several sessions can share a log file.
package activitylog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger appends activity events to a JSONL file. A disabled logger (or the
// Nop logger) accepts every call and writes nothing, so callers never need
// nil checks.
type Logger struct {
	enabled   bool
	path      string
	actor     string
	sessionID string

	mu   sync.Mutex
	file *os.File
}

// New creates a Logger writing to path. The file is opened lazily on the
// first event so a disabled logger never touches disk.
func New(enabled bool, path, actor, sessionID string) *Logger {
	return &Logger{
		enabled:   enabled,
		path:      path,
		actor:     actor,
		sessionID: sessionID,
	}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{}
}

// SetSessionID records the agent-issued session id once it is known.
// Events logged before session/new completes carry an empty id.
func (l *Logger) SetSessionID(id string) {
	l.mu.Lock()
	l.sessionID = id
	l.mu.Unlock()
}

type entry struct {
	TS        string `json:"ts"`
	Actor     string `json:"actor,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Event     string `json:"event"`

	Direction  string `json:"direction,omitempty"`
	Method     string `json:"method,omitempty"`
	StopReason string `json:"stop_reason,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	Decision   string `json:"decision,omitempty"`
	Reason     string `json:"reason,omitempty"`
	From       string `json:"from,omitempty"`
	To         string `json:"to,omitempty"`
	Error      string `json:"error,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// RPC records one call or notification crossing the transport.
// direction is "send" or "recv".
func (l *Logger) RPC(direction, method string) {
	l.write(entry{Event: "rpc", Direction: direction, Method: method})
}

// Wire records one raw line of wire traffic. Verbose; only hooked up when
// wire logging is explicitly enabled.
func (l *Logger) Wire(direction string, line []byte) {
	l.write(entry{Event: "wire", Direction: direction, Detail: string(line)})
}

// TurnEnded records the stop reason that closed a prompt turn.
func (l *Logger) TurnEnded(stopReason string) {
	l.write(entry{Event: "turn_ended", StopReason: stopReason})
}

// PermissionDecision records how a permission request was resolved.
func (l *Logger) PermissionDecision(toolName, decision, reason string) {
	l.write(entry{Event: "permission_decision", ToolName: toolName, Decision: decision, Reason: reason})
}

// StateChange records an engine state transition.
func (l *Logger) StateChange(from, to string) {
	l.write(entry{Event: "state_change", From: from, To: to})
}

// AgentExit records the agent process ending, with the exit error if any.
func (l *Logger) AgentExit(errText string) {
	l.write(entry{Event: "agent_exit", Error: errText})
}

// ShellEvent records shell supervisor lifecycle events (started, finished,
// cwd changes).
func (l *Logger) ShellEvent(kind, detail string) {
	l.write(entry{Event: "shell_" + kind, Detail: detail})
}

func (l *Logger) write(e entry) {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return
		}
		f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return
		}
		l.file = f
	}

	e.TS = time.Now().UTC().Format(time.RFC3339Nano)
	e.Actor = l.actor
	e.SessionID = l.sessionID

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.file.Write(append(data, '\n'))
}

// Close closes the underlying file. Safe on disabled and Nop loggers.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
