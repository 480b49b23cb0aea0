package agent

import (
	"context"
	"encoding/json"

	"parley/internal/acp"
	"parley/internal/jsonrpc"
)

// expose builds the inbound method registry once, at connection setup. An
// explicit table, not reflection: every method the agent may invoke on
// parley is listed here.
func (e *Engine) expose(conn *jsonrpc.Conn) {
	conn.Expose("session/update", e.rpcSessionUpdate)
	conn.Expose("session/request_permission", e.rpcRequestPermission)
	conn.Expose("fs/read_text_file", e.rpcReadTextFile)
	conn.Expose("fs/write_text_file", e.rpcWriteTextFile)
	conn.Expose("terminal/create", e.rpcTerminalCreate)
	conn.Expose("terminal/output", e.rpcTerminalOutput)
	conn.Expose("terminal/kill", e.rpcTerminalKill)
	conn.Expose("terminal/release", e.rpcTerminalRelease)
	conn.Expose("terminal/wait_for_exit", e.rpcTerminalWaitForExit)
}

// rpcSessionUpdate handles the session/update notification stream. It runs
// synchronously on the transport's read loop, so updates for a given
// stream apply in arrival order.
func (e *Engine) rpcSessionUpdate(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "session/update")
	var note acp.SessionNotification
	if err := acp.DecodeParams(params, &note); err != nil {
		return nil, err
	}
	e.applyUpdate(&note.Update)
	return nil, nil
}

// applyUpdate routes one session update to engine state and UI callbacks.
func (e *Engine) applyUpdate(u *acp.SessionUpdate) {
	switch u.Kind {
	case acp.UpdateAgentMessageChunk:
		if text, ok := chunkText(u.AgentMessageChunk); ok {
			begin := e.beginStream(streamMessage)
			if e.OnMessageChunk != nil {
				e.OnMessageChunk(text, begin)
			}
		}

	case acp.UpdateAgentThoughtChunk:
		if text, ok := chunkText(u.AgentThoughtChunk); ok {
			begin := e.beginStream(streamThought)
			if e.OnThoughtChunk != nil {
				e.OnThoughtChunk(text, begin)
			}
		}

	case acp.UpdateToolCall:
		tc := *u.ToolCall
		e.mu.Lock()
		e.toolCalls[tc.ToolCallID] = &tc
		if tc.Terminal() {
			e.current = streamNone
		}
		snapshot := tc
		e.mu.Unlock()
		if e.OnToolCall != nil {
			e.OnToolCall(snapshot)
		}

	case acp.UpdateToolCallUpdate:
		upd := u.ToolCallUpdate
		e.mu.Lock()
		tc, ok := e.toolCalls[upd.ToolCallID]
		if !ok {
			// An update for an id we never saw creates the entry rather
			// than dropping data on the floor.
			tc = &acp.ToolCall{ToolCallID: upd.ToolCallID}
			e.toolCalls[upd.ToolCallID] = tc
		}
		tc.Apply(upd)
		if tc.Terminal() {
			e.current = streamNone
		}
		snapshot := *tc
		e.mu.Unlock()
		if e.OnToolCallUpdate != nil {
			e.OnToolCallUpdate(snapshot)
		}

	case acp.UpdatePlan:
		if e.OnPlan != nil {
			e.OnPlan(u.Plan)
		}

	case acp.UpdateAvailableCommands:
		if e.OnAvailableCommands != nil {
			e.OnAvailableCommands(u.AvailableCommands)
		}

	case acp.UpdateCurrentMode:
		e.mu.Lock()
		e.modeEpoch++
		e.currentMode = u.CurrentModeID
		e.mu.Unlock()
		if e.OnModeChange != nil {
			e.OnModeChange(u.CurrentModeID)
		}
	}
	// Unknown kinds (u.Raw) are dropped; newer agents should not break
	// the stream.
}

// chunkText extracts displayable text from a chunk's content block. Only
// text blocks render; other block types in a chunk are skipped.
func chunkText(block *acp.ContentBlock) (string, bool) {
	if block == nil || block.Type != "text" {
		return "", false
	}
	return block.Text, true
}

// beginStream marks kind as the current container target and reports
// whether a new container starts.
func (e *Engine) beginStream(kind stream) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	begin := e.current != kind
	e.current = kind
	return begin
}

// rpcRequestPermission handles session/request_permission. It blocks the
// agent's call until the UI resolves the request; the transport runs call
// handlers on their own goroutine, so session updates keep flowing while
// the user decides. Teardown resolves the request as cancelled.
func (e *Engine) rpcRequestPermission(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "session/request_permission")
	var req acp.RequestPermissionRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}

	title := ""
	if req.ToolCall != nil && req.ToolCall.Title != nil {
		title = *req.ToolCall.Title
	}
	pr := newPermissionRequest(title, req.Options)

	e.mu.Lock()
	closing := e.state == StateClosing || e.state == StateClosed
	if !closing {
		e.permits[pr] = struct{}{}
	}
	cb := e.OnPermission
	e.mu.Unlock()

	if closing || cb == nil {
		pr.Cancel()
	} else {
		cb(pr)
	}

	outcome := pr.outcome()

	e.mu.Lock()
	delete(e.permits, pr)
	e.mu.Unlock()

	decision := outcome.OptionID
	if outcome.Outcome == "cancelled" {
		decision = "cancelled"
	}
	e.Log.PermissionDecision(title, decision, "")

	return acp.RequestPermissionResponse{Outcome: outcome}, nil
}

func (e *Engine) rpcReadTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "fs/read_text_file")
	var req acp.ReadTextFileRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	return e.readTextFile(req)
}

func (e *Engine) rpcWriteTextFile(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "fs/write_text_file")
	var req acp.WriteTextFileRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	return nil, e.writeTextFile(req)
}

// errNoTerminalSupport is the reply when no terminal bridge is wired.
func errNoTerminalSupport() error {
	return &jsonrpc.RPCError{Code: jsonrpc.CodeMethodNotFound, Message: "terminal support not available"}
}

func (e *Engine) rpcTerminalCreate(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "terminal/create")
	if e.Terminals == nil {
		return nil, errNoTerminalSupport()
	}
	var req acp.CreateTerminalRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	id, err := e.Terminals.Create(ctx, req)
	if err != nil {
		return nil, terminalError(err)
	}
	return acp.CreateTerminalResponse{TerminalID: id}, nil
}

func (e *Engine) rpcTerminalOutput(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "terminal/output")
	if e.Terminals == nil {
		return nil, errNoTerminalSupport()
	}
	var req acp.TerminalRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	out, err := e.Terminals.Output(req.TerminalID)
	if err != nil {
		return nil, terminalError(err)
	}
	return out, nil
}

func (e *Engine) rpcTerminalKill(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "terminal/kill")
	if e.Terminals == nil {
		return nil, errNoTerminalSupport()
	}
	var req acp.TerminalRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := e.Terminals.Kill(req.TerminalID); err != nil {
		return nil, terminalError(err)
	}
	return nil, nil
}

func (e *Engine) rpcTerminalRelease(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "terminal/release")
	if e.Terminals == nil {
		return nil, errNoTerminalSupport()
	}
	var req acp.TerminalRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	if err := e.Terminals.Release(req.TerminalID); err != nil {
		return nil, terminalError(err)
	}
	return nil, nil
}

func (e *Engine) rpcTerminalWaitForExit(ctx context.Context, params json.RawMessage) (any, error) {
	e.Log.RPC("recv", "terminal/wait_for_exit")
	if e.Terminals == nil {
		return nil, errNoTerminalSupport()
	}
	var req acp.TerminalRequest
	if err := acp.DecodeParams(params, &req); err != nil {
		return nil, err
	}
	status, err := e.Terminals.WaitForExit(ctx, req.TerminalID)
	if err != nil {
		return nil, terminalError(err)
	}
	return acp.WaitForExitResponse{ExitStatus: status}, nil
}

// terminalError converts bridge errors into RPC errors for the agent.
func terminalError(err error) error {
	if rpcErr, ok := err.(*jsonrpc.RPCError); ok {
		return rpcErr
	}
	return &jsonrpc.RPCError{Code: jsonrpc.CodeInvalidParams, Message: err.Error()}
}
