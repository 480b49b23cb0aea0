package acp

import (
	"encoding/json"
	"fmt"
)

// Stop reasons an agent may return from session/prompt.
const (
	StopEndTurn         = "end_turn"
	StopMaxTokens       = "max_tokens"
	StopMaxTurnRequests = "max_turn_requests"
	StopRefusal         = "refusal"
	StopCancelled       = "cancelled"
)

// FileSystemCapability declares which fs/* methods the client serves.
type FileSystemCapability struct {
	ReadTextFile  bool `json:"readTextFile"`
	WriteTextFile bool `json:"writeTextFile"`
}

// ClientCapabilities is what parley declares during initialize.
type ClientCapabilities struct {
	Fs       FileSystemCapability `json:"fs"`
	Terminal bool                 `json:"terminal,omitempty"`
}

// PromptCapabilities describes which content block types the agent accepts
// in prompts.
type PromptCapabilities struct {
	Audio           bool `json:"audio,omitempty"`
	EmbeddedContent bool `json:"embeddedContent,omitempty"`
	Image           bool `json:"image,omitempty"`
}

// AgentCapabilities is the capability snapshot recorded during the
// handshake. Read-only afterward.
type AgentCapabilities struct {
	LoadSession        bool               `json:"loadSession,omitempty"`
	PromptCapabilities PromptCapabilities `json:"promptCapabilities,omitempty"`
}

// AuthMethod is an authentication method advertised by the agent.
type AuthMethod struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// InitializeRequest is the params of the initialize call.
type InitializeRequest struct {
	ProtocolVersion    int                `json:"protocolVersion"`
	ClientCapabilities ClientCapabilities `json:"clientCapabilities"`
}

// InitializeResponse is the result of the initialize call.
type InitializeResponse struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
	AuthMethods       []AuthMethod      `json:"authMethods,omitempty"`
}

// EnvVariable is a name/value pair for MCP server or terminal environments.
type EnvVariable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// McpServer describes an MCP server the agent should connect to.
type McpServer struct {
	Name    string        `json:"name"`
	Command string        `json:"command"`
	Args    []string      `json:"args"`
	Env     []EnvVariable `json:"env"`
}

// SessionMode is one mode the agent can operate in (e.g. "ask", "code").
type SessionMode struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// SessionModeState is the agent's mode list plus the active mode id.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes,omitempty"`
}

// NewSessionRequest is the params of session/new.
type NewSessionRequest struct {
	Cwd        string      `json:"cwd"`
	McpServers []McpServer `json:"mcpServers"`
}

// NewSessionResponse is the result of session/new.
type NewSessionResponse struct {
	SessionID string            `json:"sessionId"`
	Modes     *SessionModeState `json:"modes,omitempty"`
}

// PromptRequest is the params of session/prompt.
type PromptRequest struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResponse is the result of session/prompt.
type PromptResponse struct {
	StopReason string `json:"stopReason"`
}

// SetModeRequest is the params of session/set_mode.
type SetModeRequest struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// CancelNotification is the params of the session/cancel notification.
type CancelNotification struct {
	SessionID string `json:"sessionId"`
}

// SessionNotification is the params of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// PermissionOption is one choice offered by a session/request_permission
// call. Options keep the agent's order.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name"`
	Kind     string `json:"kind"`
}

// RequestPermissionRequest is the params of session/request_permission.
type RequestPermissionRequest struct {
	SessionID string             `json:"sessionId"`
	ToolCall  *ToolCallUpdate    `json:"toolCall,omitempty"`
	Options   []PermissionOption `json:"options"`
}

// RequestPermissionOutcome is the union result of a permission request:
// either {"outcome":"selected","optionId":...} or {"outcome":"cancelled"}.
type RequestPermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// RequestPermissionResponse is the result of session/request_permission.
type RequestPermissionResponse struct {
	Outcome RequestPermissionOutcome `json:"outcome"`
}

// SelectedOutcome builds the outcome for a chosen option.
func SelectedOutcome(optionID string) RequestPermissionOutcome {
	return RequestPermissionOutcome{Outcome: "selected", OptionID: optionID}
}

// CancelledOutcome builds the outcome for a dismissed or torn-down request.
func CancelledOutcome() RequestPermissionOutcome {
	return RequestPermissionOutcome{Outcome: "cancelled"}
}

// ReadTextFileRequest is the params of fs/read_text_file. Line is 1-based;
// Line/Limit window the returned content when present.
type ReadTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResponse is the result of fs/read_text_file.
type ReadTextFileResponse struct {
	Content string `json:"content"`
}

// WriteTextFileRequest is the params of fs/write_text_file.
type WriteTextFileRequest struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// CreateTerminalRequest is the params of terminal/create.
type CreateTerminalRequest struct {
	SessionID       string        `json:"sessionId"`
	Command         string        `json:"command"`
	Args            []string      `json:"args,omitempty"`
	Env             []EnvVariable `json:"env,omitempty"`
	Cwd             string        `json:"cwd,omitempty"`
	OutputByteLimit *int64        `json:"outputByteLimit,omitempty"`
}

// CreateTerminalResponse is the result of terminal/create.
type CreateTerminalResponse struct {
	TerminalID string `json:"terminalId"`
}

// TerminalRequest is the shared params shape of terminal/kill,
// terminal/output, terminal/release and terminal/wait_for_exit.
type TerminalRequest struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalExitStatus reports how a terminal command ended. ExitCode is nil
// when the command was killed by a signal.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalOutputResponse is the result of terminal/output.
type TerminalOutputResponse struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// WaitForExitResponse is the result of terminal/wait_for_exit.
type WaitForExitResponse struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}

// DecodeParams unmarshals raw call params into v with a descriptive error.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("missing params")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
