package acp

import (
	"encoding/json"
	"fmt"
)

// Tool call status values.
const (
	ToolCallPending    = "pending"
	ToolCallInProgress = "in_progress"
	ToolCallCompleted  = "completed"
	ToolCallFailed     = "failed"
)

// ToolCallLocation points at a file (and optionally a line) a tool call
// touches.
type ToolCallLocation struct {
	Path string `json:"path"`
	Line *int   `json:"line,omitempty"`
}

// ToolCallContent is one piece of tool-call output. Type selects the
// variant: "content" (a nested content block), "diff" or "terminal".
type ToolCallContent struct {
	Type string `json:"type"`

	// content
	Content *ContentBlock `json:"content,omitempty"`

	// diff
	Path    string `json:"path,omitempty"`
	OldText string `json:"oldText,omitempty"`
	NewText string `json:"newText,omitempty"`

	// terminal
	TerminalID string `json:"terminalId,omitempty"`
}

// ToolCall is the engine's record of one agent tool invocation. Created by
// a "tool_call" update and mutated in place by "tool_call_update"s carrying
// the same ToolCallID.
type ToolCall struct {
	ToolCallID string             `json:"toolCallId"`
	Title      string             `json:"title,omitempty"`
	Kind       string             `json:"kind,omitempty"`
	Status     string             `json:"status,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage    `json:"rawOutput,omitempty"`
}

// ToolCallUpdate is a partial mutation of an existing ToolCall. Absent
// fields leave the current value untouched.
type ToolCallUpdate struct {
	ToolCallID string             `json:"toolCallId"`
	Title      *string            `json:"title,omitempty"`
	Kind       *string            `json:"kind,omitempty"`
	Status     *string            `json:"status,omitempty"`
	Content    []ToolCallContent  `json:"content,omitempty"`
	Locations  []ToolCallLocation `json:"locations,omitempty"`
	RawInput   json.RawMessage    `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage    `json:"rawOutput,omitempty"`
}

// Apply merges the update into the tool call. The ToolCallID never changes.
func (tc *ToolCall) Apply(u *ToolCallUpdate) {
	if u.Title != nil {
		tc.Title = *u.Title
	}
	if u.Kind != nil {
		tc.Kind = *u.Kind
	}
	if u.Status != nil {
		tc.Status = *u.Status
	}
	if u.Content != nil {
		tc.Content = u.Content
	}
	if u.Locations != nil {
		tc.Locations = u.Locations
	}
	if u.RawInput != nil {
		tc.RawInput = u.RawInput
	}
	if u.RawOutput != nil {
		tc.RawOutput = u.RawOutput
	}
}

// Terminal reports whether the status is a terminal one.
func (tc *ToolCall) Terminal() bool {
	return tc.Status == ToolCallCompleted || tc.Status == ToolCallFailed
}

// PlanEntry is one item of an agent-reported plan.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// AvailableCommand describes a slash-command the agent offers.
type AvailableCommand struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Input       *struct {
		Hint string `json:"hint"`
	} `json:"input,omitempty"`
}

// SessionUpdate is the closed union carried by a session/update
// notification. The "sessionUpdate" field selects the variant; exactly one
// variant pointer is non-nil after a successful decode. Unknown variants
// are preserved in Raw rather than rejected, so newer agents do not break
// the stream.
type SessionUpdate struct {
	Kind string

	UserMessageChunk  *ContentBlock
	AgentMessageChunk *ContentBlock
	AgentThoughtChunk *ContentBlock
	ToolCall          *ToolCall
	ToolCallUpdate    *ToolCallUpdate
	Plan              []PlanEntry
	AvailableCommands []AvailableCommand
	CurrentModeID     string

	Raw json.RawMessage
}

// Session update kinds.
const (
	UpdateUserMessageChunk  = "user_message_chunk"
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateAvailableCommands = "available_commands_update"
	UpdateCurrentMode       = "current_mode_update"
)

func (u *SessionUpdate) UnmarshalJSON(data []byte) error {
	var tag struct {
		Kind string `json:"sessionUpdate"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	if tag.Kind == "" {
		return fmt.Errorf("session update missing sessionUpdate tag")
	}
	u.Kind = tag.Kind

	switch tag.Kind {
	case UpdateUserMessageChunk, UpdateAgentMessageChunk, UpdateAgentThoughtChunk:
		var v struct {
			Content ContentBlock `json:"content"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		switch tag.Kind {
		case UpdateUserMessageChunk:
			u.UserMessageChunk = &v.Content
		case UpdateAgentMessageChunk:
			u.AgentMessageChunk = &v.Content
		case UpdateAgentThoughtChunk:
			u.AgentThoughtChunk = &v.Content
		}
	case UpdateToolCall:
		var v ToolCall
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.ToolCall = &v
	case UpdateToolCallUpdate:
		var v ToolCallUpdate
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.ToolCallUpdate = &v
	case UpdatePlan:
		var v struct {
			Entries []PlanEntry `json:"entries"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.Plan = v.Entries
	case UpdateAvailableCommands:
		var v struct {
			AvailableCommands []AvailableCommand `json:"availableCommands"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.AvailableCommands = v.AvailableCommands
	case UpdateCurrentMode:
		var v struct {
			CurrentModeID string `json:"currentModeId"`
		}
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		u.CurrentModeID = v.CurrentModeID
	default:
		u.Raw = append(json.RawMessage(nil), data...)
	}
	return nil
}
