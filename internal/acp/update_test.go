package acp

import (
	"encoding/json"
	"testing"
)

func TestSessionUpdateDecodeMessageChunk(t *testing.T) {
	var u SessionUpdate
	err := json.Unmarshal([]byte(`{
		"sessionUpdate": "agent_message_chunk",
		"content": {"type": "text", "text": "Hello"}
	}`), &u)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if u.Kind != UpdateAgentMessageChunk {
		t.Errorf("kind = %q", u.Kind)
	}
	if u.AgentMessageChunk == nil || u.AgentMessageChunk.Text != "Hello" {
		t.Errorf("chunk = %+v", u.AgentMessageChunk)
	}
}

func TestSessionUpdateDecodeToolCall(t *testing.T) {
	var u SessionUpdate
	err := json.Unmarshal([]byte(`{
		"sessionUpdate": "tool_call",
		"toolCallId": "call-1",
		"title": "Run tests",
		"kind": "execute",
		"status": "pending",
		"content": [{"type": "terminal", "terminalId": "term-1"}]
	}`), &u)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	tc := u.ToolCall
	if tc == nil || tc.ToolCallID != "call-1" || tc.Title != "Run tests" {
		t.Fatalf("tool call = %+v", tc)
	}
	if len(tc.Content) != 1 || tc.Content[0].TerminalID != "term-1" {
		t.Errorf("content = %+v", tc.Content)
	}
}

func TestSessionUpdateDecodePlan(t *testing.T) {
	var u SessionUpdate
	err := json.Unmarshal([]byte(`{
		"sessionUpdate": "plan",
		"entries": [{"content": "read the code", "status": "in_progress"}]
	}`), &u)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(u.Plan) != 1 || u.Plan[0].Content != "read the code" {
		t.Errorf("plan = %+v", u.Plan)
	}
}

func TestSessionUpdateUnknownKindPreserved(t *testing.T) {
	raw := `{"sessionUpdate": "hologram_update", "shape": "dodecahedron"}`
	var u SessionUpdate
	if err := json.Unmarshal([]byte(raw), &u); err != nil {
		t.Fatalf("unknown kind rejected: %v", err)
	}
	if u.Kind != "hologram_update" {
		t.Errorf("kind = %q", u.Kind)
	}
	if string(u.Raw) != raw {
		t.Errorf("raw payload not preserved: %s", u.Raw)
	}
}

func TestSessionUpdateMissingTag(t *testing.T) {
	var u SessionUpdate
	if err := json.Unmarshal([]byte(`{"content": {}}`), &u); err == nil {
		t.Error("missing discriminant accepted")
	}
}

func TestToolCallApply(t *testing.T) {
	tc := ToolCall{
		ToolCallID: "call-1",
		Title:      "Original",
		Status:     ToolCallPending,
		Locations:  []ToolCallLocation{{Path: "a.go"}},
	}

	status := ToolCallInProgress
	tc.Apply(&ToolCallUpdate{ToolCallID: "call-1", Status: &status})
	if tc.Status != ToolCallInProgress {
		t.Errorf("status = %q", tc.Status)
	}
	if tc.Title != "Original" || len(tc.Locations) != 1 {
		t.Errorf("absent fields clobbered: %+v", tc)
	}

	title := "Renamed"
	done := ToolCallCompleted
	tc.Apply(&ToolCallUpdate{ToolCallID: "call-1", Title: &title, Status: &done})
	if tc.Title != "Renamed" || tc.Status != ToolCallCompleted {
		t.Errorf("tool call = %+v", tc)
	}
	if !tc.Terminal() {
		t.Error("completed status not terminal")
	}
}

func TestToolCallTerminal(t *testing.T) {
	tests := []struct {
		status string
		want   bool
	}{
		{ToolCallPending, false},
		{ToolCallInProgress, false},
		{ToolCallCompleted, true},
		{ToolCallFailed, true},
	}
	for _, tt := range tests {
		tc := ToolCall{Status: tt.status}
		if got := tc.Terminal(); got != tt.want {
			t.Errorf("Terminal(%q) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestContentBlockRoundTrip(t *testing.T) {
	block := TextResourceBlock("file:///tmp/a.txt", "contents", "text/plain")
	data, err := json.Marshal(block)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back ContentBlock
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.Type != "resource" || back.Resource == nil || back.Resource.Text != "contents" {
		t.Errorf("round trip = %+v", back)
	}
}
