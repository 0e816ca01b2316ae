package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestNewSessionParams_EmptyMcpServersSerialized(t *testing.T) {
	params := NewSessionParams{Cwd: "/work", McpServers: []McpServerSpec{}}
	data, err := json.Marshal(params)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	// mcpServers is required by agents even when empty; it must not be
	// dropped from the payload.
	if !strings.Contains(string(data), `"mcpServers":[]`) {
		t.Errorf("Expected empty mcpServers array, got %s", data)
	}
}

func TestTextBlock(t *testing.T) {
	block := TextBlock("hello")
	if block.Type != ContentTypeText {
		t.Errorf("Expected type %s, got %s", ContentTypeText, block.Type)
	}
	if block.Text != "hello" {
		t.Errorf("Expected text hello, got %s", block.Text)
	}
}

func TestSessionUpdate_Decode(t *testing.T) {
	tests := []struct {
		name  string
		input string
		check func(t *testing.T, u SessionUpdate)
	}{
		{
			name:  "agent message chunk",
			input: `{"sessionUpdate":"agent_message_chunk","content":{"type":"text","text":"working on it"}}`,
			check: func(t *testing.T, u SessionUpdate) {
				if u.Kind != UpdateAgentMessageChunk {
					t.Errorf("Expected kind %s, got %s", UpdateAgentMessageChunk, u.Kind)
				}
				if u.Content == nil || u.Content.Text != "working on it" {
					t.Errorf("Expected content text, got %+v", u.Content)
				}
			},
		},
		{
			name:  "tool call",
			input: `{"sessionUpdate":"tool_call","toolCallId":"t-1","title":"Edit main.go","kind":"edit","status":"in_progress","rawInput":{"path":"/w/main.go"}}`,
			check: func(t *testing.T, u SessionUpdate) {
				if u.Kind != UpdateToolCall {
					t.Errorf("Expected kind %s, got %s", UpdateToolCall, u.Kind)
				}
				if u.ToolCallID != "t-1" || u.ToolKind != "edit" || u.Status != ToolStatusInProgress {
					t.Errorf("Unexpected tool call fields: %+v", u)
				}
			},
		},
		{
			name:  "plan",
			input: `{"sessionUpdate":"plan","entries":[{"content":"read the code","priority":"high","status":"pending"}]}`,
			check: func(t *testing.T, u SessionUpdate) {
				if len(u.Entries) != 1 || u.Entries[0].Content != "read the code" {
					t.Errorf("Unexpected plan entries: %+v", u.Entries)
				}
			},
		},
		{
			name:  "usage update",
			input: `{"sessionUpdate":"usage_update","usage":{"inputTokens":120,"outputTokens":48}}`,
			check: func(t *testing.T, u SessionUpdate) {
				if u.Usage == nil || u.Usage.InputTokens != 120 || u.Usage.OutputTokens != 48 {
					t.Errorf("Unexpected usage: %+v", u.Usage)
				}
			},
		},
		{
			name:  "current mode update",
			input: `{"sessionUpdate":"current_mode_update","currentModeId":"build"}`,
			check: func(t *testing.T, u SessionUpdate) {
				if u.CurrentModeID != "build" {
					t.Errorf("Expected mode build, got %s", u.CurrentModeID)
				}
			},
		},
		{
			name:  "unknown kind still decodes",
			input: `{"sessionUpdate":"diff_preview","content":{"type":"text","text":"x"}}`,
			check: func(t *testing.T, u SessionUpdate) {
				if u.Kind != "diff_preview" {
					t.Errorf("Expected kind preserved, got %s", u.Kind)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var update SessionUpdate
			if err := json.Unmarshal([]byte(tt.input), &update); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			tt.check(t, update)
		})
	}
}

func TestPermissionOutcome_Shape(t *testing.T) {
	selected := RequestPermissionResult{
		Outcome: PermissionOutcome{Outcome: OutcomeSelected, OptionID: "allow-1"},
	}
	data, err := json.Marshal(selected)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"outcome":"selected"`) || !strings.Contains(string(data), `"optionId":"allow-1"`) {
		t.Errorf("Unexpected selected outcome payload: %s", data)
	}

	cancelled := RequestPermissionResult{
		Outcome: PermissionOutcome{Outcome: OutcomeCancelled},
	}
	data, err = json.Marshal(cancelled)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(data), "optionId") {
		t.Errorf("Cancelled outcome must omit optionId: %s", data)
	}
}
