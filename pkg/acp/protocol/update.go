package protocol

import "encoding/json"

// SessionNotification is the params payload of a session/update notification.
type SessionNotification struct {
	SessionID string        `json:"sessionId"`
	Update    SessionUpdate `json:"update"`
}

// Session update kinds, discriminated by the sessionUpdate field.
const (
	UpdateAgentMessageChunk = "agent_message_chunk"
	UpdateAgentThoughtChunk = "agent_thought_chunk"
	UpdateToolCall          = "tool_call"
	UpdateToolCallUpdate    = "tool_call_update"
	UpdatePlan              = "plan"
	UpdateUsage             = "usage_update"
	UpdateCurrentMode       = "current_mode_update"
	UpdateSessionInfo       = "session_info_update"
)

// SessionUpdate is the union of all update kinds. Kind selects which of the
// optional fields are populated; unknown kinds are skipped by the receiver.
type SessionUpdate struct {
	Kind string `json:"sessionUpdate"`

	// agent_message_chunk, agent_thought_chunk
	Content *ContentBlock `json:"content,omitempty"`

	// tool_call, tool_call_update
	ToolCallID string          `json:"toolCallId,omitempty"`
	Title      string          `json:"title,omitempty"`
	ToolKind   string          `json:"kind,omitempty"`
	Status     string          `json:"status,omitempty"`
	RawInput   json.RawMessage `json:"rawInput,omitempty"`
	RawOutput  json.RawMessage `json:"rawOutput,omitempty"`

	// plan
	Entries []PlanEntry `json:"entries,omitempty"`

	// usage_update
	Usage *Usage `json:"usage,omitempty"`

	// current_mode_update
	CurrentModeID string `json:"currentModeId,omitempty"`

	// session_info_update
	SessionInfo *SessionInfo `json:"sessionInfo,omitempty"`
}

// Tool call statuses carried on tool_call and tool_call_update.
const (
	ToolStatusPending    = "pending"
	ToolStatusInProgress = "in_progress"
	ToolStatusCompleted  = "completed"
	ToolStatusFailed     = "failed"
)

// PlanEntry is one item of a plan update.
type PlanEntry struct {
	Content  string `json:"content"`
	Priority string `json:"priority,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Usage reports cumulative token consumption for the session.
type Usage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64 `json:"cacheCreationTokens,omitempty"`
}

// SessionInfo carries display metadata about the session.
type SessionInfo struct {
	Title string `json:"title,omitempty"`
}
