package provider

import (
	"time"

	"github.com/atelier-dev/atelier/internal/model"
)

// ChunkType discriminates StreamChunk payloads.
type ChunkType string

const (
	ChunkText             ChunkType = "text"
	ChunkThinking         ChunkType = "thinking"
	ChunkToolCall         ChunkType = "tool_call"
	ChunkToolResult       ChunkType = "tool_result"
	ChunkError            ChunkType = "error"
	ChunkCompleted        ChunkType = "completed"
	ChunkCompletionReport ChunkType = "completion_report"
	ChunkHeartbeat        ChunkType = "heartbeat"
)

// Thinking phases carried on thinking chunks.
const (
	PhaseStart = "start"
	PhaseChunk = "chunk"
	PhaseEnd   = "end"
)

// Tool call statuses carried on tool_call chunks.
const (
	ToolCallInProgress = "in_progress"
	ToolCallCompleted  = "completed"
	ToolCallFailed     = "failed"
)

// StreamChunk is one incremental update from a running agent. Type selects
// which fields are populated.
type StreamChunk struct {
	Type    ChunkType `json:"type"`
	AgentID string    `json:"agent_id,omitempty"`

	// text, thinking, tool_result, error
	Text string `json:"text,omitempty"`

	// thinking
	Phase string `json:"phase,omitempty"`

	// tool_call, tool_result
	ToolName   string `json:"tool_name,omitempty"`
	ToolCallID string `json:"tool_call_id,omitempty"`
	Status     string `json:"status,omitempty"`

	// error
	Recoverable bool `json:"recoverable,omitempty"`

	// completed
	StopReason string `json:"stop_reason,omitempty"`

	// completion_report
	Report *model.CompletionReport `json:"report,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

func newChunk(agentID string, t ChunkType) StreamChunk {
	return StreamChunk{Type: t, AgentID: agentID, Timestamp: time.Now().UTC()}
}

func textChunk(agentID, text string) StreamChunk {
	c := newChunk(agentID, ChunkText)
	c.Text = text
	return c
}

func thinkingChunk(agentID, phase, text string) StreamChunk {
	c := newChunk(agentID, ChunkThinking)
	c.Phase = phase
	c.Text = text
	return c
}

func completedChunk(agentID, stopReason string) StreamChunk {
	c := newChunk(agentID, ChunkCompleted)
	c.StopReason = stopReason
	return c
}

func errorChunk(agentID string, err error, recoverable bool) StreamChunk {
	c := newChunk(agentID, ChunkError)
	if err != nil {
		c.Text = err.Error()
	}
	c.Recoverable = recoverable
	return c
}
