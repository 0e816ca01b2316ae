// Package protocol defines the method names and message payloads of the
// agent wire protocol: the host drives the agent with initialize/session
// calls, the agent streams session/update notifications back, and the agent
// may issue fs, terminal and permission requests that the host answers on
// the same connection.
package protocol

// ProtocolVersion is the wire protocol revision negotiated in initialize.
const ProtocolVersion = 1

// Host -> agent methods.
const (
	MethodInitialize     = "initialize"
	MethodSessionNew     = "session/new"
	MethodSessionPrompt  = "session/prompt"
	MethodSessionSetMode = "session/set_mode"

	// session/cancel is a notification: the agent acknowledges by finishing
	// the in-flight prompt with stop reason "cancelled".
	MethodSessionCancel = "session/cancel"
)

// Agent -> host notification.
const NotificationSessionUpdate = "session/update"

// Agent -> host requests answered by the host responder.
const (
	MethodRequestPermission   = "session/request_permission"
	MethodFsReadTextFile      = "fs/read_text_file"
	MethodFsWriteTextFile     = "fs/write_text_file"
	MethodTerminalCreate      = "terminal/create"
	MethodTerminalOutput      = "terminal/output"
	MethodTerminalKill        = "terminal/kill"
	MethodTerminalRelease     = "terminal/release"
	MethodTerminalWaitForExit = "terminal/wait_for_exit"
)

// InitializeParams for the initialize handshake.
type InitializeParams struct {
	ProtocolVersion int                `json:"protocolVersion"`
	ClientInfo      Implementation     `json:"clientInfo"`
	Capabilities    ClientCapabilities `json:"capabilities,omitempty"`
}

// Implementation identifies one side of the connection.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ClientCapabilities describes the host operations the agent may call.
type ClientCapabilities struct {
	Fs       FsCapabilities `json:"fs,omitempty"`
	Terminal bool           `json:"terminal,omitempty"`
}

// FsCapabilities describes which file operations the host serves.
type FsCapabilities struct {
	ReadTextFile  bool `json:"readTextFile,omitempty"`
	WriteTextFile bool `json:"writeTextFile,omitempty"`
}

// InitializeResult is the agent's half of the handshake.
type InitializeResult struct {
	ProtocolVersion   int               `json:"protocolVersion"`
	AgentInfo         *Implementation   `json:"agentInfo,omitempty"`
	AgentCapabilities AgentCapabilities `json:"agentCapabilities,omitempty"`
}

// AgentCapabilities describes optional agent features.
type AgentCapabilities struct {
	LoadSession bool `json:"loadSession,omitempty"`
}

// NewSessionParams for session/new. McpServers is required and may be empty.
type NewSessionParams struct {
	Cwd        string          `json:"cwd"`
	McpServers []McpServerSpec `json:"mcpServers"`
}

// McpServerSpec describes one tool server the agent should connect to.
// Stdio servers set Command/Args; remote servers set URL and Type
// ("sse" or "http").
type McpServerSpec struct {
	Name    string   `json:"name"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
	Type    string   `json:"type,omitempty"`
}

// NewSessionResult from session/new.
type NewSessionResult struct {
	SessionID string            `json:"sessionId"`
	Modes     *SessionModeState `json:"modes,omitempty"`
}

// SessionModeState advertises the agent's operating modes.
type SessionModeState struct {
	CurrentModeID  string        `json:"currentModeId"`
	AvailableModes []SessionMode `json:"availableModes,omitempty"`
}

// SessionMode is one selectable agent mode.
type SessionMode struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// ContentBlock is one element of a prompt or streamed content. Only text
// blocks are used on the host side.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ContentTypeText is the only content block type the host produces.
const ContentTypeText = "text"

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: ContentTypeText, Text: text}
}

// PromptParams for session/prompt.
type PromptParams struct {
	SessionID string         `json:"sessionId"`
	Prompt    []ContentBlock `json:"prompt"`
}

// PromptResult reports how the turn ended.
type PromptResult struct {
	StopReason string `json:"stopReason"`
}

// Stop reasons for a prompt turn.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonCancelled = "cancelled"
	StopReasonMaxTokens = "max_tokens"
	StopReasonRefusal   = "refusal"
)

// SetModeParams for session/set_mode.
type SetModeParams struct {
	SessionID string `json:"sessionId"`
	ModeID    string `json:"modeId"`
}

// SetModeResult from session/set_mode.
type SetModeResult struct{}

// CancelParams for the session/cancel notification.
type CancelParams struct {
	SessionID string `json:"sessionId"`
}
