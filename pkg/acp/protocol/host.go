package protocol

// RequestPermissionParams for session/request_permission, issued by the
// agent before a gated tool call.
type RequestPermissionParams struct {
	SessionID string             `json:"sessionId"`
	ToolCall  ToolCallRef        `json:"toolCall"`
	Options   []PermissionOption `json:"options"`
}

// ToolCallRef identifies the tool call a permission request is about.
type ToolCallRef struct {
	ToolCallID string `json:"toolCallId"`
	Title      string `json:"title,omitempty"`
}

// PermissionOption is one choice offered to the host.
type PermissionOption struct {
	OptionID string `json:"optionId"`
	Name     string `json:"name,omitempty"`
	Kind     string `json:"kind"`
}

// Permission option kinds.
const (
	PermissionAllowOnce    = "allow_once"
	PermissionAllowAlways  = "allow_always"
	PermissionRejectOnce   = "reject_once"
	PermissionRejectAlways = "reject_always"
)

// RequestPermissionResult is the host's decision.
type RequestPermissionResult struct {
	Outcome PermissionOutcome `json:"outcome"`
}

// PermissionOutcome selects an option or cancels the request. Outcome is
// "selected" or "cancelled"; OptionID is set only when selected.
type PermissionOutcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

// Permission outcomes.
const (
	OutcomeSelected  = "selected"
	OutcomeCancelled = "cancelled"
)

// ReadTextFileParams for fs/read_text_file. Path must be absolute. Line is
// 1-based; Line and Limit slice the file when set.
type ReadTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Line      *int   `json:"line,omitempty"`
	Limit     *int   `json:"limit,omitempty"`
}

// ReadTextFileResult from fs/read_text_file.
type ReadTextFileResult struct {
	Content string `json:"content"`
}

// WriteTextFileParams for fs/write_text_file. Path must be absolute; parent
// directories are created as needed.
type WriteTextFileParams struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Content   string `json:"content"`
}

// WriteTextFileResult from fs/write_text_file.
type WriteTextFileResult struct{}

// TerminalCreateParams for terminal/create.
type TerminalCreateParams struct {
	SessionID string   `json:"sessionId"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Cwd       string   `json:"cwd,omitempty"`
}

// TerminalCreateResult from terminal/create.
type TerminalCreateResult struct {
	TerminalID string `json:"terminalId"`
}

// TerminalIDParams addresses an existing terminal; shared by output, kill,
// release and wait_for_exit.
type TerminalIDParams struct {
	SessionID  string `json:"sessionId"`
	TerminalID string `json:"terminalId"`
}

// TerminalOutputResult from terminal/output.
type TerminalOutputResult struct {
	Output     string              `json:"output"`
	Truncated  bool                `json:"truncated"`
	ExitStatus *TerminalExitStatus `json:"exitStatus,omitempty"`
}

// TerminalExitStatus describes how a terminal command ended.
type TerminalExitStatus struct {
	ExitCode *int    `json:"exitCode,omitempty"`
	Signal   *string `json:"signal,omitempty"`
}

// TerminalKillResult from terminal/kill.
type TerminalKillResult struct{}

// TerminalReleaseResult from terminal/release.
type TerminalReleaseResult struct{}

// TerminalWaitForExitResult from terminal/wait_for_exit.
type TerminalWaitForExitResult struct {
	ExitStatus TerminalExitStatus `json:"exitStatus"`
}
