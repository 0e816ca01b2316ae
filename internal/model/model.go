// Package model defines the core entities of the orchestration engine:
// agents, tasks, and conversation messages shared by stores, tools,
// providers, and the pipeline.
package model

import (
	"fmt"
	"time"
)

// Role identifies what an agent does in a workspace.
type Role string

const (
	// RoleCoordinator plans work and delegates tasks to other agents.
	RoleCoordinator Role = "coordinator"
	// RoleCrafter implements delegated tasks by editing files and running commands.
	RoleCrafter Role = "crafter"
	// RoleVerifier inspects completed work and issues a verdict.
	RoleVerifier Role = "verifier"
)

// ParseRole converts a string into a Role.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleCoordinator, RoleCrafter, RoleVerifier:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role: %q", s)
}

// ModelTier is an advisory hint for model selection per agent.
type ModelTier string

const (
	// TierSmart selects the strongest available model.
	TierSmart ModelTier = "smart"
	// TierFast selects a cheaper, faster model.
	TierFast ModelTier = "fast"
)

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	// AgentPending - agent created but not yet running
	AgentPending AgentStatus = "pending"
	// AgentActive - agent is running
	AgentActive AgentStatus = "active"
	// AgentCompleted - agent finished and reported
	AgentCompleted AgentStatus = "completed"
	// AgentError - agent failed
	AgentError AgentStatus = "error"
	// AgentCancelled - agent was stopped before completing
	AgentCancelled AgentStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s AgentStatus) IsTerminal() bool {
	switch s {
	case AgentCompleted, AgentError, AgentCancelled:
		return true
	}
	return false
}

// ParseAgentStatus converts a string into an AgentStatus.
func ParseAgentStatus(s string) (AgentStatus, error) {
	switch AgentStatus(s) {
	case AgentPending, AgentActive, AgentCompleted, AgentError, AgentCancelled:
		return AgentStatus(s), nil
	}
	return "", fmt.Errorf("unknown agent status: %q", s)
}

// TaskStatus represents the lifecycle state of a task.
type TaskStatus string

const (
	// TaskPending - registered, not yet delegated
	TaskPending TaskStatus = "pending"
	// TaskInProgress - delegated to a crafter
	TaskInProgress TaskStatus = "in_progress"
	// TaskReviewRequired - crafter reported success, awaiting verification
	TaskReviewRequired TaskStatus = "review_required"
	// TaskCompleted - verifier approved
	TaskCompleted TaskStatus = "completed"
	// TaskNeedsFix - verifier rejected, eligible for re-delegation
	TaskNeedsFix TaskStatus = "needs_fix"
	// TaskBlocked - cannot proceed without outside intervention
	TaskBlocked TaskStatus = "blocked"
	// TaskCancelled - abandoned
	TaskCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether the status is final.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskCancelled:
		return true
	}
	return false
}

// ParseTaskStatus converts a string into a TaskStatus.
func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case TaskPending, TaskInProgress, TaskReviewRequired, TaskCompleted,
		TaskNeedsFix, TaskBlocked, TaskCancelled:
		return TaskStatus(s), nil
	}
	return "", fmt.Errorf("unknown task status: %q", s)
}

// Verdict is the verifier's judgement on a task.
type Verdict string

const (
	// VerdictNone - no verdict issued yet
	VerdictNone Verdict = ""
	// VerdictApproved - work accepted
	VerdictApproved Verdict = "approved"
	// VerdictNotApproved - work rejected, needs another pass
	VerdictNotApproved Verdict = "not_approved"
	// VerdictBlocked - verification impossible
	VerdictBlocked Verdict = "blocked"
)

// MessageRole identifies the author class of a conversation message.
type MessageRole string

const (
	MessageRoleSystem    MessageRole = "system"
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
	MessageRoleTool      MessageRole = "tool"
)

// Agent represents a running or finished participant in a workspace.
type Agent struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Role        Role              `json:"role"`
	Status      AgentStatus       `json:"status"`
	Model       ModelTier         `json:"model,omitempty"`
	WorkspaceID string            `json:"workspace_id"`
	TaskID      string            `json:"task_id,omitempty"`
	ParentID    string            `json:"parent_id,omitempty"`
	Report      *CompletionReport `json:"report,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// Task represents a unit of work handed to crafter agents.
type Task struct {
	ID           string     `json:"id"`
	WorkspaceID  string     `json:"workspace_id"`
	Title        string     `json:"title"`
	Objective    string     `json:"objective,omitempty"`
	Scope        []string   `json:"scope,omitempty"`
	DoD          []string   `json:"dod,omitempty"`
	Verification []string   `json:"verification,omitempty"`
	Status       TaskStatus `json:"status"`
	AssigneeID   string     `json:"assignee_id,omitempty"`
	Verdict      Verdict    `json:"verdict,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Message represents one entry in an agent's conversation history.
// FromAgentID attributes inter-agent messages to their sender; it is empty
// for system prompts and the agent's own turns. Seq is a per-store
// monotonic tiebreak so ordering stays total when two messages land at the
// same wall-clock instant.
type Message struct {
	ID          string      `json:"id"`
	AgentID     string      `json:"agent_id"`
	FromAgentID string      `json:"from_agent_id,omitempty"`
	Role        MessageRole `json:"role"`
	Content     string      `json:"content"`
	Timestamp   time.Time   `json:"timestamp"`
	Seq         uint64      `json:"seq"`
}

// CompletionReport is an agent's final account of its work.
type CompletionReport struct {
	Success       bool     `json:"success"`
	Summary       string   `json:"summary"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Scope = append([]string(nil), t.Scope...)
	c.DoD = append([]string(nil), t.DoD...)
	c.Verification = append([]string(nil), t.Verification...)
	return &c
}

// Clone returns a deep copy of the agent.
func (a *Agent) Clone() *Agent {
	if a == nil {
		return nil
	}
	c := *a
	if a.Report != nil {
		r := *a.Report
		r.FilesModified = append([]string(nil), a.Report.FilesModified...)
		c.Report = &r
	}
	return &c
}
