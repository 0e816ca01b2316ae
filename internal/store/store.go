// Package store provides in-memory persistence for agents, tasks, and
// conversation histories. Stores are safe for concurrent use and never
// return values that alias their internal state.
package store

import (
	"context"

	"github.com/atelier-dev/atelier/internal/model"
)

// AgentFilter narrows ListAgents results. Zero values match everything.
type AgentFilter struct {
	Role   model.Role
	Status model.AgentStatus
}

// AgentStore defines storage operations for agents.
type AgentStore interface {
	Create(ctx context.Context, agent *model.Agent) (*model.Agent, error)
	Get(ctx context.Context, id string) (*model.Agent, error)
	Update(ctx context.Context, agent *model.Agent) (*model.Agent, error)
	UpdateStatus(ctx context.Context, id string, status model.AgentStatus) (*model.Agent, error)
	SetReport(ctx context.Context, id string, report *model.CompletionReport) (*model.Agent, error)
	List(ctx context.Context, workspaceID string, filter AgentFilter) ([]*model.Agent, error)
	ListChildren(ctx context.Context, parentID string) ([]*model.Agent, error)
	Delete(ctx context.Context, id string) error
}

// TaskStore defines storage operations for tasks.
type TaskStore interface {
	Create(ctx context.Context, task *model.Task) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Update(ctx context.Context, task *model.Task) (*model.Task, error)
	UpdateStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error)
	SetAssignee(ctx context.Context, id, assigneeID string) (*model.Task, error)
	SetVerdict(ctx context.Context, id string, verdict model.Verdict) (*model.Task, error)
	List(ctx context.Context, workspaceID string) ([]*model.Task, error)
	ListByStatus(ctx context.Context, workspaceID string, status model.TaskStatus) ([]*model.Task, error)
	// ReadyTasks returns tasks eligible for delegation: pending or needs_fix,
	// with no live assignee. Centralized here so the pipeline and the
	// listTasks tool agree on eligibility.
	ReadyTasks(ctx context.Context, workspaceID string) ([]*model.Task, error)
	Delete(ctx context.Context, id string) error
}

// ConversationStore defines storage operations for per-agent message history.
type ConversationStore interface {
	Append(ctx context.Context, agentID string, msg *model.Message) (*model.Message, error)
	History(ctx context.Context, agentID string) ([]*model.Message, error)
	Clear(ctx context.Context, agentID string) error
}

// Stores bundles the three entity stores of one workspace session.
type Stores struct {
	Agents        AgentStore
	Tasks         TaskStore
	Conversations ConversationStore
}

// NewMemoryStores creates a fresh in-memory store bundle.
func NewMemoryStores() *Stores {
	return &Stores{
		Agents:        NewMemoryAgentStore(),
		Tasks:         NewMemoryTaskStore(),
		Conversations: NewMemoryConversationStore(),
	}
}
