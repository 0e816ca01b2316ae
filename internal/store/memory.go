package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/model"
)

// MemoryAgentStore provides in-memory agent storage.
type MemoryAgentStore struct {
	agents map[string]*model.Agent
	mu     sync.RWMutex
}

// Ensure MemoryAgentStore implements AgentStore
var _ AgentStore = (*MemoryAgentStore)(nil)

// NewMemoryAgentStore creates a new in-memory agent store.
func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*model.Agent)}
}

// Create stores a new agent, assigning an ID and timestamps.
func (s *MemoryAgentStore) Create(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := agent.Clone()
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = model.AgentPending
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	s.agents[a.ID] = a
	return a.Clone(), nil
}

// Get retrieves an agent by ID.
func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	return agent.Clone(), nil
}

// Update replaces an existing agent record.
func (s *MemoryAgentStore) Update(ctx context.Context, agent *model.Agent) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.agents[agent.ID]
	if !ok {
		return nil, apperrors.NotFound("agent", agent.ID)
	}
	a := agent.Clone()
	a.CreatedAt = existing.CreatedAt
	a.UpdatedAt = time.Now().UTC()
	s.agents[a.ID] = a
	return a.Clone(), nil
}

// UpdateStatus moves an agent to the given status.
func (s *MemoryAgentStore) UpdateStatus(ctx context.Context, id string, status model.AgentStatus) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	agent.Status = status
	agent.UpdatedAt = time.Now().UTC()
	return agent.Clone(), nil
}

// SetReport attaches a completion report to an agent.
func (s *MemoryAgentStore) SetReport(ctx context.Context, id string, report *model.CompletionReport) (*model.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agent, ok := s.agents[id]
	if !ok {
		return nil, apperrors.NotFound("agent", id)
	}
	if report != nil {
		r := *report
		r.FilesModified = append([]string(nil), report.FilesModified...)
		agent.Report = &r
	} else {
		agent.Report = nil
	}
	agent.UpdatedAt = time.Now().UTC()
	return agent.Clone(), nil
}

// List returns the agents of a workspace matching the filter,
// ordered by creation time.
func (s *MemoryAgentStore) List(ctx context.Context, workspaceID string, filter AgentFilter) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Agent, 0)
	for _, agent := range s.agents {
		if agent.WorkspaceID != workspaceID {
			continue
		}
		if filter.Role != "" && agent.Role != filter.Role {
			continue
		}
		if filter.Status != "" && agent.Status != filter.Status {
			continue
		}
		result = append(result, agent.Clone())
	}
	sortAgents(result)
	return result, nil
}

// ListChildren returns agents whose ParentID matches, ordered by creation time.
func (s *MemoryAgentStore) ListChildren(ctx context.Context, parentID string) ([]*model.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Agent, 0)
	for _, agent := range s.agents {
		if agent.ParentID == parentID {
			result = append(result, agent.Clone())
		}
	}
	sortAgents(result)
	return result, nil
}

// Delete removes an agent by ID.
func (s *MemoryAgentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.agents[id]; !ok {
		return apperrors.NotFound("agent", id)
	}
	delete(s.agents, id)
	return nil
}

func sortAgents(agents []*model.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		if agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].ID < agents[j].ID
		}
		return agents[i].CreatedAt.Before(agents[j].CreatedAt)
	})
}

// MemoryTaskStore provides in-memory task storage.
type MemoryTaskStore struct {
	tasks map[string]*model.Task
	mu    sync.RWMutex
}

// Ensure MemoryTaskStore implements TaskStore
var _ TaskStore = (*MemoryTaskStore)(nil)

// NewMemoryTaskStore creates a new in-memory task store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]*model.Task)}
}

// Create stores a new task, assigning an ID and timestamps.
func (s *MemoryTaskStore) Create(ctx context.Context, task *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := task.Clone()
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = model.TaskPending
	}
	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	s.tasks[t.ID] = t
	return t.Clone(), nil
}

// Get retrieves a task by ID.
func (s *MemoryTaskStore) Get(ctx context.Context, id string) (*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	return task.Clone(), nil
}

// Update replaces an existing task record.
func (s *MemoryTaskStore) Update(ctx context.Context, task *model.Task) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok {
		return nil, apperrors.NotFound("task", task.ID)
	}
	t := task.Clone()
	t.CreatedAt = existing.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tasks[t.ID] = t
	return t.Clone(), nil
}

// UpdateStatus moves a task to the given status.
func (s *MemoryTaskStore) UpdateStatus(ctx context.Context, id string, status model.TaskStatus) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	task.Status = status
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// SetAssignee records the agent a task is delegated to.
func (s *MemoryTaskStore) SetAssignee(ctx context.Context, id, assigneeID string) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	task.AssigneeID = assigneeID
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// SetVerdict records the verifier's judgement on a task.
func (s *MemoryTaskStore) SetVerdict(ctx context.Context, id string, verdict model.Verdict) (*model.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[id]
	if !ok {
		return nil, apperrors.NotFound("task", id)
	}
	task.Verdict = verdict
	task.UpdatedAt = time.Now().UTC()
	return task.Clone(), nil
}

// List returns all tasks of a workspace, ordered by creation time.
func (s *MemoryTaskStore) List(ctx context.Context, workspaceID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Task, 0)
	for _, task := range s.tasks {
		if task.WorkspaceID == workspaceID {
			result = append(result, task.Clone())
		}
	}
	sortTasks(result)
	return result, nil
}

// ListByStatus returns the workspace tasks in the given status.
func (s *MemoryTaskStore) ListByStatus(ctx context.Context, workspaceID string, status model.TaskStatus) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Task, 0)
	for _, task := range s.tasks {
		if task.WorkspaceID == workspaceID && task.Status == status {
			result = append(result, task.Clone())
		}
	}
	sortTasks(result)
	return result, nil
}

// ReadyTasks returns tasks eligible for delegation.
func (s *MemoryTaskStore) ReadyTasks(ctx context.Context, workspaceID string) ([]*model.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*model.Task, 0)
	for _, task := range s.tasks {
		if task.WorkspaceID != workspaceID {
			continue
		}
		if task.Status == model.TaskPending || task.Status == model.TaskNeedsFix {
			result = append(result, task.Clone())
		}
	}
	sortTasks(result)
	return result, nil
}

// Delete removes a task by ID.
func (s *MemoryTaskStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return apperrors.NotFound("task", id)
	}
	delete(s.tasks, id)
	return nil
}

func sortTasks(tasks []*model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt.Equal(tasks[j].CreatedAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}

// MemoryConversationStore provides in-memory per-agent message history.
// All mutation is serialized under one store-wide mutex; Seq is assigned
// under that lock so ordering is total per agent.
type MemoryConversationStore struct {
	messages map[string][]*model.Message
	seq      uint64
	mu       sync.RWMutex
}

// Ensure MemoryConversationStore implements ConversationStore
var _ ConversationStore = (*MemoryConversationStore)(nil)

// NewMemoryConversationStore creates a new in-memory conversation store.
func NewMemoryConversationStore() *MemoryConversationStore {
	return &MemoryConversationStore{messages: make(map[string][]*model.Message)}
}

// Append adds a message to an agent's history, assigning ID, timestamp, and Seq.
func (s *MemoryConversationStore) Append(ctx context.Context, agentID string, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := *msg
	m.AgentID = agentID
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	s.seq++
	m.Seq = s.seq

	s.messages[agentID] = append(s.messages[agentID], &m)
	out := m
	return &out, nil
}

// History returns an agent's messages ordered by (Timestamp, Seq).
func (s *MemoryConversationStore) History(ctx context.Context, agentID string) ([]*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.messages[agentID]
	result := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		c := *m
		result[i] = &c
	}
	sort.SliceStable(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].Seq < result[j].Seq
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

// Clear removes an agent's history.
func (s *MemoryConversationStore) Clear(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.messages, agentID)
	return nil
}
