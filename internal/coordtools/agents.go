package coordtools

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/store"
)

// CreateAgentParams describes a new agent to register.
type CreateAgentParams struct {
	WorkspaceID    string `json:"workspace_id"`
	Name           string `json:"name"`
	Role           string `json:"role"`
	Model          string `json:"model,omitempty"`
	ParentID       string `json:"parent_id,omitempty"`
	TaskID         string `json:"task_id,omitempty"`
	SystemPrompt   string `json:"system_prompt,omitempty"`
	InitialMessage string `json:"initial_message,omitempty"`
}

// CreateAgent registers a new agent in pending status and seeds its
// conversation with the system prompt and initial message, when given.
func (t *Tools) CreateAgent(ctx context.Context, p CreateAgentParams) Result {
	if p.WorkspaceID == "" {
		return fail("workspace_id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return fail("agent name is required")
	}
	role, err := model.ParseRole(p.Role)
	if err != nil {
		return fail("invalid role: %v", err)
	}
	tier := model.ModelTier(p.Model)
	switch tier {
	case "", model.TierSmart, model.TierFast:
	default:
		return fail("unknown model tier: %q", p.Model)
	}
	if p.ParentID != "" {
		if _, err := t.stores.Agents.Get(ctx, p.ParentID); err != nil {
			return fail("parent agent not found: %s", p.ParentID)
		}
	}
	if p.TaskID != "" {
		if _, err := t.stores.Tasks.Get(ctx, p.TaskID); err != nil {
			return fail("task not found: %s", p.TaskID)
		}
	}

	agent, err := t.stores.Agents.Create(ctx, &model.Agent{
		Name:        strings.TrimSpace(p.Name),
		Role:        role,
		Model:       tier,
		WorkspaceID: p.WorkspaceID,
		ParentID:    p.ParentID,
		TaskID:      p.TaskID,
	})
	if err != nil {
		return fail("failed to create agent: %v", err)
	}

	if p.SystemPrompt != "" {
		if err := t.appendMessage(ctx, agent.ID, "", model.MessageRoleSystem, p.SystemPrompt); err != nil {
			return fail("failed to seed system prompt: %v", err)
		}
	}
	if p.InitialMessage != "" {
		if err := t.appendMessage(ctx, agent.ID, p.ParentID, model.MessageRoleUser, p.InitialMessage); err != nil {
			return fail("failed to seed initial message: %v", err)
		}
	}

	ev := events.New(events.AgentCreated)
	ev.WorkspaceID = agent.WorkspaceID
	ev.AgentID = agent.ID
	ev.AgentName = agent.Name
	ev.Role = string(agent.Role)
	ev.TaskID = agent.TaskID
	t.publish(ctx, ev)

	t.logger.WithAgentID(agent.ID).Info("Agent created",
		zap.String("name", agent.Name),
		zap.String("role", string(agent.Role)))

	return ok(map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
		"role":     string(agent.Role),
		"status":   string(agent.Status),
	})
}

// ReportToParentParams carries an agent's completion report.
type ReportToParentParams struct {
	AgentID       string   `json:"agent_id"`
	Success       bool     `json:"success"`
	Summary       string   `json:"summary"`
	FilesModified []string `json:"files_modified,omitempty"`
}

// ReportToParent records an agent's completion report, finalizes the agent,
// and advances the agent's task according to the reporter's role:
//
//	verifier, success  -> task completed, verdict approved
//	verifier, failure  -> task needs_fix, verdict not_approved
//	crafter,  success  -> task review_required
//	crafter,  failure  -> task unchanged
//
// When the agent has a parent, the report is also routed into the parent's
// conversation so the parent sees it on its next prompt.
func (t *Tools) ReportToParent(ctx context.Context, p ReportToParentParams) Result {
	agent, err := t.stores.Agents.Get(ctx, p.AgentID)
	if err != nil {
		return fail("agent not found: %s", p.AgentID)
	}
	if agent.Status.IsTerminal() {
		return fail("agent %s already reported (status %s)", agent.ID, agent.Status)
	}

	var task *model.Task
	if agent.TaskID != "" {
		task, err = t.stores.Tasks.Get(ctx, agent.TaskID)
		if err != nil {
			return fail("task not found: %s", agent.TaskID)
		}
	}

	report := &model.CompletionReport{
		Success:       p.Success,
		Summary:       p.Summary,
		FilesModified: p.FilesModified,
	}
	if _, err := t.stores.Agents.SetReport(ctx, agent.ID, report); err != nil {
		return fail("failed to store report: %v", err)
	}

	agentStatus := model.AgentCompleted
	if !p.Success {
		agentStatus = model.AgentError
	}
	if _, err := t.stores.Agents.UpdateStatus(ctx, agent.ID, agentStatus); err != nil {
		return fail("failed to update agent status: %v", err)
	}

	var taskFrom, taskTo model.TaskStatus
	var verdict model.Verdict
	if task != nil {
		switch {
		case agent.Role == model.RoleVerifier && p.Success:
			taskTo, verdict = model.TaskCompleted, model.VerdictApproved
		case agent.Role == model.RoleVerifier && !p.Success:
			taskTo, verdict = model.TaskNeedsFix, model.VerdictNotApproved
		case agent.Role == model.RoleCrafter && p.Success:
			taskTo = model.TaskReviewRequired
		}
		if taskTo != "" {
			taskFrom = task.Status
			if verdict != model.VerdictNone {
				if _, err := t.stores.Tasks.SetVerdict(ctx, task.ID, verdict); err != nil {
					return fail("failed to set verdict: %v", err)
				}
			}
			if _, err := t.stores.Tasks.UpdateStatus(ctx, task.ID, taskTo); err != nil {
				return fail("failed to update task status: %v", err)
			}
		}
	}

	routed := false
	if agent.ParentID != "" {
		if _, err := t.stores.Agents.Get(ctx, agent.ParentID); err != nil {
			t.logger.WithAgentID(agent.ID).Warn("Parent agent gone; dropping report routing",
				zap.String("parent_id", agent.ParentID))
		} else {
			if err := t.appendMessage(ctx, agent.ParentID, agent.ID, model.MessageRoleUser, renderReport(agent, report)); err != nil {
				return fail("failed to route report to parent: %v", err)
			}
			routed = true
		}
	}

	ev := events.New(events.AgentCompleted)
	ev.WorkspaceID = agent.WorkspaceID
	ev.AgentID = agent.ID
	ev.AgentName = agent.Name
	ev.Role = string(agent.Role)
	ev.TaskID = agent.TaskID
	ev.To = string(agentStatus)
	ev.Report = report
	t.publish(ctx, ev)

	if taskTo != "" {
		tev := events.New(events.TaskStatusChanged)
		tev.WorkspaceID = agent.WorkspaceID
		tev.TaskID = task.ID
		tev.From = string(taskFrom)
		tev.To = string(taskTo)
		t.publish(ctx, tev)
	}

	if routed {
		mev := events.New(events.MessageReceived)
		mev.WorkspaceID = agent.WorkspaceID
		mev.AgentID = agent.ParentID
		mev.FromAgentID = agent.ID
		mev.Message = p.Summary
		t.publish(ctx, mev)
	}

	data := map[string]any{
		"agent_id":     agent.ID,
		"agent_status": string(agentStatus),
	}
	if taskTo != "" {
		data["task_id"] = task.ID
		data["task_status"] = string(taskTo)
		if verdict != model.VerdictNone {
			data["verdict"] = string(verdict)
		}
	}
	return ok(data)
}

// renderReport formats a completion report for the parent's conversation.
func renderReport(agent *model.Agent, report *model.CompletionReport) string {
	outcome := "success"
	if !report.Success {
		outcome = "failure"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Agent %s (%s) reported %s.", agent.Name, agent.Role, outcome)
	if report.Summary != "" {
		b.WriteString("\n\nSummary: ")
		b.WriteString(report.Summary)
	}
	if len(report.FilesModified) > 0 {
		b.WriteString("\n\nFiles modified:")
		for _, f := range report.FilesModified {
			b.WriteString("\n- ")
			b.WriteString(f)
		}
	}
	return b.String()
}

// ListAgentsParams filters the agent listing. Role and Status are optional.
type ListAgentsParams struct {
	WorkspaceID string `json:"workspace_id"`
	Role        string `json:"role,omitempty"`
	Status      string `json:"status,omitempty"`
}

// ListAgents returns the agents of a workspace, optionally filtered by
// role and status.
func (t *Tools) ListAgents(ctx context.Context, p ListAgentsParams) Result {
	if p.WorkspaceID == "" {
		return fail("workspace_id is required")
	}
	var filter store.AgentFilter
	if p.Role != "" {
		role, err := model.ParseRole(p.Role)
		if err != nil {
			return fail("invalid role: %v", err)
		}
		filter.Role = role
	}
	if p.Status != "" {
		status, err := model.ParseAgentStatus(p.Status)
		if err != nil {
			return fail("invalid status: %v", err)
		}
		filter.Status = status
	}

	agents, err := t.stores.Agents.List(ctx, p.WorkspaceID, filter)
	if err != nil {
		return fail("failed to list agents: %v", err)
	}
	return ok(map[string]any{
		"agents": agents,
		"count":  len(agents),
	})
}

// GetAgentStatusParams identifies the agent to inspect.
type GetAgentStatusParams struct {
	AgentID string `json:"agent_id"`
}

// GetAgentStatus returns an agent together with its current task and last
// completion report, when present.
func (t *Tools) GetAgentStatus(ctx context.Context, p GetAgentStatusParams) Result {
	agent, err := t.stores.Agents.Get(ctx, p.AgentID)
	if err != nil {
		return fail("agent not found: %s", p.AgentID)
	}

	data := map[string]any{
		"agent": agent,
	}
	if agent.TaskID != "" {
		task, err := t.stores.Tasks.Get(ctx, agent.TaskID)
		if err != nil {
			t.logger.WithAgentID(agent.ID).WithTaskID(agent.TaskID).Warn("Agent references missing task")
		} else {
			data["task"] = task
		}
	}
	if agent.Report != nil {
		data["report"] = agent.Report
	}
	return ok(data)
}
