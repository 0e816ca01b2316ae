package coordtools

import (
	"context"
	"fmt"
	"strings"

	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/model"
)

// DelegateTaskParams assigns a task to an agent. Message overrides the
// generated delegation brief when set.
type DelegateTaskParams struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	Message string `json:"message,omitempty"`
}

// DelegateTask assigns a pending or needs_fix task to a live agent, moves
// it to in_progress, activates the agent if it was still pending, and
// appends the delegation brief to the agent's conversation. Events go out
// as task.delegated, task.status_changed, then agent.status_changed.
func (t *Tools) DelegateTask(ctx context.Context, p DelegateTaskParams) Result {
	task, err := t.stores.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return fail("task not found: %s", p.TaskID)
	}
	if task.Status != model.TaskPending && task.Status != model.TaskNeedsFix {
		return fail("task %s cannot be delegated in status %s", task.ID, task.Status)
	}
	agent, err := t.stores.Agents.Get(ctx, p.AgentID)
	if err != nil {
		return fail("agent not found: %s", p.AgentID)
	}
	if agent.Status.IsTerminal() {
		return fail("agent %s is %s and cannot accept tasks", agent.ID, agent.Status)
	}

	from := task.Status
	if _, err := t.stores.Tasks.SetAssignee(ctx, task.ID, agent.ID); err != nil {
		return fail("failed to assign task: %v", err)
	}
	if _, err := t.stores.Tasks.UpdateStatus(ctx, task.ID, model.TaskInProgress); err != nil {
		return fail("failed to update task status: %v", err)
	}
	if agent.TaskID != task.ID {
		agent.TaskID = task.ID
		if agent, err = t.stores.Agents.Update(ctx, agent); err != nil {
			return fail("failed to bind task to agent: %v", err)
		}
	}
	agentFrom := agent.Status
	if agent.Status == model.AgentPending {
		if agent, err = t.stores.Agents.UpdateStatus(ctx, agent.ID, model.AgentActive); err != nil {
			return fail("failed to activate agent: %v", err)
		}
	}

	brief := p.Message
	if brief == "" {
		brief = RenderTaskBrief(task)
	}
	if err := t.appendMessage(ctx, agent.ID, agent.ParentID, model.MessageRoleUser, brief); err != nil {
		return fail("failed to deliver delegation message: %v", err)
	}

	dev := events.New(events.TaskDelegated)
	dev.WorkspaceID = task.WorkspaceID
	dev.TaskID = task.ID
	dev.AgentID = agent.ID
	dev.AgentName = agent.Name
	t.publish(ctx, dev)

	sev := events.New(events.TaskStatusChanged)
	sev.WorkspaceID = task.WorkspaceID
	sev.TaskID = task.ID
	sev.From = string(from)
	sev.To = string(model.TaskInProgress)
	t.publish(ctx, sev)

	if agentFrom != agent.Status {
		aev := events.New(events.AgentStatusChanged)
		aev.WorkspaceID = task.WorkspaceID
		aev.AgentID = agent.ID
		aev.Role = string(agent.Role)
		aev.From = string(agentFrom)
		aev.To = string(agent.Status)
		t.publish(ctx, aev)
	}

	t.logger.WithTaskID(task.ID).WithAgentID(agent.ID).Info("Task delegated")

	return ok(map[string]any{
		"task_id":  task.ID,
		"agent_id": agent.ID,
		"status":   string(model.TaskInProgress),
	})
}

// RenderTaskBrief formats a task as a delegation prompt. The pipeline uses
// the same text when prompting a crafter directly.
func RenderTaskBrief(task *model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You have been assigned the task %q.", task.Title)
	if task.Objective != "" {
		b.WriteString("\n\nObjective: ")
		b.WriteString(task.Objective)
	}
	writeList := func(heading string, items []string) {
		if len(items) == 0 {
			return
		}
		b.WriteString("\n\n")
		b.WriteString(heading)
		b.WriteString(":")
		for _, item := range items {
			b.WriteString("\n- ")
			b.WriteString(item)
		}
	}
	writeList("Scope", task.Scope)
	writeList("Definition of done", task.DoD)
	writeList("Verification", task.Verification)
	return b.String()
}

// ListTasksParams filters the task listing. Status accepts any task status
// plus the pseudo-status "ready", which selects tasks eligible for
// delegation.
type ListTasksParams struct {
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status,omitempty"`
}

// ListTasks returns the tasks of a workspace, optionally filtered by status.
func (t *Tools) ListTasks(ctx context.Context, p ListTasksParams) Result {
	if p.WorkspaceID == "" {
		return fail("workspace_id is required")
	}

	var tasks []*model.Task
	var err error
	switch p.Status {
	case "":
		tasks, err = t.stores.Tasks.List(ctx, p.WorkspaceID)
	case "ready":
		tasks, err = t.stores.Tasks.ReadyTasks(ctx, p.WorkspaceID)
	default:
		status, perr := model.ParseTaskStatus(p.Status)
		if perr != nil {
			return fail("invalid status: %v", perr)
		}
		tasks, err = t.stores.Tasks.ListByStatus(ctx, p.WorkspaceID, status)
	}
	if err != nil {
		return fail("failed to list tasks: %v", err)
	}
	return ok(map[string]any{
		"tasks": tasks,
		"count": len(tasks),
	})
}

// UpdateTaskStatusParams moves a task to a new status. Verdict optionally
// records the verifier's judgement alongside the move.
type UpdateTaskStatusParams struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Verdict string `json:"verdict,omitempty"`
}

// UpdateTaskStatus transitions a task. Terminal statuses are immutable with
// one exception: a completed task may be reopened to needs_fix when later
// review overturns the verdict.
func (t *Tools) UpdateTaskStatus(ctx context.Context, p UpdateTaskStatusParams) Result {
	status, err := model.ParseTaskStatus(p.Status)
	if err != nil {
		return fail("invalid status: %v", err)
	}
	verdict := model.Verdict(p.Verdict)
	switch verdict {
	case model.VerdictNone, model.VerdictApproved, model.VerdictNotApproved, model.VerdictBlocked:
	default:
		return fail("invalid verdict: %q", p.Verdict)
	}

	task, err := t.stores.Tasks.Get(ctx, p.TaskID)
	if err != nil {
		return fail("task not found: %s", p.TaskID)
	}
	if task.Status.IsTerminal() {
		reopen := task.Status == model.TaskCompleted && status == model.TaskNeedsFix
		if !reopen {
			return fail("task %s is %s and cannot change status", task.ID, task.Status)
		}
	}

	from := task.Status
	if verdict != model.VerdictNone {
		if _, err := t.stores.Tasks.SetVerdict(ctx, task.ID, verdict); err != nil {
			return fail("failed to set verdict: %v", err)
		}
	}
	if from != status {
		if _, err := t.stores.Tasks.UpdateStatus(ctx, task.ID, status); err != nil {
			return fail("failed to update task status: %v", err)
		}
		ev := events.New(events.TaskStatusChanged)
		ev.WorkspaceID = task.WorkspaceID
		ev.TaskID = task.ID
		ev.From = string(from)
		ev.To = string(status)
		t.publish(ctx, ev)
	}

	data := map[string]any{
		"task_id": task.ID,
		"from":    string(from),
		"to":      string(status),
	}
	if verdict != model.VerdictNone {
		data["verdict"] = string(verdict)
	}
	return ok(data)
}
