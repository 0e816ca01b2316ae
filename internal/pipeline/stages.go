package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/provider"
	"github.com/atelier-dev/atelier/internal/sysprompt"
	"github.com/atelier-dev/atelier/internal/taskparse"
)

// Stage names, as used by RepeatFrom and Outcome.FailedStage.
const (
	StagePlanning         = "Planning"
	StageTaskRegistration = "TaskRegistration"
	StageCrafterExecution = "CrafterExecution"
	StageGateVerification = "GateVerification"
)

// DefaultStages returns the standard run loop: plan, register, craft,
// verify.
func DefaultStages() []Stage {
	return []Stage{
		planningStage{},
		taskRegistrationStage{},
		crafterExecutionStage{},
		gateVerificationStage{},
	}
}

// planningStage runs the coordinator over the user request and stores the
// resulting plan text on the context.
type planningStage struct{}

func (planningStage) Name() string { return StagePlanning }

func (planningStage) Run(ctx context.Context, c *Context) StageResult {
	d := c.Deps
	c.Emit(PhaseEvent{Phase: PhasePlanning})

	res := d.Tools.CreateAgent(ctx, coordtools.CreateAgentParams{
		WorkspaceID: c.WorkspaceID,
		Name:        "coordinator",
		Role:        string(model.RoleCoordinator),
		Model:       string(model.TierSmart),
	})
	if !res.Success {
		return Fail(apperrors.Internal("failed to create coordinator: "+res.Error, nil))
	}
	coordinatorID, _ := res.Data["agent_id"].(string)
	c.CoordinatorID = coordinatorID
	if _, err := d.Stores.Agents.UpdateStatus(ctx, coordinatorID, model.AgentActive); err != nil {
		return Fail(err)
	}

	plan, err := c.runAgent(ctx, provider.Request{
		AgentID:      coordinatorID,
		WorkspaceID:  c.WorkspaceID,
		Role:         model.RoleCoordinator,
		Model:        model.TierSmart,
		SystemPrompt: sysprompt.Compose(model.RoleCoordinator, c.WorkspaceID, coordinatorID, ""),
		Prompt:       c.Prompt,
	})
	if err != nil {
		return Fail(err)
	}

	c.PlanText = plan
	c.Emit(PhaseEvent{Phase: PhasePlanReady, Text: plan})
	return Continue()
}

// taskRegistrationStage parses the plan into tasks and persists them.
type taskRegistrationStage struct{}

func (taskRegistrationStage) Name() string { return StageTaskRegistration }

func (taskRegistrationStage) Run(ctx context.Context, c *Context) StageResult {
	d := c.Deps

	for _, task := range d.Parser.Parse(c.PlanText, c.WorkspaceID) {
		created, err := d.Stores.Tasks.Create(ctx, task)
		if err != nil {
			return Fail(err)
		}
		c.TaskIDs = append(c.TaskIDs, created.ID)
	}
	c.Emit(PhaseEvent{Phase: PhaseTasksRegistered, Count: len(c.TaskIDs)})

	if len(c.TaskIDs) == 0 {
		d.Logger.Info("Plan contains no task blocks; nothing to execute")
		return SkipRemaining(&Outcome{Kind: OutcomeNoTasks, PlanText: c.PlanText})
	}
	return Continue()
}

// crafterExecutionStage runs one wave: every ready task gets a live
// crafter, runs are bounded by the parallelism cap, and each task leaves
// in_progress before the wave ends.
type crafterExecutionStage struct{}

func (crafterExecutionStage) Name() string { return StageCrafterExecution }

func (s crafterExecutionStage) Run(ctx context.Context, c *Context) StageResult {
	d := c.Deps
	if _, err := d.Router.SelectForRole(model.RoleCrafter); err != nil {
		return Fail(err)
	}

	ready, err := d.Stores.Tasks.ReadyTasks(ctx, c.WorkspaceID)
	if err != nil {
		return Fail(err)
	}
	c.Wave++
	c.WaveTaskIDs = taskIDs(ready)
	c.Emit(PhaseEvent{Phase: PhaseWaveStarted, Wave: c.Wave})
	if len(ready) == 0 {
		return Continue()
	}

	var g errgroup.Group
	g.SetLimit(s.limit(c))
	for _, task := range ready {
		g.Go(func() error {
			// Task-level failures land on the task and agent records;
			// they must not cancel sibling crafters.
			s.runTask(ctx, c, task)
			return nil
		})
	}
	_ = g.Wait()
	return Continue()
}

// limit resolves the wave's concurrency bound: the configured cap, further
// clamped by the selected provider's concurrent-agent limit.
func (s crafterExecutionStage) limit(c *Context) int {
	if c.Parallel <= 1 {
		return 1
	}
	bound := c.Parallel
	if p, err := c.Deps.Router.SelectForRole(model.RoleCrafter); err == nil {
		if limit := p.Capabilities().MaxConcurrentAgents; limit > 0 && limit < bound {
			bound = limit
		}
	}
	return bound
}

func (s crafterExecutionStage) runTask(ctx context.Context, c *Context, task *model.Task) {
	d := c.Deps
	log := d.Logger.WithTaskID(task.ID)

	agent, err := s.wakeOrCreateTaskAgent(ctx, c, task)
	if err != nil {
		log.WithError(err).Error("Failed to stage crafter for task")
		return
	}
	c.Emit(PhaseEvent{Phase: PhaseCrafterStarted, Wave: c.Wave, TaskID: task.ID})

	_, err = c.runAgent(ctx, provider.Request{
		AgentID:      agent.ID,
		WorkspaceID:  c.WorkspaceID,
		Role:         model.RoleCrafter,
		Model:        model.TierSmart,
		SystemPrompt: sysprompt.Compose(model.RoleCrafter, c.WorkspaceID, agent.ID, task.ID),
		Prompt:       coordtools.RenderTaskBrief(task),
	})
	if err != nil {
		log.WithError(err).WithAgentID(agent.ID).Error("Crafter run failed")
		if _, serr := d.Stores.Agents.UpdateStatus(ctx, agent.ID, model.AgentError); serr != nil {
			log.WithError(serr).Warn("Failed to mark crafter errored")
		}
	} else {
		s.awaitReport(ctx, c, agent.ID)
	}

	s.settleTask(ctx, c, task.ID)
	c.Emit(PhaseEvent{Phase: PhaseCrafterCompleted, Wave: c.Wave, TaskID: task.ID})
}

// wakeOrCreateTaskAgent returns a live crafter bound to the task. A live
// assignee is reused: it is re-delegated when the task is ready again,
// or nudged with a resume message otherwise. A terminal or missing
// assignee is replaced with a fresh crafter.
func (s crafterExecutionStage) wakeOrCreateTaskAgent(ctx context.Context, c *Context, task *model.Task) (*model.Agent, error) {
	d := c.Deps

	if task.AssigneeID != "" {
		agent, err := d.Stores.Agents.Get(ctx, task.AssigneeID)
		if err == nil && !agent.Status.IsTerminal() {
			if task.Status == model.TaskPending || task.Status == model.TaskNeedsFix {
				if res := d.Tools.DelegateTask(ctx, coordtools.DelegateTaskParams{TaskID: task.ID, AgentID: agent.ID}); !res.Success {
					return nil, apperrors.Internal("failed to re-delegate task: "+res.Error, nil)
				}
			} else {
				res := d.Tools.SendMessage(ctx, coordtools.SendMessageParams{
					FromAgentID: c.CoordinatorID,
					ToAgentID:   agent.ID,
					Content:     "Continue working on your assigned task.\n\n" + coordtools.RenderTaskBrief(task),
				})
				if !res.Success {
					return nil, apperrors.Internal("failed to wake assignee: "+res.Error, nil)
				}
			}
			return agent, nil
		}
	}

	res := d.Tools.CreateAgent(ctx, coordtools.CreateAgentParams{
		WorkspaceID: c.WorkspaceID,
		Name:        crafterName(task),
		Role:        string(model.RoleCrafter),
		Model:       string(model.TierSmart),
		ParentID:    c.CoordinatorID,
		TaskID:      task.ID,
	})
	if !res.Success {
		return nil, apperrors.Internal("failed to create crafter: "+res.Error, nil)
	}
	agentID, _ := res.Data["agent_id"].(string)
	if res := d.Tools.DelegateTask(ctx, coordtools.DelegateTaskParams{TaskID: task.ID, AgentID: agentID}); !res.Success {
		return nil, apperrors.Internal("failed to delegate task: "+res.Error, nil)
	}
	return d.Stores.Agents.Get(ctx, agentID)
}

// awaitReport holds the wave open briefly for a crafter whose stream ended
// without a report landing yet.
func (s crafterExecutionStage) awaitReport(ctx context.Context, c *Context, agentID string) {
	agent, err := c.Deps.Stores.Agents.Get(ctx, agentID)
	if err != nil || agent.Status.IsTerminal() {
		return
	}
	res := c.Deps.Tools.WaitForAgents(ctx, coordtools.WaitForAgentsParams{
		AgentIDs:       []string{agentID},
		TimeoutSeconds: graceSeconds(c.ReportGrace),
	})
	if !res.Success {
		c.Deps.Logger.WithAgentID(agentID).Warn("Crafter stream ended without a report")
	}
}

// settleTask enforces the wave postcondition: a task that was worked on
// leaves in_progress. Crafters normally move it by reporting; a silent
// crafter's task still goes to review so the verifier can judge it.
func (s crafterExecutionStage) settleTask(ctx context.Context, c *Context, taskID string) {
	task, err := c.Deps.Stores.Tasks.Get(ctx, taskID)
	if err != nil || task.Status != model.TaskInProgress {
		return
	}
	res := c.Deps.Tools.UpdateTaskStatus(ctx, coordtools.UpdateTaskStatusParams{
		TaskID: taskID,
		Status: string(model.TaskReviewRequired),
	})
	if !res.Success {
		c.Deps.Logger.WithTaskID(taskID).Warn("Failed to move task to review: " + res.Error)
	}
}

// gateVerificationStage runs one verifier over the wave and either closes
// the run or reopens the dissented tasks for another wave.
type gateVerificationStage struct{}

func (gateVerificationStage) Name() string { return StageGateVerification }

func (g gateVerificationStage) Run(ctx context.Context, c *Context) StageResult {
	d := c.Deps
	c.Emit(PhaseEvent{Phase: PhaseVerificationStarted, Wave: c.Wave})

	tasks, err := g.waveTasks(ctx, c)
	if err != nil {
		return Fail(err)
	}
	if len(tasks) == 0 {
		c.Emit(PhaseEvent{Phase: PhaseCompleted, Wave: c.Wave})
		return Finish(&Outcome{Kind: OutcomeSuccess})
	}

	res := d.Tools.CreateAgent(ctx, coordtools.CreateAgentParams{
		WorkspaceID: c.WorkspaceID,
		Name:        fmt.Sprintf("verifier-wave-%d", c.Wave),
		Role:        string(model.RoleVerifier),
		Model:       string(model.TierFast),
		ParentID:    c.CoordinatorID,
	})
	if !res.Success {
		return Fail(apperrors.Internal("failed to create verifier: "+res.Error, nil))
	}
	verifierID, _ := res.Data["agent_id"].(string)
	if _, err := d.Stores.Agents.UpdateStatus(ctx, verifierID, model.AgentActive); err != nil {
		return Fail(err)
	}

	output, err := c.runAgent(ctx, provider.Request{
		AgentID:      verifierID,
		WorkspaceID:  c.WorkspaceID,
		Role:         model.RoleVerifier,
		Model:        model.TierFast,
		SystemPrompt: sysprompt.Compose(model.RoleVerifier, c.WorkspaceID, verifierID, ""),
		Prompt:       verificationBrief(ctx, c, tasks),
	})
	if err != nil {
		return Fail(err)
	}
	c.Emit(PhaseEvent{Phase: PhaseVerificationCompleted, Wave: c.Wave, Text: output})

	report := g.awaitVerdict(ctx, c, verifierID)
	if report != nil && report.Success {
		g.closeWave(ctx, c, tasks)
		c.Emit(PhaseEvent{Phase: PhaseCompleted, Wave: c.Wave})
		return Finish(&Outcome{Kind: OutcomeSuccess})
	}

	g.reopenWave(ctx, c, tasks)
	c.Emit(PhaseEvent{Phase: PhaseNeedsFix, Wave: c.Wave})
	return RepeatFrom(StageCrafterExecution)
}

// waveTasks fetches the current state of the tasks this wave worked on.
func (g gateVerificationStage) waveTasks(ctx context.Context, c *Context) ([]*model.Task, error) {
	ids := c.WaveTaskIDs
	if len(ids) == 0 {
		ids = c.TaskIDs
	}
	tasks := make([]*model.Task, 0, len(ids))
	for _, id := range ids {
		task, err := c.Deps.Stores.Tasks.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// awaitVerdict returns the verifier's completion report, giving it the
// same post-stream grace window crafters get.
func (g gateVerificationStage) awaitVerdict(ctx context.Context, c *Context, verifierID string) *model.CompletionReport {
	agent, err := c.Deps.Stores.Agents.Get(ctx, verifierID)
	if err != nil {
		return nil
	}
	if agent.Report != nil || agent.Status.IsTerminal() {
		return agent.Report
	}
	c.Deps.Tools.WaitForAgents(ctx, coordtools.WaitForAgentsParams{
		AgentIDs:       []string{verifierID},
		TimeoutSeconds: graceSeconds(c.ReportGrace),
	})
	agent, err = c.Deps.Stores.Agents.Get(ctx, verifierID)
	if err != nil {
		return nil
	}
	return agent.Report
}

// closeWave approves and completes every task of an accepted wave.
func (g gateVerificationStage) closeWave(ctx context.Context, c *Context, tasks []*model.Task) {
	for _, task := range tasks {
		if task.Status == model.TaskCompleted {
			continue
		}
		res := c.Deps.Tools.UpdateTaskStatus(ctx, coordtools.UpdateTaskStatusParams{
			TaskID:  task.ID,
			Status:  string(model.TaskCompleted),
			Verdict: string(model.VerdictApproved),
		})
		if !res.Success {
			c.Deps.Logger.WithTaskID(task.ID).Warn("Failed to close approved task: " + res.Error)
		}
	}
}

// reopenWave sends every unapproved task of a dissented wave back for
// another pass. Tasks the verifier saw as already completed stay closed.
func (g gateVerificationStage) reopenWave(ctx context.Context, c *Context, tasks []*model.Task) {
	for _, task := range tasks {
		if task.Status == model.TaskCompleted && task.Verdict == model.VerdictApproved {
			continue
		}
		res := c.Deps.Tools.UpdateTaskStatus(ctx, coordtools.UpdateTaskStatusParams{
			TaskID:  task.ID,
			Status:  string(model.TaskNeedsFix),
			Verdict: string(model.VerdictNotApproved),
		})
		if !res.Success {
			c.Deps.Logger.WithTaskID(task.ID).Warn("Failed to reopen task: " + res.Error)
		}
	}
}

// verificationBrief assembles the verifier's prompt: the wave's tasks in
// canonical form followed by each crafter's report.
func verificationBrief(ctx context.Context, c *Context, tasks []*model.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Wave %d finished. Review the following tasks against their definition of done.\n\n", c.Wave)
	b.WriteString(taskparse.Render(tasks))
	b.WriteString("\nCrafter reports:\n")
	for _, task := range tasks {
		fmt.Fprintf(&b, "\n- %s (status %s): ", task.Title, task.Status)
		agent, err := c.Deps.Stores.Agents.Get(ctx, task.AssigneeID)
		if err != nil || agent.Report == nil {
			b.WriteString("no report")
			continue
		}
		if agent.Report.Success {
			b.WriteString("reported success")
		} else {
			b.WriteString("reported failure")
		}
		if agent.Report.Summary != "" {
			b.WriteString(": ")
			b.WriteString(agent.Report.Summary)
		}
		if len(agent.Report.FilesModified) > 0 {
			b.WriteString(" (files: ")
			b.WriteString(strings.Join(agent.Report.FilesModified, ", "))
			b.WriteString(")")
		}
	}
	b.WriteString("\n")
	return b.String()
}

func crafterName(task *model.Task) string {
	id := task.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "crafter-" + id
}

func taskIDs(tasks []*model.Task) []string {
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	return ids
}

func graceSeconds(d time.Duration) int {
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
