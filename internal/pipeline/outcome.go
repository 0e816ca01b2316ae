package pipeline

import "github.com/atelier-dev/atelier/internal/model"

// OutcomeKind tags the terminal state of a pipeline run.
type OutcomeKind string

const (
	// OutcomeSuccess: every task of the final wave was approved.
	OutcomeSuccess OutcomeKind = "success"
	// OutcomeNoTasks: the coordinator produced no task blocks.
	OutcomeNoTasks OutcomeKind = "no_tasks"
	// OutcomeMaxWaves: the iteration budget ran out before approval. The
	// outcome still carries the latest stored task state.
	OutcomeMaxWaves OutcomeKind = "max_waves"
	// OutcomeError: a stage failed; FailedStage and Err are set.
	OutcomeError OutcomeKind = "error"
)

// TaskSummary is the stored state of one task at pipeline exit.
type TaskSummary struct {
	ID      string           `json:"id"`
	Title   string           `json:"title"`
	Status  model.TaskStatus `json:"status"`
	Verdict model.Verdict    `json:"verdict,omitempty"`
}

// Outcome is the final result of one Execute call.
type Outcome struct {
	Kind     OutcomeKind   `json:"kind"`
	PlanText string        `json:"plan_text,omitempty"`
	Tasks    []TaskSummary `json:"tasks,omitempty"`
	Waves    int           `json:"waves"`

	// FailedStage and Err are set when Kind is OutcomeError.
	FailedStage string `json:"failed_stage,omitempty"`
	Err         error  `json:"-"`
}
