package pipeline

// Phase marks a point in the pipeline's progress. Phases are the coarse
// narration of a run; streaming chunks carry the fine-grained agent output.
type Phase string

const (
	PhasePlanning              Phase = "planning"
	PhasePlanReady             Phase = "plan_ready"
	PhaseTasksRegistered       Phase = "tasks_registered"
	PhaseWaveStarted           Phase = "wave_started"
	PhaseCrafterStarted        Phase = "crafter_started"
	PhaseCrafterCompleted      Phase = "crafter_completed"
	PhaseVerificationStarted   Phase = "verification_started"
	PhaseVerificationCompleted Phase = "verification_completed"
	PhaseNeedsFix              Phase = "needs_fix"
	PhaseCompleted             Phase = "completed"
	PhaseMaxWavesReached       Phase = "max_waves_reached"
	PhaseFailed                Phase = "failed"
)

// PhaseEvent is one progress notification. Fields beyond Phase are filled
// when they carry meaning for that phase.
type PhaseEvent struct {
	Phase  Phase  `json:"phase"`
	Wave   int    `json:"wave,omitempty"`
	TaskID string `json:"task_id,omitempty"`
	Count  int    `json:"count,omitempty"`
	Text   string `json:"text,omitempty"`
}

// PhaseListener observes pipeline progress. Listeners run on the pipeline
// goroutine and must return promptly; a panicking listener is recovered and
// logged without affecting the run.
type PhaseListener func(ev PhaseEvent)
