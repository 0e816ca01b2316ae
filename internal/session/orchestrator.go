package session

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordinator"
	"github.com/atelier-dev/atelier/internal/pipeline"
)

// ExecuteRequest names one orchestration run. SessionID may name an
// existing session to reuse; an unknown or empty id creates a fresh one
// with Options applied.
type ExecuteRequest struct {
	SessionID   string
	WorkspaceID string
	Prompt      string
	Options     CreateOptions
}

// Orchestrator runs prompts through managed sessions. It is the one entry
// point embedders and the CLI share.
type Orchestrator struct {
	mgr *Manager
	log *logger.Logger
}

// NewOrchestrator wraps a manager.
func NewOrchestrator(mgr *Manager, log *logger.Logger) *Orchestrator {
	return &Orchestrator{mgr: mgr, log: log.WithComponent("orchestrator")}
}

// Execute loads or creates the session and runs the pipeline to completion.
// Runs on the same session are serialized; the outcome is non-nil whenever
// the error is nil.
func (o *Orchestrator) Execute(ctx context.Context, req ExecuteRequest) (*pipeline.Outcome, error) {
	if req.Prompt == "" {
		return nil, apperrors.Invalid("prompt is required")
	}

	sess := o.mgr.Get(req.SessionID)
	if sess == nil {
		var err error
		sess, err = o.mgr.Create(ctx, req.SessionID, req.WorkspaceID, req.Options)
		if err != nil {
			return nil, err
		}
	} else if req.WorkspaceID != "" && req.WorkspaceID != sess.WorkspaceID {
		return nil, apperrors.Invalidf("session %s belongs to workspace %s, not %s",
			sess.ID, sess.WorkspaceID, req.WorkspaceID)
	}

	sess.runMu.Lock()
	defer sess.runMu.Unlock()

	if sess.Machine.State() != coordinator.StatePlanning {
		sess.Machine.Reset()
	}
	o.log.Info("Run starting",
		zap.String("session_id", sess.ID),
		zap.String("workspace_id", sess.WorkspaceID))

	outcome := sess.Pipeline.Execute(ctx, pipeline.Request{
		WorkspaceID: sess.WorkspaceID,
		Prompt:      req.Prompt,
	})
	sess.Settle(outcome)

	o.log.Info("Run finished",
		zap.String("session_id", sess.ID),
		zap.String("outcome", string(outcome.Kind)),
		zap.Int("waves", outcome.Waves))
	return outcome, nil
}
