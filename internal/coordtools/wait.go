package coordtools

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/atelier-dev/atelier/internal/events"
)

// DefaultWaitTimeout bounds WaitForAgents when the caller gives no timeout.
const DefaultWaitTimeout = 5 * time.Minute

// WaitForAgentsParams names the agents to wait on. TimeoutSeconds bounds
// the wait; zero or negative selects DefaultWaitTimeout.
type WaitForAgentsParams struct {
	AgentIDs       []string `json:"agent_ids"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
}

// WaitForAgents blocks until every named agent reaches a terminal status or
// the timeout expires. It is driven by bus events rather than polling: the
// subscription is registered before the first store snapshot, so a
// completion landing between snapshot and wait is never missed. On timeout
// the result carries the statuses collected so far and timed_out=true.
func (t *Tools) WaitForAgents(ctx context.Context, p WaitForAgentsParams) Result {
	if len(p.AgentIDs) == 0 {
		return fail("agent_ids is required")
	}
	timeout := DefaultWaitTimeout
	if p.TimeoutSeconds > 0 {
		timeout = time.Duration(p.TimeoutSeconds) * time.Second
	}

	watched := make(map[string]bool, len(p.AgentIDs))
	for _, id := range p.AgentIDs {
		if _, err := t.stores.Agents.Get(ctx, id); err != nil {
			return fail("agent not found: %s", id)
		}
		watched[id] = true
	}

	// Coalescing wakeup: one pending signal is enough, the waiter
	// re-snapshots the stores on every pass.
	wake := make(chan struct{}, 1)
	subID := "wait-" + uuid.New().String()
	sub, err := t.bus.Subscribe(subID, func(ctx context.Context, ev *events.Event) error {
		switch ev.Type {
		case events.AgentCompleted, events.AgentStatusChanged:
			if watched[ev.AgentID] {
				select {
				case wake <- struct{}{}:
				default:
				}
			}
		}
		return nil
	})
	if err != nil {
		return fail("failed to subscribe for completions: %v", err)
	}
	defer func() {
		if uerr := sub.Unsubscribe(); uerr != nil {
			t.logger.WithError(uerr).Warn("Failed to unsubscribe completion watcher")
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		statuses, done, err := t.snapshotStatuses(ctx, p.AgentIDs)
		if err != nil {
			return fail("failed to read agent statuses: %v", err)
		}
		if done {
			return ok(map[string]any{
				"statuses":  statuses,
				"timed_out": false,
			})
		}

		select {
		case <-wake:
		case <-deadline.C:
			return Result{
				Success: false,
				Error:   "timed out waiting for agents",
				Data: map[string]any{
					"statuses":  statuses,
					"timed_out": true,
				},
			}
		case <-ctx.Done():
			return Result{
				Success: false,
				Error:   "wait cancelled: " + ctx.Err().Error(),
				Data: map[string]any{
					"statuses":  statuses,
					"timed_out": false,
				},
			}
		}
	}
}

// snapshotStatuses reads the current status of each agent and reports
// whether all are terminal.
func (t *Tools) snapshotStatuses(ctx context.Context, ids []string) (map[string]string, bool, error) {
	statuses := make(map[string]string, len(ids))
	done := true
	for _, id := range ids {
		agent, err := t.stores.Agents.Get(ctx, id)
		if err != nil {
			return nil, false, err
		}
		statuses[id] = string(agent.Status)
		if !agent.Status.IsTerminal() {
			done = false
		}
	}
	return statuses, done, nil
}
