package coordtools

import (
	"context"
	"strings"

	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/store"
)

// SendMessageParams carries a direct message between two agents.
type SendMessageParams struct {
	FromAgentID string `json:"from_agent_id"`
	ToAgentID   string `json:"to_agent_id"`
	Content     string `json:"content"`
}

// SendMessage appends a message to the recipient's conversation, attributed
// to the sender, and publishes it on the bus.
func (t *Tools) SendMessage(ctx context.Context, p SendMessageParams) Result {
	if strings.TrimSpace(p.Content) == "" {
		return fail("message content is required")
	}
	from, err := t.stores.Agents.Get(ctx, p.FromAgentID)
	if err != nil {
		return fail("sender agent not found: %s", p.FromAgentID)
	}
	to, err := t.stores.Agents.Get(ctx, p.ToAgentID)
	if err != nil {
		return fail("recipient agent not found: %s", p.ToAgentID)
	}
	if to.Status.IsTerminal() {
		return fail("recipient agent %s is %s and cannot receive messages", to.ID, to.Status)
	}

	if err := t.appendMessage(ctx, to.ID, from.ID, model.MessageRoleUser, p.Content); err != nil {
		return fail("failed to deliver message: %v", err)
	}

	ev := events.New(events.MessageReceived)
	ev.WorkspaceID = to.WorkspaceID
	ev.AgentID = to.ID
	ev.AgentName = to.Name
	ev.FromAgentID = from.ID
	ev.Message = p.Content
	t.publish(ctx, ev)

	return ok(map[string]any{
		"from_agent_id": from.ID,
		"to_agent_id":   to.ID,
	})
}

// BroadcastMessageParams fans a message out to a workspace. Roles narrows
// delivery to the named roles; empty means all roles. WorkspaceID defaults
// to the sender's workspace.
type BroadcastMessageParams struct {
	FromAgentID string   `json:"from_agent_id"`
	WorkspaceID string   `json:"workspace_id,omitempty"`
	Content     string   `json:"content"`
	Roles       []string `json:"roles,omitempty"`
}

// BroadcastMessage delivers a message to every live agent in the workspace
// except the sender, optionally narrowed by role, and returns how many
// agents received it.
func (t *Tools) BroadcastMessage(ctx context.Context, p BroadcastMessageParams) Result {
	if strings.TrimSpace(p.Content) == "" {
		return fail("message content is required")
	}
	from, err := t.stores.Agents.Get(ctx, p.FromAgentID)
	if err != nil {
		return fail("sender agent not found: %s", p.FromAgentID)
	}
	workspaceID := p.WorkspaceID
	if workspaceID == "" {
		workspaceID = from.WorkspaceID
	}

	roles := make(map[model.Role]bool, len(p.Roles))
	for _, r := range p.Roles {
		role, err := model.ParseRole(r)
		if err != nil {
			return fail("invalid role: %v", err)
		}
		roles[role] = true
	}

	agents, err := t.stores.Agents.List(ctx, workspaceID, store.AgentFilter{})
	if err != nil {
		return fail("failed to list agents: %v", err)
	}

	recipients := make([]string, 0, len(agents))
	for _, agent := range agents {
		if agent.ID == from.ID || agent.Status.IsTerminal() {
			continue
		}
		if len(roles) > 0 && !roles[agent.Role] {
			continue
		}
		if err := t.appendMessage(ctx, agent.ID, from.ID, model.MessageRoleUser, p.Content); err != nil {
			return fail("failed to deliver message to %s: %v", agent.ID, err)
		}
		ev := events.New(events.MessageReceived)
		ev.WorkspaceID = workspaceID
		ev.AgentID = agent.ID
		ev.AgentName = agent.Name
		ev.FromAgentID = from.ID
		ev.Message = p.Content
		t.publish(ctx, ev)
		recipients = append(recipients, agent.ID)
	}

	return ok(map[string]any{
		"delivered":  len(recipients),
		"recipients": recipients,
	})
}
