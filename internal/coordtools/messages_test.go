package coordtools

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atelier-dev/atelier/internal/events"
	"github.com/atelier-dev/atelier/internal/model"
)

func TestSendMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("delivers to recipient conversation", func(t *testing.T) {
		tools, stores, b := newTestTools(t)
		rec := recordEvents(t, b)

		from := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "lead", Role: model.RoleCoordinator, Status: model.AgentActive})
		to := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "builder", Role: model.RoleCrafter, Status: model.AgentActive})

		res := tools.SendMessage(ctx, SendMessageParams{FromAgentID: from.ID, ToAgentID: to.ID, Content: "ship it"})
		require.True(t, res.Success, res.Error)

		history, err := stores.Conversations.History(ctx, to.ID)
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, model.MessageRoleUser, history[0].Role)
		assert.Equal(t, from.ID, history[0].FromAgentID)
		assert.Equal(t, "ship it", history[0].Content)

		senderHistory, err := stores.Conversations.History(ctx, from.ID)
		require.NoError(t, err)
		assert.Empty(t, senderHistory)

		received := rec.byType(events.MessageReceived)
		require.Len(t, received, 1)
		assert.Equal(t, to.ID, received[0].AgentID)
		assert.Equal(t, from.ID, received[0].FromAgentID)
		assert.Equal(t, "ship it", received[0].Message)
	})

	t.Run("rejects bad input", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)
		from := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "a", Role: model.RoleCoordinator})
		done := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "b", Role: model.RoleCrafter, Status: model.AgentCompleted})

		res := tools.SendMessage(ctx, SendMessageParams{FromAgentID: from.ID, ToAgentID: done.ID, Content: " "})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "content is required")

		res = tools.SendMessage(ctx, SendMessageParams{FromAgentID: "ghost", ToAgentID: done.ID, Content: "hi"})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "sender agent not found")

		res = tools.SendMessage(ctx, SendMessageParams{FromAgentID: from.ID, ToAgentID: "ghost", Content: "hi"})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "recipient agent not found")

		res = tools.SendMessage(ctx, SendMessageParams{FromAgentID: from.ID, ToAgentID: done.ID, Content: "hi"})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "cannot receive messages")
	})
}

func TestBroadcastMessage(t *testing.T) {
	ctx := context.Background()

	t.Run("fans out to live agents except the sender", func(t *testing.T) {
		tools, stores, b := newTestTools(t)
		rec := recordEvents(t, b)

		sender := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "lead", Role: model.RoleCoordinator, Status: model.AgentActive})
		c1 := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "c1", Role: model.RoleCrafter, Status: model.AgentActive})
		c2 := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "c2", Role: model.RoleCrafter, Status: model.AgentActive})
		v := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "v", Role: model.RoleVerifier, Status: model.AgentActive})
		mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "done", Role: model.RoleCrafter, Status: model.AgentCompleted})
		mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-2", Name: "elsewhere", Role: model.RoleCrafter, Status: model.AgentActive})

		res := tools.BroadcastMessage(ctx, BroadcastMessageParams{FromAgentID: sender.ID, Content: "standup in 5"})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, 3, res.Data["delivered"])

		for _, id := range []string{c1.ID, c2.ID, v.ID} {
			history, err := stores.Conversations.History(ctx, id)
			require.NoError(t, err)
			require.Len(t, history, 1)
			assert.Equal(t, "standup in 5", history[0].Content)
			assert.Equal(t, sender.ID, history[0].FromAgentID)
		}
		senderHistory, err := stores.Conversations.History(ctx, sender.ID)
		require.NoError(t, err)
		assert.Empty(t, senderHistory)
		assert.Len(t, rec.byType(events.MessageReceived), 3)
	})

	t.Run("narrows delivery by role", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)

		sender := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "lead", Role: model.RoleCoordinator, Status: model.AgentActive})
		c1 := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "c1", Role: model.RoleCrafter, Status: model.AgentActive})
		v := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "v", Role: model.RoleVerifier, Status: model.AgentActive})

		res := tools.BroadcastMessage(ctx, BroadcastMessageParams{
			FromAgentID: sender.ID,
			Content:     "crafters only",
			Roles:       []string{"crafter"},
		})
		require.True(t, res.Success, res.Error)
		assert.Equal(t, 1, res.Data["delivered"])
		recipients, okCast := res.Data["recipients"].([]string)
		require.True(t, okCast)
		assert.Equal(t, []string{c1.ID}, recipients)

		verifierHistory, err := stores.Conversations.History(ctx, v.ID)
		require.NoError(t, err)
		assert.Empty(t, verifierHistory)
	})

	t.Run("rejects invalid role filter", func(t *testing.T) {
		tools, stores, _ := newTestTools(t)
		sender := mustAgent(t, stores, &model.Agent{WorkspaceID: "ws-1", Name: "lead", Role: model.RoleCoordinator})

		res := tools.BroadcastMessage(ctx, BroadcastMessageParams{FromAgentID: sender.ID, Content: "x", Roles: []string{"intern"}})
		require.False(t, res.Success)
		assert.Contains(t, res.Error, "invalid role")
	})
}
