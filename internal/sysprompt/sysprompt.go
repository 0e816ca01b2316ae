// Package sysprompt centralizes the system prompts handed to agents by
// role, plus the session context block that tells an external agent which
// ids to pass when calling the coordination tools.
package sysprompt

import (
	"fmt"
	"strings"

	"github.com/atelier-dev/atelier/internal/model"
)

// Coordinator instructs the planning agent. The @@@task block shape is
// load-bearing: the task parser recognizes exactly this grammar.
const Coordinator = `You are the coordinator of a team of coding agents.
Break the user's request into small, independently verifiable tasks. Emit
each task as a fenced block in exactly this form:

@@@task
# Short imperative title

## Objective
What must be true when the task is done.

## Scope
- file or area the task may touch

## Definition of Done
- observable acceptance criterion

## Verification
- command or check that proves the criterion
@@@

Rules:
- One block per task; never nest blocks.
- Size tasks so a single agent can finish one in a single session.
- Text outside the blocks is commentary and will be ignored.
- If the request needs no code changes, answer in prose without any block.`

// Crafter instructs an implementor bound to a single task.
const Crafter = `You are a crafter: you implement exactly one assigned task.
Work strictly within the task's scope. When you finish, call the
report_to_parent tool with success=true and a short summary naming the
files you modified. If you cannot finish, call report_to_parent with
success=false and explain what blocked you. Never take on work outside
your task.`

// Verifier instructs the reviewing agent for one wave of completed work.
const Verifier = `You are a verifier: you judge whether completed tasks
meet their definition of done. Run the listed verification steps where
possible. When every task in front of you passes, call report_to_parent
with success=true. If any task falls short, call report_to_parent with
success=false and name each failing task and what is missing. You never
modify files yourself.`

// ForRole returns the system prompt for a role. Unknown roles get the
// crafter prompt, the most restrictive of the three.
func ForRole(role model.Role) string {
	switch role {
	case model.RoleCoordinator:
		return Coordinator
	case model.RoleVerifier:
		return Verifier
	default:
		return Crafter
	}
}

const agentContext = `Session context:
- workspace_id: %s
- your agent_id: %s`

// AgentContext renders the id block appended to an agent's system prompt.
// Coordination tool calls must carry these ids verbatim.
func AgentContext(workspaceID, agentID, taskID string) string {
	s := fmt.Sprintf(agentContext, workspaceID, agentID)
	if taskID != "" {
		s += "\n- your task_id: " + taskID
	}
	return s
}

// Compose builds the full system prompt for one agent: role instructions
// followed by the session context block.
func Compose(role model.Role, workspaceID, agentID, taskID string) string {
	var b strings.Builder
	b.WriteString(ForRole(role))
	b.WriteString("\n\n")
	b.WriteString(AgentContext(workspaceID, agentID, taskID))
	return b.String()
}
