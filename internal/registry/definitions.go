package registry

func (r *Registry) registerAll() {
	r.register(Definition{
		Name: ToolCreateAgent,
		Description: "Create a new agent in the workspace. The agent starts in pending status; " +
			"use delegate_task to hand it work. Provide a system prompt to shape its behavior.",
		Params: []Param{
			{Name: "workspace_id", Type: "string", Required: true, Description: "The workspace the agent belongs to"},
			{Name: "name", Type: "string", Required: true, Description: "Short display name, e.g. crafter-1"},
			{Name: "role", Type: "string", Required: true, Description: "The agent's role", Enum: []string{"coordinator", "crafter", "verifier"}},
			{Name: "model", Type: "string", Description: "Model tier hint", Enum: []string{"smart", "fast"}},
			{Name: "parent_id", Type: "string", Description: "Agent that supervises this one and receives its report"},
			{Name: "task_id", Type: "string", Description: "Task to bind the agent to at creation"},
			{Name: "system_prompt", Type: "string", Description: "System prompt seeded into the agent's conversation"},
			{Name: "initial_message", Type: "string", Description: "First user message seeded into the agent's conversation"},
		},
	}, invokeAs(r.tools.CreateAgent))

	r.register(Definition{
		Name: ToolDelegateTask,
		Description: "Assign a pending or needs_fix task to an agent. The task moves to in_progress " +
			"and the agent receives the task brief in its conversation.",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "The task to delegate"},
			{Name: "agent_id", Type: "string", Required: true, Description: "The agent to receive the task"},
			{Name: "message", Type: "string", Description: "Custom delegation message; omit to send the generated task brief"},
		},
	}, invokeAs(r.tools.DelegateTask))

	r.register(Definition{
		Name: ToolReportToParent,
		Description: "Report the outcome of your work. This finalizes your agent and advances your task: " +
			"a verifier's success completes the task, a verifier's failure reopens it as needs_fix, " +
			"a crafter's success moves it to review_required. Call this exactly once, when you are done.",
		Params: []Param{
			{Name: "agent_id", Type: "string", Required: true, Description: "Your agent id"},
			{Name: "success", Type: "boolean", Required: true, Description: "Whether the work succeeded"},
			{Name: "summary", Type: "string", Required: true, Description: "What was done, or why it failed"},
			{Name: "files_modified", Type: "array", Items: "string", Description: "Paths of files you changed"},
		},
	}, invokeAs(r.tools.ReportToParent))

	r.register(Definition{
		Name:        ToolSendMessage,
		Description: "Send a message to another agent. It lands in the recipient's conversation before its next prompt.",
		Params: []Param{
			{Name: "from_agent_id", Type: "string", Required: true, Description: "Your agent id"},
			{Name: "to_agent_id", Type: "string", Required: true, Description: "The recipient agent id"},
			{Name: "content", Type: "string", Required: true, Description: "The message text"},
		},
	}, invokeAs(r.tools.SendMessage))

	r.register(Definition{
		Name:        ToolBroadcastMessage,
		Description: "Send a message to every live agent in the workspace except yourself, optionally narrowed by role.",
		Params: []Param{
			{Name: "from_agent_id", Type: "string", Required: true, Description: "Your agent id"},
			{Name: "workspace_id", Type: "string", Description: "Workspace to broadcast into; defaults to your own"},
			{Name: "content", Type: "string", Required: true, Description: "The message text"},
			{Name: "roles", Type: "array", Items: "string", Description: "Restrict delivery to these roles"},
		},
	}, invokeAs(r.tools.BroadcastMessage))

	r.register(Definition{
		Name:        ToolListAgents,
		Description: "List the agents of a workspace, optionally filtered by role and status.",
		Params: []Param{
			{Name: "workspace_id", Type: "string", Required: true, Description: "The workspace to list"},
			{Name: "role", Type: "string", Description: "Filter by role", Enum: []string{"coordinator", "crafter", "verifier"}},
			{Name: "status", Type: "string", Description: "Filter by status", Enum: []string{"pending", "active", "completed", "error", "cancelled"}},
		},
	}, invokeAs(r.tools.ListAgents))

	r.register(Definition{
		Name:        ToolGetAgentStatus,
		Description: "Get an agent's current status together with its task and last completion report.",
		Params: []Param{
			{Name: "agent_id", Type: "string", Required: true, Description: "The agent to inspect"},
		},
	}, invokeAs(r.tools.GetAgentStatus))

	r.register(Definition{
		Name: ToolListTasks,
		Description: "List the tasks of a workspace. Status \"ready\" selects tasks eligible for " +
			"delegation (pending or needs_fix with no live assignee).",
		Params: []Param{
			{Name: "workspace_id", Type: "string", Required: true, Description: "The workspace to list"},
			{Name: "status", Type: "string", Description: "Filter by status", Enum: []string{
				"pending", "in_progress", "review_required", "completed", "needs_fix", "blocked", "cancelled", "ready",
			}},
		},
	}, invokeAs(r.tools.ListTasks))

	r.register(Definition{
		Name: ToolUpdateTaskStatus,
		Description: "Move a task to a new status. Completed and cancelled tasks cannot change, " +
			"except that a completed task may reopen to needs_fix.",
		Params: []Param{
			{Name: "task_id", Type: "string", Required: true, Description: "The task to update"},
			{Name: "status", Type: "string", Required: true, Description: "The new status", Enum: []string{
				"pending", "in_progress", "review_required", "completed", "needs_fix", "blocked", "cancelled",
			}},
			{Name: "verdict", Type: "string", Description: "Verdict to record with the move", Enum: []string{"approved", "not_approved", "blocked"}},
		},
	}, invokeAs(r.tools.UpdateTaskStatus))

	r.register(Definition{
		Name: ToolWaitForAgents,
		Description: "Block until the named agents finish (completed or error) or the timeout expires. " +
			"Returns each agent's status and whether the wait timed out.",
		Params: []Param{
			{Name: "agent_ids", Type: "array", Items: "string", Required: true, Description: "Agents to wait on"},
			{Name: "timeout_seconds", Type: "integer", Description: "Upper bound on the wait; default 300"},
		},
	}, invokeAs(r.tools.WaitForAgents))
}
