package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// Operating modes the host selects by role: coordinators and verifiers
// plan, crafters build.
const (
	ModePlan  = "plan"
	ModeBuild = "build"
)

// Script names selectable with MOCK_AGENT_SCRIPT.
const (
	ScriptPlan      = "plan"
	ScriptImplement = "implement"
	ScriptApprove   = "approve"
	ScriptReject    = "reject"
	ScriptSlow      = "slow"
	ScriptGarbled   = "garbled"
)

// runScript plays one scenario and returns the stop reason for the turn.
func (a *agent) runScript(ctx context.Context, prompt string) string {
	switch a.pickScript(prompt) {
	case ScriptImplement:
		return a.playImplement(ctx)
	case ScriptApprove:
		return a.playApprove(ctx)
	case ScriptReject:
		return a.playReject(ctx)
	case ScriptSlow:
		return a.playSlow(ctx)
	case ScriptGarbled:
		return a.playGarbled(ctx)
	default:
		return a.playPlan(ctx)
	}
}

// pickScript selects the scenario. MOCK_AGENT_SCRIPT wins when set;
// otherwise the session mode decides, with verification briefs recognized
// by their fixed opening line.
func (a *agent) pickScript(prompt string) string {
	if a.script != "" {
		return a.script
	}
	a.mu.Lock()
	mode := a.modeID
	a.mu.Unlock()
	if mode == ModeBuild {
		return ScriptImplement
	}
	if strings.Contains(prompt, "Review the following tasks") {
		return ScriptApprove
	}
	return ScriptPlan
}

// playPlan emits a coordinator turn: a plan update, a thought, then the
// plan text with two task blocks.
func (a *agent) playPlan(ctx context.Context) string {
	a.plan("Survey the workspace", "Draft the task blocks", "Hand the plan back")
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}

	a.thought("Breaking the request into small, independently verifiable tasks.")
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}

	a.message(planText(a.workspaceRoot()))
	return protocol.StopReasonEndTurn
}

// playImplement emits a crafter turn: a file read, a permission-gated edit
// and a completion report. The read goes through the host when it answers;
// the edit is announced but never applied, the workspace stays untouched.
func (a *agent) playImplement(ctx context.Context) string {
	a.thought("Reading the task brief and scoping the change.")
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}

	file := randomFile(a.workspaceRoot())
	snippet, ok := a.readThroughHost(ctx, file.absPath)
	if !ok {
		snippet = readFileSnippet(file.absPath, 20)
	}
	a.toolCall("call-read-1", "Read "+file.relPath, "read", nil)
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}
	a.toolDone("call-read-1", "Read "+file.relPath, "read", rawString(snippet))

	oldStr, newStr := pickEditableFragment(file.absPath)
	input, _ := json.Marshal(map[string]string{"path": file.relPath, "old": oldStr, "new": newStr})
	if !a.askPermission(ctx, "call-edit-1", "Edit "+file.relPath) {
		a.message("The edit was not approved; stopping without changes.")
		return protocol.StopReasonRefusal
	}
	a.toolCall("call-edit-1", "Edit "+file.relPath, "edit", input)
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}
	a.toolDone("call-edit-1", "Edit "+file.relPath, "edit", rawString("ok"))

	a.usage(2400, 380)
	a.message(fmt.Sprintf(
		"Report: task implemented. Files touched: %s. The change keeps the surrounding behavior intact and the listed verification steps should pass.",
		file.relPath))
	return protocol.StopReasonEndTurn
}

// playApprove emits a verifier turn that passes the wave.
func (a *agent) playApprove(ctx context.Context) string {
	a.thought("Walking each task against its definition of done.")
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}
	a.usage(1800, 240)
	a.message("Verification passed: every task meets its definition of done. The implementation matches the stated scope and the checks run clean.")
	return protocol.StopReasonEndTurn
}

// playReject emits a verifier turn that sends the wave back.
func (a *agent) playReject(ctx context.Context) string {
	a.thought("Walking each task against its definition of done.")
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}
	a.message("Verification failed: the first task does not meet its definition of done. The acceptance check still fails, so the work goes back for fixes.")
	return protocol.StopReasonEndTurn
}

// playSlow stretches an implement-shaped turn over long beats, for
// exercising prompt deadlines and cancellation windows.
func (a *agent) playSlow(ctx context.Context) string {
	step := a.delay
	if step < 2*time.Second {
		step = 2 * time.Second
	}

	a.thought("Taking my time with this one.")
	if !a.pauseFor(ctx, step) {
		return protocol.StopReasonCancelled
	}
	a.message(fmt.Sprintf("Working slowly, one step every %s.", step))
	if !a.pauseFor(ctx, step) {
		return protocol.StopReasonCancelled
	}
	a.thought("Still working. Nothing is stuck, just slow.")
	if !a.pauseFor(ctx, step) {
		return protocol.StopReasonCancelled
	}
	a.message("Report: finished after the slow walk. No files needed changes.")
	return protocol.StopReasonEndTurn
}

// playGarbled emits updates with deliberately broken framing: two frames
// concatenated on one line, then a frame truncated mid-object. A tolerant
// reader recovers both; the final response goes out clean either way.
func (a *agent) playGarbled(ctx context.Context) string {
	a.thought("Emitting frames the way an overloaded agent does.")
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}

	first := a.updateFrame(messageUpdate("Two frames share this line."))
	second := a.updateFrame(messageUpdate("This is the second of them."))
	if first != nil && second != nil {
		glued := append(append(first, second...), '\n')
		_ = a.out.writeRaw(glued)
	}
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}

	if frame := a.updateFrame(messageUpdate("This frame was cut mid-flight by the mock.")); len(frame) > 12 {
		truncated := append(frame[:len(frame)-12], '\n')
		_ = a.out.writeRaw(truncated)
	}
	if !a.pause(ctx) {
		return protocol.StopReasonCancelled
	}

	a.message("Report: framing torture finished. Everything before this line arrived broken on purpose.")
	return protocol.StopReasonEndTurn
}

// pause sleeps one beat between chunks. Returns false when the prompt was
// cancelled meanwhile.
func (a *agent) pause(ctx context.Context) bool {
	return a.pauseFor(ctx, a.delay)
}

func (a *agent) pauseFor(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *agent) thought(text string) {
	blk := protocol.TextBlock(text)
	a.update(protocol.SessionUpdate{Kind: protocol.UpdateAgentThoughtChunk, Content: &blk})
}

func (a *agent) message(text string) {
	a.update(messageUpdate(text))
}

func messageUpdate(text string) protocol.SessionUpdate {
	blk := protocol.TextBlock(text)
	return protocol.SessionUpdate{Kind: protocol.UpdateAgentMessageChunk, Content: &blk}
}

func (a *agent) plan(entries ...string) {
	out := make([]protocol.PlanEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, protocol.PlanEntry{Content: e, Status: "pending"})
	}
	a.update(protocol.SessionUpdate{Kind: protocol.UpdatePlan, Entries: out})
}

func (a *agent) usage(in, out int64) {
	a.update(protocol.SessionUpdate{Kind: protocol.UpdateUsage, Usage: &protocol.Usage{InputTokens: in, OutputTokens: out}})
}

// toolCall announces a tool invocation; later states go out as
// tool_call_update frames via toolDone.
func (a *agent) toolCall(id, title, kind string, input json.RawMessage) {
	a.update(protocol.SessionUpdate{
		Kind:       protocol.UpdateToolCall,
		ToolCallID: id,
		Title:      title,
		ToolKind:   kind,
		Status:     protocol.ToolStatusInProgress,
		RawInput:   input,
	})
}

func (a *agent) toolDone(id, title, kind string, output json.RawMessage) {
	a.update(protocol.SessionUpdate{
		Kind:       protocol.UpdateToolCallUpdate,
		ToolCallID: id,
		Title:      title,
		ToolKind:   kind,
		Status:     protocol.ToolStatusCompleted,
		RawOutput:  output,
	})
}

// askPermission gates the mock edit. Hosts that do not answer are treated
// as permissive; only an explicit rejection or cancellation stops the
// script.
func (a *agent) askPermission(ctx context.Context, toolCallID, title string) bool {
	var result protocol.RequestPermissionResult
	err := a.callHost(ctx, protocol.MethodRequestPermission, protocol.RequestPermissionParams{
		SessionID: sessionID,
		ToolCall:  protocol.ToolCallRef{ToolCallID: toolCallID, Title: title},
		Options: []protocol.PermissionOption{
			{OptionID: "allow-once", Name: "Allow once", Kind: protocol.PermissionAllowOnce},
			{OptionID: "reject-once", Name: "Reject", Kind: protocol.PermissionRejectOnce},
		},
	}, &result)
	if err != nil {
		return true
	}
	if result.Outcome.Outcome != protocol.OutcomeSelected {
		return false
	}
	return strings.HasPrefix(result.Outcome.OptionID, "allow")
}

// readThroughHost asks the host to read a workspace file.
func (a *agent) readThroughHost(ctx context.Context, absPath string) (string, bool) {
	limit := 40
	var result protocol.ReadTextFileResult
	err := a.callHost(ctx, protocol.MethodFsReadTextFile, protocol.ReadTextFileParams{
		SessionID: sessionID,
		Path:      absPath,
		Limit:     &limit,
	}, &result)
	if err != nil {
		return "", false
	}
	return result.Content, true
}

func rawString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

// planText renders the scripted two-task plan. The block grammar matches
// what the host's plan parser accepts; the scope names a real workspace
// file when one is found.
func planText(root string) string {
	scope := randomFile(root).relPath
	return fmt.Sprintf(`Here is the plan. Two small tasks cover the request.

@@@task
# Implement the requested change

## Objective
The requested behavior works end to end.

## Scope
- %s

## Definition of Done
- the new behavior is observable from a test

## Verification
- go test ./...
@@@

@@@task
# Cover the change with tests

## Objective
The change has regression coverage.

## Scope
- %s

## Definition of Done
- a test fails when the change is reverted

## Verification
- go test ./...
@@@

Everything outside the blocks is commentary for the log.`, scope, scope)
}
