package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/coordtools"
	"github.com/atelier-dev/atelier/internal/llm"
	"github.com/atelier-dev/atelier/internal/model"
	"github.com/atelier-dev/atelier/internal/registry"
)

// defaultMaxTurns bounds the tool loop; a run that keeps calling tools past
// this is stuck, not working.
const defaultMaxTurns = 16

// LLMProvider runs agents as an in-process tool loop over the model client:
// prompt the model, execute the tool calls it returns through the registry,
// feed the results back, repeat until the model stops calling tools. It has
// no workspace access, so it only satisfies roles that need tool calling.
type LLMProvider struct {
	client   llm.Client
	registry *registry.Registry
	logger   *logger.Logger
	maxTurns int

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

var _ Provider = (*LLMProvider)(nil)

// NewLLMProvider builds the in-process provider over a model client and the
// tool registry.
func NewLLMProvider(client llm.Client, reg *registry.Registry, log *logger.Logger) (*LLMProvider, error) {
	if client == nil {
		return nil, apperrors.Configuration("llm provider requires a model client")
	}
	if reg == nil {
		return nil, apperrors.Configuration("llm provider requires a tool registry")
	}
	return &LLMProvider{
		client:   client,
		registry: reg,
		logger:   log.WithComponent("llm-provider"),
		maxTurns: defaultMaxTurns,
		cancels:  make(map[string]context.CancelFunc),
	}, nil
}

// Capabilities implements Provider.
func (p *LLMProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:                "llm",
		SupportsStreaming:   true,
		SupportsInterrupt:   true,
		SupportsHealthCheck: true,
		SupportsToolCalling: true,
		MaxConcurrentAgents: 16,
		Priority:            2,
	}
}

// Run implements Provider.
func (p *LLMProvider) Run(ctx context.Context, req Request) (*Result, error) {
	return p.run(ctx, req, nil)
}

// RunStreaming implements Provider.
func (p *LLMProvider) RunStreaming(ctx context.Context, req Request, h ChunkHandler) error {
	res, err := p.run(ctx, req, h)
	if err != nil {
		h(errorChunk(req.AgentID, err, false))
		return err
	}
	h(completedChunk(req.AgentID, res.StopReason))
	return nil
}

func (p *LLMProvider) run(ctx context.Context, req Request, h ChunkHandler) (*Result, error) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	p.track(req.AgentID, cancel)
	defer p.untrack(req.AgentID)

	emit := func(c StreamChunk) {
		if h != nil {
			h(c)
		}
	}

	tools := p.toolDefs(req.Role)
	msgs := []llm.Message{{Role: model.MessageRoleUser, Text: req.Prompt}}

	var (
		output strings.Builder
		report *model.CompletionReport
	)
	for turn := 0; turn < p.maxTurns; turn++ {
		resp, err := p.client.Complete(rctx, &llm.Request{
			Model:    req.Model,
			System:   req.SystemPrompt,
			Messages: msgs,
			Tools:    tools,
		})
		if err != nil {
			return nil, err
		}

		if resp.Text != "" {
			// The separator travels inside the chunk so that the
			// concatenated stream equals Result.Output.
			text := resp.Text
			if output.Len() > 0 {
				text = "\n" + text
			}
			emit(textChunk(req.AgentID, text))
			output.WriteString(text)
		}
		if len(resp.ToolCalls) == 0 {
			return &Result{Output: output.String(), StopReason: resp.StopReason, Report: report}, nil
		}

		msgs = append(msgs, llm.Message{
			Role:      model.MessageRoleAssistant,
			Text:      resp.Text,
			ToolCalls: resp.ToolCalls,
		})
		results := make([]llm.ToolResult, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			tr, rep := p.invokeTool(rctx, req, call, emit)
			if rep != nil {
				report = rep
			}
			results = append(results, tr)
		}
		// Tool results ride on a user turn, matching the Messages API shape.
		msgs = append(msgs, llm.Message{Role: model.MessageRoleUser, ToolResults: results})
	}

	return nil, apperrors.Internal(fmt.Sprintf("agent %s exceeded %d tool turns", req.AgentID, p.maxTurns), nil)
}

// invokeTool dispatches one model tool call through the registry and renders
// the outcome for the next model turn. Tool failures are fed back to the
// model as error results, not surfaced as run errors; the model decides how
// to recover.
func (p *LLMProvider) invokeTool(ctx context.Context, req Request, call llm.ToolCall, emit func(StreamChunk)) (llm.ToolResult, *model.CompletionReport) {
	started := newChunk(req.AgentID, ChunkToolCall)
	started.ToolName = call.Name
	started.ToolCallID = call.ID
	started.Status = ToolCallInProgress
	emit(started)

	res, err := p.registry.Invoke(ctx, req.Role, call.Name, call.Input)
	if err != nil {
		p.logger.WithError(err).WithAgentID(req.AgentID).Warn("Tool call rejected: " + call.Name)
		emit(toolOutcomeChunk(req.AgentID, call, ToolCallFailed, err.Error()))
		return llm.ToolResult{ToolUseID: call.ID, Content: err.Error(), IsError: true}, nil
	}

	content, merr := json.Marshal(res)
	if merr != nil {
		content = []byte(`{"success":false,"error":"tool result not serializable"}`)
	}

	var report *model.CompletionReport
	status := ToolCallCompleted
	if !res.Success {
		status = ToolCallFailed
	} else if call.Name == registry.ToolReportToParent {
		if report = decodeReport(call.Input); report != nil {
			c := newChunk(req.AgentID, ChunkCompletionReport)
			c.Report = report
			emit(c)
		}
	}
	emit(toolOutcomeChunk(req.AgentID, call, status, string(content)))

	return llm.ToolResult{ToolUseID: call.ID, Content: string(content), IsError: !res.Success}, report
}

func toolOutcomeChunk(agentID string, call llm.ToolCall, status, content string) StreamChunk {
	c := newChunk(agentID, ChunkToolResult)
	c.ToolName = call.Name
	c.ToolCallID = call.ID
	c.Status = status
	c.Text = content
	return c
}

func (p *LLMProvider) toolDefs(role model.Role) []llm.ToolDefinition {
	defs := p.registry.Definitions(role)
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.InputSchema(),
		})
	}
	return out
}

func decodeReport(args json.RawMessage) *model.CompletionReport {
	var params coordtools.ReportToParentParams
	if err := json.Unmarshal(args, &params); err != nil {
		return nil
	}
	return &model.CompletionReport{
		Success:       params.Success,
		Summary:       params.Summary,
		FilesModified: params.FilesModified,
	}
}

// IsHealthy implements Provider. The loop is in-process; there is no child
// to probe.
func (p *LLMProvider) IsHealthy(ctx context.Context, agentID string) bool {
	return true
}

// Interrupt implements Provider. Cancelling the run context aborts the
// in-flight Complete call and stops the loop.
func (p *LLMProvider) Interrupt(ctx context.Context, agentID string) error {
	p.mu.Lock()
	cancel, exists := p.cancels[agentID]
	p.mu.Unlock()
	if !exists {
		return apperrors.NotFound("agent run", agentID)
	}
	cancel()
	return nil
}

// Cleanup implements Provider.
func (p *LLMProvider) Cleanup(ctx context.Context, agentID string) error {
	p.mu.Lock()
	cancel, exists := p.cancels[agentID]
	delete(p.cancels, agentID)
	p.mu.Unlock()
	if !exists {
		return apperrors.NotFound("agent run", agentID)
	}
	cancel()
	return nil
}

// Shutdown implements Provider.
func (p *LLMProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, cancel := range p.cancels {
		cancel()
		delete(p.cancels, id)
	}
	return nil
}

func (p *LLMProvider) track(agentID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancels[agentID] = cancel
}

func (p *LLMProvider) untrack(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cancels, agentID)
}
