package provider

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/supervisor"
	"github.com/atelier-dev/atelier/pkg/acp/protocol"
)

// WorkspaceProvider runs one shared child per workspace and serializes
// prompts onto it. Meant for single-agent setups where spawning a child per
// agent would be wasteful. The provider owns its supervisor; give it a
// dedicated one so Shutdown cannot reap another provider's children.
type WorkspaceProvider struct {
	sup       *supervisor.Supervisor
	command   []string
	endpoints EndpointResolver
	logger    *logger.Logger

	promptTimeout time.Duration

	mu         sync.Mutex
	workspaces map[string]*workspaceSession
	agents     map[string]string
}

// workspaceSession is the shared child for one workspace. Its mutex
// serializes prompt turns.
type workspaceSession struct {
	mu   sync.Mutex
	sess *supervisor.Session
	mode string
}

var _ Provider = (*WorkspaceProvider)(nil)

// NewWorkspaceProvider builds a workspace provider from configuration.
func NewWorkspaceProvider(cfg config.ProviderConfig, sup *supervisor.Supervisor, endpoints EndpointResolver, log *logger.Logger) (*WorkspaceProvider, error) {
	if strings.TrimSpace(cfg.AgentCmd) == "" {
		return nil, apperrors.Configuration("workspace provider requires an agent command")
	}
	return &WorkspaceProvider{
		sup:           sup,
		command:       append([]string{cfg.AgentCmd}, cfg.AgentArgs...),
		endpoints:     endpoints,
		logger:        log.WithComponent("workspace-provider"),
		promptTimeout: cfg.PromptTimeoutDuration(),
		workspaces:    make(map[string]*workspaceSession),
		agents:        make(map[string]string),
	}, nil
}

// Capabilities implements Provider.
func (p *WorkspaceProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:                "workspace",
		SupportsStreaming:   true,
		SupportsInterrupt:   true,
		SupportsHealthCheck: true,
		SupportsFileEditing: true,
		SupportsTerminal:    true,
		SupportsToolCalling: true,
		MaxConcurrentAgents: 1,
		Priority:            5,
	}
}

// Run implements Provider.
func (p *WorkspaceProvider) Run(ctx context.Context, req Request) (*Result, error) {
	var out strings.Builder
	var mu sync.Mutex
	res, err := p.run(ctx, req, func(c StreamChunk) {
		if c.Type == ChunkText {
			mu.Lock()
			out.WriteString(c.Text)
			mu.Unlock()
		}
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: out.String(), StopReason: res.StopReason}, nil
}

// RunStreaming implements Provider.
func (p *WorkspaceProvider) RunStreaming(ctx context.Context, req Request, h ChunkHandler) error {
	res, err := p.run(ctx, req, h)
	if err != nil {
		h(errorChunk(req.AgentID, err, false))
		return err
	}
	h(completedChunk(req.AgentID, res.StopReason))
	return nil
}

func (p *WorkspaceProvider) run(ctx context.Context, req Request, h ChunkHandler) (*protocol.PromptResult, error) {
	if req.WorkspaceID == "" {
		return nil, apperrors.Invalid("workspace provider requires a workspace id")
	}
	ws := p.workspace(req.WorkspaceID)

	ws.mu.Lock()
	defer ws.mu.Unlock()

	fresh, err := p.ensure(ctx, ws, req)
	if err != nil {
		return nil, err
	}
	p.bind(req.AgentID, req.WorkspaceID)

	if mode := modeForRole(req.Role); ws.mode != mode {
		if err := ws.sess.SetMode(ctx, mode); err != nil {
			p.logger.Warn("workspace agent rejected mode change",
				zap.String("mode", mode),
				zap.Error(err))
		}
		ws.mode = mode
	}

	tr := &updateTranslator{agentID: req.AgentID}
	ws.sess.SetUpdateHandler(func(n *protocol.SessionNotification) {
		for _, c := range tr.translate(n) {
			h(c)
		}
	})
	defer ws.sess.SetUpdateHandler(nil)

	prompt := req.Prompt
	if fresh && req.SystemPrompt != "" {
		prompt = req.SystemPrompt + "\n\n" + req.Prompt
	}

	promptCtx := ctx
	if p.promptTimeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, p.promptTimeout)
		defer cancel()
	}

	res, err := ws.sess.Prompt(promptCtx, prompt)
	for _, c := range tr.finish() {
		h(c)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *WorkspaceProvider) workspace(workspaceID string) *workspaceSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	ws, ok := p.workspaces[workspaceID]
	if !ok {
		ws = &workspaceSession{}
		p.workspaces[workspaceID] = ws
	}
	return ws
}

// ensure spawns the shared child on first use. Caller holds ws.mu.
func (p *WorkspaceProvider) ensure(ctx context.Context, ws *workspaceSession, req Request) (bool, error) {
	if ws.sess != nil {
		if ws.sess.State() == supervisor.StateDead {
			return false, apperrors.Transport("workspace agent process is dead", nil)
		}
		return false, nil
	}

	sess, err := p.sup.SpawnAgent(ctx, req.WorkspaceID, supervisor.SpawnSpec{
		Command:    p.command,
		Dir:        req.Cwd,
		McpServers: p.workspaceMcpServers(req),
		Mode:       modeForRole(req.Role),
	})
	if err != nil {
		return false, err
	}
	ws.sess = sess
	ws.mode = modeForRole(req.Role)
	p.logger.Info("workspace child spawned", zap.String("workspace_id", req.WorkspaceID))
	return true, nil
}

func (p *WorkspaceProvider) workspaceMcpServers(req Request) []protocol.McpServerSpec {
	specs := append([]protocol.McpServerSpec(nil), req.McpServers...)
	if p.endpoints != nil {
		if url := p.endpoints.SSEEndpoint(req.Role); url != "" {
			specs = append(specs, protocol.McpServerSpec{
				Name: "atelier-coordination",
				URL:  url,
				Type: "sse",
			})
		}
	}
	return specs
}

func (p *WorkspaceProvider) bind(agentID, workspaceID string) {
	p.mu.Lock()
	p.agents[agentID] = workspaceID
	p.mu.Unlock()
}

func (p *WorkspaceProvider) sessionFor(agentID string) (*workspaceSession, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	workspaceID, ok := p.agents[agentID]
	if !ok {
		return nil, false
	}
	ws, ok := p.workspaces[workspaceID]
	return ws, ok
}

// IsHealthy implements Provider.
func (p *WorkspaceProvider) IsHealthy(ctx context.Context, agentID string) bool {
	if agentID == "" {
		return true
	}
	ws, ok := p.sessionFor(agentID)
	if !ok || ws.sess == nil {
		return true
	}
	return ws.sess.State() != supervisor.StateDead
}

// Interrupt implements Provider.
func (p *WorkspaceProvider) Interrupt(ctx context.Context, agentID string) error {
	ws, ok := p.sessionFor(agentID)
	if !ok || ws.sess == nil {
		return apperrors.NotFound("agent session", agentID)
	}
	if err := ws.sess.Cancel(ctx); err != nil && !apperrors.IsInvalid(err) {
		return err
	}
	return nil
}

// Cleanup implements Provider. The shared child stays up for the workspace;
// only the agent binding is dropped.
func (p *WorkspaceProvider) Cleanup(ctx context.Context, agentID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.agents[agentID]; !ok {
		return apperrors.NotFound("agent session", agentID)
	}
	delete(p.agents, agentID)
	return nil
}

// Shutdown implements Provider.
func (p *WorkspaceProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.workspaces = make(map[string]*workspaceSession)
	p.agents = make(map[string]string)
	p.mu.Unlock()
	return p.sup.KillAll(ctx)
}
