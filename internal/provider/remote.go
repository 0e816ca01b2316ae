package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
)

// RemoteProvider runs agents on a remote service: requests go over HTTP
// POST, stream chunks come back over a per-agent SSE subscription. The run
// request itself carries no client timeout; prompts are long-lived and the
// caller's context bounds them. Control calls use a short-timeout client.
type RemoteProvider struct {
	baseURL string
	token   string
	logger  *logger.Logger

	maxAgents int

	runClient *http.Client
	ctlClient *http.Client
}

var _ Provider = (*RemoteProvider)(nil)

const remoteControlTimeout = 10 * time.Second

// NewRemoteProvider builds a remote provider from configuration.
func NewRemoteProvider(cfg config.ProviderConfig, log *logger.Logger) (*RemoteProvider, error) {
	if strings.TrimSpace(cfg.RemoteURL) == "" {
		return nil, apperrors.Configuration("remote provider requires a service URL")
	}
	maxAgents := cfg.MaxConcurrentAgents
	if maxAgents <= 0 {
		maxAgents = 4
	}
	return &RemoteProvider{
		baseURL:   strings.TrimRight(cfg.RemoteURL, "/"),
		token:     cfg.RemoteToken,
		logger:    log.WithComponent("remote-provider"),
		maxAgents: maxAgents,
		runClient: &http.Client{},
		ctlClient: &http.Client{Timeout: remoteControlTimeout},
	}, nil
}

// Capabilities implements Provider.
func (p *RemoteProvider) Capabilities() Capabilities {
	return Capabilities{
		Name:                "remote",
		SupportsStreaming:   true,
		SupportsInterrupt:   true,
		SupportsHealthCheck: true,
		SupportsFileEditing: true,
		SupportsTerminal:    true,
		SupportsToolCalling: true,
		MaxConcurrentAgents: p.maxAgents,
		Priority:            8,
	}
}

type remoteRunRequest struct {
	AgentID      string `json:"agent_id"`
	WorkspaceID  string `json:"workspace_id"`
	Role         string `json:"role"`
	Model        string `json:"model,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
	Prompt       string `json:"prompt"`
}

type remoteRunResponse struct {
	Output     string                  `json:"output"`
	StopReason string                  `json:"stop_reason"`
	Report     *model.CompletionReport `json:"report,omitempty"`
}

// Run implements Provider.
func (p *RemoteProvider) Run(ctx context.Context, req Request) (*Result, error) {
	body, err := json.Marshal(remoteRunRequest{
		AgentID:      req.AgentID,
		WorkspaceID:  req.WorkspaceID,
		Role:         string(req.Role),
		Model:        string(req.Model),
		SystemPrompt: req.SystemPrompt,
		Prompt:       req.Prompt,
	})
	if err != nil {
		return nil, apperrors.Internal("encode remote run request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/agents/run", bytes.NewReader(body))
	if err != nil {
		return nil, apperrors.Internal("build remote run request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	p.authorize(httpReq)

	resp, err := p.runClient.Do(httpReq)
	if err != nil {
		return nil, apperrors.Transport("remote agent request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.Transport(fmt.Sprintf(
			"remote agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}

	var out remoteRunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, apperrors.Protocol("invalid remote agent response", err)
	}
	return &Result{Output: out.Output, StopReason: out.StopReason, Report: out.Report}, nil
}

// RunStreaming implements Provider. The SSE subscription is opened before
// the run request so early chunks are not lost; chunks still in flight when
// the run response lands are drained before the completed chunk.
func (p *RemoteProvider) RunStreaming(ctx context.Context, req Request, h ChunkHandler) error {
	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan StreamChunk, 64)
	client := sse.NewClient(p.eventsURL(req.AgentID))
	if p.token != "" {
		client.Headers["Authorization"] = "Bearer " + p.token
	}
	go func() {
		err := client.SubscribeWithContext(sctx, "message", func(msg *sse.Event) {
			var c StreamChunk
			if err := json.Unmarshal(msg.Data, &c); err != nil {
				p.logger.Warn("dropping malformed stream chunk", zap.Error(err))
				return
			}
			select {
			case events <- c:
			case <-sctx.Done():
			}
		})
		if err != nil && sctx.Err() == nil {
			p.logger.Warn("agent event subscription failed",
				zap.String("agent_id", req.AgentID),
				zap.Error(err))
		}
	}()

	type runOutcome struct {
		res *Result
		err error
	}
	resCh := make(chan runOutcome, 1)
	go func() {
		res, err := p.Run(ctx, req)
		resCh <- runOutcome{res: res, err: err}
	}()

	drain := func() {
		for {
			select {
			case c := <-events:
				h(c)
			default:
				return
			}
		}
	}

	for {
		select {
		case c := <-events:
			h(c)
		case out := <-resCh:
			cancel()
			drain()
			if out.err != nil {
				h(errorChunk(req.AgentID, out.err, false))
				return out.err
			}
			if out.res.Report != nil {
				c := newChunk(req.AgentID, ChunkCompletionReport)
				c.Report = out.res.Report
				h(c)
			}
			h(completedChunk(req.AgentID, out.res.StopReason))
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *RemoteProvider) eventsURL(agentID string) string {
	return p.baseURL + "/v1/agents/" + url.PathEscape(agentID) + "/events"
}

// IsHealthy implements Provider. Remote agents are opaque; health is the
// service endpoint's.
func (p *RemoteProvider) IsHealthy(ctx context.Context, agentID string) bool {
	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(hctx, http.MethodGet, p.baseURL+"/v1/health", nil)
	if err != nil {
		return false
	}
	p.authorize(httpReq)

	resp, err := p.ctlClient.Do(httpReq)
	if err != nil {
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Interrupt implements Provider.
func (p *RemoteProvider) Interrupt(ctx context.Context, agentID string) error {
	return p.control(ctx, http.MethodPost, "/v1/agents/"+url.PathEscape(agentID)+"/interrupt", agentID)
}

// Cleanup implements Provider.
func (p *RemoteProvider) Cleanup(ctx context.Context, agentID string) error {
	return p.control(ctx, http.MethodDelete, "/v1/agents/"+url.PathEscape(agentID), agentID)
}

func (p *RemoteProvider) control(ctx context.Context, method, path, agentID string) error {
	httpReq, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, nil)
	if err != nil {
		return apperrors.Internal("build remote control request", err)
	}
	p.authorize(httpReq)

	resp, err := p.ctlClient.Do(httpReq)
	if err != nil {
		return apperrors.Transport("remote control request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound("agent", agentID)
	default:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return apperrors.Transport(fmt.Sprintf(
			"remote control returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))), nil)
	}
}

// Shutdown implements Provider.
func (p *RemoteProvider) Shutdown(ctx context.Context) error {
	p.runClient.CloseIdleConnections()
	p.ctlClient.CloseIdleConnections()
	return nil
}

func (p *RemoteProvider) authorize(req *http.Request) {
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
}
