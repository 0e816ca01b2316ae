package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/atelier-dev/atelier/internal/common/config"
	apperrors "github.com/atelier-dev/atelier/internal/common/errors"
	"github.com/atelier-dev/atelier/internal/common/logger"
	"github.com/atelier-dev/atelier/internal/model"
)

// DefaultAPIKeyEnv is consulted when configuration leaves the key env unset.
const DefaultAPIKeyEnv = "ANTHROPIC_API_KEY"

const defaultMaxTokens = 8192

// MessagesClient is the subset of the Anthropic SDK used by the adapter.
// *sdk.MessageService satisfies it; tests pass a stub.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicClient implements Client on the Anthropic Messages API.
type AnthropicClient struct {
	msg        MessagesClient
	model      string
	smallModel string
	maxTokens  int
	logger     *logger.Logger
}

var _ Client = (*AnthropicClient)(nil)

// NewAnthropic builds a client from configuration, reading the API key from
// the environment variable named by cfg.APIKeyEnv.
func NewAnthropic(cfg config.LLMConfig, log *logger.Logger) (*AnthropicClient, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = DefaultAPIKeyEnv
	}
	key := strings.TrimSpace(os.Getenv(keyEnv))
	if key == "" {
		return nil, apperrors.Configuration(fmt.Sprintf("anthropic API key missing: set %s", keyEnv))
	}
	ac := sdk.NewClient(option.WithAPIKey(key))
	return NewAnthropicWithClient(&ac.Messages, cfg, log)
}

// NewAnthropicWithClient builds a client on an existing Messages client.
func NewAnthropicWithClient(msg MessagesClient, cfg config.LLMConfig, log *logger.Logger) (*AnthropicClient, error) {
	if msg == nil {
		return nil, apperrors.Configuration("anthropic messages client is required")
	}
	if cfg.Model == "" {
		return nil, apperrors.Configuration("llm model identifier is required")
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicClient{
		msg:        msg,
		model:      cfg.Model,
		smallModel: cfg.SmallModel,
		maxTokens:  maxTokens,
		logger:     log.WithComponent("llm"),
	}, nil
}

// Complete issues one Messages.New call and translates the reply.
func (c *AnthropicClient) Complete(ctx context.Context, req *Request) (*Response, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, apperrors.Invalid("at least one message is required")
	}
	conversation, system, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}
	modelID := c.resolveModel(req.Model)
	params := sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  conversation,
	}
	if req.System != "" {
		system = append([]sdk.TextBlockParam{{Text: req.System}}, system...)
	}
	if len(system) > 0 {
		params.System = system
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	c.logger.Debug("Requesting completion",
		zap.String("model", modelID),
		zap.Int("messages", len(conversation)),
		zap.Int("tools", len(req.Tools)),
		zap.Int("max_tokens", maxTokens))

	msg, err := c.msg.New(ctx, params)
	if err != nil {
		return nil, mapAPIError(err)
	}
	if msg == nil {
		return nil, apperrors.Protocol("anthropic returned an empty message", nil)
	}

	resp := translateMessage(msg)
	c.logger.Debug("Completion received",
		zap.String("stop_reason", resp.StopReason),
		zap.Int("tool_calls", len(resp.ToolCalls)),
		zap.Int("input_tokens", resp.Usage.InputTokens),
		zap.Int("output_tokens", resp.Usage.OutputTokens))
	return resp, nil
}

// resolveModel maps a tier onto the configured model identifiers. The fast
// tier falls back to the primary model when no small model is configured.
func (c *AnthropicClient) resolveModel(tier model.ModelTier) string {
	if tier == model.TierFast && c.smallModel != "" {
		return c.smallModel
	}
	return c.model
}

func encodeMessages(msgs []Message) ([]sdk.MessageParam, []sdk.TextBlockParam, error) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m.Role == model.MessageRoleSystem {
			if m.Text != "" {
				system = append(system, sdk.TextBlockParam{Text: m.Text})
			}
			continue
		}

		// Tool results must lead the turn per the Messages API.
		blocks := make([]sdk.ContentBlockParamUnion, 0, 1+len(m.ToolCalls)+len(m.ToolResults))
		for _, tr := range m.ToolResults {
			blocks = append(blocks, sdk.NewToolResultBlock(tr.ToolUseID, tr.Content, tr.IsError))
		}
		if m.Text != "" {
			blocks = append(blocks, sdk.NewTextBlock(m.Text))
		}
		for _, tc := range m.ToolCalls {
			if tc.Name == "" {
				return nil, nil, apperrors.Invalid("tool call in conversation is missing a name")
			}
			input := tc.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, sdk.NewToolUseBlock(tc.ID, input, tc.Name))
		}
		if len(blocks) == 0 {
			continue
		}

		switch m.Role {
		case model.MessageRoleUser:
			conversation = append(conversation, sdk.NewUserMessage(blocks...))
		case model.MessageRoleAssistant:
			conversation = append(conversation, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, nil, apperrors.Invalidf("unsupported message role %q", m.Role)
		}
	}

	if len(conversation) == 0 {
		return nil, nil, apperrors.Invalid("at least one user or assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	tools := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.InputSchema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		tools = append(tools, u)
	}
	return tools
}

func translateMessage(msg *sdk.Message) *Response {
	resp := &Response{StopReason: string(msg.StopReason)}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: block.Input,
			})
		}
	}
	resp.Text = text.String()
	resp.Usage = Usage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		TotalTokens:  int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
	}
	return resp
}

// mapAPIError classifies SDK failures: rate limits and server errors are
// transport failures callers may retry, other API rejections are protocol
// errors.
func mapAPIError(err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests || apiErr.StatusCode >= 500 {
			return apperrors.Transport("anthropic request failed", err)
		}
		return apperrors.Protocol("anthropic rejected the request", err)
	}
	return apperrors.Transport("anthropic request failed", err)
}
