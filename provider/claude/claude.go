// Package claude adapts Anthropic's Claude API to provider.Client.
//
// Grounded on graph/model/anthropic/anthropic.go: same system-prompt
// extraction (Anthropic takes system as a separate parameter, not a
// message), same client-interface-for-mocking seam, same SDK calls.
package claude

import (
	"context"
	"errors"
	"fmt"
	"time"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/provider"
)

const defaultModel = "claude-sonnet-4-5-20250929"

// pricePerMillionTokens holds {input, output} USD rates per 1M tokens,
// grounded on graph/cost.go's defaultModelPricing table shape.
var pricePerMillionTokens = map[string][2]float64{
	"claude-sonnet-4-5-20250929": {3.00, 15.00},
	"claude-opus-4-1":            {15.00, 75.00},
	"claude-3-5-haiku-20241022":  {0.80, 4.00},
}

// Client implements provider.Client for Anthropic's Claude API.
type Client struct {
	apiKey  string
	backend anthropicClient
}

// anthropicClient is the narrow seam over the SDK, mirroring the
// teacher's anthropicClient interface so tests can substitute a fake.
type anthropicClient interface {
	createMessage(ctx context.Context, systemPrompt string, messages []provider.Message, req provider.Request) (provider.Response, error)
}

// New returns a Claude provider.Client using apiKey.
func New(apiKey string) *Client {
	return &Client{apiKey: apiKey, backend: &sdkClient{apiKey: apiKey}}
}

func (c *Client) Name() string { return "claude" }

func (c *Client) Models() []string {
	return []string{"claude-sonnet-4-5-20250929", "claude-opus-4-1", "claude-3-5-haiku-20241022"}
}

// Execute implements provider.Client.
func (c *Client) Execute(ctx context.Context, req provider.Request) (provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return provider.Response{}, errkind.NewPermanent(err, "cancelled")
	}
	if req.Model == "" {
		req.Model = defaultModel
	}

	start := time.Now()
	systemPrompt, convo := extractSystemPrompt(req.Messages)
	resp, err := c.backend.createMessage(ctx, systemPrompt, convo, req)
	if err != nil {
		var aerr *apiError
		if errors.As(err, &aerr) {
			return provider.Response{}, translateError(aerr)
		}
		return provider.Response{}, err
	}
	resp.Provider = c.Name()
	resp.LatencyMS = time.Since(start).Milliseconds()
	resp.CostUSD = c.CostEstimate(resp.TokensIn, resp.TokensOut, req.Model)
	return resp, nil
}

// CostEstimate implements provider.Client.
func (c *Client) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	rates, ok := pricePerMillionTokens[model]
	if !ok {
		rates = pricePerMillionTokens[defaultModel]
	}
	return float64(tokensIn)/1_000_000*rates[0] + float64(tokensOut)/1_000_000*rates[1]
}

func extractSystemPrompt(messages []provider.Message) (string, []provider.Message) {
	var system string
	var convo []provider.Message
	for _, m := range messages {
		if m.Role == provider.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}
		convo = append(convo, m)
	}
	return system, convo
}

// translateError maps a Claude-specific error into the taxonomy spec
// §4.2 names for providers: AuthError, RateLimited, ProviderUnavailable,
// InvalidRequest.
func translateError(e *apiError) error {
	switch e.Type {
	case "authentication_error", "permission_error":
		return errkind.NewPermanent(e, "claude auth error: %s", e.Message)
	case "rate_limit_error":
		return errkind.NewTransientRetryAfter(e, e.RetryAfterSeconds, "claude rate limited: %s", e.Message)
	case "overloaded_error":
		return errkind.NewTransient(e, "claude provider unavailable: %s", e.Message)
	case "invalid_request_error":
		return errkind.NewPermanent(e, "claude invalid request: %s", e.Message)
	default:
		return errkind.NewTransient(e, "claude error: %s", e.Message)
	}
}

// apiError represents a classified Claude API error.
type apiError struct {
	Type              string
	Message           string
	RetryAfterSeconds int64
}

func (e *apiError) Error() string { return e.Type + ": " + e.Message }

// sdkClient wraps the official Anthropic SDK client.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) createMessage(ctx context.Context, systemPrompt string, messages []provider.Message, req provider.Request) (provider.Response, error) {
	if c.apiKey == "" {
		return provider.Response{}, &apiError{Type: "authentication_error", Message: "missing API key"}
	}

	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(req.Model),
		Messages:  convertMessages(messages),
		MaxTokens: int64(maxTokens),
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return provider.Response{}, fmt.Errorf("anthropic API error: %w", err)
	}

	out := provider.Response{Model: req.Model}
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropicsdk.TextBlock); ok {
			if out.Text != "" {
				out.Text += "\n"
			}
			out.Text += tb.Text
		}
	}
	out.TokensIn = resp.Usage.InputTokens
	out.TokensOut = resp.Usage.OutputTokens
	out.Raw = resp
	return out, nil
}

func convertMessages(messages []provider.Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		switch m.Role {
		case provider.RoleAssistant:
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}
