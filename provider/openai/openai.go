// Package openai adapts the OpenAI Chat Completions API to provider.Client.
//
// Grounded on graph/model/openai/openai.go's client-interface-for-mocking
// seam and SDK call shape. Retry-on-transient-error is intentionally left
// to the Engine (spec §4.1 step 7 owns retry/backoff policy) rather than
// duplicated here, unlike the teacher's ChatModel which retries internally.
package openai

import (
	"context"
	"errors"
	"fmt"
	"time"

	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/provider"
)

const defaultModel = "gpt-4o"

var pricePerMillionTokens = map[string][2]float64{
	"gpt-4o":      {2.50, 10.00},
	"gpt-4o-mini": {0.15, 0.60},
	"o1":          {15.00, 60.00},
}

// Client implements provider.Client for OpenAI's Chat Completions API.
type Client struct {
	apiKey  string
	backend openaiClient
}

type openaiClient interface {
	createChatCompletion(ctx context.Context, req provider.Request) (provider.Response, error)
}

// New returns an OpenAI provider.Client using apiKey.
func New(apiKey string) *Client {
	return &Client{apiKey: apiKey, backend: &sdkClient{apiKey: apiKey}}
}

func (c *Client) Name() string { return "openai" }

func (c *Client) Models() []string {
	return []string{"gpt-4o", "gpt-4o-mini", "o1"}
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
	resp, err := c.backend.createChatCompletion(ctx, req)
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

func translateError(e *apiError) error {
	switch e.StatusCode {
	case 401, 403:
		return errkind.NewPermanent(e, "openai auth error: %s", e.Message)
	case 429:
		return errkind.NewTransientRetryAfter(e, e.RetryAfterSeconds, "openai rate limited: %s", e.Message)
	case 400:
		return errkind.NewPermanent(e, "openai invalid request: %s", e.Message)
	case 500, 502, 503, 504:
		return errkind.NewTransient(e, "openai provider unavailable: %s", e.Message)
	default:
		return errkind.NewTransient(e, "openai error: %s", e.Message)
	}
}

type apiError struct {
	StatusCode        int
	Message           string
	RetryAfterSeconds int64
}

func (e *apiError) Error() string { return fmt.Sprintf("status %d: %s", e.StatusCode, e.Message) }

// sdkClient wraps the official OpenAI SDK client.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) createChatCompletion(ctx context.Context, req provider.Request) (provider.Response, error) {
	if c.apiKey == "" {
		return provider.Response{}, &apiError{StatusCode: 401, Message: "missing API key"}
	}

	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	messages := make([]openaisdk.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case provider.RoleSystem:
			messages = append(messages, openaisdk.SystemMessage(m.Content))
		case provider.RoleAssistant:
			messages = append(messages, openaisdk.AssistantMessage(m.Content))
		default:
			messages = append(messages, openaisdk.UserMessage(m.Content))
		}
	}

	params := openaisdk.ChatCompletionNewParams{
		Model:    req.Model,
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(req.MaxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openaisdk.Float(req.Temperature)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return provider.Response{}, fmt.Errorf("openai API error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return provider.Response{}, &apiError{StatusCode: 500, Message: "empty choices"}
	}

	return provider.Response{
		Model:     req.Model,
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
		Raw:       resp,
	}, nil
}
