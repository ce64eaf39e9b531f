// Package gemini adapts Google's Gemini API to provider.Client.
//
// Grounded on graph/model/google/google.go: same client-interface seam,
// same genai.NewClient/GenerativeModel call shape, same safety-filter
// error handling (surfaced here as a Permanent-kind error since a
// blocked generation is not retryable by changing nothing about the
// request).
package gemini

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/provider"
)

const defaultModel = "gemini-2.5-flash"

var pricePerMillionTokens = map[string][2]float64{
	"gemini-2.5-flash": {0.30, 2.50},
	"gemini-2.5-pro":   {1.25, 10.00},
}

// Client implements provider.Client for Google's Gemini API.
type Client struct {
	apiKey  string
	backend geminiClient
}

type geminiClient interface {
	generateContent(ctx context.Context, req provider.Request) (provider.Response, error)
}

// New returns a Gemini provider.Client using apiKey.
func New(apiKey string) *Client {
	return &Client{apiKey: apiKey, backend: &sdkClient{apiKey: apiKey}}
}

func (c *Client) Name() string { return "gemini" }

func (c *Client) Models() []string {
	return []string{"gemini-2.5-flash", "gemini-2.5-pro"}
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
	resp, err := c.backend.generateContent(ctx, req)
	if err != nil {
		var sfe *safetyFilterError
		if errors.As(err, &sfe) {
			return provider.Response{}, errkind.NewPermanent(sfe, "content blocked by safety filter: %s", sfe.Category)
		}
		return provider.Response{}, errkind.NewTransient(err, "gemini error: %v", err)
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

// safetyFilterError reports a Gemini content-safety block.
type safetyFilterError struct {
	Category string
}

func (e *safetyFilterError) Error() string {
	return fmt.Sprintf("blocked by safety filter: %s", e.Category)
}

// sdkClient wraps the official Gemini SDK client.
type sdkClient struct {
	apiKey string
}

func (c *sdkClient) generateContent(ctx context.Context, req provider.Request) (provider.Response, error) {
	if c.apiKey == "" {
		return provider.Response{}, errors.New("gemini API key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to create gemini client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(req.Model)
	if req.MaxTokens > 0 {
		genModel.MaxOutputTokens = int32Ptr(int32(req.MaxTokens))
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		genModel.Temperature = &t
	}

	var parts []genai.Part
	for _, m := range req.Messages {
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}

	resp, err := genModel.GenerateContent(ctx, parts...)
	if err != nil {
		return provider.Response{}, fmt.Errorf("gemini API error: %w", err)
	}

	out := provider.Response{Model: req.Model, Raw: resp}
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, p := range resp.Candidates[0].Content.Parts {
			if text, ok := p.(genai.Text); ok {
				if out.Text != "" {
					out.Text += "\n"
				}
				out.Text += string(text)
			}
		}
		if resp.Candidates[0].FinishReason == genai.FinishReasonSafety {
			return provider.Response{}, &safetyFilterError{Category: "content_safety"}
		}
	}
	if resp.UsageMetadata != nil {
		out.TokensIn = int64(resp.UsageMetadata.PromptTokenCount)
		out.TokensOut = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

func int32Ptr(v int32) *int32 { return &v }
