// Package mock is a test Client implementation, grounded on
// graph/model/mock.go's MockChatModel: configurable responses, call
// history tracking, error injection, thread-safe operation.
package mock

import (
	"context"
	"sync"

	"github.com/devflow/orchestrator/provider"
)

// Client is a scriptable provider.Client for engine and router tests.
type Client struct {
	NameValue   string
	ModelsValue []string

	// Responses is the sequence of responses to return. Each Execute call
	// returns the next one in order; once exhausted, the last response
	// repeats.
	Responses []provider.Response

	// Err, if set, is returned by Execute instead of a response.
	Err error

	// CostPerToken overrides CostEstimate's per-token rate; zero means
	// CostEstimate always returns 0.
	CostPerToken float64

	mu        sync.Mutex
	Calls     []provider.Request
	callIndex int
}

// New returns a mock client named name advertising models.
func New(name string, models ...string) *Client {
	return &Client{NameValue: name, ModelsValue: models}
}

func (c *Client) Name() string     { return c.NameValue }
func (c *Client) Models() []string { return c.ModelsValue }

// Execute implements provider.Client.
func (c *Client) Execute(ctx context.Context, req provider.Request) (provider.Response, error) {
	if err := ctx.Err(); err != nil {
		return provider.Response{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Calls = append(c.Calls, req)

	if c.Err != nil {
		return provider.Response{}, c.Err
	}
	if len(c.Responses) == 0 {
		return provider.Response{Provider: c.NameValue, Model: req.Model}, nil
	}

	idx := c.callIndex
	if idx >= len(c.Responses) {
		idx = len(c.Responses) - 1
	} else {
		c.callIndex++
	}
	resp := c.Responses[idx]
	if resp.Provider == "" {
		resp.Provider = c.NameValue
	}
	if resp.Model == "" {
		resp.Model = req.Model
	}
	return resp, nil
}

// CostEstimate implements provider.Client.
func (c *Client) CostEstimate(tokensIn, tokensOut int64, model string) float64 {
	return float64(tokensIn+tokensOut) * c.CostPerToken
}

// CallCount reports how many times Execute has been called.
func (c *Client) CallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.Calls)
}

// Reset clears call history and rewinds the response cursor.
func (c *Client) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls = nil
	c.callIndex = 0
}
