// Package provider defines the uniform request/response surface the
// orchestrator uses to talk to LLM backends (spec §4.2), and the
// process-wide Registry of named providers populated at startup from
// declarative configuration.
//
// Grounded on graph/model/chat.go's ChatModel abstraction, generalized
// from a single Chat method into the fuller {name, models, execute,
// cost_estimate} capability set the spec requires, and on the capability
// dispatch shape implementations like graph/model/anthropic show.
package provider

import (
	"context"
	"sort"
	"sync"

	"github.com/devflow/orchestrator/errkind"
)

// Message is one turn in a provider conversation.
type Message struct {
	Role    string
	Content string
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Request is a provider-agnostic chat completion request (spec §4.2).
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
	Stop        []string
}

// Response is a provider-agnostic chat completion result.
type Response struct {
	Provider  string
	Model     string
	Text      string
	TokensIn  int64
	TokensOut int64
	CostUSD   float64
	LatencyMS int64
	Raw       any
}

// Client is the capability set every LLM backend adapter implements.
type Client interface {
	// Name is the stable provider id used in routing decisions and the
	// Registry's lookup key (e.g. "claude", "openai", "gemini").
	Name() string

	// Models lists the model ids this client can serve.
	Models() []string

	// Execute issues req against the backend. ctx carries the phase's
	// cancel token (spec §5): implementations must observe ctx.Done and
	// return a Cancelled-classified error promptly.
	Execute(ctx context.Context, req Request) (Response, error)

	// CostEstimate projects the USD cost of a completion with the given
	// token counts on model, without making a network call.
	CostEstimate(tokensIn, tokensOut int64, model string) float64
}

// Classify maps a raw error from a Client into the orchestrator's error
// taxonomy (spec §4.2's AuthError/RateLimited/Timeout/InvalidRequest/
// ProviderUnavailable/Cancelled). Adapters should return errors already
// wrapped via errkind constructors; Classify exists so callers that hold
// a bare error (e.g. from a mock or a future adapter) still get a kind.
func Classify(err error) errkind.Kind {
	return errkind.Classify(err)
}

// Registry is the process-wide name -> Client mapping populated at
// startup from configuration (spec §4.2). Lookup is O(1); Register is
// idempotent for the same name (last registration for a name wins,
// matching the teacher's convention of treating re-registration as a
// config reload rather than an error).
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry returns an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds or replaces the client for its Name().
func (r *Registry) Register(c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.Name()] = c
}

// Get looks up a client by name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	if !ok {
		return nil, errkind.NewNotFound("provider %q is not registered", name)
	}
	return c, nil
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// HealthStatus is one of the three states the transport-agnostic health
// surface reports per component (spec §6).
type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// Health reports Unhealthy if no provider is registered, Degraded if any
// registered provider advertises no models, else Healthy.
func (r *Registry) Health() HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.clients) == 0 {
		return Unhealthy
	}
	for _, c := range r.clients {
		if len(c.Models()) == 0 {
			return Degraded
		}
	}
	return Healthy
}
