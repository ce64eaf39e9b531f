// Package consensus implements the Consensus Engine (spec §4.4): fan out
// a phase's request to N providers in parallel, combine their responses
// by a declared strategy, and return a single consensus Response plus
// every participating response (for cost/token accounting).
//
// Grounded on examples/multi-llm-review/workflow/nodes.go's
// ReviewBatchNode (concurrent per-provider fan-out collected over a
// buffered channel) and the Raven pack's internal/review/orchestrator.go
// (errgroup-based multi-agent fan-out, stable per-agent result
// collection) — generalized here into golang.org/x/sync/errgroup with
// index-preserving result slots instead of raw channels, for
// deterministic provider-name ordering on ties (spec §4.4/§5).
package consensus

import (
	"context"
	"fmt"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/router"
)

// Scorer ranks a candidate response for the best-of-n strategy. Higher
// is better. The default scorer (DefaultScorer) is a length-normalized
// proxy for response quality, used when a provider's raw response
// carries no usable log-prob/quality signal.
type Scorer func(provider.Response) float64

// DefaultScorer scores by response length, a crude but deterministic
// proxy absent real log-prob data from every provider.
func DefaultScorer(r provider.Response) float64 { return float64(len(r.Text)) }

// Result is one provider's outcome in a consensus round.
type Result struct {
	Provider string
	Response provider.Response
	Err      error
}

// Outcome is the Consensus Engine's output for one phase.
type Outcome struct {
	// Final is the merged consensus response.
	Final provider.Response
	// Participants holds every provider call that returned successfully,
	// in stable provider-name order, for cost/token summation (spec §4.4
	// "all participating responses recorded").
	Participants []Result
}

// Engine fans out to providers and merges by strategy.
type Engine struct {
	registry *provider.Registry
	scorer   Scorer
}

// New builds a consensus Engine reading providers from registry. A nil
// scorer defaults to DefaultScorer.
func New(registry *provider.Registry, scorer Scorer) *Engine {
	if scorer == nil {
		scorer = DefaultScorer
	}
	return &Engine{registry: registry, scorer: scorer}
}

// Execute issues req to every provider named in decision.ConsensusProviders
// in parallel, waits up to timeout, and merges by decision.ConsensusStrategy.
// Returns errkind.ErrConsensusBelowQuorum (Transient) if fewer than
// decision.MinSuccessful providers return in time.
func (e *Engine) Execute(ctx context.Context, req provider.Request, decision router.RoutingDecision, timeout time.Duration) (Outcome, error) {
	if len(decision.ConsensusProviders) < 2 {
		return Outcome{}, errkind.NewPermanent(nil, "consensus requires at least 2 providers, got %d", len(decision.ConsensusProviders))
	}
	minSuccessful := decision.MinSuccessful
	if minSuccessful < 1 {
		minSuccessful = 2
	}

	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]Result, len(decision.ConsensusProviders))
	g, gctx := errgroup.WithContext(cctx)
	for i, name := range decision.ConsensusProviders {
		i, name := i, name
		g.Go(func() error {
			client, err := e.registry.Get(name)
			if err != nil {
				results[i] = Result{Provider: name, Err: err}
				return nil
			}
			resp, err := client.Execute(gctx, req)
			results[i] = Result{Provider: name, Response: resp, Err: err}
			return nil
		})
	}
	// errgroup.Wait only returns an error if a Go func itself returned
	// one; per-provider failures are captured in results instead so one
	// slow/failed provider never aborts the others.
	_ = g.Wait()

	var participants []Result
	for _, r := range results {
		if r.Err == nil {
			participants = append(participants, r)
		}
	}
	sort.Slice(participants, func(a, b int) bool { return participants[a].Provider < participants[b].Provider })

	if len(participants) < minSuccessful {
		return Outcome{Participants: participants}, errkind.ErrConsensusBelowQuorum
	}

	var final provider.Response
	var err error
	switch decision.ConsensusStrategy {
	case router.StrategyBestOfN:
		final = bestOfN(participants, e.scorer)
	case router.StrategySynthesize:
		final, err = e.synthesize(ctx, req, decision, participants)
	default: // majority-vote
		final = majorityVote(participants, decision.ConsensusProviders)
	}
	if err != nil {
		return Outcome{Participants: participants}, err
	}
	return Outcome{Final: final, Participants: participants}, nil
}

// majorityVote picks the most common Text among participants. Ties are
// broken by the order providers appear in orderedProviders (spec §4.4).
func majorityVote(participants []Result, orderedProviders []string) provider.Response {
	counts := make(map[string]int)
	first := make(map[string]provider.Response)
	for _, p := range participants {
		counts[p.Response.Text]++
		if _, ok := first[p.Response.Text]; !ok {
			first[p.Response.Text] = p.Response
		}
	}

	bestText := ""
	bestCount := -1
	bestOrder := len(orderedProviders) + 1
	for text, count := range counts {
		order := providerOrder(first[text].Provider, orderedProviders)
		if count > bestCount || (count == bestCount && order < bestOrder) {
			bestText, bestCount, bestOrder = text, count, order
		}
	}
	return first[bestText]
}

func providerOrder(name string, ordered []string) int {
	for i, n := range ordered {
		if n == name {
			return i
		}
	}
	return len(ordered)
}

// bestOfN picks the participant with the highest scorer value, ties
// broken by the first (lowest provider-name) candidate.
func bestOfN(participants []Result, scorer Scorer) provider.Response {
	best := participants[0].Response
	bestScore := scorer(best)
	for _, p := range participants[1:] {
		if s := scorer(p.Response); s > bestScore {
			best, bestScore = p.Response, s
		}
	}
	return best
}

// synthesize calls decision's designated synthesizer provider+model with
// every participant's answer as input, returning its output as the
// consensus result (spec §4.4).
func (e *Engine) synthesize(ctx context.Context, req provider.Request, decision router.RoutingDecision, participants []Result) (provider.Response, error) {
	synthProvider := decision.Provider
	client, err := e.registry.Get(synthProvider)
	if err != nil {
		return provider.Response{}, err
	}

	synthReq := provider.Request{
		Model:       decision.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    append([]provider.Message(nil), req.Messages...),
	}
	synthReq.Messages = append(synthReq.Messages, provider.Message{
		Role:    provider.RoleUser,
		Content: synthesisPrompt(participants),
	})

	return client.Execute(ctx, synthReq)
}

func synthesisPrompt(participants []Result) string {
	prompt := "Multiple models answered the same request. Synthesize the best single answer:\n\n"
	for _, p := range participants {
		prompt += fmt.Sprintf("--- %s ---\n%s\n\n", p.Provider, p.Response.Text)
	}
	return prompt
}
