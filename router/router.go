// Package router maps a phase execution context to a RoutingDecision
// (spec §4.3): ordered predicate-to-decision rules, first match wins, a
// required default, pure (no I/O), cached by routing key.
//
// Grounded on graph/policy.go's small validated-config-struct idiom
// (NodePolicy/RetryPolicy) — the router's Rule/RoutingDecision pair
// plays the same role, generalized from per-node execution policy to
// per-phase provider selection.
package router

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/devflow/orchestrator/domain"
)

// ConsensusStrategy names a consensus merge strategy (spec §4.4).
type ConsensusStrategy string

const (
	StrategyMajorityVote ConsensusStrategy = "majority-vote"
	StrategyBestOfN      ConsensusStrategy = "best-of-n"
	StrategySynthesize   ConsensusStrategy = "synthesize"
)

// RoutingDecision selects a provider, model and optional consensus
// configuration for a phase (spec §4.3).
type RoutingDecision struct {
	Provider           string
	Model              string
	Temperature        float64
	MaxTokens          int
	UseConsensus       bool
	ConsensusStrategy  ConsensusStrategy
	ConsensusProviders []string
	MinSuccessful      int
}

// Predicate narrows which phases a Rule applies to. Empty slices/strings
// mean "match anything" for that field.
type Predicate struct {
	Phase    domain.PhaseName
	Kind     domain.WorkflowKind
	ModelSet domain.ModelSet
	Tags     []string
}

// Rule is one ordered when/then entry in the router's rule list.
type Rule struct {
	When Predicate
	Then RoutingDecision
}

// Key identifies a routing lookup; used both as the cache key and as the
// match input against each Rule's Predicate.
type Key struct {
	Phase    domain.PhaseName
	Kind     domain.WorkflowKind
	ModelSet domain.ModelSet
	Tags     []string
}

func (k Key) cacheKey() string {
	tags := append([]string(nil), k.Tags...)
	sort.Strings(tags)
	return fmt.Sprintf("%s|%s|%s|%s", k.Phase, k.Kind, k.ModelSet, strings.Join(tags, ","))
}

// Router evaluates an ordered rule list against a Key and caches
// resolved decisions. Pure: Resolve performs no I/O.
type Router struct {
	rules []Rule
	def   RoutingDecision
	mu    sync.RWMutex
	cache map[string]RoutingDecision
}

// New builds a Router from an ordered rule list and a required default
// decision (spec §4.3: "Default must exist").
func New(rules []Rule, def RoutingDecision) *Router {
	return &Router{
		rules: rules,
		def:   def,
		cache: make(map[string]RoutingDecision),
	}
}

// Resolve returns the RoutingDecision for key: the first rule whose
// Predicate matches, or the default if none match. Decisions are cached
// by key.cacheKey().
func (r *Router) Resolve(key Key) RoutingDecision {
	ck := key.cacheKey()

	r.mu.RLock()
	if d, ok := r.cache[ck]; ok {
		r.mu.RUnlock()
		return d
	}
	r.mu.RUnlock()

	decision := r.def
	for _, rule := range r.rules {
		if matches(rule.When, key) {
			decision = rule.Then
			break
		}
	}

	r.mu.Lock()
	r.cache[ck] = decision
	r.mu.Unlock()
	return decision
}

func matches(p Predicate, k Key) bool {
	if p.Phase != "" && p.Phase != k.Phase {
		return false
	}
	if p.Kind != "" && p.Kind != k.Kind {
		return false
	}
	if p.ModelSet != "" && p.ModelSet != k.ModelSet {
		return false
	}
	if len(p.Tags) > 0 && !containsAll(k.Tags, p.Tags) {
		return false
	}
	return true
}

func containsAll(haystack, needles []string) bool {
	set := make(map[string]bool, len(haystack))
	for _, h := range haystack {
		set[h] = true
	}
	for _, n := range needles {
		if !set[n] {
			return false
		}
	}
	return true
}
