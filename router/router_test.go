package router_test

import (
	"reflect"
	"testing"

	"github.com/devflow/orchestrator/domain"
	"github.com/devflow/orchestrator/router"
)

func TestResolveReturnsDefaultWhenNoRuleMatches(t *testing.T) {
	def := router.RoutingDecision{Provider: "claude", Model: "claude-sonnet-4-5-20250929"}
	r := router.New(nil, def)

	got := r.Resolve(router.Key{Phase: domain.PhasePlan, Kind: domain.KindStandard})
	if !reflect.DeepEqual(got, def) {
		t.Fatalf("expected default decision, got %+v", got)
	}
}

func TestResolveFirstMatchWins(t *testing.T) {
	rules := []router.Rule{
		{
			When: router.Predicate{Phase: domain.PhaseReview},
			Then: router.RoutingDecision{Provider: "first-match"},
		},
		{
			When: router.Predicate{Phase: domain.PhaseReview, Kind: domain.KindStandard},
			Then: router.RoutingDecision{Provider: "second-match"},
		},
	}
	r := router.New(rules, router.RoutingDecision{Provider: "default"})

	got := r.Resolve(router.Key{Phase: domain.PhaseReview, Kind: domain.KindStandard})
	if got.Provider != "first-match" {
		t.Fatalf("expected first matching rule to win, got %q", got.Provider)
	}
}

func TestResolveMatchesOnTagsSubset(t *testing.T) {
	rules := []router.Rule{
		{
			When: router.Predicate{Tags: []string{"urgent"}},
			Then: router.RoutingDecision{Provider: "urgent-provider"},
		},
	}
	r := router.New(rules, router.RoutingDecision{Provider: "default"})

	got := r.Resolve(router.Key{Phase: domain.PhaseBuild, Tags: []string{"urgent", "other"}})
	if got.Provider != "urgent-provider" {
		t.Fatalf("expected tag match, got %q", got.Provider)
	}

	got = r.Resolve(router.Key{Phase: domain.PhaseBuild, Tags: []string{"other"}})
	if got.Provider != "default" {
		t.Fatalf("expected default when required tag absent, got %q", got.Provider)
	}
}

func TestResolveCachesByKey(t *testing.T) {
	calls := 0
	rules := []router.Rule{
		{
			When: router.Predicate{Phase: domain.PhaseBuild},
			Then: router.RoutingDecision{Provider: "cached"},
		},
	}
	r := router.New(rules, router.RoutingDecision{Provider: "default"})

	for i := 0; i < 5; i++ {
		got := r.Resolve(router.Key{Phase: domain.PhaseBuild})
		if got.Provider != "cached" {
			t.Fatalf("unexpected decision: %+v", got)
		}
		calls++
		// The router keeps the caller's rule slice, so this change is only
		// invisible to later lookups if they are served from the cache.
		rules[0].Then.Provider = "changed-after-first-lookup"
	}
	if calls != 5 {
		t.Fatalf("expected 5 resolutions, got %d", calls)
	}
}
