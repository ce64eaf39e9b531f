package consensus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/devflow/orchestrator/consensus"
	"github.com/devflow/orchestrator/errkind"
	"github.com/devflow/orchestrator/provider"
	"github.com/devflow/orchestrator/provider/mock"
	"github.com/devflow/orchestrator/router"
)

func TestMajorityVotePicksModalAnswer(t *testing.T) {
	reg := provider.NewRegistry()
	a := mock.New("a")
	a.Responses = []provider.Response{{Text: "yes"}}
	b := mock.New("b")
	b.Responses = []provider.Response{{Text: "yes"}}
	c := mock.New("c")
	c.Responses = []provider.Response{{Text: "no"}}
	reg.Register(a)
	reg.Register(b)
	reg.Register(c)

	e := consensus.New(reg, nil)
	decision := router.RoutingDecision{
		UseConsensus:       true,
		ConsensusStrategy:  router.StrategyMajorityVote,
		ConsensusProviders: []string{"a", "b", "c"},
		MinSuccessful:      2,
	}
	out, err := e.Execute(context.Background(), provider.Request{Model: "x"}, decision, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Final.Text != "yes" {
		t.Fatalf("expected majority answer 'yes', got %q", out.Final.Text)
	}
	if len(out.Participants) != 3 {
		t.Fatalf("expected 3 participants recorded, got %d", len(out.Participants))
	}
}

func TestMajorityVoteTieBrokenByProviderOrder(t *testing.T) {
	reg := provider.NewRegistry()
	a := mock.New("a")
	a.Responses = []provider.Response{{Text: "alpha"}}
	b := mock.New("b")
	b.Responses = []provider.Response{{Text: "beta"}}
	reg.Register(a)
	reg.Register(b)

	e := consensus.New(reg, nil)
	decision := router.RoutingDecision{
		ConsensusStrategy:  router.StrategyMajorityVote,
		ConsensusProviders: []string{"a", "b"},
		MinSuccessful:      2,
	}
	out, err := e.Execute(context.Background(), provider.Request{}, decision, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Final.Text != "alpha" {
		t.Fatalf("expected tie broken toward first-listed provider 'a', got %q", out.Final.Text)
	}
}

func TestBestOfNPicksHighestScore(t *testing.T) {
	reg := provider.NewRegistry()
	a := mock.New("a")
	a.Responses = []provider.Response{{Text: "short"}}
	b := mock.New("b")
	b.Responses = []provider.Response{{Text: "a much longer and more detailed answer"}}
	reg.Register(a)
	reg.Register(b)

	e := consensus.New(reg, nil)
	decision := router.RoutingDecision{
		ConsensusStrategy:  router.StrategyBestOfN,
		ConsensusProviders: []string{"a", "b"},
		MinSuccessful:      2,
	}
	out, err := e.Execute(context.Background(), provider.Request{}, decision, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Final.Text != b.Responses[0].Text {
		t.Fatalf("expected longer response to win best-of-n, got %q", out.Final.Text)
	}
}

func TestSynthesizeCallsDesignatedSynthesizer(t *testing.T) {
	reg := provider.NewRegistry()
	a := mock.New("a")
	a.Responses = []provider.Response{{Text: "draft a"}}
	b := mock.New("b")
	b.Responses = []provider.Response{{Text: "draft b"}}
	synth := mock.New("synth")
	synth.Responses = []provider.Response{{Text: "final synthesis"}}
	reg.Register(a)
	reg.Register(b)
	reg.Register(synth)

	e := consensus.New(reg, nil)
	decision := router.RoutingDecision{
		Provider:           "synth",
		Model:              "synth-model",
		ConsensusStrategy:  router.StrategySynthesize,
		ConsensusProviders: []string{"a", "b"},
		MinSuccessful:      2,
	}
	out, err := e.Execute(context.Background(), provider.Request{}, decision, time.Second)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if out.Final.Text != "final synthesis" {
		t.Fatalf("expected synthesizer output, got %q", out.Final.Text)
	}
	if synth.CallCount() != 1 {
		t.Fatalf("expected synthesizer called exactly once, got %d", synth.CallCount())
	}
}

func TestExecuteFailsBelowQuorum(t *testing.T) {
	reg := provider.NewRegistry()
	a := mock.New("a")
	a.Err = errors.New("timeout")
	b := mock.New("b")
	b.Err = errors.New("timeout")
	c := mock.New("c")
	c.Responses = []provider.Response{{Text: "only one"}}
	reg.Register(a)
	reg.Register(b)
	reg.Register(c)

	e := consensus.New(reg, nil)
	decision := router.RoutingDecision{
		ConsensusStrategy:  router.StrategyMajorityVote,
		ConsensusProviders: []string{"a", "b", "c"},
		MinSuccessful:      2,
	}
	_, err := e.Execute(context.Background(), provider.Request{}, decision, time.Second)
	if !errors.Is(err, errkind.ErrConsensusBelowQuorum) {
		t.Fatalf("expected ErrConsensusBelowQuorum, got %v", err)
	}
	if errkind.Classify(err) != errkind.KindTransient {
		t.Fatalf("expected Transient classification, got %s", errkind.Classify(err))
	}
}
