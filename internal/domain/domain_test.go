package domain

import "testing"

func TestAgentStatusTransitions(t *testing.T) {
	cases := []struct {
		from, to AgentStatus
		ok       bool
	}{
		{AgentIdle, AgentWorking, true},
		{AgentWorking, AgentIdle, true},
		{AgentWorking, AgentBlocked, true},
		{AgentWorking, AgentError, true},
		{AgentBlocked, AgentWorking, true},
		{AgentError, AgentWorking, true},
		{AgentIdle, AgentBlocked, false},
		{AgentBlocked, AgentIdle, false},
		{AgentWorking, AgentWorking, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.ok {
			t.Fatalf("%s -> %s: got %v want %v", c.from, c.to, got, c.ok)
		}
	}
}

func TestPhaseOrder(t *testing.T) {
	ps := Phases()
	if len(ps) != 5 || ps[0] != PhaseDevelopment || ps[4] != PhaseDelivery {
		t.Fatalf("unexpected phase order %v", ps)
	}
	if PhasePostProduction.Index() != 3 {
		t.Fatalf("post-production index %d", PhasePostProduction.Index())
	}
	if _, err := ParsePhase("wrap"); err == nil {
		t.Fatalf("expected error for unknown phase")
	}
}

func TestTierRank(t *testing.T) {
	if !(TierPrimary.Rank() < TierSecondary.Rank() && TierSecondary.Rank() < TierTertiary.Rank()) {
		t.Fatalf("tier ranks out of order")
	}
	if _, err := ParseTier("gold"); err == nil {
		t.Fatalf("expected error for unknown tier")
	}
}

func TestTaskCloneIsolated(t *testing.T) {
	orig := Task{ID: "a", Inputs: map[string]any{"k": "v"}, Dependencies: []string{"x"}}
	c := orig.Clone()
	c.Inputs["k"] = "changed"
	c.Dependencies[0] = "y"
	if orig.Inputs["k"] != "v" || orig.Dependencies[0] != "x" {
		t.Fatalf("clone shares state with original")
	}
}
