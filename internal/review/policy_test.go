package review

import (
	"math"
	"testing"
)

func TestWeight(t *testing.T) {
	cases := []struct {
		name           string
		topic          string
		priorApprovals int
		want           float64
	}{
		{name: "no topic no history", topic: "", priorApprovals: 0, want: 1.0},
		{name: "topic no history", topic: "demo", priorApprovals: 0, want: 1.3},
		{name: "topic one prior approval", topic: "demo", priorApprovals: 1, want: 1.4},
		{name: "no topic one prior approval", topic: "", priorApprovals: 1, want: 1.1},
		{name: "history bonus capped at 0.7", topic: "", priorApprovals: 50, want: 1.7},
		{name: "total capped at 2.0", topic: "demo", priorApprovals: 50, want: 2.0},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Weight(tc.topic, tc.priorApprovals)
			if math.Abs(got-tc.want) > 1e-9 {
				t.Fatalf("Weight(%q, %d) = %v, want %v", tc.topic, tc.priorApprovals, got, tc.want)
			}
		})
	}
}

func TestValidExplicitWeight(t *testing.T) {
	cases := []struct {
		name   string
		weight float64
		valid  bool
	}{
		{name: "one", weight: 1.0, valid: true},
		{name: "at cap", weight: 2.0, valid: true},
		{name: "above cap", weight: 2.01, valid: false},
		{name: "zero", weight: 0, valid: false},
		{name: "negative", weight: -1, valid: false},
		{name: "nan", weight: math.NaN(), valid: false},
		{name: "inf", weight: math.Inf(1), valid: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ValidExplicitWeight(tc.weight); got != tc.valid {
				t.Fatalf("ValidExplicitWeight(%v) = %v, want %v", tc.weight, got, tc.valid)
			}
		})
	}
}

func TestTallyAlwaysCarriesAllKinds(t *testing.T) {
	tally := Tally(nil)
	for _, kind := range []Vote{VoteApprove, VoteReject, VoteRequestChanges} {
		if _, ok := tally[kind]; !ok {
			t.Fatalf("tally missing kind %q", kind)
		}
	}
}

func TestTallyIsPureReplay(t *testing.T) {
	votes := []WeightedVote{
		{Vote: VoteApprove, Weight: 1.0},
		{Vote: VoteApprove, Weight: 1.3},
		{Vote: VoteReject, Weight: 0.5},
		{Vote: VoteRequestChanges, Weight: 1.0},
	}

	first := Tally(votes)
	second := Tally(votes)
	for kind, sum := range first {
		if second[kind] != sum {
			t.Fatalf("replay diverged on %q: %v vs %v", kind, sum, second[kind])
		}
	}
	if first[VoteApprove] != 2.3 || first[VoteReject] != 0.5 || first[VoteRequestChanges] != 1.0 {
		t.Fatalf("unexpected tally: %v", first)
	}
}

func TestTallyIgnoresUnknownKinds(t *testing.T) {
	tally := Tally([]WeightedVote{{Vote: "veto", Weight: 9}})
	if tally[VoteApprove] != 0 || tally[VoteReject] != 0 || tally[VoteRequestChanges] != 0 {
		t.Fatalf("unknown kind leaked into tally: %v", tally)
	}
}

func TestAccepted(t *testing.T) {
	cases := []struct {
		name     string
		approve  float64
		reject   float64
		accepted bool
	}{
		{name: "exactly at threshold", approve: 3.0, reject: 0, accepted: true},
		{name: "below threshold", approve: 2.9, reject: 0, accepted: false},
		{name: "reject at ceiling", approve: 3.0, reject: 1.5, accepted: false},
		{name: "reject just under ceiling", approve: 4.0, reject: 1.49, accepted: true},
		{name: "strong reject overrides", approve: 1.0, reject: 2.0, accepted: false},
		{name: "empty log", approve: 0, reject: 0, accepted: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tally := map[Vote]float64{
				VoteApprove:        tc.approve,
				VoteReject:         tc.reject,
				VoteRequestChanges: 0,
			}
			if got := Accepted(tally); got != tc.accepted {
				t.Fatalf("Accepted(%v) = %v, want %v", tally, got, tc.accepted)
			}
		})
	}
}
