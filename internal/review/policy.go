// Package review holds the vote weighting and acceptance policy. Everything
// here is a pure function of its inputs so tallies can be recomputed from the
// review log at any time without drifting.
package review

import "math"

type Vote string

const (
	VoteApprove        Vote = "approve"
	VoteReject         Vote = "reject"
	VoteRequestChanges Vote = "request_changes"
)

const (
	baseWeight      = 1.0
	topicBonus      = 0.3
	historyBonus    = 0.1
	maxHistoryBonus = 0.7
	// MaxWeight caps every vote, computed or caller-supplied.
	MaxWeight = 2.0

	ApproveThreshold = 3.0
	RejectCeiling    = 1.5
)

func KnownVote(vote string) bool {
	switch Vote(vote) {
	case VoteApprove, VoteReject, VoteRequestChanges:
		return true
	default:
		return false
	}
}

// Weight computes the weight of a new vote from the reviewer's standing.
// priorApprovals counts approve votes the reviewer has already recorded: on
// the same topic when one is supplied, across all topics otherwise. The vote
// being weighted must not be included in the count.
func Weight(topic string, priorApprovals int) float64 {
	weight := baseWeight
	if topic != "" {
		weight += topicBonus
	}
	weight += math.Min(historyBonus*float64(priorApprovals), maxHistoryBonus)
	return math.Min(weight, MaxWeight)
}

// ValidExplicitWeight bounds caller-supplied weights to the same envelope as
// the computed path.
func ValidExplicitWeight(weight float64) bool {
	if math.IsNaN(weight) || math.IsInf(weight, 0) {
		return false
	}
	return weight > 0 && weight <= MaxWeight
}

// WeightedVote is the slice element Tally consumes; the store's Review type
// converts down to it so this package stays storage-free.
type WeightedVote struct {
	Vote   Vote
	Weight float64
}

// Tally sums weights per vote kind. All three kinds are always present in the
// result, even when absent from the log.
func Tally(votes []WeightedVote) map[Vote]float64 {
	tally := map[Vote]float64{
		VoteApprove:        0,
		VoteReject:         0,
		VoteRequestChanges: 0,
	}
	for _, v := range votes {
		if _, ok := tally[v.Vote]; ok {
			tally[v.Vote] += v.Weight
		}
	}
	return tally
}

// Accepted is the integration gate: enough weighted approval, not too much
// weighted rejection.
func Accepted(tally map[Vote]float64) bool {
	return tally[VoteApprove] >= ApproveThreshold && tally[VoteReject] < RejectCeiling
}
