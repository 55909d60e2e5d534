// Copyright 2025 Archon Governance Systems
//
// MajorityAdjudicator is the default Adjudicator: it combines
// deliberation results by simple majority, ruling a vote structural when
// no deliberator responded at all. Any finer-grained combination policy
// (weighted quorum, veto classes) is deployment-specific judgement logic
// and out of scope here, same as Deliberator itself.

package orchestrator

import "context"

// MajorityAdjudicator rules APPROVE when a strict majority of
// deliberation results say APPROVE, REJECT otherwise.
type MajorityAdjudicator struct{}

func (MajorityAdjudicator) Adjudicate(ctx context.Context, vote VoteCast, results []DeliberationResult) (AdjudicationOutcome, error) {
	if len(results) == 0 {
		return AdjudicationOutcome{Structural: true, Detail: map[string]interface{}{"reason": "no deliberation results"}}, nil
	}

	approve := 0
	for _, r := range results {
		if r.Outcome == "APPROVE" {
			approve++
		}
	}

	decision := "REJECT"
	if approve*2 > len(results) {
		decision = "APPROVE"
	}

	return AdjudicationOutcome{
		Decision: decision,
		Detail: map[string]interface{}{
			"approve_count": approve,
			"total_count":   len(results),
		},
	}, nil
}
