// Copyright 2025 Archon Governance Systems
//
// Vote lifecycle state machine (component C7), adapted from
// pkg/proof/lifecycle.go's ValidTransitions/isValidTransition idiom:
// the proof artifact's pending->batched->anchored->attested->verified
// chain becomes the validation vote's cast->...->validated chain, and
// the override cycle is added since a vote (unlike a proof) can move
// back and forth between VALIDATED and OVERRIDDEN after reaching a
// terminal state.

package orchestrator

// VoteState is a stage or terminal state a validation vote occupies.
type VoteState string

const (
	StateCast                VoteState = "CAST"
	StateValidationStarted   VoteState = "VALIDATION_STARTED"
	StatePending             VoteState = "PENDING"
	StateDeliberating        VoteState = "DELIBERATING"
	StateAdjudicating        VoteState = "ADJUDICATING"
	StateWitnessing          VoteState = "WITNESSING"
	StateValidated           VoteState = "VALIDATED"
	StateOverridden          VoteState = "OVERRIDDEN"
	StateDeadLettered        VoteState = "DEAD_LETTERED"
)

// stateTransition is a single allowed (from, to) edge.
type stateTransition struct {
	From VoteState
	To   VoteState
}

// validTransitions enumerates the pipeline's allowed edges. Any stage may
// also transition directly to DEAD_LETTERED (retry budget exhausted,
// structural adjudication error, or witness refusal), so those edges are
// generated separately in isValidTransition rather than listed here.
var validTransitions = []stateTransition{
	{StateCast, StateValidationStarted},
	{StateValidationStarted, StatePending},
	{StatePending, StateDeliberating},
	{StateDeliberating, StateAdjudicating},
	{StateAdjudicating, StateWitnessing},
	{StateWitnessing, StateValidated},
	{StateValidated, StateOverridden},
	{StateOverridden, StateValidated},
}

// stagesThatCanDeadLetter lists every non-terminal stage from which a vote
// may be dead-lettered.
var stagesThatCanDeadLetter = []VoteState{
	StateCast, StateValidationStarted, StatePending,
	StateDeliberating, StateAdjudicating, StateWitnessing,
}

// isValidTransition reports whether to is reachable from from in one step.
//
// Open Question (a) resolved: the source left ambiguous whether a
// dead-lettered vote may be re-admitted after override. Decision: yes —
// "no automatic recovery" (spec) forbids the pipeline from retrying a
// dead-lettered vote on its own, but a human reconciliation actor acting
// through the overrides topic is exactly the manual path the spec
// describes for VALIDATED, and nothing restricts override's terminal
// state to VALIDATED alone. DEAD_LETTERED therefore also accepts an
// override edge to VALIDATED, distinctly witnessed and event-chained
// like every other override.
func isValidTransition(from, to VoteState) bool {
	for _, t := range validTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	if to == StateDeadLettered {
		for _, s := range stagesThatCanDeadLetter {
			if s == from {
				return true
			}
		}
	}
	if from == StateDeadLettered && to == StateValidated {
		return true
	}
	return false
}

// stageTopic maps a VoteState to the bus topic that carries its
// transition messages, per spec.md §4.6's topic table.
func stageTopic(s VoteState) string {
	switch s {
	case StateCast:
		return "votes.cast"
	case StateValidationStarted:
		return "votes.validation-started"
	case StatePending:
		return "votes.pending-validation"
	case StateDeliberating:
		return "votes.deliberation-results"
	case StateAdjudicating:
		return "votes.adjudication-results"
	case StateWitnessing:
		return "votes.witness-requests"
	case StateValidated:
		return "votes.validated"
	case StateDeadLettered:
		return "votes.dead-letter"
	default:
		return ""
	}
}
