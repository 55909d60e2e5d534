// Copyright 2025 Archon Governance Systems
//
// Package orchestrator implements the Validation Orchestrator (component
// C7): the stage-per-topic state machine driving a validation vote from
// cast through deliberation, adjudication, and witnessing to a terminal
// VALIDATED or DEAD_LETTERED state, with a manual override path back to
// VALIDATED.
//
// Three decisions were required where the source left a detail
// unspecified:
//
//  1. Dead-letter re-admission. A vote missing witness attestation, or
//     one that exhausted its retry budget, moves to DEAD_LETTERED with
//     "no automatic recovery". That forbids the pipeline retrying on its
//     own; it does not forbid a human reconciliation actor correcting the
//     outcome through the overrides topic, which is already witnessed and
//     event-chained like every other transition. DEAD_LETTERED therefore
//     accepts a manual override edge to VALIDATED (see state.go).
//
//  2. Retry budget. No uniform per-stage retry count is specified.
//     Config.RetryBudget is an override map keyed by dead-letter reason
//     (deliberator_error, adjudicator_error, structural_adjudication_error,
//     witness_refused), with DefaultRetryBudget as the fallback. It is not
//     keyed by stage.
//
//  3. Clock semantics. local_timestamp vs. authority_timestamp ordering is
//     informational only; the orchestrator never branches on a timestamp
//     comparison. Every ordering decision here is driven by the bus
//     partition's delivery order and the Event Store's sequence, never by
//     wall-clock time.
package orchestrator
