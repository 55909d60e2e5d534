// Copyright 2025 Archon Governance Systems
//
// Package database provides sentinel errors for repository operations:
// explicit errors instead of nil, nil returns.

package database

import "errors"

// Sentinel errors for database operations.
var (
	// ErrNotFound is returned when a requested entity is not found in the database.
	ErrNotFound = errors.New("entity not found")

	// ErrVoteNotFound names a missing validation vote. VoteRepository
	// itself reports a missing row as ErrNotFound.
	ErrVoteNotFound = errors.New("validation vote not found")

	// ErrTaskNotFound names a missing task state. TaskRepository itself
	// reports a missing row as ErrNotFound.
	ErrTaskNotFound = errors.New("task state not found")
)
