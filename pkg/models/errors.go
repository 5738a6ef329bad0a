package models

import "errors"

// Sentinel errors returned across storage and component boundaries.
// Callers classify them with errors.Is; HTTP handlers map them to
// status codes.
var (
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a cluster status change is
	// requested from a state the action is not allowed from.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrAlreadyInProgress is returned when a run is requested for an
	// identity that already has one in flight.
	ErrAlreadyInProgress = errors.New("already in progress")

	// ErrCooldown is returned when a trigger arrives inside the minimum
	// re-run interval for its identity.
	ErrCooldown = errors.New("triggered too soon")

	// ErrGenerating is returned by RCA lookups while a generation for the
	// cluster is still in flight. Distinct from ErrNotFound so callers
	// know to poll.
	ErrGenerating = errors.New("generation in progress")

	// ErrInvalidInput is returned for malformed operator input
	// (unknown task type, bad interval, missing identifiers).
	ErrInvalidInput = errors.New("invalid input")
)
