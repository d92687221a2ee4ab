package domain

import "errors"

// Sentinel errors shared across services and transports. Whole-call
// preconditions (empty selection, unresolved conflicts) abort before any
// mutation; per-batch failures are carried inside aggregate results instead.
var (
	ErrValidation = errors.New("validation failed")
	ErrNotFound   = errors.New("not found")

	ErrEmptySelection      = errors.New("selection is empty")
	ErrNotPending          = errors.New("batch is not pending")
	ErrUnresolvedConflicts = errors.New("selection has unresolved conflicts")
	ErrBatchBusy           = errors.New("batch has a mutation in flight")
	ErrPersistence         = errors.New("persistence failure")
)
