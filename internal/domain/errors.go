package domain

import "errors"

var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")

	// ErrInvalidTransition is returned for lifecycle requests the state machine does not allow.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrAlreadyRunning means another worker holds the campaign's execution lock.
	ErrAlreadyRunning = errors.New("campaign already running")
	// ErrConcurrentModification is returned when a compare-and-swap status update loses.
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrCampaignFatal aborts a run and moves the campaign to FAILED.
	ErrCampaignFatal = errors.New("campaign fatal error")
)
