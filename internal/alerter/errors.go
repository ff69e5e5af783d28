package alerter

import (
	"errors"

	"github.com/wardpager/wardpager/internal/types"
)

var (
	// ErrInvalidUrgency is returned for an unknown urgency or one the
	// policy has no tiers for.
	ErrInvalidUrgency = types.ErrInvalidUrgency
	// ErrAlertNotFound is returned for an unknown alert ID.
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlreadyTerminal is returned when acknowledging or resolving an alert
	// that is already past that point. The current snapshot is returned with it.
	ErrAlreadyTerminal = errors.New("alert already terminal")
	// ErrPersistenceUnavailable is returned when a transition could not be
	// stored. The in-memory state is left unchanged.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	// ErrInvalidTransition is returned for a transition the state machine
	// does not allow from the current state.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrReportNotFound is returned for an unknown delivery report ID.
	ErrReportNotFound = errors.New("delivery report not found")
)
