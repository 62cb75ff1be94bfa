package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound    = errors.New("not found")
	ErrUnsupported = errors.New("unsupported operation")

	// Error taxonomy surfaced by the session orchestration layer.
	ErrValidation            = errors.New("validation error")
	ErrConflict              = errors.New("conflict")
	ErrAuth                  = errors.New("authentication error")
	ErrRemote                = errors.New("remote error")
	ErrStartupFailed         = errors.New("startup failed")
	ErrDiscoveryTimeout      = errors.New("discovery timed out")
	ErrPersistenceCorruption = errors.New("persisted state corrupt")

	ErrSessionCancelled = errors.New("session cancelled")
)

var (
	// ErrPortInUse is the backend's "address already in use" condition.
	ErrPortInUse = fmt.Errorf("%w: address already in use", ErrConflict)
	// ErrSessionBusy rejects a start while another session is outstanding.
	ErrSessionBusy = fmt.Errorf("%w: session already in progress", ErrConflict)
)

// Validationf builds an ErrValidation with a field-specific message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
