package usecase

import (
	"errors"
	"fmt"

	"justserve/internal/domain"
)

type LogSink interface {
	Append(category domain.LogCategory, message string) domain.LogEntry
}

// wrapBackend keeps the taxonomy of classified backend errors and folds
// everything else into ErrRemote.
func wrapBackend(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{domain.ErrValidation, domain.ErrAuth, domain.ErrConflict, domain.ErrRemote} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrRemote, err)
}
