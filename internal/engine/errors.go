package engine

import (
	"errors"
	"fmt"

	"studioline/internal/domain"
)

var (
	ErrUnknownSubject   = errors.New("unknown decision subject")
	ErrProductionExists = errors.New("production already exists")
)

// ClosedPhaseError rejects decisions about deliverables of an earlier phase.
type ClosedPhaseError struct {
	Phase   domain.Phase
	Current domain.Phase
}

func (e *ClosedPhaseError) Error() string {
	return fmt.Sprintf("phase %s is closed; the production is in %s", e.Phase, e.Current)
}
