package capability

import (
	"fmt"
	"strings"
)

type DuplicateProviderError struct {
	ID string
}

func (e *DuplicateProviderError) Error() string {
	return fmt.Sprintf("provider %s already registered", e.ID)
}

type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid input: " + strings.Join(e.Problems, "; ")
}

// Attempt records one provider call made during fallback.
type Attempt struct {
	ProviderID string `json:"provider_id"`
	Error      string `json:"error"`
	DurationMs int64  `json:"duration_ms"`
}

// ExhaustedError is returned when every candidate provider failed.
type ExhaustedError struct {
	Action   Action
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("no provider available for %s", e.Action)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.ProviderID, a.Error))
	}
	return fmt.Sprintf("all providers failed for %s: %s", e.Action, strings.Join(parts, "; "))
}

// Providers returns the ids of the attempted providers in call order.
func (e *ExhaustedError) Providers() []string {
	ids := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		ids = append(ids, a.ProviderID)
	}
	return ids
}
