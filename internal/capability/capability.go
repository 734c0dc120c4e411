// Package capability indexes external tool providers and executes actions
// against them with tier-ordered fallback.
package capability

import (
	"context"

	"studioline/internal/domain"
)

// Action names an operation a provider can perform.
type Action string

const (
	ActionGenerateText  Action = "generate-text"
	ActionGenerateImage Action = "generate-image"
	ActionGenerateVideo Action = "generate-video"
	ActionGenerateAudio Action = "generate-audio"
	ActionEditMedia     Action = "edit-media"
	ActionPlan          Action = "plan"
)

// KnownActions lists the actions shipped with the default provider catalog.
func KnownActions() []Action {
	return []Action{ActionGenerateText, ActionGenerateImage, ActionGenerateVideo, ActionGenerateAudio, ActionEditMedia, ActionPlan}
}

// Capability declares an action and the input it accepts.
type Capability struct {
	Action Action `json:"action"`
	Input  Schema `json:"input,omitempty"`
}

// Descriptor is the static metadata a provider registers with.
type Descriptor struct {
	ID           string              `json:"id"`
	Departments  []domain.Department `json:"departments"`
	Category     string              `json:"category"`
	Tier         domain.Tier         `json:"tier"`
	Capabilities []Capability        `json:"capabilities"`
}

// Supports reports whether the descriptor declares the action, returning its schema.
func (d Descriptor) Supports(action Action) (Schema, bool) {
	for _, c := range d.Capabilities {
		if c.Action == action {
			return c.Input, true
		}
	}
	return nil, false
}

func (d Descriptor) serves(dept domain.Department) bool {
	for _, x := range d.Departments {
		if x == dept {
			return true
		}
	}
	return false
}

type Request struct {
	Action Action         `json:"action"`
	Input  map[string]any `json:"input"`
}

type Metadata struct {
	ExecutionTimeMs int64   `json:"execution_time_ms"`
	CreditsUsed     float64 `json:"credits_used"`
}

// Output is what a provider returns for one call.
type Output struct {
	Success   bool             `json:"success"`
	Data      map[string]any   `json:"data,omitempty"`
	Artifacts []map[string]any `json:"artifacts,omitempty"`
	Error     string           `json:"error,omitempty"`
	Quality   *float64         `json:"quality,omitempty"`
	Metadata  Metadata         `json:"metadata"`
}

// Provider is an external tool implementation.
type Provider interface {
	Descriptor() Descriptor
	Execute(ctx context.Context, req Request) (Output, error)
}

// Criteria filters providers. Zero-valued fields match everything.
type Criteria struct {
	Department domain.Department
	Category   string
	Tier       domain.Tier
	Action     Action
}

func (c Criteria) match(d Descriptor) bool {
	if c.Department != "" && !d.serves(c.Department) {
		return false
	}
	if c.Category != "" && d.Category != c.Category {
		return false
	}
	if c.Tier != "" && d.Tier != c.Tier {
		return false
	}
	if c.Action != "" {
		if _, ok := d.Supports(c.Action); !ok {
			return false
		}
	}
	return true
}
