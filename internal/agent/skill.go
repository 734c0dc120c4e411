package agent

import (
	"context"
	"log/slog"

	"studioline/internal/artifact"
	"studioline/internal/domain"
)

// Skill is a departmental capability that turns a task into artifact drafts.
type Skill interface {
	ID() string
	Department() domain.Department
	RequiredInputs() []string
	Outputs() []string
	Execute(ctx context.Context, in SkillInput) (SkillResult, error)
}

type SkillInput struct {
	Task domain.Task
	Data map[string]any
	// Dependencies holds the artifacts produced by dependency tasks and the
	// task's required artifacts, keyed by artifact id.
	Dependencies map[string]domain.Artifact
	Phase        domain.Phase
	Constraints  map[string]any
}

type SkillResult struct {
	Success     bool
	Artifacts   []artifact.Draft
	Quality     float64
	Notes       []string
	Metadata    map[string]any
	Provider    string
	CreditsUsed float64
	Error       string
}

// Context is the shared production state an agent works against.
type Context struct {
	Store       *artifact.Store
	Phase       func() domain.Phase
	Constraints map[string]any
	Logger      *slog.Logger
}
