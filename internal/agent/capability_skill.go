package agent

import (
	"context"
	"sort"

	"studioline/internal/artifact"
	"studioline/internal/capability"
	"studioline/internal/domain"
)

// defaultQuality is used when a provider does not report a score.
const defaultQuality = 0.7

// CapabilitySkill fulfils a task type by calling the capability registry.
type CapabilitySkill struct {
	id       string
	dept     domain.Department
	action   capability.Action
	category string
	required []string
	registry *capability.Registry
}

func NewCapabilitySkill(reg *capability.Registry, dept domain.Department, id string, action capability.Action, category string, required ...string) *CapabilitySkill {
	return &CapabilitySkill{id: id, dept: dept, action: action, category: category, required: required, registry: reg}
}

func (s *CapabilitySkill) ID() string                    { return s.id }
func (s *CapabilitySkill) Department() domain.Department { return s.dept }
func (s *CapabilitySkill) RequiredInputs() []string      { return s.required }
func (s *CapabilitySkill) Outputs() []string             { return []string{s.id} }
func (s *CapabilitySkill) Action() capability.Action     { return s.action }

func (s *CapabilitySkill) Execute(ctx context.Context, in SkillInput) (SkillResult, error) {
	input := make(map[string]any, len(in.Data)+2)
	for k, v := range in.Data {
		input[k] = v
	}
	if len(in.Dependencies) > 0 {
		refs := make([]string, 0, len(in.Dependencies))
		for _, a := range in.Dependencies {
			refs = append(refs, a.Type+":"+a.Name)
		}
		sort.Strings(refs)
		input["references"] = refs
	}
	if in.Phase != "" {
		input["phase"] = string(in.Phase)
	}
	exec, err := s.registry.ExecuteWithFallback(ctx, capability.Criteria{Department: s.dept, Category: s.category}, s.action, input)
	if err != nil {
		return SkillResult{}, err
	}
	out := exec.Output
	quality := defaultQuality
	if out.Quality != nil {
		quality = *out.Quality
	}
	payload := map[string]any{"provider": exec.ProviderID, "action": string(s.action)}
	for k, v := range out.Data {
		payload[k] = v
	}
	drafts := []artifact.Draft{{Type: in.Task.Type, Name: in.Task.Name, Payload: payload}}
	for _, extra := range out.Artifacts {
		if c, ok := extra["content"]; ok {
			if _, exists := payload["content"]; !exists {
				payload["content"] = c
			}
		}
		if f, ok := extra["format"]; ok {
			payload["format"] = f
		}
	}
	var notes []string
	if len(exec.Attempts) > 1 {
		notes = append(notes, "fell back to "+exec.ProviderID)
	}
	return SkillResult{
		Success:     true,
		Artifacts:   drafts,
		Quality:     quality,
		Notes:       notes,
		Provider:    exec.ProviderID,
		CreditsUsed: out.Metadata.CreditsUsed,
		Metadata:    map[string]any{"attempts": len(exec.Attempts), "execution_time_ms": out.Metadata.ExecutionTimeMs},
	}, nil
}

type catalogEntry struct {
	id       string
	action   capability.Action
	category string
}

var catalog = map[domain.Department][]catalogEntry{
	domain.DeptWriting: {
		{"script", capability.ActionGenerateText, "text"},
		{"treatment", capability.ActionGenerateText, "text"},
		{"script-revision", capability.ActionGenerateText, "text"},
	},
	domain.DeptDirection: {
		{"vision", capability.ActionGenerateText, "text"},
		{"performance-notes", capability.ActionGenerateText, "text"},
	},
	domain.DeptCinematography: {
		{"shot-list", capability.ActionPlan, "image"},
		{"footage", capability.ActionGenerateVideo, "video"},
	},
	domain.DeptAudio: {
		{"music-brief", capability.ActionGenerateText, "audio"},
		{"dialogue-recording", capability.ActionGenerateAudio, "audio"},
		{"sound-mix", capability.ActionEditMedia, "audio"},
	},
	domain.DeptEditing: {
		{"rough-cut", capability.ActionEditMedia, "video"},
		{"color-grade", capability.ActionEditMedia, "video"},
		{"final-cut", capability.ActionEditMedia, "video"},
	},
	domain.DeptProductionDesign: {
		{"concept-art", capability.ActionGenerateImage, "image"},
		{"set-design", capability.ActionGenerateImage, "image"},
	},
	domain.DeptProduction: {
		{"budget-plan", capability.ActionPlan, "text"},
		{"schedule", capability.ActionPlan, "text"},
		{"deliverables-package", capability.ActionGenerateText, "text"},
		{"distribution-plan", capability.ActionGenerateText, "text"},
	},
}

// DefaultSkills returns the standard skill set of a department.
func DefaultSkills(reg *capability.Registry, dept domain.Department) []Skill {
	entries := catalog[dept]
	out := make([]Skill, 0, len(entries))
	for _, e := range entries {
		out = append(out, NewCapabilitySkill(reg, dept, e.id, e.action, e.category))
	}
	return out
}
