package server

import (
	"encoding/json"
	"sort"

	"studioline/internal/capability"
	"studioline/internal/domain"
	"studioline/internal/engine"
	"studioline/internal/export"
	"studioline/internal/ledger"
	"studioline/internal/phase"
	"studioline/internal/repo"
)

// Request payloads

type StartProductionRequest struct {
	ID      string             `json:"id,omitempty"`
	Title   string             `json:"title"`
	Logline string             `json:"logline,omitempty"`
	Genre   string             `json:"genre,omitempty"`
	Format  string             `json:"format,omitempty"`
	Budget  float64            `json:"budget,omitempty" minimum:"0"`
	Split   map[string]float64 `json:"split,omitempty"`
	Notes   string             `json:"notes,omitempty"`
}

type CreateDecisionRequest struct {
	Type      string `json:"type" enum:"approve,reject,modify"`
	Subject   string `json:"subject" doc:"Artifact id or task id"`
	Details   string `json:"details,omitempty"`
	DeciderID string `json:"decider_id,omitempty" doc:"Defaults to the authenticated actor"`
}

type UpdateConfigRequest struct {
	YAML string `json:"yaml"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Responses

type ProductionResponse struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Logline      string `json:"logline,omitempty"`
	Genre        string `json:"genre,omitempty"`
	Format       string `json:"format,omitempty"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at"`
}

type PhaseRunResponse struct {
	ProductionID string               `json:"production_id"`
	Phase        string               `json:"phase"`
	Success      bool                 `json:"success"`
	Summary      string               `json:"summary"`
	Error        string               `json:"error,omitempty"`
	Blockers     []string             `json:"blockers"`
	Rounds       [][]string           `json:"rounds"`
	Revisions    []string             `json:"revisions"`
	Tasks        []TaskRunResponse    `json:"tasks"`
	Risks        []domain.Risk        `json:"risks"`
	Milestones   []string             `json:"milestones_completed"`
	Exported     []export.Object      `json:"exported,omitempty"`
	Budget       ledger.Report        `json:"budget"`
	NextPhase    string               `json:"next_phase,omitempty"`
	Completed    []phase.Outcome      `json:"completed_phases"`
	Deliverables []domain.Deliverable `json:"deliverables,omitempty"`
}

type TaskRunResponse struct {
	TaskID     string   `json:"task_id"`
	Department string   `json:"department"`
	Type       string   `json:"type"`
	Attempt    int      `json:"attempt"`
	Round      int      `json:"round"`
	Success    bool     `json:"success"`
	Provider   string   `json:"provider,omitempty"`
	Rating     int      `json:"rating"`
	Status     string   `json:"status"`
	Feedback   string   `json:"feedback,omitempty"`
	Artifacts  []string `json:"artifacts"`
	Blockers   []string `json:"blockers,omitempty"`
}

type DecisionResponse struct {
	Decision domain.Decision   `json:"decision"`
	Updated  map[string]string `json:"updated"`
	Revision *TaskRunResponse  `json:"revision,omitempty"`
}

type EventResponse struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ProductionID string         `json:"production_id,omitempty"`
	EntityKind   string         `json:"entity_kind"`
	EntityID     string         `json:"entity_id,omitempty"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type ConfigResponse struct {
	ProductionID string `json:"production_id"`
	YAML         string `json:"yaml"`
}

type PhaseStatusResponse struct {
	Phase     string `json:"phase"`
	State     string `json:"state" enum:"completed,next,pending"`
	Success   *bool  `json:"success,omitempty"`
	Summary   string `json:"summary,omitempty"`
	Artifacts int    `json:"artifacts"`
}

type ProviderResponse struct {
	ID          string   `json:"id"`
	Category    string   `json:"category"`
	Tier        string   `json:"tier"`
	Departments []string `json:"departments"`
	Actions     []string `json:"actions"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type CreateAPIKeyResponse struct {
	APIKeyResponse
	Key string `json:"key" doc:"Shown once"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

func productionResponse(p domain.Production) ProductionResponse {
	return ProductionResponse(p)
}

func mapProductions(items []domain.Production) []ProductionResponse {
	out := make([]ProductionResponse, 0, len(items))
	for _, p := range items {
		out = append(out, productionResponse(p))
	}
	return out
}

func taskRunResponse(ex engine.ExecutedTask) TaskRunResponse {
	out := TaskRunResponse{
		TaskID:     ex.Task.ID,
		Department: string(ex.Task.Department),
		Type:       ex.Task.Type,
		Attempt:    ex.Task.Attempt,
		Round:      ex.Result.Round,
		Success:    ex.Result.Success,
		Provider:   ex.Result.Provider,
		Rating:     ex.Review.Rating,
		Status:     string(ex.Status),
		Feedback:   ex.Review.Feedback,
		Artifacts:  []string{},
		Blockers:   ex.Result.Blockers,
	}
	for _, a := range ex.Result.ProducedArtifacts {
		out.Artifacts = append(out.Artifacts, a.ID)
	}
	return out
}

func phaseRunResponse(res engine.PhaseResult, dels []domain.Deliverable) PhaseRunResponse {
	out := PhaseRunResponse{
		ProductionID: res.ProductionID,
		Phase:        string(res.Phase),
		Success:      res.Success,
		Summary:      res.Summary,
		Error:        res.Error,
		Blockers:     nonNilSlice(res.Blockers),
		Rounds:       nonNilSlice(res.Report.Rounds),
		Revisions:    nonNilSlice(res.Report.Revisions),
		Tasks:        []TaskRunResponse{},
		Risks:        nonNilSlice(res.Report.Risks),
		Milestones:   nonNilSlice(res.Report.Milestones),
		Exported:     res.Exported,
		Budget:       res.Dashboard.Budget,
		NextPhase:    string(res.Dashboard.NextPhase),
		Completed:    nonNilSlice(res.Dashboard.Completed),
		Deliverables: dels,
	}
	for _, ex := range res.Report.Executed {
		out.Tasks = append(out.Tasks, taskRunResponse(ex))
	}
	return out
}

func decisionResponse(o engine.DecisionOutcome) DecisionResponse {
	out := DecisionResponse{Decision: o.Decision, Updated: map[string]string{}}
	for id, s := range o.Updated {
		out.Updated[id] = string(s)
	}
	if o.Revision != nil {
		rev := taskRunResponse(*o.Revision)
		out.Revision = &rev
	}
	return out
}

func eventResponse(e domain.Event) EventResponse {
	out := EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		ProductionID: e.ProjectID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
	}
	if e.Payload != "" {
		var m map[string]any
		if err := json.Unmarshal([]byte(e.Payload), &m); err == nil {
			out.Payload = m
		}
	}
	return out
}

func providerResponse(d capability.Descriptor) ProviderResponse {
	out := ProviderResponse{ID: d.ID, Category: d.Category, Tier: string(d.Tier), Departments: []string{}, Actions: []string{}}
	if out.Tier == "" {
		out.Tier = string(domain.TierPrimary)
	}
	for _, dept := range d.Departments {
		out.Departments = append(out.Departments, string(dept))
	}
	for _, c := range d.Capabilities {
		out.Actions = append(out.Actions, string(c.Action))
	}
	sort.Strings(out.Actions)
	return out
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt}
}

func briefFromRequest(in StartProductionRequest) domain.Brief {
	b := domain.Brief{
		ProjectID: in.ID,
		Title:     in.Title,
		Logline:   in.Logline,
		Genre:     in.Genre,
		Format:    in.Format,
		Budget:    in.Budget,
		Notes:     in.Notes,
	}
	if len(in.Split) > 0 {
		b.Split = make(map[domain.Department]float64, len(in.Split))
		for d, v := range in.Split {
			b.Split[domain.Department(d)] = v
		}
	}
	return b
}

func phaseStatuses(outcomes []phase.Outcome, arts []repo.ArtifactRecord) []PhaseStatusResponse {
	counts := map[domain.Phase]int{}
	for _, a := range arts {
		counts[a.Phase]++
	}
	done := make(map[domain.Phase]phase.Outcome, len(outcomes))
	for _, o := range outcomes {
		done[o.Phase] = o
	}
	out := make([]PhaseStatusResponse, 0, len(domain.Phases()))
	next := true
	for _, ph := range domain.Phases() {
		st := PhaseStatusResponse{Phase: string(ph), State: "pending", Artifacts: counts[ph]}
		if o, ok := done[ph]; ok {
			success := o.Success
			st.State = "completed"
			st.Success = &success
			st.Summary = o.Summary
		} else if next {
			st.State = "next"
			next = false
		}
		out = append(out, st)
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
