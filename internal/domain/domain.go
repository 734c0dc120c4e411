package domain

import (
	"fmt"
	"time"
)

// Department identifies a production department and the agent serving it.
type Department string

const (
	DeptWriting          Department = "writing"
	DeptDirection        Department = "direction"
	DeptCinematography   Department = "cinematography"
	DeptAudio            Department = "audio"
	DeptEditing          Department = "editing"
	DeptProductionDesign Department = "production-design"
	DeptProduction       Department = "production"
)

var departments = []Department{
	DeptWriting,
	DeptDirection,
	DeptCinematography,
	DeptAudio,
	DeptEditing,
	DeptProductionDesign,
	DeptProduction,
}

// Departments returns every department in a stable order.
func Departments() []Department {
	out := make([]Department, len(departments))
	copy(out, departments)
	return out
}

func ParseDepartment(s string) (Department, error) {
	for _, d := range departments {
		if string(d) == s {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown department %q", s)
}

// Phase is one stage of the production lifecycle.
type Phase string

const (
	PhaseDevelopment    Phase = "development"
	PhasePreProduction  Phase = "pre-production"
	PhaseProduction     Phase = "production"
	PhasePostProduction Phase = "post-production"
	PhaseDelivery       Phase = "delivery"
)

var phases = []Phase{
	PhaseDevelopment,
	PhasePreProduction,
	PhaseProduction,
	PhasePostProduction,
	PhaseDelivery,
}

// Phases returns the lifecycle phases in execution order.
func Phases() []Phase {
	out := make([]Phase, len(phases))
	copy(out, phases)
	return out
}

// Index returns the position of the phase in the lifecycle, or -1.
func (p Phase) Index() int {
	for i, ph := range phases {
		if ph == p {
			return i
		}
	}
	return -1
}

func ParsePhase(s string) (Phase, error) {
	p := Phase(s)
	if p.Index() < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Tier orders providers; lower rank is preferred.
type Tier string

const (
	TierPrimary   Tier = "primary"
	TierSecondary Tier = "secondary"
	TierTertiary  Tier = "tertiary"
)

// Rank orders tiers; an unset tier ranks as primary.
func (t Tier) Rank() int {
	switch t {
	case TierPrimary, "":
		return 0
	case TierSecondary:
		return 1
	case TierTertiary:
		return 2
	default:
		return 3
	}
}

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierPrimary, TierSecondary, TierTertiary:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("unknown tier %q", s)
	}
}

type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentWorking AgentStatus = "working"
	AgentBlocked AgentStatus = "blocked"
	AgentError   AgentStatus = "error"
)

// CanTransition reports whether an agent may move from one status to another.
func CanTransition(from, to AgentStatus) bool {
	switch from {
	case AgentIdle, AgentBlocked, AgentError:
		return to == AgentWorking
	case AgentWorking:
		return to == AgentIdle || to == AgentBlocked || to == AgentError
	default:
		return false
	}
}

// Task is a unit of departmental work. Tasks are immutable once submitted.
type Task struct {
	ID                string         `json:"id"`
	ProjectID         string         `json:"project_id,omitempty"`
	Phase             Phase          `json:"phase,omitempty"`
	Department        Department     `json:"department"`
	Type              string         `json:"type"`
	Name              string         `json:"name,omitempty"`
	Priority          int            `json:"priority"`
	Inputs            map[string]any `json:"inputs,omitempty"`
	Dependencies      []string       `json:"dependencies,omitempty"`
	RequiredArtifacts []string       `json:"required_artifacts,omitempty"`
	RevisionOf        string         `json:"revision_of,omitempty"`
	Attempt           int            `json:"attempt"`
}

// Clone returns a copy that shares no slices or maps with t.
func (t Task) Clone() Task {
	c := t
	if t.Inputs != nil {
		c.Inputs = make(map[string]any, len(t.Inputs))
		for k, v := range t.Inputs {
			c.Inputs[k] = v
		}
	}
	c.Dependencies = append([]string(nil), t.Dependencies...)
	c.RequiredArtifacts = append([]string(nil), t.RequiredArtifacts...)
	return c
}

type TaskResult struct {
	TaskID            string     `json:"task_id"`
	Department        Department `json:"department"`
	Success           bool       `json:"success"`
	ProducedArtifacts []Artifact `json:"produced_artifacts"`
	QualityScore      float64    `json:"quality_score"`
	DurationMs        int64      `json:"duration_ms"`
	Blockers          []string   `json:"blockers,omitempty"`
	Feedback          string     `json:"feedback,omitempty"`
	Notes             []string   `json:"notes,omitempty"`
	Provider          string     `json:"provider,omitempty"`
	CreditsUsed       float64    `json:"credits_used"`
	Round             int        `json:"round"`
}

// Artifact is an immutable output. Revisions are new artifacts with a higher version.
type Artifact struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Name         string         `json:"name"`
	Department   Department     `json:"department"`
	Payload      map[string]any `json:"payload,omitempty"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
	CreatedBy    string         `json:"created_by"`
	TaskID       string         `json:"task_id,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

type BudgetAllocation struct {
	Department Department `json:"department"`
	Allocated  float64    `json:"allocated"`
	Spent      float64    `json:"spent"`
	Remaining  float64    `json:"remaining"`
}

type Expense struct {
	ID          string     `json:"id"`
	Department  Department `json:"department"`
	Amount      float64    `json:"amount"`
	Description string     `json:"description"`
	RecordedAt  time.Time  `json:"recorded_at"`
}

type Milestone struct {
	ID                string     `json:"id"`
	Name              string     `json:"name"`
	Phase             Phase      `json:"phase,omitempty"`
	DueDate           time.Time  `json:"due_date"`
	RequiredArtifacts []string   `json:"required_artifacts,omitempty"`
	Completed         bool       `json:"completed"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
}

type Review struct {
	TaskID           string `json:"task_id"`
	Approved         bool   `json:"approved"`
	Rating           int    `json:"rating"`
	Feedback         string `json:"feedback"`
	RevisionRequired bool   `json:"revision_required"`
	RevisionNotes    string `json:"revision_notes,omitempty"`
}

type RiskKind string

const (
	RiskBudget   RiskKind = "budget"
	RiskSchedule RiskKind = "schedule"
	RiskQuality  RiskKind = "quality"
	RiskWorkflow RiskKind = "workflow"
)

type Risk struct {
	ID         string     `json:"id"`
	Kind       RiskKind   `json:"kind"`
	Department Department `json:"department,omitempty"`
	Subject    string     `json:"subject,omitempty"`
	Message    string     `json:"message"`
	Severity   string     `json:"severity" enum:"low,medium,high"`
	RaisedAt   time.Time  `json:"raised_at"`
}

type CollaborationType string

const (
	CollabHandoff  CollaborationType = "handoff"
	CollabFeedback CollaborationType = "feedback"
	CollabApproval CollaborationType = "approval"
	CollabResource CollaborationType = "resource"
)

type CollaborationRequest struct {
	From        Department        `json:"from"`
	To          Department        `json:"to"`
	Type        CollaborationType `json:"type"`
	ArtifactIDs []string          `json:"artifact_ids,omitempty"`
	Message     string            `json:"message,omitempty"`
}

type CollaborationResponse struct {
	From     Department `json:"from"`
	Approved bool       `json:"approved"`
	Feedback string     `json:"feedback"`
}

// Brief is the creative input a production starts from.
type Brief struct {
	ProjectID string                 `json:"project_id,omitempty"`
	Title     string                 `json:"title"`
	Logline   string                 `json:"logline,omitempty"`
	Genre     string                 `json:"genre,omitempty"`
	Format    string                 `json:"format,omitempty"`
	Budget    float64                `json:"budget,omitempty"`
	Split     map[Department]float64 `json:"split,omitempty"`
	Notes     string                 `json:"notes,omitempty"`
}

type Production struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Logline      string `json:"logline,omitempty"`
	Genre        string `json:"genre,omitempty"`
	Format       string `json:"format,omitempty"`
	Status       string `json:"status" enum:"active,delivered"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at" format:"date-time"`
}

type DeliverableStatus string

const (
	DeliverablePending          DeliverableStatus = "pending"
	DeliverableApproved         DeliverableStatus = "approved"
	DeliverableRevisionRequired DeliverableStatus = "revision-required"
	DeliverableRejected         DeliverableStatus = "rejected"
	DeliverableFailed           DeliverableStatus = "failed"
)

type Deliverable struct {
	ArtifactID string            `json:"artifact_id"`
	TaskID     string            `json:"task_id"`
	Type       string            `json:"type"`
	Name       string            `json:"name"`
	Department Department        `json:"department"`
	Phase      Phase             `json:"phase"`
	Version    int               `json:"version"`
	Rating     int               `json:"rating"`
	Status     DeliverableStatus `json:"status"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
}

type DecisionType string

const (
	DecisionApprove DecisionType = "approve"
	DecisionReject  DecisionType = "reject"
	DecisionModify  DecisionType = "modify"
)

type Decision struct {
	ID        string       `json:"id"`
	ProjectID string       `json:"project_id"`
	Type      DecisionType `json:"type" enum:"approve,reject,modify"`
	Subject   string       `json:"subject"`
	Details   string       `json:"details,omitempty"`
	DeciderID string       `json:"decider_id"`
	CreatedAt string       `json:"created_at"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
