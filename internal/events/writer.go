// Package events appends to the production activity feed.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine.
const (
	ProductionStarted  = "production.started"
	PhaseCompleted     = "phase.completed"
	PhaseFailed        = "phase.failed"
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
	TaskBlocked        = "task.blocked"
	ReviewRecorded     = "review.recorded"
	RevisionQueued     = "revision.queued"
	ArtifactCreated    = "artifact.created"
	HandoffSent        = "handoff.sent"
	ExpenseRecorded    = "expense.recorded"
	MilestoneCompleted = "milestone.completed"
	RiskRaised         = "risk.raised"
	DecisionRecorded   = "decision.recorded"
	DeliveryExported   = "delivery.exported"
	ConfigUpdated      = "config.updated"
)

// Entity kinds.
const (
	KindProduction = "production"
	KindPhase      = "phase"
	KindTask       = "task"
	KindArtifact   = "artifact"
	KindMilestone  = "milestone"
	KindRisk       = "risk"
	KindDecision   = "decision"
	KindExpense    = "expense"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Record is one feed entry. ProductionID and EntityID may be empty.
type Record struct {
	Type         string
	ProductionID string
	EntityKind   string
	EntityID     string
	ActorID      string
	Payload      EventPayload
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, rec Record) error {
	if rec.Type == "" || rec.EntityKind == "" {
		return fmt.Errorf("event type and entity kind required")
	}
	now := w.Now
	if now == nil {
		now = time.Now
	}
	if rec.Payload == nil {
		rec.Payload = EventPayload{}
	}
	if rec.ActorID == "" {
		rec.ActorID = "system"
	}
	data, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339Nano), rec.Type, nullable(rec.ProductionID), rec.EntityKind, nullable(rec.EntityID), rec.ActorID, string(data))
	return err
}

// AppendAll writes records in order, stopping at the first failure.
func (w Writer) AppendAll(ctx context.Context, tx *sql.Tx, recs []Record) error {
	for _, rec := range recs {
		if err := w.Append(ctx, tx, rec); err != nil {
			return fmt.Errorf("append %s: %w", rec.Type, err)
		}
	}
	return nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
