// Package engine orchestrates productions and persists what they produce.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"studioline/internal/capability"
	"studioline/internal/config"
	"studioline/internal/domain"
	"studioline/internal/events"
	"studioline/internal/export"
	"studioline/internal/repo"
)

// Exporter uploads delivered artifacts.
type Exporter interface {
	Export(ctx context.Context, productionID string, ph domain.Phase, arts []domain.Artifact) ([]export.Object, error)
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	// Config seeds new productions; nil means config.Default.
	Config   *config.Config
	Now      func() time.Time
	Logger   *slog.Logger
	Exporter Exporter
	// Options are applied to every production runtime built by the engine.
	Options  []ProductionOption

	live *liveSet
}

type liveSet struct {
	mu sync.Mutex
	m  map[string]*Production
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
		live:   &liveSet{m: map[string]*Production{}},
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) runtimeOptions() []ProductionOption {
	opts := []ProductionOption{WithClock(e.now), WithLogger(e.logger())}
	return append(opts, e.Options...)
}

func (e Engine) cached(id string) (*Production, bool) {
	if e.live == nil {
		return nil, false
	}
	e.live.mu.Lock()
	defer e.live.mu.Unlock()
	p, ok := e.live.m[id]
	return p, ok
}

func (e Engine) remember(p *Production) {
	if e.live == nil {
		return
	}
	e.live.mu.Lock()
	e.live.m[p.ID()] = p
	e.live.mu.Unlock()
}

// forget drops a cached runtime so the next call rebuilds it from the database.
func (e Engine) forget(id string) {
	if e.live == nil {
		return
	}
	e.live.mu.Lock()
	delete(e.live.m, id)
	e.live.mu.Unlock()
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

// NewProductionID derives a readable unique id from a title.
func NewProductionID(title string) string {
	slug := strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(title), "-"), "-")
	if len(slug) > 32 {
		slug = strings.Trim(slug[:32], "-")
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if slug == "" {
		return "prod-" + suffix
	}
	return slug + "-" + suffix
}

func (e Engine) seedConfig(id string) (*config.Config, error) {
	if e.Config == nil {
		return config.Default(id), nil
	}
	// deep copy so productions never share a config
	data, err := json.Marshal(e.Config)
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.Project.ID = id
	return &cfg, nil
}

// StartProject creates a production from a brief: budget allocated, schedule
// laid out, agents ready for the first phase.
func (e Engine) StartProject(ctx context.Context, brief domain.Brief, actorID string) (domain.Production, error) {
	if strings.TrimSpace(brief.Title) == "" {
		return domain.Production{}, errors.New("title is required")
	}
	if brief.ProjectID == "" {
		brief.ProjectID = NewProductionID(brief.Title)
	}
	if _, err := e.Repo.GetProduction(ctx, brief.ProjectID); err == nil {
		return domain.Production{}, fmt.Errorf("%w: %s", ErrProductionExists, brief.ProjectID)
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Production{}, err
	}
	cfg, err := e.seedConfig(brief.ProjectID)
	if err != nil {
		return domain.Production{}, err
	}
	p, err := NewProduction(brief, cfg, e.runtimeOptions()...)
	if err != nil {
		return domain.Production{}, err
	}

	prod := domain.Production{
		ID:        brief.ProjectID,
		Title:     brief.Title,
		Logline:   brief.Logline,
		Genre:     brief.Genre,
		Format:    brief.Format,
		Status:    "active",
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	report := p.Ledger().GenerateReport()
	start, end := p.Ledger().Window()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Production{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProductionTx(ctx, tx, repo.ProductionRecord{
		Production:    prod,
		Brief:         brief,
		BudgetTotal:   report.Total,
		ScheduleStart: start,
		ScheduleEnd:   end,
	}); err != nil {
		return domain.Production{}, fmt.Errorf("insert production: %w", err)
	}
	if err := e.Repo.UpsertProductionConfigTx(ctx, tx, prod.ID, cfg); err != nil {
		return domain.Production{}, fmt.Errorf("insert production config: %w", err)
	}
	if err := e.Repo.UpsertAllocationsTx(ctx, tx, prod.ID, report.Allocations); err != nil {
		return domain.Production{}, fmt.Errorf("insert allocations: %w", err)
	}
	if err := e.Repo.UpsertMilestonesTx(ctx, tx, prod.ID, p.Ledger().Milestones()); err != nil {
		return domain.Production{}, fmt.Errorf("insert milestones: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:         events.ProductionStarted,
		ProductionID: prod.ID,
		EntityKind:   events.KindProduction,
		EntityID:     prod.ID,
		ActorID:      actorID,
		Payload:      events.EventPayload{"title": prod.Title, "budget": report.Total, "end": end.Format(config.DateLayout)},
	}); err != nil {
		return domain.Production{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Production{}, err
	}
	e.remember(p)
	e.logger().Info("production started", "production", prod.ID, "title", prod.Title, "budget", report.Total)
	return prod, nil
}

// Production returns the runtime of a production, rebuilding it from the
// database when this process has not loaded it yet.
func (e Engine) Production(ctx context.Context, id string) (*Production, error) {
	if p, ok := e.cached(id); ok {
		return p, nil
	}
	rec, err := e.Repo.GetProductionRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	cfg, err := e.Repo.GetProductionConfig(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	snap := Snapshot{BudgetTotal: rec.BudgetTotal, ScheduleStart: rec.ScheduleStart, ScheduleEnd: rec.ScheduleEnd}
	if snap.Allocations, err = e.Repo.ListAllocations(ctx, id); err != nil {
		return nil, err
	}
	if snap.Expenses, err = e.Repo.ListExpenses(ctx, id); err != nil {
		return nil, err
	}
	if snap.Milestones, err = e.Repo.ListMilestones(ctx, id); err != nil {
		return nil, err
	}
	if snap.Risks, err = e.Repo.ListRisks(ctx, id); err != nil {
		return nil, err
	}
	if snap.Tasks, err = e.Repo.ListTaskRecords(ctx, id); err != nil {
		return nil, err
	}
	if snap.Reviews, err = e.Repo.ListReviews(ctx, id); err != nil {
		return nil, err
	}
	if snap.Outcomes, err = e.Repo.ListPhaseOutcomes(ctx, id); err != nil {
		return nil, err
	}
	arts, err := e.Repo.ListArtifacts(ctx, id, "")
	if err != nil {
		return nil, err
	}
	snap.Statuses = map[string]domain.DeliverableStatus{}
	for _, a := range arts {
		if a.Status != "" {
			snap.Statuses[a.Artifact.ID] = a.Status
		}
	}
	rec.Brief.ProjectID = id
	p, err := RestoreProduction(rec.Brief, cfg, snap, e.runtimeOptions()...)
	if err != nil {
		return nil, fmt.Errorf("restore %s: %w", id, err)
	}
	e.remember(p)
	return p, nil
}

// PhaseResult is what RunPhase reports to callers.
type PhaseResult struct {
	ProductionID string          `json:"production_id"`
	Phase        domain.Phase    `json:"phase"`
	Success      bool            `json:"success"`
	Summary      string          `json:"summary"`
	Error        string          `json:"error,omitempty"`
	Blockers     []string        `json:"blockers,omitempty"`
	Report       PhaseReport     `json:"report"`
	Exported     []export.Object `json:"exported,omitempty"`
	Dashboard    Dashboard       `json:"dashboard"`
}

// RunPhase runs the next phase of a production and persists its outcome.
func (e Engine) RunPhase(ctx context.Context, id string, ph domain.Phase, actorID string) (PhaseResult, error) {
	if _, err := domain.ParsePhase(string(ph)); err != nil {
		return PhaseResult{}, err
	}
	p, err := e.Production(ctx, id)
	if err != nil {
		return PhaseResult{}, err
	}
	rep, err := p.RunPhase(ctx, ph)
	if err != nil {
		return PhaseResult{}, err
	}
	if err := e.persistPhase(ctx, p, rep, actorID); err != nil {
		e.forget(id)
		return PhaseResult{}, fmt.Errorf("persist %s: %w", ph, err)
	}
	res := PhaseResult{
		ProductionID: id,
		Phase:        ph,
		Success:      rep.Success,
		Summary:      rep.Summary,
		Error:        rep.Error,
		Blockers:     rep.Blockers(),
		Report:       rep,
	}
	if ph == domain.PhaseDelivery && e.Exporter != nil {
		objs, err := e.exportDelivery(ctx, p, actorID)
		if err != nil {
			e.logger().Warn("delivery export failed", "production", id, "error", err)
			res.Error = strings.TrimPrefix(res.Error+"; export: "+err.Error(), "; ")
		}
		res.Exported = objs
	}
	res.Dashboard = p.Dashboard()
	return res, nil
}

func (e Engine) persistPhase(ctx context.Context, p *Production, rep PhaseReport, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.persistActivity(ctx, tx, p, rep, actorID); err != nil {
		return err
	}
	status := ""
	if rep.Phase == domain.PhaseDelivery {
		status = "delivered"
	}
	if err := e.Repo.UpdateProductionPhaseTx(ctx, tx, p.ID(), rep.Phase, status); err != nil {
		return err
	}
	outcomes := p.machine.Completed()
	if err := e.Repo.InsertPhaseOutcomeTx(ctx, tx, p.ID(), outcomes[len(outcomes)-1]); err != nil {
		return err
	}
	evt := events.PhaseCompleted
	if !rep.Success {
		evt = events.PhaseFailed
	}
	if err := e.Events.Append(ctx, tx, events.Record{
		Type:         evt,
		ProductionID: p.ID(),
		EntityKind:   events.KindPhase,
		EntityID:     string(rep.Phase),
		ActorID:      actorID,
		Payload: events.EventPayload{
			"summary":   rep.Summary,
			"rounds":    rep.Rounds,
			"revisions": len(rep.Revisions),
			"stalled":   rep.Stalled,
			"error":     rep.Error,
		},
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// persistActivity writes the task attempts, ledger changes, milestones, risks
// and handoffs of a report.
func (e Engine) persistActivity(ctx context.Context, tx *sql.Tx, p *Production, rep PhaseReport, actorID string) error {
	id := p.ID()
	var recs []events.Record
	for _, ex := range rep.Executed {
		for _, a := range ex.Result.ProducedArtifacts {
			if err := e.Repo.InsertArtifactTx(ctx, tx, id, repo.ArtifactRecord{Artifact: a, Phase: ex.Phase, Status: ex.Status}); err != nil {
				return fmt.Errorf("artifact %s: %w", a.ID, err)
			}
			recs = append(recs, events.Record{Type: events.ArtifactCreated, ProductionID: id, EntityKind: events.KindArtifact, EntityID: a.ID, ActorID: actorID,
				Payload: events.EventPayload{"type": a.Type, "name": a.Name, "version": a.Version, "department": a.Department, "task_id": a.TaskID}})
		}
		if err := e.Repo.InsertTaskResultTx(ctx, tx, id, repo.TaskRecord{Phase: ex.Phase, Task: ex.Task, Result: ex.Result}); err != nil {
			return fmt.Errorf("task result %s: %w", ex.Task.ID, err)
		}
		if err := e.Repo.UpsertReviewTx(ctx, tx, id, ex.Review); err != nil {
			return fmt.Errorf("review %s: %w", ex.Task.ID, err)
		}
		evt := events.TaskCompleted
		switch {
		case len(ex.Result.Blockers) > 0:
			evt = events.TaskBlocked
		case !ex.Result.Success:
			evt = events.TaskFailed
		}
		recs = append(recs,
			events.Record{Type: evt, ProductionID: id, EntityKind: events.KindTask, EntityID: ex.Task.ID, ActorID: actorID,
				Payload: events.EventPayload{"department": ex.Result.Department, "provider": ex.Result.Provider, "quality": ex.Result.QualityScore,
					"round": ex.Result.Round, "attempt": ex.Task.Attempt, "blockers": ex.Result.Blockers, "feedback": ex.Result.Feedback}},
			events.Record{Type: events.ReviewRecorded, ProductionID: id, EntityKind: events.KindTask, EntityID: ex.Task.ID, ActorID: actorID,
				Payload: events.EventPayload{"rating": ex.Review.Rating, "approved": ex.Review.Approved, "revision_required": ex.Review.RevisionRequired, "feedback": ex.Review.Feedback}},
		)
	}
	for _, revID := range rep.Revisions {
		recs = append(recs, events.Record{Type: events.RevisionQueued, ProductionID: id, EntityKind: events.KindTask, EntityID: revID, ActorID: actorID})
	}
	for _, h := range rep.Handoffs {
		recs = append(recs, events.Record{Type: events.HandoffSent, ProductionID: id, EntityKind: events.KindProduction, EntityID: id, ActorID: actorID,
			Payload: events.EventPayload{"from": h.Request.From, "to": h.Request.To, "artifacts": h.Request.ArtifactIDs, "accepted": h.Response.Approved, "feedback": h.Response.Feedback}})
	}
	for _, exp := range rep.Expenses {
		if err := e.Repo.InsertExpenseTx(ctx, tx, id, exp); err != nil {
			return fmt.Errorf("expense: %w", err)
		}
		recs = append(recs, events.Record{Type: events.ExpenseRecorded, ProductionID: id, EntityKind: events.KindExpense, EntityID: exp.ID, ActorID: actorID,
			Payload: events.EventPayload{"department": exp.Department, "amount": exp.Amount, "description": exp.Description}})
	}
	if err := e.Repo.UpsertAllocationsTx(ctx, tx, id, p.Ledger().GenerateReport().Allocations); err != nil {
		return fmt.Errorf("allocations: %w", err)
	}
	if err := e.Repo.UpsertMilestonesTx(ctx, tx, id, p.Ledger().Milestones()); err != nil {
		return fmt.Errorf("milestones: %w", err)
	}
	for _, m := range rep.Milestones {
		recs = append(recs, events.Record{Type: events.MilestoneCompleted, ProductionID: id, EntityKind: events.KindMilestone, EntityID: m, ActorID: actorID})
	}
	for _, r := range rep.Risks {
		if err := e.Repo.InsertRiskTx(ctx, tx, id, r); err != nil {
			return fmt.Errorf("risk: %w", err)
		}
		recs = append(recs, events.Record{Type: events.RiskRaised, ProductionID: id, EntityKind: events.KindRisk, EntityID: r.ID, ActorID: actorID,
			Payload: events.EventPayload{"kind": r.Kind, "department": r.Department, "subject": r.Subject, "message": r.Message, "severity": r.Severity}})
	}
	return e.Events.AppendAll(ctx, tx, recs)
}

func (e Engine) exportDelivery(ctx context.Context, p *Production, actorID string) ([]export.Object, error) {
	var arts []domain.Artifact
	for _, d := range p.Deliverables(domain.PhaseDelivery) {
		if d.Status != domain.DeliverableApproved || d.ArtifactID == "" {
			continue
		}
		if a, ok := p.Store().Get(d.ArtifactID); ok {
			arts = append(arts, a)
		}
	}
	if len(arts) == 0 {
		return nil, nil
	}
	objs, err := e.Exporter.Export(ctx, p.ID(), domain.PhaseDelivery, arts)
	if len(objs) > 0 {
		keys := make([]string, 0, len(objs))
		for _, o := range objs {
			keys = append(keys, o.Key)
		}
		tx, txErr := e.DB.BeginTx(ctx, nil)
		if txErr != nil {
			return objs, txErr
		}
		defer tx.Rollback()
		if aerr := e.Events.Append(ctx, tx, events.Record{Type: events.DeliveryExported, ProductionID: p.ID(), EntityKind: events.KindPhase,
			EntityID: string(domain.PhaseDelivery), ActorID: actorID, Payload: events.EventPayload{"keys": keys}}); aerr != nil {
			return objs, aerr
		}
		if cerr := tx.Commit(); cerr != nil {
			return objs, cerr
		}
	}
	return objs, err
}

// GetDeliverables lists the deliverables of one phase.
func (e Engine) GetDeliverables(ctx context.Context, id string, ph domain.Phase) ([]domain.Deliverable, error) {
	if _, err := domain.ParsePhase(string(ph)); err != nil {
		return nil, err
	}
	p, err := e.Production(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Deliverables(ph), nil
}

// MakeDecision records a human decision on a deliverable and persists any revision it triggers.
func (e Engine) MakeDecision(ctx context.Context, id string, d domain.Decision) (DecisionOutcome, error) {
	if strings.TrimSpace(d.Subject) == "" {
		return DecisionOutcome{}, errors.New("subject is required")
	}
	if d.DeciderID == "" {
		return DecisionOutcome{}, errors.New("decider is required")
	}
	p, err := e.Production(ctx, id)
	if err != nil {
		return DecisionOutcome{}, err
	}
	d.ID = uuid.NewString()
	d.ProjectID = id
	d.CreatedAt = e.now().UTC().Format(time.RFC3339)
	out, err := p.Decide(ctx, d)
	if err != nil {
		return DecisionOutcome{}, err
	}

	persist := func() error {
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
			return err
		}
		for artID, status := range out.Updated {
			if err := e.Repo.UpdateArtifactStatusTx(ctx, tx, id, artID, status); err != nil {
				return fmt.Errorf("artifact %s: %w", artID, err)
			}
		}
		if err := e.persistActivity(ctx, tx, p, out.Report, d.DeciderID); err != nil {
			return err
		}
		if err := e.Events.Append(ctx, tx, events.Record{
			Type:         events.DecisionRecorded,
			ProductionID: id,
			EntityKind:   events.KindDecision,
			EntityID:     d.ID,
			ActorID:      d.DeciderID,
			Payload:      events.EventPayload{"type": d.Type, "subject": d.Subject, "details": d.Details, "updated": out.Updated},
		}); err != nil {
			return err
		}
		return tx.Commit()
	}
	if err := persist(); err != nil {
		e.forget(id)
		return DecisionOutcome{}, fmt.Errorf("persist decision: %w", err)
	}
	return out, nil
}

// Report returns the production dashboard.
func (e Engine) Report(ctx context.Context, id string) (Dashboard, error) {
	p, err := e.Production(ctx, id)
	if err != nil {
		return Dashboard{}, err
	}
	return p.Dashboard(), nil
}

// Providers lists the providers registered for a production.
func (e Engine) Providers(ctx context.Context, id string) ([]capability.Descriptor, error) {
	p, err := e.Production(ctx, id)
	if err != nil {
		return nil, err
	}
	return p.Providers(), nil
}

// DeleteProduction removes a production and everything recorded for it.
func (e Engine) DeleteProduction(ctx context.Context, id string) error {
	if err := e.Repo.DeleteProduction(ctx, id); err != nil {
		return err
	}
	e.forget(id)
	e.logger().Info("production deleted", "production", id)
	return nil
}

// UpdateConfig replaces a production's config. The runtime is rebuilt with it on next use.
func (e Engine) UpdateConfig(ctx context.Context, id string, cfg *config.Config, actorID string) error {
	if _, err := e.Repo.GetProduction(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertProductionConfigTx(ctx, tx, id, cfg); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, events.Record{Type: events.ConfigUpdated, ProductionID: id, EntityKind: events.KindProduction, EntityID: id, ActorID: actorID}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.forget(id)
	return nil
}
