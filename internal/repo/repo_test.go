package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/domain"
	"studioline/internal/migrate"
	"studioline/internal/phase"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func seedProduction(t *testing.T, r Repo, id string) {
	t.Helper()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	err := r.InsertProductionTx(context.Background(), nil, ProductionRecord{
		Production:    domain.Production{ID: id, Title: "Night Train", Genre: "thriller"},
		Brief:         domain.Brief{Title: "Night Train", Budget: 5000},
		BudgetTotal:   5000,
		ScheduleStart: start,
		ScheduleEnd:   start.AddDate(0, 0, 90),
	})
	if err != nil {
		t.Fatalf("insert production: %v", err)
	}
}

func TestProductionRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProduction(t, r, "p1")

	rec, err := r.GetProductionRecord(ctx, "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Production.Status != "active" || rec.BudgetTotal != 5000 || rec.Brief.Title != "Night Train" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec.ScheduleEnd.Sub(rec.ScheduleStart) != 90*24*time.Hour {
		t.Fatalf("schedule window lost: %v..%v", rec.ScheduleStart, rec.ScheduleEnd)
	}
	if err := r.UpdateProductionPhaseTx(ctx, nil, "p1", domain.PhaseDevelopment, ""); err != nil {
		t.Fatalf("update phase: %v", err)
	}
	p, _ := r.GetProduction(ctx, "p1")
	if p.CurrentPhase != string(domain.PhaseDevelopment) {
		t.Fatalf("phase %q", p.CurrentPhase)
	}
	if _, err := r.GetProduction(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	single, err := r.SingleProduction(ctx)
	if err != nil || single.ID != "p1" {
		t.Fatalf("single production %v %v", single, err)
	}
	seedProduction(t, r, "p2")
	if _, err := r.SingleProduction(ctx); err == nil {
		t.Fatalf("expected ambiguity error")
	}
}

func TestProductionConfigRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProduction(t, r, "p1")
	if err := r.UpsertProductionConfig(ctx, "p1", config.Default("ignored")); err != nil {
		t.Fatalf("upsert config: %v", err)
	}
	cfg, err := r.GetProductionConfig(ctx, "p1")
	if err != nil {
		t.Fatalf("get config: %v", err)
	}
	if cfg.Project.ID != "p1" || len(cfg.Providers) == 0 {
		t.Fatalf("config not restored: %+v", cfg.Project)
	}
}

func TestArtifactsAndTaskRecords(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProduction(t, r, "p1")
	art := domain.Artifact{ID: "a1", Type: "script", Name: "Script", Department: domain.DeptWriting, Version: 1,
		Payload: map[string]any{"content": "INT. TRAIN"}, CreatedBy: "writing", TaskID: "p1/script", CreatedAt: time.Now().UTC()}
	if err := r.InsertArtifactTx(ctx, nil, "p1", ArtifactRecord{Artifact: art, Phase: domain.PhaseDevelopment, Status: domain.DeliverableApproved}); err != nil {
		t.Fatalf("insert artifact: %v", err)
	}
	task := domain.Task{ID: "p1/script", Department: domain.DeptWriting, Type: "script", Phase: domain.PhaseDevelopment, Inputs: map[string]any{"prompt": "x"}}
	res := domain.TaskResult{TaskID: task.ID, Department: domain.DeptWriting, Success: true, QualityScore: 0.8, ProducedArtifacts: []domain.Artifact{art}, Round: 1}
	if err := r.InsertTaskResultTx(ctx, nil, "p1", TaskRecord{Phase: domain.PhaseDevelopment, Task: task, Result: res}); err != nil {
		t.Fatalf("insert result: %v", err)
	}
	recs, err := r.ListTaskRecords(ctx, "p1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("records %v %v", recs, err)
	}
	if got := recs[0].Result.ProducedArtifacts; len(got) != 1 || got[0].Payload["content"] != "INT. TRAIN" {
		t.Fatalf("artifacts not reattached: %+v", got)
	}
	if err := r.UpdateArtifactStatusTx(ctx, nil, "p1", "a1", domain.DeliverableRejected); err != nil {
		t.Fatalf("update status: %v", err)
	}
	arts, _ := r.ListArtifacts(ctx, "p1", domain.PhaseDevelopment)
	if len(arts) != 1 || arts[0].Status != domain.DeliverableRejected {
		t.Fatalf("status not updated: %+v", arts)
	}
	if err := r.UpdateArtifactStatusTx(ctx, nil, "p1", "nope", domain.DeliverableApproved); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestLedgerTables(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProduction(t, r, "p1")
	allocs := []domain.BudgetAllocation{{Department: domain.DeptWriting, Allocated: 100, Remaining: 100}}
	if err := r.UpsertAllocationsTx(ctx, nil, "p1", allocs); err != nil {
		t.Fatal(err)
	}
	allocs[0].Spent, allocs[0].Remaining = 130, -30
	if err := r.UpsertAllocationsTx(ctx, nil, "p1", allocs); err != nil {
		t.Fatal(err)
	}
	got, _ := r.ListAllocations(ctx, "p1")
	if len(got) != 1 || got[0].Remaining != -30 {
		t.Fatalf("allocations %+v", got)
	}

	now := time.Now().UTC()
	if err := r.InsertExpenseTx(ctx, nil, "p1", domain.Expense{ID: "e1", Department: domain.DeptWriting, Amount: 130, RecordedAt: now}); err != nil {
		t.Fatal(err)
	}
	exps, _ := r.ListExpenses(ctx, "p1")
	if len(exps) != 1 || exps[0].Amount != 130 {
		t.Fatalf("expenses %+v", exps)
	}

	m := domain.Milestone{ID: "lock", Name: "Script locked", DueDate: now.AddDate(0, 0, 5), RequiredArtifacts: []string{"script"}}
	if err := r.UpsertMilestonesTx(ctx, nil, "p1", []domain.Milestone{m}); err != nil {
		t.Fatal(err)
	}
	m.Completed, m.CompletedAt = true, &now
	if err := r.UpsertMilestonesTx(ctx, nil, "p1", []domain.Milestone{m}); err != nil {
		t.Fatal(err)
	}
	ms, _ := r.ListMilestones(ctx, "p1")
	if len(ms) != 1 || !ms[0].Completed || ms[0].CompletedAt == nil || ms[0].RequiredArtifacts[0] != "script" {
		t.Fatalf("milestones %+v", ms)
	}

	if err := r.InsertRiskTx(ctx, nil, "p1", domain.Risk{ID: "r1", Kind: domain.RiskBudget, Department: domain.DeptWriting, Message: "over", Severity: "high", RaisedAt: now}); err != nil {
		t.Fatal(err)
	}
	risks, _ := r.ListRisks(ctx, "p1")
	if len(risks) != 1 || risks[0].Kind != domain.RiskBudget {
		t.Fatalf("risks %+v", risks)
	}
}

func TestPhaseOutcomesOrdered(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedProduction(t, r, "p1")
	for _, o := range []phase.Outcome{{Phase: domain.PhasePreProduction, Success: true}, {Phase: domain.PhaseDevelopment, Success: true}} {
		if err := r.InsertPhaseOutcomeTx(ctx, nil, "p1", o); err != nil {
			t.Fatal(err)
		}
	}
	out, _ := r.ListPhaseOutcomes(ctx, "p1")
	if len(out) != 2 || out[0].Phase != domain.PhaseDevelopment {
		t.Fatalf("outcomes %+v", out)
	}
}

func TestAPIKeys(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	key, plain, err := r.CreateAPIKey(ctx, "producer", "ci")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	got, err := r.GetAPIKeyByHash(ctx, HashAPIKey(plain))
	if err != nil || got.ID != key.ID || got.ActorID != "producer" {
		t.Fatalf("lookup %+v %v", got, err)
	}
	if err := r.DeleteAPIKey(ctx, key.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey(plain)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
