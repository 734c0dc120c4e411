package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"studioline/internal/config"
	"studioline/internal/db"
	"studioline/internal/domain"
	"studioline/internal/engine"
	"studioline/internal/events"
	"studioline/internal/export"
	"studioline/internal/migrate"
	"studioline/internal/phase"
	"studioline/internal/repo"
)

const testConfig = `project:
  id: template
  kind: creative-production
budget:
  total: 100000
  cost_per_credit: 10
  split:
    writing: 5000
    direction: 10000
schedule:
  start: "2025-01-01"
  duration_days: 90
  milestones:
    - id: script-locked
      phase: development
      due_in_days: 14
      requires: [script]
review:
  threshold: 7
  max_revisions: 2
execution:
  max_parallel: 2
providers:
  - id: pen
    departments: [writing, direction, production]
    category: text
    tier: primary
    quality: %s
    credits: 2
    capabilities:
      - action: generate-text
      - action: plan
phases:
  development:
    - id: script
      department: writing
      type: script
      name: "{{.Title}} screenplay"
      priority: 10
      inputs:
        prompt: "Write {{.Title}}"
    - id: vision
      department: direction
      type: vision
      name: "{{.Title}} vision"
      priority: 8
      depends_on: [script]
      requires: [script]
  pre-production:
    - id: schedule
      department: production
      type: schedule
      name: Shooting schedule
  production: []
  post-production: []
  delivery:
    - id: deliverables-package
      department: production
      type: deliverables-package
      name: Delivery package
`

var day0 = time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T, quality string) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg, err := config.FromYAML([]byte(fmt.Sprintf(testConfig, quality)))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return day0 }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) start(t *testing.T) string {
	t.Helper()
	prod, err := env.Engine.StartProject(env.Ctx, domain.Brief{ProjectID: "film", Title: "Night Shift", Logline: "A cab driver sees too much", Genre: "thriller"}, "director")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	return prod.ID
}

func TestDevelopmentPhaseEndToEnd(t *testing.T) {
	env := newTestEnv(t, "0.9")
	id := env.start(t)

	res, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director")
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %s (%s)", res.Summary, res.Error)
	}
	want := [][]string{{"film/script"}, {"film/vision"}}
	if fmt.Sprint(res.Report.Rounds) != fmt.Sprint(want) {
		t.Fatalf("rounds = %v, want %v", res.Report.Rounds, want)
	}
	if len(res.Report.Handoffs) != 1 || res.Report.Handoffs[0].Request.To != domain.DeptDirection {
		t.Fatalf("expected one handoff to direction, got %+v", res.Report.Handoffs)
	}

	dels, err := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if err != nil {
		t.Fatalf("deliverables: %v", err)
	}
	if len(dels) != 2 {
		t.Fatalf("expected 2 deliverables, got %d", len(dels))
	}
	for _, d := range dels {
		if d.Status != domain.DeliverableApproved || d.Rating != 9 {
			t.Fatalf("unexpected deliverable %+v", d)
		}
	}

	report, err := env.Engine.Report(env.Ctx, id)
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if !report.Budget.OnTrack || report.Budget.Spent != 40 {
		t.Fatalf("budget = %+v", report.Budget)
	}
	if report.CurrentPhase != domain.PhaseDevelopment || report.NextPhase != domain.PhasePreProduction {
		t.Fatalf("phases = %s -> %s", report.CurrentPhase, report.NextPhase)
	}
	if len(report.Milestones) != 1 || !report.Milestones[0].Completed {
		t.Fatalf("script milestone not completed: %+v", report.Milestones)
	}

	prod, err := env.Engine.Repo.GetProduction(env.Ctx, id)
	if err != nil {
		t.Fatalf("get production: %v", err)
	}
	if prod.CurrentPhase != string(domain.PhaseDevelopment) {
		t.Fatalf("persisted phase = %q", prod.CurrentPhase)
	}
	arts, err := env.Engine.Repo.ListArtifacts(env.Ctx, id, domain.PhaseDevelopment)
	if err != nil || len(arts) != 2 {
		t.Fatalf("persisted artifacts = %d, %v", len(arts), err)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 1, repo.EventFilter{ProductionID: id})
	if err != nil || len(evts) != 1 || evts[0].Type != events.PhaseCompleted {
		t.Fatalf("latest event = %+v, %v", evts, err)
	}
}

func TestStartProjectRejectsDuplicateAndDerivesID(t *testing.T) {
	env := newTestEnv(t, "0.9")
	env.start(t)
	_, err := env.Engine.StartProject(env.Ctx, domain.Brief{ProjectID: "film", Title: "Again"}, "director")
	if !errors.Is(err, engine.ErrProductionExists) {
		t.Fatalf("expected ErrProductionExists, got %v", err)
	}
	prod, err := env.Engine.StartProject(env.Ctx, domain.Brief{Title: "The Long Road Home"}, "director")
	if err != nil {
		t.Fatalf("start without id: %v", err)
	}
	if !strings.HasPrefix(prod.ID, "the-long-road-home-") {
		t.Fatalf("derived id = %q", prod.ID)
	}
	if _, err := env.Engine.StartProject(env.Ctx, domain.Brief{}, "director"); err == nil {
		t.Fatalf("expected error for empty title")
	}
	allocs, err := env.Engine.Repo.ListAllocations(env.Ctx, "film")
	if err != nil || len(allocs) != len(domain.Departments()) {
		t.Fatalf("allocations = %d, %v", len(allocs), err)
	}
}

func TestPhaseOrderIsEnforced(t *testing.T) {
	env := newTestEnv(t, "0.9")
	id := env.start(t)
	_, err := env.Engine.RunPhase(env.Ctx, id, domain.PhasePreProduction, "director")
	var te *phase.TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected transition error, got %v", err)
	}
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director"); err != nil {
		t.Fatalf("development: %v", err)
	}
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director"); !errors.As(err, &te) {
		t.Fatalf("expected rerun to fail, got %v", err)
	}
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.Phase("wrap-party"), "director"); err == nil {
		t.Fatalf("expected unknown phase error")
	}
}

func TestLowQualityRunsRevisionsUntilCap(t *testing.T) {
	env := newTestEnv(t, "0.5")
	id := env.start(t)
	res, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director")
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	// two tasks, each revised twice
	if len(res.Report.Revisions) != 4 {
		t.Fatalf("revisions = %v", res.Report.Revisions)
	}
	var quality int
	for _, r := range res.Report.Risks {
		if r.Kind == domain.RiskQuality {
			quality++
		}
	}
	if quality != 2 {
		t.Fatalf("expected 2 quality risks, got %+v", res.Report.Risks)
	}
	dels, _ := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	for _, d := range dels {
		if d.Status != domain.DeliverableRevisionRequired || d.Version != 3 {
			t.Fatalf("unexpected deliverable %+v", d)
		}
	}
	// vision revisions run after the script revision they build on
	want := [][]string{{"film/script"}, {"film/vision"}, {"film/script-rev1"}, {"film/vision-rev1"}, {"film/script-rev2"}, {"film/vision-rev2"}}
	if fmt.Sprint(res.Report.Rounds) != fmt.Sprint(want) {
		t.Fatalf("rounds = %v, want %v", res.Report.Rounds, want)
	}
}

func TestDecisionsApproveAndReject(t *testing.T) {
	env := newTestEnv(t, "0.6")
	id := env.start(t)
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director"); err != nil {
		t.Fatalf("run phase: %v", err)
	}
	dels, _ := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if len(dels) != 2 {
		t.Fatalf("expected 2 deliverables, got %d", len(dels))
	}

	out, err := env.Engine.MakeDecision(env.Ctx, id, domain.Decision{Type: domain.DecisionApprove, Subject: dels[0].ArtifactID, DeciderID: "producer"})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if out.Updated[dels[0].ArtifactID] != domain.DeliverableApproved || out.Revision != nil {
		t.Fatalf("approve outcome = %+v", out)
	}

	out, err = env.Engine.MakeDecision(env.Ctx, id, domain.Decision{Type: domain.DecisionReject, Subject: dels[1].TaskID, Details: "darker tone", DeciderID: "producer"})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if out.Revision == nil || !strings.Contains(out.Revision.Task.Inputs["revision_notes"].(string), "darker tone") {
		t.Fatalf("expected a revision carrying the notes, got %+v", out.Revision)
	}

	after, _ := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if after[0].Status != domain.DeliverableApproved {
		t.Fatalf("approved deliverable = %+v", after[0])
	}
	if after[1].ArtifactID == dels[1].ArtifactID || after[1].Version != dels[1].Version+1 {
		t.Fatalf("expected the revised artifact, got %+v", after[1])
	}

	decisions, err := env.Engine.Repo.ListDecisions(env.Ctx, id)
	if err != nil || len(decisions) != 2 {
		t.Fatalf("decisions = %d, %v", len(decisions), err)
	}

	if _, err := env.Engine.MakeDecision(env.Ctx, id, domain.Decision{Type: domain.DecisionApprove, Subject: "nothing", DeciderID: "producer"}); !errors.Is(err, engine.ErrUnknownSubject) {
		t.Fatalf("expected ErrUnknownSubject, got %v", err)
	}
	if _, err := env.Engine.MakeDecision(env.Ctx, id, domain.Decision{Type: domain.DecisionApprove, Subject: dels[0].ArtifactID}); err == nil {
		t.Fatalf("expected missing decider error")
	}
}

func TestDecisionOnClosedPhaseIsRejected(t *testing.T) {
	env := newTestEnv(t, "0.9")
	id := env.start(t)
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director"); err != nil {
		t.Fatal(err)
	}
	dels, _ := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhasePreProduction, "director"); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.MakeDecision(env.Ctx, id, domain.Decision{Type: domain.DecisionModify, Subject: dels[0].ArtifactID, DeciderID: "producer"})
	var closed *engine.ClosedPhaseError
	if !errors.As(err, &closed) || closed.Current != domain.PhasePreProduction {
		t.Fatalf("expected closed phase error, got %v", err)
	}
}

func TestStalledPhaseRaisesWorkflowRisk(t *testing.T) {
	env := newTestEnv(t, "0.9")
	cfg := *env.Engine.Config
	cfg.Phases = map[string][]config.TaskTemplate{
		"development": {
			{ID: "script", Department: "writing", Type: "script", Inputs: map[string]string{"prompt": "x"}},
			{ID: "vision", Department: "direction", Type: "vision", DependsOn: []string{"ghost"}},
		},
	}
	env.Engine.Config = &cfg
	id := env.start(t)
	res, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director")
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if res.Success || len(res.Blockers) != 1 || res.Blockers[0] != "film/vision" {
		t.Fatalf("expected stall on vision, got %+v", res)
	}
	var workflow bool
	for _, r := range res.Report.Risks {
		workflow = workflow || r.Kind == domain.RiskWorkflow
	}
	if !workflow {
		t.Fatalf("expected workflow risk, got %+v", res.Report.Risks)
	}
	// a failed phase still closes
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhasePreProduction, "director"); err != nil {
		t.Fatalf("pre-production after stall: %v", err)
	}
}

func TestStalledPhaseStillRevisesCompletedTasks(t *testing.T) {
	env := newTestEnv(t, "0.5")
	cfg := *env.Engine.Config
	cfg.Phases = map[string][]config.TaskTemplate{
		"development": {
			{ID: "script", Department: "writing", Type: "script", Inputs: map[string]string{"prompt": "x"}},
			{ID: "vision", Department: "direction", Type: "vision", DependsOn: []string{"ghost"}},
		},
	}
	env.Engine.Config = &cfg
	id := env.start(t)
	res, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director")
	if err != nil {
		t.Fatalf("run phase: %v", err)
	}
	if res.Success || fmt.Sprint(res.Report.Stalled) != "[film/vision]" {
		t.Fatalf("expected stall on vision, got %+v", res.Report)
	}
	if fmt.Sprint(res.Report.Revisions) != "[film/script-rev1 film/script-rev2]" {
		t.Fatalf("revisions = %v", res.Report.Revisions)
	}
	kinds := map[domain.RiskKind]int{}
	for _, r := range res.Report.Risks {
		kinds[r.Kind]++
	}
	if kinds[domain.RiskWorkflow] != 1 || kinds[domain.RiskQuality] != 1 {
		t.Fatalf("risks = %+v", res.Report.Risks)
	}
	dels, _ := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if len(dels) != 1 || dels[0].Version != 3 {
		t.Fatalf("deliverables = %+v", dels)
	}
}

func TestDependentsConsumeLatestRevision(t *testing.T) {
	env := newTestEnv(t, "0.5")
	cfg := *env.Engine.Config
	cfg.Phases = map[string][]config.TaskTemplate{
		"development": {
			{ID: "script", Department: "writing", Type: "script", Inputs: map[string]string{"prompt": "x"}},
		},
		"pre-production": {
			{ID: "vision", Department: "direction", Type: "vision", DependsOn: []string{"script"}},
		},
	}
	env.Engine.Config = &cfg
	id := env.start(t)
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director"); err != nil {
		t.Fatalf("development: %v", err)
	}
	scripts, _ := env.Engine.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if len(scripts) != 1 || scripts[0].Version != 3 {
		t.Fatalf("script deliverables = %+v", scripts)
	}
	res, err := env.Engine.RunPhase(env.Ctx, id, domain.PhasePreProduction, "director")
	if err != nil {
		t.Fatalf("pre-production: %v", err)
	}
	var revised int
	for _, ex := range res.Report.Executed {
		if ex.Task.RevisionOf == "" {
			continue
		}
		revised++
		if len(ex.Task.Dependencies) != 1 {
			t.Fatalf("revision %s lost its dependencies: %v", ex.Task.ID, ex.Task.Dependencies)
		}
	}
	if revised != 2 {
		t.Fatalf("expected two vision revisions, got %d", revised)
	}
	arts, err := env.Engine.Repo.ListArtifacts(env.Ctx, id, domain.PhasePreProduction)
	if err != nil || len(arts) != 3 {
		t.Fatalf("vision artifacts = %d, %v", len(arts), err)
	}
	for _, rec := range arts {
		if fmt.Sprint(rec.Artifact.Dependencies) != fmt.Sprint([]string{scripts[0].ArtifactID}) {
			t.Fatalf("vision v%d depends on %v, want the v3 script %s", rec.Artifact.Version, rec.Artifact.Dependencies, scripts[0].ArtifactID)
		}
	}
}

func TestRuntimeIsRestoredFromDatabase(t *testing.T) {
	env := newTestEnv(t, "0.9")
	id := env.start(t)
	if _, err := env.Engine.RunPhase(env.Ctx, id, domain.PhaseDevelopment, "director"); err != nil {
		t.Fatal(err)
	}
	before, _ := env.Engine.Report(env.Ctx, id)

	fresh := engine.New(env.Engine.DB, env.Engine.Config)
	fresh.Now = env.Engine.Now
	after, err := fresh.Report(env.Ctx, id)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if after.CurrentPhase != before.CurrentPhase || after.Budget.Spent != before.Budget.Spent || after.Artifacts != before.Artifacts {
		t.Fatalf("restored dashboard differs: %+v vs %+v", after, before)
	}
	dels, err := fresh.GetDeliverables(env.Ctx, id, domain.PhaseDevelopment)
	if err != nil || len(dels) != 2 || dels[0].Status != domain.DeliverableApproved {
		t.Fatalf("restored deliverables = %+v, %v", dels, err)
	}
	res, err := fresh.RunPhase(env.Ctx, id, domain.PhasePreProduction, "director")
	if err != nil || !res.Success {
		t.Fatalf("pre-production after restore: %+v, %v", res, err)
	}
	if _, err := fresh.Report(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

type fakeExporter struct {
	arts []domain.Artifact
}

func (f *fakeExporter) Export(_ context.Context, productionID string, ph domain.Phase, arts []domain.Artifact) ([]export.Object, error) {
	f.arts = append(f.arts, arts...)
	out := make([]export.Object, 0, len(arts))
	for _, a := range arts {
		out = append(out, export.Object{ArtifactID: a.ID, Key: export.Key("", productionID, ph, a, ".txt")})
	}
	return out, nil
}

func TestDeliveryExportsApprovedDeliverables(t *testing.T) {
	env := newTestEnv(t, "0.9")
	fake := &fakeExporter{}
	env.Engine.Exporter = fake
	id := env.start(t)
	var res engine.PhaseResult
	var err error
	for _, ph := range domain.Phases() {
		res, err = env.Engine.RunPhase(env.Ctx, id, ph, "director")
		if err != nil {
			t.Fatalf("%s: %v", ph, err)
		}
	}
	if len(fake.arts) != 1 || fake.arts[0].Type != "deliverables-package" {
		t.Fatalf("exported = %+v", fake.arts)
	}
	if len(res.Exported) != 1 {
		t.Fatalf("result exported = %+v", res.Exported)
	}
	prod, _ := env.Engine.Repo.GetProduction(env.Ctx, id)
	if prod.Status != "delivered" {
		t.Fatalf("status = %q", prod.Status)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, 1, repo.EventFilter{ProductionID: id, Type: events.DeliveryExported})
	if len(evts) != 1 {
		t.Fatalf("expected a delivery export event")
	}
}

func TestUpdateConfigRebuildsRuntime(t *testing.T) {
	env := newTestEnv(t, "0.9")
	id := env.start(t)
	cfg := config.Default(id)
	cfg.Providers = cfg.Providers[:1]
	if err := env.Engine.UpdateConfig(env.Ctx, id, cfg, "director"); err != nil {
		t.Fatalf("update config: %v", err)
	}
	provs, err := env.Engine.Providers(env.Ctx, id)
	if err != nil || len(provs) != 1 || provs[0].ID != "local-text" {
		t.Fatalf("providers = %+v, %v", provs, err)
	}
	if err := env.Engine.UpdateConfig(env.Ctx, "missing", cfg, "director"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
