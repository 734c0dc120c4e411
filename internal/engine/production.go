package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"studioline/internal/agent"
	"studioline/internal/artifact"
	"studioline/internal/capability"
	"studioline/internal/collab"
	"studioline/internal/config"
	"studioline/internal/domain"
	"studioline/internal/ledger"
	"studioline/internal/phase"
	"studioline/internal/providers"
	"studioline/internal/repo"
	"studioline/internal/review"
	"studioline/internal/scheduler"
)

const defaultDurationDays = 90

// Production is the in-memory runtime of one production. Every production owns
// its providers, agents, artifacts, ledger and lifecycle; nothing is shared.
type Production struct {
	id       string
	brief    domain.Brief
	cfg      *config.Config
	registry *capability.Registry
	store    *artifact.Store
	agents   map[domain.Department]*agent.Agent
	channel  *collab.Channel
	ledger   *ledger.Ledger
	machine  *phase.Machine
	reviewer review.Reviewer
	logger   *slog.Logger
	now      func() time.Time

	// runMu serializes phase runs and decisions.
	runMu sync.Mutex

	mu        sync.Mutex
	tasks     map[string]*taskState
	order     map[domain.Phase][]string
	attempts  map[string][]string
	overrides map[string]domain.DeliverableStatus
	riskBuf   []domain.Risk
}

type taskState struct {
	phase  domain.Phase
	task   domain.Task
	result *domain.TaskResult
	review *domain.Review
}

type runtimeOptions struct {
	logger    *slog.Logger
	now       func() time.Time
	providers []capability.Provider
	skills    func(*capability.Registry, domain.Department) []agent.Skill
}

type ProductionOption func(*runtimeOptions)

func WithLogger(l *slog.Logger) ProductionOption {
	return func(o *runtimeOptions) { o.logger = l }
}

func WithClock(now func() time.Time) ProductionOption {
	return func(o *runtimeOptions) { o.now = now }
}

// WithProviders registers providers in addition to those declared in config.
func WithProviders(ps ...capability.Provider) ProductionOption {
	return func(o *runtimeOptions) { o.providers = append(o.providers, ps...) }
}

// WithSkillCatalog replaces the department skill sets built for each agent.
func WithSkillCatalog(fn func(*capability.Registry, domain.Department) []agent.Skill) ProductionOption {
	return func(o *runtimeOptions) { o.skills = fn }
}

// NewProduction builds the runtime for a brief and initializes its budget and schedule.
func NewProduction(brief domain.Brief, cfg *config.Config, opts ...ProductionOption) (*Production, error) {
	p, err := build(brief, cfg, opts...)
	if err != nil {
		return nil, err
	}
	total, split := budgetFor(brief, p.cfg)
	if err := p.ledger.InitializeBudget(total, split); err != nil {
		return nil, fmt.Errorf("initialize budget: %w", err)
	}
	start, end, milestones, err := scheduleFor(p.cfg, p.now())
	if err != nil {
		return nil, err
	}
	p.ledger.SetSchedule(start, end, milestones)
	return p, nil
}

// Snapshot is the persisted state a production runtime is rebuilt from.
type Snapshot struct {
	BudgetTotal   float64
	ScheduleStart time.Time
	ScheduleEnd   time.Time
	Allocations   []domain.BudgetAllocation
	Expenses      []domain.Expense
	Milestones    []domain.Milestone
	Risks         []domain.Risk
	Tasks         []repo.TaskRecord
	Reviews       map[string]domain.Review
	Outcomes      []phase.Outcome
	// Statuses are the recorded deliverable statuses by artifact id.
	Statuses map[string]domain.DeliverableStatus
}

// RestoreProduction rebuilds a runtime from persisted state. Agents start idle.
func RestoreProduction(brief domain.Brief, cfg *config.Config, snap Snapshot, opts ...ProductionOption) (*Production, error) {
	p, err := build(brief, cfg, opts...)
	if err != nil {
		return nil, err
	}
	m, err := phase.Resume(snap.Outcomes)
	if err != nil {
		return nil, fmt.Errorf("resume lifecycle: %w", err)
	}
	p.machine = m
	p.ledger.Restore(snap.BudgetTotal, snap.Allocations, snap.Expenses)
	p.ledger.RestoreRisks(snap.Risks)
	p.ledger.SetSchedule(snap.ScheduleStart, snap.ScheduleEnd, snap.Milestones)
	for _, rec := range snap.Tasks {
		for _, a := range rec.Result.ProducedArtifacts {
			p.store.Restore(a)
		}
		res := rec.Result
		st := &taskState{phase: rec.Phase, task: rec.Task, result: &res}
		if rv, ok := snap.Reviews[rec.Task.ID]; ok {
			rv := rv
			st.review = &rv
		}
		p.track(st)
	}
	for id, status := range snap.Statuses {
		p.overrides[id] = status
	}
	return p, nil
}

func build(brief domain.Brief, cfg *config.Config, opts ...ProductionOption) (*Production, error) {
	if strings.TrimSpace(brief.ProjectID) == "" {
		return nil, errors.New("production id is required")
	}
	if strings.TrimSpace(brief.Title) == "" {
		return nil, errors.New("brief title is required")
	}
	o := runtimeOptions{now: time.Now, skills: agent.DefaultSkills}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if cfg == nil {
		cfg = config.Default(brief.ProjectID)
	}
	cfg.Project.ID = brief.ProjectID
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := o.logger.With("production", brief.ProjectID)

	p := &Production{
		id:        brief.ProjectID,
		brief:     brief,
		cfg:       cfg,
		store:     artifact.NewStore(artifact.WithClock(o.now)),
		agents:    make(map[domain.Department]*agent.Agent),
		channel:   collab.NewChannel(collab.WithClock(o.now)),
		machine:   phase.NewMachine(),
		reviewer:  review.New(cfg.ReviewThreshold(), cfg.MaxRevisions()),
		logger:    logger,
		now:       o.now,
		tasks:     make(map[string]*taskState),
		order:     make(map[domain.Phase][]string),
		attempts:  make(map[string][]string),
		overrides: make(map[string]domain.DeliverableStatus),
	}
	p.ledger = ledger.New(ledger.WithClock(o.now), ledger.WithLogger(logger), ledger.WithRiskHook(p.captureRisk))

	timeout := time.Duration(cfg.Execution.CallTimeoutSeconds) * time.Second
	p.registry = capability.NewRegistry(capability.WithCallTimeout(timeout), capability.WithLogger(logger))
	if err := providers.Register(p.registry, cfg.Providers); err != nil {
		return nil, err
	}
	for _, prov := range o.providers {
		if err := p.registry.Register(prov); err != nil {
			return nil, err
		}
	}

	for _, dept := range domain.Departments() {
		a, err := agent.New(dept, agent.WithSkills(o.skills(p.registry, dept)...))
		if err != nil {
			return nil, err
		}
		err = a.Initialize(agent.Context{
			Store:       p.store,
			Phase:       func() domain.Phase { return p.machine.Current() },
			Constraints: map[string]any{"genre": brief.Genre, "format": brief.Format},
			Logger:      logger,
		})
		if err != nil {
			return nil, err
		}
		p.agents[dept] = a
		p.channel.Join(a)
	}
	return p, nil
}

func budgetFor(brief domain.Brief, cfg *config.Config) (float64, map[domain.Department]float64) {
	total := cfg.Budget.Total
	if brief.Budget > 0 {
		total = brief.Budget
	}
	split := make(map[domain.Department]float64)
	if len(brief.Split) > 0 {
		for d, v := range brief.Split {
			split[d] = v
		}
		return total, split
	}
	for d, v := range cfg.Budget.Split {
		split[domain.Department(d)] = v
	}
	return total, split
}

func scheduleFor(cfg *config.Config, now time.Time) (time.Time, time.Time, []domain.Milestone, error) {
	start := now.UTC().Truncate(24 * time.Hour)
	if cfg.Schedule.Start != "" {
		t, err := time.Parse(config.DateLayout, cfg.Schedule.Start)
		if err != nil {
			return time.Time{}, time.Time{}, nil, fmt.Errorf("schedule start: %w", err)
		}
		start = t
	}
	days := cfg.Schedule.DurationDays
	if days <= 0 {
		days = defaultDurationDays
	}
	ms := make([]domain.Milestone, 0, len(cfg.Schedule.Milestones))
	for _, m := range cfg.Schedule.Milestones {
		name := m.Name
		if name == "" {
			name = m.ID
		}
		ms = append(ms, domain.Milestone{
			ID:                m.ID,
			Name:              name,
			Phase:             domain.Phase(m.Phase),
			DueDate:           start.AddDate(0, 0, m.DueInDays),
			RequiredArtifacts: append([]string(nil), m.Requires...),
		})
	}
	return start, start.AddDate(0, 0, days), ms, nil
}

func (p *Production) ID() string                     { return p.id }
func (p *Production) Brief() domain.Brief            { return p.brief }
func (p *Production) Config() *config.Config         { return p.cfg }
func (p *Production) Store() *artifact.Store         { return p.store }
func (p *Production) Ledger() *ledger.Ledger         { return p.ledger }
func (p *Production) Registry() *capability.Registry { return p.registry }

// Agent returns the agent of a department.
func (p *Production) Agent(dept domain.Department) (*agent.Agent, bool) {
	a, ok := p.agents[dept]
	return a, ok
}

// CurrentPhase is the running phase, or the last completed one.
func (p *Production) CurrentPhase() domain.Phase { return p.machine.Current() }

// Providers lists registered provider descriptors.
func (p *Production) Providers() []capability.Descriptor { return p.registry.Descriptors() }

func (p *Production) captureRisk(r domain.Risk) {
	p.mu.Lock()
	p.riskBuf = append(p.riskBuf, r)
	p.mu.Unlock()
}

func (p *Production) drainRisks() []domain.Risk {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.riskBuf
	p.riskBuf = nil
	return out
}

func rootOf(t domain.Task) string {
	if t.RevisionOf != "" {
		return t.RevisionOf
	}
	return t.ID
}

// track indexes a task by phase and revision chain.
func (p *Production) track(st *taskState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.tasks[st.task.ID]; ok {
		p.tasks[st.task.ID] = st
		return
	}
	p.tasks[st.task.ID] = st
	root := rootOf(st.task)
	if st.task.RevisionOf == "" {
		p.order[st.phase] = append(p.order[st.phase], root)
	}
	p.attempts[root] = append(p.attempts[root], st.task.ID)
}

func (p *Production) executedIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.tasks))
	for id, st := range p.tasks {
		if st.result != nil {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Dispatch routes a task to its department agent.
func (p *Production) Dispatch(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	a, ok := p.agents[task.Department]
	if !ok {
		return domain.TaskResult{}, fmt.Errorf("no agent for department %q", task.Department)
	}
	if len(task.Dependencies) > 0 {
		deps := make([]string, len(task.Dependencies))
		for i, dep := range task.Dependencies {
			deps[i] = p.latestOutput(dep)
		}
		task.Dependencies = deps
	}
	return a.ExecuteTask(ctx, task)
}

// ExecutedTask is one task attempt with its review.
type ExecutedTask struct {
	Phase  domain.Phase             `json:"phase"`
	Task   domain.Task              `json:"task"`
	Result domain.TaskResult        `json:"result"`
	Review domain.Review            `json:"review"`
	Status domain.DeliverableStatus `json:"status"`
}

// PhaseReport is everything one phase run changed.
type PhaseReport struct {
	Phase      domain.Phase      `json:"phase"`
	Success    bool              `json:"success"`
	Summary    string            `json:"summary"`
	Error      string            `json:"error,omitempty"`
	Stalled    []string          `json:"stalled,omitempty"`
	Rounds     [][]string        `json:"rounds"`
	Executed   []ExecutedTask    `json:"executed"`
	Revisions  []string          `json:"revisions,omitempty"`
	Expenses   []domain.Expense  `json:"expenses,omitempty"`
	Risks      []domain.Risk     `json:"risks,omitempty"`
	Milestones []string          `json:"milestones_completed,omitempty"`
	Handoffs   []collab.Exchange `json:"handoffs,omitempty"`
}

// Blockers lists stalled tasks and the unmet dependencies of blocked ones.
func (r PhaseReport) Blockers() []string {
	out := append([]string(nil), r.Stalled...)
	for _, ex := range r.Executed {
		out = append(out, ex.Result.Blockers...)
	}
	return out
}

// RunPhase executes a phase: its tasks run in dependency rounds, every result
// is reviewed, revisions run until approved or capped, credits are charged to
// the department budget and milestones are checked. Only lifecycle and
// template errors are returned; task problems are reported in the PhaseReport.
func (p *Production) RunPhase(ctx context.Context, ph domain.Phase) (PhaseReport, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	templates := make([]phase.Template, 0, len(p.cfg.Phases[string(ph)]))
	for _, t := range p.cfg.Phases[string(ph)] {
		templates = append(templates, phase.Template{
			ID:         t.ID,
			Department: domain.Department(t.Department),
			Type:       t.Type,
			Name:       t.Name,
			Priority:   t.Priority,
			Inputs:     t.Inputs,
			DependsOn:  t.DependsOn,
			Requires:   t.Requires,
		})
	}
	tasks, err := phase.Resolve(ph, templates, p.brief)
	if err != nil {
		return PhaseReport{}, err
	}
	if err := p.machine.Begin(ph); err != nil {
		return PhaseReport{}, err
	}
	p.logger.Info("phase started", "phase", ph, "tasks", len(tasks))

	rep := PhaseReport{Phase: ph}
	consumers := consumersOf(tasks)
	batch, runErr := p.execute(ctx, ph, tasks, consumers, &rep)
	var errs []error
	for {
		// a stall only ends its own batch; completed results are still reviewed
		var stall *scheduler.StallError
		if errors.As(runErr, &stall) {
			rep.Stalled = append(rep.Stalled, stall.TaskIDs...)
			p.ledger.AddRisk(domain.Risk{
				Kind:     domain.RiskWorkflow,
				Subject:  string(ph),
				Message:  fmt.Sprintf("%s stalled: %s", ph, strings.Join(stall.TaskIDs, ", ")),
				Severity: "high",
			})
		}
		if runErr != nil {
			errs = append(errs, runErr)
		}
		if ctx.Err() != nil {
			for _, res := range batch {
				p.record(ph, res, &rep)
			}
			break
		}
		next := p.reviewBatch(ph, batch, &rep)
		if len(next) == 0 {
			break
		}
		p.sequenceRevisions(next)
		batch, runErr = p.execute(ctx, ph, next, consumers, &rep)
	}
	if err := errors.Join(errs...); err != nil {
		rep.Error = err.Error()
	}

	rep.Milestones = p.ledger.CheckMilestones(func(ref string) bool {
		_, ok := p.store.Resolve(ref)
		return ok
	})
	rep.Success, rep.Summary = p.summarize(ph, rep)
	rep.Risks = p.drainRisks()
	if err := p.machine.Complete(phase.Outcome{Phase: ph, Success: rep.Success, Summary: rep.Summary}); err != nil {
		return rep, err
	}
	p.logger.Info("phase completed", "phase", ph, "success", rep.Success, "summary", rep.Summary)
	return rep, nil
}

// reviewBatch records a batch and returns the revisions it calls for. Tasks at
// the revision cap raise a quality risk instead.
func (p *Production) reviewBatch(ph domain.Phase, batch []domain.TaskResult, rep *PhaseReport) []domain.Task {
	var next []domain.Task
	for _, res := range batch {
		ex := p.record(ph, res, rep)
		if !ex.Review.RevisionRequired {
			continue
		}
		if rev, ok := p.reviewer.Revise(ex.Task, ex.Review); ok {
			next = append(next, rev)
			rep.Revisions = append(rep.Revisions, rev.ID)
			continue
		}
		p.ledger.AddRisk(domain.Risk{
			Kind:       domain.RiskQuality,
			Department: ex.Task.Department,
			Subject:    rootOf(ex.Task),
			Message:    fmt.Sprintf("%s still rated %d/10 after %d revision(s)", rootOf(ex.Task), ex.Review.Rating, ex.Task.Attempt),
			Severity:   "medium",
		})
	}
	return next
}

// sequenceRevisions makes a revision wait for the revisions of its
// dependencies that run in the same batch.
func (p *Production) sequenceRevisions(batch []domain.Task) {
	byRoot := make(map[string]string, len(batch))
	for _, t := range batch {
		byRoot[rootOf(t)] = t.ID
	}
	for i, t := range batch {
		deps := make([]string, len(t.Dependencies))
		for j, dep := range t.Dependencies {
			deps[j] = dep
			if id, ok := byRoot[p.rootID(dep)]; ok {
				deps[j] = id
			}
		}
		batch[i].Dependencies = deps
	}
}

func (p *Production) rootID(taskID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.tasks[taskID]; ok {
		return rootOf(st.task)
	}
	return taskID
}

// latestOutput resolves a dependency to the newest attempt of its revision
// chain that produced artifacts.
func (p *Production) latestOutput(dep string) string {
	root := p.rootID(dep)
	p.mu.Lock()
	chain := append([]string(nil), p.attempts[root]...)
	p.mu.Unlock()
	for i := len(chain) - 1; i >= 0; i-- {
		if p.store.HasTaskOutput(chain[i]) {
			return chain[i]
		}
	}
	return dep
}

// execute schedules a batch. The returned results include those of a run cut
// short by a stall or cancellation.
func (p *Production) execute(ctx context.Context, ph domain.Phase, tasks []domain.Task, consumers map[string][]domain.Task, rep *PhaseReport) ([]domain.TaskResult, error) {
	for _, t := range tasks {
		p.track(&taskState{phase: ph, task: t.Clone()})
	}
	sched := scheduler.New(scheduler.DispatchFunc(p.Dispatch),
		scheduler.WithMaxParallel(p.cfg.Execution.MaxParallel),
		scheduler.WithCompleted(p.executedIDs()...),
		scheduler.WithLogger(p.logger),
		scheduler.WithRoundHook(func(r scheduler.Round) {
			rep.Rounds = append(rep.Rounds, r.TaskIDs)
			rep.Handoffs = append(rep.Handoffs, p.handoff(ctx, r.Results, consumers)...)
		}),
	)
	out, err := sched.ExecuteWorkflow(ctx, tasks)
	return out.Results, err
}

// consumersOf maps a task id to the tasks of the phase that depend on it.
func consumersOf(tasks []domain.Task) map[string][]domain.Task {
	out := map[string][]domain.Task{}
	for _, t := range tasks {
		for _, dep := range t.Dependencies {
			out[dep] = append(out[dep], t)
		}
	}
	return out
}

// handoff passes produced artifacts to every other department that consumes them.
func (p *Production) handoff(ctx context.Context, results []domain.TaskResult, consumers map[string][]domain.Task) []collab.Exchange {
	var out []collab.Exchange
	for _, res := range results {
		if !res.Success || len(res.ProducedArtifacts) == 0 {
			continue
		}
		p.mu.Lock()
		st := p.tasks[res.TaskID]
		p.mu.Unlock()
		if st == nil {
			continue
		}
		ids := make([]string, 0, len(res.ProducedArtifacts))
		for _, a := range res.ProducedArtifacts {
			ids = append(ids, a.ID)
		}
		sent := map[domain.Department]bool{}
		for _, c := range consumers[rootOf(st.task)] {
			if c.Department == res.Department || sent[c.Department] {
				continue
			}
			sent[c.Department] = true
			msg := fmt.Sprintf("%s for %s", st.task.Type, c.Type)
			resp, err := p.channel.Handoff(ctx, res.Department, c.Department, ids, msg)
			if err != nil {
				p.logger.Warn("handoff failed", "from", res.Department, "to", c.Department, "error", err)
				continue
			}
			out = append(out, collab.Exchange{
				Request:  domain.CollaborationRequest{From: res.Department, To: c.Department, Type: domain.CollabHandoff, ArtifactIDs: ids, Message: msg},
				Response: resp,
				At:       p.now().UTC(),
			})
		}
	}
	return out
}

// record charges credits, reviews the result and stores it against its task.
func (p *Production) record(ph domain.Phase, res domain.TaskResult, rep *PhaseReport) ExecutedTask {
	p.mu.Lock()
	st, ok := p.tasks[res.TaskID]
	if !ok {
		st = &taskState{phase: ph, task: domain.Task{ID: res.TaskID, Department: res.Department, Phase: ph}}
	}
	task := st.task
	p.mu.Unlock()
	if !ok {
		p.track(st)
	}

	if cost := p.cfg.Budget.CostPerCredit; res.CreditsUsed > 0 && cost > 0 {
		desc := fmt.Sprintf("%s via %s", task.ID, res.Provider)
		exp, err := p.ledger.RecordExpense(res.Department, res.CreditsUsed*cost, desc)
		if err != nil {
			p.logger.Warn("expense not recorded", "task", task.ID, "error", err)
		} else {
			rep.Expenses = append(rep.Expenses, exp)
		}
	}
	rv := p.reviewer.Review(task, res)
	status := statusFor(res, rv)

	p.mu.Lock()
	st.result = &res
	st.review = &rv
	p.mu.Unlock()

	ex := ExecutedTask{Phase: ph, Task: task, Result: res, Review: rv, Status: status}
	rep.Executed = append(rep.Executed, ex)
	level := slog.LevelInfo
	if !res.Success {
		level = slog.LevelWarn
	}
	p.logger.Log(context.Background(), level, "task reviewed", "task", task.ID, "department", res.Department,
		"success", res.Success, "rating", rv.Rating, "approved", rv.Approved)
	return ex
}

func statusFor(res domain.TaskResult, rv domain.Review) domain.DeliverableStatus {
	switch {
	case rv.Approved:
		return domain.DeliverableApproved
	case rv.RevisionRequired:
		return domain.DeliverableRevisionRequired
	case !res.Success:
		return domain.DeliverableFailed
	default:
		return domain.DeliverablePending
	}
}

func (p *Production) summarize(ph domain.Phase, rep PhaseReport) (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	roots := p.order[ph]
	var approved, failed int
	for _, root := range roots {
		chain := p.attempts[root]
		st := p.tasks[chain[len(chain)-1]]
		switch {
		case st.result == nil || !st.result.Success:
			failed++
		case st.review != nil && st.review.Approved:
			approved++
		}
	}
	success := rep.Error == "" && len(rep.Stalled) == 0 && failed == 0
	summary := fmt.Sprintf("%s: %d/%d tasks approved, %d revision(s), %d round(s)", ph, approved, len(roots), len(rep.Revisions), len(rep.Rounds))
	if failed > 0 {
		summary += fmt.Sprintf(", %d failed", failed)
	}
	if len(rep.Stalled) > 0 {
		summary += fmt.Sprintf(", %d stalled", len(rep.Stalled))
	}
	return success, summary
}

// Deliverables lists the outputs of a phase: for every task, the artifacts of
// its most recent attempt that produced any. Tasks that never produced output
// appear once with an empty artifact id.
func (p *Production) Deliverables(ph domain.Phase) []domain.Deliverable {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Deliverable
	for _, root := range p.order[ph] {
		chain := p.attempts[root]
		var chosen *taskState
		for i := len(chain) - 1; i >= 0; i-- {
			st := p.tasks[chain[i]]
			if st.result != nil && len(st.result.ProducedArtifacts) > 0 {
				chosen = st
				break
			}
		}
		if chosen == nil {
			last := p.tasks[chain[len(chain)-1]]
			if last.result == nil {
				continue
			}
			d := domain.Deliverable{TaskID: last.task.ID, Type: last.task.Type, Name: last.task.Name, Department: last.task.Department, Phase: ph, Status: domain.DeliverableFailed}
			if last.review != nil {
				d.Rating = last.review.Rating
			}
			out = append(out, d)
			continue
		}
		for _, a := range chosen.result.ProducedArtifacts {
			out = append(out, p.deliverableLocked(ph, chosen, a))
		}
	}
	return out
}

func (p *Production) deliverableLocked(ph domain.Phase, st *taskState, a domain.Artifact) domain.Deliverable {
	d := domain.Deliverable{
		ArtifactID: a.ID,
		TaskID:     st.task.ID,
		Type:       a.Type,
		Name:       a.Name,
		Department: a.Department,
		Phase:      ph,
		Version:    a.Version,
		Status:     domain.DeliverablePending,
		CreatedAt:  a.CreatedAt.UTC().Format(time.RFC3339),
	}
	if st.review != nil && st.result != nil {
		d.Rating = st.review.Rating
		d.Status = statusFor(*st.result, *st.review)
	}
	if s, ok := p.overrides[a.ID]; ok {
		d.Status = s
	}
	return d
}

// DecisionOutcome reports what a decision changed.
type DecisionOutcome struct {
	Decision domain.Decision                     `json:"decision"`
	Updated  map[string]domain.DeliverableStatus `json:"updated,omitempty"`
	Revision *ExecutedTask                       `json:"revision,omitempty"`
	Report   PhaseReport                         `json:"-"`
}

// Decide applies a human decision to a deliverable of the current phase. The
// subject is an artifact id or a task id. Approve marks the deliverable
// approved; reject and modify run a revision of the task with the decision
// details as notes.
func (p *Production) Decide(ctx context.Context, d domain.Decision) (DecisionOutcome, error) {
	p.runMu.Lock()
	defer p.runMu.Unlock()

	switch d.Type {
	case domain.DecisionApprove, domain.DecisionReject, domain.DecisionModify:
	default:
		return DecisionOutcome{}, fmt.Errorf("unknown decision type %q", d.Type)
	}
	st, artifactIDs, err := p.subject(d.Subject)
	if err != nil {
		return DecisionOutcome{}, err
	}
	if current := p.machine.Current(); st.phase != current {
		return DecisionOutcome{}, &ClosedPhaseError{Phase: st.phase, Current: current}
	}

	out := DecisionOutcome{Decision: d, Updated: map[string]domain.DeliverableStatus{}}
	status := map[domain.DecisionType]domain.DeliverableStatus{
		domain.DecisionApprove: domain.DeliverableApproved,
		domain.DecisionReject:  domain.DeliverableRejected,
		domain.DecisionModify:  domain.DeliverableRevisionRequired,
	}[d.Type]
	p.mu.Lock()
	for _, id := range artifactIDs {
		p.overrides[id] = status
		out.Updated[id] = status
	}
	p.mu.Unlock()
	if d.Type == domain.DecisionApprove {
		return out, nil
	}

	notes := strings.TrimSpace(d.Details)
	if notes == "" {
		notes = fmt.Sprintf("%s requested by %s", d.Type, d.DeciderID)
	}
	p.mu.Lock()
	chain := p.attempts[rootOf(st.task)]
	latest := p.tasks[chain[len(chain)-1]].task
	p.mu.Unlock()
	rev := review.RevisionTask(latest, notes)

	rep := PhaseReport{Phase: st.phase, Revisions: []string{rev.ID}}
	results, runErr := p.execute(ctx, st.phase, []domain.Task{rev}, nil, &rep)
	for _, res := range results {
		ex := p.record(st.phase, res, &rep)
		out.Revision = &ex
	}
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	rep.Milestones = p.ledger.CheckMilestones(func(ref string) bool {
		_, ok := p.store.Resolve(ref)
		return ok
	})
	rep.Risks = p.drainRisks()
	out.Report = rep
	return out, nil
}

// subject resolves a decision subject to its task and the artifact ids it covers.
func (p *Production) subject(ref string) (*taskState, []string, error) {
	if a, ok := p.store.Get(ref); ok {
		p.mu.Lock()
		st, ok := p.tasks[a.TaskID]
		p.mu.Unlock()
		if ok {
			return st, []string{a.ID}, nil
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.tasks[ref]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownSubject, ref)
	}
	var ids []string
	if st.result != nil {
		for _, a := range st.result.ProducedArtifacts {
			ids = append(ids, a.ID)
		}
	}
	return st, ids, nil
}

// AgentState is an agent's status as shown on the dashboard.
type AgentState struct {
	Department domain.Department  `json:"department"`
	Status     domain.AgentStatus `json:"status"`
	Skills     []string           `json:"skills"`
	LastError  string             `json:"last_error,omitempty"`
}

// Dashboard is a point-in-time view of a production.
type Dashboard struct {
	ProductionID string             `json:"production_id"`
	Title        string             `json:"title"`
	CurrentPhase domain.Phase       `json:"current_phase,omitempty"`
	NextPhase    domain.Phase       `json:"next_phase,omitempty"`
	Completed    []phase.Outcome    `json:"completed_phases"`
	Agents       []AgentState       `json:"agents"`
	Artifacts    int                `json:"artifacts"`
	Milestones   []domain.Milestone `json:"milestones"`
	Budget       ledger.Report      `json:"budget"`
}

func (p *Production) Dashboard() Dashboard {
	d := Dashboard{
		ProductionID: p.id,
		Title:        p.brief.Title,
		CurrentPhase: p.machine.Current(),
		NextPhase:    p.machine.Next(),
		Completed:    p.machine.Completed(),
		Artifacts:    p.store.Len(),
		Milestones:   p.ledger.Milestones(),
		Budget:       p.ledger.GenerateReport(),
	}
	for _, dept := range domain.Departments() {
		a := p.agents[dept]
		d.Agents = append(d.Agents, AgentState{Department: dept, Status: a.Status(), Skills: a.Skills(), LastError: a.LastError()})
	}
	return d
}
