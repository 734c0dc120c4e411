// Package ledger tracks departmental budget, expenses, the production
// schedule and the risks raised against them.
package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"studioline/internal/domain"
)

// onTrackRatio is the share of the total budget that may be spent while on track.
const onTrackRatio = 0.9

var ErrUnknownMilestone = errors.New("unknown milestone")

type Ledger struct {
	mu          sync.Mutex
	total       float64
	allocations map[domain.Department]*domain.BudgetAllocation
	expenses    []domain.Expense
	start       time.Time
	end         time.Time
	milestones  []*domain.Milestone
	risks       []domain.Risk
	overdue     map[string]bool
	now         func() time.Time
	logger      *slog.Logger
	onRisk      func(domain.Risk)
}

type Option func(*Ledger)

func WithClock(clock func() time.Time) Option {
	return func(l *Ledger) { l.now = clock }
}

func WithLogger(lg *slog.Logger) Option {
	return func(l *Ledger) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithRiskHook is called, outside the ledger lock, for every raised risk.
func WithRiskHook(fn func(domain.Risk)) Option {
	return func(l *Ledger) { l.onRisk = fn }
}

func New(opts ...Option) *Ledger {
	l := &Ledger{
		allocations: make(map[domain.Department]*domain.BudgetAllocation),
		overdue:     make(map[string]bool),
		now:         time.Now,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// InitializeBudget allocates the total across every department. Departments
// missing from split share what the split leaves unallocated equally.
func (l *Ledger) InitializeBudget(total float64, split map[domain.Department]float64) error {
	if total < 0 {
		return fmt.Errorf("budget total must not be negative")
	}
	var assigned float64
	for dept, amount := range split {
		if _, err := domain.ParseDepartment(string(dept)); err != nil {
			return err
		}
		if amount < 0 {
			return fmt.Errorf("allocation for %s must not be negative", dept)
		}
		assigned += amount
	}
	if assigned > total {
		return fmt.Errorf("allocations total %.2f exceed budget %.2f", assigned, total)
	}
	var rest []domain.Department
	for _, dept := range domain.Departments() {
		if _, ok := split[dept]; !ok {
			rest = append(rest, dept)
		}
	}
	share := 0.0
	if len(rest) > 0 {
		share = (total - assigned) / float64(len(rest))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = total
	l.allocations = make(map[domain.Department]*domain.BudgetAllocation)
	l.expenses = nil
	for _, dept := range domain.Departments() {
		amount, ok := split[dept]
		if !ok {
			amount = share
		}
		l.allocations[dept] = &domain.BudgetAllocation{Department: dept, Allocated: amount, Remaining: amount}
	}
	return nil
}

// Restore reloads persisted allocations and expenses without raising risks.
func (l *Ledger) Restore(total float64, allocs []domain.BudgetAllocation, expenses []domain.Expense) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total = total
	l.allocations = make(map[domain.Department]*domain.BudgetAllocation, len(allocs))
	for _, a := range allocs {
		a := a
		l.allocations[a.Department] = &a
	}
	l.expenses = append([]domain.Expense(nil), expenses...)
}

// RestoreRisks reloads persisted risks. Schedule risks keep their milestone
// marked overdue so it is not raised again.
func (l *Ledger) RestoreRisks(risks []domain.Risk) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.risks = append([]domain.Risk(nil), risks...)
	for _, r := range risks {
		if r.Kind == domain.RiskSchedule && r.Subject != "" {
			l.overdue[r.Subject] = true
		}
	}
}

// Window returns the production start and end dates.
func (l *Ledger) Window() (time.Time, time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.start, l.end
}

// RecordExpense debits a department. Spending beyond the remaining amount is
// applied anyway and raises a budget risk.
func (l *Ledger) RecordExpense(dept domain.Department, amount float64, description string) (domain.Expense, error) {
	if amount < 0 || math.IsNaN(amount) {
		return domain.Expense{}, fmt.Errorf("expense amount must not be negative")
	}
	l.mu.Lock()
	alloc, ok := l.allocations[dept]
	if !ok {
		l.mu.Unlock()
		return domain.Expense{}, fmt.Errorf("no budget allocated for %s", dept)
	}
	var risk *domain.Risk
	if amount > alloc.Remaining {
		r := l.raiseLocked(domain.Risk{
			Kind:       domain.RiskBudget,
			Department: dept,
			Message:    fmt.Sprintf("%s overspend: %.2f requested with %.2f remaining", dept, amount, alloc.Remaining),
			Severity:   "high",
		})
		risk = &r
	}
	alloc.Spent += amount
	alloc.Remaining = alloc.Allocated - alloc.Spent
	exp := domain.Expense{
		ID:          uuid.NewString(),
		Department:  dept,
		Amount:      amount,
		Description: description,
		RecordedAt:  l.now().UTC(),
	}
	l.expenses = append(l.expenses, exp)
	hook := l.onRisk
	l.mu.Unlock()

	if risk != nil {
		l.logger.Warn("budget risk", "department", dept, "amount", amount, "message", risk.Message)
		if hook != nil {
			hook(*risk)
		}
	}
	return exp, nil
}

// SetSchedule replaces the production window and milestone list.
func (l *Ledger) SetSchedule(start, end time.Time, milestones []domain.Milestone) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.start = start
	l.end = end
	l.milestones = make([]*domain.Milestone, 0, len(milestones))
	for _, m := range milestones {
		m := m
		l.milestones = append(l.milestones, &m)
	}
	sort.SliceStable(l.milestones, func(i, j int) bool { return l.milestones[i].DueDate.Before(l.milestones[j].DueDate) })
}

// CompleteMilestone marks a milestone complete. Completing it again is a no-op
// and reports changed=false.
func (l *Ledger) CompleteMilestone(id string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.milestones {
		if m.ID != id {
			continue
		}
		if m.Completed {
			return false, nil
		}
		at := l.now().UTC()
		m.Completed = true
		m.CompletedAt = &at
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownMilestone, id)
}

// CheckMilestones completes every open milestone whose required artifacts all
// resolve, returning the ids completed by this call. Open milestones past their
// due date raise one schedule risk each.
func (l *Ledger) CheckMilestones(resolve func(ref string) bool) []string {
	l.mu.Lock()
	var (
		done   []string
		raised []domain.Risk
	)
	now := l.now().UTC()
	for _, m := range l.milestones {
		if m.Completed {
			continue
		}
		satisfied := len(m.RequiredArtifacts) > 0
		for _, ref := range m.RequiredArtifacts {
			if !resolve(ref) {
				satisfied = false
				break
			}
		}
		if satisfied {
			at := now
			m.Completed = true
			m.CompletedAt = &at
			done = append(done, m.ID)
			continue
		}
		if !m.DueDate.IsZero() && now.After(m.DueDate) && !l.overdue[m.ID] {
			l.overdue[m.ID] = true
			raised = append(raised, l.raiseLocked(domain.Risk{
				Kind:     domain.RiskSchedule,
				Subject:  m.ID,
				Message:  fmt.Sprintf("milestone %s is past due", m.Name),
				Severity: "medium",
			}))
		}
	}
	hook := l.onRisk
	l.mu.Unlock()
	for _, r := range raised {
		l.logger.Warn("schedule risk", "milestone", r.Subject, "message", r.Message)
		if hook != nil {
			hook(r)
		}
	}
	return done
}

// AddRisk records a risk raised outside the ledger, such as a quality or workflow issue.
func (l *Ledger) AddRisk(r domain.Risk) domain.Risk {
	l.mu.Lock()
	r = l.raiseLocked(r)
	hook := l.onRisk
	l.mu.Unlock()
	if hook != nil {
		hook(r)
	}
	return r
}

func (l *Ledger) raiseLocked(r domain.Risk) domain.Risk {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.RaisedAt.IsZero() {
		r.RaisedAt = l.now().UTC()
	}
	l.risks = append(l.risks, r)
	return r
}

func (l *Ledger) Allocation(dept domain.Department) (domain.BudgetAllocation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.allocations[dept]
	if !ok {
		return domain.BudgetAllocation{}, false
	}
	return *a, true
}

func (l *Ledger) Risks() []domain.Risk {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Risk(nil), l.risks...)
}

func (l *Ledger) Expenses() []domain.Expense {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.Expense(nil), l.expenses...)
}

func (l *Ledger) Milestones() []domain.Milestone {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]domain.Milestone, 0, len(l.milestones))
	for _, m := range l.milestones {
		out = append(out, *m)
	}
	return out
}

// Report is a point-in-time summary of budget and schedule health.
type Report struct {
	Total         float64                   `json:"total"`
	Spent         float64                   `json:"spent"`
	Remaining     float64                   `json:"remaining"`
	OnTrack       bool                      `json:"on_track"`
	OnSchedule    bool                      `json:"on_schedule"`
	DaysRemaining int                       `json:"days_remaining"`
	NextMilestone *domain.Milestone         `json:"next_milestone,omitempty"`
	Allocations   []domain.BudgetAllocation `json:"allocations"`
	Risks         []domain.Risk             `json:"risks"`
}

func (l *Ledger) GenerateReport() Report {
	l.mu.Lock()
	defer l.mu.Unlock()
	rep := Report{Total: l.total}
	for _, dept := range domain.Departments() {
		a, ok := l.allocations[dept]
		if !ok {
			continue
		}
		rep.Spent += a.Spent
		rep.Allocations = append(rep.Allocations, *a)
	}
	rep.Remaining = l.total - rep.Spent
	rep.OnTrack = rep.Spent <= onTrackRatio*l.total
	if !l.end.IsZero() {
		rep.DaysRemaining = int(math.Ceil(l.end.Sub(l.now()).Hours() / 24))
	}
	rep.OnSchedule = rep.DaysRemaining > 0
	for _, m := range l.milestones {
		if !m.Completed {
			next := *m
			rep.NextMilestone = &next
			break
		}
	}
	rep.Risks = append([]domain.Risk{}, l.risks...)
	return rep
}
