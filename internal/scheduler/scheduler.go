// Package scheduler executes a task set in dependency rounds. Each round
// dispatches every task whose dependencies have executed, waits for the whole
// round, then recomputes the ready set. A task counts as executed once its
// attempt finished, whatever the outcome.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"studioline/internal/domain"
)

// Dispatcher runs a single task, usually by routing it to a department agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, task domain.Task) (domain.TaskResult, error)
}

// DispatchFunc adapts a function to Dispatcher.
type DispatchFunc func(ctx context.Context, task domain.Task) (domain.TaskResult, error)

func (f DispatchFunc) Dispatch(ctx context.Context, task domain.Task) (domain.TaskResult, error) {
	return f(ctx, task)
}

// Round describes one fan-out/fan-in step.
type Round struct {
	Number  int
	TaskIDs []string
	Results []domain.TaskResult
}

// Outcome is everything a workflow run produced.
type Outcome struct {
	Results []domain.TaskResult
	Rounds  [][]string
	Stalled []string
}

// StallError reports tasks whose dependencies can never be satisfied.
type StallError struct {
	TaskIDs []string
}

func (e *StallError) Error() string {
	return fmt.Sprintf("workflow stalled: %s cannot run", strings.Join(e.TaskIDs, ", "))
}

type DuplicateTaskError struct {
	ID string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task %s submitted twice", e.ID)
}

type Scheduler struct {
	dispatcher  Dispatcher
	maxParallel int
	completed   map[string]bool
	onRound     func(Round)
	logger      *slog.Logger
}

type Option func(*Scheduler)

// WithMaxParallel caps concurrent dispatches within a round. Values <= 0 mean no cap.
func WithMaxParallel(n int) Option {
	return func(s *Scheduler) { s.maxParallel = n }
}

// WithCompleted marks task ids executed before this run, such as earlier phases.
func WithCompleted(ids ...string) Option {
	return func(s *Scheduler) {
		for _, id := range ids {
			s.completed[id] = true
		}
	}
}

// WithRoundHook is called after every round barrier.
func WithRoundHook(fn func(Round)) Option {
	return func(s *Scheduler) { s.onRound = fn }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

func New(d Dispatcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		dispatcher: d,
		completed:  make(map[string]bool),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExecuteWorkflow runs tasks until every task executed or no progress is possible.
// A stall returns the partial outcome together with a *StallError.
func (s *Scheduler) ExecuteWorkflow(ctx context.Context, tasks []domain.Task) (Outcome, error) {
	pending := make(map[string]domain.Task, len(tasks))
	for _, t := range tasks {
		if _, dup := pending[t.ID]; dup || s.completed[t.ID] {
			return Outcome{}, &DuplicateTaskError{ID: t.ID}
		}
		pending[t.ID] = t.Clone()
	}
	executed := make(map[string]bool, len(s.completed)+len(tasks))
	for id := range s.completed {
		executed[id] = true
	}

	var out Outcome
	for len(pending) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		ready := readySet(pending, executed)
		if len(ready) == 0 {
			stalled := make([]string, 0, len(pending))
			for id := range pending {
				stalled = append(stalled, id)
			}
			sort.Strings(stalled)
			out.Stalled = stalled
			s.logger.Warn("workflow stalled", "tasks", stalled)
			return out, &StallError{TaskIDs: stalled}
		}
		round := len(out.Rounds) + 1
		ids := make([]string, len(ready))
		for i, t := range ready {
			ids[i] = t.ID
			delete(pending, t.ID)
		}
		s.logger.Debug("dispatching round", "round", round, "tasks", ids)

		results := s.runRound(ctx, round, ready)
		for _, r := range results {
			executed[r.TaskID] = true
		}
		out.Rounds = append(out.Rounds, ids)
		out.Results = append(out.Results, results...)
		if s.onRound != nil {
			s.onRound(Round{Number: round, TaskIDs: ids, Results: results})
		}
	}
	return out, nil
}

func (s *Scheduler) runRound(ctx context.Context, round int, ready []domain.Task) []domain.TaskResult {
	results := make([]domain.TaskResult, len(ready))
	var g errgroup.Group
	if s.maxParallel > 0 {
		g.SetLimit(s.maxParallel)
	}
	for i, task := range ready {
		i, task := i, task
		g.Go(func() error {
			res := s.dispatch(ctx, task)
			res.Round = round
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (s *Scheduler) dispatch(ctx context.Context, task domain.Task) (res domain.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			res = failure(task, fmt.Sprintf("dispatch panicked: %v", r))
		}
	}()
	res, err := s.dispatcher.Dispatch(ctx, task)
	if err != nil {
		s.logger.Warn("task dispatch failed", "task", task.ID, "department", task.Department, "error", err)
		return failure(task, err.Error())
	}
	if res.TaskID == "" {
		res.TaskID = task.ID
	}
	if res.Department == "" {
		res.Department = task.Department
	}
	return res
}

func failure(task domain.Task, msg string) domain.TaskResult {
	return domain.TaskResult{TaskID: task.ID, Department: task.Department, Success: false, Feedback: msg}
}

// readySet returns pending tasks whose dependencies all executed, highest priority first.
func readySet(pending map[string]domain.Task, executed map[string]bool) []domain.Task {
	var ready []domain.Task
	for _, t := range pending {
		ok := true
		for _, dep := range t.Dependencies {
			if !executed[dep] {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, t)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}
