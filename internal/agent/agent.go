// Package agent implements the department agents that execute production tasks.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"studioline/internal/artifact"
	"studioline/internal/domain"
)

// Policy answers a collaboration request on behalf of an agent.
type Policy func(ctx context.Context, a *Agent, req domain.CollaborationRequest) domain.CollaborationResponse

type Agent struct {
	dept     domain.Department
	skills   map[string]Skill
	skillIDs []string
	pending  []Skill
	policies map[domain.CollaborationType]Policy

	mu          sync.Mutex
	initialized bool
	env         Context
	status      domain.AgentStatus
	inFlight    int
	outcome     domain.AgentStatus
	lastError   string
}

type Option func(*Agent)

// WithPolicy overrides how the agent answers one kind of collaboration request.
func WithPolicy(t domain.CollaborationType, p Policy) Option {
	return func(a *Agent) { a.policies[t] = p }
}

// WithSkills adds skills before the lookup table is built.
func WithSkills(skills ...Skill) Option {
	return func(a *Agent) { a.pending = append(a.pending, skills...) }
}

// New builds an agent and its task-type lookup table. A task type claimed by
// more than one skill is rejected.
func New(dept domain.Department, opts ...Option) (*Agent, error) {
	a := &Agent{
		dept:     dept,
		skills:   make(map[string]Skill),
		policies: defaultPolicies(),
		status:   domain.AgentIdle,
	}
	for _, opt := range opts {
		opt(a)
	}
	claims := map[string][]string{}
	for _, s := range a.pending {
		if s.Department() != dept {
			return nil, fmt.Errorf("skill %s belongs to %s, not %s", s.ID(), s.Department(), dept)
		}
		keys := append([]string{s.ID()}, s.Outputs()...)
		seen := map[string]bool{}
		for _, k := range keys {
			if k == "" || seen[k] {
				continue
			}
			seen[k] = true
			claims[k] = append(claims[k], s.ID())
			a.skills[k] = s
		}
		a.skillIDs = append(a.skillIDs, s.ID())
	}
	a.pending = nil
	keys := make([]string, 0, len(claims))
	for k := range claims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if ids := claims[k]; len(ids) > 1 {
			return nil, &AmbiguousSkillError{Department: dept, Key: k, SkillIDs: ids}
		}
	}
	return a, nil
}

func (a *Agent) ID() string                    { return string(a.dept) }
func (a *Agent) Department() domain.Department { return a.dept }

// Skills lists skill ids in registration order.
func (a *Agent) Skills() []string {
	return append([]string(nil), a.skillIDs...)
}

// CanHandle reports whether a skill is registered for the task type.
func (a *Agent) CanHandle(taskType string) bool {
	_, ok := a.skills[taskType]
	return ok
}

// Initialize binds the agent to its production context. It may be called once.
func (a *Agent) Initialize(c Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.initialized {
		return ErrAlreadyInitialized
	}
	if c.Store == nil {
		return fmt.Errorf("%s: artifact store is required", a.dept)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	a.env = c
	a.initialized = true
	return nil
}

func (a *Agent) Status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// LastError returns the message of the most recent failed attempt.
func (a *Agent) LastError() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastError
}

func (a *Agent) begin() (Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return Context{}, ErrNotInitialized
	}
	if a.inFlight == 0 {
		a.outcome = domain.AgentIdle
		a.setStatusLocked(domain.AgentWorking)
	}
	a.inFlight++
	return a.env, nil
}

// finish records one attempt's outcome; the agent leaves working once no attempt is in flight.
func (a *Agent) finish(outcome domain.AgentStatus, msg string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if severity(outcome) > severity(a.outcome) {
		a.outcome = outcome
	}
	if msg != "" {
		a.lastError = msg
	}
	a.inFlight--
	if a.inFlight == 0 {
		a.setStatusLocked(a.outcome)
	}
}

func (a *Agent) setStatusLocked(to domain.AgentStatus) {
	if a.status == to {
		return
	}
	if !domain.CanTransition(a.status, to) {
		a.logger().Error("invalid agent transition", "agent", a.dept, "from", a.status, "to", to)
		return
	}
	a.status = to
}

func (a *Agent) logger() *slog.Logger {
	if a.env.Logger != nil {
		return a.env.Logger
	}
	return slog.Default()
}

func severity(s domain.AgentStatus) int {
	switch s {
	case domain.AgentError:
		return 2
	case domain.AgentBlocked:
		return 1
	default:
		return 0
	}
}

// ExecuteTask runs one task. Dependency gaps and skill failures are reported
// in the result; only configuration problems are returned as errors.
func (a *Agent) ExecuteTask(ctx context.Context, task domain.Task) (res domain.TaskResult, err error) {
	env, err := a.begin()
	if err != nil {
		return domain.TaskResult{TaskID: task.ID, Department: a.dept, Feedback: err.Error()}, err
	}
	start := time.Now()
	res = domain.TaskResult{TaskID: task.ID, Department: a.dept}
	outcome := domain.AgentIdle
	defer func() {
		res.DurationMs = time.Since(start).Milliseconds()
		msg := ""
		if outcome == domain.AgentError {
			msg = res.Feedback
		}
		a.finish(outcome, msg)
	}()

	if task.Department != "" && task.Department != a.dept {
		outcome = domain.AgentError
		err = fmt.Errorf("task %s is for %s, not %s", task.ID, task.Department, a.dept)
		res.Feedback = err.Error()
		return res, err
	}

	deps := map[string]domain.Artifact{}
	var blockers []string
	for _, depID := range task.Dependencies {
		produced := env.Store.ByTask(depID)
		if len(produced) == 0 {
			blockers = append(blockers, depID)
			continue
		}
		for _, art := range produced {
			deps[art.ID] = art
		}
	}
	for _, ref := range task.RequiredArtifacts {
		art, ok := env.Store.Resolve(ref)
		if !ok {
			blockers = append(blockers, ref)
			continue
		}
		deps[art.ID] = art
	}
	if len(blockers) > 0 {
		outcome = domain.AgentBlocked
		res.Blockers = blockers
		res.Feedback = "waiting on " + strings.Join(blockers, ", ")
		return res, nil
	}

	skill, ok := a.skills[task.Type]
	if !ok {
		outcome = domain.AgentError
		err = &NoMatchingSkillError{Department: a.dept, TaskType: task.Type}
		res.Feedback = err.Error()
		return res, err
	}

	var missing []string
	for _, key := range skill.RequiredInputs() {
		if _, ok := task.Inputs[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		outcome = domain.AgentError
		res.Feedback = fmt.Sprintf("missing required inputs: %s", strings.Join(missing, ", "))
		return res, nil
	}

	phase := task.Phase
	if env.Phase != nil && phase == "" {
		phase = env.Phase()
	}
	taskCopy := task.Clone()
	out, skillErr := runSkill(ctx, skill, SkillInput{
		Task:         taskCopy,
		Data:         taskCopy.Inputs,
		Dependencies: deps,
		Phase:        phase,
		Constraints:  env.Constraints,
	})
	res.Provider = out.Provider
	res.CreditsUsed = out.CreditsUsed
	if skillErr != nil {
		outcome = domain.AgentError
		res.Feedback = skillErr.Error()
		env.Logger.Warn("skill failed", "agent", a.dept, "task", task.ID, "skill", skill.ID(), "error", skillErr)
		return res, nil
	}
	res.Notes = out.Notes
	res.QualityScore = out.Quality
	if !out.Success {
		res.Feedback = out.Error
		if res.Feedback == "" {
			res.Feedback = "skill reported failure"
		}
		return res, nil
	}

	depIDs := make([]string, 0, len(deps))
	for id := range deps {
		depIDs = append(depIDs, id)
	}
	sort.Strings(depIDs)
	for _, draft := range out.Artifacts {
		if draft.Type == "" {
			draft.Type = task.Type
		}
		if draft.Name == "" {
			draft.Name = task.Name
		}
		draft.Dependencies = append(append([]string(nil), depIDs...), draft.Dependencies...)
		art, createErr := env.Store.Create(draft, artifact.Meta{Department: a.dept, CreatedBy: a.ID(), TaskID: task.ID})
		if createErr != nil {
			outcome = domain.AgentError
			res.Feedback = createErr.Error()
			return res, nil
		}
		res.ProducedArtifacts = append(res.ProducedArtifacts, art)
	}
	res.Success = true
	return res, nil
}

func runSkill(ctx context.Context, s Skill, in SkillInput) (out SkillResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("skill %s panicked: %v", s.ID(), r)
		}
	}()
	return s.Execute(ctx, in)
}

// Collaborate answers a request from another department.
func (a *Agent) Collaborate(ctx context.Context, req domain.CollaborationRequest) domain.CollaborationResponse {
	p, ok := a.policies[req.Type]
	if !ok {
		p = acknowledge
	}
	resp := p(ctx, a, req)
	resp.From = a.dept
	return resp
}

func (a *Agent) store() *artifact.Store {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.env.Store
}

func defaultPolicies() map[domain.CollaborationType]Policy {
	return map[domain.CollaborationType]Policy{
		domain.CollabHandoff:  requireArtifacts,
		domain.CollabApproval: requireArtifacts,
		domain.CollabFeedback: noteFeedback,
		domain.CollabResource: acknowledge,
	}
}

func requireArtifacts(_ context.Context, a *Agent, req domain.CollaborationRequest) domain.CollaborationResponse {
	store := a.store()
	if store == nil {
		return domain.CollaborationResponse{Approved: false, Feedback: "agent not initialized"}
	}
	var missing []string
	for _, id := range req.ArtifactIDs {
		if _, ok := store.Resolve(id); !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return domain.CollaborationResponse{Approved: false, Feedback: "missing artifacts: " + strings.Join(missing, ", ")}
	}
	return domain.CollaborationResponse{Approved: true, Feedback: fmt.Sprintf("%s received %d artifact(s) from %s", a.dept, len(req.ArtifactIDs), req.From)}
}

func noteFeedback(_ context.Context, a *Agent, req domain.CollaborationRequest) domain.CollaborationResponse {
	return domain.CollaborationResponse{Approved: true, Feedback: fmt.Sprintf("%s noted feedback on %d artifact(s)", a.dept, len(req.ArtifactIDs))}
}

func acknowledge(_ context.Context, a *Agent, req domain.CollaborationRequest) domain.CollaborationResponse {
	return domain.CollaborationResponse{Approved: true, Feedback: fmt.Sprintf("%s acknowledged %s request", a.dept, req.Type)}
}
