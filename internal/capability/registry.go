package capability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"studioline/internal/domain"
)

const defaultCallTimeout = 30 * time.Second

// Registry holds the providers of one production.
type Registry struct {
	mu          sync.RWMutex
	providers   map[string]Provider
	order       map[string]int
	byDept      map[domain.Department][]string
	byCategory  map[string][]string
	callTimeout time.Duration
	logger      *slog.Logger
}

type Option func(*Registry)

// WithCallTimeout bounds every provider call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Registry) { r.callTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		providers:   make(map[string]Provider),
		order:       make(map[string]int),
		byDept:      make(map[domain.Department][]string),
		byCategory:  make(map[string][]string),
		callTimeout: defaultCallTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a provider. Ids are unique within the registry.
func (r *Registry) Register(p Provider) error {
	d := p.Descriptor()
	if d.ID == "" {
		return errors.New("provider id is required")
	}
	if d.Tier != "" {
		if _, err := domain.ParseTier(string(d.Tier)); err != nil {
			return fmt.Errorf("provider %s: %w", d.ID, err)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.providers[d.ID]; ok {
		return &DuplicateProviderError{ID: d.ID}
	}
	r.providers[d.ID] = p
	r.order[d.ID] = len(r.order)
	for _, dept := range d.Departments {
		r.byDept[dept] = append(r.byDept[dept], d.ID)
	}
	r.byCategory[d.Category] = append(r.byCategory[d.Category], d.ID)
	return nil
}

// Get returns a provider by id.
func (r *Registry) Get(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// Descriptors lists every registered provider in registration order.
func (r *Registry) Descriptors() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p.Descriptor())
	}
	sort.Slice(out, func(i, j int) bool { return r.order[out[i].ID] < r.order[out[j].ID] })
	return out
}

// SelectRanked returns matching providers, best tier first and registration order within a tier.
func (r *Registry) SelectRanked(c Criteria) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var ids []string
	switch {
	case c.Department != "":
		ids = r.byDept[c.Department]
	case c.Category != "":
		ids = r.byCategory[c.Category]
	default:
		for id := range r.providers {
			ids = append(ids, id)
		}
	}
	type ranked struct {
		p     Provider
		tier  int
		order int
	}
	var candidates []ranked
	for _, id := range ids {
		p := r.providers[id]
		d := p.Descriptor()
		if !c.match(d) {
			continue
		}
		candidates = append(candidates, ranked{p: p, tier: d.Tier.Rank(), order: r.order[id]})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].tier != candidates[j].tier {
			return candidates[i].tier < candidates[j].tier
		}
		return candidates[i].order < candidates[j].order
	})
	out := make([]Provider, len(candidates))
	for i, rk := range candidates {
		out[i] = rk.p
	}
	return out
}

// SelectOne returns the best matching provider.
func (r *Registry) SelectOne(c Criteria) (Provider, bool) {
	ranked := r.SelectRanked(c)
	if len(ranked) == 0 {
		return nil, false
	}
	return ranked[0], true
}

// Execution is a successful fallback run.
type Execution struct {
	Output     Output
	ProviderID string
	Attempts   []Attempt
}

// ExecuteWithFallback tries ranked candidates until one succeeds.
// Validation failures, errors, unsuccessful outputs and deadline expiry all move on to the next candidate.
func (r *Registry) ExecuteWithFallback(ctx context.Context, c Criteria, action Action, input map[string]any) (Execution, error) {
	c.Action = action
	candidates := r.SelectRanked(c)
	var attempts []Attempt
	for _, p := range candidates {
		if err := ctx.Err(); err != nil {
			return Execution{Attempts: attempts}, err
		}
		d := p.Descriptor()
		start := time.Now()
		out, err := r.call(ctx, p, d, action, input)
		elapsed := time.Since(start).Milliseconds()
		if err == nil {
			attempts = append(attempts, Attempt{ProviderID: d.ID, DurationMs: elapsed})
			if out.Metadata.ExecutionTimeMs == 0 {
				out.Metadata.ExecutionTimeMs = elapsed
			}
			return Execution{Output: out, ProviderID: d.ID, Attempts: attempts}, nil
		}
		attempts = append(attempts, Attempt{ProviderID: d.ID, Error: err.Error(), DurationMs: elapsed})
		r.logger.Warn("provider attempt failed", "provider", d.ID, "action", action, "tier", d.Tier, "error", err)
	}
	return Execution{Attempts: attempts}, &ExhaustedError{Action: action, Attempts: attempts}
}

func (r *Registry) call(ctx context.Context, p Provider, d Descriptor, action Action, input map[string]any) (Output, error) {
	schema, _ := d.Supports(action)
	if err := schema.Validate(input); err != nil {
		return Output{}, err
	}
	callCtx := ctx
	cancel := func() {}
	if r.callTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, r.callTimeout)
	}
	defer cancel()

	type result struct {
		out Output
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- result{err: fmt.Errorf("provider panic: %v", rec)}
			}
		}()
		out, err := p.Execute(callCtx, Request{Action: action, Input: input})
		done <- result{out: out, err: err}
	}()
	select {
	case res := <-done:
		if res.err != nil {
			return Output{}, res.err
		}
		if !res.out.Success {
			msg := res.out.Error
			if msg == "" {
				msg = "provider reported failure"
			}
			return Output{}, errors.New(msg)
		}
		return res.out, nil
	case <-callCtx.Done():
		return Output{}, fmt.Errorf("deadline: %w", callCtx.Err())
	}
}
