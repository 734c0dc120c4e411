// Package artifact keeps the append-only store of production outputs.
package artifact

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"studioline/internal/domain"
)

// Draft is an artifact before the store assigns identity and version.
type Draft struct {
	Type         string
	Name         string
	Payload      map[string]any
	Dependencies []string
}

// Meta identifies who produced a draft.
type Meta struct {
	Department domain.Department
	CreatedBy  string
	TaskID     string
}

type MissingDependencyError struct {
	IDs []string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("artifact: dependencies not in store: %v", e.IDs)
}

type lineageKey struct {
	dept domain.Department
	typ  string
	name string
}

// Store is safe for concurrent use. Artifacts are never mutated once added.
type Store struct {
	mu      sync.RWMutex
	byID    map[string]domain.Artifact
	order   []string
	lineage map[lineageKey][]string
	byTask  map[string][]string
	now     func() time.Time
	newID   func() string
	sinks   []func(domain.Artifact)
}

// StoreOption customizes a Store during construction.
type StoreOption func(*Store)

// WithClock overrides the clock used for creation timestamps.
func WithClock(clock func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = clock
	}
}

// WithIDs overrides artifact id generation.
func WithIDs(gen func() string) StoreOption {
	return func(s *Store) {
		s.newID = gen
	}
}

// WithSink registers a callback invoked for every stored artifact.
func WithSink(fn func(domain.Artifact)) StoreOption {
	return func(s *Store) {
		s.sinks = append(s.sinks, fn)
	}
}

func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		byID:    make(map[string]domain.Artifact),
		lineage: make(map[lineageKey][]string),
		byTask:  make(map[string][]string),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Create stores a new artifact. Its version follows the latest artifact
// sharing department, type and name.
func (s *Store) Create(d Draft, meta Meta) (domain.Artifact, error) {
	if d.Type == "" {
		return domain.Artifact{}, fmt.Errorf("artifact: type is required")
	}
	name := d.Name
	if name == "" {
		name = d.Type
	}
	s.mu.Lock()
	var missing []string
	for _, dep := range d.Dependencies {
		if _, ok := s.byID[dep]; !ok {
			missing = append(missing, dep)
		}
	}
	if len(missing) > 0 {
		s.mu.Unlock()
		return domain.Artifact{}, &MissingDependencyError{IDs: missing}
	}
	key := lineageKey{dept: meta.Department, typ: d.Type, name: name}
	a := domain.Artifact{
		ID:           s.newID(),
		Type:         d.Type,
		Name:         name,
		Department:   meta.Department,
		Payload:      copyPayload(d.Payload),
		Version:      len(s.lineage[key]) + 1,
		CreatedAt:    s.now().UTC(),
		CreatedBy:    meta.CreatedBy,
		TaskID:       meta.TaskID,
		Dependencies: append([]string(nil), d.Dependencies...),
	}
	s.insertLocked(key, a)
	sinks := s.sinks
	s.mu.Unlock()

	for _, fn := range sinks {
		fn(a)
	}
	return a, nil
}

// Restore adds a previously persisted artifact without invoking sinks.
func (s *Store) Restore(a domain.Artifact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[a.ID]; ok {
		return
	}
	s.insertLocked(lineageKey{dept: a.Department, typ: a.Type, name: a.Name}, a)
}

func (s *Store) insertLocked(key lineageKey, a domain.Artifact) {
	s.byID[a.ID] = a
	s.order = append(s.order, a.ID)
	s.lineage[key] = append(s.lineage[key], a.ID)
	if a.TaskID != "" {
		s.byTask[a.TaskID] = append(s.byTask[a.TaskID], a.ID)
	}
}

func (s *Store) Get(id string) (domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	return a, ok
}

// Resolve finds an artifact by id, falling back to the latest artifact of that type.
func (s *Store) Resolve(ref string) (domain.Artifact, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if a, ok := s.byID[ref]; ok {
		return a, true
	}
	for i := len(s.order) - 1; i >= 0; i-- {
		a := s.byID[s.order[i]]
		if a.Type == ref {
			return a, true
		}
	}
	return domain.Artifact{}, false
}

// ByTask returns the artifacts a task produced, oldest first.
func (s *Store) ByTask(taskID string) []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.byTask[taskID])
}

// HasTaskOutput reports whether a task has produced at least one artifact.
func (s *Store) HasTaskOutput(taskID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTask[taskID]) > 0
}

// History returns every version of a lineage, oldest first.
func (s *Store) History(dept domain.Department, typ, name string) []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.lineage[lineageKey{dept: dept, typ: typ, name: name}])
}

func (s *Store) All() []domain.Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.collectLocked(s.order)
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order)
}

func (s *Store) collectLocked(ids []string) []domain.Artifact {
	out := make([]domain.Artifact, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out
}

func copyPayload(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
