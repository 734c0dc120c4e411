// Package phase drives the production lifecycle and turns phase templates into tasks.
package phase

import (
	"fmt"
	"sync"

	"studioline/internal/domain"
)

// TransitionError reports an attempt to leave the fixed phase order.
type TransitionError struct {
	From domain.Phase
	To   domain.Phase
	Msg  string
}

func (e *TransitionError) Error() string {
	from := string(e.From)
	if from == "" {
		from = "start"
	}
	return fmt.Sprintf("cannot enter %s from %s: %s", e.To, from, e.Msg)
}

// Outcome is how a phase finished.
type Outcome struct {
	Phase   domain.Phase `json:"phase"`
	Success bool         `json:"success"`
	Summary string       `json:"summary"`
}

// Machine enforces the strict lifecycle order. A phase is entered once and
// phases are never skipped. A failed phase still counts as completed.
type Machine struct {
	mu        sync.Mutex
	current   domain.Phase
	active    bool
	completed []Outcome
}

func NewMachine() *Machine {
	return &Machine{}
}

// Resume rebuilds a machine from the outcomes of already completed phases.
func Resume(done []Outcome) (*Machine, error) {
	m := NewMachine()
	for _, o := range done {
		if err := m.Begin(o.Phase); err != nil {
			return nil, err
		}
		if err := m.Complete(o); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Current returns the active phase, or the last completed one.
func (m *Machine) Current() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Machine) Active() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Next returns the phase that may be entered next, or "" when the lifecycle is finished.
func (m *Machine) Next() domain.Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextLocked()
}

func (m *Machine) nextLocked() domain.Phase {
	all := domain.Phases()
	if len(m.completed) >= len(all) {
		return ""
	}
	return all[len(m.completed)]
}

func (m *Machine) Begin(p domain.Phase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Index() < 0 {
		return &TransitionError{From: m.current, To: p, Msg: "unknown phase"}
	}
	if m.active {
		return &TransitionError{From: m.current, To: p, Msg: fmt.Sprintf("%s is still running", m.current)}
	}
	next := m.nextLocked()
	switch {
	case next == "":
		return &TransitionError{From: m.current, To: p, Msg: "production already delivered"}
	case p.Index() < next.Index():
		return &TransitionError{From: m.current, To: p, Msg: "phase already completed"}
	case p != next:
		return &TransitionError{From: m.current, To: p, Msg: fmt.Sprintf("%s must run first", next)}
	}
	m.current = p
	m.active = true
	return nil
}

func (m *Machine) Complete(o Outcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active || o.Phase != m.current {
		return fmt.Errorf("phase %s is not running", o.Phase)
	}
	m.active = false
	m.completed = append(m.completed, o)
	return nil
}

// Completed returns the outcomes of finished phases in order.
func (m *Machine) Completed() []Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Outcome(nil), m.completed...)
}

// IsClosed reports whether a phase has already completed.
func (m *Machine) IsClosed(p domain.Phase) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.completed {
		if o.Phase == p {
			return true
		}
	}
	return false
}

func (m *Machine) Finished() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.completed) == len(domain.Phases())
}
