// Package collab routes collaboration requests between department agents.
package collab

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studioline/internal/domain"
)

// Participant is anything that can answer a collaboration request.
type Participant interface {
	Department() domain.Department
	Collaborate(ctx context.Context, req domain.CollaborationRequest) domain.CollaborationResponse
}

type UnknownAgentError struct {
	Department domain.Department
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("no agent for department %s", e.Department)
}

// Exchange is one request and its answer.
type Exchange struct {
	Request  domain.CollaborationRequest  `json:"request"`
	Response domain.CollaborationResponse `json:"response"`
	At       time.Time                    `json:"at"`
}

type Channel struct {
	mu           sync.RWMutex
	participants map[domain.Department]Participant
	history      []Exchange
	now          func() time.Time
	observers    []func(Exchange)
}

type Option func(*Channel)

func WithClock(clock func() time.Time) Option {
	return func(c *Channel) { c.now = clock }
}

// WithObserver is called after every exchange.
func WithObserver(fn func(Exchange)) Option {
	return func(c *Channel) { c.observers = append(c.observers, fn) }
}

func NewChannel(opts ...Option) *Channel {
	c := &Channel{participants: make(map[domain.Department]Participant), now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Join(p Participant) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.participants[p.Department()] = p
}

// Send delivers a request to its target department and records the exchange.
func (c *Channel) Send(ctx context.Context, req domain.CollaborationRequest) (domain.CollaborationResponse, error) {
	c.mu.RLock()
	target, ok := c.participants[req.To]
	c.mu.RUnlock()
	if !ok {
		return domain.CollaborationResponse{}, &UnknownAgentError{Department: req.To}
	}
	resp := target.Collaborate(ctx, req)
	ex := Exchange{Request: req, Response: resp, At: c.now().UTC()}
	c.mu.Lock()
	c.history = append(c.history, ex)
	observers := c.observers
	c.mu.Unlock()
	for _, fn := range observers {
		fn(ex)
	}
	return resp, nil
}

// Handoff passes artifacts from one department to another.
func (c *Channel) Handoff(ctx context.Context, from, to domain.Department, artifactIDs []string, message string) (domain.CollaborationResponse, error) {
	return c.Send(ctx, domain.CollaborationRequest{From: from, To: to, Type: domain.CollabHandoff, ArtifactIDs: artifactIDs, Message: message})
}

// History returns every exchange in the order it happened.
func (c *Channel) History() []Exchange {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Exchange(nil), c.history...)
}
