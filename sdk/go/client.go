package studiolinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Studioline HTTP API client.
type Client struct {
	BaseURL      string
	ProductionID string
	APIKey       string
	BearerToken  string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults. Phase runs call providers, so the
// timeout is longer than a plain CRUD client would use.
func New(baseURL, productionID string) *Client {
	return &Client{
		BaseURL:      baseURL,
		ProductionID: productionID,
		Timeout:      2 * time.Minute,
	}
}

// Production represents the API production model.
type Production struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Logline      string `json:"logline,omitempty"`
	Genre        string `json:"genre,omitempty"`
	Format       string `json:"format,omitempty"`
	Status       string `json:"status"`
	CurrentPhase string `json:"current_phase,omitempty"`
	CreatedAt    string `json:"created_at"`
}

// Brief is the input for starting a production.
type Brief struct {
	ID      string             `json:"id,omitempty"`
	Title   string             `json:"title"`
	Logline string             `json:"logline,omitempty"`
	Genre   string             `json:"genre,omitempty"`
	Format  string             `json:"format,omitempty"`
	Budget  float64            `json:"budget,omitempty"`
	Split   map[string]float64 `json:"split,omitempty"`
	Notes   string             `json:"notes,omitempty"`
}

// TaskRun is one executed task of a phase run (partial).
type TaskRun struct {
	TaskID     string   `json:"task_id"`
	Department string   `json:"department"`
	Attempt    int      `json:"attempt"`
	Success    bool     `json:"success"`
	Provider   string   `json:"provider,omitempty"`
	Rating     int      `json:"rating"`
	Status     string   `json:"status"`
	Artifacts  []string `json:"artifacts"`
}

// PhaseRun is the result of running a phase (partial).
type PhaseRun struct {
	ProductionID string        `json:"production_id"`
	Phase        string        `json:"phase"`
	Success      bool          `json:"success"`
	Summary      string        `json:"summary"`
	Error        string        `json:"error,omitempty"`
	Blockers     []string      `json:"blockers"`
	Rounds       [][]string    `json:"rounds"`
	Tasks        []TaskRun     `json:"tasks"`
	NextPhase    string        `json:"next_phase,omitempty"`
	Deliverables []Deliverable `json:"deliverables,omitempty"`
}

// Deliverable is a reviewed artifact of a phase.
type Deliverable struct {
	ArtifactID string `json:"artifact_id"`
	TaskID     string `json:"task_id"`
	Type       string `json:"type"`
	Name       string `json:"name"`
	Department string `json:"department"`
	Phase      string `json:"phase"`
	Version    int    `json:"version"`
	Rating     int    `json:"rating"`
	Status     string `json:"status"`
}

// Decision is a human verdict on a deliverable.
type Decision struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Subject   string `json:"subject"`
	Details   string `json:"details,omitempty"`
	DeciderID string `json:"decider_id"`
	CreatedAt string `json:"created_at"`
}

// DecisionResult reports the statuses a decision changed.
type DecisionResult struct {
	Decision Decision          `json:"decision"`
	Updated  map[string]string `json:"updated"`
	Revision *TaskRun          `json:"revision,omitempty"`
}

// Event represents a log entry.
type Event struct {
	ID           int64          `json:"id"`
	TS           string         `json:"ts"`
	Type         string         `json:"type"`
	ProductionID string         `json:"production_id"`
	EntityID     string         `json:"entity_id"`
	EntityKind   string         `json:"entity_kind"`
	ActorID      string         `json:"actor_id"`
	Payload      map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// StartProduction creates a production. The returned id becomes the client's
// production when none is set.
func (c *Client) StartProduction(ctx context.Context, brief Brief) (Production, error) {
	var resp Production
	if err := c.do(ctx, http.MethodPost, "v0/productions", brief, &resp); err != nil {
		return resp, err
	}
	if c.ProductionID == "" {
		c.ProductionID = resp.ID
	}
	return resp, nil
}

// RunPhase runs the named lifecycle phase.
func (c *Client) RunPhase(ctx context.Context, phase string) (PhaseRun, error) {
	var resp PhaseRun
	err := c.do(ctx, http.MethodPost, c.productionPath(fmt.Sprintf("phases/%s/run", url.PathEscape(phase))), nil, &resp)
	return resp, err
}

// Deliverables lists the deliverables of a phase.
func (c *Client) Deliverables(ctx context.Context, phase string) ([]Deliverable, error) {
	var resp []Deliverable
	err := c.do(ctx, http.MethodGet, c.productionPath(fmt.Sprintf("phases/%s/deliverables", url.PathEscape(phase))), nil, &resp)
	return resp, err
}

// Decide records an approve, reject or modify decision.
func (c *Client) Decide(ctx context.Context, decisionType, subject, details string) (DecisionResult, error) {
	body := map[string]any{
		"type":    decisionType,
		"subject": subject,
		"details": details,
	}
	var resp DecisionResult
	err := c.do(ctx, http.MethodPost, c.productionPath("decisions"), body, &resp)
	return resp, err
}

// Report returns the production dashboard as raw JSON fields.
func (c *Client) Report(ctx context.Context) (map[string]any, error) {
	var resp map[string]any
	err := c.do(ctx, http.MethodGet, c.productionPath("report"), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.productionPath("events")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) productionPath(p string) string {
	production := url.PathEscape(c.ProductionID)
	return fmt.Sprintf("v0/productions/%s/%s", production, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
