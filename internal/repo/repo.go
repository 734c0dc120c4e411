// Package repo is the SQL persistence layer for productions and their activity.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studioline/internal/config"
	"studioline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// timeLayout keeps fractional seconds fixed-width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// ProductionRecord is a production row plus the inputs needed to rebuild its runtime.
type ProductionRecord struct {
	Production    domain.Production
	Brief         domain.Brief
	BudgetTotal   float64
	ScheduleStart time.Time
	ScheduleEnd   time.Time
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r Repo) exec(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const productionCols = `id,title,COALESCE(logline,''),COALESCE(genre,''),COALESCE(format,''),status,COALESCE(current_phase,''),created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanProduction(row scanner) (domain.Production, error) {
	var p domain.Production
	err := row.Scan(&p.ID, &p.Title, &p.Logline, &p.Genre, &p.Format, &p.Status, &p.CurrentPhase, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) InsertProductionTx(ctx context.Context, tx *sql.Tx, rec ProductionRecord) error {
	p := rec.Production
	if p.ID == "" || strings.TrimSpace(p.Title) == "" {
		return errors.New("production id and title required")
	}
	brief, err := json.Marshal(rec.Brief)
	if err != nil {
		return err
	}
	if p.Status == "" {
		p.Status = "active"
	}
	if p.CreatedAt == "" {
		p.CreatedAt = time.Now().UTC().Format(time.RFC3339)
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO productions(id,title,logline,genre,format,status,current_phase,budget_total,schedule_start,schedule_end,brief_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, nullable(p.Logline), nullable(p.Genre), nullable(p.Format), p.Status, nullable(p.CurrentPhase),
		rec.BudgetTotal, formatTime(rec.ScheduleStart), formatTime(rec.ScheduleEnd), string(brief), p.CreatedAt)
	return err
}

func (r Repo) GetProduction(ctx context.Context, id string) (domain.Production, error) {
	return scanProduction(r.DB.QueryRowContext(ctx, `SELECT `+productionCols+` FROM productions WHERE id=?`, id))
}

// GetProductionRecord loads the production with its brief, budget and schedule window.
func (r Repo) GetProductionRecord(ctx context.Context, id string) (ProductionRecord, error) {
	var (
		rec        ProductionRecord
		brief      string
		start, end sql.NullString
	)
	p := &rec.Production
	err := r.DB.QueryRowContext(ctx, `SELECT `+productionCols+`,budget_total,schedule_start,schedule_end,brief_json FROM productions WHERE id=?`, id).
		Scan(&p.ID, &p.Title, &p.Logline, &p.Genre, &p.Format, &p.Status, &p.CurrentPhase, &p.CreatedAt, &rec.BudgetTotal, &start, &end, &brief)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(brief), &rec.Brief); err != nil {
		return rec, fmt.Errorf("decode brief: %w", err)
	}
	rec.ScheduleStart = parseTime(start)
	rec.ScheduleEnd = parseTime(end)
	return rec, nil
}

// SingleProduction returns the only production, or an error when there are zero or several.
func (r Repo) SingleProduction(ctx context.Context) (domain.Production, error) {
	ps, err := r.ListProductions(ctx)
	if err != nil {
		return domain.Production{}, err
	}
	if len(ps) == 0 {
		return domain.Production{}, ErrNotFound
	}
	if len(ps) > 1 {
		return domain.Production{}, fmt.Errorf("multiple productions exist; specify --production")
	}
	return ps[0], nil
}

func (r Repo) ListProductions(ctx context.Context) ([]domain.Production, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+productionCols+` FROM productions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Production
	for rows.Next() {
		p, err := scanProduction(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// UpdateProductionPhaseTx records the phase a production is in. An empty status leaves it unchanged.
func (r Repo) UpdateProductionPhaseTx(ctx context.Context, tx *sql.Tx, id string, ph domain.Phase, status string) error {
	fields := []string{"current_phase=?"}
	args := []any{string(ph)}
	if status != "" {
		fields = append(fields, "status=?")
		args = append(args, status)
	}
	args = append(args, id)
	res, err := r.exec(tx).ExecContext(ctx, fmt.Sprintf(`UPDATE productions SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProduction(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM productions WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) UpsertProductionConfig(ctx context.Context, productionID string, cfg *config.Config) error {
	return r.UpsertProductionConfigTx(ctx, nil, productionID, cfg)
}

func (r Repo) UpsertProductionConfigTx(ctx context.Context, tx *sql.Tx, productionID string, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	cfg.Project.ID = productionID
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO production_configs(production_id,config_json,created_at,updated_at) VALUES (?,?,?,?)
ON CONFLICT(production_id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, productionID, string(payload), now, now)
	return err
}

func (r Repo) GetProductionConfig(ctx context.Context, productionID string) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM production_configs WHERE production_id=?`, productionID).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	if cfg.Project.ID == "" {
		cfg.Project.ID = productionID
	}
	return &cfg, cfg.Validate()
}

// EventFilter narrows LatestEvents. Zero values match everything.
type EventFilter struct {
	ProductionID string
	Type         string
	EntityKind   string
	EntityID     string
	// Before returns only events with a smaller id, for paging backwards.
	Before int64
}

const eventCols = `id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(payload_json,'')`

// LatestEvents returns up to limit events, newest first.
func (r Repo) LatestEvents(ctx context.Context, limit int, f EventFilter) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.ProductionID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, f.ProductionID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.Before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Before)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id DESC LIMIT ?`, eventCols, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64, productionID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"id>?"}
	args := []any{cursor}
	if productionID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, productionID)
	}
	query := fmt.Sprintf(`SELECT %s FROM events WHERE %s ORDER BY id ASC LIMIT ?`, eventCols, strings.Join(clauses, " AND "))
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID, across all productions when productionID is empty.
func (r Repo) LatestEventID(ctx context.Context, productionID string) (int64, error) {
	query := `SELECT COALESCE(MAX(id),0) FROM events`
	var args []any
	if productionID != "" {
		query += ` WHERE project_id=?`
		args = append(args, productionID)
	}
	var id int64
	if err := r.DB.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func formatTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(v sql.NullString) time.Time {
	if !v.Valid || v.String == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, v.String)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalList(v []string) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func unmarshalList(v sql.NullString) ([]string, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil, err
	}
	return out, nil
}
