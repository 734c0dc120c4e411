package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"studioline/internal/domain"
	"studioline/internal/phase"
)

// ArtifactRecord is a stored artifact with the phase it was produced in and its deliverable status.
type ArtifactRecord struct {
	Artifact domain.Artifact
	Phase    domain.Phase
	Status   domain.DeliverableStatus
}

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, productionID string, rec ArtifactRecord) error {
	a := rec.Artifact
	payload, err := json.Marshal(a.Payload)
	if err != nil {
		return fmt.Errorf("encode payload of %s: %w", a.ID, err)
	}
	deps, err := marshalList(a.Dependencies)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO artifacts(id,production_id,task_id,phase,type,name,department,version,payload_json,dependencies_json,status,created_by,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, productionID, nullable(a.TaskID), nullable(string(rec.Phase)), a.Type, a.Name, string(a.Department), a.Version,
		string(payload), deps, nullable(string(rec.Status)), a.CreatedBy, formatTime(a.CreatedAt))
	return err
}

// UpdateArtifactStatusTx sets the deliverable status of a stored artifact.
func (r Repo) UpdateArtifactStatusTx(ctx context.Context, tx *sql.Tx, productionID, artifactID string, status domain.DeliverableStatus) error {
	res, err := r.exec(tx).ExecContext(ctx, `UPDATE artifacts SET status=? WHERE production_id=? AND id=?`, string(status), productionID, artifactID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListArtifacts returns a production's artifacts in creation order, optionally for one phase.
func (r Repo) ListArtifacts(ctx context.Context, productionID string, ph domain.Phase) ([]ArtifactRecord, error) {
	query := `SELECT id,COALESCE(task_id,''),COALESCE(phase,''),type,name,department,version,payload_json,dependencies_json,COALESCE(status,''),created_by,created_at FROM artifacts WHERE production_id=?`
	args := []any{productionID}
	if ph != "" {
		query += ` AND phase=?`
		args = append(args, string(ph))
	}
	query += ` ORDER BY created_at, rowid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ArtifactRecord
	for rows.Next() {
		var (
			rec                      ArtifactRecord
			a                        = &rec.Artifact
			phaseName, dept, status  string
			payload, deps, createdAt sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.TaskID, &phaseName, &a.Type, &a.Name, &dept, &a.Version, &payload, &deps, &status, &a.CreatedBy, &createdAt); err != nil {
			return nil, err
		}
		rec.Phase = domain.Phase(phaseName)
		rec.Status = domain.DeliverableStatus(status)
		a.Department = domain.Department(dept)
		a.CreatedAt = parseTime(createdAt)
		if payload.Valid && payload.String != "" && payload.String != "null" {
			if err := json.Unmarshal([]byte(payload.String), &a.Payload); err != nil {
				return nil, fmt.Errorf("decode payload of %s: %w", a.ID, err)
			}
		}
		if a.Dependencies, err = unmarshalList(deps); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// TaskRecord is an executed task with its result.
type TaskRecord struct {
	Phase  domain.Phase
	Task   domain.Task
	Result domain.TaskResult
}

func (r Repo) InsertTaskResultTx(ctx context.Context, tx *sql.Tx, productionID string, rec TaskRecord) error {
	task, err := json.Marshal(rec.Task)
	if err != nil {
		return err
	}
	// Artifacts are stored in their own table.
	res := rec.Result
	res.ProducedArtifacts = nil
	result, err := json.Marshal(res)
	if err != nil {
		return err
	}
	_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO task_results(production_id,task_id,phase,department,type,success,quality,round,provider,credits,task_json,result_json,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		productionID, rec.Task.ID, string(rec.Phase), string(rec.Task.Department), rec.Task.Type, boolInt(res.Success), res.QualityScore,
		res.Round, nullable(res.Provider), res.CreditsUsed, string(task), string(result), formatTime(time.Now()))
	return err
}

// ListTaskRecords returns executed tasks in execution order. Produced artifacts are
// reattached from the artifacts table.
func (r Repo) ListTaskRecords(ctx context.Context, productionID string) ([]TaskRecord, error) {
	arts, err := r.ListArtifacts(ctx, productionID, "")
	if err != nil {
		return nil, err
	}
	byTask := map[string][]domain.Artifact{}
	for _, a := range arts {
		byTask[a.Artifact.TaskID] = append(byTask[a.Artifact.TaskID], a.Artifact)
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT phase,task_json,result_json FROM task_results WHERE production_id=? ORDER BY seq`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []TaskRecord
	for rows.Next() {
		var (
			rec          TaskRecord
			ph           string
			task, result string
		)
		if err := rows.Scan(&ph, &task, &result); err != nil {
			return nil, err
		}
		rec.Phase = domain.Phase(ph)
		if err := json.Unmarshal([]byte(task), &rec.Task); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		if err := json.Unmarshal([]byte(result), &rec.Result); err != nil {
			return nil, fmt.Errorf("decode result of %s: %w", rec.Task.ID, err)
		}
		rec.Result.ProducedArtifacts = byTask[rec.Task.ID]
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) UpsertReviewTx(ctx context.Context, tx *sql.Tx, productionID string, rv domain.Review) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO reviews(production_id,task_id,approved,rating,feedback,revision_required,revision_notes,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(production_id,task_id) DO UPDATE SET approved=excluded.approved, rating=excluded.rating, feedback=excluded.feedback, revision_required=excluded.revision_required, revision_notes=excluded.revision_notes`,
		productionID, rv.TaskID, boolInt(rv.Approved), rv.Rating, rv.Feedback, boolInt(rv.RevisionRequired), nullable(rv.RevisionNotes), formatTime(time.Now()))
	return err
}

func (r Repo) ListReviews(ctx context.Context, productionID string) (map[string]domain.Review, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT task_id,approved,rating,feedback,revision_required,COALESCE(revision_notes,'') FROM reviews WHERE production_id=?`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]domain.Review{}
	for rows.Next() {
		var (
			rv                 domain.Review
			approved, revision int
		)
		if err := rows.Scan(&rv.TaskID, &approved, &rv.Rating, &rv.Feedback, &revision, &rv.RevisionNotes); err != nil {
			return nil, err
		}
		rv.Approved = approved == 1
		rv.RevisionRequired = revision == 1
		res[rv.TaskID] = rv
	}
	return res, rows.Err()
}

func (r Repo) InsertPhaseOutcomeTx(ctx context.Context, tx *sql.Tx, productionID string, o phase.Outcome) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO phase_outcomes(production_id,phase,success,summary,completed_at) VALUES (?,?,?,?,?)`,
		productionID, string(o.Phase), boolInt(o.Success), nullable(o.Summary), formatTime(time.Now()))
	return err
}

// ListPhaseOutcomes returns completed phases in lifecycle order.
func (r Repo) ListPhaseOutcomes(ctx context.Context, productionID string) ([]phase.Outcome, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase,success,COALESCE(summary,'') FROM phase_outcomes WHERE production_id=?`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	byPhase := map[domain.Phase]phase.Outcome{}
	for rows.Next() {
		var (
			o       phase.Outcome
			ph      string
			success int
		)
		if err := rows.Scan(&ph, &success, &o.Summary); err != nil {
			return nil, err
		}
		o.Phase = domain.Phase(ph)
		o.Success = success == 1
		byPhase[o.Phase] = o
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []phase.Outcome
	for _, ph := range domain.Phases() {
		if o, ok := byPhase[ph]; ok {
			res = append(res, o)
		}
	}
	return res, nil
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO decisions(id,production_id,type,subject,details,decider_id,created_at) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.ProjectID, string(d.Type), d.Subject, nullable(d.Details), d.DeciderID, d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, productionID string) ([]domain.Decision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,production_id,type,subject,COALESCE(details,''),decider_id,created_at FROM decisions WHERE production_id=? ORDER BY created_at, rowid`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var (
			d   domain.Decision
			typ string
		)
		if err := rows.Scan(&d.ID, &d.ProjectID, &typ, &d.Subject, &d.Details, &d.DeciderID, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.Type = domain.DecisionType(typ)
		res = append(res, d)
	}
	return res, rows.Err()
}
