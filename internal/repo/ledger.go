package repo

import (
	"context"
	"database/sql"

	"studioline/internal/domain"
)

// UpsertAllocationsTx writes the current budget position of every department given.
func (r Repo) UpsertAllocationsTx(ctx context.Context, tx *sql.Tx, productionID string, allocs []domain.BudgetAllocation) error {
	for _, a := range allocs {
		_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO budget_allocations(production_id,department,allocated,spent,remaining) VALUES (?,?,?,?,?)
ON CONFLICT(production_id,department) DO UPDATE SET allocated=excluded.allocated, spent=excluded.spent, remaining=excluded.remaining`,
			productionID, string(a.Department), a.Allocated, a.Spent, a.Remaining)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListAllocations(ctx context.Context, productionID string) ([]domain.BudgetAllocation, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT department,allocated,spent,remaining FROM budget_allocations WHERE production_id=? ORDER BY department`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BudgetAllocation
	for rows.Next() {
		var a domain.BudgetAllocation
		var dept string
		if err := rows.Scan(&dept, &a.Allocated, &a.Spent, &a.Remaining); err != nil {
			return nil, err
		}
		a.Department = domain.Department(dept)
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertExpenseTx(ctx context.Context, tx *sql.Tx, productionID string, e domain.Expense) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO expenses(id,production_id,department,amount,description,recorded_at) VALUES (?,?,?,?,?,?)`,
		e.ID, productionID, string(e.Department), e.Amount, nullable(e.Description), formatTime(e.RecordedAt))
	return err
}

func (r Repo) ListExpenses(ctx context.Context, productionID string) ([]domain.Expense, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,department,amount,COALESCE(description,''),recorded_at FROM expenses WHERE production_id=? ORDER BY recorded_at, rowid`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Expense
	for rows.Next() {
		var (
			e    domain.Expense
			dept string
			at   sql.NullString
		)
		if err := rows.Scan(&e.ID, &dept, &e.Amount, &e.Description, &at); err != nil {
			return nil, err
		}
		e.Department = domain.Department(dept)
		e.RecordedAt = parseTime(at)
		res = append(res, e)
	}
	return res, rows.Err()
}

// UpsertMilestonesTx stores milestone definitions and completion state.
func (r Repo) UpsertMilestonesTx(ctx context.Context, tx *sql.Tx, productionID string, ms []domain.Milestone) error {
	for _, m := range ms {
		required, err := marshalList(m.RequiredArtifacts)
		if err != nil {
			return err
		}
		var completedAt any
		if m.CompletedAt != nil {
			completedAt = formatTime(*m.CompletedAt)
		}
		_, err = r.exec(tx).ExecContext(ctx, `INSERT INTO milestones(production_id,id,name,phase,due_date,required_json,completed,completed_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(production_id,id) DO UPDATE SET completed=excluded.completed, completed_at=excluded.completed_at`,
			productionID, m.ID, m.Name, nullable(string(m.Phase)), formatTime(m.DueDate), required, boolInt(m.Completed), completedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r Repo) ListMilestones(ctx context.Context, productionID string) ([]domain.Milestone, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(phase,''),due_date,required_json,completed,completed_at FROM milestones WHERE production_id=? ORDER BY due_date, id`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Milestone
	for rows.Next() {
		var (
			m                 domain.Milestone
			ph                string
			due, required, at sql.NullString
			completed         int
		)
		if err := rows.Scan(&m.ID, &m.Name, &ph, &due, &required, &completed, &at); err != nil {
			return nil, err
		}
		m.Phase = domain.Phase(ph)
		m.DueDate = parseTime(due)
		if m.RequiredArtifacts, err = unmarshalList(required); err != nil {
			return nil, err
		}
		m.Completed = completed == 1
		if t := parseTime(at); !t.IsZero() {
			m.CompletedAt = &t
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) InsertRiskTx(ctx context.Context, tx *sql.Tx, productionID string, k domain.Risk) error {
	_, err := r.exec(tx).ExecContext(ctx, `INSERT INTO risks(id,production_id,kind,department,subject,message,severity,raised_at) VALUES (?,?,?,?,?,?,?,?)`,
		k.ID, productionID, string(k.Kind), nullable(string(k.Department)), nullable(k.Subject), k.Message, k.Severity, formatTime(k.RaisedAt))
	return err
}

func (r Repo) ListRisks(ctx context.Context, productionID string) ([]domain.Risk, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,kind,COALESCE(department,''),COALESCE(subject,''),message,severity,raised_at FROM risks WHERE production_id=? ORDER BY raised_at, rowid`, productionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Risk
	for rows.Next() {
		var (
			k          domain.Risk
			kind, dept string
			at         sql.NullString
		)
		if err := rows.Scan(&k.ID, &kind, &dept, &k.Subject, &k.Message, &k.Severity, &at); err != nil {
			return nil, err
		}
		k.Kind = domain.RiskKind(kind)
		k.Department = domain.Department(dept)
		k.RaisedAt = parseTime(at)
		res = append(res, k)
	}
	return res, rows.Err()
}
