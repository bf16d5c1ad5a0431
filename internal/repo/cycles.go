package repo

import (
	"context"
	"database/sql"
	"strings"

	"meterline/internal/domain"
)

const cycleCols = `id,code,COALESCE(description,''),agency_code,fiscal_year,fiscal_month,status,round_count,client_count,read_client_count,anomaly_count,completion_rate,version,created_at,updated_at`

func scanCycle(scan func(dest ...any) error) (domain.BillingCycle, error) {
	var c domain.BillingCycle
	var rate string
	err := scan(&c.ID, &c.Code, &c.Description, &c.AgencyCode, &c.FiscalYear, &c.FiscalMonth,
		&c.Status, &c.RoundCount, &c.ClientCount, &c.ReadClientCount, &c.AnomalyCount,
		&rate, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.CompletionRate, err = decFromCol(rate)
	return c, err
}

func (r Repo) InsertCycle(ctx context.Context, tx *sql.Tx, c domain.BillingCycle) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO billing_cycles(id,code,description,agency_code,fiscal_year,fiscal_month,status,round_count,client_count,read_client_count,anomaly_count,completion_rate,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Code, nullable(c.Description), c.AgencyCode, c.FiscalYear, c.FiscalMonth,
		c.Status, c.RoundCount, c.ClientCount, c.ReadClientCount, c.AnomalyCount,
		decToArg(c.CompletionRate), c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCycle(ctx context.Context, id string) (domain.BillingCycle, error) {
	return r.GetCycleTx(ctx, nil, id)
}

func (r Repo) GetCycleTx(ctx context.Context, tx *sql.Tx, id string) (domain.BillingCycle, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+cycleCols+` FROM billing_cycles WHERE id=?`, id)
	return scanCycle(row.Scan)
}

func (r Repo) GetCycleByCode(ctx context.Context, code string) (domain.BillingCycle, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+cycleCols+` FROM billing_cycles WHERE code=?`, code)
	return scanCycle(row.Scan)
}

type CycleFilters struct {
	AgencyCode      string
	Status          string
	FiscalYear      int
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCycles(ctx context.Context, f CycleFilters) ([]domain.BillingCycle, error) {
	var clauses []string
	var args []any
	if f.AgencyCode != "" {
		clauses = append(clauses, "agency_code=?")
		args = append(args, f.AgencyCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.FiscalYear > 0 {
		clauses = append(clauses, "fiscal_year=?")
		args = append(args, f.FiscalYear)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + cycleCols + ` FROM billing_cycles ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.BillingCycle
	for rows.Next() {
		c, err := scanCycle(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCycle writes back a cycle read at c.Version. Returns false when the
// row moved since that read (optimistic-concurrency miss).
func (r Repo) UpdateCycle(ctx context.Context, tx *sql.Tx, c domain.BillingCycle) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE billing_cycles SET description=?, status=?, round_count=?, client_count=?, read_client_count=?, anomaly_count=?, completion_rate=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		nullable(c.Description), c.Status, c.RoundCount, c.ClientCount, c.ReadClientCount,
		c.AnomalyCount, decToArg(c.CompletionRate), c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
