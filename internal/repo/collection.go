package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"meterline/internal/domain"
)

const caseCols = `id,client_id,COALESCE(client_name,''),contract_ref,agency_code,COALESCE(agent_id,''),amount_due,amount_collected,status,has_payment_plan,version,created_at,updated_at`

func scanCase(scan func(dest ...any) error) (domain.CollectionCase, error) {
	var c domain.CollectionCase
	var due, collected string
	err := scan(&c.ID, &c.ClientID, &c.ClientName, &c.ContractRef, &c.AgencyCode, &c.AgentID,
		&due, &collected, &c.Status, &c.HasPaymentPlan, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.AmountDue, err = decFromCol(due); err != nil {
		return c, err
	}
	c.AmountCollected, err = decFromCol(collected)
	return c, err
}

func (r Repo) InsertCase(ctx context.Context, tx *sql.Tx, c domain.CollectionCase) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO collection_cases(id,client_id,client_name,contract_ref,agency_code,agent_id,amount_due,amount_collected,status,has_payment_plan,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.ClientID, nullable(c.ClientName), c.ContractRef, c.AgencyCode, nullable(c.AgentID),
		decToArg(c.AmountDue), decToArg(c.AmountCollected), c.Status, c.HasPaymentPlan,
		c.Version, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.CollectionCase, error) {
	return r.GetCaseTx(ctx, nil, id)
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.CollectionCase, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+caseCols+` FROM collection_cases WHERE id=?`, id)
	return scanCase(row.Scan)
}

type CaseFilters struct {
	AgencyCode      string
	Status          string
	ClientID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.CollectionCase, error) {
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
	if f.ClientID != "" {
		clauses = append(clauses, "client_id=?")
		args = append(args, f.ClientID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseCols + ` FROM collection_cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CollectionCase
	for rows.Next() {
		c, err := scanCase(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCase(ctx context.Context, tx *sql.Tx, c domain.CollectionCase) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE collection_cases SET agent_id=?, amount_collected=?, status=?, has_payment_plan=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		nullable(c.AgentID), decToArg(c.AmountCollected), c.Status, c.HasPaymentPlan,
		c.UpdatedAt, c.ID, c.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r Repo) InsertCaseAction(ctx context.Context, tx *sql.Tx, a domain.CollectionAction) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO collection_actions(id,case_id,agent_id,type,amount,action_date,latitude,longitude,observations,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.CaseID, a.AgentID, a.Type, decToArg(a.Amount), a.ActionDate,
		nullableFloatPtr(a.Latitude), nullableFloatPtr(a.Longitude), nullable(a.Observations), a.CreatedAt)
	return err
}

func (r Repo) ListCaseActions(ctx context.Context, caseID string) ([]domain.CollectionAction, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,case_id,agent_id,type,amount,action_date,latitude,longitude,COALESCE(observations,''),created_at FROM collection_actions WHERE case_id=? ORDER BY action_date ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CollectionAction
	for rows.Next() {
		var a domain.CollectionAction
		var amount string
		var lat, lng sql.NullFloat64
		if err := rows.Scan(&a.ID, &a.CaseID, &a.AgentID, &a.Type, &amount, &a.ActionDate, &lat, &lng, &a.Observations, &a.CreatedAt); err != nil {
			return nil, err
		}
		if lat.Valid {
			a.Latitude = &lat.Float64
		}
		if lng.Valid {
			a.Longitude = &lng.Float64
		}
		if a.Amount, err = decFromCol(amount); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// SumCasePayments recomputes collected money from PAYMENT actions. Amounts
// are summed in Go so decimal exactness survives the TEXT storage.
func (r Repo) SumCasePayments(ctx context.Context, tx *sql.Tx, caseID string) (decimal.Decimal, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT amount FROM collection_actions WHERE case_id=? AND type=?`, caseID, domain.ActionPayment)
	if err != nil {
		return decimal.Zero, err
	}
	defer rows.Close()
	sum := decimal.Zero
	for rows.Next() {
		var amount string
		if err := rows.Scan(&amount); err != nil {
			return decimal.Zero, err
		}
		d, err := decFromCol(amount)
		if err != nil {
			return decimal.Zero, err
		}
		sum = sum.Add(d)
	}
	return sum, rows.Err()
}
