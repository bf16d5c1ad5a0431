package repo

import (
	"context"
	"database/sql"
	"strings"

	"github.com/shopspring/decimal"

	"meterline/internal/domain"
)

const planCols = `id,case_id,total_amount,initial_percentage,initial_amount_paid,remaining_amount,installment_count,paid_installment_count,completion_rate,start_date,end_date,status,COALESCE(granted_by,''),COALESCE(observations,''),version,created_at,updated_at`

func scanPlan(scan func(dest ...any) error) (domain.PaymentPlan, error) {
	var p domain.PaymentPlan
	var total, pct, initial, remaining, rate string
	err := scan(&p.ID, &p.CaseID, &total, &pct, &initial, &remaining,
		&p.InstallmentCount, &p.PaidInstallmentCount, &rate,
		&p.StartDate, &p.EndDate, &p.Status, &p.GrantedBy, &p.Observations,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	for _, col := range []struct {
		src string
		dst *decimal.Decimal
	}{{total, &p.TotalAmount}, {pct, &p.InitialPercentage}, {initial, &p.InitialAmountPaid},
		{remaining, &p.RemainingAmount}, {rate, &p.CompletionRate}} {
		if *col.dst, err = decFromCol(col.src); err != nil {
			return p, err
		}
	}
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.PaymentPlan) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO payment_plans(id,case_id,total_amount,initial_percentage,initial_amount_paid,remaining_amount,installment_count,paid_installment_count,completion_rate,start_date,end_date,status,granted_by,observations,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.CaseID, decToArg(p.TotalAmount), decToArg(p.InitialPercentage),
		decToArg(p.InitialAmountPaid), decToArg(p.RemainingAmount),
		p.InstallmentCount, p.PaidInstallmentCount, decToArg(p.CompletionRate),
		p.StartDate, p.EndDate, p.Status, nullable(p.GrantedBy), nullable(p.Observations),
		p.Version, p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetPlan(ctx context.Context, id string) (domain.PaymentPlan, error) {
	return r.GetPlanTx(ctx, nil, id)
}

func (r Repo) GetPlanTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentPlan, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+planCols+` FROM payment_plans WHERE id=?`, id)
	return scanPlan(row.Scan)
}

// ActivePlanForCase returns the case's ACTIVE plan, or ErrNotFound. A case
// carries at most one live plan at a time.
func (r Repo) ActivePlanForCase(ctx context.Context, tx *sql.Tx, caseID string) (domain.PaymentPlan, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+planCols+` FROM payment_plans WHERE case_id=? AND status=? LIMIT 1`,
		caseID, domain.PlanActive)
	return scanPlan(row.Scan)
}

func (r Repo) ListPlans(ctx context.Context, caseID, status string, limit int) ([]domain.PaymentPlan, error) {
	clauses := []string{"1=1"}
	var args []any
	if caseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, caseID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + planCols + ` FROM payment_plans WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentPlan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) UpdatePlan(ctx context.Context, tx *sql.Tx, p domain.PaymentPlan) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE payment_plans SET remaining_amount=?, paid_installment_count=?, completion_rate=?, status=?, observations=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		decToArg(p.RemainingAmount), p.PaidInstallmentCount, decToArg(p.CompletionRate),
		p.Status, nullable(p.Observations), p.UpdatedAt, p.ID, p.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

const installmentCols = `id,plan_id,sequence,amount_due,amount_paid,due_date,paid_date,status,is_late,days_late,COALESCE(paid_by,''),COALESCE(receipt_ref,''),COALESCE(payment_mode,''),COALESCE(observations,''),version,created_at,updated_at`

func scanInstallment(scan func(dest ...any) error) (domain.Installment, error) {
	var ins domain.Installment
	var due string
	var paid, paidDate sql.NullString
	err := scan(&ins.ID, &ins.PlanID, &ins.Sequence, &due, &paid, &ins.DueDate, &paidDate,
		&ins.Status, &ins.IsLate, &ins.DaysLate, &ins.PaidBy, &ins.ReceiptRef, &ins.PaymentMode,
		&ins.Observations, &ins.Version, &ins.CreatedAt, &ins.UpdatedAt)
	if err == sql.ErrNoRows {
		return ins, ErrNotFound
	}
	if err != nil {
		return ins, err
	}
	if ins.AmountDue, err = decFromCol(due); err != nil {
		return ins, err
	}
	if paid.Valid {
		d, err := decFromCol(paid.String)
		if err != nil {
			return ins, err
		}
		ins.AmountPaid = &d
	}
	if paidDate.Valid {
		ins.PaidDate = &paidDate.String
	}
	return ins, nil
}

func (r Repo) InsertInstallment(ctx context.Context, tx *sql.Tx, ins domain.Installment) error {
	var paid any
	if ins.AmountPaid != nil {
		paid = decToArg(*ins.AmountPaid)
	}
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO installments(id,plan_id,sequence,amount_due,amount_paid,due_date,paid_date,status,is_late,days_late,paid_by,receipt_ref,payment_mode,observations,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ins.ID, ins.PlanID, ins.Sequence, decToArg(ins.AmountDue), paid, ins.DueDate,
		nullableStringPtr(ins.PaidDate), ins.Status, ins.IsLate, ins.DaysLate,
		nullable(ins.PaidBy), nullable(ins.ReceiptRef), nullable(ins.PaymentMode),
		nullable(ins.Observations), ins.Version, ins.CreatedAt, ins.UpdatedAt)
	return err
}

func (r Repo) GetInstallment(ctx context.Context, id string) (domain.Installment, error) {
	return r.GetInstallmentTx(ctx, nil, id)
}

func (r Repo) GetInstallmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Installment, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+installmentCols+` FROM installments WHERE id=?`, id)
	return scanInstallment(row.Scan)
}

// ListPlanInstallments returns a plan's schedule in sequence order.
func (r Repo) ListPlanInstallments(ctx context.Context, tx *sql.Tx, planID string) ([]domain.Installment, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+installmentCols+` FROM installments WHERE plan_id=? ORDER BY sequence ASC`, planID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installment
	for rows.Next() {
		ins, err := scanInstallment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ins)
	}
	return res, rows.Err()
}

// InstallmentsDueBefore pages through installments in the given status whose
// due date has passed. Ordered by id so repeated sweeps walk the same sequence.
func (r Repo) InstallmentsDueBefore(ctx context.Context, status, asOf string, limit int, afterID string) ([]domain.Installment, error) {
	query := `SELECT ` + installmentCols + ` FROM installments WHERE status=? AND due_date<?`
	args := []any{status, asOf}
	if afterID != "" {
		query += " AND id>?"
		args = append(args, afterID)
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Installment
	for rows.Next() {
		ins, err := scanInstallment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ins)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInstallment(ctx context.Context, tx *sql.Tx, ins domain.Installment) (bool, error) {
	var paid any
	if ins.AmountPaid != nil {
		paid = decToArg(*ins.AmountPaid)
	}
	res, err := r.q(tx).ExecContext(ctx, `UPDATE installments SET amount_paid=?, paid_date=?, status=?, is_late=?, days_late=?, paid_by=?, receipt_ref=?, payment_mode=?, observations=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		paid, nullableStringPtr(ins.PaidDate), ins.Status, ins.IsLate, ins.DaysLate,
		nullable(ins.PaidBy), nullable(ins.ReceiptRef), nullable(ins.PaymentMode),
		nullable(ins.Observations), ins.UpdatedAt, ins.ID, ins.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
