package repo

import (
	"context"
	"database/sql"
	"strings"

	"meterline/internal/domain"
)

const assignmentCols = `id,round_id,agent_id,COALESCE(assigned_by,''),status,assigned_at,started_at,paused_at,finished_at,validated_at,COALESCE(cancel_reason,''),total_meters,read_meters,anomaly_count,completion_rate,start_latitude,start_longitude,end_latitude,end_longitude,COALESCE(observations,''),version,created_at,updated_at`

func scanAssignment(scan func(dest ...any) error) (domain.Assignment, error) {
	var a domain.Assignment
	var started, paused, finished, validated sql.NullString
	var rate string
	var sLat, sLng, eLat, eLng sql.NullFloat64
	err := scan(&a.ID, &a.RoundID, &a.AgentID, &a.AssignedBy, &a.Status, &a.AssignedAt,
		&started, &paused, &finished, &validated, &a.CancelReason,
		&a.TotalMeters, &a.ReadMeters, &a.AnomalyCount, &rate,
		&sLat, &sLng, &eLat, &eLng, &a.Observations, &a.Version, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	if started.Valid {
		a.StartedAt = &started.String
	}
	if paused.Valid {
		a.PausedAt = &paused.String
	}
	if finished.Valid {
		a.FinishedAt = &finished.String
	}
	if validated.Valid {
		a.ValidatedAt = &validated.String
	}
	if sLat.Valid {
		a.StartLatitude = &sLat.Float64
	}
	if sLng.Valid {
		a.StartLongitude = &sLng.Float64
	}
	if eLat.Valid {
		a.EndLatitude = &eLat.Float64
	}
	if eLng.Valid {
		a.EndLongitude = &eLng.Float64
	}
	a.CompletionRate, err = decFromCol(rate)
	return a, err
}

func (r Repo) InsertAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO assignments(id,round_id,agent_id,assigned_by,status,assigned_at,started_at,paused_at,finished_at,validated_at,cancel_reason,total_meters,read_meters,anomaly_count,completion_rate,start_latitude,start_longitude,end_latitude,end_longitude,observations,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RoundID, a.AgentID, nullable(a.AssignedBy), a.Status, a.AssignedAt,
		nullableStringPtr(a.StartedAt), nullableStringPtr(a.PausedAt), nullableStringPtr(a.FinishedAt),
		nullableStringPtr(a.ValidatedAt), nullable(a.CancelReason),
		a.TotalMeters, a.ReadMeters, a.AnomalyCount, decToArg(a.CompletionRate),
		nullableFloatPtr(a.StartLatitude), nullableFloatPtr(a.StartLongitude),
		nullableFloatPtr(a.EndLatitude), nullableFloatPtr(a.EndLongitude),
		nullable(a.Observations), a.Version, a.CreatedAt, a.UpdatedAt)
	return err
}

func (r Repo) GetAssignment(ctx context.Context, id string) (domain.Assignment, error) {
	return r.GetAssignmentTx(ctx, nil, id)
}

func (r Repo) GetAssignmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Assignment, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments WHERE id=?`, id)
	return scanAssignment(row.Scan)
}

// ActiveAssignmentForRound returns the single ASSIGNED/IN_PROGRESS/PAUSED
// assignment of a round, or ErrNotFound. Callers enforcing the one-active
// invariant must hold the round's lock.
func (r Repo) ActiveAssignmentForRound(ctx context.Context, tx *sql.Tx, roundID string) (domain.Assignment, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+assignmentCols+` FROM assignments
WHERE round_id=? AND status IN (?,?,?) LIMIT 1`,
		roundID, domain.AssignmentAssigned, domain.AssignmentInProgress, domain.AssignmentPaused)
	return scanAssignment(row.Scan)
}

type AssignmentFilters struct {
	RoundID         string
	AgentID         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListAssignments(ctx context.Context, f AssignmentFilters) ([]domain.Assignment, error) {
	var clauses []string
	var args []any
	if f.RoundID != "" {
		clauses = append(clauses, "round_id=?")
		args = append(args, f.RoundID)
	}
	if f.AgentID != "" {
		clauses = append(clauses, "agent_id=?")
		args = append(args, f.AgentID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + assignmentCols + ` FROM assignments ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) UpdateAssignment(ctx context.Context, tx *sql.Tx, a domain.Assignment) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE assignments SET status=?, started_at=?, paused_at=?, finished_at=?, validated_at=?, cancel_reason=?, total_meters=?, read_meters=?, anomaly_count=?, completion_rate=?, start_latitude=?, start_longitude=?, end_latitude=?, end_longitude=?, observations=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		a.Status, nullableStringPtr(a.StartedAt), nullableStringPtr(a.PausedAt),
		nullableStringPtr(a.FinishedAt), nullableStringPtr(a.ValidatedAt), nullable(a.CancelReason),
		a.TotalMeters, a.ReadMeters, a.AnomalyCount, decToArg(a.CompletionRate),
		nullableFloatPtr(a.StartLatitude), nullableFloatPtr(a.StartLongitude),
		nullableFloatPtr(a.EndLatitude), nullableFloatPtr(a.EndLongitude),
		nullable(a.Observations), a.UpdatedAt, a.ID, a.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}
