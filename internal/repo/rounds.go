package repo

import (
	"context"
	"database/sql"
	"strings"

	"meterline/internal/domain"
)

const roundCols = `id,code,label,cycle_id,agency_code,COALESCE(zone,''),COALESCE(commune,''),COALESCE(quartier,''),status,estimated_meter_count,priority_order,total_meters,read_meters,anomaly_count,completion_rate,COALESCE(observations,''),version,created_at,updated_at`

func scanRound(scan func(dest ...any) error) (domain.Round, error) {
	var rd domain.Round
	var rate string
	var prio sql.NullInt64
	err := scan(&rd.ID, &rd.Code, &rd.Label, &rd.CycleID, &rd.AgencyCode, &rd.Zone, &rd.Commune,
		&rd.Quartier, &rd.Status, &rd.EstimatedMeterCount, &prio, &rd.TotalMeters, &rd.ReadMeters,
		&rd.AnomalyCount, &rate, &rd.Observations, &rd.Version, &rd.CreatedAt, &rd.UpdatedAt)
	if err == sql.ErrNoRows {
		return rd, ErrNotFound
	}
	if err != nil {
		return rd, err
	}
	if prio.Valid {
		p := int(prio.Int64)
		rd.PriorityOrder = &p
	}
	rd.CompletionRate, err = decFromCol(rate)
	return rd, err
}

func (r Repo) InsertRound(ctx context.Context, tx *sql.Tx, rd domain.Round) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO rounds(id,code,label,cycle_id,agency_code,zone,commune,quartier,status,estimated_meter_count,priority_order,total_meters,read_meters,anomaly_count,completion_rate,observations,version,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rd.ID, rd.Code, rd.Label, rd.CycleID, rd.AgencyCode, nullable(rd.Zone), nullable(rd.Commune),
		nullable(rd.Quartier), rd.Status, rd.EstimatedMeterCount, nullableIntPtr(rd.PriorityOrder),
		rd.TotalMeters, rd.ReadMeters, rd.AnomalyCount, decToArg(rd.CompletionRate),
		nullable(rd.Observations), rd.Version, rd.CreatedAt, rd.UpdatedAt)
	return err
}

func (r Repo) GetRound(ctx context.Context, id string) (domain.Round, error) {
	return r.GetRoundTx(ctx, nil, id)
}

func (r Repo) GetRoundTx(ctx context.Context, tx *sql.Tx, id string) (domain.Round, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE id=?`, id)
	return scanRound(row.Scan)
}

type RoundFilters struct {
	CycleID         string
	AgencyCode      string
	Status          string
	Commune         string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRounds(ctx context.Context, f RoundFilters) ([]domain.Round, error) {
	var clauses []string
	var args []any
	if f.CycleID != "" {
		clauses = append(clauses, "cycle_id=?")
		args = append(args, f.CycleID)
	}
	if f.AgencyCode != "" {
		clauses = append(clauses, "agency_code=?")
		args = append(args, f.AgencyCode)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Commune != "" {
		clauses = append(clauses, "commune=?")
		args = append(args, f.Commune)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + roundCols + ` FROM rounds ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		rd, err := scanRound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rd)
	}
	return res, rows.Err()
}

// ListCycleRoundsByCode returns every round of a cycle ordered by code, so
// precondition checks report the lowest blocking code deterministically.
func (r Repo) ListCycleRoundsByCode(ctx context.Context, tx *sql.Tx, cycleID string) ([]domain.Round, error) {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT `+roundCols+` FROM rounds WHERE cycle_id=? ORDER BY code ASC`, cycleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Round
	for rows.Next() {
		rd, err := scanRound(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rd)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRound(ctx context.Context, tx *sql.Tx, rd domain.Round) (bool, error) {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE rounds SET label=?, zone=?, commune=?, quartier=?, status=?, estimated_meter_count=?, priority_order=?, total_meters=?, read_meters=?, anomaly_count=?, completion_rate=?, observations=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		rd.Label, nullable(rd.Zone), nullable(rd.Commune), nullable(rd.Quartier), rd.Status,
		rd.EstimatedMeterCount, nullableIntPtr(rd.PriorityOrder), rd.TotalMeters, rd.ReadMeters,
		rd.AnomalyCount, decToArg(rd.CompletionRate), nullable(rd.Observations), rd.UpdatedAt,
		rd.ID, rd.Version)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RoundAggregate is the fact-derived progress of one round.
type RoundAggregate struct {
	TotalMeters  int
	ReadMeters   int
	AnomalyCount int
}

// AggregateRound recounts reading facts for a round. The counts are the
// source of truth the cached round columns are recomputed from.
func (r Repo) AggregateRound(ctx context.Context, tx *sql.Tx, roundID string) (RoundAggregate, error) {
	var agg RoundAggregate
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*),
COALESCE(SUM(CASE WHEN is_read THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN has_anomaly THEN 1 ELSE 0 END),0)
FROM meter_attachments WHERE round_id=?`, roundID).
		Scan(&agg.TotalMeters, &agg.ReadMeters, &agg.AnomalyCount)
	return agg, err
}

// CycleAggregate sums cached child-round counts for a billing cycle.
type CycleAggregate struct {
	RoundCount      int
	ClientCount     int
	ReadClientCount int
	AnomalyCount    int
}

func (r Repo) AggregateCycle(ctx context.Context, tx *sql.Tx, cycleID string) (CycleAggregate, error) {
	var agg CycleAggregate
	err := r.q(tx).QueryRowContext(ctx, `SELECT COUNT(*),
COALESCE(SUM(total_meters),0), COALESCE(SUM(read_meters),0), COALESCE(SUM(anomaly_count),0)
FROM rounds WHERE cycle_id=?`, cycleID).
		Scan(&agg.RoundCount, &agg.ClientCount, &agg.ReadClientCount, &agg.AnomalyCount)
	return agg, err
}
