package repo

import (
	"context"
	"database/sql"

	"meterline/internal/domain"
)

const meterCols = `id,round_id,meter_id,COALESCE(meter_number,''),pass_order,is_read,has_anomaly,read_at,COALESCE(read_by,''),latitude,longitude,created_at`

func scanMeter(scan func(dest ...any) error) (domain.MeterAttachment, error) {
	var m domain.MeterAttachment
	var readAt sql.NullString
	var lat, lng sql.NullFloat64
	err := scan(&m.ID, &m.RoundID, &m.MeterID, &m.MeterNumber, &m.PassOrder, &m.IsRead,
		&m.HasAnomaly, &readAt, &m.ReadBy, &lat, &lng, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if readAt.Valid {
		m.ReadAt = &readAt.String
	}
	if lat.Valid {
		m.Latitude = &lat.Float64
	}
	if lng.Valid {
		m.Longitude = &lng.Float64
	}
	return m, nil
}

func (r Repo) InsertMeterAttachment(ctx context.Context, tx *sql.Tx, m domain.MeterAttachment) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO meter_attachments(id,round_id,meter_id,meter_number,pass_order,is_read,has_anomaly,read_at,read_by,latitude,longitude,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		m.ID, m.RoundID, m.MeterID, nullable(m.MeterNumber), m.PassOrder, m.IsRead, m.HasAnomaly,
		nullableStringPtr(m.ReadAt), nullable(m.ReadBy),
		nullableFloatPtr(m.Latitude), nullableFloatPtr(m.Longitude), m.CreatedAt)
	return err
}

func (r Repo) GetMeterAttachment(ctx context.Context, tx *sql.Tx, roundID, meterID string) (domain.MeterAttachment, error) {
	row := r.q(tx).QueryRowContext(ctx, `SELECT `+meterCols+` FROM meter_attachments WHERE round_id=? AND meter_id=?`, roundID, meterID)
	return scanMeter(row.Scan)
}

func (r Repo) ListMeterAttachments(ctx context.Context, roundID string) ([]domain.MeterAttachment, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+meterCols+` FROM meter_attachments WHERE round_id=? ORDER BY pass_order ASC, meter_id ASC`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.MeterAttachment
	for rows.Next() {
		m, err := scanMeter(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MaxPassOrder returns the highest pass order already attached to a round.
func (r Repo) MaxPassOrder(ctx context.Context, tx *sql.Tx, roundID string) (int, error) {
	var max int
	err := r.q(tx).QueryRowContext(ctx, `SELECT COALESCE(MAX(pass_order),0) FROM meter_attachments WHERE round_id=?`, roundID).Scan(&max)
	return max, err
}

// MarkMeterRead records a reading fact. Idempotent: re-reading an already
// read meter only refreshes the anomaly flag and timestamp.
func (r Repo) MarkMeterRead(ctx context.Context, tx *sql.Tx, roundID, meterID string, hadAnomaly bool, readAt, readBy string, lat, lng *float64) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE meter_attachments SET is_read=1, has_anomaly=?, read_at=?, read_by=?, latitude=?, longitude=? WHERE round_id=? AND meter_id=?`,
		hadAnomaly, readAt, nullable(readBy), nullableFloatPtr(lat), nullableFloatPtr(lng), roundID, meterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMeterUnread reverts a reading fact (correction flow).
func (r Repo) MarkMeterUnread(ctx context.Context, tx *sql.Tx, roundID, meterID string) error {
	res, err := r.q(tx).ExecContext(ctx, `UPDATE meter_attachments SET is_read=0, has_anomaly=0, read_at=NULL, read_by=NULL, latitude=NULL, longitude=NULL WHERE round_id=? AND meter_id=?`, roundID, meterID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetPassOrder renumbers a round's attachments in meter-id order.
func (r Repo) ResetPassOrder(ctx context.Context, tx *sql.Tx, roundID string) error {
	rows, err := r.q(tx).QueryContext(ctx, `SELECT id FROM meter_attachments WHERE round_id=? ORDER BY meter_id ASC`, roundID)
	if err != nil {
		return err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for i, id := range ids {
		if _, err := r.q(tx).ExecContext(ctx, `UPDATE meter_attachments SET pass_order=? WHERE id=?`, i+1, id); err != nil {
			return err
		}
	}
	return nil
}
