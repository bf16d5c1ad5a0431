package repo

import (
	"context"
	"database/sql"
	"time"
)

// GetWebhookCursor returns the last delivered event ID for an endpoint, or
// (0, ErrNotFound) when delivery has never started.
func (r Repo) GetWebhookCursor(ctx context.Context, endpoint string) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT last_event_id FROM webhook_cursors WHERE endpoint=?`, endpoint).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	return id, err
}

// SetWebhookCursor advances an endpoint's delivery cursor. Cursors survive
// restarts so a redeploy never re-delivers or drops events.
func (r Repo) SetWebhookCursor(ctx context.Context, endpoint string, lastEventID int64) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := r.DB.ExecContext(ctx, `INSERT INTO webhook_cursors(endpoint,last_event_id,updated_at) VALUES (?,?,?)
ON CONFLICT(endpoint) DO UPDATE SET last_event_id=excluded.last_event_id, updated_at=excluded.updated_at`,
		endpoint, lastEventID, now)
	return err
}
