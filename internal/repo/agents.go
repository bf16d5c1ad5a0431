package repo

import (
	"context"
	"database/sql"

	"meterline/internal/domain"
)

const agentCols = `id,badge,name,role,agency_code,created_at`

func scanAgent(scan func(dest ...any) error) (domain.Agent, error) {
	var a domain.Agent
	err := scan(&a.ID, &a.Badge, &a.Name, &a.Role, &a.Agency, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	return a, err
}

func (r Repo) InsertAgent(ctx context.Context, tx *sql.Tx, a domain.Agent) error {
	_, err := r.q(tx).ExecContext(ctx, `INSERT INTO agents(id,badge,name,role,agency_code,created_at) VALUES (?,?,?,?,?,?)`,
		a.ID, a.Badge, a.Name, a.Role, a.Agency, a.CreatedAt)
	return err
}

func (r Repo) GetAgent(ctx context.Context, id string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE id=?`, id)
	return scanAgent(row.Scan)
}

func (r Repo) GetAgentByBadge(ctx context.Context, badge string) (domain.Agent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+agentCols+` FROM agents WHERE badge=?`, badge)
	return scanAgent(row.Scan)
}

func (r Repo) ListAgents(ctx context.Context, agencyCode, role string) ([]domain.Agent, error) {
	query := `SELECT ` + agentCols + ` FROM agents WHERE 1=1`
	var args []any
	if agencyCode != "" {
		query += ` AND agency_code=?`
		args = append(args, agencyCode)
	}
	if role != "" {
		query += ` AND role=?`
		args = append(args, role)
	}
	query += ` ORDER BY badge ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
