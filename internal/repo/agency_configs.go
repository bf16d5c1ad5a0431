package repo

import (
	"context"
	"database/sql"
	"time"

	"gopkg.in/yaml.v3"

	"meterline/internal/config"
)

// GetAgencyConfig loads the stored per-agency config.
func (r Repo) GetAgencyConfig(ctx context.Context, agencyCode string) (*config.Config, error) {
	var raw string
	err := r.DB.QueryRowContext(ctx, `SELECT yaml FROM agency_configs WHERE agency_code=?`, agencyCode).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return config.FromYAML([]byte(raw))
}

// UpsertAgencyConfig stores the per-agency config as YAML.
func (r Repo) UpsertAgencyConfig(ctx context.Context, agencyCode string, cfg *config.Config) error {
	return r.UpsertAgencyConfigTx(ctx, nil, agencyCode, cfg)
}

func (r Repo) UpsertAgencyConfigTx(ctx context.Context, tx *sql.Tx, agencyCode string, cfg *config.Config) error {
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	_, err = r.q(tx).ExecContext(ctx, `INSERT INTO agency_configs(agency_code,yaml,updated_at) VALUES (?,?,?)
ON CONFLICT(agency_code) DO UPDATE SET yaml=excluded.yaml, updated_at=excluded.updated_at`,
		agencyCode, string(raw), now)
	return err
}

// SingleAgency returns the agency code when exactly one is configured.
func (r Repo) SingleAgency(ctx context.Context) (string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT agency_code FROM agency_configs LIMIT 2`)
	if err != nil {
		return "", err
	}
	defer rows.Close()
	var codes []string
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return "", err
		}
		codes = append(codes, code)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	if len(codes) != 1 {
		return "", ErrNotFound
	}
	return codes[0], nil
}
