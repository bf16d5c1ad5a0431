package app

import (
	"context"
	"errors"
	"fmt"

	"meterline/internal/config"
	"meterline/internal/repo"
)

// ResolveAgencyAndConfig picks the active agency and ensures its config
// exists in the DB, seeding defaults if missing. It prefers the override,
// then the workspace meterline.yml, then a single-agency DB.
func ResolveAgencyAndConfig(ctx context.Context, workspace, agencyOverride string, r repo.Repo) (string, *config.Config, error) {
	agencyCode := agencyOverride
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if agencyCode == "" && fileCfg != nil {
		agencyCode = fileCfg.Agency.Code
	}
	if agencyCode == "" {
		if code, err := r.SingleAgency(ctx); err == nil {
			agencyCode = code
		} else {
			return "", nil, fmt.Errorf("agency not specified; use --agency or add meterline.yml")
		}
	}
	cfg, err := r.GetAgencyConfig(ctx, agencyCode)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		seed := fileCfg
		if seed == nil {
			seed = config.Default(agencyCode)
		}
		seed.Agency.Code = agencyCode
		if err := r.UpsertAgencyConfig(ctx, agencyCode, seed); err != nil {
			return "", nil, fmt.Errorf("seed agency config: %w", err)
		}
		cfg = seed
	}
	cfg.Agency.Code = agencyCode
	return agencyCode, cfg, nil
}
