package storage

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/models"
)

// ResolutionRepository persists name to icon resolutions
type ResolutionRepository struct {
	db *PostgresDB
}

// NewResolutionRepository creates a new resolution repository
func NewResolutionRepository(db *PostgresDB) *ResolutionRepository {
	return &ResolutionRepository{db: db}
}

// GetResolution returns the cached resolution for name, or nil on a miss
func (r *ResolutionRepository) GetResolution(ctx context.Context, name string) (*models.CachedResolution, error) {
	query := `
		SELECT name, upstream_resource_id, upstream_asset_url, local_asset_ref, last_updated
		FROM icon_resolutions
		WHERE name = $1
	`

	var res models.CachedResolution
	err := r.db.Pool().QueryRow(ctx, query, name).Scan(
		&res.Name,
		&res.UpstreamResourceID,
		&res.UpstreamAssetURL,
		&res.LocalAssetRef,
		&res.LastUpdated,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get icon resolution", err)
	}
	return &res, nil
}

// UpsertResolution stores res keyed by its name
func (r *ResolutionRepository) UpsertResolution(ctx context.Context, res *models.CachedResolution) error {
	query := `
		INSERT INTO icon_resolutions (name, upstream_resource_id, upstream_asset_url, local_asset_ref, last_updated)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (name) DO UPDATE
		SET upstream_resource_id = EXCLUDED.upstream_resource_id,
			upstream_asset_url = EXCLUDED.upstream_asset_url,
			local_asset_ref = EXCLUDED.local_asset_ref,
			last_updated = EXCLUDED.last_updated
	`

	_, err := r.db.Pool().Exec(ctx, query,
		res.Name,
		res.UpstreamResourceID,
		res.UpstreamAssetURL,
		res.LocalAssetRef,
		res.LastUpdated,
	)
	if err != nil {
		return apperrors.NewDatabaseError("upsert icon resolution", err)
	}
	return nil
}

// ListResolutions returns every cached resolution ordered by name
func (r *ResolutionRepository) ListResolutions(ctx context.Context) ([]models.CachedResolution, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT name, upstream_resource_id, upstream_asset_url, local_asset_ref, last_updated
		FROM icon_resolutions
		ORDER BY name
	`)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list icon resolutions", err)
	}
	defer rows.Close()

	var out []models.CachedResolution
	for rows.Next() {
		var res models.CachedResolution
		if err := rows.Scan(&res.Name, &res.UpstreamResourceID, &res.UpstreamAssetURL, &res.LocalAssetRef, &res.LastUpdated); err != nil {
			return nil, apperrors.NewDatabaseError("scan icon resolution", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list icon resolutions", err)
	}
	return out, nil
}
