package storage

import (
	"context"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/models"
)

// ResourceRepository is the local copy of the upstream resource index
type ResourceRepository struct {
	db *PostgresDB
}

// NewResourceRepository creates a new resource repository
func NewResourceRepository(db *PostgresDB) *ResourceRepository {
	return &ResourceRepository{db: db}
}

// ListResources returns every stored resource of kind
func (r *ResourceRepository) ListResources(ctx context.Context, kind string) ([]models.GameResource, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, kind, name, href
		FROM game_resources
		WHERE kind = $1
		ORDER BY id
	`, kind)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list game resources", err)
	}
	defer rows.Close()

	var out []models.GameResource
	for rows.Next() {
		var res models.GameResource
		if err := rows.Scan(&res.ID, &res.Kind, &res.Name, &res.Href); err != nil {
			return nil, apperrors.NewDatabaseError("scan game resource", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list game resources", err)
	}
	return out, nil
}

// UpsertResources writes resources keyed by (kind, id) in one batch
func (r *ResourceRepository) UpsertResources(ctx context.Context, resources []models.GameResource) (int, error) {
	if len(resources) == 0 {
		return 0, nil
	}

	query := `
		INSERT INTO game_resources (kind, id, name, href, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (kind, id) DO UPDATE
		SET name = EXCLUDED.name,
			href = EXCLUDED.href,
			updated_at = NOW()
	`

	batch := &pgx.Batch{}
	for _, res := range resources {
		batch.Queue(query, res.Kind, res.ID, res.Name, res.Href)
	}

	results := r.db.Pool().SendBatch(ctx, batch)
	defer func() {
		_ = results.Close() // nolint:errcheck // cleanup in defer
	}()

	written := 0
	for range resources {
		if _, err := results.Exec(); err != nil {
			return written, apperrors.NewDatabaseError("upsert game resource", err)
		}
		written++
	}
	return written, nil
}
