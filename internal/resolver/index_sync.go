package resolver

import (
	"context"
	"fmt"

	"github.com/guild-tracker/internal/models"
)

// ResourceWriter upserts resources keyed by id
type ResourceWriter interface {
	UpsertResources(ctx context.Context, resources []models.GameResource) (int, error)
}

// SyncIndex copies the upstream achievement index into the local store and
// returns how many rows were written. The resolver's cached index is dropped
// so the next resolution sees the new entries.
func (r *IconResolver) SyncIndex(ctx context.Context, upstream ResourceIndex, local ResourceWriter) (int, error) {
	resources, err := upstream.ListResources(ctx, models.ResourceKindAchievement)
	if err != nil {
		return 0, fmt.Errorf("failed to list upstream resources: %w", err)
	}

	n, err := local.UpsertResources(ctx, resources)
	if err != nil {
		return n, fmt.Errorf("failed to store resource index: %w", err)
	}

	r.InvalidateIndex()
	r.logger.WithField("resources", n).Info("Synced resource index")
	return n, nil
}
