package queue

import (
	"context"
	"time"

	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/types"
)

// ListFilter narrows List results. Zero values match everything.
type ListFilter struct {
	Status       types.QueueStatus
	ActiveBefore *time.Time // only entries whose lastActivityAt is older
	Limit        int
}

// Store is the durable backing of the queue
type Store interface {
	// Insert stores e unless the guild already has an entry. It returns the
	// stored entry and whether it was created by this call.
	Insert(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, bool, error)

	// ClaimNext atomically moves the first pending entry (priority asc, createdAt asc)
	// to in_progress under claimID. It returns nil, nil when nothing is pending.
	ClaimNext(ctx context.Context, claimID string, now time.Time) (*models.QueueEntry, error)

	// Get returns the entry for guildID or ErrNotFound
	Get(ctx context.Context, guildID string) (*models.QueueEntry, error)

	// Update writes e if the stored version still equals expectedVersion, bumping
	// the version. Otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, e *models.QueueEntry, expectedVersion int64) (*models.QueueEntry, error)

	List(ctx context.Context, filter ListFilter) ([]*models.QueueEntry, error)
	Stats(ctx context.Context) ([]models.StatusStats, error)
}
