package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/types"
)

const maxUpdateAttempts = 5

// Options configures a Queue
type Options struct {
	MaxRetries      int
	DefaultPriority int
}

// QueueStats aggregates the queue for dashboards
type QueueStats struct {
	ByStatus          map[types.QueueStatus]models.StatusStats `json:"byStatus"`
	Total             int                                      `json:"total"`
	ReportsFetched    int64                                    `json:"reportsFetched"`
	FightsSaved       int64                                    `json:"fightsSaved"`
	PermanentFailures int                                      `json:"permanentFailures"`
}

// Queue is the guild ingestion queue
type Queue struct {
	store  Store
	opts   Options
	now    func() time.Time
	logger *logging.Logger
}

// New creates a queue over store
func New(store Store, opts Options, logger *logging.Logger) *Queue {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Queue{
		store:  store,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.Named("queue"),
	}
}

// Enqueue registers a guild. Calling it again for the same guild returns the
// existing entry untouched; created reports whether a new entry was made.
// A nil priority uses the configured default.
func (q *Queue) Enqueue(ctx context.Context, g Guild, priority *int) (*models.QueueEntry, bool, error) {
	if g.ID == "" {
		return nil, false, fmt.Errorf("guild id is required")
	}
	p := q.opts.DefaultPriority
	if priority != nil {
		p = *priority
	}

	entry, created, err := q.store.Insert(ctx, NewEntry(g, p, q.opts.MaxRetries, q.now()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to enqueue guild %s: %w", g.ID, err)
	}
	if created {
		q.logger.WithFields(map[string]interface{}{
			"guildId":  g.ID,
			"guild":    g.Name,
			"realm":    g.Realm,
			"priority": p,
		}).Info("Guild enqueued")
	}
	return entry, created, nil
}

// ClaimNext takes the next pending entry, or returns nil when the queue is idle
func (q *Queue) ClaimNext(ctx context.Context) (*models.QueueEntry, error) {
	entry, err := q.store.ClaimNext(ctx, uuid.NewString(), q.now())
	if err != nil {
		return nil, fmt.Errorf("failed to claim next entry: %w", err)
	}
	if entry != nil {
		q.logger.WithFields(map[string]interface{}{
			"guildId":    entry.GuildID,
			"priority":   entry.Priority,
			"retryCount": entry.RetryCount,
		}).Debug("Entry claimed")
	}
	return entry, nil
}

// ReportProgress records current totals for a claimed entry
func (q *Queue) ReportProgress(ctx context.Context, claimed *models.QueueEntry, u ProgressUpdate) (*models.QueueEntry, error) {
	claimID, err := claimOf(claimed)
	if err != nil {
		return nil, err
	}
	return q.mutate(ctx, claimed.GuildID, func(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
		return ApplyProgress(e, claimID, u, now)
	})
}

// MarkCompleted finishes a claimed entry
func (q *Queue) MarkCompleted(ctx context.Context, claimed *models.QueueEntry) (*models.QueueEntry, error) {
	claimID, err := claimOf(claimed)
	if err != nil {
		return nil, err
	}
	entry, err := q.mutate(ctx, claimed.GuildID, func(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
		return ApplyCompleted(e, claimID, now)
	})
	if err == nil {
		q.logger.WithFields(map[string]interface{}{
			"guildId":        entry.GuildID,
			"reportsFetched": entry.Progress.ReportsFetched,
			"fightsSaved":    entry.Progress.FightsSaved,
		}).Info("Entry completed")
	}
	return entry, err
}

// MarkFailed records a failed attempt. The entry goes back to pending while
// retries remain and the failure is not permanent, otherwise to failed.
func (q *Queue) MarkFailed(ctx context.Context, claimed *models.QueueEntry, f Failure) (*models.QueueEntry, error) {
	claimID, err := claimOf(claimed)
	if err != nil {
		return nil, err
	}
	entry, err := q.mutate(ctx, claimed.GuildID, func(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
		return ApplyFailure(e, claimID, f, now)
	})
	if err == nil {
		q.logFailure(entry, f)
	}
	return entry, err
}

// Release puts a claimed entry back to pending without counting a failure
func (q *Queue) Release(ctx context.Context, claimed *models.QueueEntry) (*models.QueueEntry, error) {
	claimID, err := claimOf(claimed)
	if err != nil {
		return nil, err
	}
	return q.mutate(ctx, claimed.GuildID, func(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
		return ApplyRelease(e, claimID, now)
	})
}

// Pause takes a guild out of rotation
func (q *Queue) Pause(ctx context.Context, guildID string) (*models.QueueEntry, error) {
	entry, err := q.mutate(ctx, guildID, ApplyPause)
	if err == nil {
		q.logger.WithField("guildId", guildID).Info("Entry paused")
	}
	return entry, err
}

// Resume returns a paused, failed or completed guild to the queue
func (q *Queue) Resume(ctx context.Context, guildID string) (*models.QueueEntry, error) {
	entry, err := q.mutate(ctx, guildID, ApplyResume)
	if err == nil {
		q.logger.WithFields(map[string]interface{}{
			"guildId":    guildID,
			"retryCount": entry.RetryCount,
			"errorCount": entry.ErrorCount,
		}).Info("Entry resumed")
	}
	return entry, err
}

// ReclaimStale fails every in_progress entry with no activity for longer than
// timeout, so its guild is retried by another worker. It returns how many were reclaimed.
func (q *Queue) ReclaimStale(ctx context.Context, timeout time.Duration) (int, error) {
	cutoff := q.now().Add(-timeout)
	stale, err := q.store.List(ctx, ListFilter{Status: types.StatusInProgress, ActiveBefore: &cutoff})
	if err != nil {
		return 0, fmt.Errorf("failed to list stale entries: %w", err)
	}

	reclaimed := 0
	for _, e := range stale {
		entry, err := q.mutate(ctx, e.GuildID, func(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
			return ApplyTimeout(e, cutoff, now)
		})
		if errors.Is(err, ErrInvalidTransition) {
			// finished or reported progress since we listed it
			continue
		}
		if err != nil {
			return reclaimed, err
		}
		reclaimed++
		q.logger.WithFields(map[string]interface{}{
			"guildId":    entry.GuildID,
			"status":     entry.Status,
			"retryCount": entry.RetryCount,
		}).Warn("Reclaimed stalled entry")
	}
	return reclaimed, nil
}

// Get returns the entry for a guild
func (q *Queue) Get(ctx context.Context, guildID string) (*models.QueueEntry, error) {
	return q.store.Get(ctx, guildID)
}

// List returns entries in claim order
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*models.QueueEntry, error) {
	return q.store.List(ctx, filter)
}

// Stats aggregates counts and totals by status. Every status is present.
func (q *Queue) Stats(ctx context.Context) (*QueueStats, error) {
	rows, err := q.store.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load queue stats: %w", err)
	}

	stats := &QueueStats{ByStatus: make(map[types.QueueStatus]models.StatusStats)}
	for _, status := range types.AllQueueStatuses() {
		stats.ByStatus[status] = models.StatusStats{Status: status}
	}
	for _, row := range rows {
		stats.ByStatus[row.Status] = row
		stats.Total += row.Count
		stats.ReportsFetched += row.ReportsFetched
		stats.FightsSaved += row.FightsSaved
		stats.PermanentFailures += row.PermanentFailures
	}
	return stats, nil
}

type transition func(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error)

// mutate loads the entry, applies fn and writes it back, reloading on version conflicts
func (q *Queue) mutate(ctx context.Context, guildID string, fn transition) (*models.QueueEntry, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := q.store.Get(ctx, guildID)
		if err != nil {
			return nil, err
		}
		next, err := fn(cur, q.now())
		if err != nil {
			return nil, err
		}
		saved, err := q.store.Update(ctx, next, cur.Version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to update entry for guild %s: %w", guildID, err)
		}
		return saved, nil
	}
	return nil, fmt.Errorf("guild %s: %w after %d attempts", guildID, ErrVersionConflict, maxUpdateAttempts)
}

func (q *Queue) logFailure(e *models.QueueEntry, f Failure) {
	logger := q.logger.WithFields(map[string]interface{}{
		"guildId":    e.GuildID,
		"errorType":  f.Type,
		"permanent":  f.Permanent,
		"retryCount": e.RetryCount,
		"maxRetries": e.MaxRetries,
		"errorCount": e.ErrorCount,
		"error":      f.Message,
	})
	if e.Status == types.StatusFailed {
		logger.Error("Entry failed")
		return
	}
	logger.Warn("Entry failed, requeued for retry")
}

// claimOf returns the claim id a worker holds on e. A nil entry was never claimed.
func claimOf(e *models.QueueEntry) (string, error) {
	if e == nil {
		return "", fmt.Errorf("%w: no claimed entry", ErrLostOwnership)
	}
	if e.ClaimID == nil {
		return "", nil
	}
	return *e.ClaimID, nil
}
