package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/types"
)

const queueColumns = `
	id, guild_id, guild_name, realm, region, status, priority,
	total_reports_estimate, reports_fetched, fights_saved, current_page, percent_complete,
	last_error, error_count, last_error_at, error_type, is_permanent_error, failure_reason,
	created_at, started_at, completed_at, paused_at, last_activity_at,
	retry_count, max_retries, claim_id, version`

// QueueRepository is the Postgres implementation of queue.Store
type QueueRepository struct {
	db *PostgresDB
}

// NewQueueRepository creates a new queue repository
func NewQueueRepository(db *PostgresDB) *QueueRepository {
	return &QueueRepository{db: db}
}

var _ queue.Store = (*QueueRepository)(nil)

// Insert stores e unless the guild already has an entry
func (r *QueueRepository) Insert(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, bool, error) {
	query := `
		INSERT INTO guild_queue (
			id, guild_id, guild_name, realm, region, status, priority,
			total_reports_estimate, reports_fetched, fights_saved, current_page, percent_complete,
			error_count, is_permanent_error, created_at, last_activity_at,
			retry_count, max_retries, version
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, 1)
		ON CONFLICT (guild_id) DO NOTHING
		RETURNING ` + queueColumns

	row := r.db.Pool().QueryRow(ctx, query,
		e.ID, e.GuildID, e.Name, e.Realm, string(e.Region), string(e.Status), e.Priority,
		e.Progress.TotalReportsEstimate, e.Progress.ReportsFetched, e.Progress.FightsSaved,
		e.Progress.CurrentPage, e.Progress.PercentComplete,
		e.ErrorCount, e.IsPermanentError, e.CreatedAt, e.LastActivityAt,
		e.RetryCount, e.MaxRetries,
	)
	stored, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := r.Get(ctx, e.GuildID)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, apperrors.NewDatabaseError("insert queue entry", err)
	}
	return stored, true, nil
}

// ClaimNext moves the first pending entry to in_progress. Concurrent claimers
// skip rows locked by each other, so no entry is handed out twice.
func (r *QueueRepository) ClaimNext(ctx context.Context, claimID string, now time.Time) (*models.QueueEntry, error) {
	query := `
		UPDATE guild_queue
		SET status = $2, started_at = $3, last_activity_at = $3, claim_id = $1, version = version + 1
		WHERE id = (
			SELECT id FROM guild_queue
			WHERE status = $4
			ORDER BY priority ASC, created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + queueColumns

	row := r.db.Pool().QueryRow(ctx, query,
		claimID, string(types.StatusInProgress), now, string(types.StatusPending))
	entry, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("claim queue entry", err)
	}
	return entry, nil
}

// Get returns the entry for guildID or queue.ErrNotFound
func (r *QueueRepository) Get(ctx context.Context, guildID string) (*models.QueueEntry, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+queueColumns+` FROM guild_queue WHERE guild_id = $1`, guildID)
	entry, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, queue.ErrNotFound
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("get queue entry", err)
	}
	return entry, nil
}

// Update writes every mutable column when the stored version still matches
func (r *QueueRepository) Update(ctx context.Context, e *models.QueueEntry, expectedVersion int64) (*models.QueueEntry, error) {
	query := `
		UPDATE guild_queue
		SET status = $3, priority = $4,
			total_reports_estimate = $5, reports_fetched = $6, fights_saved = $7,
			current_page = $8, percent_complete = $9,
			last_error = $10, error_count = $11, last_error_at = $12, error_type = $13,
			is_permanent_error = $14, failure_reason = $15,
			started_at = $16, completed_at = $17, paused_at = $18, last_activity_at = $19,
			retry_count = $20, max_retries = $21, claim_id = $22,
			version = version + 1
		WHERE guild_id = $1 AND version = $2
		RETURNING ` + queueColumns

	var errorType *string
	if e.ErrorType != nil {
		v := string(*e.ErrorType)
		errorType = &v
	}

	row := r.db.Pool().QueryRow(ctx, query,
		e.GuildID, expectedVersion,
		string(e.Status), e.Priority,
		e.Progress.TotalReportsEstimate, e.Progress.ReportsFetched, e.Progress.FightsSaved,
		e.Progress.CurrentPage, e.Progress.PercentComplete,
		e.LastError, e.ErrorCount, e.LastErrorAt, errorType,
		e.IsPermanentError, e.FailureReason,
		e.StartedAt, e.CompletedAt, e.PausedAt, e.LastActivityAt,
		e.RetryCount, e.MaxRetries, e.ClaimID,
	)
	saved, err := scanQueueEntry(row)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.Get(ctx, e.GuildID); getErr != nil {
			return nil, getErr
		}
		return nil, queue.ErrVersionConflict
	}
	if err != nil {
		return nil, apperrors.NewDatabaseError("update queue entry", err)
	}
	return saved, nil
}

// List returns entries in claim order
func (r *QueueRepository) List(ctx context.Context, filter queue.ListFilter) ([]*models.QueueEntry, error) {
	var (
		conds []string
		args  []interface{}
	)
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.ActiveBefore != nil {
		args = append(args, *filter.ActiveBefore)
		conds = append(conds, fmt.Sprintf("last_activity_at < $%d", len(args)))
	}

	query := `SELECT ` + queueColumns + ` FROM guild_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY priority ASC, created_at ASC, id ASC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.Pool().Query(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list queue entries", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanQueueEntry(rows)
		if err != nil {
			return nil, apperrors.NewDatabaseError("scan queue entry", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("list queue entries", err)
	}
	return entries, nil
}

// Stats aggregates entries by status
func (r *QueueRepository) Stats(ctx context.Context) ([]models.StatusStats, error) {
	query := `
		SELECT status, COUNT(*),
			COALESCE(SUM(reports_fetched), 0), COALESCE(SUM(fights_saved), 0),
			COUNT(*) FILTER (WHERE is_permanent_error)
		FROM guild_queue
		GROUP BY status
		ORDER BY status`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, apperrors.NewDatabaseError("queue stats", err)
	}
	defer rows.Close()

	var stats []models.StatusStats
	for rows.Next() {
		var (
			status string
			st     models.StatusStats
		)
		if err := rows.Scan(&status, &st.Count, &st.ReportsFetched, &st.FightsSaved, &st.PermanentFailures); err != nil {
			return nil, apperrors.NewDatabaseError("scan queue stats", err)
		}
		st.Status = types.QueueStatus(status)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDatabaseError("queue stats", err)
	}
	return stats, nil
}

func scanQueueEntry(row pgx.Row) (*models.QueueEntry, error) {
	var (
		e         models.QueueEntry
		region    string
		status    string
		errorType *string
	)
	err := row.Scan(
		&e.ID, &e.GuildID, &e.Name, &e.Realm, &region, &status, &e.Priority,
		&e.Progress.TotalReportsEstimate, &e.Progress.ReportsFetched, &e.Progress.FightsSaved,
		&e.Progress.CurrentPage, &e.Progress.PercentComplete,
		&e.LastError, &e.ErrorCount, &e.LastErrorAt, &errorType, &e.IsPermanentError, &e.FailureReason,
		&e.CreatedAt, &e.StartedAt, &e.CompletedAt, &e.PausedAt, &e.LastActivityAt,
		&e.RetryCount, &e.MaxRetries, &e.ClaimID, &e.Version,
	)
	if err != nil {
		return nil, err
	}
	e.Region = types.Region(region)
	e.Status = types.QueueStatus(status)
	if errorType != nil {
		et := types.ErrorType(*errorType)
		e.ErrorType = &et
	}
	return &e, nil
}
