// Package queue implements the per-guild ingestion queue.
//
// State changes are pure functions over a QueueEntry value; the Queue service
// loads an entry, applies one of them and writes it back with an optimistic
// version check. Claiming is delegated to the Store so it can be atomic.
package queue

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/types"
)

var (
	// ErrNotFound is returned when no entry exists for a guild
	ErrNotFound = errors.New("queue entry not found")
	// ErrVersionConflict is returned by Store.Update when the entry changed underneath
	ErrVersionConflict = errors.New("queue entry was modified concurrently")
	// ErrInvalidTransition is returned when the entry's status does not allow the operation
	ErrInvalidTransition = errors.New("invalid queue transition")
	// ErrLostOwnership is returned when a worker reports on an entry it no longer holds
	ErrLostOwnership = errors.New("queue entry is no longer held by this claim")
)

// Guild identifies the guild an entry tracks
type Guild struct {
	ID     string
	Name   string
	Realm  string
	Region types.Region
}

// ProgressUpdate carries current totals, not deltas. TotalEstimate <= 0 means unknown.
type ProgressUpdate struct {
	ReportsFetched int
	FightsSaved    int
	CurrentPage    int
	TotalEstimate  int
}

// Failure describes why an attempt failed
type Failure struct {
	Message   string
	Type      types.ErrorType
	Permanent bool
	Reason    string
}

// NewEntry returns a pending entry for g
func NewEntry(g Guild, priority, maxRetries int, now time.Time) *models.QueueEntry {
	return &models.QueueEntry{
		ID:             uuid.NewString(),
		GuildID:        g.ID,
		Name:           g.Name,
		Realm:          g.Realm,
		Region:         g.Region,
		Status:         types.StatusPending,
		Priority:       priority,
		CreatedAt:      now,
		LastActivityAt: now,
		MaxRetries:     maxRetries,
	}
}

// ApplyClaim moves a pending entry to in_progress under claimID
func ApplyClaim(e *models.QueueEntry, claimID string, now time.Time) (*models.QueueEntry, error) {
	if e.Status != types.StatusPending {
		return nil, transitionError("claim", e.Status)
	}
	next := e.Clone()
	next.Status = types.StatusInProgress
	next.StartedAt = &now
	next.LastActivityAt = now
	next.ClaimID = &claimID
	return next, nil
}

// ApplyProgress overwrites the progress counters and recomputes the percentage
func ApplyProgress(e *models.QueueEntry, claimID string, u ProgressUpdate, now time.Time) (*models.QueueEntry, error) {
	if err := checkOwner(e, claimID, "report progress"); err != nil {
		return nil, err
	}
	next := e.Clone()
	next.Progress.ReportsFetched = u.ReportsFetched
	next.Progress.FightsSaved = u.FightsSaved
	next.Progress.CurrentPage = u.CurrentPage
	if u.TotalEstimate > 0 {
		next.Progress.TotalReportsEstimate = u.TotalEstimate
	}
	next.Progress.PercentComplete = PercentComplete(next.Progress.ReportsFetched, next.Progress.TotalReportsEstimate, next.Progress.PercentComplete)
	next.LastActivityAt = now
	return next, nil
}

// PercentComplete is min(100, round(fetched/estimate*100)), or prior when no estimate is known
func PercentComplete(fetched, estimate, prior int) int {
	if estimate <= 0 {
		return prior
	}
	pct := int(math.Round(float64(fetched) / float64(estimate) * 100))
	if pct > 100 {
		return 100
	}
	if pct < 0 {
		return 0
	}
	return pct
}

// ApplyCompleted finishes an owned entry
func ApplyCompleted(e *models.QueueEntry, claimID string, now time.Time) (*models.QueueEntry, error) {
	if err := checkOwner(e, claimID, "complete"); err != nil {
		return nil, err
	}
	next := e.Clone()
	next.Status = types.StatusCompleted
	next.CompletedAt = &now
	next.Progress.PercentComplete = 100
	next.ClaimID = nil
	next.LastActivityAt = now
	return next, nil
}

// ApplyFailure records a failed attempt on an owned entry and decides between
// retrying (back to pending) and giving up (failed).
func ApplyFailure(e *models.QueueEntry, claimID string, f Failure, now time.Time) (*models.QueueEntry, error) {
	if err := checkOwner(e, claimID, "fail"); err != nil {
		return nil, err
	}
	return applyFailure(e, f, now), nil
}

// ApplyTimeout fails an in_progress entry whose worker went quiet before cutoff
func ApplyTimeout(e *models.QueueEntry, cutoff, now time.Time) (*models.QueueEntry, error) {
	if e.Status != types.StatusInProgress {
		return nil, transitionError("time out", e.Status)
	}
	if !e.LastActivityAt.Before(cutoff) {
		return nil, fmt.Errorf("%w: entry %s is still active", ErrInvalidTransition, e.GuildID)
	}
	return applyFailure(e, Failure{
		Message: fmt.Sprintf("no activity since %s", e.LastActivityAt.UTC().Format(time.RFC3339)),
		Type:    types.ErrorUnknown,
	}, now), nil
}

func applyFailure(e *models.QueueEntry, f Failure, now time.Time) *models.QueueEntry {
	next := e.Clone()
	next.ErrorCount++
	msg := f.Message
	next.LastError = &msg
	next.LastErrorAt = &now
	errType := f.Type
	if errType == "" {
		errType = types.ErrorUnknown
	}
	next.ErrorType = &errType
	next.FailureReason = nil
	if f.Reason != "" {
		reason := f.Reason
		next.FailureReason = &reason
	}
	next.ClaimID = nil
	next.LastActivityAt = now

	switch {
	case f.Permanent:
		next.IsPermanentError = true
		next.Status = types.StatusFailed
	case next.RetryCount < next.MaxRetries:
		next.RetryCount++
		next.Status = types.StatusPending
	default:
		next.Status = types.StatusFailed
		if next.FailureReason == nil {
			reason := fmt.Sprintf("gave up after %d retries", next.RetryCount)
			next.FailureReason = &reason
		}
	}
	return next
}

// ApplyRelease hands an owned entry back to the queue without counting a failure
func ApplyRelease(e *models.QueueEntry, claimID string, now time.Time) (*models.QueueEntry, error) {
	if err := checkOwner(e, claimID, "release"); err != nil {
		return nil, err
	}
	next := e.Clone()
	next.Status = types.StatusPending
	next.ClaimID = nil
	next.LastActivityAt = now
	return next, nil
}

// ApplyPause parks a pending or running entry. Pausing a paused entry is a no-op.
// A running worker loses ownership and stops at its next report.
func ApplyPause(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
	switch e.Status {
	case types.StatusPaused:
		return e.Clone(), nil
	case types.StatusPending, types.StatusInProgress:
	default:
		return nil, transitionError("pause", e.Status)
	}
	next := e.Clone()
	next.Status = types.StatusPaused
	next.PausedAt = &now
	next.ClaimID = nil
	next.LastActivityAt = now
	return next, nil
}

// ApplyResume puts a paused, failed or completed entry back in the queue.
// Retry and error counters are kept. Resuming a completed entry starts a fresh
// pass, so its progress counters are cleared.
func ApplyResume(e *models.QueueEntry, now time.Time) (*models.QueueEntry, error) {
	next := e.Clone()
	switch e.Status {
	case types.StatusPaused:
	case types.StatusFailed:
		next.IsPermanentError = false
		next.FailureReason = nil
	case types.StatusCompleted:
		next.CompletedAt = nil
		next.Progress = models.Progress{TotalReportsEstimate: e.Progress.TotalReportsEstimate}
	default:
		return nil, transitionError("resume", e.Status)
	}
	next.Status = types.StatusPending
	next.PausedAt = nil
	next.LastActivityAt = now
	return next, nil
}

func checkOwner(e *models.QueueEntry, claimID, op string) error {
	if e.Status != types.StatusInProgress || e.ClaimID == nil || *e.ClaimID != claimID {
		return fmt.Errorf("%w: cannot %s guild %s (status %s)", ErrLostOwnership, op, e.GuildID, e.Status)
	}
	return nil
}

func transitionError(op string, status types.QueueStatus) error {
	return fmt.Errorf("%w: cannot %s an entry in status %s", ErrInvalidTransition, op, strings.ReplaceAll(string(status), "_", " "))
}
