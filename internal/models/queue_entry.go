package models

import (
	"time"

	"github.com/guild-tracker/internal/types"
)

// DefaultMaxRetries is the retry budget given to new queue entries
const DefaultMaxRetries = 3

// QueueEntry tracks the ingestion state of one guild (one row per guild)
type QueueEntry struct {
	ID      string       `json:"id" db:"id"`
	GuildID string       `json:"guildId" db:"guild_id"`
	Name    string       `json:"guildName" db:"guild_name"`
	Realm   string       `json:"realm" db:"realm"`
	Region  types.Region `json:"region" db:"region"`

	Status   types.QueueStatus `json:"status" db:"status"`
	Priority int               `json:"priority" db:"priority"` // lower is served first
	Progress Progress          `json:"progress"`

	LastError        *string          `json:"lastError,omitempty" db:"last_error"`
	ErrorCount       int              `json:"errorCount" db:"error_count"`
	LastErrorAt      *time.Time       `json:"lastErrorAt,omitempty" db:"last_error_at"`
	ErrorType        *types.ErrorType `json:"errorType,omitempty" db:"error_type"`
	IsPermanentError bool             `json:"isPermanentError" db:"is_permanent_error"`
	FailureReason    *string          `json:"failureReason,omitempty" db:"failure_reason"`

	CreatedAt      time.Time  `json:"createdAt" db:"created_at"`
	StartedAt      *time.Time `json:"startedAt,omitempty" db:"started_at"`
	CompletedAt    *time.Time `json:"completedAt,omitempty" db:"completed_at"`
	PausedAt       *time.Time `json:"pausedAt,omitempty" db:"paused_at"`
	LastActivityAt time.Time  `json:"lastActivityAt" db:"last_activity_at"`

	RetryCount int `json:"retryCount" db:"retry_count"`
	MaxRetries int `json:"maxRetries" db:"max_retries"`

	// ClaimID is stamped on every claim; only the holder may report progress or outcomes.
	ClaimID *string `json:"claimId,omitempty" db:"claim_id"`
	Version int64   `json:"version" db:"version"`
}

// Progress holds the counters reported by the worker that owns an entry
type Progress struct {
	TotalReportsEstimate int `json:"totalReportsEstimate" db:"total_reports_estimate"`
	ReportsFetched       int `json:"reportsFetched" db:"reports_fetched"`
	FightsSaved          int `json:"fightsSaved" db:"fights_saved"`
	CurrentPage          int `json:"currentPage" db:"current_page"`
	PercentComplete      int `json:"percentComplete" db:"percent_complete"`
}

// Clone returns a deep copy so transitions never alias the caller's entry
func (e *QueueEntry) Clone() *QueueEntry {
	if e == nil {
		return nil
	}
	c := *e
	c.LastError = cloneString(e.LastError)
	c.FailureReason = cloneString(e.FailureReason)
	c.ClaimID = cloneString(e.ClaimID)
	c.LastErrorAt = cloneTime(e.LastErrorAt)
	c.StartedAt = cloneTime(e.StartedAt)
	c.CompletedAt = cloneTime(e.CompletedAt)
	c.PausedAt = cloneTime(e.PausedAt)
	if e.ErrorType != nil {
		et := *e.ErrorType
		c.ErrorType = &et
	}
	return &c
}

// IsTerminalFailure reports whether the entry failed and needs operator attention
func (e *QueueEntry) IsTerminalFailure() bool {
	return e.Status == types.StatusFailed
}

// StatusStats aggregates queue entries sharing one status
type StatusStats struct {
	Status            types.QueueStatus `json:"status"`
	Count             int               `json:"count"`
	ReportsFetched    int64             `json:"reportsFetched"`
	FightsSaved       int64             `json:"fightsSaved"`
	PermanentFailures int               `json:"permanentFailures"`
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
