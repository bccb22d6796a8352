package queue

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/types"
)

var t0 = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func testGuild(id string) Guild {
	return Guild{ID: id, Name: "Echo", Realm: "Tarren Mill", Region: types.RegionEU}
}

func claimed(t *testing.T, e *models.QueueEntry, claimID string, now time.Time) *models.QueueEntry {
	t.Helper()
	next, err := ApplyClaim(e, claimID, now)
	require.NoError(t, err)
	return next
}

func transient(msg string) Failure {
	return Failure{Message: msg, Type: types.ErrorNetwork}
}

func TestNewEntry(t *testing.T) {
	e := NewEntry(testGuild("g1"), 5, 3, t0)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, types.StatusPending, e.Status)
	assert.Equal(t, 5, e.Priority)
	assert.Equal(t, 3, e.MaxRetries)
	assert.Equal(t, t0, e.CreatedAt)
	assert.Equal(t, t0, e.LastActivityAt)
	assert.Nil(t, e.StartedAt)
}

func TestApplyClaim(t *testing.T) {
	e := NewEntry(testGuild("g1"), 5, 3, t0)
	now := t0.Add(time.Minute)

	next := claimed(t, e, "c1", now)
	assert.Equal(t, types.StatusInProgress, next.Status)
	require.NotNil(t, next.StartedAt)
	assert.False(t, next.StartedAt.Before(next.CreatedAt))
	assert.Equal(t, now, next.LastActivityAt)
	assert.Equal(t, "c1", *next.ClaimID)
	assert.Equal(t, types.StatusPending, e.Status, "input must not be mutated")

	_, err := ApplyClaim(next, "c2", now)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestThreeTransientFailuresThenFailed(t *testing.T) {
	e := NewEntry(testGuild("g1"), 5, 3, t0)

	for i := 1; i <= 3; i++ {
		c := claimed(t, e, "c", t0)
		var err error
		e, err = ApplyFailure(c, "c", transient("timeout"), t0)
		require.NoError(t, err)
		assert.Equal(t, types.StatusPending, e.Status, "after failure %d", i)
		assert.Equal(t, i, e.RetryCount)
	}

	c := claimed(t, e, "c", t0)
	e, err := ApplyFailure(c, "c", transient("timeout"), t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, e.Status)
	assert.Equal(t, 3, e.RetryCount)
	assert.Equal(t, 4, e.ErrorCount)
	assert.False(t, e.IsPermanentError)
	require.NotNil(t, e.FailureReason)
}

func TestPermanentFailureSkipsRetry(t *testing.T) {
	e := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)

	next, err := ApplyFailure(e, "c", Failure{
		Message:   "no guild",
		Type:      types.ErrorGuildNotFound,
		Permanent: true,
		Reason:    "guild does not exist upstream",
	}, t0.Add(time.Second))
	require.NoError(t, err)

	assert.Equal(t, types.StatusFailed, next.Status)
	assert.True(t, next.IsPermanentError)
	assert.Equal(t, 0, next.RetryCount)
	assert.Equal(t, 1, next.ErrorCount)
	assert.Equal(t, types.ErrorGuildNotFound, *next.ErrorType)
	assert.Equal(t, "no guild", *next.LastError)
	assert.Equal(t, t0.Add(time.Second), *next.LastErrorAt)
	assert.Equal(t, "guild does not exist upstream", *next.FailureReason)
	assert.Nil(t, next.ClaimID)
}

func TestOwnedTransitionsRequireClaim(t *testing.T) {
	pending := NewEntry(testGuild("g1"), 5, 3, t0)
	running := claimed(t, pending, "c1", t0)

	_, err := ApplyProgress(pending, "c1", ProgressUpdate{}, t0)
	assert.ErrorIs(t, err, ErrLostOwnership)

	_, err = ApplyProgress(running, "other", ProgressUpdate{}, t0)
	assert.ErrorIs(t, err, ErrLostOwnership)

	_, err = ApplyCompleted(running, "other", t0)
	assert.ErrorIs(t, err, ErrLostOwnership)

	_, err = ApplyFailure(running, "other", transient("x"), t0)
	assert.ErrorIs(t, err, ErrLostOwnership)

	_, err = ApplyRelease(running, "other", t0)
	assert.ErrorIs(t, err, ErrLostOwnership)
}

func TestApplyProgress(t *testing.T) {
	e := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)

	// no estimate yet: percentage stays put
	e, err := ApplyProgress(e, "c", ProgressUpdate{ReportsFetched: 10, FightsSaved: 40, CurrentPage: 1}, t0.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 0, e.Progress.PercentComplete)
	assert.Equal(t, 0, e.Progress.TotalReportsEstimate)
	assert.Equal(t, t0.Add(time.Second), e.LastActivityAt)

	e, err = ApplyProgress(e, "c", ProgressUpdate{ReportsFetched: 20, FightsSaved: 90, CurrentPage: 2, TotalEstimate: 30}, t0)
	require.NoError(t, err)
	assert.Equal(t, 30, e.Progress.TotalReportsEstimate)
	assert.Equal(t, 67, e.Progress.PercentComplete)

	// a missing estimate keeps the known one
	e, err = ApplyProgress(e, "c", ProgressUpdate{ReportsFetched: 45, FightsSaved: 100, CurrentPage: 3}, t0)
	require.NoError(t, err)
	assert.Equal(t, 30, e.Progress.TotalReportsEstimate)
	assert.Equal(t, 100, e.Progress.PercentComplete)
	assert.Equal(t, 3, e.Progress.CurrentPage)
}

func TestApplyCompleted(t *testing.T) {
	e := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)
	done, err := ApplyCompleted(e, "c", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress.PercentComplete)
	assert.Equal(t, t0.Add(time.Hour), *done.CompletedAt)
	assert.Nil(t, done.ClaimID)
}

func TestPauseResume(t *testing.T) {
	e := NewEntry(testGuild("g1"), 5, 3, t0)
	e.RetryCount = 2
	e.ErrorCount = 5

	paused, err := ApplyPause(e, t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)
	require.NotNil(t, paused.PausedAt)

	again, err := ApplyPause(paused, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, *paused.PausedAt, *again.PausedAt)

	resumed, err := ApplyResume(paused, t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, resumed.Status)
	assert.Nil(t, resumed.PausedAt)
	assert.Equal(t, 2, resumed.RetryCount)
	assert.Equal(t, 5, resumed.ErrorCount)

	_, err = ApplyResume(resumed, t0)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestPauseRunningEntryRevokesClaim(t *testing.T) {
	running := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)
	paused, err := ApplyPause(running, t0)
	require.NoError(t, err)
	assert.Nil(t, paused.ClaimID)

	_, err = ApplyProgress(paused, "c", ProgressUpdate{}, t0)
	assert.ErrorIs(t, err, ErrLostOwnership)
}

func TestResumeFailedAndCompleted(t *testing.T) {
	running := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)
	failed, err := ApplyFailure(running, "c", Failure{Message: "gone", Type: types.ErrorGuildNotFound, Permanent: true}, t0)
	require.NoError(t, err)

	resumed, err := ApplyResume(failed, t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, resumed.Status)
	assert.False(t, resumed.IsPermanentError)
	assert.Equal(t, 1, resumed.ErrorCount)

	running = claimed(t, resumed, "c2", t0)
	running, err = ApplyProgress(running, "c2", ProgressUpdate{ReportsFetched: 8, FightsSaved: 20, CurrentPage: 1, TotalEstimate: 8}, t0)
	require.NoError(t, err)
	done, err := ApplyCompleted(running, "c2", t0)
	require.NoError(t, err)

	refreshed, err := ApplyResume(done, t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, refreshed.Status)
	assert.Nil(t, refreshed.CompletedAt)
	assert.Equal(t, 0, refreshed.Progress.CurrentPage)
	assert.Equal(t, 8, refreshed.Progress.TotalReportsEstimate)
}

func TestFailureReasonDoesNotOutliveItsFailure(t *testing.T) {
	running := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)
	failed, err := ApplyFailure(running, "c", Failure{
		Message:   "no guild",
		Type:      types.ErrorGuildNotFound,
		Permanent: true,
		Reason:    "guild does not exist upstream",
	}, t0)
	require.NoError(t, err)
	require.NotNil(t, failed.FailureReason)

	resumed, err := ApplyResume(failed, t0)
	require.NoError(t, err)
	assert.Nil(t, resumed.FailureReason)

	// a stale reason must not survive even when the entry skipped resume
	running = claimed(t, resumed, "c2", t0)
	running.FailureReason = failed.FailureReason
	retried, err := ApplyFailure(running, "c2", transient("connection reset"), t0)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, retried.Status)
	assert.Equal(t, types.ErrorNetwork, *retried.ErrorType)
	assert.Nil(t, retried.FailureReason)
}

func TestApplyTimeout(t *testing.T) {
	running := claimed(t, NewEntry(testGuild("g1"), 5, 3, t0), "c", t0)

	_, err := ApplyTimeout(running, t0, t0.Add(time.Minute))
	assert.ErrorIs(t, err, ErrInvalidTransition, "activity exactly at cutoff is not stale")

	next, err := ApplyTimeout(running, t0.Add(time.Second), t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, types.StatusPending, next.Status)
	assert.Equal(t, 1, next.RetryCount)
	assert.Nil(t, next.ClaimID)
}

func TestTransitionErrorsAreDistinct(t *testing.T) {
	assert.False(t, errors.Is(ErrLostOwnership, ErrInvalidTransition))
	assert.False(t, errors.Is(ErrVersionConflict, ErrNotFound))
}

func TestTransitionProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	properties.Property("N transient failures leave the entry pending iff N <= maxRetries", prop.ForAll(
		func(maxRetries, extra int) bool {
			n := 1 + extra%(maxRetries+1)
			if extra%7 == 0 {
				n = maxRetries + 1
			}
			e := NewEntry(testGuild("g"), 1, maxRetries, t0)
			for i := 0; i < n; i++ {
				c, err := ApplyClaim(e, "c", t0)
				if err != nil {
					return false
				}
				e, _ = ApplyFailure(c, "c", transient("boom"), t0)
			}
			wantPending := n <= maxRetries
			return (e.Status == types.StatusPending) == wantPending &&
				(e.Status == types.StatusFailed) == !wantPending &&
				e.ErrorCount == n &&
				e.RetryCount <= e.MaxRetries
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 100),
	))

	properties.Property("a permanent failure always fails regardless of retries left", prop.ForAll(
		func(maxRetries, retryCount int) bool {
			e := NewEntry(testGuild("g"), 1, maxRetries, t0)
			e.RetryCount = retryCount % (maxRetries + 1)
			c, _ := ApplyClaim(e, "c", t0)
			next, err := ApplyFailure(c, "c", Failure{Type: types.ErrorGuildNotFound, Permanent: true}, t0)
			return err == nil && next.Status == types.StatusFailed && next.IsPermanentError && next.RetryCount == e.RetryCount
		},
		gen.IntRange(0, 6),
		gen.IntRange(0, 100),
	))

	properties.Property("percent complete follows min(100, round(fetched/estimate*100))", prop.ForAll(
		func(fetched, estimate, prior int) bool {
			got := PercentComplete(fetched, estimate, prior)
			if estimate <= 0 {
				return got == prior
			}
			want := int(math.Min(100, math.Round(float64(fetched)/float64(estimate)*100)))
			return got == want && got >= 0 && got <= 100
		},
		gen.IntRange(0, 5000),
		gen.IntRange(-5, 500),
		gen.IntRange(0, 100),
	))

	properties.Property("pause then resume restores pending and keeps counters", prop.ForAll(
		func(retryCount, errorCount int) bool {
			e := NewEntry(testGuild("g"), 1, 10, t0)
			e.RetryCount = retryCount
			e.ErrorCount = errorCount
			paused, err := ApplyPause(e, t0)
			if err != nil {
				return false
			}
			resumed, err := ApplyResume(paused, t0)
			return err == nil &&
				resumed.Status == types.StatusPending &&
				resumed.RetryCount == retryCount &&
				resumed.ErrorCount == errorCount &&
				resumed.PausedAt == nil
		},
		gen.IntRange(0, 10),
		gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
