package storage

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/types"
)

func TestNewPostgresDB(t *testing.T) {
	db := openTestPostgres(t)

	if err := db.Ping(testContext(t)); err != nil {
		t.Errorf("Ping() error = %v", err)
	}
	if db.Pool() == nil {
		t.Error("Pool() returned nil")
	}
}

func TestMigrationVersion(t *testing.T) {
	openTestPostgres(t)

	version, dirty, err := MigrationVersion(testPostgresConfig().DSN(), "../../migrations/postgres")
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.GreaterOrEqual(t, version, uint(1))
}

// testGuildEntry creates an entry that sorts ahead of anything else in a shared database
func testGuildEntry(t *testing.T, db *PostgresDB, priority int, now time.Time) *models.QueueEntry {
	t.Helper()
	g := queue.Guild{ID: "test-" + uuid.NewString(), Name: "Liquid", Realm: "Illidan", Region: types.RegionUS}
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(context.Background(), "DELETE FROM guild_queue WHERE guild_id = $1", g.ID)
	})
	return queue.NewEntry(g, priority, 3, now)
}

func TestQueueRepository_InsertIsIdempotent(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewQueueRepository(db)
	ctx := testContext(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	entry := testGuildEntry(t, db, 5, now)
	stored, created, err := repo.Insert(ctx, entry)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, types.StatusPending, stored.Status)
	assert.Equal(t, types.RegionUS, stored.Region)
	assert.True(t, now.Equal(stored.CreatedAt))

	dup := entry.Clone()
	dup.ID = uuid.NewString()
	dup.Priority = 1
	again, created, err := repo.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, entry.ID, again.ID)
	assert.Equal(t, 5, again.Priority)
}

func TestQueueRepository_ClaimAndUpdate(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewQueueRepository(db)
	ctx := testContext(t)
	now := time.Now().UTC().Truncate(time.Microsecond)

	first := testGuildEntry(t, db, -1_000_001, now.Add(time.Second))
	second := testGuildEntry(t, db, -1_000_000, now)
	for _, e := range []*models.QueueEntry{second, first} {
		_, _, err := repo.Insert(ctx, e)
		require.NoError(t, err)
	}

	claimed, err := repo.ClaimNext(ctx, "claim-1", now)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.GuildID, claimed.GuildID)
	assert.Equal(t, types.StatusInProgress, claimed.Status)
	assert.Equal(t, "claim-1", *claimed.ClaimID)
	assert.Equal(t, int64(2), claimed.Version)

	failed, err := queue.ApplyFailure(claimed, "claim-1", queue.Failure{
		Message: "guild missing", Type: types.ErrorGuildNotFound, Permanent: true,
	}, now)
	require.NoError(t, err)

	saved, err := repo.Update(ctx, failed, claimed.Version)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFailed, saved.Status)
	assert.True(t, saved.IsPermanentError)
	require.NotNil(t, saved.ErrorType)
	assert.Equal(t, types.ErrorGuildNotFound, *saved.ErrorType)
	assert.Nil(t, saved.ClaimID)
	assert.Equal(t, int64(3), saved.Version)

	_, err = repo.Update(ctx, failed, claimed.Version)
	assert.ErrorIs(t, err, queue.ErrVersionConflict)

	_, err = repo.Get(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, queue.ErrNotFound)

	stale := now.Add(time.Hour)
	list, err := repo.List(ctx, queue.ListFilter{Status: types.StatusPending, ActiveBefore: &stale, Limit: 1})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, second.GuildID, list[0].GuildID)

	stats, err := repo.Stats(ctx)
	require.NoError(t, err)
	byStatus := make(map[types.QueueStatus]models.StatusStats)
	for _, s := range stats {
		byStatus[s.Status] = s
	}
	assert.GreaterOrEqual(t, byStatus[types.StatusFailed].PermanentFailures, 1)
}

func TestQueueRepository_WithQueue(t *testing.T) {
	db := openTestPostgres(t)
	ctx := testContext(t)
	q := queue.New(NewQueueRepository(db), queue.Options{MaxRetries: 3, DefaultPriority: 10}, nil)

	entry := testGuildEntry(t, db, -2_000_000, time.Now().UTC())
	g := queue.Guild{ID: entry.GuildID, Name: entry.Name, Realm: entry.Realm, Region: entry.Region}
	priority := -2_000_000
	_, created, err := q.Enqueue(ctx, g, &priority)
	require.NoError(t, err)
	require.True(t, created)

	claimed, err := q.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, g.ID, claimed.GuildID)

	claimed, err = q.ReportProgress(ctx, claimed, queue.ProgressUpdate{ReportsFetched: 3, FightsSaved: 20, CurrentPage: 1, TotalEstimate: 6})
	require.NoError(t, err)
	assert.Equal(t, 50, claimed.Progress.PercentComplete)

	paused, err := q.Pause(ctx, g.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPaused, paused.Status)

	_, err = q.MarkCompleted(ctx, claimed)
	assert.ErrorIs(t, err, queue.ErrLostOwnership)
}

func TestCredentialRepository(t *testing.T) {
	db := openTestPostgres(t)
	repo := NewCredentialRepository(db)
	ctx := testContext(t)
	service := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(context.Background(), "DELETE FROM service_credentials WHERE service_name = $1", service)
	})

	got, err := repo.GetCredential(ctx, service)
	require.NoError(t, err)
	assert.Nil(t, got)

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Microsecond)
	require.NoError(t, repo.UpsertCredential(ctx, &models.CachedCredential{
		ServiceName: service, Token: "first", TokenKind: "Bearer", ExpiresAt: expires,
	}))
	require.NoError(t, repo.UpsertCredential(ctx, &models.CachedCredential{
		ServiceName: service, Token: "second", TokenKind: "Bearer", ExpiresAt: expires.Add(time.Hour),
	}))

	got, err = repo.GetCredential(ctx, service)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.Token)
	assert.True(t, expires.Add(time.Hour).Equal(got.ExpiresAt))
}

func TestResolutionAndResourceRepositories(t *testing.T) {
	db := openTestPostgres(t)
	ctx := testContext(t)
	name := "Rashok, the Elder " + uuid.NewString()
	kind := "test-" + uuid.NewString()
	t.Cleanup(func() {
		_, _ = db.Pool().Exec(context.Background(), "DELETE FROM icon_resolutions WHERE name = $1", name)
		_, _ = db.Pool().Exec(context.Background(), "DELETE FROM game_resources WHERE kind = $1", kind)
	})

	resolutions := NewResolutionRepository(db)
	miss, err := resolutions.GetResolution(ctx, name)
	require.NoError(t, err)
	assert.Nil(t, miss)

	require.NoError(t, resolutions.UpsertResolution(ctx, &models.CachedResolution{
		Name: name, UpstreamResourceID: 18160, UpstreamAssetURL: "https://render/rashok.jpg",
		LocalAssetRef: "/icons/abc.jpg", LastUpdated: time.Now().UTC(),
	}))
	hit, err := resolutions.GetResolution(ctx, name)
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, int64(18160), hit.UpstreamResourceID)
	assert.Equal(t, "/icons/abc.jpg", hit.LocalAssetRef)

	resources := NewResourceRepository(db)
	n, err := resources.UpsertResources(ctx, []models.GameResource{
		{ID: 1, Kind: kind, Name: "Mythic: Rashok"},
		{ID: 2, Kind: kind, Name: "Glory of the Aberrus Raider"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = resources.UpsertResources(ctx, []models.GameResource{{ID: 1, Kind: kind, Name: "Mythic: Rashok, the Elder"}})
	require.NoError(t, err)

	listed, err := resources.ListResources(ctx, kind)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, "Mythic: Rashok, the Elder", listed[0].Name)
}
