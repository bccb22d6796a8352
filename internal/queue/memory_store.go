package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/types"
)

// MemoryStore is a process-local Store
type MemoryStore struct {
	mu      sync.Mutex
	byGuild map[string]*models.QueueEntry
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byGuild: make(map[string]*models.QueueEntry)}
}

func (s *MemoryStore) Insert(ctx context.Context, e *models.QueueEntry) (*models.QueueEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.byGuild[e.GuildID]; ok {
		return existing.Clone(), false, nil
	}
	stored := e.Clone()
	stored.Version = 1
	s.byGuild[e.GuildID] = stored
	return stored.Clone(), true, nil
}

func (s *MemoryStore) ClaimNext(ctx context.Context, claimID string, now time.Time) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var best *models.QueueEntry
	for _, e := range s.byGuild {
		if e.Status != types.StatusPending {
			continue
		}
		if best == nil || claimsBefore(e, best) {
			best = e
		}
	}
	if best == nil {
		return nil, nil
	}

	next, err := ApplyClaim(best, claimID, now)
	if err != nil {
		return nil, err
	}
	next.Version = best.Version + 1
	s.byGuild[next.GuildID] = next
	return next.Clone(), nil
}

func claimsBefore(a, b *models.QueueEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *MemoryStore) Get(ctx context.Context, guildID string) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byGuild[guildID]
	if !ok {
		return nil, ErrNotFound
	}
	return e.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, e *models.QueueEntry, expectedVersion int64) (*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.byGuild[e.GuildID]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Version != expectedVersion {
		return nil, ErrVersionConflict
	}
	stored := e.Clone()
	stored.Version = expectedVersion + 1
	s.byGuild[e.GuildID] = stored
	return stored.Clone(), nil
}

func (s *MemoryStore) List(ctx context.Context, filter ListFilter) ([]*models.QueueEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.QueueEntry, 0, len(s.byGuild))
	for _, e := range s.byGuild {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.ActiveBefore != nil && !e.LastActivityAt.Before(*filter.ActiveBefore) {
			continue
		}
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return claimsBefore(out[i], out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) Stats(ctx context.Context) ([]models.StatusStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	byStatus := make(map[types.QueueStatus]*models.StatusStats)
	for _, e := range s.byGuild {
		st, ok := byStatus[e.Status]
		if !ok {
			st = &models.StatusStats{Status: e.Status}
			byStatus[e.Status] = st
		}
		st.Count++
		st.ReportsFetched += int64(e.Progress.ReportsFetched)
		st.FightsSaved += int64(e.Progress.FightsSaved)
		if e.IsPermanentError {
			st.PermanentFailures++
		}
	}

	out := make([]models.StatusStats, 0, len(byStatus))
	for _, status := range types.AllQueueStatuses() {
		if st, ok := byStatus[status]; ok {
			out = append(out, *st)
		}
	}
	return out, nil
}
