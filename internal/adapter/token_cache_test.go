package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/guild-tracker/internal/models"
)

type fakeExchanger struct {
	calls atomic.Int32
	ttl   time.Duration
	now   func() time.Time
	err   error
	gate  chan struct{}
}

func (f *fakeExchanger) Exchange(ctx context.Context) (*oauth2.Token, error) {
	n := f.calls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	if f.err != nil {
		return nil, f.err
	}
	return &oauth2.Token{
		AccessToken: fmt.Sprintf("token-%d", n),
		TokenType:   "Bearer",
		Expiry:      f.now().Add(f.ttl),
	}, nil
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestGetTokenReusesValidCredential(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryCredentialStore()
	require.NoError(t, store.UpsertCredential(context.Background(), &models.CachedCredential{
		ServiceName: "blizzard",
		Token:       "cached",
		TokenKind:   "bearer",
		ExpiresAt:   now.Add(time.Hour),
	}))

	ex := &fakeExchanger{ttl: time.Hour, now: fixedClock(now)}
	cache := NewTokenCache(store, time.Minute, nil)
	cache.now = fixedClock(now)
	cache.Register("blizzard", ex)

	tok, err := cache.GetToken(context.Background(), "blizzard")
	require.NoError(t, err)
	assert.Equal(t, "cached", tok)
	assert.Equal(t, int32(0), ex.calls.Load())
}

func TestGetTokenRefreshesInsideSafetyMargin(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	store := NewMemoryCredentialStore()
	require.NoError(t, store.UpsertCredential(context.Background(), &models.CachedCredential{
		ServiceName: "blizzard",
		Token:       "stale",
		ExpiresAt:   now.Add(30 * time.Second),
	}))

	ex := &fakeExchanger{ttl: 24 * time.Hour, now: fixedClock(now)}
	cache := NewTokenCache(store, 60*time.Second, nil)
	cache.now = fixedClock(now)
	cache.Register("blizzard", ex)

	tok, err := cache.GetToken(context.Background(), "blizzard")
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, int32(1), ex.calls.Load())

	stored, err := store.GetCredential(context.Background(), "blizzard")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "token-1", stored.Token)
	assert.Equal(t, now.Add(24*time.Hour-60*time.Second), stored.ExpiresAt)

	// the fresh token is reused
	tok, err = cache.GetToken(context.Background(), "blizzard")
	require.NoError(t, err)
	assert.Equal(t, "token-1", tok)
	assert.Equal(t, int32(1), ex.calls.Load())
}

func TestGetTokenExchangeErrorPropagates(t *testing.T) {
	boom := errors.New("invalid_client")
	cache := NewTokenCache(NewMemoryCredentialStore(), time.Minute, nil)
	cache.Register("warcraftlogs", &fakeExchanger{err: boom})

	_, err := cache.GetToken(context.Background(), "warcraftlogs")
	assert.ErrorIs(t, err, boom)
}

func TestGetTokenUnknownService(t *testing.T) {
	cache := NewTokenCache(NewMemoryCredentialStore(), time.Minute, nil)
	_, err := cache.GetToken(context.Background(), "nope")
	assert.Error(t, err)
}

func TestGetTokenCoalescesConcurrentRefreshes(t *testing.T) {
	ex := &fakeExchanger{ttl: time.Hour, now: time.Now, gate: make(chan struct{})}
	cache := NewTokenCache(NewMemoryCredentialStore(), time.Minute, nil)
	cache.Register("blizzard", ex)

	const callers = 10
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.GetToken(context.Background(), "blizzard")
			assert.NoError(t, err)
			tokens[i] = tok
		}(i)
	}

	require.Eventually(t, func() bool { return ex.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(ex.gate)
	wg.Wait()

	assert.Equal(t, int32(1), ex.calls.Load())
	for _, tok := range tokens {
		assert.Equal(t, "token-1", tok)
	}
}

func TestClientCredentialsExchanger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "id", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "client_credentials", r.Form.Get("grant_type"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"abc","token_type":"bearer","expires_in":86399}`))
	}))
	defer srv.Close()

	ex := NewClientCredentialsExchanger("id", "secret", srv.URL, srv.Client())
	tok, err := ex.Exchange(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.WithinDuration(t, time.Now().Add(86399*time.Second), tok.Expiry, 5*time.Second)
}
