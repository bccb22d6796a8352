package adapter

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/guild-tracker/internal/errors"
)

type staticTokens struct {
	token string
	err   error
}

func (s staticTokens) GetToken(ctx context.Context, service string) (string, error) {
	return s.token, s.err
}

func newTestExecutor(t *testing.T, srv *httptest.Server, cfg ExecutorConfig) (*Executor, *[]time.Duration) {
	t.Helper()
	exec := NewExecutor("test", srv.Client(), staticTokens{token: "tok-1"}, cfg, nil)
	var delays []time.Duration
	exec.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	return exec, &delays
}

func TestExecuteInjectsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"Rashok"}`))
	}))
	defer srv.Close()

	exec, delays := newTestExecutor(t, srv, DefaultExecutorConfig())

	var out struct {
		Name string `json:"name"`
	}
	require.NoError(t, exec.Execute(context.Background(), &Request{URL: srv.URL}, &out))
	assert.Equal(t, "Rashok", out.Name)
	assert.Empty(t, *delays)
}

func TestExecuteBacksOffExponentiallyOn429(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 4 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	exec, delays := newTestExecutor(t, srv, DefaultExecutorConfig())

	require.NoError(t, exec.Execute(context.Background(), &Request{URL: srv.URL}, nil))
	assert.Equal(t, int32(5), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, *delays)
}

func TestExecuteGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exec, delays := newTestExecutor(t, srv, ExecutorConfig{MaxAttempts: 5, BackoffUnit: time.Second})

	err := exec.Execute(context.Background(), &Request{URL: srv.URL}, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrRetriesExhausted))
	assert.Equal(t, int32(6), calls.Load())
	require.Len(t, *delays, 5)
	for k, d := range *delays {
		assert.Equal(t, time.Duration(1<<k)*time.Second, d, "delay after 429 #%d", k)
	}
}

func TestExecuteDoesNotRetryOtherFailures(t *testing.T) {
	for _, status := range []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusBadRequest, http.StatusInternalServerError} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				w.WriteHeader(status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			exec, delays := newTestExecutor(t, srv, DefaultExecutorConfig())

			err := exec.Execute(context.Background(), &Request{URL: srv.URL}, nil)
			var upstream *apperrors.UpstreamError
			require.ErrorAs(t, err, &upstream)
			assert.Equal(t, status, upstream.StatusCode)
			assert.Equal(t, "nope", upstream.Body)
			assert.Equal(t, int32(1), calls.Load())
			assert.Empty(t, *delays)
		})
	}
}

func TestExecuteCapsBackoff(t *testing.T) {
	exec := NewExecutor("test", nil, staticTokens{}, ExecutorConfig{MaxAttempts: 25, BackoffUnit: time.Second, MaxBackoff: 10 * time.Second}, nil)
	assert.Equal(t, 8*time.Second, exec.backoff(3))
	assert.Equal(t, 10*time.Second, exec.backoff(4))
	assert.Equal(t, 10*time.Second, exec.backoff(60))
}

func TestExecuteTokenFailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request should be sent without a token")
	}))
	defer srv.Close()

	tokenErr := errors.New("exchange refused")
	exec := NewExecutor("test", srv.Client(), staticTokens{err: tokenErr}, DefaultExecutorConfig(), nil)

	err := exec.Execute(context.Background(), &Request{URL: srv.URL}, nil)
	assert.ErrorIs(t, err, tokenErr)
}

func TestExecuteBackoffHonorsContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exec := NewExecutor("test", srv.Client(), staticTokens{token: "t"}, ExecutorConfig{MaxAttempts: 25, BackoffUnit: time.Hour}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := exec.Execute(ctx, &Request{URL: srv.URL}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

type countingBudget struct {
	calls atomic.Int32
	err   error
}

func (b *countingBudget) Wait(ctx context.Context, cost int) error {
	b.calls.Add(int32(cost))
	return b.err
}

func TestExecuteWaitsOnBudgetForEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv, DefaultExecutorConfig())
	budget := &countingBudget{}
	exec.WithBudget(budget)

	require.NoError(t, exec.Execute(context.Background(), &Request{URL: srv.URL}, nil))
	assert.Equal(t, int32(3), budget.calls.Load())
}

func TestExecuteBudgetErrorStopsRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv, DefaultExecutorConfig())
	exec.WithBudget(&countingBudget{err: context.Canceled})

	err := exec.Execute(context.Background(), &Request{URL: srv.URL}, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls.Load())
}

type recordingObserver struct {
	started []time.Duration
	ended   int
}

func (o *recordingObserver) BackoffStarted(service string, delay time.Duration) {
	o.started = append(o.started, delay)
}

func (o *recordingObserver) BackoffEnded(service string) { o.ended++ }

func TestExecuteReportsBackoffToObserver(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	exec, _ := newTestExecutor(t, srv, ExecutorConfig{MaxAttempts: 5, BackoffUnit: time.Second})
	obs := &recordingObserver{}
	ctx := WithBackoffObserver(context.Background(), obs)

	require.NoError(t, exec.Execute(ctx, &Request{URL: srv.URL}, nil))
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, obs.started)
	assert.Equal(t, 2, obs.ended)
}
