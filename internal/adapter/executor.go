package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/logging"
)

const maxResponseBytes = 16 << 20

// TokenSource supplies the bearer token injected into every request
type TokenSource interface {
	GetToken(ctx context.Context, service string) (string, error)
}

// Budget throttles outbound requests before they are sent
type Budget interface {
	Wait(ctx context.Context, cost int) error
}

// BackoffObserver hears about the rate-limit sleeps made on behalf of a context
type BackoffObserver interface {
	BackoffStarted(service string, delay time.Duration)
	BackoffEnded(service string)
}

type backoffObserverKey struct{}

// WithBackoffObserver makes executors report rate-limit sleeps for requests on ctx to o
func WithBackoffObserver(ctx context.Context, o BackoffObserver) context.Context {
	return context.WithValue(ctx, backoffObserverKey{}, o)
}

func backoffObserverFrom(ctx context.Context) BackoffObserver {
	o, _ := ctx.Value(backoffObserverKey{}).(BackoffObserver)
	return o
}

// Request describes one outbound call. Body is replayed on every attempt.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// ExecutorConfig configures the rate-limit backoff
type ExecutorConfig struct {
	MaxAttempts int
	BackoffUnit time.Duration
	MaxBackoff  time.Duration // 0 means uncapped
}

// DefaultExecutorConfig waits 1s, 2s, 4s, ... and gives up after 25 rate-limited retries
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{MaxAttempts: 25, BackoffUnit: time.Second}
}

// Executor sends authenticated requests to one upstream service and rides out 429s.
// Any other failure is returned at once.
type Executor struct {
	service string
	client  *http.Client
	tokens  TokenSource
	budget  Budget
	config  ExecutorConfig
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *logging.Logger
}

// NewExecutor creates an executor for service
func NewExecutor(service string, client *http.Client, tokens TokenSource, config ExecutorConfig, logger *logging.Logger) *Executor {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if config.BackoffUnit <= 0 {
		config.BackoffUnit = time.Second
	}
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	return &Executor{
		service: service,
		client:  client,
		tokens:  tokens,
		config:  config,
		sleep:   sleepContext,
		logger:  logger.Named("executor").WithField("service", service),
	}
}

// WithBudget makes every attempt, retries included, wait on b first
func (e *Executor) WithBudget(b Budget) *Executor {
	e.budget = b
	return e
}

// Service returns the upstream service name
func (e *Executor) Service() string {
	return e.service
}

// Execute sends req and decodes a successful JSON body into out (which may be nil).
//
// On 429 it sleeps BackoffUnit * 2^attempt and tries again until MaxAttempts retries
// were spent, then fails with ErrRetriesExhausted. Other non-2xx responses become an
// *UpstreamError; transport failures are returned wrapped.
func (e *Executor) Execute(ctx context.Context, req *Request, out any) error {
	for attempt := 0; ; attempt++ {
		status, body, err := e.send(ctx, req)
		if err != nil {
			return err
		}

		if status == http.StatusTooManyRequests {
			if attempt >= e.config.MaxAttempts {
				return fmt.Errorf("%s %s: gave up after %d rate-limited attempts: %w",
					e.service, req.URL, attempt+1, apperrors.ErrRetriesExhausted)
			}
			delay := e.backoff(attempt)
			e.logger.WithFields(map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"url":     req.URL,
			}).Warn("Rate limited, backing off")
			if err := e.wait(ctx, delay); err != nil {
				return fmt.Errorf("%s backoff interrupted: %w", e.service, err)
			}
			continue
		}

		if status < 200 || status >= 300 {
			return &apperrors.UpstreamError{Service: e.service, StatusCode: status, Body: truncate(body, 512)}
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", e.service, err)
		}
		return nil
	}
}

// wait sleeps one backoff delay, telling the context's observer while it does
func (e *Executor) wait(ctx context.Context, delay time.Duration) error {
	o := backoffObserverFrom(ctx)
	if o == nil {
		return e.sleep(ctx, delay)
	}
	o.BackoffStarted(e.service, delay)
	defer o.BackoffEnded(e.service)
	return e.sleep(ctx, delay)
}

func (e *Executor) send(ctx context.Context, req *Request) (int, []byte, error) {
	if e.budget != nil {
		if err := e.budget.Wait(ctx, 1); err != nil {
			return 0, nil, fmt.Errorf("%s request budget: %w", e.service, err)
		}
	}

	token, err := e.tokens.GetToken(ctx, e.service)
	if err != nil {
		return 0, nil, err
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to make request to %s: %w", e.service, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read %s response: %w", e.service, err)
	}
	return resp.StatusCode, respBody, nil
}

// backoff returns BackoffUnit * 2^attempt, capped by MaxBackoff when set
func (e *Executor) backoff(attempt int) time.Duration {
	// beyond 2^32 units the shift would overflow for any sane unit
	shift := attempt
	if shift > 32 {
		shift = 32
	}
	delay := e.config.BackoffUnit * time.Duration(uint64(1)<<uint(shift))
	if e.config.MaxBackoff > 0 && delay > e.config.MaxBackoff {
		delay = e.config.MaxBackoff
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
