// Package ratelimit shares an outbound request budget between worker processes using Redis.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guild-tracker/internal/logging"
)

// Default budget configuration values.
const (
	DefaultWindowSize = time.Second
	KeyPrefix         = "budget:"
)

// consumeScript atomically checks and increments the window counter.
// Returns {allowed, used}.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	local cost = tonumber(ARGV[1])
	local budget = tonumber(ARGV[2])
	local ttl = tonumber(ARGV[3])

	local used = tonumber(redis.call('GET', key) or '0')
	if used + cost > budget then
		return {0, used}
	end

	used = redis.call('INCRBY', key, cost)
	redis.call('EXPIRE', key, ttl)
	return {1, used}
`)

// BudgetConfig holds configuration for a RequestBudget.
type BudgetConfig struct {
	// Redis is the client used for cross-process coordination. Required.
	Redis redis.Cmdable

	// Service names the upstream; each service has its own counter.
	Service string

	// Limit is how many requests all processes together may send per window.
	Limit int

	// WindowSize is the fixed window duration. Default: 1s.
	WindowSize time.Duration

	Logger *logging.Logger
}

// Validate checks if the configuration is valid.
func (c *BudgetConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Service == "" {
		return errors.New("service name is required")
	}
	if c.Limit <= 0 {
		return fmt.Errorf("limit must be positive, got %d", c.Limit)
	}
	if c.WindowSize < 0 {
		return errors.New("window size cannot be negative")
	}
	return nil
}

// RequestBudget is a fixed-window request counter kept in Redis, so every
// worker talking to the same upstream draws from one allowance.
type RequestBudget struct {
	redis      redis.Cmdable
	service    string
	limit      int
	windowSize time.Duration
	keyTTL     time.Duration
	now        func() time.Time
	sleep      func(ctx context.Context, d time.Duration) error
	logger     *logging.Logger
}

// NewRequestBudget creates a budget. Returns an error if the configuration is invalid.
func NewRequestBudget(cfg *BudgetConfig) (*RequestBudget, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	windowSize := cfg.WindowSize
	if windowSize == 0 {
		windowSize = DefaultWindowSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &RequestBudget{
		redis:      cfg.Redis,
		service:    cfg.Service,
		limit:      cfg.Limit,
		windowSize: windowSize,
		keyTTL:     2 * windowSize,
		now:        time.Now,
		sleep:      sleepContext,
		logger:     logger.Named("budget").WithField("service", cfg.Service),
	}, nil
}

// windowStart returns the start of the window containing now.
func (b *RequestBudget) windowStart() time.Time {
	return b.now().Truncate(b.windowSize)
}

func (b *RequestBudget) key(windowStart time.Time) string {
	return fmt.Sprintf("%s%s:%d", KeyPrefix, b.service, windowStart.UnixMilli())
}

// TryConsume takes cost from the current window. When the window is spent it
// returns false and the time until the next window opens.
func (b *RequestBudget) TryConsume(ctx context.Context, cost int) (bool, time.Duration, error) {
	if cost <= 0 {
		return true, 0, nil
	}

	start := b.windowStart()
	ttlSeconds := int(b.keyTTL.Seconds())
	if ttlSeconds < 1 {
		ttlSeconds = 1
	}

	result, err := consumeScript.Run(ctx, b.redis, []string{b.key(start)}, cost, b.limit, ttlSeconds).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to consume %s budget: %w", b.service, err)
	}
	if result[0] == 1 {
		return true, 0, nil
	}
	return false, b.untilNextWindow(start), nil
}

// Wait blocks until cost fits into a window or ctx is done. A Redis failure
// lets the request through; the executor's 429 backoff still applies then.
func (b *RequestBudget) Wait(ctx context.Context, cost int) error {
	for {
		allowed, wait, err := b.TryConsume(ctx, cost)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			b.logger.WithError(err).Warn("Budget unavailable, sending without it")
			return nil
		}
		if allowed {
			return nil
		}

		b.logger.WithField("wait", wait.String()).Debug("Request budget spent, waiting for next window")
		if err := b.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// untilNextWindow returns the time until the window after start opens.
func (b *RequestBudget) untilNextWindow(start time.Time) time.Duration {
	wait := start.Add(b.windowSize).Sub(b.now())
	if wait < 0 {
		wait = 0
	}
	// small buffer to land inside the new window
	return wait + time.Millisecond
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
