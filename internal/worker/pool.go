// Package worker runs the loops that drain the guild queue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guild-tracker/internal/adapter"
	"github.com/guild-tracker/internal/circuitbreaker"
	apperrors "github.com/guild-tracker/internal/errors"
	"github.com/guild-tracker/internal/logging"
	"github.com/guild-tracker/internal/models"
	"github.com/guild-tracker/internal/queue"
	"github.com/guild-tracker/internal/types"
)

// finalWriteTimeout bounds the outcome write made after the job context is gone
const finalWriteTimeout = 10 * time.Second

var (
	// errInactive cancels a job whose processor stopped reporting progress
	errInactive = errors.New("no progress reported within the inactivity timeout")
	// errBackoffStalled cancels a job that went silent while an executor was backing off a 429
	errBackoffStalled = errors.New("rate-limit backoff outlasted the inactivity timeout")
)

// backoffTracker counts the executor backoff sleeps in flight for one job
type backoffTracker struct {
	sleeping atomic.Int32
}

func (b *backoffTracker) BackoffStarted(string, time.Duration) { b.sleeping.Add(1) }

func (b *backoffTracker) BackoffEnded(string) { b.sleeping.Add(-1) }

// inactivityCause tells a plain stall from one spent waiting out upstream rate limits
func (b *backoffTracker) inactivityCause() error {
	if b.sleeping.Load() > 0 {
		return errBackoffStalled
	}
	return errInactive
}

// ProgressFunc records current totals for the entry being processed
type ProgressFunc func(ctx context.Context, u queue.ProgressUpdate) error

// Processor does the ingestion work for one claimed entry. It must call
// progress regularly; a job that stays silent longer than the inactivity
// timeout is cancelled.
type Processor interface {
	Process(ctx context.Context, entry *models.QueueEntry, progress ProgressFunc) error
}

// Queue is the part of queue.Queue the pool drives
type Queue interface {
	ClaimNext(ctx context.Context) (*models.QueueEntry, error)
	ReportProgress(ctx context.Context, claimed *models.QueueEntry, u queue.ProgressUpdate) (*models.QueueEntry, error)
	MarkCompleted(ctx context.Context, claimed *models.QueueEntry) (*models.QueueEntry, error)
	MarkFailed(ctx context.Context, claimed *models.QueueEntry, f queue.Failure) (*models.QueueEntry, error)
	Release(ctx context.Context, claimed *models.QueueEntry) (*models.QueueEntry, error)
	ReclaimStale(ctx context.Context, timeout time.Duration) (int, error)
}

// Config holds worker pool configuration
type Config struct {
	Workers           int
	PollInterval      time.Duration
	InactivityTimeout time.Duration
	ReclaimInterval   time.Duration // 0 disables the reclaimer
	Breaker           *circuitbreaker.CircuitBreaker
	Logger            *logging.Logger
}

// Stats is a snapshot of pool activity
type Stats struct {
	Workers   int                   `json:"workers"`
	Running   bool                  `json:"running"`
	Active    int64                 `json:"active"`
	Claimed   uint64                `json:"claimed"`
	Completed uint64                `json:"completed"`
	Failed    uint64                `json:"failed"`
	Released  uint64                `json:"released"`
	Reclaimed uint64                `json:"reclaimed"`
	Breaker   *circuitbreaker.Stats `json:"breaker,omitempty"`
}

// Pool runs Workers goroutines that claim entries and hand them to a Processor
type Pool struct {
	queue     Queue
	processor Processor
	cfg       Config
	logger    *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	active    atomic.Int64
	claimed   atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	released  atomic.Uint64
	reclaimed atomic.Uint64
}

// NewPool creates a worker pool
func NewPool(q Queue, processor Processor, cfg Config) (*Pool, error) {
	if q == nil {
		return nil, fmt.Errorf("queue cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}
	if cfg.Workers <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", cfg.Workers)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = 10 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &Pool{
		queue:     q,
		processor: processor,
		cfg:       cfg,
		logger:    logger.Named("worker"),
	}, nil
}

// Start launches the workers and the reclaimer. They run until Stop is
// called or ctx is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("worker pool is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.logger.WithFields(map[string]interface{}{
		"workers":           p.cfg.Workers,
		"pollInterval":      p.cfg.PollInterval.String(),
		"inactivityTimeout": p.cfg.InactivityTimeout.String(),
	}).Info("Starting worker pool")

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(runCtx, i)
	}
	if p.cfg.ReclaimInterval > 0 {
		p.wg.Add(1)
		go p.reclaimLoop(runCtx)
	}
	return nil
}

// Stop cancels in-flight jobs, which put their entries back to pending, and
// waits for every goroutine to exit or ctx to expire.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("worker pool is not running")
	}
	p.cancel()
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("Worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("Worker pool stop timed out")
		return ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	return nil
}

// Stats returns a snapshot of pool activity
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()

	s := Stats{
		Workers:   p.cfg.Workers,
		Running:   running,
		Active:    p.active.Load(),
		Claimed:   p.claimed.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Released:  p.released.Load(),
		Reclaimed: p.reclaimed.Load(),
	}
	if p.cfg.Breaker != nil {
		bs := p.cfg.Breaker.GetStats()
		s.Breaker = &bs
	}
	return s
}

// workerLoop drains the queue, then waits one poll interval once it is idle
func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.WithField("workerId", id)

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for ctx.Err() == nil && p.RunOnce(ctx, logger) {
		}

		select {
		case <-ctx.Done():
			logger.Debug("Worker exiting")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims and processes at most one entry. It returns false when
// nothing was claimed.
func (p *Pool) RunOnce(ctx context.Context, logger *logging.Logger) bool {
	if logger == nil {
		logger = p.logger
	}

	breaker := p.cfg.Breaker
	if breaker != nil {
		if err := breaker.Allow(); err != nil {
			return false
		}
	}

	entry, err := p.queue.ClaimNext(ctx)
	if err != nil || entry == nil {
		if breaker != nil {
			breaker.Skip()
		}
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("Failed to claim queue entry")
		}
		return false
	}
	p.claimed.Add(1)

	counted, jobErr := p.process(ctx, entry, logger)
	if breaker != nil {
		if counted {
			breaker.Record(jobErr)
		} else {
			breaker.Skip()
		}
	}
	return true
}

// process runs the processor for one entry and writes its outcome. counted
// reports whether the outcome says anything about upstream health.
func (p *Pool) process(ctx context.Context, entry *models.QueueEntry, logger *logging.Logger) (counted bool, err error) {
	p.active.Add(1)
	defer p.active.Add(-1)

	logger = logger.WithFields(map[string]interface{}{
		"guildId":    entry.GuildID,
		"guild":      entry.Name,
		"realm":      entry.Realm,
		"retryCount": entry.RetryCount,
	})
	logger.Info("Processing guild")
	started := time.Now()

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	jobCtx = logging.WithLogger(jobCtx, logger)
	backoffs := &backoffTracker{}
	jobCtx = adapter.WithBackoffObserver(jobCtx, backoffs)

	watchdog := time.AfterFunc(p.cfg.InactivityTimeout, func() { cancel(backoffs.inactivityCause()) })
	defer watchdog.Stop()

	progress := func(pctx context.Context, u queue.ProgressUpdate) error {
		if _, err := p.queue.ReportProgress(pctx, entry, u); err != nil {
			if errors.Is(err, queue.ErrLostOwnership) {
				cancel(err)
			}
			return err
		}
		watchdog.Reset(p.cfg.InactivityTimeout)
		return nil
	}

	err = p.processor.Process(jobCtx, entry, progress)
	watchdog.Stop()

	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), finalWriteTimeout)
	defer writeCancel()

	cause := context.Cause(jobCtx)
	switch {
	case err == nil:
		if _, err := p.queue.MarkCompleted(writeCtx, entry); err != nil {
			p.logOutcomeError(logger, err, "Failed to mark entry completed")
			return true, nil
		}
		p.completed.Add(1)
		logger.WithField("duration", time.Since(started).String()).Info("Guild completed")
		return true, nil

	case errors.Is(cause, queue.ErrLostOwnership):
		logger.Warn("Entry was paused or reclaimed while processing; dropping it")
		return false, err

	case ctx.Err() != nil:
		if _, relErr := p.queue.Release(writeCtx, entry); relErr != nil {
			p.logOutcomeError(logger, relErr, "Failed to release entry on shutdown")
		} else {
			p.released.Add(1)
			logger.Info("Released entry on shutdown")
		}
		return false, err

	case errors.Is(cause, errInactive):
		f := queue.Failure{
			Message: fmt.Sprintf("stalled: %v (%s)", errInactive, p.cfg.InactivityTimeout),
			Type:    types.ErrorUnknown,
		}
		p.markFailed(writeCtx, entry, f, logger)
		return true, errInactive

	case errors.Is(cause, errBackoffStalled):
		f := queue.Failure{
			Message: fmt.Sprintf("rate limited: %v (%s)", errBackoffStalled, p.cfg.InactivityTimeout),
			Type:    types.ErrorRateLimited,
		}
		p.markFailed(writeCtx, entry, f, logger)
		return true, errBackoffStalled
	}

	c := apperrors.Classify(err)
	p.markFailed(writeCtx, entry, queue.Failure{
		Message:   err.Error(),
		Type:      c.Type,
		Permanent: c.Permanent,
		Reason:    c.Reason,
	}, logger)
	return true, err
}

func (p *Pool) markFailed(ctx context.Context, entry *models.QueueEntry, f queue.Failure, logger *logging.Logger) {
	if _, err := p.queue.MarkFailed(ctx, entry, f); err != nil {
		p.logOutcomeError(logger, err, "Failed to record entry failure")
		return
	}
	p.failed.Add(1)
}

func (p *Pool) logOutcomeError(logger *logging.Logger, err error, msg string) {
	if errors.Is(err, queue.ErrLostOwnership) {
		logger.WithError(err).Warn(msg)
		return
	}
	logger.WithError(err).Error(msg)
}

// reclaimLoop periodically fails entries whose worker went silent, e.g.
// because its process died without releasing them.
func (p *Pool) reclaimLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimStale(ctx, p.cfg.InactivityTimeout)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.WithError(err).Error("Failed to reclaim stale entries")
				}
				continue
			}
			if n > 0 {
				p.reclaimed.Add(uint64(n)) // #nosec G115 - n is a non-negative count
				p.logger.WithField("count", n).Warn("Reclaimed stalled entries")
			}
		}
	}
}

// IsUpstreamFailure reports whether err should count against upstream health.
// Permanent failures mean the upstream answered correctly about a bad target.
func IsUpstreamFailure(err error) bool {
	return !apperrors.Classify(err).Permanent
}
