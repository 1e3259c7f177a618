// Package writequeue batches deferred writes into periodic transactions.
//
// SQLite's full text index does its housekeeping at the end of every
// transaction, so many small writes are much cheaper committed together. The
// queue is also the only writer: at most one flush is in flight at a time.
package writequeue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/rs/zerolog"
)

// Optimizer is implemented by stores that support periodic maintenance.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Options tunes batching and backpressure.
type Options struct {
	// AutoCommit enables flushing from Enqueue and the Run timer. When false
	// only FlushNow writes anything.
	AutoCommit bool

	// BatchPeriod is the minimum time between automatic flush attempts.
	BatchPeriod time.Duration

	// MaxDeferred caps the buffer after a busy failure. The oldest writes
	// beyond the cap are dropped.
	MaxDeferred int

	// OptimizePeriod is the minimum time between store optimizations. Zero
	// disables optimization.
	OptimizePeriod time.Duration
}

// DefaultOptions mirrors the configuration defaults.
func DefaultOptions() Options {
	return Options{
		AutoCommit:     true,
		BatchPeriod:    5 * time.Second,
		MaxDeferred:    1000,
		OptimizePeriod: 30 * time.Minute,
	}
}

// Stats are cumulative queue counters.
type Stats struct {
	Pending         int           `json:"pending"`
	Flushes         int64         `json:"flushes"`
	Committed       int64         `json:"committed"`
	Deferred        int64         `json:"deferred"`
	Dropped         int64         `json:"dropped"`
	Discarded       int64         `json:"discarded"`
	LastBatchSize   int           `json:"lastBatchSize"`
	LastDuration    time.Duration `json:"lastDurationNs"`
	LastFlushFailed bool          `json:"lastFlushFailed"`
}

// Queue buffers writes and applies them in batches through a TxRunner.
type Queue struct {
	store  domain.TxRunner
	opts   Options
	logger zerolog.Logger
	now    func() time.Time

	// slot holds a token while a flush is running.
	slot chan struct{}

	mu           sync.Mutex
	buf          []domain.Write
	lastFlush    time.Time
	lastOptimize time.Time
	stats        Stats
	// closed stops auto flushes once Run is shutting down.
	closed bool

	background sync.WaitGroup
}

// New creates a Queue writing through store.
func New(store domain.TxRunner, opts Options, logger zerolog.Logger) *Queue {
	if opts.MaxDeferred <= 0 {
		opts.MaxDeferred = DefaultOptions().MaxDeferred
	}
	now := time.Now()
	return &Queue{
		store:        store,
		opts:         opts,
		logger:       logger,
		now:          time.Now,
		slot:         make(chan struct{}, 1),
		lastFlush:    now,
		lastOptimize: now,
	}
}

// Enqueue appends w to the pending batch. It never blocks on storage; when
// the auto-flush policy allows, a flush is started in the background.
func (q *Queue) Enqueue(w domain.Write) {
	q.mu.Lock()
	q.buf = append(q.buf, w)
	q.mu.Unlock()

	q.logger.Trace().Object("write", w).Msg("enqueue")
	q.maybeFlush()
}

// FlushNow waits for any in-flight flush, then commits everything pending.
// It ignores the batch period and works with AutoCommit disabled.
func (q *Queue) FlushNow(ctx context.Context) error {
	select {
	case q.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-q.slot }()

	return q.flush(ctx)
}

// Run re-checks the auto-flush policy every batch period so pending writes
// are committed even when nothing new is enqueued. On cancellation it waits
// for background flushes and commits whatever is left.
func (q *Queue) Run(ctx context.Context) error {
	period := q.opts.BatchPeriod
	if period <= 0 {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.closed = true
			q.mu.Unlock()
			q.background.Wait()
			if err := q.FlushNow(context.WithoutCancel(ctx)); err != nil {
				q.logger.Error().Err(err).Msg("final flush failed")
			}
			return ctx.Err()
		case <-ticker.C:
			q.maybeFlush()
		}
	}
}

// Wait blocks until background flushes started by Enqueue have finished.
func (q *Queue) Wait() {
	q.background.Wait()
}

// Len returns the number of pending writes.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.buf)
}

// Stats returns a snapshot of the queue counters.
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = len(q.buf)
	return s
}

// maybeFlush starts a background flush when auto-commit is on, the batch
// period has elapsed since the last attempt, and no flush is running.
func (q *Queue) maybeFlush() {
	if !q.opts.AutoCommit {
		return
	}

	// Add happens under mu so it cannot race with Run's Wait.
	q.mu.Lock()
	due := !q.closed && q.now().Sub(q.lastFlush) >= q.opts.BatchPeriod && len(q.buf) > 0
	if !due {
		q.mu.Unlock()
		return
	}
	select {
	case q.slot <- struct{}{}:
	default:
		q.mu.Unlock()
		return
	}
	q.background.Add(1)
	q.mu.Unlock()

	go func() {
		defer q.background.Done()
		defer func() { <-q.slot }()

		if err := q.flush(context.Background()); err != nil {
			q.logger.Debug().Err(err).Msg("auto flush failed")
		}
	}()
}

// flush must only be called while holding the slot.
func (q *Queue) flush(ctx context.Context) error {
	q.mu.Lock()
	batch := q.buf
	q.buf = nil
	sinceLast := q.now().Sub(q.lastFlush)
	q.mu.Unlock()

	if len(batch) == 0 {
		q.mu.Lock()
		q.lastFlush = q.now()
		q.mu.Unlock()
		return nil
	}

	start := q.now()
	err := q.store.WithTx(ctx, func(tx domain.Tx) error {
		for _, w := range batch {
			if err := w.Apply(ctx, tx); err != nil {
				return err
			}
		}
		return nil
	})
	duration := q.now().Sub(start)

	q.mu.Lock()
	q.lastFlush = q.now()
	q.stats.Flushes++
	q.stats.LastBatchSize = len(batch)
	q.stats.LastDuration = duration
	q.stats.LastFlushFailed = err != nil

	switch {
	case err == nil:
		q.stats.Committed += int64(len(batch))
		q.mu.Unlock()

		q.logger.Info().
			Dur("sinceLastWritePeriod", sinceLast).
			Int("batchSize", len(batch)).
			Dur("duration", duration).
			Msg("commit")

		q.maybeOptimize(ctx)
		return nil

	case errors.Is(err, domain.ErrBusy):
		dropped := q.requeueLocked(batch)
		// Dropping starts with the batch, so only its survivors count as deferred.
		q.stats.Deferred += int64(max(len(batch)-len(dropped), 0))
		q.stats.Dropped += int64(len(dropped))
		pending := len(q.buf)
		q.mu.Unlock()

		q.logger.Warn().
			Err(err).
			Dur("sinceLastWritePeriod", sinceLast).
			Int("batchSize", len(batch)).
			Int("pending", pending).
			Int("dropped", len(dropped)).
			Dur("duration", duration).
			Msg("commitDeferred")
		for _, w := range dropped {
			q.logger.Warn().Object("write", w).Msg("write dropped, deferred queue full")
		}
		return err

	default:
		q.stats.Discarded += int64(len(batch))
		q.mu.Unlock()

		q.logger.Error().
			Err(err).
			Dur("sinceLastWritePeriod", sinceLast).
			Int("batchSize", len(batch)).
			Dur("duration", duration).
			Msg("commitFailed")
		for _, w := range batch {
			q.logger.Debug().Object("write", w).Msg("write discarded")
		}
		return err
	}
}

// requeueLocked puts a busy batch back ahead of writes enqueued during the
// flush and trims the oldest entries beyond MaxDeferred. Returns the writes
// that were dropped.
func (q *Queue) requeueLocked(batch []domain.Write) []domain.Write {
	combined := make([]domain.Write, 0, len(batch)+len(q.buf))
	combined = append(combined, batch...)
	combined = append(combined, q.buf...)

	var dropped []domain.Write
	if excess := len(combined) - q.opts.MaxDeferred; excess > 0 {
		dropped = combined[:excess]
		combined = combined[excess:]
	}
	q.buf = combined
	return dropped
}

func (q *Queue) maybeOptimize(ctx context.Context) {
	opt, ok := q.store.(Optimizer)
	if !ok || q.opts.OptimizePeriod <= 0 {
		return
	}

	q.mu.Lock()
	since := q.now().Sub(q.lastOptimize)
	q.mu.Unlock()
	if since < q.opts.OptimizePeriod {
		return
	}

	start := q.now()
	q.logger.Trace().Dur("sinceLastOptimizePeriod", since).Msg("optimizeStart")
	if err := opt.Optimize(ctx); err != nil {
		q.logger.Error().Err(err).Dur("duration", q.now().Sub(start)).Msg("optimizeFailed")
	} else {
		q.logger.Info().Dur("duration", q.now().Sub(start)).Msg("optimize")
	}

	q.mu.Lock()
	q.lastOptimize = q.now()
	q.mu.Unlock()
}
