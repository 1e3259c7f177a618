package writequeue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/blackmichael/fedi-indexer/internal/sqlite"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTx struct {
	ops []string
}

func (t *fakeTx) UpsertPost(_ context.Context, p *domain.Post) error {
	t.ops = append(t.ops, "put:"+p.ID)
	return nil
}

func (t *fakeTx) DeletePost(_ context.Context, id string) error {
	t.ops = append(t.ops, "delete:"+id)
	return nil
}

func (t *fakeTx) UpsertLink(_ context.Context, l *domain.Link) error {
	t.ops = append(t.ops, "link:"+l.StatusID)
	return nil
}

func (t *fakeTx) PurgeBefore(context.Context, time.Time) (int64, error) {
	t.ops = append(t.ops, "purge")
	return 0, nil
}

// fakeStore commits ops in memory. Each call pops the next entry of errs;
// a non-nil entry fails that transaction.
type fakeStore struct {
	mu        sync.Mutex
	committed []string
	errs      []error
	calls     int
	optimized int

	block     chan struct{}
	entered   chan struct{}
	active    atomic.Int32
	maxActive atomic.Int32
}

func (s *fakeStore) WithTx(ctx context.Context, fn func(domain.Tx) error) error {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		m := s.maxActive.Load()
		if n <= m || s.maxActive.CompareAndSwap(m, n) {
			break
		}
	}

	if s.entered != nil {
		s.entered <- struct{}{}
	}
	if s.block != nil {
		<-s.block
	}

	tx := &fakeTx{}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	s.committed = append(s.committed, tx.ops...)
	return nil
}

func (s *fakeStore) Optimize(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.optimized++
	return nil
}

func (s *fakeStore) snapshot() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.committed...)
}

func manual() Options {
	return Options{AutoCommit: false, BatchPeriod: time.Hour, MaxDeferred: 1000}
}

func post(id string) domain.Write {
	return domain.UpsertPost(&domain.Post{ID: id})
}

func busy() error {
	return fmt.Errorf("%w: database is locked", domain.ErrBusy)
}

func TestFlushNow_CommitsInEnqueueOrder(t *testing.T) {
	store := &fakeStore{}
	q := New(store, manual(), zerolog.Nop())

	q.Enqueue(post("1"))
	q.Enqueue(domain.UpsertLink(&domain.Link{StatusID: "1"}))
	q.Enqueue(domain.DeletePost("0"))
	assert.Equal(t, 3, q.Len())
	assert.Empty(t, store.snapshot())

	require.NoError(t, q.FlushNow(context.Background()))
	assert.Equal(t, []string{"put:1", "link:1", "delete:0"}, store.snapshot())
	assert.Zero(t, q.Len())

	stats := q.Stats()
	assert.Equal(t, int64(1), stats.Flushes)
	assert.Equal(t, int64(3), stats.Committed)
	assert.Equal(t, 3, stats.LastBatchSize)
}

func TestFlushNow_EmptyIsNoop(t *testing.T) {
	store := &fakeStore{}
	q := New(store, manual(), zerolog.Nop())

	require.NoError(t, q.FlushNow(context.Background()))
	assert.Zero(t, store.calls)
	assert.Zero(t, q.Stats().Flushes)
}

func TestFlush_BusyRequeuesAndDropsOldest(t *testing.T) {
	store := &fakeStore{errs: []error{busy()}}
	opts := manual()
	opts.MaxDeferred = 3
	q := New(store, opts, zerolog.Nop())

	for i := 1; i <= 5; i++ {
		q.Enqueue(post(fmt.Sprint(i)))
	}

	err := q.FlushNow(context.Background())
	require.ErrorIs(t, err, domain.ErrBusy)
	assert.Empty(t, store.snapshot())
	assert.Equal(t, 3, q.Len())

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Equal(t, int64(3), stats.Deferred)
	assert.True(t, stats.LastFlushFailed)

	q.Enqueue(post("6"))
	require.NoError(t, q.FlushNow(context.Background()))
	assert.Equal(t, []string{"put:3", "put:4", "put:5", "put:6"}, store.snapshot())
}

func TestFlush_BusyKeepsBatchAheadOfNewerWrites(t *testing.T) {
	store := &fakeStore{
		errs:    []error{busy()},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	q := New(store, manual(), zerolog.Nop())
	q.Enqueue(post("old"))

	done := make(chan error, 1)
	go func() { done <- q.FlushNow(context.Background()) }()
	<-store.entered

	q.Enqueue(post("new"))
	store.block <- struct{}{}
	require.ErrorIs(t, <-done, domain.ErrBusy)

	close(store.block)
	require.NoError(t, q.FlushNow(context.Background()))
	assert.Equal(t, []string{"put:old", "put:new"}, store.snapshot())
}

func TestFlush_BusyCapDropsNewerWritesWithoutNegativeDeferred(t *testing.T) {
	store := &fakeStore{
		errs:    []error{busy()},
		block:   make(chan struct{}),
		entered: make(chan struct{}, 2),
	}
	opts := manual()
	opts.MaxDeferred = 2
	q := New(store, opts, zerolog.Nop())
	q.Enqueue(post("old"))

	done := make(chan error, 1)
	go func() { done <- q.FlushNow(context.Background()) }()
	<-store.entered

	for i := 1; i <= 3; i++ {
		q.Enqueue(post(fmt.Sprint("new", i)))
	}
	store.block <- struct{}{}
	require.ErrorIs(t, <-done, domain.ErrBusy)

	stats := q.Stats()
	assert.Equal(t, int64(2), stats.Dropped)
	assert.Zero(t, stats.Deferred)
	assert.Equal(t, 2, stats.Pending)

	close(store.block)
	require.NoError(t, q.FlushNow(context.Background()))
	assert.Equal(t, []string{"put:new2", "put:new3"}, store.snapshot())
}

func TestFlush_OtherErrorDiscardsBatch(t *testing.T) {
	store := &fakeStore{errs: []error{errors.New("disk full")}}
	q := New(store, manual(), zerolog.Nop())

	q.Enqueue(post("1"))
	q.Enqueue(post("2"))

	err := q.FlushNow(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrBusy)
	assert.Zero(t, q.Len())
	assert.Equal(t, int64(2), q.Stats().Discarded)

	require.NoError(t, q.FlushNow(context.Background()))
	assert.Empty(t, store.snapshot())
}

func TestEnqueue_AutoCommitRespectsBatchPeriod(t *testing.T) {
	store := &fakeStore{}
	q := New(store, Options{AutoCommit: true, BatchPeriod: time.Minute, MaxDeferred: 10}, zerolog.Nop())

	var mu sync.Mutex
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	q.lastFlush = clock

	q.Enqueue(post("1"))
	q.Wait()
	assert.Empty(t, store.snapshot())
	assert.Equal(t, 1, q.Len())

	mu.Lock()
	clock = clock.Add(time.Minute)
	mu.Unlock()

	q.Enqueue(post("2"))
	q.Wait()
	assert.Equal(t, []string{"put:1", "put:2"}, store.snapshot())
	assert.Zero(t, q.Len())
}

func TestEnqueue_AutoCommitDisabled(t *testing.T) {
	store := &fakeStore{}
	q := New(store, Options{AutoCommit: false, BatchPeriod: 0, MaxDeferred: 10}, zerolog.Nop())

	q.Enqueue(post("1"))
	q.Wait()
	assert.Empty(t, store.snapshot())
	assert.Equal(t, 1, q.Len())
}

func TestFlush_AtMostOneInFlight(t *testing.T) {
	store := &fakeStore{
		block:   make(chan struct{}),
		entered: make(chan struct{}, 16),
	}
	q := New(store, Options{AutoCommit: true, BatchPeriod: 0, MaxDeferred: 100}, zerolog.Nop())

	q.Enqueue(post("1"))
	<-store.entered

	// The auto flush holds the slot; these neither start a flush nor block.
	q.Enqueue(post("2"))
	q.Enqueue(post("3"))

	second := make(chan error, 1)
	go func() { second <- q.FlushNow(context.Background()) }()

	select {
	case <-store.entered:
		t.Fatal("second flush started while first was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.block)
	require.NoError(t, <-second)
	q.Wait()

	assert.Equal(t, int32(1), store.maxActive.Load())
	assert.Equal(t, []string{"put:1", "put:2", "put:3"}, store.snapshot())
}

func TestFlushNow_HonorsContextWhileWaiting(t *testing.T) {
	store := &fakeStore{block: make(chan struct{}), entered: make(chan struct{}, 1)}
	q := New(store, manual(), zerolog.Nop())
	q.Enqueue(post("1"))

	go q.FlushNow(context.Background())
	<-store.entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.FlushNow(ctx), context.DeadlineExceeded)

	close(store.block)
}

func TestRun_FinalFlushOnCancel(t *testing.T) {
	store := &fakeStore{}
	q := New(store, Options{AutoCommit: true, BatchPeriod: time.Hour, MaxDeferred: 10}, zerolog.Nop())
	q.Enqueue(post("1"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()

	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, []string{"put:1"}, store.snapshot())
}

func TestFlush_OptimizesAfterPeriod(t *testing.T) {
	store := &fakeStore{}
	opts := manual()
	opts.OptimizePeriod = time.Minute
	q := New(store, opts, zerolog.Nop())

	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return clock }
	q.lastOptimize = clock

	q.Enqueue(post("1"))
	require.NoError(t, q.FlushNow(context.Background()))
	assert.Zero(t, store.optimized)

	clock = clock.Add(2 * time.Minute)
	q.Enqueue(post("2"))
	require.NoError(t, q.FlushNow(context.Background()))
	assert.Equal(t, 1, store.optimized)
}

func TestFlush_BatchIsAtomicInSQLite(t *testing.T) {
	ctx := context.Background()
	repo, err := sqlite.NewRepository(ctx, filepath.Join(t.TempDir(), "q.sqlite3"), time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	q := New(repo, manual(), zerolog.Nop())

	good, err := domain.ParseStatus([]byte(`{"id":"1","visibility":"public"}`))
	require.NoError(t, err)
	q.Enqueue(domain.UpsertPost(good))
	q.Enqueue(domain.Write{})

	require.Error(t, q.FlushNow(ctx))
	got, err := repo.GetPost(ctx, "1")
	require.NoError(t, err)
	assert.Nil(t, got)

	q.Enqueue(domain.UpsertPost(good))
	require.NoError(t, q.FlushNow(ctx))
	got, err = repo.GetPost(ctx, "1")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRun_NoAutoFlushAfterShutdown(t *testing.T) {
	store := &fakeStore{}
	q := New(store, Options{AutoCommit: true, BatchPeriod: 0, MaxDeferred: 10}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- q.Run(ctx) }()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	q.Enqueue(post("late"))
	q.Wait()
	assert.Empty(t, store.snapshot())
	assert.Equal(t, 1, q.Len())

	require.NoError(t, q.FlushNow(context.Background()))
	assert.Equal(t, []string{"put:late"}, store.snapshot())
}
