package domain

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// IndexServiceOptions controls optional ingestion behavior.
type IndexServiceOptions struct {
	// AutoFollowBack follows accounts that follow the authenticated user.
	AutoFollowBack bool

	// FollowBackReblogs asks the server to also deliver boosts from
	// followed-back accounts.
	FollowBackReblogs bool

	// FollowTimeout bounds each follow-back request.
	FollowTimeout time.Duration
}

// IndexService is the core domain service. It decides what gets indexed and
// turns incoming events into deferred writes.
type IndexService struct {
	queue    Enqueuer
	links    LinkExtractor
	follower Follower
	posts    PostReader
	opts     IndexServiceOptions
	logger   zerolog.Logger

	follows sync.WaitGroup
}

// NewIndexService creates an IndexService. follower and posts may be nil when
// follow-back or backfill are not used.
func NewIndexService(
	queue Enqueuer,
	links LinkExtractor,
	follower Follower,
	posts PostReader,
	opts IndexServiceOptions,
	logger zerolog.Logger,
) *IndexService {
	if opts.FollowTimeout <= 0 {
		opts.FollowTimeout = 30 * time.Second
	}
	return &IndexService{
		queue:    queue,
		links:    links,
		follower: follower,
		posts:    posts,
		opts:     opts,
		logger:   logger,
	}
}

// ProcessStatus indexes a status payload from the stream. Returns true if the
// post was enqueued. Non-public posts produce no writes at all.
func (s *IndexService) ProcessStatus(ctx context.Context, payload []byte) (bool, error) {
	post, err := ParseStatus(payload)
	if err != nil {
		return false, err
	}
	if !post.IsPublic() {
		s.logger.Trace().Str("id", post.ID).Str("visibility", post.Visibility).Msg("skipping non-public status")
		return false, nil
	}

	s.indexPost(ctx, post)
	return true, nil
}

// ProcessDelete enqueues removal of a post.
func (s *IndexService) ProcessDelete(_ context.Context, id string) error {
	if id == "" {
		return ErrMissingID
	}
	s.queue.Enqueue(DeletePost(id))
	return nil
}

// ProcessNotification handles follow notifications. The follow-back request
// runs in the background and never blocks ingestion.
func (s *IndexService) ProcessNotification(ctx context.Context, payload []byte) error {
	n, err := ParseNotification(payload)
	if err != nil {
		return err
	}
	if n.Type != "follow" {
		s.logger.Debug().Str("type", n.Type).Str("id", n.ID).Msg("ignoring notification")
		return nil
	}
	if !s.opts.AutoFollowBack || s.follower == nil {
		return nil
	}
	if n.AccountID == "" {
		return fmt.Errorf("follow notification %s: missing account id", n.ID)
	}

	s.follows.Add(1)
	go func() {
		defer s.follows.Done()

		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FollowTimeout)
		defer cancel()

		if err := s.follower.Follow(fctx, n.AccountID, s.opts.FollowBackReblogs); err != nil {
			s.logger.Error().Err(err).Str("accountId", n.AccountID).Str("acct", n.Acct).Msg("follow back failed")
			return
		}
		s.logger.Info().Str("accountId", n.AccountID).Str("acct", n.Acct).Msg("followed back")
	}()
	return nil
}

// WaitFollows blocks until in-flight follow-back requests finish.
func (s *IndexService) WaitFollows() {
	s.follows.Wait()
}

// ImportActivity indexes one activity from an outbox export. Returns false for
// activities that are not public posts.
func (s *IndexService) ImportActivity(ctx context.Context, raw []byte) (bool, error) {
	post, ok, err := ParseActivity(raw)
	if err != nil || !ok {
		return false, err
	}
	if !post.IsPublic() {
		return false, nil
	}
	s.indexPost(ctx, post)
	return true, nil
}

// BackfillLinks re-extracts links from the most recent stored posts and
// flushes the results. Returns the number of links enqueued.
func (s *IndexService) BackfillLinks(ctx context.Context, limit int) (int, error) {
	if s.posts == nil {
		return 0, fmt.Errorf("backfill: no post reader configured")
	}
	stored, err := s.posts.RecentPosts(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("read recent posts: %w", err)
	}

	total := 0
	for _, sp := range stored {
		post := &Post{
			ID:      sp.ID,
			Content: sp.Content,
			Account: Account{URL: sp.AccountURL},
		}
		total += s.enqueueLinks(ctx, post)
	}

	if err := s.queue.FlushNow(ctx); err != nil {
		return total, fmt.Errorf("flush backfilled links: %w", err)
	}
	return total, nil
}

// StartPurgeJob runs a background loop that removes rows older than maxAge.
// It runs immediately on start and then repeats at the given interval. It
// blocks until ctx is cancelled.
func (s *IndexService) StartPurgeJob(ctx context.Context, interval time.Duration, maxAge time.Duration) {
	s.runPurge(ctx, maxAge)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPurge(ctx, maxAge)
		}
	}
}

func (s *IndexService) runPurge(ctx context.Context, maxAge time.Duration) {
	cutoff := time.Now().UTC().Add(-maxAge)
	s.queue.Enqueue(Purge(cutoff))
	if err := s.queue.FlushNow(ctx); err != nil {
		s.logger.Error().Err(err).Time("cutoff", cutoff).Msg("purge flush failed")
		return
	}
	s.logger.Debug().Time("cutoff", cutoff).Msg("purge flushed")
}

func (s *IndexService) indexPost(ctx context.Context, post *Post) {
	s.queue.Enqueue(UpsertPost(post))

	if post.Account.Bot {
		s.logger.Trace().Str("id", post.ID).Str("acct", post.Account.Acct).Msg("skipping links from bot account")
		return
	}
	s.enqueueLinks(ctx, post)
}

// enqueueLinks never fails: extraction errors are logged and yield no links.
func (s *IndexService) enqueueLinks(ctx context.Context, post *Post) int {
	links, err := s.links.ExtractLinks(ctx, post)
	if err != nil {
		s.logger.Warn().Err(err).Str("id", post.ID).Msg("link extraction failed")
		return 0
	}
	for i := range links {
		s.queue.Enqueue(UpsertLink(&links[i]))
	}
	return len(links)
}
