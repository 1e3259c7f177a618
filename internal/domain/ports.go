package domain

import (
	"context"
	"errors"
	"time"
)

// ErrBusy marks a write that failed because another writer held the store's
// write lock. Writes failing with it may be retried.
var ErrBusy = errors.New("store busy")

// Tx is the set of writes available inside one store transaction. Every
// method is idempotent for a stable key.
type Tx interface {
	// UpsertPost inserts the post or replaces the payload of an existing row
	// with the same id.
	UpsertPost(ctx context.Context, post *Post) error

	// DeletePost removes a post. Its links age out with the retention purge.
	// Missing ids are not an error.
	DeletePost(ctx context.Context, id string) error

	// UpsertLink inserts the link or replaces the existing row keyed by
	// (StatusID, Normalized).
	UpsertLink(ctx context.Context, link *Link) error

	// PurgeBefore removes posts ingested and links seen before cutoff.
	// Returns the number of rows deleted.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxRunner runs fn inside exactly one transaction, committing if fn returns
// nil and rolling back otherwise.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// PostReader reads stored posts back for link backfill.
type PostReader interface {
	RecentPosts(ctx context.Context, limit int) ([]StoredPost, error)
}

// Enqueuer accepts deferred writes. Enqueue never blocks on storage.
type Enqueuer interface {
	Enqueue(w Write)
	FlushNow(ctx context.Context) error
}

// LinkExtractor turns a post's markup into canonical link records.
type LinkExtractor interface {
	ExtractLinks(ctx context.Context, post *Post) ([]Link, error)
}

// Follower follows accounts on behalf of the authenticated user.
type Follower interface {
	Follow(ctx context.Context, accountID string, reblogs bool) error
}
