package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/domain"
	sqlitedriver "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// timeLayout is fixed-width so stored timestamps compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000Z07:00"

// Repository implements domain.TxRunner and domain.PostReader on an embedded
// SQLite database.
type Repository struct {
	db  *sql.DB
	now func() time.Time
}

// NewRepository opens (creating if needed) the database at path, applies the
// schema, and returns a new Repository. busyTimeout is how long SQLite waits
// on a locked database before reporting SQLITE_BUSY. The caller should call
// Close when the repository is no longer needed.
func NewRepository(ctx context.Context, path string, busyTimeout time.Duration) (*Repository, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(busyTimeout.Milliseconds(), 10)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")

	db, err := sql.Open("sqlite", path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}

	return &Repository{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (r *Repository) Close() error {
	return r.db.Close()
}

// WithTx runs fn inside one transaction. Errors caused by lock contention
// match domain.ErrBusy.
func (r *Repository) WithTx(ctx context.Context, fn func(domain.Tx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin transaction: %w", err))
	}
	defer sqlTx.Rollback()

	if err := fn(&tx{tx: sqlTx, now: r.now}); err != nil {
		return classify(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return classify(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Optimize lets SQLite refresh query planner statistics.
func (r *Repository) Optimize(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// RecentPosts returns the most recently ingested posts, newest first.
func (r *Repository) RecentPosts(ctx context.Context, limit int) ([]domain.StoredPost, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, json, coalesce(content, ''), coalesce(account_url, ''), ingested_at
		FROM statuses
		ORDER BY ingested_at DESC, id DESC
		LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query recent posts (limit=%d): %w", limit, err)
	}
	defer rows.Close()

	var posts []domain.StoredPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate posts: %w", err)
	}
	return posts, nil
}

// GetPost returns the stored post with the given id, or nil if absent.
func (r *Repository) GetPost(ctx context.Context, id string) (*domain.StoredPost, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, json, coalesce(content, ''), coalesce(account_url, ''), ingested_at
		FROM statuses WHERE id = ?`, id,
	)
	p, err := scanPost(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return p, err
}

// LinksForPost returns the link records extracted from one post.
func (r *Repository) LinksForPost(ctx context.Context, statusID string) ([]domain.Link, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT json FROM links WHERE status_id = ? ORDER BY normalized`, statusID,
	)
	if err != nil {
		return nil, fmt.Errorf("query links for %s: %w", statusID, err)
	}
	defer rows.Close()

	var links []domain.Link
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan link: %w", err)
		}
		var l domain.Link
		if err := json.Unmarshal([]byte(raw), &l); err != nil {
			return nil, fmt.Errorf("unmarshal link: %w", err)
		}
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate links: %w", err)
	}
	return links, nil
}

// Counts are row totals reported on the stats endpoint.
type Counts struct {
	Posts int64 `json:"posts"`
	Links int64 `json:"links"`
}

// Counts returns the number of stored posts and links.
func (r *Repository) Counts(ctx context.Context) (Counts, error) {
	var c Counts
	err := r.db.QueryRowContext(ctx, `
		SELECT (SELECT count(*) FROM statuses), (SELECT count(*) FROM links)`,
	).Scan(&c.Posts, &c.Links)
	if err != nil {
		return Counts{}, fmt.Errorf("count rows: %w", err)
	}
	return c, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPost(row rowScanner) (*domain.StoredPost, error) {
	var (
		p          domain.StoredPost
		payload    string
		ingestedAt string
	)
	if err := row.Scan(&p.ID, &payload, &p.Content, &p.AccountURL, &ingestedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan post: %w", err)
	}
	p.Payload = json.RawMessage(payload)

	t, err := time.Parse(timeLayout, ingestedAt)
	if err != nil {
		return nil, fmt.Errorf("parse ingested_at %q: %w", ingestedAt, err)
	}
	p.IngestedAt = t
	return &p, nil
}

// tx implements domain.Tx on one SQL transaction.
type tx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *tx) UpsertPost(ctx context.Context, post *domain.Post) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO statuses (id, json, ingested_at)
		VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET json = excluded.json, ingested_at = excluded.ingested_at`,
		post.ID,
		string(post.Payload),
		formatTime(t.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert post %s: %w", post.ID, err)
	}
	return nil
}

func (t *tx) DeletePost(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM statuses WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete post %s: %w", id, err)
	}
	return nil
}

func (t *tx) UpsertLink(ctx context.Context, link *domain.Link) error {
	doc, err := json.Marshal(link)
	if err != nil {
		return fmt.Errorf("marshal link: %w", err)
	}

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO links (status_id, normalized, json, seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (status_id, normalized) DO UPDATE SET json = excluded.json, seen_at = excluded.seen_at`,
		link.StatusID,
		link.Normalized,
		string(doc),
		formatTime(link.SeenAt),
	)
	if err != nil {
		return fmt.Errorf("upsert link %s %s: %w", link.StatusID, link.Normalized, err)
	}
	return nil
}

func (t *tx) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	c := formatTime(cutoff)

	res, err := t.tx.ExecContext(ctx, `DELETE FROM statuses WHERE ingested_at < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("purge posts: %w", err)
	}
	postsDeleted, _ := res.RowsAffected()

	res, err = t.tx.ExecContext(ctx, `DELETE FROM links WHERE seen_at < ?`, c)
	if err != nil {
		return 0, fmt.Errorf("purge links: %w", err)
	}
	linksDeleted, _ := res.RowsAffected()

	return postsDeleted + linksDeleted, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// IsBusy reports whether err was caused by another connection holding a lock.
func IsBusy(err error) bool {
	var se *sqlitedriver.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

func classify(err error) error {
	if IsBusy(err) {
		return fmt.Errorf("%w: %w", domain.ErrBusy, err)
	}
	return err
}
