package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// WriteKind tags the operation a Write performs.
type WriteKind uint8

const (
	WriteUpsertPost WriteKind = iota + 1
	WriteDeletePost
	WriteUpsertLink
	WritePurge
)

func (k WriteKind) String() string {
	switch k {
	case WriteUpsertPost:
		return "putStatus"
	case WriteDeletePost:
		return "deleteStatus"
	case WriteUpsertLink:
		return "putLink"
	case WritePurge:
		return "purge"
	default:
		return fmt.Sprintf("WriteKind(%d)", uint8(k))
	}
}

// Write is a deferred unit of work held by the write queue until the next
// flush. It is a plain value so batches can be inspected and retried without
// capturing caller state.
type Write struct {
	Kind   WriteKind
	Post   *Post
	PostID string
	Link   *Link
	Before time.Time
}

// UpsertPost returns a write that inserts or replaces post.
func UpsertPost(post *Post) Write {
	return Write{Kind: WriteUpsertPost, Post: post}
}

// DeletePost returns a write that removes the post with the given id.
func DeletePost(id string) Write {
	return Write{Kind: WriteDeletePost, PostID: id}
}

// UpsertLink returns a write that inserts or replaces link.
func UpsertLink(link *Link) Write {
	return Write{Kind: WriteUpsertLink, Link: link}
}

// Purge returns a write that removes everything older than before.
func Purge(before time.Time) Write {
	return Write{Kind: WritePurge, Before: before}
}

// Name is the operation name used in logs.
func (w Write) Name() string {
	return w.Kind.String()
}

// Identity is a short human-readable key for the write.
func (w Write) Identity() string {
	switch w.Kind {
	case WriteUpsertPost:
		if w.Post != nil {
			return w.Post.ID
		}
	case WriteDeletePost:
		return w.PostID
	case WriteUpsertLink:
		if w.Link != nil {
			return w.Link.StatusID + " " + w.Link.Normalized
		}
	case WritePurge:
		return w.Before.UTC().Format(time.RFC3339)
	}
	return ""
}

// MarshalZerologObject implements zerolog.LogObjectMarshaler.
func (w Write) MarshalZerologObject(e *zerolog.Event) {
	e.Str("type", w.Name())
	switch w.Kind {
	case WriteUpsertPost:
		if w.Post != nil {
			e.Str("id", w.Post.ID)
		}
	case WriteDeletePost:
		e.Str("id", w.PostID)
	case WriteUpsertLink:
		if w.Link != nil {
			e.Str("statusId", w.Link.StatusID).Str("normalized", w.Link.Normalized)
		}
	case WritePurge:
		e.Time("before", w.Before)
	}
}

// Apply performs the write against tx.
func (w Write) Apply(ctx context.Context, tx Tx) error {
	switch w.Kind {
	case WriteUpsertPost:
		if w.Post == nil {
			return fmt.Errorf("%s: nil post", w.Name())
		}
		return tx.UpsertPost(ctx, w.Post)
	case WriteDeletePost:
		return tx.DeletePost(ctx, w.PostID)
	case WriteUpsertLink:
		if w.Link == nil {
			return fmt.Errorf("%s: nil link", w.Name())
		}
		return tx.UpsertLink(ctx, w.Link)
	case WritePurge:
		_, err := tx.PurgeBefore(ctx, w.Before)
		return err
	default:
		return fmt.Errorf("unknown write kind %d", w.Kind)
	}
}
