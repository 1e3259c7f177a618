package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// VisibilityPublic is the only visibility that is indexed.
const VisibilityPublic = "public"

// activityStreamsPublic is the ActivityPub addressing collection for public posts.
const activityStreamsPublic = "https://www.w3.org/ns/activitystreams#Public"

// Post represents an ingested status. Payload is kept verbatim; the other
// fields are projections of it used by ingestion logic.
type Post struct {
	// ID is the status id assigned by the origin server.
	ID string

	// Payload is the original event body.
	Payload json.RawMessage

	Visibility  string
	URL         string
	Content     string
	Summary     string
	PublishedAt string
	InReplyToID string

	Account Account
}

// Account is the author of a post.
type Account struct {
	ID          string
	Acct        string
	URL         string
	DisplayName string

	// Bot marks automated accounts, whose links are not extracted.
	Bot bool
}

// IsPublic reports whether the post may be indexed.
func (p *Post) IsPublic() bool {
	return p.Visibility == VisibilityPublic
}

// ErrMissingID is returned when a payload carries no identifier.
var ErrMissingID = errors.New("payload has no id")

type statusPayload struct {
	ID          string  `json:"id"`
	CreatedAt   string  `json:"created_at"`
	Visibility  string  `json:"visibility"`
	URL         string  `json:"url"`
	Content     string  `json:"content"`
	SpoilerText string  `json:"spoiler_text"`
	InReplyToID *string `json:"in_reply_to_id"`
	Account     struct {
		ID          string `json:"id"`
		Acct        string `json:"acct"`
		URL         string `json:"url"`
		DisplayName string `json:"display_name"`
		Bot         bool   `json:"bot"`
	} `json:"account"`
}

// ParseStatus decodes a Mastodon status entity.
func ParseStatus(payload []byte) (*Post, error) {
	var s statusPayload
	if err := json.Unmarshal(payload, &s); err != nil {
		return nil, fmt.Errorf("unmarshal status: %w", err)
	}
	if s.ID == "" {
		return nil, ErrMissingID
	}

	post := &Post{
		ID:          s.ID,
		Payload:     json.RawMessage(payload),
		Visibility:  s.Visibility,
		URL:         s.URL,
		Content:     s.Content,
		Summary:     s.SpoilerText,
		PublishedAt: s.CreatedAt,
		Account: Account{
			ID:          s.Account.ID,
			Acct:        s.Account.Acct,
			URL:         s.Account.URL,
			DisplayName: s.Account.DisplayName,
			Bot:         s.Account.Bot,
		},
	}
	if s.InReplyToID != nil {
		post.InReplyToID = *s.InReplyToID
	}
	return post, nil
}

type activityPayload struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor"`
	Published string          `json:"published"`
	To        []string        `json:"to"`
	Object    json.RawMessage `json:"object"`
}

type activityObject struct {
	ID        string   `json:"id"`
	URL       string   `json:"url"`
	Summary   string   `json:"summary"`
	Content   string   `json:"content"`
	Published string   `json:"published"`
	InReplyTo string   `json:"inReplyTo"`
	To        []string `json:"to"`
}

// ParseActivity decodes an ActivityPub Create activity from an outbox export.
// Activities of other types, or whose object is only a reference, return
// ok=false without an error.
func ParseActivity(raw []byte) (post *Post, ok bool, err error) {
	var a activityPayload
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, false, fmt.Errorf("unmarshal activity: %w", err)
	}
	if a.Type != "Create" || len(a.Object) == 0 || a.Object[0] != '{' {
		return nil, false, nil
	}
	if a.ID == "" {
		return nil, false, ErrMissingID
	}

	var obj activityObject
	if err := json.Unmarshal(a.Object, &obj); err != nil {
		return nil, false, fmt.Errorf("unmarshal activity object: %w", err)
	}

	published := obj.Published
	if published == "" {
		published = a.Published
	}

	post = &Post{
		ID:          a.ID,
		Payload:     json.RawMessage(raw),
		URL:         obj.URL,
		Content:     obj.Content,
		Summary:     obj.Summary,
		PublishedAt: published,
		InReplyToID: obj.InReplyTo,
		Account: Account{
			ID:  a.Actor,
			URL: a.Actor,
		},
	}
	if addressedToPublic(a.To) || addressedToPublic(obj.To) {
		post.Visibility = VisibilityPublic
	}
	return post, true, nil
}

func addressedToPublic(to []string) bool {
	for _, addr := range to {
		if addr == activityStreamsPublic || addr == "as:Public" || addr == "Public" {
			return true
		}
	}
	return false
}

// Notification is the subset of a Mastodon notification needed for follow-back.
type Notification struct {
	ID        string
	Type      string
	AccountID string
	Acct      string
}

// ParseNotification decodes a Mastodon notification entity.
func ParseNotification(payload []byte) (*Notification, error) {
	var n struct {
		ID      string `json:"id"`
		Type    string `json:"type"`
		Account struct {
			ID   string `json:"id"`
			Acct string `json:"acct"`
		} `json:"account"`
	}
	if err := json.Unmarshal(payload, &n); err != nil {
		return nil, fmt.Errorf("unmarshal notification: %w", err)
	}
	return &Notification{
		ID:        n.ID,
		Type:      n.Type,
		AccountID: n.Account.ID,
		Acct:      n.Account.Acct,
	}, nil
}

// StoredPost is a post as read back from the store.
type StoredPost struct {
	ID         string
	Payload    json.RawMessage
	Content    string
	AccountURL string
	IngestedAt time.Time
}
