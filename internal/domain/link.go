package domain

import "time"

// Link is a canonicalized hyperlink observed inside one post's body. A post
// contributes each normalized URL at most once.
type Link struct {
	// StatusID is the id of the post the link was found in.
	StatusID string `json:"statusId"`

	// AccountURL is the author's profile URL at the time the link was seen.
	AccountURL string `json:"accountUrl,omitempty"`

	// SeenAt is the capture time, not the publish time of the post.
	SeenAt time.Time `json:"seenAt"`

	// Href is the raw href attribute as it appeared in the markup.
	Href string `json:"href"`

	// Normalized is the canonical form of Href, after any shortener resolution.
	Normalized string `json:"normalized"`

	Shortened       bool `json:"shortened,omitempty"`
	Unshortened     bool `json:"unshortened,omitempty"`
	UnshortenFailed bool `json:"unshortenFailed,omitempty"`
	ParamsStripped  bool `json:"paramsStripped,omitempty"`
}
