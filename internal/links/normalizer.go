// Package links extracts hyperlinks from post markup and reduces them to a
// canonical form, resolving known link shorteners along the way.
package links

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/blackmichael/fedi-indexer/internal/domain"
	"github.com/rs/zerolog"
)

// DefaultRejectClasses mark anchors that point at accounts and hashtags
// rather than content.
var DefaultRejectClasses = []string{"mention hashtag", "u-url mention"}

// Options configures a Normalizer.
type Options struct {
	// RejectClasses skips anchors whose class attribute contains any entry
	// as a substring.
	RejectClasses []string
}

// Normalizer implements domain.LinkExtractor.
type Normalizer struct {
	shorteners    *ShortenerSet
	resolver      Resolver
	rejectClasses []string
	now           func() time.Time
	logger        zerolog.Logger
}

// NewNormalizer creates a Normalizer. A nil resolver leaves shortened links
// unresolved and marks them as failed.
func NewNormalizer(shorteners *ShortenerSet, resolver Resolver, opts Options, logger zerolog.Logger) *Normalizer {
	if shorteners == nil {
		shorteners = DefaultShorteners()
	}
	reject := opts.RejectClasses
	if reject == nil {
		reject = DefaultRejectClasses
	}
	return &Normalizer{
		shorteners:    shorteners,
		resolver:      resolver,
		rejectClasses: reject,
		now:           time.Now,
		logger:        logger,
	}
}

// ExtractLinks returns one record per distinct canonical URL in the post's
// content, in order of first appearance. When several anchors canonicalize
// to the same URL the last one wins.
func (n *Normalizer) ExtractLinks(ctx context.Context, post *domain.Post) ([]domain.Link, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(post.Content))
	if err != nil {
		return nil, fmt.Errorf("parse content of %s: %w", post.ID, err)
	}

	seenAt := n.now().UTC()
	var out []domain.Link
	index := make(map[string]int)

	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		if class, ok := s.Attr("class"); ok && n.rejected(class) {
			return
		}
		href, _ := s.Attr("href")

		link, ok := n.normalize(ctx, post, href, seenAt)
		if !ok {
			return
		}
		if i, dup := index[link.Normalized]; dup {
			out[i] = link
			return
		}
		index[link.Normalized] = len(out)
		out = append(out, link)
	})

	return out, nil
}

func (n *Normalizer) rejected(class string) bool {
	for _, r := range n.rejectClasses {
		if r != "" && strings.Contains(class, r) {
			return true
		}
	}
	return false
}

func (n *Normalizer) normalize(ctx context.Context, post *domain.Post, href string, seenAt time.Time) (domain.Link, bool) {
	link := domain.Link{
		StatusID:   post.ID,
		AccountURL: post.Account.URL,
		SeenAt:     seenAt,
		Href:       href,
	}

	if !isWebScheme(href) {
		n.logger.Debug().Str("id", post.ID).Str("href", href).Msg("skipping non-web link")
		return link, false
	}

	working := strings.TrimSpace(href)
	if !hasScheme.MatchString(working) {
		working = "https://" + strings.TrimPrefix(working, "//")
	}
	u, err := url.Parse(working)
	if err != nil || u.Host == "" {
		n.logger.Debug().Err(err).Str("id", post.ID).Str("href", href).Msg("skipping unparseable link")
		return link, false
	}

	if n.shorteners.Contains(u.Hostname()) {
		link.Shortened = true
		if resolved, ok := n.resolve(ctx, working); ok {
			working = resolved
			link.Unshortened = true
		} else {
			link.UnshortenFailed = true
		}
	}

	normalized, stripped, err := Canonicalize(working)
	if err != nil {
		n.logger.Debug().Err(err).Str("id", post.ID).Str("href", href).Msg("skipping link")
		return link, false
	}
	link.Normalized = normalized
	link.ParamsStripped = stripped

	n.logger.Trace().
		Str("id", post.ID).
		Str("href", href).
		Str("normalized", normalized).
		Bool("shortened", link.Shortened).
		Bool("paramsStripped", stripped).
		Msg("link")
	return link, true
}

func (n *Normalizer) resolve(ctx context.Context, rawURL string) (string, bool) {
	if n.resolver == nil {
		return "", false
	}
	resolved, err := n.resolver.Resolve(ctx, rawURL)
	if err != nil {
		n.logger.Debug().Err(err).Str("url", rawURL).Msg("unshorten failed")
		return "", false
	}
	return resolved, true
}
