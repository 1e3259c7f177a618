package links

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Resolver follows a shortened link to its destination.
type Resolver interface {
	Resolve(ctx context.Context, rawURL string) (string, error)
}

// ResolverOptions configures an HTTPResolver.
type ResolverOptions struct {
	// Timeout bounds one resolution including all redirects.
	Timeout time.Duration

	// RequestsPerSecond limits outbound resolution requests. Zero disables
	// the limit.
	RequestsPerSecond float64

	// CacheSize is the number of successful resolutions kept in memory.
	CacheSize int

	UserAgent string

	// Client overrides the HTTP client. Its redirect policy is used as is.
	Client *http.Client
}

// HTTPResolver resolves links by requesting them and following redirects.
type HTTPResolver struct {
	client    *http.Client
	limiter   *rate.Limiter
	cache     *lru.Cache
	timeout   time.Duration
	userAgent string
	logger    zerolog.Logger
}

// NewHTTPResolver creates an HTTPResolver.
func NewHTTPResolver(opts ResolverOptions, logger zerolog.Logger) (*HTTPResolver, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{}
	}

	cache, err := lru.New(opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolution cache: %w", err)
	}

	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}

	return &HTTPResolver{
		client:    client,
		limiter:   rate.NewLimiter(limit, 1),
		cache:     cache,
		timeout:   opts.Timeout,
		userAgent: opts.UserAgent,
		logger:    logger,
	}, nil
}

// Resolve returns the URL rawURL finally lands on. The status code of the
// final response is not checked; only transport failures are errors.
func (r *HTTPResolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	if v, ok := r.cache.Get(rawURL); ok {
		return v.(string), nil
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit: %w", err)
	}

	final, status, err := r.follow(ctx, http.MethodHead, rawURL)
	if err != nil {
		return "", err
	}
	if status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented {
		final, _, err = r.follow(ctx, http.MethodGet, rawURL)
		if err != nil {
			return "", err
		}
	}

	r.cache.Add(rawURL, final)
	r.logger.Trace().Str("url", rawURL).Str("resolved", final).Msg("resolved short link")
	return final, nil
}

func (r *HTTPResolver) follow(ctx context.Context, method, rawURL string) (string, int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return "", 0, fmt.Errorf("create request: %w", err)
	}
	if r.userAgent != "" {
		req.Header.Set("User-Agent", r.userAgent)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%s %s: %w", method, rawURL, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return resp.Request.URL.String(), resp.StatusCode, nil
}
