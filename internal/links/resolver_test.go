package links

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type shortServer struct {
	*httptest.Server
	shortHits atomic.Int32
	gets      atomic.Int32
	userAgent atomic.Value
}

func newShortServer(t *testing.T) *shortServer {
	t.Helper()
	s := &shortServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/short", func(w http.ResponseWriter, r *http.Request) {
		s.shortHits.Add(1)
		s.userAgent.Store(r.UserAgent())
		http.Redirect(w, r, "/dest?utm_source=short", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/nohead", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		s.gets.Add(1)
		http.Redirect(w, r, "/dest", http.StatusFound)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/dest", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func newTestResolver(t *testing.T, timeout time.Duration) *HTTPResolver {
	t.Helper()
	r, err := NewHTTPResolver(ResolverOptions{
		Timeout:   timeout,
		CacheSize: 16,
		UserAgent: "fedi-indexer-test",
	}, zerolog.Nop())
	require.NoError(t, err)
	return r
}

func TestHTTPResolver_FollowsRedirects(t *testing.T) {
	srv := newShortServer(t)
	r := newTestResolver(t, time.Second)

	got, err := r.Resolve(context.Background(), srv.URL+"/short")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/dest?utm_source=short", got)
	assert.Equal(t, "fedi-indexer-test", srv.userAgent.Load())
}

func TestHTTPResolver_CachesSuccesses(t *testing.T) {
	srv := newShortServer(t)
	r := newTestResolver(t, time.Second)

	for i := 0; i < 3; i++ {
		_, err := r.Resolve(context.Background(), srv.URL+"/short")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.shortHits.Load())
}

func TestHTTPResolver_FallsBackToGet(t *testing.T) {
	srv := newShortServer(t)
	r := newTestResolver(t, time.Second)

	got, err := r.Resolve(context.Background(), srv.URL+"/nohead")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/dest", got)
	assert.Equal(t, int32(1), srv.gets.Load())
}

func TestHTTPResolver_Timeout(t *testing.T) {
	srv := newShortServer(t)
	r := newTestResolver(t, 30*time.Millisecond)

	start := time.Now()
	_, err := r.Resolve(context.Background(), srv.URL+"/slow")
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestHTTPResolver_RateLimited(t *testing.T) {
	srv := newShortServer(t)
	r, err := NewHTTPResolver(ResolverOptions{
		Timeout:           50 * time.Millisecond,
		RequestsPerSecond: 0.1,
	}, zerolog.Nop())
	require.NoError(t, err)

	_, err = r.Resolve(context.Background(), srv.URL+"/dest")
	require.NoError(t, err)

	// The single token is spent; the next wait would exceed the timeout.
	_, err = r.Resolve(context.Background(), srv.URL+"/short")
	assert.Error(t, err)
	assert.Zero(t, srv.shortHits.Load())
}
