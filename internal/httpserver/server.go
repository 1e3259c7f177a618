package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/blackmichael/fedi-indexer/internal/sqlite"
	"github.com/blackmichael/fedi-indexer/internal/streaming"
	"github.com/blackmichael/fedi-indexer/internal/writequeue"
	"github.com/rs/zerolog"
)

// Counter reports stored row totals.
type Counter interface {
	Counts(ctx context.Context) (sqlite.Counts, error)
}

// QueueStatser reports write queue counters.
type QueueStatser interface {
	Stats() writequeue.Stats
}

// StreamStatser reports the streaming connection's counters.
type StreamStatser interface {
	Stats() streaming.Stats
}

// Server is the HTTP server that exposes health and ingestion stats.
type Server struct {
	store      Counter
	queue      QueueStatser
	stream     StreamStatser
	logger     zerolog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server listening on addr.
func NewServer(addr string, store Counter, queue QueueStatser, stream StreamStatser, logger zerolog.Logger) *Server {
	s := &Server{
		store:  store,
		queue:  queue,
		stream: stream,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      withLogging(logger, mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the server's root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("starting HTTP server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := map[string]string{"status": "ok"}
	if s.stream != nil {
		resp["streaming"] = s.stream.Stats().State
	}
	s.respond(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}

	if s.store != nil {
		counts, err := s.store.Counts(r.Context())
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to count rows")
			s.fail(w, http.StatusInternalServerError, "InternalError", "failed to read stats")
			return
		}
		resp["store"] = counts
	}
	if s.queue != nil {
		resp["queue"] = s.queue.Stats()
	}
	if s.stream != nil {
		resp["streaming"] = s.stream.Stats()
	}

	s.respond(w, http.StatusOK, resp)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// respond encodes v as the JSON response body. Encoding failures can only
// be logged since the status line is already sent.
func (s *Server) respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn().Err(err).Int("status", status).Msg("failed to write response")
	}
}

func (s *Server) fail(w http.ResponseWriter, status int, kind, message string) {
	s.respond(w, status, errorBody{Error: kind, Message: message})
}

// withLogging logs each request at debug, or at warn when it ended in a
// server error.
func withLogging(logger zerolog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		level := zerolog.DebugLevel
		if rec.status >= http.StatusInternalServerError {
			level = zerolog.WarnLevel
		}
		logger.WithLevel(level).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int("bytes", rec.written).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// responseRecorder captures the status code and body size for logging.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	written int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	n, err := r.ResponseWriter.Write(b)
	r.written += n
	return n, err
}
