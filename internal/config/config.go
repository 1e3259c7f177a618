package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// APIBaseURL is the base URL of the Mastodon instance to stream from.
	APIBaseURL string `validate:"required,url"`

	// AccessToken authenticates the streaming connection and follow-back
	// requests.
	AccessToken string

	// UserAgent is sent on every outbound request.
	UserAgent string `validate:"required"`

	// StreamingTopic selects the stream, e.g. "public" or "user".
	StreamingTopic string `validate:"required"`

	ReconnectDelay time.Duration `validate:"gt=0"`

	// ForceReconnectInterval periodically recycles the connection. Zero
	// disables it.
	ForceReconnectInterval time.Duration `validate:"gte=0"`
	StatsInterval          time.Duration `validate:"gt=0"`

	AutoFollowBack    bool
	FollowBackReblogs bool

	// DatabasePath is the SQLite database file.
	DatabasePath string `validate:"required"`
	BusyTimeout  time.Duration `validate:"gte=0"`

	WriteBatchPeriod time.Duration `validate:"gte=0"`
	OptimizePeriod   time.Duration `validate:"gte=0"`
	MaxDeferred      int           `validate:"gt=0"`

	UnshortenTimeout time.Duration `validate:"gt=0"`
	UnshortenRPS     float64       `validate:"gte=0"`
	RejectClasses    []string
	ShortenersFile   string
	ResolveCacheSize int `validate:"gt=0"`

	// RetentionMaxAge is how long posts and links are kept. Zero keeps
	// everything.
	RetentionMaxAge   time.Duration `validate:"gte=0"`
	RetentionInterval time.Duration `validate:"gt=0"`

	// Host and Port are where the status HTTP server listens.
	Host string
	Port int `validate:"min=1,max=65535"`

	LogLevel  string `validate:"oneof=trace debug info warn error"`
	LogFormat string `validate:"oneof=json console"`
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoadDotEnv loads variables from the given files (default ".env") without
// overriding the environment. Missing files are not an error.
func LoadDotEnv(filenames ...string) error {
	if len(filenames) == 0 {
		filenames = []string{".env"}
	}
	for _, f := range filenames {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*Config, error) {
	e := env{getenv: getenv}

	cfg := &Config{
		APIBaseURL:             e.str("API_BASE_URL", "https://mastodon.social"),
		AccessToken:            e.str("ACCESS_TOKEN", ""),
		UserAgent:              e.str("USER_AGENT", "fedi-indexer/1.0.0"),
		StreamingTopic:         e.str("STREAMING_TOPIC", "public"),
		ReconnectDelay:         e.duration("STREAMING_RECONNECT_DELAY", 5*time.Second),
		ForceReconnectInterval: e.duration("STREAMING_FORCE_RECONNECT_INTERVAL", 15*time.Minute),
		StatsInterval:          e.duration("STREAMING_STATS_INTERVAL", 30*time.Second),
		AutoFollowBack:         e.boolean("AUTO_FOLLOW_BACK", false),
		FollowBackReblogs:      e.boolean("FOLLOW_BACK_REBLOGS", false),
		DatabasePath:           e.str("DATABASE_PATH", "data.sqlite3"),
		BusyTimeout:            e.duration("DATABASE_BUSY_TIMEOUT", 0),
		WriteBatchPeriod:       e.duration("DATABASE_WRITE_BATCH_PERIOD", 5*time.Second),
		OptimizePeriod:         e.duration("DATABASE_OPTIMIZE_PERIOD", 30*time.Minute),
		MaxDeferred:            e.integer("DATABASE_MAX_DEFERRED_COMMIT_QUEUE_SIZE", 1000),
		UnshortenTimeout:       e.duration("LINKS_UNSHORTEN_TIMEOUT", time.Second),
		UnshortenRPS:           e.float("LINKS_UNSHORTEN_RPS", 5),
		RejectClasses:          e.list("LINKS_REJECT_CLASSES", []string{"mention hashtag", "u-url mention"}),
		ShortenersFile:         e.str("LINKS_SHORTENERS_FILE", ""),
		ResolveCacheSize:       e.integer("LINKS_RESOLVE_CACHE_SIZE", 4096),
		RetentionMaxAge:        e.duration("RETENTION_MAX_AGE", 0),
		RetentionInterval:      e.duration("RETENTION_INTERVAL", time.Hour),
		Host:                   e.str("HOST", "localhost"),
		Port:                   e.integer("PORT", 8089),
		LogLevel:               strings.ToLower(e.str("LOG_LEVEL", "info")),
		LogFormat:              strings.ToLower(e.str("LOG_FORMAT", "json")),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}

	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// env reads typed values and collects parse errors so every bad variable is
// reported at once.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key, def string) string {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func (e *env) float(key string, def float64) float64 {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

// duration accepts Go duration syntax ("5s") or a bare number of
// milliseconds.
func (e *env) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return def
	}
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

// list splits a comma-separated value. Entries are trimmed and empty entries
// dropped.
func (e *env) list(key string, def []string) []string {
	v := e.getenv(key)
	if strings.TrimSpace(v) == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
