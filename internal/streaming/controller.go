// Package streaming keeps a live subscription to a Mastodon-compatible
// streaming API and feeds its events to the index service.
package streaming

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handler receives decoded events. domain.IndexService implements it.
type Handler interface {
	ProcessStatus(ctx context.Context, payload []byte) (bool, error)
	ProcessDelete(ctx context.Context, id string) error
	ProcessNotification(ctx context.Context, payload []byte) error
}

// Conn is the read side of a streaming connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens streaming connections.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
}

// Dial implements Dialer.
func (d WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, rawURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial streaming api: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial streaming api: %w", err)
	}
	return conn, nil
}

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options configures a Controller.
type Options struct {
	// APIBaseURL is the instance's http(s) base URL.
	APIBaseURL  string
	AccessToken string

	// Stream is the topic selector, e.g. "public" or "user".
	Stream    string
	UserAgent string

	ReconnectDelay         time.Duration
	ForceReconnectInterval time.Duration
	StatsInterval          time.Duration

	// Dialer defaults to WebsocketDialer.
	Dialer Dialer
}

// Stats describes the current connection. Counters reset on every connect.
type Stats struct {
	State        string           `json:"state"`
	ConnectionID string           `json:"connectionId,omitempty"`
	ConnectedAt  time.Time        `json:"connectedAt,omitzero"`
	Frames       int64            `json:"frames"`
	DecodeErrors int64            `json:"decodeErrors"`
	Indexed      int64            `json:"indexed"`
	Events       map[string]int64 `json:"events"`

	// Connects counts successful connections over the process lifetime.
	Connects int64 `json:"connects"`
}

// Controller owns the streaming connection: connect, receive, and reconnect
// on failure or on a fixed schedule.
type Controller struct {
	opts    Options
	handler Handler
	logger  zerolog.Logger

	mu               sync.Mutex
	state            State
	conn             Conn
	generation       uint64
	cancelReader     context.CancelFunc
	reconnectPending bool
	reconnectTimer   *time.Timer
	stats            Stats

	reconnectCh chan struct{}
	readers     sync.WaitGroup
}

// NewController creates a Controller.
func NewController(opts Options, handler Handler, logger zerolog.Logger) *Controller {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.Stream == "" {
		opts.Stream = "public"
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 5 * time.Second
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = 30 * time.Second
	}
	return &Controller{
		opts:        opts,
		handler:     handler,
		logger:      logger,
		state:       Disconnected,
		stats:       Stats{Events: map[string]int64{}},
		reconnectCh: make(chan struct{}, 1),
	}
}

// Run connects and processes events until ctx is cancelled. Connection
// failures are never returned; they schedule a reconnect.
func (c *Controller) Run(ctx context.Context) error {
	c.connect(ctx)

	var forced <-chan time.Time
	if c.opts.ForceReconnectInterval > 0 {
		t := time.NewTicker(c.opts.ForceReconnectInterval)
		defer t.Stop()
		forced = t.C
	}
	statsTicker := time.NewTicker(c.opts.StatsInterval)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return ctx.Err()

		case <-c.reconnectCh:
			c.mu.Lock()
			c.reconnectPending = false
			c.mu.Unlock()

			c.logger.Info().Msg("reconnecting")
			c.teardown()
			c.connect(ctx)

		case <-forced:
			if c.State() == Reconnecting {
				continue
			}
			c.logger.Info().Dur("interval", c.opts.ForceReconnectInterval).Msg("forced reconnect")
			c.teardown()
			c.connect(ctx)

		case <-statsTicker.C:
			c.logStats()
		}
	}
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stats returns a snapshot of the current connection's counters.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.State = c.state.String()
	s.Events = make(map[string]int64, len(c.stats.Events))
	for k, v := range c.stats.Events {
		s.Events[k] = v
	}
	return s
}

func (c *Controller) streamURL() (string, error) {
	u, err := url.Parse(strings.TrimRight(c.opts.APIBaseURL, "/"))
	if err != nil {
		return "", fmt.Errorf("parse api base url: %w", err)
	}
	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported api base url scheme %q", u.Scheme)
	}
	u.Path += "/api/v1/streaming"

	q := url.Values{}
	if c.opts.AccessToken != "" {
		q.Set("access_token", c.opts.AccessToken)
	}
	q.Set("stream", c.opts.Stream)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Controller) connect(ctx context.Context) {
	c.setState(Connecting)

	wsURL, err := c.streamURL()
	if err != nil {
		c.logger.Error().Err(err).Msg("cannot build streaming url")
		c.scheduleReconnect()
		return
	}

	header := http.Header{}
	if c.opts.UserAgent != "" {
		header.Set("User-Agent", c.opts.UserAgent)
	}

	c.logger.Info().Str("stream", c.opts.Stream).Str("baseUrl", c.opts.APIBaseURL).Msg("connecting to streaming api")
	conn, err := c.opts.Dialer.Dial(ctx, wsURL, header)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.logger.Error().Err(err).Msg("streaming connection failed")
		c.scheduleReconnect()
		return
	}

	readerCtx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.generation++
	gen := c.generation
	c.conn = conn
	c.cancelReader = cancel
	c.state = Connected
	connects := c.stats.Connects + 1
	c.stats = Stats{
		ConnectionID: uuid.NewString(),
		ConnectedAt:  time.Now().UTC(),
		Events:       map[string]int64{},
		Connects:     connects,
	}
	id := c.stats.ConnectionID
	c.mu.Unlock()

	c.logger.Info().Str("connectionId", id).Msg("connected to streaming api")

	c.readers.Add(1)
	go c.read(ctx, readerCtx, gen, conn)
}

// read handles frames sequentially until the connection fails or is torn
// down. Handlers get the Run context so a teardown does not abort work in
// progress on the last frame.
func (c *Controller) read(ctx, readerCtx context.Context, gen uint64, conn Conn) {
	defer c.readers.Done()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if readerCtx.Err() != nil {
				return
			}
			c.logger.Warn().Err(err).Msg("streaming connection lost")
			c.connectionLost(gen)
			return
		}
		if readerCtx.Err() != nil {
			return
		}
		c.handleFrame(ctx, msg)
	}
}

// connectionLost moves to Reconnecting unless gen belongs to a connection
// that has already been replaced.
func (c *Controller) connectionLost(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return
	}
	c.scheduleReconnectLocked()
}

// scheduleReconnect arranges one reconnect after the configured delay.
// Returns false when a reconnect is already pending.
func (c *Controller) scheduleReconnect() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduleReconnectLocked()
}

func (c *Controller) scheduleReconnectLocked() bool {
	c.state = Reconnecting
	if c.reconnectPending {
		c.logger.Debug().Msg("reconnect already pending")
		return false
	}
	c.reconnectPending = true
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		select {
		case c.reconnectCh <- struct{}{}:
		default:
		}
	})

	c.logger.Info().Dur("delay", c.opts.ReconnectDelay).Msg("reconnect scheduled")
	return true
}

// teardown detaches the current connection before closing it, so the reader
// sees a cancelled context and does not report the close as a failure.
func (c *Controller) teardown() {
	c.mu.Lock()
	c.generation++
	if c.cancelReader != nil {
		c.cancelReader()
		c.cancelReader = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("close streaming connection")
		}
	}
}

func (c *Controller) shutdown() {
	c.mu.Lock()
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
	}
	c.reconnectPending = false
	c.mu.Unlock()

	c.teardown()
	c.readers.Wait()
	c.setState(Disconnected)
	c.logger.Info().Msg("streaming stopped")
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) handleFrame(ctx context.Context, msg []byte) {
	env, err := decodeEnvelope(msg)

	c.mu.Lock()
	c.stats.Frames++
	if err != nil {
		c.stats.DecodeErrors++
	} else {
		c.stats.Events[env.Event]++
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn().Err(err).Int("size", len(msg)).Msg("skipping undecodable frame")
		return
	}

	c.logger.Trace().Str("stream", env.Stream).Str("event", env.Event).Msg("received")

	switch env.Event {
	case EventUpdate, EventStatusUpdate:
		indexed, err := c.handler.ProcessStatus(ctx, env.Payload)
		if err != nil {
			c.logger.Error().Err(err).Str("event", env.Event).Msg("failed to process status")
			return
		}
		if indexed {
			c.mu.Lock()
			c.stats.Indexed++
			c.mu.Unlock()
		}

	case EventDelete:
		id := string(env.Payload)
		if err := c.handler.ProcessDelete(ctx, id); err != nil {
			c.logger.Error().Err(err).Msg("failed to process delete")
			return
		}
		c.logger.Info().Str("id", id).Msg(EventDelete)

	case EventNotification:
		if err := c.handler.ProcessNotification(ctx, env.Payload); err != nil {
			c.logger.Error().Err(err).Msg("failed to process notification")
		}

	default:
		c.logger.Debug().Str("event", env.Event).Bytes("payload", truncate(env.Payload, 200)).Msg("unhandled event")
	}
}

func (c *Controller) logStats() {
	s := c.Stats()
	events := zerolog.Dict()
	for k, v := range s.Events {
		events.Int64(k, v)
	}
	c.logger.Info().
		Str("state", s.State).
		Str("connectionId", s.ConnectionID).
		Int64("frames", s.Frames).
		Int64("indexed", s.Indexed).
		Int64("decodeErrors", s.DecodeErrors).
		Dict("events", events).
		Msg("streaming stats")
}

// truncate returns at most n bytes of b.
func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
