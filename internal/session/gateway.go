// Package session implements the viewer session gateway: a websocket endpoint
// where clients bind themselves to a stream, toggle AFK, and are supervised
// by a ping/pong heartbeat.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"livesight/internal/channel"
	"livesight/internal/models"
	"livesight/internal/observability/logging"
	"livesight/internal/observability/metrics"
	"livesight/internal/storage"
)

const (
	defaultHeartbeatInterval = 5 * time.Second
	defaultClientTimeout     = 10 * time.Second
)

// Store exposes the storage operations the gateway requires.
type Store interface {
	GetStream(ctx context.Context, id uint64) (models.Stream, error)
	UpsertStream(ctx context.Context, stream models.Stream) (models.Stream, error)
	SetStreamAFK(ctx context.Context, id uint64, delta int) error
	GetUser(ctx context.Context, id string) (models.User, error)
}

// GatewayConfig configures a session Gateway.
type GatewayConfig struct {
	Store   Store
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	// HeartbeatInterval controls how often the gateway pings connected
	// clients. Zero selects the default of five seconds.
	HeartbeatInterval time.Duration
	// ClientTimeout is how long a client may go without a ping or pong
	// before the gateway disconnects it. Zero selects the default of ten
	// seconds.
	ClientTimeout time.Duration
}

// Gateway upgrades viewer connections and supervises their sessions.
type Gateway struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Recorder

	heartbeatInterval time.Duration
	clientTimeout     time.Duration
}

// NewGateway initialises a gateway using the provided configuration.
func NewGateway(cfg GatewayConfig) *Gateway {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = defaultHeartbeatInterval
	}
	timeout := cfg.ClientTimeout
	if timeout <= 0 {
		timeout = defaultClientTimeout
	}
	return &Gateway{
		store:             cfg.Store,
		logger:            logger,
		metrics:           recorder,
		heartbeatInterval: interval,
		clientTimeout:     timeout,
	}
}

// HandleConnection upgrades the HTTP request to a websocket session.
func (g *Gateway) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := Accept(w, r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// net/http cancels a hijacked request's context as soon as the handler
	// returns, so the session cannot borrow it. The context below ends only
	// when the session itself closes.
	ctx, cancel := context.WithCancel(context.Background())

	sessionID := uuid.NewString()
	ctx = logging.ContextWithSessionID(ctx, sessionID)
	c := &client{
		gateway:       g,
		conn:          conn,
		sessionID:     sessionID,
		clientAddress: r.RemoteAddr,
		lastHeartbeat: time.Now(),
		send:          make(chan outbound, 16),
		cancel:        cancel,
	}
	g.metrics.SessionOpened()
	g.logger.Info("session opened", "session_id", sessionID, "remote_addr", r.RemoteAddr)

	go c.writeLoop()
	go c.heartbeatLoop(ctx)
	go c.readLoop(ctx)
}

type outbound struct {
	opcode  Opcode
	payload []byte
}

// client is the per-connection actor. All session state is guarded by mu;
// the read, write, and heartbeat loops run concurrently.
type client struct {
	gateway       *Gateway
	conn          *Conn
	sessionID     string
	clientAddress string
	send          chan outbound
	cancel        context.CancelFunc

	mu            sync.Mutex
	lastHeartbeat time.Time
	boundStreamID uint64
	bound         bool
	afk           bool
	closed        bool

	closeOnce sync.Once
}

func (c *client) writeLoop() {
	defer c.close()
	for msg := range c.send {
		var err error
		switch msg.opcode {
		case OpBinary:
			err = c.conn.WriteBinary(msg.payload)
		case OpPong:
			err = c.conn.Pong(msg.payload)
		default:
			err = c.conn.WriteText(msg.payload)
		}
		if err != nil {
			return
		}
	}
}

func (c *client) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.gateway.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// The timeout check runs before the ping so an expired
			// client is dropped without another probe.
			if time.Since(c.heartbeatAt()) > c.gateway.clientTimeout {
				c.gateway.logger.Info("session heartbeat failed, disconnecting", "session_id", c.sessionID)
				c.gateway.metrics.ObserveHeartbeatTimeout()
				c.close()
				return
			}
			if err := c.conn.Ping(nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func (c *client) readLoop(ctx context.Context) {
	defer c.close()
	for {
		frame, err := c.conn.ReadFrame(ctx)
		if err != nil {
			return
		}
		switch frame.Opcode {
		case OpPing:
			c.refreshHeartbeat()
			c.enqueue(outbound{opcode: OpPong, payload: frame.Payload})
		case OpPong:
			c.refreshHeartbeat()
		case OpText:
			c.handleText(ctx, frame.Payload)
			// Text frames are echoed back regardless of command outcome.
			// They do not refresh the heartbeat clock.
			c.enqueue(outbound{opcode: OpText, payload: frame.Payload})
		case OpBinary:
			c.enqueue(outbound{opcode: OpBinary, payload: frame.Payload})
		}
	}
}

func (c *client) handleText(ctx context.Context, payload []byte) {
	var elements []json.RawMessage
	if err := json.Unmarshal(payload, &elements); err != nil || len(elements) == 0 {
		return
	}
	var command string
	if err := json.Unmarshal(elements[0], &command); err != nil || command == "" {
		return
	}
	switch command {
	case "setStream":
		c.gateway.metrics.ObserveSessionCommand(command)
		c.handleSetStream(ctx, elements)
	case "setAfk":
		c.gateway.metrics.ObserveSessionCommand(command)
		c.handleSetAFK(ctx, elements)
	case "getStream":
		c.gateway.metrics.ObserveSessionCommand(command)
		c.handleGetStream(ctx)
	default:
		c.gateway.logger.Info("unknown session command", "session_id", c.sessionID, "command", command)
	}
}

// handleSetStream dispatches on payload shape: three elements carry a channel
// and service pair, two elements carry either a user id or a null literal.
// A null literal acks without changing the binding.
func (c *client) handleSetStream(ctx context.Context, elements []json.RawMessage) {
	switch len(elements) {
	case 3:
		var channelName, service string
		if err := json.Unmarshal(elements[1], &channelName); err != nil {
			return
		}
		if err := json.Unmarshal(elements[2], &service); err != nil {
			return
		}
		c.bindChannel(ctx, channelName, service, "")
	case 2:
		if string(elements[1]) == "null" {
			return
		}
		var userID string
		if err := json.Unmarshal(elements[1], &userID); err != nil {
			return
		}
		c.bindUser(ctx, userID)
	}
}

func (c *client) bindChannel(ctx context.Context, channelName, service, path string) {
	normalized, err := channel.Normalize(channelName, service, path)
	if err != nil {
		c.gateway.logger.Warn("setStream rejected", "session_id", c.sessionID, "error", err)
		return
	}
	id := channel.IdentityOf(normalized)
	if c.gateway.store != nil {
		_, err := c.gateway.store.UpsertStream(ctx, models.Stream{
			ID:      id,
			Service: normalized.Service,
			Channel: normalized.Channel,
			Path:    normalized.StreamPath,
		})
		if err != nil {
			c.gateway.logger.Error("stream upsert failed", "session_id", c.sessionID, "error", err)
			return
		}
	}
	c.mu.Lock()
	c.boundStreamID = id
	c.bound = true
	c.mu.Unlock()
}

func (c *client) bindUser(ctx context.Context, userID string) {
	if c.gateway.store == nil {
		return
	}
	user, err := c.gateway.store.GetUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.gateway.logger.Error("user lookup failed", "session_id", c.sessionID, "error", err)
		}
		return
	}
	c.bindChannel(ctx, user.Channel, user.Service, user.StreamPath)
}

func (c *client) handleSetAFK(ctx context.Context, elements []json.RawMessage) {
	if len(elements) < 2 {
		return
	}
	var afk bool
	if err := json.Unmarshal(elements[1], &afk); err != nil {
		return
	}
	c.mu.Lock()
	changed := c.afk != afk
	c.afk = afk
	id, bound := c.boundStreamID, c.bound
	c.mu.Unlock()
	if !changed || !bound || c.gateway.store == nil {
		return
	}
	delta := -1
	if afk {
		delta = 1
	}
	if err := c.gateway.store.SetStreamAFK(ctx, id, delta); err != nil {
		c.gateway.logger.Error("afk update failed", "session_id", c.sessionID, "error", err)
	}
}

func (c *client) handleGetStream(ctx context.Context) {
	c.mu.Lock()
	id, bound := c.boundStreamID, c.bound
	c.mu.Unlock()
	if !bound || c.gateway.store == nil {
		return
	}
	stream, err := c.gateway.store.GetStream(ctx, id)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.gateway.logger.Error("stream lookup failed", "session_id", c.sessionID, "error", err)
		}
		return
	}
	payload, err := json.Marshal(stream)
	if err != nil {
		return
	}
	c.enqueue(outbound{opcode: OpText, payload: payload})
}

func (c *client) heartbeatAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

func (c *client) refreshHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

func (c *client) enqueue(msg outbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.send)
		c.mu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		c.gateway.metrics.SessionClosed()
		c.gateway.logger.Info("session closed", "session_id", c.sessionID)
	})
}
