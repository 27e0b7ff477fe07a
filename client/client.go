// Package client implements the resilient relay client: a WebSocket
// connection that registers a user identity, heartbeats in both
// directions, deduplicates deliveries, reconnects with bounded
// exponential backoff, and reconciles missed state on demand.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (Listen) processes inbound
// messages, operations submitted from other goroutines (opCh), and
// heartbeat ticks. All writes to the connection happen from the event
// loop, eliminating the need for a write mutex.
package client

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/zapdesk/realtime/internal/protocol"
)

const (
	defaultHeartbeatInterval = 25 * time.Second
	defaultStalenessAfter    = 60 * time.Second
	defaultDisconnectAfter   = 120 * time.Second
	defaultBackoffBase       = 1 * time.Second
	defaultBackoffMax        = 30 * time.Second
	defaultMaxAttempts       = 10

	// handshakeTimeout bounds the register round trip on each connect.
	handshakeTimeout = 30 * time.Second
)

//go:generate mockgen -source=client.go -destination=mock_conn_test.go -package=client -mock_names=wsConn=MockWSConn

// wsConn abstracts the WebSocket connection so the client can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Quality classifies connection health as observed by heartbeats.
type Quality string

const (
	QualityGood         Quality = "good"
	QualityPoor         Quality = "poor"
	QualityDisconnected Quality = "disconnected"
)

// ReconnectionState is the externally visible view of the reconnection
// controller.
type ReconnectionState struct {
	IsReconnecting bool
	Attempts       int
	MaxAttempts    int
	NextRetryIn    time.Duration
	LastError      string
}

// Config holds the parameters needed to run a relay client.
type Config struct {
	// URL of the relay's /ws endpoint (ws:// or wss://).
	URL string

	// UserID this client registers as.
	UserID string

	// Token is attached to the dial as ?token= when non-empty.
	Token string

	// HeartbeatInterval is the cadence of client-initiated probes.
	HeartbeatInterval time.Duration

	// StalenessAfter classifies the connection as poor when no heartbeat
	// acknowledgment arrived for this long while the transport is open.
	StalenessAfter time.Duration

	// DisconnectAfter closes the transport and triggers reconnection when
	// nothing at all arrived for this long.
	DisconnectAfter time.Duration

	// Backoff schedule: delay = BackoffBase * 2^attempts, capped at
	// BackoffMax, at most MaxAttempts automatic retries.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	MaxAttempts int
}

func (c *Config) applyDefaults() {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeatInterval
	}
	if c.StalenessAfter <= 0 {
		c.StalenessAfter = defaultStalenessAfter
	}
	if c.DisconnectAfter <= 0 {
		c.DisconnectAfter = defaultDisconnectAfter
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
}

// callbacks holds the registered observers, one per event kind. Each
// setter replaces the previous observer; the latest registration wins.
type callbacks struct {
	onNewMessage       func(protocol.NewMessage)
	onConnectionUpdate func(protocol.ConnectionUpdate)
	onQRCodeUpdate     func(protocol.QRCodeUpdate)
	onSyncComplete     func(protocol.SyncComplete)
	onQualityChange    func(Quality)
	onReconnectFailed  func()
}

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// Client is a relay client for one user identity.
type Client struct {
	cfg    Config
	logger *slog.Logger

	// dial opens a transport connection. Swapped out in tests.
	dial func(ctx context.Context) (wsConn, error)

	socketID string

	// opCh receives frames submitted by other goroutines (RequestSync).
	// The event loop writes them to the connection one at a time.
	opCh chan protocol.Frame

	// inboundCh receives messages from the reader goroutine.
	inboundCh chan inboundMsg

	// forceCh wakes the failed state; stopCh ends Listen cleanly.
	forceCh chan struct{}
	stopCh  chan struct{}
	stopper sync.Once

	// seen filters duplicate new_message deliveries. Only touched from
	// the event loop. Grows for the lifetime of the client; acceptable
	// for one session, mirroring the browser behavior.
	seen map[string]struct{}

	// conn and connCancel are written by the Connect/Listen goroutine and
	// read by Disconnect, which callers invoke from other goroutines.
	mu            sync.RWMutex
	conn          wsConn
	connCancel    context.CancelFunc
	connected     bool
	quality       Quality
	lastHeartbeat time.Time
	lastSync      int64
	reconn        ReconnectionState
	cbs           callbacks
}

// New constructs a client. The connection is not opened until Connect.
func New(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()

	c := &Client{
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "relay_client"), slog.String("user_id", cfg.UserID)),
		opCh:    make(chan protocol.Frame, 16),
		forceCh: make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		seen:    make(map[string]struct{}),
		quality: QualityDisconnected,
		reconn:  ReconnectionState{MaxAttempts: cfg.MaxAttempts},
	}
	c.dial = c.dialWebSocket

	return c
}

func (c *Client) dialWebSocket(ctx context.Context) (wsConn, error) {
	url := c.cfg.URL
	if c.cfg.Token != "" {
		url += "?token=" + c.cfg.Token
	}

	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// SetOnNewMessage registers the new_message observer. Replaces any
// previous registration.
func (c *Client) SetOnNewMessage(fn func(protocol.NewMessage)) {
	c.mu.Lock()
	c.cbs.onNewMessage = fn
	c.mu.Unlock()
}

// SetOnConnectionUpdate registers the connection_update observer.
func (c *Client) SetOnConnectionUpdate(fn func(protocol.ConnectionUpdate)) {
	c.mu.Lock()
	c.cbs.onConnectionUpdate = fn
	c.mu.Unlock()
}

// SetOnQRCodeUpdate registers the qrcode_update observer.
func (c *Client) SetOnQRCodeUpdate(fn func(protocol.QRCodeUpdate)) {
	c.mu.Lock()
	c.cbs.onQRCodeUpdate = fn
	c.mu.Unlock()
}

// SetOnSyncComplete registers the sync_complete observer.
func (c *Client) SetOnSyncComplete(fn func(protocol.SyncComplete)) {
	c.mu.Lock()
	c.cbs.onSyncComplete = fn
	c.mu.Unlock()
}

// SetOnQualityChange registers the connection-quality observer.
func (c *Client) SetOnQualityChange(fn func(Quality)) {
	c.mu.Lock()
	c.cbs.onQualityChange = fn
	c.mu.Unlock()
}

// SetOnReconnectFailed registers the observer invoked once automatic
// reconnection is exhausted.
func (c *Client) SetOnReconnectFailed(fn func()) {
	c.mu.Lock()
	c.cbs.onReconnectFailed = fn
	c.mu.Unlock()
}

// IsConnected reports whether the transport is live and registered.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.connected
}

// ConnectionQuality returns the current health classification.
func (c *Client) ConnectionQuality() Quality {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.quality
}

// Reconnection returns the current reconnection state.
func (c *Client) Reconnection() ReconnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.reconn
}

// SocketID returns the server-assigned session identifier from the last
// successful registration.
func (c *Client) SocketID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.socketID
}

// LastSyncTimestamp returns the newest server timestamp observed, the
// default cursor for RequestSync.
func (c *Client) LastSyncTimestamp() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastSync
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	c.connected = connected
	c.mu.Unlock()
}

func (c *Client) setConnCancel(cancel context.CancelFunc) {
	c.mu.Lock()
	c.connCancel = cancel
	c.mu.Unlock()
}

// setQuality updates the classification and notifies the observer on
// change. Must not be called with mu held.
func (c *Client) setQuality(q Quality) {
	c.mu.Lock()
	changed := c.quality != q
	c.quality = q
	fn := c.cbs.onQualityChange
	c.mu.Unlock()

	if changed && fn != nil {
		fn(q)
	}
}

// markHeartbeat records proof of liveness from either acknowledgment path.
func (c *Client) markHeartbeat() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	c.setQuality(QualityGood)
}

// Disconnect closes the connection cleanly. No automatic reconnection
// follows; Listen returns nil. Safe to call from any goroutine.
func (c *Client) Disconnect() {
	c.stopper.Do(func() { close(c.stopCh) })

	c.mu.Lock()
	conn := c.conn
	cancel := c.connCancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	c.setConnected(false)
	c.setQuality(QualityDisconnected)
}

// ForceReconnect resets the attempt budget and wakes the controller if it
// is parked in the failed state. A no-op while connected.
func (c *Client) ForceReconnect() {
	c.mu.Lock()
	c.reconn.Attempts = 0
	c.reconn.LastError = ""
	c.mu.Unlock()

	select {
	case c.forceCh <- struct{}{}:
	default:
	}
}

// RequestSync asks the server to replay events newer than lastSync (epoch
// millis; zero means "use the newest timestamp this client has seen").
// Returns the correlation ID of the request, or ok=false without emitting
// anything when the transport is not connected — the caller is expected
// to fall back to a direct data-layer fetch.
func (c *Client) RequestSync(lastSync int64) (correlationID string, ok bool) {
	c.mu.RLock()
	connected := c.connected
	if lastSync == 0 {
		lastSync = c.lastSync
	}
	c.mu.RUnlock()

	if !connected {
		return "", false
	}

	correlationID = protocol.NewCorrelationID()
	frame, err := protocol.NewFrame(protocol.EventSyncRequest, protocol.SyncRequest{
		UserID:            c.cfg.UserID,
		LastSyncTimestamp: lastSync,
		CorrelationID:     correlationID,
		Timestamp:         protocol.NowMillis(),
	})
	if err != nil {
		return "", false
	}

	select {
	case c.opCh <- frame:
		return correlationID, true
	default:
		c.logger.Warn("sync request dropped, op queue full",
			slog.String("correlation_id", correlationID),
		)
		return "", false
	}
}
