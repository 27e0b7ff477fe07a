package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	relayerrors "github.com/zapdesk/realtime/internal/errors"
	"github.com/zapdesk/realtime/internal/protocol"
)

// errStopped signals a clean, user-initiated disconnect through the event
// loop; Listen translates it to a nil return.
var errStopped = errors.New("client stopped")

// Connect dials the relay, sends register, and waits for the server's
// registration acknowledgment. On success the reconnection counter is
// reset and the connection is live.
func (c *Client) Connect(ctx context.Context) error {
	// Cancel any previous reader goroutine from a prior connection.
	c.mu.Lock()
	prevCancel := c.connCancel
	c.mu.Unlock()
	if prevCancel != nil {
		prevCancel()
	}

	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := c.dial(hctx)
	if err != nil {
		return fmt.Errorf("dialing relay: %w", err)
	}

	if err := c.handshake(hctx, conn); err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.reconn.Attempts = 0
	c.reconn.IsReconnecting = false
	c.reconn.NextRetryIn = 0
	c.reconn.LastError = ""
	c.mu.Unlock()

	// Drop any force signal raised while the previous connection was still
	// up; a stale one must not skip a future backoff wait.
	select {
	case <-c.forceCh:
	default:
	}

	c.markHeartbeat()
	c.logger.Info("registered", slog.String("socket_id", c.SocketID()))

	return nil
}

// handshake emits register and reads until the server answers. Frames the
// server may push before the acknowledgment (a server_heartbeat that was
// already in flight) are skipped; nothing else is expected pre-register.
func (c *Client) handshake(ctx context.Context, conn wsConn) error {
	frame, err := protocol.NewFrame(protocol.EventRegister, protocol.Register{UserID: c.cfg.UserID})
	if err != nil {
		return err
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling register: %w", err)
	}

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		conn.Close(websocket.StatusInternalError, "register failed")
		return fmt.Errorf("sending register: %w", err)
	}

	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			conn.Close(websocket.StatusInternalError, "register read failed")
			return fmt.Errorf("reading registration response: %w", err)
		}

		switch gjson.GetBytes(raw, "event").String() {
		case protocol.EventRegistered:
			var reg protocol.Registered
			if err := json.Unmarshal([]byte(gjson.GetBytes(raw, "data").Raw), &reg); err != nil {
				conn.Close(websocket.StatusInternalError, "bad registered frame")
				return fmt.Errorf("decoding registered: %w", err)
			}

			c.mu.Lock()
			c.socketID = reg.SocketID
			c.mu.Unlock()

			return nil

		case protocol.EventRegistrationError:
			var regErr protocol.RegistrationError
			_ = json.Unmarshal([]byte(gjson.GetBytes(raw, "data").Raw), &regErr)
			conn.Close(websocket.StatusNormalClosure, "registration rejected")

			return fmt.Errorf("%w: %s", relayerrors.ErrRegistrationRejected, regErr.Error)

		default:
			// Pre-registration pushes carry nothing actionable.
			continue
		}
	}
}

// startReader launches a goroutine that reads from the WebSocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The error is delivered as the final message on inboundCh.
// The goroutine captures ch by value so that if startReader is called
// again for a new connection, the old goroutine cannot send stale
// messages into the new channel.
func (c *Client) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, 64)
	c.inboundCh = ch
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	go func() {
		for {
			typ, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{typ: typ, data: data, err: err}:
			case <-connCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. It owns all
// writes to the connection. Returns nil after Disconnect, the context
// error on cancellation, and otherwise stays running: when automatic
// retries are exhausted it parks in the failed state until
// ForceReconnect.
func (c *Client) Listen(ctx context.Context) error {
	connCtx, connCancel := context.WithCancel(ctx)
	c.setConnCancel(connCancel)
	c.startReader(connCtx)

	for {
		err := c.eventLoop(ctx, connCtx)
		connCancel()
		c.setConnected(false)

		if errors.Is(err, errStopped) || c.stopped() {
			c.setQuality(QualityDisconnected)
			return nil
		}
		if ctx.Err() != nil {
			c.setQuality(QualityDisconnected)
			return ctx.Err()
		}

		c.setQuality(QualityDisconnected)
		c.logger.Warn("connection lost", slog.String("error", err.Error()))

		if rerr := c.reconnect(ctx, err); rerr != nil {
			if errors.Is(rerr, errStopped) {
				return nil
			}
			return rerr
		}

		// Fresh connection context and reader for the new connection.
		connCtx, connCancel = context.WithCancel(ctx)
		c.setConnCancel(connCancel)
		c.startReader(connCtx)
	}
}

// backoffDelay computes base * 2^attempts, capped at max.
func backoffDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	return delay
}

// reconnect drives the reconnecting/failed states. It returns nil once a
// connection is re-established, the context error on cancellation, or
// errStopped on Disconnect. Exhaustion does not return: the controller
// parks until ForceReconnect resets the budget.
func (c *Client) reconnect(ctx context.Context, cause error) error {
	for {
		c.mu.Lock()
		if c.reconn.Attempts >= c.cfg.MaxAttempts {
			c.reconn.IsReconnecting = false
			c.reconn.NextRetryIn = 0
			fn := c.cbs.onReconnectFailed
			c.mu.Unlock()

			c.logger.Error("connection lost, could not reconnect",
				slog.Int("attempts", c.cfg.MaxAttempts),
			)
			if fn != nil {
				fn()
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.stopCh:
				return errStopped
			case <-c.forceCh:
				// ForceReconnect reset the counter; retry immediately.
				continue
			}
		}

		c.reconn.Attempts++
		attempt := c.reconn.Attempts
		delay := backoffDelay(c.cfg.BackoffBase, c.cfg.BackoffMax, attempt)
		c.reconn.IsReconnecting = true
		c.reconn.NextRetryIn = delay
		c.reconn.LastError = cause.Error()
		c.mu.Unlock()

		c.logger.Warn("reconnecting",
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.MaxAttempts),
			slog.Duration("backoff", delay),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-c.stopCh:
			timer.Stop()
			return errStopped
		case <-c.forceCh:
			// Manual retry skips the remaining backoff.
			timer.Stop()
		case <-timer.C:
		}

		if err := c.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cause = err

			continue
		}

		c.logger.Info("reconnected", slog.Int("attempts_used", attempt))

		return nil
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Client) lastHeartbeatTime() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.lastHeartbeat
}

// eventLoop is the single event loop for one connection. It selects on
// inbound messages, submitted operations, and the heartbeat ticker. All
// writes happen here, so no mutex is needed. Returns on read error,
// heartbeat timeout, or cancellation.
func (c *Client) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}
			if msg.typ != websocket.MessageText {
				c.logger.Debug("ignoring non-text frame", slog.Int("bytes", len(msg.data)))
				continue
			}
			if err := c.handleInbound(ctx, msg.data); err != nil {
				return err
			}

		case frame := <-c.opCh:
			if err := c.writeFrame(ctx, frame); err != nil {
				return fmt.Errorf("sending %s: %w", frame.Event, err)
			}

		case <-ticker.C:
			elapsed := time.Since(c.lastHeartbeatTime())

			if elapsed > c.cfg.DisconnectAfter {
				c.logger.Warn("heartbeats lost, closing connection")
				c.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > c.cfg.StalenessAfter {
				c.setQuality(QualityPoor)
			}

			frame, err := protocol.NewFrame(protocol.EventHeartbeat, protocol.Heartbeat{Timestamp: protocol.NowMillis()})
			if err != nil {
				continue
			}
			if err := c.writeFrame(ctx, frame); err != nil {
				return fmt.Errorf("sending heartbeat: %w", err)
			}

		case <-c.stopCh:
			return errStopped

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

func (c *Client) writeFrame(ctx context.Context, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return c.conn.Write(ctx, websocket.MessageText, data)
}
