package client

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/zapdesk/realtime/internal/protocol"
)

// handleInbound processes a single inbound text frame from the server.
// Returns an error only for connection-level failures (a failed ack or
// probe reply write); malformed frames are logged and skipped.
func (c *Client) handleInbound(ctx context.Context, data []byte) error {
	event := gjson.GetBytes(data, "event").String()
	payload := []byte(gjson.GetBytes(data, "data").Raw)

	switch event {
	case protocol.EventHeartbeatAck:
		c.markHeartbeat()
		return nil

	case protocol.EventServerHeartbeat:
		return c.handleServerHeartbeat(ctx, payload)

	case protocol.EventNewMessage:
		return c.handleNewMessage(ctx, payload)

	case protocol.EventConnectionUpdate:
		return c.handleEnvelope(ctx, payload, func(raw json.RawMessage) {
			var update protocol.ConnectionUpdate
			if err := json.Unmarshal(raw, &update); err != nil {
				c.logger.Warn("undecodable connection_update", slog.String("error", err.Error()))
				return
			}
			if fn := c.onConnectionUpdate(); fn != nil {
				fn(update)
			}
		})

	case protocol.EventQRCodeUpdate:
		return c.handleEnvelope(ctx, payload, func(raw json.RawMessage) {
			var update protocol.QRCodeUpdate
			if err := json.Unmarshal(raw, &update); err != nil {
				c.logger.Warn("undecodable qrcode_update", slog.String("error", err.Error()))
				return
			}
			if fn := c.onQRCodeUpdate(); fn != nil {
				fn(update)
			}
		})

	case protocol.EventSyncComplete:
		var sync protocol.SyncComplete
		if err := json.Unmarshal(payload, &sync); err != nil {
			c.logger.Warn("undecodable sync_complete", slog.String("error", err.Error()))
			return nil
		}

		c.mu.Lock()
		if sync.SyncTimestamp > c.lastSync {
			c.lastSync = sync.SyncTimestamp
		}
		fn := c.cbs.onSyncComplete
		c.mu.Unlock()

		c.logger.Info("sync complete",
			slog.String("correlation_id", sync.CorrelationID),
			slog.Bool("success", sync.Success),
			slog.Int("total_found", sync.TotalFound),
		)
		if fn != nil {
			fn(sync)
		}
		return nil

	case protocol.EventRegistered, protocol.EventRegistrationError:
		// Registration is handled during the connect handshake; a stray
		// copy here means the server re-acked, which is harmless.
		c.logger.Debug("late registration frame", slog.String("event", event))
		return nil

	default:
		c.logger.Debug("unexpected event", slog.String("event", event))
		return nil
	}
}

func (c *Client) handleServerHeartbeat(ctx context.Context, payload []byte) error {
	var hb protocol.ServerHeartbeat
	if err := json.Unmarshal(payload, &hb); err != nil {
		c.logger.Debug("undecodable server_heartbeat", slog.String("error", err.Error()))
		return nil
	}

	c.markHeartbeat()

	frame, err := protocol.NewFrame(protocol.EventServerHeartbeatResponse, protocol.ServerHeartbeatResponse{
		ServerTimestamp: hb.Timestamp,
		ClientTimestamp: protocol.NowMillis(),
		ServerID:        hb.ServerID,
	})
	if err != nil {
		return err
	}

	return c.writeFrame(ctx, frame)
}

// handleNewMessage applies deduplication before invoking the observer:
// for N deliveries of the same messageId in this client's lifetime, the
// observer fires exactly once, and at most one ack is emitted.
func (c *Client) handleNewMessage(ctx context.Context, payload []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("undecodable new_message envelope", slog.String("error", err.Error()))
		return nil
	}

	var msg protocol.NewMessage
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		c.logger.Warn("undecodable new_message payload",
			slog.String("correlation_id", env.CorrelationID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	c.noteServerTimestamp(env.Timestamp)

	key := msg.MessageID
	if key == "" {
		key = env.CorrelationID
	}
	if _, dup := c.seen[key]; dup {
		c.logger.Debug("duplicate message suppressed",
			slog.String("message_id", msg.MessageID),
			slog.String("correlation_id", env.CorrelationID),
		)
		return nil
	}
	c.seen[key] = struct{}{}

	if fn := c.onNewMessage(); fn != nil {
		fn(msg)
	}

	if !env.RequiresAck {
		return nil
	}

	return c.sendAck(ctx, msg.MessageID, env.CorrelationID)
}

// handleEnvelope unwraps a non-message delivery envelope, invokes deliver,
// and acknowledges when required. These events are not deduplicated: each
// carries current state and replaying the latest is correct.
func (c *Client) handleEnvelope(ctx context.Context, payload []byte, deliver func(json.RawMessage)) error {
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.logger.Warn("undecodable envelope", slog.String("error", err.Error()))
		return nil
	}

	c.noteServerTimestamp(env.Timestamp)

	deliver(env.Payload)

	if !env.RequiresAck {
		return nil
	}

	return c.sendAck(ctx, "", env.CorrelationID)
}

func (c *Client) sendAck(ctx context.Context, messageID, correlationID string) error {
	frame, err := protocol.NewFrame(protocol.EventMessageAck, protocol.MessageAck{
		MessageID:     messageID,
		CorrelationID: correlationID,
		Timestamp:     protocol.NowMillis(),
	})
	if err != nil {
		return err
	}

	return c.writeFrame(ctx, frame)
}

// noteServerTimestamp advances the sync cursor to the newest envelope
// timestamp observed, so the next RequestSync only asks for what followed.
func (c *Client) noteServerTimestamp(ts int64) {
	c.mu.Lock()
	if ts > c.lastSync {
		c.lastSync = ts
	}
	c.mu.Unlock()
}

func (c *Client) onNewMessage() func(protocol.NewMessage) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cbs.onNewMessage
}

func (c *Client) onConnectionUpdate() func(protocol.ConnectionUpdate) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cbs.onConnectionUpdate
}

func (c *Client) onQRCodeUpdate() func(protocol.QRCodeUpdate) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.cbs.onQRCodeUpdate
}
