// Package hub accepts WebSocket attachments and runs the per-session
// protocol: registration, heartbeats, acknowledgments, and sync replay.
//
// Each session has exactly one writer goroutine draining its outbound
// queue; the read loop and the dispatcher only ever enqueue. That keeps
// every conn.Write on a single goroutine without a write mutex.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/zapdesk/realtime/internal/auth"
	"github.com/zapdesk/realtime/internal/dispatch"
	"github.com/zapdesk/realtime/internal/protocol"
	"github.com/zapdesk/realtime/internal/registry"
)

// readLimit bounds inbound frames. Client frames are small control
// messages; anything near this size is malformed or hostile.
const readLimit = 1 * 1024 * 1024

// Config holds the protocol constants for session handling.
type Config struct {
	ServerID string

	// HeartbeatInterval is the cadence of server-initiated probes.
	HeartbeatInterval time.Duration

	// IdleAfter closes sessions with no inbound activity for this long.
	IdleAfter time.Duration

	// SessionBuffer is the outbound queue capacity per session.
	SessionBuffer int

	// AllowedOrigins is passed to the WebSocket accept handshake.
	AllowedOrigins []string
}

// SyncSource replays events missed while a client was disconnected. The
// bbolt event log satisfies this.
type SyncSource interface {
	EventsSince(userID string, sinceMillis int64) ([]protocol.SyncEvent, error)
}

// Hub owns the WebSocket side of the relay.
type Hub struct {
	cfg        Config
	registry   *registry.Registry
	stats      *registry.Stats
	dispatcher *dispatch.Dispatcher
	syncSource SyncSource
	verifier   *auth.Verifier
	logger     *slog.Logger
}

// New constructs a hub. syncSource may be nil; sync requests then answer
// with a failure result instead of a replay.
func New(cfg Config, reg *registry.Registry, stats *registry.Stats, disp *dispatch.Dispatcher, syncSource SyncSource, verifier *auth.Verifier, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		registry:   reg,
		stats:      stats,
		dispatcher: disp,
		syncSource: syncSource,
		verifier:   verifier,
		logger:     logger.With(slog.String("component", "hub")),
	}
}

// Attach upgrades the request to a WebSocket and runs the session until
// the transport closes.
func (h *Hub) Attach(w http.ResponseWriter, r *http.Request) {
	subject := ""
	if h.verifier.Enabled() {
		token := bearerToken(r)
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}

		var err error
		subject, err = h.verifier.Subject(token)
		if err != nil {
			h.logger.Warn("attach rejected", slog.String("error", err.Error()))
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.AllowedOrigins,
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", slog.String("error", err.Error()))
		return
	}
	conn.SetReadLimit(readLimit)

	h.serve(r.Context(), conn, subject)
}

// bearerToken extracts the attach token from the query string (browser
// WebSocket clients cannot set headers) or the Authorization header.
func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}

	const prefix = "Bearer "
	authz := r.Header.Get("Authorization")
	if len(authz) > len(prefix) && authz[:len(prefix)] == prefix {
		return authz[len(prefix):]
	}

	return ""
}

func (h *Hub) serve(ctx context.Context, conn *websocket.Conn, subject string) {
	session := registry.NewSession(h.cfg.SessionBuffer)
	logger := h.logger.With(slog.String("session_id", session.ID()))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeLoop(ctx, conn, session, logger)
	}()

	logger.Debug("session attached")

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			logger.Debug("session read ended", slog.String("error", err.Error()))
			break
		}

		if typ != websocket.MessageText {
			logger.Debug("ignoring non-text frame", slog.Int("bytes", len(data)))
			continue
		}

		h.handleFrame(session, subject, data, logger)
	}

	session.Close()
	cancel()
	<-writerDone

	if userID := session.UserID(); userID != "" {
		h.registry.UnregisterSession(userID, session.ID())
	}
}

// writeLoop is the single writer for one session. It drains the outbound
// queue, emits periodic server heartbeats, and enforces the idle
// disconnect threshold.
func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, session *registry.Session, logger *slog.Logger) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-session.Outbound():
			if err := writeFrame(ctx, conn, frame); err != nil {
				logger.Debug("session write failed", slog.String("error", err.Error()))
				session.Close()
				return
			}
			session.NoteSent()

		case <-ticker.C:
			idle := protocol.NowMillis() - session.LastActivity()
			if idle > h.cfg.IdleAfter.Milliseconds() {
				logger.Warn("session idle, disconnecting",
					slog.Int64("idle_ms", idle),
				)
				conn.Close(websocket.StatusGoingAway, "idle timeout")
				session.Close()
				return
			}

			frame, err := protocol.NewFrame(protocol.EventServerHeartbeat, protocol.ServerHeartbeat{
				Timestamp: protocol.NowMillis(),
				ServerID:  h.cfg.ServerID,
			})
			if err != nil {
				continue
			}
			if err := writeFrame(ctx, conn, frame); err != nil {
				session.Close()
				return
			}
			session.NoteSent()

		case <-session.Done():
			conn.Close(websocket.StatusNormalClosure, "session closed")
			return

		case <-ctx.Done():
			conn.Close(websocket.StatusGoingAway, "server shutdown")
			return
		}
	}
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame protocol.Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return conn.Write(ctx, websocket.MessageText, data)
}

// handleFrame routes one inbound frame by its event name.
func (h *Hub) handleFrame(session *registry.Session, subject string, data []byte, logger *slog.Logger) {
	event := gjson.GetBytes(data, "event").String()
	payload := []byte(gjson.GetBytes(data, "data").Raw)

	switch event {
	case protocol.EventRegister:
		h.handleRegister(session, subject, payload, logger)

	case protocol.EventHeartbeat:
		session.TouchRecv()
		h.enqueue(session, protocol.EventHeartbeatAck, protocol.HeartbeatAck{Timestamp: protocol.NowMillis()}, logger)

	case protocol.EventMessageAck:
		var ack protocol.MessageAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			logger.Debug("undecodable message_ack", slog.String("error", err.Error()))
			return
		}
		session.TouchRecv()
		counted := h.dispatcher.RecordAck(ack)
		logger.Debug("message acknowledged",
			slog.String("correlation_id", ack.CorrelationID),
			slog.String("message_id", ack.MessageID),
			slog.Bool("counted", counted),
		)

	case protocol.EventServerHeartbeatResponse:
		var resp protocol.ServerHeartbeatResponse
		if err := json.Unmarshal(payload, &resp); err != nil {
			logger.Debug("undecodable server_heartbeat_response", slog.String("error", err.Error()))
			return
		}
		session.Touch()
		logger.Debug("server heartbeat answered",
			slog.Int64("round_trip_ms", protocol.NowMillis()-resp.ServerTimestamp),
		)

	case protocol.EventSyncRequest:
		h.handleSyncRequest(session, payload, logger)

	default:
		logger.Debug("unexpected event", slog.String("event", event))
	}
}

func (h *Hub) handleRegister(session *registry.Session, subject string, payload []byte, logger *slog.Logger) {
	var reg protocol.Register
	if err := json.Unmarshal(payload, &reg); err != nil || reg.UserID == "" {
		h.enqueue(session, protocol.EventRegistrationError, protocol.RegistrationError{
			Error:         "userId is required",
			CorrelationID: protocol.NewCorrelationID(),
		}, logger)

		return
	}

	if subject != "" && subject != reg.UserID {
		logger.Warn("registration identity mismatch",
			slog.String("token_subject", subject),
			slog.String("claimed_user_id", reg.UserID),
		)
		h.enqueue(session, protocol.EventRegistrationError, protocol.RegistrationError{
			Error:         "userId does not match token subject",
			CorrelationID: protocol.NewCorrelationID(),
		}, logger)

		return
	}

	if err := h.registry.Register(reg.UserID, session); err != nil {
		h.enqueue(session, protocol.EventRegistrationError, protocol.RegistrationError{
			Error:         err.Error(),
			CorrelationID: protocol.NewCorrelationID(),
		}, logger)

		return
	}

	session.TouchRecv()
	h.enqueue(session, protocol.EventRegistered, protocol.Registered{
		UserID:        reg.UserID,
		SocketID:      session.ID(),
		CorrelationID: protocol.NewCorrelationID(),
		Timestamp:     protocol.NowMillis(),
	}, logger)
}

func (h *Hub) handleSyncRequest(session *registry.Session, payload []byte, logger *slog.Logger) {
	var req protocol.SyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		logger.Debug("undecodable sync_request", slog.String("error", err.Error()))
		return
	}
	session.TouchRecv()

	userID := req.UserID
	if userID == "" {
		userID = session.UserID()
	}

	if h.syncSource == nil || userID == "" {
		h.enqueue(session, protocol.EventSyncComplete, protocol.SyncComplete{
			Success:       false,
			SyncTimestamp: protocol.NowMillis(),
			CorrelationID: req.CorrelationID,
			Error:         "sync not available",
		}, logger)

		return
	}

	events, err := h.syncSource.EventsSince(userID, req.LastSyncTimestamp)
	if err != nil {
		logger.Error("sync replay failed",
			slog.String("correlation_id", req.CorrelationID),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		h.enqueue(session, protocol.EventSyncComplete, protocol.SyncComplete{
			Success:       false,
			SyncTimestamp: protocol.NowMillis(),
			CorrelationID: req.CorrelationID,
			Error:         err.Error(),
		}, logger)

		return
	}

	h.enqueue(session, protocol.EventSyncComplete, protocol.SyncComplete{
		Success:       true,
		Conversations: events,
		TotalFound:    len(events),
		SyncTimestamp: protocol.NowMillis(),
		CorrelationID: req.CorrelationID,
	}, logger)

	logger.Info("sync replayed",
		slog.String("correlation_id", req.CorrelationID),
		slog.String("user_id", userID),
		slog.Int("events", len(events)),
	)
}

// enqueue queues a control frame for the session writer. Control frames
// compete with deliveries for the same queue; dropping one under
// backpressure is logged but not counted in delivery stats.
func (h *Hub) enqueue(session *registry.Session, event string, payload any, logger *slog.Logger) {
	frame, err := protocol.NewFrame(event, payload)
	if err != nil {
		logger.Error("building frame failed", slog.String("event", event), slog.String("error", err.Error()))
		return
	}

	if err := session.Send(frame); err != nil {
		logger.Warn("dropping control frame",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
