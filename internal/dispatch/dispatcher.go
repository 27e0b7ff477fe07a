// Package dispatch routes outbound events to a user's active session,
// wrapping each in a delivery envelope and tracking delivery counters.
package dispatch

import (
	"encoding/json"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/zapdesk/realtime/internal/protocol"
	"github.com/zapdesk/realtime/internal/registry"
)

// userNotConnected is the stable error string surfaced to callers when
// the target user has no bound session.
const userNotConnected = "User not connected"

// Result is the non-throwing outcome of a delivery attempt.
type Result struct {
	Success       bool   `json:"success"`
	CorrelationID string `json:"correlationId"`
	Error         string `json:"error,omitempty"`
}

// EventAppender persists delivered envelopes for later sync replay. The
// event log satisfies this; tests substitute fakes.
type EventAppender interface {
	Append(userID, event string, env protocol.Envelope) error
}

// Dispatcher delivers targeted events through the registry.
type Dispatcher struct {
	registry *registry.Registry
	stats    *registry.Stats
	eventLog EventAppender
	logger   *slog.Logger

	// seenAcks bounds duplicate message_ack counting: a client retrying
	// after a flaky connection may replay acks it already sent.
	seenAcks *lru.Cache[string, struct{}]
}

// NewDispatcher constructs a dispatcher. eventLog may be nil, in which
// case deliveries are not recorded for sync replay.
func NewDispatcher(reg *registry.Registry, stats *registry.Stats, eventLog EventAppender, ackDedupSize int, logger *slog.Logger) (*Dispatcher, error) {
	seen, err := lru.New[string, struct{}](ackDedupSize)
	if err != nil {
		return nil, fmt.Errorf("building ack dedup cache: %w", err)
	}

	return &Dispatcher{
		registry: reg,
		stats:    stats,
		eventLog: eventLog,
		logger:   logger.With(slog.String("component", "dispatcher")),
		seenAcks: seen,
	}, nil
}

// NotifyUser delivers event with payload to userID's active session. A
// missing session or a full outbound queue is a recorded failure, never a
// panic or error return: the caller gets a Result either way.
//
// correlationID may be empty, in which case a fresh one is generated.
func (d *Dispatcher) NotifyUser(userID, event string, payload any, correlationID string) Result {
	if correlationID == "" {
		correlationID = protocol.NewCorrelationID()
	}

	session, ok := d.registry.Lookup(userID)
	if !ok {
		d.stats.AddFailed()
		d.logger.Warn("delivery target not connected",
			slog.String("correlation_id", correlationID),
			slog.String("user_id", userID),
			slog.String("event", event),
		)

		return Result{Success: false, CorrelationID: correlationID, Error: userNotConnected}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		d.stats.AddFailed()

		return Result{Success: false, CorrelationID: correlationID, Error: fmt.Sprintf("marshalling payload: %v", err)}
	}

	env := protocol.Envelope{
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     protocol.NowMillis(),
		RequiresAck:   true,
	}

	frame, err := protocol.NewFrame(event, env)
	if err != nil {
		d.stats.AddFailed()

		return Result{Success: false, CorrelationID: correlationID, Error: err.Error()}
	}

	if err := session.Send(frame); err != nil {
		d.stats.AddFailed()
		d.logger.Warn("delivery failed",
			slog.String("correlation_id", correlationID),
			slog.String("user_id", userID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)

		return Result{Success: false, CorrelationID: correlationID, Error: err.Error()}
	}

	d.stats.AddSent()
	d.stats.AddDelivered()

	if d.eventLog != nil {
		// Persistence failure never aborts the delivery/ack cycle; it is
		// logged with full correlation context and the protocol moves on.
		if err := d.eventLog.Append(userID, event, env); err != nil {
			d.logger.Error("recording delivered event failed",
				slog.String("correlation_id", correlationID),
				slog.String("user_id", userID),
				slog.String("event", event),
				slog.String("error", err.Error()),
			)
		}
	}

	d.logger.Info("event delivered",
		slog.String("correlation_id", correlationID),
		slog.String("user_id", userID),
		slog.String("event", event),
		slog.Int("payload_bytes", len(raw)),
	)

	return Result{Success: true, CorrelationID: correlationID}
}

// RecordAck counts one message acknowledgment, suppressing replays of the
// same ack. Returns whether the ack was counted.
func (d *Dispatcher) RecordAck(ack protocol.MessageAck) bool {
	key := ack.CorrelationID
	if key == "" {
		key = "msg:" + ack.MessageID
	}

	if _, dup := d.seenAcks.Get(key); dup {
		return false
	}
	d.seenAcks.Add(key, struct{}{})
	d.stats.AddAcknowledged()

	return true
}
