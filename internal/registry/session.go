package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	relayerrors "github.com/zapdesk/realtime/internal/errors"
	"github.com/zapdesk/realtime/internal/protocol"
)

// Session is one live transport connection, optionally bound to a user
// identity via the Registry. The hub owns the transport; everything else
// talks to the session through its outbound queue.
type Session struct {
	id          string
	connectedAt time.Time

	// userID is set once at registration time and read by the debug
	// endpoints; guarded by mu because registration and snapshots race.
	mu     sync.RWMutex
	userID string

	lastActivity     atomic.Int64 // epoch millis
	messagesSent     atomic.Int64
	messagesReceived atomic.Int64

	outbound chan protocol.Frame
	done     chan struct{}
	closer   sync.Once
}

// SessionInfo is a point-in-time view of a session for introspection.
type SessionInfo struct {
	UserID           string `json:"userId"`
	SessionID        string `json:"sessionId"`
	ConnectedAt      int64  `json:"connectedAt"`
	LastActivityAt   int64  `json:"lastActivityAt"`
	MessagesSent     int64  `json:"messagesSent"`
	MessagesReceived int64  `json:"messagesReceived"`
	Status           string `json:"status"`
}

// NewSession creates an unbound session with the given outbound queue
// capacity. The session ID is assigned here and never changes.
func NewSession(buffer int) *Session {
	s := &Session{
		id:          uuid.New().String(),
		connectedAt: time.Now(),
		outbound:    make(chan protocol.Frame, buffer),
		done:        make(chan struct{}),
	}
	s.lastActivity.Store(protocol.NowMillis())

	return s
}

// ID returns the session identifier (the socketId on the wire).
func (s *Session) ID() string { return s.id }

// UserID returns the bound user identity, or "" before registration.
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.userID
}

func (s *Session) bind(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// Send queues a frame for the session's writer. It never blocks: a full
// queue or a closed session yields an error so the dispatcher can count
// the delivery as failed instead of stalling.
func (s *Session) Send(f protocol.Frame) error {
	select {
	case <-s.done:
		return relayerrors.ErrNotConnected
	default:
	}

	select {
	case s.outbound <- f:
		return nil
	case <-s.done:
		return relayerrors.ErrNotConnected
	default:
		return relayerrors.ErrSessionBufferFull
	}
}

// Outbound is consumed by the hub's writer goroutine.
func (s *Session) Outbound() <-chan protocol.Frame { return s.outbound }

// Done is closed when the session is torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close marks the session dead. Idempotent.
func (s *Session) Close() {
	s.closer.Do(func() { close(s.done) })
}

// Touch records inbound activity without counting a message (used for
// probe responses).
func (s *Session) Touch() {
	s.lastActivity.Store(protocol.NowMillis())
}

// TouchRecv records inbound activity and counts one received message.
func (s *Session) TouchRecv() {
	s.Touch()
	s.messagesReceived.Add(1)
}

// NoteSent counts one outbound message on the session.
func (s *Session) NoteSent() {
	s.messagesSent.Add(1)
}

// LastActivity returns the last inbound activity time in epoch millis.
func (s *Session) LastActivity() int64 {
	return s.lastActivity.Load()
}

// Info returns a snapshot for the debug endpoints.
func (s *Session) Info() SessionInfo {
	return SessionInfo{
		UserID:           s.UserID(),
		SessionID:        s.id,
		ConnectedAt:      s.connectedAt.UnixMilli(),
		LastActivityAt:   s.lastActivity.Load(),
		MessagesSent:     s.messagesSent.Load(),
		MessagesReceived: s.messagesReceived.Load(),
		Status:           "connected",
	}
}
