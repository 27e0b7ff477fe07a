// Package protocol defines the wire format shared by the relay server and
// its clients: JSON frames tagged with an event name, the delivery envelope
// wrapped around every server push, and the payloads of both directions.
//
// Timestamps are epoch milliseconds everywhere. The primary consumer is a
// browser SPA, and Date.now() interop keeps the two sides comparable
// without format negotiation.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Client -> server events.
const (
	EventRegister                = "register"
	EventHeartbeat               = "heartbeat"
	EventMessageAck              = "message_ack"
	EventServerHeartbeatResponse = "server_heartbeat_response"
	EventSyncRequest             = "sync_request"
)

// Server -> client events.
const (
	EventRegistered        = "registered"
	EventRegistrationError = "registration_error"
	EventHeartbeatAck      = "heartbeat_ack"
	EventServerHeartbeat   = "server_heartbeat"
	EventNewMessage        = "new_message"
	EventConnectionUpdate  = "connection_update"
	EventQRCodeUpdate      = "qrcode_update"
	EventSyncComplete      = "sync_complete"
)

// DeliverableEvent reports whether an event name is one the dispatcher may
// push to a client wrapped in an Envelope.
func DeliverableEvent(event string) bool {
	switch event {
	case EventNewMessage, EventConnectionUpdate, EventQRCodeUpdate:
		return true
	}
	return false
}

// Frame is the outermost wire unit. Data holds the event-specific payload
// and is left raw on the inbound path so handlers can decode it into the
// right type after routing on Event.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a Frame for event.
func NewFrame(event string, payload any) (Frame, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshalling %s payload: %w", event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// Envelope wraps every dispatcher push. Timestamp is the server send time,
// not the origination time of the underlying gateway event.
type Envelope struct {
	Payload       json.RawMessage `json:"payload"`
	CorrelationID string          `json:"correlationId"`
	Timestamp     int64           `json:"timestamp"`
	RequiresAck   bool            `json:"requiresAck"`
}

// Register is the payload of the register event.
type Register struct {
	UserID string `json:"userId"`
}

// Registered acknowledges a successful registration.
type Registered struct {
	UserID        string `json:"userId"`
	SocketID      string `json:"socketId"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`
}

// RegistrationError rejects a registration attempt. The transport stays
// open; the client may retry with a corrected identity.
type RegistrationError struct {
	Error         string `json:"error"`
	CorrelationID string `json:"correlationId"`
}

// Heartbeat is the client-initiated liveness probe.
type Heartbeat struct {
	Timestamp int64 `json:"timestamp"`
}

// HeartbeatAck is the server's immediate reply to a Heartbeat.
type HeartbeatAck struct {
	Timestamp int64 `json:"timestamp"`
}

// ServerHeartbeat is the server-initiated half of the bidirectional probe.
type ServerHeartbeat struct {
	Timestamp int64  `json:"timestamp"`
	ServerID  string `json:"serverId"`
}

// ServerHeartbeatResponse echoes a ServerHeartbeat back with the client's
// own clock, letting the server log round-trip skew.
type ServerHeartbeatResponse struct {
	ServerTimestamp int64  `json:"serverTimestamp"`
	ClientTimestamp int64  `json:"clientTimestamp"`
	ServerID        string `json:"serverId"`
}

// MessageAck acknowledges one delivered message envelope.
type MessageAck struct {
	MessageID     string `json:"messageId"`
	CorrelationID string `json:"correlationId"`
	Timestamp     int64  `json:"timestamp"`
}

// SyncRequest asks the server to replay events missed while disconnected.
// LastSyncTimestamp of zero means "everything you still have".
type SyncRequest struct {
	UserID            string `json:"userId"`
	LastSyncTimestamp int64  `json:"lastSyncTimestamp,omitempty"`
	CorrelationID     string `json:"correlationId"`
	Timestamp         int64  `json:"timestamp"`
}

// SyncEvent is one replayed entry in a SyncComplete response: the original
// event name plus the envelope that was (or would have been) delivered.
type SyncEvent struct {
	Event    string   `json:"event"`
	Envelope Envelope `json:"envelope"`
}

// SyncComplete answers a SyncRequest.
type SyncComplete struct {
	Success       bool        `json:"success"`
	Conversations []SyncEvent `json:"conversations,omitempty"`
	TotalFound    int         `json:"totalFound"`
	SyncTimestamp int64       `json:"syncTimestamp"`
	CorrelationID string      `json:"correlationId,omitempty"`
	Error         string      `json:"error,omitempty"`
}

// NewMessage is the payload carried by new_message envelopes.
type NewMessage struct {
	ConversationID string `json:"conversationId"`
	ContactID      string `json:"contactId"`
	ContactName    string `json:"contactName"`
	ContactPhone   string `json:"contactPhone"`
	MessageID      string `json:"messageId"`
	Content        string `json:"content"`
	MessageType    string `json:"messageType"`
	Timestamp      int64  `json:"timestamp"`
}

// ConnectionUpdate is the payload carried by connection_update envelopes.
// Status reflects the upstream WhatsApp instance state (open, connecting,
// close, refused), passed through untouched.
type ConnectionUpdate struct {
	InstanceName string          `json:"instanceName"`
	Status       string          `json:"status"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// QRCodeUpdate is the payload carried by qrcode_update envelopes.
type QRCodeUpdate struct {
	InstanceName string `json:"instanceName"`
	QRCode       string `json:"qrcode"`
}

// NowMillis returns the current time as epoch milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
