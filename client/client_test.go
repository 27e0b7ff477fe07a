package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	relayerrors "github.com/zapdesk/realtime/internal/errors"
	"github.com/zapdesk/realtime/internal/protocol"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// newTestClient creates a client with the mock connection injected,
// suitable for driving handleInbound and the handshake directly.
func newTestClient(t *testing.T, conn wsConn) *Client {
	t.Helper()

	c := New(Config{URL: "ws://relay.test/ws", UserID: "u1"}, quietLogger)
	c.conn = conn

	return c
}

// deliveryFrame builds the wire bytes of an envelope-wrapped push.
func deliveryFrame(t *testing.T, event, correlationID string, ts int64, requiresAck bool, payload any) []byte {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	frame, err := protocol.NewFrame(event, protocol.Envelope{
		Payload:       raw,
		CorrelationID: correlationID,
		Timestamp:     ts,
		RequiresAck:   requiresAck,
	})
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	return data
}

func frameBytes(t *testing.T, event string, payload any) []byte {
	t.Helper()

	frame, err := protocol.NewFrame(event, payload)
	require.NoError(t, err)

	data, err := json.Marshal(frame)
	require.NoError(t, err)

	return data
}

// --- RequestSync ---

func TestRequestSync_NotConnected(t *testing.T) {
	c := newTestClient(t, nil)

	correlationID, ok := c.RequestSync(0)
	assert.False(t, ok)
	assert.Empty(t, correlationID)
	assert.Empty(t, c.opCh)
}

func TestRequestSync_Connected(t *testing.T) {
	c := newTestClient(t, nil)
	c.setConnected(true)

	correlationID, ok := c.RequestSync(123)
	require.True(t, ok)
	require.NotEmpty(t, correlationID)

	frame := <-c.opCh
	assert.Equal(t, protocol.EventSyncRequest, frame.Event)

	var req protocol.SyncRequest
	require.NoError(t, json.Unmarshal(frame.Data, &req))
	assert.Equal(t, "u1", req.UserID)
	assert.Equal(t, int64(123), req.LastSyncTimestamp)
	assert.Equal(t, correlationID, req.CorrelationID)
}

func TestRequestSync_DefaultsToNewestObservedTimestamp(t *testing.T) {
	c := newTestClient(t, nil)
	c.setConnected(true)
	c.noteServerTimestamp(555)

	_, ok := c.RequestSync(0)
	require.True(t, ok)

	frame := <-c.opCh

	var req protocol.SyncRequest
	require.NoError(t, json.Unmarshal(frame.Data, &req))
	assert.Equal(t, int64(555), req.LastSyncTimestamp)
}

// --- deduplication ---

func TestHandleNewMessage_ExactlyOnceWithSingleAck(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)

	var delivered []protocol.NewMessage
	c.SetOnNewMessage(func(msg protocol.NewMessage) {
		delivered = append(delivered, msg)
	})

	var ack protocol.MessageAck
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, data []byte) error {
			var frame protocol.Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			require.Equal(t, protocol.EventMessageAck, frame.Event)
			require.NoError(t, json.Unmarshal(frame.Data, &ack))
			return nil
		}).Times(1)

	data := deliveryFrame(t, protocol.EventNewMessage, "corr-1", 1000, true, protocol.NewMessage{
		MessageID: "m1",
		Content:   "hi",
	})

	require.NoError(t, c.handleInbound(context.Background(), data))
	require.NoError(t, c.handleInbound(context.Background(), data))

	require.Len(t, delivered, 1)
	assert.Equal(t, "hi", delivered[0].Content)
	assert.Equal(t, "m1", ack.MessageID)
	assert.Equal(t, "corr-1", ack.CorrelationID)
}

func TestHandleNewMessage_NoAckWhenNotRequired(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)

	fired := 0
	c.SetOnNewMessage(func(protocol.NewMessage) { fired++ })

	data := deliveryFrame(t, protocol.EventNewMessage, "corr-2", 1000, false, protocol.NewMessage{MessageID: "m2"})

	require.NoError(t, c.handleInbound(context.Background(), data))
	assert.Equal(t, 1, fired)
}

func TestHandleNewMessage_DistinctMessagesBothDelivered(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)

	fired := 0
	c.SetOnNewMessage(func(protocol.NewMessage) { fired++ })
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil).Times(2)

	first := deliveryFrame(t, protocol.EventNewMessage, "c1", 1, true, protocol.NewMessage{MessageID: "m1"})
	second := deliveryFrame(t, protocol.EventNewMessage, "c2", 2, true, protocol.NewMessage{MessageID: "m2"})

	require.NoError(t, c.handleInbound(context.Background(), first))
	require.NoError(t, c.handleInbound(context.Background(), second))
	assert.Equal(t, 2, fired)
}

// --- envelope events ---

func TestHandleConnectionUpdate_AcksWithoutMessageID(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)

	var got protocol.ConnectionUpdate
	c.SetOnConnectionUpdate(func(update protocol.ConnectionUpdate) { got = update })

	var ack protocol.MessageAck
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, data []byte) error {
			var frame protocol.Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			require.NoError(t, json.Unmarshal(frame.Data, &ack))
			return nil
		})

	data := deliveryFrame(t, protocol.EventConnectionUpdate, "corr-9", 50, true, protocol.ConnectionUpdate{
		InstanceName: "main",
		Status:       "open",
	})

	require.NoError(t, c.handleInbound(context.Background(), data))
	assert.Equal(t, "open", got.Status)
	assert.Empty(t, ack.MessageID)
	assert.Equal(t, "corr-9", ack.CorrelationID)
}

func TestHandleQRCodeUpdate(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)

	var got protocol.QRCodeUpdate
	c.SetOnQRCodeUpdate(func(update protocol.QRCodeUpdate) { got = update })
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)

	data := deliveryFrame(t, protocol.EventQRCodeUpdate, "corr-q", 60, true, protocol.QRCodeUpdate{
		InstanceName: "main",
		QRCode:       "qr-data",
	})

	require.NoError(t, c.handleInbound(context.Background(), data))
	assert.Equal(t, "qr-data", got.QRCode)
}

// --- observer registration semantics ---

func TestCallbackRegistration_LatestWins(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil)

	firstFired := false
	secondFired := false
	c.SetOnNewMessage(func(protocol.NewMessage) { firstFired = true })
	c.SetOnNewMessage(func(protocol.NewMessage) { secondFired = true })

	data := deliveryFrame(t, protocol.EventNewMessage, "c3", 3, true, protocol.NewMessage{MessageID: "m3"})
	require.NoError(t, c.handleInbound(context.Background(), data))

	assert.False(t, firstFired)
	assert.True(t, secondFired)
}

// --- heartbeats ---

func TestHeartbeatAck_SetsQualityGood(t *testing.T) {
	c := newTestClient(t, nil)
	require.Equal(t, QualityDisconnected, c.ConnectionQuality())

	data := frameBytes(t, protocol.EventHeartbeatAck, protocol.HeartbeatAck{Timestamp: protocol.NowMillis()})
	require.NoError(t, c.handleInbound(context.Background(), data))

	assert.Equal(t, QualityGood, c.ConnectionQuality())
}

func TestServerHeartbeat_EchoesTimestampsAndServerID(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, mock)

	var resp protocol.ServerHeartbeatResponse
	mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
		DoAndReturn(func(_ context.Context, _ websocket.MessageType, data []byte) error {
			var frame protocol.Frame
			require.NoError(t, json.Unmarshal(data, &frame))
			require.Equal(t, protocol.EventServerHeartbeatResponse, frame.Event)
			require.NoError(t, json.Unmarshal(frame.Data, &resp))
			return nil
		})

	data := frameBytes(t, protocol.EventServerHeartbeat, protocol.ServerHeartbeat{
		Timestamp: 7777,
		ServerID:  "relay-1",
	})
	require.NoError(t, c.handleInbound(context.Background(), data))

	assert.Equal(t, int64(7777), resp.ServerTimestamp)
	assert.Equal(t, "relay-1", resp.ServerID)
	assert.NotZero(t, resp.ClientTimestamp)
	assert.Equal(t, QualityGood, c.ConnectionQuality())
}

// --- sync completion ---

func TestSyncComplete_AdvancesCursorAndNotifies(t *testing.T) {
	c := newTestClient(t, nil)

	var got protocol.SyncComplete
	c.SetOnSyncComplete(func(sync protocol.SyncComplete) { got = sync })

	data := frameBytes(t, protocol.EventSyncComplete, protocol.SyncComplete{
		Success:       true,
		TotalFound:    2,
		SyncTimestamp: 9000,
	})
	require.NoError(t, c.handleInbound(context.Background(), data))

	assert.True(t, got.Success)
	assert.Equal(t, 2, got.TotalFound)
	assert.Equal(t, int64(9000), c.LastSyncTimestamp())
}

// --- handshake ---

func TestHandshake_Success(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, nil)

	registered := frameBytes(t, protocol.EventRegistered, protocol.Registered{
		UserID:        "u1",
		SocketID:      "sock-1",
		CorrelationID: "corr-r",
		Timestamp:     protocol.NowMillis(),
	})

	var sent protocol.Register
	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).
			DoAndReturn(func(_ context.Context, _ websocket.MessageType, data []byte) error {
				var frame protocol.Frame
				require.NoError(t, json.Unmarshal(data, &frame))
				require.Equal(t, protocol.EventRegister, frame.Event)
				require.NoError(t, json.Unmarshal(frame.Data, &sent))
				return nil
			}),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, registered, nil),
	)

	require.NoError(t, c.handshake(context.Background(), mock))
	assert.Equal(t, "u1", sent.UserID)
	assert.Equal(t, "sock-1", c.SocketID())
}

func TestHandshake_SkipsUnrelatedFramesBeforeAck(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, nil)

	heartbeat := frameBytes(t, protocol.EventServerHeartbeat, protocol.ServerHeartbeat{Timestamp: 1})
	registered := frameBytes(t, protocol.EventRegistered, protocol.Registered{UserID: "u1", SocketID: "sock-2"})

	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, heartbeat, nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, registered, nil),
	)

	require.NoError(t, c.handshake(context.Background(), mock))
	assert.Equal(t, "sock-2", c.SocketID())
}

func TestHandshake_Rejected(t *testing.T) {
	ctrl := gomock.NewController(t)
	mock := NewMockWSConn(ctrl)
	c := newTestClient(t, nil)

	rejection := frameBytes(t, protocol.EventRegistrationError, protocol.RegistrationError{
		Error:         "userId is required",
		CorrelationID: "corr-e",
	})

	gomock.InOrder(
		mock.EXPECT().Write(gomock.Any(), websocket.MessageText, gomock.Any()).Return(nil),
		mock.EXPECT().Read(gomock.Any()).Return(websocket.MessageText, rejection, nil),
		mock.EXPECT().Close(websocket.StatusNormalClosure, "registration rejected").Return(nil),
	)

	err := c.handshake(context.Background(), mock)
	require.Error(t, err)
	assert.ErrorIs(t, err, relayerrors.ErrRegistrationRejected)
	assert.ErrorContains(t, err, "userId is required")
}
