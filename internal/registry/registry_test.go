package registry

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	relayerrors "github.com/zapdesk/realtime/internal/errors"
	"github.com/zapdesk/realtime/internal/protocol"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestRegister_BindsUserToSession(t *testing.T) {
	r := NewRegistry(quietLogger)
	s := NewSession(4)

	require.NoError(t, r.Register("u1", s))

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, s, got)
	assert.Equal(t, "u1", s.UserID())
	assert.Equal(t, 1, r.Len())
}

func TestRegister_EmptyUserIDFails(t *testing.T) {
	r := NewRegistry(quietLogger)

	err := r.Register("", NewSession(4))

	require.Error(t, err)
	assert.Zero(t, r.Len())
}

func TestRegister_ReplacementEvictsPreviousBinding(t *testing.T) {
	r := NewRegistry(quietLogger)
	first := NewSession(4)
	second := NewSession(4)

	require.NoError(t, r.Register("u1", first))
	require.NoError(t, r.Register("u1", second))

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, got)
	assert.Equal(t, 1, r.Len())
}

func TestUnregisterSession_CompareAndDelete(t *testing.T) {
	r := NewRegistry(quietLogger)
	first := NewSession(4)
	second := NewSession(4)

	require.NoError(t, r.Register("u1", first))
	require.NoError(t, r.Register("u1", second))

	// The orphaned session's late disconnect must not evict its
	// replacement.
	assert.False(t, r.UnregisterSession("u1", first.ID()))
	_, ok := r.Lookup("u1")
	assert.True(t, ok)

	assert.True(t, r.UnregisterSession("u1", second.ID()))
	_, ok = r.Lookup("u1")
	assert.False(t, ok)
}

func TestUnregisterSession_UnknownUser(t *testing.T) {
	r := NewRegistry(quietLogger)

	assert.False(t, r.UnregisterSession("ghost", "whatever"))
}

func TestSnapshot_SortedByUser(t *testing.T) {
	r := NewRegistry(quietLogger)
	require.NoError(t, r.Register("bob", NewSession(4)))
	require.NoError(t, r.Register("alice", NewSession(4)))

	infos := r.Snapshot()

	require.Len(t, infos, 2)
	assert.Equal(t, "alice", infos[0].UserID)
	assert.Equal(t, "bob", infos[1].UserID)
	assert.Equal(t, "connected", infos[0].Status)
}

func TestSession_SendQueuesUntilFull(t *testing.T) {
	s := NewSession(2)
	frame := protocol.Frame{Event: protocol.EventNewMessage}

	require.NoError(t, s.Send(frame))
	require.NoError(t, s.Send(frame))

	err := s.Send(frame)
	assert.ErrorIs(t, err, relayerrors.ErrSessionBufferFull)
}

func TestSession_SendAfterClose(t *testing.T) {
	s := NewSession(2)
	s.Close()
	s.Close() // idempotent

	err := s.Send(protocol.Frame{Event: protocol.EventNewMessage})
	assert.ErrorIs(t, err, relayerrors.ErrNotConnected)
}

func TestSession_InfoCounters(t *testing.T) {
	s := NewSession(2)
	s.bind("u1")

	s.TouchRecv()
	s.TouchRecv()
	s.NoteSent()

	info := s.Info()
	assert.Equal(t, "u1", info.UserID)
	assert.Equal(t, s.ID(), info.SessionID)
	assert.Equal(t, int64(2), info.MessagesReceived)
	assert.Equal(t, int64(1), info.MessagesSent)
	assert.NotZero(t, info.LastActivityAt)
}

func TestStats_Snapshot(t *testing.T) {
	st := NewStats()
	st.AddSent()
	st.AddSent()
	st.AddDelivered()
	st.AddFailed()
	st.AddAcknowledged()

	snap := st.Snapshot()
	assert.Equal(t, int64(2), snap.Sent)
	assert.Equal(t, int64(1), snap.Delivered)
	assert.Equal(t, int64(1), snap.Failed)
	assert.Equal(t, int64(1), snap.Acknowledged)
}
