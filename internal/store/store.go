// Package store persists delivered envelopes so sync_request can replay
// what a client missed while disconnected. One bbolt bucket per user,
// keyed by send timestamp, pruned to a retention window.
package store

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zapdesk/realtime/internal/protocol"
)

const (
	// storeFilePerm is the permission mode for the event log file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt file lock.
	storeOpenTimeout = 5 * time.Second

	// keyLen is timestamp (8 bytes) plus correlation ID suffix to keep
	// same-millisecond events distinct.
	tsLen = 8
)

func userBucket(userID string) []byte {
	return []byte("events:" + userID)
}

// EventLog is the append-only per-user event history.
type EventLog struct {
	db        *bolt.DB
	retention time.Duration
	logger    *slog.Logger
}

// Open opens (or creates) the event log at path.
func Open(path string, retention time.Duration, logger *slog.Logger) (*EventLog, error) {
	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening event log: %w", err)
	}

	return &EventLog{
		db:        db,
		retention: retention,
		logger:    logger.With(slog.String("component", "eventlog")),
	}, nil
}

// Close releases the underlying database.
func (l *EventLog) Close() error {
	return l.db.Close()
}

func eventKey(timestamp int64, correlationID string) []byte {
	key := make([]byte, tsLen+len(correlationID))
	binary.BigEndian.PutUint64(key, uint64(timestamp))
	copy(key[tsLen:], correlationID)

	return key
}

// Append records one delivered envelope for userID. Entries older than
// the retention window are pruned in the same transaction, keeping the
// bucket bounded without a separate sweeper.
func (l *EventLog) Append(userID, event string, env protocol.Envelope) error {
	entry := protocol.SyncEvent{Event: event, Envelope: env}

	value, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshalling event log entry: %w", err)
	}

	cutoff := time.Now().Add(-l.retention).UnixMilli()

	err = l.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(userBucket(userID))
		if err != nil {
			return err
		}

		if err := b.Put(eventKey(env.Timestamp, env.CorrelationID), value); err != nil {
			return err
		}

		c := b.Cursor()
		for k, _ := c.First(); k != nil && keyTimestamp(k) < cutoff; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("appending event for user %s: %w", userID, err)
	}

	return nil
}

// EventsSince returns events for userID strictly newer than sinceMillis,
// oldest first. A since of zero returns everything still retained.
func (l *EventLog) EventsSince(userID string, sinceMillis int64) ([]protocol.SyncEvent, error) {
	var events []protocol.SyncEvent

	err := l.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(userBucket(userID))
		if b == nil {
			return nil
		}

		seek := eventKey(sinceMillis+1, "")
		c := b.Cursor()
		for k, v := c.Seek(seek); k != nil; k, v = c.Next() {
			var entry protocol.SyncEvent
			if err := json.Unmarshal(v, &entry); err != nil {
				// A corrupt entry is skipped rather than failing the whole
				// replay; the client falls back to its data layer anyway.
				l.logger.Warn("skipping undecodable event log entry",
					slog.String("user_id", userID),
					slog.String("error", err.Error()),
				)
				continue
			}
			events = append(events, entry)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading events for user %s: %w", userID, err)
	}

	return events, nil
}

func keyTimestamp(key []byte) int64 {
	if len(key) < tsLen {
		return 0
	}

	return int64(binary.BigEndian.Uint64(key[:tsLen]))
}
