package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// NewCorrelationID returns an opaque hex token tagging one logical
// operation across the client/server boundary. Collisions are accepted as
// negligible; the token is a tracing aid, not a key. Falls back to a
// timestamp-derived token if the system entropy source fails.
func NewCorrelationID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return hex.EncodeToString(timeBytes())
	}
	return hex.EncodeToString(b[:])
}

func timeBytes() []byte {
	n := time.Now().UnixNano()
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(n)
		n >>= 8
	}
	return b
}
