// Package registry binds user identities to live transport sessions and
// keeps the process-wide delivery counters.
package registry

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Registry maps each user identity to at most one live session. It is an
// injected service with explicit lifecycle, not ambient state, so tests
// construct fresh instances.
type Registry struct {
	mu     sync.RWMutex
	logger *slog.Logger
	byUser map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With(slog.String("component", "registry")),
		byUser: make(map[string]*Session),
	}
}

// Register binds userID to session, evicting any previous binding. The
// prior session's transport is not closed or notified; it is merely
// unbound and will fail its own compare-and-delete on disconnect. An
// empty userID fails fast with no state mutation.
func (r *Registry) Register(userID string, session *Session) error {
	if userID == "" {
		return fmt.Errorf("registering session %s: empty userId", session.ID())
	}

	session.bind(userID)

	r.mu.Lock()
	prev, evicting := r.byUser[userID]
	r.byUser[userID] = session
	r.mu.Unlock()

	if evicting {
		r.logger.Warn("user re-registered, previous session unbound",
			slog.String("user_id", userID),
			slog.String("session_id", session.ID()),
			slog.String("previous_session_id", prev.ID()),
		)
	} else {
		r.logger.Info("user registered",
			slog.String("user_id", userID),
			slog.String("session_id", session.ID()),
		)
	}

	return nil
}

// UnregisterSession removes the binding for userID only if it still points
// at sessionID. A session orphaned by re-registration therefore cannot
// evict its replacement when its transport finally dies. Returns whether a
// binding was removed.
func (r *Registry) UnregisterSession(userID, sessionID string) bool {
	r.mu.Lock()
	current, ok := r.byUser[userID]
	if !ok || current.ID() != sessionID {
		r.mu.Unlock()
		return false
	}
	delete(r.byUser, userID)
	r.mu.Unlock()

	r.logger.Info("user unregistered",
		slog.String("user_id", userID),
		slog.String("session_id", sessionID),
		slog.Duration("session_duration", time.Since(current.connectedAt)),
	)

	return true
}

// Lookup resolves the live session for userID.
func (r *Registry) Lookup(userID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.byUser[userID]

	return s, ok
}

// Len returns the number of bound sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.byUser)
}

// Snapshot returns session views sorted by user for the debug endpoints.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	infos := make([]SessionInfo, 0, len(r.byUser))
	for _, s := range r.byUser {
		infos = append(infos, s.Info())
	}
	r.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })

	return infos
}
