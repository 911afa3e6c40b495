package registry

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	ErrDuplicateSession = errors.New("session already registered for call")
	ErrNotFound         = errors.New("session not found")
)

// Session is the registry's view of a live relay session. Teardown must be
// idempotent: the janitor invokes it on entries it evicts, and the session's
// own close path invokes it too.
type Session interface {
	CallID() string
	CreatedAt() time.Time
	Teardown(reason string)
}

// Registry is the process-wide table of live sessions keyed by call identifier.
// It is owned by the composition root and passed by handle; there is no
// package-level instance.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Session
	onExpire func(Session)
}

func New() *Registry {
	return &Registry{sessions: make(map[string]Session)}
}

// SetExpireHook installs a callback invoked for every session the janitor
// evicts, after its teardown has been triggered. Used for metrics.
func (r *Registry) SetExpireHook(hook func(Session)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExpire = hook
}

// Insert registers a session under its call identifier. A second insert for
// the same call fails rather than clobbering the live entry.
func (r *Registry) Insert(s Session) error {
	return r.InsertKeyed(s.CallID(), s)
}

// InsertKeyed registers a session under an explicit key. Sessions whose call
// identifier is not yet known register under a provisional key at creation so
// the eviction sweep sees them, then Rekey once the identifier arrives.
func (r *Registry) InsertKeyed(key string, s Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[key]; exists {
		return ErrDuplicateSession
	}
	r.sessions[key] = s
	return nil
}

// Rekey moves the entry at oldKey to newKey. When newKey is already taken the
// move fails with ErrDuplicateSession and the oldKey entry stays in place, so
// the losing session's teardown still finds its own entry to remove.
func (r *Registry) Rekey(oldKey, newKey string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[newKey]; exists {
		return ErrDuplicateSession
	}
	s, ok := r.sessions[oldKey]
	if !ok {
		return ErrNotFound
	}
	delete(r.sessions, oldKey)
	r.sessions[newKey] = s
	return nil
}

func (r *Registry) Lookup(callID string) (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Remove drops the entry for callID. Removing an absent entry is a no-op so
// concurrent teardown paths can all call it.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, callID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// SweepExpired returns the sessions older than maxAge that are still present.
// It does not release anything itself; resource release stays with each
// session's teardown path regardless of what triggered it.
func (r *Registry) SweepExpired(maxAge time.Duration) []Session {
	cutoff := time.Now().Add(-maxAge)

	r.mu.RLock()
	defer r.mu.RUnlock()
	var expired []Session
	for _, s := range r.sessions {
		if s.CreatedAt().Before(cutoff) {
			expired = append(expired, s)
		}
	}
	return expired
}

// StartJanitor runs the eviction sweep on a fixed interval until ctx is done.
// Evicted sessions are torn down exactly as if their sockets had closed.
func (r *Registry) StartJanitor(ctx context.Context, interval, maxAge time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.evictExpired(maxAge)
			}
		}
	}()
}

func (r *Registry) evictExpired(maxAge time.Duration) {
	expired := r.SweepExpired(maxAge)

	r.mu.RLock()
	hook := r.onExpire
	r.mu.RUnlock()

	for _, s := range expired {
		s.Teardown("stale session evicted")
		if hook != nil {
			hook(s)
		}
	}
}
