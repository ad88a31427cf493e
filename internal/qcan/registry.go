package qcan

import (
	"bytes"
	"errors"
	"net"
	"sync"
)

// ErrTooManyClients is returned by Registry.Append once MaxSessions
// sessions are already registered.
var ErrTooManyClients = errors.New("qcan: too many clients")

// Session is one accepted TCP connection plus its read-accumulation
// buffer. Its index in the Registry at dispatch time is its source id.
type Session struct {
	Conn net.Conn
	acc  bytes.Buffer
}

func newSession(conn net.Conn) *Session {
	return &Session{Conn: conn}
}

// Registry is the ordered, mutex-protected collection of active
// sessions for one network. Unlike a map-keyed client set, it must
// preserve insertion order so an index can serve as a stable-within-a-
// dispatch-pass source id.
type Registry struct {
	mu       sync.Mutex
	sessions []*Session
	maxSize  int
}

// NewRegistry creates a Registry that rejects appends past maxSessions.
func NewRegistry(maxSessions int) *Registry {
	return &Registry{maxSize: maxSessions}
}

// Append adds a session under lock and returns its index, or
// ErrTooManyClients if the registry is already at capacity.
func (r *Registry) Append(s *Session) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.AppendLocked(s)
}

// AppendLocked is Append for a caller already holding the registry
// lock via Lock/Unlock, so the capacity check and slice append happen
// atomically with whatever else the caller does under that lock (e.g.
// writing a new session's connection preamble before it becomes
// fan-out eligible).
func (r *Registry) AppendLocked(s *Session) (int, error) {
	if len(r.sessions) >= r.maxSize {
		return -1, ErrTooManyClients
	}
	r.sessions = append(r.sessions, s)
	return len(r.sessions) - 1, nil
}

// Remove excises a session by identity under lock. Subsequent
// sessions' indices shift down by one; this is safe because indices
// are only meaningful within a single dispatch pass.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.RemoveLocked(s)
}

// RemoveLocked is Remove for a caller already holding the registry lock.
func (r *Registry) RemoveLocked(s *Session) {
	for i, x := range r.sessions {
		if x == s {
			r.sessions = append(r.sessions[:i:i], r.sessions[i+1:]...)
			return
		}
	}
}

// Len returns the current number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Lock acquires the registry mutex for a dispatch pass. The caller
// must call Unlock when done. While held, index-order iteration over
// the sessions is stable; Append, Remove, Len and Snapshot take the
// same mutex and must not be called until Unlock.
func (r *Registry) Lock()   { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// Sessions returns the live backing slice. Callers must hold the
// registry lock (via Lock/Unlock) for the duration of use; this is the
// one exception to "never hand a bare reference out of the lock" and
// exists only for the dispatcher's single-threaded dispatch pass.
func (r *Registry) Sessions() []*Session { return r.sessions }

// Snapshot returns a lock-free copy of the current sessions, safe to
// range over without holding the registry mutex (used by callers that
// only need a point-in-time view, e.g. capacity checks in tests).
func (r *Registry) Snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, len(r.sessions))
	copy(out, r.sessions)
	return out
}
