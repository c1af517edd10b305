package sessions

import (
	"sync"
	"sync/atomic"
)

// Registry maps live session ids to their Session objects. It is safe for
// arbitrary concurrent use; lookups of established sessions do not contend
// with registration or teardown of unrelated ones.
type Registry struct {
	sessions sync.Map // session id -> *Session
	count    atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a session under its id. The id must not already be live;
// ErrDuplicateSession signals an invariant violation the caller should treat
// as fatal for that connection.
func (r *Registry) Register(sess *Session) error {
	if _, loaded := r.sessions.LoadOrStore(sess.ID(), sess); loaded {
		return ErrDuplicateSession
	}
	r.count.Add(1)
	return nil
}

// Lookup resolves a session id to its live session, or ErrSessionNotFound.
func (r *Registry) Lookup(id string) (*Session, error) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return v.(*Session), nil
}

// Unregister removes a session id. Removing an absent id is a no-op, so
// teardown paths may call it unconditionally.
func (r *Registry) Unregister(id string) {
	if _, loaded := r.sessions.LoadAndDelete(id); loaded {
		r.count.Add(-1)
	}
}

// Len reports the number of registered sessions.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
