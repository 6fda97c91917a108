// Package registry implements the Client Registry: the process-wide,
// concurrent mapping from ClientId to the live tunnel session serving it.
package registry

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/svnoak/yats/fserrors"
	"github.com/svnoak/yats/internal/access"
)

// Session is the tunnel-session surface the registry and, through it, the
// dispatcher depend on. internal/session.Session satisfies this.
type Session interface {
	ClientID() string
	AllowList() access.AllowList
	Enqueue(ctx context.Context, requestID string, payload []byte) error
}

// Registry is a concurrent map from ClientId to its live Session. A single
// read-write lock guards the whole map: lookups run concurrently with each
// other, but any insert or remove briefly blocks lookups of every client.
type Registry struct {
	mu    sync.RWMutex
	byID  map[string]Session
	count atomic.Int64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{byID: make(map[string]Session)}
}

// TryInsert registers sess under its ClientId, succeeding only if no
// session is currently registered for that id. This is the sole
// enforcement point of the "at most one live session per ClientId"
// invariant.
func (r *Registry) TryInsert(sess Session) error {
	id := sess.ClientID()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[id]; exists {
		return fserrors.Wrap(fserrors.StageHandshake, fserrors.CodeClientAlreadyConnected, nil)
	}
	r.byID[id] = sess
	r.count.Add(1)
	return nil
}

// Lookup returns the session registered for clientID, if any.
func (r *Registry) Lookup(clientID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.byID[clientID]
	return sess, ok
}

// Remove deregisters clientID. It is idempotent: removing an absent or
// already-removed id is a no-op. Callers must only remove their own
// session (the owning session, on teardown) to avoid racing a newer
// session registered under the same id.
func (r *Registry) Remove(clientID string, sess Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byID[clientID]; ok && current == sess {
		delete(r.byID, clientID)
		r.count.Add(-1)
	}
}

// Count returns the current number of registered sessions.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// closer is implemented by sessions that can be asked to terminate
// gracefully. internal/session.Session implements it via RequestClose.
type closer interface {
	RequestClose()
}

// CloseAll asks every registered session to terminate, for sessions that
// support it. It does not wait for any session to finish tearing down;
// teardown itself removes the entry from the registry in the usual way.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, sess := range r.byID {
		if c, ok := sess.(closer); ok {
			c.RequestClose()
		}
	}
}
