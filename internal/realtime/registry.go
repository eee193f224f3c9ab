package realtime

import "sync"

// Registry is the process-wide map of which user is currently reachable and
// through which connection. At most one connection per user: registering a
// new one replaces (and closes) the old. It is injected wherever needed so
// tests can run isolated instances; there is no package-level state.
type Registry struct {
	mu    sync.RWMutex
	users map[int]*Conn
}

func NewRegistry() *Registry {
	return &Registry{users: make(map[int]*Conn)}
}

// Register associates conn with its user, last-write-wins. A replaced
// connection is closed so its peer learns the session moved.
func (r *Registry) Register(conn *Conn) {
	r.mu.Lock()
	prev := r.users[conn.UserID]
	r.users[conn.UserID] = conn
	r.mu.Unlock()

	if prev != nil && prev != conn {
		prev.Close(CloseSessionReplaced, "session replaced")
	}
}

// Unregister drops the mapping, but only if it still points at conn: the
// deferred cleanup of a replaced connection must not evict its successor.
// No-op if the user is not registered.
func (r *Registry) Unregister(conn *Conn) {
	r.mu.Lock()
	if cur, ok := r.users[conn.UserID]; ok && cur == conn {
		delete(r.users, conn.UserID)
	}
	r.mu.Unlock()
}

// Resolve returns the live connection for userID, total over all inputs:
// absent simply means the user cannot currently be reached.
func (r *Registry) Resolve(userID int) (*Conn, bool) {
	r.mu.RLock()
	conn, ok := r.users[userID]
	r.mu.RUnlock()
	return conn, ok
}

// OnlineUserIDs snapshots the ids of all currently registered users.
func (r *Registry) OnlineUserIDs() []int {
	r.mu.RLock()
	ids := make([]int, 0, len(r.users))
	for id := range r.users {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	return ids
}
