package realtime

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"go-converse/internal/metrics"
)

// Envelope is the named-event frame pushed to clients.
type Envelope struct {
	Event   string `json:"event"`
	Payload any    `json:"payload"`
}

// Router groups live connections into per-conversation broadcast sets and
// performs targeted or room-wide push with sender exclusion. It translates
// persisted membership into delivery and nothing more: it never drives
// persistence, and an unreachable member is silently skipped.
type Router struct {
	registry *Registry

	mu        sync.RWMutex
	rooms     map[int]map[*Conn]struct{} // conversationID -> connections
	connRooms map[*Conn]map[int]struct{} // connection -> conversationIDs
}

func NewRouter(registry *Registry) *Router {
	return &Router{
		registry:  registry,
		rooms:     make(map[int]map[*Conn]struct{}),
		connRooms: make(map[*Conn]map[int]struct{}),
	}
}

// AddToRoom places the user's current connection into the conversation's
// room. A user with no live connection is a deferred no-op; they pick the
// room back up when they reconnect and refetch the conversation.
func (r *Router) AddToRoom(userID, conversationID int) {
	conn, ok := r.registry.Resolve(userID)
	if !ok {
		return
	}

	r.mu.Lock()
	room := r.rooms[conversationID]
	if room == nil {
		room = make(map[*Conn]struct{})
		r.rooms[conversationID] = room
	}
	room[conn] = struct{}{}

	memberships := r.connRooms[conn]
	if memberships == nil {
		memberships = make(map[int]struct{})
		r.connRooms[conn] = memberships
	}
	memberships[conversationID] = struct{}{}
	r.mu.Unlock()
}

// RemoveFromRoom takes the user's current connection out of the room, no-op
// when the user is offline or was never in it.
func (r *Router) RemoveFromRoom(userID, conversationID int) {
	conn, ok := r.registry.Resolve(userID)
	if !ok {
		return
	}
	r.mu.Lock()
	r.leaveLocked(conn, conversationID)
	r.mu.Unlock()
}

// Disconnect removes a dead connection from every room it occupies. The
// websocket handler calls this when the read pump exits so rooms never
// accumulate unreachable handles.
func (r *Router) Disconnect(conn *Conn) {
	r.mu.Lock()
	for conversationID := range r.connRooms[conn] {
		room := r.rooms[conversationID]
		delete(room, conn)
		if len(room) == 0 {
			delete(r.rooms, conversationID)
		}
	}
	delete(r.connRooms, conn)
	r.mu.Unlock()
}

// BroadcastToRoom pushes event/payload to every connection in the room except
// the one currently resolved for excludeUserID. Exclusion compares connection
// identity, not user ids, so only the actor's own live handle is skipped.
// Delivery is best-effort per connection.
func (r *Router) BroadcastToRoom(conversationID int, event string, payload any, excludeUserID int) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal broadcast")
		return
	}
	exclude, _ := r.registry.Resolve(excludeUserID)

	r.mu.RLock()
	conns := make([]*Conn, 0, len(r.rooms[conversationID]))
	for conn := range r.rooms[conversationID] {
		if conn == exclude {
			continue
		}
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	r.deliver(conns, data)
}

// BroadcastToParticipants resolves each user id and pushes directly to that
// explicit set, skipping offline users and the excluded user's connection.
// Used when the room has not yet been reconciled with a freshly changed
// participant list, e.g. right after conversation creation.
func (r *Router) BroadcastToParticipants(userIDs []int, event string, payload any, excludeUserID int) {
	data, err := json.Marshal(Envelope{Event: event, Payload: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("marshal broadcast")
		return
	}
	exclude, _ := r.registry.Resolve(excludeUserID)

	conns := make([]*Conn, 0, len(userIDs))
	for _, id := range userIDs {
		conn, ok := r.registry.Resolve(id)
		if !ok || conn == exclude {
			continue
		}
		conns = append(conns, conn)
	}

	r.deliver(conns, data)
}

func (r *Router) deliver(conns []*Conn, data []byte) {
	for _, conn := range conns {
		// A connection that died between snapshot and send is just skipped.
		if err := conn.Send(data); err == nil {
			metrics.BroadcastDeliveries.Inc()
		}
	}
}

func (r *Router) leaveLocked(conn *Conn, conversationID int) {
	room := r.rooms[conversationID]
	delete(room, conn)
	if len(room) == 0 {
		delete(r.rooms, conversationID)
	}
	if memberships, ok := r.connRooms[conn]; ok {
		delete(memberships, conversationID)
		if len(memberships) == 0 {
			delete(r.connRooms, conn)
		}
	}
}
