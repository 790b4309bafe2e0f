package presence

import (
	"sort"
	"sync"
)

// Sink accepts outbound frames for one live connection. Send must not block; it reports false
// when the frame was dropped.
type Sink interface {
	Send(frame []byte) bool
}

// Registry maps user identities to their live connections and connections to joined room channels.
// All state sits behind one lock so a fan-out never sees a half-registered or half-removed user.
type Registry struct {
	mu          sync.RWMutex
	connections map[string]map[string]Sink
	rooms       map[string]map[string]Sink
	joined      map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		connections: make(map[string]map[string]Sink),
		rooms:       make(map[string]map[string]Sink),
		joined:      make(map[string]map[string]struct{}),
	}
}

// Add registers connectionID under userID and reports whether the user just came online.
func (r *Registry) Add(userID, connectionID string, sink Sink) bool {
	if userID == "" || connectionID == "" || sink == nil {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	userConnections, ok := r.connections[userID]
	if !ok {
		userConnections = make(map[string]Sink)
		r.connections[userID] = userConnections
	}
	userConnections[connectionID] = sink
	return !ok
}

// Remove drops connectionID and every room channel it joined. It reports whether the user just
// went offline; removing an unknown connection reports false.
func (r *Registry) Remove(userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.joined[connectionID] {
		r.leaveLocked(roomID, connectionID)
	}
	delete(r.joined, connectionID)

	userConnections, ok := r.connections[userID]
	if !ok {
		return false
	}
	if _, registered := userConnections[connectionID]; !registered {
		return false
	}
	delete(userConnections, connectionID)
	if len(userConnections) > 0 {
		return false
	}
	delete(r.connections, userID)
	return true
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.connections[userID]) > 0
}

// Connections returns a copy of the user's live sinks.
func (r *Registry) Connections(userID string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	userConnections := r.connections[userID]
	sinks := make([]Sink, 0, len(userConnections))
	for _, sink := range userConnections {
		sinks = append(sinks, sink)
	}
	return sinks
}

// Online filters userIDs down to those with at least one live connection, sorted.
func (r *Registry) Online(userIDs []string) []string {
	r.mu.RLock()
	online := make([]string, 0, len(userIDs))
	seen := make(map[string]struct{}, len(userIDs))
	for _, userID := range userIDs {
		if _, dup := seen[userID]; dup {
			continue
		}
		seen[userID] = struct{}{}
		if len(r.connections[userID]) > 0 {
			online = append(online, userID)
		}
	}
	r.mu.RUnlock()
	sort.Strings(online)
	return online
}

// SendToUser pushes frame to every live connection of userID and returns how many accepted it.
func (r *Registry) SendToUser(userID string, frame []byte) int {
	return deliver(r.Connections(userID), frame)
}

// JoinRoom subscribes a registered connection to roomID's channel. Unknown connections are ignored.
func (r *Registry) JoinRoom(roomID, userID, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	sink, ok := r.connections[userID][connectionID]
	if !ok || roomID == "" {
		return false
	}
	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Sink)
		r.rooms[roomID] = members
	}
	members[connectionID] = sink
	rooms, ok := r.joined[connectionID]
	if !ok {
		rooms = make(map[string]struct{})
		r.joined[connectionID] = rooms
	}
	rooms[roomID] = struct{}{}
	return true
}

func (r *Registry) LeaveRoom(roomID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(roomID, connectionID)
	if rooms := r.joined[connectionID]; rooms != nil {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(r.joined, connectionID)
		}
	}
}

func (r *Registry) leaveLocked(roomID, connectionID string) {
	members := r.rooms[roomID]
	if members == nil {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}
}

// RoomMembers returns a copy of the sinks joined to roomID.
func (r *Registry) RoomMembers(roomID string) []Sink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[roomID]
	sinks := make([]Sink, 0, len(members))
	for _, sink := range members {
		sinks = append(sinks, sink)
	}
	return sinks
}

// SendToRoom pushes frame to every connection joined to roomID.
func (r *Registry) SendToRoom(roomID string, frame []byte) int {
	return deliver(r.RoomMembers(roomID), frame)
}

// Counts reports the number of online users and live connections.
func (r *Registry) Counts() (users int, connections int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, userConnections := range r.connections {
		connections += len(userConnections)
	}
	return len(r.connections), connections
}

func deliver(sinks []Sink, frame []byte) int {
	delivered := 0
	for _, sink := range sinks {
		if sink.Send(frame) {
			delivered++
		}
	}
	return delivered
}
