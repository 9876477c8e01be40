package internal

import "sync"

// Hub is the room registry: the source of truth for which rooms exist and
// which connections belong to them.
type Hub struct {
	mutex sync.RWMutex
	rooms map[string]*Room
}

// NewHub builds an empty hub ready to admit connections.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]*Room)}
}

// Exists reports whether a room is currently live, without creating it.
func (hub *Hub) Exists(key string) bool {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	_, ok := hub.rooms[key]
	return ok
}

// Admit places the client in its room, creating the room and starting its
// dispatch loop on first join. Registration is synchronous under the hub
// mutex, so an admission can never race a dying room's teardown: a key
// either resolves to a live room or gets a fresh one.
func (hub *Hub) Admit(key string, client *Client) *Room {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room, exists := hub.rooms[key]
	if !exists {
		room = newRoom(key)
		hub.rooms[key] = room
		go room.run()
	}
	client.room = room
	room.addClient(client)
	return room
}

// Release takes the client out of its room. The last member out also removes
// the room from the registry and stops its dispatch loop. The instance check
// keeps a late release from tearing down a successor room that reused the key.
func (hub *Hub) Release(client *Client) {
	room := client.room
	if room == nil {
		return
	}
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	room.removeClient(client)
	if hub.rooms[room.key] == room && room.size() == 0 {
		delete(hub.rooms, room.key)
		room.stop()
	}
}

// getRoom retrieves a room by key (may return nil).
func (hub *Hub) getRoom(key string) *Room {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return hub.rooms[key]
}

// RoomCount reports how many rooms are live. Used by the metrics endpoint.
func (hub *Hub) RoomCount() int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.rooms)
}
