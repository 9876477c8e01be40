package internal

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outbound is one fan-out unit: a serialized envelope plus the connection it
// came from, which is excluded from delivery.
type outbound struct {
	payload []byte
	origin  *Client
}

// Room holds the live connections for one chat id. Membership changes happen
// synchronously under the room mutex, so the online count attached to
// presence notices always matches the member set; fan-out runs on the room's
// dispatch goroutine until the hub stops it.
type Room struct {
	key       string
	clients   map[*Client]bool
	broadcast chan outbound
	done      chan struct{}
	mutex     sync.RWMutex
}

func newRoom(key string) *Room {
	return &Room{
		key:       key,
		clients:   make(map[*Client]bool),
		broadcast: make(chan outbound, 256),
		done:      make(chan struct{}),
	}
}

func (room *Room) size() int {
	room.mutex.RLock()
	defer room.mutex.RUnlock()
	return len(room.clients)
}

func (room *Room) memberIDs() []string {
	ids := make([]string, 0, len(room.clients))
	for client := range room.clients {
		ids = append(ids, client.id)
	}
	sort.Strings(ids)
	return ids
}

// addClient registers a member and announces the join to the rest of the
// room. Callers hold the hub mutex.
func (room *Room) addClient(client *Client) {
	room.mutex.Lock()
	room.clients[client] = true
	notice := fmt.Sprintf("%s joined, %d online: %s",
		client.id, len(room.clients), strings.Join(room.memberIDs(), ", "))
	room.deliverNotice(client, notice)
	room.mutex.Unlock()
}

// removeClient drops a member, shuts down its send queue and announces the
// departure to whoever remains. Callers hold the hub mutex.
func (room *Room) removeClient(client *Client) {
	room.mutex.Lock()
	if _, exists := room.clients[client]; exists {
		delete(room.clients, client)
		client.shutdown()
		if len(room.clients) > 0 {
			notice := fmt.Sprintf("%s left, %d online: %s",
				client.id, len(room.clients), strings.Join(room.memberIDs(), ", "))
			room.deliverNotice(nil, notice)
		}
	}
	room.mutex.Unlock()
}

// deliver hands a message to the dispatch loop, giving up if the room is
// already stopped.
func (room *Room) deliver(message outbound) {
	select {
	case room.broadcast <- message:
	case <-room.done:
	}
}

// stop ends the dispatch loop. Called exactly once per room instance, by the
// hub, when the last member leaves.
func (room *Room) stop() {
	close(room.done)
}

func (room *Room) run() {
	for {
		select {
		case message := <-room.broadcast:
			room.fanOut(message)
		case <-room.done:
			return
		}
	}
}

// fanOut delivers to everyone but the origin. A client whose send buffer is
// full is shut down and dropped so one slow peer never blocks delivery to
// the others; its connection teardown then releases it from the hub.
func (room *Room) fanOut(message outbound) {
	room.mutex.Lock()
	for client := range room.clients {
		if client == message.origin {
			continue
		}
		if !client.trySend(message.payload) {
			client.shutdown()
			delete(room.clients, client)
		}
	}
	room.mutex.Unlock()
}

// deliverNotice sends a system notice to every member except the one the
// notice is about. Callers hold room.mutex.
func (room *Room) deliverNotice(except *Client, content string) {
	payload, err := json.Marshal(systemEnvelope(room.key, content))
	if err != nil {
		return
	}
	for client := range room.clients {
		if client == except {
			continue
		}
		client.trySend(payload)
	}
}

// Client wraps a single websocket connection, its assigned identity and a
// buffered send queue drained by the write pump.
type Client struct {
	room         *Room
	conn         *websocket.Conn
	send         chan []byte
	id           string
	messageTimes []time.Time
	onDisconnect func()

	sendMu sync.Mutex
	closed bool
}

const (
	writeWait = 10 * time.Second
	// Liveness: a probe every pingPeriod, and a peer that misses one probe
	// cycle hits the read deadline and is terminated.
	pingPeriod      = 30 * time.Second
	pongWait        = 40 * time.Second
	maxMsgSize      = 16 << 20 // images and audio travel inline as data URIs
	rateLimitWindow = 3 * time.Second
	rateLimitBurst  = 5
)

func newClient(conn *websocket.Conn, id string) *Client {
	return &Client{
		conn:         conn,
		send:         make(chan []byte, 256),
		id:           id,
		messageTimes: make([]time.Time, 0, rateLimitBurst),
	}
}

// trySend queues a payload for the write pump. Reports false when the client
// is already shut down or its buffer is full; the payload is dropped.
func (client *Client) trySend(payload []byte) bool {
	client.sendMu.Lock()
	defer client.sendMu.Unlock()
	if client.closed {
		return false
	}
	select {
	case client.send <- payload:
		return true
	default:
		return false
	}
}

// shutdown closes the send queue exactly once. Safe from any goroutine: a
// delivery racing the disconnect becomes a dropped payload, never a send on
// a closed channel.
func (client *Client) shutdown() {
	client.sendMu.Lock()
	if !client.closed {
		client.closed = true
		close(client.send)
	}
	client.sendMu.Unlock()
}

func (client *Client) readPump(hub *Hub, broadcaster *Broadcaster) {
	defer func() {
		hub.Release(client)
		client.conn.Close()
		if client.onDisconnect != nil {
			client.onDisconnect()
		}
	}()
	client.conn.SetReadLimit(maxMsgSize)
	_ = client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		return client.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, payload, err := client.conn.ReadMessage()
		if err != nil {
			// read error or liveness timeout ends the loop so the deferred
			// cleanup can fire.
			break
		}
		now := time.Now()
		if !client.allowMessage(now) {
			client.notifyRateLimit()
			continue
		}
		envelope, err := ParseEnvelope(payload, client.room.key, client.id, now)
		if err != nil {
			// Rejected frames answer the origin only, never the room.
			client.sendEnvelope(errorEnvelope("Invalid message format"))
			continue
		}
		broadcaster.Publish(envelope, client)
	}
}

func (client *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()
	for {
		select {
		case message, ok := <-client.send:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// sendEnvelope queues an envelope for this connection only, dropping it if
// the connection is gone or its send buffer is full.
func (client *Client) sendEnvelope(env Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	client.trySend(payload)
}

func (client *Client) allowMessage(now time.Time) bool {
	cutoff := now.Add(-rateLimitWindow)
	idx := 0
	for _, ts := range client.messageTimes {
		if ts.After(cutoff) {
			client.messageTimes[idx] = ts
			idx++
		}
	}
	client.messageTimes = client.messageTimes[:idx]
	if len(client.messageTimes) >= rateLimitBurst {
		return false
	}
	client.messageTimes = append(client.messageTimes, now)
	return true
}

func (client *Client) notifyRateLimit() {
	client.sendEnvelope(systemEnvelope(client.room.key,
		"You're sending messages too quickly. Please wait a moment and try again."))
}
