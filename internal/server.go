package internal

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"chatrelay/internal/storage"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Rooms are joinable by anyone who knows the id; there is no origin
		// policy to enforce.
		return true
	},
}

// Server ties the room registry, broadcast engine, history store and upload
// manager together behind the HTTP surface.
type Server struct {
	hub          *Hub
	store        *storage.Store
	broadcaster  *Broadcaster
	uploads      *UploadManager
	metrics      *Metrics
	queryLimiter *RateLimiter
	historyPage  int
	uploadDir    string
	log          zerolog.Logger
}

func NewServer(store *storage.Store, uploads *UploadManager, retention *Retention, metrics *Metrics, uploadDir string, historyPage int, log zerolog.Logger) *Server {
	hub := NewHub()
	return &Server{
		hub:          hub,
		store:        store,
		broadcaster:  NewBroadcaster(hub, store, retention, metrics, log),
		uploads:      uploads,
		metrics:      metrics,
		queryLimiter: NewRateLimiter(30, time.Minute),
		historyPage:  historyPage,
		uploadDir:    uploadDir,
		log:          log.With().Str("component", "server").Logger(),
	}
}

// Uploads exposes the upload manager for route registration.
func (s *Server) Uploads() *UploadManager {
	return s.uploads
}

// ServeWS admits a connection into its room: upgrade, identity assignment,
// presence notices and history replay, then the live broadcast stream.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("websocket upgrade")
		return
	}
	roomKey := r.URL.Query().Get("room")
	if roomKey == "" {
		// Policy rejection happens on the websocket itself so the client
		// sees a close code rather than a failed upgrade.
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "room id is required"),
			time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	identity := DeriveIdentity(clientIP(r), r.Header.Get("User-Agent"))
	client := newClient(conn, identity)
	client.onDisconnect = s.metrics.DecConn
	s.metrics.IncConn()
	s.hub.Admit(roomKey, client)

	go client.writePump()
	go client.readPump(s.hub, s.broadcaster)

	client.sendEnvelope(systemEnvelope(roomKey, "YourID:"+identity))
	go s.replayHistory(client, roomKey)
}

// replayHistory pushes the most recent history page, oldest-first, to a
// freshly admitted connection.
func (s *Server) replayHistory(client *Client, roomKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	messages, err := s.store.History(ctx, roomKey, 0, s.historyPage)
	if err != nil {
		s.log.Error().Err(err).Str("room", roomKey).Msg("history replay")
		client.sendEnvelope(errorEnvelope("Failed to fetch messages."))
		return
	}
	for _, message := range messages {
		client.sendEnvelope(historyEnvelope(message))
	}
}

func historyEnvelope(m storage.Message) Envelope {
	return Envelope{
		Type:      m.Type,
		Content:   m.Content,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Timestamp: m.CreatedAt.UTC().Format(time.RFC3339),
		MD5Hash:   m.MD5Hash,
		ID:        m.ID,
	}
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
