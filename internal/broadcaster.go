package internal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/storage"
)

const persistTimeout = 10 * time.Second

// Broadcaster fans validated envelopes out to a room and requests their
// persistence. Fan-out and persistence are decoupled: a room with no other
// member still gets its envelope recorded, and a persistence failure never
// interferes with delivery.
type Broadcaster struct {
	hub       *Hub
	store     *storage.Store
	retention *Retention
	metrics   *Metrics
	log       zerolog.Logger
}

func NewBroadcaster(hub *Hub, store *storage.Store, retention *Retention, metrics *Metrics, log zerolog.Logger) *Broadcaster {
	return &Broadcaster{
		hub:       hub,
		store:     store,
		retention: retention,
		metrics:   metrics,
		log:       log.With().Str("component", "broadcast").Logger(),
	}
}

// Publish delivers the envelope to every other connection in its room and
// spawns the persistence task. Per-origin ordering comes from the transport
// read loop; nothing is guaranteed between different origins.
func (b *Broadcaster) Publish(envelope Envelope, origin *Client) {
	payload, err := json.Marshal(envelope)
	if err != nil {
		b.log.Error().Err(err).Str("room", envelope.ChatID).Msg("encode envelope")
		return
	}
	if room := b.hub.getRoom(envelope.ChatID); room != nil {
		room.deliver(outbound{payload: payload, origin: origin})
	}
	b.metrics.IncMessage()
	go b.persist(envelope)
}

func (b *Broadcaster) persist(envelope Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	createdAt, err := time.Parse(time.RFC3339, envelope.Timestamp)
	if err != nil {
		createdAt = time.Now()
	}
	message := storage.Message{
		ChatID:    envelope.ChatID,
		SenderID:  envelope.SenderID,
		Type:      envelope.Type,
		Content:   envelope.Content,
		MD5Hash:   envelope.MD5Hash,
		CreatedAt: createdAt,
	}
	if _, err := b.store.InsertMessage(ctx, &message); err != nil {
		b.log.Error().Err(err).Str("room", envelope.ChatID).Msg("persist envelope")
		return
	}
	if err := b.retention.EnforceCap(ctx, envelope.ChatID); err != nil {
		b.log.Error().Err(err).Str("room", envelope.ChatID).Msg("enforce retention cap")
	}
}
