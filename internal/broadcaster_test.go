package internal

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/storage"
)

func TestPublishPersistsWithoutPeers(t *testing.T) {
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "bcast.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	retention := NewRetention(store, t.TempDir(), 10, 30*24*time.Hour, zerolog.Nop())
	hub := NewHub()
	broadcaster := NewBroadcaster(hub, store, retention, NewMetrics(), zerolog.Nop())

	// Sender is alone in the room; the envelope still lands in history.
	origin := testClient("AB12")
	hub.Admit("solo", origin)

	env, err := ParseEnvelope([]byte(`{"type":"text","content":"alone"}`), "solo", "AB12", time.Now())
	if err != nil {
		t.Fatalf("ParseEnvelope: %v", err)
	}
	broadcaster.Publish(env, origin)

	deadline := time.Now().Add(5 * time.Second)
	for {
		count, err := store.CountMessages(ctx, "solo")
		if err != nil {
			t.Fatalf("CountMessages: %v", err)
		}
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("envelope never persisted, count %d", count)
		}
		time.Sleep(10 * time.Millisecond)
	}
	// And the origin never hears its own message back.
	expectSilence(t, origin)
}
