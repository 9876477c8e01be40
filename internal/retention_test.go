package internal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/storage"
)

func newTestRetention(t *testing.T, maxPerRoom int64) (*Retention, *storage.Store, string) {
	t.Helper()
	store, err := storage.NewStore(filepath.Join(t.TempDir(), "retention.db"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	uploadDir := t.TempDir()
	return NewRetention(store, uploadDir, maxPerRoom, 30*24*time.Hour, zerolog.Nop()), store, uploadDir
}

func TestEnforceCapEvictsOldest(t *testing.T) {
	retention, store, _ := newTestRetention(t, 10)
	ctx := context.Background()

	ids := make([]int64, 0, 11)
	for i := 1; i <= 11; i++ {
		id, err := store.InsertMessage(ctx, &storage.Message{
			ChatID: "roomC", SenderID: "AB12", Type: TypeText,
			Content: fmt.Sprintf("msg %d", i),
		})
		if err != nil {
			t.Fatalf("InsertMessage %d: %v", i, err)
		}
		ids = append(ids, id)
		if err := retention.EnforceCap(ctx, "roomC"); err != nil {
			t.Fatalf("EnforceCap after insert %d: %v", i, err)
		}
	}

	count, err := store.CountMessages(ctx, "roomC")
	if err != nil {
		t.Fatalf("CountMessages: %v", err)
	}
	if count != 10 {
		t.Fatalf("expected cap of 10, got %d", count)
	}
	remaining, err := store.History(ctx, "roomC", 0, 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(remaining) != 10 || remaining[0].ID != ids[1] || remaining[9].ID != ids[10] {
		t.Fatalf("expected entries 2..11 to survive, got %d entries starting at id %d", len(remaining), remaining[0].ID)
	}
}

func TestEvictionRemovesArtifact(t *testing.T) {
	retention, store, uploadDir := newTestRetention(t, 1)
	ctx := context.Background()

	artifact := filepath.Join(uploadDir, "photo_1_abc.png")
	if err := os.WriteFile(artifact, []byte("png bytes"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if err := store.SaveArtifact(ctx, "hash1", "/upload/photo_1_abc.png"); err != nil {
		t.Fatalf("SaveArtifact: %v", err)
	}
	if _, err := store.InsertMessage(ctx, &storage.Message{
		ChatID: "roomA", SenderID: "AB12", Type: TypeImage,
		Content: "/upload/photo_1_abc.png", MD5Hash: "hash1",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if _, err := store.InsertMessage(ctx, &storage.Message{
		ChatID: "roomA", SenderID: "AB12", Type: TypeText, Content: "newer",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}

	if err := retention.EnforceCap(ctx, "roomA"); err != nil {
		t.Fatalf("EnforceCap: %v", err)
	}

	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatal("evicted entry's artifact file should be removed")
	}
	// The dedup record must go with the file, or a later upload would
	// short-circuit to a dead link.
	link, err := store.LookupArtifact(ctx, "hash1")
	if err != nil {
		t.Fatalf("LookupArtifact: %v", err)
	}
	if link != "" {
		t.Fatalf("dedup record should be gone, got %q", link)
	}
	count, err := store.CountMessages(ctx, "roomA")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 surviving entry, got %d err %v", count, err)
	}
}

func TestSweepExpired(t *testing.T) {
	retention, store, uploadDir := newTestRetention(t, 100)
	ctx := context.Background()

	artifact := filepath.Join(uploadDir, "old_1_def.bin")
	if err := os.WriteFile(artifact, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write artifact: %v", err)
	}
	if _, err := store.InsertMessage(ctx, &storage.Message{
		ChatID: "roomS", SenderID: "CD34", Type: TypeFile,
		Content:   "/upload/old_1_def.bin",
		CreatedAt: time.Now().Add(-40 * 24 * time.Hour),
	}); err != nil {
		t.Fatalf("InsertMessage old: %v", err)
	}
	if _, err := store.InsertMessage(ctx, &storage.Message{
		ChatID: "roomS", SenderID: "CD34", Type: TypeText, Content: "fresh",
	}); err != nil {
		t.Fatalf("InsertMessage fresh: %v", err)
	}

	if err := retention.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}

	count, err := store.CountMessages(ctx, "roomS")
	if err != nil || count != 1 {
		t.Fatalf("expected only the fresh entry, got %d err %v", count, err)
	}
	if _, err := os.Stat(artifact); !os.IsNotExist(err) {
		t.Fatal("expired entry's artifact file should be removed")
	}
}

func TestEvictionIgnoresInlineContent(t *testing.T) {
	retention, store, _ := newTestRetention(t, 1)
	ctx := context.Background()

	// Inline data URIs have no backing file; eviction must not try to
	// delete one.
	if _, err := store.InsertMessage(ctx, &storage.Message{
		ChatID: "roomI", SenderID: "AB12", Type: TypeImage,
		Content: "data:image/png;base64,aGk=",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if _, err := store.InsertMessage(ctx, &storage.Message{
		ChatID: "roomI", SenderID: "AB12", Type: TypeText, Content: "newer",
	}); err != nil {
		t.Fatalf("InsertMessage: %v", err)
	}
	if err := retention.EnforceCap(ctx, "roomI"); err != nil {
		t.Fatalf("EnforceCap: %v", err)
	}
	count, err := store.CountMessages(ctx, "roomI")
	if err != nil || count != 1 {
		t.Fatalf("expected 1 surviving entry, got %d err %v", count, err)
	}
}
