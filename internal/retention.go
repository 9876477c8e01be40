package internal

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/storage"
)

// Retention bounds room history by count and by age. Artifact deletion is
// best-effort: a failed file removal is logged and the index row is deleted
// anyway, since an orphaned file is acceptable but an orphaned row is not.
type Retention struct {
	store      *storage.Store
	uploadDir  string
	maxPerRoom int64
	maxAge     time.Duration
	log        zerolog.Logger
}

func NewRetention(store *storage.Store, uploadDir string, maxPerRoom int64, maxAge time.Duration, log zerolog.Logger) *Retention {
	return &Retention{
		store:      store,
		uploadDir:  uploadDir,
		maxPerRoom: maxPerRoom,
		maxAge:     maxAge,
		log:        log.With().Str("component", "retention").Logger(),
	}
}

// EnforceCap is called after each insert. When the room exceeds its cap the
// single oldest entry is evicted, together with any backing artifact.
func (r *Retention) EnforceCap(ctx context.Context, chatID string) error {
	count, err := r.store.CountMessages(ctx, chatID)
	if err != nil {
		return err
	}
	if count <= r.maxPerRoom {
		return nil
	}
	oldest, err := r.store.OldestMessage(ctx, chatID)
	if err != nil {
		return err
	}
	if oldest == nil {
		return nil
	}
	r.removeArtifact(ctx, oldest)
	return r.store.DeleteMessage(ctx, oldest.ID)
}

// SweepExpired deletes every history entry older than the retention age,
// across all rooms, plus backing artifacts.
func (r *Retention) SweepExpired(ctx context.Context) error {
	expired, err := r.store.ExpiredMessages(ctx, time.Now().Add(-r.maxAge))
	if err != nil {
		return err
	}
	for _, message := range expired {
		r.removeArtifact(ctx, &message)
		if err := r.store.DeleteMessage(ctx, message.ID); err != nil {
			r.log.Error().Err(err).Int64("id", message.ID).Msg("delete expired entry")
		}
	}
	if len(expired) > 0 {
		r.log.Info().Int("entries", len(expired)).Msg("expired history swept")
	}
	return nil
}

// RunSweeper drives the periodic age sweep until the context is cancelled.
func (r *Retention) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.SweepExpired(ctx); err != nil {
				r.log.Error().Err(err).Msg("retention sweep")
			}
		}
	}
}

// removeArtifact deletes the uploaded file an evicted entry references, if
// any. A missing file is a no-op; other failures are logged and tolerated.
func (r *Retention) removeArtifact(ctx context.Context, message *storage.Message) {
	switch message.Type {
	case TypeImage, TypeAudio, TypeFile:
	default:
		return
	}
	if !strings.Contains(message.Content, "/upload/") {
		// Inline data URIs and remote links have no local file to delete.
		return
	}
	name := path.Base(message.Content)
	if name == "" || name == "." || name == ".." {
		return
	}
	if err := os.Remove(filepath.Join(r.uploadDir, name)); err != nil && !os.IsNotExist(err) {
		r.log.Error().Err(err).Str("artifact", name).Msg("delete artifact file")
	}
	if err := r.store.DeleteArtifactByLink(ctx, "/upload/"+name); err != nil {
		r.log.Error().Err(err).Str("artifact", name).Msg("delete dedup record")
	}
}
