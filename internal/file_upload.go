package internal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"chatrelay/internal/storage"
)

// ErrSessionNotFound is returned for a chunk that names a transfer id with no
// in-flight session and a non-zero offset.
var ErrSessionNotFound = errors.New("upload session not found")

// ErrOutOfOrderChunk is returned when a chunk's declared offset does not
// match the session's running total. The reply carries the true uploaded
// size so the client can resynchronize.
var ErrOutOfOrderChunk = errors.New("chunk offset does not match uploaded size")

var contentRangePattern = regexp.MustCompile(`bytes (\d+)-(\d+)/(\d+)`)

// uploadSession is the state of one resumable transfer. All mutation happens
// under mu, which serializes chunk-vs-chunk and cancel-vs-chunk for a single
// transfer id.
type uploadSession struct {
	mu           sync.Mutex
	storedName   string
	originalName string
	totalSize    int64
	received     int64
	chunks       int // sequence files written, contiguous from 0
	cancelled    bool
	lastActivity time.Time
}

// UploadManager owns the resumable chunked-upload state machine, keyed by the
// client-chosen X-File-Id. Completed artifacts land in uploadDir and are
// announced back into the room as a normal envelope by the client.
type UploadManager struct {
	mu           sync.Mutex
	sessions     map[string]*uploadSession
	uploadDir    string
	chunkDir     string
	maxChunkSize int64
	store        *storage.Store
	metrics      *Metrics
	log          zerolog.Logger
}

func NewUploadManager(uploadDir string, maxChunkSize int64, store *storage.Store, metrics *Metrics, log zerolog.Logger) (*UploadManager, error) {
	chunkDir := filepath.Join(uploadDir, "chunks")
	if err := os.MkdirAll(chunkDir, 0o755); err != nil {
		return nil, fmt.Errorf("create chunk directory: %w", err)
	}
	return &UploadManager{
		sessions:     make(map[string]*uploadSession),
		uploadDir:    uploadDir,
		chunkDir:     chunkDir,
		maxChunkSize: maxChunkSize,
		store:        store,
		metrics:      metrics,
		log:          log.With().Str("component", "upload").Logger(),
	}, nil
}

type chunkResponse struct {
	Status       string `json:"status"`
	UploadedSize int64  `json:"uploadedSize"`
	Link         string `json:"link,omitempty"`
}

// HandleChunk accepts one raw chunk. Headers: filename (URL-encoded),
// filesize, Content-Range, X-File-Id, optional X-Content-Hash (md5 of the
// whole file, enabling the dedup fast path on the first chunk).
func (m *UploadManager) HandleChunk(w http.ResponseWriter, r *http.Request) {
	filename, err := url.QueryUnescape(r.Header.Get("filename"))
	if err != nil || strings.TrimSpace(filename) == "" {
		writeError(w, http.StatusBadRequest, errors.New("missing required headers"))
		return
	}
	fileID := r.Header.Get("X-File-Id")
	totalSize, sizeErr := strconv.ParseInt(r.Header.Get("filesize"), 10, 64)
	if fileID == "" || sizeErr != nil || totalSize <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("missing required headers"))
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, m.maxChunkSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, errors.New("chunk too large"))
		return
	}
	if len(body) == 0 {
		writeError(w, http.StatusBadRequest, errors.New("no file data received"))
		return
	}
	start := parseContentRangeStart(r.Header.Get("Content-Range"))

	// Dedup fast path: a known content hash short-circuits to complete
	// before any disk write or session allocation.
	if start == 0 {
		if hash := r.Header.Get("X-Content-Hash"); hash != "" {
			link, err := m.store.LookupArtifact(r.Context(), hash)
			if err != nil {
				m.log.Error().Err(err).Msg("dedup lookup")
			} else if link != "" {
				// A dedup hit supersedes any half-finished session for the
				// same transfer id, so the id maps to at most one live state.
				m.Cancel(fileID)
				m.metrics.IncDedupHit()
				writeJSON(w, http.StatusOK, chunkResponse{
					Status:       "complete",
					UploadedSize: totalSize,
					Link:         link,
				})
				return
			}
		}
	}

	var session *uploadSession
	if start == 0 {
		session = m.startSession(fileID, filename, totalSize)
	} else {
		m.mu.Lock()
		session = m.sessions[fileID]
		m.mu.Unlock()
		if session == nil {
			writeError(w, http.StatusBadRequest, ErrSessionNotFound)
			return
		}
	}

	session.mu.Lock()
	defer session.mu.Unlock()
	if session.cancelled {
		writeError(w, http.StatusBadRequest, ErrSessionNotFound)
		return
	}
	if start != session.received {
		writeJSON(w, http.StatusConflict, map[string]any{
			"error":        ErrOutOfOrderChunk.Error(),
			"uploadedSize": session.received,
		})
		return
	}
	if session.received+int64(len(body)) > session.totalSize {
		writeError(w, http.StatusBadRequest, errors.New("chunk exceeds declared file size"))
		return
	}

	if err := os.WriteFile(m.chunkPath(session.storedName, session.chunks), body, 0o644); err != nil {
		m.log.Error().Err(err).Str("file", session.storedName).Msg("write chunk")
		writeError(w, http.StatusInternalServerError, errors.New("failed to store chunk"))
		return
	}
	session.chunks++
	session.received += int64(len(body))
	session.lastActivity = time.Now()

	if session.received < session.totalSize {
		writeJSON(w, http.StatusPartialContent, chunkResponse{
			Status:       "partial",
			UploadedSize: session.received,
		})
		return
	}

	link, contentHash, err := m.assemble(session)
	if err != nil {
		// The session stays in receiving so the client can retry; the
		// stale-session sweep reaps it if the retry never comes.
		m.log.Error().Err(err).Str("file", session.storedName).Msg("assemble upload")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	m.drop(fileID)
	if err := m.store.SaveArtifact(r.Context(), contentHash, link); err != nil {
		m.log.Error().Err(err).Str("link", link).Msg("save dedup record")
	}
	m.metrics.IncUpload()
	m.log.Info().Str("file", session.storedName).Str("name", session.originalName).
		Int64("size", session.totalSize).Msg("upload complete")
	writeJSON(w, http.StatusOK, chunkResponse{
		Status:       "complete",
		UploadedSize: session.received,
		Link:         link,
	})
}

// HandleCancel aborts a transfer and deletes any partial state. Cancelling an
// unknown transfer id is a no-op success.
func (m *UploadManager) HandleCancel(w http.ResponseWriter, r *http.Request) {
	fileID := chi.URLParam(r, "fileId")
	if fileID == "" {
		writeError(w, http.StatusBadRequest, errors.New("transfer id required"))
		return
	}
	m.Cancel(fileID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// HandleCheck answers the dedup pre-flight: a content hash maps either to an
// existing artifact link or to an empty string.
func (m *UploadManager) HandleCheck(w http.ResponseWriter, r *http.Request) {
	hash := r.URL.Query().Get("hash")
	if hash == "" {
		writeError(w, http.StatusBadRequest, errors.New("hash parameter required"))
		return
	}
	link, err := m.store.LookupArtifact(r.Context(), hash)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"content": link})
}

// Cancel removes the session and every file written for it. Idempotent: the
// cleanup tolerates files that are already gone, and a chunk write racing the
// cancel loses because both sides hold the session mutex.
func (m *UploadManager) Cancel(fileID string) {
	m.mu.Lock()
	session := m.sessions[fileID]
	delete(m.sessions, fileID)
	m.mu.Unlock()
	if session == nil {
		return
	}
	session.mu.Lock()
	session.cancelled = true
	m.removeSessionFiles(session)
	session.mu.Unlock()
}

// SweepStale cancels sessions with no activity for longer than ttl.
func (m *UploadManager) SweepStale(ttl time.Duration) {
	m.mu.Lock()
	candidates := make(map[string]*uploadSession, len(m.sessions))
	for id, session := range m.sessions {
		candidates[id] = session
	}
	m.mu.Unlock()

	cutoff := time.Now().Add(-ttl)
	for id, session := range candidates {
		session.mu.Lock()
		stale := session.lastActivity.Before(cutoff)
		session.mu.Unlock()
		if stale {
			m.log.Info().Str("transfer", id).Msg("cancelling stale upload")
			m.Cancel(id)
		}
	}
}

// RunSweeper drives the stale-session sweep until the context is cancelled.
func (m *UploadManager) RunSweeper(ctx context.Context, interval, ttl time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SweepStale(ttl)
		}
	}
}

// startSession allocates a fresh session for the transfer id. An offset-0
// chunk for an id that already has a live session restarts the transfer; the
// superseded session's files are removed.
func (m *UploadManager) startSession(fileID, filename string, totalSize int64) *uploadSession {
	session := &uploadSession{
		storedName:   uniqueStorageName(filename),
		originalName: filename,
		totalSize:    totalSize,
		lastActivity: time.Now(),
	}
	m.mu.Lock()
	previous := m.sessions[fileID]
	m.sessions[fileID] = session
	m.mu.Unlock()
	if previous != nil {
		previous.mu.Lock()
		previous.cancelled = true
		m.removeSessionFiles(previous)
		previous.mu.Unlock()
	}
	return session
}

func (m *UploadManager) drop(fileID string) {
	m.mu.Lock()
	delete(m.sessions, fileID)
	m.mu.Unlock()
}

func (m *UploadManager) chunkPath(storedName string, seq int) string {
	return filepath.Join(m.chunkDir, fmt.Sprintf("%s.%d.part", storedName, seq))
}

// removeSessionFiles deletes every chunk written for the session plus any
// partially assembled artifact. Callers hold session.mu.
func (m *UploadManager) removeSessionFiles(session *uploadSession) {
	for seq := 0; seq < session.chunks; seq++ {
		if err := os.Remove(m.chunkPath(session.storedName, seq)); err != nil && !os.IsNotExist(err) {
			m.log.Error().Err(err).Str("file", session.storedName).Int("seq", seq).Msg("delete chunk")
		}
	}
	if err := os.Remove(filepath.Join(m.uploadDir, session.storedName)); err != nil && !os.IsNotExist(err) {
		m.log.Error().Err(err).Str("file", session.storedName).Msg("delete partial artifact")
	}
}

func parseContentRangeStart(header string) int64 {
	matches := contentRangePattern.FindStringSubmatch(header)
	if matches == nil {
		return 0
	}
	start, err := strconv.ParseInt(matches[1], 10, 64)
	if err != nil {
		return 0
	}
	return start
}

// uniqueStorageName keeps the original basename recognizable while making
// collisions between same-named uploads practically impossible.
func uniqueStorageName(original string) string {
	base := sanitizePathComponent(filepath.Base(original))
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s_%d_%s%s", stem, time.Now().UnixMilli(), suffix, ext)
}

// sanitizePathComponent removes dangerous characters from path components.
func sanitizePathComponent(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.TrimSpace(s)
	if s == "" || s == "." || s == ".." {
		return "unnamed"
	}
	return s
}
