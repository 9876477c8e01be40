package internal

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ErrIncompleteUpload marks an assembly attempt where an expected chunk file
// is missing. Existing chunks are left untouched so the transfer can be
// retried or restarted.
var ErrIncompleteUpload = errors.New("incomplete upload: missing chunk data")

// assemble concatenates the session's chunk files, in sequence order, into
// the final artifact. It returns the public artifact link and the md5 of the
// assembled content for the dedup index. Callers hold session.mu.
func (m *UploadManager) assemble(session *uploadSession) (link, contentHash string, err error) {
	// Every expected chunk must exist before any output is written.
	for seq := 0; seq < session.chunks; seq++ {
		if _, err := os.Stat(m.chunkPath(session.storedName, seq)); err != nil {
			return "", "", fmt.Errorf("%w: sequence %d", ErrIncompleteUpload, seq)
		}
	}

	finalPath := filepath.Join(m.uploadDir, session.storedName)
	out, err := os.Create(finalPath)
	if err != nil {
		return "", "", fmt.Errorf("create artifact: %w", err)
	}
	hasher := md5.New()
	writer := io.MultiWriter(out, hasher)

	for seq := 0; seq < session.chunks; seq++ {
		if err := copyChunk(writer, m.chunkPath(session.storedName, seq)); err != nil {
			_ = out.Close()
			_ = os.Remove(finalPath)
			return "", "", fmt.Errorf("concatenate chunk %d: %w", seq, err)
		}
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(finalPath)
		return "", "", fmt.Errorf("finalize artifact: %w", err)
	}

	// The artifact is durable; chunk removal failures only waste disk.
	for seq := 0; seq < session.chunks; seq++ {
		if err := os.Remove(m.chunkPath(session.storedName, seq)); err != nil {
			m.log.Error().Err(err).Str("file", session.storedName).Int("seq", seq).Msg("remove assembled chunk")
		}
	}
	return "/upload/" + session.storedName, hex.EncodeToString(hasher.Sum(nil)), nil
}

func copyChunk(dst io.Writer, path string) error {
	chunk, err := os.Open(path)
	if err != nil {
		return err
	}
	defer chunk.Close()
	_, err = io.Copy(dst, chunk)
	return err
}
