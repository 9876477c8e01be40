package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	intrnl "chatrelay/internal"
	"chatrelay/internal/storage"
)

// ServerHandle represents a running HTTP/WebSocket server instance.
type ServerHandle struct {
	addr   string
	server *http.Server
	store  *storage.Store
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	log    zerolog.Logger
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	h.cancel()
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer wires the relay together: SQLite store, room hub, upload manager,
// retention and stale-session sweepers, then starts serving in the
// background. Call Stop/Wait to manage its lifecycle.
func RunServer(ctx context.Context, cfg *Config, log zerolog.Logger) (*ServerHandle, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := os.MkdirAll(cfg.UploadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	metrics := intrnl.NewMetrics()
	retention := intrnl.NewRetention(store, cfg.UploadDir, cfg.HistoryCap, cfg.HistoryMaxAge, log)
	uploads, err := intrnl.NewUploadManager(cfg.UploadDir, cfg.MaxChunkSize, store, metrics, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	server := intrnl.NewServer(store, uploads, retention, metrics, cfg.UploadDir, cfg.HistoryPageSize, log)

	sweepCtx, cancelSweeps := context.WithCancel(context.Background())
	go retention.RunSweeper(sweepCtx, cfg.RetentionSweepEvery)
	go uploads.RunSweeper(sweepCtx, cfg.UploadSweepEvery, cfg.UploadSessionTTL)

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: buildRouter(server, uploads),
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		cancelSweeps()
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:   listener.Addr().String(),
		server: httpServer,
		store:  store,
		cancel: cancelSweeps,
		done:   make(chan struct{}),
		log:    log,
	}

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		cancelSweeps()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server shutdown")
		}
	}()

	go handle.serve(listener)

	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	if err := h.store.Close(); err != nil {
		h.log.Error().Err(err).Msg("store close")
	}
	h.err = err
}

func buildRouter(server *intrnl.Server, uploads *intrnl.UploadManager) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/join", server.ServeWS)
	r.Get("/chat", server.HandleNewChat)
	r.Get("/history", server.HandleHistory)
	r.Get("/exists", server.HandleRoomExists)
	r.Get("/metrics", server.HandleMetrics)

	r.Route("/upload", func(r chi.Router) {
		r.Post("/", uploads.HandleChunk)
		r.Get("/check", uploads.HandleCheck)
		r.Delete("/cancel/{fileId}", uploads.HandleCancel)
		r.Get("/{file}", server.HandleArtifact)
	})
	return r
}
