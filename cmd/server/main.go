package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"chatrelay/internal/app"
)

func main() {
	log := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := app.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	handle, err := app.RunServer(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("start server")
	}
	log.Info().Str("addr", handle.Addr()).Msg("chatrelay listening")

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := handle.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	if err := handle.Wait(); err != nil {
		log.Error().Err(err).Msg("server exited with error")
	}
}
