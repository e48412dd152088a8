// Command server runs the AgentGate gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/agentgate/agentgate/gateway/pkg/server"
)

func main() {
	setupLogging()

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}

	httpServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", srv.Port),
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE and WebSocket responses stay open for the
		// lifetime of a run. Slow clients are cut off per write via
		// SetWriteDeadline in the stream layer instead.
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info().Int("port", srv.Port).Str("version", srv.Config.Version).Msg("AgentGate gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down, draining active streams")

	// Active SSE/WS streams get the drain window; runs that outlive it are
	// interrupted when their request contexts are cancelled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Forced shutdown after drain deadline")
	}
	if err := srv.ShutdownFunc(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Component shutdown error")
	}

	log.Info().Msg("Server stopped")
}

func setupLogging() {
	level := zerolog.InfoLevel
	if lv, err := zerolog.ParseLevel(os.Getenv("AGENTGATE_LOG_LEVEL")); err == nil && lv != zerolog.NoLevel {
		level = lv
	}
	zerolog.SetGlobalLevel(level)

	if os.Getenv("AGENTGATE_LOG_FORMAT") != "json" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
