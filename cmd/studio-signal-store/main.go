// The studio-signal-store binary serves the shared signaling document store
// over HTTP: /healthz, /metrics, and the /v1/sync WebSocket.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/natarajanspnk/studio-signaling/internal/config"
	"github.com/natarajanspnk/studio-signaling/internal/metrics"
	"github.com/natarajanspnk/studio-signaling/internal/store/memstore"
	"github.com/natarajanspnk/studio-signaling/internal/storeserver"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config.yaml")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	st := memstore.New(memstore.Options{RetentionPeriod: cfg.RetentionPeriod})
	defer st.Close()

	met := metrics.New()
	srv := storeserver.New(storeserver.Config{
		Store:             st,
		APIKey:            cfg.APIKey,
		AllowedOrigins:    cfg.AllowedOrigins,
		MaxMessageBytes:   cfg.MaxMessageBytes,
		MessagesPerSecond: cfg.MessagesPerSecond,
		Logger:            logger,
		Metrics:           met,
	})

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		logger.Error().Err(err).Str("addr", cfg.ListenAddr).Msg("listen failed")
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Str("addr", ln.Addr().String()).
		Bool("auth", cfg.APIKey != "").
		Strs("allowed_origins", cfg.AllowedOrigins).
		Msg("studio-signal-store serving")

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(ln)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server exited")
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("shutdown incomplete")
		}
	}
}
