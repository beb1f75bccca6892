// Command session-singleton runs one Session Singleton (C2) instance: binds
// exactly one user's session, multiplexes their devices over WebSocket, and
// reports unready while bound so the placement layer never double-books it.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/exosim/control-plane/internal/config"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/logging"
	"github.com/exosim/control-plane/internal/session"
	"github.com/exosim/control-plane/internal/store"
	"github.com/exosim/control-plane/internal/supervisor"
)

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides TRADER_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		logging.New("session-singleton", "info", true).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New("session-singleton", cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting session singleton")

	st, err := store.New(cfg.Environment, cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	bus := events.NewBus(log)

	svc := session.New(st, bus, log, session.Config{
		SessionTimeout:            time.Duration(cfg.SessionTimeoutSeconds) * time.Second,
		SessionExtensionThreshold: time.Duration(cfg.SessionExtensionThreshold) * time.Second,
		HeartbeatInterval:         cfg.WSHeartbeatInterval,
		ReadyFilePath:             cfg.ReadyFilePath,
		ActiveLockFilePath:        cfg.ActiveLockFilePath,
	}, nil)

	sup := supervisor.New(context.Background(), 10*time.Second, log)
	sup.Go("expiry-checker", func(ctx context.Context) {
		ticker := time.NewTicker(cfg.WSHeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				svc.CheckExpiry(ctx)
			}
		}
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: svc.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("session singleton server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("session singleton listening")

	if cfg.ResetOnStartup {
		svc.Drain(context.Background())
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down session singleton")
	svc.Drain(context.Background())
	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("session singleton server forced shutdown")
	}
}
