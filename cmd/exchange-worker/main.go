// Command exchange-worker runs one Market-Data Multiplexer (C3) instance
// per exchange group: owns the upstream bar feed subscription, persists
// bars, and fans them out to N downstream session subscribers.
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
	"github.com/exosim/control-plane/internal/marketdata"
	"github.com/exosim/control-plane/internal/store"
)

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides TRADER_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		logging.New("exchange-worker", "info", true).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New("exchange-worker", cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting exchange worker")

	st, err := store.New(cfg.Environment, cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	bus := events.NewBus(log)
	mux := marketdata.New(st, bus, log)

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: mux.Router()}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("exchange worker server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("exchange worker listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down exchange worker")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("exchange worker server forced shutdown")
	}
}
