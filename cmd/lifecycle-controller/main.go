// Command lifecycle-controller runs the Lifecycle Controller (C1): the
// reconciliation loop that starts and stops per-exchange worker deployments
// against each exchange's market-hours window. Startup sequencing follows
// the teacher's cmd/server/main.go: load config, init logging, wire
// dependencies, start background loops, wait for a shutdown signal, drain.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/exosim/control-plane/internal/config"
	"github.com/exosim/control-plane/internal/lifecycle"
	"github.com/exosim/control-plane/internal/logging"
	"github.com/exosim/control-plane/internal/store"
	"github.com/exosim/control-plane/internal/supervisor"
)

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides TRADER_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		logging.New("lifecycle-controller", "info", true).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New("lifecycle-controller", cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting lifecycle controller")

	st, err := store.New(cfg.Environment, cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	var cluster lifecycle.ClusterOps
	switch cfg.ClusterBackend {
	case "process":
		cluster = lifecycle.NewProcessClusterOps("kubectl", cfg.ClusterNamespace)
	default:
		cluster = lifecycle.NewFakeClusterOps()
	}

	controller := lifecycle.New(st, cluster, 60*time.Second, log, nil)

	sup := supervisor.New(context.Background(), 10*time.Second, log)
	sup.Go("reconcile-ticker", controller.Run)

	if cfg.ReconcileCron != "" {
		c := cron.New()
		_, err := c.AddFunc(cfg.ReconcileCron, func() {
			if err := controller.Reconcile(sup.Context()); err != nil {
				log.Error().Err(err).Msg("cron-triggered reconcile failed")
			}
		})
		if err != nil {
			log.Error().Err(err).Str("cron_spec", cfg.ReconcileCron).Msg("invalid RECONCILE_CRON, cron trigger disabled")
		} else {
			c.Start()
			defer c.Stop()
		}
	}

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		handleHealthz(w, log)
	})
	r.Get("/readyz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ready"})
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("healthz server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("lifecycle controller listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down lifecycle controller")
	controller.Stop()
	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("healthz server forced shutdown")
	}
}

// handleHealthz reports host CPU/memory via gopsutil the way the teacher's
// display monitors watch process health, generalized here to host resource
// usage for the orchestration layer's liveness probe.
func handleHealthz(w http.ResponseWriter, log zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")

	cpuPct, cpuErr := cpu.Percent(0, false)
	vm, memErr := mem.VirtualMemory()
	if cpuErr != nil || memErr != nil {
		log.Warn().Err(cpuErr).Msg("failed to read host cpu percent")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
		return
	}

	cpuVal := 0.0
	if len(cpuPct) > 0 {
		cpuVal = cpuPct[0]
	}
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":           "ok",
		"cpu_percent":      cpuVal,
		"mem_used_percent": vm.UsedPercent,
	})
}
