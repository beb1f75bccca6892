// Command workflow-engine runs the Workflow Engine (C4): executes the
// start-of-day and end-of-day DAGs on a schedule derived from each
// exchange's market-hours window, and exposes an HTTP API for triggering
// and inspecting ad-hoc executions. On a SUCCESS execution it archives the
// execution/task records to cold storage when R2 credentials are configured.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/exosim/control-plane/internal/archive"
	"github.com/exosim/control-plane/internal/config"
	"github.com/exosim/control-plane/internal/domain"
	"github.com/exosim/control-plane/internal/events"
	"github.com/exosim/control-plane/internal/logging"
	"github.com/exosim/control-plane/internal/market_hours"
	"github.com/exosim/control-plane/internal/store"
	"github.com/exosim/control-plane/internal/supervisor"
	"github.com/exosim/control-plane/internal/workflow"
	"github.com/rs/zerolog"
)

const (
	workflowSOD = "sod"
	workflowEOD = "eod"
)

var errNoTradingDay = errors.New("no trading day found in the next 7 days")

func main() {
	var dataDirFlag string
	flag.StringVar(&dataDirFlag, "data-dir", "", "data directory (overrides TRADER_DATA_DIR)")
	flag.Parse()

	cfg, err := config.Load(dataDirFlag)
	if err != nil {
		logging.New("workflow-engine", "info", true).Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logging.New("workflow-engine", cfg.LogLevel, cfg.DevMode)
	log.Info().Msg("starting workflow engine")

	st, err := store.New(cfg.Environment, cfg.SQLitePath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open store")
	}
	defer st.Close()

	bus := events.NewBus(log)
	engine := workflow.New(st, bus, 4, log, nil)
	registerDayWorkflows(engine, log)

	var archiver *archive.Client
	if cfg.R2Configured() {
		archiver, err = archive.NewClient(context.Background(), cfg.R2AccountID, cfg.R2AccessKeyID, cfg.R2SecretAccessKey, cfg.R2Bucket, log)
		if err != nil {
			log.Warn().Err(err).Msg("R2 archival configured but client init failed; archival disabled")
		}
	} else {
		log.Warn().Msg("R2 archival not configured; completed executions will not be archived")
	}

	sup := supervisor.New(context.Background(), 10*time.Second, log)

	if archiver != nil {
		wireArchival(sup, bus, st, archiver, log)
	}

	cronRunner := workflow.NewCronRunner(engine)
	if err := registerDayWorkflowCrons(sup.Context(), st, cronRunner, log); err != nil {
		log.Error().Err(err).Msg("failed to register day-workflow cron triggers")
	}
	cronRunner.Start()
	sup.Go("day-workflow-cron", func(ctx context.Context) {
		<-ctx.Done()
		cronRunner.Stop()
	})

	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Post("/workflows/{name}/execute", func(w http.ResponseWriter, req *http.Request) {
		handleExecute(w, req, engine)
	})
	r.Get("/executions/{id}", func(w http.ResponseWriter, req *http.Request) {
		handleStatus(w, req, engine)
	})

	srv := &http.Server{Addr: ":" + strconv.Itoa(cfg.Port), Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("workflow engine server failed")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("workflow engine listening")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down workflow engine")
	sup.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("workflow engine server forced shutdown")
	}
}

// registerDayWorkflows wires the start-of-day and end-of-day DAGs this
// process runs on a schedule. Task bodies are the seams real SOD/EOD
// procedures (price sync, position reconciliation, report generation) plug
// into; spec.md's Non-goals place that business logic out of scope, so
// these record their execution without performing it.
func registerDayWorkflows(engine *workflow.Engine, log zerolog.Logger) {
	noop := func(stage string) workflow.TaskFunc {
		return func(ctx context.Context, execContext map[string]interface{}) error {
			log.Info().Str("stage", stage).Interface("context", execContext).Msg("day workflow stage executed")
			return nil
		}
	}

	sodTasks := []domain.WorkflowTask{
		{ID: "open_market_data", Name: "Open market-data feeds", Priority: domain.PriorityCritical, Timeout: 30 * time.Second, RetryCount: 2},
		{ID: "start_exchange_workers", Name: "Start exchange workers", Dependencies: []string{"open_market_data"}, Priority: domain.PriorityCritical, Timeout: 60 * time.Second, RetryCount: 2},
		{ID: "notify_sessions_ready", Name: "Notify sessions ready", Dependencies: []string{"start_exchange_workers"}, Priority: domain.PriorityMedium, Timeout: 10 * time.Second, RetryCount: 1},
	}
	_ = engine.RegisterWorkflow(workflowSOD, sodTasks, map[string]workflow.TaskFunc{
		"open_market_data":       noop("open_market_data"),
		"start_exchange_workers": noop("start_exchange_workers"),
		"notify_sessions_ready":  noop("notify_sessions_ready"),
	})

	eodTasks := []domain.WorkflowTask{
		{ID: "drain_sessions", Name: "Drain active sessions", Priority: domain.PriorityCritical, Timeout: 30 * time.Second, RetryCount: 2},
		{ID: "stop_exchange_workers", Name: "Stop exchange workers", Dependencies: []string{"drain_sessions"}, Priority: domain.PriorityCritical, Timeout: 60 * time.Second, RetryCount: 2},
		{ID: "archive_day", Name: "Archive the trading day", Dependencies: []string{"stop_exchange_workers"}, Priority: domain.PriorityHigh, Timeout: 60 * time.Second, RetryCount: 1},
	}
	_ = engine.RegisterWorkflow(workflowEOD, eodTasks, map[string]workflow.TaskFunc{
		"drain_sessions":        noop("drain_sessions"),
		"stop_exchange_workers": noop("stop_exchange_workers"),
		"archive_day":           noop("archive_day"),
	})
}

// registerDayWorkflowCrons registers one SOD and one EOD cron trigger per
// exchange on runner, firing Monday-Friday at the UTC minute market_hours.Window
// already computes (pre-open minus 5 minutes for SOD, post-close plus 5
// minutes for EOD). The clock time is resolved once at startup from each
// exchange's fixed local pre-open/post-close wall-clock times; it does not
// self-adjust across a DST transition in the exchange's timezone until this
// process restarts, a limitation accepted in place of re-deriving and
// re-registering cron specs on every boundary.
func registerDayWorkflowCrons(ctx context.Context, st store.Store, runner *workflow.CronRunner, log zerolog.Logger) error {
	exchanges, err := st.ListExchanges(ctx)
	if err != nil {
		return err
	}

	for _, e := range exchanges {
		window, err := nextTradingWindow(e)
		if err != nil {
			log.Warn().Err(err).Str("exch_id", e.ExchID).Msg("could not resolve market-hours window; skipping day-workflow cron registration")
			continue
		}

		sodSpec := weekdayCronSpec(window.Start)
		if err := runner.Register(ctx, workflow.Trigger{
			WorkflowName: workflowSOD,
			CronSpec:     sodSpec,
			ExecContext:  map[string]interface{}{"exch_id": e.ExchID},
		}); err != nil {
			log.Error().Err(err).Str("exch_id", e.ExchID).Msg("failed to register SOD cron trigger")
			continue
		}

		eodSpec := weekdayCronSpec(window.End)
		if err := runner.Register(ctx, workflow.Trigger{
			WorkflowName: workflowEOD,
			CronSpec:     eodSpec,
			ExecContext:  map[string]interface{}{"exch_id": e.ExchID},
		}); err != nil {
			log.Error().Err(err).Str("exch_id", e.ExchID).Msg("failed to register EOD cron trigger")
			continue
		}

		log.Info().Str("exch_id", e.ExchID).Str("sod_cron", sodSpec).Str("eod_cron", eodSpec).Msg("registered day-workflow cron triggers")
	}
	return nil
}

// nextTradingWindow returns market_hours.Window for the next day (starting
// today) that isn't empty, since weekends carry no pre-open/post-close
// clock values to derive a cron spec from.
func nextTradingWindow(e domain.ExchangeWorker) (domain.MarketHoursWindow, error) {
	now := time.Now().UTC()
	for i := 0; i < 7; i++ {
		window, err := market_hours.Window(e, now.AddDate(0, 0, i))
		if err != nil {
			return domain.MarketHoursWindow{}, err
		}
		if !window.Empty {
			return window, nil
		}
	}
	return domain.MarketHoursWindow{}, errNoTradingDay
}

// weekdayCronSpec builds a "minute hour * * 1-5" spec firing at t's UTC
// clock time on weekdays only, evaluated against the UTC-located scheduler
// workflow.NewCronRunner constructs.
func weekdayCronSpec(t time.Time) string {
	return strconv.Itoa(t.Minute()) + " " + strconv.Itoa(t.Hour()) + " * * 1-5"
}

// wireArchival subscribes to workflow-completion events and archives
// SUCCESS executions to cold storage. The subscriber only enqueues the
// execution id; uploads run on their own tracked goroutine, one at a time.
func wireArchival(sup *supervisor.Supervisor, bus *events.Bus, st store.Store, archiver *archive.Client, log zerolog.Logger) {
	jobs := make(chan string, 64)

	sub := bus.Subscribe(events.EventWorkflowCompleted, func(e *events.Event) {
		status, _ := e.Data["status"].(string)
		if status != string(domain.ExecutionSuccess) {
			return
		}
		executionID, _ := e.Data["execution_id"].(string)
		if executionID == "" {
			return
		}
		select {
		case jobs <- executionID:
		default:
			log.Warn().Str("execution_id", executionID).Msg("archival queue full; dropping archive job")
		}
	})

	sup.Go("archival-worker", func(ctx context.Context) {
		defer bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case executionID := <-jobs:
				archiveOne(ctx, st, archiver, executionID, log)
			}
		}
	})
}

func archiveOne(ctx context.Context, st store.Store, archiver *archive.Client, executionID string, log zerolog.Logger) {
	rec, err := st.GetExecution(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("failed to load execution for archival")
		return
	}
	tasks, err := st.ListTaskRecords(ctx, executionID)
	if err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("failed to load task records for archival")
		return
	}
	if err := archiver.Archive(ctx, archive.Record{Execution: rec, Tasks: tasks}); err != nil {
		log.Error().Err(err).Str("execution_id", executionID).Msg("failed to archive execution")
		return
	}
	log.Info().Str("execution_id", executionID).Msg("archived execution to cold storage")
}

type executeRequest struct {
	Context map[string]interface{} `json:"context"`
}

func handleExecute(w http.ResponseWriter, r *http.Request, engine *workflow.Engine) {
	name := chi.URLParam(r, "name")

	var req executeRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	rec, err := engine.Execute(r.Context(), name, req.Context)
	if err != nil {
		if err == workflow.ErrUnknownWorkflow {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "unknown workflow"})
			return
		}
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{"success": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func handleStatus(w http.ResponseWriter, r *http.Request, engine *workflow.Engine) {
	id := chi.URLParam(r, "id")
	rec, err := engine.Status(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]interface{}{"success": false, "error": "unknown execution"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
