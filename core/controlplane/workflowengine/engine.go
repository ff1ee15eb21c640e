// Package workflowengine assembles and runs the durable workflow runtime.
package workflowengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/pingup/pingup/core/infra/bus"
	"github.com/pingup/pingup/core/infra/config"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/metrics"
	"github.com/pingup/pingup/core/infra/notify"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/live"
	"github.com/pingup/pingup/core/workflow"
)

const (
	component              = "workflow-engine"
	metricsNamespace       = "pingup_workflow_engine"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 5 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 3 * time.Second
	defaultTimelineLimit   = 200
)

// Run starts the standalone workflow engine: it consumes events relayed over
// NATS by the gateways and sends live pushes back the same way.
func Run(cfg *config.Config) error {
	if cfg == nil {
		cfg = config.Load()
	}
	policy, err := config.LoadPolicy(cfg.PolicyPath)
	if err != nil {
		logging.Warn(component, "workflow policy not loaded, using defaults", "path", cfg.PolicyPath, "error", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = repo.Close(closeCtx)
	}()

	notifier, err := notify.FromConfig(cfg.SMTP)
	if err != nil {
		return fmt.Errorf("init notifier: %w", err)
	}

	natsBus, err := bus.NewNatsBus(cfg.NatsURL)
	if err != nil {
		return fmt.Errorf("connect nats: %w", err)
	}
	defer natsBus.Close()

	rt, err := NewRuntime(ctx, Options{
		Config:           cfg,
		Policy:           policy,
		Repo:             repo,
		Notifier:         notifier,
		Pusher:           live.NewBusPusher(natsBus),
		WorkflowMetrics:  metrics.NewWorkflowProm(metricsNamespace),
		SchedulerMetrics: metrics.NewSchedulerProm(metricsNamespace),
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	if err := rt.Dispatcher.Attach(natsBus); err != nil {
		return fmt.Errorf("subscribe %s: %w", bus.SubjectEvents, err)
	}
	rt.Start(ctx)

	srv := startHTTPServer(cfg.EngineHTTPAddr, rt.Engine)
	logging.Info(component, "started", "http", cfg.EngineHTTPAddr, "store", cfg.ExecutionStore, "nats", natsBus.ConnectedURL())

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)

	logging.Info(component, "stopped")
	return nil
}

type executionReader interface {
	Get(ctx context.Context, id string) (*workflow.Execution, error)
	Timeline(ctx context.Context, id string, limit int64) ([]workflow.TimelineEvent, error)
}

// Handler serves health, metrics and read-only execution views.
func Handler(engine executionReader) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /executions/{id}", func(w http.ResponseWriter, r *http.Request) {
		exec, err := engine.Get(r.Context(), r.PathValue("id"))
		if err != nil {
			writeLookupError(w, err)
			return
		}
		writeJSON(w, exec)
	})
	mux.HandleFunc("GET /executions/{id}/timeline", func(w http.ResponseWriter, r *http.Request) {
		events, err := engine.Timeline(r.Context(), r.PathValue("id"), defaultTimelineLimit)
		if err != nil {
			writeLookupError(w, err)
			return
		}
		writeJSON(w, events)
	})
	return mux
}

func startHTTPServer(addr string, engine executionReader) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      Handler(engine),
		ReadTimeout:  defaultReadTimeout,
		WriteTimeout: defaultWriteTimeout,
		IdleTimeout:  defaultIdleTimeout,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Error(component, "http server error", "error", err)
		}
	}()
	return srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, workflow.ErrNotFound) {
		http.Error(w, "execution not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
