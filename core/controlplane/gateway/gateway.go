// Package gateway is the HTTP front of the application: social actions,
// live-update streams, event ingestion and execution views.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pingup/pingup/core/controlplane/workflowengine"
	"github.com/pingup/pingup/core/eventbus"
	"github.com/pingup/pingup/core/infra/bus"
	"github.com/pingup/pingup/core/infra/config"
	"github.com/pingup/pingup/core/infra/logging"
	"github.com/pingup/pingup/core/infra/media"
	infraMetrics "github.com/pingup/pingup/core/infra/metrics"
	"github.com/pingup/pingup/core/infra/notify"
	"github.com/pingup/pingup/core/infra/repository"
	"github.com/pingup/pingup/core/infra/schema"
	"github.com/pingup/pingup/core/live"
	"github.com/pingup/pingup/core/social"
	"github.com/pingup/pingup/core/workflow"
)

const (
	component        = "api-gateway"
	metricsNamespace = "pingup_api_gateway"

	maxJSONBodyBytes       = 1 << 20
	defaultTimelineLimit   = 200
	defaultShutdownTimeout = 5 * time.Second
	// #nosec G101 -- protocol label, not a credential.
	wsAPIKeyProtocol = "pingup-api-key"
)

// ExecutionReader is the read side of the execution store.
type ExecutionReader interface {
	GetExecution(ctx context.Context, id string) (*workflow.Execution, error)
	ListTimeline(ctx context.Context, id string, limit int64) ([]workflow.TimelineEvent, error)
}

// MediaReader serves stored uploads.
type MediaReader interface {
	Get(ctx context.Context, id string) ([]byte, media.Metadata, error)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators a gateway serves. Social, Live and Events are
// required; Executions and Media are optional and answer 503 when unset.
type Deps struct {
	Social        *social.Service
	Live          *live.Registry
	Events        eventbus.Publisher
	Executions    ExecutionReader
	Media         MediaReader
	Auth          AuthProvider
	Metrics       infraMetrics.GatewayMetrics
	Bus           *bus.NatsBus
	Embedded      bool
	// StrictStreams rejects live-stream requests that carry no caller identity.
	StrictStreams bool
}

type server struct {
	social     *social.Service
	live       *live.Registry
	events     eventbus.Publisher
	executions ExecutionReader
	media      MediaReader
	auth       AuthProvider
	metrics    infraMetrics.GatewayMetrics
	bus        *bus.NatsBus
	embedded   bool
	strict     bool
	limiter    *rateLimiter
	cors       *corsPolicy
	upgrader   websocket.Upgrader
	started    time.Time
}

func Run(cfg *config.Config) error {
	return RunWithAuth(cfg, nil)
}

// RunWithAuth starts the gateway with a custom auth provider. When nil, the
// header provider is used.
func RunWithAuth(cfg *config.Config, provider AuthProvider) error {
	if cfg == nil {
		cfg = config.Load()
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if provider == nil {
		header, err := NewHeaderAuthProvider()
		if err != nil {
			return fmt.Errorf("init auth: %w", err)
		}
		provider = header
	}

	repo, err := repository.NewMongo(ctx, cfg.MongoURI, cfg.MongoDB)
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		_ = repo.Close(closeCtx)
	}()

	mediaStore, err := media.NewRedisStore(cfg.RedisURL, cfg.MediaBaseURL, cfg.MediaTTL)
	if err != nil {
		return fmt.Errorf("connect redis media store: %w", err)
	}
	defer mediaStore.Close()

	registry := live.NewRegistry().WithMetrics(infraMetrics.NewLiveProm(metricsNamespace))

	var natsBus *bus.NatsBus
	if cfg.UseNATS || !cfg.EmbedEngine {
		natsBus, err = bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer natsBus.Close()
		if err := registry.Attach(natsBus); err != nil {
			return fmt.Errorf("subscribe %s: %w", bus.SubjectLive, err)
		}
	}

	var pusher live.Pusher = registry
	if natsBus != nil {
		pusher = live.NewBusPusher(natsBus)
	}

	var (
		events     eventbus.Publisher
		executions ExecutionReader
	)
	if cfg.EmbedEngine {
		policy, err := config.LoadPolicy(cfg.PolicyPath)
		if err != nil {
			logging.Warn(component, "workflow policy not loaded, using defaults", "path", cfg.PolicyPath, "error", err)
		}
		notifier, err := notify.FromConfig(cfg.SMTP)
		if err != nil {
			return fmt.Errorf("init notifier: %w", err)
		}
		rt, err := workflowengine.NewRuntime(ctx, workflowengine.Options{
			Config:           cfg,
			Policy:           policy,
			Repo:             repo,
			Notifier:         notifier,
			Pusher:           pusher,
			WorkflowMetrics:  infraMetrics.NewWorkflowProm(metricsNamespace),
			SchedulerMetrics: infraMetrics.NewSchedulerProm(metricsNamespace),
		})
		if err != nil {
			return err
		}
		defer rt.Close()
		events = rt.Dispatcher
		if natsBus != nil {
			if err := rt.Dispatcher.Attach(natsBus); err != nil {
				return fmt.Errorf("subscribe %s: %w", bus.SubjectEvents, err)
			}
			events = eventbus.NewRelay(natsBus, rt.Schemas)
		}
		executions = rt.Store()
		rt.Start(ctx)
	} else {
		schemas, err := schema.NewEventRegistry()
		if err != nil {
			return fmt.Errorf("load event schemas: %w", err)
		}
		events = eventbus.NewRelay(natsBus, schemas)
		if cfg.ExecutionStore == "redis" {
			store, err := workflow.NewRedisStore(cfg.RedisURL)
			if err != nil {
				return fmt.Errorf("connect redis execution store: %w", err)
			}
			defer store.Close()
			executions = store
		}
	}

	s := newServer(Deps{
		Social:        social.NewService(repo, mediaStore, pusher, events),
		Live:          registry,
		Events:        events,
		Executions:    executions,
		Media:         mediaStore,
		Auth:          provider,
		Metrics:       infraMetrics.NewGatewayProm(metricsNamespace),
		Bus:           natsBus,
		Embedded:      cfg.EmbedEngine,
		StrictStreams: cfg.StrictStreams,
	})

	metricsSrv := startMetricsServer(cfg.MetricsAddr)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		// No write timeout: live streams stay open for the life of the client.
		IdleTimeout: 60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Info(component, "http listening", "addr", cfg.HTTPAddr, "embed_engine", cfg.EmbedEngine, "nats", natsBus != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			logging.Error(component, "http server error", "error", err)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
	logging.Info(component, "stopped")
	return nil
}

// NewHandler builds the full middleware-wrapped handler over deps.
func NewHandler(d Deps) http.Handler {
	return newServer(d).handler()
}

func newServer(d Deps) *server {
	if d.Auth == nil {
		d.Auth = NewHeaderAuthProviderWithKeys()
	}
	cors := corsPolicyFromEnv()
	return &server{
		social:     d.Social,
		live:       d.Live,
		events:     d.Events,
		executions: d.Executions,
		media:      d.Media,
		auth:       d.Auth,
		metrics:    d.Metrics,
		bus:        d.Bus,
		embedded:   d.Embedded,
		strict:     d.StrictStreams,
		limiter:    newRateLimiterFromEnv(),
		cors:       cors,
		upgrader: websocket.Upgrader{
			CheckOrigin:  cors.allows,
			Subprotocols: []string{wsAPIKeyProtocol},
		},
		started: time.Now().UTC(),
	}
}

func (s *server) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /api/status", s.instrumented("/api/status", s.handleStatus))

	// Live updates
	mux.HandleFunc("GET /api/message/{userId}", s.instrumented("/api/message/{userId}", s.handleSSE))
	mux.HandleFunc("GET /api/message/{userId}/ws", s.instrumented("/api/message/{userId}/ws", s.handleWS))

	// Messages
	mux.HandleFunc("POST /api/message/send", s.instrumented("/api/message/send", s.handleSendMessage))
	mux.HandleFunc("POST /api/message/get", s.instrumented("/api/message/get", s.handleChatMessages))
	mux.HandleFunc("GET /api/user/recent-messages", s.instrumented("/api/user/recent-messages", s.handleRecentMessages))

	// Stories
	mux.HandleFunc("POST /api/story/create", s.instrumented("/api/story/create", s.handleAddStory))
	mux.HandleFunc("GET /api/story/get", s.instrumented("/api/story/get", s.handleGetStories))

	// Connections
	mux.HandleFunc("POST /api/connect", s.instrumented("/api/connect", s.handleRequestConnection))
	mux.HandleFunc("POST /api/connect/accept", s.instrumented("/api/connect/accept", s.handleAcceptConnection))

	// Event ingestion and execution views
	mux.HandleFunc("POST /api/events", s.instrumented("/api/events", s.handlePublishEvent))
	mux.HandleFunc("POST /api/webhooks/identity", s.instrumented("/api/webhooks/identity", s.handleIdentityWebhook))
	mux.HandleFunc("GET /api/executions/{id}", s.instrumented("/api/executions/{id}", s.handleGetExecution))
	mux.HandleFunc("GET /api/executions/{id}/timeline", s.instrumented("/api/executions/{id}/timeline", s.handleExecutionTimeline))

	// Media
	mux.HandleFunc("GET /media/{id}", s.instrumented("/media/{id}", s.handleGetMedia))

	return s.cors.middleware(rateLimitMiddleware(s.limiter, authMiddleware(s.auth, mux)))
}

func startMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", infraMetrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logging.Info(component, "metrics listening", "addr", addr+"/metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error(component, "metrics server error", "error", err)
		}
	}()
	return srv
}

func (s *server) handleStatus(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()

	natsConnected := false
	natsStatus := "DISABLED"
	natsURL := ""
	if s.bus != nil {
		natsConnected = s.bus.IsConnected()
		natsStatus = s.bus.Status()
		natsURL = s.bus.ConnectedURL()
	}

	redisOK := false
	redisErr := ""
	if p, ok := s.media.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		err := p.Ping(ctx)
		cancel()
		if err != nil {
			redisErr = err.Error()
		} else {
			redisOK = true
		}
	} else {
		redisErr = "media store unavailable"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"time":           now.Format(time.RFC3339),
		"uptime_seconds": int64(now.Sub(s.started).Seconds()),
		"nats": map[string]any{
			"connected": natsConnected,
			"status":    natsStatus,
			"url":       natsURL,
		},
		"redis": map[string]any{
			"ok":    redisOK,
			"error": redisErr,
		},
		"live": map[string]any{
			"connections": s.live.Count(),
		},
		"engine": map[string]any{
			"embedded": s.embedded,
		},
	})
}

func (s *server) handleGetMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusServiceUnavailable, "media store unavailable")
		return
	}
	data, meta, err := s.media.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, media.ErrNotFound) {
		writeError(w, http.StatusNotFound, "media not found")
		return
	}
	if err != nil {
		logging.Error(component, "read media", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "media unavailable")
		return
	}
	if meta.ContentType != "" {
		w.Header().Set("Content-Type", meta.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the application's {success:false, message} shape.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
