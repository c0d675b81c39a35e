package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/loqalabs/loqa-room/internal/bus"
	"github.com/loqalabs/loqa-room/internal/config"
	"github.com/loqalabs/loqa-room/internal/eventstore"
	"github.com/loqalabs/loqa-room/internal/natsserver"
	"github.com/loqalabs/loqa-room/internal/room"
	"github.com/loqalabs/loqa-room/internal/router"
	"github.com/loqalabs/loqa-room/internal/stt"
	"github.com/loqalabs/loqa-room/internal/token"
)

// service is a bus-attached worker with the loqa lifecycle.
type service interface {
	Start() error
	Close()
	Healthy() bool
}

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	tracerClose    func(context.Context) error
	metricsHandler http.Handler
	nats           *natsserver.EmbeddedServer
	bus            *bus.Client
	store          *eventstore.Store
	services       []service
	simulator      *stt.Simulator
	session        *room.Session
	participants   func() []string
	router         *router.Service
	ready          atomic.Bool
	wg             sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings the agent into its room and blocks until ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry
	r.metricsHandler = metricsHandler

	if err := r.startComponents(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("transport", r.cfg.Room.Transport),
		slog.String("session_id", r.session.ID()),
	)

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) startComponents(ctx context.Context) error {
	if r.cfg.NeedsBus() {
		if err := r.startBus(ctx); err != nil {
			return err
		}
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	caps, err := r.buildCapabilities(ctx)
	if err != nil {
		return err
	}
	for _, svc := range caps.services {
		if err := svc.Start(); err != nil {
			svc.Close()
			return err
		}
		r.services = append(r.services, svc)
	}

	sessionID := uuid.NewString()
	timeline, err := store.Timeline(ctx, sessionID, r.cfg.Room.Identity, r.cfg.Room.Name)
	if err != nil {
		return err
	}

	session, pipeline, err := r.joinRoom(ctx, sessionID, timeline, caps)
	if err != nil {
		return err
	}
	r.session = session
	if err := session.Start(ctx); err != nil {
		return fmt.Errorf("start room session: %w", err)
	}
	if r.participants != nil {
		for _, identity := range r.participants() {
			session.ParticipantJoined(identity)
		}
	}

	sources := []stt.Source{session.Chat()}
	if r.simulator != nil {
		sources = append(sources, r.simulator)
	}
	if caps.transcripts != nil {
		sources = append(sources, caps.transcripts)
	}
	r.router = router.NewService(ctx, pipeline, router.Options{
		Identity:    r.cfg.Room.Identity,
		ReplyPrefix: r.cfg.Agent.ReplyPrefix,
	}, r.logger, sources...)
	return r.router.Start()
}

func (r *Runtime) startBus(ctx context.Context) error {
	busCfg := r.cfg.Bus
	if busCfg.Embedded {
		ns, err := natsserver.Start(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = ns
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	r.bus = client
	return nil
}

// shutdown releases components in reverse start order.
func (r *Runtime) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if r.httpServer != nil {
		if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()

	if r.router != nil {
		r.router.Close()
	}
	if r.simulator != nil {
		r.simulator.Stop()
	}
	if r.session != nil {
		if err := r.session.Close(shutdownCtx); err != nil {
			r.logger.Error("room session shutdown error", slog.String("error", err.Error()))
		}
	}
	for i := len(r.services) - 1; i >= 0; i-- {
		r.services[i].Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if r.metricsHandler != nil {
		mux.Handle("/metrics", r.metricsHandler)
	}
	mux.Handle("/api/token", token.Handler(token.NewIssuer(r.cfg.Room), r.logger))
	mux.HandleFunc("GET /sessions/{id}/events", r.handleSessionEvents)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, req *http.Request) {
	if r.ready.Load() && r.componentsHealthy(req.Context()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) componentsHealthy(ctx context.Context) bool {
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.store != nil && !r.store.Healthy(ctx) {
		return false
	}
	for _, svc := range r.services {
		if !svc.Healthy() {
			return false
		}
	}
	return r.router == nil || r.router.Healthy()
}

func (r *Runtime) handleSessionEvents(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		http.Error(w, "event store unavailable", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if v := req.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	events, err := r.store.ListSessionEvents(req.Context(), req.PathValue("id"), limit)
	if err != nil {
		r.logger.Error("list session events failed", slog.String("error", err.Error()))
		http.Error(w, "failed to list events", http.StatusInternalServerError)
		return
	}
	if events == nil {
		events = []eventstore.Event{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(events)
}
