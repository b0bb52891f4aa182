package scada

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/JupiterMack/jupiter-scada/internal/adapters/httpapi"
	"github.com/JupiterMack/jupiter-scada/internal/adapters/observability"
	"github.com/JupiterMack/jupiter-scada/internal/adapters/opcua"
	"github.com/JupiterMack/jupiter-scada/internal/adapters/sink"
	"github.com/JupiterMack/jupiter-scada/internal/app/connection"
	"github.com/JupiterMack/jupiter-scada/internal/app/gateway"
	"github.com/JupiterMack/jupiter-scada/internal/app/pipeline"
	"github.com/JupiterMack/jupiter-scada/internal/app/scheduler"
	"github.com/JupiterMack/jupiter-scada/internal/app/store"
	"github.com/JupiterMack/jupiter-scada/internal/domain"
	"github.com/JupiterMack/jupiter-scada/internal/ports"
)

var ErrAlreadyStarted = errors.New("scada: runtime already started")

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	session       Session
	mirrors       []Mirror
	observability Observability
	logger        *slog.Logger
	registry      *prometheus.Registry
}

// WithSession injects a custom session (simulators, other protocols) instead
// of the OPC UA client.
func WithSession(s Session) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.session = s
	}
}

// WithMirror adds a mirror that receives changed readings every
// mirror.interval. It may be given more than once.
func WithMirror(m Mirror) RuntimeOption {
	return func(o *runtimeOverrides) {
		if m != nil {
			o.mirrors = append(o.mirrors, m)
		}
	}
}

// WithObservability plugs in a custom logging and metrics backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.observability = obs
	}
}

// WithLogger sets the slog logger used by the default observability backend.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.logger = l
	}
}

// WithRegistry registers metrics on reg and serves it at /metrics.
func WithRegistry(reg *prometheus.Registry) RuntimeOption {
	return func(o *runtimeOverrides) {
		o.registry = reg
	}
}

// Runtime wires catalog -> scheduler -> read gateway -> connection manager and
// serves the reading store over HTTP, WebSocket and mirrors.
//
// An API port of 0 or an empty metrics address disables that server.
type Runtime struct {
	cfg      *Config
	tags     []Tag
	obs      ports.Observability
	registry *prometheus.Registry

	session   ports.Session
	manager   *connection.Manager
	gateway   *gateway.Gateway
	store     *store.Store
	scheduler *scheduler.Scheduler
	api       *httpapi.Server
	mirrors   []ports.Mirror
	db        *sql.DB

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

// NewRuntime bootstraps the default adapters (OPC UA session, Prometheus and
// slog observability, PostgreSQL mirror when configured). Options override
// any of them.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var overrides runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&overrides)
		}
	}

	reg := overrides.registry
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	obs := overrides.observability
	if obs == nil {
		logger := overrides.logger
		if logger == nil {
			logger = observability.NewLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
		}
		obs = observability.NewPromObs(reg, logger)
	}

	tags := cfg.Catalog()
	st, err := store.New(tags)
	if err != nil {
		return nil, err
	}

	session := overrides.session
	if session == nil {
		session, err = opcua.NewSession(cfg.OPCUA, opcua.WithObservability(obs))
		if err != nil {
			return nil, fmt.Errorf("opcua session: %w", err)
		}
	}

	mirrors := append([]ports.Mirror(nil), overrides.mirrors...)
	var db *sql.DB
	if cfg.Mirror.Enabled() {
		db, err = sql.Open("postgres", cfg.Mirror.ConnString)
		if err != nil {
			return nil, fmt.Errorf("open mirror database: %w", err)
		}
		mirrors = append(mirrors, sink.NewPostgresMirror(db, cfg.Mirror.Table))
	}

	manager := connection.NewManager(session, cfg.Policy.Reconnect, obs)
	manager.OnStateChange(func(from, to domain.ConnectionState) {
		if from == domain.StateConnected && to != domain.StateConnected {
			n := st.MarkStale()
			obs.LogInfo("readings_marked_stale", ports.Field{Key: "count", Value: n})
		}
	})

	gw := gateway.New(session, manager, gateway.Config{
		ReadTimeout:            cfg.Policy.ReadTimeout,
		MaxConsecutiveTimeouts: cfg.Policy.MaxConsecutiveTimeouts,
	}, obs)

	return &Runtime{
		cfg:       cfg,
		tags:      tags,
		obs:       obs,
		registry:  reg,
		session:   session,
		manager:   manager,
		gateway:   gw,
		store:     st,
		scheduler: scheduler.New(tags, gw, st, cfg.Policy.ShutdownGrace, obs),
		api:       httpapi.New(st, manager, httpapi.Config{PushInterval: cfg.API.PushInterval}, obs),
		mirrors:   mirrors,
		db:        db,
	}, nil
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// Start launches the connection supervisor, the read gateway, one polling
// goroutine per tag, the HTTP servers and the mirrors. It returns
// immediately; call Run to block on a context instead.
func (r *Runtime) Start(ctx context.Context) error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	r.obs.SetGauge("jupiter_tags_configured", float64(len(r.tags)))

	for _, m := range r.mirrors {
		if se, ok := m.(schemaEnsurer); ok {
			sctx, scancel := context.WithTimeout(ctx, 10*time.Second)
			err := se.EnsureSchema(sctx)
			scancel()
			if err != nil {
				r.obs.LogError("mirror_schema_failed", err, ports.Field{Key: "mirror", Value: m.Name()})
			}
		}
	}

	g.Go(func() error { return r.manager.Run(gctx) })
	g.Go(func() error { return r.gateway.Run(gctx) })

	if err := r.scheduler.Start(gctx); err != nil {
		cancel()
		_ = g.Wait()
		return err
	}

	if r.cfg.API.Port != 0 {
		addr := r.cfg.API.Addr()
		g.Go(func() error { return r.api.ListenAndServe(gctx, addr) })
	}
	if r.cfg.Metrics.Addr != "" {
		srv := &http.Server{
			Addr:              r.cfg.Metrics.Addr,
			Handler:           r.metricsHandler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error { return httpapi.Serve(gctx, srv, r.obs) })
	}
	for _, m := range r.mirrors {
		m := m
		g.Go(func() error {
			return pipeline.RunMirrorPipeline(gctx, r.store, m, r.cfg.Mirror.Interval, r.obs)
		})
	}

	r.started = true
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		err := g.Wait()
		r.mu.Lock()
		r.runErr = err
		r.mu.Unlock()
		close(r.done)
	}()

	r.obs.LogInfo("runtime_started",
		ports.Field{Key: "tags", Value: len(r.tags)},
		ports.Field{Key: "mirrors", Value: len(r.mirrors)})
	return nil
}

// Run starts the runtime and blocks until ctx is cancelled or a background
// server fails, then shuts down gracefully.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-r.done:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.cfg.Policy.ShutdownGrace+5*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

// Shutdown stops polling (waiting up to the shutdown grace for in-flight
// reads), stops the servers and mirrors, releases the session and closes the
// mirror database.
func (r *Runtime) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	var errs []error

	if err := r.scheduler.Stop(); err != nil {
		errs = append(errs, err)
	}

	if cancel != nil {
		cancel()
		select {
		case <-done:
			r.mu.Lock()
			if r.runErr != nil {
				errs = append(errs, r.runErr)
			}
			r.mu.Unlock()
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("shutdown: %w", ctx.Err()))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		r.obs.LogError("runtime_shutdown", err)
	} else {
		r.obs.LogInfo("runtime_stopped")
	}
	return err
}

// Snapshot returns every reading in catalog order.
func (r *Runtime) Snapshot() []Reading { return r.store.Snapshot() }

// Reading returns the latest reading of one tag.
func (r *Runtime) Reading(name string) (Reading, bool) { return r.store.Get(name) }

// State returns the connection state.
func (r *Runtime) State() ConnectionState { return r.manager.State() }

// Stats returns poll counters across all tags.
func (r *Runtime) Stats() PollStats { return r.scheduler.Stats() }

// Handler exposes the snapshot API for embedding in another server.
func (r *Runtime) Handler() http.Handler { return r.api.Handler() }

func (r *Runtime) metricsHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
