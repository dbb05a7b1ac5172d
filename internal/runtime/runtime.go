package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-stt/internal/bus"
	"github.com/loqalabs/loqa-stt/internal/capability"
	"github.com/loqalabs/loqa-stt/internal/config"
	"github.com/loqalabs/loqa-stt/internal/engine"
	"github.com/loqalabs/loqa-stt/internal/eventstore"
	"github.com/loqalabs/loqa-stt/internal/natsserver"
	"github.com/loqalabs/loqa-stt/internal/stt"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 10 * time.Second
	pruneInterval   = time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool

	nats     *natsserver.EmbeddedServer
	bus      *bus.Client
	store    *eventstore.Store
	engines  *engine.Factory
	stt      *stt.Service
	registry *capability.Registry
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, serves until ctx ends and then shuts
// them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.startComponents(ctx); err != nil {
		r.stopComponents()
		return err
	}
	defer r.stopComponents()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		r.runPrune(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	return g.Wait()
}

func (r *Runtime) startComponents(ctx context.Context) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.store, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	var load func() int
	var local []capability.Capability
	if r.cfg.STT.Enabled {
		r.engines, err = engine.NewFactory(ctx, r.cfg.STT, r.logger)
		if err != nil {
			return fmt.Errorf("configure stt engine: %w", err)
		}
		r.stt, err = stt.NewService(ctx, stt.ServiceOptions{
			Config:     r.cfg.STT,
			Bus:        r.bus,
			Store:      r.store,
			EngineName: r.engines.Name(),
			NewEngine:  r.engines.New,
			Logger:     r.logger,
		})
		if err != nil {
			return err
		}
		if err := r.stt.Start(); err != nil {
			return err
		}
		load = r.stt.ActiveSessions
		local = append(local, capability.STT(r.cfg.STT))
	}

	r.registry, err = capability.NewRegistry(ctx, capability.Options{
		Node:  r.cfg.Node,
		Local: local,
		Load:  load,
	}, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	return nil
}

// stopComponents tolerates a partially started runtime.
func (r *Runtime) stopComponents() {
	if r.registry != nil {
		r.registry.Close()
	}
	if r.stt != nil {
		r.stt.Close()
	}
	if r.engines != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := r.engines.Close(shutdownCtx); err != nil {
			r.logger.Warn("failed to close stt engine", slog.String("error", err.Error()))
		}
		cancel()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("failed to close event store", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil && ctx.Err() == nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

func (r *Runtime) healthy() bool {
	if !r.bus.Healthy() {
		return false
	}
	if r.stt != nil && !r.stt.Healthy() {
		return false
	}
	return true
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
