package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haven-labs/haven-audio/internal/api"
	"github.com/haven-labs/haven-audio/internal/assembly"
	"github.com/haven-labs/haven-audio/internal/blob"
	"github.com/haven-labs/haven-audio/internal/bus"
	"github.com/haven-labs/haven-audio/internal/config"
	"github.com/haven-labs/haven-audio/internal/jobstore"
	"github.com/haven-labs/haven-audio/internal/natsserver"
	"github.com/haven-labs/haven-audio/internal/notify"
	"github.com/haven-labs/haven-audio/internal/synth"
	"github.com/haven-labs/haven-audio/internal/trigger"
)

// Runtime assembles the daemon: storage, synthesis, the job manager, the bus
// services and the HTTP surface. Start blocks until the context is cancelled,
// then shuts the pieces down in reverse order.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	store, err := jobstore.Open(ctx, r.cfg.JobStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	defer store.Close()

	blobs, err := blob.Open(r.cfg.Blob, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open blob store: %w", err)
	}

	synthesizer, err := synth.New(r.cfg.Synth)
	if err != nil {
		return fmt.Errorf("failed to configure speech synthesis: %w", err)
	}
	if err := synthesizer.Ready(); err != nil {
		// Not fatal at startup: jobs fail individually until it is fixed.
		r.logger.Warn("speech synthesis not ready", slog.String("error", err.Error()))
	}

	var (
		embedded  *natsserver.EmbeddedServer
		busClient *bus.Client
	)
	if r.cfg.Bus.Enabled {
		embedded, err = natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded NATS server: %w", err)
		}
		defer embedded.Shutdown()

		busCfg := r.cfg.Bus
		if embedded != nil {
			busCfg.Servers = []string{fmt.Sprintf("nats://127.0.0.1:%d", busCfg.Port)}
		}
		busClient, err = bus.Connect(busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to NATS: %w", err)
		}
		defer busClient.Close()
	}

	var notifier assembly.Notifier
	if r.cfg.Notify.Enabled && busClient != nil {
		notifier = notify.New(r.cfg.Notify, busClient, r.logger)
	}

	manager := assembly.NewManager(ctx, r.cfg.Assembly, store, blobs, synthesizer, notifier, r.logger)
	defer manager.Close()

	if r.cfg.Trigger.Enabled && busClient != nil {
		triggerSvc := trigger.New(r.cfg.Trigger, busClient, manager, r.logger)
		if err := triggerSvc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start assembly trigger: %w", err)
		}
		defer triggerSvc.Close()
	}

	router := api.NewServer(manager, store, blobs, r.logger).Routes()
	router.Get("/healthz", r.handleHealth)
	router.Get("/readyz", r.handleReady)
	if metricsHandler != nil {
		router.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("synth_mode", r.cfg.Synth.Mode),
		slog.Bool("bus", busClient != nil))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
