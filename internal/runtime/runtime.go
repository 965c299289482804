package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vozfin/vozfin-core/internal/api"
	"github.com/vozfin/vozfin-core/internal/bus"
	"github.com/vozfin/vozfin-core/internal/config"
	"github.com/vozfin/vozfin-core/internal/device"
	"github.com/vozfin/vozfin-core/internal/eventstore"
	"github.com/vozfin/vozfin-core/internal/ledger"
	"github.com/vozfin/vozfin-core/internal/natsserver"
	"github.com/vozfin/vozfin-core/internal/protocol"
	"github.com/vozfin/vozfin-core/internal/speech"
	"github.com/vozfin/vozfin-core/internal/stt"
	"github.com/vozfin/vozfin-core/internal/voice"
)

const prunerInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	devices *device.Registry
	events  *eventstore.Store
	ledger  *ledger.Store
	voice   *voice.Coordinator
	api     *api.Server
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

	if err := r.startServices(ctx, metricsHandler); err != nil {
		cancel()
		r.wg.Wait()
		r.stopServices()
		r.closeTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
			serveErr <- err
			cancel()
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.stopServices()
	r.wg.Wait()
	r.closeTelemetry()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// Ready reports whether the runtime is serving and the bus is connected.
func (r *Runtime) Ready() bool {
	return r.ready.Load() && r.bus != nil && r.bus.Healthy()
}

func (r *Runtime) startServices(ctx context.Context, metricsHandler http.Handler) error {
	busCfg := r.cfg.Bus
	srv, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded nats: %w", err)
	}
	r.nats = srv
	if srv != nil {
		busCfg.Servers = []string{srv.ClientURL()}
	}

	r.bus, err = bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	maxAge := time.Duration(r.cfg.EventStore.RetentionDays) * 24 * time.Hour
	if err := r.bus.EnsureStream(protocol.StreamTransactions, []string{protocol.SubjectTransactionCreated}, maxAge); err != nil {
		r.logger.Warn("transaction stream unavailable", slog.String("error", err.Error()))
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	if err := r.events.Ensure(); err != nil {
		return fmt.Errorf("event store: %w", err)
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.events.RunPruner(ctx, prunerInterval)
	}()

	r.ledger, err = ledger.Open(ctx, r.cfg.Ledger, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}

	platforms, err := r.platformFactory(ctx)
	if err != nil {
		return err
	}
	r.voice = voice.NewCoordinator(ctx, voice.Options{
		Capture:   r.cfg.Capture,
		Bus:       r.bus,
		Ledger:    r.ledger,
		Timeline:  r.events,
		Platforms: platforms,
		Location:  r.cfg.Location(),
		Logger:    r.logger,
	})

	r.devices, err = device.NewRegistry(ctx, r.cfg.Devices, r.bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start device registry: %w", err)
	}
	r.devices.OnAnnounce(r.voice.Attach)

	r.api, err = api.New(api.Options{
		Config:      r.cfg.API,
		Ledger:      r.ledger,
		Coordinator: r.voice,
		Devices:     r.devices,
		Metrics:     metricsHandler,
		Ready:       r.Ready,
		Logger:      r.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create api: %w", err)
	}
	return nil
}

func (r *Runtime) platformFactory(ctx context.Context) (voice.PlatformFactory, error) {
	if !r.cfg.STT.Enabled {
		r.logger.Info("speech recognition disabled")
		return nil, nil
	}
	recognizer, err := stt.NewRecognizer(r.cfg.STT)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer: %w", err)
	}
	r.logger.Info("speech recognition enabled", slog.String("mode", r.cfg.STT.Mode))
	return func(d device.Device) speech.Platform {
		if !d.MicrophoneSupported {
			return nil
		}
		return stt.NewDeviceEngine(ctx, d.ID, r.cfg.STT, r.bus, recognizer, r.logger)
	}, nil
}

// stopServices releases whatever startServices managed to create, in
// reverse order.
func (r *Runtime) stopServices() {
	if r.api != nil {
		r.api.Close()
	}
	if r.devices != nil {
		r.devices.Close()
	}
	if r.voice != nil {
		r.voice.Close()
	}
	if r.ledger != nil {
		if err := r.ledger.Close(); err != nil {
			r.logger.Warn("ledger close error", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) closeTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}
