package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-menu/internal/bus"
	"github.com/loqalabs/loqa-menu/internal/capture"
	"github.com/loqalabs/loqa-menu/internal/config"
	"github.com/loqalabs/loqa-menu/internal/eventstore"
	"github.com/loqalabs/loqa-menu/internal/micregistry"
	"github.com/loqalabs/loqa-menu/internal/natsserver"
	"github.com/loqalabs/loqa-menu/internal/recommend"
	"github.com/loqalabs/loqa-menu/internal/session"
)

// Version is overridden at build time with -ldflags.
var Version = "0.1.0-dev"

type Runtime struct {
	cfg        config.Config
	configPath string
	logger     *slog.Logger
	httpServer *http.Server
	telemetry  *telemetry
	natsServer *natsserver.EmbeddedServer
	bus        *bus.Client
	mics       *micregistry.Registry
	store      *eventstore.Store
	hub        *Hub
	session    *session.Service
	requester  *recommend.Requester
	ready      atomic.Bool
	wg         sync.WaitGroup
}

// New builds a runtime. configPath, when set, is watched for lookup changes.
func New(cfg config.Config, configPath string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := newTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetry = tel

	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	if r.bus != nil {
		mics, err := micregistry.New(ctx, r.cfg.Bus, r.bus, r.logger)
		if err != nil {
			r.shutdown()
			return fmt.Errorf("failed to start microphone registry: %w", err)
		}
		r.mics = mics
	}

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store

	device, err := capture.NewDevice(r.cfg.Capture, r.bus)
	if err != nil {
		r.shutdown()
		return fmt.Errorf("failed to configure capture device: %w", err)
	}
	playback := capture.NewPlaybackStore("/recordings/", r.cfg.Lookup.Filename)
	ctrl := capture.NewController(device, playback, capture.Options{
		MIMEType:    r.cfg.Capture.MIMEType,
		MaxDuration: time.Duration(r.cfg.Capture.MaxDurationMS) * time.Millisecond,
		Logger:      r.logger,
	})

	r.requester = recommend.NewRequester(r.cfg.Lookup, nil, r.logger)
	r.hub = NewHub(r.logger)
	if err := registerRuntimeGauges(tel.meter.Meter("github.com/loqalabs/loqa-menu/runtime"), playback, r.hub); err != nil {
		r.logger.Warn("failed to register runtime gauges", slog.String("error", err.Error()))
	}
	sinks := []session.Sink{session.StoreSink{Store: store, Device: r.cfg.Capture.Device}, r.hub}
	if r.bus != nil {
		sinks = append(sinks, session.BusSink{Bus: r.bus})
	}
	r.session = session.NewService(ctx, ctrl, r.requester, r.logger, sinks...)

	api := &API{
		Session:  r.session,
		Playback: playback,
		Store:    store,
		Hub:      r.hub,
		Mics:     r.mics,
		Metrics:  tel.Handler(),
		Ready:    r.isReady,
		Logger:   r.logger,
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
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

	if r.configPath != "" {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			err := config.Watch(ctx, r.configPath, r.logger, func(next config.Config) {
				r.requester.Update(next.Lookup)
				r.logger.Info("lookup settings updated",
					slog.String("endpoint", r.requester.Endpoint()),
					slog.String("default_location", next.Lookup.DefaultLocation),
					slog.Int("timeout_ms", next.Lookup.TimeoutMS))
			})
			if err != nil {
				r.logger.Warn("config watch stopped", slog.String("error", err.Error()))
			}
		}()
	}

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("capture_device", r.cfg.Capture.Device),
		slog.String("lookup_endpoint", r.requester.Endpoint()))

	<-ctx.Done()
	r.ready.Store(false)
	r.logger.Info("runtime stopping")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	r.hub.Close()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()
	r.shutdown()

	return nil
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	ns, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	r.natsServer = ns

	busCfg := r.cfg.Bus
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	r.bus = client
	return nil
}

// shutdown releases everything Start acquired, in reverse order.
func (r *Runtime) shutdown() {
	if r.session != nil {
		r.session.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.mics != nil {
		r.mics.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.natsServer.Shutdown()
	if r.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.telemetry.Shutdown(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() {
		return false
	}
	if r.cfg.Bus.Enabled && !r.bus.Healthy() {
		return false
	}
	return true
}
