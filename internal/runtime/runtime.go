package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capability"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/controller"
	"github.com/loqalabs/loqa-scribe/internal/language"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/recognition"
	"github.com/loqalabs/loqa-scribe/internal/ui"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger
	ready  atomic.Bool
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	var (
		busClient *bus.Client
		registry  *capability.Registry
	)
	if r.cfg.Bus.Enabled {
		embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded nats: %w", err)
		}
		if embedded != nil {
			defer embedded.Shutdown()
			r.cfg.Bus.Servers = []string{embedded.ClientURL()}
		}

		busClient, err = bus.Connect(ctx, r.cfg.Bus, r.logger, nats.Name(r.cfg.Node.ID))
		if err != nil {
			return fmt.Errorf("failed to connect to bus: %w", err)
		}
		defer busClient.Close()

		registry, err = capability.NewRegistry(ctx, r.cfg.Node, busClient, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start capability registry: %w", err)
		}
		defer registry.Close()
	}

	engine, err := newEngine(r.cfg, busClient, registry, r.logger)
	if err != nil {
		return fmt.Errorf("failed to create recognition engine: %w", err)
	}

	ctrl, err := newController(r.cfg.Recognition, engine, r.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := ctrl.Close(); err != nil && !errors.Is(err, controller.ErrClosed) {
			r.logger.Warn("controller close error", slog.String("error", err.Error()))
		}
	}()

	uiServer, err := ui.New(ctrl, r.logger)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	r.registerHealth(mux)
	mux.Handle("/metrics", tel.metrics)
	uiServer.Register(mux)

	servers := []*http.Server{{
		Addr:              fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", tel.metrics)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			r.logger.Info("http server listening", slog.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("engine", r.cfg.Recognition.Engine),
		slog.String("language", r.cfg.Recognition.DefaultLanguage),
		slog.Bool("bus", busClient != nil),
	)

	return g.Wait()
}

func newEngine(cfg config.Config, busClient *bus.Client, registry *capability.Registry, log *slog.Logger) (recognition.Engine, error) {
	rc := cfg.Recognition
	switch rc.Engine {
	case "mock":
		return recognition.NewMockEngine(recognition.MockConfig{
			Phrases:    rc.MockPhrases,
			Interval:   time.Duration(rc.MockIntervalMS) * time.Millisecond,
			Confidence: rc.MockConfidence,
		}), nil
	case "exec":
		return recognition.NewExecEngine(rc.Command, log)
	case "bus":
		if busClient == nil {
			return nil, errors.New("bus engine requires bus.enabled")
		}
		timeout := time.Duration(rc.StartTimeoutMS) * time.Millisecond
		var availability recognition.Availability
		if registry != nil {
			availability = registry
		}
		return recognition.NewBusEngine(busClient, availability, cfg.Node.Capability, timeout), nil
	default:
		return nil, fmt.Errorf("unknown recognition engine %q", rc.Engine)
	}
}

func newController(rc config.RecognitionConfig, engine recognition.Engine, log *slog.Logger) (*controller.Controller, error) {
	lang, err := language.Lookup(rc.DefaultLanguage)
	if err != nil {
		return nil, fmt.Errorf("default language: %w", err)
	}
	return controller.New(engine, log,
		controller.WithLanguage(lang),
		controller.WithRestartDelay(time.Duration(rc.RestartDelayMS)*time.Millisecond),
		controller.WithRecognitionMode(rc.Continuous, rc.InterimResults),
	), nil
}

func (r *Runtime) registerHealth(mux *http.ServeMux) {
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
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
