package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/overseer-io/overseer/config"
	"github.com/overseer-io/overseer/internal/adapter"
	"github.com/overseer-io/overseer/internal/controller"
	"github.com/overseer-io/overseer/internal/daemon"
	"github.com/overseer-io/overseer/internal/httpx"
	"github.com/overseer-io/overseer/internal/kvstore"
	"github.com/overseer-io/overseer/internal/notify"
)

// ServiceContainer holds all application services.
type ServiceContainer struct {
	Controller   *controller.Controller
	Notify       *notify.Service
	Orchestrator *daemon.Orchestrator
	Notifier     *daemon.Notifier

	queue    *BuiltStore
	registry *BuiltStore
	closers  []func() error
}

// Version is stamped at build time via -ldflags.
var Version = "dev"

// BuildServices constructs the service container from configuration.
func BuildServices(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) (*ServiceContainer, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	queue, err := BuildStore(ctx, cfg.Queue, "overseer_queue")
	if err != nil {
		return nil, fmt.Errorf("build queue store: %w", err)
	}
	registry, err := BuildStore(ctx, cfg.Registry, "overseer_registry")
	if err != nil {
		queue.Close()
		return nil, fmt.Errorf("build registry store: %w", err)
	}

	c, err := controller.New(controller.Options{
		Queue:         queue.Store,
		Registry:      registry.Store,
		Logger:        logger,
		PoolSize:      cfg.Worker.PoolSize,
		PollInterval:  cfg.Worker.PollInterval,
		AbortTimeout:  cfg.Worker.AbortTimeout,
		TokenTTL:      cfg.Worker.TokenTTL,
		RequeueOnStop: cfg.Worker.RequeueOnStop,
		Actor:         cfg.Worker.Actor,
	})
	if err != nil {
		return nil, fmt.Errorf("build controller: %w", err)
	}

	container := &ServiceContainer{
		Controller: c,
		queue:      queue,
		registry:   registry,
		closers:    []func() error{queue.Close, registry.Close},
	}

	if cfg.Notify.Enabled {
		topics := make(map[string]notify.TopicConfig, len(cfg.Notify.Topics))
		for _, name := range cfg.Notify.Topics {
			topics[name] = notify.TopicConfig{Store: kvstore.NewMemoryStore()}
		}
		n, err := notify.New(notify.Options{
			Registry:    kvstore.NewMemoryStore(),
			Topics:      topics,
			Logger:      logger,
			CallTimeout: cfg.Notify.CallTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("build notify service: %w", err)
		}
		container.Notify = n
	}

	orchestrator, err := daemon.NewOrchestrator(daemon.OrchestratorOptions{
		Controller:    c,
		Probes:        []kvstore.Store{queue.Store, registry.Store},
		Logger:        logger,
		RetryInterval: cfg.Worker.StoreRetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}
	container.Orchestrator = orchestrator

	if cfg.Notify.Daemon.RemoteURL != "" {
		notifier, err := daemon.NewNotifier(daemon.NotifierOptions{
			BaseURL:     cfg.Notify.Daemon.RemoteURL,
			CallbackURL: strings.TrimRight(cfg.HTTP.BaseURL, "/") + cfg.Notify.Daemon.CallbackPath,
			Topics:      cfg.Notify.Daemon.Topics,
			Logger:      logger,
			Interval:    cfg.Notify.Daemon.Interval,
		})
		if err != nil {
			return nil, fmt.Errorf("build notifier: %w", err)
		}
		container.Notifier = notifier
	}

	return container, nil
}

// NewAdapter builds a remote service adapter with the configured defaults.
func (s *ServiceContainer) NewAdapter(cfg config.AdapterConfig, spec adapter.Spec, baseURL string, logger *slog.Logger) (*adapter.Adapter, error) {
	return adapter.New(spec, adapter.Options{
		BaseURL:        baseURL,
		Logger:         logger,
		RequestTimeout: cfg.RequestTimeout,
		JobTimeout:     cfg.JobTimeout,
		PollInterval:   cfg.PollInterval,
		MaxRetries:     cfg.MaxRetries,
	})
}

// Ready reports whether every daemon finished its startup handshake.
func (s *ServiceContainer) Ready() bool {
	if s.Orchestrator != nil && !s.Orchestrator.Ready() {
		return false
	}
	if s.Notifier != nil && !s.Notifier.Ready() {
		return false
	}
	return true
}

// Close releases the store connections.
func (s *ServiceContainer) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildHandler assembles the HTTP router over the container's services.
func (s *ServiceContainer) BuildHandler(cfg *config.AppConfig, logger *slog.Logger) http.Handler {
	services := httpx.RouterServices{
		Jobs: &httpx.JobHandlers{
			Controller: s.Controller,
			Notify:     s.Notify,
			AbortTopic: cfg.Notify.AbortTopic,
		},
		Default: &httpx.DefaultHandlers{
			Ready: s.Ready,
			Identity: httpx.Identity{
				Name:     cfg.Name,
				Version:  Version,
				JobTypes: s.Controller.Types(),
				Topics:   s.topicNames(),
			},
		},
		Logger:      logger,
		CORSEnabled: cfg.HTTP.CORSEnabled,
	}
	if s.Notify != nil {
		services.Notify = &httpx.NotifyHandlers{Svc: s.Notify}
	}
	if cfg.HTTP.StoreProxyEnabled {
		services.Store = &httpx.StoreHandlers{Store: s.registry.Store}
	}
	return httpx.NewRouter(services)
}

func (s *ServiceContainer) topicNames() []string {
	if s.Notify == nil {
		return nil
	}
	return s.Notify.Topics()
}

// RunServicesWithShutdown starts the daemons and the HTTP server and blocks
// until a shutdown signal arrives or a service fails.
func RunServicesWithShutdown(cfg *config.AppConfig, container *ServiceContainer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      container.BuildHandler(cfg, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return container.Orchestrator.Run(groupCtx)
	})
	if container.Notifier != nil {
		group.Go(func() error {
			return container.Notifier.Run(groupCtx)
		})
	}
	group.Go(func() error {
		logger.InfoContext(groupCtx, "starting HTTP server", "addr", cfg.HTTP.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	if closeErr := container.Close(); closeErr != nil {
		logger.Error("close stores", "error", closeErr)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}
