// Package app is the composition root: it builds the five core
// components and their collaborators from configuration and explicit
// constructor injection, assembles the chi router, and runs the server.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"keygate/internal/config"
	"keygate/internal/events"
	"keygate/internal/infrastructure"
	"keygate/internal/license"
	"keygate/internal/middleware"
	"keygate/internal/security"
	"keygate/internal/signedlink"
	"keygate/internal/store/memory"
	"keygate/internal/store/postgres"
	redisstore "keygate/internal/store/redis"
	transport "keygate/internal/transport/http"
)

// Application holds the wired components and the HTTP server.
type Application struct {
	Config   *config.Config
	Logger   *slog.Logger
	Router   *chi.Mux
	Registry *prometheus.Registry

	Lifecycle *license.Lifecycle
	Ledger    *license.Ledger
	Guard     *security.Guard
	Links     *signedlink.Service
	Csrf      *security.CsrfService

	housekeeper *Housekeeper
	otel        *infrastructure.OTelProviders
	shutdowns   []func(context.Context) error
}

// New wires the application from configuration.
func New(cfg *config.Config) (*Application, error) {
	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	otelProviders, err := infrastructure.InitializeOTel(registry, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize otel: %w", err)
	}

	app := &Application{
		Config:   cfg,
		Logger:   logger,
		Registry: registry,
		otel:     otelProviders,
	}
	if err := app.wireCore(); err != nil {
		return nil, err
	}
	app.setupRouter()
	return app, nil
}

// wireCore builds stores per configuration and injects them into the
// five core components.
func (a *Application) wireCore() error {
	ctx := context.Background()
	cfg := a.Config

	bus := events.NewBus(a.Logger)
	bus.Subscribe(events.NewLogListener(a.Logger))
	eventListener, eventCounter := events.NewMetricsListener()
	a.Registry.MustRegister(eventCounter)
	bus.Subscribe(eventListener)

	var (
		licStore  license.Store
		actStore  license.ActivationStore
		linkStore signedlink.Store
		blocks    security.BlockStore
	)
	switch cfg.Storage.Driver {
	case "postgres":
		pool, err := postgres.Connect(ctx, cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			return err
		}
		a.shutdowns = append(a.shutdowns, func(context.Context) error {
			pool.Close()
			return nil
		})
		licStore = postgres.NewLicenseStore(pool)
		actStore = postgres.NewActivationStore(pool)
		blocks = postgres.NewBlockStore(pool)
		if cfg.Storage.AuditSignedLinks {
			linkStore = postgres.NewSignedLinkStore(pool)
		}
	default:
		licStore = memory.NewLicenseStore()
		actStore = memory.NewActivationStore()
		blocks = memory.NewBlockStore()
		if cfg.Storage.AuditSignedLinks {
			linkStore = memory.NewSignedLinkStore()
		}
	}

	var counters security.CounterStore
	switch cfg.Storage.CounterDriver {
	case "redis":
		client, err := redisstore.Connect(ctx, cfg.Storage.RedisAddr, cfg.Storage.RedisPassword, cfg.Storage.RedisDB)
		if err != nil {
			return err
		}
		a.shutdowns = append(a.shutdowns, func(context.Context) error { return client.Close() })
		counters = redisstore.NewCounterStore(client)
	default:
		counters = memory.NewCounterStore()
	}

	codec, err := license.NewKeyCodec([]byte(cfg.Secrets.KeyHash), []byte(cfg.Secrets.KeyLookup))
	if err != nil {
		return fmt.Errorf("key codec: %w", err)
	}
	a.Ledger = license.NewLedger(actStore, cfg.License.DeveloperDomains, a.Logger)
	a.Lifecycle = license.NewLifecycle(codec, licStore, a.Ledger, bus, cfg.License.GracePeriod, a.Logger)

	a.Guard = security.NewGuard(counters, blocks, bus, security.GuardConfig{
		FailedAttemptThreshold: cfg.Security.FailedAttemptThreshold,
		BlockDuration:          cfg.Security.BlockDuration,
		AllowPrivateNetworks:   cfg.Security.AllowPrivateNetworks,
	}, a.Logger)

	a.Links, err = signedlink.NewService([]byte(cfg.Secrets.SignedLink), linkStore,
		cfg.SignedLinks.SingleUsePurposes, a.Logger)
	if err != nil {
		return fmt.Errorf("signed link service: %w", err)
	}

	a.Csrf, err = security.NewCsrfService([]byte(cfg.Secrets.Csrf), cfg.Security.CsrfTTL)
	if err != nil {
		return fmt.Errorf("csrf service: %w", err)
	}

	a.housekeeper = NewHousekeeper(a.Lifecycle, a.Ledger, a.Links, a.Guard, cfg.Housekeeping, a.Logger)
	return nil
}

func (a *Application) setupRouter() {
	cfg := a.Config
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.StructuredLogger(a.Logger))
	r.Use(middleware.Recoverer(a.Logger))
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.NewRateLimiter(cfg.Security.TransportRPS, cfg.Security.TransportBurst, a.Logger).Handler)

	healthHandler := transport.NewHealthHandler(infrastructure.ServiceVersion)
	r.Get("/healthz", healthHandler.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(a.Registry, promhttp.HandlerOpts{}))

	licenseHandler := transport.NewLicenseHandler(a.Lifecycle, a.Ledger, a.Csrf, a.Guard, a.Logger)
	downloadHandler := transport.NewDownloadHandler(a.Links, NewArtifactResolver(os.Getenv("KEYGATE_ARTIFACTS_DIR")), cfg.SignedLinks.DefaultTTL, a.Guard, a.Logger)
	securityHandler := transport.NewSecurityHandler(a.Guard, a.Csrf, a.Logger)
	webhookHandler := transport.NewWebhookHandler(a.Lifecycle, a.Logger)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(chimiddleware.Timeout(cfg.Server.ReadTimeout))
		r.Use(middleware.IdentityScreen(a.Guard, cfg.Security.RateLimit, cfg.Security.RateWindow, a.Logger))

		r.Mount("/licenses", licenseHandler.Routes())
		r.Mount("/links", downloadHandler.Routes())
		r.Mount("/security", securityHandler.Routes())
		r.Mount("/webhooks", webhookHandler.Routes())
		r.Get("/csrf-token", securityHandler.CsrfToken)
		r.Get("/download", downloadHandler.Download)
	})

	a.Router = r
}

// Run starts the HTTP server and the housekeeper and blocks until a
// shutdown signal arrives.
func (a *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.Logger.Info("server listening", slog.Int("port", a.Config.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	if a.Config.Housekeeping.Enabled {
		g.Go(func() error {
			a.housekeeper.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	a.close()
	return err
}

func (a *Application) close() {
	ctx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	if err := a.otel.Shutdown(ctx); err != nil {
		a.Logger.Error("otel shutdown failed", slog.String("error", err.Error()))
	}
	for _, fn := range a.shutdowns {
		if err := fn(ctx); err != nil {
			a.Logger.Error("shutdown hook failed", slog.String("error", err.Error()))
		}
	}
}
