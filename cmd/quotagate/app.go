package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/nhalm/quotagate"
	"github.com/nhalm/quotagate/apikey"
	"github.com/nhalm/quotagate/internal/config"
	"github.com/nhalm/quotagate/plans"
	"github.com/nhalm/quotagate/store"
	"github.com/nhalm/quotagate/token"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

// app holds the wired server components.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	gatherer prometheus.Gatherer

	counters store.Store
	keys     apikey.Store
	registry *plans.Registry

	extractor *quotagate.Extractor
	quota     *quotagate.QuotaLimiter
	pipeline  *quotagate.Pipeline
}

type pinger interface {
	Ping(ctx context.Context) error
}

func openCounterStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Quota.Store {
	case "memory":
		return store.NewMemory(), nil
	default:
		return store.NewRedis(store.RedisConfig{
			URL:          cfg.Redis.URL,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			Prefix:       cfg.Redis.Prefix,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
	}
}

func openKeyStore(cfg *config.Config) (*apikey.SQLite, error) {
	if dir := filepath.Dir(cfg.Keys.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create key database directory: %w", err)
		}
	}
	return apikey.NewSQLiteWithConfig(apikey.SQLiteConfig{
		Path:        cfg.Keys.DBPath,
		BusyTimeout: cfg.Keys.BusyTimeout,
	})
}

// newApp wires every component from cfg. Counters and keys are supplied by
// the caller so tests can run without Redis or a database file.
func newApp(cfg *config.Config, logger *slog.Logger, reg *prometheus.Registry, counters store.Store, keys apikey.Store) (*app, error) {
	var metrics *quotagate.Metrics
	if cfg.Metrics.Enabled {
		metrics = quotagate.NewMetrics(reg)
	}

	loc, err := cfg.QuotaLocation()
	if err != nil {
		return nil, err
	}
	headerMode, err := quotagate.ParseRateLimitHeaderMode(cfg.Quota.HeaderMode)
	if err != nil {
		return nil, err
	}

	registryOpts := []plans.RegistryOption{
		plans.WithLogger(logger.With("component", "plans.registry")),
	}
	if metrics != nil {
		registryOpts = append(registryOpts, plans.WithRefreshObserver(metrics.ObservePlanRefresh))
	}
	registry := plans.NewRegistry(plans.NewFileSource(cfg.Plans.File), registryOpts...)

	signerOpts := []token.Option{token.WithTTL(cfg.Auth.TokenTTL)}
	if cfg.Auth.JWTIssuer != "" {
		signerOpts = append(signerOpts, token.WithIssuer(cfg.Auth.JWTIssuer))
	}
	signer, err := token.NewSigner([]byte(cfg.Auth.JWTSecret), signerOpts...)
	if err != nil {
		return nil, err
	}

	extractor := quotagate.NewExtractor(quotagate.TokenVerifier(signer), keys,
		quotagate.ExtractorWithAPIKeyHeader(cfg.Auth.APIKeyHeader),
		quotagate.ExtractorWithLogger(logger.With("component", "quotagate.extractor")),
		quotagate.ExtractorWithMetrics(metrics),
	)

	quotaOpts := []quotagate.QuotaOption{
		quotagate.QuotaWithLocation(loc),
		quotagate.QuotaWithHeaderMode(headerMode),
		quotagate.QuotaWithLogger(logger.With("component", "quotagate.quota")),
		quotagate.QuotaWithMetrics(metrics),
	}
	if cfg.Quota.FailOpen {
		quotaOpts = append(quotaOpts, quotagate.QuotaWithFailOpen())
	}
	quota := quotagate.NewQuotaLimiter(registry, counters, quotaOpts...)

	global := quotagate.NewGlobalLimiter(cfg.Global.PermitsPerSecond, quotagate.GlobalWithMetrics(metrics))

	return &app{
		cfg:       cfg,
		logger:    logger,
		gatherer:  reg,
		counters:  counters,
		keys:      keys,
		registry:  registry,
		extractor: extractor,
		quota:     quota,
		pipeline:  quotagate.NewPipeline(global, extractor, quota),
	}, nil
}

func (a *app) routes() http.Handler {
	r := chi.NewRouter()

	var handlerOpts []quotagate.HandlerOption
	if a.cfg.Logging.Canonlog {
		handlerOpts = append(handlerOpts, quotagate.WithCanonlog())
	}
	r.Use(quotagate.Handler(handlerOpts...))

	r.Get("/healthz", a.health)
	if a.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, a.cfg.Metrics.Path, promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(a.pipeline.Handler)
		r.Post("/checker/check-token", a.checkToken)
		r.Get("/usage", a.usage)
	})

	return r
}

func (a *app) health(_ http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status":          "ok",
		"plans":           len(a.registry.Plans()),
		"plans_loaded_at": a.registry.LoadedAt(),
	}

	if p, ok := a.counters.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			quotagate.SetLogField(r, "health_error", err.Error())
			quotagate.SetError(r, quotagate.ErrServiceUnavailable.With("Counter store unreachable"))
			return
		}
	}

	quotagate.SetResponse(r, http.StatusOK, body)
}

func (a *app) checkToken(_ http.ResponseWriter, r *http.Request) {
	claims, _ := quotagate.ClaimsFromContext(r.Context())
	quotagate.SetResponse(r, http.StatusOK, claims)
}

func (a *app) usage(_ http.ResponseWriter, r *http.Request) {
	claims, _ := quotagate.ClaimsFromContext(r.Context())

	usage, err := a.quota.Usage(r.Context(), claims)
	if err != nil {
		a.logger.Error("usage lookup failed", "subscriber_id", claims.SubscriberID, "error", err)
		quotagate.SetError(r, quotagate.ErrStoreUnavailable.With("Quota usage unavailable"))
		return
	}

	_, known := a.registry.Lookup(claims.PlanID)
	quotagate.SetResponse(r, http.StatusOK, map[string]any{
		"subscriber_id": claims.SubscriberID,
		"plan_id":       claims.PlanID,
		"plan_known":    known,
		"periods":       usage,
	})
}

// run loads plans, then serves HTTP alongside the plan refresher and file
// watcher until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if err := a.registry.Refresh(ctx); err != nil {
		a.logger.Warn("initial plan load failed, unknown plans will be admitted", "error", err)
	}

	if err := a.registry.Start(ctx, a.cfg.Plans.RefreshSchedule); err != nil {
		return fmt.Errorf("failed to start plan refresher: %w", err)
	}
	defer a.registry.Stop()

	srv := &http.Server{
		Addr:         a.cfg.Server.ListenAddress,
		Handler:      a.routes(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
		IdleTimeout:  a.cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting HTTP server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.logger.Info("shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	})

	if a.cfg.Plans.Watch {
		g.Go(func() error {
			if err := a.registry.WatchFile(gctx, a.cfg.Plans.File); err != nil {
				return fmt.Errorf("plan file watcher: %w", err)
			}
			return nil
		})
	}

	err := g.Wait()
	a.extractor.Wait()
	return err
}

func (a *app) close() {
	if err := a.counters.Close(); err != nil {
		a.logger.Warn("failed to close counter store", "error", err)
	}
	if err := a.keys.Close(); err != nil {
		a.logger.Warn("failed to close key store", "error", err)
	}
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
