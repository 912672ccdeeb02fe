package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"payrail/internal/adapters/chaingateway"
	"payrail/internal/adapters/fxrates"
	"payrail/internal/adapters/proofrails"
	"payrail/internal/domain/audit"
	"payrail/internal/domain/compliance"
	"payrail/internal/domain/payroll"
	"payrail/internal/domain/rates"
	"payrail/internal/domain/receipt"
	"payrail/internal/domain/settlement"
	"payrail/internal/platform/config"
	"payrail/internal/platform/db"
	"payrail/internal/platform/email"
	"payrail/internal/platform/jobs"
	"payrail/internal/platform/metrics"
	audithandler "payrail/internal/transport/http/handlers/audit"
	compliancehandler "payrail/internal/transport/http/handlers/compliance"
	rateshandler "payrail/internal/transport/http/handlers/rates"
	receipthandler "payrail/internal/transport/http/handlers/receipts"
	runshandler "payrail/internal/transport/http/handlers/runs"
	settlementhandler "payrail/internal/transport/http/handlers/settlement"
	"payrail/internal/transport/http/middleware"
)

const (
	moneyMovementLimit  = 30
	moneyMovementWindow = time.Minute
	shutdownTimeout     = 20 * time.Second
)

// Services is everything the HTTP API calls into.
type Services struct {
	Runs       *payroll.Service
	Engine     *settlement.Engine
	Issuer     *receipt.Issuer
	Rates      rateshandler.Store
	Audit      audithandler.Log
	Compliance *compliance.Service
}

type App struct {
	Config   config.Config
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Services Services
	Jobs     *jobs.Service
	Metrics  *metrics.Collector
	Router   http.Handler
}

func policyFromConfig(cfg config.Config) settlement.Policy {
	return settlement.Policy{
		Network:              cfg.SettlementNetwork,
		Currency:             cfg.SettlementCurrency,
		Confirmations:        cfg.Confirmations,
		NetworkConfirmations: cfg.NetworkConfirmations,
		MaxAttempts:          cfg.SubmitMaxAttempts,
		BackoffBase:          cfg.SubmitBackoffBase,
		BackoffMax:           cfg.SubmitBackoffMax,
		CallTimeout:          cfg.ChainCallTimeout,
		StuckTimeout:         cfg.StuckTimeout,
		ResumeAfter:          cfg.ResumePendingAfter,
		Concurrency:          cfg.SettlementConcurrency,
	}
}

func fxProvider(cfg config.Config) (settlement.FXProvider, *redis.Client, error) {
	var provider settlement.FXProvider = fxrates.Static{}
	if cfg.FXRatesURL != "" {
		provider = fxrates.NewHTTPProvider(cfg.FXRatesURL, cfg.ChainCallTimeout)
	}
	if cfg.RedisURL == "" {
		return provider, nil, nil
	}
	client, err := fxrates.Connect(cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return fxrates.NewRedisCache(client, provider, cfg.FXCacheTTL), client, nil
}

// New connects to Postgres, applies migrations and assembles the engine.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := db.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool, cfg.MigrationsDir); err != nil {
			pool.Close()
			return nil, fmt.Errorf("migrations: %w", err)
		}
	}

	fx, redisClient, err := fxProvider(cfg)
	if err != nil {
		pool.Close()
		return nil, err
	}
	if cfg.ChainGatewayURL == "" {
		slog.Warn("CHAIN_GATEWAY_URL not set; transfers will fail to submit")
	}

	collector := metrics.New()
	auditLog := audit.New(pool)
	runStore := payroll.NewStore(pool)
	roster := payroll.NewRoster(pool)
	rateStore := rates.NewStore(pool)

	engine := settlement.NewEngine(settlement.Deps{
		Store:    settlement.NewStore(pool),
		Items:    runStore,
		Roster:   roster,
		Chain:    chaingateway.New(cfg.ChainGatewayURL, cfg.ChainCallTimeout),
		FX:       fx,
		Recorder: auditLog,
		Metrics:  collector,
	}, policyFromConfig(cfg))
	runs := payroll.NewService(runStore, roster, rateStore, engine, payroll.Config{Concurrency: cfg.SettlementConcurrency})
	issuer := receipt.NewIssuer(receipt.NewStore(pool), engine, roster,
		proofrails.New(cfg.ProofrailsURL, cfg.ProofrailsAPIKey, cfg.VerifyTimeout), collector, cfg.VerifyTimeout)
	engine.OnSettled(settledHook(issuer, runs))
	engine.OnSettled(remediationAlert(email.New(cfg), cfg.AlertFrom, cfg.AlertTo))

	if cfg.RunSeed {
		if err := db.Seed(ctx, engine, cfg); err != nil {
			pool.Close()
			return nil, fmt.Errorf("seed: %w", err)
		}
	}

	services := Services{
		Runs:       runs,
		Engine:     engine,
		Issuer:     issuer,
		Rates:      rateStore,
		Audit:      auditLog,
		Compliance: compliance.NewService(runs, roster, engine, issuer),
	}

	jobService := jobs.New(pool, collector)
	scheduleJobs(jobService, cfg, services)

	return &App{
		Config:   cfg,
		DB:       pool,
		Redis:    redisClient,
		Services: services,
		Jobs:     jobService,
		Metrics:  collector,
		Router:   NewRouter(cfg, services, collector, pool.Ping),
	}, nil
}

func scheduleJobs(js *jobs.Service, cfg config.Config, s Services) {
	js.Schedule(jobs.JobConfirmations, cfg.ConfirmationInterval, s.Engine.PollConfirmations)
	js.Schedule(jobs.JobResumePending, cfg.PendingResumeInterval, s.Engine.ResumePending)
	js.Schedule(jobs.JobReceiptSweep, cfg.ReceiptSweepInterval, s.Issuer.SweepConfirmed)
	js.Schedule(jobs.JobRunRefresh, cfg.RunRefreshInterval, s.Runs.RefreshProcessingRuns)
}

// NewRouter builds the HTTP surface. ready backs /readyz; collector may be nil.
func NewRouter(cfg config.Config, s Services, collector *metrics.Collector, ready func(context.Context) error) http.Handler {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Auth(cfg.JWTSecret))
	router.Use(middleware.Logger(collector))
	router.Use(chimw.Recoverer)
	router.Use(middleware.SecureHeaders(cfg.Environment == "production"))
	router.Use(middleware.BodyLimit(cfg.MaxBodyBytes))

	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	router.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if ready != nil {
			if err := ready(ctx); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})

	if cfg.MetricsEnabled && collector != nil {
		router.Handle("/metrics", collector.Handler())
	}

	router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.MoneyMovementRateLimit(moneyMovementLimit, moneyMovementWindow))

		runshandler.NewHandler(s.Runs).RegisterRoutes(r)
		settlementhandler.NewHandler(s.Engine, s.Runs, s.Runs).RegisterRoutes(r)
		receipthandler.NewHandler(s.Issuer).RegisterRoutes(r)
		rateshandler.NewHandler(s.Rates).RegisterRoutes(r)
		audithandler.NewHandler(s.Audit).RegisterRoutes(r)
		compliancehandler.NewHandler(s.Compliance).RegisterRoutes(r)
	})

	return router
}

// Run serves until ctx is cancelled, then drains in-flight requests.
func (a *App) Run(ctx context.Context) error {
	defer a.DB.Close()
	if a.Redis != nil {
		defer func() { _ = a.Redis.Close() }()
	}

	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	a.Jobs.Start(jobCtx)

	srv := &http.Server{
		Addr:              a.Config.Addr,
		Handler:           a.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("payrail listening", "addr", a.Config.Addr, "env", a.Config.Environment)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
