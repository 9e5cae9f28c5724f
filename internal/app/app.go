// Package app wires configuration, storage backends and services into the
// processes under cmd/.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/repo"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/adapter/sqlite"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/billing"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/dispatch"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/domain"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/executor"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/http/handlers"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/http/httpapi"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/infra/credentials"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/jobs"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/ledger"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/providers/ai"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/providers/safety"
	"github.com/Poz83/Myjoe-CBS-sub001/internal/storage"
)

// Container holds the wired services of one process.
type Container struct {
	Config     *infra.Config
	Logger     zerolog.Logger
	Ledger     *ledger.Service
	Jobs       *jobs.Service
	Dispatcher *dispatch.Dispatcher
	Billing    *billing.Reconciler
	Pool       *executor.Pool
	Files      *storage.FileStore
	Safety     safety.Checker

	ledgerRepo domain.LedgerRepository
	jobRepo    domain.JobRepository
	pgPool     *pgxpool.Pool
	sqlRunner  *infra.SQLRunner
	sqlite     *sqlite.Store
}

// New opens the configured database and builds every service. Postgres is
// used unless DATABASE_URL points at SQLite.
func New(ctx context.Context, cfg *infra.Config, logger zerolog.Logger) (*Container, error) {
	c := &Container{Config: cfg, Logger: logger}
	if err := c.openStore(ctx); err != nil {
		return nil, err
	}

	storagePath := cfg.StoragePath
	if !filepath.IsAbs(storagePath) {
		if abs, err := filepath.Abs(storagePath); err == nil {
			storagePath = abs
		}
	}
	files, err := storage.NewFileStore(storagePath, cfg.StorageBaseURL, []byte(cfg.StorageSigningKey))
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Files = files
	c.Safety = safety.NewBlocklist(cfg.SafetyBlocklist, cfg.SafetyKidsBlocklist)

	gen, err := c.generator(ctx)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Ledger = ledger.NewService(c.ledgerRepo, cfg.Pricing, infra.Component(logger, "ledger"))
	c.Jobs = jobs.NewService(c.jobRepo, c.Ledger, infra.Component(logger, "jobs"), cfg.JobStuckAfter)
	c.Billing = billing.NewReconciler(c.Ledger, cfg.Pricing, infra.Component(logger, "billing"))

	registry := executor.NewRegistry(gen, files, cfg.SignedURLTTL)
	runner := executor.NewRunner(registry, c.Jobs, cfg.Pricing, executor.RunnerConfig{
		Timeout:     cfg.ItemTimeout,
		MaxAttempts: cfg.ItemMaxAttempts,
		BackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.RetryBaseDelay
			b.MaxInterval = 30 * time.Second
			return b
		},
	}, infra.Component(logger, "executor"))
	c.Pool = executor.NewPool(c.Jobs, runner, cfg.WorkerConcurrency, cfg.WorkerPollInterval, infra.Component(logger, "worker"))

	c.Dispatcher = dispatch.New(c.Ledger, c.Jobs, cfg.Pricing, infra.Component(logger, "dispatch"),
		dispatch.WithNotifier(c.Pool),
		dispatch.WithMaxItems(cfg.MaxJobItems),
	)
	return c, nil
}

func (c *Container) openStore(ctx context.Context) error {
	if infra.IsSQLiteURL(c.Config.DatabaseURL) {
		store, err := sqlite.Open(c.Config.DatabaseURL)
		if err != nil {
			return err
		}
		c.sqlite = store
		c.ledgerRepo = store.Ledger()
		c.jobRepo = store.Jobs()
		c.Logger.Info().Msg("app: using embedded sqlite store")
		return nil
	}
	pool, err := infra.NewDBPool(ctx, c.Config)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	c.pgPool = pool
	c.sqlRunner = infra.NewSQLRunner(pool, infra.Component(c.Logger, "sql"))
	c.ledgerRepo = repo.NewLedgerRepository(c.sqlRunner)
	c.jobRepo = repo.NewJobRepository(c.sqlRunner)
	return nil
}

// generator returns the remote client when configured, else the synthetic
// renderer.
func (c *Container) generator(ctx context.Context) (ai.Generator, error) {
	var store *credentials.Store
	if c.sqlRunner != nil {
		store = credentials.NewStore(c.sqlRunner)
	}
	key, err := credentials.ResolveAIKey(ctx, c.Config.AIAPIKey, store)
	if err != nil {
		c.Logger.Warn().Err(err).Msg("app: failed to load ai api key from store")
	}
	if c.Config.AIBaseURL == "" || key == "" {
		c.Logger.Warn().Msg("app: ai provider not configured, using synthetic generation")
		return ai.Synthetic{}, nil
	}
	logger := infra.Component(c.Logger, "ai")
	return ai.NewClient(ai.Options{
		APIKey:         key,
		BaseURL:        c.Config.AIBaseURL,
		HTTPClient:     &http.Client{Timeout: c.Config.ItemTimeout},
		Logger:         &logger,
		RequestTimeout: c.Config.ItemTimeout,
	})
}

// Router builds the HTTP API.
func (c *Container) Router() http.Handler {
	app := &handlers.App{
		Dispatcher:    c.Dispatcher,
		Ledger:        c.Ledger,
		Billing:       c.Billing,
		Safety:        c.Safety,
		Files:         c.Files,
		WebhookSecret: []byte(c.Config.BillingWebhookSecret),
		Logger:        infra.Component(c.Logger, "http"),
		Ping:          c.ping,
	}
	return httpapi.NewRouter(app, httpapi.Options{
		JWTSecret:       c.Config.JWTSecret,
		RateLimitPerMin: c.Config.RateLimitPerMin,
		AllowedOrigins:  c.Config.CORSAllowedOrigins,
		Logger:          c.Logger,
	})
}

// RunWorkers runs the item pool, the stuck-job reaper and the renewal sweep
// until ctx is cancelled.
func (c *Container) RunWorkers(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Pool.Run(ctx) })
	g.Go(func() error {
		return every(ctx, c.Config.ReaperInterval, func(ctx context.Context) {
			n, err := c.Jobs.ReapStuck(ctx)
			if err != nil {
				c.Logger.Error().Err(err).Msg("reaper: sweep failed")
				return
			}
			if n > 0 {
				c.Logger.Info().Int("jobs", n).Msg("reaper: settled stuck jobs")
			}
		})
	})
	g.Go(func() error {
		return every(ctx, c.Config.RenewalInterval, func(ctx context.Context) {
			n, err := c.Ledger.RenewDue(ctx, time.Now().UTC())
			if err != nil {
				c.Logger.Error().Err(err).Msg("renewal: sweep failed")
				return
			}
			if n > 0 {
				c.Logger.Info().Int("accounts", n).Msg("renewal: granted allowances")
			}
		})
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	fn(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func (c *Container) ping(ctx context.Context) error {
	if c.pgPool != nil {
		return c.pgPool.Ping(ctx)
	}
	if c.sqlite != nil {
		return c.sqlite.Ping(ctx)
	}
	return errors.New("no database configured")
}

// Close releases database handles.
func (c *Container) Close() {
	if c.pgPool != nil {
		c.pgPool.Close()
	}
	if c.sqlite != nil {
		_ = c.sqlite.Close()
	}
}
