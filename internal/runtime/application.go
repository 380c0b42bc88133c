// Package runtime wires the credit layer together and manages its
// lifecycle: configuration, logging, stores, migrations, services and the
// HTTP server.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/AgentBar-Labs/credit_layer/internal/api/httpserver"
	"github.com/AgentBar-Labs/credit_layer/internal/api/httpserver/router"
	"github.com/AgentBar-Labs/credit_layer/internal/chain"
	"github.com/AgentBar-Labs/credit_layer/internal/config"
	"github.com/AgentBar-Labs/credit_layer/internal/services/credentials"
	"github.com/AgentBar-Labs/credit_layer/internal/services/deposits"
	"github.com/AgentBar-Labs/credit_layer/internal/services/ratelimit"
	"github.com/AgentBar-Labs/credit_layer/internal/storage"
	"github.com/AgentBar-Labs/credit_layer/internal/storage/memory"
	"github.com/AgentBar-Labs/credit_layer/internal/storage/postgres"
	redisstore "github.com/AgentBar-Labs/credit_layer/internal/storage/redis"
	"github.com/AgentBar-Labs/credit_layer/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg        *config.Config
	log        *logger.Logger
	httpServer *httpserver.Server
	db         *sql.DB
	stop       chan struct{}
}

// NewApplication constructs an application instance with default wiring.
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newApplication(cfg)
}

func newApplication(cfg *config.Config) (*Application, error) {
	log := logger.New(cfg.Logging)

	principalStore, depositStore, db, err := buildRecordStores(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure record stores: %w", err)
	}

	bucketStore, err := buildBucketStore(cfg, db, log)
	if err != nil {
		return nil, fmt.Errorf("configure bucket store: %w", err)
	}

	fetcher, err := buildChainClient(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("configure chain client: %w", err)
	}

	credsSvc := credentials.New(principalStore, cfg.Credentials.BcryptCost, log.WithField("component", "credentials"))
	limiterSvc := ratelimit.New(bucketStore, nil, cfg.RateLimit.FailOpen, log.WithField("component", "ratelimit"))
	depositsSvc := deposits.New(depositStore, fetcher, deposits.Config{
		TokenContract:   cfg.Chain.TokenContract,
		TreasuryAddress: cfg.Chain.TreasuryAddress,
		TokenDecimals:   cfg.Chain.TokenDecimals,
		MinAmount:       cfg.Deposits.MinAmount,
		MaxAmount:       cfg.Deposits.MaxAmount,
		AllowUnverified: cfg.Deposits.AllowUnverified,
	}, log.WithField("component", "deposits"))

	mux := router.New(router.Config{
		Log:                 log,
		Credentials:         credsSvc,
		RateLimiter:         limiterSvc,
		Deposits:            depositsSvc,
		AdminJWTSecret:      cfg.Admin.JWTSecret,
		AllowedOrigins:      cfg.Server.AllowedOrigins,
		IPRequestsPerSecond: cfg.RateLimit.IPRequestsPerSecond,
		IPBurst:             cfg.RateLimit.IPBurst,
	})

	return &Application{
		cfg:        cfg,
		log:        log,
		httpServer: httpserver.New(cfg.Server, log, mux),
		db:         db,
		stop:       make(chan struct{}),
	}, nil
}

// Run starts the HTTP server and blocks until the context is cancelled or
// the server fails.
func (a *Application) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		a.log.Infof("HTTP server listening on %s", a.httpServer.Addr())
		if err := a.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown drains the HTTP server and closes the stores.
func (a *Application) Shutdown(ctx context.Context) error {
	close(a.stop)

	shutdownCtx, cancel := context.WithTimeout(ctx, a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
	}
	return nil
}

// buildRecordStores selects the record store backend. An empty DSN selects
// the in-memory store, which is only suitable for development.
func buildRecordStores(cfg *config.Config, log *logger.Logger) (storage.PrincipalStore, storage.DepositStore, *sql.DB, error) {
	if cfg.Database.DSN == "" {
		if cfg.Environment == "production" {
			return nil, nil, nil, fmt.Errorf("database dsn is required in production")
		}
		log.Warn("no database configured; using in-memory record store")
		store := memory.New()
		return store, store, nil, nil
	}

	db, err := openDatabase(cfg.Database)
	if err != nil {
		return nil, nil, nil, err
	}

	if cfg.Database.Migrate {
		if err := runMigrations(db, cfg.Database.MigrationsPath, log); err != nil {
			db.Close()
			return nil, nil, nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	store := postgres.New(db)
	return store, store, db, nil
}

// buildBucketStore selects the bucket backend: Redis when configured,
// otherwise the record store carries the buckets too.
func buildBucketStore(cfg *config.Config, db *sql.DB, log *logger.Logger) (storage.BucketStore, error) {
	if cfg.Redis.Addr != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return redisstore.New(ctx, redisstore.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	if db != nil {
		return postgres.New(db), nil
	}
	log.Warn("no bucket store configured; using in-memory buckets")
	return memory.New(), nil
}

// buildChainClient returns the configured receipt fetcher. Without an RPC
// URL only the unverified test mode can credit deposits.
func buildChainClient(cfg *config.Config, log *logger.Logger) (chain.ReceiptFetcher, error) {
	if cfg.Chain.RPCURL == "" {
		if !cfg.Deposits.AllowUnverified {
			return nil, fmt.Errorf("chain rpc_url is required unless unverified deposits are enabled")
		}
		log.Warn("no chain endpoint configured; verified deposits disabled")
		return unavailableFetcher{}, nil
	}
	return chain.NewClient(chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		Timeout: cfg.Chain.Timeout,
	})
}

type unavailableFetcher struct{}

func (unavailableFetcher) TransactionReceipt(ctx context.Context, txHash string) (*chain.Receipt, error) {
	return nil, fmt.Errorf("chain endpoint not configured")
}

func openDatabase(cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, err
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func runMigrations(db *sql.DB, sourceURL string, log *logger.Logger) error {
	driver, err := migratepostgres.WithInstance(db, &migratepostgres.Config{})
	if err != nil {
		return err
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return err
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			log.Debug("database schema already current")
			return nil
		}
		return err
	}
	log.Info("database migrations applied")
	return nil
}
