// Package app assembles the T-Minus process: one Container wires the
// database, credentials, provider clients, per-user graph coordinators,
// sync and write pipelines, scheduler, maintainer and the HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/tminus-app/tminus/adapter/api"
	accountApp "github.com/tminus-app/tminus/internal/account/application"
	accountDomain "github.com/tminus-app/tminus/internal/account/domain"
	"github.com/tminus-app/tminus/internal/account/infrastructure/oauth"
	accountPersistence "github.com/tminus-app/tminus/internal/account/infrastructure/persistence"
	"github.com/tminus-app/tminus/internal/account/infrastructure/ratelimit"
	"github.com/tminus-app/tminus/internal/account/infrastructure/watch"
	graphApp "github.com/tminus-app/tminus/internal/graph/application"
	graphPersistence "github.com/tminus-app/tminus/internal/graph/infrastructure/persistence"
	"github.com/tminus-app/tminus/internal/maintain"
	syncPipeline "github.com/tminus-app/tminus/internal/pipeline/sync"
	"github.com/tminus-app/tminus/internal/pipeline/write"
	"github.com/tminus-app/tminus/internal/projection"
	"github.com/tminus-app/tminus/internal/provider"
	"github.com/tminus-app/tminus/internal/provider/google"
	"github.com/tminus-app/tminus/internal/provider/ics"
	"github.com/tminus-app/tminus/internal/provider/microsoft"
	registryApp "github.com/tminus-app/tminus/internal/registry/application"
	registryPersistence "github.com/tminus-app/tminus/internal/registry/infrastructure/persistence"
	"github.com/tminus-app/tminus/internal/scheduling"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/crypto"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database/postgres"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/database/sqlite"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/eventbus"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/migrations"
	"github.com/tminus-app/tminus/internal/shared/infrastructure/security"
	"github.com/tminus-app/tminus/pkg/config"
)

// Container holds every long-lived component of a T-Minus process. Serve
// and worker commands pick the subset they run.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	DB          database.Connection
	RedisClient redis.UniversalClient

	EventPublisher eventbus.Publisher

	Clients map[accountDomain.ProviderType]provider.Client

	Accounts  *accountApp.Manager
	Graphs    *graphApp.CoordinatorRegistry
	Registry  *registryApp.Service
	Scheduler *scheduling.Scheduler

	Signals syncPipeline.SignalQueue
	Intake  *syncPipeline.Intake
	Poller  *syncPipeline.Poller
	Writes  *write.Pipeline
	Feed    *graphApp.FeedPublisher

	Maintainer *maintain.Maintainer

	API *api.Server
}

// NewContainer wires the full application from configuration. It opens the
// database, runs migrations, and builds every component; nothing is started.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	cipher, err := buildCipher(cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	redisClient := openRedis(cfg, logger)
	publisher := buildPublisher(cfg, logger)

	clients := map[accountDomain.ProviderType]provider.Client{
		accountDomain.ProviderGoogle:    google.NewClient(logger),
		accountDomain.ProviderMicrosoft: microsoft.NewClient(logger),
		accountDomain.ProviderICS:       ics.NewClient(logger),
	}

	limiter := ratelimit.New(redisClient, cfg.AccountRateLimit, cfg.AccountRateBurst, logger)
	refresher := oauth.NewRefresher(
		cfg.GoogleClientID, cfg.GoogleClientSecret,
		cfg.MicrosoftClientID, cfg.MicrosoftClientSecret,
	)

	accountRepo := accountPersistence.NewAccountRepository(conn)
	accounts := accountApp.NewManager(accountRepo, cipher, refresher, limiter, publisher, logger)
	if cfg.WebhookBaseURL != "" {
		accounts.RegisterChannelClient(accountDomain.ProviderGoogle,
			watch.NewAdapter(clients[accountDomain.ProviderGoogle], cfg.WebhookBaseURL, accountDomain.ProviderGoogle))
		accounts.RegisterChannelClient(accountDomain.ProviderMicrosoft,
			watch.NewAdapter(clients[accountDomain.ProviderMicrosoft], cfg.WebhookBaseURL, accountDomain.ProviderMicrosoft))
	} else {
		logger.Info("webhook base URL not set, push channels disabled")
	}

	repos := graphPersistence.NewRepositories(conn)
	compiler := projection.NewCompiler(cfg.BusyMarkerTitle)
	graphs := graphApp.NewCoordinatorRegistry(repos, compiler, nil, publisher, logger)

	// The write pipeline reports outcomes back into the graph, so the
	// registry is created first and the dispatcher installed after.
	gateway := write.NewManagerGateway(accounts, clients, "")
	writes := write.NewPipeline(gateway, write.NewRegistrySink(graphs), write.Config{
		QueueSize:       cfg.WriteQueueSize,
		MaxRetries:      cfg.WriteMaxRetries,
		BackoffBase:     cfg.WriteRetryBackoffBase,
		BackoffMax:      cfg.WriteRetryBackoffMax,
		AccountInflight: cfg.WriteAccountInflight,
		CallDeadline:    cfg.SyncCallDeadline,
	}, logger)
	graphs.SetDispatcher(writes)

	registry := registryApp.NewService(
		registryPersistence.NewUserRepository(conn),
		registryPersistence.NewAccountIndexRepository(conn),
		repos.Sessions,
		database.NewUnitOfWork(conn),
		logger,
	)

	scheduler := scheduling.NewScheduler(
		graphs,
		scheduling.NewManagerAccounts(accounts),
		registry,
		repos.Sessions,
		repos.Holds,
		scheduling.Config{SessionMaxAge: cfg.SessionMaxAge},
		logger,
	)

	var signals syncPipeline.SignalQueue
	if redisClient != nil {
		signals = syncPipeline.NewRedisSignalQueue(redisClient)
	} else {
		signals = syncPipeline.NewMemorySignalQueue(cfg.SyncPollQueueSize)
	}
	intake := syncPipeline.NewIntake(accounts, signals, logger)
	poller := syncPipeline.NewPoller(accounts, graphs, clients, signals, registry, syncPipeline.Config{
		ScanInterval: cfg.SyncScanInterval,
		CallDeadline: cfg.SyncCallDeadline,
		FullBudget:   cfg.SyncFullBudget,
	}, logger)

	feed := graphApp.NewFeedPublisher(repos.Journal, publisher, graphApp.FeedConfig{
		PollInterval: cfg.JournalFeedPollInterval,
		BatchSize:    cfg.JournalFeedBatchSize,
	}, logger)

	maintainer := maintain.NewMaintainer(accounts, graphs, scheduler, registry, maintain.Config{
		ChannelRenewInterval:  cfg.ChannelRenewInterval,
		ChannelRenewThreshold: cfg.ChannelRenewThreshold,
		TokenHealthInterval:   cfg.TokenHealthInterval,
		DriftScanInterval:     cfg.DriftScanInterval,
		HoldGCInterval:        cfg.HoldGCInterval,
		SessionSweepInterval:  cfg.HoldGCInterval * 4,
	}, logger)

	handler := api.NewHandler(api.HandlerConfig{
		Registry:  registry,
		Accounts:  accounts,
		Graphs:    graphs,
		Scheduler: scheduler,
		Intake:    intake,
		Logger:    logger,
	})
	serverCfg := api.DefaultServerConfig()
	if cfg.APIAddr != "" {
		serverCfg.Addr = cfg.APIAddr
	}
	server := api.NewServer(serverCfg, handler, logger)

	return &Container{
		Config:         cfg,
		Logger:         logger,
		DB:             conn,
		RedisClient:    redisClient,
		EventPublisher: publisher,
		Clients:        clients,
		Accounts:       accounts,
		Graphs:         graphs,
		Registry:       registry,
		Scheduler:      scheduler,
		Signals:        signals,
		Intake:         intake,
		Poller:         poller,
		Writes:         writes,
		Feed:           feed,
		Maintainer:     maintainer,
		API:            server,
	}, nil
}

// Close releases every resource the container owns. The write pipeline is
// drained first so in-flight mirror writes still reach the database.
func (c *Container) Close() {
	if c.Writes != nil {
		c.Writes.Close()
	}
	if closer, ok := c.EventPublisher.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			c.Logger.Warn("closing event publisher failed", "error", err)
		}
	}
	if c.RedisClient != nil {
		if err := c.RedisClient.Close(); err != nil {
			c.Logger.Warn("closing redis client failed", "error", err)
		}
	}
	if c.DB != nil {
		if err := c.DB.Close(); err != nil {
			c.Logger.Warn("closing database failed", "error", err)
		}
	}
}

// Migrate opens the configured database, applies its migrations and
// closes it again. Serve and worker do the same implicitly on startup.
func Migrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	conn, err := openDatabase(ctx, cfg, logger)
	if err != nil {
		return err
	}
	return conn.Close()
}

// openDatabase connects to PostgreSQL when DATABASE_URL is set, and to the
// local SQLite file otherwise, then applies migrations for the driver.
func openDatabase(ctx context.Context, cfg *config.Config, logger *slog.Logger) (database.Connection, error) {
	dbCfg := database.DefaultLocalConfig()
	if cfg.SQLitePath != "" {
		// The path comes from operator configuration; reject traversal
		// and shell metacharacters before touching the filesystem.
		path, err := security.ValidateFilePath(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("invalid database path: %w", err)
		}
		dbCfg.SQLitePath = path
	}
	if cfg.DatabaseURL != "" {
		dbCfg = database.Config{Driver: database.DriverPostgres, URL: cfg.DatabaseURL}
	} else if err := database.EnsureDirectory(dbCfg.SQLitePath); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := database.NewConnection(ctx, dbCfg)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	switch typed := conn.(type) {
	case *sqlite.Connection:
		err = migrations.RunSQLiteMigrations(ctx, typed.DB())
	case *postgres.Connection:
		err = migrations.RunPostgresMigrations(ctx, typed.Pool())
	default:
		err = fmt.Errorf("no migration runner for driver %s", conn.Driver())
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("database ready", "driver", conn.Driver())
	return conn, nil
}

// buildCipher seals refresh tokens at rest. Production requires a key;
// development falls back to plaintext with a warning.
func buildCipher(cfg *config.Config, logger *slog.Logger) (crypto.TokenCipher, error) {
	if cfg.EncryptionKey != "" {
		cipher, err := crypto.NewAESTokenCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("building token cipher: %w", err)
		}
		return cipher, nil
	}
	if cfg.IsProduction() {
		return nil, fmt.Errorf("TMINUS_ENCRYPTION_KEY is required in production")
	}
	logger.Warn("no encryption key configured, refresh tokens stored in plaintext")
	return crypto.PlaintextCipher{}, nil
}

// openRedis returns nil when redis is unreachable or unconfigured; the
// callers degrade to in-process equivalents.
func openRedis(cfg *config.Config, logger *slog.Logger) redis.UniversalClient {
	if cfg.RedisURL == "" {
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis URL, running without redis", "error", err)
		return nil
	}
	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unreachable, running without redis", "error", err)
		_ = client.Close()
		return nil
	}
	return client
}

func buildPublisher(cfg *config.Config, logger *slog.Logger) eventbus.Publisher {
	if cfg.RabbitMQURL == "" {
		return eventbus.NewNoopPublisher(logger)
	}
	publisher, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
	if err != nil {
		if cfg.IsDevelopment() {
			logger.Warn("RabbitMQ not available, using noop publisher", "error", err)
			return eventbus.NewNoopPublisher(logger)
		}
		logger.Error("failed to connect to RabbitMQ", "error", err)
		return eventbus.NewNoopPublisher(logger)
	}
	return publisher
}
