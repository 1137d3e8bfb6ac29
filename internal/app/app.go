// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/api"
	"github.com/JakeFAU/crawl-supervisor/internal/clock/system"
	"github.com/JakeFAU/crawl-supervisor/internal/config"
	"github.com/JakeFAU/crawl-supervisor/internal/docstore"
	"github.com/JakeFAU/crawl-supervisor/internal/errlog"
	"github.com/JakeFAU/crawl-supervisor/internal/job"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/persistence"
	"github.com/JakeFAU/crawl-supervisor/internal/queue"
	kafkabroker "github.com/JakeFAU/crawl-supervisor/internal/queue/kafka"
	queueMemory "github.com/JakeFAU/crawl-supervisor/internal/queue/memory"
	redisbroker "github.com/JakeFAU/crawl-supervisor/internal/queue/redis"
	"github.com/JakeFAU/crawl-supervisor/internal/scheduler"
	filestorage "github.com/JakeFAU/crawl-supervisor/internal/storage/file"
	gcsstorage "github.com/JakeFAU/crawl-supervisor/internal/storage/gcs"
	memoryStorage "github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-supervisor/internal/storage/postgres"
	"github.com/JakeFAU/crawl-supervisor/internal/supervisor"
)

// Options carries what the process knows about itself.
type Options struct {
	// Self is the path of the running executable, used for the default
	// engine command.
	Self string
	// ConfigPath is forwarded to the engine subcommand.
	ConfigPath string
	// Fs backs file stores and crawl state; nil means the OS filesystem.
	Fs afero.Fs
}

// App holds all the shared, long-lived services for the application.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	fs         afero.Fs
	jobs       job.Store
	errors     *errlog.Logger
	docs       docstore.Store
	state      *persistence.Manager
	broker     queue.Broker
	supervisor *supervisor.Supervisor
	scheduler  *scheduler.Scheduler
	checks     map[string]api.Check
	closers    []closer
}

type closer struct {
	name string
	fn   func() error
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config { return a.cfg }

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Jobs returns the job store.
func (a *App) Jobs() job.Store { return a.jobs }

// Errors returns the error log.
func (a *App) Errors() *errlog.Logger { return a.errors }

// Docs returns the document store.
func (a *App) Docs() docstore.Store { return a.docs }

// State returns the crawl state manager.
func (a *App) State() *persistence.Manager { return a.state }

// Broker returns the run queue.
func (a *App) Broker() queue.Broker { return a.broker }

// Supervisor returns the run supervisor.
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Scheduler returns the job control plane.
func (a *App) Scheduler() *scheduler.Scheduler { return a.scheduler }

// Checks returns the readiness checks of the configured backends.
func (a *App) Checks() map[string]api.Check { return a.checks }

// New builds every service named by cfg. It fails fast: any backend that
// cannot be initialized aborts the build and releases what was opened.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts Options) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Fs == nil {
		opts.Fs = afero.NewOsFs()
	}
	a := &App{cfg: cfg, logger: logger, fs: opts.Fs, checks: map[string]api.Check{}}
	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, opts Options) error {
	metrics.Init()

	errStore, err := setupStores(ctx, a)
	if err != nil {
		return err
	}
	a.errors = errlog.NewLogger(errStore, system.New(), a.logger.Named("errlog"))

	docs, closeDocs, err := openDocStore(ctx, a.cfg.DocStore, a.fs, a.logger, a.checks)
	if err != nil {
		return err
	}
	a.docs = docs
	a.addCloser("docstore", closeDocs)

	a.state, err = persistence.New(a.fs, a.cfg.State.Root, a.jobs, errStore, a.logger)
	if err != nil {
		return fmt.Errorf("persistence init failed: %w", err)
	}

	if a.broker, err = setupBroker(a); err != nil {
		return err
	}
	a.addCloser("broker", a.broker.Close)

	supCfg := a.cfg.Supervisor
	supCfg.Command = a.cfg.EngineCommand(opts.Self, opts.ConfigPath)
	a.supervisor, err = supervisor.New(supCfg, a.jobs, a.errors, a.state, a.logger,
		supervisor.WithObserver(metrics.Supervisor{}))
	if err != nil {
		return fmt.Errorf("supervisor init failed: %w", err)
	}
	a.logger.Debug("engine command", zap.Strings("argv", supCfg.Command))

	a.scheduler, err = scheduler.New(a.broker, a.jobs, a.state, a.logger)
	if err != nil {
		return fmt.Errorf("scheduler init failed: %w", err)
	}
	return nil
}

// setupStores opens the job store and returns the error store sharing its
// backend.
func setupStores(ctx context.Context, a *App) (errlog.Store, error) {
	cfg := a.cfg.Store
	switch cfg.Driver {
	case config.DriverPostgres:
		a.logger.Info("using postgres job store")
		pool, err := connectPostgres(ctx, a, "store", cfg.Postgres)
		if err != nil {
			return nil, err
		}
		jobs, err := pgstore.NewJobStore(pool)
		if err != nil {
			return nil, fmt.Errorf("postgres job store init failed: %w", err)
		}
		errs, err := pgstore.NewErrorStore(pool)
		if err != nil {
			return nil, fmt.Errorf("postgres error store init failed: %w", err)
		}
		a.jobs = jobs
		return errs, nil
	case config.DriverFile:
		a.logger.Info("using file job store", zap.String("dir", cfg.Dir))
		fileCfg := filestorage.Config{BaseDir: cfg.Dir}
		jobs, err := filestorage.NewJobStore(a.fs, fileCfg)
		if err != nil {
			return nil, fmt.Errorf("file job store init failed: %w", err)
		}
		errs, err := filestorage.NewErrorStore(a.fs, fileCfg)
		if err != nil {
			return nil, fmt.Errorf("file error store init failed: %w", err)
		}
		a.jobs = jobs
		return errs, nil
	default:
		a.logger.Info("using in-memory job store")
		a.jobs = memoryStorage.NewJobStore()
		return memoryStorage.NewErrorStore(), nil
	}
}

func connectPostgres(ctx context.Context, a *App, name string, cfg pgstore.Config) (*pgxpool.Pool, error) {
	pool, err := pgstore.Connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s postgres init failed: %w", name, err)
	}
	a.addCloser(name+" postgres", func() error { pool.Close(); return nil })
	if err := pgstore.Migrate(ctx, pool); err != nil {
		return nil, fmt.Errorf("%s postgres migrate failed: %w", name, err)
	}
	a.checks[name] = pool.Ping
	return pool, nil
}

// OpenDocStore opens only the document store named by cfg. The engine
// subcommand uses it so a crawl never touches the job store or broker.
func OpenDocStore(ctx context.Context, cfg config.DocStoreConfig, fs afero.Fs, logger *zap.Logger) (docstore.Store, func() error, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return openDocStore(ctx, cfg, fs, logger, map[string]api.Check{})
}

func openDocStore(
	ctx context.Context,
	cfg config.DocStoreConfig,
	fs afero.Fs,
	logger *zap.Logger,
	checks map[string]api.Check,
) (docstore.Store, func() error, error) {
	noop := func() error { return nil }
	switch cfg.Driver {
	case config.DriverGCS:
		logger.Info("using GCS document store", zap.String("bucket", cfg.GCS.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		docs, err := gcsstorage.New(client, cfg.GCS)
		if err != nil {
			return nil, nil, errors.Join(fmt.Errorf("gcs document store init failed: %w", err), client.Close())
		}
		checks["docstore"] = func(ctx context.Context) error {
			_, err := client.Bucket(cfg.GCS.Bucket).Attrs(ctx)
			return err
		}
		return docs, client.Close, nil
	case config.DriverPostgres:
		logger.Info("using postgres document store")
		pool, err := pgstore.Connect(ctx, cfg.Postgres)
		if err != nil {
			return nil, nil, fmt.Errorf("docstore postgres init failed: %w", err)
		}
		closePool := func() error { pool.Close(); return nil }
		if err := pgstore.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("docstore postgres migrate failed: %w", err)
		}
		docs, err := pgstore.NewDocStore(pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres document store init failed: %w", err)
		}
		checks["docstore"] = pool.Ping
		return docs, closePool, nil
	case config.DriverFile:
		logger.Info("using file document store", zap.String("dir", cfg.Dir))
		docs, err := filestorage.NewDocStore(fs, filestorage.Config{BaseDir: cfg.Dir})
		if err != nil {
			return nil, nil, fmt.Errorf("file document store init failed: %w", err)
		}
		return docs, noop, nil
	default:
		logger.Info("using in-memory document store")
		return memoryStorage.NewDocStore(), noop, nil
	}
}

func setupBroker(a *App) (queue.Broker, error) {
	cfg := a.cfg.Broker
	switch cfg.Driver {
	case config.DriverRedis:
		a.logger.Info("using redis broker", zap.String("addr", cfg.Redis.Addr))
		b, err := redisbroker.Dial(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("redis broker init failed: %w", err)
		}
		return b, nil
	case config.DriverKafka:
		a.logger.Info("using kafka broker", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
		b, err := kafkabroker.Dial(cfg.Kafka)
		if err != nil {
			return nil, fmt.Errorf("kafka broker init failed: %w", err)
		}
		return b, nil
	default:
		a.logger.Info("using in-memory broker", zap.Int("capacity", cfg.Memory.Capacity))
		return queueMemory.NewQueue(cfg.Memory.Capacity), nil
	}
}

// InProcessBroker reports whether published runs can only be consumed by
// workers inside this process.
func (a *App) InProcessBroker() bool {
	return a.cfg.Broker.Driver == config.DriverMemory
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// Close releases every backend in reverse order of opening and flushes the
// logger.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
		}
	}
	a.closers = nil
	_ = a.logger.Sync()
}
