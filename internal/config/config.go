// Package config loads and validates supervisor configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/crawl-supervisor/internal/logging"
	"github.com/JakeFAU/crawl-supervisor/internal/queue/kafka"
	"github.com/JakeFAU/crawl-supervisor/internal/queue/redis"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/gcs"
	"github.com/JakeFAU/crawl-supervisor/internal/storage/postgres"
	"github.com/JakeFAU/crawl-supervisor/internal/supervisor"
	"github.com/JakeFAU/crawl-supervisor/internal/worker"
)

// Storage and broker drivers.
const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverPostgres = "postgres"
	DriverGCS      = "gcs"
	DriverRedis    = "redis"
	DriverKafka    = "kafka"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Logging    logging.Config    `mapstructure:"logging"`
	Supervisor supervisor.Config `mapstructure:"supervisor"`
	Worker     worker.Config     `mapstructure:"worker"`
	State      StateConfig       `mapstructure:"state"`
	Store      StoreConfig       `mapstructure:"store"`
	DocStore   DocStoreConfig    `mapstructure:"docstore"`
	Broker     BrokerConfig      `mapstructure:"broker"`
	Server     ServerConfig      `mapstructure:"server"`
	Engine     EngineConfig      `mapstructure:"engine"`
}

// StateConfig locates per-job crawl state directories.
type StateConfig struct {
	Root string `mapstructure:"root"`
}

// StoreConfig selects where jobs and error records live.
type StoreConfig struct {
	Driver   string          `mapstructure:"driver"`
	Dir      string          `mapstructure:"dir"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// DocStoreConfig selects where crawled documents are indexed.
type DocStoreConfig struct {
	Driver   string          `mapstructure:"driver"`
	Dir      string          `mapstructure:"dir"`
	Postgres postgres.Config `mapstructure:"postgres"`
	GCS      gcs.Config      `mapstructure:"gcs"`
}

// BrokerConfig selects the run queue.
type BrokerConfig struct {
	Driver string       `mapstructure:"driver"`
	Memory MemoryConfig `mapstructure:"memory"`
	Redis  redis.Config `mapstructure:"redis"`
	Kafka  kafka.Config `mapstructure:"kafka"`
}

// MemoryConfig sizes the in-process queue.
type MemoryConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// ServerConfig controls the HTTP server of the serve command.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// EngineConfig holds crawl options applied to jobs that do not set them.
type EngineConfig struct {
	Defaults map[string]string `mapstructure:"defaults"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLSUP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("supervisor.poll_interval", supervisor.DefaultPollInterval)
	v.SetDefault("supervisor.grace_period", supervisor.DefaultGracePeriod)
	v.SetDefault("worker.concurrency", 2)
	v.SetDefault("worker.default_time_limit", 2*time.Hour)
	v.SetDefault("worker.retry_delay", time.Second)
	v.SetDefault("state.root", "var/state")
	v.SetDefault("store.driver", DriverFile)
	v.SetDefault("store.dir", "var/store")
	v.SetDefault("store.postgres.max_conns", 4)
	v.SetDefault("docstore.driver", DriverFile)
	v.SetDefault("docstore.dir", "var/docs")
	v.SetDefault("docstore.postgres.max_conns", 4)
	v.SetDefault("docstore.gcs.prefix", "crawls")
	v.SetDefault("broker.driver", DriverMemory)
	v.SetDefault("broker.memory.capacity", 64)
	v.SetDefault("broker.redis.key", "crawlsup:runs")
	v.SetDefault("broker.redis.block_timeout", time.Second)
	v.SetDefault("broker.kafka.topic", "crawlsup.runs")
	v.SetDefault("broker.kafka.group_id", "crawlsup-workers")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.State.Root == "" {
		return fmt.Errorf("state.root is required")
	}
	if c.Supervisor.PollInterval <= 0 {
		return fmt.Errorf("supervisor.poll_interval must be > 0")
	}
	if c.Supervisor.GracePeriod <= 0 {
		return fmt.Errorf("supervisor.grace_period must be > 0")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be > 0")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverFile:
		if c.Store.Dir == "" {
			return fmt.Errorf("store.dir is required for the file driver")
		}
	case DriverPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("store.driver %q is not one of memory, file, postgres", c.Store.Driver)
	}
	switch c.DocStore.Driver {
	case DriverMemory:
	case DriverFile:
		if c.DocStore.Dir == "" {
			return fmt.Errorf("docstore.dir is required for the file driver")
		}
	case DriverPostgres:
		if c.DocStore.Postgres.DSN == "" {
			return fmt.Errorf("docstore.postgres.dsn is required for the postgres driver")
		}
	case DriverGCS:
		if c.DocStore.GCS.Bucket == "" {
			return fmt.Errorf("docstore.gcs.bucket is required for the gcs driver")
		}
	default:
		return fmt.Errorf("docstore.driver %q is not one of memory, file, postgres, gcs", c.DocStore.Driver)
	}
	switch c.Broker.Driver {
	case DriverMemory:
		if c.Broker.Memory.Capacity <= 0 {
			return fmt.Errorf("broker.memory.capacity must be > 0")
		}
	case DriverRedis:
		if c.Broker.Redis.Addr == "" {
			return fmt.Errorf("broker.redis.addr is required for the redis driver")
		}
	case DriverKafka:
		if len(c.Broker.Kafka.Brokers) == 0 {
			return fmt.Errorf("broker.kafka.brokers is required for the kafka driver")
		}
	default:
		return fmt.Errorf("broker.driver %q is not one of memory, redis, kafka", c.Broker.Driver)
	}
	return nil
}

// EngineCommand returns the configured engine argv, falling back to
// running self's hidden engine subcommand against the same config file.
func (c Config) EngineCommand(self, configPath string) []string {
	if len(c.Supervisor.Command) > 0 {
		return c.Supervisor.Command
	}
	argv := []string{self, "engine"}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	return argv
}
