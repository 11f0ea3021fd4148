// Package config loads the service configuration from a YAML file and
// EVENTLOG_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/clinicsales/eventlog"
	"github.com/clinicsales/eventlog/logger"
)

const (
	EnvPrefix     = "EVENTLOG"
	EnvConfigFile = "CONFIG_FILE"
)

type Config struct {
	Logger    logger.Config   `mapstructure:"logger"`
	Store     StoreConfig     `mapstructure:"store"`
	Transport TransportConfig `mapstructure:"transport"`
	Publisher PublisherConfig `mapstructure:"publisher"`
}

type StoreConfig struct {
	// Driver is one of memory, file, postgres, mongo.
	Driver   string         `mapstructure:"driver"`
	File     FileConfig     `mapstructure:"file"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	Mongo    MongoConfig    `mapstructure:"mongo"`
}

type FileConfig struct {
	Dir string `mapstructure:"dir"`
}

type PostgresConfig struct {
	DSN      string `mapstructure:"dsn"`
	PageSize int    `mapstructure:"page-size"`
	MaxConns int32  `mapstructure:"max-conns"`
	// Migrate applies the embedded migrations on startup.
	Migrate bool `mapstructure:"migrate"`
}

type MongoConfig struct {
	URI            string        `mapstructure:"uri"`
	Database       string        `mapstructure:"database"`
	Collection     string        `mapstructure:"collection"`
	ConnectTimeout time.Duration `mapstructure:"connect-timeout"`
}

type TransportConfig struct {
	// Driver is one of none, memory, kafka, redis, websocket.
	Driver    string          `mapstructure:"driver"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Websocket WebsocketConfig `mapstructure:"websocket"`
}

type MemoryConfig struct {
	Buffer int `mapstructure:"buffer"`
}

type KafkaConfig struct {
	Brokers      string        `mapstructure:"brokers"`
	Topic        string        `mapstructure:"topic"`
	FlushTimeout time.Duration `mapstructure:"flush-timeout"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type WebsocketConfig struct {
	Addr           string        `mapstructure:"addr"`
	Buffer         int           `mapstructure:"buffer"`
	WriteTimeout   time.Duration `mapstructure:"write-timeout"`
	OriginPatterns []string      `mapstructure:"origin-patterns"`
}

type PublisherConfig struct {
	// Source and Version fill events that arrive without them.
	Source        string        `mapstructure:"source"`
	Version       string        `mapstructure:"version"`
	GlobalTopic   string        `mapstructure:"global-topic"`
	AppendTimeout time.Duration `mapstructure:"append-timeout"`
	FanoutTimeout time.Duration `mapstructure:"fanout-timeout"`
	MaxWorkers    int           `mapstructure:"max-workers"`
	Detached      bool          `mapstructure:"detached"`
}

var (
	storeDrivers     = []string{"memory", "file", "postgres", "mongo"}
	transportDrivers = []string{"none", "memory", "kafka", "redis", "websocket"}
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.development", false)
	v.SetDefault("logger.output-paths", []string{"stderr"})
	v.SetDefault("logger.stacktrace-level", "error")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.file.dir", "./data")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.page-size", 500)
	v.SetDefault("store.postgres.max-conns", 10)
	v.SetDefault("store.postgres.migrate", false)
	v.SetDefault("store.mongo.uri", "")
	v.SetDefault("store.mongo.database", "sales")
	v.SetDefault("store.mongo.collection", "sales_events")
	v.SetDefault("store.mongo.connect-timeout", 10*time.Second)

	v.SetDefault("transport.driver", "none")
	v.SetDefault("transport.memory.buffer", 64)
	v.SetDefault("transport.kafka.brokers", "")
	v.SetDefault("transport.kafka.topic", "sales-events")
	v.SetDefault("transport.kafka.flush-timeout", 5*time.Second)
	v.SetDefault("transport.redis.addr", "localhost:6379")
	v.SetDefault("transport.redis.password", "")
	v.SetDefault("transport.redis.db", 0)
	v.SetDefault("transport.redis.prefix", "eventlog:")
	v.SetDefault("transport.websocket.addr", ":8080")
	v.SetDefault("transport.websocket.buffer", 16)
	v.SetDefault("transport.websocket.write-timeout", 5*time.Second)
	v.SetDefault("transport.websocket.origin-patterns", []string{})

	v.SetDefault("publisher.source", eventlog.DefaultSource)
	v.SetDefault("publisher.version", eventlog.DefaultVersion)
	v.SetDefault("publisher.global-topic", eventlog.DefaultGlobalTopic)
	v.SetDefault("publisher.append-timeout", eventlog.DefaultAppendTimeout)
	v.SetDefault("publisher.fanout-timeout", eventlog.DefaultFanoutTimeout)
	v.SetDefault("publisher.max-workers", 0)
	v.SetDefault("publisher.detached", false)
}

// Load reads path, or the file named by CONFIG_FILE when path is empty.
// Without either, defaults and environment variables alone are used.
// EVENTLOG_STORE_POSTGRES_DSN overrides store.postgres.dsn, and so on.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config file [%s]: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks driver names and the settings the chosen drivers need.
func (c Config) Validate() error {
	var errs []error
	if err := c.Logger.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("logger: %w", err))
	}

	switch c.Store.Driver {
	case "file":
		if c.Store.File.Dir == "" {
			errs = append(errs, errors.New("store.file.dir is required"))
		}
	case "postgres":
		if c.Store.Postgres.DSN == "" {
			errs = append(errs, errors.New("store.postgres.dsn is required"))
		}
	case "mongo":
		if c.Store.Mongo.URI == "" {
			errs = append(errs, errors.New("store.mongo.uri is required"))
		}
		if c.Store.Mongo.Database == "" {
			errs = append(errs, errors.New("store.mongo.database is required"))
		}
	}
	if !slices.Contains(storeDrivers, c.Store.Driver) {
		errs = append(errs, fmt.Errorf("store.driver %q must be one of %s", c.Store.Driver, strings.Join(storeDrivers, ", ")))
	}

	switch c.Transport.Driver {
	case "kafka":
		if c.Transport.Kafka.Brokers == "" {
			errs = append(errs, errors.New("transport.kafka.brokers is required"))
		}
	case "redis":
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, errors.New("transport.redis.addr is required"))
		}
	}
	if !slices.Contains(transportDrivers, c.Transport.Driver) {
		errs = append(errs, fmt.Errorf("transport.driver %q must be one of %s", c.Transport.Driver, strings.Join(transportDrivers, ", ")))
	}

	if c.Publisher.AppendTimeout < 0 || c.Publisher.FanoutTimeout < 0 {
		errs = append(errs, errors.New("publisher timeouts cannot be negative"))
	}
	if c.Publisher.MaxWorkers < 0 {
		errs = append(errs, errors.New("publisher.max-workers cannot be negative"))
	}
	return errors.Join(errs...)
}

// PublisherOptions translates the publisher section into publisher options.
func (c Config) PublisherOptions() []eventlog.PublisherOption {
	opts := []eventlog.PublisherOption{
		eventlog.WithRouter(eventlog.TopicRouter{GlobalTopic: c.Publisher.GlobalTopic}),
		eventlog.WithAppendTimeout(c.Publisher.AppendTimeout),
		eventlog.WithFanoutTimeout(c.Publisher.FanoutTimeout),
		eventlog.WithMaxWorkers(c.Publisher.MaxWorkers),
	}
	if c.Publisher.Detached {
		opts = append(opts, eventlog.WithDetachedFanout())
	}
	return opts
}
