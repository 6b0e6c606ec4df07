// Package config loads engine configuration: struct defaults overlaid with
// SAGAFLOW_* environment variables, decoded and validated once at startup.
package config

import (
	"fmt"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log    LogConfig    `koanf:"log"`
	Server ServerConfig `koanf:"server"`
	Store  StoreConfig  `koanf:"store"`
	Bus    BusConfig    `koanf:"bus"`
	Worker WorkerConfig `koanf:"worker"`
	Cache  CacheConfig  `koanf:"cache"`
}

type LogConfig struct {
	Level  string `koanf:"level"  validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=text json"`
}

type ServerConfig struct {
	Host string `koanf:"host"`
	Port int    `koanf:"port" validate:"gt=0,lte=65535"`
}

type StoreConfig struct {
	Driver   string         `koanf:"driver" validate:"oneof=memory postgres"`
	Postgres PostgresConfig `koanf:"postgres"`
}

type PostgresConfig struct {
	DSN            string        `koanf:"dsn"`
	MaxConns       int32         `koanf:"max_conns"`
	MinConns       int32         `koanf:"min_conns"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
	AutoMigrate    bool          `koanf:"auto_migrate"`
}

type BusConfig struct {
	Driver string      `koanf:"driver" validate:"oneof=memory redis"`
	Redis  RedisConfig `koanf:"redis"`
	Timer  TimerConfig `koanf:"timer"`
}

type RedisConfig struct {
	URL               string `koanf:"url"`
	KeyPrefix         string `koanf:"key_prefix"`
	Partitions        int    `koanf:"partitions" validate:"gte=1"`
	Group             string `koanf:"group"`
	Consumer          string `koanf:"consumer"`
	EventStreamMaxLen int64  `koanf:"event_stream_max_len"`
}

type TimerConfig struct {
	PollInterval time.Duration `koanf:"poll_interval"`
	Batch        int64         `koanf:"batch"`
}

type WorkerConfig struct {
	BatchSize       int           `koanf:"batch_size"       validate:"gte=1"`
	BlockTimeout    time.Duration `koanf:"block_timeout"`
	PublishAttempts uint64        `koanf:"publish_attempts" validate:"gte=1"`
	PublishBackoff  time.Duration `koanf:"publish_backoff"`
}

type CacheConfig struct {
	DefinitionCacheSize int `koanf:"definition_cache_size" validate:"gte=0"`
}

func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Store: StoreConfig{
			Driver: "memory",
			Postgres: PostgresConfig{
				MaxConns:       20,
				ConnectTimeout: 5 * time.Second,
				AutoMigrate:    true,
			},
		},
		Bus: BusConfig{
			Driver: "memory",
			Redis: RedisConfig{
				URL:               "redis://localhost:6379/0",
				KeyPrefix:         "sagaflow",
				Partitions:        8,
				Group:             "sagaflow-engine",
				Consumer:          "engine-0",
				EventStreamMaxLen: 100000,
			},
			Timer: TimerConfig{
				PollInterval: 250 * time.Millisecond,
				Batch:        128,
			},
		},
		Worker: WorkerConfig{
			BatchSize:       64,
			BlockTimeout:    2 * time.Second,
			PublishAttempts: 8,
			PublishBackoff:  100 * time.Millisecond,
		},
		Cache: CacheConfig{
			DefinitionCacheSize: 256,
		},
	}
}

// envMappings binds environment variables to config paths explicitly so
// multi-word keys never need ambiguous name splitting.
var envMappings = map[string]string{
	"SAGAFLOW_LOG_LEVEL":                 "log.level",
	"SAGAFLOW_LOG_FORMAT":                "log.format",
	"SAGAFLOW_SERVER_HOST":               "server.host",
	"SAGAFLOW_SERVER_PORT":               "server.port",
	"SAGAFLOW_STORE_DRIVER":              "store.driver",
	"SAGAFLOW_POSTGRES_DSN":              "store.postgres.dsn",
	"SAGAFLOW_POSTGRES_MAX_CONNS":        "store.postgres.max_conns",
	"SAGAFLOW_POSTGRES_MIN_CONNS":        "store.postgres.min_conns",
	"SAGAFLOW_POSTGRES_CONNECT_TIMEOUT":  "store.postgres.connect_timeout",
	"SAGAFLOW_POSTGRES_AUTO_MIGRATE":     "store.postgres.auto_migrate",
	"SAGAFLOW_BUS_DRIVER":                "bus.driver",
	"SAGAFLOW_REDIS_URL":                 "bus.redis.url",
	"SAGAFLOW_REDIS_KEY_PREFIX":          "bus.redis.key_prefix",
	"SAGAFLOW_REDIS_PARTITIONS":          "bus.redis.partitions",
	"SAGAFLOW_REDIS_GROUP":               "bus.redis.group",
	"SAGAFLOW_REDIS_CONSUMER":            "bus.redis.consumer",
	"SAGAFLOW_REDIS_EVENT_STREAM_MAXLEN": "bus.redis.event_stream_max_len",
	"SAGAFLOW_TIMER_POLL_INTERVAL":       "bus.timer.poll_interval",
	"SAGAFLOW_TIMER_BATCH":               "bus.timer.batch",
	"SAGAFLOW_WORKER_BATCH_SIZE":         "worker.batch_size",
	"SAGAFLOW_WORKER_BLOCK_TIMEOUT":      "worker.block_timeout",
	"SAGAFLOW_WORKER_PUBLISH_ATTEMPTS":   "worker.publish_attempts",
	"SAGAFLOW_WORKER_PUBLISH_BACKOFF":    "worker.publish_backoff",
	"SAGAFLOW_DEFINITION_CACHE_SIZE":     "cache.definition_cache_size",
}

// Load builds the effective configuration: defaults, then environment
// overrides, then validation.
func Load() (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}
	if err := k.Load(env.Provider(".", env.Opt{
		TransformFunc: func(key, value string) (string, any) {
			if path, ok := envMappings[key]; ok {
				return path, value
			}
			return "", nil
		},
	}), nil); err != nil {
		return nil, fmt.Errorf("loading config environment: %w", err)
	}
	cfg := &Config{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			Result:           cfg,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				durationFromNumberHook,
			),
		},
	}); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// durationFromNumberHook lets defaults loaded through the structs provider
// round-trip: they arrive as int64 nanoseconds, not strings.
func durationFromNumberHook(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(time.Duration(0)) {
		return data, nil
	}
	switch v := data.(type) {
	case int64:
		return time.Duration(v), nil
	case int:
		return time.Duration(v), nil
	case float64:
		return time.Duration(int64(v)), nil
	default:
		return data, nil
	}
}
