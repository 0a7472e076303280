// Package config loads the spatial database's runtime configuration:
// Redis connection parameters for the L1/L2 KV cache and the separate
// coordination-state database, the S3/DynamoDB durable store, and
// cutout/page-in tuning knobs, following the same viper-driven
// defaults-then-file-then-env pattern the rest of this stack uses.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every externally-tunable parameter of the spatial
// database core.
type Config struct {
	Cache      RedisConfig      `mapstructure:"cache"`
	State      RedisConfig      `mapstructure:"state"`
	ObjectStore ObjectStoreConfig `mapstructure:"object_store"`
	SpatialDB  SpatialDBConfig  `mapstructure:"spatialdb"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// RedisConfig describes a single Redis logical database — the KV
// cache and the coordination state store each get their own instance
// (same or different physical server, distinct DB index).
type RedisConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	Password           string        `mapstructure:"password"`
	Database           int           `mapstructure:"database"`
	MaxRetries         int           `mapstructure:"max_retries"`
	MinRetryBackoff    time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff    time.Duration `mapstructure:"max_retry_backoff"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	PoolSize           int           `mapstructure:"pool_size"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
}

// ObjectStoreConfig describes the durable L3 store: an S3 bucket for
// blobs plus three DynamoDB-shaped index tables.
type ObjectStoreConfig struct {
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	Bucket        string `mapstructure:"bucket"`
	S3IndexTable  string `mapstructure:"s3_index_table"`
	IDIndexTable  string `mapstructure:"id_index_table"`
	IDCountTable  string `mapstructure:"id_count_table"`
	DynamoDBURL   string `mapstructure:"dynamodb_url"`
	LookupKeyMaxN int    `mapstructure:"lookup_key_max_n"`

	// AccessKeyID/SecretAccessKey override the default AWS credential
	// chain with static credentials — only meaningful alongside
	// Endpoint/DynamoDBURL, since local S3/DynamoDB emulators require
	// non-empty dummy credentials but have no IAM role to assume.
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// SpatialDBConfig tunes the cutout/write_cuboid orchestrator.
type SpatialDBConfig struct {
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	PageInTimeout     time.Duration `mapstructure:"page_in_timeout"`
	WriteLockTimeout  time.Duration `mapstructure:"write_lock_timeout"`
	ReserveIDsTimeout time.Duration `mapstructure:"reserve_ids_timeout"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level       string   `mapstructure:"level"`
	Format      string   `mapstructure:"format"`
	OutputPaths []string `mapstructure:"output_paths"`
	Development bool     `mapstructure:"development"`
}

// Load reads configuration from (in increasing priority) built-in
// defaults, a config file named "spdb" on the search path, and
// SPDB_-prefixed environment variables.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("spdb")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/spdb")

	v.AutomaticEnv()
	v.SetEnvPrefix("SPDB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.database", 0)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.min_retry_backoff", "8ms")
	v.SetDefault("cache.max_retry_backoff", "512ms")
	v.SetDefault("cache.dial_timeout", "5s")
	v.SetDefault("cache.read_timeout", "3s")
	v.SetDefault("cache.write_timeout", "3s")
	v.SetDefault("cache.pool_size", 50)
	v.SetDefault("cache.min_idle_conns", 5)

	v.SetDefault("state.host", "localhost")
	v.SetDefault("state.port", 6379)
	v.SetDefault("state.database", 1)
	v.SetDefault("state.max_retries", 3)
	v.SetDefault("state.min_retry_backoff", "8ms")
	v.SetDefault("state.max_retry_backoff", "512ms")
	v.SetDefault("state.dial_timeout", "5s")
	v.SetDefault("state.read_timeout", "3s")
	v.SetDefault("state.write_timeout", "3s")
	v.SetDefault("state.pool_size", 20)
	v.SetDefault("state.min_idle_conns", 2)

	v.SetDefault("object_store.region", "us-east-1")
	v.SetDefault("object_store.bucket", "spdb-cuboids")
	v.SetDefault("object_store.s3_index_table", "s3index")
	v.SetDefault("object_store.id_index_table", "idindex")
	v.SetDefault("object_store.id_count_table", "idcount")
	v.SetDefault("object_store.lookup_key_max_n", 100)

	v.SetDefault("spatialdb.read_timeout", "5m")
	v.SetDefault("spatialdb.page_in_timeout", "30s")
	v.SetDefault("spatialdb.write_lock_timeout", "10s")
	v.SetDefault("spatialdb.reserve_ids_timeout", "10s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output_paths", []string{"stdout"})
	v.SetDefault("logging.development", false)
}

// Addr returns host:port for dialing Redis.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}
