// Package config loads the YAML configuration of the kvoracle driver.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid configuration")

// Default values for the driver configuration.
const (
	DefaultPartitions  = 1000
	DefaultBucket      = "default"
	DefaultWorkers     = 8
	DefaultOperations  = 10000
	DefaultKeySpace    = 512
	DefaultBatchSize   = 4
	DefaultTTL         = 2 * time.Second
	DefaultTTLRatio    = 0.1
	DefaultDeleteRatio = 0.2
	DefaultLogLevel    = "info"
)

// Config is the top-level driver configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	Workload WorkloadConfig `yaml:"workload"`
	Cluster  ClusterConfig  `yaml:"cluster"`
	Log      LogConfig      `yaml:"log"`
}

// StoreConfig shapes every oracle store.
type StoreConfig struct {
	// Partitions is the fixed shard count of each store (default 1000).
	Partitions int `yaml:"partitions"`

	// Bucket and Collection scope the workload's keys. Keys are routed by
	// their own hash unless Collection is set.
	Bucket     string `yaml:"bucket"`
	Collection string `yaml:"collection"`
}

// WorkloadConfig controls the concurrent soak run.
type WorkloadConfig struct {
	// Workers is the number of goroutines driving the store.
	Workers int `yaml:"workers"`

	// Operations is the total number of operations across all workers.
	Operations int `yaml:"operations"`

	// KeySpace bounds the number of distinct keys touched.
	KeySpace int `yaml:"key_space"`

	// BatchSize is the number of keys per multi-key operation.
	BatchSize int `yaml:"batch_size"`

	// TTL is the expiry given to the TTLRatio share of writes.
	TTL      time.Duration `yaml:"ttl"`
	TTLRatio float64       `yaml:"ttl_ratio"`

	// DeleteRatio is the share of operations that delete.
	DeleteRatio float64 `yaml:"delete_ratio"`
}

// ClusterConfig lists the simulated nodes, each with its own oracle.
type ClusterConfig struct {
	Nodes []string `yaml:"nodes"`
}

// LogConfig controls the zap logger.
type LogConfig struct {
	// Level is one of: debug | info | warn | error.
	Level string `yaml:"level"`

	// Development switches to zap's human-readable development encoder.
	Development bool `yaml:"development"`
}

// Load reads and parses the config file at path. An empty path yields the
// defaults. Missing fields are filled with defaults before validation.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Defaults returns a Config pre-populated with default values.
func Defaults() *Config {
	return &Config{
		Store: StoreConfig{
			Partitions: DefaultPartitions,
			Bucket:     DefaultBucket,
		},
		Workload: WorkloadConfig{
			Workers:     DefaultWorkers,
			Operations:  DefaultOperations,
			KeySpace:    DefaultKeySpace,
			BatchSize:   DefaultBatchSize,
			TTL:         DefaultTTL,
			TTLRatio:    DefaultTTLRatio,
			DeleteRatio: DefaultDeleteRatio,
		},
		Cluster: ClusterConfig{
			Nodes: []string{"node-1", "node-2", "node-3"},
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Validate checks structural constraints on the configuration.
func (c *Config) Validate() error {
	if c.Store.Partitions <= 0 {
		return invalid("store.partitions must be positive, got %d", c.Store.Partitions)
	}
	w := c.Workload
	if w.Workers <= 0 {
		return invalid("workload.workers must be positive, got %d", w.Workers)
	}
	if w.Operations < 0 {
		return invalid("workload.operations must not be negative")
	}
	if w.KeySpace <= 0 {
		return invalid("workload.key_space must be positive, got %d", w.KeySpace)
	}
	if w.BatchSize <= 0 {
		return invalid("workload.batch_size must be positive, got %d", w.BatchSize)
	}
	if w.TTL < 0 {
		return invalid("workload.ttl must not be negative")
	}
	if w.TTLRatio < 0 || w.TTLRatio > 1 {
		return invalid("workload.ttl_ratio %v is out of range [0, 1]", w.TTLRatio)
	}
	if w.DeleteRatio < 0 || w.DeleteRatio > 1 {
		return invalid("workload.delete_ratio %v is out of range [0, 1]", w.DeleteRatio)
	}

	seen := make(map[string]bool, len(c.Cluster.Nodes))
	for _, id := range c.Cluster.Nodes {
		if id == "" {
			return invalid("cluster.nodes contains an empty node ID")
		}
		if seen[id] {
			return invalid("cluster.nodes contains %q twice", id)
		}
		seen[id] = true
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level %q unknown: want debug|info|warn|error", c.Log.Level)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
