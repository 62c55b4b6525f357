package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main engine configuration
type Config struct {
	// Queue controls the priority dispatch queue
	Queue QueueConfig `json:"queue" mapstructure:"queue"`

	// Breaker controls per-target circuit breakers
	Breaker BreakerConfig `json:"breaker" mapstructure:"breaker"`

	// Cache controls the performance cache
	Cache CacheConfig `json:"cache" mapstructure:"cache"`

	// Pool controls the worker pool and autoscaler
	Pool PoolConfig `json:"pool" mapstructure:"pool"`

	// Resource controls the resource monitor gate
	Resource ResourceConfig `json:"resource" mapstructure:"resource"`

	// Retry controls engine-level retries of transient failures
	Retry RetryConfig `json:"retry" mapstructure:"retry"`

	// Coalescer controls batch coalescing of batchable tools
	Coalescer CoalescerConfig `json:"coalescer" mapstructure:"coalescer"`

	// Execution controls per-request defaults
	Execution ExecutionConfig `json:"execution" mapstructure:"execution"`

	// Janitor controls scheduled maintenance jobs
	Janitor JanitorConfig `json:"janitor" mapstructure:"janitor"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory (write-back store, logs)
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// QueueConfig holds priority dispatch queue configuration
type QueueConfig struct {
	// MaxPending bounds the total number of queued requests across
	// all priority levels. Enqueue beyond this rejects with QueueFull.
	MaxPending int `json:"max_pending" mapstructure:"max_pending"`

	// AgingThreshold is how long a request may wait before it is promoted
	// one priority level to prevent starvation.
	AgingThreshold time.Duration `json:"aging_threshold" mapstructure:"aging_threshold"`
}

// BreakerConfig holds circuit breaker configuration
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" mapstructure:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout" mapstructure:"recovery_timeout"`
	HalfOpenTrials   int           `json:"half_open_trials" mapstructure:"half_open_trials"`
}

// CacheConfig holds performance cache configuration
type CacheConfig struct {
	Capacity      int           `json:"capacity" mapstructure:"capacity"`
	Shards        int           `json:"shards" mapstructure:"shards"`
	DefaultTTL    time.Duration `json:"default_ttl" mapstructure:"default_ttl"`
	SweepInterval time.Duration `json:"sweep_interval" mapstructure:"sweep_interval"`
}

// PoolConfig holds worker pool and autoscaler configuration
type PoolConfig struct {
	InitialNodes    int    `json:"initial_nodes" mapstructure:"initial_nodes"`
	MinNodes        int    `json:"min_nodes" mapstructure:"min_nodes"`
	MaxNodes        int    `json:"max_nodes" mapstructure:"max_nodes"`
	NodeConcurrency int    `json:"node_concurrency" mapstructure:"node_concurrency"`
	Strategy        string `json:"strategy" mapstructure:"strategy"` // round_robin, least_connections, weighted_response_time, consistent_hash

	// Autoscaler thresholds are utilization fractions in [0, 1].
	ScaleUpThreshold   float64       `json:"scale_up_threshold" mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64       `json:"scale_down_threshold" mapstructure:"scale_down_threshold"`
	SampleInterval     time.Duration `json:"sample_interval" mapstructure:"sample_interval"`
	SustainWindow      time.Duration `json:"sustain_window" mapstructure:"sustain_window"`
	Cooldown           time.Duration `json:"cooldown" mapstructure:"cooldown"`
	DrainTimeout       time.Duration `json:"drain_timeout" mapstructure:"drain_timeout"`
}

// ResourceConfig holds resource monitor configuration
type ResourceConfig struct {
	MemoryLimitBytes uint64        `json:"memory_limit_bytes" mapstructure:"memory_limit_bytes"`
	SampleInterval   time.Duration `json:"sample_interval" mapstructure:"sample_interval"`
}

// RetryConfig holds engine retry configuration for transient failures
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseBackoff time.Duration `json:"base_backoff" mapstructure:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff" mapstructure:"max_backoff"`
}

// CoalescerConfig holds batch coalescer configuration
type CoalescerConfig struct {
	Window       time.Duration `json:"window" mapstructure:"window"`
	MaxBatchSize int           `json:"max_batch_size" mapstructure:"max_batch_size"`
}

// ExecutionConfig holds per-request execution defaults
type ExecutionConfig struct {
	DefaultDeadline time.Duration `json:"default_deadline" mapstructure:"default_deadline"`
	MaxOutputBytes  int           `json:"max_output_bytes" mapstructure:"max_output_bytes"`
}

// JanitorConfig holds cron schedules for maintenance jobs
type JanitorConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	FlushSchedule string `json:"flush_schedule" mapstructure:"flush_schedule"`
	ReapSchedule  string `json:"reap_schedule" mapstructure:"reap_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `json:"level" mapstructure:"level"`
	File    string `json:"file" mapstructure:"file"`
	Console bool   `json:"console" mapstructure:"console"`
	Pretty  bool   `json:"pretty" mapstructure:"pretty"`
}

// DefaultConfig returns the documented safe defaults
func DefaultConfig() *Config {
	return &Config{
		Queue: QueueConfig{
			MaxPending:     4096,
			AgingThreshold: 5 * time.Second,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  30 * time.Second,
			HalfOpenTrials:   1,
		},
		Cache: CacheConfig{
			Capacity:      4096,
			Shards:        16,
			DefaultTTL:    5 * time.Minute,
			SweepInterval: time.Minute,
		},
		Pool: PoolConfig{
			InitialNodes:       2,
			MinNodes:           1,
			MaxNodes:           8,
			NodeConcurrency:    8,
			Strategy:           "least_connections",
			ScaleUpThreshold:   0.8,
			ScaleDownThreshold: 0.2,
			SampleInterval:     time.Second,
			SustainWindow:      10 * time.Second,
			Cooldown:           30 * time.Second,
			DrainTimeout:       time.Minute,
		},
		Resource: ResourceConfig{
			MemoryLimitBytes: 1 << 30, // 1 GiB
			SampleInterval:   time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseBackoff: 100 * time.Millisecond,
			MaxBackoff:  5 * time.Second,
		},
		Coalescer: CoalescerConfig{
			Window:       10 * time.Millisecond,
			MaxBatchSize: 32,
		},
		Execution: ExecutionConfig{
			DefaultDeadline: 30 * time.Second,
			MaxOutputBytes:  10 * 1024,
		},
		Janitor: JanitorConfig{
			Enabled:       true,
			SweepSchedule: "@every 1m",
			FlushSchedule: "@every 30s",
			ReapSchedule:  "@every 1m",
		},
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("config marshal error: %v", err)
	}
	return string(data)
}
