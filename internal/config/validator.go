package config

import (
	"fmt"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

var validStrategies = map[string]bool{
	"round_robin":            true,
	"least_connections":      true,
	"weighted_response_time": true,
	"consistent_hash":        true,
}

// ValidateQueue validates queue configuration
func (v *Validator) ValidateQueue(cfg QueueConfig) error {
	if cfg.MaxPending <= 0 {
		return fmt.Errorf("queue max_pending must be positive, got %d", cfg.MaxPending)
	}
	if cfg.AgingThreshold <= 0 {
		return fmt.Errorf("queue aging_threshold must be positive, got %v", cfg.AgingThreshold)
	}
	return nil
}

// ValidateBreaker validates circuit breaker configuration
func (v *Validator) ValidateBreaker(cfg BreakerConfig) error {
	if cfg.FailureThreshold <= 0 {
		return fmt.Errorf("breaker failure_threshold must be positive, got %d", cfg.FailureThreshold)
	}
	if cfg.RecoveryTimeout <= 0 {
		return fmt.Errorf("breaker recovery_timeout must be positive, got %v", cfg.RecoveryTimeout)
	}
	if cfg.HalfOpenTrials <= 0 {
		return fmt.Errorf("breaker half_open_trials must be positive, got %d", cfg.HalfOpenTrials)
	}
	return nil
}

// ValidateCache validates cache configuration
func (v *Validator) ValidateCache(cfg CacheConfig) error {
	if cfg.Capacity <= 0 {
		return fmt.Errorf("cache capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.Shards <= 0 {
		return fmt.Errorf("cache shards must be positive, got %d", cfg.Shards)
	}
	if cfg.Shards&(cfg.Shards-1) != 0 {
		return fmt.Errorf("cache shards must be a power of two, got %d", cfg.Shards)
	}
	return nil
}

// ValidatePool validates worker pool configuration
func (v *Validator) ValidatePool(cfg PoolConfig) error {
	if cfg.MinNodes <= 0 {
		return fmt.Errorf("pool min_nodes must be positive, got %d", cfg.MinNodes)
	}
	if cfg.MaxNodes < cfg.MinNodes {
		return fmt.Errorf("pool max_nodes (%d) must be >= min_nodes (%d)", cfg.MaxNodes, cfg.MinNodes)
	}
	if cfg.InitialNodes < cfg.MinNodes || cfg.InitialNodes > cfg.MaxNodes {
		return fmt.Errorf("pool initial_nodes (%d) must be within [%d, %d]", cfg.InitialNodes, cfg.MinNodes, cfg.MaxNodes)
	}
	if cfg.NodeConcurrency <= 0 {
		return fmt.Errorf("pool node_concurrency must be positive, got %d", cfg.NodeConcurrency)
	}
	if !validStrategies[cfg.Strategy] {
		return fmt.Errorf("unknown pool strategy: %s", cfg.Strategy)
	}
	if cfg.ScaleUpThreshold <= cfg.ScaleDownThreshold {
		return fmt.Errorf("pool scale_up_threshold (%v) must exceed scale_down_threshold (%v)",
			cfg.ScaleUpThreshold, cfg.ScaleDownThreshold)
	}
	if cfg.ScaleUpThreshold > 1 || cfg.ScaleDownThreshold < 0 {
		return fmt.Errorf("pool thresholds must lie in [0, 1]")
	}
	return nil
}

// ValidateRetry validates retry configuration
func (v *Validator) ValidateRetry(cfg RetryConfig) error {
	if cfg.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1, got %d", cfg.MaxAttempts)
	}
	if cfg.BaseBackoff <= 0 {
		return fmt.Errorf("retry base_backoff must be positive, got %v", cfg.BaseBackoff)
	}
	if cfg.MaxBackoff < cfg.BaseBackoff {
		return fmt.Errorf("retry max_backoff (%v) must be >= base_backoff (%v)", cfg.MaxBackoff, cfg.BaseBackoff)
	}
	return nil
}

// ValidateCoalescer validates coalescer configuration
func (v *Validator) ValidateCoalescer(cfg CoalescerConfig) error {
	if cfg.Window <= 0 {
		return fmt.Errorf("coalescer window must be positive, got %v", cfg.Window)
	}
	if cfg.MaxBatchSize <= 0 {
		return fmt.Errorf("coalescer max_batch_size must be positive, got %d", cfg.MaxBatchSize)
	}
	return nil
}

// Validate validates the complete configuration
func (v *Validator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := v.ValidateQueue(cfg.Queue); err != nil {
		return err
	}
	if err := v.ValidateBreaker(cfg.Breaker); err != nil {
		return err
	}
	if err := v.ValidateCache(cfg.Cache); err != nil {
		return err
	}
	if err := v.ValidatePool(cfg.Pool); err != nil {
		return err
	}
	if err := v.ValidateRetry(cfg.Retry); err != nil {
		return err
	}
	if err := v.ValidateCoalescer(cfg.Coalescer); err != nil {
		return err
	}
	return nil
}
