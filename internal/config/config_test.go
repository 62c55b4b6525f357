package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, 4096, cfg.Queue.MaxPending)
	assert.Equal(t, 5*time.Second, cfg.Queue.AgingThreshold)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.Equal(t, 1, cfg.Breaker.HalfOpenTrials)
	assert.Equal(t, "least_connections", cfg.Pool.Strategy)
	assert.Equal(t, 10*time.Millisecond, cfg.Coalescer.Window)
}

func TestDefaultConfigValidates(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.Validate(DefaultConfig()))
}

func TestValidateQueue(t *testing.T) {
	v := NewValidator()

	t.Run("rejects zero max_pending", func(t *testing.T) {
		err := v.ValidateQueue(QueueConfig{MaxPending: 0, AgingThreshold: time.Second})
		assert.Error(t, err)
	})

	t.Run("rejects zero aging threshold", func(t *testing.T) {
		err := v.ValidateQueue(QueueConfig{MaxPending: 10, AgingThreshold: 0})
		assert.Error(t, err)
	})
}

func TestValidatePool(t *testing.T) {
	v := NewValidator()
	base := DefaultConfig().Pool

	t.Run("rejects unknown strategy", func(t *testing.T) {
		cfg := base
		cfg.Strategy = "random"
		assert.Error(t, v.ValidatePool(cfg))
	})

	t.Run("rejects max below min", func(t *testing.T) {
		cfg := base
		cfg.MinNodes = 4
		cfg.MaxNodes = 2
		assert.Error(t, v.ValidatePool(cfg))
	})

	t.Run("rejects crossed thresholds", func(t *testing.T) {
		cfg := base
		cfg.ScaleUpThreshold = 0.2
		cfg.ScaleDownThreshold = 0.8
		assert.Error(t, v.ValidatePool(cfg))
	})

	t.Run("accepts all strategies", func(t *testing.T) {
		for s := range validStrategies {
			cfg := base
			cfg.Strategy = s
			assert.NoError(t, v.ValidatePool(cfg), s)
		}
	})
}

func TestValidateCache(t *testing.T) {
	v := NewValidator()

	t.Run("rejects non-power-of-two shards", func(t *testing.T) {
		err := v.ValidateCache(CacheConfig{Capacity: 100, Shards: 3})
		assert.Error(t, err)
	})

	t.Run("accepts power-of-two shards", func(t *testing.T) {
		err := v.ValidateCache(CacheConfig{Capacity: 100, Shards: 8})
		assert.NoError(t, err)
	})
}

func TestValidateRetry(t *testing.T) {
	v := NewValidator()

	err := v.ValidateRetry(RetryConfig{MaxAttempts: 0, BaseBackoff: time.Millisecond, MaxBackoff: time.Second})
	assert.Error(t, err)

	err = v.ValidateRetry(RetryConfig{MaxAttempts: 3, BaseBackoff: time.Second, MaxBackoff: time.Millisecond})
	assert.Error(t, err)
}
