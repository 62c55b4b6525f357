package resource

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMonitorStartsAccepting(t *testing.T) {
	m := NewMonitor(DefaultConfig())
	assert.True(t, m.AcceptingWork())
}

func TestMonitorClosesGateOverLimit(t *testing.T) {
	// A 1-byte limit is always exceeded by a live process.
	m := NewMonitor(Config{MemoryLimitBytes: 1, SampleInterval: 10 * time.Millisecond})
	assert.False(t, m.AcceptingWork())
}

func TestMonitorSnapshot(t *testing.T) {
	m := NewMonitor(DefaultConfig())

	snap := m.Current()
	assert.Greater(t, snap.HeapBytes, uint64(0))
	assert.Greater(t, snap.Goroutines, 0)
	assert.False(t, snap.SampledAt.IsZero())
}

func TestMonitorSampleLoop(t *testing.T) {
	m := NewMonitor(Config{MemoryLimitBytes: 1 << 40, SampleInterval: 5 * time.Millisecond})
	m.Start()
	defer m.Stop()

	first := m.Current().SampledAt
	assert.Eventually(t, func() bool {
		return m.Current().SampledAt.After(first)
	}, time.Second, 5*time.Millisecond)
}

func TestSetGate(t *testing.T) {
	m := NewMonitor(DefaultConfig())

	m.SetGate(false)
	assert.False(t, m.AcceptingWork())

	m.SetGate(true)
	assert.True(t, m.AcceptingWork())
}
