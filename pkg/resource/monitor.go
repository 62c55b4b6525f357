package resource

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/internal/observability"
)

// Snapshot is a point-in-time view of process resource usage.
type Snapshot struct {
	HeapBytes      uint64    `json:"heap_bytes"`
	SysBytes       uint64    `json:"sys_bytes"`
	Goroutines     int       `json:"goroutines"`
	GCCPUFraction  float64   `json:"gc_cpu_fraction"`
	AcceptingWork  bool      `json:"accepting_work"`
	SampledAt      time.Time `json:"sampled_at"`
}

// Config holds resource monitor configuration
type Config struct {
	// MemoryLimitBytes closes the gate when heap usage exceeds it.
	MemoryLimitBytes uint64
	// SampleInterval controls how often usage is sampled.
	SampleInterval time.Duration
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		MemoryLimitBytes: 1 << 30,
		SampleInterval:   time.Second,
	}
}

// Monitor samples process memory on a ticker loop and exposes a boolean
// accepting-work gate consulted by the dispatch queue before admission.
type Monitor struct {
	cfg       Config
	accepting atomic.Bool

	mu   sync.RWMutex
	last Snapshot

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMonitor creates a resource monitor. The gate starts open.
func NewMonitor(cfg Config) *Monitor {
	observability.EnsureRegistered()

	if cfg.MemoryLimitBytes == 0 {
		cfg.MemoryLimitBytes = DefaultConfig().MemoryLimitBytes
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Monitor{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
	m.accepting.Store(true)
	m.sample()

	return m
}

// Start begins the sampling loop.
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.sampleLoop()

	log.Info().
		Uint64("memoryLimitBytes", m.cfg.MemoryLimitBytes).
		Dur("interval", m.cfg.SampleInterval).
		Msg("Resource monitor started")
}

// Stop shuts down the sampling loop.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// AcceptingWork reports whether new work should be admitted.
func (m *Monitor) AcceptingWork() bool {
	return m.accepting.Load()
}

// Current returns the last sampled snapshot.
func (m *Monitor) Current() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *Monitor) sampleLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sample()
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Monitor) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	wasAccepting := m.accepting.Load()
	accepting := ms.HeapAlloc < m.cfg.MemoryLimitBytes
	m.accepting.Store(accepting)
	observability.SetResourceGate(!accepting)

	if wasAccepting && !accepting {
		log.Warn().
			Uint64("heapBytes", ms.HeapAlloc).
			Uint64("limitBytes", m.cfg.MemoryLimitBytes).
			Msg("Resource gate closed, refusing new work")
	} else if !wasAccepting && accepting {
		log.Info().
			Uint64("heapBytes", ms.HeapAlloc).
			Msg("Resource gate reopened")
	}

	m.mu.Lock()
	m.last = Snapshot{
		HeapBytes:     ms.HeapAlloc,
		SysBytes:      ms.Sys,
		Goroutines:    runtime.NumGoroutine(),
		GCCPUFraction: ms.GCCPUFraction,
		AcceptingWork: accepting,
		SampledAt:     time.Now(),
	}
	m.mu.Unlock()
}

// SetGate force-sets the gate. Intended for tests and manual operation.
func (m *Monitor) SetGate(accepting bool) {
	m.accepting.Store(accepting)
	observability.SetResourceGate(!accepting)
}
