package balancer

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// AutoscalerConfig holds scaling policy configuration
type AutoscalerConfig struct {
	// ScaleUpThreshold and ScaleDownThreshold bound pool utilization.
	ScaleUpThreshold   float64
	ScaleDownThreshold float64
	// SampleInterval is how often utilization is sampled.
	SampleInterval time.Duration
	// SustainWindow is how long a threshold breach must persist before a
	// scale event fires, so transient spikes do not flap the pool.
	SustainWindow time.Duration
	// Cooldown is the minimum gap between scale events.
	Cooldown time.Duration
	// QueueDepth reports dispatch backlog; a non-empty backlog counts as
	// demand even when utilization momentarily dips. Optional.
	QueueDepth func() int
}

// Autoscaler grows and shrinks a pool based on sampled utilization.
type Autoscaler struct {
	pool *Pool
	cfg  AutoscalerConfig

	breachStart time.Time
	breachUp    bool
	lastEvent   time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoscaler creates an autoscaler for the pool.
func NewAutoscaler(pool *Pool, cfg AutoscalerConfig) *Autoscaler {
	if cfg.ScaleUpThreshold <= 0 {
		cfg.ScaleUpThreshold = 0.8
	}
	if cfg.ScaleDownThreshold <= 0 {
		cfg.ScaleDownThreshold = 0.2
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = time.Second
	}
	if cfg.SustainWindow <= 0 {
		cfg.SustainWindow = 10 * time.Second
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Autoscaler{pool: pool, cfg: cfg}
}

// Start begins sampling until Stop or ctx cancellation.
func (a *Autoscaler) Start(ctx context.Context) {
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.cfg.SampleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.Sample()
			}
		}
	}()
}

// Stop halts sampling.
func (a *Autoscaler) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Sample takes one utilization reading and scales when a threshold breach
// has been sustained past the window and the cooldown has lapsed. Exported
// so a scheduler can drive sampling instead of the internal ticker.
func (a *Autoscaler) Sample() {
	util := a.pool.Utilization()
	backlog := 0
	if a.cfg.QueueDepth != nil {
		backlog = a.cfg.QueueDepth()
	}

	now := time.Now()
	switch {
	case util >= a.cfg.ScaleUpThreshold || (backlog > 0 && util >= a.cfg.ScaleDownThreshold):
		a.observeBreach(now, true)
	case util <= a.cfg.ScaleDownThreshold && backlog == 0:
		a.observeBreach(now, false)
	default:
		a.breachStart = time.Time{}
	}

	if a.breachStart.IsZero() || now.Sub(a.breachStart) < a.cfg.SustainWindow {
		return
	}
	if now.Sub(a.lastEvent) < a.cfg.Cooldown {
		return
	}

	current := a.pool.NodeCount()
	target := current
	if a.breachUp {
		target = current + 1
	} else {
		target = current - 1
	}

	if err := a.pool.Scale(target); err != nil {
		log.Warn().Err(err).Msg("Autoscale attempt failed")
		return
	}
	if a.pool.NodeCount() != current {
		a.lastEvent = now
		a.breachStart = time.Time{}
		log.Info().
			Float64("utilization", util).
			Int("backlog", backlog).
			Int("target", target).
			Msg("Autoscale event")
	} else {
		// Clamped at a bound; stop treating the breach as actionable.
		a.breachStart = time.Time{}
	}
}

func (a *Autoscaler) observeBreach(now time.Time, up bool) {
	if a.breachStart.IsZero() || a.breachUp != up {
		a.breachStart = now
		a.breachUp = up
	}
}
