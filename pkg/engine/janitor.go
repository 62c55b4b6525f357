package engine

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// janitor runs scheduled maintenance: cache sweeps, write-back flushes, and
// node health reaping. Schedules come from the janitor config section and use
// cron syntax, including @every descriptors.
type janitor struct {
	engine *Engine
	cron   *cron.Cron
}

func newJanitor(e *Engine) *janitor {
	return &janitor{
		engine: e,
		cron:   cron.New(),
	}
}

func (j *janitor) start() {
	cfg := j.engine.cfg.Janitor

	if cfg.SweepSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.SweepSchedule, j.sweep); err != nil {
			log.Warn().Err(err).Str("schedule", cfg.SweepSchedule).Msg("Invalid sweep schedule")
		}
	}
	if cfg.FlushSchedule != "" && j.engine.results != nil {
		if _, err := j.cron.AddFunc(cfg.FlushSchedule, j.flush); err != nil {
			log.Warn().Err(err).Str("schedule", cfg.FlushSchedule).Msg("Invalid flush schedule")
		}
	}
	if cfg.ReapSchedule != "" {
		if _, err := j.cron.AddFunc(cfg.ReapSchedule, j.reap); err != nil {
			log.Warn().Err(err).Str("schedule", cfg.ReapSchedule).Msg("Invalid reap schedule")
		}
	}

	j.cron.Start()
	log.Info().Msg("Janitor started")
}

func (j *janitor) stop() {
	<-j.cron.Stop().Done()
}

func (j *janitor) sweep() {
	removed := j.engine.cache.Sweep()
	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Swept expired cache entries")
	}
}

func (j *janitor) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := j.engine.results.Flush(ctx); err != nil {
		log.Warn().Err(err).Msg("Write-back flush failed")
	}
}

func (j *janitor) reap() {
	j.engine.pool.CheckHealth()
}
