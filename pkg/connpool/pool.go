package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
)

// Factory dials a new connection to a downstream collaborator.
type Factory[T any] func(ctx context.Context) (T, error)

// Closer tears down a connection.
type Closer[T any] func(conn T) error

// HealthCheck reports whether a returned connection is still usable.
type HealthCheck[T any] func(conn T) bool

// Config holds pool configuration
type Config struct {
	// MaxSize bounds total connections (in use + idle).
	MaxSize int
	// MaxIdleTime is how long an idle connection survives before reaping.
	MaxIdleTime time.Duration
	// Name identifies the downstream target in logs.
	Name string
}

// DefaultConfig returns safe defaults.
func DefaultConfig(name string) Config {
	return Config{
		MaxSize:     16,
		MaxIdleTime: 5 * time.Minute,
		Name:        name,
	}
}

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool is closed")

type idleConn[T any] struct {
	conn     T
	idleFrom time.Time
}

// Pool is a bounded reusable pool of client connections. Acquire blocks until
// a slot frees up or ctx expires; it never exceeds MaxSize live connections.
type Pool[T any] struct {
	cfg     Config
	factory Factory[T]
	closer  Closer[T]
	health  HealthCheck[T]

	sem *semaphore.Weighted

	mu     sync.Mutex
	idle   []idleConn[T]
	inUse  int
	closed bool
}

// New creates a connection pool. closer may be nil for connectionless
// clients; health may be nil to skip return-path checks.
func New[T any](cfg Config, factory Factory[T], closer Closer[T], health HealthCheck[T]) (*Pool[T], error) {
	if factory == nil {
		return nil, errors.New("connection factory is required")
	}
	if cfg.MaxSize <= 0 {
		return nil, fmt.Errorf("pool max size must be positive, got %d", cfg.MaxSize)
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultConfig(cfg.Name).MaxIdleTime
	}

	return &Pool[T]{
		cfg:     cfg,
		factory: factory,
		closer:  closer,
		health:  health,
		sem:     semaphore.NewWeighted(int64(cfg.MaxSize)),
	}, nil
}

// Acquire returns a connection, reusing an idle one when available. It blocks
// while the pool is at capacity until a connection is released or ctx ends.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return zero, fmt.Errorf("failed to acquire pool slot: %w", err)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, ErrPoolClosed
	}

	// Prefer the most recently returned connection.
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		entry := p.idle[last]
		p.idle = p.idle[:last]

		if p.health != nil && !p.health(entry.conn) {
			p.closeConn(entry.conn)
			continue
		}

		p.inUse++
		p.mu.Unlock()
		return entry.conn, nil
	}
	p.inUse++
	p.mu.Unlock()

	conn, err := p.factory(ctx)
	if err != nil {
		p.mu.Lock()
		p.inUse--
		p.mu.Unlock()
		p.sem.Release(1)
		return zero, fmt.Errorf("failed to dial %s: %w", p.cfg.Name, err)
	}

	return conn, nil
}

// Release returns a connection to the pool. Pass broken=true to discard it
// instead of recycling (e.g. after an I/O error).
func (p *Pool[T]) Release(conn T, broken bool) {
	p.mu.Lock()
	p.inUse--

	if broken || p.closed {
		p.mu.Unlock()
		p.closeConn(conn)
		p.sem.Release(1)
		return
	}

	p.idle = append(p.idle, idleConn[T]{conn: conn, idleFrom: time.Now()})
	p.mu.Unlock()
	p.sem.Release(1)
}

// ReapIdle closes connections idle longer than MaxIdleTime and returns the
// number reaped. The pool owner schedules this periodically; pools are not
// reaped centrally.
func (p *Pool[T]) ReapIdle() int {
	cutoff := time.Now().Add(-p.cfg.MaxIdleTime)

	p.mu.Lock()
	kept := p.idle[:0]
	var stale []T
	for _, entry := range p.idle {
		if entry.idleFrom.Before(cutoff) {
			stale = append(stale, entry.conn)
		} else {
			kept = append(kept, entry)
		}
	}
	p.idle = kept
	p.mu.Unlock()

	for _, conn := range stale {
		p.closeConn(conn)
	}

	if len(stale) > 0 {
		log.Debug().
			Str("pool", p.cfg.Name).
			Int("reaped", len(stale)).
			Msg("Idle connections reaped")
	}

	return len(stale)
}

// Stats reports current pool occupancy.
func (p *Pool[T]) Stats() (inUse, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse, len(p.idle)
}

// Close discards all idle connections and rejects further acquisitions.
// In-use connections are closed as they are released.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, entry := range idle {
		p.closeConn(entry.conn)
	}

	log.Info().Str("pool", p.cfg.Name).Msg("Connection pool closed")

	return nil
}

func (p *Pool[T]) closeConn(conn T) {
	if p.closer == nil {
		return
	}
	if err := p.closer(conn); err != nil {
		log.Warn().Str("pool", p.cfg.Name).Err(err).Msg("Failed to close connection")
	}
}
