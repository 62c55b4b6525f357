package coalescer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/internal/observability"
	"github.com/renoz/turbine/pkg/invocation"
)

// Config holds coalescer configuration
type Config struct {
	// Window is how long the first arrival waits for company before the
	// batch dispatches anyway.
	Window time.Duration
	// MaxBatch dispatches a batch early once it fills.
	MaxBatch int
}

type callResult struct {
	payload interface{}
	err     error
}

type pendingCall struct {
	requestID string
	args      map[string]interface{}
	result    chan callResult
}

type batch struct {
	handler invocation.BatchHandler
	calls   []*pendingCall
	timer   *time.Timer
}

// Coalescer merges concurrent invocations of the same batchable tool that
// arrive within a short window into one downstream call, then demultiplexes
// the combined result back to each waiter by request id. The window is a
// fixed latency tax traded for throughput on hot tools.
type Coalescer struct {
	mu      sync.Mutex
	pending map[string]*batch
	window  time.Duration
	maxSize int
	closed  bool
}

// New creates a coalescer.
func New(cfg Config) *Coalescer {
	if cfg.Window <= 0 {
		cfg.Window = 10 * time.Millisecond
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 32
	}

	observability.EnsureRegistered()

	return &Coalescer{
		pending: make(map[string]*batch),
		window:  cfg.Window,
		maxSize: cfg.MaxBatch,
	}
}

// Do joins (or opens) the current batch for toolName and blocks until the
// batch result arrives or ctx is done. An abandoning caller leaves the
// batch; its slot still dispatches and the result is dropped.
func (c *Coalescer) Do(ctx context.Context, toolName, requestID string, handler invocation.BatchHandler, args map[string]interface{}) (interface{}, error) {
	call := &pendingCall{
		requestID: requestID,
		args:      args,
		result:    make(chan callResult, 1),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, invocation.ErrEngineClosed
	}

	b, ok := c.pending[toolName]
	if !ok {
		b = &batch{handler: handler}
		c.pending[toolName] = b
		b.timer = time.AfterFunc(c.window, func() {
			c.take(toolName, b)
		})
	}
	b.calls = append(b.calls, call)

	if len(b.calls) >= c.maxSize {
		b.timer.Stop()
		delete(c.pending, toolName)
		c.mu.Unlock()
		go c.dispatch(toolName, b)
	} else {
		c.mu.Unlock()
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-call.result:
		return res.payload, res.err
	}
}

// take removes a batch when its window closes and dispatches it, unless a
// size-triggered dispatch already claimed it.
func (c *Coalescer) take(toolName string, b *batch) {
	c.mu.Lock()
	if c.pending[toolName] != b {
		c.mu.Unlock()
		return
	}
	delete(c.pending, toolName)
	c.mu.Unlock()
	c.dispatch(toolName, b)
}

// dispatch performs the single downstream call and fans the results out.
func (c *Coalescer) dispatch(toolName string, b *batch) {
	argSets := make([]map[string]interface{}, len(b.calls))
	for i, call := range b.calls {
		argSets[i] = call.args
	}

	observability.RecordBatch(len(b.calls))
	log.Debug().
		Str("tool", toolName).
		Int("size", len(b.calls)).
		Msg("Dispatching coalesced batch")

	payloads, err := b.handler.InvokeBatch(context.Background(), argSets)
	if err == nil && len(payloads) != len(b.calls) {
		err = invocation.NewPermanent(fmt.Errorf(
			"batch handler for %s returned %d results for %d calls",
			toolName, len(payloads), len(b.calls)))
	}

	for i, call := range b.calls {
		if err != nil {
			call.result <- callResult{err: err}
			continue
		}
		call.result <- callResult{payload: payloads[i]}
	}
}

// Close flushes every open batch immediately and rejects new callers.
func (c *Coalescer) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	flush := c.pending
	c.pending = make(map[string]*batch)
	c.mu.Unlock()

	for toolName, b := range flush {
		b.timer.Stop()
		c.dispatch(toolName, b)
	}
}
