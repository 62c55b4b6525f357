package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/internal/observability"
	"github.com/renoz/turbine/pkg/invocation"
)

// Config holds dispatch queue configuration
type Config struct {
	// MaxPending bounds the total live entries across all priority levels.
	MaxPending int
	// AgingThreshold is how long an entry may wait before it is promoted
	// one priority level.
	AgingThreshold time.Duration
	// AcceptingWork gates admission; nil means always accepting. Wired to
	// the resource monitor.
	AcceptingWork func() bool
}

type item struct {
	req       *invocation.Request
	priority  invocation.Priority
	waitingAt time.Time // reset on promotion so entries climb one level at a time
	cancelled bool
}

// Queue is the priority dispatch queue. Four sub-queues are drained in
// strict priority order; entries older than the aging threshold are promoted
// one level so sustained high-priority load cannot starve low-priority work.
type Queue struct {
	mu     sync.Mutex
	levels [invocation.PriorityCritical + 1][]*item
	index  map[string]*item
	depth  int

	maxPending     int
	agingThreshold time.Duration
	acceptingWork  func() bool

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closed    bool
}

// New creates a dispatch queue.
func New(cfg Config) *Queue {
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = 4096
	}
	if cfg.AgingThreshold <= 0 {
		cfg.AgingThreshold = 5 * time.Second
	}

	observability.EnsureRegistered()

	return &Queue{
		index:          make(map[string]*item),
		maxPending:     cfg.MaxPending,
		agingThreshold: cfg.AgingThreshold,
		acceptingWork:  cfg.AcceptingWork,
		signal:         make(chan struct{}, 1),
		done:           make(chan struct{}),
	}
}

// Enqueue admits a request or rejects it synchronously. Rejections carry a
// kind: queue_full when the pending bound is hit, resource_exhausted when
// the resource gate is closed.
func (q *Queue) Enqueue(req *invocation.Request) error {
	if q.acceptingWork != nil && !q.acceptingWork() {
		observability.RecordRejection("resource_exhausted")
		return invocation.ErrResourceExhausted
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return invocation.ErrEngineClosed
	}
	if q.depth >= q.maxPending {
		q.mu.Unlock()
		observability.RecordRejection("queue_full")
		return invocation.ErrQueueFull
	}

	it := &item{
		req:       req,
		priority:  req.Priority,
		waitingAt: time.Now(),
	}
	q.levels[req.Priority] = append(q.levels[req.Priority], it)
	q.index[req.ID] = it
	q.depth++
	levelDepth := q.liveCount(req.Priority)
	q.updateDepthGauges()
	q.mu.Unlock()

	observability.RecordEnqueue(req.Priority.String(), levelDepth)
	q.wake()
	return nil
}

// Dequeue blocks until a request is available or ctx is done. Levels are
// drained strictly highest-first; within a level, FIFO.
func (q *Queue) Dequeue(ctx context.Context) (*invocation.Request, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, invocation.ErrEngineClosed
		}

		q.promoteAged()

		if req := q.pop(); req != nil {
			remaining := q.depth
			q.updateDepthGauges()
			q.mu.Unlock()
			if remaining > 0 {
				q.wake()
			}
			return req, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.done:
			return nil, invocation.ErrEngineClosed
		case <-q.signal:
		}
	}
}

// pop removes the oldest live entry from the highest non-empty level.
// Cancelled tombstones are discarded in passing. Caller holds the lock.
func (q *Queue) pop() *invocation.Request {
	for p := invocation.PriorityCritical; ; p-- {
		level := q.levels[p]
		for len(level) > 0 {
			it := level[0]
			level = level[1:]
			q.levels[p] = level
			if it.cancelled {
				continue
			}
			delete(q.index, it.req.ID)
			q.depth--
			return it.req
		}
		if p == invocation.PriorityLow {
			return nil
		}
	}
}

// promoteAged moves entries that waited past the threshold up one level.
// The aging clock resets on promotion, so an entry climbs one level per
// threshold interval. Caller holds the lock.
func (q *Queue) promoteAged() {
	now := time.Now()
	for p := invocation.PriorityHigh; ; p-- {
		level := q.levels[p]
		kept := level[:0]
		var promoted []*item
		for _, it := range level {
			if it.cancelled {
				continue
			}
			if now.Sub(it.waitingAt) >= q.agingThreshold {
				it.priority = it.priority.Promote()
				it.waitingAt = now
				promoted = append(promoted, it)
				observability.RecordAgingPromotion()
				log.Debug().
					Str("request_id", it.req.ID).
					Str("priority", it.priority.String()).
					Msg("Aged request promoted")
				continue
			}
			kept = append(kept, it)
		}
		q.levels[p] = kept
		if len(promoted) > 0 {
			// Promoted entries go to the front of the new level: they have
			// already waited a full aging interval, so fresh arrivals at
			// that level must not get ahead of them.
			q.levels[p+1] = append(promoted, q.levels[p+1]...)
		}
		if p == invocation.PriorityLow {
			return
		}
	}
}

// Cancel removes a queued request before dispatch. Returns true when the
// request was still queued; the removal is synchronous and guaranteed.
// Requests already handed to a worker are out of the queue's hands.
func (q *Queue) Cancel(requestID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	it, ok := q.index[requestID]
	if !ok || it.cancelled {
		return false
	}
	it.cancelled = true
	delete(q.index, requestID)
	q.depth--
	q.updateDepthGauges()
	observability.RecordCancellation()
	return true
}

// Depth returns the count of live queued entries.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// DepthByPriority returns live entry counts keyed by effective priority.
func (q *Queue) DepthByPriority() map[invocation.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[invocation.Priority]int, len(q.levels))
	for p := invocation.PriorityLow; p <= invocation.PriorityCritical; p++ {
		out[p] = q.liveCount(p)
	}
	return out
}

// Close rejects future enqueues and wakes blocked workers.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.closeOnce.Do(func() { close(q.done) })
}

func (q *Queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// liveCount counts non-tombstoned entries at one level. Caller holds the lock.
func (q *Queue) liveCount(p invocation.Priority) int {
	n := 0
	for _, it := range q.levels[p] {
		if !it.cancelled {
			n++
		}
	}
	return n
}

// updateDepthGauges publishes per-level depth. Caller holds the lock.
func (q *Queue) updateDepthGauges() {
	for p := invocation.PriorityLow; p <= invocation.PriorityCritical; p++ {
		observability.SetQueueDepth(p.String(), q.liveCount(p))
	}
}
