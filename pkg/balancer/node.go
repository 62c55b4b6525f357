package balancer

import (
	"math"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Health classifies a node's fitness for new work.
type Health int32

const (
	Healthy Health = iota
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// latencyAlpha weights the response-time EWMA toward recent samples.
const latencyAlpha = 0.3

// Node is one logical execution unit in the pool. Slots are reserved with a
// CAS on the load counter so selection never over-commits a node.
type Node struct {
	ID             string
	MaxConcurrency int

	load          atomic.Int64
	health        atomic.Int32
	lastHeartbeat atomic.Int64 // unix nanos
	avgLatency    atomic.Uint64
	draining      atomic.Bool
	createdAt     time.Time
}

// NewNode creates a healthy node with a generated ID.
func NewNode(maxConcurrency int) *Node {
	id, err := gonanoid.New(12)
	if err != nil {
		id = time.Now().Format("20060102150405.000000000")
	}

	n := &Node{
		ID:             "node-" + id,
		MaxConcurrency: maxConcurrency,
		createdAt:      time.Now(),
	}
	n.lastHeartbeat.Store(time.Now().UnixNano())
	return n
}

// tryAcquire reserves a slot. Returns false when the node is draining, full,
// or unhealthy.
func (n *Node) tryAcquire() bool {
	if n.draining.Load() || n.Healthiness() == Unhealthy {
		return false
	}
	for {
		cur := n.load.Load()
		if cur >= int64(n.MaxConcurrency) {
			return false
		}
		if n.load.CompareAndSwap(cur, cur+1) {
			n.Heartbeat()
			return true
		}
	}
}

// release frees a slot and folds the observed latency into the node's EWMA.
func (n *Node) release(latency time.Duration) {
	n.load.Add(-1)
	n.Heartbeat()

	if latency <= 0 {
		return
	}
	sample := latency.Seconds()
	for {
		old := n.avgLatency.Load()
		prev := math.Float64frombits(old)
		next := sample
		if prev > 0 {
			next = latencyAlpha*sample + (1-latencyAlpha)*prev
		}
		if n.avgLatency.CompareAndSwap(old, math.Float64bits(next)) {
			return
		}
	}
}

// Load returns the current in-flight count.
func (n *Node) Load() int {
	return int(n.load.Load())
}

// AvgLatency returns the node's response-time EWMA.
func (n *Node) AvgLatency() time.Duration {
	return time.Duration(math.Float64frombits(n.avgLatency.Load()) * float64(time.Second))
}

// Heartbeat records liveness.
func (n *Node) Heartbeat() {
	n.lastHeartbeat.Store(time.Now().UnixNano())
}

// LastHeartbeat returns the most recent liveness timestamp.
func (n *Node) LastHeartbeat() time.Time {
	return time.Unix(0, n.lastHeartbeat.Load())
}

// Healthiness returns the node's health classification.
func (n *Node) Healthiness() Health {
	return Health(n.health.Load())
}

// SetHealth reclassifies the node.
func (n *Node) SetHealth(h Health) {
	n.health.Store(int32(h))
}

// Draining reports whether the node is excluded from selection.
func (n *Node) Draining() bool {
	return n.draining.Load()
}
