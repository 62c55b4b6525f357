package balancer

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/internal/observability"
	"github.com/renoz/turbine/pkg/invocation"
)

// Selection strategies.
const (
	StrategyRoundRobin           = "round_robin"
	StrategyLeastConnections     = "least_connections"
	StrategyWeightedResponseTime = "weighted_response_time"
	StrategyConsistentHash       = "consistent_hash"
)

// Config holds worker pool configuration
type Config struct {
	InitialNodes    int
	MinNodes        int
	MaxNodes        int
	NodeConcurrency int
	Strategy        string
	// DrainTimeout bounds how long a scale-down waits for in-flight work.
	DrainTimeout time.Duration
	// HeartbeatTimeout is how stale a node's heartbeat may be before the
	// health check reclassifies it.
	HeartbeatTimeout time.Duration
}

// Pool is the load-balanced worker pool. Node membership changes under a
// write lock; selection takes the read path.
type Pool struct {
	mu    sync.RWMutex
	nodes []*Node
	cfg   Config

	rr        atomic.Uint64
	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
	closed    atomic.Bool
}

// NewPool creates a pool with the configured initial node count.
func NewPool(cfg Config) (*Pool, error) {
	if cfg.NodeConcurrency <= 0 {
		cfg.NodeConcurrency = 8
	}
	if cfg.MinNodes <= 0 {
		cfg.MinNodes = 1
	}
	if cfg.MaxNodes < cfg.MinNodes {
		cfg.MaxNodes = cfg.MinNodes
	}
	if cfg.InitialNodes < cfg.MinNodes {
		cfg.InitialNodes = cfg.MinNodes
	}
	if cfg.InitialNodes > cfg.MaxNodes {
		cfg.InitialNodes = cfg.MaxNodes
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = time.Minute
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	switch cfg.Strategy {
	case StrategyRoundRobin, StrategyLeastConnections, StrategyWeightedResponseTime, StrategyConsistentHash:
	case "":
		cfg.Strategy = StrategyLeastConnections
	default:
		return nil, fmt.Errorf("unknown balancing strategy: %q", cfg.Strategy)
	}

	observability.EnsureRegistered()

	p := &Pool{
		cfg:    cfg,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for i := 0; i < cfg.InitialNodes; i++ {
		p.nodes = append(p.nodes, NewNode(cfg.NodeConcurrency))
	}
	p.publishGauges()

	log.Info().
		Int("nodes", cfg.InitialNodes).
		Str("strategy", cfg.Strategy).
		Msg("Worker pool started")
	return p, nil
}

// Lease is a reserved slot on a node. Release it exactly once.
type Lease struct {
	Node     *Node
	pool     *Pool
	acquired time.Time
	released atomic.Bool
}

// Release frees the slot, folding the observed latency into the node's
// response-time average.
func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.Node.release(time.Since(l.acquired))
	l.pool.publishGauges()
	l.pool.wake()
	l.pool.wg.Done()
}

// Acquire blocks until a node slot is free, then reserves it using the
// configured strategy. The idempotency key feeds consistent hashing.
func (p *Pool) Acquire(ctx context.Context, req *invocation.Request) (*Lease, error) {
	for {
		if p.closed.Load() {
			return nil, invocation.ErrEngineClosed
		}

		if node := p.selectNode(req); node != nil {
			p.wg.Add(1)
			p.publishGauges()
			return &Lease{Node: node, pool: p, acquired: time.Now()}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-p.done:
			return nil, invocation.ErrEngineClosed
		case <-p.signal:
		}
	}
}

// selectNode picks and reserves a node per the strategy. Returns nil when
// every eligible node is at capacity.
func (p *Pool) selectNode(req *invocation.Request) *Node {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.nodes) == 0 {
		return nil
	}

	switch p.cfg.Strategy {
	case StrategyRoundRobin:
		start := int(p.rr.Add(1)) % len(p.nodes)
		for i := 0; i < len(p.nodes); i++ {
			if n := p.nodes[(start+i)%len(p.nodes)]; n.tryAcquire() {
				return n
			}
		}

	case StrategyLeastConnections:
		for {
			var best *Node
			for _, n := range p.nodes {
				if n.Draining() || n.Healthiness() == Unhealthy || n.Load() >= n.MaxConcurrency {
					continue
				}
				if best == nil || n.Load() < best.Load() {
					best = n
				}
			}
			if best == nil {
				return nil
			}
			if best.tryAcquire() {
				return best
			}
			// Lost the race for the slot; re-evaluate.
		}

	case StrategyWeightedResponseTime:
		for {
			var best *Node
			for _, n := range p.nodes {
				if n.Draining() || n.Healthiness() == Unhealthy || n.Load() >= n.MaxConcurrency {
					continue
				}
				if best == nil || n.AvgLatency() < best.AvgLatency() {
					best = n
				}
			}
			if best == nil {
				return nil
			}
			if best.tryAcquire() {
				return best
			}
		}

	case StrategyConsistentHash:
		// Rendezvous hashing: the same key prefers the same node as long
		// as that node exists, regardless of membership changes elsewhere.
		key := req.IdempotencyKey
		if key == "" {
			key = req.ID
		}
		type scored struct {
			node  *Node
			score uint64
		}
		ranked := make([]scored, 0, len(p.nodes))
		for _, n := range p.nodes {
			ranked = append(ranked, scored{n, xxhash.Sum64String(key + "|" + n.ID)})
		}
		for len(ranked) > 0 {
			bestIdx := 0
			for i := range ranked {
				if ranked[i].score > ranked[bestIdx].score {
					bestIdx = i
				}
			}
			if ranked[bestIdx].node.tryAcquire() {
				return ranked[bestIdx].node
			}
			ranked = append(ranked[:bestIdx], ranked[bestIdx+1:]...)
		}
	}
	return nil
}

// Scale adjusts the pool toward target, clamped to [MinNodes, MaxNodes].
// Scale-down drains the least-loaded nodes first and never aborts in-flight
// work; removal happens only once a drained node reaches zero load.
func (p *Pool) Scale(target int) error {
	if p.closed.Load() {
		return invocation.ErrEngineClosed
	}
	if target < p.cfg.MinNodes {
		target = p.cfg.MinNodes
	}
	if target > p.cfg.MaxNodes {
		target = p.cfg.MaxNodes
	}

	p.mu.Lock()
	current := p.activeCountLocked()
	switch {
	case target > current:
		for i := current; i < target; i++ {
			p.nodes = append(p.nodes, NewNode(p.cfg.NodeConcurrency))
		}
		p.mu.Unlock()
		observability.RecordScaleEvent("up")
		log.Info().Int("from", current).Int("to", target).Msg("Pool scaled up")
		p.publishGauges()
		p.wake()

	case target < current:
		victims := p.pickDrainVictimsLocked(current - target)
		for _, n := range victims {
			n.draining.Store(true)
		}
		p.mu.Unlock()
		observability.RecordScaleEvent("down")
		log.Info().Int("from", current).Int("to", target).Msg("Pool scaling down, draining")
		for _, n := range victims {
			go p.drainAndRemove(n)
		}

	default:
		p.mu.Unlock()
	}
	return nil
}

// activeCountLocked counts nodes not already draining. Caller holds the lock.
func (p *Pool) activeCountLocked() int {
	n := 0
	for _, node := range p.nodes {
		if !node.Draining() {
			n++
		}
	}
	return n
}

// pickDrainVictimsLocked selects the least-loaded non-draining nodes.
// Caller holds the lock.
func (p *Pool) pickDrainVictimsLocked(count int) []*Node {
	victims := make([]*Node, 0, count)
	for len(victims) < count {
		var best *Node
		for _, n := range p.nodes {
			if n.Draining() || contains(victims, n) {
				continue
			}
			if best == nil || n.Load() < best.Load() {
				best = n
			}
		}
		if best == nil {
			break
		}
		victims = append(victims, best)
	}
	return victims
}

func contains(nodes []*Node, target *Node) bool {
	for _, n := range nodes {
		if n == target {
			return true
		}
	}
	return false
}

// drainAndRemove waits for a draining node to go idle, then removes it.
// On drain timeout the node is removed anyway: its leases stay valid and
// in-flight work still completes, the node just stops being selectable.
func (p *Pool) drainAndRemove(n *Node) {
	deadline := time.After(p.cfg.DrainTimeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for n.Load() > 0 {
		select {
		case <-deadline:
			log.Warn().
				Str("node", n.ID).
				Int("in_flight", n.Load()).
				Msg("Drain timeout, detaching node with work in flight")
			p.remove(n)
			return
		case <-tick.C:
		}
	}
	p.remove(n)
}

func (p *Pool) remove(n *Node) {
	p.mu.Lock()
	for i, node := range p.nodes {
		if node == n {
			p.nodes = append(p.nodes[:i], p.nodes[i+1:]...)
			break
		}
	}
	p.mu.Unlock()

	observability.RecordNodeDrain()
	p.publishGauges()
	log.Info().Str("node", n.ID).Msg("Node drained and removed")
}

// CheckHealth reclassifies nodes by heartbeat staleness and drains nodes
// that have gone unhealthy. Run periodically.
func (p *Pool) CheckHealth() {
	cutoff := time.Now().Add(-p.cfg.HeartbeatTimeout)
	degradedCutoff := time.Now().Add(-p.cfg.HeartbeatTimeout / 2)

	p.mu.RLock()
	nodes := append([]*Node(nil), p.nodes...)
	p.mu.RUnlock()

	for _, n := range nodes {
		if n.Draining() {
			continue
		}
		hb := n.LastHeartbeat()
		switch {
		case hb.Before(cutoff):
			if n.Healthiness() != Unhealthy {
				n.SetHealth(Unhealthy)
				n.draining.Store(true)
				log.Warn().Str("node", n.ID).Time("last_heartbeat", hb).Msg("Node unhealthy, draining")
				go p.drainAndRemove(n)
			}
		case hb.Before(degradedCutoff):
			n.SetHealth(Degraded)
		default:
			n.SetHealth(Healthy)
		}
	}
}

// Utilization returns in-flight work divided by total capacity.
func (p *Pool) Utilization() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()

	capacity, load := 0, 0
	for _, n := range p.nodes {
		if n.Draining() {
			continue
		}
		capacity += n.MaxConcurrency
		load += n.Load()
	}
	if capacity == 0 {
		return 1
	}
	return float64(load) / float64(capacity)
}

// NodeCount returns the number of selectable nodes.
func (p *Pool) NodeCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeCountLocked()
}

// Nodes returns a snapshot of pool membership, draining nodes included.
func (p *Pool) Nodes() []*Node {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*Node(nil), p.nodes...)
}

// Close stops admission and waits for in-flight leases.
func (p *Pool) Close() {
	p.closed.Store(true)
	p.closeOnce.Do(func() { close(p.done) })
	p.wg.Wait()
}

func (p *Pool) wake() {
	select {
	case p.signal <- struct{}{}:
	default:
	}
}

func (p *Pool) publishGauges() {
	observability.SetNodeCount(p.NodeCount())
	observability.SetPoolUtilization(p.Utilization())
}
