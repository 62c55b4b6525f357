package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/renoz/turbine/internal/config"
	"github.com/renoz/turbine/internal/logger"
	"github.com/renoz/turbine/internal/observability"
	"github.com/renoz/turbine/internal/store"
	"github.com/renoz/turbine/pkg/balancer"
	"github.com/renoz/turbine/pkg/breaker"
	"github.com/renoz/turbine/pkg/cache"
	"github.com/renoz/turbine/pkg/coalescer"
	"github.com/renoz/turbine/pkg/invocation"
	"github.com/renoz/turbine/pkg/queue"
	"github.com/renoz/turbine/pkg/registry"
	"github.com/renoz/turbine/pkg/resource"
)

// flight tracks identical cacheable requests submitted while the first one
// (the leader) is still in the pipeline. Followers never enqueue; they share
// the leader's outcome and count as cache hits.
type flight struct {
	followers []*Future
}

// Engine composes the dispatch queue, breaker registry, cache, plugin
// registry, worker pool, and coalescer behind a single Submit contract.
type Engine struct {
	cfg *config.Config

	registry  *registry.Registry
	breakers  *breaker.Registry
	cache     *cache.Cache
	queue     *queue.Queue
	pool      *balancer.Pool
	scaler    *balancer.Autoscaler
	coalescer *coalescer.Coalescer
	monitor   *resource.Monitor
	results   *store.ResultStore
	policy    *Policy
	janitor   *janitor

	mu       sync.Mutex
	futures  map[string]*Future
	inflight map[string]*flight
	leaders  map[string]string // leader request id -> dedupe key
	running  map[string]context.CancelFunc

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	execWg    sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
	logger    zerolog.Logger
	logHandle *logger.Logger
}

// Option customizes engine construction.
type Option func(*Engine)

// WithRegistry injects a pre-populated plugin registry.
func WithRegistry(r *registry.Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithPolicy installs a per-tool allow/deny policy.
func WithPolicy(p *Policy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithResultStore injects the authoritative store backing write-through and
// write-back cache entries.
func WithResultStore(s *store.ResultStore) Option {
	return func(e *Engine) { e.results = s }
}

// NewFromFile loads configuration from path (with env overrides) and
// assembles an engine from it.
func NewFromFile(path string, opts ...Option) (*Engine, error) {
	cfg, err := config.NewLoader(path).Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	return New(cfg, opts...)
}

// New assembles an engine from configuration. Call Start before submitting.
func New(cfg *config.Config, opts ...Option) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	observability.EnsureRegistered()

	lg, err := logger.New(logger.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
		Pretty:  cfg.Logging.Pretty,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	e := &Engine{
		cfg:       cfg,
		futures:   make(map[string]*Future),
		inflight:  make(map[string]*flight),
		leaders:   make(map[string]string),
		running:   make(map[string]context.CancelFunc),
		logger:    lg.With().Str("component", "engine").Logger(),
		logHandle: lg,
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.registry == nil {
		e.registry = registry.New()
	}
	e.breakers = breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		HalfOpenTrials:   cfg.Breaker.HalfOpenTrials,
	})

	if e.results == nil && cfg.DataDir != "" {
		s, err := store.New(store.Config{
			DBPath: filepath.Join(cfg.DataDir, "results.db"),
			Logger: lg.GetZerolog(),
		})
		if err != nil {
			return nil, fmt.Errorf("failed to open result store: %w", err)
		}
		e.results = s
	}

	c, err := cache.New(cache.Config{
		Capacity:   cfg.Cache.Capacity,
		Shards:     cfg.Cache.Shards,
		DefaultTTL: cfg.Cache.DefaultTTL,
		Store:      e.results,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create cache: %w", err)
	}
	e.cache = c

	e.monitor = resource.NewMonitor(resource.Config{
		MemoryLimitBytes: cfg.Resource.MemoryLimitBytes,
		SampleInterval:   cfg.Resource.SampleInterval,
	})

	e.queue = queue.New(queue.Config{
		MaxPending:     cfg.Queue.MaxPending,
		AgingThreshold: cfg.Queue.AgingThreshold,
		AcceptingWork:  e.monitor.AcceptingWork,
	})

	pool, err := balancer.NewPool(balancer.Config{
		InitialNodes:    cfg.Pool.InitialNodes,
		MinNodes:        cfg.Pool.MinNodes,
		MaxNodes:        cfg.Pool.MaxNodes,
		NodeConcurrency: cfg.Pool.NodeConcurrency,
		Strategy:        cfg.Pool.Strategy,
		DrainTimeout:    cfg.Pool.DrainTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}
	e.pool = pool

	e.scaler = balancer.NewAutoscaler(pool, balancer.AutoscalerConfig{
		ScaleUpThreshold:   cfg.Pool.ScaleUpThreshold,
		ScaleDownThreshold: cfg.Pool.ScaleDownThreshold,
		SampleInterval:     cfg.Pool.SampleInterval,
		SustainWindow:      cfg.Pool.SustainWindow,
		Cooldown:           cfg.Pool.Cooldown,
		QueueDepth:         e.queue.Depth,
	})

	e.coalescer = coalescer.New(coalescer.Config{
		Window:   cfg.Coalescer.Window,
		MaxBatch: cfg.Coalescer.MaxBatchSize,
	})

	e.janitor = newJanitor(e)
	return e, nil
}

// Start launches the dispatch loop, resource monitor, autoscaler, and
// janitor.
func (e *Engine) Start() {
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.monitor.Start()
	e.scaler.Start(e.ctx)
	if e.cfg.Janitor.Enabled {
		e.janitor.start()
	}

	e.wg.Add(1)
	go e.dispatchLoop()

	e.logger.Info().
		Int("queue_bound", e.cfg.Queue.MaxPending).
		Msg("Engine started")
}

// RegisterHandler adds a plugin descriptor to the registry.
func (e *Engine) RegisterHandler(d *registry.Descriptor) error {
	return e.registry.Register(d)
}

// DeprecateHandler deprecates a tool version effective immediately.
func (e *Engine) DeprecateHandler(toolName, version string) error {
	return e.registry.Deprecate(toolName, version, time.Now())
}

// HotSwap atomically replaces a tool version's descriptor.
func (e *Engine) HotSwap(toolName string, d *registry.Descriptor) error {
	return e.registry.HotSwap(toolName, d)
}

// SetRoute installs an A/B routing rule.
func (e *Engine) SetRoute(toolName string, route registry.Route) {
	e.registry.SetRoute(toolName, route)
}

// Registry exposes the plugin registry.
func (e *Engine) Registry() *registry.Registry {
	return e.registry
}

// Submit admits a request and returns its future. Submission never blocks on
// downstream work: it either enqueues (or serves from cache) and returns a
// pending/resolved future, or rejects synchronously.
func (e *Engine) Submit(req *invocation.Request) *Future {
	e.normalize(req)
	fut := newFuture(req.ID)

	if e.closed.Load() {
		e.reject(fut, req, invocation.ErrEngineClosed, time.Time{})
		return fut
	}

	if !e.policy.Allowed(req.ToolName) {
		e.reject(fut, req, invocation.NewPermanent(
			fmt.Errorf("tool %s is denied by execution policy", req.ToolName)), time.Time{})
		return fut
	}

	// Resolution here drives admission decisions (validation, caching,
	// batching); the dispatch path resolves again so hot-swaps that land
	// while the request is queued still take effect.
	desc, err := e.registry.Resolve(req.ToolName, req.VersionConstraint, req.IdempotencyKey)
	if err != nil {
		fut.resolve(e.failureResult(req, err, time.Now()), nil)
		return fut
	}
	if err := desc.ValidateArguments(req.Arguments); err != nil {
		fut.resolve(e.failureResult(req, err, time.Now()), nil)
		return fut
	}

	key := cache.DeriveKey(req.ToolName, req.Arguments)
	if desc.Cacheable {
		if value, hit := e.cache.Get(key); hit {
			fut.resolve(&invocation.Result{
				RequestID:       req.ID,
				Status:          invocation.StatusSuccess,
				Payload:         value,
				ServedFromCache: true,
			}, nil)
			return fut
		}
	}

	if err := e.breakers.Get(req.ToolName).FailFast(); err != nil {
		e.reject(fut, req, err, time.Time{})
		return fut
	}

	e.mu.Lock()
	if desc.Cacheable {
		if fl, ok := e.inflight[key.String()]; ok {
			fl.followers = append(fl.followers, fut)
			e.mu.Unlock()
			return fut
		}
		e.inflight[key.String()] = &flight{}
		e.leaders[req.ID] = key.String()
	}
	e.futures[req.ID] = fut
	e.mu.Unlock()

	if err := e.queue.Enqueue(req); err != nil {
		e.failAdmission(fut, req, key, desc.Cacheable, err)
		return fut
	}
	return fut
}

// Cancel cancels a request. While queued, cancellation is synchronous and
// guaranteed: the request never dispatches and its future resolves with a
// cancellation error and no result. Once running, cancellation propagates
// through the handler's context and is cooperative.
func (e *Engine) Cancel(requestID string) bool {
	if e.queue.Cancel(requestID) {
		e.mu.Lock()
		fut := e.futures[requestID]
		delete(e.futures, requestID)
		var fl *flight
		if key, ok := e.leaders[requestID]; ok {
			fl = e.inflight[key]
			delete(e.inflight, key)
			delete(e.leaders, requestID)
		}
		e.mu.Unlock()
		if fut != nil {
			fut.resolve(nil, invocation.ErrCancelled)
		}
		// Deduplicated followers share the leader's fate.
		if fl != nil {
			for _, follower := range fl.followers {
				follower.resolve(nil, invocation.ErrCancelled)
			}
		}
		return true
	}

	e.mu.Lock()
	cancel, ok := e.running[requestID]
	e.mu.Unlock()
	if ok {
		cancel()
		return true
	}
	return false
}

// dispatchLoop pulls requests off the queue and hands each to a worker slot.
// Slot acquisition blocks while the pool is saturated, so queue draining
// follows pool capacity.
func (e *Engine) dispatchLoop() {
	defer e.wg.Done()

	for {
		req, err := e.queue.Dequeue(e.ctx)
		if err != nil {
			return
		}

		lease, err := e.pool.Acquire(e.ctx, req)
		if err != nil {
			e.resolveAfterDequeue(req, e.rejectedResult(req, invocation.ErrEngineClosed, time.Time{}))
			return
		}

		e.execWg.Add(1)
		go func(req *invocation.Request, lease *balancer.Lease) {
			defer e.execWg.Done()
			defer lease.Release()
			e.execute(req, lease.Node.ID)
		}(req, lease)
	}
}

// execute runs the retry/breaker/cache pipeline for one dispatched request.
func (e *Engine) execute(req *invocation.Request, nodeID string) {
	start := time.Now()

	desc, err := e.registry.Resolve(req.ToolName, req.VersionConstraint, req.IdempotencyKey)
	if err != nil {
		e.resolveAfterDequeue(req, e.failureResult(req, err, start))
		return
	}

	br := e.breakers.Get(req.ToolName)
	attempts := e.cfg.Retry.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := br.Allow(); err != nil {
			if attempt == 0 {
				e.resolveAfterDequeue(req, e.rejectedResult(req, err, start))
				return
			}
			// The breaker opened mid-retry: stop immediately, fail fast.
			break
		}

		payload, truncated, err := e.invokeOnce(req, desc)
		br.Mark(err)

		if err == nil {
			e.storeResult(req, desc, payload)
			e.resolveAfterDequeue(req, &invocation.Result{
				RequestID: req.ID,
				Status:    invocation.StatusSuccess,
				Payload:   payload,
				Duration:  time.Since(start),
				Truncated: truncated,
			})
			return
		}

		lastErr = err
		kind := invocation.KindOf(err)
		if kind == invocation.ErrKindDeadline {
			// The request's time budget is spent; retrying would only
			// blow further past the caller's deadline.
			break
		}
		if !invocation.IsTransient(err) {
			break
		}
		if attempt < attempts-1 {
			observability.RecordRetry(req.ToolName)
			if !e.backoff(attempt) {
				break
			}
		}
	}

	e.resolveFailure(req, desc, lastErr, start, nodeID)
}

// invokeOnce performs one handler invocation under the request deadline.
// Batchable tools route through the coalescer.
func (e *Engine) invokeOnce(req *invocation.Request, desc *registry.Descriptor) (interface{}, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), req.Deadline)
	defer cancel()

	e.mu.Lock()
	e.running[req.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, req.ID)
		e.mu.Unlock()
	}()

	var payload interface{}
	var err error
	if batchHandler, ok := desc.Handler.(invocation.BatchHandler); ok && desc.Batchable {
		payload, err = e.coalescer.Do(ctx, req.ToolName, req.ID, batchHandler, req.Arguments)
	} else {
		payload, err = desc.Handler.Invoke(ctx, req.Arguments)
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &invocation.KindError{Kind: invocation.ErrKindDeadline, Err: err}
		}
		return nil, false, err
	}

	payload, truncated := e.truncate(payload)
	return payload, truncated, nil
}

// truncate bounds oversized string payloads, marking the result.
func (e *Engine) truncate(payload interface{}) (interface{}, bool) {
	limit := e.cfg.Execution.MaxOutputBytes
	if limit <= 0 {
		return payload, false
	}
	switch v := payload.(type) {
	case string:
		if len(v) > limit {
			return v[:limit], true
		}
	case []byte:
		if len(v) > limit {
			return v[:limit], true
		}
	}
	return payload, false
}

// backoff sleeps with exponential growth and jitter. Returns false when the
// engine shut down during the wait.
func (e *Engine) backoff(attempt int) bool {
	d := e.cfg.Retry.BaseBackoff << uint(attempt)
	if max := e.cfg.Retry.MaxBackoff; max > 0 && d > max {
		d = max
	}
	// Full jitter in [d/2, d).
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))

	select {
	case <-e.ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// storeResult writes a successful payload to the cache per the descriptor's
// policy. Write-policy strategies fall back to TTL when no authoritative
// store is configured.
func (e *Engine) storeResult(req *invocation.Request, desc *registry.Descriptor, payload interface{}) {
	if !desc.Cacheable {
		return
	}

	strategy := cache.Strategy(desc.CacheStrategy)
	if strategy == "" {
		strategy = cache.StrategyTTL
	}
	if (strategy == cache.StrategyWriteThrough || strategy == cache.StrategyWriteBack) && e.results == nil {
		strategy = cache.StrategyTTL
	}

	ttl := desc.CacheTTL
	if ttl <= 0 {
		ttl = e.cfg.Cache.DefaultTTL
	}

	key := cache.DeriveKey(req.ToolName, req.Arguments)
	if err := e.cache.Put(context.Background(), key, payload, strategy, ttl); err != nil {
		e.logger.Warn().
			Err(err).
			Str("tool", req.ToolName).
			Msg("Cache write failed")
	}
}

// resolveFailure applies degraded serving when configured, then resolves
// the final failure result.
func (e *Engine) resolveFailure(req *invocation.Request, desc *registry.Descriptor, lastErr error, start time.Time, nodeID string) {
	if lastErr == nil {
		lastErr = invocation.NewTransient(errors.New("invocation failed"))
	}

	if desc != nil && desc.Cacheable && desc.ServeStaleOnFailure {
		key := cache.DeriveKey(req.ToolName, req.Arguments)
		if stale, ok := e.cache.GetStale(key); ok {
			observability.RecordDegraded(req.ToolName)
			e.logger.Warn().
				Str("tool", req.ToolName).
				Str("request_id", req.ID).
				Str("node", nodeID).
				Msg("Serving degraded result from last-known-good cache entry")
			e.resolveAfterDequeue(req, &invocation.Result{
				RequestID:       req.ID,
				Status:          invocation.StatusDegraded,
				Payload:         stale,
				ErrorKind:       invocation.KindOf(lastErr),
				Err:             lastErr,
				Duration:        time.Since(start),
				ServedFromCache: true,
			})
			return
		}
	}

	e.resolveAfterDequeue(req, e.failureResult(req, lastErr, start))
}

// failureResult builds the terminal result for an error, mapping deadline
// expiry to TIMEOUT and admission rejections to REJECTED.
func (e *Engine) failureResult(req *invocation.Request, err error, start time.Time) *invocation.Result {
	kind := invocation.KindOf(err)
	status := invocation.StatusFailure
	switch {
	case kind == invocation.ErrKindDeadline:
		status = invocation.StatusTimeout
	case invocation.IsRejection(err):
		status = invocation.StatusRejected
	}

	duration := time.Duration(0)
	if !start.IsZero() {
		duration = time.Since(start)
	}
	return &invocation.Result{
		RequestID: req.ID,
		Status:    status,
		ErrorKind: kind,
		Err:       err,
		Duration:  duration,
	}
}

func (e *Engine) rejectedResult(req *invocation.Request, err error, start time.Time) *invocation.Result {
	res := e.failureResult(req, err, start)
	res.Status = invocation.StatusRejected
	return res
}

// reject resolves a future with a rejection without touching engine state.
func (e *Engine) reject(fut *Future, req *invocation.Request, err error, start time.Time) {
	fut.resolve(e.rejectedResult(req, err, start), nil)
}

// failAdmission drops bookkeeping for a request that failed admission after
// it was registered and resolves its future with the rejection. Duplicate
// submissions can join the in-flight entry between registration and the
// enqueue attempt; the rejection fans out to them too.
func (e *Engine) failAdmission(fut *Future, req *invocation.Request, key cache.Key, cacheable bool, err error) {
	e.mu.Lock()
	delete(e.futures, req.ID)
	var fl *flight
	if cacheable {
		fl = e.inflight[key.String()]
		delete(e.inflight, key.String())
		delete(e.leaders, req.ID)
	}
	e.mu.Unlock()

	e.reject(fut, req, err, time.Time{})
	if fl == nil {
		return
	}
	for _, follower := range fl.followers {
		e.reject(follower, &invocation.Request{ID: follower.requestID}, err, time.Time{})
	}
}

// resolveAfterDequeue resolves a dispatched request's future and fans the
// outcome out to any deduplicated followers.
func (e *Engine) resolveAfterDequeue(req *invocation.Request, result *invocation.Result) {
	observability.RecordInvocation(req.ToolName, result.Duration, string(result.Status))

	key := cache.DeriveKey(req.ToolName, req.Arguments)

	e.mu.Lock()
	fut := e.futures[req.ID]
	delete(e.futures, req.ID)
	fl := e.inflight[key.String()]
	delete(e.inflight, key.String())
	delete(e.leaders, req.ID)
	e.mu.Unlock()

	if fut != nil {
		fut.resolve(result, nil)
	}
	if fl == nil {
		return
	}
	for _, follower := range fl.followers {
		dup := *result
		dup.RequestID = follower.requestID
		if result.Status == invocation.StatusSuccess {
			dup.ServedFromCache = true
		}
		follower.resolve(&dup, nil)
	}
}

// normalize fills request defaults in place.
func (e *Engine) normalize(req *invocation.Request) {
	if req.ID == "" {
		fresh := invocation.NewRequest(req.ToolName, req.Arguments, req.Priority)
		req.ID = fresh.ID
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now()
	}
	if req.Deadline <= 0 {
		req.Deadline = e.cfg.Execution.DefaultDeadline
	}
}

// Stats is a point-in-time snapshot of engine state for the observability
// surface.
type Stats struct {
	QueueDepth      int                `json:"queue_depth"`
	QueueDepths     map[string]int     `json:"queue_depths"`
	Breakers        []breaker.Snapshot `json:"breakers"`
	CacheEntries    int                `json:"cache_entries"`
	NodeCount       int                `json:"node_count"`
	PoolUtilization float64            `json:"pool_utilization"`
	PendingWrites   int                `json:"pending_writes"`
	Resource        resource.Snapshot  `json:"resource"`
}

// Stats returns a snapshot of queue, breaker, cache, and pool state.
func (e *Engine) Stats() Stats {
	depths := make(map[string]int)
	for p, n := range e.queue.DepthByPriority() {
		depths[p.String()] = n
	}

	s := Stats{
		QueueDepth:      e.queue.Depth(),
		QueueDepths:     depths,
		Breakers:        e.breakers.Snapshots(),
		CacheEntries:    e.cache.Len(),
		NodeCount:       e.pool.NodeCount(),
		PoolUtilization: e.pool.Utilization(),
		Resource:        e.monitor.Current(),
	}
	if e.results != nil {
		s.PendingWrites = e.results.PendingCount()
	}
	return s
}

// Close stops admission, lets in-flight work finish, resolves still-queued
// futures as rejected, and shuts the subsystems down.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		e.queue.Close()
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()     // dispatch loop
		e.execWg.Wait() // in-flight executions

		e.mu.Lock()
		orphans := e.futures
		flights := e.inflight
		e.futures = make(map[string]*Future)
		e.inflight = make(map[string]*flight)
		e.leaders = make(map[string]string)
		e.mu.Unlock()
		for id, fut := range orphans {
			fut.resolve(e.rejectedResult(&invocation.Request{ID: id}, invocation.ErrEngineClosed, time.Time{}), nil)
		}
		for _, fl := range flights {
			for _, follower := range fl.followers {
				follower.resolve(e.rejectedResult(&invocation.Request{ID: follower.requestID}, invocation.ErrEngineClosed, time.Time{}), nil)
			}
		}

		e.janitor.stop()
		e.scaler.Stop()
		e.coalescer.Close()
		e.pool.Close()
		e.monitor.Stop()
		if e.results != nil {
			if err := e.results.Close(); err != nil {
				e.logger.Warn().Err(err).Msg("Result store close failed")
			}
		}
		e.logger.Info().Msg("Engine stopped")
		if err := e.logHandle.Close(); err != nil {
			e.logger.Warn().Err(err).Msg("Log file close failed")
		}
	})
}
