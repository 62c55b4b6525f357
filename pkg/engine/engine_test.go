package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renoz/turbine/internal/config"
	"github.com/renoz/turbine/pkg/cache"
	"github.com/renoz/turbine/pkg/invocation"
	"github.com/renoz/turbine/pkg/registry"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Queue.MaxPending = 64
	cfg.Queue.AgingThreshold = time.Hour
	cfg.Breaker.FailureThreshold = 2
	cfg.Breaker.RecoveryTimeout = 100 * time.Millisecond
	cfg.Breaker.HalfOpenTrials = 1
	cfg.Cache.Capacity = 128
	cfg.Cache.Shards = 4
	cfg.Cache.DefaultTTL = time.Minute
	cfg.Pool.InitialNodes = 1
	cfg.Pool.MinNodes = 1
	cfg.Pool.MaxNodes = 4
	cfg.Pool.NodeConcurrency = 8
	cfg.Pool.SampleInterval = time.Hour
	cfg.Retry.MaxAttempts = 1
	cfg.Retry.BaseBackoff = time.Millisecond
	cfg.Retry.MaxBackoff = 5 * time.Millisecond
	cfg.Coalescer.Window = 50 * time.Millisecond
	cfg.Execution.DefaultDeadline = 2 * time.Second
	cfg.Resource.SampleInterval = time.Hour
	cfg.Janitor.Enabled = false
	return cfg
}

func newTestEngine(t *testing.T, mutate func(*config.Config), opts ...Option) *Engine {
	t.Helper()
	cfg := testConfig()
	if mutate != nil {
		mutate(cfg)
	}
	e, err := New(cfg, opts...)
	require.NoError(t, err)
	e.Start()
	t.Cleanup(e.Close)
	return e
}

func echo(tool string) *registry.Descriptor {
	return &registry.Descriptor{
		ToolName: tool,
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("echo:%v", args["input"]), nil
		}),
	}
}

func mustGet(t *testing.T, fut *Future) *invocation.Result {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := fut.Get(ctx)
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func TestEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Cache.Shards = 3
	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power of two")
}

func TestEngineSubmitSuccess(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(echo("search.web")))

	fut := e.Submit(invocation.NewRequest("search.web", map[string]interface{}{"input": "go"}, invocation.PriorityNormal))
	res := mustGet(t, fut)

	assert.Equal(t, invocation.StatusSuccess, res.Status)
	assert.Equal(t, "echo:go", res.Payload)
	assert.False(t, res.ServedFromCache)
	assert.Equal(t, fut.RequestID(), res.RequestID)
}

func TestEngineUnknownToolFailsPermanently(t *testing.T) {
	e := newTestEngine(t, nil)

	fut := e.Submit(invocation.NewRequest("no.such.tool", nil, invocation.PriorityNormal))
	res, err, ok := fut.TryGet()
	require.True(t, ok, "unknown tool should resolve synchronously")
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusFailure, res.Status)
	assert.Equal(t, invocation.ErrKindPermanent, res.ErrorKind)
}

func TestEngineArgumentValidation(t *testing.T) {
	e := newTestEngine(t, nil)

	var invocations atomic.Int64
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "math.add",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			invocations.Add(1)
			return args["n"], nil
		}),
		ArgumentSchema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"n": map[string]interface{}{"type": "number"},
			},
			"required": []interface{}{"n"},
		},
	}))

	fut := e.Submit(invocation.NewRequest("math.add", map[string]interface{}{"wrong": true}, invocation.PriorityNormal))
	res, err, ok := fut.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusFailure, res.Status)
	assert.Equal(t, invocation.ErrKindPermanent, res.ErrorKind)
	assert.Zero(t, invocations.Load(), "handler must not run for invalid arguments")

	good := mustGet(t, e.Submit(invocation.NewRequest("math.add", map[string]interface{}{"n": 4.0}, invocation.PriorityNormal)))
	assert.Equal(t, invocation.StatusSuccess, good.Status)
}

func TestEnginePolicyDeniesTool(t *testing.T) {
	e := newTestEngine(t, nil, WithPolicy(NewPolicy(nil, []string{"shell.exec"})))
	require.NoError(t, e.RegisterHandler(echo("shell.exec")))

	fut := e.Submit(invocation.NewRequest("shell.exec", nil, invocation.PriorityNormal))
	res, err, ok := fut.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusRejected, res.Status)
}

func TestEngineQueueBackpressure(t *testing.T) {
	gate := make(chan struct{})
	var once sync.Once
	defer once.Do(func() { close(gate) })

	entered := make(chan struct{}, 8)
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Queue.MaxPending = 2
		cfg.Pool.InitialNodes = 1
		cfg.Pool.MaxNodes = 1
		cfg.Pool.NodeConcurrency = 1
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "slow.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			entered <- struct{}{}
			<-gate
			return "done", nil
		}),
	}))

	submit := func() *Future {
		return e.Submit(invocation.NewRequest("slow.tool", nil, invocation.PriorityNormal))
	}

	running := submit()
	<-entered
	lookahead := submit() // dequeued immediately, parked waiting for a slot
	time.Sleep(30 * time.Millisecond)

	q1, q2 := submit(), submit()
	overflow := submit()

	res, err, ok := overflow.TryGet()
	require.True(t, ok, "overflow submission should reject synchronously")
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusRejected, res.Status)
	assert.Equal(t, invocation.ErrKindQueueFull, res.ErrorKind)

	once.Do(func() { close(gate) })
	for _, fut := range []*Future{running, lookahead, q1, q2} {
		assert.Equal(t, invocation.StatusSuccess, mustGet(t, fut).Status)
	}
}

func TestEnginePriorityOrdering(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{}, 8)

	var mu sync.Mutex
	var order []string

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Pool.InitialNodes = 1
		cfg.Pool.MaxNodes = 1
		cfg.Pool.NodeConcurrency = 1
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "ordered.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			name := args["name"].(string)
			if name == "starter" {
				entered <- struct{}{}
				<-gate
			}
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return name, nil
		}),
	}))

	submit := func(name string, p invocation.Priority) *Future {
		return e.Submit(invocation.NewRequest("ordered.tool", map[string]interface{}{"name": name}, p))
	}

	starter := submit("starter", invocation.PriorityNormal)
	<-entered
	lookahead := submit("lookahead", invocation.PriorityNormal)
	time.Sleep(30 * time.Millisecond) // let the dispatch loop park on the lookahead

	low := submit("low", invocation.PriorityLow)
	normal := submit("normal", invocation.PriorityNormal)
	high := submit("high", invocation.PriorityHigh)
	critical := submit("critical", invocation.PriorityCritical)
	time.Sleep(30 * time.Millisecond)

	close(gate)
	for _, fut := range []*Future{starter, lookahead, low, normal, high, critical} {
		mustGet(t, fut)
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 6)
	assert.Equal(t, []string{"critical", "high", "normal", "low"}, order[2:])
}

func TestEngineBreakerFailFastAndRecovery(t *testing.T) {
	var invocations atomic.Int64
	var failing atomic.Bool
	failing.Store(true)

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "flaky.api",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			invocations.Add(1)
			if failing.Load() {
				return nil, invocation.NewTransient(fmt.Errorf("upstream down"))
			}
			return "ok", nil
		}),
	}))

	submit := func() *invocation.Result {
		return mustGet(t, e.Submit(invocation.NewRequest("flaky.api", nil, invocation.PriorityNormal)))
	}

	// Two consecutive transient failures trip the breaker.
	assert.Equal(t, invocation.StatusFailure, submit().Status)
	assert.Equal(t, invocation.StatusFailure, submit().Status)
	require.Equal(t, int64(2), invocations.Load())

	// Open circuit rejects at admission without touching the handler.
	res := submit()
	assert.Equal(t, invocation.StatusRejected, res.Status)
	assert.Equal(t, invocation.ErrKindCircuitOpen, res.ErrorKind)
	assert.Equal(t, int64(2), invocations.Load())

	// After the recovery timeout a probe is admitted; success closes the circuit.
	failing.Store(false)
	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, invocation.StatusSuccess, submit().Status)
	assert.Equal(t, invocation.StatusSuccess, submit().Status)
	assert.Equal(t, int64(4), invocations.Load())
}

func TestEngineRetriesTransientFailures(t *testing.T) {
	var invocations atomic.Int64

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 3
		cfg.Breaker.FailureThreshold = 10
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "retry.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if invocations.Add(1) < 3 {
				return nil, invocation.NewTransient(fmt.Errorf("blip"))
			}
			return "recovered", nil
		}),
	}))

	res := mustGet(t, e.Submit(invocation.NewRequest("retry.tool", nil, invocation.PriorityNormal)))
	assert.Equal(t, invocation.StatusSuccess, res.Status)
	assert.Equal(t, "recovered", res.Payload)
	assert.Equal(t, int64(3), invocations.Load())
}

func TestEnginePermanentErrorNeverRetried(t *testing.T) {
	var invocations atomic.Int64

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 3
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "strict.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			invocations.Add(1)
			return nil, invocation.NewPermanent(fmt.Errorf("bad input"))
		}),
	}))

	res := mustGet(t, e.Submit(invocation.NewRequest("strict.tool", nil, invocation.PriorityNormal)))
	assert.Equal(t, invocation.StatusFailure, res.Status)
	assert.Equal(t, invocation.ErrKindPermanent, res.ErrorKind)
	assert.Equal(t, int64(1), invocations.Load())
}

func TestEngineDeadlineProducesTimeoutAndSingleBreakerCount(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Retry.MaxAttempts = 3
		cfg.Breaker.FailureThreshold = 10
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "sleepy.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))

	req := invocation.NewRequest("sleepy.tool", nil, invocation.PriorityNormal)
	req.Deadline = 30 * time.Millisecond
	res := mustGet(t, e.Submit(req))

	assert.Equal(t, invocation.StatusTimeout, res.Status)
	assert.Equal(t, invocation.ErrKindDeadline, res.ErrorKind)

	// The deadline expiry is never retried, so the breaker sees exactly one failure.
	for _, snap := range e.Stats().Breakers {
		if snap.Target == "sleepy.tool" {
			assert.Equal(t, 1, snap.ConsecutiveFailures)
			return
		}
	}
	t.Fatal("no breaker snapshot for sleepy.tool")
}

func TestEngineCacheHitSkipsHandler(t *testing.T) {
	var invocations atomic.Int64

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "fetch.doc",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			invocations.Add(1)
			return fmt.Sprintf("doc:%v", args["id"]), nil
		}),
		Cacheable: true,
		CacheTTL:  time.Minute,
	}))

	first := mustGet(t, e.Submit(invocation.NewRequest("fetch.doc", map[string]interface{}{"id": "a", "verbose": true}, invocation.PriorityNormal)))
	assert.False(t, first.ServedFromCache)

	// Same arguments in a different construction order derive the same key.
	second := mustGet(t, e.Submit(invocation.NewRequest("fetch.doc", map[string]interface{}{"verbose": true, "id": "a"}, invocation.PriorityNormal)))
	assert.True(t, second.ServedFromCache)
	assert.Equal(t, first.Payload, second.Payload)
	assert.Equal(t, int64(1), invocations.Load())

	// Different arguments miss.
	third := mustGet(t, e.Submit(invocation.NewRequest("fetch.doc", map[string]interface{}{"id": "b", "verbose": true}, invocation.PriorityNormal)))
	assert.False(t, third.ServedFromCache)
	assert.Equal(t, int64(2), invocations.Load())
}

func TestEngineExpiredEntryNeverServed(t *testing.T) {
	var invocations atomic.Int64

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "fetch.quote",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return fmt.Sprintf("quote-%d", invocations.Add(1)), nil
		}),
		Cacheable: true,
		CacheTTL:  30 * time.Millisecond,
	}))

	submit := func() *invocation.Result {
		return mustGet(t, e.Submit(invocation.NewRequest("fetch.quote", map[string]interface{}{"sym": "ACME"}, invocation.PriorityNormal)))
	}

	first := submit()
	assert.Equal(t, "quote-1", first.Payload)
	assert.True(t, submit().ServedFromCache)

	time.Sleep(60 * time.Millisecond)
	refreshed := submit()
	assert.False(t, refreshed.ServedFromCache)
	assert.Equal(t, "quote-2", refreshed.Payload)
}

func TestEngineDeduplicatesIdenticalInflightRequests(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var invocations atomic.Int64

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "expensive.calc",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if invocations.Add(1) == 1 {
				close(entered)
			}
			<-gate
			return "answer", nil
		}),
		Cacheable: true,
		CacheTTL:  time.Minute,
	}))

	args := map[string]interface{}{"input": 42.0}
	leader := e.Submit(invocation.NewRequest("expensive.calc", args, invocation.PriorityNormal))
	<-entered

	followers := make([]*Future, 0, 999)
	for i := 0; i < 999; i++ {
		followers = append(followers, e.Submit(invocation.NewRequest("expensive.calc", args, invocation.PriorityNormal)))
	}
	close(gate)

	leaderRes := mustGet(t, leader)
	assert.Equal(t, invocation.StatusSuccess, leaderRes.Status)
	assert.False(t, leaderRes.ServedFromCache)

	for _, fut := range followers {
		res := mustGet(t, fut)
		assert.Equal(t, invocation.StatusSuccess, res.Status)
		assert.True(t, res.ServedFromCache)
		assert.Equal(t, leaderRes.Payload, res.Payload)
		assert.Equal(t, fut.RequestID(), res.RequestID)
	}
	assert.Equal(t, int64(1), invocations.Load(), "identical in-flight requests must share a single invocation")
}

func TestEngineAdmissionFailureRejectsJoinedDuplicates(t *testing.T) {
	e := newTestEngine(t, nil)

	args := map[string]interface{}{"sym": "ACME"}
	key := cache.DeriveKey("fetch.quote", args)
	leader := invocation.NewRequest("fetch.quote", args, invocation.PriorityNormal)
	leaderFut := newFuture(leader.ID)
	followerFut := newFuture("dup-1")

	// A duplicate can join the in-flight entry between registration and the
	// enqueue attempt. Stage that state directly, then fail the admission.
	e.mu.Lock()
	e.futures[leader.ID] = leaderFut
	e.inflight[key.String()] = &flight{followers: []*Future{followerFut}}
	e.leaders[leader.ID] = key.String()
	e.mu.Unlock()

	e.failAdmission(leaderFut, leader, key, true, invocation.ErrQueueFull)

	res, err, ok := leaderFut.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusRejected, res.Status)

	res, err, ok = followerFut.TryGet()
	require.True(t, ok, "joined duplicates must not hang on a failed enqueue")
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusRejected, res.Status)
	assert.Equal(t, invocation.ErrKindQueueFull, res.ErrorKind)
	assert.Equal(t, "dup-1", res.RequestID)

	e.mu.Lock()
	_, stillInflight := e.inflight[key.String()]
	_, stillLeader := e.leaders[leader.ID]
	e.mu.Unlock()
	assert.False(t, stillInflight)
	assert.False(t, stillLeader)
}

func TestEngineDegradedServingFromStaleEntry(t *testing.T) {
	var failing atomic.Bool

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "weather.now",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if failing.Load() {
				return nil, invocation.NewTransient(fmt.Errorf("provider down"))
			}
			return "sunny", nil
		}),
		Cacheable:           true,
		CacheTTL:            30 * time.Millisecond,
		ServeStaleOnFailure: true,
	}))

	submit := func() *invocation.Result {
		return mustGet(t, e.Submit(invocation.NewRequest("weather.now", map[string]interface{}{"city": "berlin"}, invocation.PriorityNormal)))
	}

	assert.Equal(t, invocation.StatusSuccess, submit().Status)

	time.Sleep(60 * time.Millisecond)
	failing.Store(true)

	res := submit()
	assert.Equal(t, invocation.StatusDegraded, res.Status)
	assert.Equal(t, "sunny", res.Payload)
	assert.True(t, res.ServedFromCache)
	assert.Equal(t, invocation.ErrKindTransient, res.ErrorKind)
}

func TestEngineHotSwapTakesEffectForQueuedWork(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "render.page",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "old", nil
		}),
	}))

	res := mustGet(t, e.Submit(invocation.NewRequest("render.page", nil, invocation.PriorityNormal)))
	assert.Equal(t, "old", res.Payload)

	require.NoError(t, e.HotSwap("render.page", &registry.Descriptor{
		ToolName: "render.page",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "new", nil
		}),
	}))

	res = mustGet(t, e.Submit(invocation.NewRequest("render.page", nil, invocation.PriorityNormal)))
	assert.Equal(t, "new", res.Payload)
}

func TestEngineCancelQueuedRequest(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	var invoked sync.Map

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Pool.InitialNodes = 1
		cfg.Pool.MaxNodes = 1
		cfg.Pool.NodeConcurrency = 1
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "cancellable.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			invoked.Store(args["name"], true)
			if args["name"] == "starter" {
				close(entered)
				<-gate
			}
			return "done", nil
		}),
	}))

	submit := func(name string) *Future {
		return e.Submit(invocation.NewRequest("cancellable.tool", map[string]interface{}{"name": name}, invocation.PriorityNormal))
	}

	starter := submit("starter")
	<-entered
	lookahead := submit("lookahead")
	time.Sleep(30 * time.Millisecond)

	victim := submit("victim")
	require.True(t, e.Cancel(victim.RequestID()))

	res, err, ok := victim.TryGet()
	require.True(t, ok, "cancelled future should resolve synchronously")
	assert.Nil(t, res, "a cancelled request produces no result")
	assert.ErrorIs(t, err, invocation.ErrCancelled)

	assert.False(t, e.Cancel(victim.RequestID()), "second cancel is a no-op")

	close(gate)
	mustGet(t, starter)
	mustGet(t, lookahead)

	_, ran := invoked.Load("victim")
	assert.False(t, ran, "cancelled request must never dispatch")
}

func TestEngineCancelRunningRequestIsCooperative(t *testing.T) {
	entered := make(chan struct{})

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "long.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			close(entered)
			<-ctx.Done()
			return nil, ctx.Err()
		}),
	}))

	fut := e.Submit(invocation.NewRequest("long.tool", nil, invocation.PriorityNormal))
	<-entered
	require.True(t, e.Cancel(fut.RequestID()))

	res := mustGet(t, fut)
	assert.Equal(t, invocation.StatusFailure, res.Status)
	assert.Equal(t, invocation.ErrKindCancelled, res.ErrorKind)
}

func TestEngineCancelUnknownRequest(t *testing.T) {
	e := newTestEngine(t, nil)
	assert.False(t, e.Cancel("nonexistent"))
}

func TestEngineTruncatesOversizedOutput(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Execution.MaxOutputBytes = 8
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "verbose.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return "0123456789abcdef", nil
		}),
	}))

	res := mustGet(t, e.Submit(invocation.NewRequest("verbose.tool", nil, invocation.PriorityNormal)))
	assert.Equal(t, invocation.StatusSuccess, res.Status)
	assert.True(t, res.Truncated)
	assert.Equal(t, "01234567", res.Payload)
}

type batchRecorder struct {
	calls atomic.Int64
	items atomic.Int64
}

func (b *batchRecorder) Invoke(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	out, err := b.InvokeBatch(ctx, []map[string]interface{}{args})
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (b *batchRecorder) InvokeBatch(ctx context.Context, batch []map[string]interface{}) ([]interface{}, error) {
	b.calls.Add(1)
	b.items.Add(int64(len(batch)))
	out := make([]interface{}, len(batch))
	for i, args := range batch {
		out[i] = fmt.Sprintf("batched:%v", args["i"])
	}
	return out, nil
}

func TestEngineCoalescesBatchableTools(t *testing.T) {
	recorder := &batchRecorder{}

	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.Coalescer.Window = 250 * time.Millisecond
	})
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName:  "embed.text",
		Version:   "1.0.0",
		Handler:   recorder,
		Batchable: true,
	}))

	futures := make([]*Future, 4)
	for i := range futures {
		futures[i] = e.Submit(invocation.NewRequest("embed.text", map[string]interface{}{"i": float64(i)}, invocation.PriorityNormal))
	}

	for i, fut := range futures {
		res := mustGet(t, fut)
		assert.Equal(t, invocation.StatusSuccess, res.Status)
		assert.Equal(t, fmt.Sprintf("batched:%v", float64(i)), res.Payload)
	}
	assert.Equal(t, int64(1), recorder.calls.Load(), "concurrent batchable calls should coalesce into one invocation")
	assert.Equal(t, int64(4), recorder.items.Load())
}

func TestEngineCloseRejectsNewSubmissions(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(echo("late.tool")))
	e.Close()

	fut := e.Submit(invocation.NewRequest("late.tool", nil, invocation.PriorityNormal))
	res, err, ok := fut.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusRejected, res.Status)
}

func TestEngineCloseWaitsForInflightWork(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var finished atomic.Bool

	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(&registry.Descriptor{
		ToolName: "draining.tool",
		Version:  "1.0.0",
		Handler: invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			close(entered)
			<-release
			finished.Store(true)
			return "done", nil
		}),
	}))

	fut := e.Submit(invocation.NewRequest("draining.tool", nil, invocation.PriorityNormal))
	<-entered

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	e.Close()

	assert.True(t, finished.Load(), "Close must wait for in-flight handlers")
	res := mustGet(t, fut)
	assert.Equal(t, invocation.StatusSuccess, res.Status)
}

func TestEngineStatsSnapshot(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(echo("stats.tool")))
	mustGet(t, e.Submit(invocation.NewRequest("stats.tool", map[string]interface{}{"input": "x"}, invocation.PriorityNormal)))

	stats := e.Stats()
	assert.Zero(t, stats.QueueDepth)
	assert.GreaterOrEqual(t, stats.NodeCount, 1)
	assert.Contains(t, stats.QueueDepths, "normal")
	assert.True(t, stats.Resource.AcceptingWork)
}

func TestEngineResourceGateRejectsSubmissions(t *testing.T) {
	e := newTestEngine(t, nil)
	require.NoError(t, e.RegisterHandler(echo("gated.tool")))

	e.monitor.SetGate(false)
	fut := e.Submit(invocation.NewRequest("gated.tool", nil, invocation.PriorityNormal))
	res, err, ok := fut.TryGet()
	require.True(t, ok)
	require.NoError(t, err)
	assert.Equal(t, invocation.StatusRejected, res.Status)
	assert.Equal(t, invocation.ErrKindResourceExhausted, res.ErrorKind)

	e.monitor.SetGate(true)
	ok2 := mustGet(t, e.Submit(invocation.NewRequest("gated.tool", nil, invocation.PriorityNormal)))
	assert.Equal(t, invocation.StatusSuccess, ok2.Status)
}
