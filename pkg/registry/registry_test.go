package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renoz/turbine/pkg/invocation"
)

func echoHandler(tag string) invocation.Handler {
	return invocation.HandlerFunc(func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		return tag, nil
	})
}

func desc(tool, version string) *Descriptor {
	return &Descriptor{
		ToolName: tool,
		Version:  version,
		Handler:  echoHandler(tool + "@" + version),
	}
}

func TestRegisterAndResolve(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))

	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.Version)
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	assert.Error(t, r.Register(desc("search", "1.0.0")))
}

func TestRegisterRejectsInvalidVersion(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(desc("search", "not-a-version")))
}

func TestRegisterRejectsMissingHandler(t *testing.T) {
	r := New()
	assert.Error(t, r.Register(&Descriptor{ToolName: "search", Version: "1.0.0"}))
}

func TestResolvePicksHighestVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Register(desc("search", "2.1.0")))
	require.NoError(t, r.Register(desc("search", "2.0.3")))

	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	assert.Equal(t, "2.1.0", d.Version)
}

func TestResolveHonorsConstraint(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.2.0")))
	require.NoError(t, r.Register(desc("search", "2.0.0")))

	d, err := r.Resolve("search", "^1.0.0", "")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", d.Version)

	d, err = r.Resolve("search", ">=2.0.0", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.Version)

	_, err = r.Resolve("search", "^3.0.0", "")
	require.Error(t, err)
	assert.Equal(t, invocation.ErrKindPermanent, invocation.KindOf(err))
}

func TestResolveUnknownToolIsPermanent(t *testing.T) {
	r := New()

	_, err := r.Resolve("nope", "", "")
	require.Error(t, err)
	assert.Equal(t, invocation.ErrKindPermanent, invocation.KindOf(err))
}

func TestResolveSkipsDeprecated(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Register(desc("search", "2.0.0")))

	require.NoError(t, r.Deprecate("search", "2.0.0", time.Now()))

	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.Version)
}

func TestDeprecateFutureEffective(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Deprecate("search", "1.0.0", time.Now().Add(time.Hour)))

	// Not yet effective.
	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.Version)
}

func TestDeprecateUnknownVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	assert.Error(t, r.Deprecate("search", "9.9.9", time.Now()))
}

func TestHotSwapReplacesHandler(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))

	swapped := desc("search", "1.0.0")
	swapped.Handler = echoHandler("replacement")
	require.NoError(t, r.HotSwap("search", swapped))

	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	out, err := d.Handler.Invoke(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "replacement", out)
}

func TestHotSwapIntroducesNewVersion(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.HotSwap("search", desc("search", "2.0.0")))

	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", d.Version)
	assert.Len(t, r.Versions("search"), 2)
}

func TestHotSwapMismatchedTool(t *testing.T) {
	r := New()
	assert.Error(t, r.HotSwap("search", desc("translate", "1.0.0")))
}

func TestHotSwapAtomicUnderConcurrentReads(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				d, err := r.Resolve("search", "", "")
				// Readers must always see a complete descriptor.
				assert.NoError(t, err)
				assert.NotNil(t, d.Handler)
				out, err := d.Handler.Invoke(context.Background(), nil)
				assert.NoError(t, err)
				assert.Contains(t, []interface{}{"search@1.0.0", "swap"}, out)
			}
		}()
	}

	for i := 0; i < 100; i++ {
		swapped := desc("search", "1.0.0")
		swapped.Handler = echoHandler("swap")
		require.NoError(t, r.HotSwap("search", swapped))
	}
	close(stop)
	wg.Wait()
}

func TestABRouteStableMembership(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Register(desc("search", "2.0.0-rc.1")))

	r.SetRoute("search", Route{CandidateVersion: "2.0.0-rc.1", Percent: 30})

	candidates := 0
	for i := 0; i < 200; i++ {
		key := fmt.Sprintf("caller-%d", i)

		first, err := r.Resolve("search", "", key)
		require.NoError(t, err)
		second, err := r.Resolve("search", "", key)
		require.NoError(t, err)
		assert.Equal(t, first.Version, second.Version, "membership must be reproducible per key")

		if first.Version == "2.0.0-rc.1" {
			candidates++
		}
	}

	// Hash-based split: roughly 30% of keys, with generous slack.
	assert.Greater(t, candidates, 20)
	assert.Less(t, candidates, 120)
}

func TestABRouteZeroPercentClears(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Register(desc("search", "2.0.0-rc.1")))

	r.SetRoute("search", Route{CandidateVersion: "2.0.0-rc.1", Percent: 100})
	d, err := r.Resolve("search", "", "caller-1")
	require.NoError(t, err)
	assert.Equal(t, "2.0.0-rc.1", d.Version)

	r.SetRoute("search", Route{Percent: 0})
	d, err = r.Resolve("search", "", "caller-1")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.Version)
}

func TestABRouteWithoutKeyFallsThrough(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Register(desc("search", "2.0.0-rc.1")))
	r.SetRoute("search", Route{CandidateVersion: "2.0.0-rc.1", Percent: 100})

	d, err := r.Resolve("search", "", "")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", d.Version,
		"pre-releases never win normal resolution; the route needs a key")
}

func TestArgumentSchemaValidation(t *testing.T) {
	d := desc("search", "1.0.0")
	d.ArgumentSchema = map[string]interface{}{
		"type":     "object",
		"required": []interface{}{"query"},
		"properties": map[string]interface{}{
			"query": map[string]interface{}{"type": "string"},
			"limit": map[string]interface{}{"type": "integer", "minimum": 1},
		},
	}

	r := New()
	require.NoError(t, r.Register(d))

	resolved, err := r.Resolve("search", "", "")
	require.NoError(t, err)

	assert.NoError(t, resolved.ValidateArguments(map[string]interface{}{"query": "go", "limit": 5}))

	err = resolved.ValidateArguments(map[string]interface{}{"limit": 0})
	require.Error(t, err)
	assert.Equal(t, invocation.ErrKindPermanent, invocation.KindOf(err),
		"schema violations must never be retried")
}

func TestCapabilities(t *testing.T) {
	d := desc("search", "1.0.0")
	d.Capabilities = []string{"network", "Cacheable"}

	assert.True(t, d.HasCapability("network"))
	assert.True(t, d.HasCapability("cacheable"))
	assert.False(t, d.HasCapability("filesystem"))
}

func TestTools(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(desc("search", "1.0.0")))
	require.NoError(t, r.Register(desc("translate", "1.0.0")))

	assert.Equal(t, []string{"search", "translate"}, r.Tools())
}
