package registry

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog/log"

	"github.com/renoz/turbine/pkg/invocation"
)

// Route splits a tool's traffic for an experiment: Percent of resolutions
// (by stable hash of the idempotency key) go to CandidateVersion, the rest
// follow normal resolution. Membership is reproducible: the same key always
// lands on the same side.
type Route struct {
	CandidateVersion string
	Percent          int
}

// catalog is an immutable snapshot of the registry. Every mutation builds a
// new catalog and swaps it in under a single pointer update, so readers see
// either the old or the new state, never a partial one.
type catalog struct {
	// tools maps tool name to its versions, sorted descending.
	tools  map[string][]*Descriptor
	routes map[string]Route
}

func (c *catalog) clone() *catalog {
	next := &catalog{
		tools:  make(map[string][]*Descriptor, len(c.tools)),
		routes: make(map[string]Route, len(c.routes)),
	}
	for name, versions := range c.tools {
		next.tools[name] = append([]*Descriptor(nil), versions...)
	}
	for name, route := range c.routes {
		next.routes[name] = route
	}
	return next
}

// Registry resolves tool names and version constraints to descriptors.
// Reads are lock-free against an atomic catalog pointer; writes serialize
// on a mutation lock and publish copy-on-write snapshots.
type Registry struct {
	current atomic.Pointer[catalog]
	writeMu sync.Mutex
}

// New creates an empty plugin registry.
func New() *Registry {
	r := &Registry{}
	r.current.Store(&catalog{
		tools:  make(map[string][]*Descriptor),
		routes: make(map[string]Route),
	})
	return r
}

// Register adds a descriptor. Re-registering an existing (tool, version)
// pair fails; use HotSwap to replace a live version.
func (r *Registry) Register(d *Descriptor) error {
	if err := d.validate(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current.Load().clone()
	for _, existing := range next.tools[d.ToolName] {
		if existing.semver.Equal(d.semver) {
			return fmt.Errorf("%s@%s is already registered", d.ToolName, d.Version)
		}
	}
	next.tools[d.ToolName] = insertSorted(next.tools[d.ToolName], d)
	r.current.Store(next)

	log.Info().
		Str("tool", d.ToolName).
		Str("version", d.Version).
		Bool("batchable", d.Batchable).
		Msg("Tool registered")
	return nil
}

// HotSwap atomically replaces (or introduces) a version of a tool. In-flight
// resolutions that already hold the old descriptor finish against it; every
// resolution after the swap sees the new one.
func (r *Registry) HotSwap(toolName string, d *Descriptor) error {
	if d.ToolName == "" {
		d.ToolName = toolName
	}
	if d.ToolName != toolName {
		return fmt.Errorf("descriptor tool %s does not match swap target %s", d.ToolName, toolName)
	}
	if err := d.validate(); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current.Load().clone()
	versions := next.tools[toolName]
	replaced := false
	for i, existing := range versions {
		if existing.semver.Equal(d.semver) {
			versions[i] = d
			replaced = true
			break
		}
	}
	if !replaced {
		versions = insertSorted(versions, d)
	}
	next.tools[toolName] = versions
	r.current.Store(next)

	log.Info().
		Str("tool", toolName).
		Str("version", d.Version).
		Bool("replaced", replaced).
		Msg("Tool hot-swapped")
	return nil
}

// Deprecate marks a version as deprecated from `at` onward. Deprecated
// versions are skipped by resolution but remain resolvable by an exact
// A/B route until removed.
func (r *Registry) Deprecate(toolName, version string, at time.Time) error {
	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("invalid version %q: %w", version, err)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current.Load().clone()
	for i, d := range next.tools[toolName] {
		if d.semver.Equal(v) {
			dup := *d
			dup.DeprecatedAt = &at
			next.tools[toolName][i] = &dup
			r.current.Store(next)
			log.Info().
				Str("tool", toolName).
				Str("version", version).
				Time("at", at).
				Msg("Tool version deprecated")
			return nil
		}
	}
	return fmt.Errorf("%s@%s is not registered", toolName, version)
}

// SetRoute installs an A/B routing rule for a tool. Percent outside (0,100]
// clears the rule.
func (r *Registry) SetRoute(toolName string, route Route) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	next := r.current.Load().clone()
	if route.Percent <= 0 || route.Percent > 100 {
		delete(next.routes, toolName)
	} else {
		next.routes[toolName] = route
	}
	r.current.Store(next)
}

// Resolve picks the descriptor for a tool. An A/B route may divert the call
// to a candidate version based on a stable hash of the idempotency key;
// otherwise the highest non-deprecated version satisfying the constraint
// wins. An empty constraint matches any version.
func (r *Registry) Resolve(toolName, constraint, idempotencyKey string) (*Descriptor, error) {
	cat := r.current.Load()
	versions := cat.tools[toolName]
	if len(versions) == 0 {
		return nil, invocation.NewPermanent(fmt.Errorf("unknown tool: %s", toolName))
	}

	if route, ok := cat.routes[toolName]; ok && idempotencyKey != "" {
		if int(xxhash.Sum64String(idempotencyKey)%100) < route.Percent {
			if d := findExact(versions, route.CandidateVersion); d != nil {
				return d, nil
			}
			log.Warn().
				Str("tool", toolName).
				Str("candidate", route.CandidateVersion).
				Msg("A/B route candidate missing, falling back to normal resolution")
		}
	}

	var rng *semver.Constraints
	if constraint != "" {
		var err error
		rng, err = semver.NewConstraint(constraint)
		if err != nil {
			return nil, invocation.NewPermanent(fmt.Errorf("invalid version constraint %q: %w", constraint, err))
		}
	}

	now := time.Now()
	for _, d := range versions {
		if d.Deprecated(now) {
			continue
		}
		// Pre-releases are experiment candidates: they only serve through
		// an A/B route or a constraint that names a pre-release range.
		if rng == nil {
			if d.semver.Prerelease() != "" {
				continue
			}
		} else if !rng.Check(d.semver) {
			continue
		}
		return d, nil
	}
	return nil, invocation.NewPermanent(fmt.Errorf("no active version of %s satisfies %q", toolName, constraint))
}

// Tools returns the registered tool names.
func (r *Registry) Tools() []string {
	cat := r.current.Load()
	names := make([]string, 0, len(cat.tools))
	for name := range cat.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns all registered versions of a tool, newest first.
func (r *Registry) Versions(toolName string) []*Descriptor {
	return append([]*Descriptor(nil), r.current.Load().tools[toolName]...)
}

func findExact(versions []*Descriptor, version string) *Descriptor {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil
	}
	for _, d := range versions {
		if d.semver.Equal(v) {
			return d
		}
	}
	return nil
}

// insertSorted keeps versions ordered descending so resolution can stop at
// the first match.
func insertSorted(versions []*Descriptor, d *Descriptor) []*Descriptor {
	versions = append(versions, d)
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].semver.GreaterThan(versions[j].semver)
	})
	return versions
}
