package registry

import (
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/xeipuuv/gojsonschema"

	"github.com/renoz/turbine/pkg/invocation"
)

// Descriptor describes one registered version of a tool. Multiple versions
// of the same tool may coexist; resolution picks the active one. Descriptors
// are treated as immutable after registration; mutations go through the
// registry's copy-on-write path.
type Descriptor struct {
	ToolName     string
	Version      string
	Handler      invocation.Handler
	Capabilities []string

	// ArgumentSchema is an optional JSON schema for the tool's arguments.
	// Arguments failing validation are rejected as permanent errors.
	ArgumentSchema map[string]interface{}

	// Batchable marks the tool as eligible for request coalescing. The
	// handler must also implement invocation.BatchHandler.
	Batchable bool

	// Cacheable enables result caching; CacheTTL bounds entry lifetime and
	// CacheStrategy names the eviction/write policy ("ttl" when empty).
	Cacheable     bool
	CacheTTL      time.Duration
	CacheStrategy string

	// ServeStaleOnFailure enables degraded serving from the last cached
	// value when a live invocation fails.
	ServeStaleOnFailure bool

	RegisteredAt time.Time
	DeprecatedAt *time.Time

	semver *semver.Version
	schema *gojsonschema.Schema
}

// Deprecated reports whether the descriptor was deprecated at or before t.
func (d *Descriptor) Deprecated(t time.Time) bool {
	return d.DeprecatedAt != nil && !d.DeprecatedAt.After(t)
}

// HasCapability reports whether the descriptor declares the capability.
func (d *Descriptor) HasCapability(cap string) bool {
	for _, c := range d.Capabilities {
		if strings.EqualFold(c, cap) {
			return true
		}
	}
	return false
}

// validate checks required fields, parses the version, and compiles the
// argument schema. Called once at registration.
func (d *Descriptor) validate() error {
	if d.ToolName == "" {
		return fmt.Errorf("descriptor is missing a tool name")
	}
	if d.Handler == nil {
		return fmt.Errorf("descriptor for %s is missing a handler", d.ToolName)
	}

	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return fmt.Errorf("invalid version %q for %s: %w", d.Version, d.ToolName, err)
	}
	d.semver = v

	if d.ArgumentSchema != nil {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(d.ArgumentSchema))
		if err != nil {
			return fmt.Errorf("invalid argument schema for %s: %w", d.ToolName, err)
		}
		d.schema = schema
	}

	if d.RegisteredAt.IsZero() {
		d.RegisteredAt = time.Now()
	}
	return nil
}

// ValidateArguments checks args against the descriptor's schema. A schema
// violation is a permanent error: retrying the same arguments cannot help
// and it never counts against the tool's breaker.
func (d *Descriptor) ValidateArguments(args map[string]interface{}) error {
	if d.schema == nil {
		return nil
	}

	result, err := d.schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return invocation.NewPermanent(fmt.Errorf("argument validation failed: %w", err))
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return invocation.NewPermanent(fmt.Errorf("invalid arguments for %s: %s",
			d.ToolName, strings.Join(msgs, "; ")))
	}
	return nil
}
