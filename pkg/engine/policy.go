package engine

import "strings"

// Policy is a per-tool allow/deny list enforced at submission. A denied tool
// is rejected before any queue or worker resources are spent on it.
type Policy struct {
	allow map[string]struct{}
	deny  map[string]struct{}
}

// NewPolicy builds a policy. Deny wins over allow; an empty allow list
// permits every tool not denied.
func NewPolicy(allow, deny []string) *Policy {
	p := &Policy{
		allow: make(map[string]struct{}, len(allow)),
		deny:  make(map[string]struct{}, len(deny)),
	}
	for _, name := range allow {
		p.allow[strings.ToLower(name)] = struct{}{}
	}
	for _, name := range deny {
		p.deny[strings.ToLower(name)] = struct{}{}
	}
	return p
}

// Allowed reports whether the tool may be submitted.
func (p *Policy) Allowed(toolName string) bool {
	if p == nil {
		return true
	}
	name := strings.ToLower(toolName)
	if _, denied := p.deny[name]; denied {
		return false
	}
	if len(p.allow) == 0 {
		return true
	}
	_, ok := p.allow[name]
	return ok
}
