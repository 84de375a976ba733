package model

import "strings"

// Capabilities guarding the qualification engine operations.
const (
	CapWpsSubmit             = "wps:submit"
	CapWpsReview             = "wps:review"
	CapWpsApprove            = "wps:approve"
	CapWpsRevise             = "wps:revise"
	CapWpsArchive            = "wps:archive"
	CapWpsView               = "wps:view"
	CapWpsEdit               = "wps:edit"
	CapPqrReview             = "pqr:review"
	CapPqrApprove            = "pqr:approve"
	CapPqrEdit               = "pqr:edit"
	CapWeldClose             = "weld:close"
	CapContinuityRecalculate = "continuity:recalculate"
)

// CapabilitySet is a set of capabilities granted to an actor. Each key is a
// capability string (e.g. "wps:approve") and may include wildcards
// (e.g. "wps:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities.
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given capabilities.
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"      matches anything
//	"wps:*"  matches "wps:approve"
//	"wps"    does NOT match "wps:approve"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	return strings.HasPrefix(cap, pattern[:len(pattern)-1])
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	Resolve(rctx *RequestContext) (CapabilitySet, error)
}

// PolicyEvaluator maps an actor's roles to capabilities.
type PolicyEvaluator interface {
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)
	Sync() error
}
