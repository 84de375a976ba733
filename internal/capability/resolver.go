// Package capability maps an actor's roles to the capabilities that guard
// the engine's operations, caching the result per actor.
package capability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/weldqual/internal/observability"
	"github.com/pitabwire/weldqual/model"
)

type cacheEntry struct {
	caps    model.CapabilitySet
	roles   string
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache.
type Resolver struct {
	evaluator model.PolicyEvaluator
	ttl       time.Duration
	metrics   *observability.Metrics
	now       func() time.Time

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
// metrics may be nil.
func NewResolver(evaluator model.PolicyEvaluator, ttl time.Duration, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		metrics:   metrics,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// Resolve returns the capability set of the request's actor. Results are
// cached per actor for the configured TTL; a change of roles in the token
// bypasses the cached entry.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	if rctx == nil {
		return nil, model.NewUnauthorizedError("no authenticated actor")
	}
	roles := strings.Join(rctx.Roles, ",")

	r.mu.RLock()
	entry, ok := r.cache[rctx.SubjectID]
	r.mu.RUnlock()
	if ok && entry.roles == roles && r.now().Before(entry.expires) {
		r.metrics.RecordCapabilityCacheHit()
		return entry.caps, nil
	}
	r.metrics.RecordCapabilityCacheMiss()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, fmt.Errorf("resolve capabilities: %w", err)
	}

	r.mu.Lock()
	r.cache[rctx.SubjectID] = cacheEntry{caps: caps, roles: roles, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Reload re-reads the policy and drops every cached capability set. On a
// failed reload the previous policy and cache stay in place.
func (r *Resolver) Reload() error {
	if err := r.evaluator.Sync(); err != nil {
		return err
	}
	r.mu.Lock()
	clear(r.cache)
	r.mu.Unlock()
	return nil
}

// Require resolves the actor's capabilities and returns FORBIDDEN unless
// all of caps are granted.
func Require(resolver model.CapabilityResolver, rctx *model.RequestContext, caps ...string) error {
	set, err := resolver.Resolve(rctx)
	if err != nil {
		return err
	}
	if !set.HasAll(caps...) {
		return model.NewForbiddenError(fmt.Sprintf("missing capability %s", strings.Join(caps, ", ")))
	}
	return nil
}
