// Package handler composes policies into the cascading pipeline of
// spec.md §4.7, grounded on
// _examples/original_source/chapps/switchboard.py's
// CascadingPolicyHandler.async_policy_handler (bool-cascade) and
// CascadingMultiresultPolicyHandler.async_policy_handler (string-action
// cascade). Both are re-expressed here as one generic cascade over a
// shared Policy interface, since the distinction in the original is
// only in how each policy signals termination, which Outcome already
// captures uniformly.
package handler

import (
	"context"
	"time"

	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/metrics"
	"github.com/chapps-dev/chapps/internal/protocol"
)

// Outcome is a policy's verdict: the directive to hand back to Postfix,
// and whether the cascade should stop here or let a later policy's
// action win instead.
type Outcome struct {
	Action    string
	Terminate bool
}

// Policy is the common shape every one of OQP, SDA, GRL and SPF
// implements, replacing the original's exception-driven control flow
// (NullSenderException, AuthenticationFailureException, generic
// CHAPPSException) with an explicit return value.
type Policy interface {
	Approve(ctx context.Context, req *protocol.Request) (Outcome, error)
}

const cacheTTL = 10 * time.Minute

// Handler runs an ordered cascade of policies and caches the final
// action by Postfix instance id (spec.md §4.7).
type Handler struct {
	cache    *cache.Client
	policies []Policy
	fallback string
}

// New builds a handler over policies run in the given order. fallback
// (default DUNNO) is the action Approve returns together with the error
// of the first policy that fails, and the action when no policy runs.
// internal/server answers a request whose Approve returned an error
// with DUNNO, whatever fallback is.
func New(ch *cache.Client, fallback string, policies ...Policy) *Handler {
	if fallback == "" {
		fallback = "DUNNO"
	}
	return &Handler{cache: ch, policies: policies, fallback: fallback}
}

// Approve runs the cascade for req, consulting and populating the
// per-instance cache around it.
func (h *Handler) Approve(ctx context.Context, req *protocol.Request) (string, error) {
	key := cache.HandlerKey(req.CacheKey())

	if cached, ok, err := h.cache.StringFlag(ctx, key); err == nil && ok {
		metrics.CacheHits.WithLabelValues().Inc()
		return cached, nil
	}

	action := h.fallback
	for _, p := range h.policies {
		out, err := p.Approve(ctx, req)
		if err != nil {
			return h.fallback, err
		}
		action = out.Action
		if out.Terminate {
			break
		}
	}
	token, _ := protocol.ParseDirective(action)
	metrics.Decisions.WithLabelValues("handler", token).Inc()

	_ = h.cacheAction(ctx, req.CacheKey(), action)
	return action, nil
}

func (h *Handler) cacheAction(ctx context.Context, instance, action string) error {
	rctx, cancel := h.cache.WithTimeout(ctx)
	defer cancel()
	return h.cache.Raw().Set(rctx, cache.HandlerKey(instance), action, cacheTTL).Err()
}

// BulkCheckCache is the supplemented operator operation from
// SPEC_FULL.md §4.7: look up many instances' cached actions at once,
// grounded on models.py's bulk cache inspection helpers. Instances with
// no cached entry are simply absent from the returned map.
func (h *Handler) BulkCheckCache(ctx context.Context, instances []string) (map[string]string, error) {
	out := make(map[string]string, len(instances))
	for _, inst := range instances {
		val, ok, err := h.cache.StringFlag(ctx, cache.HandlerKey(inst))
		if err != nil {
			return nil, err
		}
		if ok {
			out[inst] = val
		}
	}
	return out, nil
}

// BulkClearCache evicts many instances' cached actions at once.
func (h *Handler) BulkClearCache(ctx context.Context, instances []string) error {
	if len(instances) == 0 {
		return nil
	}
	keys := make([]string, len(instances))
	for i, inst := range instances {
		keys[i] = cache.HandlerKey(inst)
	}
	rctx, cancel := h.cache.WithTimeout(ctx)
	defer cancel()
	return h.cache.Raw().Del(rctx, keys...).Err()
}
