// Package grl implements the Greylisting policy (spec.md §4.5),
// grounded on GreylistingPolicy.approve_policy_request in
// _examples/original_source/chapps/policy.py.
package grl

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/handler"
	"github.com/chapps-dev/chapps/internal/protocol"
)

const (
	optTTLSeconds   = 60 * 60
	tupleTTL        = 24 * time.Hour
	whitelistWindow = 24 * time.Hour
)

// Policy implements handler.Policy for greylisting.
type Policy struct {
	cache        *cache.Client
	adapter      adapter.PolicyConfigAdapter
	deferAction  string
	acceptAction string
	nullSenderOK bool
	threshold    int64
}

// New builds the policy from its config section and the shared
// cache/adapter singletons.
func New(c cfg.Greylisting, ch *cache.Client, ad adapter.PolicyConfigAdapter) *Policy {
	deferMsg := c.RejectionMessage
	if deferMsg == "" {
		deferMsg = "DEFER_IF_PERMIT Service temporarily unavailable - greylisted"
	}
	return &Policy{
		cache:        ch,
		adapter:      ad,
		deferAction:  deferMsg,
		acceptAction: protocol.Dunno(),
		nullSenderOK: c.NullSenderOK,
		threshold:    c.WhitelistThreshold,
	}
}

// Approve implements handler.Policy. Greylisting is always terminal
// for the inbound pipeline: it is only ever reached either directly or
// after SPF delegates via its "greylist" symbolic action, and nothing
// runs after it.
func (p *Policy) Approve(ctx context.Context, req *protocol.Request) (handler.Outcome, error) {
	sender := req.Sender()
	if sender == "" && !p.nullSenderOK {
		return handler.Outcome{Action: p.deferAction, Terminate: true}, nil
	}

	clientIP := req.ClientAddress()

	gated, err := p.domainsGated(ctx, req.Recipients())
	if err != nil {
		return handler.Outcome{}, err
	}
	if len(gated) == 0 {
		return handler.Outcome{Action: p.acceptAction, Terminate: true}, nil
	}

	whitelisted, err := p.clientWhitelisted(ctx, clientIP, req.CacheKey())
	if err != nil {
		return handler.Outcome{}, err
	}
	if whitelisted {
		return handler.Outcome{Action: p.acceptAction, Terminate: true}, nil
	}

	known, err := p.anyTupleKnown(ctx, clientIP, sender, gated)
	if err != nil {
		return handler.Outcome{}, err
	}
	if known {
		if err := p.recordDelivery(ctx, clientIP, req.CacheKey()); err != nil {
			return handler.Outcome{}, err
		}
		return handler.Outcome{Action: p.acceptAction, Terminate: true}, nil
	}

	if err := p.createTuples(ctx, clientIP, sender, gated); err != nil {
		return handler.Outcome{}, err
	}
	return handler.Outcome{Action: p.deferAction, Terminate: true}, nil
}

// domainsGated implements spec.md §4.5 step 2: for every recipient,
// consult (and populate) the per-domain greylist flag cache, returning
// the subset of recipients whose domain has greylisting enabled.
func (p *Policy) domainsGated(ctx context.Context, recipients []string) ([]string, error) {
	var gated []string
	for _, rcpt := range recipients {
		domain := domainOf(rcpt)
		if domain == "" {
			continue
		}
		on, err := p.cache.BoolFlag(ctx, cache.GRLOptKey(domain), optTTLSeconds, func(ctx context.Context) (bool, error) {
			greylist, _, err := p.adapter.DomainFlags(ctx, domain)
			return greylist, err
		})
		if err != nil {
			return nil, err
		}
		if on {
			gated = append(gated, rcpt)
		}
	}
	return gated, nil
}

// clientWhitelisted implements spec.md §4.5 step 3.
func (p *Policy) clientWhitelisted(ctx context.Context, clientIP, instance string) (bool, error) {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()

	key := cache.GRLClientKey(clientIP)
	cutoff := time.Now().Add(-whitelistWindow).Unix()
	if err := p.cache.Raw().ZRemRangeByScore(rctx, key, "-inf", strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return false, cache.NewErrUnavailable(err)
	}

	count, err := p.cache.Raw().ZCard(rctx, key).Result()
	if err != nil {
		return false, cache.NewErrUnavailable(err)
	}
	if count < p.threshold {
		return false, nil
	}

	return true, p.recordDelivery(ctx, clientIP, instance)
}

// anyTupleKnown implements spec.md §4.5 step 4: true if a
// (client-ip, sender, recipient) tuple key exists for any gated
// recipient.
func (p *Policy) anyTupleKnown(ctx context.Context, clientIP, sender string, gated []string) (bool, error) {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()
	for _, rcpt := range gated {
		n, err := p.cache.Raw().Exists(rctx, cache.GRLTupleKey(clientIP, sender, rcpt)).Result()
		if err != nil {
			return false, cache.NewErrUnavailable(err)
		}
		if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

// createTuples implements spec.md §4.5 step 5: one SET key "" NX EX
// (go-redis SetNX with a TTL) on every gated tuple key.
func (p *Policy) createTuples(ctx context.Context, clientIP, sender string, gated []string) error {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()
	for _, rcpt := range gated {
		key := cache.GRLTupleKey(clientIP, sender, rcpt)
		ok, err := p.cache.Raw().SetNX(rctx, key, "", tupleTTL).Result()
		if err != nil {
			return cache.NewErrUnavailable(err)
		}
		// A concurrent first-sighting may have just created this key;
		// that is the exact single-defer guarantee spec.md §5 requires,
		// so a false ok here is not an error.
		_ = ok
	}
	return nil
}

// recordDelivery appends one entry, keyed by instance id, to the
// client's whitelist tally.
func (p *Policy) recordDelivery(ctx context.Context, clientIP, instance string) error {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()
	key := cache.GRLClientKey(clientIP)
	member := instance + ":" + uuid.NewString()
	z := redis.Z{Score: float64(time.Now().Unix()), Member: member}
	if err := p.cache.Raw().ZAdd(rctx, key, z).Err(); err != nil {
		return cache.NewErrUnavailable(err)
	}
	return p.cache.Raw().Expire(rctx, key, whitelistWindow).Err()
}

func domainOf(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == '@' {
			return addr[i+1:]
		}
	}
	return ""
}
