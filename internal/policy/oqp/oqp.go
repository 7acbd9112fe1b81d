// Package oqp implements the Outbound Quota policy (spec.md §4.3),
// grounded on OutboundQuotaPolicy.approve_policy_request in
// _examples/original_source/chapps/policy.go (policy.py).
package oqp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/handler"
	"github.com/chapps-dev/chapps/internal/protocol"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const window = 24 * time.Hour
const limitTTLSeconds = 24 * 60 * 60

var ErrMarginOutOfRange = errors.New("oqp: margin must be < 100 when given as a percentage")

// Policy implements handler.Policy for outbound quota enforcement.
type Policy struct {
	cache             *cache.Client
	adapter           adapter.PolicyConfigAdapter
	users             *protocol.UserKeyExtractor
	actions           protocol.PassFailActions
	noUserKeyResponse string
	margin            marginSpec
	minDelta          time.Duration

	countingRecipients bool
}

// New builds the policy from its config section, the resolved user-key
// extractor (shared with SDA, since both are outbound policies) and the
// shared cache/adapter singletons. noUserKeyResponse is the [CHAPPS]
// section's no_user_key_response directive (spec.md §4.2), rendered
// when user-key extraction fails.
func New(c cfg.OutboundQuota, noUserKeyResponse string, users *protocol.UserKeyExtractor, ch *cache.Client, ad adapter.PolicyConfigAdapter) (*Policy, error) {
	ms, err := parseMargin(c.Margin)
	if err != nil {
		return nil, err
	}
	return &Policy{
		cache:             ch,
		adapter:           ad,
		users:             users,
		actions:           protocol.PassFailActions{AcceptanceMessage: c.AcceptanceMessage, RejectionMessage: c.RejectionMessage},
		noUserKeyResponse: noUserKeyResponse,
		margin:            ms,
		minDelta:          c.MinDelta.AsDuration(),

		countingRecipients: c.CountingRecipients,
	}, nil
}

// marginSpec captures the three interpretations of the configured
// margin value per spec.md §4.3 step 5: absolute int, fractional ratio
// (<1), or percentage ([1,100)). Parsed once at construction.
type marginSpec struct {
	kind string // "absolute", "ratio", "percent"
	val  float64
}

func parseMargin(raw string) (marginSpec, error) {
	if raw == "" {
		return marginSpec{kind: "absolute", val: 0}, nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return marginSpec{kind: "absolute", val: float64(n)}, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return marginSpec{}, fmt.Errorf("oqp: invalid margin %q: %w", raw, err)
	}
	switch {
	case f < 0:
		return marginSpec{}, fmt.Errorf("oqp: margin must not be negative: %v", f)
	case f < 1:
		return marginSpec{kind: "ratio", val: f}, nil
	case f < 100:
		return marginSpec{kind: "percent", val: f}, nil
	default:
		return marginSpec{}, ErrMarginOutOfRange
	}
}

func (m marginSpec) effective(limit int64) int64 {
	switch m.kind {
	case "ratio":
		return int64(float64(limit) * m.val)
	case "percent":
		return int64(float64(limit) * m.val / 100)
	default:
		return int64(m.val)
	}
}

// CurrentUsage is the supplemented introspection operation from
// SPEC_FULL.md §3 (current_quota in the original): usage/limit report
// for a user. It records no attempts; on a limit-cache miss it reads the
// quota from the RDBMS and caches it at oqp:<user>:limit, as Approve does.
func (p *Policy) CurrentUsage(ctx context.Context, user string) (usage, limit int64, err error) {
	limit, err = p.loadLimit(ctx, user)
	if err != nil {
		return 0, 0, err
	}
	now := time.Now()
	usage, err = p.countAttempts(ctx, user, now)
	return usage, limit, err
}

// ResetUser is the supplemented reset operation from SPEC_FULL.md §3.
func (p *Policy) ResetUser(ctx context.Context, user string) error {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()
	return p.cache.Raw().Del(rctx, cache.OQPAttemptsKey(user), cache.OQPLimitKey(user)).Err()
}

// Approve implements handler.Policy.
func (p *Policy) Approve(ctx context.Context, req *protocol.Request) (handler.Outcome, error) {
	user, err := p.users.User(req)
	if err != nil {
		msg, aerr := protocol.RenderFallback(p.noUserKeyResponse)
		if aerr != nil {
			return handler.Outcome{}, aerr
		}
		return handler.Outcome{Action: msg, Terminate: true}, nil
	}

	limit, err := p.loadLimit(ctx, user)
	if err != nil {
		if errors.Is(err, adapter.ErrNoSuchUser) || errors.Is(err, adapter.ErrNoSuchQuota) {
			return p.rejectOutcome()
		}
		return handler.Outcome{}, err
	}

	r := int64(1)
	if p.countingRecipients {
		r = int64(req.RecipientCount())
	}

	now := time.Now()

	if p.minDelta > 0 {
		throttled, err := p.throttleMinDelta(ctx, user, now)
		if err != nil {
			return handler.Outcome{}, err
		}
		if throttled {
			return p.rejectOutcome()
		}
	}

	margin := p.margin.effective(limit)

	accepted, err := p.acceptAndInsert(ctx, user, req.CacheKey(), now, r, limit+margin)
	if err != nil {
		return handler.Outcome{}, err
	}

	if !accepted {
		return p.rejectOutcome()
	}

	msg, err := p.actions.Accept()
	if err != nil {
		return handler.Outcome{}, err
	}
	return handler.Outcome{Action: msg, Terminate: true}, nil
}

func (p *Policy) rejectOutcome() (handler.Outcome, error) {
	msg, err := p.actions.Reject("")
	if err != nil {
		return handler.Outcome{}, err
	}
	return handler.Outcome{Action: msg, Terminate: true}, nil
}

func (p *Policy) loadLimit(ctx context.Context, user string) (int64, error) {
	rctx, cancel := p.cache.WithTimeout(ctx)
	val, err := p.cache.Raw().Get(rctx, cache.OQPLimitKey(user)).Int64()
	cancel()
	if err == nil {
		return val, nil
	}

	quota, aerr := p.adapter.QuotaForUser(ctx, user)
	if aerr != nil {
		return 0, aerr
	}

	sctx, scancel := p.cache.WithTimeout(ctx)
	_ = p.cache.Raw().Set(sctx, cache.OQPLimitKey(user), quota, time.Duration(limitTTLSeconds)*time.Second).Err()
	scancel()

	return quota, nil
}

// throttleMinDelta implements the optional, off-by-default min_delta
// throttle of spec.md §4.3 step 7: reject when the most recent attempt
// is closer than min_delta to now, and in that case bump that attempt's
// score to now ("rate-reset"), so every throttled retry pushes the
// window forward again. When the request is not throttled, no score is
// changed here.
func (p *Policy) throttleMinDelta(ctx context.Context, user string, now time.Time) (bool, error) {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()

	key := cache.OQPAttemptsKey(user)
	latest, err := p.cache.Raw().ZRevRangeWithScores(rctx, key, 0, 0).Result()
	if err != nil {
		return false, cache.NewErrUnavailable(err)
	}
	if len(latest) == 0 {
		return false, nil
	}

	lastScore := int64(latest[0].Score)
	if now.Unix()-lastScore >= int64(p.minDelta.Seconds()) {
		return false, nil
	}

	z := redis.Z{Score: float64(now.Unix()), Member: latest[0].Member}
	if err := p.cache.Raw().ZAdd(rctx, key, z).Err(); err != nil {
		return true, cache.NewErrUnavailable(err)
	}
	return true, nil
}

func (p *Policy) countAttempts(ctx context.Context, user string, now time.Time) (int64, error) {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()
	windowStart := now.Add(-window).Unix()
	return p.cache.Raw().ZCount(rctx, cache.OQPAttemptsKey(user),
		strconv.FormatInt(windowStart, 10), strconv.FormatInt(now.Unix(), 10)).Result()
}

// acceptAndInsert performs the atomic usage-check-then-insert described
// in spec.md §4.3 step 6 and §5's concurrency invariant: the ZCOUNT
// decision and the ZADD of new members happen inside one Lua script so
// that no two concurrent requests can both observe usage <= limit and
// both insert, pushing the total over limit+margin.
func (p *Policy) acceptAndInsert(ctx context.Context, user, instance string, now time.Time, r, effectiveLimit int64) (bool, error) {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()

	key := cache.OQPAttemptsKey(user)
	windowStart := now.Add(-window).Unix()
	nowUnix := now.Unix()

	keys := make([]interface{}, 0, r)
	for i := int64(0); i < r; i++ {
		keys = append(keys, fmt.Sprintf("%s:%s", instance, uuid.NewString()))
	}

	args := append([]interface{}{windowStart, nowUnix, effectiveLimit, int(window.Seconds())}, keys...)
	res, err := p.cache.Raw().Eval(rctx, acceptScript, []string{key}, args...).Result()
	if err != nil {
		return false, cache.NewErrUnavailable(err)
	}
	accepted, _ := res.(int64)
	return accepted == 1, nil
}

// acceptScript performs ZCOUNT, compares against the effective limit,
// and on acceptance ZADDs every trailing ARGV member (one per
// recipient) at the current score, then refreshes the key's TTL — all
// inside one atomic script invocation.
const acceptScript = `
local key = KEYS[1]
local window_start = ARGV[1]
local now = ARGV[2]
local effective_limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
local r = #ARGV - 4
local usage = redis.call('ZCOUNT', key, window_start, now)
if usage + r > effective_limit then
  return 0
end
for i = 5, #ARGV do
  redis.call('ZADD', key, now, ARGV[i])
end
redis.call('EXPIRE', key, ttl)
return 1
`
