package oqp

import (
	"bufio"
	"context"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/protocol"
)

type fakeAdapter struct {
	quotas map[string]int64
}

func (f *fakeAdapter) QuotaForUser(ctx context.Context, user string) (int64, error) {
	q, ok := f.quotas[user]
	if !ok {
		return 0, adapter.ErrNoSuchUser
	}
	return q, nil
}
func (f *fakeAdapter) DomainAuthorized(ctx context.Context, user, domain string) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) EmailAuthorized(ctx context.Context, user, email string) (bool, error) {
	return true, nil
}
func (f *fakeAdapter) DomainFlags(ctx context.Context, domain string) (bool, bool, error) {
	return false, false, nil
}
func (f *fakeAdapter) Close() error { return nil }

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)
	c := cache.New(cfg.Redis{Server: srv.Host(), Port: port, OpTimeout: cfg.Duration(1_000_000_000)})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func requestFor(t *testing.T, instance, sender string, recipientCount int) *protocol.Request {
	t.Helper()
	raw := "instance=" + instance + "\nsender=" + sender + "\nrecipient=r@example.com\nrecipient_count=" +
		strconv.Itoa(recipientCount) + "\n\n"
	req, err := protocol.Parse(bufio.NewReader(strings.NewReader(raw)), protocol.MaxRequestSize)
	require.NoError(t, err)
	return req
}

func newPolicy(t *testing.T, ch *cache.Client, ad adapter.PolicyConfigAdapter, margin string, countingRecipients bool) *Policy {
	t.Helper()
	users := protocol.NewUserKeyExtractor(nil, false)
	p, err := New(cfg.OutboundQuota{
		Margin:             margin,
		CountingRecipients: countingRecipients,
		AcceptanceMessage:  "DUNNO",
		RejectionMessage:   "REJECT Rejected - outbound quota fulfilled",
	}, "REJECT Authentication required", users, ch, ad)
	require.NoError(t, err)
	return p
}

func TestQuotaAccept(t *testing.T) {
	ch := newTestCache(t)
	ad := &fakeAdapter{quotas: map[string]int64{"bob@example.com": 10}}
	p := newPolicy(t, ch, ad, "", true)

	req := requestFor(t, "I1", "bob@example.com", 3)
	out, err := p.Approve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "DUNNO", out.Action)
	require.True(t, out.Terminate)

	count, err := ch.Raw().ZCard(context.Background(), cache.OQPAttemptsKey("bob@example.com")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestQuotaRejectAtBoundary(t *testing.T) {
	ch := newTestCache(t)
	ad := &fakeAdapter{quotas: map[string]int64{"bob@example.com": 10}}
	p := newPolicy(t, ch, ad, "0.1", true)

	// Seed 9 existing attempts in the window.
	now := float64(time.Now().Unix())
	for i := 0; i < 9; i++ {
		err := ch.Raw().ZAdd(context.Background(), cache.OQPAttemptsKey("bob@example.com"),
			redis.Z{Score: now, Member: "seed:" + strconv.Itoa(i)}).Err()
		require.NoError(t, err)
	}

	req := requestFor(t, "I2", "bob@example.com", 3)
	out, err := p.Approve(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, "REJECT Rejected - outbound quota fulfilled", out.Action)

	count, err := ch.Raw().ZCard(context.Background(), cache.OQPAttemptsKey("bob@example.com")).Result()
	require.NoError(t, err)
	require.Equal(t, int64(9), count, "a rejected request must not insert any new attempts")
}

func TestQuotaNoSuchUserRejects(t *testing.T) {
	ch := newTestCache(t)
	ad := &fakeAdapter{quotas: map[string]int64{}}
	p := newPolicy(t, ch, ad, "", false)

	out, err := p.Approve(context.Background(), requestFor(t, "I3", "nobody@example.com", 1))
	require.NoError(t, err)
	require.Equal(t, "REJECT Rejected - outbound quota fulfilled", out.Action)
}

func TestQuotaNoUserKeyFallsBackToConfiguredResponse(t *testing.T) {
	ch := newTestCache(t)
	ad := &fakeAdapter{quotas: map[string]int64{}}
	users := protocol.NewUserKeyExtractor([]string{"sasl_username"}, true)
	p, err := New(cfg.OutboundQuota{AcceptanceMessage: "DUNNO", RejectionMessage: "REJECT no quota"},
		"REJECT Authentication required", users, ch, ad)
	require.NoError(t, err)

	req := requestFor(t, "I4", "bob@example.com", 1)
	out, aerr := p.Approve(context.Background(), req)
	require.NoError(t, aerr)
	require.Equal(t, "REJECT Authentication required", out.Action)
}

func TestMinDeltaThrottleRejectsRapidRetry(t *testing.T) {
	ch := newTestCache(t)
	ad := &fakeAdapter{quotas: map[string]int64{"bob@example.com": 10}}
	p := newPolicy(t, ch, ad, "", false)
	p.minDelta = 60_000_000_000 // 60s, set directly since cfg.Duration parses seconds

	req1 := requestFor(t, "I5", "bob@example.com", 1)
	out, err := p.Approve(context.Background(), req1)
	require.NoError(t, err)
	require.Equal(t, "DUNNO", out.Action)

	req2 := requestFor(t, "I6", "bob@example.com", 1)
	out, err = p.Approve(context.Background(), req2)
	require.NoError(t, err)
	require.Equal(t, "REJECT Rejected - outbound quota fulfilled", out.Action,
		"a second attempt inside the min_delta window must be throttled")
}
