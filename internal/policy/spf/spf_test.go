package spf

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/protocol"
)

func newTestCache(t *testing.T) *cache.Client {
	t.Helper()
	srv := miniredis.RunT(t)
	port, err := strconv.Atoi(srv.Port())
	require.NoError(t, err)
	c := cache.New(cfg.Redis{Server: srv.Host(), Port: port, OpTimeout: cfg.Duration(1_000_000_000)})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

type fakeAdapter struct {
	checkSPF map[string]bool
}

func (f *fakeAdapter) QuotaForUser(ctx context.Context, user string) (int64, error) {
	return 0, adapter.ErrNoSuchUser
}
func (f *fakeAdapter) DomainAuthorized(ctx context.Context, user, domain string) (bool, error) {
	return false, nil
}
func (f *fakeAdapter) EmailAuthorized(ctx context.Context, user, email string) (bool, error) {
	return false, nil
}
func (f *fakeAdapter) DomainFlags(ctx context.Context, domain string) (bool, bool, error) {
	return false, f.checkSPF[domain], nil
}
func (f *fakeAdapter) Close() error { return nil }

// fakeEvaluator returns heloResult for any HELO check and mailFromResult
// for any MAIL FROM check, regardless of the addresses given.
type fakeEvaluator struct {
	heloResult     Result
	mailFromResult Result
}

func (f fakeEvaluator) Evaluate(ctx context.Context, clientIP net.IP, helo, mailFrom string) (Result, string, error) {
	if strings.HasPrefix(mailFrom, "postmaster@") {
		return f.heloResult, string(f.heloResult), nil
	}
	return f.mailFromResult, string(f.mailFromResult), nil
}

func spfRequest(t *testing.T, instance, clientIP, helo, sender, recipient string) *protocol.Request {
	t.Helper()
	raw := "instance=" + instance + "\nclient_address=" + clientIP + "\nhelo_name=" + helo +
		"\nsender=" + sender + "\nrecipient=" + recipient + "\n\n"
	req, err := protocol.Parse(bufio.NewReader(strings.NewReader(raw)), protocol.MaxRequestSize)
	require.NoError(t, err)
	return req
}

func newPolicy(t *testing.T, ad adapter.PolicyConfigAdapter, eval Evaluator, actions map[string]string) *Policy {
	t.Helper()
	return New(cfg.SPFEnforcement{}, actions, newTestCache(t), ad, eval)
}

func TestSPFGreylistOnSoftfail(t *testing.T) {
	ad := &fakeAdapter{checkSPF: map[string]bool{"ok.com": true}}
	eval := fakeEvaluator{heloResult: Pass, mailFromResult: SoftFail}
	p := newPolicy(t, ad, eval, map[string]string{
		string(Pass):     "dunno",
		string(SoftFail): "greylist",
		string(Fail):     "reject",
	})

	out, err := p.Approve(context.Background(), spfRequest(t, "I1", "1.2.3.4", "mail.example.com", "alice@example.com", "bob@ok.com"))
	require.NoError(t, err)
	require.Equal(t, "greylist", out.Action)
	require.False(t, out.Terminate, "a greylist verdict must let the cascade continue into GRL")
}

func TestSPFPrependHeaderOnPass(t *testing.T) {
	ad := &fakeAdapter{checkSPF: map[string]bool{"ok.com": true}}
	eval := fakeEvaluator{heloResult: Pass, mailFromResult: Pass}
	p := newPolicy(t, ad, eval, map[string]string{string(Pass): "prepend"})

	out, err := p.Approve(context.Background(), spfRequest(t, "I2", "1.2.3.4", "mail.example.com", "alice@example.com", "bob@ok.com"))
	require.NoError(t, err)
	require.Equal(t, "PREPEND Received-SPF: pass", out.Action)
	require.True(t, out.Terminate)
}

func TestSPFUngatedDomainSkipsEvaluation(t *testing.T) {
	ad := &fakeAdapter{checkSPF: map[string]bool{}}
	eval := fakeEvaluator{heloResult: Fail, mailFromResult: Fail}
	p := newPolicy(t, ad, eval, map[string]string{string(Fail): "reject"})

	out, err := p.Approve(context.Background(), spfRequest(t, "I3", "1.2.3.4", "mail.example.com", "alice@example.com", "bob@nogate.com"))
	require.NoError(t, err)
	require.Equal(t, "DUNNO", out.Action, "a domain with check_spf off must never reach the evaluator")
}

func TestSPFHeloFailShortCircuitsMailFrom(t *testing.T) {
	ad := &fakeAdapter{checkSPF: map[string]bool{"ok.com": true}}
	eval := fakeEvaluator{heloResult: Fail, mailFromResult: Pass}
	p := newPolicy(t, ad, eval, map[string]string{string(Fail): "reject"})

	out, err := p.Approve(context.Background(), spfRequest(t, "I4", "1.2.3.4", "mail.example.com", "alice@example.com", "bob@ok.com"))
	require.NoError(t, err)
	require.Equal(t, "REJECT fail", out.Action)
}

func TestSPFUnknownResultCollapsesToDefault(t *testing.T) {
	ad := &fakeAdapter{checkSPF: map[string]bool{"ok.com": true}}
	eval := fakeEvaluator{heloResult: Pass, mailFromResult: PermError}
	// No entry at all for "permerror": the action table must still
	// resolve to a defined action (spec.md SPF mapping totality), here
	// falling back to the symbolic greylist default.
	p := newPolicy(t, ad, eval, map[string]string{string(Pass): "dunno"})

	out, err := p.Approve(context.Background(), spfRequest(t, "I5", "1.2.3.4", "mail.example.com", "alice@example.com", "bob@ok.com"))
	require.NoError(t, err)
	require.Equal(t, "greylist", out.Action)
}
