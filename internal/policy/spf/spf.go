// Package spf implements SPF Enforcement (spec.md §4.6), wrapping
// blitiri.com.ar/go/spf — the same library the teacher uses in
// check/spf/spf.go — behind the Evaluator interface in evaluator.go.
// Action-table resolution is grounded on
// _examples/original_source/chapps/actions.go's PostfixSPFActions and
// the HELO-then-MAIL-FROM fallback order on spf_policy.py.
package spf

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/handler"
	"github.com/chapps-dev/chapps/internal/protocol"
)

const optTTLSeconds = 60 * 60

// greylistAction is the symbolic action that delegates the final
// decision to the greylisting policy, per spec.md §4.7's inbound
// SPF→GRL composition.
const greylistAction = "greylist"

// Policy implements handler.Policy for SPF enforcement.
type Policy struct {
	cache        *cache.Client
	adapter      adapter.PolicyConfigAdapter
	eval         Evaluator
	timeout      time.Duration
	nullSenderOK bool
	actions      cfg.SPFActions
}

// New builds the policy from its config section, the SPF action table
// and the shared cache/adapter singletons.
func New(c cfg.SPFEnforcement, actions cfg.SPFActions, ch *cache.Client, ad adapter.PolicyConfigAdapter, eval Evaluator) *Policy {
	timeout := c.Timeout.AsDuration()
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Policy{
		cache:        ch,
		adapter:      ad,
		eval:         eval,
		timeout:      timeout,
		nullSenderOK: c.NullSenderOK,
		actions:      actions,
	}
}

// Approve implements handler.Policy. A "greylist" outcome is
// non-terminal so the handler's cascade continues into the
// greylisting policy; every other outcome terminates the pipeline.
func (p *Policy) Approve(ctx context.Context, req *protocol.Request) (handler.Outcome, error) {
	domain, err := req.RecipientDomain()
	if err != nil {
		return handler.Outcome{Action: protocol.Dunno(), Terminate: true}, nil
	}

	gated, err := p.cache.BoolFlag(ctx, cache.SPFOptKey(domain), optTTLSeconds, func(ctx context.Context) (bool, error) {
		_, checkSPF, err := p.adapter.DomainFlags(ctx, domain)
		return checkSPF, err
	})
	if err != nil {
		return handler.Outcome{}, err
	}
	if !gated {
		return handler.Outcome{Action: protocol.Dunno(), Terminate: true}, nil
	}

	sender := req.Sender()
	if sender == "" && p.nullSenderOK {
		return handler.Outcome{Action: protocol.Dunno(), Terminate: true}, nil
	}

	res, explanation := p.evaluate(ctx, req)
	return p.renderOutcome(res, explanation)
}

// evaluate implements the HELO-then-MAIL-FROM fallback order: HELO is
// checked first as postmaster@<helo-name>; MAIL FROM is only checked
// if the HELO result is not fail, matching spf_policy.py.
func (p *Policy) evaluate(ctx context.Context, req *protocol.Request) (Result, string) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ip := net.ParseIP(req.ClientAddress())
	helo := req.HeloName()

	heloRes, heloExpl, err := p.eval.Evaluate(ctx, ip, helo, "postmaster@"+helo)
	if err != nil && ctx.Err() != nil {
		return TempError, ctx.Err().Error()
	}
	if heloRes == Fail {
		return heloRes, heloExpl
	}

	sender := req.Sender()
	if sender == "" {
		return heloRes, heloExpl
	}

	mfRes, mfExpl, err := p.eval.Evaluate(ctx, ip, helo, sender)
	if err != nil && ctx.Err() != nil {
		return TempError, ctx.Err().Error()
	}
	return mfRes, mfExpl
}

func (p *Policy) renderOutcome(res Result, explanation string) (handler.Outcome, error) {
	directive := p.actions[string(res)]
	if directive == "" {
		directive = greylistAction
	}
	directive = strings.ReplaceAll(directive, "{reason}", explanation)

	switch directive {
	case greylistAction:
		return handler.Outcome{Action: greylistAction, Terminate: false}, nil
	case "okay", "OK":
		return handler.Outcome{Action: protocol.Okay(), Terminate: true}, nil
	case "dunno", "DUNNO":
		return handler.Outcome{Action: protocol.Dunno(), Terminate: true}, nil
	case "prepend":
		hdr, err := protocol.Prepend("Received-SPF: " + string(res))
		if err != nil {
			return handler.Outcome{}, err
		}
		return handler.Outcome{Action: hdr, Terminate: true}, nil
	case "reject":
		return handler.Outcome{Action: protocol.Reject(explanation), Terminate: true}, nil
	case "defer_if_permit":
		return handler.Outcome{Action: protocol.DeferIfPermit(explanation), Terminate: true}, nil
	default:
		// Literal Postfix directive, possibly numeric-prefixed
		// ("550 5.7.1 ..."), already {reason}-substituted above.
		return handler.Outcome{Action: directive, Terminate: true}, nil
	}
}
