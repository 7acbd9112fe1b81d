// Package sda implements the Sender-Domain Authorization policy
// (spec.md §4.4), grounded on SenderDomainAuthPolicy.approve_policy_request
// in _examples/original_source/chapps/policy.py and on
// SQLASenderDomainAuthAdapter.check_domain_for_user/check_email_for_user
// in sqla_adapter.py.
package sda

import (
	"context"

	"github.com/chapps-dev/chapps/framework/cfg"
	"github.com/chapps-dev/chapps/internal/adapter"
	"github.com/chapps-dev/chapps/internal/cache"
	"github.com/chapps-dev/chapps/internal/handler"
	"github.com/chapps-dev/chapps/internal/protocol"
)

const cacheTTLSeconds = 24 * 60 * 60

// Policy implements handler.Policy for sender-domain authorization.
type Policy struct {
	cache             *cache.Client
	adapter           adapter.PolicyConfigAdapter
	users             *protocol.UserKeyExtractor
	actions           protocol.PassFailActions
	noUserKeyResponse string
	nullSenderOK      bool
}

// New builds the policy from its config section, the shared user-key
// extractor and the shared cache/adapter singletons. noUserKeyResponse
// is the [CHAPPS] section's no_user_key_response directive (spec.md
// §4.2), rendered when user-key extraction fails.
func New(c cfg.SenderDomainAuth, noUserKeyResponse string, users *protocol.UserKeyExtractor, ch *cache.Client, ad adapter.PolicyConfigAdapter) *Policy {
	return &Policy{
		cache:             ch,
		adapter:           ad,
		users:             users,
		actions:           protocol.PassFailActions{AcceptanceMessage: c.AcceptanceMessage, RejectionMessage: c.RejectionMessage},
		noUserKeyResponse: noUserKeyResponse,
		nullSenderOK:      c.NullSenderOK,
	}
}

// Approve implements handler.Policy.
func (p *Policy) Approve(ctx context.Context, req *protocol.Request) (handler.Outcome, error) {
	sender := req.Sender()
	if sender == "" {
		if p.nullSenderOK {
			return p.acceptOutcome()
		}
		return p.rejectOutcome()
	}

	user, err := p.users.User(req)
	if err != nil {
		msg, aerr := protocol.RenderFallback(p.noUserKeyResponse)
		if aerr != nil {
			return handler.Outcome{}, aerr
		}
		return handler.Outcome{Action: msg, Terminate: true}, nil
	}

	domain := req.SenderDomain()

	emailKey := cache.SDAKey(user, sender)
	domainKey := cache.SDAKey(user, domain)

	if v, ok, err := p.cache.StringFlag(ctx, emailKey); err != nil {
		return handler.Outcome{}, err
	} else if ok {
		return p.outcomeFor(v == "1")
	}

	if v, ok, err := p.cache.StringFlag(ctx, domainKey); err != nil {
		return handler.Outcome{}, err
	} else if ok {
		return p.outcomeFor(v == "1")
	}

	emailOK, err := p.adapter.EmailAuthorized(ctx, user, sender)
	if err != nil {
		return handler.Outcome{}, err
	}
	if emailOK {
		_ = p.cache.SetFlag(ctx, emailKey, true, cacheTTLSeconds)
		_ = p.cache.SetFlag(ctx, domainKey, true, cacheTTLSeconds)
		return p.acceptOutcome()
	}

	domainOK, err := p.adapter.DomainAuthorized(ctx, user, domain)
	if err != nil {
		return handler.Outcome{}, err
	}
	if domainOK {
		_ = p.cache.SetFlag(ctx, domainKey, true, cacheTTLSeconds)
		return p.acceptOutcome()
	}

	_ = p.cache.SetFlag(ctx, emailKey, false, cacheTTLSeconds)
	_ = p.cache.SetFlag(ctx, domainKey, false, cacheTTLSeconds)
	return p.rejectOutcome()
}

// ClearCache is the supplemented introspection operation from
// SPEC_FULL.md §3: drop both cache keys for a user/sender pair so the
// next request re-derives the decision from the RDBMS.
func (p *Policy) ClearCache(ctx context.Context, user, sender, domain string) error {
	rctx, cancel := p.cache.WithTimeout(ctx)
	defer cancel()
	return p.cache.Raw().Del(rctx, cache.SDAKey(user, sender), cache.SDAKey(user, domain)).Err()
}

func (p *Policy) outcomeFor(accept bool) (handler.Outcome, error) {
	if accept {
		return p.acceptOutcome()
	}
	return p.rejectOutcome()
}

func (p *Policy) acceptOutcome() (handler.Outcome, error) {
	msg, err := p.actions.Accept()
	if err != nil {
		return handler.Outcome{}, err
	}
	return handler.Outcome{Action: msg, Terminate: false}, nil
}

func (p *Policy) rejectOutcome() (handler.Outcome, error) {
	msg, err := p.actions.Reject("")
	if err != nil {
		return handler.Outcome{}, err
	}
	return handler.Outcome{Action: msg, Terminate: true}, nil
}
