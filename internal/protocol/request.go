// Package protocol implements the Postfix policy delegation wire
// protocol: parsing the attribute stream Postfix sends per transaction
// and the lazy derived views ("PPR" in the original implementation)
// built on top of it.
package protocol

import (
	"fmt"
	"strings"
)

// MaxRequestSize is the default cap on a single request's encoded size.
const MaxRequestSize = 64 * 1024

// Request is a parsed Postfix policy delegation request: a
// case-preserving attribute map plus the instance id pulled out at
// parse time, mirroring PostfixPolicyRequest in the original
// implementation (chapps/util.py), minus its cached_property memoization
// which Go expresses instead as methods computed on demand.
type Request struct {
	attrs    map[string]string
	Instance string
}

// Attr returns the raw attribute value and whether it was present.
func (r *Request) Attr(name string) (string, bool) {
	v, ok := r.attrs[name]
	return v, ok
}

// Get returns the raw attribute value, or "" if absent.
func (r *Request) Get(name string) string {
	return r.attrs[name]
}

// Sender returns the envelope sender (possibly empty for the null
// sender).
func (r *Request) Sender() string { return r.attrs["sender"] }

// ClientAddress returns the connecting client's IP address attribute.
func (r *Request) ClientAddress() string { return r.attrs["client_address"] }

// HeloName returns the HELO/EHLO name attribute.
func (r *Request) HeloName() string { return r.attrs["helo_name"] }

// Recipients returns the request's single `recipient` attribute as a
// one-element slice, or nil when it is absent or empty. Postfix policy
// requests carry one recipient per query (policy delegation runs
// per-recipient for smtpd_recipient_restrictions); recipient_count is
// read separately by RecipientCount for quota's R factor.
func (r *Request) Recipients() []string {
	if rcpt := r.attrs["recipient"]; rcpt != "" {
		return []string{rcpt}
	}
	return nil
}

// RecipientDomain returns the domain portion of the first recipient,
// mirroring InboundPPR.recipient_domain in the original
// (chapps/inbound.py): raises/returns an error if there are no
// recipients at all.
func (r *Request) RecipientDomain() (string, error) {
	rcpts := r.Recipients()
	if len(rcpts) == 0 {
		return "", ErrNoRecipients
	}
	return domainOf(rcpts[0]), nil
}

// SenderDomain returns the domain portion of the sender address, or ""
// for the null sender.
func (r *Request) SenderDomain() string {
	return domainOf(r.attrs["sender"])
}

// RecipientCount returns the recipient_count attribute as an int,
// defaulting to 1 when absent or unparsable (a single RCPT TO per
// query is the common case).
func (r *Request) RecipientCount() int {
	raw, ok := r.attrs["recipient_count"]
	if !ok || raw == "" {
		return 1
	}
	var n int
	if _, err := fmt.Sscanf(raw, "%d", &n); err != nil || n < 1 {
		return 1
	}
	return n
}

func domainOf(addr string) string {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return ""
	}
	return addr[i+1:]
}

// CacheKey returns the instance-based identity used for per-instance
// response caching (handler:<instance>), mirroring __hash__ on
// PostfixPolicyRequest (instance + queue_id in the original; instance
// alone is sufficient here since it is unique per Postfix transaction
// attempt).
func (r *Request) CacheKey() string {
	return r.Instance
}
