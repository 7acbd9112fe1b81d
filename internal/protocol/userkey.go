package protocol

import "errors"

// ErrAuthenticationFailed is returned by a UserKeyExtractor when
// require_user_key is set and the primary candidate attribute is
// missing or empty (spec.md §4.2).
var ErrAuthenticationFailed = errors.New("protocol: no user key found in request")

// UserKeyExtractor resolves the User.name used for quota and
// sender-domain-authorization lookups from a request's attributes.
// Built once per policy instance from its configured candidate list,
// per the "coroutine/async factory code" re-expression in spec.md §9 —
// this replaces OutboundPPR._get_user's per-call closure construction
// in the original (chapps/outbound.py) with an extractor value built
// once at construction time.
type UserKeyExtractor struct {
	candidates []string
	required   bool
}

// NewUserKeyExtractor builds an extractor from the configured candidate
// attribute names (default order: sasl_username, ccert_subject, sender,
// client_address) and the require_user_key flag.
func NewUserKeyExtractor(candidates []string, required bool) *UserKeyExtractor {
	if len(candidates) == 0 {
		candidates = []string{"sasl_username", "ccert_subject", "sender", "client_address"}
	}
	return &UserKeyExtractor{candidates: candidates, required: required}
}

// User extracts the user key from req according to the configured
// policy: if required, only the primary candidate is consulted; a
// missing/empty value fails with ErrAuthenticationFailed. Otherwise the
// first non-empty candidate attribute wins.
func (e *UserKeyExtractor) User(req *Request) (string, error) {
	if e.required {
		v, ok := req.Attr(e.candidates[0])
		if !ok || v == "" {
			return "", ErrAuthenticationFailed
		}
		return v, nil
	}

	for _, name := range e.candidates {
		if v, ok := req.Attr(name); ok && v != "" {
			return v, nil
		}
	}
	return "", ErrAuthenticationFailed
}
