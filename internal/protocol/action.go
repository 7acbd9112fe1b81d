package protocol

import "strings"

// Action-string helpers mirroring PostfixActions in the original
// implementation (chapps/actions.go): small pure functions that render
// a Postfix policy directive, kept here because they are part of the
// wire contract, not any one policy's decision logic.

// Dunno renders the Postfix DUNNO directive: "no opinion, defer to the
// rest of the restriction chain".
func Dunno() string { return "DUNNO" }

// Okay renders the Postfix OK directive.
func Okay() string { return "OK" }

// Reject renders a REJECT directive with the given message.
func Reject(msg string) string {
	if msg == "" {
		return "REJECT"
	}
	return "REJECT " + msg
}

// DeferIfPermit renders a DEFER_IF_PERMIT directive with the given
// message.
func DeferIfPermit(msg string) string {
	if msg == "" {
		return "DEFER_IF_PERMIT"
	}
	return "DEFER_IF_PERMIT " + msg
}

// Prepend renders a PREPEND directive. header must be at least 5
// characters, mirroring the original's PostfixActions.prepend guard.
func Prepend(header string) (string, error) {
	if len(header) < 5 {
		return "", errShortHeader
	}
	return "PREPEND " + header, nil
}

var errShortHeader = strErr("protocol: prepended header must be at least 5 characters")

type strErr string

func (e strErr) Error() string { return string(e) }

// ParseDirective splits a configured directive string (e.g. "REJECT
// Rejected - outbound quota fulfilled" or "DUNNO") into its leading
// token and the remaining text, used by PassFailActions below.
func ParseDirective(s string) (token, rest string) {
	s = strings.TrimSpace(s)
	i := strings.IndexByte(s, ' ')
	if i < 0 {
		return s, ""
	}
	return s[:i], s[i+1:]
}

// PassFailActions renders the accept/reject action pair for a
// pass/fail policy (OQP, SDA) from its two configured message
// templates, mirroring PostfixPassfailActions in the original.
type PassFailActions struct {
	AcceptanceMessage string
	RejectionMessage  string
}

// Accept renders the configured acceptance directive. Unlike Reject it
// takes no extra text.
func (p PassFailActions) Accept() (string, error) {
	return renderDirective(p.AcceptanceMessage, "")
}

// Reject renders the configured rejection directive with extra appended
// to the configured message text, mirroring
// PostfixPassfailActions.__prepend_action_with_message.
func (p PassFailActions) Reject(extra string) (string, error) {
	return renderDirective(p.RejectionMessage, extra)
}

// RenderFallback renders a standalone configured directive template
// (such as no_user_key_response) with no extra text appended, sharing
// the same token dispatch PassFailActions uses.
func RenderFallback(template string) (string, error) {
	return renderDirective(template, "")
}

func renderDirective(template, extra string) (string, error) {
	token, rest := ParseDirective(template)
	if extra != "" {
		if rest != "" {
			rest = rest + " " + extra
		} else {
			rest = extra
		}
	}
	switch token {
	case "OK":
		return Okay(), nil
	case "DUNNO":
		return Dunno(), nil
	case "DEFER_IF_PERMIT":
		return DeferIfPermit(rest), nil
	case "REJECT", "554":
		return Reject(rest), nil
	default:
		// Numeric-prefixed literal directive, e.g. "550 5.7.1 ...".
		return template, nil
	}
}
