package protocol

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, raw string) *Request {
	t.Helper()
	req, err := Parse(bufio.NewReader(strings.NewReader(raw+"\n\n")), MaxRequestSize)
	require.NoError(t, err)
	return req
}

func TestUserKeyExtractorRequired(t *testing.T) {
	e := NewUserKeyExtractor([]string{"sasl_username"}, true)

	req := mustParse(t, "sasl_username=alice\ninstance=X")
	user, err := e.User(req)
	require.NoError(t, err)
	require.Equal(t, "alice", user)

	req = mustParse(t, "instance=X")
	_, err = e.User(req)
	require.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestUserKeyExtractorFallbackOrder(t *testing.T) {
	e := NewUserKeyExtractor([]string{"sasl_username", "ccert_subject", "sender", "client_address"}, false)

	req := mustParse(t, "client_address=10.0.0.1\nsender=alice@example.com\ninstance=X")
	user, err := e.User(req)
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", user, "sender should win over client_address")

	req = mustParse(t, "client_address=10.0.0.1\ninstance=X")
	user, err = e.User(req)
	require.NoError(t, err)
	require.Equal(t, "10.0.0.1", user)
}

func TestUserKeyExtractorDefaultCandidates(t *testing.T) {
	e := NewUserKeyExtractor(nil, false)
	req := mustParse(t, "sasl_username=bob\ninstance=X")
	user, err := e.User(req)
	require.NoError(t, err)
	require.Equal(t, "bob", user)
}
