package protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPassFailActionsAccept(t *testing.T) {
	a := PassFailActions{AcceptanceMessage: "DUNNO"}
	action, err := a.Accept()
	require.NoError(t, err)
	require.Equal(t, "DUNNO", action)
}

func TestPassFailActionsReject(t *testing.T) {
	a := PassFailActions{RejectionMessage: "REJECT Rejected - outbound quota fulfilled"}
	action, err := a.Reject("")
	require.NoError(t, err)
	require.Equal(t, "REJECT Rejected - outbound quota fulfilled", action)
}

func TestPassFailActionsRejectAppendsExtra(t *testing.T) {
	a := PassFailActions{RejectionMessage: "DEFER_IF_PERMIT try again later"}
	action, err := a.Reject("ref=XYZ")
	require.NoError(t, err)
	require.Equal(t, "DEFER_IF_PERMIT try again later ref=XYZ", action)
}

func TestRenderFallbackTokens(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"OK", "OK"},
		{"DUNNO", "DUNNO"},
		{"REJECT Rejected - Authentication failed", "REJECT Rejected - Authentication failed"},
		{"550 5.7.1 literal directive", "550 5.7.1 literal directive"},
	}
	for _, tc := range cases {
		got, err := RenderFallback(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}
}

func TestPrependShortHeaderRejected(t *testing.T) {
	_, err := Prepend("abc")
	require.Error(t, err)
}

func TestParseDirective(t *testing.T) {
	token, rest := ParseDirective("REJECT Rejected - not allowed")
	require.Equal(t, "REJECT", token)
	require.Equal(t, "Rejected - not allowed", rest)

	token, rest = ParseDirective("DUNNO")
	require.Equal(t, "DUNNO", token)
	require.Equal(t, "", rest)
}
