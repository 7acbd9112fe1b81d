package protocol

import (
	"bufio"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseRequest(t *testing.T) {
	raw := "request=smtpd_access_policy\n" +
		"instance=ABC123\n" +
		"sender=alice@example.com\n" +
		"recipient=bob@example.net\n" +
		"client_address=10.0.0.1\n" +
		"helo_name=mail.example.com\n" +
		"recipient_count=3\n" +
		"\n"

	req, err := Parse(bufio.NewReader(strings.NewReader(raw)), MaxRequestSize)
	require.NoError(t, err)
	require.Equal(t, "ABC123", req.Instance)
	require.Equal(t, "alice@example.com", req.Sender())
	require.Equal(t, "example.com", req.SenderDomain())
	require.Equal(t, "10.0.0.1", req.ClientAddress())
	require.Equal(t, "mail.example.com", req.HeloName())
	require.Equal(t, 3, req.RecipientCount())
	require.Equal(t, []string{"bob@example.net"}, req.Recipients())

	domain, err := req.RecipientDomain()
	require.NoError(t, err)
	require.Equal(t, "example.net", domain)
}

func TestParseIncompleteRequest(t *testing.T) {
	raw := "instance=ABC\nsender=alice@example.com\n"

	_, err := Parse(bufio.NewReader(strings.NewReader(raw)), MaxRequestSize)
	require.Error(t, err)

	var incomplete *IncompleteRequestError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, "sender", incomplete.LastKey)
	require.True(t, incomplete.Temporary())
}

func TestParseRequestTooLarge(t *testing.T) {
	raw := "instance=" + strings.Repeat("x", 128) + "\n\n"

	_, err := Parse(bufio.NewReader(strings.NewReader(raw)), 32)
	require.ErrorIs(t, err, ErrRequestTooLarge)
}

func TestParseSerializeRoundTrip(t *testing.T) {
	attrs := map[string]string{
		"instance":  "ABC=123 with spaces",
		"sender":    "alice@example.com",
		"recipient": "bob@example.net",
	}

	encoded := Serialize(attrs)
	req, err := Parse(bufio.NewReader(strings.NewReader(encoded)), MaxRequestSize)
	require.NoError(t, err)

	for k, v := range attrs {
		got, ok := req.Attr(k)
		require.True(t, ok)
		require.Equal(t, v, got)
	}
}

func TestRequestNullSender(t *testing.T) {
	req, err := Parse(bufio.NewReader(strings.NewReader("sender=\ninstance=X\n\n")), MaxRequestSize)
	require.NoError(t, err)
	require.Equal(t, "", req.Sender())
	require.Equal(t, "", req.SenderDomain())
}

func TestRequestNoRecipients(t *testing.T) {
	req, err := Parse(bufio.NewReader(strings.NewReader("instance=X\n\n")), MaxRequestSize)
	require.NoError(t, err)
	_, err = req.RecipientDomain()
	require.ErrorIs(t, err, ErrNoRecipients)
}
