package server

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chapps-dev/chapps/framework/log"
	"github.com/chapps-dev/chapps/internal/protocol"
)

// fakeHandler scripts a fixed action or error for every request, mirroring
// the teacher's pattern of a minimal stand-in module rather than a mock
// framework.
type fakeHandler struct {
	action string
	err    error
	calls  int
}

func (f *fakeHandler) Approve(ctx context.Context, req *protocol.Request) (string, error) {
	f.calls++
	return f.action, f.err
}

// freePort picks an available loopback port the same way the teacher's
// endpoint tests pick a random test port, but via an ephemeral listen
// instead of a fixed retry range.
func freePort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	_, port, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	require.NoError(t, ln.Close())
	return port
}

func startServer(t *testing.T, h Handler) string {
	t.Helper()
	addr := "127.0.0.1:" + freePort(t)
	srv := New(addr, h, time.Second, 4, log.DefaultLogger)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	t.Cleanup(func() {
		require.NoError(t, srv.Close())
		require.NoError(t, <-errc)
	})

	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	return addr
}

func sendRequest(t *testing.T, addr string, attrs string) string {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	_, err = fmt.Fprint(conn, attrs+"\n")
	require.NoError(t, err)

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	return line
}

func TestServerRoundTrip(t *testing.T) {
	h := &fakeHandler{action: "DUNNO"}
	addr := startServer(t, h)

	resp := sendRequest(t, addr, "instance=A1\nsender=alice@example.com\nrecipient=bob@example.com\n")
	require.Equal(t, "action=DUNNO\n", resp)
	require.Equal(t, 1, h.calls)
}

func TestServerHandlerErrorFallsBackToDunno(t *testing.T) {
	h := &fakeHandler{err: context.DeadlineExceeded}
	addr := startServer(t, h)

	resp := sendRequest(t, addr, "instance=A2\nsender=alice@example.com\nrecipient=bob@example.com\n")
	require.Equal(t, "action=DUNNO\n", resp)
}

func TestServerMalformedRequestGetsFallback(t *testing.T) {
	h := &fakeHandler{action: "DUNNO"}
	addr := startServer(t, h)

	conn, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// A connection that sends a few bytes and then closes before the
	// terminating blank line is an incomplete, not a clean, disconnect:
	// the server must write the DUNNO fallback rather than silently
	// dropping the connection.
	_, err = fmt.Fprint(conn, "instance=A3\n")
	require.NoError(t, err)
	require.NoError(t, conn.(*net.TCPConn).CloseWrite())

	line, err := bufio.NewReader(conn).ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "action=DUNNO\n", line)
	require.Equal(t, 0, h.calls, "a malformed request must never reach the handler")
}

func TestServerCloseDrainsInFlightConnections(t *testing.T) {
	h := &fakeHandler{action: "DUNNO"}
	addr := "127.0.0.1:" + freePort(t)
	srv := New(addr, h, time.Second, 4, log.DefaultLogger)

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 50*time.Millisecond)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, srv.Close())
	require.NoError(t, <-errc)

	_, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	require.Error(t, err, "listener must stop accepting after Close")
}
