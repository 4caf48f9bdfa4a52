package server

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var nextPort atomic.Int32

func init() {
	nextPort.Store(17320)
}

// startServer boots a reactor over dir on a free port and tears it down
// with the test.
func startServer(t *testing.T, dir string, mod func(*Config)) *Server {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SrcDir = dir
	cfg.Timeout = 0
	cfg.Thread.Count = 4
	if mod != nil {
		mod(cfg)
	}

	var srv *Server
	var err error
	for i := 0; i < 50; i++ {
		cfg.Port = int(nextPort.Add(1))
		srv, err = New(cfg, NewQuietLogger())
		if err == nil {
			break
		}
	}
	require.NoError(t, err)

	go srv.Start()
	t.Cleanup(srv.Stop)

	addr := fmt.Sprintf("127.0.0.1:%d", srv.Port())
	require.Eventually(t, func() bool {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err != nil {
			return false
		}
		conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "server did not come up")

	return srv
}

func dialServer(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", srv.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readResponse reads one full response: head through the blank line, then
// exactly Content-Length body bytes.
func readResponse(t *testing.T, r *bufio.Reader, conn net.Conn) (head, body string) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var sb strings.Builder
	contentLength := 0
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		sb.WriteString(line)
		if line == "\r\n" {
			break
		}
		if name, value, ok := strings.Cut(strings.TrimRight(line, "\r\n"), ":"); ok {
			if strings.EqualFold(name, "Content-Length") {
				contentLength, err = strconv.Atoi(strings.TrimSpace(value))
				require.NoError(t, err)
			}
		}
	}

	buf := make([]byte, contentLength)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	return sb.String(), string(buf)
}

func TestGetIndex(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("HELLO"), 0o644))
	srv := startServer(t, dir, nil)

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
	require.NoError(t, err)

	head, body := readResponse(t, bufio.NewReader(conn), conn)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, head, "Content-Length: 5\r\n")
	assert.Contains(t, head, "Content-type: text/html\r\n")
	assert.Contains(t, head, "Connection: keep-alive\r\n")
	assert.Equal(t, "HELLO", body)
}

func TestNotFoundFallsBackToBuiltinPage(t *testing.T) {
	srv := startServer(t, t.TempDir(), nil)

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("GET /nope.html HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	head, body := readResponse(t, bufio.NewReader(conn), conn)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n"))
	assert.Equal(t, errorHTML, body)
}

func TestNotFoundServesCannedPage(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "404.html"), []byte("gone fishing"), 0o644))
	srv := startServer(t, dir, nil)

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("GET /nope.html HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	head, body := readResponse(t, bufio.NewReader(conn), conn)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 404 Not Found\r\n"))
	assert.Equal(t, "gone fishing", body)
}

func TestMalformedRequest(t *testing.T) {
	srv := startServer(t, t.TempDir(), nil)

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("GARBAGE\r\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	head, _ := readResponse(t, reader, conn)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 400 Bad Request\r\n"))
	assert.Contains(t, head, "Connection: close\r\n")

	// The server closes its end after flushing the 400.
	_, err = reader.ReadByte()
	assert.Equal(t, io.EOF, err)
}

func TestKeepAliveReuse(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("HELLO"), 0o644))
	srv := startServer(t, dir, nil)

	conn := dialServer(t, srv)
	reader := bufio.NewReader(conn)

	require.Eventually(t, func() bool { return srv.UserCount() == 1 },
		time.Second, 5*time.Millisecond)

	for i := 0; i < 2; i++ {
		_, err := conn.Write([]byte("GET /index HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
		require.NoError(t, err)

		head, body := readResponse(t, reader, conn)
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"), "request %d", i)
		assert.Equal(t, "HELLO", body, "request %d", i)
	}

	conn.Close()
	require.Eventually(t, func() bool { return srv.UserCount() == 0 },
		time.Second, 5*time.Millisecond)
}

func TestIdleTimeout(t *testing.T) {
	srv := startServer(t, t.TempDir(), func(c *Config) {
		c.Timeout = 200
	})

	conn := dialServer(t, srv)
	start := time.Now()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.Equal(t, io.EOF, err)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestActivityExtendsIdleTimeout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("HELLO"), 0o644))
	srv := startServer(t, dir, func(c *Config) {
		c.Timeout = 400
	})

	conn := dialServer(t, srv)
	reader := bufio.NewReader(conn)

	// Keep the connection busy past the original deadline.
	for i := 0; i < 3; i++ {
		time.Sleep(250 * time.Millisecond)
		_, err := conn.Write([]byte("GET / HTTP/1.1\r\nConnection: keep-alive\r\n\r\n"))
		require.NoError(t, err)
		head, _ := readResponse(t, reader, conn)
		assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
	}
}

func TestAdmissionControl(t *testing.T) {
	srv := startServer(t, t.TempDir(), nil)

	// Saturate the counter: the next accept must be refused.
	srv.shared.users.Store(MaxFD)
	defer srv.shared.users.Store(0)

	conn := dialServer(t, srv)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err)
	assert.Equal(t, "Server Busy!", string(got))
}

func TestLevelTriggeredMode(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("HELLO"), 0o644))
	srv := startServer(t, dir, func(c *Config) {
		c.TriggerMode = 0
	})

	conn := dialServer(t, srv)
	_, err := conn.Write([]byte("GET / HTTP/1.1\r\n\r\n"))
	require.NoError(t, err)

	head, body := readResponse(t, bufio.NewReader(conn), conn)
	assert.True(t, strings.HasPrefix(head, "HTTP/1.1 200 OK\r\n"))
	assert.Contains(t, head, "Connection: close\r\n")
	assert.Equal(t, "HELLO", body)
}

func TestStopShutsDown(t *testing.T) {
	srv := startServer(t, t.TempDir(), nil)
	srv.Stop()

	require.Eventually(t, func() bool {
		_, err := net.DialTimeout("tcp",
			fmt.Sprintf("127.0.0.1:%d", srv.Port()), 50*time.Millisecond)
		return err != nil
	}, 2*time.Second, 20*time.Millisecond)
}
