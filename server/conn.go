package server

import (
	"io"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// swndSize is the send-window threshold: a level-triggered write loop
// keeps going only while more than this many bytes are pending.
const swndSize = 10240

// connShared carries the per-server values every connection reads: the
// document root, the trigger discipline, the live-user counter and the log
// facade.
type connShared struct {
	base  string
	et    bool
	users atomic.Int64
	log   Logger
}

// Conn owns one client socket: the inbound buffer, the request parser, the
// response composer and the two outbound cursors drained by writev.
// Lifecycle: created on accept, closed exactly once on error, timeout or
// connection-close semantics.
type Conn struct {
	fd     int
	peer   string
	shared *connShared

	buf Buffer
	req *Request
	res *Response

	resView  []byte
	fileView []byte

	closed atomic.Bool
}

func newConn(shared *connShared, fd int, peer string) *Conn {
	shared.users.Add(1)
	shared.log.Logf(LogInfo, "create connection %d %s", fd, peer)
	return &Conn{
		fd:     fd,
		peer:   peer,
		shared: shared,
		req:    NewRequest(),
		res:    NewResponse(),
	}
}

func (c *Conn) Fd() int      { return c.fd }
func (c *Conn) Peer() string { return c.peer }

// Read drains the socket into the inbound buffer: until EAGAIN or
// exhaustion when edge-triggered, a single readv otherwise. io.EOF means
// the peer closed with nothing buffered this turn.
func (c *Conn) Read() (int, error) {
	c.shared.log.Logf(LogDebug, "read from %s", c.peer)
	total := 0
	for {
		n, err := c.buf.ReadFd(c.fd)
		if err != nil {
			return total, err
		}
		if n == 0 {
			if total == 0 {
				return 0, io.EOF
			}
			return total, nil
		}
		total += n
		if !c.shared.et {
			return total, nil
		}
	}
}

// Write drains the header and file cursors with writev, shrinking each
// from the front. Edge-triggered connections push until done or EAGAIN;
// level-triggered ones stop once the remainder fits the send window.
func (c *Conn) Write() (int, error) {
	c.shared.log.Logf(LogDebug, "write to %s", c.peer)
	total := 0
	for {
		n, err := unix.Writev(c.fd, [][]byte{c.resView, c.fileView})
		if err != nil {
			return total, err
		}
		if n > len(c.resView) {
			k := n - len(c.resView)
			c.resView = nil
			c.fileView = c.fileView[k:]
		} else {
			c.resView = c.resView[n:]
		}
		total += n
		left := c.ToWriteBytes()
		if left == 0 || n == 0 {
			return total, nil
		}
		if !c.shared.et && left <= swndSize {
			return total, nil
		}
	}
}

// Process attempts one parse of the buffered bytes and composes the
// response: a failed parse yields 400, a path containing ".." 403,
// anything else lets the file lookup decide. False
// means nothing was buffered and the connection stays idle.
func (c *Conn) Process() bool {
	c.req.Clear()
	if c.buf.Empty() {
		return false
	}

	code := StatusUnknown
	keepAlive := false
	if c.req.Parse(c.buf.Bytes()) {
		keepAlive = c.req.IsKeepAlive()
		if strings.Contains(c.req.Path(), "..") {
			code = StatusForbidden
		}
	} else {
		code = StatusBadRequest
	}

	c.res.Init(c.shared.base, c.req.Path(), code, keepAlive)
	c.res.Compose()
	c.resView = c.res.HeaderBytes()
	c.fileView = c.res.FileBytes()
	c.buf.Clear()

	logRequest(c.shared.log, c.req.Method(), c.req.Path(), c.res.Code())
	return true
}

// ToWriteBytes is what remains of the current response.
func (c *Conn) ToWriteBytes() int {
	return len(c.resView) + len(c.fileView)
}

func (c *Conn) IsKeepAlive() bool { return c.req.IsKeepAlive() }

// Close releases the socket and the response body once; later calls are
// no-ops. The user counter is decremented exactly once per connection.
func (c *Conn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.resView = nil
	c.fileView = nil
	c.res.Close()
	unix.Close(c.fd)
	c.shared.users.Add(-1)
	c.shared.log.Logf(LogInfo, "close connection %d %s", c.fd, c.peer)
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }
