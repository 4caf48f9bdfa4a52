package server

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// MaxFD caps how many clients may be live at once; accepts beyond it
	// are refused.
	MaxFD = 65536

	listenBacklog = 8
	maxEvents     = 1024
)

var serverBusy = []byte("Server Busy!")

// Server is the reactor: one thread polling readiness, a worker pool
// running connection I/O, and a timer evicting idle clients. Interest is
// EPOLLONESHOT for connections, so every handler re-arms before returning.
type Server struct {
	port    int
	timeout time.Duration
	linger  bool

	listenFd     int
	wakeFd       int
	listenEvents uint32
	connEvents   uint32

	shared connShared

	timer *Timer
	pool  *WorkerPool
	ep    *Epoller

	mu    sync.Mutex
	conns map[int]*Conn

	closed atomic.Bool
	log    Logger
}

// New builds a server from config; the listener is bound and registered
// before it returns, so a non-nil error means nothing is running.
func New(cfg *Config, lg Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		port:     cfg.Port,
		timeout:  time.Duration(cfg.Timeout) * time.Millisecond,
		linger:   cfg.OptLinger,
		listenFd: -1,
		wakeFd:   -1,
		timer:    NewTimer(),
		conns:    make(map[int]*Conn),
		log:      lg,
	}
	s.shared.base = cfg.SrcDir
	s.shared.log = lg
	s.initEventMode(cfg.TriggerMode)

	ep, err := NewEpoller(maxEvents)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	s.ep = ep

	if err := s.initSocket(); err != nil {
		s.ep.Close()
		return nil, err
	}
	s.pool = NewWorkerPool(cfg.Thread.Count)

	lg.Logf(LogInfo, "server init success: port %d, src_dir %s, %d workers",
		s.port, s.shared.base, s.pool.Count())
	return s, nil
}

// initEventMode derives the epoll masks from the trigger mode: bit 1 puts
// the listener in ET, bit 0 the connections.
func (s *Server) initEventMode(triggerMode int) {
	s.listenEvents = unix.EPOLLRDHUP
	if triggerMode&0b10 != 0 {
		s.listenEvents |= unix.EPOLLET
	}
	s.connEvents = unix.EPOLLONESHOT | unix.EPOLLRDHUP
	if triggerMode&0b01 != 0 {
		s.connEvents |= unix.EPOLLET
	}
	s.shared.et = s.connEvents&unix.EPOLLET != 0
}

func (s *Server) initSocket() error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	fail := func(op string, err error) error {
		unix.Close(fd)
		return fmt.Errorf("%s: %w", op, err)
	}

	lg := &unix.Linger{}
	if s.linger {
		lg.Onoff, lg.Linger = 1, 1
	}
	if err := unix.SetsockoptLinger(fd, unix.SOL_SOCKET, unix.SO_LINGER, lg); err != nil {
		return fail("setsockopt SO_LINGER", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return fail("setsockopt SO_REUSEADDR", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: s.port}); err != nil {
		return fail("bind", err)
	}
	if err := unix.Listen(fd, listenBacklog); err != nil {
		return fail("listen", err)
	}
	if err := s.ep.AddEvent(fd, s.listenEvents|unix.EPOLLIN); err != nil {
		return fail("epoll add listener", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		return fail("set nonblock", err)
	}
	s.listenFd = fd

	// The wake fd lets Stop interrupt a poll that would otherwise block
	// with no deadline in sight.
	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK)
	if err != nil {
		return fail("eventfd", err)
	}
	if err := s.ep.AddEvent(wake, unix.EPOLLIN); err != nil {
		unix.Close(wake)
		return fail("epoll add wake fd", err)
	}
	s.wakeFd = wake

	s.log.Logf(LogInfo, "listen socket %d on 0.0.0.0:%d", fd, s.port)
	return nil
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

// UserCount is the number of live connections.
func (s *Server) UserCount() int64 { return s.shared.users.Load() }

// Start runs the reactor loop until Stop. The reactor blocks only in the
// poll wait, bounded by the earliest timer deadline; connection read and
// write events are handed to the worker pool, while hangup and error
// events close the connection on the reactor.
func (s *Server) Start() {
	for !s.closed.Load() {
		t := -1
		if s.timeout > 0 {
			t = s.timer.NextTick()
		}

		n, err := s.ep.Wait(t)
		if err != nil {
			s.log.Logf(LogError, "epoll wait: %v", err)
			continue
		}
		for i := 0; i < n; i++ {
			fd := s.ep.EventFd(i)
			events := s.ep.Events(i)
			switch {
			case fd == s.listenFd:
				s.dealListen()
			case fd == s.wakeFd:
				s.drainWake()
			default:
				conn := s.lookup(fd)
				if conn == nil {
					s.log.Logf(LogError, "event for unknown fd %d", fd)
					continue
				}
				switch {
				case events&(unix.EPOLLRDHUP|unix.EPOLLHUP|unix.EPOLLERR) != 0:
					s.closeConn(conn)
				case events&unix.EPOLLIN != 0:
					s.dealRead(conn)
				case events&unix.EPOLLOUT != 0:
					s.dealWrite(conn)
				default:
					s.log.Logf(LogError, "unknown event 0x%x on fd %d", events, fd)
				}
			}
		}
	}
	s.shutdown()
	s.log.Logf(LogInfo, "quit server")
}

// Stop asks the reactor to exit and wakes it out of the poll.
func (s *Server) Stop() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	unix.Write(s.wakeFd, one[:])
}

func (s *Server) shutdown() {
	s.mu.Lock()
	conns := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	clear(s.conns)
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	s.pool.Close()
	unix.Close(s.listenFd)
	unix.Close(s.wakeFd)
	s.ep.Close()
}

func (s *Server) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(s.wakeFd, buf[:]); err != nil {
			return
		}
	}
}

// dealListen accepts pending clients: all of them when the listener is
// edge-triggered, one otherwise. Over-capacity accepts get the busy
// notice and an immediate close.
func (s *Server) dealListen() {
	for {
		fd, sa, err := unix.Accept(s.listenFd)
		if err != nil {
			return
		}
		if s.shared.users.Load() >= MaxFD {
			s.sendError(fd, serverBusy)
			s.log.Logf(LogWarn, "server busy, refuse fd %d", fd)
			return
		}
		s.addClient(fd, sa)
		if s.listenEvents&unix.EPOLLET == 0 {
			return
		}
	}
}

func (s *Server) addClient(fd int, sa unix.Sockaddr) {
	conn := newConn(&s.shared, fd, peerString(sa))

	s.mu.Lock()
	s.conns[fd] = conn
	s.mu.Unlock()

	if s.timeout > 0 {
		// Capture the fd, not the connection: resolve at fire time so a
		// recycled fd evicts whoever owns it now.
		s.timer.AddEvent(fd, s.timeout, func() { s.closeByFd(fd) })
	}
	s.ep.AddEvent(fd, s.connEvents|unix.EPOLLIN)
	unix.SetNonblock(fd, true)
	s.log.Logf(LogInfo, "add client %d", fd)
}

func (s *Server) sendError(fd int, msg []byte) {
	if _, err := unix.Write(fd, msg); err != nil {
		s.log.Logf(LogWarn, "fail to send error to %d: %v", fd, err)
	}
	unix.Close(fd)
}

func (s *Server) lookup(fd int) *Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[fd]
}

func (s *Server) closeByFd(fd int) {
	if conn := s.lookup(fd); conn != nil {
		s.closeConn(conn)
	}
}

// closeConn tears a connection down: epoll interest, timer entry, table
// entry, then the socket itself.
func (s *Server) closeConn(conn *Conn) {
	fd := conn.Fd()
	s.mu.Lock()
	if s.conns[fd] == conn {
		delete(s.conns, fd)
	}
	s.mu.Unlock()

	if s.timeout > 0 {
		s.timer.PopEvent(fd)
	}
	s.ep.RemoveEvent(fd)
	conn.Close()
	s.log.Logf(LogInfo, "close client %d", fd)
}

func (s *Server) extendTime(conn *Conn) {
	if s.timeout > 0 {
		s.timer.AdjustEvent(conn.Fd(), s.timeout)
	}
}

func (s *Server) dealRead(conn *Conn) {
	s.extendTime(conn)
	s.pool.AddTask(func() { s.onRead(conn) })
}

func (s *Server) dealWrite(conn *Conn) {
	s.extendTime(conn)
	s.pool.AddTask(func() { s.onWrite(conn) })
}

func (s *Server) onRead(conn *Conn) {
	_, err := conn.Read()
	if err == io.EOF {
		s.closeConn(conn)
		return
	}
	if err != nil && err != unix.EAGAIN {
		s.log.Logf(LogInfo, "read %d: %v", conn.Fd(), err)
		s.closeConn(conn)
		return
	}
	s.onProcess(conn)
}

// onWrite drains the response. Done + keep-alive loops back into process;
// done + close tears down; EAGAIN or a level-triggered partial re-arms
// EPOLLOUT; any other failure closes unconditionally.
func (s *Server) onWrite(conn *Conn) {
	_, err := conn.Write()
	if conn.ToWriteBytes() == 0 {
		if conn.IsKeepAlive() {
			s.onProcess(conn)
			return
		}
		s.closeConn(conn)
		return
	}
	if err == nil || err == unix.EAGAIN {
		s.ep.ChangeEvent(conn.Fd(), s.connEvents|unix.EPOLLOUT)
		return
	}
	s.log.Logf(LogInfo, "write %d: %v", conn.Fd(), err)
	s.closeConn(conn)
}

// onProcess re-arms interest from the connection's state: a composed
// response wants EPOLLOUT, an idle connection EPOLLIN.
func (s *Server) onProcess(conn *Conn) {
	if conn.Process() {
		s.ep.ChangeEvent(conn.Fd(), s.connEvents|unix.EPOLLOUT)
	} else {
		s.ep.ChangeEvent(conn.Fd(), s.connEvents|unix.EPOLLIN)
	}
}

func peerString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return fmt.Sprintf("%s:%d", net.IP(a.Addr[:]).String(), a.Port)
	case *unix.SockaddrInet6:
		return fmt.Sprintf("[%s]:%d", net.IP(a.Addr[:]).String(), a.Port)
	}
	return "unknown"
}
