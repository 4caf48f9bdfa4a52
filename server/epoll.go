package server

import (
	"golang.org/x/sys/unix"
)

// Epoller wraps one epoll instance and its ready-event scratch. Interest
// mutations are safe from any thread (epoll_ctl is); Wait belongs to the
// reactor alone.
type Epoller struct {
	epfd   int
	events []unix.EpollEvent
}

func NewEpoller(maxEvents int) (*Epoller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	epfd, err := unix.EpollCreate1(0)
	if err != nil {
		return nil, err
	}
	return &Epoller{
		epfd:   epfd,
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func (e *Epoller) AddEvent(fd int, events uint32) error {
	return e.ctl(unix.EPOLL_CTL_ADD, fd, events)
}

func (e *Epoller) ChangeEvent(fd int, events uint32) error {
	return e.ctl(unix.EPOLL_CTL_MOD, fd, events)
}

func (e *Epoller) RemoveEvent(fd int) error {
	return unix.EpollCtl(e.epfd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (e *Epoller) ctl(op, fd int, events uint32) error {
	ev := unix.EpollEvent{
		Events: events,
		Fd:     int32(fd),
	}
	return unix.EpollCtl(e.epfd, op, fd, &ev)
}

// Wait blocks until readiness or timeout (milliseconds; -1 blocks
// indefinitely) and returns the ready count. EINTR retries in place.
func (e *Epoller) Wait(timeoutMs int) (int, error) {
	for {
		n, err := unix.EpollWait(e.epfd, e.events, timeoutMs)
		if err == unix.EINTR {
			continue
		}
		return n, err
	}
}

// EventFd returns the fd of the i-th ready event of the last Wait.
func (e *Epoller) EventFd(i int) int {
	return int(e.events[i].Fd)
}

// Events returns the ready mask of the i-th event of the last Wait.
func (e *Epoller) Events(i int) uint32 {
	return e.events[i].Events
}

func (e *Epoller) Close() error {
	return unix.Close(e.epfd)
}
