package server

import (
	"golang.org/x/sys/unix"
)

const (
	// socketPackageMax sizes the readv stack scratch, which holds
	// socketPackageMax - bufferAlign bytes beyond the owned vacancy.
	socketPackageMax = 65535
	// bufferAlign is the allocation granularity of owned regions.
	bufferAlign = 1 << 8
)

// Buffer is the inbound scratch of one socket: a contiguous region with a
// read cursor and a write cursor, 0 <= read <= write <= cap. It owns its
// region unless a span was borrowed into it, in which case it is read-only
// and the region is never grown in place.
type Buffer struct {
	data     []byte
	read     int
	write    int
	borrowed bool
}

func (b *Buffer) Size() int   { return b.write - b.read }
func (b *Buffer) Empty() bool { return b.Size() == 0 }

// capacity is the room left for the live window, counted from the read
// cursor. Borrowed regions report no room so they are never written into.
func (b *Buffer) capacity() int {
	if b.borrowed {
		return 0
	}
	return len(b.data) - b.read
}

// Bytes returns the unconsumed window [read, write). The slice is
// invalidated by the next Reserve, Append or ReadFd.
func (b *Buffer) Bytes() []byte { return b.data[b.read:b.write] }

func (b *Buffer) Clear() {
	b.read, b.write = 0, 0
}

// Borrow points the buffer at an external span. The buffer does not own
// the bytes; growth copies them out first.
func (b *Buffer) Borrow(span []byte) {
	b.data = span
	b.read = 0
	b.write = len(span)
	b.borrowed = true
}

// Reserve guarantees room for sz bytes of live data. Growth rounds the new
// capacity up to bufferAlign and slides the live window to offset 0; the
// buffer owns the new region afterwards.
func (b *Buffer) Reserve(sz int) {
	if sz <= b.capacity() {
		return
	}
	sz = roundUp(sz, bufferAlign)
	region := make([]byte, sz)
	n := copy(region, b.Bytes())
	b.data = region
	b.read = 0
	b.write = n
	b.borrowed = false
}

// Append copies span behind the write cursor, growing as needed.
func (b *Buffer) Append(span []byte) {
	if len(span) == 0 {
		return
	}
	b.Reserve(b.Size() + len(span))
	copy(b.data[b.write:], span)
	b.write += len(span)
}

// ReadFd drains fd with one readv into the remaining owned capacity plus a
// stack scratch, so a single call can pull in more than the current region
// holds. Overflow into the scratch is appended (growing the region).
// Returns the byte count from the kernel; unix.EAGAIN signals a drained
// nonblocking socket.
func (b *Buffer) ReadFd(fd int) (int, error) {
	b.Reserve(b.Size() + 1)
	var scratch [socketPackageMax - bufferAlign]byte

	vacant := len(b.data) - b.write
	iovs := [][]byte{
		b.data[b.write:],
		scratch[:],
	}
	n, err := unix.Readv(fd, iovs)
	if err != nil {
		return 0, err
	}
	if n <= vacant {
		b.write += n
	} else {
		b.write += vacant
		b.Append(scratch[:n-vacant])
	}
	return n, nil
}

// WriteFd flushes the live window to fd, advancing the read cursor by what
// the kernel took.
func (b *Buffer) WriteFd(fd int) (int, error) {
	n, err := unix.Write(fd, b.Bytes())
	if err != nil {
		return 0, err
	}
	b.read += n
	return n, nil
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
