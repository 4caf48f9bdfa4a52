package server

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FileMapStage tags how far a snapshot got before failing.
type FileMapStage int

const (
	StageInit FileMapStage = iota
	StageOpen
	StageFadvise
	StageFstat
	StageMemalign
	StageMadvise
	StageRead
	StageFinish
)

func (s FileMapStage) String() string {
	switch s {
	case StageInit:
		return "INIT"
	case StageOpen:
		return "OPEN"
	case StageFadvise:
		return "FADVISE"
	case StageFstat:
		return "FSTAT"
	case StageMemalign:
		return "MEMALIGN"
	case StageMadvise:
		return "MADVISE"
	case StageRead:
		return "READ"
	case StageFinish:
		return "FINISH"
	}
	return "UNKNOWN"
}

// FileMap is an immutable in-memory snapshot of a file, used as a response
// body. Acquisition walks open → fadvise → fstat → block-aligned map →
// madvise → read; a failure leaves the map empty with the stage and error
// recorded. The backing file is closed before OpenFileMap returns either
// way.
type FileMap struct {
	region []byte
	size   int

	stat  unix.Stat_t
	stage FileMapStage
	err   error
}

// OpenFileMap snapshots the file at path. Inspect Failed/Stage/Err for the
// outcome; the map holds bytes only when the final stage is FINISH.
func OpenFileMap(path string) *FileMap {
	m := &FileMap{}

	fd, err := unix.Open(path, unix.O_RDONLY, 0)
	if m.fail(StageOpen, err) {
		return m
	}
	defer unix.Close(fd)

	if m.fail(StageFadvise, unix.Fadvise(fd, 0, 0, unix.FADV_SEQUENTIAL)) {
		return m
	}

	if m.fail(StageFstat, unix.Fstat(fd, &m.stat)) {
		return m
	}
	blksize := int(m.stat.Blksize)
	if blksize <= 0 || blksize&(blksize-1) != 0 {
		m.stage = StageFstat
		m.err = fmt.Errorf("invalid block size %d", blksize)
		return m
	}

	m.size = int(m.stat.Size)
	region, err := unix.Mmap(-1, 0, roundUp(max(m.size, 1), blksize),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if m.fail(StageMemalign, err) {
		return m
	}
	m.region = region

	if m.fail(StageMadvise, unix.Madvise(m.region, unix.MADV_SEQUENTIAL)) {
		return m
	}

	for off := 0; off < m.size; {
		n, err := unix.Read(fd, m.region[off:m.size])
		if err == unix.EINTR {
			continue
		}
		if m.fail(StageRead, err) {
			return m
		}
		if n == 0 {
			break
		}
		off += n
	}

	m.stage = StageFinish
	return m
}

// fail records the stage reached; with a non-nil error it tears the map
// down to the empty state and reports true.
func (m *FileMap) fail(stage FileMapStage, err error) bool {
	m.stage = stage
	if err == nil {
		return false
	}
	m.err = fmt.Errorf("%s: %w", stage, err)
	m.unmap()
	return true
}

func (m *FileMap) unmap() {
	if m.region != nil {
		unix.Munmap(m.region)
		m.region = nil
	}
	m.size = 0
}

func (m *FileMap) Failed() bool        { return m.err != nil }
func (m *FileMap) Err() error          { return m.err }
func (m *FileMap) Stage() FileMapStage { return m.stage }
func (m *FileMap) Size() int           { return m.size }

// Bytes is the file content; nil unless the snapshot finished.
func (m *FileMap) Bytes() []byte {
	if m.region == nil {
		return nil
	}
	return m.region[:m.size]
}

// Close releases the snapshot. Idempotent.
func (m *FileMap) Close() {
	m.unmap()
}
