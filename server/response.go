package server

import (
	"bytes"
	"path/filepath"
	"strconv"
	"sync"
)

// responseBufferPool holds bytes.Buffer for serializing header blocks.
var responseBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// Buffers larger than this are discarded instead of pooled.
const maxPoolBufferSize = 16384

const (
	keepAliveHeader = "Connection: keep-alive\r\nkeep-alive: max=6, timeout=120\r\n"
	closeHeader     = "Connection: close\r\n"
)

// Response composes the status line, header block and body for one
// request. The body is either a file map, sent as its own iovec segment,
// or the built-in error HTML inlined behind the headers.
type Response struct {
	base      string
	fullPath  string
	code      int
	keepAlive bool

	header []byte
	fm     *FileMap
}

func NewResponse() *Response {
	return &Response{}
}

// Init points the response at base ⊕ path with a declared code
// (StatusUnknown lets the file lookup decide) and the keep-alive flag.
// Any previous file map is released.
func (r *Response) Init(base, path string, code int, keepAlive bool) {
	r.release()
	r.base = base
	r.fullPath = filepath.Join(base, filepath.Clean("/"+path))
	r.code = code
	r.keepAlive = keepAlive
	r.header = nil
}

// Compose opens the file map, settles the status code, and serializes the
// response head. A code with a canned error page re-opens the map at that
// page; if the page itself is unreadable the built-in HTML is inlined.
func (r *Response) Compose() {
	if _, ok := codePath[r.code]; ok {
		// Declared error: never touch the requested path.
		r.redirect()
	} else {
		r.fm = OpenFileMap(r.fullPath)
		r.chooseCode()
		if _, ok := codePath[r.code]; ok {
			r.redirect()
		}
	}

	buf := responseBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer func() {
		if buf.Cap() <= maxPoolBufferSize {
			responseBufferPool.Put(buf)
		}
	}()

	buf.WriteString("HTTP/1.1 ")
	buf.WriteString(strconv.Itoa(r.code))
	buf.WriteString(" ")
	buf.WriteString(reasonPhrase(r.code))
	buf.WriteString("\r\n")

	if r.keepAlive {
		buf.WriteString(keepAliveHeader)
	} else {
		buf.WriteString(closeHeader)
	}
	buf.WriteString("Content-type: ")
	buf.WriteString(contentTypeOf(r.fullPath))
	buf.WriteString("\r\n")
	buf.WriteString("Content-Length: ")
	if r.fm.Failed() {
		buf.WriteString(strconv.Itoa(len(errorHTML)))
	} else {
		buf.WriteString(strconv.Itoa(r.fm.Size()))
	}
	buf.WriteString("\r\n\r\n")

	if r.fm.Failed() {
		buf.WriteString(errorHTML)
	}

	r.header = make([]byte, buf.Len())
	copy(r.header, buf.Bytes())
}

// chooseCode keeps a declared code; otherwise the file map decides.
func (r *Response) chooseCode() {
	if r.code != StatusUnknown {
		return
	}
	if r.fm.Failed() {
		if r.fm.Stage() <= StageOpen {
			r.code = StatusNotFound
		} else if r.fm.Stage() <= StageRead {
			r.code = StatusForbidden
		}
		return
	}
	r.code = StatusOK
}

// redirect swaps the file map for the code's canned page under the
// document root.
func (r *Response) redirect() {
	r.release()
	r.fm = OpenFileMap(filepath.Join(r.base, codePath[r.code]))
}

func (r *Response) release() {
	if r.fm != nil {
		r.fm.Close()
		r.fm = nil
	}
}

func (r *Response) Code() int { return r.code }

// HeaderBytes is the serialized head (plus inline error body, if any).
func (r *Response) HeaderBytes() []byte { return r.header }

// FileBytes is the file body segment; nil when the body is inlined.
func (r *Response) FileBytes() []byte {
	if r.fm == nil {
		return nil
	}
	return r.fm.Bytes()
}

// Close releases the file map backing the body.
func (r *Response) Close() {
	r.release()
}
