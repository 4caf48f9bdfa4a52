package server

import (
	"bytes"
	"strings"
)

// ParseState tracks the phase of the request parser.
type ParseState int

const (
	ParseRequestLine ParseState = iota
	ParseHeaders
	ParseBody
	ParseFinish
)

var crlf = []byte("\r\n")

// defaultHTML lists paths that resolve to their .html page.
var defaultHTML = map[string]bool{
	"/index":   true,
	"/welcome": true,
	"/video":   true,
	"/picture": true,
}

// Request parses an HTTP/1.1 request out of the connection's inbound
// buffer. Header names are matched case-insensitively; the body slice is a
// view into the parsed bytes and is invalidated by Clear.
type Request struct {
	state   ParseState
	method  string
	path    string
	version string
	headers map[string]string
	body    []byte
}

func NewRequest() *Request {
	return &Request{headers: make(map[string]string)}
}

func (r *Request) Method() string  { return r.method }
func (r *Request) Path() string    { return r.path }
func (r *Request) Version() string { return r.version }
func (r *Request) Body() []byte    { return r.body }

// Header looks a header up by name, ignoring case.
func (r *Request) Header(name string) (string, bool) {
	v, ok := r.headers[strings.ToLower(name)]
	return v, ok
}

func (r *Request) State() ParseState { return r.state }

// Clear resets the parser for the next request on the connection.
func (r *Request) Clear() {
	r.state = ParseRequestLine
	r.method = ""
	r.path = ""
	r.version = ""
	r.body = nil
	clear(r.headers)
}

// IsKeepAlive reports whether the client asked to keep the connection:
// HTTP/1.1 with an exact "keep-alive" Connection value.
func (r *Request) IsKeepAlive() bool {
	if r.version != "HTTP/1.1" {
		return false
	}
	v, ok := r.Header("Connection")
	return ok && v == "keep-alive"
}

// Parse consumes data line by line, CRLF-terminated. It reports false only
// when the request line is malformed; incomplete requests leave the state
// mid-parse and report true.
func (r *Request) Parse(data []byte) bool {
	view := data
	for r.state != ParseFinish {
		switch r.state {
		case ParseRequestLine:
			line, rest := cutLine(view)
			view = rest
			if !r.parseRequestLine(line) {
				return false
			}
			r.normalizePath()
		case ParseHeaders:
			if len(view) == 0 {
				return true
			}
			line, rest := cutLine(view)
			view = rest
			r.parseHeader(line)
		case ParseBody:
			r.body = view
			r.state = ParseFinish
		}
	}
	return true
}

// cutLine splits off the next CRLF-terminated line. A trailing fragment
// without CRLF counts as a line of its own.
func cutLine(view []byte) (line, rest []byte) {
	line, rest, found := bytes.Cut(view, crlf)
	if !found {
		return view, nil
	}
	return line, rest
}

// parseRequestLine splits "METHOD SP PATH SP VERSION". Both spaces must be
// present and the path non-empty.
func (r *Request) parseRequestLine(line []byte) bool {
	first := bytes.IndexByte(line, ' ')
	if first < 0 {
		return false
	}
	second := bytes.IndexByte(line[first+1:], ' ')
	if second < 0 {
		return false
	}
	second += first + 1

	r.method = string(line[:first])
	r.path = string(line[first+1 : second])
	r.version = string(line[second+1:])
	if r.path == "" {
		return false
	}
	r.state = ParseHeaders
	return true
}

// parseHeader records one "Name: value" line; an empty line or one without
// a colon ends the header block.
func (r *Request) parseHeader(line []byte) {
	colon := bytes.IndexByte(line, ':')
	if colon < 0 {
		r.state = ParseBody
		return
	}
	name := strings.ToLower(string(line[:colon]))
	value := line[colon+1:]
	if len(value) > 0 && value[0] == ' ' {
		value = value[1:]
	}
	r.headers[name] = string(value)
}

func (r *Request) normalizePath() {
	if r.path == "/" {
		r.path = "/index.html"
	} else if defaultHTML[r.path] {
		r.path += ".html"
	}
}
