package urlutil

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"
)

// Headers is an ordered, name-preserving, case-insensitive-lookup
// header set. Insertion order is preserved for re-emission; lookups
// normalize case.
type Headers struct {
	names  []string
	values []string
}

// NewHeaders returns an empty header set.
func NewHeaders() *Headers { return &Headers{} }

// Add appends a name/value pair, preserving the caller's casing and
// allowing duplicate names (as HTTP permits, e.g. Set-Cookie).
func (h *Headers) Add(name, value string) {
	h.names = append(h.names, name)
	h.values = append(h.values, value)
}

// Set replaces all existing values for name (case-insensitive) with a
// single new entry, appended in the position of the first match, or
// at the end if name is new.
func (h *Headers) Set(name, value string) {
	idx := h.indexOf(name)
	if idx < 0 {
		h.Add(name, value)
		return
	}
	h.values[idx] = value
	h.names[idx] = name
	h.deleteAllExcept(name, idx)
}

// Get returns the first value for name (case-insensitive), or "" with
// ok=false if absent.
func (h *Headers) Get(name string) (string, bool) {
	idx := h.indexOf(name)
	if idx < 0 {
		return "", false
	}
	return h.values[idx], true
}

// Delete removes every entry matching name (case-insensitive).
func (h *Headers) Delete(name string) {
	var names, values []string
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			continue
		}
		names = append(names, n)
		values = append(values, h.values[i])
	}
	h.names, h.values = names, values
}

// Len returns the number of entries.
func (h *Headers) Len() int { return len(h.names) }

// Each iterates entries in insertion order.
func (h *Headers) Each(fn func(name, value string)) {
	for i := range h.names {
		fn(h.names[i], h.values[i])
	}
}

func (h *Headers) indexOf(name string) int {
	for i, n := range h.names {
		if strings.EqualFold(n, name) {
			return i
		}
	}
	return -1
}

func (h *Headers) deleteAllExcept(name string, keep int) {
	var names, values []string
	for i, n := range h.names {
		if i != keep && strings.EqualFold(n, name) {
			continue
		}
		names = append(names, n)
		values = append(values, h.values[i])
	}
	h.names, h.values = names, values
}

// StatusLine is a parsed HTTP response status line.
type StatusLine struct {
	Major, Minor int
	Status       int
	Reason       string
}

// ParseStatusLine parses "HTTP/1.1 200 OK".
func ParseStatusLine(line string) (StatusLine, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return StatusLine{}, fmt.Errorf("urlutil: malformed status line %q", line)
	}
	var major, minor int
	if _, err := fmt.Sscanf(fields[0], "HTTP/%d.%d", &major, &minor); err != nil {
		return StatusLine{}, fmt.Errorf("urlutil: malformed HTTP version %q: %w", fields[0], err)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return StatusLine{}, fmt.Errorf("urlutil: malformed status code %q: %w", fields[1], err)
	}
	reason := ""
	if len(fields) == 3 {
		reason = fields[2]
	}
	return StatusLine{Major: major, Minor: minor, Status: status, Reason: reason}, nil
}

// ParseHeaderBlock parses CRLF-terminated "Name: value" lines (folding
// not supported, per modern RFC 7230) into an ordered Headers set.
// Terminates at the first blank line.
func ParseHeaderBlock(r *bufio.Reader) (*Headers, error) {
	h := NewHeaders()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return h, nil
		}
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			return nil, fmt.Errorf("urlutil: malformed header line %q", line)
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		h.Add(name, value)
	}
}

// RequestLine is a parsed request line. The HTTP/3 stream manager
// renders its pseudo-headers as "<METHOD> <PATH> HTTP/1.1" and parses
// that back here, so both protocols dispatch the same request shape.
type RequestLine struct {
	Method, Target, Version string
}

// ParseRequestLine parses "GET /hello HTTP/1.1".
func ParseRequestLine(line string) (RequestLine, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return RequestLine{}, fmt.Errorf("urlutil: malformed request line %q", line)
	}
	return RequestLine{Method: fields[0], Target: fields[1], Version: fields[2]}, nil
}
