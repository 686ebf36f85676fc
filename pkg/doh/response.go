package doh

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net/textproto"
	"strconv"
	"strings"
)

var headerTerminator = []byte("\r\n\r\n")

var (
	errBadStatus        = errors.New("unexpected HTTP status")
	errNoTerminator     = errors.New("HTTP header not terminated")
	errNoContentLength  = errors.New("missing Content-Length")
	errBadContentLength = errors.New("invalid Content-Length")
)

// responseHeader is what the transport needs from an upstream reply head.
type responseHeader struct {
	length        int // bytes up to and including the blank line
	contentLength int
}

// headerEnd returns the offset just past the blank line, or -1.
func headerEnd(buf []byte) int {
	i := bytes.Index(buf, headerTerminator)
	if i < 0 {
		return -1
	}
	return i + len(headerTerminator)
}

// checkStatus accepts only "HTTP/1.x 200" on the first line of buf.
func checkStatus(buf []byte) error {
	line := buf
	if i := bytes.IndexByte(buf, '\n'); i >= 0 {
		line = buf[:i]
	}
	status := strings.TrimRight(string(line), "\r")
	proto, rest, _ := strings.Cut(status, " ")
	code, _, _ := strings.Cut(rest, " ")
	if !strings.HasPrefix(proto, "HTTP/1.") || code != "200" {
		return fmt.Errorf("%w: %q", errBadStatus, status)
	}
	return nil
}

// parseHeader decodes a reply head. buf must start at the status line; the
// status itself is checked first so a non-200 reply is reported as such even
// when it was cut short.
func parseHeader(buf []byte) (responseHeader, error) {
	if err := checkStatus(buf); err != nil {
		return responseHeader{}, err
	}
	end := headerEnd(buf)
	if end < 0 {
		return responseHeader{}, errNoTerminator
	}

	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(buf[:end])))
	if _, err := tp.ReadLine(); err != nil {
		return responseHeader{}, fmt.Errorf("failed to read status line: %w", err)
	}
	fields, err := tp.ReadMIMEHeader()
	if err != nil {
		return responseHeader{}, fmt.Errorf("failed to read header fields: %w", err)
	}

	// MIMEHeader keys are canonicalized, so the lookup ignores case.
	value := fields.Get("Content-Length")
	if value == "" {
		return responseHeader{}, errNoContentLength
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || n < 0 {
		return responseHeader{}, fmt.Errorf("%w: %q", errBadContentLength, value)
	}
	return responseHeader{length: end, contentLength: n}, nil
}
