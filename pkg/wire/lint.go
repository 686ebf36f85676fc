package wire

import (
	"errors"
	"fmt"
	"net"

	"github.com/miekg/dns"
)

// Code classifies a lint failure.
type Code int

const (
	// CodeMalformed means the message could not be decoded or is not a valid answer.
	CodeMalformed Code = iota
	// CodeNXDomain means the upstream answered NXDOMAIN.
	CodeNXDomain
	// CodeRcode means any other non-zero response code.
	CodeRcode
	// CodeNullRoute means an answer points at 0.0.0.0 or 127.0.0.1, the way
	// filtering resolvers report blocked names.
	CodeNullRoute
)

func (c Code) String() string {
	switch c {
	case CodeMalformed:
		return "malformed"
	case CodeNXDomain:
		return "nxdomain"
	case CodeRcode:
		return "rcode"
	case CodeNullRoute:
		return "null-route"
	default:
		return "unknown"
	}
}

// LintError describes why a response failed Lint. Text is meant for logs and
// carries the offending address for null routes.
type LintError struct {
	Code Code
	Text string
}

func (e *LintError) Error() string {
	return e.Text
}

// IsNXDomain reports whether err is a lint failure for an NXDOMAIN answer.
func IsNXDomain(err error) bool {
	var lerr *LintError
	return errors.As(err, &lerr) && lerr.Code == CodeNXDomain
}

// Lint decodes a full response message and checks it answers a single question
// with a success code and no null-routed addresses.
func Lint(msg []byte) error {
	m := new(dns.Msg)
	if err := m.Unpack(msg); err != nil {
		return &LintError{Code: CodeMalformed, Text: "malformed DNS response: " + err.Error()}
	}
	if !m.Response {
		return &LintError{Code: CodeMalformed, Text: "not a DNS response"}
	}
	if len(m.Question) != 1 {
		return &LintError{Code: CodeMalformed, Text: fmt.Sprintf("invalid question count %d", len(m.Question))}
	}

	switch m.Rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return &LintError{Code: CodeNXDomain, Text: "NXDOMAIN " + m.Question[0].Name}
	default:
		return &LintError{Code: CodeRcode, Text: "response code " + dns.RcodeToString[m.Rcode]}
	}

	for _, rr := range m.Answer {
		a, ok := rr.(*dns.A)
		if !ok {
			continue
		}
		if a.A.Equal(net.IPv4zero) || a.A.Equal(net.IPv4(127, 0, 0, 1)) {
			return &LintError{
				Code: CodeNullRoute,
				Text: fmt.Sprintf("null route address %s for %s", a.A.String(), a.Hdr.Name),
			}
		}
	}

	return nil
}
