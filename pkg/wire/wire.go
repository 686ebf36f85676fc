// Package wire decodes and sanity-checks DNS messages in wire format.
//
// Queries are decoded field by field so the admission pipeline can reject
// anything that is not a single well-formed question before trusting it.
// Responses from the encrypted upstream go through Lint, which reports
// NXDOMAIN and null-routed answers as typed errors.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// MaxMessageSize bounds every buffer handled by the gateway, DNS messages and
// the HTTP responses that carry them alike.
const MaxMessageSize = 4096

// HeaderLen is the fixed DNS header size.
const HeaderLen = 12

const (
	flagResponse = 0x8000
	// opcode bits; only standard queries are accepted
	flagReserved = 0x7800
)

var (
	// ErrTruncated is returned when the buffer ends inside a header or question.
	ErrTruncated = errors.New("truncated DNS message")
	// ErrInvalidDomain is returned for names with characters outside [a-z0-9-_.].
	ErrInvalidDomain = errors.New("invalid domain name")
)

// Header holds the fixed DNS header fields.
type Header struct {
	ID         uint16
	Flags      uint16
	Questions  uint16
	Answers    uint16
	Authority  uint16
	Additional uint16
}

// IsResponse reports whether the QR bit is set.
func (h Header) IsResponse() bool {
	return h.Flags&flagResponse != 0
}

// HasReservedBits reports whether any opcode bit is set.
func (h Header) HasReservedBits() bool {
	return h.Flags&flagReserved != 0
}

// Question is a decoded question section entry.
type Question struct {
	Domain    string // lower case, no trailing dot
	DomainLen int
	Type      uint16
	Class     uint16
	Len       int // encoded length: name, type and class
}

// IsIPv6 reports whether the question asks for AAAA records.
func (q Question) IsIPv6() bool {
	return q.Type == dns.TypeAAAA
}

// DecodeHeader reads the DNS header at the start of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes, header needs %d", ErrTruncated, len(buf), HeaderLen)
	}
	return Header{
		ID:         binary.BigEndian.Uint16(buf[0:]),
		Flags:      binary.BigEndian.Uint16(buf[2:]),
		Questions:  binary.BigEndian.Uint16(buf[4:]),
		Answers:    binary.BigEndian.Uint16(buf[6:]),
		Authority:  binary.BigEndian.Uint16(buf[8:]),
		Additional: binary.BigEndian.Uint16(buf[10:]),
	}, nil
}

// DecodeQuestion reads one question starting at off and returns it together
// with the offset of the first byte after it.
func DecodeQuestion(buf []byte, off int) (Question, int, error) {
	name, next, err := dns.UnpackDomainName(buf, off)
	if err != nil {
		return Question{}, off, fmt.Errorf("cannot decode question name: %w", err)
	}
	if next+4 > len(buf) {
		return Question{}, off, fmt.Errorf("%w: question type/class missing", ErrTruncated)
	}

	domain := strings.TrimSuffix(strings.ToLower(name), ".")
	if !validDomain(domain) {
		return Question{}, off, fmt.Errorf("%w: %q", ErrInvalidDomain, domain)
	}

	q := Question{
		Domain:    domain,
		DomainLen: len(domain),
		Type:      binary.BigEndian.Uint16(buf[next:]),
		Class:     binary.BigEndian.Uint16(buf[next+2:]),
	}
	end := next + 4
	q.Len = end - off
	return q, end, nil
}

// escaped names from miekg/dns carry a backslash and fail here
func validDomain(domain string) bool {
	for i := 0; i < len(domain); i++ {
		c := domain[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
		default:
			return false
		}
	}
	return true
}

// TypeName returns the mnemonic for a record type, or TYPE<n> when unknown.
func TypeName(qtype uint16) string {
	if name, ok := dns.TypeToString[qtype]; ok {
		return name
	}
	return fmt.Sprintf("TYPE%d", qtype)
}
