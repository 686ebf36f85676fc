package doh

import (
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

type readStep struct {
	data []byte
	err  error
}

// fakeConn replays scripted reads and write errors.
type fakeConn struct {
	reads      []readStep
	writeErrs  []error
	written    bytes.Buffer
	readCalls  int
	writeCalls int
	closed     bool
}

func (c *fakeConn) Read(p []byte) (int, error) {
	c.readCalls++
	if len(c.reads) == 0 {
		return 0, io.EOF
	}
	step := c.reads[0]
	if step.err != nil {
		c.reads = c.reads[1:]
		return 0, step.err
	}
	n := copy(p, step.data)
	if n < len(step.data) {
		c.reads[0].data = step.data[n:]
	} else {
		c.reads = c.reads[1:]
	}
	return n, nil
}

func (c *fakeConn) Write(p []byte) (int, error) {
	c.writeCalls++
	if len(c.writeErrs) > 0 {
		err := c.writeErrs[0]
		c.writeErrs = c.writeErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	return c.written.Write(p)
}

func (c *fakeConn) Close() error                     { c.closed = true; return nil }
func (c *fakeConn) LocalAddr() net.Addr              { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr             { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

type storedReply struct {
	domain string
	ipv6   bool
	reply  []byte
	ttl    time.Duration
}

// recordingStore remembers every Set.
type recordingStore struct {
	sets []storedReply
}

func (s *recordingStore) Get(string, bool) []byte { return nil }

func (s *recordingStore) Set(domain string, ipv6 bool, reply []byte, ttl time.Duration) {
	s.sets = append(s.sets, storedReply{domain: domain, ipv6: ipv6, reply: reply, ttl: ttl})
}

func newOpenTransport(t *testing.T, conn *fakeConn, store cache.Store) *Transport {
	t.Helper()
	cfg := config.LoadWithDefaults()
	tr, err := New(cfg, cache.NewSlot(store), nil, logging.NewDiscard(), nil)
	require.NoError(t, err)
	tr.conn = conn
	tr.state = StateOpen
	return tr
}

func testQuery(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m.Id = 0x1234
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func testAnswer(t *testing.T, name string, rcode int, ips ...string) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m := new(dns.Msg)
	m.SetRcode(q, rcode)
	for _, ip := range ips {
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
			A:   net.ParseIP(ip),
		})
	}
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func httpReply(body []byte) []byte {
	head := fmt.Sprintf("HTTP/1.1 200 OK\r\nContent-Type: application/dns-message\r\nContent-Length: %d\r\n\r\n", len(body))
	return append([]byte(head), body...)
}

func TestExchangeClosedDoesNoIO(t *testing.T) {
	conn := &fakeConn{}
	tr := newOpenTransport(t, conn, nil)
	tr.state = StateClosed

	assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
	assert.Zero(t, conn.writeCalls)
	assert.Zero(t, conn.readCalls)
}

func TestExchangeSuccess(t *testing.T) {
	answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
	reply := httpReply(answer)
	// Deliver the reply in pieces to exercise the read loop.
	conn := &fakeConn{reads: []readStep{
		{data: reply[:10]},
		{data: reply[10:40]},
		{data: reply[40:]},
	}}
	store := &recordingStore{}
	tr := newOpenTransport(t, conn, store)
	tr.slot.Stage("example.com", false)

	query := testQuery(t, "example.com")
	got := tr.Exchange(query)

	require.Equal(t, answer, got)
	assert.Equal(t, StateOpen, tr.State())
	assert.False(t, conn.closed)

	require.Len(t, store.sets, 1)
	assert.Equal(t, "example.com", store.sets[0].domain)
	assert.Equal(t, 40*time.Minute, store.sets[0].ttl)
	assert.Empty(t, tr.slot.StagedName())

	written := conn.written.Bytes()
	assert.True(t, bytes.HasPrefix(written, []byte("POST /dns-query HTTP/1.1\r\nHost: cloudflare-dns.com\r\n")))
	assert.Contains(t, string(written), fmt.Sprintf("Content-Length: %d\r\n\r\n", len(query)))
	assert.True(t, bytes.HasSuffix(written, query))
}

func TestExchangeLowercaseContentLength(t *testing.T) {
	answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
	head := fmt.Sprintf("HTTP/1.1 200 OK\r\ncontent-length: %d\r\n\r\n", len(answer))
	conn := &fakeConn{reads: []readStep{{data: append([]byte(head), answer...)}}}
	tr := newOpenTransport(t, conn, nil)

	assert.Equal(t, answer, tr.Exchange(testQuery(t, "example.com")))
}

func TestExchangeWriteRetry(t *testing.T) {
	t.Run("one stall recovers", func(t *testing.T) {
		answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
		conn := &fakeConn{
			writeErrs: []error{timeoutError{}},
			reads:     []readStep{{data: httpReply(answer)}},
		}
		tr := newOpenTransport(t, conn, nil)

		assert.Equal(t, answer, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 2, conn.writeCalls)
		assert.Equal(t, StateOpen, tr.State())
	})

	t.Run("second stall closes", func(t *testing.T) {
		conn := &fakeConn{writeErrs: []error{timeoutError{}, timeoutError{}, nil}}
		tr := newOpenTransport(t, conn, nil)

		assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 2, conn.writeCalls)
		assert.Zero(t, conn.readCalls)
		assert.Equal(t, StateClosed, tr.State())
		assert.True(t, conn.closed)
	})

	t.Run("hard error closes without retry", func(t *testing.T) {
		conn := &fakeConn{writeErrs: []error{io.ErrClosedPipe}}
		tr := newOpenTransport(t, conn, nil)

		assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 1, conn.writeCalls)
		assert.Equal(t, StateClosed, tr.State())
	})
}

// deadlineCounter counts write deadlines set on the wrapped conn.
type deadlineCounter struct {
	net.Conn
	writeDeadlines int
}

func (c *deadlineCounter) SetWriteDeadline(d time.Time) error {
	c.writeDeadlines++
	return c.Conn.SetWriteDeadline(d)
}

func TestExchangeTLSWriteStallCloses(t *testing.T) {
	local, peer := net.Pipe()
	defer func() { _ = peer.Close() }()
	counted := &deadlineCounter{Conn: local}

	cfg := config.LoadWithDefaults()
	tr, err := New(cfg, cache.NewSlot(nil), nil, logging.NewDiscard(), nil)
	require.NoError(t, err)
	tr.upstream.IOTimeout = 50 * time.Millisecond
	tr.conn = tls.Client(counted, &tls.Config{InsecureSkipVerify: true})
	tr.state = StateOpen

	assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
	// one write attempt, then the close_notify deadline from Close
	assert.Equal(t, 2, counted.writeDeadlines)
	assert.Equal(t, StateClosed, tr.State())
}

func TestExchangeReadRetry(t *testing.T) {
	t.Run("one stall recovers", func(t *testing.T) {
		answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
		conn := &fakeConn{reads: []readStep{{err: timeoutError{}}, {data: httpReply(answer)}}}
		tr := newOpenTransport(t, conn, nil)

		assert.Equal(t, answer, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 2, conn.readCalls)
	})

	t.Run("second stall closes", func(t *testing.T) {
		conn := &fakeConn{reads: []readStep{{err: timeoutError{}}, {err: timeoutError{}}, {data: []byte("HTTP/1.1 200 OK\r\n")}}}
		tr := newOpenTransport(t, conn, nil)

		assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 2, conn.readCalls)
		assert.Equal(t, StateClosed, tr.State())
	})

	t.Run("stall while reading the body", func(t *testing.T) {
		answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
		reply := httpReply(answer)
		conn := &fakeConn{reads: []readStep{
			{data: reply[:len(reply)-5]},
			{err: timeoutError{}},
			{err: timeoutError{}},
		}}
		tr := newOpenTransport(t, conn, nil)

		assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 3, conn.readCalls)
		assert.Equal(t, StateClosed, tr.State())
	})

	t.Run("peer closed", func(t *testing.T) {
		conn := &fakeConn{}
		tr := newOpenTransport(t, conn, nil)

		assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
		assert.Equal(t, 1, conn.readCalls)
		assert.Equal(t, StateClosed, tr.State())
	})
}

func TestExchangeFraming(t *testing.T) {
	answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")

	tests := []struct {
		name      string
		reply     []byte
		wantState State
	}{
		{
			name:      "non-200 status",
			reply:     []byte("HTTP/1.1 503 Service Unavailable\r\nContent-Length: 0\r\n\r\n"),
			wantState: StateClosed,
		},
		{
			name:      "not HTTP/1",
			reply:     []byte("HTTP/2 200\r\nContent-Length: 0\r\n\r\n"),
			wantState: StateClosed,
		},
		{
			name:      "missing content length",
			reply:     append([]byte("HTTP/1.1 200 OK\r\nContent-Type: application/dns-message\r\n\r\n"), answer...),
			wantState: StateClosed,
		},
		{
			name:      "garbage content length",
			reply:     []byte("HTTP/1.1 200 OK\r\nContent-Length: lots\r\n\r\n"),
			wantState: StateClosed,
		},
		{
			name:      "zero content length keeps session",
			reply:     []byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n"),
			wantState: StateOpen,
		},
		{
			name:      "oversized response",
			reply:     []byte("HTTP/1.1 200 OK\r\nContent-Length: 4096\r\n\r\n"),
			wantState: StateClosed,
		},
		{
			name:      "header never terminated",
			reply:     append([]byte("HTTP/1.1 200 OK\r\nX-Pad: "), bytes.Repeat([]byte("a"), 5000)...),
			wantState: StateClosed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConn{reads: []readStep{{data: tt.reply}}}
			store := &recordingStore{}
			tr := newOpenTransport(t, conn, store)
			tr.slot.Stage("example.com", false)

			assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
			assert.Equal(t, tt.wantState, tr.State())
			assert.Equal(t, tt.wantState == StateClosed, conn.closed)
			assert.Empty(t, store.sets)
		})
	}
}

func TestExchangeIgnoresTrailingBytes(t *testing.T) {
	answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
	reply := append(httpReply(answer), []byte("trailing")...)
	conn := &fakeConn{reads: []readStep{{data: reply}}}
	tr := newOpenTransport(t, conn, nil)

	assert.Equal(t, answer, tr.Exchange(testQuery(t, "example.com")))
}

func TestExchangeLint(t *testing.T) {
	t.Run("nxdomain cached with negative ttl", func(t *testing.T) {
		answer := testAnswer(t, "missing.example.com", dns.RcodeNameError)
		conn := &fakeConn{reads: []readStep{{data: httpReply(answer)}}}
		store := &recordingStore{}
		tr := newOpenTransport(t, conn, store)
		tr.slot.Stage("missing.example.com", false)

		got := tr.Exchange(testQuery(t, "missing.example.com"))
		assert.Equal(t, answer, got)
		require.Len(t, store.sets, 1)
		assert.Equal(t, 10*time.Minute, store.sets[0].ttl)
		assert.Equal(t, StateOpen, tr.State())
	})

	t.Run("null route rewritten and not cached", func(t *testing.T) {
		answer := testAnswer(t, "ads.example.com", dns.RcodeSuccess, "0.0.0.0")
		conn := &fakeConn{reads: []readStep{{data: httpReply(answer)}}}
		store := &recordingStore{}
		tr := newOpenTransport(t, conn, store)
		tr.slot.Stage("ads.example.com", false)

		got := tr.Exchange(testQuery(t, "ads.example.com"))
		require.NotNil(t, got)
		assert.Equal(t, byte(3), got[3]&0x0f)
		assert.Equal(t, answer[:3], got[:3])

		m := new(dns.Msg)
		require.NoError(t, m.Unpack(got))
		assert.Equal(t, dns.RcodeNameError, m.Rcode)
		assert.Empty(t, store.sets)
	})

	t.Run("loopback null route", func(t *testing.T) {
		answer := testAnswer(t, "ads.example.com", dns.RcodeSuccess, "127.0.0.1")
		conn := &fakeConn{reads: []readStep{{data: httpReply(answer)}}}
		tr := newOpenTransport(t, conn, nil)

		got := tr.Exchange(testQuery(t, "ads.example.com"))
		require.NotNil(t, got)
		assert.Equal(t, byte(3), got[3]&0x0f)
	})

	t.Run("servfail discarded", func(t *testing.T) {
		answer := testAnswer(t, "example.com", dns.RcodeServerFailure)
		conn := &fakeConn{reads: []readStep{{data: httpReply(answer)}}}
		store := &recordingStore{}
		tr := newOpenTransport(t, conn, store)
		tr.slot.Stage("example.com", false)

		assert.Nil(t, tr.Exchange(testQuery(t, "example.com")))
		assert.Empty(t, store.sets)
		assert.Equal(t, StateOpen, tr.State())
	})

	t.Run("nothing staged is not cached", func(t *testing.T) {
		answer := testAnswer(t, "example.com", dns.RcodeSuccess, "93.184.216.34")
		conn := &fakeConn{reads: []readStep{{data: httpReply(answer)}}}
		store := &recordingStore{}
		tr := newOpenTransport(t, conn, store)

		assert.Equal(t, answer, tr.Exchange(testQuery(t, "example.com")))
		assert.Empty(t, store.sets)
	})
}

func TestKeepalive(t *testing.T) {
	answer := testAnswer(t, "www.example.com", dns.RcodeSuccess, "93.184.216.34")
	conn := &fakeConn{reads: []readStep{{data: httpReply(answer)}}}
	store := &recordingStore{}
	tr := newOpenTransport(t, conn, store)
	// A name staged by an earlier query must not receive the keepalive answer.
	tr.slot.Stage("stale.example.com", false)

	assert.True(t, tr.Keepalive())
	assert.Empty(t, store.sets)
	assert.True(t, bytes.HasSuffix(conn.written.Bytes(), keepaliveQuery))
	assert.Contains(t, conn.written.String(), "Content-Length: 33\r\n")
}

func TestKeepaliveClosed(t *testing.T) {
	conn := &fakeConn{}
	tr := newOpenTransport(t, conn, nil)
	tr.state = StateClosed

	assert.False(t, tr.Keepalive())
	assert.Zero(t, conn.writeCalls)
}

func TestKeepaliveQueryDecodes(t *testing.T) {
	m := new(dns.Msg)
	require.NoError(t, m.Unpack(keepaliveQuery))
	require.Len(t, m.Question, 1)
	assert.Equal(t, "www.example.com.", m.Question[0].Name)
	assert.Equal(t, dns.TypeA, m.Question[0].Qtype)
	assert.True(t, m.RecursionDesired)
}

func TestCloseIdempotent(t *testing.T) {
	conn := &fakeConn{}
	tr := newOpenTransport(t, conn, nil)

	tr.Close()
	tr.Close()
	assert.True(t, conn.closed)
	assert.Equal(t, StateClosed, tr.State())
}
