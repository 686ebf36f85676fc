package resolver

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"doh-gateway/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startBootstrap answers A and AAAA questions from records with a 60s TTL and
// counts the questions it receives.
func startBootstrap(t *testing.T, records map[string]string) (string, *atomic.Int32) {
	t.Helper()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var asked atomic.Int32
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		asked.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		q := r.Question[0]
		ip, ok := records[strings.TrimSuffix(q.Name, ".")]
		if !ok {
			m.SetRcode(r, dns.RcodeNameError)
			_ = w.WriteMsg(m)
			return
		}

		addr := netip.MustParseAddr(ip)
		hdr := dns.RR_Header{Name: q.Name, Rrtype: q.Qtype, Class: dns.ClassINET, Ttl: 60}
		switch {
		case q.Qtype == dns.TypeA && addr.Is4():
			m.Answer = append(m.Answer, &dns.A{Hdr: hdr, A: addr.AsSlice()})
		case q.Qtype == dns.TypeAAAA && addr.Is6():
			m.Answer = append(m.Answer, &dns.AAAA{Hdr: hdr, AAAA: addr.AsSlice()})
		}
		_ = w.WriteMsg(m)
	})}

	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &asked
}

func TestNewNormalizesServers(t *testing.T) {
	r := New([]string{"1.1.1.1", "8.8.8.8:53", "[2606:4700::1111]:53"}, logging.NewDiscard())
	assert.Equal(t, []string{"1.1.1.1:53", "8.8.8.8:53", "[2606:4700::1111]:53"}, r.Servers())
	assert.Empty(t, New(nil, logging.NewDiscard()).Servers())
}

func TestWithDialTimeout(t *testing.T) {
	r := New(nil, logging.NewDiscard(), WithDialTimeout(2*time.Second))
	assert.Equal(t, 2*time.Second, r.dialer.Timeout)

	r = New(nil, logging.NewDiscard(), WithDialTimeout(0))
	assert.Equal(t, 30*time.Second, r.dialer.Timeout)
}

func TestLookupIPBootstrap(t *testing.T) {
	addr, _ := startBootstrap(t, map[string]string{"dns.example.net": "127.0.0.1"})
	r := New([]string{addr}, logging.NewDiscard(), Strict())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	addrs, err := r.LookupIP(ctx, "ip4", "dns.example.net")
	require.NoError(t, err)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("127.0.0.1")}, addrs)
}

func TestLookupIPLiteral(t *testing.T) {
	r := New([]string{"127.0.0.1:1"}, logging.NewDiscard(), Strict())

	addrs, err := r.LookupIP(context.Background(), "ip", "9.9.9.9")
	require.NoError(t, err)
	assert.Equal(t, "9.9.9.9", addrs[0].String())
}

func TestLookupIPStrictFailure(t *testing.T) {
	addr, _ := startBootstrap(t, map[string]string{})
	r := New([]string{addr}, logging.NewDiscard(), Strict())

	_, err := r.LookupIP(context.Background(), "ip4", "missing.example.net")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "strict")
	assert.Contains(t, err.Error(), "NXDOMAIN")
}

func TestLookupIPTriesNextServer(t *testing.T) {
	empty, _ := startBootstrap(t, map[string]string{})
	full, _ := startBootstrap(t, map[string]string{"dns.example.net": "127.0.0.2"})
	r := New([]string{empty, full}, logging.NewDiscard(), Strict())

	addrs, err := r.LookupIP(context.Background(), "ip4", "dns.example.net")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.2", addrs[0].String())
}

func TestLookupIPCachesForTTL(t *testing.T) {
	addr, asked := startBootstrap(t, map[string]string{"dns.example.net": "127.0.0.3"})
	r := New([]string{addr}, logging.NewDiscard(), Strict())
	now := time.Unix(1700000000, 0)
	r.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		_, err := r.LookupIP(context.Background(), "ip4", "DNS.example.net.")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), asked.Load())

	now = now.Add(61 * time.Second)
	_, err := r.LookupIP(context.Background(), "ip4", "dns.example.net")
	require.NoError(t, err)
	assert.Equal(t, int32(2), asked.Load())
}

func TestHTTPClientResolvesThroughBootstrap(t *testing.T) {
	web := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer web.Close()

	_, port, err := net.SplitHostPort(strings.TrimPrefix(web.URL, "http://"))
	require.NoError(t, err)

	addr, _ := startBootstrap(t, map[string]string{"lists.example.net": "127.0.0.1"})
	r := New([]string{addr}, logging.NewDiscard(), Strict())

	resp, err := r.NewHTTPClient(5*time.Second).Get("http://lists.example.net:" + port + "/")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestDialContextInvalidAddress(t *testing.T) {
	r := New(nil, logging.NewDiscard())
	_, err := r.DialContext(context.Background(), "tcp", "no-port")
	assert.Error(t, err)
}
