package gateway

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/require"
)

// countingDialer wraps net.Dialer and counts dials.
type countingDialer struct {
	net.Dialer
	dials atomic.Int32
}

func (d *countingDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d.dials.Add(1)
	return d.Dialer.DialContext(ctx, network, addr)
}

func testConfig() *config.Config {
	cfg := config.LoadWithDefaults()
	cfg.Upstream.IOTimeout = 2 * time.Second
	return cfg
}

func newTestPolicy(t *testing.T, cfg *config.Config) *Policy {
	t.Helper()
	p, err := NewPolicy(cfg, nil, logging.NewDiscard())
	require.NoError(t, err)
	return p
}

func buildQuery(t *testing.T, name string, qtype uint16) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), qtype)
	m.Id = 0xbeef
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

func buildAnswer(t *testing.T, name, ip string) []byte {
	t.Helper()
	q := new(dns.Msg)
	q.SetQuestion(dns.Fqdn(name), dns.TypeA)
	m := new(dns.Msg)
	m.SetReply(q)
	m.Answer = append(m.Answer, &dns.A{
		Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
		A:   net.ParseIP(ip),
	})
	b, err := m.Pack()
	require.NoError(t, err)
	return b
}

// startDNSServer runs a plaintext UDP resolver answering every A question
// with ip and counts the queries it sees.
func startDNSServer(t *testing.T, ip string) (string, *atomic.Int32) {
	t.Helper()
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)

	var hits atomic.Int32
	srv := &dns.Server{PacketConn: pc, Handler: dns.HandlerFunc(func(w dns.ResponseWriter, r *dns.Msg) {
		hits.Add(1)
		m := new(dns.Msg)
		m.SetReply(r)
		m.Answer = append(m.Answer, &dns.A{
			Hdr: dns.RR_Header{Name: r.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
			A:   net.ParseIP(ip),
		})
		_ = w.WriteMsg(m)
	})}

	started := make(chan struct{})
	srv.NotifyStartedFunc = func() { close(started) }
	go func() { _ = srv.ActivateAndServe() }()
	<-started
	t.Cleanup(func() { _ = srv.Shutdown() })

	return pc.LocalAddr().String(), &hits
}

// startDoHUpstream runs a TLS DoH resolver for doh.test answering every A
// question with 93.184.216.34. It returns the address, the trust anchor
// path and a request counter.
func startDoHUpstream(t *testing.T) (string, string, *atomic.Int32) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	now := time.Now()
	templ := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "doh.test"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
		DNSNames:              []string{"doh.test"},
	}
	der, err := x509.CreateCertificate(rand.Reader, templ, templ, key.Public(), key)
	require.NoError(t, err)

	anchor := filepath.Join(t.TempDir(), "anchor.pem")
	require.NoError(t, os.WriteFile(anchor, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))

	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	var requests atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				br := bufio.NewReader(conn)
				for {
					req, err := http.ReadRequest(br)
					if err != nil {
						return
					}
					body, _ := io.ReadAll(req.Body)
					_ = req.Body.Close()
					requests.Add(1)

					q := new(dns.Msg)
					if err := q.Unpack(body); err != nil {
						return
					}
					m := new(dns.Msg)
					m.SetReply(q)
					m.Answer = append(m.Answer, &dns.A{
						Hdr: dns.RR_Header{Name: q.Question[0].Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 300},
						A:   net.IPv4(93, 184, 216, 34),
					})
					answer, err := m.Pack()
					if err != nil {
						return
					}
					fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: application/dns-message\r\nContent-Length: %d\r\n\r\n", len(answer))
					_, _ = conn.Write(answer)
				}
			}(conn)
		}
	}()

	return ln.Addr().String(), anchor, &requests
}
