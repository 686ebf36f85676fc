// Package doh carries DNS queries to an encrypted upstream as HTTP/1.1 POST
// requests over a single long-lived TLS session.
package doh

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/telemetry"
	"doh-gateway/pkg/wire"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the lifecycle of the encrypted session.
type State int

const (
	// StateClosed means no session exists; Exchange does no I/O.
	StateClosed State = iota
	// StateOpen means the handshake and chain verification succeeded.
	StateOpen
)

func (s State) String() string {
	if s == StateOpen {
		return "open"
	}
	return "closed"
}

// Dialer opens the TCP connection under the TLS session. *resolver.Resolver
// and *net.Dialer both satisfy it.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Transport owns one session to the upstream and the worker's cache slot.
// It is not safe for concurrent use; each worker has its own.
type Transport struct {
	upstream     config.UpstreamConfig
	certFile     string
	fallbackOnly bool
	ttl          time.Duration
	negativeTTL  time.Duration

	slot    *cache.Slot
	dialer  Dialer
	logger  *logging.Logger
	metrics *telemetry.Metrics

	tlsConfig *tls.Config
	request   *requestBuilder
	conn      net.Conn
	state     State
	buf       [wire.MaxMessageSize]byte
}

// New creates a closed transport for cfg.Upstream. Replies are stored
// through slot; dialer resolves and connects to the upstream address.
func New(cfg *config.Config, slot *cache.Slot, dialer Dialer, logger *logging.Logger, metrics *telemetry.Metrics) (*Transport, error) {
	if logger == nil {
		logger = logging.NewDiscard()
	}
	if slot == nil {
		slot = cache.NewSlot(nil)
	}
	if dialer == nil {
		dialer = &net.Dialer{Timeout: cfg.Upstream.IOTimeout}
	}
	request, err := newRequestBuilder(cfg.Upstream.RequestTemplate, cfg.Upstream.Host, cfg.Upstream.Path)
	if err != nil {
		return nil, err
	}

	return &Transport{
		upstream:     cfg.Upstream,
		certFile:     cfg.TLS.CertFile,
		fallbackOnly: cfg.FallbackOnly,
		ttl:          cfg.Cache.TTL,
		negativeTTL:  cfg.Cache.NegativeTTL,
		slot:         slot,
		dialer:       dialer,
		logger:       logger.Component("doh").With("upstream", cfg.Upstream.Name),
		metrics:      metrics,
		request:      request,
	}, nil
}

// State returns the session state.
func (t *Transport) State() State {
	return t.state
}

// Upstream returns the upstream the transport connects to.
func (t *Transport) Upstream() config.UpstreamConfig {
	return t.upstream
}

// Open establishes the session. Handshake and verification failures are
// logged and leave the transport closed with a nil error; only a missing
// trust anchor is returned, since no later attempt can succeed.
func (t *Transport) Open(ctx context.Context) error {
	if t.fallbackOnly || t.state == StateOpen {
		return nil
	}

	if t.tlsConfig == nil {
		anchor, err := LocateTrustAnchor(t.certFile)
		if err != nil {
			return err
		}
		cfg, err := NewTLSConfig(anchor, t.upstream.Host, t.upstream.SNI)
		if err != nil {
			return err
		}
		t.tlsConfig = cfg
		t.logger.Debug("Trust anchor loaded", "path", anchor)
	}

	ctx, cancel := context.WithTimeout(ctx, t.upstream.IOTimeout)
	defer cancel()

	raw, err := t.dialer.DialContext(ctx, "tcp", t.upstream.Address)
	if err != nil {
		t.logger.Warn("Failed to connect to upstream", "address", t.upstream.Address, "error", err)
		return nil
	}

	conn := tls.Client(raw, t.tlsConfig)
	if err := conn.HandshakeContext(ctx); err != nil {
		_ = raw.Close()
		t.logger.Warn("TLS handshake failed", "address", t.upstream.Address, "host", t.upstream.Host, "error", err)
		return nil
	}

	t.conn = conn
	t.state = StateOpen
	if t.metrics != nil && t.metrics.SessionOpens != nil {
		t.metrics.SessionOpens.Add(context.Background(), 1)
	}
	t.logger.Info("Encrypted session established",
		"address", t.upstream.Address,
		"host", t.upstream.Host,
		"tls_version", tls.VersionName(conn.ConnectionState().Version),
	)
	return nil
}

// Close shuts the session down. It is safe to call on a closed transport.
func (t *Transport) Close() {
	if t.conn == nil {
		t.state = StateClosed
		return
	}
	// close_notify is best effort; don't hang on a dead peer.
	_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = t.conn.Close()
	t.conn = nil
	t.state = StateClosed
	t.logger.Debug("Encrypted session closed")
}

// Exchange sends query upstream and returns the answer, or nil when there is
// none. The session is closed on any framing or I/O failure. Answers that
// pass Lint are cached under the slot's staged name.
func (t *Transport) Exchange(query []byte) []byte {
	if t.state != StateOpen || t.conn == nil {
		return nil
	}

	start := time.Now()
	answer, err := t.exchange(query)
	t.record(start, err)
	if err != nil {
		return nil
	}
	if answer == nil {
		return nil
	}
	return t.lint(answer)
}

// exchange performs one framed round trip. A nil answer with a nil error
// means the upstream replied with an empty body.
func (t *Transport) exchange(query []byte) ([]byte, error) {
	req, err := t.request.build(query)
	if err != nil {
		t.logger.Error("Failed to build request", "error", err)
		return nil, err
	}
	if len(req) > wire.MaxMessageSize {
		t.logger.Warn("Request too large", "size", len(req))
		return nil, fmt.Errorf("request of %d bytes exceeds %d", len(req), wire.MaxMessageSize)
	}

	if err := t.write(req); err != nil {
		return nil, t.fail("write", err)
	}

	n := 0
	for headerEnd(t.buf[:n]) < 0 && n < len(t.buf) {
		m, err := t.read(t.buf[n:])
		if err != nil {
			return nil, t.fail("read", err)
		}
		n += m
	}

	hdr, err := parseHeader(t.buf[:n])
	if err != nil {
		return nil, t.fail("header", err)
	}
	if hdr.contentLength == 0 {
		t.logger.Debug("Upstream returned an empty body")
		return nil, nil
	}

	total := hdr.length + hdr.contentLength
	if total > wire.MaxMessageSize {
		return nil, t.fail("header", fmt.Errorf("response of %d bytes exceeds %d", total, wire.MaxMessageSize))
	}
	for n < total {
		m, err := t.read(t.buf[n:total])
		if err != nil {
			return nil, t.fail("read", err)
		}
		n += m
	}

	answer := make([]byte, hdr.contentLength)
	copy(answer, t.buf[hdr.length:total])
	return answer, nil
}

// lint applies the answer policy: NXDOMAIN is cached briefly, null routes
// are turned into NXDOMAIN without caching, other failures are discarded.
func (t *Transport) lint(answer []byte) []byte {
	err := wire.Lint(answer)
	if err == nil {
		t.slot.StoreReply(answer, t.ttl)
		return answer
	}
	if wire.IsNXDomain(err) {
		t.slot.StoreReply(answer, t.negativeTTL)
		return answer
	}

	text := err.Error()
	if strings.Contains(text, "0.0.0.0") || strings.Contains(text, "127.0.0.1") {
		answer[3] = answer[3]&0xf0 | 3
		t.logger.Info("Request refused by service provider", "domain", t.slot.StagedName(), "reason", text)
		t.slot.Clear()
		return answer
	}

	t.logger.Warn("Discarding upstream answer", "domain", t.slot.StagedName(), "error", err)
	t.slot.Clear()
	return nil
}

// write sends p, retrying once after a timeout. A timed out write leaves a
// *tls.Conn permanently broken, so on TLS the first stall is final.
func (t *Transport) write(p []byte) error {
	_, permanent := t.conn.(*tls.Conn)
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		_ = t.conn.SetWriteDeadline(time.Now().Add(t.upstream.IOTimeout))
		var n int
		n, err = t.conn.Write(p)
		if err == nil {
			return nil
		}
		if permanent || !isTimeout(err) {
			return err
		}
		p = p[n:]
		t.logger.Debug("Write stalled", "attempt", attempt+1)
	}
	return err
}

// read fills some of p, retrying once after a timeout.
func (t *Transport) read(p []byte) (int, error) {
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		_ = t.conn.SetReadDeadline(time.Now().Add(t.upstream.IOTimeout))
		var n int
		n, err = t.conn.Read(p)
		if n > 0 {
			return n, nil
		}
		if err == nil {
			err = io.ErrNoProgress
			continue
		}
		if !isTimeout(err) {
			return 0, err
		}
		t.logger.Debug("Read stalled", "attempt", attempt+1)
	}
	return 0, err
}

// fail closes the session and returns err annotated with the stage.
func (t *Transport) fail(stage string, err error) error {
	t.logger.Warn("Encrypted exchange failed, closing session", "stage", stage, "error", err)
	t.Close()
	return fmt.Errorf("%s: %w", stage, err)
}

func (t *Transport) record(start time.Time, err error) {
	if t.metrics == nil {
		return
	}
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("upstream", t.upstream.Name))
	if t.metrics.UpstreamExchanges != nil {
		t.metrics.UpstreamExchanges.Add(ctx, 1, attrs)
	}
	if err != nil && t.metrics.UpstreamFailures != nil {
		t.metrics.UpstreamFailures.Add(ctx, 1, attrs)
	}
	if t.metrics.UpstreamDuration != nil {
		t.metrics.UpstreamDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
