package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/doh"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/ratelimit"
	"doh-gateway/pkg/telemetry"
	"doh-gateway/pkg/wire"
)

// Server reads queries from the local UDP socket and spreads them over the
// workers.
type Server struct {
	cfg      *config.Config
	workers  []*Worker
	queues   []chan packet
	counters *telemetry.Counters
	limiter  *ratelimit.Manager
	stats    interface{ Stats() cache.Stats }
	logger   *logging.Logger

	mu      sync.Mutex
	conn    net.PacketConn
	running bool
	next    int
}

// NewServer creates cfg.Server.Workers workers over deps.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = logging.NewDiscard()
	}
	if deps.Counters == nil {
		deps.Counters = telemetry.NewCounters(deps.Metrics)
	}

	s := &Server{
		cfg:      cfg,
		counters: deps.Counters,
		limiter:  ratelimit.NewManager(&cfg.Server.RateLimit, deps.Logger),
		logger:   deps.Logger.Component("server"),
	}
	if st, ok := deps.Store.(interface{ Stats() cache.Stats }); ok {
		s.stats = st
	}

	for i := 0; i < cfg.Server.Workers; i++ {
		w, err := NewWorker(i, cfg, deps)
		if err != nil {
			return nil, err
		}
		s.workers = append(s.workers, w)
		s.queues = append(s.queues, make(chan packet, cfg.Server.QueueSize))
	}
	return s, nil
}

// Listen binds the UDP socket. Start calls it when needed.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		return nil
	}
	conn, err := net.ListenPacket("udp", s.cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Server.ListenAddress, err)
	}
	s.conn = conn
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	return s.conn.LocalAddr()
}

// Start serves until ctx is done or a worker fails fatally.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("server already running")
	}
	s.running = true
	conn := s.conn
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(s.workers))
	for i, w := range s.workers {
		wg.Add(1)
		go func(w *Worker, queue <-chan packet) {
			defer wg.Done()
			if err := w.Run(ctx, queue, conn); err != nil {
				errCh <- err
				cancel()
			}
		}(w, s.queues[i])
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.statsLoop(ctx)
	}()

	s.logger.Info("DNS gateway started",
		"address", conn.LocalAddr().String(),
		"workers", len(s.workers),
		"upstream", s.cfg.Upstream.Name,
		"fallback_only", s.cfg.FallbackOnly,
	)

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	s.readLoop(ctx, conn)
	cancel()
	wg.Wait()
	s.limiter.Stop()

	s.mu.Lock()
	s.running = false
	s.conn = nil
	s.mu.Unlock()
	s.logger.Info("DNS gateway stopped")

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) readLoop(ctx context.Context, conn net.PacketConn) {
	buf := make([]byte, wire.MaxMessageSize)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Failed to read query", "error", err)
			continue
		}
		if n == 0 {
			continue
		}
		pkt := packet{buf: make([]byte, n), addr: addr}
		copy(pkt.buf, buf[:n])
		if !s.admit(conn, pkt) {
			continue
		}
		s.dispatch(pkt)
	}
}

// admit applies the per-client rate limit. Limited queries are dropped or,
// when configured, answered with NXDOMAIN here without reaching a worker.
func (s *Server) admit(conn net.PacketConn, pkt packet) bool {
	if s.limiter == nil {
		return true
	}
	ua, ok := pkt.addr.(*net.UDPAddr)
	if !ok {
		return true
	}
	allowed, label := s.limiter.Allow(ua.AddrPort().Addr())
	if allowed {
		return true
	}

	s.counters.AddReceived(1)
	s.logger.Debug("Client rate limited", "client", ua.String(), "limit", label)
	if s.limiter.Action() != config.RateLimitActionNXDOMAIN {
		return false
	}
	if _, reason, _ := decodeQuery(pkt.buf); reason != "" {
		return false
	}
	SynthesizeNXDomain(pkt.buf)
	s.counters.AddDropped(1)
	if _, err := conn.WriteTo(pkt.buf, pkt.addr); err != nil {
		s.logger.Warn("Failed to send reply", "client", ua.String(), "error", err)
	}
	return false
}

// dispatch hands pkt to the next worker with room in its queue.
func (s *Server) dispatch(pkt packet) {
	for range s.queues {
		q := s.queues[s.next]
		s.next = (s.next + 1) % len(s.queues)
		select {
		case q <- pkt:
			return
		default:
		}
	}
	s.logger.Warn("All workers busy, query discarded", "client", pkt.addr.String())
}

func (s *Server) statsLoop(ctx context.Context) {
	interval := s.cfg.Server.StatsInterval
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logStats()
		}
	}
}

func (s *Server) logStats() {
	snap := s.counters.Snapshot()
	open := 0
	for _, w := range s.workers {
		if w.Transport().State() == doh.StateOpen {
			open++
		}
	}
	attrs := []any{
		"received", snap.Received,
		"dropped", snap.Dropped,
		"cached", snap.Cached,
		"forwarded", snap.Forwarded,
		"sessions_open", open,
	}
	if s.stats != nil {
		st := s.stats.Stats()
		attrs = append(attrs, "cache_entries", st.Entries, "cache_hit_rate", st.HitRate)
	}
	s.logger.Info("Gateway statistics", attrs...)
}

// Counters returns the shared query counters.
func (s *Server) Counters() *telemetry.Counters {
	return s.counters
}
