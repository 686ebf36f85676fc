package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"doh-gateway/pkg/cache"
	"doh-gateway/pkg/config"
	"doh-gateway/pkg/doh"
	"doh-gateway/pkg/forwarder"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/time/rate"
)

// Deps are the process-wide components shared by every worker.
type Deps struct {
	Policy    *Policy
	Store     cache.Store // nil disables caching
	Dialer    doh.Dialer  // nil dials directly
	Forwarder *forwarder.Forwarder
	Counters  *telemetry.Counters
	Metrics   *telemetry.Metrics
	Tracer    trace.Tracer // nil disables spans
	Logger    *logging.Logger
}

// packet is one datagram read from the listener.
type packet struct {
	buf  []byte
	addr net.Addr
}

// Worker handles queries strictly one at a time over its own encrypted
// session, cache slot and pipeline.
type Worker struct {
	id        int
	pipeline  *Pipeline
	transport *doh.Transport
	slot      *cache.Slot
	forwarder *forwarder.Forwarder
	fallback  []string
	timeout   time.Duration
	keepalive time.Duration
	reconnect *rate.Limiter
	counters  *telemetry.Counters
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
	logger    *logging.Logger
}

// NewWorker builds worker id from cfg and the shared deps.
func NewWorker(id int, cfg *config.Config, deps Deps) (*Worker, error) {
	if deps.Policy == nil {
		return nil, errors.New("worker needs a domain policy")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewDiscard()
	}
	logger = logger.Component("worker").With("worker", id)
	counters := deps.Counters
	if counters == nil {
		counters = telemetry.NewCounters(deps.Metrics)
	}
	fwd := deps.Forwarder
	if fwd == nil {
		fwd = forwarder.New(logger, cfg.Upstream.IOTimeout)
	}

	slot := cache.NewSlot(deps.Store)
	transport, err := doh.New(cfg, slot, deps.Dialer, logger, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("worker %d: %w", id, err)
	}

	fallback := make([]string, len(cfg.FallbackServers))
	for i, s := range cfg.FallbackServers {
		fallback[i] = forwarder.NormalizeUpstream(s)
	}

	w := &Worker{
		id:        id,
		pipeline:  NewPipeline(deps.Policy, slot, counters, logger),
		transport: transport,
		slot:      slot,
		forwarder: fwd,
		fallback:  fallback,
		timeout:   cfg.Upstream.IOTimeout,
		keepalive: cfg.Upstream.KeepaliveInterval,
		reconnect: rate.NewLimiter(rate.Every(cfg.Upstream.ReconnectInterval), 1),
		counters:  counters,
		metrics:   deps.Metrics,
		tracer:    deps.Tracer,
		logger:    logger,
	}
	if w.tracer == nil {
		w.tracer = tracenoop.NewTracerProvider().Tracer("")
	}
	if w.keepalive <= 0 {
		w.keepalive = 30 * time.Second
	}
	w.pipeline.sessionOpen = func() bool { return transport.State() == doh.StateOpen }
	return w, nil
}

// Transport returns the worker's encrypted session.
func (w *Worker) Transport() *doh.Transport {
	return w.transport
}

// Connect opens the session if it is closed and the reconnect limiter
// allows an attempt. Only a missing trust anchor is returned.
func (w *Worker) Connect(ctx context.Context) error {
	if w.transport.State() == doh.StateOpen || !w.reconnect.Allow() {
		return nil
	}
	return w.transport.Open(ctx)
}

// Handle answers one raw query and returns the reply to send, or nil.
// raw may be modified.
func (w *Worker) Handle(ctx context.Context, raw []byte) []byte {
	w.counters.AddReceived(1)

	ctx, span := w.tracer.Start(ctx, "dns.query")
	defer span.End()

	v := w.pipeline.ClassifyQuery(raw)
	span.SetAttributes(
		attribute.Int("gateway.worker", w.id),
		attribute.String("gateway.route", v.Route.String()),
		attribute.String("dns.name", v.Domain),
		attribute.String("gateway.reason", v.Reason),
	)
	switch v.Route {
	case RouteRespondLocally:
		return v.Reply

	case RouteForwardPlaintext:
		reply, err := w.forward(ctx, v.Rule.Upstreams, raw)
		if err != nil {
			w.logger.Warn("Conditional forwarding failed", "domain", v.Domain, "forwarder", v.Rule.Name, "error", err)
			return nil
		}
		return reply

	case RouteForwardEncrypted:
		if err := w.Connect(ctx); err != nil {
			w.logger.Error("Cannot open encrypted session", "error", err)
		}
		if answer := w.transport.Exchange(raw); answer != nil {
			return answer
		}
		w.slot.Clear()
		return w.fallbackExchange(ctx, v.Domain, raw)

	default:
		return nil
	}
}

func (w *Worker) fallbackExchange(ctx context.Context, domain string, raw []byte) []byte {
	if len(w.fallback) == 0 {
		return nil
	}
	reply, err := w.forward(ctx, w.fallback, raw)
	if err != nil {
		w.logger.Warn("Fallback resolution failed", "domain", domain, "error", err)
		return nil
	}
	if w.metrics != nil && w.metrics.FallbackQueries != nil {
		w.metrics.FallbackQueries.Add(ctx, 1)
	}
	w.logger.Debug("Answered by fallback server", "domain", domain)
	return reply
}

func (w *Worker) forward(ctx context.Context, upstreams []string, raw []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*w.timeout)
	defer cancel()
	return w.forwarder.ForwardRaw(ctx, upstreams, raw)
}

// Run serves packets from queue until ctx is done, writing replies to conn,
// and keeps the session alive in between.
func (w *Worker) Run(ctx context.Context, queue <-chan packet, conn net.PacketConn) error {
	if err := w.Connect(ctx); err != nil {
		return err
	}
	defer w.transport.Close()

	ticker := time.NewTicker(w.keepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case p, ok := <-queue:
			if !ok {
				return nil
			}
			reply := w.Handle(ctx, p.buf)
			if reply == nil {
				continue
			}
			if _, err := conn.WriteTo(reply, p.addr); err != nil {
				w.logger.Warn("Failed to send reply", "client", p.addr.String(), "error", err)
			}

		case <-ticker.C:
			if w.transport.State() == doh.StateOpen {
				if !w.transport.Keepalive() {
					w.logger.Info("Keepalive failed, session closed")
				}
				continue
			}
			if err := w.Connect(ctx); err != nil {
				w.logger.Error("Cannot open encrypted session", "error", err)
			}
		}
	}
}
