package blocklist

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"doh-gateway/pkg/config"
	"doh-gateway/pkg/logging"
	"doh-gateway/pkg/telemetry"
)

// index is an immutable merged view of every source. Each name maps to the
// position of the first source listing it.
type index struct {
	names   map[string]int
	labels  []string
	updated time.Time
}

// Manager holds the merged blocklist and refreshes it on a schedule.
type Manager struct {
	cfg     atomic.Pointer[config.FilterConfig]
	fetcher *Fetcher
	logger  *logging.Logger
	metrics *telemetry.Metrics
	view    atomic.Pointer[index]

	// last good List per source URL, reused on 304 or failure
	mu    sync.Mutex
	lists map[string]*List

	stop    chan struct{}
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewManager creates a blocklist manager. httpClient should dial through the
// bootstrap resolver from pkg/resolver.
func NewManager(cfg *config.FilterConfig, logger *logging.Logger, metrics *telemetry.Metrics, httpClient *http.Client) *Manager {
	m := &Manager{
		fetcher: NewFetcher(logger, httpClient),
		logger:  logger,
		metrics: metrics,
		lists:   make(map[string]*List),
	}
	m.cfg.Store(cfg)
	m.view.Store(&index{names: map[string]int{}})
	return m
}

// Start loads every source once and, with auto_update, keeps refreshing
// until Stop or ctx is done. A failed first load is retried on the next tick.
func (m *Manager) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return nil
	}
	m.stop = make(chan struct{})

	cfg := m.cfg.Load()
	if err := m.Update(ctx); err != nil {
		m.logger.Error("Initial blocklist load failed", "error", err)
	}
	if cfg.AutoUpdate && cfg.UpdateInterval > 0 {
		m.wg.Add(1)
		go m.refresh(ctx, cfg.UpdateInterval)
	}
	m.logger.Info("Blocklists active", "sources", len(cfg.Blocklists), "domains", m.Size(),
		"auto_update", cfg.AutoUpdate, "interval", cfg.UpdateInterval)
	return nil
}

// Stop ends the refresh loop. It is safe to call more than once.
func (m *Manager) Stop() {
	if !m.running.CompareAndSwap(true, false) {
		return
	}
	close(m.stop)
	m.wg.Wait()
}

// UpdateConfig swaps the source list used by the next Update.
func (m *Manager) UpdateConfig(cfg *config.FilterConfig) {
	m.cfg.Store(cfg)
}

// Reconfigure applies cfg now. With filtering off the refresh loop stops and
// the loaded lists stay unused. Otherwise the sources are fetched before it
// returns and the refresh loop restarts with the new interval.
func (m *Manager) Reconfigure(ctx context.Context, cfg *config.FilterConfig) {
	m.Stop()
	m.UpdateConfig(cfg)
	if cfg.NoFilter {
		return
	}
	_ = m.Start(ctx)
}

// Running reports whether Start has been called without a matching Stop.
func (m *Manager) Running() bool {
	return m.running.Load()
}

// Update fetches every source and publishes the merged view. A source that
// cannot be fetched keeps its previous contents, if any.
func (m *Manager) Update(ctx context.Context) error {
	sources := m.cfg.Load().Blocklists
	begin := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	next := &index{names: make(map[string]int), labels: make([]string, len(sources))}
	keep := make(map[string]*List, len(sources))
	for i, src := range sources {
		next.labels[i] = src.Label
		if next.labels[i] == "" {
			next.labels[i] = src.URL
		}

		list, err := m.fetcher.Fetch(ctx, src.URL, m.lists[src.URL])
		if err != nil {
			list = m.lists[src.URL]
			m.logger.Error("Blocklist fetch failed", "label", next.labels[i], "source", src.URL,
				"kept_previous", list != nil, "error", err)
			if list == nil {
				continue
			}
		}
		keep[src.URL] = list
		for name := range list.Names {
			if _, dup := next.names[name]; !dup {
				next.names[name] = i
			}
		}
	}
	next.updated = time.Now()

	before := m.Size()
	m.lists = keep
	m.view.Store(next)
	if m.metrics != nil && m.metrics.BlocklistSize != nil {
		m.metrics.BlocklistSize.Add(ctx, int64(len(next.names)-before))
	}

	m.logger.Info("Blocklists merged", "sources", len(sources), "domains", len(next.names),
		"delta", len(next.names)-before, "took", time.Since(begin))
	return nil
}

// Match returns the label of the first source that lists domain or one of its
// parent domains.
func (m *Manager) Match(domain string) (string, bool) {
	v := m.view.Load()
	if domain == "" || len(v.names) == 0 {
		return "", false
	}
	for name := domain; ; {
		if i, ok := v.names[name]; ok {
			return v.labels[i], true
		}
		_, parent, more := strings.Cut(name, ".")
		if !more {
			return "", false
		}
		name = parent
	}
}

// Size returns the number of listed names.
func (m *Manager) Size() int {
	return len(m.view.Load().names)
}

// LastUpdated returns the time of the most recent Update.
func (m *Manager) LastUpdated() time.Time {
	return m.view.Load().updated
}

func (m *Manager) refresh(ctx context.Context, every time.Duration) {
	defer m.wg.Done()
	t := time.NewTicker(every)
	defer t.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ctx.Done():
			return
		case <-t.C:
			uctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
			if err := m.Update(uctx); err != nil {
				m.logger.Error("Scheduled blocklist update failed", "error", err)
			}
			cancel()
		}
	}
}
