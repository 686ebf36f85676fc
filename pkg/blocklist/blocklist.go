// Package blocklist loads labelled domain blocklists and answers which list,
// if any, blocks a query name.
package blocklist

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"doh-gateway/pkg/logging"

	"github.com/miekg/dns"
)

// List is one parsed blocklist source. The validators let the next fetch
// skip the download when the server reports no change.
type List struct {
	Names        map[string]struct{}
	ETag         string
	LastModified string
	Fetched      time.Time
}

// Fetcher reads blocklists from http(s) URLs, file:// URLs or local paths.
type Fetcher struct {
	client *http.Client
	logger *logging.Logger
}

// NewFetcher wraps client, which should resolve names through the bootstrap
// resolver. A nil client uses the system resolver.
func NewFetcher(logger *logging.Logger, client *http.Client) *Fetcher {
	if client == nil {
		logger.Warn("Blocklists will resolve through the system resolver")
		client = &http.Client{Timeout: time.Minute}
	}
	return &Fetcher{client: client, logger: logger}
}

// Fetch loads source. When prev carries validators and an http server answers
// 304, prev is returned unchanged.
func (f *Fetcher) Fetch(ctx context.Context, source string, prev *List) (*List, error) {
	begin := time.Now()
	if !isRemote(source) {
		fh, err := os.Open(strings.TrimPrefix(source, "file://"))
		if err != nil {
			return nil, err
		}
		defer func() { _ = fh.Close() }()
		return f.read(fh, source, begin, &List{})
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, source, nil)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		if prev.ETag != "" {
			req.Header.Set("If-None-Match", prev.ETag)
		}
		if prev.LastModified != "" {
			req.Header.Set("If-Modified-Since", prev.LastModified)
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotModified && prev != nil:
		f.logger.Debug("Blocklist unchanged", "source", source)
		return prev, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%s: HTTP %d", source, resp.StatusCode)
	}
	return f.read(resp.Body, source, begin, &List{
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
	})
}

func (f *Fetcher) read(r io.Reader, source string, begin time.Time, l *List) (*List, error) {
	names, lines, err := Parse(r)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	l.Names = names
	l.Fetched = time.Now()
	f.logger.Info("Blocklist loaded", "source", source, "lines", lines, "domains", len(names), "took", time.Since(begin))
	return l, nil
}

func isRemote(source string) bool {
	return strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://")
}

// Parse reads hosts files ("0.0.0.0 name"), adblock rules ("||name^") and
// plain one-name-per-line lists. Names are stored lower case without the
// trailing dot. It returns the names and the number of lines read.
func Parse(r io.Reader) (map[string]struct{}, int, error) {
	names := make(map[string]struct{})
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	lines := 0
	for sc.Scan() {
		lines++
		if name := entryName(sc.Text()); name != "" {
			names[name] = struct{}{}
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, lines, err
	}
	return names, lines, nil
}

// reserved names appear in every hosts file and are never blocked.
var reserved = map[string]bool{
	"localhost":             true,
	"localhost.localdomain": true,
	"local":                 true,
	"broadcasthost":         true,
	"0.0.0.0":               true,
}

// entryName returns the blocked name on line, or "" for comments, headers and
// anything that is not a valid domain name.
func entryName(line string) string {
	line = strings.TrimSpace(line)
	if line == "" || line[0] == '#' || line[0] == '!' {
		return ""
	}
	if cut, _, found := strings.Cut(line, "#"); found {
		line = cut
	}

	var name string
	if rest, ok := strings.CutPrefix(line, "||"); ok {
		end := strings.IndexByte(rest, '^')
		if end < 0 {
			return ""
		}
		name = rest[:end]
	} else {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 1:
			name = fields[0]
		case len(fields) >= 2 && strings.ContainsAny(fields[0], ".:"):
			name = fields[1]
		default:
			return ""
		}
	}

	name = strings.TrimSuffix(strings.ToLower(name), ".")
	if name == "" || reserved[name] {
		return ""
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return ""
	}
	return name
}
