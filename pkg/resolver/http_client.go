package resolver

import (
	"net/http"
	"time"
)

// NewHTTPClient returns a client whose connections resolve through r.
// Blocklist downloads use it.
func (r *Resolver) NewHTTPClient(timeout time.Duration) *http.Client {
	if len(r.servers) == 0 {
		return &http.Client{Timeout: timeout}
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DialContext:         r.DialContext,
			ForceAttemptHTTP2:   true,
			MaxIdleConns:        4,
			IdleConnTimeout:     time.Minute,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}
