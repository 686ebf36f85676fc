package config

import (
	"errors"
	"fmt"
	"net"
)

// ForwardingRule sends matching domains to plaintext resolvers instead of the
// encrypted upstream. Typical use is a LAN domain served by the local router.
type ForwardingRule struct {
	Name      string   `yaml:"name"`
	Domains   []string `yaml:"domains"`
	Upstreams []string `yaml:"upstreams"`
}

var (
	ErrInvalidName          = errors.New("forwarder name cannot be empty")
	ErrNoUpstreams          = errors.New("forwarder needs at least one upstream")
	ErrInvalidUpstream      = errors.New("forwarder upstream must be an IP or host:port")
	ErrNoMatchingConditions = errors.New("forwarder needs at least one domain")
)

// Validate reports the first problem found in r. Every returned error wraps
// one of the Err* values above.
func (r *ForwardingRule) Validate() error {
	if r.Name == "" {
		return &ConfigError{Field: "forwarders.name", Message: "missing", Err: ErrInvalidName}
	}
	field := fmt.Sprintf("forwarders[%s]", r.Name)

	if len(r.Upstreams) == 0 {
		return &ConfigError{Field: field + ".upstreams", Message: "empty", Err: ErrNoUpstreams}
	}
	for _, addr := range r.Upstreams {
		if !validUpstream(addr) {
			return &ConfigError{Field: field + ".upstreams", Message: fmt.Sprintf("%q", addr), Err: ErrInvalidUpstream}
		}
	}

	for _, d := range r.Domains {
		if d == "" {
			return &ConfigError{Field: field + ".domains", Message: "blank entry", Err: ErrNoMatchingConditions}
		}
	}
	if len(r.Domains) == 0 {
		return &ConfigError{Field: field + ".domains", Message: "empty", Err: ErrNoMatchingConditions}
	}
	return nil
}

// validUpstream accepts a bare IP (port 53 is implied) or host:port.
func validUpstream(addr string) bool {
	if net.ParseIP(addr) != nil {
		return true
	}
	host, port, err := net.SplitHostPort(addr)
	return err == nil && host != "" && port != ""
}

// ConfigError names the offending config field.
type ConfigError struct {
	Err     error
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("config: %s: %s: %v", e.Field, e.Message, e.Err)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

func (e *ConfigError) Unwrap() error { return e.Err }
