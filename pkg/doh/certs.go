package doh

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// ErrNoTrustAnchor is returned when neither the configured certificate file
// nor any of the system bundles exist. The gateway cannot verify its upstream
// without one and should exit.
var ErrNoTrustAnchor = errors.New("no trust anchor found")

// trustStorePaths are probed in order when no certificate file is configured.
var trustStorePaths = []string{
	"/etc/ssl/certs/ca-certificates.crt",
	"/etc/ssl/certs/ca-bundle.crt",
	"/etc/pki/tls/certs/ca-bundle.crt",
	"/etc/ssl/cert.pem",
}

// LocateTrustAnchor returns the path of the certificate bundle the gateway
// trusts: certFile when it exists, otherwise the first system bundle found.
func LocateTrustAnchor(certFile string) (string, error) {
	if certFile != "" {
		if fileExists(certFile) {
			return certFile, nil
		}
		return "", fmt.Errorf("%w: %s does not exist", ErrNoTrustAnchor, certFile)
	}
	for _, path := range trustStorePaths {
		if fileExists(path) {
			return path, nil
		}
	}
	return "", ErrNoTrustAnchor
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// NewTLSConfig builds the client configuration for an upstream named host.
// The chain is always verified against the bundle at anchorPath and the leaf
// must be valid for host. With sni disabled the ClientHello carries no server
// name, so verification runs in VerifyConnection instead of the handshake.
func NewTLSConfig(anchorPath, host string, sni bool) (*tls.Config, error) {
	pem, err := os.ReadFile(anchorPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust anchor: %w", err)
	}
	roots := x509.NewCertPool()
	if !roots.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: no certificates in %s", ErrNoTrustAnchor, anchorPath)
	}

	cfg := &tls.Config{
		RootCAs:    roots,
		MinVersion: tls.VersionTLS12,
		// The request framing is HTTP/1.1 only.
		NextProtos: []string{"http/1.1"},
	}
	if sni {
		cfg.ServerName = host
		return cfg, nil
	}

	cfg.InsecureSkipVerify = true // replaced by VerifyConnection below
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if len(cs.PeerCertificates) == 0 {
			return errors.New("upstream sent no certificate")
		}
		intermediates := x509.NewCertPool()
		for _, cert := range cs.PeerCertificates[1:] {
			intermediates.AddCert(cert)
		}
		_, err := cs.PeerCertificates[0].Verify(x509.VerifyOptions{
			DNSName:       host,
			Roots:         roots,
			Intermediates: intermediates,
		})
		return err
	}
	return cfg, nil
}
