// internal/server/https.go
package server

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"strings"

	"golang.org/x/crypto/acme/autocert"
)

// HTTPSConfig configures TLS via Let's Encrypt.
type HTTPSConfig struct {
	Domain   string // Public domain the certificate is issued for
	CertDir  string // Certificate cache directory
	HTTPAddr string // ACME challenges and redirect to HTTPS
}

// ValidateDomain rejects names Let's Encrypt will not issue for:
// localhost, IP literals and malformed names.
func ValidateDomain(domain string) error {
	switch {
	case domain == "":
		return fmt.Errorf("domain required for HTTPS")
	case strings.EqualFold(domain, "localhost"):
		return fmt.Errorf("Let's Encrypt requires a public domain, not localhost. Use a reverse proxy for local HTTPS")
	case net.ParseIP(strings.Trim(domain, "[]")) != nil:
		return fmt.Errorf("Let's Encrypt requires a domain name, not an IP address")
	}

	for _, label := range strings.Split(domain, ".") {
		if label == "" || strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("invalid domain format: %s", domain)
		}
	}
	return nil
}

// NewAutocertManager issues certificates for domain only and caches them
// in certDir.
func NewAutocertManager(domain, certDir string) *autocert.Manager {
	return &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domain),
		Cache:      autocert.DirCache(certDir),
	}
}

func NewTLSConfig(manager *autocert.Manager) *tls.Config {
	return &tls.Config{
		GetCertificate: manager.GetCertificate,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
	}
}

// HTTPRedirectHandler redirects plain HTTP requests to HTTPS on domain.
// Wrap it with autocert.Manager.HTTPHandler so ACME challenges still
// reach the manager.
func HTTPRedirectHandler(domain string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "https://"+domain+r.URL.RequestURI(), http.StatusMovedPermanently)
	})
}
