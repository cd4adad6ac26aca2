package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loykin/enginevisor/internal/config"
)

const (
	caFile   = "ca.crt"
	certFile = "tls.crt"
	keyFile  = "tls.key"
)

func parseVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func versions(cfg config.ServerConfig) (lo, hi uint16, err error) {
	lo, hi = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseVersion(cfg.TLSMinVersion); ok {
		lo = v
	} else if cfg.TLSMinVersion != "" && cfg.TLSMinVersion != "default" {
		return 0, 0, fmt.Errorf("unknown tls_min_version %q", cfg.TLSMinVersion)
	}
	if v, ok := parseVersion(cfg.TLSMaxVersion); ok {
		hi = v
	} else if cfg.TLSMaxVersion != "" && cfg.TLSMaxVersion != "default" {
		return 0, 0, fmt.Errorf("unknown tls_max_version %q", cfg.TLSMaxVersion)
	}
	if lo > hi {
		return 0, 0, errors.New("tls_min_version is above tls_max_version")
	}
	return lo, hi, nil
}

// Setup returns the TLS configuration for the API server, or nil when TLS
// is disabled. Explicit cert and key files win over a certificate directory;
// a directory with auto_generate gets a self-signed pair on first use.
func Setup(server config.ServerConfig) (*tls.Config, error) {
	t := server.TLS
	if t == nil || !t.Enabled {
		return nil, nil
	}
	lo, hi, err := versions(server)
	if err != nil {
		return nil, err
	}
	switch {
	case t.CertFile != "" && t.KeyFile != "":
		return newConfig(t.CertFile, t.KeyFile, lo, hi)
	case t.Dir != "":
		cert, key := filepath.Join(t.Dir, certFile), filepath.Join(t.Dir, keyFile)
		if t.AutoGenerate && !exists(cert, key) {
			if err := generate(t, t.Dir); err != nil {
				return nil, fmt.Errorf("generate certificate: %w", err)
			}
		}
		return newConfig(cert, key, lo, hi)
	default:
		return nil, errors.New("tls enabled but neither cert_file/key_file nor dir is set")
	}
}

// newConfig loads the pair once to fail fast, then reloads it per handshake
// so rotated certificates are picked up without a restart.
func newConfig(cert, key string, lo, hi uint16) (*tls.Config, error) {
	if _, err := tls.LoadX509KeyPair(cert, key); err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			c, err := tls.LoadX509KeyPair(cert, key)
			if err != nil {
				return nil, err
			}
			return &c, nil
		},
		MinVersion: lo,
		MaxVersion: hi,
	}, nil
}

func exists(paths ...string) bool {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			return false
		}
	}
	return true
}

func generate(t *config.TLSConfig, dir string) error {
	ag := config.AutoGenTLS{}
	if t.AutoGen != nil {
		ag = *t.AutoGen
	}
	days := ag.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSigned(CertConfig{
		CommonName:   or(ag.CommonName, "localhost"),
		Organization: or(ag.Organization, "enginevisor"),
		DNSNames:     orSlice(ag.DNSNames, []string{"localhost"}),
		IPAddresses:  orSlice(ag.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(dir, certFile),
		KeyPath:      filepath.Join(dir, keyFile),
		CACertPath:   filepath.Join(dir, caFile),
	})
}

func or(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func orSlice(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}
