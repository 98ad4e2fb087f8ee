package session

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"strings"
)

var (
	ErrInvalidSecurityMode     = errors.New("session: invalid security mode")
	ErrTLSRequired             = errors.New("session: tls required")
	ErrTLSCAFileRequired       = errors.New("session: tls ca file required")
	ErrTLSKeyPairIncomplete    = errors.New("session: tls cert and key files must be set together")
	ErrTLSInsecureSkipNotAllow = errors.New("session: insecure skip verify not allowed")
)

// SecurityMode gates how strict hub transport checks are.
type SecurityMode string

const (
	SecurityModeDevelopment SecurityMode = "development"
	SecurityModeProduction  SecurityMode = "production"
)

// TLSConfig describes client-side TLS toward the hub.
type TLSConfig struct {
	Enabled            bool
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

func NormalizeSecurityMode(mode SecurityMode) SecurityMode {
	if strings.TrimSpace(string(mode)) == "" {
		return SecurityModeDevelopment
	}
	return SecurityMode(strings.ToLower(strings.TrimSpace(string(mode))))
}

// ValidateClientTransport checks TLS settings against the security mode.
// Production requires verified TLS.
func (c Config) ValidateClientTransport() error {
	mode := NormalizeSecurityMode(c.SecurityMode)
	switch mode {
	case SecurityModeDevelopment, SecurityModeProduction:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidSecurityMode, c.SecurityMode)
	}

	if mode == SecurityModeProduction {
		if !c.TLS.Enabled {
			return ErrTLSRequired
		}
		if c.TLS.InsecureSkipVerify {
			return ErrTLSInsecureSkipNotAllow
		}
	}
	if !c.TLS.Enabled {
		return nil
	}
	if strings.TrimSpace(c.TLS.CAFile) == "" && !c.TLS.InsecureSkipVerify {
		return ErrTLSCAFileRequired
	}
	if (strings.TrimSpace(c.TLS.CertFile) == "") != (strings.TrimSpace(c.TLS.KeyFile) == "") {
		return ErrTLSKeyPairIncomplete
	}
	return nil
}

// ClientTLS builds the crypto/tls client config, or nil when TLS is off.
func (c Config) ClientTLS() (*tls.Config, error) {
	if err := c.ValidateClientTransport(); err != nil {
		return nil, err
	}
	if !c.TLS.Enabled {
		return nil, nil
	}
	out := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         strings.TrimSpace(c.TLS.ServerName),
		InsecureSkipVerify: c.TLS.InsecureSkipVerify,
	}
	if caFile := strings.TrimSpace(c.TLS.CAFile); caFile != "" {
		pem, err := os.ReadFile(caFile)
		if err != nil {
			return nil, fmt.Errorf("session: read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("session: no certificates in %s", caFile)
		}
		out.RootCAs = pool
	}
	if certFile := strings.TrimSpace(c.TLS.CertFile); certFile != "" {
		pair, err := tls.LoadX509KeyPair(certFile, strings.TrimSpace(c.TLS.KeyFile))
		if err != nil {
			return nil, fmt.Errorf("session: load client key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}
	return out, nil
}
