// Package tls builds the server TLS configuration for each tls.mode.
package tls

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/config"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

var (
	ErrInvalidTLSMode = errors.New("invalid TLS mode")
	ErrMissingCert    = errors.New("missing certificate or key file")
)

// Manager loads, generates or obtains the server certificate.
type Manager struct {
	cfg  *config.TLSConfig
	log  *slog.Logger
	acme *ACMEManager
}

// NewManager creates a Manager for cfg.
func NewManager(cfg *config.TLSConfig, log *slog.Logger) *Manager {
	return &Manager{cfg: cfg, log: logutil.NoopIfNil(log)}
}

// ServerConfig returns the listener TLS config, or nil when TLS is off.
// In acme mode it blocks until a certificate is loaded or obtained, so the
// challenge handler must already be served.
func (m *Manager) ServerConfig(ctx context.Context, hostname string) (*cryptotls.Config, error) {
	switch m.cfg.Mode {
	case "off":
		return nil, nil
	case "static":
		return m.static()
	case "selfsigned":
		return m.selfSigned(hostname)
	case "acme":
		if err := m.ACME().Init(ctx); err != nil {
			return nil, err
		}
		return m.acme.TLSConfig(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrInvalidTLSMode, m.cfg.Mode)
	}
}

// ACME returns the ACME manager, creating it on first use. Trust roots for
// the directory come from tls.acme.root_ca_file and root_ca_dir; a broken
// bundle is logged and the system pool is used.
func (m *Manager) ACME() *ACMEManager {
	if m.acme == nil {
		roots, err := LoadRootCAs(m.cfg.ACME.RootCAFile, m.cfg.ACME.RootCADir)
		if err != nil {
			m.log.Warn("ignoring ACME root CAs", "error", err)
			roots = nil
		}
		m.acme = NewACMEManager(&m.cfg.ACME, m.log, roots)
	}
	return m.acme
}

// ChallengeHandler serves HTTP-01 tokens in acme mode and is nil otherwise.
func (m *Manager) ChallengeHandler() http.Handler {
	if m.cfg.Mode != "acme" {
		return nil
	}
	return m.ACME().ChallengeHandler()
}

func serverConfig(cert cryptotls.Certificate) *cryptotls.Config {
	return &cryptotls.Config{
		Certificates: []cryptotls.Certificate{cert},
		MinVersion:   cryptotls.VersionTLS12,
	}
}

func (m *Manager) static() (*cryptotls.Config, error) {
	if m.cfg.CertFile == "" || m.cfg.KeyFile == "" {
		return nil, ErrMissingCert
	}
	cert, err := cryptotls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	m.log.Info("loaded static TLS certificate", "cert_file", m.cfg.CertFile)
	return serverConfig(cert), nil
}

// selfSigned reuses the certificate under self_signed_dir or writes a new
// one valid for hostname and loopback.
func (m *Manager) selfSigned(hostname string) (*cryptotls.Config, error) {
	certFile := filepath.Join(m.cfg.SelfSignedDir, "cert.pem")
	keyFile := filepath.Join(m.cfg.SelfSignedDir, "key.pem")

	if cert, err := cryptotls.LoadX509KeyPair(certFile, keyFile); err == nil {
		m.log.Info("loaded self-signed certificate", "cert_file", certFile)
		return serverConfig(cert), nil
	}

	certPEM, keyPEM, err := generateSelfSigned(hostname, time.Now())
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.cfg.SelfSignedDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create cert directory: %w", err)
	}
	if err := os.WriteFile(certFile, certPEM, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write certificate: %w", err)
	}
	if err := os.WriteFile(keyFile, keyPEM, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write key: %w", err)
	}

	cert, err := cryptotls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}
	m.log.Info("generated self-signed certificate", "hostname", hostname, "cert_file", certFile)
	return serverConfig(cert), nil
}

func generateSelfSigned(hostname string, now time.Time) (certPEM, keyPEM []byte, err error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate serial: %w", err)
	}

	tmpl := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"davshare"}, CommonName: hostname},
		NotBefore:             now,
		NotAfter:              now.AddDate(1, 0, 0),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		DNSNames:              []string{"localhost"},
		IPAddresses:           []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}
	if ip := net.ParseIP(hostname); ip != nil {
		tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
	} else if hostname != "" && hostname != "localhost" {
		tmpl.DNSNames = append(tmpl.DNSNames, hostname)
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}
