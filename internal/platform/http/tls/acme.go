package tls

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	cryptotls "crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/go-acme/lego/v4/certificate"
	"github.com/go-acme/lego/v4/lego"
	"github.com/go-acme/lego/v4/registration"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/config"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

const (
	letsEncryptStaging    = "https://acme-staging-v02.api.letsencrypt.org/directory"
	letsEncryptProduction = "https://acme-v02.api.letsencrypt.org/directory"

	challengeTTL = 10 * time.Minute
	renewBefore  = 30 * 24 * time.Hour
)

// acmeAccount is the persisted lego registration.User.
type acmeAccount struct {
	Email        string                 `json:"email"`
	Registration *registration.Resource `json:"registration"`
	key          crypto.PrivateKey
}

func (a *acmeAccount) GetEmail() string                        { return a.Email }
func (a *acmeAccount) GetRegistration() *registration.Resource { return a.Registration }
func (a *acmeAccount) GetPrivateKey() crypto.PrivateKey        { return a.key }

type tokenEntry struct {
	keyAuth   string
	expiresAt time.Time
}

// HTTP01Provider keeps pending HTTP-01 tokens in memory. The server's
// plain HTTP listener answers them; lego never binds a port.
type HTTP01Provider struct {
	tokens sync.Map
	now    func() time.Time
}

func (p *HTTP01Provider) clock() time.Time {
	if p.now != nil {
		return p.now()
	}
	return time.Now()
}

// Present implements challenge.Provider.
func (p *HTTP01Provider) Present(domain, token, keyAuth string) error {
	p.tokens.Store(token, tokenEntry{keyAuth: keyAuth, expiresAt: p.clock().Add(challengeTTL)})
	return nil
}

// CleanUp implements challenge.Provider.
func (p *HTTP01Provider) CleanUp(domain, token, keyAuth string) error {
	p.tokens.Delete(token)
	return nil
}

func (p *HTTP01Provider) lookup(token string) (string, bool) {
	v, ok := p.tokens.Load(token)
	if !ok {
		return "", false
	}
	e := v.(tokenEntry)
	if p.clock().After(e.expiresAt) {
		p.tokens.Delete(token)
		return "", false
	}
	return e.keyAuth, true
}

// ACMEManager obtains and serves a certificate for tls.acme.domain.
type ACMEManager struct {
	cfg      *config.ACMEConfig
	log      *slog.Logger
	rootCAs  *x509.CertPool
	provider *HTTP01Provider

	mu   sync.RWMutex
	cert *cryptotls.Certificate
}

// NewACMEManager creates a manager. rootCAs nil means system roots.
func NewACMEManager(cfg *config.ACMEConfig, log *slog.Logger, rootCAs *x509.CertPool) *ACMEManager {
	return &ACMEManager{
		cfg:      cfg,
		log:      logutil.NoopIfNil(log),
		rootCAs:  rootCAs,
		provider: &HTTP01Provider{},
	}
}

// Init loads the stored certificate. When none is stored, or it expires
// within 30 days, a new one is obtained from the directory.
func (m *ACMEManager) Init(ctx context.Context) error {
	if m.cfg.Domain == "" {
		return errors.New("ACME domain is required")
	}
	if m.cfg.Email == "" {
		return errors.New("ACME email is required")
	}
	if err := os.MkdirAll(m.cfg.StorageDir, 0o700); err != nil {
		return fmt.Errorf("failed to create ACME storage dir: %w", err)
	}

	if cert, err := m.loadCertificate(); err == nil {
		m.setCertificate(cert)
		if cert.Leaf != nil && time.Until(cert.Leaf.NotAfter) > renewBefore {
			m.log.Info("loaded ACME certificate", "domain", m.cfg.Domain, "expires", cert.Leaf.NotAfter)
			return nil
		}
		m.log.Info("ACME certificate due for renewal", "domain", m.cfg.Domain)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return m.obtain()
}

func (m *ACMEManager) directory() string {
	switch {
	case m.cfg.Directory != "":
		return m.cfg.Directory
	case m.cfg.UseStaging:
		return letsEncryptStaging
	default:
		return letsEncryptProduction
	}
}

func (m *ACMEManager) obtain() error {
	account, err := m.loadAccount()
	if err != nil {
		return fmt.Errorf("failed to load ACME account: %w", err)
	}

	lc := lego.NewConfig(account)
	lc.CADirURL = m.directory()
	lc.Certificate.KeyType = certcrypto.EC256
	if m.rootCAs != nil {
		lc.HTTPClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig: &cryptotls.Config{RootCAs: m.rootCAs, MinVersion: cryptotls.VersionTLS12},
			},
		}
	}

	client, err := lego.NewClient(lc)
	if err != nil {
		return fmt.Errorf("failed to create ACME client: %w", err)
	}
	if err := client.Challenge.SetHTTP01Provider(m.provider); err != nil {
		return fmt.Errorf("failed to set HTTP-01 provider: %w", err)
	}

	if account.Registration == nil {
		reg, err := client.Registration.Register(registration.RegisterOptions{TermsOfServiceAgreed: true})
		if err != nil {
			return fmt.Errorf("failed to register ACME account: %w", err)
		}
		account.Registration = reg
		if err := m.saveAccount(account); err != nil {
			m.log.Warn("failed to save ACME account", "error", err)
		}
	}

	m.log.Info("requesting ACME certificate", "domain", m.cfg.Domain, "directory", lc.CADirURL)
	res, err := client.Certificate.Obtain(certificate.ObtainRequest{
		Domains: []string{m.cfg.Domain},
		Bundle:  true,
	})
	if err != nil {
		return fmt.Errorf("failed to obtain certificate: %w", err)
	}

	if err := os.WriteFile(m.path("cert.pem"), res.Certificate, 0o644); err != nil {
		return fmt.Errorf("failed to save certificate: %w", err)
	}
	if err := os.WriteFile(m.path("key.pem"), res.PrivateKey, 0o600); err != nil {
		return fmt.Errorf("failed to save key: %w", err)
	}

	cert, err := cryptotls.X509KeyPair(res.Certificate, res.PrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse certificate: %w", err)
	}
	m.setCertificate(&cert)
	m.log.Info("obtained ACME certificate", "domain", m.cfg.Domain)
	return nil
}

func (m *ACMEManager) path(name string) string {
	return filepath.Join(m.cfg.StorageDir, name)
}

func (m *ACMEManager) setCertificate(cert *cryptotls.Certificate) {
	m.mu.Lock()
	m.cert = cert
	m.mu.Unlock()
}

// GetCertificate is the tls.Config callback.
func (m *ACMEManager) GetCertificate(*cryptotls.ClientHelloInfo) (*cryptotls.Certificate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cert == nil {
		return nil, errors.New("no certificate available")
	}
	return m.cert, nil
}

// TLSConfig returns a config that serves the managed certificate.
func (m *ACMEManager) TLSConfig() *cryptotls.Config {
	return &cryptotls.Config{
		GetCertificate: m.GetCertificate,
		MinVersion:     cryptotls.VersionTLS12,
	}
}

// ChallengeHandler answers /.well-known/acme-challenge/{token}.
func (m *ACMEManager) ChallengeHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.URL.Path, "/.well-known/acme-challenge/")
		if !ok || token == "" {
			http.NotFound(w, r)
			return
		}
		keyAuth, ok := m.provider.lookup(token)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, keyAuth)
	})
}

func (m *ACMEManager) loadAccount() (*acmeAccount, error) {
	data, err := os.ReadFile(m.path("account.json"))
	if err == nil {
		if keyPEM, err := os.ReadFile(m.path("account.key")); err == nil {
			account := &acmeAccount{}
			if json.Unmarshal(data, account) == nil {
				if key, err := certcrypto.ParsePEMPrivateKey(keyPEM); err == nil {
					account.key = key
					return account, nil
				}
			}
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate account key: %w", err)
	}
	return &acmeAccount{Email: m.cfg.Email, key: key}, nil
}

func (m *ACMEManager) saveAccount(account *acmeAccount) error {
	data, err := json.MarshalIndent(account, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(m.path("account.json"), data, 0o600); err != nil {
		return err
	}
	return os.WriteFile(m.path("account.key"), certcrypto.PEMEncode(account.key), 0o600)
}

func (m *ACMEManager) loadCertificate() (*cryptotls.Certificate, error) {
	cert, err := cryptotls.LoadX509KeyPair(m.path("cert.pem"), m.path("key.pem"))
	if err != nil {
		return nil, err
	}
	return &cert, nil
}
