// Package wellknown serves the RFC 6764 service discovery redirects.
package wellknown

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/httpwrap"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/deps"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

func init() {
	service.MustRegister("wellknown", New)
}

// Config holds wellknown service configuration.
type Config struct {
	// DAVRoot is where /.well-known/caldav and /.well-known/carddav point.
	// Default: /remote.php/dav/
	DAVRoot string `mapstructure:"dav_root"`

	// Status is the redirect status code. Default: 301.
	Status int `mapstructure:"status"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	if c.DAVRoot == "" {
		c.DAVRoot = "/remote.php/dav/"
	}
	if c.Status == 0 {
		c.Status = http.StatusMovedPermanently
	}
}

type svc struct {
	router chi.Router
	conf   *Config
}

// New creates the wellknown service. Implements service.NewService.
func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	log = logutil.NoopIfNil(log)

	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("unused config keys", "service", "wellknown", "unused_keys", unused)
	}
	if c.Status < 300 || c.Status > 399 {
		return nil, fmt.Errorf("wellknown: status %d is not a redirect", c.Status)
	}
	if !strings.HasPrefix(c.DAVRoot, "/") && !strings.HasPrefix(c.DAVRoot, "http") {
		return nil, fmt.Errorf("wellknown: dav_root %q must be absolute", c.DAVRoot)
	}

	if deps.GetDeps() == nil {
		return nil, errors.New("shared deps not initialized: call deps.SetDeps() before New()")
	}

	s := &svc{router: chi.NewRouter(), conf: &c}
	redirect := s.redirect()
	for _, p := range []string{"/caldav", "/caldav/", "/carddav", "/carddav/"} {
		// Clients probe with PROPFIND as well as GET.
		s.router.HandleFunc(p, redirect)
	}
	return s, nil
}

func (s *svc) redirect() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, s.conf.DAVRoot, s.conf.Status)
	}
}

// Close implements service.Service.
func (s *svc) Close() error { return nil }

// Prefix implements service.Service.
func (s *svc) Prefix() string { return ".well-known" }

// Unprotected implements service.Service.
func (s *svc) Unprotected() []string {
	return []string{"/caldav", "/carddav"}
}

// Handler implements service.Service.
func (s *svc) Handler() http.Handler { return httpwrap.ClearRawPath(s.router) }
