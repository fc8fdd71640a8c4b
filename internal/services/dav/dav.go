// Package dav mounts the CalDAV/CardDAV server at /remote.php/dav.
package dav

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MahdiBaghbani/davshare-go/internal/components/dav/handler"
	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/httpwrap"
	"github.com/MahdiBaghbani/davshare-go/internal/interceptors"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/deps"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

// Prefix is the mount point without the leading slash.
const Prefix = "remote.php/dav"

func init() {
	service.MustRegister("dav", New)
}

// Config holds dav service configuration.
type Config struct {
	Ratelimit struct {
		Profile string `mapstructure:"profile"`
	} `mapstructure:"ratelimit"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {}

type svc struct {
	handler http.Handler
}

// New creates the dav service. Implements service.NewService.
func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	log = logutil.NoopIfNil(log)

	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("unused config keys", "service", "dav", "unused_keys", unused)
	}

	d := deps.GetDeps()
	if d == nil {
		return nil, errors.New("shared deps not initialized: call deps.SetDeps() before New()")
	}
	if d.Calendars == nil || d.AddressBooks == nil || d.Principals == nil || d.AppConfig == nil {
		return nil, errors.New("dav: backends not initialized")
	}

	hd := handler.Deps{
		Prefix:       "/" + Prefix,
		Principals:   d.Principals,
		ACL:          d.ACL,
		Calendars:    d.Calendars,
		AddressBooks: d.AddressBooks,
		CalObjects:   d.CalObjects,
		BookObjects:  d.BookObjects,
		Config:       d.AppConfig,
		Logger:       log,
	}
	// A nil *ratelimit.Plugin must not end up in the interface.
	if d.CreationLimits != nil {
		hd.Guard = d.CreationLimits
	}

	var h http.Handler = handler.New(hd)
	if p := c.Ratelimit.Profile; p != "" {
		profileConfig, err := interceptors.GetProfileConfig(d.Config.HTTP.Interceptors, "ratelimit", p)
		if err != nil {
			return nil, fmt.Errorf("dav: %w", err)
		}
		newInterceptor, ok := interceptors.Get("ratelimit")
		if !ok {
			return nil, errors.New("dav: ratelimit interceptor not registered")
		}
		mw, err := newInterceptor(profileConfig, log)
		if err != nil {
			return nil, fmt.Errorf("dav: failed to create ratelimit interceptor: %w", err)
		}
		h = mw(h)
	}

	return &svc{handler: h}, nil
}

// Handler implements service.Service.
func (s *svc) Handler() http.Handler { return httpwrap.ClearRawPath(s.handler) }

// Prefix implements service.Service.
func (s *svc) Prefix() string { return Prefix }

// Unprotected implements service.Service. OPTIONS is exempted by the gate.
func (s *svc) Unprotected() []string { return nil }

// Close implements service.Service.
func (s *svc) Close() error { return nil }
