// Package api provides the /api/* endpoints.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/MahdiBaghbani/davshare-go/internal/components/api"
	"github.com/MahdiBaghbani/davshare-go/internal/components/principals"
	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service"
	svccfg "github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/httpwrap"
	"github.com/MahdiBaghbani/davshare-go/internal/interceptors"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/deps"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/auth"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

func init() {
	service.MustRegister("api", New)
}

// Config holds api service configuration.
type Config struct {
	// Ratelimit holds rate limiting configuration for this service.
	Ratelimit RatelimitConfig `mapstructure:"ratelimit"`
}

// RatelimitConfig holds the per-service rate limiting opt-in.
type RatelimitConfig struct {
	// Profile names a [http.interceptors.ratelimit.profiles.<name>] table.
	Profile string `mapstructure:"profile"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {}

// Service is the API service.
type Service struct {
	router chi.Router
	conf   *Config
	log    *slog.Logger
}

// MeResponse is the body of GET /api/me.
type MeResponse struct {
	Username    string   `json:"username"`
	DisplayName string   `json:"display_name,omitempty"`
	Email       string   `json:"email,omitempty"`
	Role        string   `json:"role"`
	Principal   string   `json:"principal"`
	Groups      []string `json:"groups"`
}

// New creates a new API service.
func New(m map[string]any, log *slog.Logger) (service.Service, error) {
	log = logutil.NoopIfNil(log)

	var c Config
	unused, err := svccfg.DecodeWithUnused(m, &c)
	if err != nil {
		return nil, err
	}
	if len(unused) > 0 {
		log.Warn("unused config keys", "service", "api", "unused_keys", unused)
	}

	d := deps.GetDeps()
	if d == nil {
		return nil, errors.New("shared deps not initialized")
	}

	var limit func(http.Handler) http.Handler
	if c.Ratelimit.Profile != "" {
		limit, err = newRatelimit(d, c.Ratelimit.Profile, log)
		if err != nil {
			return nil, fmt.Errorf("api: %w", err)
		}
	}

	adminDeps := api.AdminDeps{
		Users:        d.Users,
		Groups:       d.Groups,
		UserAuth:     d.UserAuth,
		Calendars:    d.Calendars,
		AddressBooks: d.AddressBooks,
		Config:       d.AppConfig,
		Log:          log,
	}
	if d.CreationLimits != nil {
		adminDeps.CreationLimits = d.CreationLimits
	}
	admin := api.NewAdmin(adminDeps)

	r := chi.NewRouter()
	if limit != nil {
		r.Use(limit)
	}

	r.Get("/healthz", api.Health(pinger(d)))
	r.Get("/me", me(d))
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAdmin)
		admin.Routes(r)
	})

	return &Service{router: r, conf: &c, log: log}, nil
}

func newRatelimit(d *deps.Deps, profile string, log *slog.Logger) (func(http.Handler) http.Handler, error) {
	profileConfig, err := interceptors.GetProfileConfig(d.Config.HTTP.Interceptors, "ratelimit", profile)
	if err != nil {
		return nil, err
	}
	newInterceptor, ok := interceptors.Get("ratelimit")
	if !ok {
		return nil, errors.New("ratelimit interceptor not registered")
	}
	mw, err := newInterceptor(profileConfig, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create ratelimit interceptor: %w", err)
	}
	return mw, nil
}

// pinger checks the database, or nil when there is none.
func pinger(d *deps.Deps) func(context.Context) error {
	if d.DB == nil {
		return nil
	}
	return func(ctx context.Context) error {
		sqlDB, err := d.DB.DB()
		if err != nil {
			return err
		}
		return sqlDB.PingContext(ctx)
	}
}

func me(d *deps.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u := auth.UserFromContext(r.Context())
		if u == nil {
			api.WriteUnauthorized(w, api.ReasonUnauthenticated, "authentication required")
			return
		}
		resp := MeResponse{
			Username:    u.Username,
			DisplayName: u.DisplayName,
			Email:       u.Email,
			Role:        u.Role,
			Principal:   principals.User(u.Username),
			Groups:      []string{},
		}
		if d.Principals != nil {
			groups, err := d.Principals.GetGroupMembership(r.Context(), resp.Principal)
			if err != nil {
				api.WriteInternalError(w, "failed to load groups")
				return
			}
			resp.Groups = append(resp.Groups, groups...)
		}
		api.WriteJSON(w, http.StatusOK, resp)
	}
}

// Handler returns the service's HTTP handler with RawPath clearing.
func (s *Service) Handler() http.Handler {
	return httpwrap.ClearRawPath(s.router)
}

// Prefix returns the URL prefix for this service.
func (s *Service) Prefix() string {
	return "api"
}

// Unprotected returns paths that don't require authentication.
func (s *Service) Unprotected() []string {
	return []string{"/healthz"}
}

// Close releases any resources held by the service.
func (s *Service) Close() error {
	return nil
}
