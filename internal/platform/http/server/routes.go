package server

import (
	"net/http"
	"sort"
	"strings"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/davshare-go/internal/frameworks/service"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/deps"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/auth"
	httpmw "github.com/MahdiBaghbani/davshare-go/internal/platform/http/middleware"
)

// RouteGroup defines an endpoint group with its auth requirements.
type RouteGroup struct {
	Name         string
	PathPrefix   string
	RequiresAuth bool
}

// routeGroups is the single source of truth for gating decisions.
// Services can exempt sub-paths via Service.Unprotected().
var routeGroups = []RouteGroup{
	{Name: "well-known", PathPrefix: "/.well-known", RequiresAuth: false},
	{Name: "api", PathPrefix: "/api", RequiresAuth: true},
	{Name: "dav", PathPrefix: "/remote.php/dav", RequiresAuth: true},
}

// GetRouteGroups returns the route group definitions for testing.
func GetRouteGroups() []RouteGroup {
	return routeGroups
}

// IsAuthRequired reports whether path needs credentials. Unknown paths do.
func IsAuthRequired(path string, mountedServices []service.Service) bool {
	for _, svc := range mountedServices {
		if svc == nil {
			continue
		}
		base := ""
		if p := svc.Prefix(); p != "" {
			base = "/" + p
		}
		for _, unprotected := range svc.Unprotected() {
			if pathMatchesPrefix(path, base+unprotected) {
				return false
			}
		}
	}

	for _, rg := range routeGroups {
		if pathMatchesPrefix(path, rg.PathPrefix) {
			return rg.RequiresAuth
		}
	}
	return true
}

// pathMatchesPrefix checks if path equals or is a subpath of prefix.
func pathMatchesPrefix(path, prefix string) bool {
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix) && (strings.HasSuffix(prefix, "/") || path[len(prefix)] == '/')
}

// mountOrder lists core services first, then any others by name.
func mountOrder(services map[string]service.Service) []string {
	names := make([]string, 0, len(services))
	seen := make(map[string]bool)
	for _, name := range service.CoreServices {
		if _, ok := services[name]; ok {
			names = append(names, name)
			seen[name] = true
		}
	}
	var rest []string
	for name := range services {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}

func (s *Server) mountService(r chi.Router, svc service.Service) {
	if svc == nil {
		return
	}
	if prefix := svc.Prefix(); prefix != "" {
		r.Mount("/"+prefix, svc.Handler())
	} else {
		r.Mount("/", svc.Handler())
	}
	s.mountedServices = append(s.mountedServices, svc)
}

// setupRoutes creates the chi router with all services mounted.
func (s *Server) setupRoutes() chi.Router {
	d := deps.GetDeps()
	r := chi.NewRouter()

	// RequestID -> request-scoped logger -> access log -> recoverer -> auth gate
	r.Use(chimw.RequestID)
	r.Use(httpmw.RequestLogger(s.logger, d.RealIP))
	r.Use(httpmw.AccessLog(s.logger, d.RealIP))
	r.Use(chimw.Recoverer)

	// The closure reads mountedServices at request time.
	r.Use(auth.NewGate(auth.GateConfig{
		RequireAuth: func(r *http.Request) bool {
			return IsAuthRequired(r.URL.Path, s.mountedServices)
		},
		Users:    d.Users,
		UserAuth: d.UserAuth,
		Throttle: d.LoginThrottle,
		RealIP:   d.RealIP,
		Log:      s.logger,
	}))

	for _, name := range mountOrder(s.services) {
		s.mountService(r, s.services[name])
	}

	return r
}
