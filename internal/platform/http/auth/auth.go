// Package auth authenticates requests with HTTP Basic credentials against
// the local user store.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/MahdiBaghbani/davshare-go/internal/components/api"
	"github.com/MahdiBaghbani/davshare-go/internal/components/identity"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	httpmw "github.com/MahdiBaghbani/davshare-go/internal/platform/http/middleware"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/realip"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
)

// Realm is announced in WWW-Authenticate.
const Realm = "davshare"

type userKey struct{}

// GateConfig configures the auth gate.
type GateConfig struct {
	// RequireAuth reports whether the request must carry valid credentials.
	// Requests it exempts are still authenticated when credentials are sent.
	RequireAuth func(r *http.Request) bool

	Users    identity.PartyRepo
	UserAuth *identity.UserAuth

	// Throttle may be nil.
	Throttle *Throttle
	RealIP   *realip.TrustedProxies
	Log      *slog.Logger
}

// NewGate returns the authentication middleware. Bad credentials always
// fail with 401, even on exempt paths, so clients never silently fall back
// to anonymous access.
func NewGate(cfg GateConfig) func(http.Handler) http.Handler {
	log := logutil.NoopIfNil(cfg.Log)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			username, password, ok := r.BasicAuth()
			if !ok {
				required := cfg.RequireAuth != nil && cfg.RequireAuth(r)
				if required && r.Method != http.MethodOptions {
					challenge(w, api.ReasonUnauthenticated, "authentication required")
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			client := cfg.RealIP.ClientIP(r)
			if blocked, wait := cfg.Throttle.Blocked(client); blocked {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
				api.WriteTooManyRequests(w, "too many failed login attempts")
				return
			}

			user, err := cfg.UserAuth.Authenticate(r.Context(), cfg.Users, username, password)
			if err != nil {
				if !errors.Is(err, identity.ErrInvalidPassword) {
					appctx.GetLogger(r.Context()).Error("authentication failed", "error", err)
					api.WriteInternalError(w, "authentication failed")
					return
				}
				cfg.Throttle.Fail(client)
				log.Warn("invalid credentials", "username", username, "client_ip", client)
				challenge(w, api.ReasonInvalidCredentials, "invalid username or password")
				return
			}

			ctx := WithUser(r.Context(), user)
			ctx = appctx.WithLogger(ctx, appctx.GetLogger(ctx).With("user_id", user.Username))
			httpmw.SetUser(ctx, user.Username)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func challenge(w http.ResponseWriter, reason, message string) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+Realm+`", charset="UTF-8"`)
	api.WriteUnauthorized(w, reason, message)
}

// RequireAdmin rejects requests whose authenticated user is not an admin.
// It must run behind the gate.
func RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u := UserFromContext(r.Context())
		if u == nil {
			challenge(w, api.ReasonUnauthenticated, "authentication required")
			return
		}
		if !u.IsAdmin() {
			api.WriteForbidden(w, api.ReasonAdminRequired, "admin role required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser stores the authenticated user and its uid in ctx.
func WithUser(ctx context.Context, u *identity.User) context.Context {
	ctx = context.WithValue(ctx, userKey{}, u)
	return appctx.WithUserID(ctx, u.Username)
}

// UserFromContext returns the authenticated user, or nil.
func UserFromContext(ctx context.Context) *identity.User {
	u, _ := ctx.Value(userKey{}).(*identity.User)
	return u
}
