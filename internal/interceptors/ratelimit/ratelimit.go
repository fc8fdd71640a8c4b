// Package ratelimit is a request rate limiting interceptor. Authenticated
// requests are counted per user, anonymous ones per client address.
package ratelimit

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MahdiBaghbani/davshare-go/internal/components/api"
	svccfg "github.com/MahdiBaghbani/davshare-go/internal/frameworks/service/cfg"
	"github.com/MahdiBaghbani/davshare-go/internal/interceptors"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/deps"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/logutil"
	limiter "github.com/MahdiBaghbani/davshare-go/internal/platform/ratelimit"
)

func init() {
	interceptors.Register("ratelimit", New)
}

// Config is one [http.interceptors.ratelimit.profiles.<name>] table.
type Config struct {
	RequestsPerWindow int64 `mapstructure:"requests_per_window"`
	WindowSeconds     int   `mapstructure:"window_seconds"`

	// Identifier separates the counters of different profiles.
	// Default: "http".
	Identifier string `mapstructure:"identifier"`
}

// ApplyDefaults implements cfg.Setter.
func (c *Config) ApplyDefaults() {
	if c.RequestsPerWindow == 0 {
		c.RequestsPerWindow = 100
	}
	if c.WindowSeconds == 0 {
		c.WindowSeconds = 60
	}
	if c.Identifier == "" {
		c.Identifier = "http"
	}
}

// Interceptor applies one profile.
type Interceptor struct {
	limiter    *limiter.Limiter
	clientIP   func(*http.Request) string
	identifier string
	limit      int64
	window     time.Duration
	log        *slog.Logger
}

// New creates a ratelimit interceptor from a profile config.
func New(conf map[string]any, log *slog.Logger) (interceptors.Middleware, error) {
	var c Config
	if err := svccfg.Decode(conf, &c); err != nil {
		return nil, err
	}

	d := deps.GetDeps()
	if d == nil || d.Cache == nil {
		return nil, errors.New("ratelimit: shared cache not initialized")
	}

	i := &Interceptor{
		limiter:    limiter.New(d.Cache, "ratelimit:http:"),
		clientIP:   d.RealIP.ClientIP,
		identifier: c.Identifier,
		limit:      c.RequestsPerWindow,
		window:     time.Duration(c.WindowSeconds) * time.Second,
		log:        logutil.NoopIfNil(log),
	}
	return i.Wrap, nil
}

// Wrap is the middleware.
func (i *Interceptor) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var (
			res *limiter.Result
			err error
		)
		if uid := appctx.UserID(ctx); uid != "" {
			res, err = i.limiter.RegisterUserRequest(ctx, i.identifier, uid, i.limit, i.window)
		} else {
			res, err = i.limiter.RegisterAnonRequest(ctx, i.identifier, i.clientIP(r), i.limit, i.window)
		}

		switch {
		case err == nil:
		case errors.Is(err, limiter.ErrRateLimitExceeded):
			retryAfter := int(time.Until(res.ResetAt).Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			api.WriteTooManyRequests(w, "too many requests")
			return
		default:
			// A broken counter must not take the service down.
			i.log.Warn("rate limit check failed", "error", err)
		}

		if res != nil {
			w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		}
		next.ServeHTTP(w, r)
	})
}
