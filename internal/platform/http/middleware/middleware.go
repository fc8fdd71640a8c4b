// Package middleware holds the always-on transport middleware: the
// request-scoped logger and the access log.
package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/MahdiBaghbani/davshare-go/internal/platform/appctx"
	"github.com/MahdiBaghbani/davshare-go/internal/platform/http/realip"
)

type entryKey struct{}

// entry collects fields that are only known deeper in the chain.
type entry struct {
	user string
}

// SetUser records the authenticated uid for the access log line. It is a
// no-op outside RequestLogger.
func SetUser(ctx context.Context, uid string) {
	if e, ok := ctx.Value(entryKey{}).(*entry); ok {
		e.user = uid
	}
}

func baseFields(r *http.Request, proxies *realip.TrustedProxies) []any {
	return []any{
		"request_id", chimw.GetReqID(r.Context()),
		"method", r.Method,
		"path", r.URL.Path,
		"client_ip", proxies.ClientIP(r),
	}
}

// RequestLogger attaches a logger carrying request_id, method, path and
// client_ip to the context. It must run after chi's RequestID.
func RequestLogger(base *slog.Logger, proxies *realip.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := appctx.WithLogger(r.Context(), base.With(baseFields(r, proxies)...))
			ctx = context.WithValue(ctx, entryKey{}, &entry{})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccessLog writes one "request" line per request with status, bytes,
// duration_ms and, once authenticated, user. It must run outside the
// recoverer so panics are logged as 500.
func AccessLog(base *slog.Logger, proxies *realip.TrustedProxies) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				log, ok := appctx.LoggerFromContext(r.Context())
				if !ok {
					log = base.With(baseFields(r, proxies)...)
				}
				status := ww.Status()
				if status == 0 {
					status = http.StatusOK
				}
				fields := []any{
					"status", status,
					"bytes", ww.BytesWritten(),
					"duration_ms", time.Since(start).Milliseconds(),
				}
				if e, ok := r.Context().Value(entryKey{}).(*entry); ok && e.user != "" {
					fields = append(fields, "user", e.user)
				}
				log.Info("request", fields...)
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
