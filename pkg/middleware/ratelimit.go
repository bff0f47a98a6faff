// Package middleware adapts a limiter.RateLimiter to net/http handlers.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/manenim/window-limiter/pkg/limiter"
)

// Middleware wraps an http.Handler.
type Middleware func(http.Handler) http.Handler

// KeyFunc extracts the rate limit key from a request. An empty key means the
// request cannot be attributed.
type KeyFunc func(*http.Request) string

// BypassFunc reports whether a request skips rate limiting.
type BypassFunc func(*http.Request) bool

// ErrorHandler writes the response when the limiter fails and FailOpen is false.
type ErrorHandler func(http.ResponseWriter, *http.Request, error)

// Config holds configuration for the rate limiting middleware.
type Config struct {
	Limiter limiter.RateLimiter
	Limit   limiter.Limit
	// Namespace groups the keys of this middleware instance.
	Namespace limiter.Namespace
	KeyFunc   KeyFunc
	// BypassFunc is optional.
	BypassFunc   BypassFunc
	ErrorHandler ErrorHandler
	// FailOpen lets requests through when the limiter returns an error or
	// no key can be extracted.
	FailOpen bool
	// Unit is the duration of one clock unit of the limiter, used to
	// convert RetryAfter to seconds. Defaults to time.Second.
	Unit   time.Duration
	Logger *zap.Logger
}

// DefaultConfig returns a fail-open, IP-keyed configuration.
func DefaultConfig(l limiter.RateLimiter, limit limiter.Limit) Config {
	return Config{
		Limiter:      l,
		Limit:        limit,
		Namespace:    "http",
		KeyFunc:      IPKeyFunc,
		ErrorHandler: DefaultErrorHandler,
		FailOpen:     true,
		Unit:         time.Second,
		Logger:       zap.NewNop(),
	}
}

// RateLimit limits requests per client IP.
func RateLimit(l limiter.RateLimiter, limit limiter.Limit) Middleware {
	return RateLimitWithConfig(DefaultConfig(l, limit))
}

// RateLimitWithConfig creates a rate limiting middleware with custom configuration.
func RateLimitWithConfig(cfg Config) Middleware {
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = IPKeyFunc
	}
	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = DefaultErrorHandler
	}
	if cfg.Unit <= 0 {
		cfg.Unit = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	limitHeader := strconv.FormatInt(cfg.Limit.Rate, 10)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.BypassFunc != nil && cfg.BypassFunc(r) {
				next.ServeHTTP(w, r)
				return
			}

			key := cfg.KeyFunc(r)
			if key == "" {
				if cfg.FailOpen {
					next.ServeHTTP(w, r)
				} else {
					http.Error(w, "Rate limit key extraction failed", http.StatusInternalServerError)
				}
				return
			}

			id := limiter.Identity{Namespace: cfg.Namespace, Key: key}
			dec, err := cfg.Limiter.Allow(r.Context(), id, cfg.Limit)
			if err != nil {
				cfg.Logger.Warn("rate limit check failed",
					zap.Stringer("identity", id),
					zap.Bool("fail_open", cfg.FailOpen),
					zap.Error(err))
				if cfg.FailOpen {
					next.ServeHTTP(w, r)
				} else {
					cfg.ErrorHandler(w, r, err)
				}
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			h.Set("X-RateLimit-Remaining", strconv.FormatInt(dec.Remaining, 10))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(dec.ResetAt, 10))

			if !dec.Allow {
				h.Set("Retry-After", strconv.FormatInt(retrySeconds(dec.RetryAfter, cfg.Unit), 10))
				http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// retrySeconds rounds units of unit up to whole seconds.
func retrySeconds(units int64, unit time.Duration) int64 {
	if units <= 0 {
		return 0
	}
	d := time.Duration(units) * unit
	return int64((d + time.Second - 1) / time.Second)
}

// IPKeyFunc keys on the client IP: first X-Forwarded-For entry, then
// X-Real-IP, then RemoteAddr without the port.
func IPKeyFunc(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	addr := r.RemoteAddr
	if idx := strings.LastIndex(addr, ":"); idx != -1 {
		return addr[:idx]
	}
	return addr
}

// HeaderKeyFunc keys on the value of a request header, e.g. an API key.
func HeaderKeyFunc(name string) KeyFunc {
	return func(r *http.Request) string {
		return r.Header.Get(name)
	}
}

// EndpointKeyFunc uses the request path as the key.
func EndpointKeyFunc(r *http.Request) string {
	return r.URL.Path
}

// CombinedKeyFunc joins the non-empty keys of funcs with ':'.
func CombinedKeyFunc(funcs ...KeyFunc) KeyFunc {
	return func(r *http.Request) string {
		var parts []string
		for _, f := range funcs {
			if key := f(r); key != "" {
				parts = append(parts, key)
			}
		}
		return strings.Join(parts, ":")
	}
}

// InternalBypassFunc bypasses requests carrying "X-Internal: true".
func InternalBypassFunc(r *http.Request) bool {
	return r.Header.Get("X-Internal") == "true"
}

// DefaultErrorHandler responds 503 without leaking the backend error.
func DefaultErrorHandler(w http.ResponseWriter, r *http.Request, err error) {
	http.Error(w, "Rate limit check failed", http.StatusServiceUnavailable)
}
