package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"vidvault/internal/server/auth"
	"vidvault/internal/server/ratelimit"

	"github.com/labstack/echo/v4"
)

const (
	// SessionCookie carries the principal JWT for browser players that
	// cannot set an Authorization header on <video> requests.
	SessionCookie = "vv_session"

	principalKey = "principal"
)

// Authenticate resolves the caller from a bearer token or the session
// cookie. Requests without valid credentials continue as anonymous; the
// handlers decide whether that is acceptable.
func Authenticate(secret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := bearerToken(c.Request())
			if raw == "" {
				if cookie, err := c.Cookie(SessionCookie); err == nil {
					raw = cookie.Value
				}
			}
			if raw != "" {
				p, err := auth.ParseToken(raw, secret)
				if err != nil {
					slog.Debug("rejected principal token", "ip", c.RealIP(), "error", err)
				} else {
					c.Set(principalKey, p)
				}
			}
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get(echo.HeaderAuthorization)
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// principalFrom returns the caller set by Authenticate, or the anonymous
// principal.
func principalFrom(c echo.Context) auth.Principal {
	p, _ := c.Get(principalKey).(auth.Principal)
	return p
}

// RequireAdmin rejects callers without the admin role.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p := principalFrom(c)
			if !p.Authenticated() {
				return c.JSON(http.StatusUnauthorized, accessDenied)
			}
			if !p.IsAdmin() {
				slog.Warn("admin route refused", "principal_id", p.ID, "path", c.Path(), "ip", c.RealIP())
				return c.JSON(http.StatusForbidden, accessDenied)
			}
			return next(c)
		}
	}
}

// RateLimit admits at most the limiter's quota per caller per window.
// Callers are keyed by principal, falling back to the client IP.
func RateLimit(l *ratelimit.Limiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := "ip:" + c.RealIP()
			if p := principalFrom(c); p.Authenticated() {
				id = "principal:" + p.ID
			}
			if !l.Allow(c.Request().Context(), id) {
				slog.Warn("rate limit exceeded", "id", id, "path", c.Path())
				c.Response().Header().Set("Retry-After", "60")
				return c.JSON(http.StatusTooManyRequests, accessDenied)
			}
			return next(c)
		}
	}
}

// RequestLogger returns an echo middleware that logs requests using slog.
// Query strings are left out; they carry access tokens.
func RequestLogger() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			slog.Info("request",
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"latency_ms", time.Since(start).Milliseconds(),
				"ip", c.RealIP(),
				"user_agent", req.UserAgent(),
				"bytes_out", res.Size,
				"principal_id", principalFrom(c).ID,
			)

			return err
		}
	}
}
