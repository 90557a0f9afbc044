package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

// ContextKeyBrowserID is the context key carrying the caller's browser
// identity.
const ContextKeyBrowserID contextKey = "browser_id"

// browserCookieName is the identity cookie. It holds an opaque random
// value, never anything derived from the user.
const browserCookieName = "zrocontrol_bid"

// BrowserIDMiddleware assigns every caller a stable browser identity
// cookie and places it on the request context. Watch history is keyed
// per (device, browser), so the cookie is what separates one viewer on
// the couch from another.
func BrowserIDMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			browserID := ""
			if cookie, err := r.Cookie(browserCookieName); err == nil && cookie.Value != "" {
				browserID = cookie.Value
			}

			if browserID == "" {
				browserID = newBrowserID()
				http.SetCookie(w, &http.Cookie{
					Name:     browserCookieName,
					Value:    browserID,
					Path:     "/",
					MaxAge:   int((365 * 24 * time.Hour).Seconds()),
					HttpOnly: true,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := context.WithValue(r.Context(), ContextKeyBrowserID, browserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// browserIDFrom returns the request's browser identity set by
// BrowserIDMiddleware.
func browserIDFrom(r *http.Request) string {
	if v, ok := r.Context().Value(ContextKeyBrowserID).(string); ok {
		return v
	}
	return ""
}

func newBrowserID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return hex.EncodeToString([]byte(time.Now().String()))[:32]
	}
	return hex.EncodeToString(buf)
}

// LoggingMiddleware creates middleware for logging HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("remote_addr", r.RemoteAddr).
				Int("status", wrapped.statusCode).
				Dur("duration", time.Since(start)).
				Msg("API request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
