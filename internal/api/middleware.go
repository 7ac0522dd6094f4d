package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http/httpguts"

	"github.com/nmos-go/nmosnode/internal/auth"
	"github.com/nmos-go/nmosnode/internal/metrics"
)

// CORS marks every response shareable and answers preflight requests,
// the posture NMOS APIs take on a control network.
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			h.Set("Access-Control-Allow-Methods", "GET, PUT, POST, PATCH, DELETE, HEAD, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			h.Set("Access-Control-Max-Age", "86400")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequestBodyLimit caps request bodies at maxBytes. Reads past the cap
// surface as http.MaxBytesError, which the body decoder turns into 413.
func RequestBodyLimit(maxBytes int64, next http.Handler) http.Handler {
	if maxBytes <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// RequireAuth validates the bearer token of every request under an API
// mount against the issuer cache, in the claim family named by apiName.
// A nil validator serves the API unsecured.
func RequireAuth(v *auth.Validator, apiName string, m *metrics.Metrics, next http.Handler) http.Handler {
	if v == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		result := v.Validate(bearerToken(r), apiName, pathBelowVersion(r.URL.Path), r.Method)
		if m != nil {
			m.TokenValidated(result)
		}
		switch result {
		case auth.ResultSucceeded:
			next.ServeHTTP(w, r)
		case auth.ResultWithoutAuthentication:
			writeChallenge(w, http.StatusUnauthorized, "", "authorization required")
		case auth.ResultInsufficientScope:
			writeChallenge(w, http.StatusForbidden, "insufficient_scope", "token grants no access to this operation")
		case auth.ResultNoMatchingKeys:
			// The key fetch for the token's issuer is already underway.
			w.Header().Set("Retry-After", "5")
			writeChallenge(w, http.StatusUnauthorized, "invalid_token", "no keys available to verify the token")
		default:
			writeChallenge(w, http.StatusUnauthorized, "invalid_token", "token validation failed")
		}
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):]
	}
	// WebSocket handshakes cannot carry request headers, so the token
	// may arrive as a query parameter instead.
	return r.URL.Query().Get("access_token")
}

// pathBelowVersion returns the operation path under the API version
// mount, the form token claim path patterns are written against.
func pathBelowVersion(p string) string {
	parts := strings.SplitN(strings.TrimPrefix(p, "/"), "/", 4)
	if len(parts) < 4 {
		return ""
	}
	return parts[3]
}

// writeChallenge sets the WWW-Authenticate challenge alongside the NMOS
// error body. Challenge text never comes from the request, but the
// value is still checked before entering the header section.
func writeChallenge(w http.ResponseWriter, status int, errCode, text string) {
	challenge := `Bearer realm="nmos"`
	if errCode != "" {
		challenge += `, error="` + errCode + `", error_description="` + text + `"`
	}
	if httpguts.ValidHeaderFieldValue(challenge) {
		w.Header().Set("WWW-Authenticate", challenge)
	}
	WriteError(w, status, text)
}

// instrument wraps one API mount with request logging and, when metrics
// are configured, the request counter and latency histogram.
func instrument(cfg Config, apiName string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)
		if cfg.Metrics != nil {
			cfg.Metrics.ObserveRequest(apiName, r.Method, sw.status, elapsed.Seconds())
		}
		cfg.Log.Debug().
			Str("api", apiName).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", sw.status).
			Dur("elapsed", elapsed).
			Msg("request handled")
	})
}

// statusWriter records the status code and keeps the connection
// hijackable so WebSocket upgrades pass through instrumented mounts.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return hj.Hijack()
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
