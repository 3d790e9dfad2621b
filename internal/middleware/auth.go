package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/tune23wb/sms-panel/pkg/logger"
)

// BearerAuth guards internal endpoints such as the delivery callback with
// static bearer tokens. With no tokens every request is rejected unless
// anonymous access was allowed explicitly.
type BearerAuth struct {
	tokens    [][]byte
	anonymous bool
	log       *logger.Logger
}

// NewBearerAuth creates the middleware.
func NewBearerAuth(tokens []string, log *logger.Logger) *BearerAuth {
	if log == nil {
		log = logger.NewDefault("auth")
	}
	m := &BearerAuth{log: log}
	for _, token := range tokens {
		if token = strings.TrimSpace(token); token != "" {
			m.tokens = append(m.tokens, []byte(token))
		}
	}
	return m
}

// AllowAnonymous lets requests through when no token is configured.
func (m *BearerAuth) AllowAnonymous(allow bool) *BearerAuth {
	m.anonymous = allow
	return m
}

// Enabled reports whether any token is configured.
func (m *BearerAuth) Enabled() bool {
	return len(m.tokens) > 0
}

// Handler rejects requests without a valid token with 401.
func (m *BearerAuth) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !m.Enabled() {
			if m.anonymous {
				next.ServeHTTP(w, r)
				return
			}
			m.reject(w, r, "no callback token configured")
			return
		}

		authHeader := r.Header.Get("Authorization")
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			m.reject(w, r, "missing bearer token")
			return
		}
		if !m.valid([]byte(strings.TrimSpace(parts[1]))) {
			m.reject(w, r, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (m *BearerAuth) valid(presented []byte) bool {
	ok := 0
	for _, token := range m.tokens {
		ok |= subtle.ConstantTimeCompare(presented, token)
	}
	return ok == 1
}

func (m *BearerAuth) reject(w http.ResponseWriter, r *http.Request, reason string) {
	m.log.WithFields(map[string]interface{}{
		"path":   r.URL.Path,
		"method": r.Method,
		"remote": clientIP(r),
	}).Warn(reason)
	writeError(w, http.StatusUnauthorized, "unauthorized", reason)
}
