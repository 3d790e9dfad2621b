package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tune23wb/sms-panel/pkg/logger"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimiter_PerAccount(t *testing.T) {
	rl := NewRateLimiter(0.001, 2, logger.NewNop())
	h := rl.Handler(okHandler)

	do := func(account string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/messages", nil)
		req.Header.Set(AccountHeader, account)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusOK, do("a"))
	assert.Equal(t, http.StatusTooManyRequests, do("a"))
	assert.Equal(t, http.StatusOK, do("b"))
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, logger.NewNop())
	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.getLimiter("a")
	now = now.Add(time.Hour)
	rl.getLimiter("b")

	assert.Equal(t, 1, rl.Cleanup(time.Minute))
	assert.Len(t, rl.limiters, 1)
}

func TestBearerAuth(t *testing.T) {
	h := NewBearerAuth([]string{"secret", " "}, logger.NewNop()).Handler(okHandler)

	cases := map[string]int{
		"":              http.StatusUnauthorized,
		"Bearer wrong":  http.StatusUnauthorized,
		"Basic secret":  http.StatusUnauthorized,
		"Bearer secret": http.StatusOK,
		"bearer secret": http.StatusOK,
	}
	for header, want := range cases {
		req := httptest.NewRequest(http.MethodPost, "/v1/receipts", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, "header %q", header)
	}
}

func TestBearerAuth_RejectsWithoutTokens(t *testing.T) {
	auth := NewBearerAuth(nil, logger.NewNop())
	require.False(t, auth.Enabled())

	rec := httptest.NewRecorder()
	auth.Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/receipts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/receipts", nil)
	req.Header.Set("Authorization", "Bearer anything")
	auth.Handler(okHandler).ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestBearerAuth_AnonymousWhenAllowed(t *testing.T) {
	auth := NewBearerAuth(nil, logger.NewNop()).AllowAnonymous(true)

	rec := httptest.NewRecorder()
	auth.Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/receipts", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	// Configured tokens still win over anonymous access.
	guarded := NewBearerAuth([]string{"secret"}, logger.NewNop()).AllowAnonymous(true)
	rec = httptest.NewRecorder()
	guarded.Handler(okHandler).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/receipts", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORS_Preflight(t *testing.T) {
	h := NewCORSMiddleware([]string{"https://panel.example.com"}).Handler(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/v1/messages", nil)
	req.Header.Set("Origin", "https://panel.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://panel.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Origin", "https://evil.example.org")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestLogger_AssignsRequestID(t *testing.T) {
	var seen string
	h := NewRequestLogger(logger.NewNop()).Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
}
