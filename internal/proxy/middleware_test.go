package proxy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/revocation"
	"github.com/djlord-it/tokenward/internal/testutil"
	"github.com/djlord-it/tokenward/internal/token"
)

var (
	t0     = time.Date(2026, 2, 10, 8, 30, 0, 0, time.UTC)
	secret = []byte("0123456789abcdef0123456789abcdef")
)

func newAuthority(clk *testutil.FakeClock) *token.Authority {
	cfg := token.DefaultConfig()
	cfg.Secret = secret
	return token.New(cfg, revocation.NewMemoryCache(clk), clk, zap.NewNop())
}

// protected records whether business logic ran and echoes the caller.
func protected(ran *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*ran = true
		caller, ok := CallerFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(caller.Subject))
	})
}

func TestMiddleware_RejectsWith401BeforeHandler(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk)

	expired, err := a.Issue(ctx, "u1", nil, time.Minute)
	require.NoError(t, err)
	revoked, err := a.Issue(ctx, "u1", nil, 2*time.Hour)
	require.NoError(t, err)
	require.NoError(t, a.RevokeToken(ctx, revoked.Raw))
	clk.Advance(time.Hour)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic dTE6cHc="},
		{"empty bearer", "Bearer "},
		{"malformed", "Bearer not.a.jwt"},
		{"expired", "Bearer " + expired.Raw},
		{"revoked", "Bearer " + revoked.Raw},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran bool
			h := Middleware(a, zap.NewNop())(protected(&ran))

			req := httptest.NewRequest(http.MethodGet, "/orders", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
			var body ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, "unauthorized", body.Error)
			assert.False(t, ran, "handler must not run")
		})
	}
}

func TestMiddleware_AttachesCaller(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk)
	tok, err := a.Issue(context.Background(), "u1", map[string]any{"role": "admin"}, time.Hour)
	require.NoError(t, err)

	var ran bool
	h := Middleware(a, zap.NewNop())(protected(&ran))
	req := httptest.NewRequest(http.MethodGet, "/orders", nil)
	req.Header.Set("Authorization", "bearer "+tok.Raw)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, ran)
	assert.Equal(t, "u1", rec.Body.String())
}

func TestMiddleware_CacheUnavailableIs401(t *testing.T) {
	v := VerifierFunc(func(context.Context, string) (domain.CallerContext, error) {
		return domain.CallerContext{}, domain.ErrCacheUnavailable
	})
	var ran bool
	h := Middleware(v, zap.NewNop())(protected(&ran))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer x")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, ran)
}

func TestServiceMiddleware_RequiresServiceTokenForAudience(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk)

	access, err := a.Issue(ctx, "u1", nil, time.Hour)
	require.NoError(t, err)
	forOther, err := a.IssueService(ctx, "orders", "billing")
	require.NoError(t, err)
	forUs, err := a.IssueService(ctx, "orders", "notifications")
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		want int
	}{
		{"access token", access.Raw, http.StatusUnauthorized},
		{"other audience", forOther.Raw, http.StatusUnauthorized},
		{"service token", forUs.Raw, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ran bool
			h := ServiceMiddleware(a, "notifications", zap.NewNop())(protected(&ran))
			req := httptest.NewRequest(http.MethodPost, "/internal/tokens", nil)
			req.Header.Set("Authorization", "Bearer "+tt.raw)
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.want == http.StatusOK, ran)
		})
	}
}

func TestGinMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk)
	tok, err := a.Issue(context.Background(), "u1", nil, time.Hour)
	require.NoError(t, err)

	r := gin.New()
	r.Use(GinMiddleware(a, zap.NewNop()))
	r.GET("/me", func(c *gin.Context) {
		caller, ok := CallerFrom(c.Request.Context())
		require.True(t, ok)
		stored, _ := c.Get(GinCallerKey)
		assert.Equal(t, caller, stored)
		c.String(http.StatusOK, caller.Subject)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
	assert.JSONEq(t, `{"error":"unauthorized"}`, rec.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok.Raw)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", rec.Body.String())
}

func TestBearerToken(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	_, ok := BearerToken(req)
	assert.False(t, ok)

	req.Header.Set("Authorization", "Bearer  abc ")
	got, ok := BearerToken(req)
	assert.True(t, ok)
	assert.Equal(t, "abc", got)
}
