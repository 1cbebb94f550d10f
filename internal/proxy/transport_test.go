package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/testutil"
)

// countingFetcher hands out tok-1, tok-2, ... each valid for ttl.
type countingFetcher struct {
	clk   *testutil.FakeClock
	ttl   time.Duration
	calls atomic.Int32
	err   error
}

func (f *countingFetcher) Fetch(ctx context.Context) (domain.Token, error) {
	n := f.calls.Add(1)
	if f.err != nil {
		return domain.Token{}, f.err
	}
	now := f.clk.Now()
	return domain.Token{
		Raw:       "tok-" + string(rune('0'+n)),
		IssuedAt:  now,
		ExpiresAt: now.Add(f.ttl),
	}, nil
}

func TestCachingSource_RefreshesAheadOfExpiry(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	f := &countingFetcher{clk: clk, ttl: time.Minute}
	s := NewCachingSource(f, 15*time.Second, clk, zap.NewNop())

	tok, err := s.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clk.Advance(44 * time.Second)
	tok, _ = s.Token(ctx)
	assert.Equal(t, "tok-1", tok)

	clk.Advance(time.Second)
	tok, _ = s.Token(ctx)
	assert.Equal(t, "tok-2", tok, "refreshed 15s before expiry")

	s.Invalidate()
	tok, _ = s.Token(ctx)
	assert.Equal(t, "tok-3", tok)
}

func TestCachingSource_ConcurrentCallersShareFetch(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	f := &countingFetcher{clk: clk, ttl: time.Minute}
	s := NewCachingSource(f, 0, clk, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Token(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), f.calls.Load())
}

func TestTransport_PropagatesCallerToken(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
	}))
	defer srv.Close()

	f := &countingFetcher{clk: testutil.NewFakeClock(t0), ttl: time.Minute}
	client := &http.Client{Transport: NewTransport(nil, NewCachingSource(f, 0, f.clk, zap.NewNop()), zap.NewNop())}

	ctx := WithCaller(context.Background(), domain.CallerContext{Subject: "u1", Token: "user-token"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "Bearer user-token", got)
	assert.Equal(t, int32(0), f.calls.Load(), "no service token needed")
}

func TestTransport_RetriesOnceOn401WithFreshToken(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		bodies = append(bodies, string(b))
		mu.Unlock()
		if r.Header.Get("Authorization") == "Bearer tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	clk := testutil.NewFakeClock(t0)
	f := &countingFetcher{clk: clk, ttl: time.Minute}
	client := NewClient(NewCachingSource(f, 0, clk, zap.NewNop()), zap.NewNop())

	resp, err := client.Post(srv.URL, "application/json", bytes.NewReader([]byte(`{"n":1}`)))
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"Bearer tok-1", "Bearer tok-2"}, seen)
	assert.Equal(t, []string{`{"n":1}`, `{"n":1}`}, bodies, "body replayed")
}

func TestTransport_RetriesOnlyOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	clk := testutil.NewFakeClock(t0)
	f := &countingFetcher{clk: clk, ttl: time.Minute}
	client := NewClient(NewCachingSource(f, 0, clk, zap.NewNop()), zap.NewNop())

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransport_CallerTokenNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(nil, zap.NewNop())
	ctx := WithCaller(context.Background(), domain.CallerContext{Token: "user-token"})
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestTransport_NoCredentials(t *testing.T) {
	client := NewClient(nil, zap.NewNop())
	_, err := client.Get("http://127.0.0.1:1/")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)

	clk := testutil.NewFakeClock(t0)
	f := &countingFetcher{clk: clk, ttl: time.Minute, err: errors.New("auth down")}
	client = NewClient(NewCachingSource(f, 0, clk, zap.NewNop()), zap.NewNop())
	_, err = client.Get("http://127.0.0.1:1/")
	assert.ErrorContains(t, err, "auth down")
}

func TestRemoteFetcher(t *testing.T) {
	exp := t0.Add(time.Minute)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "orders" || pass != "s3cret" || r.URL.Path != ServiceTokenPath {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req ServiceTokenRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(ServiceTokenResponse{Token: "svc-" + req.Audience, ExpiresAt: exp})
	}))
	defer srv.Close()

	tok, err := RemoteFetcher{BaseURL: srv.URL, Service: "orders", Secret: "s3cret", Audience: "billing"}.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "svc-billing", tok.Raw)
	assert.True(t, exp.Equal(tok.ExpiresAt))

	_, err = RemoteFetcher{BaseURL: srv.URL, Service: "orders", Secret: "wrong"}.Fetch(context.Background())
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestAuthorityFetcher_TokensVerifyAsService(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk)

	s := NewCachingSource(AuthorityFetcher{Issuer: a, Service: "orders", Audience: "billing"}, 0, clk, zap.NewNop())
	raw, err := s.Token(ctx)
	require.NoError(t, err)

	caller, err := a.VerifyService(ctx, raw, "billing")
	require.NoError(t, err)
	assert.True(t, caller.IsService())
}

func TestResolveServiceURL(t *testing.T) {
	t.Setenv("USER_SERVICE_HOST", "http://users.internal")
	t.Setenv("USER_SERVICE_PORT", "8081")
	got, err := ResolveServiceURL("user-service")
	require.NoError(t, err)
	assert.Equal(t, "http://users.internal:8081", got)

	t.Setenv("BILLING_PORT", "9000")
	got, err = ResolveServiceURL("billing")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9000", got)

	_, err = ResolveServiceURL("nowhere")
	assert.Error(t, err)
}
