package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
)

// DefaultRefreshBefore is how long before expiry a cached service token is
// replaced.
const DefaultRefreshBefore = 15 * time.Second

// ServiceTokenPath is the auth endpoint RemoteFetcher calls.
const ServiceTokenPath = "/internal/service-token"

// TokenSource supplies service-identity tokens for outbound calls.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Fetcher obtains a fresh service token.
type Fetcher interface {
	Fetch(ctx context.Context) (domain.Token, error)
}

// CachingSource caches the fetched token until RefreshBefore ahead of its
// expiry. Concurrent callers share one fetch.
type CachingSource struct {
	fetcher       Fetcher
	refreshBefore time.Duration
	clock         clock.Clock
	logger        *zap.Logger

	mu    sync.Mutex
	token domain.Token
}

func NewCachingSource(f Fetcher, refreshBefore time.Duration, c clock.Clock, logger *zap.Logger) *CachingSource {
	if refreshBefore <= 0 {
		refreshBefore = DefaultRefreshBefore
	}
	return &CachingSource{
		fetcher:       f,
		refreshBefore: refreshBefore,
		clock:         c,
		logger:        logger.Named("TokenSource"),
	}
}

func (s *CachingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token.Raw != "" && s.clock.Now().Before(s.token.ExpiresAt.Add(-s.refreshBefore)) {
		return s.token.Raw, nil
	}

	tok, err := s.fetcher.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch service token: %w", err)
	}
	s.token = tok
	s.logger.Debug("service token refreshed",
		zap.String("token_id", tok.TokenID),
		zap.Time("expires_at", tok.ExpiresAt),
	)
	return tok.Raw, nil
}

// Invalidate drops the cached token so the next call fetches a new one.
func (s *CachingSource) Invalidate() {
	s.mu.Lock()
	s.token = domain.Token{}
	s.mu.Unlock()
}

// ServiceIssuer is the in-process authority.
type ServiceIssuer interface {
	IssueService(ctx context.Context, service, audience string) (domain.Token, error)
}

// AuthorityFetcher issues service tokens directly from a local authority.
type AuthorityFetcher struct {
	Issuer   ServiceIssuer
	Service  string
	Audience string
}

func (f AuthorityFetcher) Fetch(ctx context.Context) (domain.Token, error) {
	return f.Issuer.IssueService(ctx, f.Service, f.Audience)
}

// ServiceTokenRequest is the body of a service token request.
type ServiceTokenRequest struct {
	Audience string `json:"audience,omitempty"`
}

// ServiceTokenResponse is the reply to a service token request.
type ServiceTokenResponse struct {
	Token     string    `json:"token"`
	TokenID   string    `json:"token_id,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RemoteFetcher requests service tokens from the auth service over HTTP,
// authenticating with the shared service secret.
type RemoteFetcher struct {
	BaseURL  string
	Service  string
	Secret   string
	Audience string
	Client   *http.Client
}

func (f RemoteFetcher) Fetch(ctx context.Context) (domain.Token, error) {
	body, err := json.Marshal(ServiceTokenRequest{Audience: f.Audience})
	if err != nil {
		return domain.Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(f.BaseURL, "/")+ServiceTokenPath, bytes.NewReader(body))
	if err != nil {
		return domain.Token{}, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(f.Service, f.Secret)

	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Token{}, fmt.Errorf("%w: %w", domain.ErrTransport, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.Token{}, fmt.Errorf("%w: auth service rejected %q", domain.ErrUnauthorized, f.Service)
	case resp.StatusCode != http.StatusOK:
		return domain.Token{}, fmt.Errorf("%w: auth service status %d", domain.ErrTransport, resp.StatusCode)
	}

	var out ServiceTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Token{}, fmt.Errorf("%w: decode service token: %w", domain.ErrTransport, err)
	}
	if out.Token == "" {
		return domain.Token{}, fmt.Errorf("%w: empty service token", domain.ErrTransport)
	}
	return domain.Token{
		Raw:       out.Token,
		TokenID:   out.TokenID,
		Kind:      domain.TokenKindService,
		ExpiresAt: out.ExpiresAt,
	}, nil
}

// ResolveServiceURL builds the base URL of a peer service from
// <NAME>_HOST (default http://localhost) and <NAME>_PORT.
func ResolveServiceURL(name string) (string, error) {
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	port := os.Getenv(key + "_PORT")
	if port == "" {
		return "", fmt.Errorf("missing env var %s_PORT", key)
	}
	host := os.Getenv(key + "_HOST")
	if host == "" {
		host = "http://localhost"
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	return host + ":" + port, nil
}
