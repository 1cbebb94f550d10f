// Package proxy carries bearer credentials across service boundaries.
//
// Outbound, Transport attaches the caller's own token when the request
// context carries one and a service-identity token otherwise. Inbound,
// Middleware verifies the bearer token before any handler runs and rejects
// failures with 401.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
)

type callerKey struct{}

// WithCaller attaches a verified caller to ctx.
func WithCaller(ctx context.Context, caller domain.CallerContext) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the caller attached by WithCaller or the middleware.
func CallerFrom(ctx context.Context) (domain.CallerContext, bool) {
	caller, ok := ctx.Value(callerKey{}).(domain.CallerContext)
	return caller, ok
}

// Transport is an http.RoundTripper that authenticates outbound calls.
type Transport struct {
	base   http.RoundTripper
	source TokenSource // optional, nil = caller tokens only
	logger *zap.Logger
}

func NewTransport(base http.RoundTripper, source TokenSource, logger *zap.Logger) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &Transport{
		base:   base,
		source: source,
		logger: logger.Named("InterserviceCallProxy"),
	}
}

// NewClient returns an http.Client using Transport.
func NewClient(source TokenSource, logger *zap.Logger) *http.Client {
	return &http.Client{Transport: NewTransport(nil, source, logger)}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if caller, ok := CallerFrom(req.Context()); ok && caller.Token != "" {
		return t.base.RoundTrip(withBearer(req, caller.Token, req.Body))
	}
	if t.source == nil {
		closeBody(req)
		return nil, fmt.Errorf("%w: no caller token and no service token source", domain.ErrUnauthorized)
	}

	tok, err := t.source.Token(req.Context())
	if err != nil {
		closeBody(req)
		return nil, fmt.Errorf("service token: %w", err)
	}

	resp, err := t.base.RoundTrip(withBearer(req, tok, req.Body))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	var body io.ReadCloser
	if req.Body != nil && req.Body != http.NoBody {
		if req.GetBody == nil {
			return resp, nil
		}
		if body, err = req.GetBody(); err != nil {
			return resp, nil
		}
	}

	t.logger.Info("service token rejected, retrying with a fresh token",
		zap.String("host", req.URL.Host),
		zap.Int("status", resp.StatusCode),
	)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	t.source.Invalidate()
	tok, err = t.source.Token(req.Context())
	if err != nil {
		if body != nil {
			body.Close()
		}
		return nil, fmt.Errorf("service token: %w", err)
	}
	return t.base.RoundTrip(withBearer(req, tok, body))
}

func withBearer(req *http.Request, token string, body io.ReadCloser) *http.Request {
	out := req.Clone(req.Context())
	out.Body = body
	out.Header.Set("Authorization", "Bearer "+token)
	return out
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}
