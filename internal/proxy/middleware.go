package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/domain"
)

// GinCallerKey is the gin context key holding the verified caller.
const GinCallerKey = "caller"

// Verifier verifies an inbound bearer token.
type Verifier interface {
	Verify(ctx context.Context, raw string) (domain.CallerContext, error)
}

// ServiceVerifier verifies a service token addressed to audience.
type ServiceVerifier interface {
	VerifyService(ctx context.Context, raw, audience string) (domain.CallerContext, error)
}

// VerifierFunc adapts a function to Verifier.
type VerifierFunc func(ctx context.Context, raw string) (domain.CallerContext, error)

func (f VerifierFunc) Verify(ctx context.Context, raw string) (domain.CallerContext, error) {
	return f(ctx, raw)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Middleware rejects requests without a valid bearer token with 401 and
// attaches the verified caller to the request context otherwise.
func Middleware(v Verifier, logger *zap.Logger) func(http.Handler) http.Handler {
	log := logger.Named("InterserviceCallProxy")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, err := authenticate(r, v.Verify)
			if err != nil {
				logRejected(log, r, err)
				WriteUnauthorized(w)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// ServiceMiddleware is Middleware restricted to service tokens for audience.
func ServiceMiddleware(v ServiceVerifier, audience string, logger *zap.Logger) func(http.Handler) http.Handler {
	return Middleware(VerifierFunc(func(ctx context.Context, raw string) (domain.CallerContext, error) {
		return v.VerifyService(ctx, raw, audience)
	}), logger)
}

// GinMiddleware is Middleware for gin routers. The caller is available
// through CallerFrom on the request context and under GinCallerKey.
func GinMiddleware(v Verifier, logger *zap.Logger) gin.HandlerFunc {
	log := logger.Named("InterserviceCallProxy")
	return func(c *gin.Context) {
		caller, err := authenticate(c.Request, v.Verify)
		if err != nil {
			logRejected(log, c.Request, err)
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Error: "unauthorized"})
			return
		}
		c.Request = c.Request.WithContext(WithCaller(c.Request.Context(), caller))
		c.Set(GinCallerKey, caller)
		c.Next()
	}
}

// ErrorResponse is the body of a rejected request.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteUnauthorized writes the 401 rejection.
func WriteUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: "unauthorized"})
}

func authenticate(r *http.Request, verify func(context.Context, string) (domain.CallerContext, error)) (domain.CallerContext, error) {
	raw, ok := BearerToken(r)
	if !ok {
		return domain.CallerContext{}, errMissingToken
	}
	return verify(r.Context(), raw)
}

var errMissingToken = errors.New("missing bearer token")

func logRejected(log *zap.Logger, r *http.Request, err error) {
	fields := []zap.Field{
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("reason", rejectReason(err)),
	}
	if errors.Is(err, domain.ErrCacheUnavailable) || errors.Is(err, domain.ErrClockSkew) {
		log.Warn("request rejected", append(fields, zap.Error(err))...)
		return
	}
	log.Debug("request rejected", fields...)
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, errMissingToken):
		return "missing"
	case errors.Is(err, domain.ErrExpired):
		return "expired"
	case errors.Is(err, domain.ErrRevoked):
		return "revoked"
	case errors.Is(err, domain.ErrMalformed):
		return "malformed"
	case errors.Is(err, domain.ErrClockSkew):
		return "clock_skew"
	case errors.Is(err, domain.ErrCacheUnavailable):
		return "cache_unavailable"
	case errors.Is(err, domain.ErrInvalidClaims):
		return "invalid_claims"
	default:
		return "unauthorized"
	}
}
