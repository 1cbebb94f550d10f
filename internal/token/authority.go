// Package token issues, verifies, refreshes and revokes signed bearer tokens.
//
// Tokens are HS256 JWTs carrying sub, iat, exp, jti, iss and typ plus the
// application claims at the top level, so any peer holding the key can
// verify them independently. Revocation state lives in a shared store keyed
// by jti; an optional per-process LocalCache answers repeated lookups
// without a network round trip.
package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/retry"
	"github.com/djlord-it/tokenward/internal/revocation"
)

// RevocationStore is the shared revocation cache.
type RevocationStore interface {
	Put(ctx context.Context, tokenID string, revokedUntil time.Time) (bool, error)
	Lookup(ctx context.Context, tokenID string) (time.Time, bool, error)
}

// SkewChecker reports whether the local clock can be trusted.
type SkewChecker interface {
	Check(ctx context.Context) error
}

// MetricsSink records authority metrics. Methods must not block.
type MetricsSink interface {
	TokenIssued(kind string)
	TokenVerified(outcome string)
	RevocationLookup(source string)
	TokenRevoked(applied bool)
}

// Verify outcomes reported to MetricsSink.
const (
	OutcomeValid            = "valid"
	OutcomeExpired          = "expired"
	OutcomeRevoked          = "revoked"
	OutcomeMalformed        = "malformed"
	OutcomeClockSkew        = "clock_skew"
	OutcomeCacheUnavailable = "cache_unavailable"
)

// Revocation lookup sources reported to MetricsSink.
const (
	SourceLocal  = "local"
	SourceShared = "shared"
)

type Config struct {
	Secret []byte
	Issuer string

	// ClockSkewTolerance bounds how far in the future an iat may be.
	ClockSkewTolerance time.Duration

	ServiceTokenTTL time.Duration

	RevokeAttempts int
	RevokeBackoff  retry.Backoff
}

// DefaultConfig returns defaults for everything but Secret.
func DefaultConfig() Config {
	return Config{
		Issuer:             "auth-service",
		ClockSkewTolerance: 2 * time.Second,
		ServiceTokenTTL:    60 * time.Second,
		RevokeAttempts:     4,
		RevokeBackoff:      retry.Backoff{Base: 100 * time.Millisecond, Max: 2 * time.Second, Jitter: true},
	}
}

type Authority struct {
	cfg     Config
	store   RevocationStore
	local   *revocation.LocalCache // optional, nil = every lookup hits store
	skew    SkewChecker            // optional, nil = local clock trusted
	metrics MetricsSink            // optional, nil = disabled
	clock   clock.Clock
	parser  *jwt.Parser
	logger  *zap.Logger
}

func New(cfg Config, store RevocationStore, c clock.Clock, logger *zap.Logger) *Authority {
	if cfg.RevokeAttempts < 1 {
		cfg.RevokeAttempts = 1
	}
	return &Authority{
		cfg:   cfg,
		store: store,
		clock: c,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			jwt.WithLeeway(cfg.ClockSkewTolerance),
			jwt.WithTimeFunc(c.Now),
		),
		logger: logger.Named("TokenAuthority"),
	}
}

// WithLocalCache enables the per-process fast path for revocation lookups.
func (a *Authority) WithLocalCache(l *revocation.LocalCache) *Authority {
	a.local = l
	return a
}

// WithSkewCheck makes Issue refuse to sign while the clock is untrusted.
func (a *Authority) WithSkewCheck(s SkewChecker) *Authority {
	a.skew = s
	return a
}

func (a *Authority) WithMetrics(sink MetricsSink) *Authority {
	a.metrics = sink
	return a
}

// Issue signs a new access token for subject. No cache write happens here.
func (a *Authority) Issue(ctx context.Context, subject string, claims map[string]any, ttl time.Duration) (domain.Token, error) {
	if err := validateClaims(claims); err != nil {
		return domain.Token{}, err
	}
	return a.issue(ctx, domain.TokenKindAccess, subject, nil, claims, ttl)
}

func (a *Authority) issue(ctx context.Context, kind domain.TokenKind, subject string, audience []string, claims map[string]any, ttl time.Duration) (domain.Token, error) {
	if subject == "" {
		return domain.Token{}, fmt.Errorf("%w: subject is required", domain.ErrInvalidClaims)
	}

	if a.skew != nil {
		if err := a.skew.Check(ctx); err != nil {
			a.logger.Error("Refusing to issue token, clock untrusted", zap.String("subject", subject), zap.Error(err))
			return domain.Token{}, err
		}
	}

	now := a.clock.Now().UTC().Truncate(time.Second)
	exp := now.Add(ttl).Truncate(time.Second)
	if !exp.After(now) {
		return domain.Token{}, fmt.Errorf("%w: ttl %s shorter than one second", domain.ErrInvalidClaims, ttl)
	}

	claims, err := normalizeClaims(claims)
	if err != nil {
		return domain.Token{}, err
	}

	tokenID := uuid.New().String()
	mc := jwt.MapClaims{}
	for k, v := range claims {
		mc[k] = v
	}
	mc["sub"] = subject
	mc["iat"] = now.Unix()
	mc["exp"] = exp.Unix()
	mc["jti"] = tokenID
	mc["iss"] = a.cfg.Issuer
	mc["typ"] = string(kind)
	if len(audience) > 0 {
		mc["aud"] = audience
	}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, mc).SignedString(a.cfg.Secret)
	if err != nil {
		a.logger.Error("Failed to sign token", zap.String("subject", subject), zap.Error(err))
		return domain.Token{}, fmt.Errorf("%w: sign: %v", domain.ErrInvalidClaims, err)
	}

	if a.metrics != nil {
		a.metrics.TokenIssued(string(kind))
	}
	a.logger.Debug("Token issued",
		zap.String("subject", subject),
		zap.String("tokenID", tokenID),
		zap.String("kind", string(kind)),
		zap.Time("expiresAt", exp),
	)

	return domain.Token{
		Raw:       raw,
		TokenID:   tokenID,
		Subject:   subject,
		Kind:      kind,
		Audience:  audience,
		IssuedAt:  now,
		ExpiresAt: exp,
		Claims:    claims,
	}, nil
}

// Verify checks signature, expiry and revocation and returns the caller's
// verified identity.
func (a *Authority) Verify(ctx context.Context, raw string) (domain.CallerContext, error) {
	caller, err := a.verify(ctx, raw)
	if a.metrics != nil {
		a.metrics.TokenVerified(outcome(err))
	}
	return caller, err
}

func (a *Authority) verify(ctx context.Context, raw string) (domain.CallerContext, error) {
	caller, err := a.parse(raw)
	if err != nil {
		return domain.CallerContext{}, err
	}

	if !a.clock.Now().Before(caller.ExpiresAt) {
		return domain.CallerContext{}, fmt.Errorf("%w: expired at %s", domain.ErrExpired, caller.ExpiresAt.Format(time.RFC3339))
	}

	if err := a.checkRevoked(ctx, caller.TokenID); err != nil {
		return domain.CallerContext{}, err
	}
	return caller, nil
}

// parse validates signature and structure. Expiry inside the leeway is left
// to the caller.
func (a *Authority) parse(raw string) (domain.CallerContext, error) {
	tok, err := a.parser.Parse(raw, a.keyFunc)
	if err != nil {
		return domain.CallerContext{}, mapParseError(err)
	}
	return callerFromClaims(tok, raw)
}

func (a *Authority) keyFunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
	}
	return a.cfg.Secret, nil
}

func mapParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", domain.ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenUsedBeforeIssued), errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", domain.ErrClockSkew, err)
	default:
		return fmt.Errorf("%w: %v", domain.ErrMalformed, err)
	}
}

func callerFromClaims(tok *jwt.Token, raw string) (domain.CallerContext, error) {
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return domain.CallerContext{}, fmt.Errorf("%w: unexpected claims type", domain.ErrMalformed)
	}

	sub, err := mc.GetSubject()
	if err != nil || sub == "" {
		return domain.CallerContext{}, fmt.Errorf("%w: missing sub", domain.ErrMalformed)
	}
	jti, _ := mc["jti"].(string)
	if jti == "" {
		return domain.CallerContext{}, fmt.Errorf("%w: missing jti", domain.ErrMalformed)
	}
	iat, err := mc.GetIssuedAt()
	if err != nil || iat == nil {
		return domain.CallerContext{}, fmt.Errorf("%w: missing iat", domain.ErrMalformed)
	}
	exp, err := mc.GetExpirationTime()
	if err != nil || exp == nil {
		return domain.CallerContext{}, fmt.Errorf("%w: missing exp", domain.ErrMalformed)
	}
	if !exp.After(iat.Time) {
		return domain.CallerContext{}, fmt.Errorf("%w: exp not after iat", domain.ErrMalformed)
	}
	aud, err := mc.GetAudience()
	if err != nil {
		return domain.CallerContext{}, fmt.Errorf("%w: bad aud", domain.ErrMalformed)
	}
	kind := domain.TokenKindAccess
	if typ, _ := mc["typ"].(string); typ != "" {
		kind = domain.TokenKind(typ)
	}

	return domain.CallerContext{
		Subject:   sub,
		TokenID:   jti,
		Kind:      kind,
		Audience:  []string(aud),
		IssuedAt:  iat.Time.UTC(),
		ExpiresAt: exp.Time.UTC(),
		Claims:    applicationClaims(mc),
		Token:     raw,
	}, nil
}

func (a *Authority) checkRevoked(ctx context.Context, tokenID string) error {
	if a.local != nil {
		switch a.local.Lookup(tokenID) {
		case revocation.Revoked:
			a.recordLookup(SourceLocal)
			return fmt.Errorf("%w: %s", domain.ErrRevoked, tokenID)
		case revocation.NotRevoked:
			a.recordLookup(SourceLocal)
			return nil
		}
	}

	a.recordLookup(SourceShared)
	until, found, err := a.store.Lookup(ctx, tokenID)
	if err != nil {
		a.logger.Warn("Revocation lookup failed", zap.String("tokenID", tokenID), zap.Error(err))
		if errors.Is(err, domain.ErrCacheUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
	}
	if found {
		if a.local != nil {
			a.local.MarkRevoked(tokenID, until)
		}
		return fmt.Errorf("%w: %s", domain.ErrRevoked, tokenID)
	}
	if a.local != nil {
		a.local.MarkClean(tokenID)
	}
	return nil
}

func (a *Authority) recordLookup(source string) {
	if a.metrics != nil {
		a.metrics.RevocationLookup(source)
	}
}

// Refresh exchanges a valid token for a new one with the same subject,
// claims and lifetime. The old token is revoked before the new one is
// signed; if another refresh already revoked it, ErrRevoked is returned.
func (a *Authority) Refresh(ctx context.Context, raw string) (domain.Token, error) {
	old, err := a.Verify(ctx, raw)
	if err != nil {
		return domain.Token{}, err
	}

	applied, err := a.put(ctx, old.TokenID, old.ExpiresAt)
	if err != nil {
		return domain.Token{}, err
	}
	if !applied {
		a.logger.Warn("Refresh replay rejected", zap.String("tokenID", old.TokenID), zap.String("subject", old.Subject))
		return domain.Token{}, fmt.Errorf("%w: %s already refreshed", domain.ErrRevoked, old.TokenID)
	}

	next, err := a.issue(ctx, old.Kind, old.Subject, old.Audience, old.Claims, old.ExpiresAt.Sub(old.IssuedAt))
	if err != nil {
		return domain.Token{}, err
	}

	a.logger.Info("Token refreshed",
		zap.String("subject", old.Subject),
		zap.String("oldTokenID", old.TokenID),
		zap.String("newTokenID", next.TokenID),
	)
	return next, nil
}

// Revoke marks tokenID revoked until the given time. It is idempotent and
// retries an unavailable cache before giving up with ErrCacheUnavailable.
func (a *Authority) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	if tokenID == "" {
		return fmt.Errorf("%w: empty token id", domain.ErrMalformed)
	}
	_, err := a.put(ctx, tokenID, until)
	return err
}

// RevokeToken revokes a presented token until its own expiry. Only the
// signature is checked; an expired token needs no revocation.
func (a *Authority) RevokeToken(ctx context.Context, raw string) error {
	tok, err := a.parser.Parse(raw, a.keyFunc)
	if err != nil && !errors.Is(err, jwt.ErrTokenExpired) {
		return mapParseError(err)
	}
	if tok == nil {
		return fmt.Errorf("%w: unparseable token", domain.ErrMalformed)
	}
	caller, err := callerFromClaims(tok, raw)
	if err != nil {
		return err
	}
	if !a.clock.Now().Before(caller.ExpiresAt) {
		return nil
	}
	return a.Revoke(ctx, caller.TokenID, caller.ExpiresAt)
}

func (a *Authority) put(ctx context.Context, tokenID string, until time.Time) (bool, error) {
	if a.local != nil {
		a.local.MarkRevoked(tokenID, until)
	}

	var applied bool
	err := retry.Do(ctx, a.cfg.RevokeAttempts, a.cfg.RevokeBackoff,
		func(err error) bool { return errors.Is(err, domain.ErrCacheUnavailable) },
		func(ctx context.Context) error {
			var err error
			applied, err = a.store.Put(ctx, tokenID, until)
			if err != nil && !errors.Is(err, domain.ErrCacheUnavailable) {
				err = fmt.Errorf("%w: %v", domain.ErrCacheUnavailable, err)
			}
			return err
		})
	if err != nil {
		a.logger.Error("Revocation failed", zap.String("tokenID", tokenID), zap.Time("until", until), zap.Error(err))
		return false, err
	}

	if a.metrics != nil {
		a.metrics.TokenRevoked(applied)
	}
	a.logger.Info("Token revoked", zap.String("tokenID", tokenID), zap.Time("until", until), zap.Bool("applied", applied))
	return applied, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeValid
	case errors.Is(err, domain.ErrExpired):
		return OutcomeExpired
	case errors.Is(err, domain.ErrRevoked):
		return OutcomeRevoked
	case errors.Is(err, domain.ErrClockSkew):
		return OutcomeClockSkew
	case errors.Is(err, domain.ErrCacheUnavailable):
		return OutcomeCacheUnavailable
	default:
		return OutcomeMalformed
	}
}
