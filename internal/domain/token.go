package domain

import "time"

// TokenKind distinguishes principal tokens from service-identity tokens.
type TokenKind string

const (
	TokenKindAccess  TokenKind = "access"
	TokenKindService TokenKind = "service"
)

// Token is an issued, signed credential. It is never mutated after issue.
type Token struct {
	Raw       string
	TokenID   string
	Subject   string
	Kind      TokenKind
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any
}

// TTL is the lifetime the token was issued with.
func (t Token) TTL() time.Duration {
	return t.ExpiresAt.Sub(t.IssuedAt)
}

// RevocationEntry maps a token id to the time until which it stays revoked.
// RevokedUntil is normally the token's own expiry so the entry can age out.
type RevocationEntry struct {
	TokenID      string
	RevokedUntil time.Time
}

// CallerContext is the verified identity attached to one in-flight request.
type CallerContext struct {
	Subject   string
	TokenID   string
	Kind      TokenKind
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Claims    map[string]any

	// Token is the raw bearer credential, kept for propagation on outbound calls.
	Token string
}

// IsService reports whether the caller authenticated with a service token.
func (c CallerContext) IsService() bool {
	return c.Kind == TokenKindService
}
