package token

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/revocation"
	"github.com/djlord-it/tokenward/internal/testutil"
)

func TestIssueService_Shape(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk, revocation.NewMemoryCache(clk))

	tok, err := a.IssueService(ctx, "order-service", "user-service")
	require.NoError(t, err)

	assert.Equal(t, "service:order-service", tok.Subject)
	assert.Equal(t, domain.TokenKindService, tok.Kind)
	assert.Equal(t, []string{"user-service"}, tok.Audience)
	assert.Equal(t, 60*time.Second, tok.TTL())

	caller, err := a.VerifyService(ctx, tok.Raw, "user-service")
	require.NoError(t, err)
	assert.True(t, caller.IsService())
	assert.Equal(t, "order-service", ServiceName(caller))
}

func TestVerifyService_Rejections(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk, revocation.NewMemoryCache(clk))

	svc, err := a.IssueService(ctx, "order-service", "user-service")
	require.NoError(t, err)
	user, err := a.Issue(ctx, "u1", nil, time.Hour)
	require.NoError(t, err)

	_, err = a.VerifyService(ctx, svc.Raw, "shop-service")
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "wrong audience")

	_, err = a.VerifyService(ctx, user.Raw, "")
	assert.ErrorIs(t, err, domain.ErrUnauthorized, "user token")

	clk.Advance(time.Minute)
	_, err = a.VerifyService(ctx, svc.Raw, "user-service")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	assert.ErrorIs(t, err, domain.ErrExpired, "cause must stay inspectable")
}

func TestVerifyService_AnyAudience(t *testing.T) {
	ctx := context.Background()
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk, revocation.NewMemoryCache(clk))

	svc, err := a.IssueService(ctx, "scheduler", "")
	require.NoError(t, err)
	assert.Empty(t, svc.Audience)

	_, err = a.VerifyService(ctx, svc.Raw, "")
	assert.NoError(t, err)
}

func TestIssueService_EmptyName(t *testing.T) {
	clk := testutil.NewFakeClock(t0)
	a := newAuthority(clk, revocation.NewMemoryCache(clk))

	_, err := a.IssueService(context.Background(), "  ", "x")
	assert.ErrorIs(t, err, domain.ErrInvalidClaims)
}
