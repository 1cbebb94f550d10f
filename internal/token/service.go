package token

import (
	"context"
	"fmt"
	"strings"

	"github.com/djlord-it/tokenward/internal/domain"
)

const serviceSubjectPrefix = "service:"

// IssueService signs a short-lived service-identity token for calls from
// service to audience.
func (a *Authority) IssueService(ctx context.Context, service, audience string) (domain.Token, error) {
	service = strings.TrimSpace(service)
	if service == "" {
		return domain.Token{}, fmt.Errorf("%w: service name is required", domain.ErrInvalidClaims)
	}
	var aud []string
	if audience != "" {
		aud = []string{audience}
	}
	return a.issue(ctx, domain.TokenKindService, serviceSubjectPrefix+service, aud, nil, a.cfg.ServiceTokenTTL)
}

// VerifyService verifies raw and additionally requires a service token
// addressed to audience. An empty audience accepts any service token.
// Every failure is reported as ErrUnauthorized wrapping the cause.
func (a *Authority) VerifyService(ctx context.Context, raw, audience string) (domain.CallerContext, error) {
	caller, err := a.Verify(ctx, raw)
	if err != nil {
		return domain.CallerContext{}, fmt.Errorf("%w: %w", domain.ErrUnauthorized, err)
	}
	if !caller.IsService() {
		return domain.CallerContext{}, fmt.Errorf("%w: not a service token", domain.ErrUnauthorized)
	}
	if audience != "" && !containsString(caller.Audience, audience) {
		return domain.CallerContext{}, fmt.Errorf("%w: audience %v does not include %q", domain.ErrUnauthorized, caller.Audience, audience)
	}
	return caller, nil
}

// ServiceName returns the service a service token was issued to.
func ServiceName(caller domain.CallerContext) string {
	return strings.TrimPrefix(caller.Subject, serviceSubjectPrefix)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
