package api

import (
	"fmt"
	"strings"
	"time"
)

func validateIssueToken(req IssueTokenRequest, maxTTL time.Duration) error {
	if strings.TrimSpace(req.Subject) == "" {
		return fmt.Errorf("subject is required")
	}
	if req.TTLSeconds < 0 {
		return fmt.Errorf("ttl_seconds must not be negative")
	}
	if maxTTL > 0 && time.Duration(req.TTLSeconds)*time.Second > maxTTL {
		return fmt.Errorf("ttl_seconds exceeds maximum of %d", int(maxTTL/time.Second))
	}
	return nil
}

func validateRefresh(req RefreshRequest) error {
	if strings.TrimSpace(req.Token) == "" {
		return fmt.Errorf("token is required")
	}
	return nil
}

// maxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const maxIdempotencyKeyLength = 128

// validateNotification checks req and returns the requested send time, zero
// when the request carries none.
func validateNotification(req NotificationRequest, templates TemplateSet, now time.Time, maxDelay time.Duration) (time.Time, error) {
	if strings.TrimSpace(req.Template) == "" {
		return time.Time{}, fmt.Errorf("template is required")
	}
	if templates != nil && !templates.Has(req.Template) {
		return time.Time{}, fmt.Errorf("unknown template %q", req.Template)
	}
	if strings.TrimSpace(req.Recipient) == "" {
		return time.Time{}, fmt.Errorf("recipient is required")
	}
	if err := validateIdempotencyKey(req.IdempotencyKey); err != nil {
		return time.Time{}, err
	}
	if req.At == "" {
		return time.Time{}, nil
	}
	at, err := time.Parse(time.RFC3339, req.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("at must be an RFC 3339 timestamp")
	}
	if maxDelay > 0 && at.Sub(now) > maxDelay {
		return time.Time{}, fmt.Errorf("at is more than %s ahead", maxDelay)
	}
	return at.UTC(), nil
}

func validateIdempotencyKey(key string) error {
	if key == "" {
		return nil
	}
	if len(key) > maxIdempotencyKeyLength {
		return fmt.Errorf("idempotency_key exceeds %d characters", maxIdempotencyKeyLength)
	}
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return fmt.Errorf("idempotency_key may only contain letters, digits and -_.:")
		}
	}
	return nil
}

// triggerIDFromPath extracts {id} from /internal/triggers/{id}.
func triggerIDFromPath(path string) (string, bool) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) != 3 || parts[0] != "internal" || parts[1] != "triggers" || parts[2] == "" {
		return "", false
	}
	return parts[2], true
}
