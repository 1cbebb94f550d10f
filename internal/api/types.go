package api

import "time"

// IssueTokenRequest asks for a user token on behalf of a trusted service.
type IssueTokenRequest struct {
	Subject    string         `json:"subject"`
	Claims     map[string]any `json:"claims,omitempty"`
	TTLSeconds int            `json:"ttl_seconds,omitempty"` // default AccessTokenTTL
}

type RefreshRequest struct {
	Token string `json:"token"`
}

type TokenResponse struct {
	Token     string `json:"token"`
	TokenID   string `json:"token_id"`
	Subject   string `json:"subject"`
	IssuedAt  string `json:"issued_at"`
	ExpiresAt string `json:"expires_at"`
}

type TriggerResponse struct {
	ID          string `json:"id"`
	Schedule    string `json:"schedule"`
	State       string `json:"state"`
	NextFireAt  string `json:"next_fire_at,omitempty"`
	LastFiredAt string `json:"last_fired_at,omitempty"`
	LastMisfire string `json:"last_misfire_at,omitempty"`
	Fired       int    `json:"fired"`
	Misfires    int    `json:"misfires"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

// NotificationRequest asks for a templated notification, sent now or at a
// later time.
type NotificationRequest struct {
	Template  string            `json:"template"`
	Recipient string            `json:"recipient"`
	Params    map[string]string `json:"params,omitempty"`

	// At schedules the send (RFC 3339). Empty or past sends immediately.
	At string `json:"at,omitempty"`

	// IdempotencyKey lets a caller retry the request without a second send.
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type NotificationResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"` // queued or scheduled
	ScheduledAt string `json:"scheduled_at"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// formatOptionalTime renders the zero time as an empty string.
func formatOptionalTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return formatTime(t)
}
