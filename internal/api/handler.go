// Package api serves the token endpoints and the operational surface of a
// tokenward replica.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/proxy"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Authority is the subset of token.Authority the handler needs.
type Authority interface {
	proxy.Verifier
	proxy.ServiceVerifier
	Issue(ctx context.Context, subject string, claims map[string]any, ttl time.Duration) (domain.Token, error)
	IssueService(ctx context.Context, service, audience string) (domain.Token, error)
	Refresh(ctx context.Context, raw string) (domain.Token, error)
	Revoke(ctx context.Context, tokenID string, until time.Time) error
}

// Triggers exposes the local scheduler.
type Triggers interface {
	List() []domain.TriggerStatus
	Cancel(ctx context.Context, id string) error
}

// Dispatcher queues events for immediate delivery, waiting while the queue
// is full.
type Dispatcher interface {
	EnqueueWait(ctx context.Context, ev domain.DispatchEvent) error
}

// OneShotScheduler registers notifications that fire later.
type OneShotScheduler interface {
	Add(t domain.Trigger) error
}

// TemplateSet reports which templates can be rendered.
type TemplateSet interface {
	Has(templateID string) bool
}

// SentCounter reports how many notifications of a template were sent on a day.
type SentCounter interface {
	SentCount(ctx context.Context, templateID string, day time.Time) (int64, error)
}

// NotificationTriggerPrefix starts the id of every runtime notification.
const NotificationTriggerPrefix = "notify-"

// HealthChecker provides component health for verbose /health responses.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckFunc adapts a ping function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) PingContext(ctx context.Context) error { return f(ctx) }

type Config struct {
	// Audience is required on service tokens calling /internal endpoints.
	// Empty accepts any service token.
	Audience string

	// ServiceSecrets maps service name to its shared secret for
	// /internal/service-token.
	ServiceSecrets map[string]string

	DefaultTTL time.Duration
	MaxTTL     time.Duration

	// EnqueueTimeout bounds how long an immediate notification waits for
	// queue space. Zero waits until the request is cancelled.
	EnqueueTimeout time.Duration

	// MaxNotifyDelay bounds how far ahead a notification may be scheduled.
	// Zero means no bound.
	MaxNotifyDelay time.Duration
}

type Handler struct {
	cfg       Config
	authority Authority
	triggers  Triggers // optional
	checks    map[string]HealthChecker
	clock     clock.Clock
	logger    *zap.Logger

	// notifications, optional
	dispatch  Dispatcher
	oneShot   OneShotScheduler
	templates TemplateSet

	sent    SentCounter // optional
	sentIDs []string

	bearer  func(http.Handler) http.Handler
	service func(http.Handler) http.Handler
}

func NewHandler(cfg Config, authority Authority, logger *zap.Logger) *Handler {
	return &Handler{
		cfg:       cfg,
		authority: authority,
		checks:    make(map[string]HealthChecker),
		clock:     clock.Real(),
		logger:    logger.Named("API"),
		bearer:    proxy.Middleware(authority, logger),
		service:   proxy.ServiceMiddleware(authority, cfg.Audience, logger),
	}
}

func (h *Handler) WithTriggers(t Triggers) *Handler {
	h.triggers = t
	return h
}

func (h *Handler) WithClock(c clock.Clock) *Handler {
	h.clock = c
	return h
}

// WithNotifications enables POST /internal/notifications. Sends without a
// future time go to d; later ones are added to s as one-shot triggers.
func (h *Handler) WithNotifications(d Dispatcher, s OneShotScheduler, templates TemplateSet) *Handler {
	h.dispatch = d
	h.oneShot = s
	h.templates = templates
	return h
}

// WithSentCounts adds today's per-template send counts to verbose /health
// responses.
func (h *Handler) WithSentCounts(c SentCounter, templateIDs []string) *Handler {
	h.sent = c
	h.sentIDs = templateIDs
	return h
}

// WithHealthCheck adds a component to verbose /health responses.
func (h *Handler) WithHealthCheck(name string, c HealthChecker) *Handler {
	if c != nil {
		h.checks[name] = c
	}
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == proxy.ServiceTokenPath && r.Method == http.MethodPost:
		h.serviceToken(w, r)

	case path == "/internal/tokens" && r.Method == http.MethodPost:
		h.service(http.HandlerFunc(h.issueToken)).ServeHTTP(w, r)

	case path == "/tokens/refresh" && r.Method == http.MethodPost:
		h.refreshToken(w, r)

	case path == "/tokens/revoke" && r.Method == http.MethodPost:
		h.bearer(http.HandlerFunc(h.revokeToken)).ServeHTTP(w, r)

	case path == "/internal/triggers" && r.Method == http.MethodGet:
		h.service(http.HandlerFunc(h.listTriggers)).ServeHTTP(w, r)

	case strings.HasPrefix(path, "/internal/triggers/") && r.Method == http.MethodDelete:
		h.service(http.HandlerFunc(h.cancelTrigger)).ServeHTTP(w, r)

	case path == "/internal/notifications" && r.Method == http.MethodPost && h.dispatch != nil:
		h.service(http.HandlerFunc(h.sendNotification)).ServeHTTP(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
	SentToday  map[string]int64  `json:"sent_today,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || (len(h.checks) == 0 && h.sent == nil) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{Status: "ok"}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if len(h.checks) > 0 {
		resp.Components = make(map[string]string, len(h.checks))
	}
	for name, c := range h.checks {
		if err := c.PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	if h.sent != nil {
		resp.SentToday = h.sentToday(ctx)
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// sentToday counts today's confirmed sends per template. Counts that cannot
// be read are left out; the ledger's backend has its own health component.
func (h *Handler) sentToday(ctx context.Context) map[string]int64 {
	day := h.clock.Now().UTC()
	out := make(map[string]int64, len(h.sentIDs))
	for _, id := range h.sentIDs {
		n, err := h.sent.SentCount(ctx, id, day)
		if err != nil {
			h.logger.Debug("sent count unavailable", zap.String("template", id), zap.Error(err))
			continue
		}
		out[id] = n
	}
	return out
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// decodeBody reads a JSON body into v. An empty body leaves v unchanged.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return false
	}
	return true
}

func (h *Handler) serviceToken(w http.ResponseWriter, r *http.Request) {
	service, secret, ok := r.BasicAuth()
	if !ok || !h.checkSecret(service, secret) {
		h.logger.Debug("service token request rejected", zap.String("service", service), zap.String("remote", r.RemoteAddr))
		proxy.WriteUnauthorized(w)
		return
	}

	var req proxy.ServiceTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}

	tok, err := h.authority.IssueService(r.Context(), service, req.Audience)
	if err != nil {
		h.writeDomainError(w, "issue service token", err)
		return
	}

	writeJSON(w, http.StatusOK, proxy.ServiceTokenResponse{
		Token:     tok.Raw,
		TokenID:   tok.TokenID,
		ExpiresAt: tok.ExpiresAt.UTC(),
	})
}

func (h *Handler) checkSecret(service, secret string) bool {
	want, ok := h.cfg.ServiceSecrets[service]
	if !ok || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(secret)) == 1
}

func (h *Handler) issueToken(w http.ResponseWriter, r *http.Request) {
	var req IssueTokenRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateIssueToken(req, h.cfg.MaxTTL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ttl := h.cfg.DefaultTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}

	tok, err := h.authority.Issue(r.Context(), req.Subject, req.Claims, ttl)
	if err != nil {
		h.writeDomainError(w, "issue token", err)
		return
	}

	if caller, ok := proxy.CallerFrom(r.Context()); ok {
		h.logger.Info("token issued for service",
			zap.String("service", caller.Subject),
			zap.String("subject", tok.Subject),
			zap.String("tokenID", tok.TokenID),
		)
	}
	writeJSON(w, http.StatusCreated, tokenResponse(tok))
}

func (h *Handler) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := validateRefresh(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tok, err := h.authority.Refresh(r.Context(), req.Token)
	if err != nil {
		h.writeDomainError(w, "refresh token", err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(tok))
}

func (h *Handler) revokeToken(w http.ResponseWriter, r *http.Request) {
	caller, ok := proxy.CallerFrom(r.Context())
	if !ok {
		proxy.WriteUnauthorized(w)
		return
	}

	if err := h.authority.Revoke(r.Context(), caller.TokenID, caller.ExpiresAt); err != nil {
		h.writeDomainError(w, "revoke token", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var statuses []domain.TriggerStatus
	if h.triggers != nil {
		statuses = h.triggers.List()
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].TriggerID < statuses[j].TriggerID })

	if offset > len(statuses) {
		offset = len(statuses)
	}
	end := offset + limit
	if end > len(statuses) {
		end = len(statuses)
	}
	page := statuses[offset:end]

	resp := ListTriggersResponse{Triggers: make([]TriggerResponse, len(page))}
	for i, st := range page {
		resp.Triggers[i] = TriggerResponse{
			ID:          st.TriggerID,
			Schedule:    st.Schedule,
			State:       string(st.State),
			NextFireAt:  formatOptionalTime(st.NextFireAt),
			LastFiredAt: formatOptionalTime(st.LastFiredAt),
			LastMisfire: formatOptionalTime(st.LastMisfire),
			Fired:       st.Fired,
			Misfires:    st.Misfires,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cancelTrigger(w http.ResponseWriter, r *http.Request) {
	id, ok := triggerIDFromPath(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if h.triggers == nil {
		writeError(w, http.StatusNotFound, "trigger not found")
		return
	}

	if err := h.triggers.Cancel(r.Context(), id); err != nil {
		h.writeDomainError(w, "cancel trigger", err)
		return
	}

	h.logger.Info("trigger cancelled via api", zap.String("triggerID", id))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) sendNotification(w http.ResponseWriter, r *http.Request) {
	var req NotificationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	now := h.clock.Now().UTC()
	at, err := validateNotification(req, h.templates, now, h.cfg.MaxNotifyDelay)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := NotificationTriggerPrefix + uuid.NewString()
	if req.IdempotencyKey != "" {
		id = NotificationTriggerPrefix + req.IdempotencyKey
	}
	payload := domain.JobPayload{
		TemplateID: req.Template,
		Recipient:  strings.TrimSpace(req.Recipient),
		Params:     req.Params,
	}
	log := h.logger.With(zap.String("id", id), zap.String("template", req.Template))
	if caller, ok := proxy.CallerFrom(r.Context()); ok {
		log = log.With(zap.String("service", caller.Subject))
	}

	if at.After(now) {
		if h.oneShot == nil {
			writeError(w, http.StatusBadRequest, "scheduled notifications are not enabled")
			return
		}
		err := h.oneShot.Add(domain.Trigger{
			ID:       id,
			Schedule: domain.Schedule{Kind: domain.ScheduleKindOnce, At: at},
			Payload:  payload,
			Misfire:  domain.MisfireFireNow,
		})
		if err != nil {
			h.writeDomainError(w, "schedule notification", err)
			return
		}
		log.Info("notification scheduled", zap.Time("at", at))
		writeJSON(w, http.StatusAccepted, NotificationResponse{ID: id, Status: "scheduled", ScheduledAt: formatTime(at)})
		return
	}

	ev := domain.DispatchEvent{
		ID:             uuid.New(),
		TriggerID:      id,
		Payload:        payload,
		ScheduledAt:    now,
		FiredAt:        now,
		IdempotencyKey: id,
	}

	ctx := r.Context()
	if h.cfg.EnqueueTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.cfg.EnqueueTimeout)
		defer cancel()
	}
	if err := h.dispatch.EnqueueWait(ctx, ev); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("%w: no space within %s", domain.ErrQueueFull, h.cfg.EnqueueTimeout)
		}
		h.writeDomainError(w, "queue notification", err)
		return
	}

	log.Info("notification queued")
	writeJSON(w, http.StatusAccepted, NotificationResponse{ID: id, Status: "queued", ScheduledAt: formatTime(now)})
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrCacheUnavailable), errors.Is(err, domain.ErrClockSkew),
		errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrQueueClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrTriggerExists):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidClaims):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTriggerNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrUnauthorized),
		errors.Is(err, domain.ErrExpired),
		errors.Is(err, domain.ErrRevoked),
		errors.Is(err, domain.ErrMalformed):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeDomainError(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusUnauthorized:
		h.logger.Debug(op+" rejected", zap.Error(err))
		proxy.WriteUnauthorized(w)
	case http.StatusBadRequest:
		writeError(w, status, err.Error())
	case http.StatusNotFound:
		writeError(w, status, "trigger not found")
	case http.StatusConflict:
		writeError(w, status, "already exists")
	case http.StatusServiceUnavailable:
		h.logger.Warn(op+" unavailable", zap.Error(err))
		w.Header().Set("Retry-After", "1")
		writeError(w, status, "temporarily unavailable")
	default:
		h.logger.Error(op+" failed", zap.Error(err))
		writeError(w, status, "internal error")
	}
}

func tokenResponse(tok domain.Token) TokenResponse {
	return TokenResponse{
		Token:     tok.Raw,
		TokenID:   tok.TokenID,
		Subject:   tok.Subject,
		IssuedAt:  formatTime(tok.IssuedAt),
		ExpiresAt: formatTime(tok.ExpiresAt),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
