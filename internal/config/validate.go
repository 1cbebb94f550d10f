package config

import (
	"fmt"
	"time"
)

// MinSecretLength is the shortest accepted JWT_SECRET, in bytes.
const MinSecretLength = 32

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	var errs ValidationErrors
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	if len(cfg.JWTSecret) < MinSecretLength {
		add("JWT_SECRET", "must be at least %d bytes", MinSecretLength)
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeout},
		{"DB_OP_TIMEOUT", cfg.DBOpTimeout},
		{"REDIS_OP_TIMEOUT", cfg.RedisOpTimeout},
		{"ACCESS_TOKEN_TTL", cfg.AccessTokenTTL},
		{"MAX_TOKEN_TTL", cfg.MaxTokenTTL},
		{"SERVICE_TOKEN_TTL", cfg.ServiceTokenTTL},
		{"SKEW_CHECK_INTERVAL", cfg.SkewCheckInterval},
		{"REVOCATION_SLA", cfg.PropagationSLA},
		{"TICK_INTERVAL", cfg.TickInterval},
		{"MISFIRE_THRESHOLD", cfg.MisfireThreshold},
		{"RETRY_BASE", cfg.RetryBase},
		{"RETRY_MAX", cfg.RetryMax},
		{"DRAIN_TIMEOUT", cfg.DrainTimeout},
		{"DEADLETTER_RETENTION", cfg.DeadLetterRetain},
		{"NOTIFY_ENQUEUE_TIMEOUT", cfg.NotifyEnqueueTimeout},
		{"NOTIFY_MAX_DELAY", cfg.NotifyMaxDelay},
		{"NOTIFY_RETENTION", cfg.NotifyRetention},
		{"LEDGER_TTL", cfg.LedgerTTL},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatInterval},
		{"JANITOR_INTERVAL", cfg.JanitorInterval},
	} {
		if d.value <= 0 {
			add(d.field, "must be positive, got %s", d.value)
		}
	}

	if cfg.ClockSkewTolerance < 0 {
		add("CLOCK_SKEW_TOLERANCE", "must not be negative")
	}
	if cfg.LocalTTL < 0 {
		add("REVOCATION_LOCAL_TTL", "must not be negative")
	}
	// a clean local verdict may hide a revocation for up to LocalTTL
	if cfg.LocalTTL > cfg.PropagationSLA {
		add("REVOCATION_LOCAL_TTL", "must not exceed REVOCATION_SLA (%s > %s)", cfg.LocalTTL, cfg.PropagationSLA)
	}
	if cfg.AccessTokenTTL > cfg.MaxTokenTTL {
		add("ACCESS_TOKEN_TTL", "must not exceed MAX_TOKEN_TTL (%s > %s)", cfg.AccessTokenTTL, cfg.MaxTokenTTL)
	}
	if cfg.RetryMax < cfg.RetryBase {
		add("RETRY_MAX", "must be at least RETRY_BASE")
	}

	for _, n := range []struct {
		field string
		value int
	}{
		{"QUEUE_CAPACITY", cfg.QueueCapacity},
		{"DISPATCH_WORKERS", cfg.DispatchWorkers},
		{"DISPATCH_MAX_ATTEMPTS", cfg.DispatchAttempts},
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
		{"REVOCATION_LOCAL_MAX", cfg.LocalMaxClean},
	} {
		if n.value <= 0 {
			add(n.field, "must be positive, got %d", n.value)
		}
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold > 0 && cfg.CircuitBreakerCooldown <= 0 {
		add("CIRCUIT_BREAKER_COOLDOWN", "must be positive when the breaker is enabled")
	}

	switch cfg.DeadLetterBackend {
	case "postgres", "redis":
	default:
		add("DEADLETTER_BACKEND", "must be 'postgres' or 'redis', got %q", cfg.DeadLetterBackend)
	}

	switch cfg.MailTransport {
	case "smtp":
		if cfg.SMTPHost == "" {
			add("SMTP_HOST", "required when MAIL_TRANSPORT=smtp")
		}
		if cfg.SMTPPort <= 0 || cfg.SMTPPort > 65535 {
			add("SMTP_PORT", "out of range: %d", cfg.SMTPPort)
		}
	case "relay":
		if cfg.RelayURL == "" {
			add("RELAY_URL", "required when MAIL_TRANSPORT=relay")
		}
		if cfg.RelaySecret == "" {
			add("RELAY_SECRET", "required when MAIL_TRANSPORT=relay")
		}
	case "log":
	default:
		add("MAIL_TRANSPORT", "must be 'smtp', 'relay' or 'log', got %q", cfg.MailTransport)
	}

	if _, err := cfg.ServiceSecrets(); err != nil {
		add("INTERSERVICE_SECRETS", "%v", err)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
