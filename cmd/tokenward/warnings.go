package main

import (
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/config"
)

// logConfigWarnings flags valid but risky settings at startup.
func logConfigWarnings(cfg config.Config, logger *zap.Logger) {
	production := cfg.Env == "production"

	if cfg.LocalTTL == 0 {
		logger.Warn("WARNING [P1]: REVOCATION_LOCAL_TTL=0; every verify reads Redis")
	}
	if cfg.InterserviceSecrets == "" {
		logger.Warn("WARNING [P1]: INTERSERVICE_SECRETS empty; /internal/service-token rejects every caller")
	}
	if cfg.ManifestPath == "" {
		logger.Warn("WARNING [P1]: MANIFEST_PATH not set; no triggers or templates loaded")
	}
	if !cfg.MetricsEnabled {
		logger.Warn("WARNING [P1]: METRICS_ENABLED=false; revocation and dispatch health are invisible")
	}
	if cfg.MailTransport == "log" {
		if production {
			logger.Warn("WARNING [P0]: MAIL_TRANSPORT=log in production; notifications are logged, not sent")
		} else {
			logger.Info("INFO: MAIL_TRANSPORT=log; notifications are logged, not sent")
		}
	}
	if cfg.CircuitBreakerThreshold == 0 {
		logger.Info("INFO: CIRCUIT_BREAKER_THRESHOLD=0; mail transport circuit breaker disabled")
	}
	if cfg.DeadLetterBackend == "redis" {
		logger.Info("INFO: DEADLETTER_BACKEND=redis; dead letters are trimmed by stream length, not retention")
	}
}
