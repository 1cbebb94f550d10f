// Command relay-receiver is a development mail relay. It accepts the signed
// JSON that the relay mail transport posts and keeps the last messages in
// memory for inspection through /stats.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/domain"
	"github.com/djlord-it/tokenward/internal/logger"
	"github.com/djlord-it/tokenward/internal/proxy"
	"github.com/djlord-it/tokenward/internal/revocation"
	"github.com/djlord-it/tokenward/internal/token"
)

type config struct {
	Addr          string `envconfig:"ADDR" default:":8025"`
	RelaySecret   string `envconfig:"RELAY_SECRET"`
	JWTSecret     string `envconfig:"JWT_SECRET"`
	JWTIssuer     string `envconfig:"JWT_ISSUER" default:"auth-service"`
	RelayAudience string `envconfig:"RELAY_AUDIENCE" default:"mail-relay"`
	MaxStored     int    `envconfig:"MAX_STORED" default:"50"`
	LogLevel      string `envconfig:"LOG_LEVEL" default:"info"`
}

func main() {
	var cfg config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(2)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	gin.SetMode(gin.ReleaseMode)
	rc := newReceiver(cfg.RelaySecret, cfg.MaxStored, clock.Real(), log)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           rc.router(serviceVerifier(cfg, log)),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("relay-receiver listening",
		zap.String("addr", cfg.Addr),
		zap.Bool("signature_required", cfg.RelaySecret != ""),
		zap.Bool("service_token_required", cfg.JWTSecret != ""),
	)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("server failed", zap.Error(err))
		os.Exit(1)
	}
}

// serviceVerifier checks relay service tokens against the shared JWT secret.
// Without a secret the receiver accepts unauthenticated posts.
func serviceVerifier(cfg config, log *zap.Logger) proxy.Verifier {
	if cfg.JWTSecret == "" {
		return nil
	}
	tcfg := token.DefaultConfig()
	tcfg.Secret = []byte(cfg.JWTSecret)
	tcfg.Issuer = cfg.JWTIssuer

	c := clock.Real()
	authority := token.New(tcfg, revocation.NewMemoryCache(c), c, log)
	audience := cfg.RelayAudience
	return proxy.VerifierFunc(func(ctx context.Context, raw string) (domain.CallerContext, error) {
		return authority.VerifyService(ctx, raw, audience)
	})
}
