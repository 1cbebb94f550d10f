package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/djlord-it/tokenward/internal/api"
	"github.com/djlord-it/tokenward/internal/circuitbreaker"
	"github.com/djlord-it/tokenward/internal/clock"
	"github.com/djlord-it/tokenward/internal/config"
	"github.com/djlord-it/tokenward/internal/cron"
	"github.com/djlord-it/tokenward/internal/janitor"
	"github.com/djlord-it/tokenward/internal/leaderelection"
	"github.com/djlord-it/tokenward/internal/logger"
	"github.com/djlord-it/tokenward/internal/manifest"
	"github.com/djlord-it/tokenward/internal/metrics"
	"github.com/djlord-it/tokenward/internal/notify"
	"github.com/djlord-it/tokenward/internal/proxy"
	"github.com/djlord-it/tokenward/internal/queue"
	"github.com/djlord-it/tokenward/internal/retry"
	"github.com/djlord-it/tokenward/internal/revocation"
	"github.com/djlord-it/tokenward/internal/scheduler"
	"github.com/djlord-it/tokenward/internal/store/postgres"
	"github.com/djlord-it/tokenward/internal/token"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

// deadLetterStreamMaxLen bounds the Redis dead-letter stream.
const deadLetterStreamMaxLen = 100000

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve", "validate", "config":
		opts, err := parseFlags(cmd, os.Args[2:])
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(exitSuccess)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
			os.Exit(exitRuntimeError)
		}
		switch cmd {
		case "serve":
			os.Exit(runServe(opts))
		case "validate":
			os.Exit(runValidate(opts))
		default:
			os.Exit(runConfig(opts))
		}
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`tokenward - token authority, notification scheduler and dispatcher

Usage:
  tokenward <command> [flags]

Commands:
  serve      Start the token API, scheduler, dispatcher and janitor
  validate   Validate configuration and manifest (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Flags:
  --env-file string   dotenv file loaded before the environment (default ".env")
  -m, --manifest      trigger and template manifest, overrides MANIFEST_PATH

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  JWT_SECRET                HS256 signing secret, at least 32 bytes (required)
  REDIS_ADDR                Redis address (default: "localhost:6379")
  HTTP_ADDR                 HTTP server address (default: ":8080")
  INTERSERVICE_SECRETS      service:secret pairs for /internal/service-token

  ACCESS_TOKEN_TTL          Default user token lifetime (default: "15m")
  SERVICE_TOKEN_TTL         Service token lifetime (default: "60s")
  REVOCATION_SLA            Revocation propagation bound (default: "5s")
  REVOCATION_LOCAL_TTL      Local negative cache lifetime (default: "2s")

  TICK_INTERVAL             Scheduler tick interval (default: "1s")
  MISFIRE_THRESHOLD         Lateness that counts as a misfire (default: "5s")
  QUEUE_CAPACITY            Dispatch queue capacity (default: "1000")
  DISPATCH_WORKERS          Dispatch worker count (default: "4")
  DRAIN_TIMEOUT             Dispatch drain timeout on shutdown (default: "30s")
  DEADLETTER_BACKEND        postgres or redis (default: "postgres")

  NOTIFY_ENQUEUE_TIMEOUT    Wait for queue space on immediate sends (default: "2s")
  NOTIFY_MAX_DELAY          Furthest ahead a notification may be scheduled (default: "168h")
  NOTIFY_RETENTION          How long sent one-shot notifications stay listed (default: "1h")

  MAIL_TRANSPORT            smtp, relay or log (default: "log")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_ADDR              Metrics server address (default: ":9090")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")`)
}

type options struct {
	envFile  string
	manifest string
}

func parseFlags(cmd string, args []string) (options, error) {
	fs := pflag.NewFlagSet(cmd, pflag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")
	fs.StringVarP(&opts.manifest, "manifest", "m", "", "trigger and template manifest, overrides MANIFEST_PATH")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if fs.NArg() > 0 {
		return options{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}
	return opts, nil
}

func loadConfig(opts options) (config.Config, error) {
	cfg, err := config.Load(opts.envFile)
	if err != nil {
		return config.Config{}, err
	}
	if opts.manifest != "" {
		cfg.ManifestPath = opts.manifest
	}
	return cfg, nil
}

// loadManifest returns an empty manifest when path is empty.
func loadManifest(path string) (*manifest.Manifest, error) {
	if path == "" {
		return &manifest.Manifest{}, nil
	}
	m, err := manifest.Load(path)
	if err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func runServe(opts options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}
	m, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "manifest error: %v\n", err)
		return exitInvalidConfig
	}
	secrets, _ := cfg.ServiceSecrets()

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		return exitRuntimeError
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("service", cfg.ServiceName), zap.String("env", cfg.Env))
	logConfigWarnings(cfg, log)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to open database", zap.Error(err))
		return exitRuntimeError
	}
	defer db.Close()

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Info("db pool configured",
		zap.Int("max_open", cfg.DBMaxOpenConns),
		zap.Int("max_idle", cfg.DBMaxIdleConns),
		zap.Duration("max_lifetime", cfg.DBConnMaxLifetime),
		zap.Duration("max_idle_time", cfg.DBConnMaxIdleTime),
	)

	store := postgres.New(db)
	startCtx, cancelStart := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = store.PingContext(startCtx)
	if err == nil {
		err = store.Migrate(startCtx)
	}
	cancelStart()
	if err != nil {
		log.Error("failed to prepare database", zap.Error(err))
		return exitRuntimeError
	}

	// Connect to Redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	pingCtx, cancelPing := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		log.Error("failed to connect to redis", zap.String("addr", cfg.RedisAddr), zap.Error(err))
		return exitRuntimeError
	}

	// Metrics sink and server
	var sink metrics.Sink = metrics.NewNoopSink()
	var metricsServer *http.Server
	serverErr := make(chan error, 2)

	if cfg.MetricsEnabled {
		sink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer, log)

		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr), zap.String("path", cfg.MetricsPath))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				serverErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	} else {
		log.Info("METRICS_ENABLED not set; metrics disabled")
	}

	clk := clock.Real()

	// Token authority
	revStore := revocation.NewRedisCache(rdb, clk, cfg.RedisOpTimeout, log)
	local := revocation.NewLocalCache(clk, cfg.LocalTTL, cfg.LocalMaxClean)
	skew := clock.NewSkewGuard(clock.NewRedisReference(rdb), clk, cfg.ClockSkewTolerance, cfg.SkewCheckInterval)

	tokenCfg := token.DefaultConfig()
	tokenCfg.Secret = []byte(cfg.JWTSecret)
	tokenCfg.Issuer = cfg.JWTIssuer
	tokenCfg.ClockSkewTolerance = cfg.ClockSkewTolerance
	tokenCfg.ServiceTokenTTL = cfg.ServiceTokenTTL

	authority := token.New(tokenCfg, revStore, clk, log).
		WithLocalCache(local).
		WithSkewCheck(skew).
		WithMetrics(sink)

	// Notification gateway
	renderer, err := notify.NewRenderer(m.NotifyTemplates())
	if err != nil {
		log.Error("failed to compile templates", zap.Error(err))
		return exitInvalidConfig
	}
	ledgerCfg := notify.DefaultLedgerConfig()
	ledgerCfg.SentTTL = cfg.LedgerTTL

	ledger := notify.NewRedisLedger(rdb, ledgerCfg)

	gateway := notify.NewGateway(notify.DefaultConfig(), renderer, ledger, newMailTransport(cfg, authority, clk, log), clk, log).
		WithMetrics(sink)
	if cfg.CircuitBreakerThreshold > 0 {
		gateway = gateway.WithBreaker(circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown, clk, log))
	}

	// Dispatch queue and workers
	q := queue.New(cfg.QueueCapacity)
	poolCfg := queue.DefaultPoolConfig()
	poolCfg.Workers = cfg.DispatchWorkers
	poolCfg.MaxAttempts = cfg.DispatchAttempts
	poolCfg.Backoff = retry.Backoff{Base: cfg.RetryBase, Max: cfg.RetryMax, Jitter: true}
	poolCfg.DrainTimeout = cfg.DrainTimeout
	pool := queue.NewPool(poolCfg, q, gateway, newDeadLetterSink(cfg, store, rdb), clk, log).WithMetrics(sink)

	// Scheduler, run by the elected leader only
	triggers := m.DomainTriggers()
	pruneCtx, cancelPrune := context.WithTimeout(context.Background(), cfg.DBOpTimeout)
	if n, err := store.PruneCursors(pruneCtx, triggerIDs(triggers)); err != nil {
		log.Warn("stale cursor prune failed", zap.Error(err))
	} else if n > 0 {
		log.Info("pruned cursors of removed triggers", zap.Int64("count", n))
	}
	cancelPrune()

	schedCfg := scheduler.DefaultConfig()
	schedCfg.TickInterval = cfg.TickInterval
	schedCfg.MisfireThreshold = cfg.MisfireThreshold
	parser := cron.NewParser()

	host := newSchedulerHost(func() triggerScheduler {
		return scheduler.New(schedCfg, parser, q, clk, log).
			WithCursorStore(store).
			WithMetrics(sink)
	}, triggers, log)

	// Runtime notifications are scheduled on the replica that accepted them
	notifyCfg := schedCfg
	notifyCfg.CompletedRetention = cfg.NotifyRetention
	notifications := scheduler.New(notifyCfg, parser, q, clk, log.Named("Notifications"))

	elector := leaderelection.New(db, leaderelection.Config{
		LockKey:           cfg.LeaderLockKey,
		RetryInterval:     cfg.LeaderRetryInterval,
		HeartbeatInterval: cfg.LeaderHeartbeatInterval,
	}, host.Run, host.Stop, log).WithMetrics(sink)

	// Janitor
	jan := janitor.New(janitor.Config{
		Interval:            cfg.JanitorInterval,
		DeadLetterRetention: cfg.DeadLetterRetain,
	}, clk, log).
		Sweep("local_revocations", local).
		Sweep("notification_triggers", notifications).
		WithMetrics(sink)
	if cfg.DeadLetterBackend == "postgres" {
		jan = jan.WithDeadLetters(store)
	}

	// HTTP API
	apiHandler := api.NewHandler(api.Config{
		Audience:       cfg.ServiceName,
		ServiceSecrets: secrets,
		DefaultTTL:     cfg.AccessTokenTTL,
		MaxTTL:         cfg.MaxTokenTTL,
		EnqueueTimeout: cfg.NotifyEnqueueTimeout,
		MaxNotifyDelay: cfg.NotifyMaxDelay,
	}, authority, log).
		WithTriggers(triggerSet{leader: host, runtime: notifications}).
		WithNotifications(q, notifications, renderer).
		WithSentCounts(ledger, renderer.IDs()).
		WithHealthCheck("postgres", store).
		WithHealthCheck("redis", api.HealthCheckFunc(revStore.Ping))

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Separate contexts enable ordered shutdown.
	leaderCtx, cancelLeader := context.WithCancel(context.Background())
	notifyCtx, cancelNotify := context.WithCancel(context.Background())
	poolCtx, cancelPool := context.WithCancel(context.Background())
	janitorCtx, cancelJanitor := context.WithCancel(context.Background())

	var leaderWg, notifyWg, poolWg, janitorWg sync.WaitGroup

	poolWg.Add(1)
	go func() {
		defer poolWg.Done()
		pool.Run(poolCtx)
	}()

	leaderWg.Add(1)
	go func() {
		defer leaderWg.Done()
		elector.Run(leaderCtx)
	}()

	notifyWg.Add(1)
	go func() {
		defer notifyWg.Done()
		_ = notifications.Run(notifyCtx)
	}()

	janitorWg.Add(1)
	go func() {
		defer janitorWg.Done()
		jan.Run(janitorCtx)
	}()

	log.Info("started",
		zap.String("version", version),
		zap.Int("triggers", len(triggers)),
		zap.Int("templates", len(m.Templates)),
		zap.String("mail_transport", cfg.MailTransport),
		zap.String("deadletter_backend", cfg.DeadLetterBackend),
	)

	exitCode := exitSuccess
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case received := <-sig:
		log.Info("received signal, shutting down", zap.String("signal", received.String()))
	case err := <-serverErr:
		log.Error("server failed, shutting down", zap.Error(err))
		exitCode = exitRuntimeError
	}

	// Phase 1: Stop scheduling (no new events enqueued)
	log.Info("stopping leader election and scheduler...")
	cancelLeader()
	cancelNotify()
	leaderWg.Wait()
	notifyWg.Wait()
	if n := pendingCount(notifications.List()); n > 0 {
		log.Warn("scheduled notifications dropped at shutdown", zap.Int("count", n))
	}
	log.Info("scheduler stopped")

	cancelJanitor()
	janitorWg.Wait()

	// Phase 2: Drain the dispatch queue
	log.Info("stopping dispatcher (draining events)...", zap.Int("buffered", q.Len()))
	cancelPool()
	poolWg.Wait()
	log.Info("dispatcher stopped")

	// Phase 3: Stop HTTP server with graceful shutdown
	log.Info("stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Warn("http server shutdown error", zap.Error(err))
	}
	log.Info("http server stopped")

	// Phase 4: Stop metrics server if running
	if metricsServer != nil {
		log.Info("stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", zap.Error(err))
		}
		log.Info("metrics server stopped")
	}

	log.Info("stopped")
	return exitCode
}

// newMailTransport builds the configured transport. Relay calls carry a
// service token for the relay's audience.
func newMailTransport(cfg config.Config, issuer proxy.ServiceIssuer, clk clock.Clock, log *zap.Logger) notify.Transport {
	switch cfg.MailTransport {
	case "smtp":
		return notify.NewSMTPTransport(notify.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		})
	case "relay":
		source := proxy.NewCachingSource(proxy.AuthorityFetcher{
			Issuer:   issuer,
			Service:  cfg.ServiceName,
			Audience: cfg.RelayAudience,
		}, proxy.DefaultRefreshBefore, clk, log)
		return notify.NewRelayTransport(cfg.RelayURL, cfg.RelaySecret).WithClient(proxy.NewClient(source, log))
	default:
		return notify.NewLogTransport(log)
	}
}

func newDeadLetterSink(cfg config.Config, store *postgres.Store, rdb redis.Cmdable) queue.DeadLetterSink {
	if cfg.DeadLetterBackend == "redis" {
		return queue.NewRedisStreamSink(rdb, queue.DefaultDeadLetterStream, deadLetterStreamMaxLen)
	}
	return store
}

func runValidate(opts options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	m, err := loadManifest(cfg.ManifestPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Printf("configuration valid (%d triggers, %d templates)\n", len(m.Triggers), len(m.Templates))
	return exitSuccess
}

func runConfig(opts options) int {
	cfg, err := loadConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("tokenward version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
