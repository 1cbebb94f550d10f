package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for tokenward, read from environment
// variables. Fields tagged secret are masked by MaskedJSON.
type Config struct {
	Env         string `envconfig:"ENV" default:"development"`
	ServiceName string `envconfig:"SERVICE_NAME" default:"tokenward"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	HTTPAddr            string        `envconfig:"HTTP_ADDR" default:":8080"`
	HTTPShutdownTimeout time.Duration `envconfig:"HTTP_SHUTDOWN_TIMEOUT" default:"10s"`

	DatabaseURL       string        `envconfig:"DATABASE_URL" secret:"true"`
	DBOpTimeout       time.Duration `envconfig:"DB_OP_TIMEOUT" default:"5s"`
	DBMaxOpenConns    int           `envconfig:"DB_MAX_OPEN_CONNS" default:"25"`
	DBMaxIdleConns    int           `envconfig:"DB_MAX_IDLE_CONNS" default:"5"`
	DBConnMaxLifetime time.Duration `envconfig:"DB_CONN_MAX_LIFETIME" default:"30m"`
	DBConnMaxIdleTime time.Duration `envconfig:"DB_CONN_MAX_IDLE_TIME" default:"5m"`

	RedisAddr      string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string        `envconfig:"REDIS_PASSWORD" secret:"true"`
	RedisDB        int           `envconfig:"REDIS_DB" default:"0"`
	RedisOpTimeout time.Duration `envconfig:"REDIS_OP_TIMEOUT" default:"500ms"`

	JWTSecret          string        `envconfig:"JWT_SECRET" secret:"true"`
	JWTIssuer          string        `envconfig:"JWT_ISSUER" default:"auth-service"`
	AccessTokenTTL     time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	MaxTokenTTL        time.Duration `envconfig:"MAX_TOKEN_TTL" default:"24h"`
	ServiceTokenTTL    time.Duration `envconfig:"SERVICE_TOKEN_TTL" default:"60s"`
	ClockSkewTolerance time.Duration `envconfig:"CLOCK_SKEW_TOLERANCE" default:"2s"`
	SkewCheckInterval  time.Duration `envconfig:"SKEW_CHECK_INTERVAL" default:"30s"`

	// PropagationSLA bounds how long a revocation may take to reach every replica.
	PropagationSLA time.Duration `envconfig:"REVOCATION_SLA" default:"5s"`
	LocalTTL       time.Duration `envconfig:"REVOCATION_LOCAL_TTL" default:"2s"`
	LocalMaxClean  int           `envconfig:"REVOCATION_LOCAL_MAX" default:"100000"`

	// InterserviceSecrets lists service:secret pairs accepted by /internal/service-token.
	InterserviceSecrets string `envconfig:"INTERSERVICE_SECRETS" secret:"true"`

	ManifestPath     string        `envconfig:"MANIFEST_PATH"`
	TickInterval     time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`
	MisfireThreshold time.Duration `envconfig:"MISFIRE_THRESHOLD" default:"5s"`

	QueueCapacity     int           `envconfig:"QUEUE_CAPACITY" default:"1000"`
	DispatchWorkers   int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	DispatchAttempts  int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"4"`
	RetryBase         time.Duration `envconfig:"RETRY_BASE" default:"1s"`
	RetryMax          time.Duration `envconfig:"RETRY_MAX" default:"30s"`
	DrainTimeout      time.Duration `envconfig:"DRAIN_TIMEOUT" default:"30s"`
	DeadLetterBackend string        `envconfig:"DEADLETTER_BACKEND" default:"postgres"`
	DeadLetterRetain  time.Duration `envconfig:"DEADLETTER_RETENTION" default:"720h"`

	// Runtime notifications accepted by POST /internal/notifications.
	NotifyEnqueueTimeout time.Duration `envconfig:"NOTIFY_ENQUEUE_TIMEOUT" default:"2s"`
	NotifyMaxDelay       time.Duration `envconfig:"NOTIFY_MAX_DELAY" default:"168h"`
	NotifyRetention      time.Duration `envconfig:"NOTIFY_RETENTION" default:"1h"`

	MailTransport string        `envconfig:"MAIL_TRANSPORT" default:"log"`
	SMTPHost      string        `envconfig:"SMTP_HOST"`
	SMTPPort      int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUsername  string        `envconfig:"SMTP_USERNAME"`
	SMTPPassword  string        `envconfig:"SMTP_PASSWORD" secret:"true"`
	MailFrom      string        `envconfig:"MAIL_FROM" default:"noreply@localhost"`
	RelayURL      string        `envconfig:"RELAY_URL"`
	RelaySecret   string        `envconfig:"RELAY_SECRET" secret:"true"`
	RelayAudience string        `envconfig:"RELAY_AUDIENCE" default:"mail-relay"`
	LedgerTTL     time.Duration `envconfig:"LEDGER_TTL" default:"72h"`

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int           `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
	CircuitBreakerCooldown  time.Duration `envconfig:"CIRCUIT_BREAKER_COOLDOWN" default:"2m"`

	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`
	MetricsPath    string `envconfig:"METRICS_PATH" default:"/metrics"`

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey           int64         `envconfig:"LEADER_LOCK_KEY" default:"728379"`
	LeaderRetryInterval     time.Duration `envconfig:"LEADER_RETRY_INTERVAL" default:"5s"`
	LeaderHeartbeatInterval time.Duration `envconfig:"LEADER_HEARTBEAT_INTERVAL" default:"2s"`

	JanitorInterval time.Duration `envconfig:"JANITOR_INTERVAL" default:"30m"`
}

// Load reads envFile if it exists, then the environment. Variables already
// set in the environment win over the file.
func Load(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}

// ServiceSecrets parses INTERSERVICE_SECRETS ("orders:s1,billing:s2").
func (c Config) ServiceSecrets() (map[string]string, error) {
	out := make(map[string]string)
	if strings.TrimSpace(c.InterserviceSecrets) == "" {
		return out, nil
	}
	for _, pair := range strings.Split(c.InterserviceSecrets, ",") {
		name, secret, ok := strings.Cut(strings.TrimSpace(pair), ":")
		name = strings.TrimSpace(name)
		if !ok || name == "" || secret == "" {
			return nil, fmt.Errorf("invalid service secret entry %q", pair)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("duplicate service %q", name)
		}
		out[name] = secret
	}
	return out, nil
}

// MaskedJSON returns the configuration keyed by environment variable, with
// secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	out := make(map[string]string)
	v := reflect.ValueOf(c)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		key := f.Tag.Get("envconfig")
		if key == "" {
			continue
		}
		val := fmt.Sprint(v.Field(i).Interface())
		if f.Tag.Get("secret") == "true" {
			val = maskSecret(val)
		}
		out[key] = val
	}
	return json.MarshalIndent(out, "", "  ")
}

// maskSecret masks a secret value, keeping only the URI scheme and host of
// connection strings.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if u, err := url.Parse(s); err == nil && u.Scheme != "" && u.Host != "" {
		return u.Scheme + "://***@" + u.Host
	}
	return "***"
}
