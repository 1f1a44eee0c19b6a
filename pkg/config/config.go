package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Provider     ProviderConfig
	Jobs         JobsConfig
	GCP          GCPConfig
	PubSub       PubSubConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"STARFORGE_APP_ENV" required:"true"`
	Port         string `envconfig:"STARFORGE_APP_PORT" required:"true"`
	LogLevel     string `envconfig:"STARFORGE_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STARFORGE_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"STARFORGE_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN    string `envconfig:"STARFORGE_DB_DSN"`
	Driver string `envconfig:"STARFORGE_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"STARFORGE_DB_HOST"`
	LegacyPort     int    `envconfig:"STARFORGE_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"STARFORGE_DB_USER"`
	LegacyPassword string `envconfig:"STARFORGE_DB_PASSWORD"`
	LegacyName     string `envconfig:"STARFORGE_DB_NAME"`
	LegacySSLMode  string `envconfig:"STARFORGE_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"STARFORGE_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STARFORGE_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STARFORGE_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STARFORGE_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"STARFORGE_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STARFORGE_REDIS_ADDR"`
	Password     string        `envconfig:"STARFORGE_REDIS_PASSWORD"`
	DB           int           `envconfig:"STARFORGE_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STARFORGE_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STARFORGE_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STARFORGE_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STARFORGE_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STARFORGE_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// ProviderConfig tunes the inference provider client and the per-job poll loop.
type ProviderConfig struct {
	BaseURL       string        `envconfig:"STARFORGE_PROVIDER_BASE_URL" required:"true"`
	APIKey        string        `envconfig:"STARFORGE_PROVIDER_API_KEY"`
	HTTPTimeout   time.Duration `envconfig:"STARFORGE_PROVIDER_HTTP_TIMEOUT" default:"30s"`
	PollInterval  time.Duration `envconfig:"STARFORGE_PROVIDER_POLL_INTERVAL" default:"2s"`
	PollTimeout   time.Duration `envconfig:"STARFORGE_PROVIDER_POLL_TIMEOUT" default:"30m"`
	RetryAttempts int           `envconfig:"STARFORGE_PROVIDER_RETRY_ATTEMPTS" default:"3"`
	RetryBackoff  time.Duration `envconfig:"STARFORGE_PROVIDER_RETRY_BACKOFF" default:"2s"`
}

// JobsConfig tunes job bookkeeping outside the provider protocol.
type JobsConfig struct {
	ProgressRetention time.Duration `envconfig:"STARFORGE_JOBS_PROGRESS_RETENTION" default:"2m"`
	ResumeBatchSize   int           `envconfig:"STARFORGE_JOBS_RESUME_BATCH_SIZE" default:"100"`
	ResumeInterval    time.Duration `envconfig:"STARFORGE_JOBS_RESUME_INTERVAL" default:"30s"`
	PendingGrace      time.Duration `envconfig:"STARFORGE_JOBS_PENDING_GRACE" default:"5m"`
	PollLeaseTTL      time.Duration `envconfig:"STARFORGE_JOBS_POLL_LEASE_TTL" default:"2m"`
}

type GCPConfig struct {
	ProjectID              string `envconfig:"STARFORGE_GCP_PROJECT_ID"`
	CredentialsJSON        string `envconfig:"STARFORGE_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"STARFORGE_GOOGLE_APPLICATION_CREDENTIALS"`
}

type PubSubConfig struct {
	JobEventsTopic        string `envconfig:"STARFORGE_PUBSUB_JOB_EVENTS_TOPIC" default:"sf-job-events"`
	JobEventsSubscription string `envconfig:"STARFORGE_PUBSUB_JOB_EVENTS_SUBSCRIPTION"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"STARFORGE_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"STARFORGE_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
