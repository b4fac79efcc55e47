package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const (
	EnvPrefix  = ""
	AppEnvDev  = "development"
	AppEnvProd = "production"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	Queue        QueueConfig
	Orchestrator OrchestratorConfig
	Guardian     GuardianConfig
	Alert        AlertConfig
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
	Env          string `envconfig:"STOCKLINK_APP_ENV" required:"true"`
	Port         string `envconfig:"STOCKLINK_APP_PORT" default:"8080"`
	LogLevel     string `envconfig:"STOCKLINK_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"STOCKLINK_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"STOCKLINK_DB_DSN"`
	Driver string `envconfig:"STOCKLINK_DB_DRIVER" default:"postgres"`

	Host     string `envconfig:"STOCKLINK_DB_HOST"`
	Port     int    `envconfig:"STOCKLINK_DB_PORT" default:"5432"`
	User     string `envconfig:"STOCKLINK_DB_USER"`
	Password string `envconfig:"STOCKLINK_DB_PASSWORD"`
	Name     string `envconfig:"STOCKLINK_DB_NAME"`
	SSLMode  string `envconfig:"STOCKLINK_DB_SSLMODE" default:"disable"`

	AutoMigrate bool `envconfig:"STOCKLINK_DB_AUTO_MIGRATE" default:"false"`

	MaxOpenConns    int           `envconfig:"STOCKLINK_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"STOCKLINK_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"STOCKLINK_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"STOCKLINK_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

func (d *DBConfig) ensureDSN() error {
	if d.DSN != "" {
		return nil
	}
	if strings.EqualFold(d.Driver, "sqlite") {
		d.DSN = "file:stocklink.db?cache=shared"
		return nil
	}
	if d.Host == "" || d.User == "" || d.Name == "" {
		return fmt.Errorf("database DSN or host/user/name are required")
	}
	d.DSN = fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
	)
	return nil
}

type RedisConfig struct {
	URL          string        `envconfig:"STOCKLINK_REDIS_URL" required:"true"`
	Address      string        `envconfig:"STOCKLINK_REDIS_ADDR"`
	Password     string        `envconfig:"STOCKLINK_REDIS_PASSWORD"`
	DB           int           `envconfig:"STOCKLINK_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"STOCKLINK_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"STOCKLINK_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"STOCKLINK_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"STOCKLINK_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"STOCKLINK_REDIS_WRITE_TIMEOUT" default:"5s"`
}

type QueueConfig struct {
	SyncConcurrency        int `envconfig:"STOCKLINK_QUEUE_SYNC_CONCURRENCY" default:"5"`
	WebhookConcurrency     int `envconfig:"STOCKLINK_QUEUE_WEBHOOK_CONCURRENCY" default:"10"`
	AlertConcurrency       int `envconfig:"STOCKLINK_QUEUE_ALERT_CONCURRENCY" default:"3"`
	StockUpdateConcurrency int `envconfig:"STOCKLINK_QUEUE_STOCK_UPDATE_CONCURRENCY" default:"5"`

	MaxAttempts  int           `envconfig:"STOCKLINK_QUEUE_MAX_ATTEMPTS" default:"3"`
	RetryBackoff time.Duration `envconfig:"STOCKLINK_QUEUE_RETRY_BACKOFF" default:"2s"`
	PollInterval time.Duration `envconfig:"STOCKLINK_QUEUE_POLL_INTERVAL" default:"250ms"`

	KeepCompleted int64 `envconfig:"STOCKLINK_QUEUE_KEEP_COMPLETED" default:"100"`
	KeepFailed    int64 `envconfig:"STOCKLINK_QUEUE_KEEP_FAILED" default:"500"`
}

type OrchestratorConfig struct {
	DiscoveryInterval    time.Duration `envconfig:"STOCKLINK_ORCH_DISCOVERY_INTERVAL" default:"1m"`
	HealthCheckInterval  time.Duration `envconfig:"STOCKLINK_ORCH_HEALTH_CHECK_INTERVAL" default:"15s"`
	HealthTimeout        time.Duration `envconfig:"STOCKLINK_ORCH_HEALTH_TIMEOUT" default:"45s"`
	RestartBackoff       time.Duration `envconfig:"STOCKLINK_ORCH_RESTART_BACKOFF" default:"5s"`
	MaxRestartsPerTenant int           `envconfig:"STOCKLINK_ORCH_MAX_RESTARTS_PER_TENANT" default:"5"`
	ShutdownTimeout      time.Duration `envconfig:"STOCKLINK_ORCH_SHUTDOWN_TIMEOUT" default:"30s"`

	GuardianInterval     time.Duration `envconfig:"STOCKLINK_WORKER_GUARDIAN_INTERVAL" default:"15m"`
	HealthReportInterval time.Duration `envconfig:"STOCKLINK_WORKER_HEALTH_REPORT_INTERVAL" default:"30s"`
}

type GuardianConfig struct {
	AutoRepairThreshold int  `envconfig:"STOCKLINK_GUARDIAN_AUTO_REPAIR_THRESHOLD" default:"5"`
	HighDriftThreshold  int  `envconfig:"STOCKLINK_GUARDIAN_HIGH_DRIFT_THRESHOLD" default:"20"`
	AutoRepair          bool `envconfig:"STOCKLINK_GUARDIAN_AUTO_REPAIR" default:"true"`
}

type AlertConfig struct {
	LowStockThreshold int           `envconfig:"STOCKLINK_ALERT_LOW_STOCK_THRESHOLD" default:"10"`
	CheckInterval     time.Duration `envconfig:"STOCKLINK_ALERT_CHECK_INTERVAL" default:"30m"`
}
