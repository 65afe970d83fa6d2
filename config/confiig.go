package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"outreach/models"
	"outreach/queue"

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var (
	DB        *gorm.DB
	Redis     *redis.Client
	AppConfig Config
	envLoaded bool
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Address  string `json:"address" yaml:"address"`
	Password string `json:"-" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

type TrackingConfig struct {
	BaseURL string `json:"base_url" yaml:"base_url"`
	Secret  string `json:"-" yaml:"secret"`
}

type LinkedInConfig struct {
	ServiceURL string `json:"service_url" yaml:"service_url"`
	Token      string `json:"-" yaml:"token"`
}

// EngineConfig holds the dispatch knobs. It can be set from the YAML file
// named by CONFIG_FILE; environment variables win over the file.
type EngineConfig struct {
	DailyDefaults    map[models.Channel]int           `json:"daily_defaults" yaml:"daily_defaults"`
	Policies         map[models.Channel]queue.Policy  `json:"policies" yaml:"policies"`
	SendRates        map[models.Channel]float64       `json:"send_rates" yaml:"send_rates"` // sends per second, 0 = unlimited
	SendTimeouts     map[models.Channel]time.Duration `json:"send_timeouts" yaml:"send_timeouts"`
	PollInterval     time.Duration                    `json:"poll_interval" yaml:"poll_interval"`
	LeaseTTL         time.Duration                    `json:"lease_ttl" yaml:"lease_ttl"`
	RecoveryInterval time.Duration                    `json:"recovery_interval" yaml:"recovery_interval"`
	MaxConcurrent    int                              `json:"max_concurrent" yaml:"max_concurrent"`
	SMTPPoolSize     int                              `json:"smtp_pool_size" yaml:"smtp_pool_size"`
	IngestRateLimit  int                              `json:"ingest_rate_limit" yaml:"ingest_rate_limit"` // requests per minute per client
}

type Config struct {
	Environment string `json:"environment" yaml:"environment"`
	ServerPort  string `json:"server_port" yaml:"server_port"`
	LogLevel    string `json:"log_level" yaml:"log_level"`
	SentryDSN   string `json:"-" yaml:"sentry_dsn"`
	WorkerID    string `json:"worker_id" yaml:"worker_id"`

	// postgres | memory
	StoreBackend string `json:"store_backend" yaml:"store_backend"`
	// postgres | redis | memory
	QuotaBackend string `json:"quota_backend" yaml:"quota_backend"`
	// Record sends instead of talking to SMTP servers and the LinkedIn service
	DryRun bool `json:"dry_run" yaml:"dry_run"`

	DBHost         string `json:"db_host" yaml:"db_host"`
	DBPort         string `json:"db_port" yaml:"db_port"`
	DBUser         string `json:"db_user" yaml:"db_user"`
	DBPassword     string `json:"-" yaml:"db_password"`
	DBName         string `json:"db_name" yaml:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode" yaml:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns" yaml:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns" yaml:"db_max_open_conns"`

	Redis    RedisConfig    `json:"redis" yaml:"redis"`
	Tracking TrackingConfig `json:"tracking" yaml:"tracking"`
	LinkedIn LinkedInConfig `json:"linkedin" yaml:"linkedin"`
	Engine   EngineConfig   `json:"engine" yaml:"engine"`
}

func init() {
	// Try to load .env file, but don't fail if it doesn't exist
	_ = godotenv.Load()
	envLoaded = true
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Environment:    "development",
		ServerPort:     "5000",
		LogLevel:       "info",
		WorkerID:       hostname(),
		StoreBackend:   "postgres",
		QuotaBackend:   "postgres",
		DBHost:         "localhost",
		DBPort:         "5432",
		DBUser:         "postgres",
		DBName:         "outreach",
		DBSSLMode:      "disable",
		DBMaxIdleConns: 10,
		DBMaxOpenConns: 100,
		Redis:          RedisConfig{Address: "localhost:6379"},
		Tracking:       TrackingConfig{BaseURL: "http://localhost:5000"},
		Engine: EngineConfig{
			DailyDefaults: map[models.Channel]int{models.ChannelEmail: 100, models.ChannelLinkedIn: 50},
			Policies:      queue.DefaultPolicies(),
			SendRates:     map[models.Channel]float64{},
			SendTimeouts: map[models.Channel]time.Duration{
				models.ChannelEmail:    45 * time.Second,
				models.ChannelLinkedIn: 60 * time.Second,
			},
			PollInterval:     5 * time.Second,
			LeaseTTL:         5 * time.Minute,
			RecoveryInterval: 5 * time.Minute,
			MaxConcurrent:    32,
			SMTPPoolSize:     2,
			IngestRateLimit:  600,
		},
	}
}

func LoadConfig() error {
	cfg, err := Load(getEnv("CONFIG_FILE", ""))
	if err != nil {
		return err
	}
	AppConfig = cfg
	logConfig()
	return nil
}

// Load builds a Config from defaults, then the optional YAML file at path,
// then the environment.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Environment = getEnv("ENVIRONMENT", cfg.Environment)
	cfg.ServerPort = getEnv("SERVER_PORT", cfg.ServerPort)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.SentryDSN = getEnv("SENTRY_DSN", cfg.SentryDSN)
	cfg.WorkerID = getEnv("WORKER_ID", cfg.WorkerID)
	cfg.StoreBackend = getEnv("STORE_BACKEND", cfg.StoreBackend)
	cfg.QuotaBackend = getEnv("QUOTA_BACKEND", cfg.QuotaBackend)
	cfg.DryRun = getEnvAsBool("DRY_RUN", cfg.DryRun)

	cfg.DBHost = getEnv("DB_HOST", cfg.DBHost)
	cfg.DBPort = getEnv("DB_PORT", cfg.DBPort)
	cfg.DBUser = getEnv("DB_USER", cfg.DBUser)
	cfg.DBPassword = getEnv("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = getEnv("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = getEnv("DB_SSL_MODE", cfg.DBSSLMode)
	cfg.DBMaxIdleConns = getEnvAsInt("DB_MAX_IDLE_CONNS", cfg.DBMaxIdleConns)
	cfg.DBMaxOpenConns = getEnvAsInt("DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns)

	cfg.Redis.Enabled = getEnvAsBool("REDIS_ENABLED", cfg.Redis.Enabled)
	cfg.Redis.Address = getEnv("REDIS_ADDRESS", cfg.Redis.Address)
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = getEnvAsInt("REDIS_DB", cfg.Redis.DB)

	cfg.Tracking.BaseURL = getEnv("TRACKING_BASE_URL", cfg.Tracking.BaseURL)
	cfg.Tracking.Secret = getEnv("TRACKING_SECRET", cfg.Tracking.Secret)
	cfg.LinkedIn.ServiceURL = getEnv("LINKEDIN_SERVICE_URL", cfg.LinkedIn.ServiceURL)
	cfg.LinkedIn.Token = getEnv("LINKEDIN_SERVICE_TOKEN", cfg.LinkedIn.Token)

	e := &cfg.Engine
	if e.DailyDefaults == nil {
		e.DailyDefaults = map[models.Channel]int{}
	}
	if e.SendTimeouts == nil {
		e.SendTimeouts = map[models.Channel]time.Duration{}
	}
	if e.SendRates == nil {
		e.SendRates = map[models.Channel]float64{}
	}
	e.DailyDefaults[models.ChannelEmail] = getEnvAsInt("EMAIL_DAILY_LIMIT", e.DailyDefaults[models.ChannelEmail])
	e.DailyDefaults[models.ChannelLinkedIn] = getEnvAsInt("LINKEDIN_DAILY_LIMIT", e.DailyDefaults[models.ChannelLinkedIn])
	e.SendTimeouts[models.ChannelEmail] = getEnvAsDuration("SMTP_SEND_TIMEOUT", e.SendTimeouts[models.ChannelEmail])
	e.SendTimeouts[models.ChannelLinkedIn] = getEnvAsDuration("LINKEDIN_SEND_TIMEOUT", e.SendTimeouts[models.ChannelLinkedIn])
	e.PollInterval = getEnvAsDuration("WORKER_POLL_INTERVAL", e.PollInterval)
	e.LeaseTTL = getEnvAsDuration("JOB_LEASE_TTL", e.LeaseTTL)
	e.RecoveryInterval = getEnvAsDuration("RECOVERY_INTERVAL", e.RecoveryInterval)
	e.MaxConcurrent = getEnvAsInt("MAX_CONCURRENT_SENDS", e.MaxConcurrent)
	e.SMTPPoolSize = getEnvAsInt("SMTP_POOL_SIZE", e.SMTPPoolSize)
	e.IngestRateLimit = getEnvAsInt("INGEST_RATE_LIMIT", e.IngestRateLimit)
}

func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case "postgres":
		if cfg.DBPassword == "" {
			return fmt.Errorf("DB_PASSWORD is required")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
	switch cfg.QuotaBackend {
	case "postgres":
		if cfg.StoreBackend != "postgres" {
			return fmt.Errorf("postgres quota backend needs the postgres store")
		}
	case "redis":
		if cfg.Redis.Address == "" {
			return fmt.Errorf("redis quota backend needs REDIS_ADDRESS")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown quota backend %q", cfg.QuotaBackend)
	}
	for ch, p := range cfg.Engine.Policies {
		if !ch.Valid() {
			return fmt.Errorf("policy for unknown channel %q", ch)
		}
		if p.MaxAttempts < 1 {
			return fmt.Errorf("%s policy needs at least one attempt", ch)
		}
	}
	if cfg.Engine.MaxConcurrent < 1 {
		return fmt.Errorf("MAX_CONCURRENT_SENDS must be > 0")
	}
	if cfg.Environment == "production" {
		if cfg.Tracking.Secret == "" {
			return fmt.Errorf("TRACKING_SECRET is required in production")
		}
		if cfg.DryRun {
			return fmt.Errorf("DRY_RUN is not allowed in production")
		}
	}
	return nil
}

// SetupLogging configures the global logrus logger.
func SetupLogging(cfg Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	if cfg.Environment == "production" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}

func ConnectDB() error {
	logrus.Info("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	logrus.WithField("dsn", maskPassword(dsn)).Debug("Using connection string")

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := DB.DB()
	if err != nil {
		return fmt.Errorf("failed to get DB instance: %w", err)
	}

	sqlDB.SetMaxIdleConns(AppConfig.DBMaxIdleConns)
	sqlDB.SetMaxOpenConns(AppConfig.DBMaxOpenConns)
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetConnMaxIdleTime(30 * time.Minute)

	if err := sqlDB.Ping(); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	logrus.Info("Successfully connected to the database")
	if err := migrateDB(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	logrus.Info("Database migration completed")
	return nil
}

func ConnectRedis() error {
	Redis = redis.NewClient(&redis.Options{
		Addr:     AppConfig.Redis.Address,
		Password: AppConfig.Redis.Password,
		DB:       AppConfig.Redis.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := Redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	logrus.WithField("address", AppConfig.Redis.Address).Info("Connected to Redis")
	return nil
}

// Helper functions
func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	if !envLoaded && fallback == "" {
		logrus.Warnf("Environment variable %s not found and no fallback provided", key)
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	_, err := fmt.Sscanf(valueStr, "%d", &value)
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsBool(key string, fallback bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return fallback
	}
	return value
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return name
}

func maskPassword(dsn string) string {
	const passwordMarker = "password="
	startIdx := strings.Index(dsn, passwordMarker)
	if startIdx == -1 {
		return dsn
	}

	startIdx += len(passwordMarker)
	endIdx := strings.IndexAny(dsn[startIdx:], " ")
	if endIdx == -1 {
		return dsn[:startIdx] + "*****"
	}
	return dsn[:startIdx] + "*****" + dsn[startIdx+endIdx:]
}

func logConfig() {
	logrus.WithFields(logrus.Fields{
		"environment":   AppConfig.Environment,
		"server_port":   AppConfig.ServerPort,
		"database":      fmt.Sprintf("%s@%s:%s/%s", AppConfig.DBUser, AppConfig.DBHost, AppConfig.DBPort, AppConfig.DBName),
		"store_backend": AppConfig.StoreBackend,
		"quota_backend": AppConfig.QuotaBackend,
		"dry_run":       AppConfig.DryRun,
		"worker_id":     AppConfig.WorkerID,
	}).Info("Loaded configuration")
}

func migrateDB(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.Organization{},
		&models.SendingAccount{},
		&models.Contact{},
		&models.Template{},
		&models.Campaign{},
		&models.Step{},
		&models.CampaignContact{},
		&models.DispatchJob{},
		&models.SendEvent{},
		&models.RateLimitWindow{},
	)
}
