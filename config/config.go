package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"identswitch/models"
)

var (
	DB        *gorm.DB
	AppConfig Config
)

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
}

// NotifyDefaults are the global notification settings. Per-account
// tri-state overrides fall back to these when set to inherit.
type NotifyDefaults struct {
	Check   bool `json:"check"`
	Basic   bool `json:"basic"`
	Sound   bool `json:"sound"`
	Desktop bool `json:"desktop"`
}

type Config struct {
	Environment string `json:"environment"`
	ServerPort  string `json:"server_port"`

	DBHost         string `json:"db_host"`
	DBPort         string `json:"db_port"`
	DBUser         string `json:"db_user"`
	DBPassword     string `json:"-"`
	DBName         string `json:"db_name"`
	DBSSLMode      string `json:"db_ssl_mode"`
	DBMaxIdleConns int    `json:"db_max_idle_conns"`
	DBMaxOpenConns int    `json:"db_max_open_conns"`

	// EncryptionKey is the master key; per-user credential keys are
	// derived from it, it is never used directly on account passwords.
	EncryptionKey string `json:"-"`
	// JWTSecret verifies tokens issued by the host webmail login.
	JWTSecret string `json:"-"`

	SentryDSN string `json:"sentry_dsn"`

	Redis RedisConfig `json:"redis"`

	// Background unread checking.
	CheckInterval     int  `json:"check_interval_seconds"`
	CheckRoundRobin   bool `json:"check_round_robin"`
	CheckParallelism  int  `json:"check_parallelism"`
	RateLimitTestConn int  `json:"rate_limit_test_conn"`

	Notify NotifyDefaults `json:"notify"`

	// MailViewPath is where the UI is redirected after a switch.
	MailViewPath string `json:"mail_view_path"`
}

func init() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()
}

func LoadConfig() error {
	AppConfig = Config{
		Environment:    getEnv("ENVIRONMENT", "development"),
		ServerPort:     getEnv("SERVER_PORT", "5000"),
		DBHost:         getEnv("DB_HOST", "localhost"),
		DBPort:         getEnv("DB_PORT", "5432"),
		DBUser:         getEnv("DB_USER", "postgres"),
		DBPassword:     getEnv("DB_PASSWORD", ""),
		DBName:         getEnv("DB_NAME", "identswitch"),
		DBSSLMode:      getEnv("DB_SSL_MODE", "disable"),
		DBMaxIdleConns: getEnvAsInt("DB_MAX_IDLE_CONNS", 10),
		DBMaxOpenConns: getEnvAsInt("DB_MAX_OPEN_CONNS", 100),

		EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		JWTSecret:     getEnv("JWT_SECRET", ""),
		SentryDSN:     getEnv("SENTRY_DSN", ""),

		Redis: RedisConfig{
			Enabled:  getEnv("REDIS_ADDRESS", "") != "",
			Address:  getEnv("REDIS_ADDRESS", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},

		CheckInterval:     getEnvAsInt("CHECK_INTERVAL_SECONDS", 60),
		CheckRoundRobin:   getEnv("CHECK_ROUND_ROBIN", "false") == "true",
		CheckParallelism:  getEnvAsInt("CHECK_PARALLELISM", 1),
		RateLimitTestConn: getEnvAsInt("RATE_LIMIT_TEST_CONN", 5),

		Notify: NotifyDefaults{
			Check:   getEnv("NOTIFY_CHECK_DEFAULT", "true") == "true",
			Basic:   getEnv("NOTIFY_BASIC_DEFAULT", "true") == "true",
			Sound:   getEnv("NOTIFY_SOUND_DEFAULT", "false") == "true",
			Desktop: getEnv("NOTIFY_DESKTOP_DEFAULT", "false") == "true",
		},

		MailViewPath: getEnv("MAIL_VIEW_PATH", "/mail"),
	}

	if AppConfig.DBPassword == "" {
		return fmt.Errorf("DB_PASSWORD is required")
	}
	if AppConfig.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if AppConfig.JWTSecret == "" {
		// Shared deployments often reuse the master key for token
		// verification; keep that as the fallback.
		AppConfig.JWTSecret = AppConfig.EncryptionKey
	}

	logConfig()
	return nil
}

func ConnectDB() error {
	log.Println("Attempting to connect to database...")

	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBUser,
		AppConfig.DBPassword,
		AppConfig.DBName,
		AppConfig.DBSSLMode,
	)
	log.Println("Using connection string:", maskPassword(dsn))

	var err error
	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{})
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

	log.Println("Successfully connected to the database")
	if err := models.Migrate(DB); err != nil {
		return fmt.Errorf("database migration failed: %w", err)
	}
	log.Println("Database migration completed")
	return nil
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return fallback
	}
	return value
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
	log.Println("Loaded configuration:")
	log.Printf("Environment: %s", AppConfig.Environment)
	log.Printf("Server Port: %s", AppConfig.ServerPort)
	log.Printf("Database: %s@%s:%s/%s",
		AppConfig.DBUser,
		AppConfig.DBHost,
		AppConfig.DBPort,
		AppConfig.DBName)
	log.Printf("Redis sessions: %t", AppConfig.Redis.Enabled)
	log.Printf("Check interval: %ds (round-robin: %t)",
		AppConfig.CheckInterval, AppConfig.CheckRoundRobin)
}
