package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	App       AppConfig
	Database  DatabaseConfig
	WhatsApp  WhatsAppConfig
	Broadcast BroadcastConfig
	Redis     RedisConfig
	Health    HealthConfig
	Reconnect ReconnectConfig
	Security  SecurityConfig
}

type AppConfig struct {
	Port               string
	Environment        string
	LogFilePath        string
	CorsAllowedOrigins string
}

type DatabaseConfig struct {
	Type       string // "mysql", "postgres" or "sqlite"
	Host       string
	Port       string
	User       string
	Password   string
	Name       string
	SQLitePath string
	LogQueries bool
}

type WhatsAppConfig struct {
	StoreDriver        string // "sqlite" or "postgres"
	StoreDSN           string
	SessionDir         string
	InitTimeout        time.Duration
	CallTimeout        time.Duration
	RestoreConcurrency int
}

type BroadcastConfig struct {
	ThrottleInterval time.Duration
	RedisChannel     string
}

type RedisConfig struct {
	URL      string
	QueueKey string
}

type HealthConfig struct {
	SystemInterval    time.Duration
	DatabaseInterval  time.Duration
	CacheInterval     time.Duration
	MessagingInterval time.Duration
	SampleTimeout     time.Duration
	AlertCapacity     int
	HealthyWindow     time.Duration
	CPUThreshold      float64
	MemoryThreshold   float64
	QueueThreshold    float64
	SuccessThreshold  float64
	DBLatencyMillis   float64
}

type ReconnectConfig struct {
	Enabled        bool
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type SecurityConfig struct {
	SessionDataSecret string
}

// Load reads .env style files (missing files are skipped) and builds the config
func Load() *Config {
	for _, file := range []string{".env", "env.production", "env.local"} {
		if err := godotenv.Load(file); err == nil {
			log.Printf("config: loaded environment from %s", file)
		}
	}

	return &Config{
		App: AppConfig{
			Port:               getEnv("APP_PORT", "9090"),
			Environment:        getEnv("GO_ENV", "development"),
			LogFilePath:        getEnv("LOG_FILE_PATH", "logs/wa_manager.log"),
			CorsAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "*"),
		},
		Database: DatabaseConfig{
			Type:       strings.ToLower(getEnv("DB_TYPE", "sqlite")),
			Host:       getEnv("DB_HOST", "127.0.0.1"),
			Port:       getEnv("DB_PORT", ""),
			User:       getEnv("DB_USER", ""),
			Password:   getEnv("DB_PASSWORD", ""),
			Name:       getEnv("DB_NAME", "wa_manager"),
			SQLitePath: getEnv("DB_SQLITE_PATH", "wa_manager.db"),
			LogQueries: getEnvAsBool("DB_LOG_QUERIES", false),
		},
		WhatsApp: WhatsAppConfig{
			StoreDriver:        strings.ToLower(getEnv("WA_STORE_DRIVER", "sqlite")),
			StoreDSN:           getEnv("WA_STORE_DSN", ""),
			SessionDir:         getEnv("WA_SESSION_DIR", "sessions"),
			InitTimeout:        getEnvAsDuration("WA_INIT_TIMEOUT", 2*time.Minute),
			CallTimeout:        getEnvAsDuration("WA_CALL_TIMEOUT", 30*time.Second),
			RestoreConcurrency: getEnvAsInt("WA_RESTORE_CONCURRENCY", 4),
		},
		Broadcast: BroadcastConfig{
			ThrottleInterval: getEnvAsDuration("BROADCAST_THROTTLE", time.Second),
			RedisChannel:     getEnv("BROADCAST_REDIS_CHANNEL", "wa_manager:broadcast"),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", ""),
			QueueKey: getEnv("REDIS_QUEUE_KEY", "wa_manager:bulk_queue"),
		},
		Health: HealthConfig{
			SystemInterval:    getEnvAsDuration("HEALTH_SYSTEM_INTERVAL", 30*time.Second),
			DatabaseInterval:  getEnvAsDuration("HEALTH_DATABASE_INTERVAL", 60*time.Second),
			CacheInterval:     getEnvAsDuration("HEALTH_CACHE_INTERVAL", 30*time.Second),
			MessagingInterval: getEnvAsDuration("HEALTH_MESSAGING_INTERVAL", 120*time.Second),
			SampleTimeout:     getEnvAsDuration("HEALTH_SAMPLE_TIMEOUT", 10*time.Second),
			AlertCapacity:     getEnvAsInt("HEALTH_ALERT_CAPACITY", 100),
			HealthyWindow:     getEnvAsDuration("HEALTH_HEALTHY_WINDOW", 5*time.Minute),
			CPUThreshold:      getEnvAsFloat("HEALTH_CPU_THRESHOLD", 80),
			MemoryThreshold:   getEnvAsFloat("HEALTH_MEMORY_THRESHOLD", 85),
			QueueThreshold:    getEnvAsFloat("HEALTH_QUEUE_THRESHOLD", 10000),
			SuccessThreshold:  getEnvAsFloat("HEALTH_SUCCESS_THRESHOLD", 95),
			DBLatencyMillis:   getEnvAsFloat("HEALTH_DB_LATENCY_MS", 1000),
		},
		Reconnect: ReconnectConfig{
			Enabled:        getEnvAsBool("RECONNECT_ENABLED", false),
			MaxAttempts:    getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 5),
			InitialBackoff: getEnvAsDuration("RECONNECT_INITIAL_BACKOFF", 5*time.Second),
			MaxBackoff:     getEnvAsDuration("RECONNECT_MAX_BACKOFF", 5*time.Minute),
		},
		Security: SecurityConfig{
			SessionDataSecret: getEnv("SESSION_DATA_SECRET", ""),
		},
	}
}

// IsProduction reports whether the app runs with GO_ENV=production
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsFloat(key string, fallback float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

// getEnvAsDuration accepts Go durations ("90s") or plain seconds ("90")
func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return fallback
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(secs) * time.Second
	}
	return fallback
}
