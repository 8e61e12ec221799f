package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port          string
	AllowedOrigin string
	Environment   string
	Version       string
	LogLevel      string
	LogFormat     string

	DatabaseURL   string
	MongoURL      string
	MongoDatabase string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	DefaultBranchCode      string
	AuthSecret             string
	AccessTokenTTLMinutes  int
	LoginAttemptsPerMinute int
	RequestTimeoutSeconds  int

	BootstrapAdminUsername string
	BootstrapAdminPassword string
}

// Load reads the environment, after merging a .env file when one exists.
// Variables already set in the process win over the file.
func Load() Config {
	_ = godotenv.Load()

	redisDB, _ := strconv.Atoi(getEnv("REDIS_DB", "0"))

	return Config{
		Port:                   getEnv("PORT", "8080"),
		AllowedOrigin:          os.Getenv("ALLOWED_ORIGIN"),
		Environment:            getEnv("APP_ENV", "development"),
		Version:                getEnv("APP_VERSION", "dev"),
		LogLevel:               getEnv("LOG_LEVEL", "info"),
		LogFormat:              getEnv("LOG_FORMAT", "json"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		MongoURL:               os.Getenv("MONGO_URL"),
		MongoDatabase:          getEnv("MONGO_DATABASE", "retail"),
		RedisAddr:              os.Getenv("REDIS_ADDR"),
		RedisPassword:          os.Getenv("REDIS_PASSWORD"),
		RedisDB:                redisDB,
		DefaultBranchCode:      strings.ToUpper(getEnv("DEFAULT_BRANCH_CODE", "NBO001")),
		AuthSecret:             strings.TrimSpace(os.Getenv("AUTH_SECRET")),
		AccessTokenTTLMinutes:  positiveInt("ACCESS_TOKEN_TTL_MINUTES", 480),
		LoginAttemptsPerMinute: positiveInt("LOGIN_ATTEMPTS_PER_MINUTE", 5),
		RequestTimeoutSeconds:  positiveInt("REQUEST_TIMEOUT_SECONDS", 10),
		BootstrapAdminUsername: getEnv("BOOTSTRAP_ADMIN_USERNAME", "admin"),
		BootstrapAdminPassword: os.Getenv("BOOTSTRAP_ADMIN_PASSWORD"),
	}
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSeconds) * time.Second
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

func getEnv(key string, fallback string) string {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	return val
}

func positiveInt(key string, fallback int) int {
	n, err := strconv.Atoi(getEnv(key, strconv.Itoa(fallback)))
	if err != nil || n < 1 {
		return fallback
	}
	return n
}
