package config

import (
	"errors"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// GatewayConfig holds everything cmd/gateway needs.
type GatewayConfig struct {
	Addr        string
	LogMode     string
	DatabaseDSN string
	Redis       RedisConfig
	Auth        AuthConfig
	S3          S3Config
	// UploadDir stores attachments on disk when no S3 bucket is set.
	UploadDir string
	// MaxUploadBytes bounds a single chat attachment.
	MaxUploadBytes int64
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	// Required turns on token checks for the chat routes.
	Required bool
}

type S3Config struct {
	Region    string
	Bucket    string
	Endpoint  string
	AccessKey string
	SecretKey string
}

// ClientConfig holds the settings of the terminal chat client.
type ClientConfig struct {
	BaseURL              string
	LogMode              string
	UserID               int
	ConversationID       int
	Token                string
	PageSize             int
	MaxReconnectAttempts int
}

// Load reads an optional .env file into the process environment.
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}
}

func LoadGateway() *GatewayConfig {
	Load()

	return &GatewayConfig{
		Addr:        getEnv("GATEWAY_ADDR", ":8000"),
		LogMode:     getEnv("LOG_MODE", "development"),
		DatabaseDSN: getEnv("DB_DSN", ""),
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
			TokenTTL:  getEnvAsDuration("JWT_TTL", 60*time.Minute),
			Required:  getEnvAsBool("AUTH_REQUIRED", false),
		},
		UploadDir: getEnv("UPLOAD_DIR", "uploads/chat"),
		S3: S3Config{
			Region:    getEnv("S3_REGION", "us-east-1"),
			Bucket:    getEnv("S3_BUCKET", ""),
			Endpoint:  getEnv("S3_ENDPOINT", ""),
			AccessKey: getEnv("S3_ACCESS_KEY", ""),
			SecretKey: getEnv("S3_SECRET_KEY", ""),
		},
		MaxUploadBytes: int64(getEnvAsInt("MAX_UPLOAD_BYTES", 10*1024*1024)),
	}
}

// Validate reports the first setting the gateway cannot start without.
func (c *GatewayConfig) Validate() error {
	if c.DatabaseDSN == "" {
		return errors.New("DB_DSN is not set")
	}
	if c.Auth.JWTSecret == "" {
		return errors.New("JWT_SECRET is not set")
	}
	return nil
}

func LoadClient() *ClientConfig {
	Load()

	return &ClientConfig{
		BaseURL:              getEnv("CHAT_BASE_URL", "http://localhost:8000"),
		LogMode:              getEnv("LOG_MODE", "development"),
		UserID:               getEnvAsInt("CHAT_USER_ID", 0),
		ConversationID:       getEnvAsInt("CHAT_CONVERSATION_ID", 0),
		Token:                getEnv("CHAT_TOKEN", ""),
		PageSize:             getEnvAsInt("CHAT_PAGE_SIZE", 50),
		MaxReconnectAttempts: getEnvAsInt("CHAT_MAX_RECONNECT_ATTEMPTS", 5),
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
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

func getEnvAsBool(key string, fallback bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return fallback
}
