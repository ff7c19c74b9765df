package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	StoreBackendPostgres = "postgres"
	StoreBackendMongo    = "mongo"
	StoreBackendMemory   = "memory"
)

type Config struct {
	ServerPort int
	Env        string
	Log        LogConfig
	Auth       AuthConfig
	Store      string
	Database   DatabaseConfig
	Mongo      MongoConfig
	MQ         MQConfig
	Storage    StorageConfig
	RateLimit  RateLimitConfig
	Redis      RedisConfig

	CORSAllowedOrigins []string
}

type LogConfig struct {
	Level  string
	Format string
}

// AuthConfig holds token lifetimes, hashing cost and the link targets used in
// notifications.
type AuthConfig struct {
	JWTSecret        string
	LoginTokenTTL    time.Duration
	VerifyTokenTTL   time.Duration
	ResetTokenTTL    time.Duration
	BcryptCost       int
	HashConcurrency  int
	FrontendURL      string
	DefaultAvatarURL string
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

type MongoConfig struct {
	URI      string
	Database string
}

type MQConfig struct {
	Backend             string
	NotificationChannel string
	WorkerConcurrency   int
	RabbitMQ            RabbitMQConfig
	PubSub              PubSubConfig
	NATS                NATSConfig
}

type RabbitMQConfig struct {
	URL             string
	QueueDurable    bool
	QueueAutoDelete bool
	PrefetchCount   int
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type NATSConfig struct {
	URL        string
	QueueGroup string
}

type RedisConfig struct {
	URL string
}

type StorageConfig struct {
	Backend       string
	PublicBaseURL string
	KeyPrefix     string
	Minio         MinioConfig
	GCS           GCSConfig
	S3            S3Config
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type S3Config struct {
	Region       string
	BaseEndpoint string
	AccessKey    string
	SecretKey    string
	Bucket       string
}

// RateLimitConfig controls the login attempt limiter.
type RateLimitConfig struct {
	Backend     string
	MaxAttempts int
	Window      time.Duration
	Lock        time.Duration
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "baseapp"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "baseapp_db"),
		UseSSL:   getEnvBool("DB_USE_SSL", false),
	}

	authConfig := AuthConfig{
		JWTSecret:        strings.TrimSpace(getEnv("JWT_SECRET", "")),
		LoginTokenTTL:    getEnvDuration("LOGIN_TOKEN_TTL", 24*time.Hour),
		VerifyTokenTTL:   getEnvDuration("VERIFY_TOKEN_TTL", 24*time.Hour),
		ResetTokenTTL:    getEnvDuration("RESET_TOKEN_TTL", time.Hour),
		BcryptCost:       getEnvInt("BCRYPT_COST", 10),
		HashConcurrency:  getEnvInt("HASH_CONCURRENCY", 0),
		FrontendURL:      strings.TrimRight(getEnv("FRONTEND_URL", "http://localhost:3000"), "/"),
		DefaultAvatarURL: getEnv("DEFAULT_AVATAR_URL", "https://api.dicebear.com/7.x/avataaars/svg?seed="),
	}

	mqConfig := MQConfig{
		Backend:             strings.ToLower(getEnv("MQ_BACKEND", "none")),
		NotificationChannel: getEnv("NOTIFY_CHANNEL", "notifications"),
		WorkerConcurrency:   getEnvInt("MQ_WORKER_CONCURRENCY", 4),
		RabbitMQ: RabbitMQConfig{
			URL:             getEnv("RABBITMQ_URL", ""),
			QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
			QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
		},
		PubSub: PubSubConfig{
			ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
			CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
			SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
		},
		NATS: NATSConfig{
			URL:        getEnv("NATS_URL", ""),
			QueueGroup: getEnv("NATS_QUEUE_GROUP", "baseapp-workers"),
		},
	}

	storageConfig := StorageConfig{
		Backend:       strings.ToLower(getEnv("STORAGE_BACKEND", "none")),
		PublicBaseURL: strings.TrimRight(getEnv("AVATAR_PUBLIC_BASE_URL", ""), "/"),
		KeyPrefix:     getEnv("STORAGE_KEY_PREFIX", ""),
		Minio: MinioConfig{
			Endpoint:  getEnv("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
			SecretKey: getEnv("MINIO_SECRET_KEY", ""),
			Bucket:    getEnv("MINIO_BUCKET", "baseapp"),
			UseSSL:    getEnvBool("MINIO_USE_SSL", false),
		},
		GCS: GCSConfig{
			Bucket:          getEnv("GCS_BUCKET", ""),
			ProjectID:       getEnv("GCS_PROJECT_ID", ""),
			CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
		},
		S3: S3Config{
			Region:       getEnv("S3_REGION", "us-east-1"),
			BaseEndpoint: getEnv("S3_BASE_ENDPOINT", ""),
			AccessKey:    getEnv("S3_ACCESS_KEY", ""),
			SecretKey:    getEnv("S3_SECRET_KEY", ""),
			Bucket:       getEnv("S3_BUCKET", ""),
		},
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		Env:        getEnv("ENV", "prod"),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Auth:     authConfig,
		Store:    strings.ToLower(getEnv("STORE_BACKEND", StoreBackendPostgres)),
		Database: dbConfig,
		Mongo: MongoConfig{
			URI:      getEnv("MONGO_URI", "mongodb://localhost:27017"),
			Database: getEnv("MONGO_DATABASE", "base-app"),
		},
		MQ:      mqConfig,
		Storage: storageConfig,
		RateLimit: RateLimitConfig{
			Backend:     strings.ToLower(getEnv("RATELIMIT_BACKEND", "memory")),
			MaxAttempts: getEnvInt("LOGIN_MAX_ATTEMPTS", 5),
			Window:      getEnvDuration("LOGIN_WINDOW", 15*time.Minute),
			Lock:        getEnvDuration("LOGIN_LOCK", 10*time.Minute),
		},
		Redis: RedisConfig{
			URL: getEnv("REDIS_URL", "redis://localhost:6379/0"),
		},
		CORSAllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", []string{
			"http://localhost:3000",
			"http://localhost:3001",
			"http://localhost:3002",
		}),
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := strconv.ParseBool(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil || value <= 0 {
			return defaultValue
		}
		return value
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(key)
	if !exists {
		return defaultValue
	}
	parts := strings.Split(valueStr, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			values = append(values, part)
		}
	}
	return values
}
