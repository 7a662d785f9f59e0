package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string
	Telemetry    TelemetryConfig

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	AuthJWTSecret string
	AuthJWTIssuer string

	Redis     RedisConfig
	RateLimit RateLimitConfig
	Payment   PaymentConfig
	Dify      DifyConfig
	Reconcile ReconcileConfig

	AMQPURL      string
	AMQPExchange string

	BalanceCacheTTL time.Duration
}

// TelemetryConfig tunes logs, traces and query logging.
type TelemetryConfig struct {
	LogLevel      string
	LogFormat     string
	OtelEnabled   bool
	OtelProtocol  string
	SamplingRatio float64
	SlowQueryMS   int
	LogSQL        bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateLimitConfig struct {
	Enabled        bool
	AssistantRate  float64
	AssistantBurst int
}

type PaymentConfig struct {
	StripeWebhookSecret string
	ZPayPID             string
	ZPayKey             string
	YiPayPID            string
	YiPayPublicKey      string
	YiPayPrivateKey     string

	ZPayQueryURL  string
	YiPayQueryURL string
	QueryTimeout  time.Duration
}

type DifyConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

type ReconcileConfig struct {
	Enabled   bool
	Schedule  string
	BatchSize int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "tokenvault"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", getenv("OTLP_ENDPOINT", "localhost:4317")),
		Telemetry: TelemetryConfig{
			LogLevel:      strings.ToLower(getenv("LOG_LEVEL", "info")),
			LogFormat:     strings.ToLower(getenv("LOG_FORMAT", "json")),
			OtelEnabled:   getenvBool("OTEL_ENABLED", false),
			OtelProtocol:  strings.ToLower(getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))),
			SamplingRatio: getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
			SlowQueryMS:   getenvInt("DB_SLOW_QUERY_MS", 200),
			LogSQL:        getenvBool("DB_LOG_SQL", false),
		},

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "tokenvault"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "tokenvault.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		AuthJWTSecret: strings.TrimSpace(getenv("AUTH_JWT_SECRET", "")),
		AuthJWTIssuer: strings.TrimSpace(getenv("AUTH_JWT_ISSUER", "")),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:        getenvBool("RATE_LIMIT_ENABLED", false),
			AssistantRate:  getenvFloat("RATE_LIMIT_ASSISTANT_RATE", 1),
			AssistantBurst: getenvInt("RATE_LIMIT_ASSISTANT_BURST", 5),
		},
		Payment: PaymentConfig{
			StripeWebhookSecret: strings.TrimSpace(getenv("STRIPE_WEBHOOK_SECRET", "")),
			ZPayPID:             strings.TrimSpace(getenv("ZPAY_PID", "")),
			ZPayKey:             strings.TrimSpace(getenv("ZPAY_PAY_KEY", "")),
			YiPayPID:            strings.TrimSpace(getenv("YIPAY_PID", "")),
			YiPayPublicKey:      strings.TrimSpace(getenv("YIPAY_PUBLIC_KEY", "")),
			YiPayPrivateKey:     strings.TrimSpace(getenv("YIPAY_PRIVATE_KEY", "")),
			ZPayQueryURL:        strings.TrimSpace(getenv("ZPAY_QUERY_URL", "https://zpayz.cn/api.php")),
			YiPayQueryURL:       strings.TrimSpace(getenv("YIPAY_QUERY_URL", "https://yi-pay.com/api/pay/query")),
			QueryTimeout:        time.Duration(getenvInt("PAYMENT_QUERY_TIMEOUT_SECONDS", 10)) * time.Second,
		},
		Dify: DifyConfig{
			BaseURL:        strings.TrimSpace(getenv("DIFY_BASE_URL", "https://api.dify.ai/v1")),
			RequestTimeout: time.Duration(getenvInt("DIFY_REQUEST_TIMEOUT_SECONDS", 300)) * time.Second,
		},
		Reconcile: ReconcileConfig{
			Enabled:   getenvBool("RECONCILE_ENABLED", true),
			Schedule:  getenv("RECONCILE_SCHEDULE", "@every 15m"),
			BatchSize: getenvInt("RECONCILE_BATCH_SIZE", 200),
		},

		AMQPURL:      strings.TrimSpace(getenv("AMQP_URL", "")),
		AMQPExchange: getenv("AMQP_EXCHANGE", "tokenvault.ledger"),

		BalanceCacheTTL: time.Duration(getenvInt("BALANCE_CACHE_TTL_SECONDS", 15)) * time.Second,
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}
