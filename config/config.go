package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type AppConfig struct {
	DatabaseURL        string
	RabbitMQURL        string
	RedisSentinelHosts string
	RedisMasterName    string
	RedisUrl           string
	TelemetryEndpoint  string
	LogLevel           string
	ServiceName        string
	CrashDir           string
	AFLWorkDir         string
	EngineConfigPath   string
	EchoFuzzerOutput   bool
	SupervisorConfig   SupervisorConfig
	ReportConfig       ReportConfig
}

type SupervisorConfig struct {
	GracePeriod  time.Duration // time a child gets between SIGTERM and SIGKILL
	RestartDelay time.Duration // pause between persistent restarts
}

type ReportConfig struct {
	Interval    time.Duration // minimum time between two periodic reports
	Timeout     time.Duration // per RPC deadline
	MaxAttempts int           // attempts per snapshot before it is dropped
	StatsTTL    time.Duration // expiry of the redis stats mirror

	KeepAliveTime    time.Duration // interval between gRPC PING frames
	KeepAliveTimeout time.Duration // time a PING frame has to be acknowledged
}

func LoadConfig() *AppConfig {
	// use a temporary logger for now
	logger := zap.NewExample().Named("config")

	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found")
	}

	return &AppConfig{
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		RabbitMQURL:        os.Getenv("RABBITMQ_URL"),
		RedisSentinelHosts: os.Getenv("REDIS_SENTINEL_HOSTS"),
		RedisMasterName:    os.Getenv("REDIS_MASTER"),
		RedisUrl:           os.Getenv("OVERRIDE_REDIS_URL"), // optional, for local dev
		TelemetryEndpoint:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		LogLevel:           envString("LOG_LEVEL", "info"),
		ServiceName:        envString("SERVICE_NAME", "xfl"),
		CrashDir:           envString("XFL_CRASH_DIR", "/tmp/xfl/crashes"),
		AFLWorkDir:         envString("XFL_AFL_WORKDIR", "/tmp/xfl/afl"),
		EngineConfigPath:   os.Getenv("XFL_ENGINE_CONFIG"),
		EchoFuzzerOutput:   envParse("FUZZER_ECHO", false, strconv.ParseBool),
		SupervisorConfig: SupervisorConfig{
			GracePeriod:  envParse("XFL_GRACE_PERIOD", 10*time.Second, time.ParseDuration),
			RestartDelay: envParse("XFL_RESTART_DELAY", time.Second, time.ParseDuration),
		},
		ReportConfig: ReportConfig{
			Interval:    envParse("XFL_REPORT_INTERVAL", 5*time.Second, time.ParseDuration),
			Timeout:     envParse("XFL_REPORT_TIMEOUT", 3*time.Second, time.ParseDuration),
			MaxAttempts: max(envParse("XFL_REPORT_MAX_ATTEMPTS", 5, strconv.Atoi), 1),
			StatsTTL:    envParse("XFL_STATS_TTL", 24*time.Hour, time.ParseDuration),

			KeepAliveTime:    envParse("XFL_GRPC_KEEPALIVE_TIME", 30*time.Second, time.ParseDuration),
			KeepAliveTimeout: envParse("XFL_GRPC_KEEPALIVE_TIMEOUT", 10*time.Second, time.ParseDuration),
		},
	}
}

// RedisEnabled reports whether either a direct redis url or a sentinel setup is configured.
func (c *AppConfig) RedisEnabled() bool {
	return c.RedisUrl != "" || (c.RedisSentinelHosts != "" && c.RedisMasterName != "")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envParse parses the variable key, falling back to defaultVal when it is
// unset or malformed.
func envParse[T any](key string, defaultVal T, parse func(string) (T, error)) T {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal
	}
	parsed, err := parse(v)
	if err != nil {
		return defaultVal
	}
	return parsed
}
