package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server      ServerConfig
	Relay       RelayConfig
	Telegram    TelegramConfig
	Correlation CorrelationConfig
	Logger      LoggerConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	relay, err := loadRelayConfig()
	if err != nil {
		return nil, err
	}

	telegram, err := loadTelegramConfig()
	if err != nil {
		return nil, err
	}

	correlation, err := loadCorrelationConfig(relay)
	if err != nil {
		return nil, err
	}

	logger, err := loadLoggerConfig()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server:      server,
		Relay:       relay,
		Telegram:    telegram,
		Correlation: correlation,
		Logger:      logger,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate 检查配置之间的约束。
func (c *Config) Validate() error {
	var errs []error
	if c.Telegram.BotToken == "" {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN is required"))
	}
	if c.Telegram.ChatID == 0 {
		errs = append(errs, errors.New("TELEGRAM_CHAT_ID is required"))
	}
	if c.Relay.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("RELAY_HEARTBEAT_INTERVAL must be positive"))
	}
	if c.Relay.SweepInterval <= 0 {
		errs = append(errs, errors.New("RELAY_SWEEP_INTERVAL must be positive"))
	}
	if c.Relay.InactivityThreshold <= 0 {
		errs = append(errs, errors.New("RELAY_INACTIVITY_THRESHOLD must be positive"))
	}
	if c.Correlation.Store == "redis" && c.Correlation.Redis.Addr == "" {
		errs = append(errs, errors.New("REDIS_ADDR is required when CORRELATION_STORE=redis"))
	}
	return errors.Join(errs...)
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
}

// loadServerConfig 解析服务器监听地址。
func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	origins := parseListEnv("RELAY_ALLOWED_ORIGINS")

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return ServerConfig{Addr: port, AllowedOrigins: origins}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port, AllowedOrigins: origins}, nil
}

// RelayConfig 描述访客会话的心跳与清理参数。
type RelayConfig struct {
	HeartbeatInterval   time.Duration
	SweepInterval       time.Duration
	InactivityThreshold time.Duration
	WriteTimeout        time.Duration
	MaxMessageBytes     int64
}

func loadRelayConfig() (RelayConfig, error) {
	heartbeat, err := parseDurationEnv("RELAY_HEARTBEAT_INTERVAL", 30*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	sweep, err := parseDurationEnv("RELAY_SWEEP_INTERVAL", 5*time.Minute)
	if err != nil {
		return RelayConfig{}, err
	}

	inactivity, err := parseDurationEnv("RELAY_INACTIVITY_THRESHOLD", time.Hour)
	if err != nil {
		return RelayConfig{}, err
	}

	writeTimeout, err := parseDurationEnv("RELAY_WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return RelayConfig{}, err
	}

	maxBytes := int64(16 * 1024)
	if override, err := parseOptionalIntEnv("RELAY_MAX_MESSAGE_BYTES"); err != nil {
		return RelayConfig{}, err
	} else if override != nil && *override > 0 {
		maxBytes = int64(*override)
	}

	return RelayConfig{
		HeartbeatInterval:   heartbeat,
		SweepInterval:       sweep,
		InactivityThreshold: inactivity,
		WriteTimeout:        writeTimeout,
		MaxMessageBytes:     maxBytes,
	}, nil
}

// TelegramConfig 描述运营者 Telegram 机器人配置。
type TelegramConfig struct {
	BotToken      string
	ChatID        int64
	APIBaseURL    string
	WebhookSecret string
	Timeout       time.Duration
}

func loadTelegramConfig() (TelegramConfig, error) {
	var chatID int64
	if raw := strings.TrimSpace(os.Getenv("TELEGRAM_CHAT_ID")); raw != "" {
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return TelegramConfig{}, fmt.Errorf("invalid TELEGRAM_CHAT_ID value %q: %w", raw, err)
		}
		chatID = val
	}

	timeout, err := parseDurationEnv("TELEGRAM_TIMEOUT", 10*time.Second)
	if err != nil {
		return TelegramConfig{}, err
	}

	return TelegramConfig{
		BotToken:      strings.TrimSpace(os.Getenv("TELEGRAM_BOT_TOKEN")),
		ChatID:        chatID,
		APIBaseURL:    strings.TrimRight(getEnvOrDefault("TELEGRAM_API_BASE_URL", "https://api.telegram.org"), "/"),
		WebhookSecret: strings.TrimSpace(os.Getenv("TELEGRAM_WEBHOOK_SECRET")),
		Timeout:       timeout,
	}, nil
}

// CorrelationConfig 选择回复关联表的存储后端。
type CorrelationConfig struct {
	Store string
	Redis RedisConfig
}

// RedisConfig 描述 Redis 连接参数。
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

func loadCorrelationConfig(relay RelayConfig) (CorrelationConfig, error) {
	store := strings.ToLower(getEnvOrDefault("CORRELATION_STORE", "memory"))
	if store != "memory" && store != "redis" {
		return CorrelationConfig{}, fmt.Errorf("invalid CORRELATION_STORE value: %q", store)
	}

	db := 0
	if override, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return CorrelationConfig{}, err
	} else if override != nil {
		db = *override
	}

	// 仅作为进程崩溃时的兜底过期时间，正常情况下由会话移除时显式清理。
	ttl, err := parseDurationEnv("REDIS_CORRELATION_TTL", 2*relay.InactivityThreshold)
	if err != nil {
		return CorrelationConfig{}, err
	}

	return CorrelationConfig{
		Store: store,
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(os.Getenv("REDIS_ADDR")),
			Username: strings.TrimSpace(os.Getenv("REDIS_USERNAME")),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       db,
			Prefix:   getEnvOrDefault("REDIS_PREFIX", "relay:corr"),
			TTL:      ttl,
		},
	}, nil
}

// LoggerConfig 描述日志输出配置。
type LoggerConfig struct {
	Level      string
	Format     string
	Output     string
	FilePath   string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
	Color      bool
	Stacktrace bool
}

func loadLoggerConfig() (LoggerConfig, error) {
	compress, err := parseBoolEnv("LOG_COMPRESS", true)
	if err != nil {
		return LoggerConfig{}, err
	}
	color, err := parseBoolEnv("LOG_COLOR", false)
	if err != nil {
		return LoggerConfig{}, err
	}
	stacktrace, err := parseBoolEnv("LOG_STACKTRACE", false)
	if err != nil {
		return LoggerConfig{}, err
	}

	cfg := LoggerConfig{
		Level:      getEnvOrDefault("LOG_LEVEL", "info"),
		Format:     getEnvOrDefault("LOG_FORMAT", "json"),
		Output:     getEnvOrDefault("LOG_OUTPUT", "stdout"),
		FilePath:   getEnvOrDefault("LOG_FILE", "logs/relay.log"),
		Compress:   compress,
		Color:      color,
		Stacktrace: stacktrace,
	}

	for key, dst := range map[string]*int{
		"LOG_MAX_SIZE":    &cfg.MaxSize,
		"LOG_MAX_BACKUPS": &cfg.MaxBackups,
		"LOG_MAX_AGE":     &cfg.MaxAge,
	} {
		val, err := parseOptionalIntEnv(key)
		if err != nil {
			return LoggerConfig{}, err
		}
		if val != nil {
			*dst = *val
		}
	}
	return cfg, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

// parseDurationEnv 接受 "30s"、"5m" 这类写法，纯数字按秒处理。
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseListEnv(key string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}

	var items []string
	for _, part := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(part); item != "" {
			items = append(items, item)
		}
	}
	return items
}
