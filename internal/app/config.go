package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// ConfigFileEnv names the optional TOML file overlaid beneath the environment.
const ConfigFileEnv = "JUSTSERVE_CONFIG_FILE"

type Config struct {
	HTTPAddr           string
	BackendURL         string
	BackendCallTimeout time.Duration // 0 = rely on the backend's own timeouts
	LogLevel           string
	LogFormat          string

	PreferencesBackend string
	PreferencesPath    string
	MongoURI           string
	MongoDatabase      string
	RedisURL           string
	RedisKey           string

	MaxPortRetries   int
	RetryDelay       time.Duration
	RetryMaxDelay    time.Duration
	RetryMultiplier  float64
	DiscoveryTimeout time.Duration

	CORSAllowedOrigins []string
	RateLimitRPS       int
	RateLimitBurst     int
}

type fileConfig struct {
	HTTPAddr             string   `toml:"http_addr"`
	BackendURL           string   `toml:"backend_url"`
	BackendCallTimeoutMS int64    `toml:"backend_call_timeout_ms"`
	LogLevel             string   `toml:"log_level"`
	LogFormat            string   `toml:"log_format"`
	PreferencesBackend   string   `toml:"preferences_backend"`
	PreferencesPath      string   `toml:"preferences_path"`
	MongoURI             string   `toml:"mongo_uri"`
	MongoDatabase        string   `toml:"mongo_db"`
	RedisURL             string   `toml:"redis_url"`
	RedisKey             string   `toml:"redis_key"`
	MaxPortRetries       int      `toml:"session_max_port_retries"`
	RetryDelayMS         int64    `toml:"session_retry_delay_ms"`
	RetryMaxDelayMS      int64    `toml:"session_retry_max_delay_ms"`
	RetryMultiplier      float64  `toml:"session_retry_multiplier"`
	DiscoveryTimeoutSec  int64    `toml:"discovery_timeout_seconds"`
	CORSAllowedOrigins   []string `toml:"cors_allowed_origins"`
	RateLimitRPS         int      `toml:"api_rate_limit_rps"`
	RateLimitBurst       int      `toml:"api_rate_limit_burst"`
}

func defaultConfig() Config {
	return Config{
		HTTPAddr:           "127.0.0.1:34116",
		BackendURL:         "http://127.0.0.1:34115",
		LogLevel:           "info",
		LogFormat:          "text",
		PreferencesBackend: "bolt",
		PreferencesPath:    "data/preferences.db",
		MongoURI:           "mongodb://localhost:27017",
		MongoDatabase:      "justserve",
		RedisURL:           "redis://localhost:6379/0",
		RedisKey:           "justserve:preferences",
		MaxPortRetries:     3,
		RetryDelay:         time.Second,
		RetryMaxDelay:      5 * time.Second,
		RetryMultiplier:    1.0,
		DiscoveryTimeout:   5 * time.Second,
		RateLimitRPS:       50,
		RateLimitBurst:     100,
	}
}

// LoadConfig builds the configuration from defaults, the optional TOML file
// named by JUSTSERVE_CONFIG_FILE, and finally environment variables.
func LoadConfig() (Config, error) {
	cfg := defaultConfig()
	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := applyConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	cfg.HTTPAddr = getEnv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.BackendURL = strings.TrimRight(getEnv("BACKEND_URL", cfg.BackendURL), "/")
	cfg.BackendCallTimeout = getEnvMillis("BACKEND_CALL_TIMEOUT_MS", cfg.BackendCallTimeout)
	cfg.LogLevel = strings.ToLower(getEnv("LOG_LEVEL", cfg.LogLevel))
	cfg.LogFormat = strings.ToLower(getEnv("LOG_FORMAT", cfg.LogFormat))
	cfg.PreferencesBackend = strings.ToLower(getEnv("PREFERENCES_BACKEND", cfg.PreferencesBackend))
	cfg.PreferencesPath = getEnv("PREFERENCES_PATH", cfg.PreferencesPath)
	cfg.MongoURI = getEnv("MONGO_URI", cfg.MongoURI)
	cfg.MongoDatabase = getEnv("MONGO_DB", cfg.MongoDatabase)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.RedisKey = getEnv("REDIS_KEY", cfg.RedisKey)
	cfg.MaxPortRetries = int(getEnvInt64("SESSION_MAX_PORT_RETRIES", int64(cfg.MaxPortRetries)))
	cfg.RetryDelay = getEnvMillis("SESSION_RETRY_DELAY_MS", cfg.RetryDelay)
	cfg.RetryMaxDelay = getEnvMillis("SESSION_RETRY_MAX_DELAY_MS", cfg.RetryMaxDelay)
	cfg.RetryMultiplier = getEnvFloat("SESSION_RETRY_MULTIPLIER", cfg.RetryMultiplier)
	cfg.DiscoveryTimeout = time.Duration(getEnvInt64("DISCOVERY_TIMEOUT_SECONDS", int64(cfg.DiscoveryTimeout/time.Second))) * time.Second
	if origins := parseCSV(os.Getenv("CORS_ALLOWED_ORIGINS")); origins != nil {
		cfg.CORSAllowedOrigins = origins
	}
	cfg.RateLimitRPS = int(getEnvInt64("API_RATE_LIMIT_RPS", int64(cfg.RateLimitRPS)))
	cfg.RateLimitBurst = int(getEnvInt64("API_RATE_LIMIT_BURST", int64(cfg.RateLimitBurst)))

	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = 1
	}
	return cfg, nil
}

func applyConfigFile(path string, cfg *Config) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config file %s: %w", path, err)
	}

	setString := func(key string, dst *string, v string) {
		if meta.IsDefined(key) && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	setString("http_addr", &cfg.HTTPAddr, raw.HTTPAddr)
	setString("backend_url", &cfg.BackendURL, raw.BackendURL)
	setString("log_level", &cfg.LogLevel, raw.LogLevel)
	setString("log_format", &cfg.LogFormat, raw.LogFormat)
	setString("preferences_backend", &cfg.PreferencesBackend, raw.PreferencesBackend)
	setString("preferences_path", &cfg.PreferencesPath, raw.PreferencesPath)
	setString("mongo_uri", &cfg.MongoURI, raw.MongoURI)
	setString("mongo_db", &cfg.MongoDatabase, raw.MongoDatabase)
	setString("redis_url", &cfg.RedisURL, raw.RedisURL)
	setString("redis_key", &cfg.RedisKey, raw.RedisKey)

	if meta.IsDefined("backend_call_timeout_ms") && raw.BackendCallTimeoutMS >= 0 {
		cfg.BackendCallTimeout = time.Duration(raw.BackendCallTimeoutMS) * time.Millisecond
	}
	if meta.IsDefined("session_max_port_retries") && raw.MaxPortRetries >= 0 {
		cfg.MaxPortRetries = raw.MaxPortRetries
	}
	if meta.IsDefined("session_retry_delay_ms") && raw.RetryDelayMS >= 0 {
		cfg.RetryDelay = time.Duration(raw.RetryDelayMS) * time.Millisecond
	}
	if meta.IsDefined("session_retry_max_delay_ms") && raw.RetryMaxDelayMS >= 0 {
		cfg.RetryMaxDelay = time.Duration(raw.RetryMaxDelayMS) * time.Millisecond
	}
	if meta.IsDefined("session_retry_multiplier") && raw.RetryMultiplier > 0 {
		cfg.RetryMultiplier = raw.RetryMultiplier
	}
	if meta.IsDefined("discovery_timeout_seconds") && raw.DiscoveryTimeoutSec > 0 {
		cfg.DiscoveryTimeout = time.Duration(raw.DiscoveryTimeoutSec) * time.Second
	}
	if meta.IsDefined("cors_allowed_origins") {
		cfg.CORSAllowedOrigins = normalizeList(raw.CORSAllowedOrigins)
	}
	if meta.IsDefined("api_rate_limit_rps") && raw.RateLimitRPS > 0 {
		cfg.RateLimitRPS = raw.RateLimitRPS
	}
	if meta.IsDefined("api_rate_limit_burst") && raw.RateLimitBurst > 0 {
		cfg.RateLimitBurst = raw.RateLimitBurst
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt64(key string, fallback int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return fallback
	}
	if parsed < 0 {
		return fallback
	}
	return parsed
}

func getEnvMillis(key string, fallback time.Duration) time.Duration {
	ms := getEnvInt64(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvFloat(key string, fallback float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func parseCSV(value string) []string {
	if strings.TrimSpace(value) == "" {
		return nil
	}
	return normalizeList(strings.Split(value, ","))
}

func normalizeList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
