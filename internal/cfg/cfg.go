// Package cfg loads and validates the process configuration. Settings come
// from environment variables, optionally overlaid on a YAML file named by
// CONFIG_FILE; environment variables always win.
package cfg

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"mexc-sniper/internal/common"
)

// Settings contains every process-level parameter: credentials, endpoints,
// timeouts and the defaults applied to trading configurations.
type Settings struct {
	DatabaseURL string
	APIKey      string
	SecretKey   string
	BaseURL     string
	WsURL       string

	LogLevel       string
	AllowedOrigins string
	Port           int
	MetricsEnabled bool

	APITimeout       time.Duration
	DBQueryTimeout   time.Duration
	MaxTradesPerHour int
	PollingInterval  time.Duration
	OrderTimeout     time.Duration
}

// configFile is the optional YAML overlay.
type configFile struct {
	API struct {
		Key     string `yaml:"key"`
		Secret  string `yaml:"secret"`
		BaseURL string `yaml:"baseURL"`
		WsURL   string `yaml:"wsURL"`
	} `yaml:"api"`
	System struct {
		DatabaseURL    string `yaml:"databaseURL"`
		LogLevel       string `yaml:"logLevel"`
		Port           int    `yaml:"port"`
		AllowedOrigins string `yaml:"allowedOrigins"`
		APITimeoutMs   int64  `yaml:"apiTimeoutMs"`
		DBTimeoutMs    int64  `yaml:"dbQueryTimeoutMs"`
	} `yaml:"system"`
	Trading struct {
		MaxTradesPerHour  int   `yaml:"maxTradesPerHour"`
		PollingIntervalMs int64 `yaml:"pollingIntervalMs"`
		OrderTimeoutMs    int64 `yaml:"orderTimeoutMs"`
	} `yaml:"trading"`
}

// Load reads the configuration and validates it. The returned error
// distinguishes nothing; callers exit with ExitConfig on any failure.
func Load() (Settings, error) {
	// .env is optional
	_ = godotenv.Load()

	var file configFile
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Settings{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &file); err != nil {
			return Settings{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	s := Settings{
		DatabaseURL:      getEnv(common.EnvDatabaseURL, file.System.DatabaseURL),
		APIKey:           getEnv(common.EnvMexcAPIKey, file.API.Key),
		SecretKey:        getEnv(common.EnvMexcSecretKey, file.API.Secret),
		BaseURL:          getEnvDefault(common.EnvMexcBaseURL, file.API.BaseURL, common.DefaultBaseURL),
		WsURL:            getEnvDefault(common.EnvMexcWsURL, file.API.WsURL, common.DefaultWsURL),
		LogLevel:         getEnvDefault(common.EnvLogLevel, file.System.LogLevel, common.DefaultLogLevel),
		AllowedOrigins:   getEnv(common.EnvAllowedOrigins, file.System.AllowedOrigins),
		Port:             getEnvInt(common.EnvPort, file.System.Port, common.DefaultPort),
		MetricsEnabled:   getEnvBool(common.EnvMetricsEnabled, true),
		APITimeout:       getEnvDurationMs(common.EnvAPITimeoutMs, file.System.APITimeoutMs, common.DefaultAPITimeoutMs),
		DBQueryTimeout:   getEnvDurationMs(common.EnvDBQueryTimeoutMs, file.System.DBTimeoutMs, common.DefaultDBQueryTimeoutMs),
		MaxTradesPerHour: getEnvInt(common.EnvMaxTradesPerHour, file.Trading.MaxTradesPerHour, common.DefaultMaxTradesPerHour),
		PollingInterval:  getEnvDurationMs(common.EnvPollingIntervalMs, file.Trading.PollingIntervalMs, common.DefaultPollingIntervalMs),
		OrderTimeout:     getEnvDurationMs(common.EnvOrderTimeoutMs, file.Trading.OrderTimeoutMs, common.DefaultOrderTimeoutMs),
	}

	if err := s.validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func (s Settings) validate() error {
	if s.DatabaseURL == "" {
		return fmt.Errorf("%s is required", common.EnvDatabaseURL)
	}
	if s.APIKey == "" {
		return fmt.Errorf("%s is required", common.EnvMexcAPIKey)
	}
	if s.SecretKey == "" {
		return fmt.Errorf("%s is required", common.EnvMexcSecretKey)
	}
	if !hexSecret(s.SecretKey) {
		return fmt.Errorf("%s must be lowercase hex of at least 32 characters", common.EnvMexcSecretKey)
	}
	if s.MaxTradesPerHour <= 0 {
		return fmt.Errorf("%s must be positive", common.EnvMaxTradesPerHour)
	}
	if s.PollingInterval <= 0 {
		return fmt.Errorf("%s must be positive", common.EnvPollingIntervalMs)
	}
	return nil
}

// hexSecret enforces the signing key contract: lowercase hex charset,
// length at least 32.
func hexSecret(s string) bool {
	if len(s) < 32 {
		return false
	}
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
		case c >= 'a' && c <= 'f':
		default:
			return false
		}
	}
	return true
}

func getEnv(key, fileValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fileValue
}

func getEnvDefault(key, fileValue, def string) string {
	if v := getEnv(key, fileValue); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, fileValue, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	if fileValue > 0 {
		return fileValue
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getEnvDurationMs(key string, fileValue, def int64) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	if fileValue > 0 {
		return time.Duration(fileValue) * time.Millisecond
	}
	return time.Duration(def) * time.Millisecond
}
