package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	BinanceConfig  BinanceConfig  `json:"binance"`
	AIConfig       AIConfig       `json:"ai"`
	TradingConfig  TradingConfig  `json:"trading"`
	DatabaseConfig DatabaseConfig `json:"database"`
	RedisConfig    RedisConfig    `json:"redis"`
	VaultConfig    VaultConfig    `json:"vault"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// BinanceConfig holds USDM futures API configuration. Credentials may be
// left empty here and resolved through Vault instead.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`
	TestNet   bool   `json:"testnet"`
}

// AIConfig holds decision oracle configuration
type AIConfig struct {
	LLMProvider    string `json:"llm_provider"` // "claude", "openai", or "deepseek"
	ClaudeAPIKey   string `json:"claude_api_key"`
	OpenAIAPIKey   string `json:"openai_api_key"`
	DeepSeekAPIKey string `json:"deepseek_api_key"`
	LLMModel       string `json:"llm_model"`
	BaseURL        string `json:"base_url"` // override for self-hosted gateways
	TimeoutSec     int    `json:"timeout_sec"`
}

// TradingConfig holds the trading loop parameters
type TradingConfig struct {
	Symbol                 string  `json:"symbol"`
	PrimaryInterval        string  `json:"primary_interval"`
	AIUpdateIntervalSec    int     `json:"ai_update_interval_sec"`
	FallbackCheckSec       int     `json:"fallback_check_sec"`
	ProfitCheckIntervalSec int     `json:"profit_check_interval_sec"`
	EntryOrderTimeoutSec   int     `json:"entry_order_timeout_sec"`
	TakeProfitTargetUsdt   float64 `json:"take_profit_target_usdt"`
	HeartbeatIntervalSec   int     `json:"heartbeat_interval_sec"`
	MaxRuntimeSec          int     `json:"max_runtime_sec"`
}

type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for the runtime status cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // base path under the mount
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

type LoggingConfig struct {
	Level      string `json:"level"` // debug, info, warn, error
	JSONFormat bool   `json:"json_format"`
}

func Load(path string) (*Config, error) {
	cfg, err := loadFromFile(path)
	if err != nil {
		// No config file is fine, environment carries everything
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Environment
// takes precedence over the file.
func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.BaseURL = getEnvOrDefault("BINANCE_BASE_URL", cfg.BinanceConfig.BaseURL)
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.BinanceConfig.WSBaseURL)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)

	cfg.AIConfig.LLMProvider = getEnvOrDefault("AI_LLM_PROVIDER", cfg.AIConfig.LLMProvider)
	cfg.AIConfig.ClaudeAPIKey = getEnvOrDefault("AI_CLAUDE_API_KEY", cfg.AIConfig.ClaudeAPIKey)
	cfg.AIConfig.OpenAIAPIKey = getEnvOrDefault("AI_OPENAI_API_KEY", cfg.AIConfig.OpenAIAPIKey)
	cfg.AIConfig.DeepSeekAPIKey = getEnvOrDefault("AI_DEEPSEEK_API_KEY", cfg.AIConfig.DeepSeekAPIKey)
	cfg.AIConfig.LLMModel = getEnvOrDefault("AI_LLM_MODEL", cfg.AIConfig.LLMModel)
	cfg.AIConfig.BaseURL = getEnvOrDefault("AI_BASE_URL", cfg.AIConfig.BaseURL)

	cfg.TradingConfig.Symbol = getEnvOrDefault("TRADING_SYMBOL", cfg.TradingConfig.Symbol)
	cfg.TradingConfig.PrimaryInterval = getEnvOrDefault("TRADING_PRIMARY_INTERVAL", cfg.TradingConfig.PrimaryInterval)
	cfg.TradingConfig.AIUpdateIntervalSec = getEnvIntOrDefault("TRADING_AI_UPDATE_INTERVAL_SEC", cfg.TradingConfig.AIUpdateIntervalSec)
	cfg.TradingConfig.MaxRuntimeSec = getEnvIntOrDefault("TRADING_MAX_RUNTIME_SEC", cfg.TradingConfig.MaxRuntimeSec)

	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.VaultConfig.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", cfg.VaultConfig.Enabled)
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

// applyDefaults fills every field left empty by both file and environment.
func applyDefaults(cfg *Config) {
	if cfg.BinanceConfig.BaseURL == "" {
		if cfg.BinanceConfig.TestNet {
			cfg.BinanceConfig.BaseURL = "https://testnet.binancefuture.com"
		} else {
			cfg.BinanceConfig.BaseURL = "https://fapi.binance.com"
		}
	}
	if cfg.BinanceConfig.WSBaseURL == "" {
		if cfg.BinanceConfig.TestNet {
			cfg.BinanceConfig.WSBaseURL = "wss://stream.binancefuture.com"
		} else {
			cfg.BinanceConfig.WSBaseURL = "wss://fstream.binance.com"
		}
	}

	if cfg.AIConfig.LLMProvider == "" {
		cfg.AIConfig.LLMProvider = "claude"
	}
	if cfg.AIConfig.LLMModel == "" {
		cfg.AIConfig.LLMModel = "claude-3-haiku-20240307"
	}
	if cfg.AIConfig.TimeoutSec == 0 {
		cfg.AIConfig.TimeoutSec = 90
	}

	if cfg.TradingConfig.Symbol == "" {
		cfg.TradingConfig.Symbol = "BTCUSDT"
	}
	if cfg.TradingConfig.PrimaryInterval == "" {
		cfg.TradingConfig.PrimaryInterval = "5m"
	}
	if cfg.TradingConfig.AIUpdateIntervalSec == 0 {
		cfg.TradingConfig.AIUpdateIntervalSec = 300
	}
	if cfg.TradingConfig.FallbackCheckSec == 0 {
		cfg.TradingConfig.FallbackCheckSec = 60
	}
	if cfg.TradingConfig.ProfitCheckIntervalSec == 0 {
		cfg.TradingConfig.ProfitCheckIntervalSec = 60
	}
	if cfg.TradingConfig.EntryOrderTimeoutSec == 0 {
		cfg.TradingConfig.EntryOrderTimeoutSec = 300
	}
	if cfg.TradingConfig.HeartbeatIntervalSec == 0 {
		cfg.TradingConfig.HeartbeatIntervalSec = 10
	}
	if cfg.TradingConfig.MaxRuntimeSec == 0 {
		cfg.TradingConfig.MaxRuntimeSec = 86400
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}

	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "futures-ai-trader"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}
