package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.BinanceConfig.BaseURL != "https://fapi.binance.com" {
		t.Errorf("Should default to mainnet futures REST URL, got %s", cfg.BinanceConfig.BaseURL)
	}
	if cfg.BinanceConfig.WSBaseURL != "wss://fstream.binance.com" {
		t.Errorf("Should default to mainnet futures stream URL, got %s", cfg.BinanceConfig.WSBaseURL)
	}
	if cfg.TradingConfig.Symbol != "BTCUSDT" {
		t.Errorf("Should default symbol to BTCUSDT, got %s", cfg.TradingConfig.Symbol)
	}
	if cfg.TradingConfig.HeartbeatIntervalSec != 10 {
		t.Errorf("Should default heartbeat to 10s, got %d", cfg.TradingConfig.HeartbeatIntervalSec)
	}
	if cfg.TradingConfig.MaxRuntimeSec != 86400 {
		t.Errorf("Should default max runtime to 86400s, got %d", cfg.TradingConfig.MaxRuntimeSec)
	}
	if cfg.AIConfig.LLMProvider != "claude" {
		t.Errorf("Should default provider to claude, got %s", cfg.AIConfig.LLMProvider)
	}
}

func TestLoadTestnetDefaults(t *testing.T) {
	t.Setenv("BINANCE_TESTNET", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.BinanceConfig.BaseURL != "https://testnet.binancefuture.com" {
		t.Errorf("Should use testnet REST URL, got %s", cfg.BinanceConfig.BaseURL)
	}
	if cfg.BinanceConfig.WSBaseURL != "wss://stream.binancefuture.com" {
		t.Errorf("Should use testnet stream URL, got %s", cfg.BinanceConfig.WSBaseURL)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	data := `{"trading":{"symbol":"ETHUSDT","ai_update_interval_sec":120},"ai":{"llm_provider":"openai"}}`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TRADING_SYMBOL", "SOLUSDT")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.TradingConfig.Symbol != "SOLUSDT" {
		t.Errorf("Environment should override file, got %s", cfg.TradingConfig.Symbol)
	}
	if cfg.TradingConfig.AIUpdateIntervalSec != 120 {
		t.Errorf("File value should survive without env override, got %d", cfg.TradingConfig.AIUpdateIntervalSec)
	}
	if cfg.AIConfig.LLMProvider != "openai" {
		t.Errorf("File provider should be kept, got %s", cfg.AIConfig.LLMProvider)
	}
}
