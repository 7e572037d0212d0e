package main

import (
	"testing"

	"futures-ai-trader/config"
	"futures-ai-trader/internal/database"
)

func fileTradingConfig() config.TradingConfig {
	return config.TradingConfig{
		Symbol:                 "BTCUSDT",
		PrimaryInterval:        "5m",
		AIUpdateIntervalSec:    300,
		FallbackCheckSec:       60,
		ProfitCheckIntervalSec: 30,
		EntryOrderTimeoutSec:   300,
		TakeProfitTargetUsdt:   50,
		HeartbeatIntervalSec:   30,
		MaxRuntimeSec:          0,
	}
}

func TestApplyBotConfigurationOverridesFileValues(t *testing.T) {
	tc := fileTradingConfig()
	applyBotConfiguration(&tc, &database.BotConfiguration{
		Symbol:                 "ETHUSDT",
		PrimaryInterval:        "15m",
		AIUpdateIntervalSec:    600,
		FallbackCheckSec:       120,
		ProfitCheckIntervalSec: 45,
		EntryOrderTimeoutSec:   180,
		TakeProfitTargetUsdt:   75,
		MaxRuntimeSec:          3600,
		IsActive:               true,
	})

	if tc.Symbol != "ETHUSDT" || tc.PrimaryInterval != "15m" {
		t.Errorf("Database symbol/interval should win, got %s %s", tc.Symbol, tc.PrimaryInterval)
	}
	if tc.AIUpdateIntervalSec != 600 || tc.FallbackCheckSec != 120 {
		t.Error("Database intervals should win over the file values")
	}
	if tc.ProfitCheckIntervalSec != 45 || tc.EntryOrderTimeoutSec != 180 {
		t.Error("Database timeouts should win over the file values")
	}
	if tc.TakeProfitTargetUsdt != 75 || tc.MaxRuntimeSec != 3600 {
		t.Error("Database target and runtime limit should win over the file values")
	}
}

func TestApplyBotConfigurationKeepsFileValuesForZeroColumns(t *testing.T) {
	tc := fileTradingConfig()
	applyBotConfiguration(&tc, &database.BotConfiguration{
		Symbol:   "",
		IsActive: true,
	})

	want := fileTradingConfig()
	if tc != want {
		t.Errorf("Zero-valued columns must keep the file configuration, got %+v", tc)
	}
}
