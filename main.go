package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"futures-ai-trader/config"
	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/decision"
	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/scheduler"
	"futures-ai-trader/internal/secrets"
	"futures-ai-trader/internal/stream"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <bot_config_id>\n", os.Args[0])
		return 2
	}
	botConfigID := os.Args[1]

	godotenv.Load()
	godotenv.Load(".env")

	cfg, err := config.Load("config.json")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	logger := newLogger(cfg.LoggingConfig)
	logger = logger.With().Str("bot_config_id", botConfigID).Logger()
	logger.Info().Str("symbol", cfg.TradingConfig.Symbol).Msg("Starting trading daemon")

	// Credentials
	resolver, err := secrets.NewResolver(cfg.VaultConfig)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to create secrets resolver")
		return 1
	}
	creds, err := resolver.Resolve(context.Background(), botConfigID, secrets.Credentials{
		BinanceAPIKey:    cfg.BinanceConfig.APIKey,
		BinanceSecretKey: cfg.BinanceConfig.SecretKey,
		OracleAPIKey:     oracleKeyFromConfig(cfg.AIConfig),
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to resolve credentials")
		return 1
	}

	// Durable storage
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to connect to database")
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunMigrations(ctx); err != nil {
		logger.Error().Err(err).Msg("Migrations failed")
		return 1
	}
	repo := database.NewRepository(db, botConfigID)

	// Per-bot parameters stored in the database override the file config.
	botCfg, err := repo.LoadBotConfiguration(ctx)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to load bot configuration")
		return 1
	}
	if botCfg == nil {
		logger.Warn().Msg("No bot_configurations row found, using file configuration")
	} else {
		if !botCfg.IsActive {
			logger.Error().Msg("Bot configuration is marked inactive, refusing to start")
			return 1
		}
		applyBotConfiguration(&cfg.TradingConfig, botCfg)
		logger.Info().Str("symbol", cfg.TradingConfig.Symbol).Msg("Loaded bot configuration from database")
	}

	// Hot status cache, optional
	var redisClient *redis.Client
	if cfg.RedisConfig.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisConfig.Address,
			Password: cfg.RedisConfig.Password,
			DB:       cfg.RedisConfig.DB,
		})
	}
	statusCache := database.NewRuntimeStatusCache(redisClient)

	fail := func(msg string, err error) int {
		logger.Error().Err(err).Msg(msg)
		reportError(repo, statusCache, botConfigID, fmt.Sprintf("%s: %v", msg, err))
		return 1
	}

	// Exchange
	client := binance.NewClientWithBaseURL(creds.BinanceAPIKey, creds.BinanceSecretKey, cfg.BinanceConfig.BaseURL)

	machine := engine.NewMachine(cfg.TradingConfig.Symbol, client, repo, logger)
	if err := machine.InitFromExchange(); err != nil {
		return fail("Failed to load starting state from exchange", err)
	}

	// Market/user stream
	streamMgr := stream.NewManager(client, cfg.TradingConfig.Symbol, cfg.TradingConfig.PrimaryInterval, logger)
	streamMgr.SetBaseURL(cfg.BinanceConfig.WSBaseURL)

	// Decision oracle
	oracle := decision.NewOracleClient(&decision.OracleConfig{
		Provider: decision.Provider(strings.ToLower(cfg.AIConfig.LLMProvider)),
		APIKey:   creds.OracleAPIKey,
		Model:    cfg.AIConfig.LLMModel,
		Timeout:  time.Duration(cfg.AIConfig.TimeoutSec) * time.Second,
		BaseURL:  cfg.AIConfig.BaseURL,
	})
	collector := decision.NewCollector(cfg.TradingConfig.Symbol, client, repo)
	gateway := decision.NewGateway(cfg.TradingConfig.Symbol, machine, oracle, repo, collector, repo, streamMgr.LastClosePrice, logger)

	// An unprotected position forces an immediate emergency cycle.
	machine.SetEmergencyCallback(func(reason string) {
		go gateway.RunCycle(ctx, true, reason)
	})

	fatalCh := make(chan error, 1)

	streamMgr.SetAccountUpdateCallback(func(ev stream.AccountUpdateEvent) {
		machine.HandleAccountUpdate(ctx, ev)
	})
	streamMgr.SetOrderUpdateCallback(func(o stream.OrderUpdateData) {
		machine.HandleOrderUpdate(ctx, o)
	})
	streamMgr.SetMarginCallCallback(func(ev stream.MarginCallEvent) {
		go gateway.RunCycle(ctx, true, "exchange margin call")
	})
	streamMgr.SetFatalCallback(func(err error) {
		select {
		case fatalCh <- err:
		default:
		}
	})

	if err := streamMgr.Connect(); err != nil {
		return fail("Failed to connect market stream", err)
	}
	defer streamMgr.Shutdown()

	// Timers
	sched := scheduler.New(scheduler.Config{
		HeartbeatInterval: time.Duration(cfg.TradingConfig.HeartbeatIntervalSec) * time.Second,
		DecisionInterval:  time.Duration(cfg.TradingConfig.AIUpdateIntervalSec) * time.Second,
		FallbackInterval:  time.Duration(cfg.TradingConfig.FallbackCheckSec) * time.Second,
		ProfitInterval:    time.Duration(cfg.TradingConfig.ProfitCheckIntervalSec) * time.Second,
		MaxRuntime:        time.Duration(cfg.TradingConfig.MaxRuntimeSec) * time.Second,
	}, scheduler.Hooks{
		Heartbeat: func(ctx context.Context) error {
			snap := machine.Snapshot()
			if err := repo.UpsertRuntimeStatus(ctx, database.RuntimeStatus{
				Status:   "RUNNING",
				Position: snap.Position,
			}); err != nil {
				return err
			}
			return statusCache.Publish(ctx, &database.CachedStatus{
				BotConfigID: botConfigID,
				Status:      "RUNNING",
				Position:    snap.Position,
			})
		},
		DecisionCycle: func(ctx context.Context) {
			gateway.RunCycle(ctx, false, "")
		},
		FallbackCheck: func(ctx context.Context) {
			machine.CheckPendingEntry(ctx, time.Duration(cfg.TradingConfig.EntryOrderTimeoutSec)*time.Second)
		},
		ProfitCheck: func(ctx context.Context) {
			if cfg.TradingConfig.TakeProfitTargetUsdt > 0 {
				machine.CheckProfitTarget(ctx, cfg.TradingConfig.TakeProfitTargetUsdt)
			}
		},
		RenewListenKey: func(ctx context.Context) error {
			return streamMgr.RenewListenKey()
		},
		OnMaxRuntime: cancel,
	}, logger)

	if err := sched.Start(ctx); err != nil {
		return fail("Failed to start scheduler", err)
	}
	defer sched.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-fatalCh:
		logger.Error().Err(err).Msg("Stream connection lost, shutting down")
		reportError(repo, statusCache, botConfigID, fmt.Sprintf("stream connection lost: %v", err))
		return 1
	case <-ctx.Done():
		logger.Info().Msg("Runtime limit reached, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := repo.UpsertRuntimeStatus(shutdownCtx, database.RuntimeStatus{Status: "STOPPED"}); err != nil {
		logger.Warn().Err(err).Msg("Failed to record stopped status")
	}
	statusCache.Clear(shutdownCtx, botConfigID)

	logger.Info().Msg("Shutdown complete")
	return 0
}

// applyBotConfiguration overlays the database row onto the file trading
// configuration. Zero-valued columns keep the file value.
func applyBotConfiguration(tc *config.TradingConfig, bc *database.BotConfiguration) {
	if bc.Symbol != "" {
		tc.Symbol = bc.Symbol
	}
	if bc.PrimaryInterval != "" {
		tc.PrimaryInterval = bc.PrimaryInterval
	}
	if bc.AIUpdateIntervalSec > 0 {
		tc.AIUpdateIntervalSec = bc.AIUpdateIntervalSec
	}
	if bc.FallbackCheckSec > 0 {
		tc.FallbackCheckSec = bc.FallbackCheckSec
	}
	if bc.ProfitCheckIntervalSec > 0 {
		tc.ProfitCheckIntervalSec = bc.ProfitCheckIntervalSec
	}
	if bc.EntryOrderTimeoutSec > 0 {
		tc.EntryOrderTimeoutSec = bc.EntryOrderTimeoutSec
	}
	if bc.TakeProfitTargetUsdt > 0 {
		tc.TakeProfitTargetUsdt = bc.TakeProfitTargetUsdt
	}
	if bc.MaxRuntimeSec > 0 {
		tc.MaxRuntimeSec = bc.MaxRuntimeSec
	}
}

// reportError best-effort persists the failure before the process exits.
func reportError(repo *database.Repository, cache *database.RuntimeStatusCache, botConfigID, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = repo.UpsertRuntimeStatus(ctx, database.RuntimeStatus{Status: "ERROR", ErrorMessage: msg})
	_ = cache.Publish(ctx, &database.CachedStatus{BotConfigID: botConfigID, Status: "ERROR", ErrorMessage: msg})
}

func oracleKeyFromConfig(ai config.AIConfig) string {
	switch strings.ToLower(ai.LLMProvider) {
	case "openai":
		return ai.OpenAIAPIKey
	case "deepseek":
		return ai.DeepSeekAPIKey
	default:
		return ai.ClaudeAPIKey
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	if cfg.JSONFormat {
		return zerolog.New(os.Stdout).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(level).With().Timestamp().Logger()
}
