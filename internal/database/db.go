package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	// Configure connection pool
	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		// Order lifecycle log. Append-only; one row per event the engine
		// observes or issues.
		`CREATE TABLE IF NOT EXISTS orders_log (
			id SERIAL PRIMARY KEY,
			bot_config_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			order_id BIGINT NOT NULL DEFAULT 0,
			client_order_id VARCHAR(64),
			side VARCHAR(4) NOT NULL,
			order_type VARCHAR(30) NOT NULL,
			status VARCHAR(30) NOT NULL,
			price DECIMAL(20, 8) NOT NULL DEFAULT 0,
			quantity DECIMAL(20, 8) NOT NULL DEFAULT 0,
			realized_pnl DECIMAL(20, 8) NOT NULL DEFAULT 0,
			pnl_source VARCHAR(20) NOT NULL DEFAULT '',
			commission_usdt DECIMAL(20, 8) NOT NULL DEFAULT 0,
			reduce_only BOOLEAN NOT NULL DEFAULT FALSE,
			note TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_log_bot ON orders_log(bot_config_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_log_order_id ON orders_log(order_id)`,

		// One row per decision cycle. Raw response is kept verbatim for
		// audit, the context hash ties the row to the snapshot that
		// produced it.
		`CREATE TABLE IF NOT EXISTS ai_interactions_log (
			id SERIAL PRIMARY KEY,
			bot_config_id VARCHAR(64) NOT NULL,
			context_hash VARCHAR(64) NOT NULL,
			raw_response TEXT NOT NULL DEFAULT '',
			executed_action VARCHAR(40) NOT NULL,
			outcome VARCHAR(30) NOT NULL,
			note TEXT NOT NULL DEFAULT '',
			emergency BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ai_interactions_bot ON ai_interactions_log(bot_config_id, created_at DESC)`,

		// Versioned strategy directive documents. Every accepted update
		// inserts a new row; the active document is the highest version.
		`CREATE TABLE IF NOT EXISTS trade_logic_source (
			id SERIAL PRIMARY KEY,
			bot_config_id VARCHAR(64) NOT NULL,
			version INTEGER NOT NULL,
			directives JSONB NOT NULL,
			updated_by VARCHAR(40) NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (bot_config_id, version)
		)`,

		// Per-bot trading parameters. The daemon loads its row at startup;
		// zero or NULL columns fall back to the file configuration.
		`CREATE TABLE IF NOT EXISTS bot_configurations (
			id SERIAL PRIMARY KEY,
			bot_config_id VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(20) NOT NULL DEFAULT '',
			primary_interval VARCHAR(10) NOT NULL DEFAULT '',
			ai_update_interval_sec INTEGER NOT NULL DEFAULT 0,
			fallback_check_sec INTEGER NOT NULL DEFAULT 0,
			profit_check_interval_sec INTEGER NOT NULL DEFAULT 0,
			entry_order_timeout_sec INTEGER NOT NULL DEFAULT 0,
			take_profit_target_usdt DECIMAL(20, 8) NOT NULL DEFAULT 0,
			max_runtime_sec INTEGER NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Liveness row, upserted on heartbeat and on every status change.
		`CREATE TABLE IF NOT EXISTS bot_runtime_status (
			id SERIAL PRIMARY KEY,
			bot_config_id VARCHAR(64) NOT NULL UNIQUE,
			status VARCHAR(30) NOT NULL,
			last_heartbeat TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			process_id INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			current_position_details_json JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
