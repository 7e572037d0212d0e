package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"

	"futures-ai-trader/internal/decision"
	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/strategy"
)

// Repository gives the trading core its durable storage. All rows are
// scoped to one bot_config_id so several bots can share a database.
type Repository struct {
	db          *DB
	botConfigID string
}

// NewRepository creates a repository scoped to the given bot config.
func NewRepository(db *DB, botConfigID string) *Repository {
	return &Repository{db: db, botConfigID: botConfigID}
}

// RecordOrderEvent appends one order lifecycle row.
func (r *Repository) RecordOrderEvent(ctx context.Context, event engine.OrderEvent) error {
	query := `
		INSERT INTO orders_log (
			bot_config_id, symbol, order_id, client_order_id, side,
			order_type, status, price, quantity, realized_pnl,
			pnl_source, commission_usdt, reduce_only, note
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err := r.db.Pool.Exec(ctx, query,
		r.botConfigID, event.Symbol, event.OrderID, event.ClientOrderID,
		event.Side, event.Type, event.Status, event.Price, event.Quantity,
		event.RealizedPnl, event.PnlSource, event.CommissionUSDT, event.ReduceOnly, event.Note,
	)
	if err != nil {
		return fmt.Errorf("failed to record order event: %w", err)
	}
	return nil
}

// BotConfiguration is the per-bot parameter row keyed by bot_config_id.
// Zero-valued columns mean "use the file configuration".
type BotConfiguration struct {
	Symbol                 string
	PrimaryInterval        string
	AIUpdateIntervalSec    int
	FallbackCheckSec       int
	ProfitCheckIntervalSec int
	EntryOrderTimeoutSec   int
	TakeProfitTargetUsdt   float64
	MaxRuntimeSec          int
	IsActive               bool
}

// LoadBotConfiguration returns this bot's parameter row, or nil when the
// bot has no row yet.
func (r *Repository) LoadBotConfiguration(ctx context.Context) (*BotConfiguration, error) {
	query := `
		SELECT symbol, primary_interval, ai_update_interval_sec,
			fallback_check_sec, profit_check_interval_sec,
			entry_order_timeout_sec, take_profit_target_usdt,
			max_runtime_sec, is_active
		FROM bot_configurations
		WHERE bot_config_id = $1`

	var bc BotConfiguration
	err := r.db.Pool.QueryRow(ctx, query, r.botConfigID).Scan(
		&bc.Symbol, &bc.PrimaryInterval, &bc.AIUpdateIntervalSec,
		&bc.FallbackCheckSec, &bc.ProfitCheckIntervalSec,
		&bc.EntryOrderTimeoutSec, &bc.TakeProfitTargetUsdt,
		&bc.MaxRuntimeSec, &bc.IsActive,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load bot configuration: %w", err)
	}
	return &bc, nil
}

// RecordInteraction appends one decision cycle row.
func (r *Repository) RecordInteraction(ctx context.Context, rec decision.InteractionRecord) error {
	query := `
		INSERT INTO ai_interactions_log (
			bot_config_id, context_hash, raw_response, executed_action,
			outcome, note, emergency
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.db.Pool.Exec(ctx, query,
		r.botConfigID, rec.ContextHash, rec.RawResponse, rec.Action,
		rec.Outcome, rec.Note, rec.Emergency,
	)
	if err != nil {
		return fmt.Errorf("failed to record interaction: %w", err)
	}
	return nil
}

// RecentOrders returns the newest order log rows, newest first.
func (r *Repository) RecentOrders(ctx context.Context, limit int) ([]decision.OrderLogRow, error) {
	query := `
		SELECT created_at, order_id, side, order_type, status, price, quantity, realized_pnl, note
		FROM orders_log
		WHERE bot_config_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, r.botConfigID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent orders: %w", err)
	}
	defer rows.Close()

	var result []decision.OrderLogRow
	for rows.Next() {
		var row decision.OrderLogRow
		if err := rows.Scan(&row.Time, &row.OrderID, &row.Side, &row.Type,
			&row.Status, &row.Price, &row.Quantity, &row.RealizedPnl, &row.Note); err != nil {
			return nil, fmt.Errorf("failed to scan order row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// RecentInteractions returns the newest decision cycle rows, newest first.
func (r *Repository) RecentInteractions(ctx context.Context, limit int) ([]decision.InteractionRow, error) {
	query := `
		SELECT created_at, executed_action, outcome
		FROM ai_interactions_log
		WHERE bot_config_id = $1
		ORDER BY created_at DESC
		LIMIT $2`

	rows, err := r.db.Pool.Query(ctx, query, r.botConfigID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent interactions: %w", err)
	}
	defer rows.Close()

	var result []decision.InteractionRow
	for rows.Next() {
		var row decision.InteractionRow
		if err := rows.Scan(&row.Time, &row.Action, &row.Outcome); err != nil {
			return nil, fmt.Errorf("failed to scan interaction row: %w", err)
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// Load returns the active directive document, seeding and persisting the
// defaults when the bot has none yet.
func (r *Repository) Load(ctx context.Context) (*strategy.Versioned, error) {
	query := `
		SELECT version, directives, updated_by, updated_at
		FROM trade_logic_source
		WHERE bot_config_id = $1
		ORDER BY version DESC
		LIMIT 1`

	var (
		v       strategy.Versioned
		rawJSON []byte
	)
	err := r.db.Pool.QueryRow(ctx, query, r.botConfigID).Scan(
		&v.Version, &rawJSON, &v.UpdatedBy, &v.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		seeded := &strategy.Versioned{
			Version:    1,
			Directives: strategy.Default(),
			UpdatedBy:  "system",
			UpdatedAt:  time.Now().UTC(),
		}
		if err := r.Save(ctx, seeded); err != nil {
			return nil, fmt.Errorf("failed to seed default directives: %w", err)
		}
		return seeded, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load directives: %w", err)
	}

	if err := json.Unmarshal(rawJSON, &v.Directives); err != nil {
		return nil, fmt.Errorf("failed to unmarshal directives: %w", err)
	}
	return &v, nil
}

// Save inserts a new directive version. The UNIQUE (bot_config_id, version)
// constraint rejects concurrent writers racing for the same version.
func (r *Repository) Save(ctx context.Context, v *strategy.Versioned) error {
	directivesJSON, err := json.Marshal(v.Directives)
	if err != nil {
		return fmt.Errorf("failed to marshal directives: %w", err)
	}

	query := `
		INSERT INTO trade_logic_source (bot_config_id, version, directives, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5)`

	_, err = r.db.Pool.Exec(ctx, query,
		r.botConfigID, v.Version, directivesJSON, v.UpdatedBy, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save directives version %d: %w", v.Version, err)
	}
	return nil
}

// RuntimeStatus is the liveness snapshot upserted on every heartbeat.
type RuntimeStatus struct {
	Status       string
	ErrorMessage string
	Position     *engine.PositionView
}

// UpsertRuntimeStatus updates the single liveness row for this bot.
func (r *Repository) UpsertRuntimeStatus(ctx context.Context, rs RuntimeStatus) error {
	var positionJSON []byte
	if rs.Position != nil {
		var err error
		positionJSON, err = json.Marshal(rs.Position)
		if err != nil {
			return fmt.Errorf("failed to marshal position details: %w", err)
		}
	}

	query := `
		INSERT INTO bot_runtime_status (
			bot_config_id, status, last_heartbeat, process_id,
			error_message, current_position_details_json, updated_at
		) VALUES ($1, $2, NOW(), $3, $4, $5, NOW())
		ON CONFLICT (bot_config_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			process_id = EXCLUDED.process_id,
			error_message = EXCLUDED.error_message,
			current_position_details_json = EXCLUDED.current_position_details_json,
			updated_at = EXCLUDED.updated_at`

	_, err := r.db.Pool.Exec(ctx, query,
		r.botConfigID, rs.Status, os.Getpid(), rs.ErrorMessage, positionJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert runtime status: %w", err)
	}
	return nil
}
