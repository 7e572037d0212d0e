package decision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/strategy"
)

// Historical kline intervals collected for the oracle, primary first.
var contextIntervals = []string{"5m", "1m", "15m", "30m", "1h", "6h", "12h", "1d"}

const (
	klinesPerInterval      = 50
	recentOrdersForContext = 10
	recentInteractions     = 3
)

// MarketData covers the exchange reads the collector performs.
type MarketData interface {
	GetUSDTBalance() (float64, error)
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
}

// OrderLogRow is one recent order event shown to the oracle.
type OrderLogRow struct {
	Time        time.Time `json:"time"`
	OrderID     int64     `json:"order_id"`
	Side        string    `json:"side"`
	Type        string    `json:"type"`
	Status      string    `json:"status"`
	Price       float64   `json:"price"`
	Quantity    float64   `json:"quantity"`
	RealizedPnl float64   `json:"realized_pnl"`
	Note        string    `json:"note"`
}

// InteractionRow is one recent oracle interaction shown to the oracle.
type InteractionRow struct {
	Time    time.Time `json:"time"`
	Action  string    `json:"action"`
	Outcome string    `json:"outcome"`
}

// HistoryReader reads recent durable history for context assembly.
type HistoryReader interface {
	RecentOrders(ctx context.Context, limit int) ([]OrderLogRow, error)
	RecentInteractions(ctx context.Context, limit int) ([]InteractionRow, error)
}

// Context is the full snapshot forwarded to the oracle.
type Context struct {
	Timestamp      time.Time                  `json:"timestamp"`
	Symbol         string                     `json:"symbol"`
	BalanceUSDT    float64                    `json:"balance_usdt"`
	LastClosePrice float64                    `json:"last_close_price"`
	Klines         map[string][]binance.Kline `json:"klines"`
	Position       *engine.PositionView       `json:"position,omitempty"`
	PendingEntry   bool                       `json:"pending_entry"`
	Unprotected    bool                       `json:"unprotected"`
	LastOutcome    string                     `json:"last_outcome"`
	RecentOrders   []OrderLogRow              `json:"recent_orders"`
	RecentCycles   []InteractionRow           `json:"recent_cycles"`
	Emergency      bool                       `json:"emergency"`
	EmergencyNote  string                     `json:"emergency_note,omitempty"`
	Directives     strategy.Directives        `json:"directives"`
	Version        int                        `json:"directives_version"`
}

// Hash is a stable digest of the snapshot, stored with the interaction
// record for audit.
func (c *Context) Hash() string {
	data, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Collector assembles context snapshots.
type Collector struct {
	symbol  string
	market  MarketData
	history HistoryReader
}

// NewCollector creates a context collector for one symbol.
func NewCollector(symbol string, market MarketData, history HistoryReader) *Collector {
	return &Collector{symbol: symbol, market: market, history: history}
}

// Collect builds the snapshot. Any undecodable or unavailable input aborts
// the whole cycle; the oracle never sees partial data.
func (c *Collector) Collect(ctx context.Context, snap engine.Snapshot, lastClose float64, directives *strategy.Versioned, emergency bool, emergencyNote string) (*Context, error) {
	balance, err := c.market.GetUSDTBalance()
	if err != nil {
		return nil, fmt.Errorf("context collection failed on balance: %w", err)
	}

	klines := make(map[string][]binance.Kline, len(contextIntervals))
	for _, interval := range contextIntervals {
		ks, err := c.market.GetKlines(c.symbol, interval, klinesPerInterval)
		if err != nil {
			return nil, fmt.Errorf("context collection failed on %s klines: %w", interval, err)
		}
		klines[interval] = ks
	}

	orders, err := c.history.RecentOrders(ctx, recentOrdersForContext)
	if err != nil {
		return nil, fmt.Errorf("context collection failed on order history: %w", err)
	}

	cycles, err := c.history.RecentInteractions(ctx, recentInteractions)
	if err != nil {
		return nil, fmt.Errorf("context collection failed on interaction history: %w", err)
	}

	return &Context{
		Timestamp:      time.Now().UTC(),
		Symbol:         c.symbol,
		BalanceUSDT:    balance,
		LastClosePrice: lastClose,
		Klines:         klines,
		Position:       snap.Position,
		PendingEntry:   snap.HasPendingEntry(),
		Unprotected:    snap.Unprotected,
		LastOutcome:    snap.LastDecisionOutcome,
		RecentOrders:   orders,
		RecentCycles:   cycles,
		Emergency:      emergency,
		EmergencyNote:  emergencyNote,
		Directives:     directives.Directives,
		Version:        directives.Version,
	}, nil
}
