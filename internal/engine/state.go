// Package engine holds the order and position state machine, the sole
// owner of mutable trading state.
package engine

import (
	"time"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/stream"
)

// Position side
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Decision outcomes recorded on the runtime state
const (
	OutcomeExecuted = "EXECUTED"
	OutcomeSkipped  = "SKIPPED_LOCKED"
	OutcomeRejected = "REJECTED"
	OutcomeFailed   = "FAILED"
)

// PositionView is the locally-held belief about the open position. It is
// replaced wholesale on every confirmed update, never mutated field by
// field.
type PositionView struct {
	Symbol        string
	Side          string
	EntryPrice    float64
	Quantity      float64 // absolute
	Leverage      int
	MarkPrice     float64
	UnrealizedPnl float64
	MarginType    string
	UpdatedAt     time.Time
}

// positionFromRisk builds a view from a REST positionRisk row.
func positionFromRisk(p *binance.Position) *PositionView {
	if p == nil || p.PositionAmt == 0 {
		return nil
	}
	side := SideLong
	qty := p.PositionAmt
	if qty < 0 {
		side = SideShort
		qty = -qty
	}
	return &PositionView{
		Symbol:        p.Symbol,
		Side:          side,
		EntryPrice:    p.EntryPrice,
		Quantity:      qty,
		Leverage:      p.Leverage,
		MarkPrice:     p.MarkPrice,
		UnrealizedPnl: p.UnrealizedProfit,
		MarginType:    p.MarginType,
		UpdatedAt:     time.Now(),
	}
}

// positionFromStream builds a view from an ACCOUNT_UPDATE position entry.
// Leverage and mark price are not carried on the event, they are taken from
// the previous view when one exists.
func positionFromStream(p stream.PositionUpdate, prev *PositionView) *PositionView {
	if p.PositionAmount == 0 {
		return nil
	}
	side := SideLong
	qty := p.PositionAmount
	if qty < 0 {
		side = SideShort
		qty = -qty
	}
	view := &PositionView{
		Symbol:        p.Symbol,
		Side:          side,
		EntryPrice:    p.EntryPrice,
		Quantity:      qty,
		UnrealizedPnl: p.UnrealizedPnl,
		MarginType:    p.MarginType,
		UpdatedAt:     time.Now(),
	}
	if prev != nil {
		view.Leverage = prev.Leverage
		view.MarkPrice = prev.MarkPrice
	}
	return view
}

// runtimeState is the single mutable record behind the machine's mutex.
type runtimeState struct {
	Position *PositionView

	EntryOrderID       int64 // 0 = none
	EntryClientOrderID string
	EntryPlacedAt      time.Time
	EntrySide          string // BUY or SELL
	EntryQuantity      float64

	StopLossOrderID   int64
	TakeProfitOrderID int64

	// Protective prices captured at open time, placed after the fill
	PendingStopLossPrice   float64
	PendingTakeProfitPrice float64

	OperationInProgress bool
	Unprotected         bool
	LastDecisionOutcome string
}

// Snapshot is a read-only copy of the runtime state handed to the decision
// gateway, the heartbeat and the status writers.
type Snapshot struct {
	Position            *PositionView
	EntryOrderID        int64
	EntryPlacedAt       time.Time
	StopLossOrderID     int64
	TakeProfitOrderID   int64
	OperationInProgress bool
	Unprotected         bool
	LastDecisionOutcome string
}

// HasPendingEntry reports whether an entry order is awaiting a fill.
func (s Snapshot) HasPendingEntry() bool { return s.EntryOrderID != 0 }

// HasPosition reports whether a position is currently held.
func (s Snapshot) HasPosition() bool { return s.Position != nil }
