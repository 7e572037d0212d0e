package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"futures-ai-trader/internal/binance"
)

// Exchange covers the REST calls the machine issues.
type Exchange interface {
	SetLeverage(symbol string, leverage int) (*binance.LeverageResponse, error)
	PlaceOrder(params binance.OrderParams) (*binance.OrderResponse, error)
	GetOrder(symbol string, orderId int64) (*binance.Order, error)
	CancelOrder(symbol string, orderId int64) error
	GetPosition(symbol string) (*binance.Position, error)
	GetTradeHistory(symbol string, limit int) ([]binance.Trade, error)
	GetKlines(symbol, interval string, limit int) ([]binance.Kline, error)
}

// OrderEvent is one row appended to the durable order log.
type OrderEvent struct {
	Symbol         string
	OrderID        int64
	ClientOrderID  string
	Side           string
	Type           string
	Status         string
	Price          float64
	Quantity       float64
	RealizedPnl    float64
	PnlSource      string // TRADE_MATCH, FALLBACK_MATCH, UNMATCHED or empty
	CommissionUSDT float64
	ReduceOnly     bool
	Note           string
}

// OrderRecorder appends order lifecycle events to durable storage. Failures
// are logged by the machine, they never block trading state transitions.
type OrderRecorder interface {
	RecordOrderEvent(ctx context.Context, event OrderEvent) error
}

// OpenRequest carries validated parameters for opening a position.
type OpenRequest struct {
	Side            string // BUY or SELL
	Leverage        int
	EntryPrice      float64
	Quantity        float64
	StopLossPrice   float64
	TakeProfitPrice float64
}

var (
	// ErrOperationInProgress is returned when the operation lock is held.
	// The caller's intent is dropped, not queued.
	ErrOperationInProgress = errors.New("another trading operation is in progress")

	// ErrPositionExists rejects an open while a position is held
	ErrPositionExists = errors.New("a position already exists")

	// ErrEntryPending rejects an open while an entry order is working
	ErrEntryPending = errors.New("an entry order is already pending")

	// ErrNoPosition rejects protective placement without a position
	ErrNoPosition = errors.New("no position to protect")

	// ErrInvalidProtectivePrices rejects stop/target prices on the wrong
	// side of the entry price
	ErrInvalidProtectivePrices = errors.New("protective prices are on the wrong side of entry")
)

// Machine is the order and position state machine. Every mutation of
// trading state goes through its entry points; concurrent attempts are
// dropped while the operation lock is held.
type Machine struct {
	mu     sync.Mutex
	st     runtimeState
	symbol string

	exchange Exchange
	recorder OrderRecorder
	logger   zerolog.Logger

	// onEmergency triggers an out-of-cadence decision cycle
	onEmergency func(reason string)
}

// NewMachine creates the state machine for one symbol.
func NewMachine(symbol string, exchange Exchange, recorder OrderRecorder, logger zerolog.Logger) *Machine {
	return &Machine{
		symbol:   symbol,
		exchange: exchange,
		recorder: recorder,
		logger:   logger.With().Str("component", "StateMachine").Str("symbol", symbol).Logger(),
	}
}

// SetEmergencyCallback registers the emergency decision trigger.
func (m *Machine) SetEmergencyCallback(cb func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onEmergency = cb
}

// Snapshot returns a copy of the current runtime state.
func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() Snapshot {
	snap := Snapshot{
		EntryOrderID:        m.st.EntryOrderID,
		EntryPlacedAt:       m.st.EntryPlacedAt,
		StopLossOrderID:     m.st.StopLossOrderID,
		TakeProfitOrderID:   m.st.TakeProfitOrderID,
		OperationInProgress: m.st.OperationInProgress,
		Unprotected:         m.st.Unprotected,
		LastDecisionOutcome: m.st.LastDecisionOutcome,
	}
	if m.st.Position != nil {
		p := *m.st.Position
		snap.Position = &p
	}
	return snap
}

// Unprotected reports whether the position is missing protective orders.
func (m *Machine) Unprotected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Unprotected
}

// begin acquires the operation lock. A held lock records a skipped outcome
// and returns false.
func (m *Machine) begin(op string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.st.OperationInProgress {
		m.st.LastDecisionOutcome = OutcomeSkipped
		m.logger.Warn().Str("operation", op).Msg("Operation skipped, lock held")
		return false
	}
	m.st.OperationInProgress = true
	return true
}

// end releases the operation lock. Deferred on every entry point so the
// lock is released on all exit paths.
func (m *Machine) end() {
	m.mu.Lock()
	m.st.OperationInProgress = false
	m.mu.Unlock()
}

// InitFromExchange seeds the position view from a REST query at startup.
func (m *Machine) InitFromExchange() error {
	pos, err := m.exchange.GetPosition(m.symbol)
	if err != nil {
		return fmt.Errorf("failed to query starting position: %w", err)
	}

	m.mu.Lock()
	m.st.Position = positionFromRisk(pos)
	if m.st.Position != nil {
		// A pre-existing position with no tracked protective orders is
		// unprotected until a decision cycle resolves it.
		m.st.Unprotected = true
		m.logger.Warn().
			Str("side", m.st.Position.Side).
			Float64("qty", m.st.Position.Quantity).
			Msg("Found pre-existing position at startup, flagged unprotected")
	}
	m.mu.Unlock()
	return nil
}

// ==================== OPEN ====================

// OpenPosition sets leverage and places the limit entry order. Protective
// orders are placed only after a confirmed fill.
func (m *Machine) OpenPosition(ctx context.Context, req OpenRequest) error {
	if !m.begin("OPEN_POSITION") {
		return ErrOperationInProgress
	}
	defer m.end()

	m.mu.Lock()
	if m.st.Position != nil {
		m.mu.Unlock()
		return ErrPositionExists
	}
	if m.st.EntryOrderID != 0 {
		m.mu.Unlock()
		return ErrEntryPending
	}
	m.mu.Unlock()

	if _, err := m.exchange.SetLeverage(m.symbol, req.Leverage); err != nil {
		m.setOutcome(OutcomeFailed)
		return fmt.Errorf("failed to set leverage: %w", err)
	}

	clientOrderID := newClientOrderID("E")
	resp, err := m.exchange.PlaceOrder(binance.OrderParams{
		Symbol:           m.symbol,
		Side:             req.Side,
		Type:             binance.OrderTypeLimit,
		Quantity:         req.Quantity,
		Price:            req.EntryPrice,
		TimeInForce:      binance.TimeInForceGTC,
		NewClientOrderId: clientOrderID,
	})
	if err != nil {
		m.setOutcome(OutcomeFailed)
		return fmt.Errorf("failed to place entry order: %w", err)
	}

	m.mu.Lock()
	m.st.EntryOrderID = resp.OrderId
	m.st.EntryClientOrderID = resp.ClientOrderId
	m.st.EntryPlacedAt = time.Now()
	m.st.EntrySide = req.Side
	m.st.EntryQuantity = req.Quantity
	m.st.PendingStopLossPrice = req.StopLossPrice
	m.st.PendingTakeProfitPrice = req.TakeProfitPrice
	m.st.LastDecisionOutcome = OutcomeExecuted
	m.mu.Unlock()

	m.logger.Info().
		Int64("orderId", resp.OrderId).
		Str("side", req.Side).
		Float64("price", req.EntryPrice).
		Float64("qty", req.Quantity).
		Int("leverage", req.Leverage).
		Msg("Entry order placed")

	m.record(ctx, OrderEvent{
		Symbol:        m.symbol,
		OrderID:       resp.OrderId,
		ClientOrderID: resp.ClientOrderId,
		Side:          req.Side,
		Type:          string(binance.OrderTypeLimit),
		Status:        resp.Status,
		Price:         req.EntryPrice,
		Quantity:      req.Quantity,
		Note:          "entry placed",
	})
	return nil
}

// ==================== PROTECTIVE ORDERS ====================

// PlaceProtectiveOrders places the stop loss and take profit for the held
// position. Validation failure or a placement failure flags the position
// unprotected; recovery is left to the next decision cycle. The stream
// fill handler and the fallback poll can both observe the same fill, so a
// call finding protective ids already tracked is a no-op.
func (m *Machine) PlaceProtectiveOrders(ctx context.Context) error {
	if !m.begin("PLACE_PROTECTIVE") {
		return ErrOperationInProgress
	}
	defer m.end()

	m.mu.Lock()
	pos := m.st.Position
	slPrice := m.st.PendingStopLossPrice
	tpPrice := m.st.PendingTakeProfitPrice
	slID := m.st.StopLossOrderID
	tpID := m.st.TakeProfitOrderID
	m.mu.Unlock()

	if pos == nil {
		return ErrNoPosition
	}

	if slID != 0 || tpID != 0 {
		m.logger.Debug().
			Int64("slOrderId", slID).
			Int64("tpOrderId", tpID).
			Msg("Protective orders already tracked, skipping placement")
		return nil
	}

	if err := validateProtectivePrices(pos.Side, pos.EntryPrice, pos.Quantity, slPrice, tpPrice); err != nil {
		m.setUnprotected(fmt.Sprintf("protective validation failed: %v", err))
		return err
	}

	// Protective orders are reduce-only and close the opposite way
	closeSide := "SELL"
	if pos.Side == SideShort {
		closeSide = "BUY"
	}

	type placement struct {
		label string
		resp  *binance.OrderResponse
		err   error
	}

	var wg sync.WaitGroup
	results := make([]placement, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		resp, err := m.exchange.PlaceOrder(binance.OrderParams{
			Symbol:           m.symbol,
			Side:             closeSide,
			Type:             binance.OrderTypeStopMarket,
			Quantity:         pos.Quantity,
			StopPrice:        slPrice,
			ReduceOnly:       true,
			WorkingType:      binance.WorkingTypeMarkPrice,
			NewClientOrderId: newClientOrderID("SL"),
		})
		results[0] = placement{label: "stop loss", resp: resp, err: err}
	}()
	go func() {
		defer wg.Done()
		resp, err := m.exchange.PlaceOrder(binance.OrderParams{
			Symbol:           m.symbol,
			Side:             closeSide,
			Type:             binance.OrderTypeTakeProfitMarket,
			Quantity:         pos.Quantity,
			StopPrice:        tpPrice,
			ReduceOnly:       true,
			WorkingType:      binance.WorkingTypeMarkPrice,
			NewClientOrderId: newClientOrderID("TP"),
		})
		results[1] = placement{label: "take profit", resp: resp, err: err}
	}()
	wg.Wait()

	var placeErr error
	m.mu.Lock()
	if results[0].err == nil {
		m.st.StopLossOrderID = results[0].resp.OrderId
	}
	if results[1].err == nil {
		m.st.TakeProfitOrderID = results[1].resp.OrderId
	}
	m.mu.Unlock()

	for _, r := range results {
		if r.err != nil {
			m.logger.Error().Err(r.err).Str("order", r.label).Msg("Protective order placement failed")
			placeErr = fmt.Errorf("%s placement failed: %w", r.label, r.err)
			continue
		}
		m.logger.Info().
			Int64("orderId", r.resp.OrderId).
			Str("order", r.label).
			Float64("trigger", r.resp.StopPrice).
			Msg("Protective order placed")
		m.record(ctx, OrderEvent{
			Symbol:        m.symbol,
			OrderID:       r.resp.OrderId,
			ClientOrderID: r.resp.ClientOrderId,
			Side:          closeSide,
			Type:          r.resp.Type,
			Status:        r.resp.Status,
			Price:         r.resp.StopPrice,
			Quantity:      pos.Quantity,
			ReduceOnly:    true,
			Note:          r.label + " placed",
		})
	}

	if placeErr != nil {
		m.setUnprotected("protective order placement failed")
		return placeErr
	}

	m.mu.Lock()
	m.st.Unprotected = false
	m.mu.Unlock()
	return nil
}

// validateProtectivePrices checks stop/target are on the correct side of
// the entry price for the position direction.
func validateProtectivePrices(side string, entry, qty, sl, tp float64) error {
	if qty <= 0 || entry <= 0 || sl <= 0 || tp <= 0 {
		return fmt.Errorf("non-positive quantity or prices: %w", ErrInvalidProtectivePrices)
	}
	switch side {
	case SideLong:
		if sl >= entry || tp <= entry {
			return fmt.Errorf("LONG requires stop %.8g < entry %.8g < target %.8g: %w", sl, entry, tp, ErrInvalidProtectivePrices)
		}
	case SideShort:
		if sl <= entry || tp >= entry {
			return fmt.Errorf("SHORT requires target %.8g < entry %.8g < stop %.8g: %w", tp, entry, sl, ErrInvalidProtectivePrices)
		}
	default:
		return fmt.Errorf("unknown position side %q: %w", side, ErrInvalidProtectivePrices)
	}
	return nil
}

// ==================== CLOSE ====================

// ClosePosition cancels the protective orders, re-fetches the position to
// detect a close race, and market-closes whatever remains. Trading state is
// always cleared after the attempt.
func (m *Machine) ClosePosition(ctx context.Context, reason string) error {
	if !m.begin("CLOSE_POSITION") {
		return ErrOperationInProgress
	}
	defer m.end()

	return m.closeLocked(ctx, reason)
}

// closeLocked performs the close sequence assuming the operation lock is
// already held by the caller.
func (m *Machine) closeLocked(ctx context.Context, reason string) error {
	m.mu.Lock()
	slID := m.st.StopLossOrderID
	tpID := m.st.TakeProfitOrderID
	m.mu.Unlock()

	m.logger.Info().Str("reason", reason).Msg("Closing position")

	// Protective cancellation is best effort, an already-gone order means
	// the work is done.
	m.cancelResolved(slID, "stop loss")
	m.cancelResolved(tpID, "take profit")

	// Re-fetch: a protective order may have filled during cancellation
	pos, err := m.exchange.GetPosition(m.symbol)
	if err != nil {
		m.logger.Error().Err(err).Msg("Position re-fetch before close failed")
		m.resetLocked("close aborted on re-fetch failure")
		return fmt.Errorf("failed to re-fetch position before close: %w", err)
	}

	if pos == nil {
		m.logger.Info().Msg("Position already closed on exchange")
		m.handlePositionClosed(ctx, 0, nil, "ALREADY_CLOSED")
		return nil
	}

	closeSide := "SELL"
	qty := pos.PositionAmt
	if qty < 0 {
		closeSide = "BUY"
		qty = -qty
	}

	resp, err := m.exchange.PlaceOrder(binance.OrderParams{
		Symbol:           m.symbol,
		Side:             closeSide,
		Type:             binance.OrderTypeMarket,
		Quantity:         qty,
		ReduceOnly:       true,
		NewClientOrderId: newClientOrderID("C"),
	})
	if err != nil {
		// State is cleared regardless, the next cycle re-fetches truth
		m.resetLocked("close order failed")
		return fmt.Errorf("failed to place close order: %w", err)
	}

	m.logger.Info().Int64("orderId", resp.OrderId).Str("side", closeSide).Float64("qty", qty).Msg("Close order placed")
	m.record(ctx, OrderEvent{
		Symbol:        m.symbol,
		OrderID:       resp.OrderId,
		ClientOrderID: resp.ClientOrderId,
		Side:          closeSide,
		Type:          string(binance.OrderTypeMarket),
		Status:        resp.Status,
		Quantity:      qty,
		ReduceOnly:    true,
		Note:          "market close: " + reason,
	})

	m.handlePositionClosed(ctx, resp.OrderId, nil, reason)
	return nil
}

// cancelResolved cancels an order, treating "order not found" as resolved.
func (m *Machine) cancelResolved(orderID int64, label string) {
	if orderID == 0 {
		return
	}
	if err := m.exchange.CancelOrder(m.symbol, orderID); err != nil {
		var apiErr *binance.APIError
		if errors.As(err, &apiErr) && apiErr.IsOrderNotFound() {
			m.logger.Debug().Int64("orderId", orderID).Str("order", label).Msg("Order already gone, treated as cancelled")
			return
		}
		// Swallowed: cancellation is best effort during close
		m.logger.Warn().Err(err).Int64("orderId", orderID).Str("order", label).Msg("Cancel failed, continuing close")
		return
	}
	m.logger.Info().Int64("orderId", orderID).Str("order", label).Msg("Order cancelled")
}

// ==================== RESET ====================

// Reset clears position, order ids, lock and the unprotected flag.
func (m *Machine) Reset(reason string) {
	m.resetLocked(reason)
}

func (m *Machine) resetLocked(reason string) {
	m.mu.Lock()
	m.st.Position = nil
	m.st.EntryOrderID = 0
	m.st.EntryClientOrderID = ""
	m.st.EntryPlacedAt = time.Time{}
	m.st.EntrySide = ""
	m.st.EntryQuantity = 0
	m.st.StopLossOrderID = 0
	m.st.TakeProfitOrderID = 0
	m.st.PendingStopLossPrice = 0
	m.st.PendingTakeProfitPrice = 0
	m.st.Unprotected = false
	m.mu.Unlock()
	m.logger.Info().Str("reason", reason).Msg("Trading state reset")
}

// ==================== HELPERS ====================

func (m *Machine) setOutcome(outcome string) {
	m.mu.Lock()
	m.st.LastDecisionOutcome = outcome
	m.mu.Unlock()
}

func (m *Machine) setUnprotected(reason string) {
	m.mu.Lock()
	already := m.st.Unprotected
	m.st.Unprotected = true
	cb := m.onEmergency
	m.mu.Unlock()

	m.logger.Error().Str("reason", reason).Msg("POSITION UNPROTECTED")
	if cb != nil && !already {
		cb(reason)
	}
}

// commissionToUSDT converts a fee quoted in asset into USDT using the latest
// kline close for ASSETUSDT. Conversion failures degrade to zero so a pricing
// hiccup never blocks order reconciliation.
func (m *Machine) commissionToUSDT(asset string, amount float64) float64 {
	if asset == "" || amount == 0 {
		return 0
	}
	if asset == "USDT" {
		return amount
	}
	klines, err := m.exchange.GetKlines(asset+"USDT", "1m", 1)
	if err != nil || len(klines) == 0 {
		m.logger.Warn().Err(err).Str("asset", asset).Msg("Failed to price commission asset, recording zero")
		return 0
	}
	return amount * klines[len(klines)-1].Close
}

func (m *Machine) record(ctx context.Context, event OrderEvent) {
	if m.recorder == nil {
		return
	}
	if err := m.recorder.RecordOrderEvent(ctx, event); err != nil {
		m.logger.Error().Err(err).Msg("Failed to append order log row")
	}
}

// newClientOrderID builds a tagged id within the exchange's 36-char limit.
func newClientOrderID(tag string) string {
	id := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("AIT-%s-%s", tag, id[:16])
}
