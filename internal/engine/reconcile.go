package engine

import (
	"context"
	"math"
	"time"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/stream"
)

// ==================== STREAM RECONCILIATION ====================

// HandleAccountUpdate applies an ACCOUNT_UPDATE event to the position view.
// The view is replaced wholesale on every non-zero update.
func (m *Machine) HandleAccountUpdate(ctx context.Context, event stream.AccountUpdateEvent) {
	for _, p := range event.UpdateData.Positions {
		if p.Symbol != m.symbol {
			continue
		}

		m.mu.Lock()
		prev := m.st.Position
		next := positionFromStream(p, prev)
		m.st.Position = next
		m.mu.Unlock()

		switch {
		case prev == nil && next != nil:
			m.logger.Info().
				Str("side", next.Side).
				Float64("qty", next.Quantity).
				Float64("entry", next.EntryPrice).
				Msg("Position opened")
		case prev != nil && next == nil:
			m.logger.Info().Msg("Position closed per account event")
			m.handlePositionClosed(ctx, 0, prev, "position closed per account event")
		case prev != nil && next != nil:
			if prev.Quantity != next.Quantity || prev.EntryPrice != next.EntryPrice {
				m.logger.Info().
					Float64("qty", next.Quantity).
					Float64("entry", next.EntryPrice).
					Msg("Position updated")
			}
		}
	}
}

// HandleOrderUpdate applies an ORDER_TRADE_UPDATE event, matching the order
// id against the tracked entry and protective orders.
func (m *Machine) HandleOrderUpdate(ctx context.Context, o stream.OrderUpdateData) {
	if o.Symbol != m.symbol {
		return
	}

	m.mu.Lock()
	entryID := m.st.EntryOrderID
	slID := m.st.StopLossOrderID
	tpID := m.st.TakeProfitOrderID
	m.mu.Unlock()

	status := binance.OrderStatus(o.OrderStatus)

	switch o.OrderID {
	case entryID:
		m.handleEntryUpdate(ctx, o, status)
	case slID:
		m.handleProtectiveUpdate(ctx, o, status, "stop loss")
	case tpID:
		m.handleProtectiveUpdate(ctx, o, status, "take profit")
	default:
		m.logger.Debug().Int64("orderId", o.OrderID).Str("status", o.OrderStatus).Msg("Untracked order event")
	}
}

func (m *Machine) handleEntryUpdate(ctx context.Context, o stream.OrderUpdateData, status binance.OrderStatus) {
	switch status {
	case binance.OrderStatusPartiallyFilled:
		m.logger.Info().
			Int64("orderId", o.OrderID).
			Float64("filled", o.CumulativeQty).
			Float64("of", o.OriginalQuantity).
			Msg("Entry partially filled")
		m.record(ctx, OrderEvent{
			Symbol:         m.symbol,
			OrderID:        o.OrderID,
			ClientOrderID:  o.ClientOrderID,
			Side:           o.Side,
			Type:           o.OriginalOrderType,
			Status:         o.OrderStatus,
			Price:          o.AveragePrice,
			Quantity:       o.CumulativeQty,
			CommissionUSDT: m.commissionToUSDT(o.CommissionAsset, o.Commission),
			Note:           "entry partial fill",
		})

	case binance.OrderStatusFilled:
		m.logger.Info().
			Int64("orderId", o.OrderID).
			Float64("avgPrice", o.AveragePrice).
			Float64("qty", o.CumulativeQty).
			Msg("Entry filled")

		m.mu.Lock()
		m.st.EntryOrderID = 0
		m.st.EntryPlacedAt = time.Time{}
		// The account event may not have arrived yet; reconstruct the
		// view from the fill so protective placement can proceed.
		if m.st.Position == nil {
			m.st.Position = positionFromFill(m.symbol, o.Side, o.AveragePrice, o.CumulativeQty)
		}
		m.mu.Unlock()

		m.record(ctx, OrderEvent{
			Symbol:         m.symbol,
			OrderID:        o.OrderID,
			ClientOrderID:  o.ClientOrderID,
			Side:           o.Side,
			Type:           o.OriginalOrderType,
			Status:         o.OrderStatus,
			Price:          o.AveragePrice,
			Quantity:       o.CumulativeQty,
			CommissionUSDT: m.commissionToUSDT(o.CommissionAsset, o.Commission),
			Note:           "entry filled",
		})

		if err := m.PlaceProtectiveOrders(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Protective placement after entry fill failed")
		}

	case binance.OrderStatusCanceled, binance.OrderStatusExpired, binance.OrderStatusRejected:
		m.logger.Warn().Int64("orderId", o.OrderID).Str("status", o.OrderStatus).Msg("Entry terminated without fill")
		m.record(ctx, OrderEvent{
			Symbol:        m.symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			Type:          o.OriginalOrderType,
			Status:        o.OrderStatus,
			Note:          "entry terminated without fill",
		})
		m.resetLocked("entry order " + o.OrderStatus)
	}
}

func (m *Machine) handleProtectiveUpdate(ctx context.Context, o stream.OrderUpdateData, status binance.OrderStatus, label string) {
	switch status {
	case binance.OrderStatusFilled:
		m.logger.Info().
			Int64("orderId", o.OrderID).
			Str("order", label).
			Float64("realizedPnl", o.RealizedProfit).
			Msg("Protective order filled")

		m.mu.Lock()
		var sibling int64
		if o.OrderID == m.st.StopLossOrderID {
			m.st.StopLossOrderID = 0
			sibling = m.st.TakeProfitOrderID
		} else {
			m.st.TakeProfitOrderID = 0
			sibling = m.st.StopLossOrderID
		}
		m.mu.Unlock()

		m.cancelResolved(sibling, "sibling protective order")

		m.record(ctx, OrderEvent{
			Symbol:         m.symbol,
			OrderID:        o.OrderID,
			ClientOrderID:  o.ClientOrderID,
			Side:           o.Side,
			Type:           o.OriginalOrderType,
			Status:         o.OrderStatus,
			Price:          o.AveragePrice,
			Quantity:       o.CumulativeQty,
			RealizedPnl:    o.RealizedProfit,
			CommissionUSDT: m.commissionToUSDT(o.CommissionAsset, o.Commission),
			ReduceOnly:     o.IsReduceOnly,
			Note:           label + " filled",
		})

		m.handlePositionClosed(ctx, o.OrderID, nil, label+" filled")

	case binance.OrderStatusCanceled, binance.OrderStatusExpired, binance.OrderStatusRejected:
		m.mu.Lock()
		if o.OrderID == m.st.StopLossOrderID {
			m.st.StopLossOrderID = 0
		} else if o.OrderID == m.st.TakeProfitOrderID {
			m.st.TakeProfitOrderID = 0
		}
		hasPosition := m.st.Position != nil
		remaining := 0
		if m.st.StopLossOrderID != 0 {
			remaining++
		}
		if m.st.TakeProfitOrderID != 0 {
			remaining++
		}
		m.mu.Unlock()

		m.record(ctx, OrderEvent{
			Symbol:        m.symbol,
			OrderID:       o.OrderID,
			ClientOrderID: o.ClientOrderID,
			Side:          o.Side,
			Type:          o.OriginalOrderType,
			Status:        o.OrderStatus,
			Note:          label + " terminated without fill",
		})

		if hasPosition && remaining < 2 {
			m.setUnprotected(label + " terminated without fill while position open")
		}
	}
}

// positionFromFill reconstructs a minimal view from an entry fill.
func positionFromFill(symbol, orderSide string, avgPrice, qty float64) *PositionView {
	side := SideLong
	if orderSide == "SELL" {
		side = SideShort
	}
	return &PositionView{
		Symbol:     symbol,
		Side:       side,
		EntryPrice: avgPrice,
		Quantity:   qty,
		UpdatedAt:  time.Now(),
	}
}

// ==================== FALLBACK RECONCILIATION ====================

// CheckPendingEntry is the periodic safety net against missed stream
// events. A pending entry older than timeout is cancelled; otherwise its
// status is polled and reconciled the same way a streamed update would be.
func (m *Machine) CheckPendingEntry(ctx context.Context, timeout time.Duration) {
	m.mu.Lock()
	entryID := m.st.EntryOrderID
	placedAt := m.st.EntryPlacedAt
	m.mu.Unlock()

	if entryID == 0 {
		return
	}

	if time.Since(placedAt) > timeout {
		if !m.begin("ENTRY_TIMEOUT") {
			return
		}
		defer m.end()

		m.logger.Warn().
			Int64("orderId", entryID).
			Dur("age", time.Since(placedAt)).
			Msg("Entry order timed out, cancelling")
		m.cancelResolved(entryID, "timed out entry")
		m.record(ctx, OrderEvent{
			Symbol:  m.symbol,
			OrderID: entryID,
			Status:  "CANCELED",
			Note:    "entry cancelled after timeout",
		})
		m.resetLocked("entry timeout")
		return
	}

	order, err := m.exchange.GetOrder(m.symbol, entryID)
	if err != nil {
		m.logger.Warn().Err(err).Int64("orderId", entryID).Msg("Fallback order poll failed")
		return
	}

	switch order.Status {
	case binance.OrderStatusFilled:
		// Critical recovery: the exchange reports a fill the stream
		// never delivered.
		m.logger.Warn().
			Int64("orderId", entryID).
			Float64("avgPrice", order.AvgPrice).
			Float64("qty", order.ExecutedQty).
			Msg("Fallback poll found a missed entry fill, recovering")

		m.mu.Lock()
		m.st.EntryOrderID = 0
		m.st.EntryPlacedAt = time.Time{}
		if m.st.Position == nil {
			m.st.Position = positionFromFill(m.symbol, order.Side, order.AvgPrice, order.ExecutedQty)
		}
		m.mu.Unlock()

		m.record(ctx, OrderEvent{
			Symbol:        m.symbol,
			OrderID:       order.OrderId,
			ClientOrderID: order.ClientOrderId,
			Side:          order.Side,
			Type:          order.Type,
			Status:        string(order.Status),
			Price:         order.AvgPrice,
			Quantity:      order.ExecutedQty,
			Note:          "entry fill recovered by fallback poll",
		})

		if err := m.PlaceProtectiveOrders(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Protective placement after fallback recovery failed")
		}

	case binance.OrderStatusCanceled, binance.OrderStatusExpired, binance.OrderStatusRejected:
		m.logger.Warn().Int64("orderId", entryID).Str("status", string(order.Status)).Msg("Fallback poll found entry terminated")
		m.resetLocked("entry " + string(order.Status) + " per fallback poll")
	}
}

// CheckProfitTarget market-closes the position once unrealized PnL meets
// the configured USDT target. The position is re-fetched first so the
// check runs against exchange truth, not a possibly stale view.
func (m *Machine) CheckProfitTarget(ctx context.Context, targetUSDT float64) {
	if targetUSDT <= 0 {
		return
	}

	m.mu.Lock()
	held := m.st.Position != nil
	m.mu.Unlock()
	if !held {
		return
	}

	pos, err := m.exchange.GetPosition(m.symbol)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Profit target position fetch failed")
		return
	}

	next := positionFromRisk(pos)
	m.mu.Lock()
	m.st.Position = next
	m.mu.Unlock()

	if next == nil {
		return
	}

	if next.UnrealizedPnl >= targetUSDT {
		m.logger.Info().
			Float64("unrealizedPnl", next.UnrealizedPnl).
			Float64("target", targetUSDT).
			Msg("Profit target reached, closing position")
		if err := m.ClosePosition(ctx, "profit target reached"); err != nil {
			m.logger.Error().Err(err).Msg("Profit target close failed")
		}
	}
}

// ==================== POSITION CLOSED ====================

// handlePositionClosed attributes realized PnL from recent trade history
// and resets trading state. prev carries the view when the caller has
// already cleared it from the runtime state; the reset always runs so no
// stale order ids or flags survive a close, however it was detected.
// Attribution is best effort: a missing match is recorded as UNMATCHED with
// zero PnL rather than blocking the reset.
func (m *Machine) handlePositionClosed(ctx context.Context, closingOrderID int64, prev *PositionView, reason string) {
	if prev == nil {
		m.mu.Lock()
		prev = m.st.Position
		m.mu.Unlock()
	}

	pnl, source := m.attributePnl(prev, closingOrderID)

	m.logger.Info().
		Float64("realizedPnl", pnl).
		Str("pnlSource", source).
		Str("reason", reason).
		Msg("Position closed")

	m.record(ctx, OrderEvent{
		Symbol:      m.symbol,
		OrderID:     closingOrderID,
		Status:      "POSITION_CLOSED",
		RealizedPnl: pnl,
		PnlSource:   source,
		Note:        reason,
	})

	m.resetLocked("position closed: " + reason)
}

// attributePnl scans recent fills for the closing trade. Exact order id
// match first, then a reduce-side quantity match.
func (m *Machine) attributePnl(pos *PositionView, closingOrderID int64) (float64, string) {
	trades, err := m.exchange.GetTradeHistory(m.symbol, 20)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Trade history fetch for PnL attribution failed")
		return 0, "UNMATCHED"
	}

	if closingOrderID != 0 {
		total := 0.0
		matched := false
		for _, tr := range trades {
			if tr.OrderId == closingOrderID {
				total += tr.RealizedPnl
				matched = true
			}
		}
		if matched {
			return total, "TRADE_MATCH"
		}
	}

	if pos != nil {
		closeSide := "SELL"
		if pos.Side == SideShort {
			closeSide = "BUY"
		}
		for i := len(trades) - 1; i >= 0; i-- {
			tr := trades[i]
			if tr.Side == closeSide && math.Abs(tr.Qty-pos.Quantity) < 1e-9 {
				return tr.RealizedPnl, "FALLBACK_MATCH"
			}
		}
	}

	return 0, "UNMATCHED"
}
