package binance

// ==================== ENUMS ====================

// OrderType represents order types for futures
type OrderType string

const (
	OrderTypeLimit            OrderType = "LIMIT"
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// TimeInForce represents order time-in-force options
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC" // Good Till Cancel
	TimeInForceIOC TimeInForce = "IOC" // Immediate or Cancel
)

// OrderStatus represents order status
type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "NEW"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCanceled        OrderStatus = "CANCELED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
	OrderStatusRejected        OrderStatus = "REJECTED"
)

// IsTerminal reports whether the order can no longer fill.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// WorkingType for TP/SL trigger price source
type WorkingType string

const (
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
)

// ==================== ACCOUNT ====================

// Balance is one asset entry from /fapi/v2/balance
type Balance struct {
	Asset              string  `json:"asset"`
	Balance            float64 `json:"balance,string"`
	CrossWalletBalance float64 `json:"crossWalletBalance,string"`
	AvailableBalance   float64 `json:"availableBalance,string"`
	CrossUnPnl         float64 `json:"crossUnPnl,string"`
}

// Position is one entry from /fapi/v2/positionRisk
type Position struct {
	Symbol           string  `json:"symbol"`
	PositionAmt      float64 `json:"positionAmt,string"`
	EntryPrice       float64 `json:"entryPrice,string"`
	MarkPrice        float64 `json:"markPrice,string"`
	UnrealizedProfit float64 `json:"unRealizedProfit,string"`
	LiquidationPrice float64 `json:"liquidationPrice,string"`
	Leverage         int     `json:"leverage,string"`
	MarginType       string  `json:"marginType"`
	IsolatedMargin   float64 `json:"isolatedMargin,string"`
	IsolatedWallet   float64 `json:"isolatedWallet,string"`
	PositionSide     string  `json:"positionSide"`
	Notional         float64 `json:"notional,string"`
	UpdateTime       int64   `json:"updateTime"`
}

// CommissionRate from /fapi/v1/commissionRate
type CommissionRate struct {
	Symbol              string  `json:"symbol"`
	MakerCommissionRate float64 `json:"makerCommissionRate,string"`
	TakerCommissionRate float64 `json:"takerCommissionRate,string"`
}

// LeverageResponse from /fapi/v1/leverage
type LeverageResponse struct {
	Symbol           string `json:"symbol"`
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
}

// ==================== ORDERS ====================

// OrderParams holds parameters for placing a futures order
type OrderParams struct {
	Symbol           string
	Side             string // BUY or SELL
	Type             OrderType
	Quantity         float64
	Price            float64 // limit orders
	StopPrice        float64 // stop / take-profit market orders
	TimeInForce      TimeInForce
	ReduceOnly       bool
	ClosePosition    bool
	WorkingType      WorkingType
	NewClientOrderId string
}

// OrderResponse from POST /fapi/v1/order
type OrderResponse struct {
	OrderId       int64   `json:"orderId"`
	Symbol        string  `json:"symbol"`
	Status        string  `json:"status"`
	ClientOrderId string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	AvgPrice      float64 `json:"avgPrice,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	CumQuote      float64 `json:"cumQuote,string"`
	TimeInForce   string  `json:"timeInForce"`
	Type          string  `json:"type"`
	ReduceOnly    bool    `json:"reduceOnly"`
	ClosePosition bool    `json:"closePosition"`
	Side          string  `json:"side"`
	StopPrice     float64 `json:"stopPrice,string"`
	UpdateTime    int64   `json:"updateTime"`
}

// Order from GET /fapi/v1/order
type Order struct {
	OrderId       int64       `json:"orderId"`
	Symbol        string      `json:"symbol"`
	Status        OrderStatus `json:"status"`
	ClientOrderId string      `json:"clientOrderId"`
	Price         float64     `json:"price,string"`
	AvgPrice      float64     `json:"avgPrice,string"`
	OrigQty       float64     `json:"origQty,string"`
	ExecutedQty   float64     `json:"executedQty,string"`
	CumQuote      float64     `json:"cumQuote,string"`
	TimeInForce   string      `json:"timeInForce"`
	Type          string      `json:"type"`
	ReduceOnly    bool        `json:"reduceOnly"`
	Side          string      `json:"side"`
	StopPrice     float64     `json:"stopPrice,string"`
	Time          int64       `json:"time"`
	UpdateTime    int64       `json:"updateTime"`
}

// Trade is one fill from /fapi/v1/userTrades
type Trade struct {
	ID              int64   `json:"id"`
	Symbol          string  `json:"symbol"`
	OrderId         int64   `json:"orderId"`
	Side            string  `json:"side"`
	Price           float64 `json:"price,string"`
	Qty             float64 `json:"qty,string"`
	RealizedPnl     float64 `json:"realizedPnl,string"`
	QuoteQty        float64 `json:"quoteQty,string"`
	Commission      float64 `json:"commission,string"`
	CommissionAsset string  `json:"commissionAsset"`
	Buyer           bool    `json:"buyer"`
	Maker           bool    `json:"maker"`
	Time            int64   `json:"time"`
}

// ==================== MARKET DATA ====================

// Kline is a parsed OHLCV candle
type Kline struct {
	OpenTime                 int64
	Open                     float64
	High                     float64
	Low                      float64
	Close                    float64
	Volume                   float64
	CloseTime                int64
	QuoteAssetVolume         float64
	NumberOfTrades           int
	TakerBuyBaseAssetVolume  float64
	TakerBuyQuoteAssetVolume float64
}

// ==================== USER DATA STREAM ====================

// ListenKeyResponse from POST /fapi/v1/listenKey
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}
