package stream

import "encoding/json"

// combinedFrame is the envelope on a multiplexed stream connection
type combinedFrame struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// eventHeader carries only the event type tag for dispatch
type eventHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
}

// KlineEvent is a kline/candlestick stream payload
type KlineEvent struct {
	EventType string    `json:"e"`
	EventTime int64     `json:"E"`
	Symbol    string    `json:"s"`
	Kline     KlineData `json:"k"`
}

// KlineData is the candle inside a kline event
type KlineData struct {
	StartTime int64   `json:"t"`
	CloseTime int64   `json:"T"`
	Symbol    string  `json:"s"`
	Interval  string  `json:"i"`
	Open      float64 `json:"o,string"`
	Close     float64 `json:"c,string"`
	High      float64 `json:"h,string"`
	Low       float64 `json:"l,string"`
	Volume    float64 `json:"v,string"`
	IsClosed  bool    `json:"x"`
}

// AccountUpdateEvent is an ACCOUNT_UPDATE user data event
type AccountUpdateEvent struct {
	EventType  string            `json:"e"`
	EventTime  int64             `json:"E"`
	UpdateData AccountUpdateData `json:"a"`
}

// AccountUpdateData contains balance and position changes
type AccountUpdateData struct {
	Reason    string           `json:"m"`
	Balances  []BalanceUpdate  `json:"B"`
	Positions []PositionUpdate `json:"P"`
}

// BalanceUpdate is a balance change in an account update
type BalanceUpdate struct {
	Asset              string  `json:"a"`
	WalletBalance      float64 `json:"wb,string"`
	CrossWalletBalance float64 `json:"cw,string"`
	BalanceChange      float64 `json:"bc,string"`
}

// PositionUpdate is a position change in an account update
type PositionUpdate struct {
	Symbol         string  `json:"s"`
	PositionAmount float64 `json:"pa,string"`
	EntryPrice     float64 `json:"ep,string"`
	UnrealizedPnl  float64 `json:"up,string"`
	MarginType     string  `json:"mt"`
	IsolatedWallet float64 `json:"iw,string"`
	PositionSide   string  `json:"ps"`
}

// OrderUpdateEvent is an ORDER_TRADE_UPDATE user data event
type OrderUpdateEvent struct {
	EventType string          `json:"e"`
	EventTime int64           `json:"E"`
	Order     OrderUpdateData `json:"o"`
}

// OrderUpdateData describes one order lifecycle transition
type OrderUpdateData struct {
	Symbol            string  `json:"s"`
	ClientOrderID     string  `json:"c"`
	Side              string  `json:"S"`
	OrderType         string  `json:"o"`
	TimeInForce       string  `json:"f"`
	OriginalQuantity  float64 `json:"q,string"`
	OriginalPrice     float64 `json:"p,string"`
	AveragePrice      float64 `json:"ap,string"`
	StopPrice         float64 `json:"sp,string"`
	ExecutionType     string  `json:"x"`
	OrderStatus       string  `json:"X"`
	OrderID           int64   `json:"i"`
	LastFilledQty     float64 `json:"l,string"`
	CumulativeQty     float64 `json:"z,string"`
	LastFilledPrice   float64 `json:"L,string"`
	Commission        float64 `json:"n,string"`
	CommissionAsset   string  `json:"N"`
	TradeTime         int64   `json:"T"`
	TradeID           int64   `json:"t"`
	IsReduceOnly      bool    `json:"R"`
	OriginalOrderType string  `json:"ot"`
	RealizedProfit    float64 `json:"rp,string"`
}

// MarginCallEvent is a MARGIN_CALL user data event
type MarginCallEvent struct {
	EventType string               `json:"e"`
	EventTime int64                `json:"E"`
	Positions []MarginCallPosition `json:"p"`
}

// MarginCallPosition is one at-risk position in a margin call
type MarginCallPosition struct {
	Symbol         string  `json:"s"`
	PositionSide   string  `json:"ps"`
	PositionAmount float64 `json:"pa,string"`
	MarkPrice      float64 `json:"mp,string"`
	UnrealizedPnl  float64 `json:"up,string"`
}
