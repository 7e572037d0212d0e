package binance

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBuildQueryStringSortsKeys(t *testing.T) {
	c := NewClient("key", "secret", false)

	query := c.buildQueryString(map[string]string{
		"symbol":    "BTCUSDT",
		"timestamp": "1700000000000",
		"side":      "BUY",
		"quantity":  "0.5",
	})

	want := "quantity=0.5&side=BUY&symbol=BTCUSDT&timestamp=1700000000000"
	if query != want {
		t.Errorf("Expected sorted query %q, got %q", want, query)
	}
}

func TestBuildQueryStringExcludesSignature(t *testing.T) {
	c := NewClient("key", "secret", false)

	query := c.buildQueryString(map[string]string{
		"symbol":    "BTCUSDT",
		"signature": "deadbeef",
	})

	if strings.Contains(query, "signature") {
		t.Error("Signature should not be part of the signed string")
	}
}

func TestSignIsDeterministic(t *testing.T) {
	c := NewClient("key", "test-secret", false)

	sig1 := c.sign("symbol=BTCUSDT&timestamp=1700000000000")
	sig2 := c.sign("symbol=BTCUSDT&timestamp=1700000000000")

	if sig1 != sig2 {
		t.Error("Same query should produce the same signature")
	}
	if len(sig1) != 64 {
		t.Errorf("Expected 64 hex chars, got %d", len(sig1))
	}
}

func TestDecodeErrorAPIError(t *testing.T) {
	err := decodeError(400, []byte(`{"code":-2011,"msg":"Unknown order sent."}`))

	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("Expected APIError, got %T", err)
	}
	if apiErr.Code != -2011 {
		t.Errorf("Expected code -2011, got %d", apiErr.Code)
	}
	if !apiErr.IsOrderNotFound() {
		t.Error("-2011 should classify as order not found")
	}
}

func TestDecodeErrorTransport(t *testing.T) {
	err := decodeError(502, []byte("Bad Gateway"))

	var tErr *TransportError
	if !errors.As(err, &tErr) {
		t.Fatalf("Expected TransportError, got %T", err)
	}
	if tErr.Status != 502 {
		t.Errorf("Expected status 502, got %d", tErr.Status)
	}
}

func TestOrderNotFoundCodes(t *testing.T) {
	cases := []struct {
		code   int
		benign bool
	}{
		{-2011, true},
		{-2013, true},
		{-2010, false},
		{-1102, false},
	}

	for _, tc := range cases {
		e := &APIError{Code: tc.code}
		if e.IsOrderNotFound() != tc.benign {
			t.Errorf("Code %d: expected benign=%v", tc.code, tc.benign)
		}
	}
}

func TestGetPositionZeroQuantityIsNil(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") == "" {
			t.Error("Signed request should carry the API key header")
		}
		if !strings.Contains(r.URL.RawQuery, "signature=") {
			t.Error("Signed GET should carry the signature in the URL")
		}
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0","entryPrice":"0","markPrice":"0","unRealizedProfit":"0","liquidationPrice":"0","leverage":"10","marginType":"cross","isolatedMargin":"0","isolatedWallet":"0","positionSide":"BOTH","notional":"0","updateTime":0}]`))
	}))
	defer server.Close()

	c := NewClientWithBaseURL("key", "secret", server.URL)
	pos, err := c.GetPosition("BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pos != nil {
		t.Error("Zero-quantity position should be reported as nil")
	}
}

func TestGetPositionNonZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"symbol":"BTCUSDT","positionAmt":"0.5","entryPrice":"50000","markPrice":"50100","unRealizedProfit":"50","liquidationPrice":"45000","leverage":"10","marginType":"cross","isolatedMargin":"0","isolatedWallet":"0","positionSide":"BOTH","notional":"25050","updateTime":0}]`))
	}))
	defer server.Close()

	c := NewClientWithBaseURL("key", "secret", server.URL)
	pos, err := c.GetPosition("BTCUSDT")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if pos == nil {
		t.Fatal("Expected a position")
	}
	if pos.PositionAmt != 0.5 {
		t.Errorf("Expected quantity 0.5, got %f", pos.PositionAmt)
	}
	if pos.Leverage != 10 {
		t.Errorf("Expected leverage 10, got %d", pos.Leverage)
	}
}

func TestPlaceOrderSendsSignedBody(t *testing.T) {
	var gotBody string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.Write([]byte(`{"orderId":123,"symbol":"BTCUSDT","status":"NEW","clientOrderId":"x","price":"50000","avgPrice":"0","origQty":"0.5","executedQty":"0","cumQuote":"0","timeInForce":"GTC","type":"LIMIT","reduceOnly":false,"closePosition":false,"side":"BUY","stopPrice":"0","updateTime":0}`))
	}))
	defer server.Close()

	c := NewClientWithBaseURL("key", "secret", server.URL)
	resp, err := c.PlaceOrder(OrderParams{
		Symbol:   "BTCUSDT",
		Side:     "BUY",
		Type:     OrderTypeLimit,
		Quantity: 0.5,
		Price:    50000,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if resp.OrderId != 123 {
		t.Errorf("Expected order id 123, got %d", resp.OrderId)
	}
	if !strings.Contains(gotBody, "signature=") {
		t.Error("POST should carry the signature in the body")
	}
	if !strings.Contains(gotBody, "timeInForce=GTC") {
		t.Error("Limit order should default to GTC")
	}
	if strings.Index(gotBody, "price=") > strings.Index(gotBody, "quantity=") {
		t.Error("Body params should be lexicographically sorted")
	}
}

func TestGetKlinesParsesRawArrays(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[[1700000000000,"50000","50100","49900","50050","12.5",1700000299999,"625000",42,"6.2","310000","0"]]`))
	}))
	defer server.Close()

	c := NewClientWithBaseURL("key", "secret", server.URL)
	klines, err := c.GetKlines("BTCUSDT", "5m", 1)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(klines) != 1 {
		t.Fatalf("Expected 1 kline, got %d", len(klines))
	}
	k := klines[0]
	if k.Close != 50050 {
		t.Errorf("Expected close 50050, got %f", k.Close)
	}
	if k.NumberOfTrades != 42 {
		t.Errorf("Expected 42 trades, got %d", k.NumberOfTrades)
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	if OrderStatusNew.IsTerminal() || OrderStatusPartiallyFilled.IsTerminal() {
		t.Error("NEW and PARTIALLY_FILLED are not terminal")
	}
}
