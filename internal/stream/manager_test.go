package stream

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
)

type fakeListenKeyClient struct {
	listenKey    string
	getCalls     int
	keepAlives   int
	closedKeys   []string
	getErr       error
	keepAliveErr error
}

func (f *fakeListenKeyClient) GetListenKey() (string, error) {
	f.getCalls++
	if f.getErr != nil {
		return "", f.getErr
	}
	return f.listenKey, nil
}

func (f *fakeListenKeyClient) KeepAliveListenKey(key string) error {
	f.keepAlives++
	return f.keepAliveErr
}

func (f *fakeListenKeyClient) CloseListenKey(key string) error {
	f.closedKeys = append(f.closedKeys, key)
	return nil
}

func newTestManager() (*Manager, *fakeListenKeyClient) {
	client := &fakeListenKeyClient{listenKey: "test-key"}
	m := NewManager(client, "BTCUSDT", "5m", zerolog.Nop())
	return m, client
}

func TestHandleKlineIgnoresOpenCandles(t *testing.T) {
	m, _ := newTestManager()

	var got []float64
	m.SetKlineCloseCallback(func(k KlineData) {
		got = append(got, k.Close)
	})

	open := `{"stream":"btcusdt@kline_5m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":0,"T":0,"s":"BTCUSDT","i":"5m","o":"100","c":"101","h":"102","l":"99","v":"10","x":false}}}`
	m.handleMessage([]byte(open))

	if len(got) != 0 {
		t.Error("Open candle should not fire the close callback")
	}
	if m.LastClosePrice() != 0 {
		t.Error("Open candle should not update the last close price")
	}
}

func TestHandleKlineClosedUpdatesPrice(t *testing.T) {
	m, _ := newTestManager()

	var got []float64
	m.SetKlineCloseCallback(func(k KlineData) {
		got = append(got, k.Close)
	})

	closed := `{"stream":"btcusdt@kline_5m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":0,"T":0,"s":"BTCUSDT","i":"5m","o":"100","c":"101.5","h":"102","l":"99","v":"10","x":true}}}`
	m.handleMessage([]byte(closed))

	if len(got) != 1 || got[0] != 101.5 {
		t.Errorf("Expected one callback with 101.5, got %v", got)
	}
	if m.LastClosePrice() != 101.5 {
		t.Errorf("Expected last close 101.5, got %f", m.LastClosePrice())
	}
}

func TestHandleKlineUnchangedPriceIsDropped(t *testing.T) {
	m, _ := newTestManager()

	calls := 0
	m.SetKlineCloseCallback(func(k KlineData) { calls++ })

	frame := `{"stream":"btcusdt@kline_5m","data":{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":0,"T":0,"s":"BTCUSDT","i":"5m","o":"100","c":"101.5","h":"102","l":"99","v":"10","x":true}}}`
	m.handleMessage([]byte(frame))
	m.handleMessage([]byte(frame))

	if calls != 1 {
		t.Errorf("Unchanged close price should fire only once, got %d calls", calls)
	}
}

func TestHandleAccountUpdateDispatch(t *testing.T) {
	m, _ := newTestManager()

	var got *AccountUpdateEvent
	m.SetAccountUpdateCallback(func(e AccountUpdateEvent) { got = &e })

	frame := `{"stream":"test-key","data":{"e":"ACCOUNT_UPDATE","E":1700000000000,"a":{"m":"ORDER","B":[{"a":"USDT","wb":"1000","cw":"1000","bc":"0"}],"P":[{"s":"BTCUSDT","pa":"0.5","ep":"50000","up":"25","mt":"cross","iw":"0","ps":"BOTH"}]}}}`
	m.handleMessage([]byte(frame))

	if got == nil {
		t.Fatal("Account update callback not invoked")
	}
	if len(got.UpdateData.Positions) != 1 {
		t.Fatalf("Expected 1 position update, got %d", len(got.UpdateData.Positions))
	}
	p := got.UpdateData.Positions[0]
	if p.PositionAmount != 0.5 || p.EntryPrice != 50000 {
		t.Errorf("Bad position decode: %+v", p)
	}
}

func TestHandleOrderUpdateDispatch(t *testing.T) {
	m, _ := newTestManager()

	var got *OrderUpdateData
	m.SetOrderUpdateCallback(func(o OrderUpdateData) { got = &o })

	frame := `{"stream":"test-key","data":{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"o":{"s":"BTCUSDT","c":"my-id","S":"BUY","o":"LIMIT","f":"GTC","q":"0.5","p":"50000","ap":"50000","sp":"0","x":"TRADE","X":"FILLED","i":9001,"l":"0.5","z":"0.5","L":"50000","n":"0.01","N":"USDT","T":1,"t":2,"R":false,"ot":"LIMIT","rp":"0"}}}`
	m.handleMessage([]byte(frame))

	if got == nil {
		t.Fatal("Order update callback not invoked")
	}
	if got.OrderID != 9001 {
		t.Errorf("Expected order id 9001, got %d", got.OrderID)
	}
	if got.OrderStatus != "FILLED" {
		t.Errorf("Expected FILLED, got %s", got.OrderStatus)
	}
	if got.CumulativeQty != 0.5 {
		t.Errorf("Expected cumulative qty 0.5, got %f", got.CumulativeQty)
	}
}

func TestHandleMarginCallDispatch(t *testing.T) {
	m, _ := newTestManager()

	var got *MarginCallEvent
	m.SetMarginCallCallback(func(e MarginCallEvent) { got = &e })

	frame := `{"stream":"test-key","data":{"e":"MARGIN_CALL","E":1,"p":[{"s":"BTCUSDT","ps":"BOTH","pa":"0.5","mp":"45000","up":"-2500"}]}}`
	m.handleMessage([]byte(frame))

	if got == nil {
		t.Fatal("Margin call callback not invoked")
	}
	if len(got.Positions) != 1 || got.Positions[0].MarkPrice != 45000 {
		t.Errorf("Bad margin call decode: %+v", got)
	}
}

func TestHandleUnknownEventIsIgnored(t *testing.T) {
	m, _ := newTestManager()

	fatal := false
	m.SetFatalCallback(func(err error) { fatal = true })

	m.handleMessage([]byte(`{"stream":"test-key","data":{"e":"TRADE_LITE","E":1}}`))
	m.handleMessage([]byte(`not json at all`))

	if fatal {
		t.Error("Unknown or undecodable frames must not be fatal")
	}
}

func TestRenewListenKeyWithoutKey(t *testing.T) {
	m, _ := newTestManager()

	if err := m.RenewListenKey(); err == nil {
		t.Error("Renewing with no leased key should fail")
	}
}

func TestRenewListenKeyKeepAlive(t *testing.T) {
	m, client := newTestManager()
	m.listenKey = "test-key"

	if err := m.RenewListenKey(); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if client.keepAlives != 1 {
		t.Errorf("Expected 1 keepalive call, got %d", client.keepAlives)
	}
}

func TestRenewListenKeyFailureSurfaced(t *testing.T) {
	m, client := newTestManager()
	m.listenKey = "test-key"
	client.keepAliveErr = fmt.Errorf("exchange unavailable")

	if err := m.RenewListenKey(); err == nil {
		t.Error("Keepalive failure should be returned to the caller")
	}
}

func TestShutdownClosesListenKey(t *testing.T) {
	m, client := newTestManager()
	m.listenKey = "test-key"

	m.Shutdown()

	if len(client.closedKeys) != 1 || client.closedKeys[0] != "test-key" {
		t.Errorf("Expected listen key to be closed, got %v", client.closedKeys)
	}
	if m.State() != StateDisconnected {
		t.Errorf("Expected DISCONNECTED after shutdown, got %s", m.State())
	}
}

func TestStateString(t *testing.T) {
	if StateConnected.String() != "CONNECTED" || StateExpired.String() != "EXPIRED" {
		t.Error("State strings should match connection lifecycle names")
	}
}
