package decision

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"futures-ai-trader/internal/binance"
	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/strategy"
)

// ==================== ORACLE CLIENT ====================

func TestOracleRateLimited(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error","message":"slow down"}}`))
	}))
	defer server.Close()

	c := NewOracleClient(&OracleConfig{Provider: ProviderClaude, APIKey: "k", Model: "m", BaseURL: server.URL})
	_, err := c.Complete("sys", "user")

	oerr, ok := err.(*OracleError)
	if !ok {
		t.Fatalf("Expected OracleError, got %T", err)
	}
	if oerr.Kind != OracleRateLimited {
		t.Errorf("HTTP 429 should map to RATE_LIMITED, got %s", oerr.Kind)
	}
}

func TestOracleBlockedByContentFilter(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":""},"finish_reason":"content_filter"}]}`))
	}))
	defer server.Close()

	c := NewOracleClient(&OracleConfig{Provider: ProviderOpenAI, APIKey: "k", Model: "m", BaseURL: server.URL})
	_, err := c.Complete("sys", "user")

	oerr, ok := err.(*OracleError)
	if !ok || oerr.Kind != OracleBlocked {
		t.Errorf("Content filter should map to BLOCKED, got %v", err)
	}
}

func TestOracleCompleteClaude(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "k" {
			t.Error("API key header missing")
		}
		w.Write([]byte(`{"content":[{"type":"text","text":"{\"action\":\"DO_NOTHING\",\"reason\":\"flat market\"}"}],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	c := NewOracleClient(&OracleConfig{Provider: ProviderClaude, APIKey: "k", Model: "m", BaseURL: server.URL})
	raw, err := c.Complete("sys", "user")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.Contains(raw, "DO_NOTHING") {
		t.Errorf("Unexpected response text: %q", raw)
	}
}

// ==================== GATEWAY FAKES ====================

type fakeOracle struct {
	response string
	err      error
	calls    int
}

func (f *fakeOracle) Complete(system, user string) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type fakeStore struct {
	mu    sync.Mutex
	doc   *strategy.Versioned
	saved []*strategy.Versioned
}

func (f *fakeStore) Load(ctx context.Context) (*strategy.Versioned, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.doc == nil {
		f.doc = &strategy.Versioned{Version: 1, Directives: strategy.Default()}
	}
	return f.doc, nil
}

func (f *fakeStore) Save(ctx context.Context, v *strategy.Versioned) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, v)
	f.doc = v
	return nil
}

type fakeMarket struct{}

func (fakeMarket) GetUSDTBalance() (float64, error) { return 1000, nil }
func (fakeMarket) GetKlines(symbol, interval string, limit int) ([]binance.Kline, error) {
	return []binance.Kline{{Close: 50000}}, nil
}

type fakeHistory struct{}

func (fakeHistory) RecentOrders(ctx context.Context, limit int) ([]OrderLogRow, error) {
	return nil, nil
}
func (fakeHistory) RecentInteractions(ctx context.Context, limit int) ([]InteractionRow, error) {
	return nil, nil
}

type fakeInteractions struct {
	mu   sync.Mutex
	rows []InteractionRecord
}

func (f *fakeInteractions) RecordInteraction(ctx context.Context, rec InteractionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, rec)
	return nil
}

type noopExchange struct{}

func (noopExchange) SetLeverage(symbol string, leverage int) (*binance.LeverageResponse, error) {
	return &binance.LeverageResponse{Leverage: leverage}, nil
}
func (noopExchange) PlaceOrder(params binance.OrderParams) (*binance.OrderResponse, error) {
	return &binance.OrderResponse{OrderId: 1, Status: "NEW", ClientOrderId: params.NewClientOrderId}, nil
}
func (noopExchange) GetOrder(symbol string, orderId int64) (*binance.Order, error) {
	return nil, &binance.APIError{Code: -2013, Message: "Order does not exist."}
}
func (noopExchange) CancelOrder(symbol string, orderId int64) error  { return nil }
func (noopExchange) GetPosition(symbol string) (*binance.Position, error) {
	return nil, nil
}
func (noopExchange) GetTradeHistory(symbol string, limit int) ([]binance.Trade, error) {
	return nil, nil
}
func (noopExchange) GetKlines(symbol, interval string, limit int) ([]binance.Kline, error) {
	return nil, nil
}

func newTestGateway(oracle *fakeOracle) (*Gateway, *engine.Machine, *fakeStore, *fakeInteractions) {
	machine := engine.NewMachine("BTCUSDT", noopExchange{}, nil, zerolog.Nop())
	store := &fakeStore{}
	interactions := &fakeInteractions{}
	collector := NewCollector("BTCUSDT", fakeMarket{}, fakeHistory{})
	g := NewGateway("BTCUSDT", machine, oracle, store, collector, interactions, func() float64 { return 50000 }, zerolog.Nop())
	return g, machine, store, interactions
}

// ==================== GATEWAY CYCLES ====================

func TestRunCycleExecutesOpen(t *testing.T) {
	oracle := &fakeOracle{response: `{"action":"OPEN_POSITION","side":"BUY","leverage":10,"entryPrice":50000,"quantity":0.5,"stopLossPrice":49000,"takeProfitPrice":52000,"rationale":"support bounce with volume"}`}
	g, machine, _, interactions := newTestGateway(oracle)

	g.RunCycle(context.Background(), false, "")

	snap := machine.Snapshot()
	if !snap.HasPendingEntry() {
		t.Error("OPEN_POSITION should place an entry order")
	}
	if len(interactions.rows) != 1 {
		t.Fatalf("Expected 1 interaction row, got %d", len(interactions.rows))
	}
	row := interactions.rows[0]
	if row.Action != string(ActionOpenPosition) || row.Outcome != OutcomeExecuted {
		t.Errorf("Bad interaction row: %+v", row)
	}
	if row.ContextHash == "" {
		t.Error("Interaction row should carry the context hash")
	}
}

func TestRunCycleRejectsInvalidOpen(t *testing.T) {
	oracle := &fakeOracle{response: `{"action":"OPEN_POSITION","side":"BUY","leverage":500,"entryPrice":50000,"quantity":0.5,"stopLossPrice":49000,"takeProfitPrice":52000,"rationale":"leverage is a free lunch"}`}
	g, machine, _, interactions := newTestGateway(oracle)

	g.RunCycle(context.Background(), false, "")

	if machine.Snapshot().HasPendingEntry() {
		t.Error("Invalid open must not place an order")
	}
	if interactions.rows[0].Outcome != OutcomeRejected {
		t.Errorf("Expected REJECTED, got %s", interactions.rows[0].Outcome)
	}
}

func TestRunCycleOracleErrorNotTreatedAsAction(t *testing.T) {
	oracle := &fakeOracle{err: &OracleError{Kind: OracleRateLimited, Message: "slow down"}}
	g, machine, _, interactions := newTestGateway(oracle)

	g.RunCycle(context.Background(), false, "")

	if machine.Snapshot().HasPendingEntry() || machine.Snapshot().HasPosition() {
		t.Error("Oracle failure must not mutate trading state")
	}
	row := interactions.rows[0]
	if row.Outcome != OutcomeOracleError {
		t.Errorf("Expected ORACLE_ERROR, got %s", row.Outcome)
	}
	if !strings.Contains(row.Note, "RATE_LIMITED") {
		t.Errorf("Error kind should be recorded, got %q", row.Note)
	}
}

func TestRunCycleMalformedResponseRecorded(t *testing.T) {
	oracle := &fakeOracle{response: "buy the dip, trust me"}
	g, _, _, interactions := newTestGateway(oracle)

	g.RunCycle(context.Background(), false, "")

	row := interactions.rows[0]
	if row.Outcome != OutcomeOracleError {
		t.Errorf("Expected ORACLE_ERROR for malformed output, got %s", row.Outcome)
	}
	if row.RawResponse == "" {
		t.Error("Raw malformed payload should be kept for audit")
	}
}

func TestRunCycleAppliesStrategyUpdate(t *testing.T) {
	oracle := &fakeOracle{response: `{"action":"DO_NOTHING","reason":"chop","updated_trade_strategy":{"reason":"range detected","strategy":{"schema_version":"1.0","current_market_bias":"NEUTRAL","ai_learnings_notes":"markets are ranging"}}}`}
	g, _, store, _ := newTestGateway(oracle)

	g.RunCycle(context.Background(), false, "")

	if len(store.saved) != 1 {
		t.Fatalf("Expected 1 saved strategy version, got %d", len(store.saved))
	}
	if store.saved[0].Version != 2 {
		t.Errorf("Expected version 2, got %d", store.saved[0].Version)
	}
	if !strings.Contains(store.saved[0].Directives.AILearningsNotes, "AI Update (v2): range detected") {
		t.Error("Audit note missing from updated directives")
	}
}

func TestRunCycleStrategyUpdateGated(t *testing.T) {
	oracle := &fakeOracle{response: `{"action":"DO_NOTHING","reason":"chop","updated_trade_strategy":{"reason":"try","strategy":{}}}`}
	g, _, store, _ := newTestGateway(oracle)

	doc, _ := store.Load(context.Background())
	doc.Directives.AllowAIToUpdateSelf = false

	g.RunCycle(context.Background(), false, "")

	if len(store.saved) != 0 {
		t.Error("Self-update must be rejected when the document forbids it")
	}
}

type blockingOracle struct {
	started chan struct{}
	release chan struct{}
	calls   int
}

func (b *blockingOracle) Complete(system, user string) (string, error) {
	b.calls++
	close(b.started)
	<-b.release
	return `{"action":"DO_NOTHING","reason":"late"}`, nil
}

func TestConcurrentCycleDroppedNotQueued(t *testing.T) {
	oracle := &blockingOracle{started: make(chan struct{}), release: make(chan struct{})}
	machine := engine.NewMachine("BTCUSDT", noopExchange{}, nil, zerolog.Nop())
	store := &fakeStore{}
	interactions := &fakeInteractions{}
	collector := NewCollector("BTCUSDT", fakeMarket{}, fakeHistory{})
	g := NewGateway("BTCUSDT", machine, oracle, store, collector, interactions, func() float64 { return 50000 }, zerolog.Nop())

	done := make(chan struct{})
	go func() {
		g.RunCycle(context.Background(), false, "")
		close(done)
	}()

	<-oracle.started
	// Second cycle while the first is mid-consultation: dropped
	g.RunCycle(context.Background(), false, "")
	if oracle.calls != 1 {
		t.Errorf("Concurrent cycle should be dropped, oracle called %d times", oracle.calls)
	}

	close(oracle.release)
	<-done
	if len(interactions.rows) != 1 {
		t.Errorf("Only the first cycle should record an interaction, got %d", len(interactions.rows))
	}
}
