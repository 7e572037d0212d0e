package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Retry configuration for API calls
const (
	maxRetries     = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"

	// recvWindow bounds how stale a signed request may be, in ms
	recvWindow = "5000"
)

// Client is a signed Binance USDM futures REST client.
type Client struct {
	apiKey     string
	secretKey  string
	baseURL    string
	httpClient *http.Client

	commissionMu    sync.Mutex
	commissionCache map[string]*CommissionRate
}

// NewClient creates a futures REST client.
func NewClient(apiKey, secretKey string, testnet bool) *Client {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim any whitespace from keys - critical for signature generation
	return &Client{
		apiKey:          strings.TrimSpace(apiKey),
		secretKey:       strings.TrimSpace(secretKey),
		baseURL:         baseURL,
		httpClient:      &http.Client{Timeout: 15 * time.Second},
		commissionCache: make(map[string]*CommissionRate),
	}
}

// NewClientWithBaseURL creates a client against an arbitrary base URL, used
// by tests running against a local HTTP server.
func NewClientWithBaseURL(apiKey, secretKey, baseURL string) *Client {
	c := NewClient(apiKey, secretKey, false)
	c.baseURL = baseURL
	return c
}

// ==================== ACCOUNT ====================

// GetBalances retrieves all futures asset balances.
func (c *Client) GetBalances() ([]Balance, error) {
	resp, err := c.signedGet("/fapi/v2/balance", map[string]string{})
	if err != nil {
		return nil, fmt.Errorf("error fetching balances: %w", err)
	}

	var balances []Balance
	if err := json.Unmarshal(resp, &balances); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v2/balance", Err: err}
	}

	return balances, nil
}

// GetUSDTBalance fetches the USDT balance from the futures account.
func (c *Client) GetUSDTBalance() (float64, error) {
	balances, err := c.GetBalances()
	if err != nil {
		return 0, err
	}

	for _, b := range balances {
		if b.Asset == "USDT" {
			return b.Balance, nil
		}
	}

	// No USDT balance found
	return 0, nil
}

// GetPosition retrieves the position for a symbol. Returns nil (no error)
// when the exchange reports zero quantity.
func (c *Client) GetPosition(symbol string) (*Position, error) {
	params := map[string]string{
		"symbol": symbol,
	}

	resp, err := c.signedGet("/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching position: %w", err)
	}

	var positions []Position
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v2/positionRisk", Err: err}
	}

	for i := range positions {
		if positions[i].Symbol == symbol && positions[i].PositionAmt != 0 {
			return &positions[i], nil
		}
	}

	return nil, nil
}

// SetLeverage sets the leverage for a symbol.
func (c *Client) SetLeverage(symbol string, leverage int) (*LeverageResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}

	resp, err := c.signedPost("/fapi/v1/leverage", params)
	if err != nil {
		return nil, fmt.Errorf("error setting leverage: %w", err)
	}

	var levResp LeverageResponse
	if err := json.Unmarshal(resp, &levResp); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v1/leverage", Err: err}
	}

	return &levResp, nil
}

// GetCommissionRate retrieves the commission rate for a symbol. The rate is
// cached for the process lifetime, it does not change mid-session.
func (c *Client) GetCommissionRate(symbol string) (*CommissionRate, error) {
	c.commissionMu.Lock()
	if cached, ok := c.commissionCache[symbol]; ok {
		c.commissionMu.Unlock()
		return cached, nil
	}
	c.commissionMu.Unlock()

	params := map[string]string{
		"symbol": symbol,
	}

	resp, err := c.signedGet("/fapi/v1/commissionRate", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching commission rate: %w", err)
	}

	var rate CommissionRate
	if err := json.Unmarshal(resp, &rate); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v1/commissionRate", Err: err}
	}

	c.commissionMu.Lock()
	c.commissionCache[symbol] = &rate
	c.commissionMu.Unlock()

	return &rate, nil
}

// ==================== ORDERS ====================

// PlaceOrder places a futures order.
func (c *Client) PlaceOrder(params OrderParams) (*OrderResponse, error) {
	reqParams := map[string]string{
		"symbol": params.Symbol,
		"side":   params.Side,
		"type":   string(params.Type),
	}

	if params.Quantity > 0 {
		reqParams["quantity"] = strconv.FormatFloat(params.Quantity, 'f', -1, 64)
	}

	// Add price for limit orders
	if params.Price > 0 {
		reqParams["price"] = strconv.FormatFloat(params.Price, 'f', -1, 64)
	}

	// Add stop price for stop / take-profit orders
	if params.StopPrice > 0 {
		reqParams["stopPrice"] = strconv.FormatFloat(params.StopPrice, 'f', -1, 64)
	}

	// Add time in force
	if params.TimeInForce != "" {
		reqParams["timeInForce"] = string(params.TimeInForce)
	} else if params.Type == OrderTypeLimit {
		reqParams["timeInForce"] = string(TimeInForceGTC)
	}

	if params.ReduceOnly {
		reqParams["reduceOnly"] = "true"
	}

	if params.ClosePosition {
		reqParams["closePosition"] = "true"
	}

	if params.WorkingType != "" {
		reqParams["workingType"] = string(params.WorkingType)
	}

	if params.NewClientOrderId != "" {
		reqParams["newClientOrderId"] = params.NewClientOrderId
	}

	resp, err := c.signedPost("/fapi/v1/order", reqParams)
	if err != nil {
		return nil, fmt.Errorf("error placing order: %w", err)
	}

	var orderResp OrderResponse
	if err := json.Unmarshal(resp, &orderResp); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v1/order", Err: err}
	}

	return &orderResp, nil
}

// GetOrder retrieves the current status of an order.
func (c *Client) GetOrder(symbol string, orderId int64) (*Order, error) {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	}

	resp, err := c.signedGet("/fapi/v1/order", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching order: %w", err)
	}

	var order Order
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v1/order", Err: err}
	}

	return &order, nil
}

// CancelOrder cancels an existing futures order.
func (c *Client) CancelOrder(symbol string, orderId int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderId, 10),
	}

	_, err := c.signedDelete("/fapi/v1/order", params)
	if err != nil {
		return fmt.Errorf("error canceling order: %w", err)
	}

	return nil
}

// GetTradeHistory retrieves recent fills for a symbol, newest last.
func (c *Client) GetTradeHistory(symbol string, limit int) ([]Trade, error) {
	params := map[string]string{
		"symbol": symbol,
		"limit":  strconv.Itoa(limit),
	}

	resp, err := c.signedGet("/fapi/v1/userTrades", params)
	if err != nil {
		return nil, fmt.Errorf("error fetching trade history: %w", err)
	}

	var trades []Trade
	if err := json.Unmarshal(resp, &trades); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v1/userTrades", Err: err}
	}

	return trades, nil
}

// ==================== MARKET DATA ====================

// GetKlines retrieves OHLCV candles for a symbol and interval.
func (c *Client) GetKlines(symbol, interval string, limit int) ([]Kline, error) {
	resp, err := c.publicGet("/fapi/v1/klines", map[string]string{
		"symbol":   symbol,
		"interval": interval,
		"limit":    strconv.Itoa(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("error fetching klines: %w", err)
	}

	var rawKlines [][]interface{}
	if err := json.Unmarshal(resp, &rawKlines); err != nil {
		return nil, &ProtocolError{Endpoint: "/fapi/v1/klines", Err: err}
	}

	klines := make([]Kline, 0, len(rawKlines))
	for _, raw := range rawKlines {
		if len(raw) < 11 {
			return nil, &ProtocolError{
				Endpoint: "/fapi/v1/klines",
				Err:      fmt.Errorf("kline row has %d fields", len(raw)),
			}
		}
		klines = append(klines, Kline{
			OpenTime:                 int64(raw[0].(float64)),
			Open:                     parseFloat(raw[1]),
			High:                     parseFloat(raw[2]),
			Low:                      parseFloat(raw[3]),
			Close:                    parseFloat(raw[4]),
			Volume:                   parseFloat(raw[5]),
			CloseTime:                int64(raw[6].(float64)),
			QuoteAssetVolume:         parseFloat(raw[7]),
			NumberOfTrades:           int(raw[8].(float64)),
			TakerBuyBaseAssetVolume:  parseFloat(raw[9]),
			TakerBuyQuoteAssetVolume: parseFloat(raw[10]),
		})
	}

	return klines, nil
}

func parseFloat(v interface{}) float64 {
	s, ok := v.(string)
	if !ok {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

// ==================== USER DATA STREAM ====================

// GetListenKey creates a new user data stream listen key.
func (c *Client) GetListenKey() (string, error) {
	resp, err := c.signedPost("/fapi/v1/listenKey", nil)
	if err != nil {
		return "", fmt.Errorf("error getting listen key: %w", err)
	}

	var listenKeyResp ListenKeyResponse
	if err := json.Unmarshal(resp, &listenKeyResp); err != nil {
		return "", &ProtocolError{Endpoint: "/fapi/v1/listenKey", Err: err}
	}

	return listenKeyResp.ListenKey, nil
}

// KeepAliveListenKey extends the validity of a listen key.
func (c *Client) KeepAliveListenKey(listenKey string) error {
	params := map[string]string{
		"listenKey": listenKey,
	}

	_, err := c.signedPut("/fapi/v1/listenKey", params)
	if err != nil {
		return fmt.Errorf("error keeping listen key alive: %w", err)
	}

	return nil
}

// CloseListenKey closes a user data stream.
func (c *Client) CloseListenKey(listenKey string) error {
	params := map[string]string{
		"listenKey": listenKey,
	}

	_, err := c.signedDelete("/fapi/v1/listenKey", params)
	if err != nil {
		return fmt.Errorf("error closing listen key: %w", err)
	}

	return nil
}

// ==================== HTTP HELPERS ====================

// buildQueryString builds a canonical query string from params. Keys are
// sorted lexicographically so the signed string is deterministic.
func (c *Client) buildQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k != "signature" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	query := ""
	for _, k := range keys {
		if query != "" {
			query += "&"
		}
		query += k + "=" + url.QueryEscape(params[k])
	}
	return query
}

// sign creates a signature for the given query string
func (c *Client) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// signParams builds the canonical query string with signature appended
func (c *Client) signParams(params map[string]string) string {
	query := c.buildQueryString(params)
	signature := c.sign(query)
	return query + "&signature=" + signature
}

// isRetryableError checks if an error is transient and should be retried
func isRetryableError(statusCode int, body string) bool {
	// Retry on rate limits (429) and server errors (5xx)
	if statusCode == http.StatusTooManyRequests || statusCode >= 500 {
		return true
	}
	// Retry on specific Binance errors that are transient
	if strings.Contains(body, "-1001") || // DISCONNECTED
		strings.Contains(body, "-1003") || // TOO_MANY_REQUESTS
		strings.Contains(body, "-1015") || // TOO_MANY_ORDERS
		strings.Contains(body, "-1016") { // SERVICE_SHUTTING_DOWN
		return true
	}
	return false
}

// calculateRetryDelay returns delay with exponential backoff and jitter
func calculateRetryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt)) // 2^attempt
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add jitter (+/-25%)
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

// publicGet performs an unauthenticated GET request with retry
func (c *Client) publicGet(endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}

		reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
		if len(values) > 0 {
			reqURL = fmt.Sprintf("%s?%s", reqURL, values.Encode())
		}

		resp, err := c.httpClient.Get(reqURL)
		if err != nil {
			lastErr = &TransportError{Body: err.Error()}
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				log.Printf("[BINANCE] Public GET %s failed (attempt %d/%d): %v, retrying in %v",
					endpoint, attempt+1, maxRetries+1, err, delay)
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Body: err.Error()}
		}

		if resp.StatusCode >= 300 {
			lastErr = decodeError(resp.StatusCode, body)
			if isRetryableError(resp.StatusCode, string(body)) && attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				log.Printf("[BINANCE] Public GET %s returned %d (attempt %d/%d): %s, retrying in %v",
					endpoint, resp.StatusCode, attempt+1, maxRetries+1, string(body), delay)
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

// signedRequest performs an authenticated request with retry. GET and DELETE
// carry the signed query in the URL, POST and PUT carry it in the body.
func (c *Client) signedRequest(method, endpoint string, params map[string]string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		// Refresh timestamp for each attempt
		if params == nil {
			params = make(map[string]string)
		}
		params["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		params["recvWindow"] = recvWindow
		query := c.signParams(params)

		var req *http.Request
		var err error
		switch method {
		case http.MethodGet, http.MethodDelete:
			reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, endpoint, query)
			req, err = http.NewRequest(method, reqURL, nil)
		default:
			reqURL := fmt.Sprintf("%s%s", c.baseURL, endpoint)
			req, err = http.NewRequest(method, reqURL, strings.NewReader(query))
			if req != nil {
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		}
		if err != nil {
			return nil, err
		}

		req.Header.Set("X-MBX-APIKEY", c.apiKey)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &TransportError{Body: err.Error()}
			if attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				log.Printf("[BINANCE] %s %s failed (attempt %d/%d): %v, retrying in %v",
					method, endpoint, attempt+1, maxRetries+1, err, delay)
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, &TransportError{Status: resp.StatusCode, Body: err.Error()}
		}

		if resp.StatusCode >= 300 {
			lastErr = decodeError(resp.StatusCode, body)
			if isRetryableError(resp.StatusCode, string(body)) && attempt < maxRetries {
				delay := calculateRetryDelay(attempt)
				log.Printf("[BINANCE] %s %s returned %d (attempt %d/%d): %s, retrying in %v",
					method, endpoint, resp.StatusCode, attempt+1, maxRetries+1, string(body), delay)
				time.Sleep(delay)
				continue
			}
			return nil, lastErr
		}

		return body, nil
	}

	return nil, lastErr
}

func (c *Client) signedGet(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodGet, endpoint, params)
}

func (c *Client) signedPost(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPost, endpoint, params)
}

func (c *Client) signedPut(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodPut, endpoint, params)
}

func (c *Client) signedDelete(endpoint string, params map[string]string) ([]byte, error) {
	return c.signedRequest(http.MethodDelete, endpoint, params)
}
