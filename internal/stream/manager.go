// Package stream owns the single multiplexed market/user websocket
// connection and dispatches its frames to registered callbacks.
package stream

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// FuturesStreamURL is the production combined stream endpoint
const FuturesStreamURL = "wss://fstream.binance.com"

// State of the stream connection
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateExpired:
		return "EXPIRED"
	}
	return "UNKNOWN"
}

// ListenKeyClient covers the listen key lifecycle calls the manager needs.
type ListenKeyClient interface {
	GetListenKey() (string, error)
	KeepAliveListenKey(listenKey string) error
	CloseListenKey(listenKey string) error
}

// Manager owns one combined websocket connection carrying the public kline
// channel and the private user data channel keyed by the listen key.
type Manager struct {
	client   ListenKeyClient
	symbol   string
	interval string
	baseURL  string
	logger   zerolog.Logger

	mu             sync.RWMutex
	conn           *websocket.Conn
	state          State
	listenKey      string
	leasedAt       time.Time
	lastClosePrice float64
	shuttingDown   bool

	onKlineClose    func(KlineData)
	onAccountUpdate func(AccountUpdateEvent)
	onOrderUpdate   func(OrderUpdateData)
	onMarginCall    func(MarginCallEvent)
	onFatal         func(error)
}

// NewManager creates a stream manager for one symbol and kline interval.
func NewManager(client ListenKeyClient, symbol, interval string, logger zerolog.Logger) *Manager {
	return &Manager{
		client:   client,
		symbol:   symbol,
		interval: interval,
		baseURL:  FuturesStreamURL,
		state:    StateDisconnected,
		logger:   logger.With().Str("component", "StreamManager").Logger(),
	}
}

// SetBaseURL overrides the websocket endpoint, used by tests.
func (m *Manager) SetBaseURL(url string) {
	m.baseURL = url
}

// Callback setters. Must be called before Connect.

func (m *Manager) SetKlineCloseCallback(cb func(KlineData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onKlineClose = cb
}

func (m *Manager) SetAccountUpdateCallback(cb func(AccountUpdateEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onAccountUpdate = cb
}

func (m *Manager) SetOrderUpdateCallback(cb func(OrderUpdateData)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOrderUpdate = cb
}

func (m *Manager) SetMarginCallCallback(cb func(MarginCallEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMarginCall = cb
}

// SetFatalCallback registers the handler invoked when the connection is lost
// for any reason other than a deliberate shutdown or listen key rotation.
func (m *Manager) SetFatalCallback(cb func(error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFatal = cb
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ListenKey returns the current listen key and its lease time.
func (m *Manager) ListenKey() (string, time.Time) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listenKey, m.leasedAt
}

// LastClosePrice returns the most recent closed-kline price, 0 before the
// first closed candle arrives.
func (m *Manager) LastClosePrice() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastClosePrice
}

// Connect leases a listen key, opens the combined stream and starts the
// read loop.
func (m *Manager) Connect() error {
	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	listenKey, err := m.client.GetListenKey()
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("failed to acquire listen key: %w", err)
	}

	return m.connectWithKey(listenKey)
}

func (m *Manager) connectWithKey(listenKey string) error {
	streamName := fmt.Sprintf("%s@kline_%s", strings.ToLower(m.symbol), m.interval)
	wsURL := fmt.Sprintf("%s/stream?streams=%s/%s", m.baseURL, streamName, listenKey)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		m.setState(StateDisconnected)
		return fmt.Errorf("failed to dial stream: %w", err)
	}

	m.mu.Lock()
	m.conn = conn
	m.listenKey = listenKey
	m.leasedAt = time.Now()
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info().Str("stream", streamName).Msg("Stream connected")

	go m.readLoop(conn)
	return nil
}

// RenewListenKey keeps the current listen key lease alive. Failure is
// returned to the caller, the key stays valid until its hard expiry.
func (m *Manager) RenewListenKey() error {
	m.mu.RLock()
	listenKey := m.listenKey
	m.mu.RUnlock()

	if listenKey == "" {
		return fmt.Errorf("no listen key to renew")
	}

	if err := m.client.KeepAliveListenKey(listenKey); err != nil {
		return fmt.Errorf("listen key keepalive failed: %w", err)
	}

	m.mu.Lock()
	m.leasedAt = time.Now()
	m.mu.Unlock()
	return nil
}

// Shutdown closes the listen key and the connection. Read loop errors after
// this point are not reported as fatal.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	conn := m.conn
	listenKey := m.listenKey
	m.state = StateDisconnected
	m.mu.Unlock()

	if listenKey != "" {
		if err := m.client.CloseListenKey(listenKey); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to close listen key")
		}
	}
	if conn != nil {
		conn.Close()
	}
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

func (m *Manager) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.mu.Lock()
			shuttingDown := m.shuttingDown
			stale := m.conn != conn
			if !shuttingDown && !stale {
				m.state = StateDisconnected
			}
			onFatal := m.onFatal
			m.mu.Unlock()

			if shuttingDown || stale {
				return
			}

			m.logger.Error().Err(err).Msg("Stream read failed")
			if onFatal != nil {
				onFatal(fmt.Errorf("stream read failed: %w", err))
			}
			return
		}

		m.handleMessage(message)
	}
}

func (m *Manager) handleMessage(message []byte) {
	var frame combinedFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		m.logger.Warn().Err(err).Msg("Undecodable stream frame")
		return
	}

	payload := frame.Data
	if payload == nil {
		// Raw (non-combined) frame, dispatch the message itself
		payload = message
	}

	var header eventHeader
	if err := json.Unmarshal(payload, &header); err != nil {
		m.logger.Warn().Err(err).Msg("Undecodable event payload")
		return
	}

	switch header.EventType {
	case "kline":
		m.handleKline(payload)
	case "ACCOUNT_UPDATE":
		var event AccountUpdateEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			m.logger.Warn().Err(err).Msg("Bad ACCOUNT_UPDATE payload")
			return
		}
		m.mu.RLock()
		cb := m.onAccountUpdate
		m.mu.RUnlock()
		if cb != nil {
			cb(event)
		}
	case "ORDER_TRADE_UPDATE":
		var event OrderUpdateEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			m.logger.Warn().Err(err).Msg("Bad ORDER_TRADE_UPDATE payload")
			return
		}
		m.mu.RLock()
		cb := m.onOrderUpdate
		m.mu.RUnlock()
		if cb != nil {
			cb(event.Order)
		}
	case "MARGIN_CALL":
		var event MarginCallEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			m.logger.Warn().Err(err).Msg("Bad MARGIN_CALL payload")
			return
		}
		m.logger.Error().Int("positions", len(event.Positions)).Msg("MARGIN CALL received")
		m.mu.RLock()
		cb := m.onMarginCall
		m.mu.RUnlock()
		if cb != nil {
			cb(event)
		}
	case "listenKeyExpired":
		m.logger.Warn().Msg("Listen key expired, rotating")
		go m.handleListenKeyExpired()
	default:
		m.logger.Debug().Str("event", header.EventType).Msg("Ignoring stream event")
	}
}

func (m *Manager) handleKline(payload []byte) {
	var event KlineEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		m.logger.Warn().Err(err).Msg("Bad kline payload")
		return
	}

	// Only closed candles are authoritative price ticks, and unchanged
	// prices are dropped to bound log volume.
	if !event.Kline.IsClosed {
		return
	}

	m.mu.Lock()
	if event.Kline.Close == m.lastClosePrice {
		m.mu.Unlock()
		return
	}
	m.lastClosePrice = event.Kline.Close
	cb := m.onKlineClose
	m.mu.Unlock()

	m.logger.Debug().Float64("close", event.Kline.Close).Str("interval", event.Kline.Interval).Msg("Kline closed")
	if cb != nil {
		cb(event.Kline)
	}
}

// handleListenKeyExpired discards the old token, leases a fresh one with
// bounded retry and reconnects. Giving up is fatal.
func (m *Manager) handleListenKeyExpired() {
	m.mu.Lock()
	m.state = StateExpired
	oldConn := m.conn
	m.conn = nil
	m.listenKey = ""
	m.mu.Unlock()

	if oldConn != nil {
		oldConn.Close()
	}

	var listenKey string
	operation := func() error {
		var err error
		listenKey, err = m.client.GetListenKey()
		return err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = time.Second
	policy.MaxElapsedTime = 2 * time.Minute

	if err := backoff.Retry(operation, policy); err != nil {
		m.logger.Error().Err(err).Msg("Could not lease a fresh listen key")
		m.mu.RLock()
		onFatal := m.onFatal
		m.mu.RUnlock()
		if onFatal != nil {
			onFatal(fmt.Errorf("listen key rotation failed: %w", err))
		}
		return
	}

	if err := m.connectWithKey(listenKey); err != nil {
		m.logger.Error().Err(err).Msg("Reconnect after listen key rotation failed")
		m.mu.RLock()
		onFatal := m.onFatal
		m.mu.RUnlock()
		if onFatal != nil {
			onFatal(fmt.Errorf("reconnect after listen key rotation failed: %w", err))
		}
	}
}
