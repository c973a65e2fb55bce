// ws.go implements WebSocket feeds for real-time exchange data.
//
// Two independent feeds run concurrently:
//
//   - Market feed (public): subscribes by symbol, receives "depth"
//     snapshots/deltas and "trade" prints for the harvester to normalize
//     into CanonicalRow.
//
//   - User feed (authenticated): subscribes by symbol, receives "order"
//     lifecycle events (ack, partial fill, fill, cancel, reject) that
//     drive the executor's order state machine.
//
// Both feeds auto-reconnect with exponential backoff (1s -> 30s max) and
// re-subscribe to all tracked symbols on reconnection. A read deadline
// (90s) ensures silent server failures are detected within ~2 missed
// pings.
package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	readBufferSize   = 256              // buffer for depth events
	tradeBufferSize  = 64               // buffer for trade/order events
)

// DepthEvent is a raw depth snapshot or delta as received over the wire.
type DepthEvent struct {
	EventType string       `json:"event_type"`
	Symbol    string       `json:"symbol"`
	TsMs      int64        `json:"ts_ms"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
}

// PriceLevel mirrors types.PriceLevel on the wire so the exchange package
// stays decodable without importing pkg/types into the hot decode path.
type PriceLevel struct {
	Price float64 `json:"price"`
	Qty   float64 `json:"qty"`
}

// TradeEvent is a raw trade print.
type TradeEvent struct {
	EventType string  `json:"event_type"`
	Symbol    string  `json:"symbol"`
	TsMs      int64   `json:"ts_ms"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Side      string  `json:"side"`
}

// OrderEvent is a raw order lifecycle event on the authenticated channel.
type OrderEvent struct {
	EventType       string  `json:"event_type"`
	ClientOrderID   string  `json:"client_order_id"`
	ExchangeOrderID string  `json:"exchange_order_id"`
	Symbol          string  `json:"symbol"`
	Status          string  `json:"status"`
	FilledQty       float64 `json:"filled_qty"`
	AvgPrice        float64 `json:"avg_price"`
	TsMs            int64   `json:"ts_ms"`
}

// subscribeMsg is the initial/incremental subscription request.
type subscribeMsg struct {
	Type      string      `json:"type"`
	Operation string      `json:"operation,omitempty"`
	Symbols   []string    `json:"symbols"`
	Auth      Credentials `json:"auth,omitempty"`
}

// WSFeed manages a single WebSocket connection (market or user channel).
// It handles connection lifecycle, subscription tracking, message
// routing, and automatic reconnection with exponential backoff.
type WSFeed struct {
	url         string
	conn        *websocket.Conn
	connMu      sync.Mutex
	auth        *Auth // nil for market channel, set for user channel
	channelType string // "market" or "user"

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // symbols

	depthCh chan DepthEvent
	tradeCh chan TradeEvent
	orderCh chan OrderEvent

	logger *slog.Logger
}

// NewMarketFeed creates a WebSocket feed for the market channel (public).
func NewMarketFeed(wsURL string, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		channelType: "market",
		subscribed:  make(map[string]bool),
		depthCh:     make(chan DepthEvent, readBufferSize),
		tradeCh:     make(chan TradeEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_market"),
	}
}

// NewUserFeed creates a WebSocket feed for the user channel (authenticated).
func NewUserFeed(wsURL string, auth *Auth, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:         wsURL,
		auth:        auth,
		channelType: "user",
		subscribed:  make(map[string]bool),
		orderCh:     make(chan OrderEvent, tradeBufferSize),
		logger:      logger.With("component", "ws_user"),
	}
}

// DepthEvents returns a read-only channel of depth snapshot/delta events.
func (f *WSFeed) DepthEvents() <-chan DepthEvent { return f.depthCh }

// TradeEvents returns a read-only channel of trade print events.
func (f *WSFeed) TradeEvents() <-chan TradeEvent { return f.tradeCh }

// OrderEvents returns a read-only channel of order lifecycle events (user channel).
func (f *WSFeed) OrderEvents() <-chan OrderEvent { return f.orderCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("websocket disconnected, reconnecting",
			"error", err,
			"backoff", backoff,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Subscribe adds symbols to the feed's subscription set.
func (f *WSFeed) Subscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subscribedMu.Unlock()

	msg := subscribeMsg{Type: f.channelType, Operation: "subscribe", Symbols: symbols}
	return f.writeJSON(msg)
}

// Unsubscribe removes symbols from the subscription set.
func (f *WSFeed) Unsubscribe(ctx context.Context, symbols []string) error {
	f.subscribedMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subscribedMu.Unlock()

	msg := subscribeMsg{Type: f.channelType, Operation: "unsubscribe", Symbols: symbols}
	return f.writeJSON(msg)
}

// Close gracefully closes the connection.
func (f *WSFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *WSFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	if err := f.sendInitialSubscription(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected", "channel", f.channelType)

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		f.dispatchMessage(msg)
	}
}

func (f *WSFeed) sendInitialSubscription() error {
	f.subscribedMu.RLock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subscribedMu.RUnlock()

	msg := subscribeMsg{Type: f.channelType, Symbols: symbols}
	if f.channelType == "user" {
		msg.Auth = f.auth.WSAuthPayload()
	}
	return f.writeJSON(msg)
}

func (f *WSFeed) dispatchMessage(data []byte) {
	var envelope struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}

	switch envelope.EventType {
	case "depth":
		var evt DepthEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal depth event", "error", err)
			return
		}
		select {
		case f.depthCh <- evt:
		default:
			f.logger.Warn("depth channel full, dropping event", "symbol", evt.Symbol)
		}

	case "trade":
		var evt TradeEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal trade event", "error", err)
			return
		}
		select {
		case f.tradeCh <- evt:
		default:
			f.logger.Warn("trade channel full, dropping event", "symbol", evt.Symbol)
		}

	case "order":
		var evt OrderEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			f.logger.Error("unmarshal order event", "error", err)
			return
		}
		select {
		case f.orderCh <- evt:
		default:
			f.logger.Warn("order channel full, dropping event", "client_order_id", evt.ClientOrderID)
		}

	default:
		f.logger.Debug("unknown ws event type", "type", envelope.EventType)
	}
}

func (f *WSFeed) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.writeMessage(websocket.TextMessage, []byte("PING")); err != nil {
				f.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

func (f *WSFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *WSFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
