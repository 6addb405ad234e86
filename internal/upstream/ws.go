// ws.go implements the optional real-time trade feed.
//
// When enabled, the feed subscribes to the venue's live-activity socket and
// emits trades on a channel the engine drains between poll cycles. Every
// trade still passes through the same dedup → enrich → match path, so the
// socket only lowers latency; the poll loop remains the source of truth for
// the cursor.
//
// The connection auto-reconnects with exponential backoff (1s → 30s max) and
// re-subscribes on reconnection. A read deadline (90s) ensures silent server
// failures are detected within ~2 missed pings.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"whale-alerts/pkg/types"
)

const (
	pingInterval     = 50 * time.Second // how often we send PING to keep alive
	readTimeout      = 90 * time.Second // ~2 missed pings triggers reconnect
	maxReconnectWait = 30 * time.Second // cap on exponential backoff
	writeTimeout     = 10 * time.Second // deadline for outgoing messages
	tradeBufferSize  = 512              // buffer for live trade events
)

// TradeFeed manages the live-activity WebSocket connection.
type TradeFeed struct {
	url    string
	conn   *websocket.Conn
	connMu sync.Mutex // protects conn reads/writes

	tradeCh chan types.Trade

	logger *slog.Logger
}

// NewTradeFeed creates a feed for the venue's live-activity socket.
func NewTradeFeed(wsURL string, logger *slog.Logger) *TradeFeed {
	return &TradeFeed{
		url:     wsURL,
		tradeCh: make(chan types.Trade, tradeBufferSize),
		logger:  logger.With("component", "ws_trades"),
	}
}

// Trades returns the read-only channel of live trades.
func (f *TradeFeed) Trades() <-chan types.Trade { return f.tradeCh }

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *TradeFeed) Run(ctx context.Context) error {
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

		// Exponential backoff: 1s, 2s, 4s, 8s, ..., 30s max
		backoff *= 2
		if backoff > maxReconnectWait {
			backoff = maxReconnectWait
		}
	}
}

// Close gracefully closes the connection.
func (f *TradeFeed) Close() error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *TradeFeed) connectAndRead(ctx context.Context) error {
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

	if err := f.subscribe(); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	f.logger.Info("websocket connected")

	// Start ping goroutine
	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go f.pingLoop(pingCtx)

	// Read loop with deadline so we reconnect if server goes silent
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

// wsSubscribeMsg is the initial subscription for the trades topic.
type wsSubscribeMsg struct {
	Action        string           `json:"action"`
	Subscriptions []wsSubscription `json:"subscriptions"`
}

type wsSubscription struct {
	Topic string `json:"topic"`
	Type  string `json:"type"`
}

func (f *TradeFeed) subscribe() error {
	return f.writeJSON(wsSubscribeMsg{
		Action: "subscribe",
		Subscriptions: []wsSubscription{
			{Topic: "activity", Type: "trades"},
		},
	})
}

// wsTradeEvent is one live trade message. The payload mirrors the data
// API's trade shape.
type wsTradeEvent struct {
	Topic   string   `json:"topic"`
	Type    string   `json:"type"`
	Payload apiTrade `json:"payload"`
}

func (f *TradeFeed) dispatchMessage(data []byte) {
	var evt wsTradeEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		f.logger.Debug("ignoring non-json ws message", "data", string(data))
		return
	}
	if evt.Type != "trades" {
		f.logger.Debug("ignoring event", "topic", evt.Topic, "type", evt.Type)
		return
	}
	if evt.Payload.TransactionHash == "" {
		return
	}
	side := types.Side(strings.ToUpper(evt.Payload.Side))
	if !side.Valid() {
		return
	}

	trade := types.Trade{
		TxHash:      evt.Payload.TransactionHash,
		ProxyWallet: normalizeWallet(evt.Payload.ProxyWallet),
		Side:        side,
		Size:        evt.Payload.Size,
		Price:       evt.Payload.Price,
		ConditionID: evt.Payload.ConditionID,
		Timestamp:   evt.Payload.Timestamp,
	}

	select {
	case f.tradeCh <- trade:
	default:
		f.logger.Warn("trade channel full, dropping event", "tx", trade.TxHash)
	}
}

func (f *TradeFeed) pingLoop(ctx context.Context) {
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

func (f *TradeFeed) writeJSON(v interface{}) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}

func (f *TradeFeed) writeMessage(msgType int, data []byte) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteMessage(msgType, data)
}
