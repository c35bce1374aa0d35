package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before reconnecting.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff.
	maxReconnectDelay = 60 * time.Second

	// resubscribePeriod is how often an open connection checks the market
	// catalog for additions to subscribe.
	resubscribePeriod = 30 * time.Second
)

// wsCommand is the subscribe message sent after connecting.
type wsCommand struct {
	Type    string   `json:"type"`
	Channel string   `json:"channel"`
	Markets []string `json:"markets"`
}

// wsQuote is the wire shape of a quote message. Prices are decimal strings.
type wsQuote struct {
	Event        string    `json:"event"`
	MarketID     string    `json:"market_id"`
	YesAsk       string    `json:"yes_ask"`
	NoAsk        string    `json:"no_ask"`
	ResolutionAt time.Time `json:"resolution_at"`
	Timestamp    time.Time `json:"timestamp"`
}

// WSFeed streams top-of-book quotes over a websocket and pushes each one
// through the adapter. The market set comes from a provider so catalog
// refreshes reach the live connection: additions are subscribed on the next
// resubscribe tick, and every reconnect subscribes the full current set. It
// reconnects with exponential backoff.
type WSFeed struct {
	url     string
	markets func() []string
	adapter *Adapter
	logger  *slog.Logger
}

// NewWSFeed creates a websocket feed. markets is called for the current
// catalog on connect and on every resubscribe tick.
func NewWSFeed(url string, markets func() []string, adapter *Adapter, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url:     url,
		markets: markets,
		adapter: adapter,
		logger:  logger.With(slog.String("component", "ws_feed")),
	}
}

// Run connects and streams until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

func (f *WSFeed) runConnection(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	sess := &wsSession{conn: conn, subscribed: make(map[string]struct{})}
	if err := f.subscribeNew(sess); err != nil {
		return err
	}

	// Close the connection when ctx ends so ReadMessage unblocks.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	go f.writeLoop(sess, stop)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(ctx, raw)
	}
}

// wsSession is the per-connection write state. mu serializes every write to
// the connection; subscribed tracks which markets this connection watches.
type wsSession struct {
	conn       *websocket.Conn
	mu         sync.Mutex
	subscribed map[string]struct{}
}

func (s *wsSession) write(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// subscribeNew subscribes every market the provider reports that this
// connection does not watch yet. A no-op when the catalog has no additions.
func (f *WSFeed) subscribeNew(sess *wsSession) error {
	var added []string
	for _, id := range f.markets() {
		if _, ok := sess.subscribed[id]; !ok {
			added = append(added, id)
		}
	}
	if len(added) == 0 {
		return nil
	}
	data, err := json.Marshal(wsCommand{Type: "subscribe", Channel: "quotes", Markets: added})
	if err != nil {
		return err
	}
	if err := sess.write(websocket.TextMessage, data); err != nil {
		return err
	}
	for _, id := range added {
		sess.subscribed[id] = struct{}{}
	}
	f.logger.Info("feed subscribed",
		slog.Int("added", len(added)),
		slog.Int("total", len(sess.subscribed)),
	)
	return nil
}

// writeLoop keeps the connection alive with pings and picks up market
// catalog additions while connected.
func (f *WSFeed) writeLoop(sess *wsSession, stop <-chan struct{}) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	resub := time.NewTicker(resubscribePeriod)
	defer resub.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ping.C:
			if err := sess.write(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-resub.C:
			if err := f.subscribeNew(sess); err != nil {
				return
			}
		}
	}
}

// handleMessage parses one quote message. Unparsable messages are dropped.
func (f *WSFeed) handleMessage(ctx context.Context, raw []byte) {
	var msg wsQuote
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	if msg.Event != "" && msg.Event != "quote" {
		return
	}
	yesAsk, err := decimal.NewFromString(msg.YesAsk)
	if err != nil {
		return
	}
	noAsk, err := decimal.NewFromString(msg.NoAsk)
	if err != nil {
		return
	}
	f.adapter.HandleSnapshot(ctx, Snapshot{
		MarketID:     msg.MarketID,
		YesAsk:       yesAsk,
		NoAsk:        noAsk,
		ResolutionAt: msg.ResolutionAt,
		Timestamp:    msg.Timestamp,
	})
}
