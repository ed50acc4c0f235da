// feed.go implements the optional live price feed.
//
// The CLOB market WebSocket channel streams book snapshots and price
// changes per asset (token) ID. Between engine cycles the feed keeps a
// last-known mid per subscribed token; MidProb consults this cache before
// falling back to an HTTP midpoint read. The feed auto-reconnects with
// exponential backoff (1s → 30s max) and re-subscribes to all tracked
// tokens on reconnection. A read deadline detects silent server failures.
package polymarket

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	feedPingInterval     = 50 * time.Second
	feedReadTimeout      = 90 * time.Second
	feedWriteTimeout     = 10 * time.Second
	feedMaxReconnectWait = 30 * time.Second

	// midFreshness bounds how old a cached mid may be before MidProb falls
	// back to an HTTP read.
	midFreshness = 2 * time.Minute
)

type cachedMid struct {
	mid float64
	at  time.Time
}

// Feed maintains the market-channel WebSocket connection and the mid cache.
type Feed struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // token IDs

	midsMu sync.RWMutex
	mids   map[string]cachedMid

	logger *slog.Logger
}

// NewFeed creates a market price feed for the given WebSocket URL.
func NewFeed(wsURL string, logger *slog.Logger) *Feed {
	return &Feed{
		url:        wsURL,
		subscribed: make(map[string]bool),
		mids:       make(map[string]cachedMid),
		logger:     logger.With("component", "market_feed"),
	}
}

// LastMid returns the cached mid for a token if one was seen recently.
func (f *Feed) LastMid(tokenID string) (float64, bool) {
	f.midsMu.RLock()
	defer f.midsMu.RUnlock()
	c, ok := f.mids[tokenID]
	if !ok || time.Since(c.at) > midFreshness {
		return 0, false
	}
	return c.mid, true
}

// Subscribe registers token IDs and, when connected, sends the subscribe
// frame. Registered tokens survive reconnects.
func (f *Feed) Subscribe(tokenIDs []string) {
	f.subscribedMu.Lock()
	fresh := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == "" || f.subscribed[id] {
			continue
		}
		f.subscribed[id] = true
		fresh = append(fresh, id)
	}
	f.subscribedMu.Unlock()

	if len(fresh) > 0 {
		f.sendSubscribe(fresh)
	}
}

// Run connects and maintains the WebSocket connection with auto-reconnect.
// Blocks until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	backoff := time.Second

	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.logger.Warn("feed disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		backoff *= 2
		if backoff > feedMaxReconnectWait {
			backoff = feedMaxReconnectWait
		}
	}
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()

	defer func() {
		f.connMu.Lock()
		f.conn = nil
		f.connMu.Unlock()
		conn.Close()
	}()

	// Re-subscribe everything we track
	f.subscribedMu.RLock()
	tokens := make([]string, 0, len(f.subscribed))
	for id := range f.subscribed {
		tokens = append(tokens, id)
	}
	f.subscribedMu.RUnlock()
	if len(tokens) > 0 {
		f.sendSubscribe(tokens)
	}

	// Keep-alive pings
	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go func() {
		ticker := time.NewTicker(feedPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingCtx.Done():
				return
			case <-ticker.C:
				f.writeMessage([]byte("PING"))
			}
		}
	}()

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(feedReadTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(data)
	}
}

func (f *Feed) sendSubscribe(tokenIDs []string) {
	msg, err := json.Marshal(map[string]any{
		"type":       "market",
		"assets_ids": tokenIDs,
	})
	if err != nil {
		return
	}
	f.writeMessage(msg)
}

func (f *Feed) writeMessage(data []byte) {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return
	}
	f.conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
	if err := f.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		f.logger.Debug("feed write failed", "error", err)
	}
}

// feedEvent covers the book and price_change message shapes; both carry
// best bid/ask we can derive a mid from.
type feedEvent struct {
	EventType string `json:"event_type"`
	AssetID   string `json:"asset_id"`
	Bids      []struct {
		Price string `json:"price"`
	} `json:"bids"`
	Asks []struct {
		Price string `json:"price"`
	} `json:"asks"`
	PriceChanges []struct {
		AssetID string `json:"asset_id"`
		BestBid string `json:"best_bid"`
		BestAsk string `json:"best_ask"`
	} `json:"price_changes"`
}

func (f *Feed) handleMessage(data []byte) {
	// Server may batch events in an array.
	var events []feedEvent
	if err := json.Unmarshal(data, &events); err != nil {
		var single feedEvent
		if err := json.Unmarshal(data, &single); err != nil {
			return
		}
		events = []feedEvent{single}
	}

	for _, evt := range events {
		switch evt.EventType {
		case "book":
			// Level ordering is not guaranteed across snapshots; scan for
			// the highest bid and lowest ask.
			bid := 0.0
			for _, l := range evt.Bids {
				if p, err := strconv.ParseFloat(l.Price, 64); err == nil && p > bid {
					bid = p
				}
			}
			ask := 0.0
			for _, l := range evt.Asks {
				if p, err := strconv.ParseFloat(l.Price, 64); err == nil && (ask == 0 || p < ask) {
					ask = p
				}
			}
			f.storeMid(evt.AssetID, bid, ask)
		case "price_change":
			for _, pc := range evt.PriceChanges {
				bid, _ := strconv.ParseFloat(pc.BestBid, 64)
				ask, _ := strconv.ParseFloat(pc.BestAsk, 64)
				f.storeMid(pc.AssetID, bid, ask)
			}
		}
	}
}

func (f *Feed) storeMid(tokenID string, bid, ask float64) {
	if tokenID == "" || bid <= 0 || ask <= 0 || ask <= bid {
		return
	}
	mid := (bid + ask) / 2
	if mid <= 0 || mid >= 1 {
		return
	}
	f.midsMu.Lock()
	f.mids[tokenID] = cachedMid{mid: mid, at: time.Now()}
	f.midsMu.Unlock()
}
