package venue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"arbwatch/pkg/types"
)

const (
	wsReadTimeout      = 90 * time.Second
	wsWriteTimeout     = 10 * time.Second
	wsMaxReconnectWait = 30 * time.Second
)

// depthFeed maintains one websocket connection per venue and accumulates
// depth snapshots for the symbols it is subscribed to. Watch drains the
// accumulated snapshots; the read loop reconnects with exponential backoff
// and re-subscribes after every reconnect.
type depthFeed struct {
	desc   *descriptor
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	mu         sync.Mutex
	subscribed map[types.Symbol]bool
	pending    map[types.Symbol]*types.OrderBookSnapshot
	notify     chan struct{}

	runOnce   sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newDepthFeed(desc *descriptor, logger *slog.Logger) *depthFeed {
	return &depthFeed{
		desc:       desc,
		logger:     logger.With("component", "depth_feed"),
		subscribed: make(map[types.Symbol]bool),
		pending:    make(map[types.Symbol]*types.OrderBookSnapshot),
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Watch subscribes to any new symbols in the group and blocks until at
// least one of the group's snapshots is available, returning everything
// accumulated for the group since the previous call.
func (f *depthFeed) Watch(ctx context.Context, symbols []types.Symbol) (map[types.Symbol]*types.OrderBookSnapshot, error) {
	f.runOnce.Do(func() {
		runCtx, cancel := context.WithCancel(context.Background())
		f.cancel = cancel
		go f.run(runCtx)
	})

	if err := f.subscribe(symbols); err != nil {
		// The connection may be mid-reconnect; the initial subscription
		// after reconnect covers the new symbols.
		f.logger.Debug("subscribe deferred to reconnect", "error", err)
	}

	want := make(map[types.Symbol]bool, len(symbols))
	for _, symbol := range symbols {
		want[symbol] = true
	}

	for {
		f.mu.Lock()
		books := make(map[types.Symbol]*types.OrderBookSnapshot)
		for symbol, snapshot := range f.pending {
			if want[symbol] {
				books[symbol] = snapshot
				delete(f.pending, symbol)
			}
		}
		f.mu.Unlock()
		if len(books) > 0 {
			return books, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.done:
			return nil, fmt.Errorf("%s: depth feed closed", f.desc.id)
		case <-f.notify:
		}
	}
}

// subscribe records symbols as tracked and, when connected, sends the
// subscription frames for the ones not yet subscribed.
func (f *depthFeed) subscribe(symbols []types.Symbol) error {
	f.mu.Lock()
	fresh := make([]types.Symbol, 0, len(symbols))
	for _, symbol := range symbols {
		if !f.subscribed[symbol] {
			f.subscribed[symbol] = true
			fresh = append(fresh, symbol)
		}
	}
	f.mu.Unlock()

	if len(fresh) == 0 {
		return nil
	}
	for _, msg := range f.desc.wsSubscriptions(fresh) {
		if err := f.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *depthFeed) run(ctx context.Context) {
	backoff := time.Second
	for {
		err := f.connectAndRead(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("depth stream disconnected, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > wsMaxReconnectWait {
			backoff = wsMaxReconnectWait
		}
	}
}

func (f *depthFeed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.desc.wsURL, nil)
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

	f.mu.Lock()
	tracked := make([]types.Symbol, 0, len(f.subscribed))
	for symbol := range f.subscribed {
		tracked = append(tracked, symbol)
	}
	f.mu.Unlock()
	if len(tracked) > 0 {
		for _, msg := range f.desc.wsSubscriptions(tracked) {
			if err := f.writeJSON(msg); err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
		}
	}

	f.logger.Info("depth stream connected", "symbols", len(tracked))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.handleFrame(msg)
	}
}

func (f *depthFeed) handleFrame(msg []byte) {
	symbol, asks, bids, ok, err := f.desc.wsParseDepth(msg)
	if err != nil {
		f.logger.Error("bad depth frame", "error", err)
		return
	}
	if !ok {
		return
	}

	snapshot := &types.OrderBookSnapshot{
		Symbol:     symbol,
		Venue:      f.desc.id,
		Asks:       asks,
		Bids:       bids,
		ReceivedAt: time.Now().UTC(),
	}

	f.mu.Lock()
	f.pending[symbol] = snapshot
	f.mu.Unlock()

	select {
	case f.notify <- struct{}{}:
	default:
	}
}

func (f *depthFeed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("websocket not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return f.conn.WriteJSON(v)
}

// Close stops the read loop and drops the connection.
func (f *depthFeed) Close() error {
	if f.cancel != nil {
		f.cancel()
	}
	f.closeOnce.Do(func() { close(f.done) })
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}
