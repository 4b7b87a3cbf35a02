package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestQueueOrderAndOverflow(t *testing.T) {
	t.Parallel()
	q := NewQueue(3)
	q.Enqueue("a")
	q.Enqueue("b")
	q.Enqueue("c")
	q.Enqueue("d") // drops "a"

	if got := q.Len(); got != 3 {
		t.Fatalf("len = %d, want 3", got)
	}
	if got := q.Dropped(); got != 1 {
		t.Errorf("dropped = %d, want 1", got)
	}
	for _, want := range []string{"b", "c", "d"} {
		msg, err := q.Pop(context.Background())
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if msg.Text != want {
			t.Errorf("pop = %q, want %q", msg.Text, want)
		}
	}
}

func TestQueuePushFrontJumpsTheLine(t *testing.T) {
	t.Parallel()
	q := NewQueue(10)
	q.Enqueue("deal one")
	q.Enqueue("deal two")
	q.PushFront(Message{Text: "reply"})

	msg, err := q.Pop(context.Background())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if msg.Text != "reply" {
		t.Errorf("pop = %q, want the priority reply first", msg.Text)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	done := make(chan Message, 1)
	go func() {
		msg, err := q.Pop(context.Background())
		if err == nil {
			done <- msg
		}
	}()
	time.Sleep(10 * time.Millisecond)
	q.Enqueue("late")

	select {
	case msg := <-done:
		if msg.Text != "late" {
			t.Errorf("pop = %q, want %q", msg.Text, "late")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestQueuePopHonorsCancellation(t *testing.T) {
	t.Parallel()
	q := NewQueue(4)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := q.Pop(ctx); err == nil {
		t.Fatal("pop returned without error on cancelled context")
	}
}

func TestDispatcherDeliversToDefaultChat(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var bodies []map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/sendMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		json.Unmarshal(raw, &body)
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	queue := NewQueue(8)
	d := NewDispatcher(queue, config.BotConfig{Token: "token", ChatID: 99, BaseURL: server.URL}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	queue.Enqueue("deal opened")
	queue.Push(Message{ChatID: 7, Text: "reply"})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(bodies)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("delivered %d messages, want 2", n)
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if got := bodies[0]["chat_id"].(float64); got != 99 {
		t.Errorf("first chat_id = %v, want the configured default 99", got)
	}
	if got := bodies[0]["text"]; got != "deal opened" {
		t.Errorf("first text = %v", got)
	}
	if got := bodies[1]["chat_id"].(float64); got != 7 {
		t.Errorf("second chat_id = %v, want the explicit 7", got)
	}
}

func TestDispatcherRetriesOnThrottle(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprint(w, `{"ok":false,"parameters":{"retry_after":0}}`)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	queue := NewQueue(8)
	d := NewDispatcher(queue, config.BotConfig{Token: "token", ChatID: 1, BaseURL: server.URL}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go d.Run(ctx)

	queue.Enqueue("throttled once")

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := calls
		mu.Unlock()
		if n >= 2 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("calls = %d, want a retry after the 429", n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestDispatcherAcceptsUntypedJSONBody(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A 200 whose body is JSON but whose content type is not.
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	queue := NewQueue(8)
	d := NewDispatcher(queue, config.BotConfig{Token: "token", ChatID: 1, BaseURL: server.URL}, quietLogger())
	if err := d.send(context.Background(), Message{Text: "hi"}); err != nil {
		t.Fatalf("untyped 200 ok body classified as failure: %v", err)
	}
}

func TestPollerDecodesUntypedJSONBody(t *testing.T) {
	t.Parallel()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, `{"ok":true,"result":[{"update_id":3,"message":{"text":"/balance","chat":{"id":42}}}]}`)
	}))
	defer server.Close()

	store := cache.NewStore(cache.NewMemory(), time.Minute, time.Minute)
	p := NewPoller(config.BotConfig{Token: "token", BaseURL: server.URL}, store, NewQueue(8), &stubHandler{}, quietLogger())

	updates, err := p.fetchUpdates(context.Background(), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].UpdateID != 3 {
		t.Errorf("updates = %+v, want the one update decoded", updates)
	}
}

func TestDispatcherFinishesInFlightSendOnShutdown(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var aborted atomic.Bool
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
			aborted.Store(true)
		case <-time.After(200 * time.Millisecond):
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	defer server.Close()

	queue := NewQueue(8)
	d := NewDispatcher(queue, config.BotConfig{Token: "token", ChatID: 1, BaseURL: server.URL}, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	queue.Enqueue("in flight")
	<-started
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after shutdown")
	}
	if aborted.Load() {
		t.Error("shutdown aborted the in-flight send")
	}
}

type stubHandler struct {
	mu        sync.Mutex
	balances  int
	trades    []string
	previews  []string
	transfers []string
}

func (h *stubHandler) BalanceSummary(context.Context) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.balances++
	return "binance: OK\n  USDT 100.00000000"
}

func (h *stubHandler) Trade(_ context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.trades = append(h.trades, fmt.Sprintf("%s %s %s %s", venueID, side, amount, symbol))
	return "order placed", nil
}

func (h *stubHandler) PreviewTrade(_ context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.previews = append(h.previews, fmt.Sprintf("%s %s %s %s", venueID, side, amount, symbol))
	return "preview", nil
}

func (h *stubHandler) Transfer(_ context.Context, coin string, amount decimal.Decimal, fromVenue, toVenue string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.transfers = append(h.transfers, fmt.Sprintf("%s %s %s->%s", amount, coin, fromVenue, toVenue))
	return "transfer started", nil
}

func testPoller(handler CommandHandler) (*Poller, *Queue) {
	store := cache.NewStore(cache.NewMemory(), time.Minute, time.Minute)
	queue := NewQueue(8)
	p := NewPoller(config.BotConfig{Token: "token"}, store, queue, handler, quietLogger())
	return p, queue
}

func popText(t *testing.T, queue *Queue) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	msg, err := queue.Pop(ctx)
	if err != nil {
		t.Fatalf("no reply queued: %v", err)
	}
	return msg.Text
}

func TestPollerHandlesCommands(t *testing.T) {
	t.Parallel()
	handler := &stubHandler{}
	p, queue := testPoller(handler)
	ctx := context.Background()

	p.handle(ctx, 42, "/balance")
	if got := popText(t, queue); got != "binance: OK\n  USDT 100.00000000" {
		t.Errorf("balance reply = %q", got)
	}

	p.handle(ctx, 42, "/trade binance buy 0.5 BTC/USDT")
	if got := popText(t, queue); got != "order placed" {
		t.Errorf("trade reply = %q", got)
	}
	if want := "binance buy 0.5 BTC/USDT"; len(handler.trades) != 1 || handler.trades[0] != want {
		t.Errorf("trades = %v, want [%s]", handler.trades, want)
	}

	p.handle(ctx, 42, "/preview_trade kraken sell 2 ETH/USDT")
	if got := popText(t, queue); got != "preview" {
		t.Errorf("preview reply = %q", got)
	}

	p.handle(ctx, 42, "/transfer usdt 100 binance kraken")
	if got := popText(t, queue); got != "transfer started" {
		t.Errorf("transfer reply = %q", got)
	}
	if want := "100 USDT binance->kraken"; handler.transfers[0] != want {
		t.Errorf("transfer = %q, want %q", handler.transfers[0], want)
	}
}

func TestPollerRepromptsOnInvalidInput(t *testing.T) {
	t.Parallel()
	handler := &stubHandler{}
	p, queue := testPoller(handler)
	ctx := context.Background()

	for _, text := range []string{
		"/trade binance buy not-a-number BTC/USDT",
		"/trade binance hold 1 BTC/USDT",
		"/trade binance buy 1",
		"/trade binance buy -1 BTC/USDT",
	} {
		p.handle(ctx, 42, text)
		if got := popText(t, queue); got != usageTrade {
			t.Errorf("%q reply = %q, want the usage line", text, got)
		}
	}
	if len(handler.trades) != 0 {
		t.Errorf("invalid input reached the handler: %v", handler.trades)
	}

	p.handle(ctx, 42, "/transfer usdt zero binance kraken")
	if got := popText(t, queue); got != usageTransfer {
		t.Errorf("transfer reply = %q, want the usage line", got)
	}

	p.handle(ctx, 42, "/selfdestruct")
	if got := popText(t, queue); got == "" || got == usageTrade {
		t.Errorf("unknown command reply = %q", got)
	}

	p.handle(ctx, 42, "plain chatter")
	if queue.Len() != 0 {
		t.Error("non-command text queued a reply")
	}
}

func TestPollerAdvancesCursorAndSkipsReplays(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var offsets []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		offsets = append(offsets, r.URL.Query().Get("offset"))
		first := len(offsets) == 1
		mu.Unlock()
		if first {
			fmt.Fprint(w, `{"ok":true,"result":[
				{"update_id":7,"message":{"text":"/balance","chat":{"id":42}}},
				{"update_id":7,"message":{"text":"/balance","chat":{"id":42}}},
				{"update_id":8,"message":{"text":"/balance","chat":{"id":42}}}]}`)
			return
		}
		fmt.Fprint(w, `{"ok":true,"result":[]}`)
	}))
	defer server.Close()

	handler := &stubHandler{}
	store := cache.NewStore(cache.NewMemory(), time.Minute, time.Minute)
	queue := NewQueue(8)
	p := NewPoller(config.BotConfig{Token: "token", BaseURL: server.URL}, store, queue, handler, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(offsets)
		mu.Unlock()
		if n >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("poller never polled twice")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	mu.Lock()
	defer mu.Unlock()
	if offsets[0] != "1" {
		t.Errorf("initial offset = %s, want 1 with an empty cursor", offsets[0])
	}
	if offsets[1] != "9" {
		t.Errorf("second offset = %s, want 9 after update 8", offsets[1])
	}
	handler.mu.Lock()
	defer handler.mu.Unlock()
	if handler.balances != 2 {
		t.Errorf("handled %d commands, want 2 (duplicate update skipped)", handler.balances)
	}
	id, ok, err := store.GetLastUpdateID(context.Background())
	if err != nil || !ok || id != 8 {
		t.Errorf("cursor = %d ok=%v err=%v, want 8", id, ok, err)
	}
}
