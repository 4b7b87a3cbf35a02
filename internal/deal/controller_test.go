package deal

import (
	"context"
	"encoding/csv"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/cache"
	"arbwatch/internal/venue"
	"arbwatch/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type stubVenues struct {
	ids    []string
	client venue.Client
}

func (s stubVenues) AvailableIDs() []string { return s.ids }
func (s stubVenues) Get(venueID string) (venue.Client, error) {
	if s.client == nil {
		return nil, venue.ErrNotInitialized
	}
	return s.client, nil
}

// feeFreeClient satisfies venue.Client with just enough behavior for the
// trio loop: a zero-cost fee model.
type feeFreeClient struct{ id string }

func (c feeFreeClient) ID() string { return c.id }
func (c feeFreeClient) LoadMarkets(context.Context) (map[types.Symbol]types.Market, error) {
	return nil, nil
}
func (c feeFreeClient) HasMarket(types.Symbol) bool { return true }
func (c feeFreeClient) FetchOrderBook(context.Context, types.Symbol) (*types.OrderBookSnapshot, error) {
	return nil, venue.ErrUnsupported
}
func (c feeFreeClient) FetchOrderBooks(context.Context) (map[types.Symbol]*types.OrderBookSnapshot, error) {
	return nil, venue.ErrUnsupported
}
func (c feeFreeClient) WatchOrderBookForSymbols(context.Context, []types.Symbol) (map[types.Symbol]*types.OrderBookSnapshot, error) {
	return nil, venue.ErrUnsupported
}
func (c feeFreeClient) CalculateFee(symbol types.Symbol, side types.Side, amount, price decimal.Decimal) types.Fee {
	return types.Fee{Currency: symbol.Quote(), Cost: decimal.Zero}
}
func (c feeFreeClient) Authenticated() bool { return false }
func (c feeFreeClient) FetchBalance(context.Context) (types.Balances, error) {
	return nil, venue.ErrUnsupported
}
func (c feeFreeClient) CreateOrder(context.Context, types.Symbol, types.Side, decimal.Decimal) (string, error) {
	return "", venue.ErrUnsupported
}
func (c feeFreeClient) FetchDepositAddress(context.Context, string) (string, error) {
	return "", venue.ErrUnsupported
}
func (c feeFreeClient) Withdraw(context.Context, string, decimal.Decimal, string) (string, error) {
	return "", venue.ErrUnsupported
}
func (c feeFreeClient) Close() error { return nil }

type recordingNotifier struct {
	messages []string
}

func (n *recordingNotifier) Enqueue(text string) {
	n.messages = append(n.messages, text)
}

func snapshotWith(symbol types.Symbol, venueID string, asks, bids [][2]string) *types.OrderBookSnapshot {
	toLevels := func(rows [][2]string) []types.PriceLevel {
		levels := make([]types.PriceLevel, len(rows))
		for i, row := range rows {
			levels[i] = types.PriceLevel{Price: dec(row[0]), Volume: dec(row[1])}
		}
		return levels
	}
	return &types.OrderBookSnapshot{
		Symbol:     symbol,
		Venue:      venueID,
		Asks:       toLevels(asks),
		Bids:       toLevels(bids),
		ReceivedAt: time.Now().UTC(),
	}
}

type pairFixture struct {
	controller *Controller
	store      *cache.Store
	notifier   *recordingNotifier
	clock      *time.Time
}

func newPairFixture(t *testing.T) *pairFixture {
	t.Helper()
	store := cache.NewStore(cache.NewMemory(), time.Minute, time.Minute)
	notifier := &recordingNotifier{}
	clock := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	c := NewController(
		store,
		stubVenues{ids: []string{"binance", "kraken"}},
		notifier,
		NewCSVLog(t.TempDir(), ""),
		Thresholds{MinProfit: dec("10"), MinProfitPercentage: dec("1")},
		[]types.Symbol{"BTC/USDT"},
		nil,
		map[string]decimal.Decimal{"USDT": dec("100000")},
		slog.New(slog.DiscardHandler),
	)
	f := &pairFixture{controller: c, store: store, notifier: notifier, clock: &clock}
	c.now = func() time.Time { return *f.clock }
	return f
}

func (f *pairFixture) seed(t *testing.T, askPrice, bidPrice, volume string) {
	t.Helper()
	ctx := context.Background()
	if err := f.store.SetBalance(ctx, "USDT", dec("100000")); err != nil {
		t.Fatal(err)
	}
	buy := snapshotWith("BTC/USDT", "binance", [][2]string{{askPrice, volume}}, [][2]string{{"1", "1"}})
	sell := snapshotWith("BTC/USDT", "kraken", [][2]string{{"999999", "1"}}, [][2]string{{bidPrice, volume}})
	if err := f.store.SetOrderBook(ctx, buy); err != nil {
		t.Fatal(err)
	}
	if err := f.store.SetOrderBook(ctx, sell); err != nil {
		t.Fatal(err)
	}
}

func (f *pairFixture) tick(t *testing.T) types.DealEvent {
	t.Helper()
	ctx := context.Background()
	f.controller.pairTick(ctx, "BTC/USDT")
	event, err := f.store.GetDeal(ctx, "BTC/USDT", "binance", "kraken")
	if err != nil {
		t.Fatal(err)
	}
	return event
}

func TestPairTickNoopUnderSpread(t *testing.T) {
	t.Parallel()
	f := newPairFixture(t)
	f.seed(t, "100", "99", "2")

	event := f.tick(t)
	if event.Type != types.DealNoop {
		t.Errorf("type = %s, want noop", event.Type)
	}
	if len(f.notifier.messages) != 0 {
		t.Errorf("noop must not notify: %v", f.notifier.messages)
	}
}

func TestPairTickOpensAndNotifies(t *testing.T) {
	t.Parallel()
	f := newPairFixture(t)
	f.seed(t, "100", "105", "2")

	event := f.tick(t)
	if event.Type != types.DealOpen {
		t.Fatalf("type = %s, want open", event.Type)
	}
	// 2 base bought for 200, sold for 210.
	if !event.Profit.Equal(dec("10")) {
		t.Errorf("profit = %s, want 10", event.Profit)
	}
	if !event.ProfitPercentage.Equal(dec("5")) {
		t.Errorf("percentage = %s, want 5", event.ProfitPercentage)
	}
	if !event.TSOpen.Equal(event.TS) {
		t.Error("open must stamp ts_open = ts")
	}
	if len(f.notifier.messages) != 1 || !strings.HasPrefix(f.notifier.messages[0], "\U0001F7E2") {
		t.Errorf("expected one green-marked message, got %v", f.notifier.messages)
	}
}

func TestPairTickOpenUpdateClose(t *testing.T) {
	t.Parallel()
	f := newPairFixture(t)

	f.seed(t, "100", "105", "5")
	open := f.tick(t)
	if open.Type != types.DealOpen {
		t.Fatalf("first tick = %s, want open", open.Type)
	}

	// Profit shrinks (5 base * 4 = 20) but stays above both floors.
	*f.clock = f.clock.Add(10 * time.Second)
	f.seed(t, "100", "104", "5")
	update := f.tick(t)
	if update.Type != types.DealUpdate {
		t.Fatalf("second tick = %s, want update", update.Type)
	}
	if !update.TSOpen.Equal(open.TSOpen) {
		t.Error("update moved ts_open")
	}
	if len(f.notifier.messages) != 1 {
		t.Errorf("update must not notify, messages = %v", f.notifier.messages)
	}

	*f.clock = f.clock.Add(10 * time.Second)
	f.seed(t, "100", "99", "5")
	closeEvent := f.tick(t)
	if closeEvent.Type != types.DealClose {
		t.Fatalf("third tick = %s, want close", closeEvent.Type)
	}
	if closeEvent.Threshold {
		t.Error("close must clear threshold")
	}
	if closeEvent.TSClose == nil || !closeEvent.TSClose.Equal(update.TS) {
		t.Errorf("ts_close = %v, want the prior ts %v", closeEvent.TSClose, update.TS)
	}
	if len(f.notifier.messages) != 2 || !strings.HasPrefix(f.notifier.messages[1], "\U0001F534") {
		t.Errorf("close must notify with the red marker: %v", f.notifier.messages)
	}
}

func TestPairTickSkipsMissingBooks(t *testing.T) {
	t.Parallel()
	f := newPairFixture(t)
	ctx := context.Background()
	if err := f.store.SetBalance(ctx, "USDT", dec("100000")); err != nil {
		t.Fatal(err)
	}
	// Only one venue has a book; no pair can form.
	buy := snapshotWith("BTC/USDT", "binance", [][2]string{{"100", "2"}}, nil)
	if err := f.store.SetOrderBook(ctx, buy); err != nil {
		t.Fatal(err)
	}

	f.controller.pairTick(ctx, "BTC/USDT")
	if len(f.notifier.messages) != 0 {
		t.Errorf("no evaluable pair, but notified: %v", f.notifier.messages)
	}
}

func TestPairTickZeroBalanceIsSilent(t *testing.T) {
	t.Parallel()
	f := newPairFixture(t)
	// Balance never seeded: quote balance reads zero.
	f.controller.pairTick(context.Background(), "BTC/USDT")
	if len(f.notifier.messages) != 0 {
		t.Errorf("zero balance must not evaluate: %v", f.notifier.messages)
	}
}

func TestTrioTickOpensOnFavorableCycle(t *testing.T) {
	t.Parallel()
	store := cache.NewStore(cache.NewMemory(), time.Minute, time.Minute)
	notifier := &recordingNotifier{}
	cycle := []types.TrioLeg{
		{Venue: "bitget", Side: types.Buy, Symbol: "BTC/USDT"},
		{Venue: "bitget", Side: types.Sell, Symbol: "BTC/ETH"},
		{Venue: "bitget", Side: types.Sell, Symbol: "ETH/USDT"},
	}
	c := NewController(
		store,
		stubVenues{ids: []string{"bitget"}, client: feeFreeClient{id: "bitget"}},
		notifier,
		nil,
		Thresholds{MinProfit: dec("10"), MinProfitPercentage: dec("1")},
		nil,
		[][]types.TrioLeg{cycle},
		map[string]decimal.Decimal{"USDT": dec("100000")},
		slog.New(slog.DiscardHandler),
	)
	ctx := context.Background()

	books := []*types.OrderBookSnapshot{
		snapshotWith("BTC/USDT", "bitget", [][2]string{{"50000", "2"}}, nil),
		snapshotWith("BTC/ETH", "bitget", nil, [][2]string{{"20", "2"}}),
		snapshotWith("ETH/USDT", "bitget", nil, [][2]string{{"2600", "40"}}),
	}
	for _, book := range books {
		if err := store.SetOrderBook(ctx, book); err != nil {
			t.Fatal(err)
		}
	}

	c.trioTick(ctx, cycle)

	event, err := store.GetTrioDeal(ctx, cycle)
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != types.DealOpen {
		t.Fatalf("type = %s, want open", event.Type)
	}
	if !event.Profit.Equal(dec("4000")) {
		t.Errorf("profit = %s, want 4000", event.Profit)
	}
	if event.ProfitCoin != "USDT" {
		t.Errorf("profit coin = %s, want USDT", event.ProfitCoin)
	}
	if len(notifier.messages) != 1 {
		t.Errorf("open must notify once, got %v", notifier.messages)
	}
}

func TestTrioTickMissingBookIsSilent(t *testing.T) {
	t.Parallel()
	store := cache.NewStore(cache.NewMemory(), time.Minute, time.Minute)
	notifier := &recordingNotifier{}
	cycle := []types.TrioLeg{
		{Venue: "bitget", Side: types.Buy, Symbol: "BTC/USDT"},
		{Venue: "bitget", Side: types.Sell, Symbol: "BTC/ETH"},
		{Venue: "bitget", Side: types.Sell, Symbol: "ETH/USDT"},
	}
	c := NewController(
		store,
		stubVenues{ids: []string{"bitget"}, client: feeFreeClient{id: "bitget"}},
		notifier, nil,
		Thresholds{MinProfit: dec("10"), MinProfitPercentage: dec("1")},
		nil, [][]types.TrioLeg{cycle},
		map[string]decimal.Decimal{"USDT": dec("100000")},
		slog.New(slog.DiscardHandler),
	)
	ctx := context.Background()

	// Only the first leg has a book.
	if err := store.SetOrderBook(ctx, snapshotWith("BTC/USDT", "bitget", [][2]string{{"50000", "2"}}, nil)); err != nil {
		t.Fatal(err)
	}
	c.trioTick(ctx, cycle)

	event, err := store.GetTrioDeal(ctx, cycle)
	if err != nil {
		t.Fatal(err)
	}
	if event.Type != types.DealNoop {
		t.Errorf("incomplete cycle must stay noop, got %s", event.Type)
	}
	if len(notifier.messages) != 0 {
		t.Errorf("incomplete cycle notified: %v", notifier.messages)
	}
}

func TestCSVLogWritesHeaderOnce(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	log := NewCSVLog(dir, "test_")

	closed := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	event := types.DealEvent{
		TS:               time.Date(2026, 8, 25, 12, 0, 40, 0, time.UTC),
		TSOpen:           time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		TSClose:          &closed,
		Type:             types.DealClose,
		Symbol:           "BTC/USDT",
		Profit:           dec("10"),
		ProfitPercentage: dec("5"),
		BuyVenue:         "binance",
		BuyTotalQuote:    dec("200"),
		BuyTotalBase:     dec("2"),
		SellVenue:        "kraken",
		SellTotalQuote:   dec("210"),
		Duration:         "40s",
	}
	if err := log.AppendClose(event); err != nil {
		t.Fatal(err)
	}
	if err := log.AppendClose(event); err != nil {
		t.Fatal(err)
	}

	path := dir + "/test_deals_BTC-USDT_2026-08-25.csv"
	file, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 events", len(rows))
	}
	if rows[0][0] != "ts" || rows[0][7] != "buy_exchange" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "BTC/USDT" || rows[1][5] != "10" || rows[1][8] != "200" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestCSVLogTrioCloseGoesToVenueFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	log := NewCSVLog(dir, "")

	closed := time.Date(2026, 8, 25, 12, 0, 30, 0, time.UTC)
	event := types.DealEvent{
		TS:               time.Date(2026, 8, 25, 12, 0, 40, 0, time.UTC),
		TSOpen:           time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
		TSClose:          &closed,
		Type:             types.DealClose,
		Symbol:           "BTC/USDT",
		Profit:           dec("4000"),
		ProfitCoin:       "USDT",
		ProfitPercentage: dec("4"),
		Legs: []types.TrioLeg{
			{Venue: "bitget", Side: types.Buy, Symbol: "BTC/USDT"},
			{Venue: "bitget", Side: types.Sell, Symbol: "BTC/ETH"},
			{Venue: "bitget", Side: types.Sell, Symbol: "ETH/USDT"},
		},
		Duration: "40s",
	}
	if err := log.AppendTrioClose(event); err != nil {
		t.Fatal(err)
	}

	file, err := os.Open(dir + "/trio_deals_bitget_2026-08-25.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want header + 1 event", len(rows))
	}
	if rows[0][1] != "exchange" || rows[0][2] != "cycle" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "bitget" || rows[1][6] != "4000" || rows[1][7] != "USDT" {
		t.Errorf("row = %v", rows[1])
	}
	if rows[1][2] != types.TrioKey(event.Legs) {
		t.Errorf("cycle = %q", rows[1][2])
	}
}
