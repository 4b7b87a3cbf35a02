package deal

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/internal/cache"
	"arbwatch/internal/match"
	"arbwatch/internal/venue"
	"arbwatch/pkg/types"
)

// tickInterval paces every deal loop.
const tickInterval = 500 * time.Millisecond

const (
	openIcon  = "\U0001F7E2"
	closeIcon = "\U0001F534"
)

// VenueSource is the slice of the registry the controller needs.
type VenueSource interface {
	AvailableIDs() []string
	Get(venueID string) (venue.Client, error)
}

// Notifier enqueues a user-facing message for the dispatcher.
type Notifier interface {
	Enqueue(text string)
}

// Thresholds is the actionability predicate: a deal is worth surfacing
// when profit and percentage both clear their floors.
type Thresholds struct {
	MinProfit           decimal.Decimal
	MinProfitPercentage decimal.Decimal
}

func (t Thresholds) Met(profit, percentage decimal.Decimal) bool {
	return profit.GreaterThanOrEqual(t.MinProfit) &&
		percentage.GreaterThanOrEqual(t.MinProfitPercentage)
}

// Controller drives the deal state machine: one loop per configured
// symbol (pair arbitrage across venues) and one per triangular cycle.
// It is the only writer of deal state.
type Controller struct {
	store      *cache.Store
	venues     VenueSource
	notifier   Notifier
	csvLog     *CSVLog
	thresholds Thresholds

	symbols  []types.Symbol
	cycles   [][]types.TrioLeg
	starting map[string]decimal.Decimal

	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup
}

func NewController(
	store *cache.Store,
	venues VenueSource,
	notifier Notifier,
	csvLog *CSVLog,
	thresholds Thresholds,
	symbols []types.Symbol,
	cycles [][]types.TrioLeg,
	starting map[string]decimal.Decimal,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		store:      store,
		venues:     venues,
		notifier:   notifier,
		csvLog:     csvLog,
		thresholds: thresholds,
		symbols:    symbols,
		cycles:     cycles,
		starting:   starting,
		logger:     logger.With("component", "deal"),
		now:        time.Now,
	}
}

// Start launches one loop per symbol and per trio cycle.
func (c *Controller) Start(ctx context.Context) {
	for _, symbol := range c.symbols {
		c.wg.Add(1)
		go func(symbol types.Symbol) {
			defer c.wg.Done()
			c.loop(ctx, c.logger.With("symbol", symbol), func(ctx context.Context) {
				c.pairTick(ctx, symbol)
			})
		}(symbol)
	}
	for _, cycle := range c.cycles {
		c.wg.Add(1)
		go func(cycle []types.TrioLeg) {
			defer c.wg.Done()
			c.loop(ctx, c.logger.With("cycle", types.TrioKey(cycle)), func(ctx context.Context) {
				c.trioTick(ctx, cycle)
			})
		}(cycle)
	}
	c.logger.Info("deal loops started", "symbols", len(c.symbols), "cycles", len(c.cycles))
}

// Wait blocks until every loop has exited.
func (c *Controller) Wait() { c.wg.Wait() }

func (c *Controller) loop(ctx context.Context, logger *slog.Logger, tick func(ctx context.Context)) {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("deal tick panicked", "panic", r)
				}
			}()
			tick(ctx)
		}()
	}
}

// pairTick evaluates every ordered venue pair for one symbol.
func (c *Controller) pairTick(ctx context.Context, symbol types.Symbol) {
	quoteBalance, err := c.store.GetBalance(ctx, symbol.Quote())
	if err != nil {
		c.logger.Error("balance read failed", "symbol", symbol, "error", err)
		return
	}
	if !quoteBalance.IsPositive() {
		return
	}

	venues := c.venues.AvailableIDs()
	books := make(map[string]*types.OrderBookSnapshot, len(venues))
	for _, id := range venues {
		book, err := c.store.GetOrderBook(ctx, symbol, id)
		if err != nil {
			c.logger.Error("book read failed", "symbol", symbol, "venue", id, "error", err)
			continue
		}
		books[id] = book
	}

	for _, buyVenue := range venues {
		buyBook := books[buyVenue]
		if buyBook == nil || len(buyBook.Asks) == 0 {
			continue
		}
		for _, sellVenue := range venues {
			if sellVenue == buyVenue {
				continue
			}
			sellBook := books[sellVenue]
			if sellBook == nil || len(sellBook.Bids) == 0 {
				continue
			}
			c.evaluatePair(ctx, symbol, buyBook, sellBook, quoteBalance)
		}
	}
}

func (c *Controller) evaluatePair(ctx context.Context, symbol types.Symbol, buyBook, sellBook *types.OrderBookSnapshot, quoteBalance decimal.Decimal) {
	outcome := match.Pair(buyBook, sellBook, quoteBalance)

	candidate := types.DealEvent{
		TS:               c.now().UTC(),
		Threshold:        c.thresholds.Met(outcome.Profit, outcome.ProfitPercentage),
		Symbol:           symbol,
		Profit:           outcome.Profit,
		ProfitCoin:       symbol.Quote(),
		ProfitPercentage: outcome.ProfitPercentage,
		BuyVenue:         outcome.BuyVenue,
		BuyTotalQuote:    outcome.BuyTotalQuote,
		BuyTotalBase:     outcome.BuyTotalBase,
		SellVenue:        outcome.SellVenue,
		SellTotalQuote:   outcome.SellTotalQuote,
	}

	prior, err := c.store.GetDeal(ctx, symbol, buyBook.Venue, sellBook.Venue)
	if err != nil {
		c.logger.Error("deal state read failed", "symbol", symbol, "error", err)
		return
	}

	next := Transition(prior, candidate)
	if next.Type != types.DealNoop {
		next.Message = pairMessage(next)
	}
	if err := c.store.SetDeal(ctx, symbol, buyBook.Venue, sellBook.Venue, next); err != nil {
		c.logger.Error("deal state write failed", "symbol", symbol, "error", err)
		return
	}
	c.emit(next)
}

// trioTick evaluates one triangular cycle on its venue.
func (c *Controller) trioTick(ctx context.Context, cycle []types.TrioLeg) {
	legs := make([]match.Leg, len(cycle))
	fees := make(map[string]match.FeeCalculator, 1)
	for i, leg := range cycle {
		book, err := c.store.GetOrderBook(ctx, leg.Symbol, leg.Venue)
		if err != nil || book == nil {
			return
		}
		if len(book.Asks) == 0 && len(book.Bids) == 0 {
			return
		}
		if _, ok := fees[leg.Venue]; !ok {
			client, err := c.venues.Get(leg.Venue)
			if err != nil {
				return
			}
			fees[leg.Venue] = client
		}
		legs[i] = match.Leg{Venue: leg.Venue, Side: leg.Side, Book: book}
	}

	first := cycle[0]
	initial := map[string]types.Balances{first.Venue: types.Balances(c.starting).Copy()}

	engine := match.NewEngine(fees)
	result, err := engine.Calculate(initial, legs)
	if err != nil {
		c.logger.Error("trio calculation failed", "cycle", types.TrioKey(cycle), "error", err)
		return
	}

	candidate := types.DealEvent{
		TS:               c.now().UTC(),
		Threshold:        c.thresholds.Met(result.Profit, result.ProfitPercentage),
		Symbol:           first.Symbol,
		Profit:           result.Profit,
		ProfitCoin:       result.ProfitCoin,
		ProfitPercentage: result.ProfitPercentage,
		Legs:             cycle,
	}

	prior, err := c.store.GetTrioDeal(ctx, cycle)
	if err != nil {
		c.logger.Error("trio state read failed", "cycle", types.TrioKey(cycle), "error", err)
		return
	}

	next := Transition(prior, candidate)
	if next.Type != types.DealNoop {
		next.Message = trioMessage(next)
	}
	if err := c.store.SetTrioDeal(ctx, cycle, next); err != nil {
		c.logger.Error("trio state write failed", "cycle", types.TrioKey(cycle), "error", err)
		return
	}
	c.emit(next)
}

// emit applies the emission policy: open and close reach the user, update
// is logged only, noop is silent.
func (c *Controller) emit(event types.DealEvent) {
	switch event.Type {
	case types.DealNoop:
		return
	case types.DealOpen:
		c.logger.Info("deal event", "type", event.Type, "symbol", event.Symbol, "profit", event.Profit)
		c.notifier.Enqueue(openIcon + " " + event.Message)
	case types.DealClose:
		c.logger.Info("deal event", "type", event.Type, "symbol", event.Symbol, "profit", event.Profit)
		c.notifier.Enqueue(closeIcon + " " + event.Message)
		if c.csvLog != nil {
			append := c.csvLog.AppendClose
			if len(event.Legs) > 0 {
				append = c.csvLog.AppendTrioClose
			}
			if err := append(event); err != nil {
				c.logger.Error("deal log append failed", "symbol", event.Symbol, "error", err)
			}
		}
	default: // update
		c.logger.Info("deal event", "type", event.Type, "symbol", event.Symbol, "profit", event.Profit)
	}
}

func eventVerb(t types.DealType) string {
	switch t {
	case types.DealOpen:
		return "opened"
	case types.DealClose:
		return "closed"
	default:
		return "updated"
	}
}

func gainNoun(profit decimal.Decimal) string {
	if profit.IsNegative() {
		return "loss"
	}
	return "profit"
}

func pairMessage(e types.DealEvent) string {
	base, quote := e.Symbol.Base(), e.Symbol.Quote()
	return fmt.Sprintf(
		"Deal %s, making a %s of %s %s (%s%%), at %s convert %s %s to %s %s, transfer to %s and finally sell back to %s for %s, took %s",
		eventVerb(e.Type), gainNoun(e.Profit), e.Profit, quote, e.ProfitPercentage,
		e.BuyVenue, e.BuyTotalQuote, quote, e.BuyTotalBase, base,
		e.SellVenue, quote, e.SellTotalQuote, e.Duration,
	)
}

func trioMessage(e types.DealEvent) string {
	legs := ""
	for i, leg := range e.Legs {
		if i > 0 {
			legs += ", "
		}
		legs += string(leg.Side) + " " + string(leg.Symbol)
	}
	venueID := ""
	if len(e.Legs) > 0 {
		venueID = e.Legs[0].Venue
	}
	return fmt.Sprintf(
		"Triangular deal %s at %s, making a %s of %s %s (%s%%) over %s, took %s",
		eventVerb(e.Type), venueID, gainNoun(e.Profit), e.Profit, e.ProfitCoin,
		e.ProfitPercentage, legs, e.Duration,
	)
}
