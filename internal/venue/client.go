package venue

import (
	"context"

	"github.com/shopspring/decimal"

	"arbwatch/pkg/types"
)

// Client is the capability surface of one venue. Ingestion plans own their
// client exclusively; the matching engine only ever calls CalculateFee,
// which must stay synchronous and network-free.
type Client interface {
	// ID returns the venue identifier, e.g. "binance".
	ID() string

	// LoadMarkets fetches the venue's market metadata. Called once during
	// Registry.Setup under the bounded retry policy.
	LoadMarkets(ctx context.Context) (map[types.Symbol]types.Market, error)

	// HasMarket reports whether the venue lists the symbol. Valid after
	// LoadMarkets.
	HasMarket(symbol types.Symbol) bool

	// FetchOrderBook returns one symbol's book (single mode).
	FetchOrderBook(ctx context.Context, symbol types.Symbol) (*types.OrderBookSnapshot, error)

	// FetchOrderBooks returns every market's book in one call (all mode).
	FetchOrderBooks(ctx context.Context) (map[types.Symbol]*types.OrderBookSnapshot, error)

	// WatchOrderBookForSymbols streams books for a symbol group (batch
	// mode). It blocks until at least one snapshot arrives and returns
	// whatever accumulated; it may suspend arbitrarily long.
	WatchOrderBookForSymbols(ctx context.Context, symbols []types.Symbol) (map[types.Symbol]*types.OrderBookSnapshot, error)

	// CalculateFee prices a hypothetical order of amount base units at
	// price. Synchronous; no I/O.
	CalculateFee(symbol types.Symbol, side types.Side, amount, price decimal.Decimal) types.Fee

	// Authenticated reports whether credentials were present at setup.
	Authenticated() bool

	// FetchBalance returns the venue account's free balances. Requires auth.
	FetchBalance(ctx context.Context) (types.Balances, error)

	// CreateOrder places a market order and returns the venue order id.
	// Requires auth.
	CreateOrder(ctx context.Context, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error)

	// FetchDepositAddress returns the venue's deposit address for a coin.
	// Requires auth.
	FetchDepositAddress(ctx context.Context, coin string) (string, error)

	// Withdraw moves amount of coin to address and returns the transfer id.
	// Requires auth.
	Withdraw(ctx context.Context, coin string, amount decimal.Decimal, address string) (string, error)

	// Close releases the client's connections. Safe to call more than once.
	Close() error
}

// FeeCalculator is the narrow slice of Client the matching engine needs.
type FeeCalculator interface {
	CalculateFee(symbol types.Symbol, side types.Side, amount, price decimal.Decimal) types.Fee
}
