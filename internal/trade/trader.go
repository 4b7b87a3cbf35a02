// Package trade executes the interactive operator commands: balance
// summaries, manual orders with a dry-run preview, and cross-venue coin
// transfers. Everything here runs on demand, never from the deal loops.
package trade

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"arbwatch/internal/venue"
	"arbwatch/pkg/types"
)

// ClientSource is the slice of the registry the trader needs.
type ClientSource interface {
	AvailableIDs() []string
	Get(venueID string) (venue.Client, error)
}

type Trader struct {
	venues ClientSource
	logger *slog.Logger
}

func NewTrader(venues ClientSource, logger *slog.Logger) *Trader {
	return &Trader{venues: venues, logger: logger.With("component", "trader")}
}

// BalanceSummary reports one line per venue: OK with the non-zero free
// balances, NOT_AUTH when no credentials were configured, or the fetch
// error.
func (t *Trader) BalanceSummary(ctx context.Context) string {
	ids := t.venues.AvailableIDs()
	if len(ids) == 0 {
		return "no venues available"
	}

	var b strings.Builder
	for i, id := range ids {
		if i > 0 {
			b.WriteString("\n")
		}
		client, err := t.venues.Get(id)
		if err != nil {
			fmt.Fprintf(&b, "%s: error %s", id, err)
			continue
		}
		if !client.Authenticated() {
			fmt.Fprintf(&b, "%s: NOT_AUTH", id)
			continue
		}
		balances, err := venue.WithRetry(ctx, client.FetchBalance)
		if err != nil {
			fmt.Fprintf(&b, "%s: error %s", id, err)
			continue
		}
		fmt.Fprintf(&b, "%s: OK", id)
		for _, coin := range sortedCoins(balances) {
			fmt.Fprintf(&b, "\n  %s %s", coin, balances[coin].StringFixed(8))
		}
	}
	return b.String()
}

// PreviewTrade prices an order against the venue's current top of book
// without placing anything.
func (t *Trader) PreviewTrade(ctx context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error) {
	client, err := t.venues.Get(venueID)
	if err != nil {
		return "", err
	}
	book, err := venue.WithRetry(ctx, func(ctx context.Context) (*types.OrderBookSnapshot, error) {
		return client.FetchOrderBook(ctx, symbol)
	})
	if err != nil {
		return "", err
	}

	var price decimal.Decimal
	switch {
	case side == types.Buy && len(book.Asks) > 0:
		price = book.Asks[0].Price
	case side == types.Sell && len(book.Bids) > 0:
		price = book.Bids[0].Price
	default:
		return "", fmt.Errorf("%s has no %s-side liquidity for %s", venueID, side, symbol)
	}

	total := amount.Mul(price).Round(8)
	fee := client.CalculateFee(symbol, side, amount, price)
	return fmt.Sprintf(
		"%s %s %s %s at %s on %s: total %s %s, fee %s %s",
		side, amount, symbol.Base(), symbol, price, venueID,
		total, symbol.Quote(), fee.Cost.Round(8), fee.Currency,
	), nil
}

// Trade places a market order.
func (t *Trader) Trade(ctx context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error) {
	client, err := t.venues.Get(venueID)
	if err != nil {
		return "", err
	}
	if !client.Authenticated() {
		return "", &venue.AuthError{Venue: venueID, Op: "create order"}
	}
	orderID, err := venue.WithRetry(ctx, func(ctx context.Context) (string, error) {
		return client.CreateOrder(ctx, symbol, side, amount)
	})
	if err != nil {
		return "", err
	}
	t.logger.Info("order placed", "venue", venueID, "symbol", symbol, "side", side, "amount", amount, "order_id", orderID)
	return fmt.Sprintf("order %s placed: %s %s %s on %s", orderID, side, amount, symbol, venueID), nil
}

// Transfer withdraws coin from one venue to another venue's deposit
// address. Both venues must be authenticated.
func (t *Trader) Transfer(ctx context.Context, coin string, amount decimal.Decimal, fromVenue, toVenue string) (string, error) {
	source, err := t.venues.Get(fromVenue)
	if err != nil {
		return "", err
	}
	dest, err := t.venues.Get(toVenue)
	if err != nil {
		return "", err
	}
	if !source.Authenticated() {
		return "", &venue.AuthError{Venue: fromVenue, Op: "withdraw"}
	}
	if !dest.Authenticated() {
		return "", &venue.AuthError{Venue: toVenue, Op: "deposit address"}
	}

	address, err := venue.WithRetry(ctx, func(ctx context.Context) (string, error) {
		return dest.FetchDepositAddress(ctx, coin)
	})
	if err != nil {
		return "", err
	}
	transferID, err := venue.WithRetry(ctx, func(ctx context.Context) (string, error) {
		return source.Withdraw(ctx, coin, amount, address)
	})
	if err != nil {
		return "", err
	}
	t.logger.Info("transfer started", "coin", coin, "amount", amount, "from", fromVenue, "to", toVenue, "transfer_id", transferID)
	return fmt.Sprintf("transfer %s started: %s %s from %s to %s", transferID, amount, coin, fromVenue, toVenue), nil
}

func sortedCoins(balances types.Balances) []string {
	coins := make([]string, 0, len(balances))
	for coin := range balances {
		coins = append(coins, coin)
	}
	sort.Strings(coins)
	return coins
}
