// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the dealer — symbols, order
// book snapshots, balances, deal events, and ingestion modes. It has no
// dependencies on internal packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of a market operation: buy or sell.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// IngestionMode is the per-venue order book access pattern. It is a tagged
// variant: the scheduler dispatches on the tag, never on raw config strings.
type IngestionMode int

const (
	// ModeSingle fetches one symbol per call. One plan per symbol.
	ModeSingle IngestionMode = iota
	// ModeBatch streams a group of symbols per call, up to the venue's
	// batch limit.
	ModeBatch
	// ModeAll fetches every market the venue lists in one call; the
	// scheduler filters to configured symbols.
	ModeAll
)

func (m IngestionMode) String() string {
	switch m {
	case ModeSingle:
		return "single"
	case ModeBatch:
		return "batch"
	case ModeAll:
		return "all"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseIngestionMode converts the configuration string to the tagged variant.
func ParseIngestionMode(s string) (IngestionMode, error) {
	switch s {
	case "single":
		return ModeSingle, nil
	case "batch":
		return ModeBatch, nil
	case "all":
		return ModeAll, nil
	default:
		return 0, fmt.Errorf("unknown ingestion mode %q", s)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Symbols and balances
// ————————————————————————————————————————————————————————————————————————

// Symbol is a trading pair in BASE/QUOTE form, e.g. "BTC/USDT".
// Identity is string equality.
type Symbol string

// Split returns the base and quote coins of the symbol.
func (s Symbol) Split() (base, quote string) {
	base, quote, _ = strings.Cut(string(s), "/")
	return base, quote
}

// Base returns the base coin of the symbol.
func (s Symbol) Base() string {
	base, _ := s.Split()
	return base
}

// Quote returns the quote coin of the symbol.
func (s Symbol) Quote() string {
	_, quote := s.Split()
	return quote
}

// Valid reports whether the symbol has both a base and a quote coin.
func (s Symbol) Valid() bool {
	base, quote := s.Split()
	return base != "" && quote != ""
}

// Balances maps coin → amount. Missing coins read as zero.
type Balances map[string]decimal.Decimal

// Get returns the balance for coin, zero if absent.
func (b Balances) Get(coin string) decimal.Decimal {
	return b[coin]
}

// Copy returns an independent copy of the balance map.
func (b Balances) Copy() Balances {
	out := make(Balances, len(b))
	for coin, amount := range b {
		out[coin] = amount
	}
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Order book
// ————————————————————————————————————————————————————————————————————————

// PriceLevel is a single ladder entry. Price and Volume are fixed-precision
// decimals; JSON round-trips through strings so no precision is lost in the
// cache.
type PriceLevel struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

// OrderBookSnapshot is a point-in-time view of one venue's book for one
// symbol. Asks ascend in price, bids descend. Every snapshot carries the
// producing venue; mixing snapshots across venues is a programming error
// the matching engine rejects.
type OrderBookSnapshot struct {
	Symbol     Symbol       `json:"symbol"`
	Venue      string       `json:"venue"`
	Asks       []PriceLevel `json:"asks"`
	Bids       []PriceLevel `json:"bids"`
	ReceivedAt time.Time    `json:"received_at"`
}

// Clone returns a deep copy of the snapshot. The matching engine consumes
// ladder volume destructively, so callers that reuse snapshots clone first.
func (s *OrderBookSnapshot) Clone() *OrderBookSnapshot {
	out := *s
	out.Asks = append([]PriceLevel(nil), s.Asks...)
	out.Bids = append([]PriceLevel(nil), s.Bids...)
	return &out
}

// Market is the per-symbol metadata a venue reports from LoadMarkets.
type Market struct {
	Symbol Symbol `json:"symbol"`
	Active bool   `json:"active"`
}

// Fee is the cost a venue charges for one hypothetical order, denominated
// in Currency.
type Fee struct {
	Currency string          `json:"currency"`
	Cost     decimal.Decimal `json:"cost"`
}

// ————————————————————————————————————————————————————————————————————————
// Deals
// ————————————————————————————————————————————————————————————————————————

// DealType is the lifecycle stage a deal event records.
type DealType string

const (
	DealNoop   DealType = "noop"
	DealOpen   DealType = "open"
	DealUpdate DealType = "update"
	DealClose  DealType = "close"
)

// TrioLeg is one operation of a triangular cycle on a single venue.
type TrioLeg struct {
	Venue  string `json:"exchange"`
	Side   Side   `json:"side"`
	Symbol Symbol `json:"symbol"`
}

// TrioKey serializes the legs left-to-right into the cycle's identity.
func TrioKey(legs []TrioLeg) string {
	parts := make([]string, len(legs))
	for i, leg := range legs {
		parts[i] = fmt.Sprintf("%s:%s:%s", leg.Venue, leg.Side, leg.Symbol)
	}
	return strings.Join(parts, "|")
}

// DealEvent is the persisted deal state and the record emitted on every
// non-noop transition. TSOpen is stable across consecutive open/update
// records; TSClose is set only on close.
type DealEvent struct {
	TS        time.Time  `json:"ts"`
	TSOpen    time.Time  `json:"ts_open"`
	TSClose   *time.Time `json:"ts_close,omitempty"`
	Type      DealType   `json:"type"`
	Threshold bool       `json:"threshold"`

	Symbol           Symbol          `json:"symbol,omitempty"`
	Profit           decimal.Decimal `json:"profit"`
	ProfitCoin       string          `json:"profit_coin,omitempty"`
	ProfitPercentage decimal.Decimal `json:"profit_percentage"`

	// Pair deals.
	BuyVenue       string          `json:"buy_exchange,omitempty"`
	BuyTotalQuote  decimal.Decimal `json:"buy_total_quote"`
	BuyTotalBase   decimal.Decimal `json:"buy_total_base"`
	SellVenue      string          `json:"sell_exchange,omitempty"`
	SellTotalQuote decimal.Decimal `json:"sell_total_quote"`

	// Trio deals.
	Legs []TrioLeg `json:"operations,omitempty"`

	Duration string `json:"duration,omitempty"`
	Message  string `json:"message,omitempty"`
}
