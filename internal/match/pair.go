// Package match implements the pure matching algorithms: the two-venue
// pair walk and the n-operation cycle engine. Neither performs I/O; fee
// queries go through the synchronous FeeCalculator interface.
package match

import (
	"github.com/shopspring/decimal"

	"arbwatch/pkg/types"
)

// PairOutcome summarizes a simulated buy-low/sell-high walk across two
// venues' books.
type PairOutcome struct {
	Symbol    types.Symbol
	BuyVenue  string
	SellVenue string

	BuyTotalQuote  decimal.Decimal
	BuyTotalBase   decimal.Decimal
	SellTotalQuote decimal.Decimal

	BuyPriceMin  decimal.Decimal
	BuyPriceMax  decimal.Decimal
	SellPriceMin decimal.Decimal
	SellPriceMax decimal.Decimal

	Profit           decimal.Decimal
	ProfitPercentage decimal.Decimal
}

// Pair walks the buy venue's asks against the sell venue's bids, spending
// quoteBalance on the cheap side and unwinding on the expensive side,
// until the books cross the wrong way or the balance runs out. It is
// deterministic and never mutates its inputs.
func Pair(buy, sell *types.OrderBookSnapshot, quoteBalance decimal.Decimal) PairOutcome {
	outcome := PairOutcome{
		Symbol:    buy.Symbol,
		BuyVenue:  buy.Venue,
		SellVenue: sell.Venue,
	}

	balance := quoteBalance
	asks := buy.Asks
	bids := sell.Bids
	var askVol, bidVol decimal.Decimal

	for balance.IsPositive() && len(asks) > 0 && len(bids) > 0 {
		buyPrice := asks[0].Price
		if askVol.IsZero() {
			askVol = asks[0].Volume
		}
		sellPrice := bids[0].Price
		if bidVol.IsZero() {
			bidVol = bids[0].Volume
		}

		if !askVol.IsPositive() || !buyPrice.IsPositive() {
			asks = asks[1:]
			askVol = decimal.Zero
			continue
		}
		if !bidVol.IsPositive() || !sellPrice.IsPositive() {
			bids = bids[1:]
			bidVol = decimal.Zero
			continue
		}
		if buyPrice.GreaterThanOrEqual(sellPrice) {
			break
		}

		matched := decimal.Min(balance.Div(buyPrice), askVol, bidVol)
		if !matched.IsPositive() {
			break
		}

		outcome.BuyTotalQuote = outcome.BuyTotalQuote.Add(matched.Mul(buyPrice))
		outcome.BuyTotalBase = outcome.BuyTotalBase.Add(matched)
		outcome.SellTotalQuote = outcome.SellTotalQuote.Add(matched.Mul(sellPrice))
		balance = balance.Sub(matched.Mul(buyPrice))

		outcome.trackPrices(buyPrice, sellPrice)

		askVol = askVol.Sub(matched)
		bidVol = bidVol.Sub(matched)
		if askVol.IsZero() {
			asks = asks[1:]
		}
		if bidVol.IsZero() {
			bids = bids[1:]
		}
	}

	outcome.Profit = outcome.SellTotalQuote.Sub(outcome.BuyTotalQuote)
	if outcome.BuyTotalQuote.IsPositive() {
		outcome.ProfitPercentage = outcome.Profit.
			Div(outcome.BuyTotalQuote).
			Mul(decimal.NewFromInt(100)).
			Round(8)
	}
	return outcome
}

func (o *PairOutcome) trackPrices(buyPrice, sellPrice decimal.Decimal) {
	if o.BuyPriceMin.IsZero() || buyPrice.LessThan(o.BuyPriceMin) {
		o.BuyPriceMin = buyPrice
	}
	if buyPrice.GreaterThan(o.BuyPriceMax) {
		o.BuyPriceMax = buyPrice
	}
	if o.SellPriceMin.IsZero() || sellPrice.LessThan(o.SellPriceMin) {
		o.SellPriceMin = sellPrice
	}
	if sellPrice.GreaterThan(o.SellPriceMax) {
		o.SellPriceMax = sellPrice
	}
}
