package match

import (
	"fmt"

	"github.com/shopspring/decimal"

	"arbwatch/pkg/types"
)

// FeeCalculator prices a hypothetical taker order. Satisfied by the venue
// client; implementations must be synchronous and network-free.
type FeeCalculator interface {
	CalculateFee(symbol types.Symbol, side types.Side, amount, price decimal.Decimal) types.Fee
}

// Leg is one operation of a cycle: trade side on one venue's book.
type Leg struct {
	Venue string
	Side  types.Side
	Book  *types.OrderBookSnapshot
}

// Result is the outcome of simulating a cycle.
type Result struct {
	Initial map[string]types.Balances
	Final   map[string]types.Balances
	// Costs accumulates fees per venue per fee currency.
	Costs map[string]map[string]decimal.Decimal

	ProfitCoin       string
	Profit           decimal.Decimal
	ProfitPercentage decimal.Decimal
}

// minMatch is the smallest productive fill; anything below terminates the
// operation.
var minMatch = decimal.New(1, -6)

var one = decimal.NewFromInt(1)

func round8(d decimal.Decimal) decimal.Decimal { return d.Round(8) }

// opState tracks one operation's progress through its ladder.
type opState struct {
	venue  string
	side   types.Side
	symbol types.Symbol
	levels []types.PriceLevel
	idx    int
	ready  bool
}

// head returns the first usable ladder entry, advancing past entries with
// non-positive price or volume. Values are rounded to 8 decimal places.
func (op *opState) head() (price, volume decimal.Decimal, ok bool) {
	for op.idx < len(op.levels) {
		level := op.levels[op.idx]
		if level.Price.IsPositive() && level.Volume.IsPositive() {
			return round8(level.Price), round8(level.Volume), true
		}
		op.idx++
	}
	return decimal.Zero, decimal.Zero, false
}

// consume reduces the current head's volume by matched.
func (op *opState) consume(matched decimal.Decimal) {
	op.levels[op.idx].Volume = op.levels[op.idx].Volume.Sub(matched)
}

// Engine simulates multi-operation cycles against per-venue balances.
// It holds no state between calls; fee calculators are resolved per venue.
type Engine struct {
	fees map[string]FeeCalculator
}

func NewEngine(fees map[string]FeeCalculator) *Engine {
	return &Engine{fees: fees}
}

// Calculate runs the cycle to exhaustion and reports profit in the first
// operation's starting coin. Inputs are never mutated; repeated calls on
// the same inputs yield identical results.
func (e *Engine) Calculate(initial map[string]types.Balances, legs []Leg) (*Result, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("cycle has no operations")
	}

	ops := make([]*opState, len(legs))
	for i, leg := range legs {
		if leg.Book == nil {
			return nil, fmt.Errorf("operation %d has no snapshot", i)
		}
		if leg.Book.Venue != leg.Venue {
			return nil, fmt.Errorf("operation %d: snapshot from %s, want %s", i, leg.Book.Venue, leg.Venue)
		}
		if _, ok := e.fees[leg.Venue]; !ok {
			return nil, fmt.Errorf("venue %s is not available", leg.Venue)
		}
		side := leg.Side
		levels := leg.Book.Asks
		if side == types.Sell {
			levels = leg.Book.Bids
		}
		ops[i] = &opState{
			venue:  leg.Venue,
			side:   side,
			symbol: leg.Book.Symbol,
			levels: append([]types.PriceLevel(nil), levels...),
		}
	}
	ops[0].ready = true

	balances := make(map[string]types.Balances, len(initial))
	for venue, coins := range initial {
		balances[venue] = coins.Copy()
	}
	costs := map[string]map[string]decimal.Decimal{}

	for {
		i := lastReady(ops)
		if i < 0 {
			break
		}
		if i == 0 {
			// New inventory enters only on a strictly favorable cycle; a
			// break-even rate, an unfavorable rate, or an exhausted ladder
			// stops the first operation. Legs already holding inventory
			// keep draining.
			rate, ok := cycleRate(ops)
			if !ok || rate.LessThanOrEqual(one) {
				ops[0].ready = false
				continue
			}
		}
		matched := e.step(ops[i], balances, costs)
		if matched.IsPositive() && i < len(ops)-1 {
			ops[i+1].ready = true
		}
	}

	result := &Result{
		Initial: initial,
		Final:   balances,
		Costs:   costs,
	}

	first, last := legs[0], legs[len(legs)-1]
	if first.Side == types.Buy {
		result.ProfitCoin = first.Book.Symbol.Quote()
	} else {
		result.ProfitCoin = first.Book.Symbol.Base()
	}
	start := initial[first.Venue].Get(result.ProfitCoin)
	end := balances[last.Venue].Get(result.ProfitCoin)
	result.Profit = end.Sub(start)
	if start.IsPositive() {
		result.ProfitPercentage = result.Profit.Div(start).Mul(decimal.NewFromInt(100)).Round(8)
	}
	return result, nil
}

// lastReady picks the rightmost operation still making progress, so
// in-flight inventory drains before new inventory is sourced.
func lastReady(ops []*opState) int {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].ready {
			return i
		}
	}
	return -1
}

// cycleRate is the product of head prices across the cycle, inverted for
// buys. Reports ok=false when any ladder is exhausted.
func cycleRate(ops []*opState) (decimal.Decimal, bool) {
	rate := one
	for _, op := range ops {
		price, _, ok := op.head()
		if !ok {
			return decimal.Zero, false
		}
		if op.side == types.Buy {
			rate = round8(rate.Div(price))
		} else {
			rate = round8(rate.Mul(price))
		}
	}
	return rate, true
}

// step executes one match at op, returning the matched base volume.
func (e *Engine) step(op *opState, balances map[string]types.Balances, costs map[string]map[string]decimal.Decimal) decimal.Decimal {
	price, volume, ok := op.head()
	if !ok {
		op.ready = false
		return decimal.Zero
	}

	calc := e.fees[op.venue]
	base, quote := op.symbol.Base(), op.symbol.Quote()
	bal := ensureBalances(balances, op.venue)

	// Size the order against the consumed coin, shaving the fee off up
	// front so the venue cannot charge more than the balance covers.
	var availableBase decimal.Decimal
	if op.side == types.Buy {
		availableBase = round8(round8(bal.Get(quote)).Div(price))
	} else {
		availableBase = round8(bal.Get(base))
	}
	fee := calc.CalculateFee(op.symbol, op.side, availableBase, price)
	availableBase = availableBase.Sub(feeInBase(fee, quote, price))

	matched := decimal.Min(availableBase, volume)
	if matched.LessThan(minMatch) {
		op.ready = false
		return decimal.Zero
	}

	fee = calc.CalculateFee(op.symbol, op.side, matched, price)
	if op.side == types.Buy {
		bal[base] = round8(bal.Get(base).Add(matched))
		bal[quote] = round8(bal.Get(quote).Sub(matched.Mul(price)))
	} else {
		bal[base] = round8(bal.Get(base).Sub(matched))
		bal[quote] = round8(bal.Get(quote).Add(matched.Mul(price)))
	}
	if fee.Cost.IsPositive() {
		bal[fee.Currency] = round8(bal.Get(fee.Currency).Sub(fee.Cost))
		venueCosts, ok := costs[op.venue]
		if !ok {
			venueCosts = map[string]decimal.Decimal{}
			costs[op.venue] = venueCosts
		}
		venueCosts[fee.Currency] = venueCosts[fee.Currency].Add(fee.Cost)
	}

	op.consume(matched)
	op.ready = true
	return matched
}

// feeInBase converts a fee quote into base units for the overfill guard.
func feeInBase(fee types.Fee, quote string, price decimal.Decimal) decimal.Decimal {
	if fee.Currency == quote {
		return round8(fee.Cost.Div(price))
	}
	return round8(fee.Cost)
}

func ensureBalances(balances map[string]types.Balances, venue string) types.Balances {
	bal, ok := balances[venue]
	if !ok {
		bal = types.Balances{}
		balances[venue] = bal
	}
	return bal
}
