package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"arbwatch/pkg/types"
)

// Store is the typed façade over a Backend. Every get/set touches exactly
// one key, so operations are atomic per key; there are no multi-key
// transactions, and callers tolerate reading a pair of snapshots sampled
// at slightly different times.
type Store struct {
	backend Backend
	bookTTL time.Duration
	dealTTL time.Duration
	now     func() time.Time
}

// NewStore wraps the backend with the configured expiries:
// bookTTL for order book snapshots, dealTTL for deal events.
func NewStore(backend Backend, bookTTL, dealTTL time.Duration) *Store {
	return &Store{backend: backend, bookTTL: bookTTL, dealTTL: dealTTL, now: time.Now}
}

// Close closes the underlying backend.
func (s *Store) Close() error {
	return s.backend.Close()
}

func bookKey(symbol types.Symbol, venue string) string {
	return fmt.Sprintf("order_book/%s/%s", symbol, venue)
}

func dealKey(symbol types.Symbol, buyVenue, sellVenue string) string {
	return fmt.Sprintf("deal/%s/%s/%s", symbol, buyVenue, sellVenue)
}

func trioDealKey(legs []types.TrioLeg) string {
	return "trio_deal/" + types.TrioKey(legs)
}

func balanceKey(coin string) string {
	return "balance/" + coin
}

const lastUpdateIDKey = "bot/last_update_id"

// GetOrderBook returns the cached snapshot for (symbol, venue), or nil when
// absent or expired.
func (s *Store) GetOrderBook(ctx context.Context, symbol types.Symbol, venue string) (*types.OrderBookSnapshot, error) {
	data, ok, err := s.backend.Get(ctx, bookKey(symbol, venue))
	if err != nil || !ok {
		return nil, err
	}
	var snap types.OrderBookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode order book %s/%s: %w", symbol, venue, err)
	}
	return &snap, nil
}

// SetOrderBook caches a snapshot under its own symbol and venue with the
// order book expiry.
func (s *Store) SetOrderBook(ctx context.Context, snap *types.OrderBookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode order book %s/%s: %w", snap.Symbol, snap.Venue, err)
	}
	return s.backend.Set(ctx, bookKey(snap.Symbol, snap.Venue), data, s.bookTTL)
}

// GetDeal returns the persisted deal state for the pair key, or the default
// sentinel {ts_open: now, type: noop, threshold: false} when absent. It
// never returns a nil event to callers.
func (s *Store) GetDeal(ctx context.Context, symbol types.Symbol, buyVenue, sellVenue string) (types.DealEvent, error) {
	return s.getDealAt(ctx, dealKey(symbol, buyVenue, sellVenue))
}

// SetDeal persists the deal state for the pair key with the deal expiry.
func (s *Store) SetDeal(ctx context.Context, symbol types.Symbol, buyVenue, sellVenue string, event types.DealEvent) error {
	return s.setDealAt(ctx, dealKey(symbol, buyVenue, sellVenue), event)
}

// GetTrioDeal returns the persisted deal state for the trio key, with the
// same absent-key sentinel as GetDeal.
func (s *Store) GetTrioDeal(ctx context.Context, legs []types.TrioLeg) (types.DealEvent, error) {
	return s.getDealAt(ctx, trioDealKey(legs))
}

// SetTrioDeal persists the deal state for the trio key with the deal expiry.
func (s *Store) SetTrioDeal(ctx context.Context, legs []types.TrioLeg, event types.DealEvent) error {
	return s.setDealAt(ctx, trioDealKey(legs), event)
}

func (s *Store) getDealAt(ctx context.Context, key string) (types.DealEvent, error) {
	sentinel := types.DealEvent{TSOpen: s.now(), Type: types.DealNoop, Threshold: false}
	data, ok, err := s.backend.Get(ctx, key)
	if err != nil || !ok {
		return sentinel, err
	}
	var event types.DealEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return sentinel, fmt.Errorf("decode deal %s: %w", key, err)
	}
	return event, nil
}

func (s *Store) setDealAt(ctx context.Context, key string, event types.DealEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode deal %s: %w", key, err)
	}
	return s.backend.Set(ctx, key, data, s.dealTTL)
}

// GetBalance returns the process-wide balance for a coin, zero when unset.
func (s *Store) GetBalance(ctx context.Context, coin string) (decimal.Decimal, error) {
	data, ok, err := s.backend.Get(ctx, balanceKey(coin))
	if err != nil || !ok {
		return decimal.Zero, err
	}
	var amount decimal.Decimal
	if err := json.Unmarshal(data, &amount); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance %s: %w", coin, err)
	}
	return amount, nil
}

// SetBalance stores the process-wide balance for a coin. No expiry.
func (s *Store) SetBalance(ctx context.Context, coin string, amount decimal.Decimal) error {
	data, err := json.Marshal(amount)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, balanceKey(coin), data, 0)
}

// GetLastUpdateID returns the persisted bot update cursor. ok is false when
// no cursor has been stored yet.
func (s *Store) GetLastUpdateID(ctx context.Context) (id int64, ok bool, err error) {
	data, ok, err := s.backend.Get(ctx, lastUpdateIDKey)
	if err != nil || !ok {
		return 0, false, err
	}
	if err := json.Unmarshal(data, &id); err != nil {
		return 0, false, fmt.Errorf("decode last update id: %w", err)
	}
	return id, true, nil
}

// SetLastUpdateID persists the bot update cursor. No expiry.
func (s *Store) SetLastUpdateID(ctx context.Context, id int64) error {
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	return s.backend.Set(ctx, lastUpdateIDKey, data, 0)
}
