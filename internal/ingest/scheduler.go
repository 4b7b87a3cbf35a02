package ingest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"arbwatch/internal/cache"
	"arbwatch/internal/venue"
	"arbwatch/pkg/types"
)

const (
	// singleModePreSleep paces per-symbol endpoints before every call.
	singleModePreSleep = 500 * time.Millisecond
	// loopSleep separates consecutive iterations of every plan.
	loopSleep = time.Second
)

// ClientResolver yields a venue client, waiting for setup to publish it.
// Satisfied by venue.Registry.
type ClientResolver interface {
	Exchange(ctx context.Context, venueID string) (venue.Client, error)
}

// Scheduler runs one goroutine per ingestion plan, streaming snapshots
// into the cache until the context is cancelled. Errors are logged with
// the venue tag and the loop continues; there is no crash path.
type Scheduler struct {
	registry ClientResolver
	store    *cache.Store
	allowed  map[types.Symbol]bool
	logger   *slog.Logger
	wg       sync.WaitGroup
}

// NewScheduler builds a scheduler that caches snapshots only for the
// configured symbols.
func NewScheduler(registry ClientResolver, store *cache.Store, symbols []types.Symbol, logger *slog.Logger) *Scheduler {
	allowed := make(map[types.Symbol]bool, len(symbols))
	for _, symbol := range symbols {
		allowed[symbol] = true
	}
	return &Scheduler{
		registry: registry,
		store:    store,
		allowed:  allowed,
		logger:   logger.With("component", "ingest"),
	}
}

// Start launches every plan's loop. Returns immediately; Wait blocks for
// shutdown.
func (s *Scheduler) Start(ctx context.Context, plans []Plan) {
	for _, plan := range plans {
		s.wg.Add(1)
		go func(plan Plan) {
			defer s.wg.Done()
			s.runPlan(ctx, plan)
		}(plan)
	}
	s.logger.Info("ingestion started", "plans", len(plans))
}

// Wait blocks until all plan loops have exited.
func (s *Scheduler) Wait() { s.wg.Wait() }

func (s *Scheduler) runPlan(ctx context.Context, plan Plan) {
	logger := s.logger.With("venue", plan.Venue, "mode", plan.Mode.String())

	client, err := s.registry.Exchange(ctx, plan.Venue)
	if err != nil {
		return
	}

	for {
		if err := s.runOnce(ctx, plan, client); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("ingestion iteration failed", "error", err)
		}
		if !sleep(ctx, loopSleep) {
			return
		}
	}
}

func (s *Scheduler) runOnce(ctx context.Context, plan Plan, client venue.Client) error {
	switch plan.Mode {
	case types.ModeSingle:
		if !sleep(ctx, singleModePreSleep) {
			return ctx.Err()
		}
		symbol := plan.Symbols[0]
		snapshot, err := venue.WithRetry(ctx, func(ctx context.Context) (*types.OrderBookSnapshot, error) {
			return client.FetchOrderBook(ctx, symbol)
		})
		if err != nil {
			return err
		}
		return s.cacheSnapshot(ctx, plan.Venue, symbol, snapshot)

	case types.ModeBatch:
		books, err := venue.WithRetry(ctx, func(ctx context.Context) (map[types.Symbol]*types.OrderBookSnapshot, error) {
			return client.WatchOrderBookForSymbols(ctx, plan.Symbols)
		})
		if err != nil {
			return err
		}
		return s.cacheBooks(ctx, plan.Venue, books)

	default: // ModeAll
		books, err := venue.WithRetry(ctx, client.FetchOrderBooks)
		if err != nil {
			return err
		}
		return s.cacheBooks(ctx, plan.Venue, books)
	}
}

func (s *Scheduler) cacheBooks(ctx context.Context, venueID string, books map[types.Symbol]*types.OrderBookSnapshot) error {
	var lastErr error
	for symbol, snapshot := range books {
		if !s.allowed[symbol] {
			continue
		}
		if err := s.cacheSnapshot(ctx, venueID, symbol, snapshot); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// cacheSnapshot stamps identity onto the snapshot before writing, so a
// client returning an unlabeled book can never poison another venue's slot.
func (s *Scheduler) cacheSnapshot(ctx context.Context, venueID string, symbol types.Symbol, snapshot *types.OrderBookSnapshot) error {
	if snapshot == nil {
		return nil
	}
	snapshot.Symbol = symbol
	snapshot.Venue = venueID
	if snapshot.ReceivedAt.IsZero() {
		snapshot.ReceivedAt = time.Now().UTC()
	}
	return s.store.SetOrderBook(ctx, snapshot)
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
