// Package app is the central orchestrator of the arbitrage watcher.
//
// It wires together all subsystems:
//
//  1. The cache (memory or redis) holds order book snapshots, deal state,
//     and the shared paper balance.
//  2. The venue registry initializes one client per configured exchange.
//  3. The ingestion scheduler streams order books into the cache, one
//     goroutine per plan.
//  4. The deal controller runs the matchers and the deal state machine,
//     one loop per symbol and per triangular cycle.
//  5. The notification queue, dispatcher, and (on the primary) the
//     command poller connect the system to the chat bot.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/internal/deal"
	"arbwatch/internal/ingest"
	"arbwatch/internal/notify"
	"arbwatch/internal/trade"
	"arbwatch/internal/venue"
)

// queueCapacity bounds the outbound message backlog. Overflow drops the
// oldest deal notification; operator replies jump the queue anyway.
const queueCapacity = 1000

// App owns the lifecycle of every subsystem goroutine.
type App struct {
	cfg        *config.Config
	store      *cache.Store
	registry   *venue.Registry
	scheduler  *ingest.Scheduler
	controller *deal.Controller
	queue      *notify.Queue
	dispatcher *notify.Dispatcher
	poller     *notify.Poller
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all components. Only the primary role gets a
// command poller; secondaries ingest and detect deals but stay silent on
// the inbound side.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	backend, err := cache.NewBackend(cfg.Cache.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("cache backend: %w", err)
	}
	store := cache.NewStore(backend, cfg.Cache.ExpireBookOrders, cfg.Cache.ExpireDealEvents)

	registry := venue.NewRegistry(logger)
	scheduler := ingest.NewScheduler(registry, store, cfg.WatchedSymbols(), logger)

	queue := notify.NewQueue(queueCapacity)
	dispatcher := notify.NewDispatcher(queue, cfg.Bot, logger)

	var poller *notify.Poller
	if cfg.Role == config.RolePrimary {
		trader := trade.NewTrader(registry, logger)
		poller = notify.NewPoller(cfg.Bot, store, queue, trader, logger)
	}

	csvLog := deal.NewCSVLog(cfg.Deals.DataDir, cfg.Deals.FilePrefix)
	controller := deal.NewController(
		store,
		registry,
		queue,
		csvLog,
		deal.Thresholds{
			MinProfit:           cfg.Deals.MinProfit,
			MinProfitPercentage: cfg.Deals.MinProfitPercentage,
		},
		cfg.Symbols,
		cfg.TrioCycles(),
		cfg.Deals.StartingBalance,
		logger,
	)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		cfg:        cfg,
		store:      store,
		registry:   registry,
		scheduler:  scheduler,
		controller: controller,
		queue:      queue,
		dispatcher: dispatcher,
		poller:     poller,
		logger:     logger.With("component", "app"),
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start initializes the venues, seeds the paper balance, and launches
// every background loop. Venue setup blocks until each configured venue
// either publishes or gives up; the rest of the system starts with
// whatever succeeded.
func (a *App) Start() error {
	a.registry.Setup(a.ctx, a.cfg.VenueIDs())
	if len(a.registry.AvailableIDs()) == 0 {
		return fmt.Errorf("no venue initialized")
	}

	for coin, amount := range a.cfg.Deals.StartingBalance {
		if err := a.store.SetBalance(a.ctx, coin, amount); err != nil {
			return fmt.Errorf("seed balance %s: %w", coin, err)
		}
	}

	a.scheduler.Start(a.ctx, ingest.Plans(a.cfg))
	a.controller.Start(a.ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.dispatcher.Run(a.ctx); err != nil && a.ctx.Err() == nil {
			a.logger.Error("dispatcher error", "error", err)
		}
	}()

	if a.poller != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.poller.Run(a.ctx); err != nil && a.ctx.Err() == nil {
				a.logger.Error("poller error", "error", err)
			}
		}()
	}

	a.logger.Info("started",
		"role", a.cfg.Role,
		"venues", a.registry.AvailableIDs(),
		"symbols", len(a.cfg.Symbols),
		"cycles", len(a.cfg.TrioCycles()),
	)
	return nil
}

// Stop cancels every loop, waits for them to drain, and closes the
// venues and the cache last.
func (a *App) Stop() {
	a.logger.Info("shutting down...")

	a.cancel()

	a.scheduler.Wait()
	a.controller.Wait()
	a.wg.Wait()

	a.registry.CloseAll()
	if err := a.store.Close(); err != nil {
		a.logger.Warn("cache close failed", "error", err)
	}

	a.logger.Info("shutdown complete")
}
