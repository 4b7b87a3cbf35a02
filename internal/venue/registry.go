package venue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// readyPollInterval is how often Exchange re-checks for a client that
// Setup has not published yet.
const readyPollInterval = 500 * time.Millisecond

// Registry owns the venue clients. Setup initializes them concurrently;
// consumers resolve clients through Exchange, which waits for setup to
// publish the venue rather than failing fast.
type Registry struct {
	logger  *slog.Logger
	factory func(venueID string, logger *slog.Logger) (Client, error)

	mu      sync.RWMutex
	clients map[string]Client
	ready   map[string]bool
}

// NewRegistry creates an empty registry backed by the descriptor-driven
// exchange client.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger: logger.With("component", "registry"),
		factory: func(venueID string, logger *slog.Logger) (Client, error) {
			return NewExchange(venueID, logger)
		},
		clients: make(map[string]Client),
		ready:   make(map[string]bool),
	}
}

// Setup initializes clients for every venue ID, loading market metadata
// under the retry policy. Venues that fail to initialize are logged and
// left unpublished; the rest of the system proceeds without them. Calling
// Setup again is cheap: already-ready venues are skipped.
func (r *Registry) Setup(ctx context.Context, venueIDs []string) {
	var wg sync.WaitGroup
	for _, venueID := range venueIDs {
		r.mu.RLock()
		done := r.ready[venueID]
		r.mu.RUnlock()
		if done {
			continue
		}

		wg.Add(1)
		go func(venueID string) {
			defer wg.Done()
			r.setupOne(ctx, venueID)
		}(venueID)
	}
	wg.Wait()
}

func (r *Registry) setupOne(ctx context.Context, venueID string) {
	client, err := r.factory(venueID, r.logger)
	if err != nil {
		r.logger.Error("venue client construction failed", "venue", venueID, "error", err)
		return
	}

	if _, err := WithRetry(ctx, client.LoadMarkets); err != nil {
		r.logger.Error("venue setup failed", "venue", venueID, "error", err)
		client.Close()
		return
	}

	r.mu.Lock()
	r.clients[venueID] = client
	r.ready[venueID] = true
	r.mu.Unlock()

	r.logger.Info("venue ready", "venue", venueID, "authenticated", client.Authenticated())
}

// Exchange resolves a venue client, waiting until Setup publishes it or
// ctx is cancelled.
func (r *Registry) Exchange(ctx context.Context, venueID string) (Client, error) {
	ticker := time.NewTicker(readyPollInterval)
	defer ticker.Stop()

	for {
		r.mu.RLock()
		client, ok := r.clients[venueID]
		r.mu.RUnlock()
		if ok {
			return client, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Get returns a published client without waiting.
func (r *Registry) Get(venueID string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	client, ok := r.clients[venueID]
	if !ok {
		return nil, ErrNotInitialized
	}
	return client, nil
}

// AvailableIDs lists the venues Setup published, sorted.
func (r *Registry) AvailableIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// AuthenticatedIDs lists the published venues holding credentials, sorted.
func (r *Registry) AuthenticatedIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.clients))
	for id, client := range r.clients {
		if client.Authenticated() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// CloseAll closes every published client and empties the registry.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, client := range r.clients {
		if err := client.Close(); err != nil {
			r.logger.Warn("venue close failed", "venue", id, "error", err)
		}
	}
	r.clients = make(map[string]Client)
	r.ready = make(map[string]bool)
}
