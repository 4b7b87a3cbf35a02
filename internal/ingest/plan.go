// Package ingest derives ingestion plans from configuration and runs the
// per-plan loops that keep the order-book cache fresh.
package ingest

import (
	"sort"

	"arbwatch/internal/config"
	"arbwatch/pkg/types"
)

// Plan is one ingestion task: a venue, its access mode, and the symbol
// group the task covers. Mode all carries an empty symbol list; the loop
// filters the venue's full sweep down to the configured set.
type Plan struct {
	Venue   string
	Mode    types.IngestionMode
	Symbols []types.Symbol
}

// Plans derives the ingestion plan set from configuration. Derivation is
// deterministic: venues in sorted order, symbols in configured order.
func Plans(cfg *config.Config) []Plan {
	venues := make([]string, 0, len(cfg.Exchanges))
	for id := range cfg.Exchanges {
		venues = append(venues, id)
	}
	sort.Strings(venues)

	var plans []Plan
	for _, venueID := range venues {
		vc := cfg.Exchanges[venueID]
		symbols := venueSymbols(cfg, vc)

		switch vc.IngestMode {
		case types.ModeSingle:
			for _, symbol := range symbols {
				plans = append(plans, Plan{
					Venue:   venueID,
					Mode:    types.ModeSingle,
					Symbols: []types.Symbol{symbol},
				})
			}
		case types.ModeBatch:
			limit := vc.BatchLimit
			if limit < 1 {
				limit = 1
			}
			for start := 0; start < len(symbols); start += limit {
				end := start + limit
				if end > len(symbols) {
					end = len(symbols)
				}
				plans = append(plans, Plan{
					Venue:   venueID,
					Mode:    types.ModeBatch,
					Symbols: symbols[start:end],
				})
			}
		case types.ModeAll:
			plans = append(plans, Plan{Venue: venueID, Mode: types.ModeAll})
		}
	}
	return plans
}

// venueSymbols resolves the symbol list a venue ingests: its own list
// when declared, the global one otherwise, plus every leg of the venue's
// triangular cycles. Cycles are useless without all three books.
func venueSymbols(cfg *config.Config, vc config.VenueConfig) []types.Symbol {
	symbols := vc.Symbols
	if len(symbols) == 0 {
		symbols = cfg.Symbols
	}
	seen := make(map[types.Symbol]bool, len(symbols))
	out := make([]types.Symbol, 0, len(symbols))
	for _, symbol := range symbols {
		seen[symbol] = true
		out = append(out, symbol)
	}
	for _, trio := range vc.SymbolTrios {
		for _, leg := range trio {
			if !seen[leg.Symbol] {
				seen[leg.Symbol] = true
				out = append(out, leg.Symbol)
			}
		}
	}
	return out
}
