package ingest

import (
	"reflect"
	"testing"

	"arbwatch/internal/config"
	"arbwatch/pkg/types"
)

func planConfig() *config.Config {
	return &config.Config{
		Symbols: []types.Symbol{"BTC/USDT", "ETH/USDT", "SOL/USDT"},
		Exchanges: map[string]config.VenueConfig{
			"binance": {IngestMode: types.ModeAll},
			"kraken": {
				IngestMode: types.ModeSingle,
				Symbols:    []types.Symbol{"BTC/USDT", "ETH/USDT"},
			},
			"bitget": {
				IngestMode: types.ModeBatch,
				BatchLimit: 2,
			},
		},
	}
}

func TestPlansFanOut(t *testing.T) {
	t.Parallel()
	plans := Plans(planConfig())

	// Sorted by venue: binance (1 all), bitget (2+1 batch), kraken (2 single).
	want := []Plan{
		{Venue: "binance", Mode: types.ModeAll},
		{Venue: "bitget", Mode: types.ModeBatch, Symbols: []types.Symbol{"BTC/USDT", "ETH/USDT"}},
		{Venue: "bitget", Mode: types.ModeBatch, Symbols: []types.Symbol{"SOL/USDT"}},
		{Venue: "kraken", Mode: types.ModeSingle, Symbols: []types.Symbol{"BTC/USDT"}},
		{Venue: "kraken", Mode: types.ModeSingle, Symbols: []types.Symbol{"ETH/USDT"}},
	}
	if !reflect.DeepEqual(plans, want) {
		t.Errorf("plans = %+v\nwant %+v", plans, want)
	}
}

func TestPlansIncludeTrioLegs(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Symbols: []types.Symbol{"BTC/USDT"},
		Exchanges: map[string]config.VenueConfig{
			"bitget": {
				IngestMode: types.ModeSingle,
				SymbolTrios: [][]config.TrioLegParam{{
					{Side: "buy", Symbol: "BTC/USDT"},
					{Side: "sell", Symbol: "BTC/ETH"},
					{Side: "sell", Symbol: "ETH/USDT"},
				}},
			},
		},
	}
	plans := Plans(cfg)

	want := []Plan{
		{Venue: "bitget", Mode: types.ModeSingle, Symbols: []types.Symbol{"BTC/USDT"}},
		{Venue: "bitget", Mode: types.ModeSingle, Symbols: []types.Symbol{"BTC/ETH"}},
		{Venue: "bitget", Mode: types.ModeSingle, Symbols: []types.Symbol{"ETH/USDT"}},
	}
	if !reflect.DeepEqual(plans, want) {
		t.Errorf("plans = %+v\nwant %+v", plans, want)
	}
}

func TestPlansDeterministic(t *testing.T) {
	t.Parallel()
	cfg := planConfig()
	first := Plans(cfg)
	second := Plans(cfg)
	if !reflect.DeepEqual(first, second) {
		t.Error("plan derivation is not deterministic")
	}
}

func TestPlansBatchLimitFloor(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Symbols: []types.Symbol{"BTC/USDT", "ETH/USDT"},
		Exchanges: map[string]config.VenueConfig{
			"bitget": {IngestMode: types.ModeBatch},
		},
	}
	plans := Plans(cfg)
	if len(plans) != 2 {
		t.Fatalf("plans = %d, want one per symbol when batch_limit is unset", len(plans))
	}
	for _, plan := range plans {
		if len(plan.Symbols) != 1 {
			t.Errorf("plan carries %d symbols, want 1", len(plan.Symbols))
		}
	}
}
