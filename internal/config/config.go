// Package config defines all configuration for the dealer.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables. Venue
// credentials are not part of the file at all — they come from per-venue
// environment variables read by the venue registry.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"arbwatch/pkg/types"
)

// Role selects which surfaces a process hosts. The primary runs the
// interactive command poller; secondaries only run ingestion and deal
// detection.
const (
	RolePrimary   = "primary"
	RoleSecondary = "secondary"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Role    string         `mapstructure:"role"`
	Symbols []types.Symbol `mapstructure:"symbols"`

	// Exchanges maps venue id → ingestion parameters. The key set is the
	// universe of venues this process may initialize.
	Exchanges map[string]VenueConfig `mapstructure:"exchanges"`

	// SymbolsParam maps symbol → per-symbol routing parameters.
	SymbolsParam map[string]SymbolConfig `mapstructure:"symbols_param"`

	Cache   CacheConfig   `mapstructure:"cache"`
	Bot     BotConfig     `mapstructure:"bot"`
	Deals   DealsConfig   `mapstructure:"deals"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// VenueConfig holds one venue's ingestion parameters.
//
//   - Mode: single, batch, or all (see types.IngestionMode).
//   - Symbols: the markets the venue lists; the scheduler intersects this
//     with the top-level symbol set.
//   - BatchLimit: max symbols per batch plan (batch mode only).
//   - SymbolTrios: triangular cycles to watch on this venue, three legs each.
type VenueConfig struct {
	Mode        string           `mapstructure:"mode"`
	Symbols     []types.Symbol   `mapstructure:"symbols"`
	BatchLimit  int              `mapstructure:"batch_limit"`
	SymbolTrios [][]TrioLegParam `mapstructure:"symbol_trios"`

	// IngestMode is the parsed Mode tag, populated by Validate.
	IngestMode types.IngestionMode `mapstructure:"-"`
}

// TrioLegParam is one configured leg of a triangular cycle.
type TrioLegParam struct {
	Side   string       `mapstructure:"side"`
	Symbol types.Symbol `mapstructure:"symbol"`
}

// SymbolConfig holds the per-symbol routing parameters.
type SymbolConfig struct {
	Exchanges     []string `mapstructure:"exchanges"`
	BaseCoin      string   `mapstructure:"base_coin"`
	QuoteCoin     string   `mapstructure:"quote_coin"`
	MarketcapRank int      `mapstructure:"marketcap_rank"`
}

// CacheConfig selects the expiring key/value backend.
// Endpoint "memory" (or empty) runs the embedded store; anything else is
// treated as a redis address.
type CacheConfig struct {
	Endpoint         string        `mapstructure:"endpoint"`
	ExpireBookOrders time.Duration `mapstructure:"expire_book_orders"`
	ExpireDealEvents time.Duration `mapstructure:"expire_deal_events"`
}

// BotConfig holds outbound delivery credentials for the chat bot.
type BotConfig struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
	// BaseURL overrides the bot API host; tests point it at a fake server.
	BaseURL string `mapstructure:"base_url"`
}

// DealsConfig tunes the deal state machine and the starting balance the
// matchers trade with.
//
//   - MinProfit / MinProfitPercentage: the threshold predicate. A deal is
//     actionable when profit >= MinProfit AND percentage >= MinProfitPercentage.
//   - StartingBalance: coin → amount seeded into the cache at startup.
//   - DataDir: where close-event CSV files are appended.
type DealsConfig struct {
	MinProfit           decimal.Decimal            `mapstructure:"min_profit"`
	MinProfitPercentage decimal.Decimal            `mapstructure:"min_profit_percentage"`
	StartingBalance     map[string]decimal.Decimal `mapstructure:"starting_balance"`
	DataDir             string                     `mapstructure:"data_dir"`
	FilePrefix          string                     `mapstructure:"file_prefix"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_BOT_TOKEN, ARB_BOT_CHAT_ID,
// ARB_CACHE_ENDPOINT, ARB_ROLE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("role", RolePrimary)
	v.SetDefault("cache.endpoint", "memory")
	v.SetDefault("cache.expire_book_orders", 60*time.Second)
	v.SetDefault("cache.expire_deal_events", 60*time.Second)
	v.SetDefault("deals.min_profit", "10")
	v.SetDefault("deals.min_profit_percentage", "1.0")
	v.SetDefault("deals.data_dir", "data")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decimalDecodeHook())); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	balances := make(map[string]decimal.Decimal, len(cfg.Deals.StartingBalance))
	for coin, amount := range cfg.Deals.StartingBalance {
		balances[strings.ToUpper(coin)] = amount
	}
	cfg.Deals.StartingBalance = balances
	if len(cfg.Deals.StartingBalance) == 0 {
		cfg.Deals.StartingBalance = map[string]decimal.Decimal{"USDT": decimal.NewFromInt(100000)}
	}

	// viper folds map keys to lower case. Restore the case-preserved
	// symbols as the canonical symbols_param keys, and fold the venue id
	// references so they match the (lowercased) exchanges keys.
	params := make(map[string]SymbolConfig, len(cfg.SymbolsParam))
	for key, param := range cfg.SymbolsParam {
		for i, id := range param.Exchanges {
			param.Exchanges[i] = strings.ToLower(id)
		}
		params[strings.ToLower(key)] = param
	}
	for _, symbol := range cfg.Symbols {
		lower := strings.ToLower(string(symbol))
		if param, ok := params[lower]; ok && lower != string(symbol) {
			delete(params, lower)
			params[string(symbol)] = param
		}
	}
	cfg.SymbolsParam = params

	// Override sensitive fields from env
	if token := os.Getenv("ARB_BOT_TOKEN"); token != "" {
		cfg.Bot.Token = token
	}
	if endpoint := os.Getenv("ARB_CACHE_ENDPOINT"); endpoint != "" {
		cfg.Cache.Endpoint = endpoint
	}
	if role := os.Getenv("ARB_ROLE"); role != "" {
		cfg.Role = role
	}

	return &cfg, nil
}

// decimalDecodeHook lets YAML scalars (string or number) populate
// decimal.Decimal fields without going through float64.
func decimalDecodeHook() mapstructure.DecodeHookFuncType {
	decimalType := reflect.TypeOf(decimal.Decimal{})
	return func(from, to reflect.Type, data interface{}) (interface{}, error) {
		if to != decimalType {
			return data, nil
		}
		switch val := data.(type) {
		case string:
			return decimal.NewFromString(val)
		case int:
			return decimal.NewFromInt(int64(val)), nil
		case int64:
			return decimal.NewFromInt(val), nil
		case float64:
			return decimal.NewFromFloat(val), nil
		default:
			return data, nil
		}
	}
}

// Validate checks all required fields and value ranges, and parses each
// venue's ingestion mode tag. Malformed configuration fails fast at startup.
func (c *Config) Validate() error {
	if c.Role != RolePrimary && c.Role != RoleSecondary {
		return fmt.Errorf("role must be %q or %q, got %q", RolePrimary, RoleSecondary, c.Role)
	}
	if len(c.Symbols) == 0 {
		return fmt.Errorf("symbols is required")
	}
	for _, symbol := range c.Symbols {
		if !symbol.Valid() {
			return fmt.Errorf("symbol %q is not BASE/QUOTE", symbol)
		}
		param, ok := c.SymbolsParam[string(symbol)]
		if !ok {
			return fmt.Errorf("symbols_param missing entry for %s", symbol)
		}
		if len(param.Exchanges) == 0 {
			return fmt.Errorf("symbols_param.%s.exchanges is empty", symbol)
		}
		for _, id := range param.Exchanges {
			if _, ok := c.Exchanges[id]; !ok {
				return fmt.Errorf("symbols_param.%s references unknown exchange %q", symbol, id)
			}
		}
	}
	for id, venue := range c.Exchanges {
		mode, err := types.ParseIngestionMode(venue.Mode)
		if err != nil {
			return fmt.Errorf("exchanges.%s: %w", id, err)
		}
		if mode == types.ModeBatch && venue.BatchLimit < 1 {
			return fmt.Errorf("exchanges.%s: batch mode requires batch_limit >= 1", id)
		}
		for i, trio := range venue.SymbolTrios {
			if len(trio) != 3 {
				return fmt.Errorf("exchanges.%s: symbol_trios[%d] must have exactly 3 legs", id, i)
			}
			for _, leg := range trio {
				if leg.Side != string(types.Buy) && leg.Side != string(types.Sell) {
					return fmt.Errorf("exchanges.%s: trio leg side %q", id, leg.Side)
				}
				if !leg.Symbol.Valid() {
					return fmt.Errorf("exchanges.%s: trio leg symbol %q", id, leg.Symbol)
				}
			}
		}
		venue.IngestMode = mode
		c.Exchanges[id] = venue
	}
	if c.Cache.ExpireBookOrders <= 0 {
		return fmt.Errorf("cache.expire_book_orders must be > 0")
	}
	if c.Cache.ExpireDealEvents <= 0 {
		return fmt.Errorf("cache.expire_deal_events must be > 0")
	}
	if c.Deals.MinProfit.IsNegative() {
		return fmt.Errorf("deals.min_profit must be >= 0")
	}
	return nil
}

// VenueIDs returns every venue listed for any configured symbol or
// hosting a triangular cycle, in no particular order.
func (c *Config) VenueIDs() []string {
	seen := map[string]bool{}
	var ids []string
	for _, symbol := range c.Symbols {
		for _, id := range c.SymbolsParam[string(symbol)].Exchanges {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	for id, venue := range c.Exchanges {
		if len(venue.SymbolTrios) > 0 && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// WatchedSymbols returns the symbols ingestion must keep fresh: the
// configured pair symbols plus every triangular cycle leg, deduplicated.
func (c *Config) WatchedSymbols() []types.Symbol {
	seen := map[types.Symbol]bool{}
	var symbols []types.Symbol
	add := func(symbol types.Symbol) {
		if !seen[symbol] {
			seen[symbol] = true
			symbols = append(symbols, symbol)
		}
	}
	for _, symbol := range c.Symbols {
		add(symbol)
	}
	for _, venue := range c.Exchanges {
		for _, trio := range venue.SymbolTrios {
			for _, leg := range trio {
				add(leg.Symbol)
			}
		}
	}
	return symbols
}

// TrioCycles returns the configured triangular cycles, filtered to those
// whose first leg either sells into USDT or starts from a USDT pair. This
// bounds the candidate set to cycles whose profit is denominated in USDT.
func (c *Config) TrioCycles() [][]types.TrioLeg {
	var cycles [][]types.TrioLeg
	for id, venue := range c.Exchanges {
		for _, trio := range venue.SymbolTrios {
			if len(trio) != 3 {
				continue
			}
			first := trio[0]
			eligible := (first.Side == string(types.Buy) && strings.HasSuffix(string(first.Symbol), "/USDT")) ||
				(first.Side == string(types.Sell) && strings.HasPrefix(string(first.Symbol), "USDT/"))
			if !eligible {
				continue
			}
			legs := make([]types.TrioLeg, 3)
			for i, leg := range trio {
				legs[i] = types.TrioLeg{Venue: id, Side: types.Side(leg.Side), Symbol: leg.Symbol}
			}
			cycles = append(cycles, legs)
		}
	}
	return cycles
}
