package venue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"arbwatch/pkg/types"
)

// descriptor captures how one venue family shapes its public API: base
// URLs, symbol formatting, response parsing, and the taker fee schedule.
// The REST client is descriptor-driven; adding a venue means adding an
// entry here, not a new client type.
type descriptor struct {
	id          string
	restBaseURL string
	wsURL       string

	marketsPath  string
	parseMarkets func(raw []byte) (map[types.Symbol]types.Market, error)

	depthRequest func(symbol types.Symbol) (path string, query map[string]string)
	parseDepth   func(raw []byte) (asks, bids []types.PriceLevel, err error)

	// wsSubscriptions builds the subscribe messages for a symbol group;
	// wsParseDepth extracts one symbol's book from a stream frame and
	// returns ok=false for frames that are not depth updates.
	wsSubscriptions func(symbols []types.Symbol) []any
	wsParseDepth    func(msg []byte) (symbol types.Symbol, asks, bids []types.PriceLevel, ok bool, err error)

	formatSymbol func(symbol types.Symbol) string

	takerFee decimal.Decimal

	// private endpoint paths; empty when the venue's trading surface is
	// not wired, in which case authenticated calls fail with AuthError.
	balancePath        string
	orderPath          string
	depositAddressPath string
	withdrawPath       string
}

// feeCurrency follows the spot convention: the fee is charged in the
// currency the order receives, base for buys and quote for sells.
func (d *descriptor) feeCurrency(symbol types.Symbol, side types.Side) string {
	if side == types.Buy {
		return symbol.Base()
	}
	return symbol.Quote()
}

func concatSymbol(symbol types.Symbol) string {
	return strings.ReplaceAll(string(symbol), "/", "")
}

func dashSymbol(symbol types.Symbol) string {
	return strings.ReplaceAll(string(symbol), "/", "-")
}

// descriptors is the venue catalog. Keys are venue IDs as they appear in
// configuration and cache keys.
var descriptors = map[string]*descriptor{
	"binance": {
		id:           "binance",
		restBaseURL:  "https://api.binance.com",
		wsURL:        "wss://stream.binance.com:9443/stream",
		marketsPath:  "/api/v3/exchangeInfo",
		parseMarkets: parseBinanceMarkets,
		depthRequest: func(symbol types.Symbol) (string, map[string]string) {
			return "/api/v3/depth", map[string]string{"symbol": concatSymbol(symbol), "limit": "100"}
		},
		parseDepth:      parseFlatDepth,
		wsSubscriptions: binanceSubscriptions,
		wsParseDepth:    parseBinanceStreamDepth,
		formatSymbol:    concatSymbol,
		takerFee:        decimal.RequireFromString("0.001"),

		balancePath:        "/api/v3/account",
		orderPath:          "/api/v3/order",
		depositAddressPath: "/sapi/v1/capital/deposit/address",
		withdrawPath:       "/sapi/v1/capital/withdraw/apply",
	},
	"kraken": {
		id:           "kraken",
		restBaseURL:  "https://api.kraken.com",
		marketsPath:  "/0/public/AssetPairs",
		parseMarkets: parseKrakenMarkets,
		depthRequest: func(symbol types.Symbol) (string, map[string]string) {
			return "/0/public/Depth", map[string]string{"pair": concatSymbol(symbol), "count": "100"}
		},
		parseDepth:   parseKrakenDepth,
		formatSymbol: concatSymbol,
		takerFee:     decimal.RequireFromString("0.0026"),
	},
	"coinbase": {
		id:           "coinbase",
		restBaseURL:  "https://api.exchange.coinbase.com",
		marketsPath:  "/products",
		parseMarkets: parseCoinbaseMarkets,
		depthRequest: func(symbol types.Symbol) (string, map[string]string) {
			return "/products/" + dashSymbol(symbol) + "/book", map[string]string{"level": "2"}
		},
		parseDepth:   parseFlatDepth,
		formatSymbol: dashSymbol,
		takerFee:     decimal.RequireFromString("0.006"),
	},
	"okx": {
		id:           "okx",
		restBaseURL:  "https://www.okx.com",
		wsURL:        "wss://ws.okx.com:8443/ws/v5/public",
		marketsPath:  "/api/v5/public/instruments?instType=SPOT",
		parseMarkets: parseOKXMarkets,
		depthRequest: func(symbol types.Symbol) (string, map[string]string) {
			return "/api/v5/market/books", map[string]string{"instId": dashSymbol(symbol), "sz": "100"}
		},
		parseDepth:      parseOKXDepth,
		wsSubscriptions: okxSubscriptions,
		wsParseDepth:    parseOKXStreamDepth,
		formatSymbol:    dashSymbol,
		takerFee:        decimal.RequireFromString("0.001"),
	},
	"bitget": {
		id:           "bitget",
		restBaseURL:  "https://api.bitget.com",
		marketsPath:  "/api/v2/spot/public/symbols",
		parseMarkets: parseBitgetMarkets,
		depthRequest: func(symbol types.Symbol) (string, map[string]string) {
			return "/api/v2/spot/market/orderbook", map[string]string{"symbol": concatSymbol(symbol), "limit": "100"}
		},
		parseDepth:   parseBitgetDepth,
		formatSymbol: concatSymbol,
		takerFee:     decimal.RequireFromString("0.001"),

		balancePath: "/api/v2/spot/account/assets",
		orderPath:   "/api/v2/spot/trade/place-order",
	},
}

// lookupDescriptor resolves a venue ID, folding family aliases the same
// way credentials do.
func lookupDescriptor(venueID string) (*descriptor, error) {
	if d, ok := descriptors[strings.ToLower(venueID)]; ok {
		return d, nil
	}
	if d, ok := descriptors[CredentialFamily(venueID)]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("unknown venue %q", venueID)
}

// --- depth parsing ---

// decodeLevels converts a venue's [[price, volume, ...]] rows into price
// levels. Rows come as strings on most venues; Kraken mixes in numeric
// timestamps, so decoding goes through json.Number to keep precision.
func decodeLevels(rows [][]json.Number) ([]types.PriceLevel, error) {
	levels := make([]types.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			return nil, fmt.Errorf("depth row has %d fields, want at least 2", len(row))
		}
		price, err := decimal.NewFromString(row[0].String())
		if err != nil {
			return nil, fmt.Errorf("depth price %q: %w", row[0], err)
		}
		volume, err := decimal.NewFromString(row[1].String())
		if err != nil {
			return nil, fmt.Errorf("depth volume %q: %w", row[1], err)
		}
		levels = append(levels, types.PriceLevel{Price: price, Volume: volume})
	}
	return levels, nil
}

func decodeJSON(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

type flatDepth struct {
	Asks [][]json.Number `json:"asks"`
	Bids [][]json.Number `json:"bids"`
}

// parseFlatDepth handles top-level {"asks": [...], "bids": [...]} bodies
// (binance, coinbase).
func parseFlatDepth(raw []byte) ([]types.PriceLevel, []types.PriceLevel, error) {
	var body flatDepth
	if err := decodeJSON(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("decode depth: %w", err)
	}
	asks, err := decodeLevels(body.Asks)
	if err != nil {
		return nil, nil, err
	}
	bids, err := decodeLevels(body.Bids)
	if err != nil {
		return nil, nil, err
	}
	return asks, bids, nil
}

// parseKrakenDepth unwraps {"error": [], "result": {"<PAIR>": {...}}}.
func parseKrakenDepth(raw []byte) ([]types.PriceLevel, []types.PriceLevel, error) {
	var body struct {
		Error  []string             `json:"error"`
		Result map[string]flatDepth `json:"result"`
	}
	if err := decodeJSON(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("decode depth: %w", err)
	}
	if len(body.Error) > 0 {
		return nil, nil, fmt.Errorf("kraken: %s", strings.Join(body.Error, "; "))
	}
	for _, book := range body.Result {
		asks, err := decodeLevels(book.Asks)
		if err != nil {
			return nil, nil, err
		}
		bids, err := decodeLevels(book.Bids)
		if err != nil {
			return nil, nil, err
		}
		return asks, bids, nil
	}
	return nil, nil, fmt.Errorf("kraken: empty depth result")
}

// parseOKXDepth unwraps {"code": "0", "data": [{...}]}.
func parseOKXDepth(raw []byte) ([]types.PriceLevel, []types.PriceLevel, error) {
	var body struct {
		Code string      `json:"code"`
		Msg  string      `json:"msg"`
		Data []flatDepth `json:"data"`
	}
	if err := decodeJSON(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("decode depth: %w", err)
	}
	if body.Code != "0" && body.Code != "" {
		return nil, nil, fmt.Errorf("okx: code %s: %s", body.Code, body.Msg)
	}
	if len(body.Data) == 0 {
		return nil, nil, fmt.Errorf("okx: empty depth data")
	}
	asks, err := decodeLevels(body.Data[0].Asks)
	if err != nil {
		return nil, nil, err
	}
	bids, err := decodeLevels(body.Data[0].Bids)
	if err != nil {
		return nil, nil, err
	}
	return asks, bids, nil
}

// parseBitgetDepth unwraps {"code": "00000", "data": {...}}.
func parseBitgetDepth(raw []byte) ([]types.PriceLevel, []types.PriceLevel, error) {
	var body struct {
		Code string    `json:"code"`
		Msg  string    `json:"msg"`
		Data flatDepth `json:"data"`
	}
	if err := decodeJSON(raw, &body); err != nil {
		return nil, nil, fmt.Errorf("decode depth: %w", err)
	}
	if body.Code != "00000" && body.Code != "" {
		return nil, nil, fmt.Errorf("bitget: code %s: %s", body.Code, body.Msg)
	}
	asks, err := decodeLevels(body.Data.Asks)
	if err != nil {
		return nil, nil, err
	}
	bids, err := decodeLevels(body.Data.Bids)
	if err != nil {
		return nil, nil, err
	}
	return asks, bids, nil
}

// --- market metadata parsing ---

func parseBinanceMarkets(raw []byte) (map[types.Symbol]types.Market, error) {
	var body struct {
		Symbols []struct {
			Status     string `json:"status"`
			BaseAsset  string `json:"baseAsset"`
			QuoteAsset string `json:"quoteAsset"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	markets := make(map[types.Symbol]types.Market, len(body.Symbols))
	for _, m := range body.Symbols {
		symbol := types.Symbol(m.BaseAsset + "/" + m.QuoteAsset)
		markets[symbol] = types.Market{Symbol: symbol, Active: m.Status == "TRADING"}
	}
	return markets, nil
}

// krakenAssetAliases maps Kraken's legacy asset codes onto the common ones
// used everywhere else in the system.
var krakenAssetAliases = map[string]string{
	"XBT": "BTC",
	"XDG": "DOGE",
}

func krakenAsset(code string) string {
	if alias, ok := krakenAssetAliases[code]; ok {
		return alias
	}
	return code
}

func parseKrakenMarkets(raw []byte) (map[types.Symbol]types.Market, error) {
	var body struct {
		Error  []string `json:"error"`
		Result map[string]struct {
			WSName string `json:"wsname"`
			Status string `json:"status"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	if len(body.Error) > 0 {
		return nil, fmt.Errorf("kraken: %s", strings.Join(body.Error, "; "))
	}
	markets := make(map[types.Symbol]types.Market, len(body.Result))
	for _, m := range body.Result {
		base, quote, ok := strings.Cut(m.WSName, "/")
		if !ok {
			continue
		}
		symbol := types.Symbol(krakenAsset(base) + "/" + krakenAsset(quote))
		markets[symbol] = types.Market{Symbol: symbol, Active: m.Status == "online"}
	}
	return markets, nil
}

func parseCoinbaseMarkets(raw []byte) (map[types.Symbol]types.Market, error) {
	var body []struct {
		BaseCurrency  string `json:"base_currency"`
		QuoteCurrency string `json:"quote_currency"`
		Status        string `json:"status"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	markets := make(map[types.Symbol]types.Market, len(body))
	for _, m := range body {
		symbol := types.Symbol(m.BaseCurrency + "/" + m.QuoteCurrency)
		markets[symbol] = types.Market{Symbol: symbol, Active: m.Status == "online"}
	}
	return markets, nil
}

func parseOKXMarkets(raw []byte) (map[types.Symbol]types.Market, error) {
	var body struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			BaseCcy  string `json:"baseCcy"`
			QuoteCcy string `json:"quoteCcy"`
			State    string `json:"state"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	if body.Code != "0" && body.Code != "" {
		return nil, fmt.Errorf("okx: code %s: %s", body.Code, body.Msg)
	}
	markets := make(map[types.Symbol]types.Market, len(body.Data))
	for _, m := range body.Data {
		symbol := types.Symbol(m.BaseCcy + "/" + m.QuoteCcy)
		markets[symbol] = types.Market{Symbol: symbol, Active: m.State == "live"}
	}
	return markets, nil
}

func parseBitgetMarkets(raw []byte) (map[types.Symbol]types.Market, error) {
	var body struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			BaseCoin  string `json:"baseCoin"`
			QuoteCoin string `json:"quoteCoin"`
			Status    string `json:"status"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode markets: %w", err)
	}
	if body.Code != "00000" && body.Code != "" {
		return nil, fmt.Errorf("bitget: code %s: %s", body.Code, body.Msg)
	}
	markets := make(map[types.Symbol]types.Market, len(body.Data))
	for _, m := range body.Data {
		symbol := types.Symbol(m.BaseCoin + "/" + m.QuoteCoin)
		markets[symbol] = types.Market{Symbol: symbol, Active: m.Status == "online"}
	}
	return markets, nil
}

// --- websocket depth streams ---

// binanceSubscriptions builds a single SUBSCRIBE frame for the combined
// stream endpoint: one partial-depth stream per symbol.
func binanceSubscriptions(symbols []types.Symbol) []any {
	params := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		params = append(params, strings.ToLower(concatSymbol(symbol))+"@depth20@100ms")
	}
	return []any{map[string]any{
		"method": "SUBSCRIBE",
		"params": params,
		"id":     1,
	}}
}

// parseBinanceStreamDepth handles combined-stream frames of the form
// {"stream": "btcusdt@depth20@100ms", "data": {"asks": ..., "bids": ...}}.
func parseBinanceStreamDepth(msg []byte) (types.Symbol, []types.PriceLevel, []types.PriceLevel, bool, error) {
	var frame struct {
		Stream string          `json:"stream"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil || frame.Stream == "" {
		return "", nil, nil, false, nil
	}
	name, _, _ := strings.Cut(frame.Stream, "@")
	symbol, ok := symbolFromConcat(strings.ToUpper(name))
	if !ok {
		return "", nil, nil, false, nil
	}
	asks, bids, err := parseFlatDepth(frame.Data)
	if err != nil {
		return "", nil, nil, false, err
	}
	return symbol, asks, bids, true, nil
}

func okxSubscriptions(symbols []types.Symbol) []any {
	args := make([]any, 0, len(symbols))
	for _, symbol := range symbols {
		args = append(args, map[string]string{"channel": "books5", "instId": dashSymbol(symbol)})
	}
	return []any{map[string]any{"op": "subscribe", "args": args}}
}

// parseOKXStreamDepth handles push frames of the form
// {"arg": {"channel": "books5", "instId": "BTC-USDT"}, "data": [{...}]}.
func parseOKXStreamDepth(msg []byte) (types.Symbol, []types.PriceLevel, []types.PriceLevel, bool, error) {
	var frame struct {
		Arg struct {
			Channel string `json:"channel"`
			InstID  string `json:"instId"`
		} `json:"arg"`
		Data []json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(msg, &frame); err != nil {
		return "", nil, nil, false, nil
	}
	if frame.Arg.Channel != "books5" || len(frame.Data) == 0 {
		return "", nil, nil, false, nil
	}
	symbol := types.Symbol(strings.ReplaceAll(frame.Arg.InstID, "-", "/"))
	if !symbol.Valid() {
		return "", nil, nil, false, nil
	}
	var book flatDepth
	if err := decodeJSON(frame.Data[0], &book); err != nil {
		return "", nil, nil, false, err
	}
	asks, err := decodeLevels(book.Asks)
	if err != nil {
		return "", nil, nil, false, err
	}
	bids, err := decodeLevels(book.Bids)
	if err != nil {
		return "", nil, nil, false, err
	}
	return symbol, asks, bids, true, nil
}

// quoteSuffixes are tried longest-first when splitting a dash-less pair
// name back into base and quote.
var quoteSuffixes = []string{"USDT", "USDC", "TUSD", "BUSD", "USD", "EUR", "BTC", "ETH", "BNB"}

// symbolFromConcat recovers "BTC/USDT" from "BTCUSDT" by matching known
// quote suffixes. Stream frames are the only place this is needed; REST
// paths always start from a slash-form symbol.
func symbolFromConcat(pair string) (types.Symbol, bool) {
	for _, quote := range quoteSuffixes {
		base, found := strings.CutSuffix(pair, quote)
		if found && base != "" {
			return types.Symbol(base + "/" + quote), true
		}
	}
	return "", false
}
