// Package venue implements the venue registry and the descriptor-driven
// exchange clients behind it.
//
// One Exchange wraps one venue's public REST API (market metadata, order
// book depth) plus, where credentials and descriptor paths allow, the
// private trading surface (balances, market orders, transfers). Venues
// with a websocket endpoint additionally stream depth for symbol groups.
// All shapes — URLs, response formats, fee schedules — live in the
// descriptor catalog, so the client code itself is venue-agnostic.
package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"arbwatch/pkg/types"
)

// ErrUnsupported marks operations a venue's descriptor does not wire.
var ErrUnsupported = errors.New("operation not supported on venue")

// Exchange is a descriptor-driven venue client. It satisfies Client.
type Exchange struct {
	desc   *descriptor
	http   *resty.Client
	creds  Credentials
	sign   signer
	logger *slog.Logger

	marketsMu sync.RWMutex
	markets   map[types.Symbol]types.Market

	feedMu sync.Mutex
	feed   *depthFeed
}

// NewExchange builds a client for venueID. Credentials come from the
// environment; their absence is not an error, it just leaves the trading
// surface locked.
func NewExchange(venueID string, logger *slog.Logger) (*Exchange, error) {
	desc, err := lookupDescriptor(venueID)
	if err != nil {
		return nil, err
	}

	httpClient := resty.New().
		SetBaseURL(desc.restBaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")

	ex := &Exchange{
		desc:   desc,
		http:   httpClient,
		creds:  CredentialsFromEnv(venueID),
		logger: logger.With("component", "venue", "venue", desc.id),
	}
	if !ex.creds.Empty() {
		sign, err := newSigner(ex.creds)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", desc.id, err)
		}
		ex.sign = sign
	}
	return ex, nil
}

// ID returns the venue identifier.
func (e *Exchange) ID() string { return e.desc.id }

// Authenticated reports whether credentials were present at construction.
func (e *Exchange) Authenticated() bool { return !e.creds.Empty() }

// checkStatus maps HTTP failures onto the retry taxonomy.
func (e *Exchange) checkStatus(resp *resty.Response) error {
	switch code := resp.StatusCode(); {
	case code == http.StatusOK:
		return nil
	case code == http.StatusTooManyRequests || code == 418:
		wait := time.Duration(0)
		if secs, err := strconv.Atoi(resp.Header().Get("Retry-After")); err == nil {
			wait = time.Duration(secs) * time.Second
		}
		return &RateLimitError{Venue: e.desc.id, Wait: wait}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return &AuthError{Venue: e.desc.id, Op: resp.Request.URL}
	default:
		return fmt.Errorf("%s: status %d: %s", e.desc.id, code, resp.String())
	}
}

// LoadMarkets fetches the venue's market catalog.
func (e *Exchange) LoadMarkets(ctx context.Context) (map[types.Symbol]types.Market, error) {
	resp, err := e.http.R().SetContext(ctx).Get(e.desc.marketsPath)
	if err != nil {
		return nil, fmt.Errorf("%s: load markets: %w", e.desc.id, err)
	}
	if err := e.checkStatus(resp); err != nil {
		return nil, err
	}
	markets, err := e.desc.parseMarkets(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.desc.id, err)
	}

	e.marketsMu.Lock()
	e.markets = markets
	e.marketsMu.Unlock()

	e.logger.Info("markets loaded", "count", len(markets))
	return markets, nil
}

// HasMarket reports whether the venue lists symbol as an active market.
func (e *Exchange) HasMarket(symbol types.Symbol) bool {
	e.marketsMu.RLock()
	defer e.marketsMu.RUnlock()
	market, ok := e.markets[symbol]
	return ok && market.Active
}

// FetchOrderBook returns one symbol's depth snapshot.
func (e *Exchange) FetchOrderBook(ctx context.Context, symbol types.Symbol) (*types.OrderBookSnapshot, error) {
	if !e.HasMarket(symbol) {
		return nil, fmt.Errorf("%s: %s: %w", e.desc.id, symbol, ErrMissingMarket)
	}

	path, query := e.desc.depthRequest(symbol)
	resp, err := e.http.R().SetContext(ctx).SetQueryParams(query).Get(path)
	if err != nil {
		return nil, fmt.Errorf("%s: fetch depth: %w", e.desc.id, err)
	}
	if err := e.checkStatus(resp); err != nil {
		return nil, err
	}
	asks, bids, err := e.desc.parseDepth(resp.Body())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.desc.id, err)
	}
	return &types.OrderBookSnapshot{
		Symbol:     symbol,
		Venue:      e.desc.id,
		Asks:       asks,
		Bids:       bids,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// FetchOrderBooks returns the top of book for every active market in one
// request, via the venue's all-tickers endpoint. Depth is one level, which
// is all a full-market sweep can give without a request per symbol.
func (e *Exchange) FetchOrderBooks(ctx context.Context) (map[types.Symbol]*types.OrderBookSnapshot, error) {
	top, err := e.fetchTopOfBook(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	books := make(map[types.Symbol]*types.OrderBookSnapshot, len(top))
	for symbol, levels := range top {
		if !e.HasMarket(symbol) {
			continue
		}
		books[symbol] = &types.OrderBookSnapshot{
			Symbol:     symbol,
			Venue:      e.desc.id,
			Asks:       levels.asks,
			Bids:       levels.bids,
			ReceivedAt: now,
		}
	}
	return books, nil
}

type topLevels struct {
	asks []types.PriceLevel
	bids []types.PriceLevel
}

func (e *Exchange) fetchTopOfBook(ctx context.Context) (map[types.Symbol]topLevels, error) {
	switch e.desc.id {
	case "binance":
		return e.fetchBinanceBookTickers(ctx)
	case "okx":
		return e.fetchOKXTickers(ctx)
	default:
		return nil, fmt.Errorf("%s: full-market sweep: %w", e.desc.id, ErrUnsupported)
	}
}

func (e *Exchange) fetchBinanceBookTickers(ctx context.Context) (map[types.Symbol]topLevels, error) {
	resp, err := e.http.R().SetContext(ctx).Get("/api/v3/ticker/bookTicker")
	if err != nil {
		return nil, fmt.Errorf("%s: book tickers: %w", e.desc.id, err)
	}
	if err := e.checkStatus(resp); err != nil {
		return nil, err
	}
	var body []struct {
		Symbol   string `json:"symbol"`
		BidPrice string `json:"bidPrice"`
		BidQty   string `json:"bidQty"`
		AskPrice string `json:"askPrice"`
		AskQty   string `json:"askQty"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%s: decode book tickers: %w", e.desc.id, err)
	}
	books := make(map[types.Symbol]topLevels, len(body))
	for _, t := range body {
		symbol, ok := symbolFromConcat(t.Symbol)
		if !ok {
			continue
		}
		levels, err := topLevelsFromStrings(t.AskPrice, t.AskQty, t.BidPrice, t.BidQty)
		if err != nil {
			continue
		}
		books[symbol] = levels
	}
	return books, nil
}

func (e *Exchange) fetchOKXTickers(ctx context.Context) (map[types.Symbol]topLevels, error) {
	resp, err := e.http.R().SetContext(ctx).
		SetQueryParam("instType", "SPOT").
		Get("/api/v5/market/tickers")
	if err != nil {
		return nil, fmt.Errorf("%s: tickers: %w", e.desc.id, err)
	}
	if err := e.checkStatus(resp); err != nil {
		return nil, err
	}
	var body struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
		Data []struct {
			InstID string `json:"instId"`
			AskPx  string `json:"askPx"`
			AskSz  string `json:"askSz"`
			BidPx  string `json:"bidPx"`
			BidSz  string `json:"bidSz"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%s: decode tickers: %w", e.desc.id, err)
	}
	if body.Code != "0" && body.Code != "" {
		return nil, fmt.Errorf("%s: code %s: %s", e.desc.id, body.Code, body.Msg)
	}
	books := make(map[types.Symbol]topLevels, len(body.Data))
	for _, t := range body.Data {
		symbol := types.Symbol(strings.ReplaceAll(t.InstID, "-", "/"))
		if !symbol.Valid() {
			continue
		}
		levels, err := topLevelsFromStrings(t.AskPx, t.AskSz, t.BidPx, t.BidSz)
		if err != nil {
			continue
		}
		books[symbol] = levels
	}
	return books, nil
}

func topLevelsFromStrings(askPrice, askVol, bidPrice, bidVol string) (topLevels, error) {
	ap, err := decimal.NewFromString(askPrice)
	if err != nil {
		return topLevels{}, err
	}
	av, err := decimal.NewFromString(askVol)
	if err != nil {
		return topLevels{}, err
	}
	bp, err := decimal.NewFromString(bidPrice)
	if err != nil {
		return topLevels{}, err
	}
	bv, err := decimal.NewFromString(bidVol)
	if err != nil {
		return topLevels{}, err
	}
	return topLevels{
		asks: []types.PriceLevel{{Price: ap, Volume: av}},
		bids: []types.PriceLevel{{Price: bp, Volume: bv}},
	}, nil
}

// WatchOrderBookForSymbols streams depth for a symbol group. Venues with
// a websocket endpoint keep one shared feed per client; others fall back
// to polling the depth endpoint once per symbol.
func (e *Exchange) WatchOrderBookForSymbols(ctx context.Context, symbols []types.Symbol) (map[types.Symbol]*types.OrderBookSnapshot, error) {
	if e.desc.wsURL == "" {
		return e.pollOrderBooks(ctx, symbols)
	}

	e.feedMu.Lock()
	if e.feed == nil {
		e.feed = newDepthFeed(e.desc, e.logger)
	}
	feed := e.feed
	e.feedMu.Unlock()

	return feed.Watch(ctx, symbols)
}

func (e *Exchange) pollOrderBooks(ctx context.Context, symbols []types.Symbol) (map[types.Symbol]*types.OrderBookSnapshot, error) {
	books := make(map[types.Symbol]*types.OrderBookSnapshot, len(symbols))
	var lastErr error
	for _, symbol := range symbols {
		snapshot, err := e.FetchOrderBook(ctx, symbol)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}
		books[symbol] = snapshot
	}
	if len(books) == 0 && lastErr != nil {
		return nil, lastErr
	}
	return books, nil
}

// CalculateFee prices a hypothetical taker order. The fee is charged in
// the currency the order receives: base units for buys, quote for sells.
func (e *Exchange) CalculateFee(symbol types.Symbol, side types.Side, amount, price decimal.Decimal) types.Fee {
	cost := amount.Mul(e.desc.takerFee)
	if side == types.Sell {
		cost = cost.Mul(price)
	}
	return types.Fee{
		Currency: e.desc.feeCurrency(symbol, side),
		Cost:     cost,
	}
}

// signedRequest performs a binance-style signed call: the query string
// (plus timestamp) is HMAC-signed and the API key rides in a header.
func (e *Exchange) signedRequest(ctx context.Context, method, path string, params map[string]string) (*resty.Response, error) {
	if !e.Authenticated() || e.sign == nil {
		return nil, &AuthError{Venue: e.desc.id, Op: path}
	}

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	values.Set("timestamp", strconv.FormatInt(time.Now().UnixMilli(), 10))
	signature, err := e.sign.Sign(values.Encode())
	if err != nil {
		return nil, fmt.Errorf("%s: sign request: %w", e.desc.id, err)
	}
	values.Set("signature", signature)

	req := e.http.R().
		SetContext(ctx).
		SetHeader("X-MBX-APIKEY", e.creds.APIKey).
		SetQueryParamsFromValues(values)

	var resp *resty.Response
	switch method {
	case http.MethodGet:
		resp, err = req.Get(path)
	case http.MethodPost:
		resp, err = req.Post(path)
	default:
		return nil, fmt.Errorf("%s: method %s: %w", e.desc.id, method, ErrUnsupported)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %s %s: %w", e.desc.id, method, path, err)
	}
	if err := e.checkStatus(resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// FetchBalance returns the account's free balances.
func (e *Exchange) FetchBalance(ctx context.Context) (types.Balances, error) {
	if e.desc.balancePath == "" {
		return nil, fmt.Errorf("%s: fetch balance: %w", e.desc.id, ErrUnsupported)
	}
	resp, err := e.signedRequest(ctx, http.MethodGet, e.desc.balancePath, nil)
	if err != nil {
		return nil, err
	}
	var body struct {
		Balances []struct {
			Asset string `json:"asset"`
			Free  string `json:"free"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("%s: decode balances: %w", e.desc.id, err)
	}
	balances := make(types.Balances, len(body.Balances))
	for _, b := range body.Balances {
		free, err := decimal.NewFromString(b.Free)
		if err != nil || free.IsZero() {
			continue
		}
		balances[b.Asset] = free
	}
	return balances, nil
}

// CreateOrder places a market order and returns the venue's order id.
func (e *Exchange) CreateOrder(ctx context.Context, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error) {
	if e.desc.orderPath == "" {
		return "", fmt.Errorf("%s: create order: %w", e.desc.id, ErrUnsupported)
	}
	if !e.HasMarket(symbol) {
		return "", fmt.Errorf("%s: %s: %w", e.desc.id, symbol, ErrMissingMarket)
	}
	params := map[string]string{
		"symbol":   e.desc.formatSymbol(symbol),
		"side":     strings.ToUpper(string(side)),
		"type":     "MARKET",
		"quantity": amount.String(),
	}
	resp, err := e.signedRequest(ctx, http.MethodPost, e.desc.orderPath, params)
	if err != nil {
		return "", err
	}
	var body struct {
		OrderID json.Number `json:"orderId"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("%s: decode order: %w", e.desc.id, err)
	}
	e.logger.Info("order placed", "symbol", symbol, "side", side, "amount", amount, "order_id", body.OrderID.String())
	return body.OrderID.String(), nil
}

// FetchDepositAddress returns the venue's deposit address for a coin.
func (e *Exchange) FetchDepositAddress(ctx context.Context, coin string) (string, error) {
	if e.desc.depositAddressPath == "" {
		return "", fmt.Errorf("%s: deposit address: %w", e.desc.id, ErrUnsupported)
	}
	resp, err := e.signedRequest(ctx, http.MethodGet, e.desc.depositAddressPath, map[string]string{"coin": coin})
	if err != nil {
		return "", err
	}
	var body struct {
		Address string `json:"address"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("%s: decode deposit address: %w", e.desc.id, err)
	}
	if body.Address == "" {
		return "", fmt.Errorf("%s: no deposit address for %s", e.desc.id, coin)
	}
	return body.Address, nil
}

// Withdraw moves amount of coin to address and returns the transfer id.
func (e *Exchange) Withdraw(ctx context.Context, coin string, amount decimal.Decimal, address string) (string, error) {
	if e.desc.withdrawPath == "" {
		return "", fmt.Errorf("%s: withdraw: %w", e.desc.id, ErrUnsupported)
	}
	params := map[string]string{
		"coin":    coin,
		"amount":  amount.String(),
		"address": address,
	}
	resp, err := e.signedRequest(ctx, http.MethodPost, e.desc.withdrawPath, params)
	if err != nil {
		return "", err
	}
	var body struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return "", fmt.Errorf("%s: decode withdrawal: %w", e.desc.id, err)
	}
	e.logger.Warn("withdrawal submitted", "coin", coin, "amount", amount, "transfer_id", body.ID)
	return body.ID, nil
}

// Close shuts down the client's websocket feed if one was opened.
func (e *Exchange) Close() error {
	e.feedMu.Lock()
	defer e.feedMu.Unlock()
	if e.feed != nil {
		err := e.feed.Close()
		e.feed = nil
		return err
	}
	return nil
}
