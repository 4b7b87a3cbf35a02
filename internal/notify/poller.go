package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"arbwatch/internal/cache"
	"arbwatch/internal/config"
	"arbwatch/internal/venue"
	"arbwatch/pkg/types"
)

// longPollTimeout is the getUpdates hold time; the HTTP timeout leaves
// headroom above it.
const longPollTimeout = 30 * time.Second

// CommandHandler executes the interactive commands. Every method returns
// the text to show the user; errors are rendered inline.
type CommandHandler interface {
	BalanceSummary(ctx context.Context) string
	PreviewTrade(ctx context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error)
	Trade(ctx context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error)
	Transfer(ctx context.Context, coin string, amount decimal.Decimal, fromVenue, toVenue string) (string, error)
}

// Poller long-polls the bot getUpdates endpoint and dispatches the
// recognized commands. Only the primary process runs one; the update
// cursor is persisted in the cache so a restart never replays commands.
type Poller struct {
	http    *resty.Client
	token   string
	store   *cache.Store
	queue   *Queue
	handler CommandHandler
	logger  *slog.Logger
}

func NewPoller(cfg config.BotConfig, store *cache.Store, queue *Queue, handler CommandHandler, logger *slog.Logger) *Poller {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBotBaseURL
	}
	return &Poller{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(longPollTimeout + 5*time.Second),
		token:   cfg.Token,
		store:   store,
		queue:   queue,
		handler: handler,
		logger:  logger.With("component", "poller"),
	}
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

// Run polls until ctx is cancelled. Fetch errors back off on the shared
// schedule and polling resumes.
func (p *Poller) Run(ctx context.Context) error {
	if p.token == "" {
		p.logger.Warn("bot token not configured, poller idle")
		<-ctx.Done()
		return ctx.Err()
	}
	cursor, _, err := p.store.GetLastUpdateID(ctx)
	if err != nil {
		return fmt.Errorf("load update cursor: %w", err)
	}
	for {
		updates, err := venue.WithRetry(ctx, func(ctx context.Context) ([]update, error) {
			return p.fetchUpdates(ctx, cursor)
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Error("update fetch failed", "error", err)
			continue
		}
		for _, u := range updates {
			if u.UpdateID <= cursor {
				continue
			}
			cursor = u.UpdateID
			if err := p.store.SetLastUpdateID(ctx, cursor); err != nil {
				p.logger.Error("update cursor write failed", "error", err)
			}
			if u.Message.Text != "" {
				p.handle(ctx, u.Message.Chat.ID, u.Message.Text)
			}
		}
	}
}

func (p *Poller) fetchUpdates(ctx context.Context, cursor int64) ([]update, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"offset":  fmt.Sprintf("%d", cursor+1),
			"timeout": fmt.Sprintf("%d", int(longPollTimeout.Seconds())),
		}).
		Get("/bot" + p.token + "/getUpdates")
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}

	// Decode the body directly; the channel does not always tag its
	// responses with a JSON content type.
	var result struct {
		OK         bool     `json:"ok"`
		Description string   `json:"description"`
		Result     []update `json:"result"`
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &result); err != nil {
			return nil, fmt.Errorf("get updates: decode response: %w", err)
		}
	}
	switch {
	case resp.StatusCode() == http.StatusOK && result.OK:
		return result.Result, nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return nil, &venue.RetryAfterError{Wait: time.Duration(result.Parameters.RetryAfter) * time.Second}
	default:
		return nil, fmt.Errorf("get updates: status %d: %s", resp.StatusCode(), result.Description)
	}
}

const (
	usageTrade    = "usage: /trade <venue> <buy|sell> <amount> <BASE/QUOTE>"
	usagePreview  = "usage: /preview_trade <venue> <buy|sell> <amount> <BASE/QUOTE>"
	usageTransfer = "usage: /transfer <coin> <amount> <from_venue> <to_venue>"
)

// handle parses one incoming text and replies. Replies jump the queue so
// an operator never waits behind deal notifications.
func (p *Poller) handle(ctx context.Context, chatID int64, text string) {
	fields := strings.Fields(text)
	if len(fields) == 0 || !strings.HasPrefix(fields[0], "/") {
		return
	}
	command := fields[0]
	args := fields[1:]
	p.logger.Info("command received", "command", command)

	var reply string
	switch command {
	case "/balance":
		reply = p.handler.BalanceSummary(ctx)
	case "/trade":
		reply = p.runTrade(ctx, args, usageTrade, p.handler.Trade)
	case "/preview_trade":
		reply = p.runTrade(ctx, args, usagePreview, p.handler.PreviewTrade)
	case "/transfer":
		reply = p.runTransfer(ctx, args)
	default:
		reply = fmt.Sprintf("unknown command %s, try /balance, /trade, /preview_trade or /transfer", command)
	}
	p.queue.PushFront(Message{ChatID: chatID, Text: reply})
}

type tradeFunc func(ctx context.Context, venueID string, symbol types.Symbol, side types.Side, amount decimal.Decimal) (string, error)

func (p *Poller) runTrade(ctx context.Context, args []string, usage string, fn tradeFunc) string {
	if len(args) != 4 {
		return usage
	}
	venueID := args[0]
	side := types.Side(strings.ToLower(args[1]))
	if side != types.Buy && side != types.Sell {
		return usage
	}
	amount, err := decimal.NewFromString(args[2])
	if err != nil || !amount.IsPositive() {
		return usage
	}
	symbol := types.Symbol(strings.ToUpper(args[3]))
	if !symbol.Valid() {
		return usage
	}
	reply, err := fn(ctx, venueID, symbol, side, amount)
	if err != nil {
		return fmt.Sprintf("command failed: %s", err)
	}
	return reply
}

func (p *Poller) runTransfer(ctx context.Context, args []string) string {
	if len(args) != 4 {
		return usageTransfer
	}
	coin := strings.ToUpper(args[0])
	amount, err := decimal.NewFromString(args[1])
	if err != nil || !amount.IsPositive() {
		return usageTransfer
	}
	reply, err := p.handler.Transfer(ctx, coin, amount, args[2], args[3])
	if err != nil {
		return fmt.Sprintf("command failed: %s", err)
	}
	return reply
}
