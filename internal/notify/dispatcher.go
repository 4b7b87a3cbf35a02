package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"arbwatch/internal/config"
	"arbwatch/internal/venue"
)

const (
	defaultBotBaseURL = "https://api.telegram.org"
	// sendTimeout bounds connect/read/write for one delivery attempt.
	sendTimeout = 35 * time.Second
)

// Dispatcher is the queue's single consumer. It delivers messages over
// the bot sendMessage endpoint, honoring the channel's retry_after on
// throttling and the shared backoff schedule on generic failures. A
// message that exhausts its retries is logged and dropped; delivery
// failures never block producers.
type Dispatcher struct {
	queue  *Queue
	http   *resty.Client
	token  string
	chatID int64
	logger *slog.Logger
}

func NewDispatcher(queue *Queue, cfg config.BotConfig, logger *slog.Logger) *Dispatcher {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBotBaseURL
	}
	return &Dispatcher{
		queue: queue,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(sendTimeout).
			SetHeader("Content-Type", "application/json"),
		token:  cfg.Token,
		chatID: cfg.ChatID,
		logger: logger.With("component", "dispatcher"),
	}
}

// Run drains the queue until ctx is cancelled. The in-flight send is
// allowed to finish; queued messages are abandoned on shutdown.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.token == "" {
		d.logger.Warn("bot token not configured, draining queue to log only")
	}
	for {
		msg, err := d.queue.Pop(ctx)
		if err != nil {
			return err
		}
		if d.token == "" {
			d.logger.Info("outbound message", "text", msg.Text)
			continue
		}
		if _, err := venue.WithRetry(ctx, func(ctx context.Context) (struct{}, error) {
			// The in-flight attempt finishes even when shutdown cancels
			// ctx; the retry wrapper still stops between attempts.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
			defer cancel()
			return struct{}{}, d.send(sendCtx, msg)
		}); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			d.logger.Error("message delivery failed", "error", err)
		}
	}
}

// send posts one sendMessage call. HTTP 429 surfaces the channel's
// parameters.retry_after as a RetryAfterError so the retry wrapper
// sleeps the exact mandated duration.
func (d *Dispatcher) send(ctx context.Context, msg Message) error {
	chatID := msg.ChatID
	if chatID == 0 {
		chatID = d.chatID
	}

	resp, err := d.http.R().
		SetContext(ctx).
		SetBody(map[string]any{"chat_id": chatID, "text": msg.Text}).
		Post("/bot" + d.token + "/sendMessage")
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}

	// Decode the body directly; the channel does not always tag its
	// responses with a JSON content type.
	var result struct {
		OK         bool   `json:"ok"`
		Description string `json:"description"`
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), &result); err != nil {
			return fmt.Errorf("send message: decode response: %w", err)
		}
	}

	switch {
	case resp.StatusCode() == http.StatusOK && result.OK:
		return nil
	case resp.StatusCode() == http.StatusTooManyRequests:
		return &venue.RetryAfterError{Wait: time.Duration(result.Parameters.RetryAfter) * time.Second}
	default:
		return fmt.Errorf("send message: status %d: %s", resp.StatusCode(), result.Description)
	}
}
