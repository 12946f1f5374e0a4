// Package telegram wraps the Bot API client used by the bridge: paced
// outbound sends, webhook management, and setup-time update polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/time/rate"
)

const (
	// sendRate stays under Telegram's ~30 messages/second bot limit.
	sendRate  = rate.Limit(25)
	sendBurst = 5

	maxSendAttempts = 3
	retryBaseDelay  = 500 * time.Millisecond
)

// Sender is the outbound surface the dispatcher consumes. Tests substitute a
// fake.
type Sender interface {
	SendMessage(ctx context.Context, chatID int64, text string) error
}

// botAPI is the tgbotapi subset the client touches.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdates(config tgbotapi.UpdateConfig) ([]tgbotapi.Update, error)
	GetWebhookInfo() (tgbotapi.WebhookInfo, error)
}

// Client is a single-bot Telegram client.
type Client struct {
	bot     botAPI
	limiter *rate.Limiter
}

// New authenticates against the Bot API.
func New(token string) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	slog.Info("Telegram bot authenticated", "username", bot.Self.UserName)
	return newWithBot(bot), nil
}

func newWithBot(bot botAPI) *Client {
	return &Client{
		bot:     bot,
		limiter: rate.NewLimiter(sendRate, sendBurst),
	}
}

// SendMessage delivers one HTML-formatted message with link previews off.
// Transient failures are retried with exponential backoff.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ParseMode = tgbotapi.ModeHTML
	msg.DisableWebPagePreview = true

	return c.withRetry(ctx, "send message", func() error {
		_, err := c.bot.Send(msg)
		return err
	})
}

// SetWebhook registers the webhook endpoint with Telegram.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	wh, err := tgbotapi.NewWebhook(url)
	if err != nil {
		return fmt.Errorf("build webhook config: %w", err)
	}
	return c.withRetry(ctx, "set webhook", func() error {
		_, err := c.bot.Request(wh)
		return err
	})
}

// DeleteWebhook removes the registered webhook.
func (c *Client) DeleteWebhook(ctx context.Context) error {
	return c.withRetry(ctx, "delete webhook", func() error {
		_, err := c.bot.Request(tgbotapi.DeleteWebhookConfig{})
		return err
	})
}

// GetWebhookInfo reports the webhook Telegram currently has on file.
func (c *Client) GetWebhookInfo() (tgbotapi.WebhookInfo, error) {
	info, err := c.bot.GetWebhookInfo()
	if err != nil {
		return tgbotapi.WebhookInfo{}, fmt.Errorf("get webhook info: %w", err)
	}
	return info, nil
}

// GetUpdates polls for updates, used at setup time to detect the chat id.
// Polling and webhooks are mutually exclusive on the Bot API.
func (c *Client) GetUpdates(offset, limit, timeoutSeconds int) ([]tgbotapi.Update, error) {
	updates, err := c.bot.GetUpdates(tgbotapi.UpdateConfig{
		Offset:  offset,
		Limit:   limit,
		Timeout: timeoutSeconds,
	})
	if err != nil {
		return nil, fmt.Errorf("get updates: %w", err)
	}
	return updates, nil
}

// AnswerCallbackQuery acknowledges an inline-keyboard callback.
func (c *Client) AnswerCallbackQuery(ctx context.Context, callbackID, text string) error {
	return c.withRetry(ctx, "answer callback", func() error {
		_, err := c.bot.Request(tgbotapi.NewCallback(callbackID, text))
		return err
	})
}

// withRetry paces the call through the limiter and retries transient
// failures up to maxSendAttempts.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= maxSendAttempts; attempt++ {
		if werr := c.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("%s: %w", op, werr)
		}
		if err = fn(); err == nil {
			return nil
		}
		if !isTransient(err) || attempt == maxSendAttempts {
			break
		}

		delay := retryBaseDelay << (attempt - 1)
		if ra := retryAfter(err); ra > delay {
			delay = ra
		}
		slog.Warn("Telegram call failed, retrying",
			"op", op, "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isTransient marks server-side and network failures as retry-worthy;
// 4xx API rejections are permanent.
func isTransient(err error) bool {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500 || apiErr.Code == 429
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// retryAfter extracts Telegram's flood-control hint, if present.
func retryAfter(err error) time.Duration {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return time.Duration(apiErr.RetryAfter) * time.Second
	}
	return 0
}

var _ Sender = (*Client)(nil)
