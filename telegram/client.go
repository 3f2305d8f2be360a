// Package telegram adapts the Telegram Bot API to the bot and notify
// packages.
package telegram

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/stakestar/tvpbot/bot"
	"github.com/stakestar/tvpbot/logger"
)

type Config struct {
	Token        string        `yaml:"token" env:"TELEGRAM_TOKEN" env-description:"Bot API token, required"`
	URL          string        `yaml:"url" env:"TELEGRAM_URL" env-default:"https://api.telegram.org"`
	PollTimeout  time.Duration `yaml:"pollTimeout" env:"TELEGRAM_POLL_TIMEOUT" env-default:"25s"`
	SendAttempts uint          `yaml:"sendAttempts" env:"TELEGRAM_SEND_ATTEMPTS" env-default:"3"`
	SendDelay    time.Duration `yaml:"sendDelay" env:"TELEGRAM_SEND_DELAY" env-default:"2s"`
}

// Client sends messages with retries and reports chats that blocked the bot.
type Client struct {
	bot       *telebot.Bot
	cfg       Config
	logger    *zap.Logger
	onBlocked func(chatID int64)
}

func New(cfg Config, l *zap.Logger) (*Client, error) {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 25 * time.Second
	}
	if cfg.SendAttempts == 0 {
		cfg.SendAttempts = 3
	}
	b, err := telebot.NewBot(telebot.Settings{
		URL:   cfg.URL,
		Token: cfg.Token,
		// the long poll must finish before the transport gives up
		Client:      &http.Client{Timeout: cfg.PollTimeout + 10*time.Second},
		Synchronous: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "could not create telegram bot")
	}
	return &Client{bot: b, cfg: cfg, logger: logger.Component(l, "telegram")}, nil
}

func (c *Client) Username() string {
	if c.bot.Me == nil {
		return ""
	}
	return c.bot.Me.Username
}

// OnBlocked registers fn to be called for chats that blocked or removed the bot.
func (c *Client) OnBlocked(fn func(chatID int64)) {
	c.onBlocked = fn
}

func (c *Client) Send(ctx context.Context, chatID int64, text string) error {
	_, err := c.send(ctx, chatID, text, nil)
	return err
}

func (c *Client) SendKeyboard(ctx context.Context, chatID int64, text string, kb bot.Keyboard) (int, error) {
	return c.send(ctx, chatID, text, kb)
}

func (c *Client) send(ctx context.Context, chatID int64, text string, kb bot.Keyboard) (int, error) {
	var id int
	err := c.do(ctx, chatID, func() error {
		msg, err := c.bot.Send(&telebot.Chat{ID: chatID}, text, options(kb))
		if err != nil {
			return err
		}
		id = msg.ID
		return nil
	})
	return id, err
}

func (c *Client) Edit(ctx context.Context, chatID int64, messageID int, text string, kb bot.Keyboard) error {
	stored := telebot.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: chatID}
	return c.do(ctx, chatID, func() error {
		_, err := c.bot.Edit(stored, text, options(kb))
		if err != nil && strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return err
	})
}

func (c *Client) Delete(ctx context.Context, chatID int64, messageID int) error {
	stored := telebot.StoredMessage{MessageID: strconv.Itoa(messageID), ChatID: chatID}
	return c.do(ctx, chatID, func() error {
		return c.bot.Delete(stored)
	})
}

func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	return c.do(ctx, 0, func() error {
		return c.bot.Respond(&telebot.Callback{ID: callbackID}, &telebot.CallbackResponse{Text: text})
	})
}

// do runs fn with retries for transient failures only.
func (c *Client) do(ctx context.Context, chatID int64, fn func() error) error {
	err := retry.Do(
		fn,
		retry.Context(ctx),
		retry.Attempts(c.cfg.SendAttempts),
		retry.Delay(c.cfg.SendDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool { return !isPermanent(err) }),
	)
	if err != nil && chatID != 0 && isBlocked(err) {
		c.logger.Info("bot was blocked", zap.Int64("chat", chatID))
		if c.onBlocked != nil {
			c.onBlocked(chatID)
		}
	}
	return err
}

func options(kb bot.Keyboard) *telebot.SendOptions {
	opts := &telebot.SendOptions{ParseMode: telebot.ModeHTML, DisableWebPagePreview: true}
	if kb != nil {
		markup := &telebot.ReplyMarkup{}
		for _, row := range kb {
			buttons := make([]telebot.InlineButton, 0, len(row))
			for _, b := range row {
				buttons = append(buttons, telebot.InlineButton{Text: b.Text, Data: b.Data})
			}
			markup.InlineKeyboard = append(markup.InlineKeyboard, buttons)
		}
		opts.ReplyMarkup = markup
	}
	return opts
}

var blockedMarkers = []string{
	"bot was blocked by the user",
	"bot was kicked",
	"user is deactivated",
	"chat not found",
}

func isBlocked(err error) bool {
	msg := err.Error()
	for _, m := range blockedMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// isPermanent reports API rejections that a retry cannot fix.
func isPermanent(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "Forbidden") || strings.Contains(msg, "Bad Request") || isBlocked(err)
}
