package telegram

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gopkg.in/tucnak/telebot.v2"

	"github.com/stakestar/tvpbot/bot"
)

type OffsetStore interface {
	GetTelegramOffset() (uint64, error)
	AdvanceTelegramOffset(offset uint64) (bool, error)
}

type Handler interface {
	Handle(ctx context.Context, u bot.Update)
}

// Poll long-polls for updates and hands them to h one by one. The stored
// offset moves past a batch only after the whole batch was handled, so a
// crash replays the batch.
func (c *Client) Poll(ctx context.Context, store OffsetStore, h Handler) {
	const retryDelay = 5 * time.Second
	c.logger.Info("polling for updates")
	for ctx.Err() == nil {
		offset, err := store.GetTelegramOffset()
		if err != nil {
			c.logger.Error("could not read update offset", zap.Error(err))
			sleep(ctx, retryDelay)
			continue
		}
		updates, err := c.getUpdates(offset)
		if err != nil {
			c.logger.Warn("could not get updates", zap.Error(err))
			sleep(ctx, retryDelay)
			continue
		}
		if len(updates) == 0 {
			continue
		}
		for i := range updates {
			if u, ok := convert(&updates[i]); ok {
				c.handle(ctx, h, u)
			}
		}
		next := uint64(updates[len(updates)-1].ID) + 1
		if _, err := store.AdvanceTelegramOffset(next); err != nil {
			c.logger.Error("could not store update offset", zap.Uint64("offset", next), zap.Error(err))
		}
	}
}

// handle keeps a panicking update from taking the loop down; the update is
// logged and the batch moves on, so it is not replayed after a restart.
func (c *Client) handle(ctx context.Context, h Handler, u bot.Update) {
	defer func() {
		if p := recover(); p != nil {
			c.logger.Error("recovered from panic while handling update",
				zap.Int("update", u.ID), zap.Int64("chat", u.ChatID), zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	h.Handle(ctx, u)
}

type updatesResponse struct {
	Result []telebot.Update `json:"result"`
}

func (c *Client) getUpdates(offset uint64) ([]telebot.Update, error) {
	payload := map[string]interface{}{
		"offset":          offset,
		"timeout":         int(c.cfg.PollTimeout / time.Second),
		"allowed_updates": []string{"message", "callback_query"},
	}
	data, err := c.bot.Raw("getUpdates", payload)
	if err != nil {
		return nil, err
	}
	var resp updatesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrap(err, "could not decode updates")
	}
	return resp.Result, nil
}

func convert(u *telebot.Update) (bot.Update, bool) {
	switch {
	case u.Callback != nil && u.Callback.Message != nil && u.Callback.Message.Chat != nil:
		msg := u.Callback.Message
		return bot.Update{
			ID:      u.ID,
			ChatID:  msg.Chat.ID,
			Private: msg.Chat.Type == telebot.ChatPrivate,
			Callback: &bot.Callback{
				ID:        u.Callback.ID,
				MessageID: msg.ID,
				Data:      u.Callback.Data,
			},
		}, true
	case u.Message != nil && u.Message.Chat != nil:
		return bot.Update{
			ID:      u.ID,
			ChatID:  u.Message.Chat.ID,
			Private: u.Message.Chat.Type == telebot.ChatPrivate,
			Text:    u.Message.Text,
		}, true
	}
	return bot.Update{}, false
}

func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
