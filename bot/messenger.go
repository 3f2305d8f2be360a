package bot

import (
	"context"
)

type Button struct {
	Text string
	Data string
}

// Keyboard is an inline keyboard, one slice per row.
type Keyboard [][]Button

// Messenger is the chat transport. Text is HTML formatted.
type Messenger interface {
	Send(ctx context.Context, chatID int64, text string) error
	SendKeyboard(ctx context.Context, chatID int64, text string, kb Keyboard) (int, error)
	Edit(ctx context.Context, chatID int64, messageID int, text string, kb Keyboard) error
	Delete(ctx context.Context, chatID int64, messageID int) error
	AnswerCallback(ctx context.Context, callbackID, text string) error
}

// Update is one inbound event, either a text message or a button press.
type Update struct {
	ID       int
	ChatID   int64
	Private  bool
	Text     string
	Callback *Callback
}

type Callback struct {
	ID        string
	MessageID int
	Data      string
}
