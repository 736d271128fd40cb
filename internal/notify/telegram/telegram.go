// Package telegram sends notify messages to one Telegram chat.
package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

type Config struct {
	Token    string
	ChatID   int64
	ThreadID int
	// Offline skips the getMe call at construction. Used by tests.
	Offline bool
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Token) == "" {
		return errors.New("telegram token is empty")
	}
	if c.ChatID == 0 {
		return errors.New("telegram chat_id is required")
	}
	return nil
}

// Sender is a send-only bot: it never polls for updates.
type Sender struct {
	cfg Config
	bot *tele.Bot
}

func New(cfg Config) (*Sender, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   strings.TrimSpace(cfg.Token),
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: 15 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Sender{cfg: cfg, bot: b}, nil
}

// Send posts text to the configured chat and thread. telebot has no context
// support, so ctx is only checked before the call.
func (s *Sender) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, &tele.SendOptions{
		DisableWebPagePreview: true,
		ThreadID:              s.cfg.ThreadID,
	})
	return err
}
