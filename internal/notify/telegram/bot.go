package telegram

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// BotPoster sends messages through the Bot API. It never polls for updates.
type BotPoster struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

type BotConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API base URL. Empty means the public API.
	APIURL string
}

// NewBotPoster builds an offline bot: no getMe round trip at construction, so
// a bad token only surfaces on the first post.
func NewBotPoster(cfg BotConfig) (*BotPoster, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     strings.TrimSpace(cfg.APIURL),
		Token:   cfg.Token,
		Offline: true,
		Client:  &http.Client{Timeout: 10 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &BotPoster{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt: &tele.SendOptions{
			ParseMode:             tele.ModeHTML,
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

// Post sends text. telebot has no context support, so ctx only gates the
// call.
func (p *BotPoster) Post(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.bot.Send(p.chat, text, p.opt)
	return err
}
