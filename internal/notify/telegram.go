package notify

import (
	"context"
	"fmt"
	"html"
	"strings"

	tele "gopkg.in/telebot.v4"

	"gputracker/internal/domain"
)

// TelegramConfig is the "config" block of a telegram channel.
type TelegramConfig struct {
	Token    string `json:"token"`
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// Telegram sends HTML formatted alerts through a bot.
type Telegram struct {
	meta
	cfg TelegramConfig
	bot *tele.Bot
}

func NewTelegram(ch domain.NotificationChannel, opts Options) (*Telegram, error) {
	t := &Telegram{meta: newMeta(ch, "telegram")}
	if err := decodeConfig(ch, &t.cfg); err != nil {
		return nil, err
	}
	if err := t.ValidateConfig(); err != nil {
		return nil, err
	}
	// Offline skips the getMe round trip; we only ever send.
	b, err := tele.NewBot(tele.Settings{
		Token:   t.cfg.Token,
		URL:     opts.TelegramURL,
		Client:  opts.httpClient(),
		Offline: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", t.name, err)
	}
	t.bot = b
	return t, nil
}

func (t *Telegram) ValidateConfig() error {
	if strings.TrimSpace(t.cfg.Token) == "" {
		return missing(t.name, "token")
	}
	if t.cfg.ChatID == 0 {
		return missing(t.name, "chat_id")
	}
	return nil
}

func telegramHTML(message string, p domain.Payload) string {
	esc := html.EscapeString
	var b strings.Builder
	b.WriteString("<b>GPU Tracker Alert</b>\n")
	b.WriteString("<b>" + esc(message) + "</b>\n\n")
	b.WriteString("GPU: " + esc(p.Title) + "\n")
	b.WriteString("Price: " + esc(p.Price) + "\n")
	b.WriteString("Status: " + esc(p.StockStatus) + "\n")
	b.WriteString("Retailer: " + esc(p.Retailer) + "\n")
	if p.URL != "" {
		b.WriteString(`<a href="` + esc(p.URL) + `">View Product</a>`)
	}
	return b.String()
}

func (t *Telegram) Send(ctx context.Context, message string, p domain.Payload) error {
	return t.send(ctx, telegramHTML(message, p), tele.ModeHTML)
}

func (t *Telegram) SendText(ctx context.Context, text string) error {
	return t.send(ctx, text, tele.ModeDefault)
}

func (t *Telegram) send(ctx context.Context, text, mode tele.ParseMode) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: t.cfg.ChatID}, text, &tele.SendOptions{
		ParseMode:             mode,
		DisableWebPagePreview: true,
		ThreadID:              t.cfg.ThreadID,
	})
	return err
}
