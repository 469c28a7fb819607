package chat

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/amillerrr/reel-pipeline/internal/logger"
)

// Telegram configuration constants
const (
	UpdateTimeoutSeconds = 30
	DownloadTimeout      = 2 * time.Minute
)

// Bot is the Telegram implementation of Messenger.
type Bot struct {
	api    *tgbotapi.BotAPI
	client *http.Client
	log    *slog.Logger
}

// NewBot authenticates with the Bot API.
func NewBot(token string, log *slog.Logger) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to create telegram bot: %w", err)
	}
	return &Bot{
		api:    api,
		client: &http.Client{Timeout: DownloadTimeout},
		log:    log,
	}, nil
}

// Username returns the bot's account name.
func (b *Bot) Username() string {
	return b.api.Self.UserName
}

// Run long-polls for updates and hands messages to h sequentially until ctx
// is cancelled.
func (b *Bot) Run(ctx context.Context, h *Handler) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = UpdateTimeoutSeconds
	updates := b.api.GetUpdatesChan(u)

	logger.Info(ctx, b.log, "Telegram bot polling", "username", b.Username())

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			logger.Info(ctx, b.log, "Telegram bot stopped")
			return
		case update, ok := <-updates:
			if !ok {
				return
			}
			if update.Message == nil {
				continue
			}
			h.Handle(ctx, toMessage(update.Message))
		}
	}
}

// SendText sends a plain text message.
func (b *Bot) SendText(ctx context.Context, chatID int64, replyTo int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(chatID, text)
	msg.ReplyToMessageID = replyTo
	if _, err := b.api.Send(msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// SendVideo uploads a local video file.
func (b *Bot) SendVideo(ctx context.Context, chatID int64, replyTo int, path, caption string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	video := tgbotapi.NewVideo(chatID, tgbotapi.FilePath(path))
	video.Caption = caption
	video.SupportsStreaming = true
	video.ReplyToMessageID = replyTo
	if _, err := b.api.Send(video); err != nil {
		return fmt.Errorf("send video: %w", err)
	}
	return nil
}

// Download resolves fileID to a download URL and stores the file at dst.
func (b *Bot) Download(ctx context.Context, fileID, dst string) error {
	url, err := b.api.GetFileDirectURL(fileID)
	if err != nil {
		return fmt.Errorf("resolve file: %w", err)
	}
	return fetch(ctx, b.client, url, dst)
}

// fetch streams url into dst.
func fetch(ctx context.Context, client *http.Client, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// toMessage keeps the fields the handler acts on. For photos the largest
// size is the last entry.
func toMessage(m *tgbotapi.Message) Message {
	out := Message{
		MessageID: m.MessageID,
		Text:      m.Text,
	}
	if m.Chat != nil {
		out.ChatID = m.Chat.ID
	}
	if m.From != nil {
		out.FromID = m.From.ID
		out.Username = m.From.UserName
	}
	if m.IsCommand() {
		out.Command = strings.ToLower(m.Command())
	}
	if out.Text == "" {
		out.Text = m.Caption
	}

	switch {
	case len(m.Photo) > 0:
		best := m.Photo[len(m.Photo)-1]
		out.Image = &ImageRef{FileID: best.FileID, MimeType: "image/jpeg"}
	case m.Document != nil && strings.HasPrefix(m.Document.MimeType, "image/"):
		out.Image = &ImageRef{
			FileID:   m.Document.FileID,
			FileName: m.Document.FileName,
			MimeType: m.Document.MimeType,
		}
	}

	return out
}
