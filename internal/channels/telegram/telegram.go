// Package telegram connects the channel manager to Telegram via long
// polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"

	"github.com/orchbot/orchbot/pkg/models"
)

// Sender is the slice of the bot API the adapter uses outbound.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tg.Message, error)
}

// Config holds the bot credentials.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Adapter is the Telegram transport.
type Adapter struct {
	cfg      Config
	bot      *bot.Bot
	sender   Sender
	messages chan models.InboundMessage
	logger   *slog.Logger
}

// New creates the adapter. Long polling starts in Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "telegram")
	}
	a := &Adapter{
		cfg:      cfg,
		messages: make(chan models.InboundMessage, 100),
		logger:   cfg.Logger,
	}
	b, err := bot.New(cfg.Token, bot.WithDefaultHandler(a.handleUpdate))
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	a.bot = b
	a.sender = b
	return a, nil
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelTelegram }

// Messages implements channels.Adapter.
func (a *Adapter) Messages() <-chan models.InboundMessage { return a.messages }

// Start begins long polling in the background.
func (a *Adapter) Start(ctx context.Context) error {
	go a.bot.Start(ctx)
	return nil
}

func (a *Adapter) handleUpdate(ctx context.Context, b *bot.Bot, update *tg.Update) {
	m := update.Message
	if m == nil || m.From == nil || m.From.IsBot {
		return
	}
	msg := models.InboundMessage{
		ID:       strconv.Itoa(m.ID),
		Provider: models.ChannelTelegram,
		SenderID: strconv.FormatInt(m.From.ID, 10),
		ChatID:   strconv.FormatInt(m.Chat.ID, 10),
		Content:  m.Text,
		At:       time.Unix(int64(m.Date), 0),
	}
	if m.Caption != "" && msg.Content == "" {
		msg.Content = m.Caption
	}
	if m.Document != nil {
		msg.Media = append(msg.Media, models.Attachment{
			Type:     models.MediaDocument,
			URL:      m.Document.FileID,
			Filename: m.Document.FileName,
			MimeType: m.Document.MimeType,
			Size:     int64(m.Document.FileSize),
		})
	}
	if len(m.Photo) > 0 {
		// Telegram sends multiple sizes; the last one is the largest.
		photo := m.Photo[len(m.Photo)-1]
		msg.Media = append(msg.Media, models.Attachment{
			Type: models.MediaImage,
			URL:  photo.FileID,
			Size: int64(photo.FileSize),
		})
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("inbound buffer full, dropping message", "chat", msg.ChatID)
	}
}

// Send implements channels.Adapter.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	chatID, err := strconv.ParseInt(msg.ChatID, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram chat id %q: %w", msg.ChatID, err)
	}
	params := &bot.SendMessageParams{ChatID: chatID, Text: msg.Content}
	if msg.ReplyTo != "" {
		if replyID, err := strconv.Atoi(msg.ReplyTo); err == nil {
			params.ReplyParameters = &tg.ReplyParameters{MessageID: replyID}
		}
	}
	if _, err := a.sender.SendMessage(ctx, params); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}
