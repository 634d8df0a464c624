// Package discord connects the channel manager to the Discord gateway.
package discord

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"github.com/orchbot/orchbot/pkg/models"
)

// Session is the slice of discordgo the adapter uses outbound.
type Session interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Config holds the bot credentials.
type Config struct {
	Token  string
	Logger *slog.Logger
}

// Adapter is the Discord transport.
type Adapter struct {
	cfg      Config
	session  *discordgo.Session
	sender   Session
	messages chan models.InboundMessage
	logger   *slog.Logger
}

// New creates the adapter. The gateway connection opens in Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "discord")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentMessageContent
	return &Adapter{
		cfg:      cfg,
		session:  session,
		sender:   session,
		messages: make(chan models.InboundMessage, 100),
		logger:   cfg.Logger,
	}, nil
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelDiscord }

// Messages implements channels.Adapter.
func (a *Adapter) Messages() <-chan models.InboundMessage { return a.messages }

// Start opens the gateway connection and registers the message handler.
func (a *Adapter) Start(ctx context.Context) error {
	a.session.AddHandler(a.handleMessageCreate)
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("discord open: %w", err)
	}
	go func() {
		<-ctx.Done()
		if err := a.session.Close(); err != nil {
			a.logger.Warn("discord close", "error", err)
		}
	}()
	return nil
}

func (a *Adapter) handleMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	msg := models.InboundMessage{
		ID:       m.ID,
		Provider: models.ChannelDiscord,
		SenderID: m.Author.ID,
		ChatID:   m.ChannelID,
		Content:  m.Content,
		At:       m.Timestamp,
	}
	if m.MessageReference != nil {
		msg.ThreadID = m.MessageReference.MessageID
	}
	for _, att := range m.Attachments {
		msg.Media = append(msg.Media, models.Attachment{
			Type:     mediaType(att.ContentType),
			URL:      att.URL,
			Filename: att.Filename,
			MimeType: att.ContentType,
			Size:     int64(att.Size),
		})
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("inbound buffer full, dropping message", "chat", m.ChannelID)
	}
}

// Send implements channels.Adapter. Content beyond Discord's 2000-char
// message limit is split into consecutive messages.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	for _, part := range splitContent(msg.Content, 2000) {
		data := &discordgo.MessageSend{Content: part}
		if msg.ReplyTo != "" {
			data.Reference = &discordgo.MessageReference{MessageID: msg.ReplyTo, ChannelID: msg.ChatID}
		}
		if _, err := a.sender.ChannelMessageSendComplex(msg.ChatID, data, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("discord send: %w", err)
		}
	}
	return nil
}

func splitContent(content string, limit int) []string {
	if content == "" {
		return nil
	}
	var parts []string
	runes := []rune(content)
	for len(runes) > limit {
		parts = append(parts, string(runes[:limit]))
		runes = runes[limit:]
	}
	return append(parts, string(runes))
}

func mediaType(mime string) models.MediaType {
	switch {
	case len(mime) >= 5 && mime[:5] == "image":
		return models.MediaImage
	case len(mime) >= 5 && mime[:5] == "audio":
		return models.MediaAudio
	case len(mime) >= 5 && mime[:5] == "video":
		return models.MediaVideo
	default:
		return models.MediaDocument
	}
}
