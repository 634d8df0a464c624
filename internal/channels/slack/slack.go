// Package slack connects the channel manager to Slack over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"github.com/orchbot/orchbot/pkg/models"
)

// Sender is the slice of the Slack Web API the adapter uses outbound.
type Sender interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// ReactionHandler receives reaction events on messages the bot posted.
// Used to resolve approval requests without a text reply.
type ReactionHandler func(ctx context.Context, chatID, messageID string, reactions []string)

// Config holds the Socket Mode credentials.
type Config struct {
	BotToken string // xoxb-
	AppToken string // xapp-, required for Socket Mode
	// OnReaction is invoked for reaction_added events. Optional.
	OnReaction ReactionHandler
	Logger     *slog.Logger
}

// Adapter is the Slack transport.
type Adapter struct {
	cfg      Config
	api      *slack.Client
	socket   *socketmode.Client
	sender   Sender
	messages chan models.InboundMessage
	botID    string
	logger   *slog.Logger
}

// New creates the adapter. The connection is established in Start.
func New(cfg Config) (*Adapter, error) {
	if cfg.BotToken == "" || cfg.AppToken == "" {
		return nil, fmt.Errorf("slack: bot token and app token are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With("component", "slack")
	}
	api := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:      cfg,
		api:      api,
		socket:   socketmode.New(api),
		sender:   api,
		messages: make(chan models.InboundMessage, 100),
		logger:   cfg.Logger,
	}, nil
}

// Type implements channels.Adapter.
func (a *Adapter) Type() models.ChannelType { return models.ChannelSlack }

// Messages implements channels.Adapter.
func (a *Adapter) Messages() <-chan models.InboundMessage { return a.messages }

// Start authenticates and runs the Socket Mode event loop in the
// background.
func (a *Adapter) Start(ctx context.Context) error {
	auth, err := a.api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	a.botID = auth.UserID
	go func() {
		if err := a.socket.RunContext(ctx); err != nil && ctx.Err() == nil {
			a.logger.Error("socket mode terminated", "error", err)
		}
	}()
	go a.eventLoop(ctx)
	return nil
}

func (a *Adapter) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch evt.Type {
			case socketmode.EventTypeConnected:
				a.logger.Info("socket mode connected")
			case socketmode.EventTypeConnectionError:
				a.logger.Warn("socket mode connection error", "data", evt.Data)
			case socketmode.EventTypeEventsAPI:
				apiEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if evt.Request != nil {
					a.socket.Ack(*evt.Request)
				}
				if ok {
					a.handleEvent(ctx, apiEvent)
				}
			}
		}
	}
}

func (a *Adapter) handleEvent(ctx context.Context, apiEvent slackevents.EventsAPIEvent) {
	if apiEvent.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := apiEvent.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		a.handleMessage(ev)
	case *slackevents.AppMentionEvent:
		a.handleMessage(&slackevents.MessageEvent{
			User:            ev.User,
			Text:            ev.Text,
			Channel:         ev.Channel,
			TimeStamp:       ev.TimeStamp,
			ThreadTimeStamp: ev.ThreadTimeStamp,
		})
	case *slackevents.ReactionAddedEvent:
		a.handleReaction(ctx, ev)
	}
}

func (a *Adapter) handleMessage(ev *slackevents.MessageEvent) {
	// Skip the bot's own messages and channel-topic style subtypes.
	if ev.User == "" || ev.User == a.botID || ev.SubType != "" {
		return
	}
	msg := models.InboundMessage{
		ID:       ev.TimeStamp,
		Provider: models.ChannelSlack,
		SenderID: ev.User,
		ChatID:   ev.Channel,
		ThreadID: ev.ThreadTimeStamp,
		Content:  ev.Text,
		At:       slackTime(ev.TimeStamp),
	}
	for _, f := range ev.Files {
		msg.Media = append(msg.Media, models.Attachment{
			Type:     mediaType(f.Mimetype),
			URL:      f.URLPrivate,
			Filename: f.Name,
			MimeType: f.Mimetype,
			Size:     int64(f.Size),
		})
	}
	select {
	case a.messages <- msg:
	default:
		a.logger.Warn("inbound buffer full, dropping message", "chat", ev.Channel)
	}
}

func (a *Adapter) handleReaction(ctx context.Context, ev *slackevents.ReactionAddedEvent) {
	if a.cfg.OnReaction == nil || ev.User == a.botID {
		return
	}
	a.cfg.OnReaction(ctx, ev.Item.Channel, ev.Item.Timestamp, []string{ev.Reaction})
}

// Send implements channels.Adapter.
func (a *Adapter) Send(ctx context.Context, msg models.OutboundMessage) error {
	options := []slack.MsgOption{slack.MsgOptionText(msg.Content, false)}
	if msg.ThreadID != "" {
		options = append(options, slack.MsgOptionTS(msg.ThreadID))
	}
	_, _, err := a.sender.PostMessageContext(ctx, msg.ChatID, options...)
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	return nil
}

// slackTime parses the "1700000000.000100" message timestamp.
func slackTime(ts string) time.Time {
	var sec, frac int64
	if _, err := fmt.Sscanf(ts, "%d.%d", &sec, &frac); err != nil {
		return time.Now()
	}
	return time.Unix(sec, 0)
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
