package telegram

import (
	"context"
	"log/slog"
	"testing"

	"github.com/go-telegram/bot"
	tg "github.com/go-telegram/bot/models"

	"github.com/orchbot/orchbot/pkg/models"
)

type fakeSender struct {
	params []*bot.SendMessageParams
}

func (f *fakeSender) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tg.Message, error) {
	f.params = append(f.params, params)
	return &tg.Message{ID: 1}, nil
}

func testAdapter() *Adapter {
	return &Adapter{
		messages: make(chan models.InboundMessage, 4),
		logger:   slog.Default(),
	}
}

func TestSendParsesChatID(t *testing.T) {
	a := testAdapter()
	sender := &fakeSender{}
	a.sender = sender

	err := a.Send(context.Background(), models.OutboundMessage{
		Provider: models.ChannelTelegram,
		ChatID:   "123456",
		ReplyTo:  "42",
		Content:  "pong",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	p := sender.params[0]
	if p.ChatID != int64(123456) || p.Text != "pong" {
		t.Errorf("params = %+v", p)
	}
	if p.ReplyParameters == nil || p.ReplyParameters.MessageID != 42 {
		t.Errorf("reply = %+v", p.ReplyParameters)
	}
}

func TestSendRejectsBadChatID(t *testing.T) {
	a := testAdapter()
	a.sender = &fakeSender{}
	err := a.Send(context.Background(), models.OutboundMessage{ChatID: "not-a-number"})
	if err == nil {
		t.Error("bad chat id accepted")
	}
}

func TestHandleUpdateConverts(t *testing.T) {
	a := testAdapter()
	a.handleUpdate(context.Background(), nil, &tg.Update{
		Message: &tg.Message{
			ID:   7,
			From: &tg.User{ID: 9},
			Chat: tg.Chat{ID: 123456},
			Text: "hello",
			Date: 1700000000,
			Document: &tg.Document{
				FileID:   "doc-1",
				FileName: "report.pdf",
				MimeType: "application/pdf",
			},
		},
	})

	select {
	case msg := <-a.messages:
		if msg.ChatID != "123456" || msg.SenderID != "9" || msg.Content != "hello" {
			t.Errorf("msg = %+v", msg)
		}
		if len(msg.Media) != 1 || msg.Media[0].Filename != "report.pdf" {
			t.Errorf("media = %+v", msg.Media)
		}
		if msg.At.Unix() != 1700000000 {
			t.Errorf("at = %v", msg.At)
		}
	default:
		t.Fatal("no message produced")
	}
}

func TestHandleUpdateUsesCaption(t *testing.T) {
	a := testAdapter()
	a.handleUpdate(context.Background(), nil, &tg.Update{
		Message: &tg.Message{
			ID:      8,
			From:    &tg.User{ID: 9},
			Chat:    tg.Chat{ID: 1},
			Caption: "the chart",
			Photo:   []tg.PhotoSize{{FileID: "p1"}, {FileID: "p2"}},
			Date:    1700000000,
		},
	})

	select {
	case msg := <-a.messages:
		if msg.Content != "the chart" {
			t.Errorf("content = %q", msg.Content)
		}
		// Largest photo size wins.
		if len(msg.Media) != 1 || msg.Media[0].URL != "p2" {
			t.Errorf("media = %+v", msg.Media)
		}
	default:
		t.Fatal("no message produced")
	}
}

func TestHandleUpdateSkipsBots(t *testing.T) {
	a := testAdapter()
	a.handleUpdate(context.Background(), nil, &tg.Update{
		Message: &tg.Message{ID: 9, From: &tg.User{ID: 2, IsBot: true}, Chat: tg.Chat{ID: 1}},
	})
	a.handleUpdate(context.Background(), nil, &tg.Update{})
	if len(a.messages) != 0 {
		t.Errorf("queued = %d, want 0", len(a.messages))
	}
}
