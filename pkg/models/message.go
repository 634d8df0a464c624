// Package models defines the shared message and tool shapes exchanged
// between channels, the router, and the tool registry.
package models

import (
	"encoding/json"
	"time"
)

// ChannelType represents a messaging platform.
type ChannelType string

const (
	ChannelSlack    ChannelType = "slack"
	ChannelDiscord  ChannelType = "discord"
	ChannelTelegram ChannelType = "telegram"
)

// MediaType classifies an attachment.
type MediaType string

const (
	MediaImage    MediaType = "image"
	MediaAudio    MediaType = "audio"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// Attachment represents a file or media reference carried by a message.
type Attachment struct {
	Type     MediaType `json:"type"`
	URL      string    `json:"url"`
	Filename string    `json:"filename,omitempty"`
	MimeType string    `json:"mime_type,omitempty"`
	Size     int64     `json:"size,omitempty"`
}

// InboundMessage is the unified inbound format across all channels.
// It is immutable once accepted by the channel manager.
type InboundMessage struct {
	ID       string         `json:"id"`
	Provider ChannelType    `json:"provider"`
	SenderID string         `json:"sender_id"`
	ChatID   string         `json:"chat_id"`
	ThreadID string         `json:"thread_id,omitempty"`
	Content  string         `json:"content"`
	Media    []Attachment   `json:"media,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	At       time.Time      `json:"at"`
}

// OutboundMessage is a reply or notification destined for a channel.
type OutboundMessage struct {
	Provider  ChannelType  `json:"provider"`
	ChatID    string       `json:"chat_id"`
	ThreadID  string       `json:"thread_id,omitempty"`
	ReplyTo   string       `json:"reply_to,omitempty"`
	Content   string       `json:"content"`
	ParseMode string       `json:"parse_mode,omitempty"`
	Files     []Attachment `json:"files,omitempty"`
}

// ToolCall represents a model's request to execute a tool.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatTurn is one entry of the bounded session history handed to the router.
type ChatTurn struct {
	Role    string    `json:"role"` // user | assistant
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}
