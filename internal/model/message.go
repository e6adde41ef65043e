package model

import "time"

type ChatKind string

const (
	ChatKindText     ChatKind = "text"
	ChatKindImage    ChatKind = "image"
	ChatKindFile     ChatKind = "file"
	ChatKindLocation ChatKind = "location"
)

type (
	// ChatMessage is the application message carried over peer data channels.
	ChatMessage struct {
		ID        string            `json:"id"`
		SenderID  string            `json:"sender_id"`
		Timestamp int64             `json:"timestamp"` // unix millis
		Kind      ChatKind          `json:"kind"`
		Content   string            `json:"content"`
		Metadata  map[string]string `json:"metadata,omitempty"`
	}
)

func (m *ChatMessage) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}

func (k ChatKind) Valid() bool {
	switch k {
	case ChatKindText, ChatKindImage, ChatKindFile, ChatKindLocation:
		return true
	}
	return false
}
