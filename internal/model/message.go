package model

import (
	"fmt"
	"strings"
	"time"
)

// SenderType identifies who authored a message.
type SenderType string

const (
	SenderCitizen SenderType = "citizen"
	SenderAgent   SenderType = "agent"
	SenderBot     SenderType = "bot"
)

// Valid reports whether s is a known sender type.
func (s SenderType) Valid() bool {
	return s == SenderCitizen || s == SenderAgent || s == SenderBot
}

// Location is a structured location shared by a citizen.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Message represents an immutable conversation message.
type Message struct {
	// Identity
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`

	// Author
	SenderType SenderType `json:"sender_type"`
	SenderID   *string    `json:"sender_id"`

	// Content
	Content     string    `json:"content"`
	Attachments []string  `json:"attachments,omitempty"`
	Location    *Location `json:"location,omitempty"`
	IsInternal  bool      `json:"is_internal,omitempty"`

	// Server-assigned on append
	CreatedAt time.Time `json:"created_at"`
	Sequence  uint64    `json:"sequence,omitempty"`
}

// Before reports whether m sorts before other: creation time first, log order on ties.
func (m *Message) Before(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.Sequence < other.Sequence
}

// CitizenView drops internal notes from a transcript.
func CitizenView(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		if m.IsInternal {
			continue
		}
		out = append(out, m)
	}
	return out
}

// Transcript renders the citizen-facing transcript as plain text.
func Transcript(msgs []Message, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	var b strings.Builder
	for _, m := range CitizenView(msgs) {
		who := "Ciudadano"
		switch m.SenderType {
		case SenderAgent:
			who = "Agente"
		case SenderBot:
			who = "Sistema"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.In(loc).Format("2006-01-02 15:04"), who, m.Content)
	}
	return b.String()
}

// SendMessageRequest is the request for an agent to send a message.
type SendMessageRequest struct {
	Content     string   `json:"content"`
	Attachments []string `json:"attachments,omitempty" validate:"omitempty,max=10,dive,required"`
	IsInternal  bool     `json:"is_internal,omitempty"`
}

// SendMessageResponse is the response after an agent sends a message.
type SendMessageResponse struct {
	Message   *Message `json:"message"`
	Delivered bool     `json:"delivered"`
}

// ListMessagesResponse is the response for listing messages.
type ListMessagesResponse struct {
	Messages     []Message `json:"messages"`
	LastSequence uint64    `json:"last_sequence"`
}
