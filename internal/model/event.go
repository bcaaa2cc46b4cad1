package model

import (
	"time"
)

// EventType names a server-sent event on a live subscription.
type EventType string

const (
	EventConnected     EventType = "connected"
	EventConversations EventType = "conversations"
	EventMessages      EventType = "messages"
	EventHeartbeat     EventType = "heartbeat"
	EventError         EventType = "error"
)

// ConversationsSnapshot is a full snapshot of the conversations matching a subscription.
type ConversationsSnapshot struct {
	Filter        InboxFilter    `json:"filter"`
	Conversations []Conversation `json:"conversations"`
	At            time.Time      `json:"at"`
}

// MessagesSnapshot is a full snapshot of a conversation transcript.
type MessagesSnapshot struct {
	ConversationID string    `json:"conversation_id"`
	Messages       []Message `json:"messages"`
	LastSequence   uint64    `json:"last_sequence"`
}

// ErrorEvent represents an error event.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}
