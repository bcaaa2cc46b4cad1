package model

import (
	"time"
)

// QuickReply is a shortcut-to-text template, e.g. "/saludo".
type QuickReply struct {
	ID        string    `json:"id"`
	Shortcut  string    `json:"shortcut" validate:"required,startswith=/,max=40"`
	Text      string    `json:"text" validate:"required,max=4000"`
	Category  string    `json:"category,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// KnowledgeArticle is a searchable help article.
type KnowledgeArticle struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Category  string    `json:"category,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Suggestion is an AI-drafted reply for the operator.
type Suggestion struct {
	Text     string   `json:"text"`
	Articles []string `json:"articles,omitempty"`
}

// CaseAnalysis is the structured summary of a conversation.
type CaseAnalysis struct {
	Summary string   `json:"summary"`
	Tags    []string `json:"tags"`
}

// Attachment is an uploaded file reachable by URL.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
}

// OutboundSendRequest asks for delivery of a message to the citizen channel.
type OutboundSendRequest struct {
	ConversationID string `json:"conversationId"`
	To             string `json:"to"`
	Text           string `json:"text,omitempty"`
	MediaURL       string `json:"mediaUrl,omitempty"`
	SenderAgentID  string `json:"senderAgentId"`
}

// OutboundSendResponse echoes the sending agent on success.
type OutboundSendResponse struct {
	Success bool   `json:"success"`
	Agent   string `json:"agent"`
}
