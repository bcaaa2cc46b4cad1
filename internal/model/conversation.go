// Package model defines data structures for the citizen support console.
package model

import (
	"time"
)

// Status is the lifecycle status of a conversation.
type Status string

const (
	StatusOpen       Status = "OPEN"
	StatusInProgress Status = "IN_PROGRESS"
	StatusClosed     Status = "CLOSED"
)

// Active reports whether the status counts towards open-conversation uniqueness.
func (s Status) Active() bool {
	return s == StatusOpen || s == StatusInProgress
}

// Channel is the transport a citizen used to reach the system.
type Channel string

const (
	ChannelWhatsApp Channel = "whatsapp"
	ChannelWeb      Channel = "web"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelWhatsApp || c == ChannelWeb
}

// Disposition is the closing reason code recorded when a conversation ends.
type Disposition string

const (
	DispositionResolved        Disposition = "RESUELTO"
	DispositionInformation     Disposition = "INFORMACION"
	DispositionExternalReferal Disposition = "DERIVADO_EXTERNO"
	DispositionNoResponse      Disposition = "NO_RESPONDE"
	DispositionPrankSpam       Disposition = "BROMA_SPAM"
)

// Dispositions lists the accepted closing codes in display order.
var Dispositions = []Disposition{
	DispositionResolved,
	DispositionInformation,
	DispositionExternalReferal,
	DispositionNoResponse,
	DispositionPrankSpam,
}

// Valid reports whether d is one of the enumerated closing codes.
func (d Disposition) Valid() bool {
	for _, known := range Dispositions {
		if d == known {
			return true
		}
	}
	return false
}

// Conversation represents a citizen-to-agent interaction.
type Conversation struct {
	ID                 string       `json:"id"`
	CitizenID          string       `json:"citizen_id"`
	Status             Status       `json:"status"`
	SourceChannel      Channel      `json:"source_channel"`
	AssignedAgentID    *string      `json:"assigned_agent_id"`
	LastMessageAt      time.Time    `json:"last_message_at"`
	UnreadCount        int          `json:"unread_count"`
	LastDetectedIntent *string      `json:"last_detected_intent,omitempty"`
	Disposition        *Disposition `json:"disposition,omitempty"`
	ClosingNotes       *string      `json:"closing_notes,omitempty"`
	CreatedAt          time.Time    `json:"created_at"`
	UpdatedAt          time.Time    `json:"updated_at"`

	// Store revision (populated on read)
	Revision uint64 `json:"revision,omitempty"`
}

// AssignedTo returns the owning agent ID or an empty string.
func (c *Conversation) AssignedTo() string {
	if c.AssignedAgentID == nil {
		return ""
	}
	return *c.AssignedAgentID
}

// Closed reports whether the conversation reached its terminal state.
func (c *Conversation) Closed() bool {
	return c.Status == StatusClosed
}

// InboxFilter selects conversations for a console inbox view.
type InboxFilter string

const (
	InboxAll        InboxFilter = "ALL"
	InboxMine       InboxFilter = "MINE"
	InboxUnassigned InboxFilter = "UNASSIGNED"
	InboxClosed     InboxFilter = "CLOSED"
)

// Valid reports whether f is a known inbox filter.
func (f InboxFilter) Valid() bool {
	switch f {
	case InboxAll, InboxMine, InboxUnassigned, InboxClosed:
		return true
	}
	return false
}

// Matches reports whether c belongs in the inbox view f of agentID.
func (f InboxFilter) Matches(c *Conversation, agentID string) bool {
	switch f {
	case InboxAll:
		return !c.Closed()
	case InboxMine:
		return !c.Closed() && agentID != "" && c.AssignedTo() == agentID
	case InboxUnassigned:
		return !c.Closed() && c.AssignedTo() == ""
	case InboxClosed:
		return c.Closed()
	}
	return false
}

// AssignRequest is the request to take ownership of a conversation.
type AssignRequest struct {
	AgentID string `json:"agent_id,omitempty"`
}

// TransferRequest is the request to hand a conversation to another agent.
type TransferRequest struct {
	ToAgentID string `json:"to_agent_id" validate:"required"`
}

// CloseRequest is the request to close a conversation.
type CloseRequest struct {
	Disposition Disposition `json:"disposition" validate:"required"`
	Note        string      `json:"note,omitempty"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}
