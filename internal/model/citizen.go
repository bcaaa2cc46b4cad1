package model

import (
	"time"
)

// Citizen is a person reaching the system, keyed by a channel-stable ID.
type Citizen struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	PhoneNumber string    `json:"phone_number"`
	Channel     Channel   `json:"channel"`
	Notes       string    `json:"notes,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// UpdateCitizenRequest edits the agent-owned parts of a citizen profile.
type UpdateCitizenRequest struct {
	Notes *string  `json:"notes,omitempty" validate:"omitempty,max=4000"`
	Tags  []string `json:"tags,omitempty" validate:"omitempty,max=20,dive,required,max=40"`
}

// StartWebChatRequest opens or resumes a web widget conversation.
type StartWebChatRequest struct {
	Name  string `json:"name" validate:"required,max=120"`
	Phone string `json:"phone" validate:"required,min=6,max=20"`
}

// StartWebChatResponse identifies the conversation the widget should attach to.
type StartWebChatResponse struct {
	ConversationID string `json:"conversation_id"`
	CitizenID      string `json:"citizen_id"`
	IsNew          bool   `json:"is_new"`
}

// CitizenMessageRequest is a message typed into the web widget.
type CitizenMessageRequest struct {
	CitizenID string `json:"citizen_id" validate:"required"`
	Content   string `json:"content" validate:"required"`
}
