package model

import (
	"time"
)

// SystemSettings is the process-wide console configuration stored alongside
// the conversations.
type SystemSettings struct {
	OrganizationName       string    `json:"organization_name"`
	TimeZone               string    `json:"time_zone"`
	AutoReplyEnabled       bool      `json:"auto_reply_enabled"`
	MaintenanceMode        bool      `json:"maintenance_mode"`
	SystemPrompt           string    `json:"system_prompt"`
	WhatsAppEnabled        bool      `json:"whatsapp_enabled"`
	WhatsAppBusinessNumber string    `json:"whatsapp_business_number"`
	WebChatEnabled         bool      `json:"web_chat_enabled"`
	LastUpdatedAt          time.Time `json:"last_updated_at"`
	LastUpdatedBy          string    `json:"last_updated_by"`
}

// DefaultSettings returns the settings used before anything is saved.
func DefaultSettings() SystemSettings {
	return SystemSettings{
		OrganizationName: "la DSAC",
		TimeZone:         "America/La_Paz",
		AutoReplyEnabled: true,
		WhatsAppEnabled:  true,
		WebChatEnabled:   true,
	}
}

// UpdateSettingsRequest carries the fields an admin changes; nil fields keep
// their stored value.
type UpdateSettingsRequest struct {
	OrganizationName       *string `json:"organization_name,omitempty" validate:"omitempty,max=120"`
	TimeZone               *string `json:"time_zone,omitempty"`
	AutoReplyEnabled       *bool   `json:"auto_reply_enabled,omitempty"`
	MaintenanceMode        *bool   `json:"maintenance_mode,omitempty"`
	SystemPrompt           *string `json:"system_prompt,omitempty" validate:"omitempty,max=8000"`
	WhatsAppEnabled        *bool   `json:"whatsapp_enabled,omitempty"`
	WhatsAppBusinessNumber *string `json:"whatsapp_business_number,omitempty"`
	WebChatEnabled         *bool   `json:"web_chat_enabled,omitempty"`
}
