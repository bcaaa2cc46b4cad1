// Package whatsapp holds the WhatsApp Cloud API webhook envelope, the
// normalization of inbound payloads into canonical messages and the outbound
// Graph API client.
package whatsapp

import (
	"fmt"
	"strings"

	"github.com/dsac-scz/citizen-console/internal/model"
)

// Envelope is the webhook POST body.
type Envelope struct {
	Object string  `json:"object"`
	Entry  []Entry `json:"entry"`
}

// Entry groups the changes for one business account.
type Entry struct {
	ID      string   `json:"id"`
	Changes []Change `json:"changes"`
}

// Change is one field notification.
type Change struct {
	Field string `json:"field"`
	Value Value  `json:"value"`
}

// Value carries the inbound messages and the sender profiles.
type Value struct {
	MessagingProduct string           `json:"messaging_product"`
	Metadata         Metadata         `json:"metadata"`
	Contacts         []Contact        `json:"contacts,omitempty"`
	Messages         []InboundMessage `json:"messages,omitempty"`
	Statuses         []Status         `json:"statuses,omitempty"`
}

// Metadata identifies the receiving business number.
type Metadata struct {
	DisplayPhoneNumber string `json:"display_phone_number"`
	PhoneNumberID      string `json:"phone_number_id"`
}

// Contact is the sender profile shipped alongside messages.
type Contact struct {
	WaID    string  `json:"wa_id"`
	Profile Profile `json:"profile"`
}

// Profile holds the sender's display name.
type Profile struct {
	Name string `json:"name"`
}

// Status is a delivery receipt for an outbound message.
type Status struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	RecipientID string `json:"recipient_id"`
}

// MessageType is the payload variant of an inbound message.
type MessageType string

const (
	TypeText     MessageType = "text"
	TypeImage    MessageType = "image"
	TypeAudio    MessageType = "audio"
	TypeDocument MessageType = "document"
	TypeLocation MessageType = "location"
)

// InboundMessage is one message event.
type InboundMessage struct {
	From      string        `json:"from"`
	ID        string        `json:"id"`
	Timestamp string        `json:"timestamp"`
	Type      MessageType   `json:"type"`
	Text      *TextBody     `json:"text,omitempty"`
	Image     *Media        `json:"image,omitempty"`
	Audio     *Media        `json:"audio,omitempty"`
	Document  *Media        `json:"document,omitempty"`
	Location  *LocationBody `json:"location,omitempty"`
}

// TextBody is the text payload.
type TextBody struct {
	Body string `json:"body"`
}

// Media is the image/audio/document payload.
type Media struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// LocationBody is the location payload.
type LocationBody struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
	Address   string  `json:"address,omitempty"`
}

// Placeholders shown in the console when a message has no text.
const (
	PlaceholderImage    = "[ 📷 Imagen Recibida ]"
	PlaceholderAudio    = "[ 🎤 Audio Recibido ]"
	PlaceholderLocation = "📍 Ubicación compartida"
	PlaceholderEmpty    = "[ Mensaje vacío ]"
	defaultProfileName  = "Ciudadano"
	defaultDocumentName = "Archivo"
)

// Inbound is a normalized citizen message ready for ingestion.
type Inbound struct {
	From        string
	ProfileName string
	MessageID   string
	Content     string
	Location    *model.Location
}

// Normalize maps one inbound payload to canonical content. It is total:
// every payload yields non-empty content.
func Normalize(msg InboundMessage) (content string, loc *model.Location) {
	switch msg.Type {
	case TypeText:
		if msg.Text != nil && strings.TrimSpace(msg.Text.Body) != "" {
			return msg.Text.Body, nil
		}
		return PlaceholderEmpty, nil
	case TypeImage:
		if msg.Image != nil && strings.TrimSpace(msg.Image.Caption) != "" {
			return msg.Image.Caption, nil
		}
		return PlaceholderImage, nil
	case TypeAudio:
		return PlaceholderAudio, nil
	case TypeDocument:
		if msg.Document != nil && strings.TrimSpace(msg.Document.Caption) != "" {
			return msg.Document.Caption, nil
		}
		name := defaultDocumentName
		if msg.Document != nil && strings.TrimSpace(msg.Document.Filename) != "" {
			name = msg.Document.Filename
		}
		return fmt.Sprintf("[ 📄 Documento: %s ]", name), nil
	case TypeLocation:
		if msg.Location == nil {
			return PlaceholderLocation, nil
		}
		return PlaceholderLocation, &model.Location{
			Latitude:  msg.Location.Latitude,
			Longitude: msg.Location.Longitude,
			Name:      msg.Location.Name,
			Address:   msg.Location.Address,
		}
	default:
		kind := string(msg.Type)
		if kind == "" {
			kind = "desconocido"
		}
		return fmt.Sprintf("[ Mensaje tipo: %s ]", kind), nil
	}
}

// Messages flattens an envelope into normalized messages, attaching the
// sender profile name from the matching contact.
func (e *Envelope) Messages() []Inbound {
	var out []Inbound
	for _, entry := range e.Entry {
		for _, change := range entry.Changes {
			names := make(map[string]string, len(change.Value.Contacts))
			for _, c := range change.Value.Contacts {
				names[c.WaID] = c.Profile.Name
			}
			for _, msg := range change.Value.Messages {
				if msg.From == "" {
					continue
				}
				name := names[msg.From]
				if name == "" && len(change.Value.Contacts) == 1 {
					name = change.Value.Contacts[0].Profile.Name
				}
				if name == "" {
					name = defaultProfileName
				}
				content, loc := Normalize(msg)
				out = append(out, Inbound{
					From:        msg.From,
					ProfileName: name,
					MessageID:   msg.ID,
					Content:     content,
					Location:    loc,
				})
			}
		}
	}
	return out
}
