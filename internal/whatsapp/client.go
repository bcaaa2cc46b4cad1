package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrNotConfigured is returned when the client has no credentials.
var ErrNotConfigured = errors.New("whatsapp: channel not configured")

// MediaKind is the Graph API message type used for a media URL.
type MediaKind string

const (
	KindText     MediaKind = "text"
	KindImage    MediaKind = "image"
	KindAudio    MediaKind = "audio"
	KindDocument MediaKind = "document"
)

// DetectMediaKind picks the message type from the URL extension.
func DetectMediaKind(mediaURL string) MediaKind {
	u := strings.ToLower(mediaURL)
	switch {
	case strings.Contains(u, ".pdf"), strings.Contains(u, ".doc"):
		return KindDocument
	case strings.Contains(u, ".mp3"), strings.Contains(u, ".ogg"),
		strings.Contains(u, ".wav"), strings.Contains(u, ".aac"):
		return KindAudio
	default:
		return KindImage
	}
}

// Outbound is a message to deliver to a citizen.
type Outbound struct {
	To       string
	Text     string
	MediaURL string
}

// Kind returns the Graph API type the message is sent as.
func (o Outbound) Kind() MediaKind {
	if o.MediaURL == "" {
		return KindText
	}
	return DetectMediaKind(o.MediaURL)
}

// Sender delivers messages to the WhatsApp channel.
type Sender interface {
	Send(ctx context.Context, msg Outbound) error
	Configured() bool
}

// APIError is a non-2xx response from the Graph API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("whatsapp: graph api returned %d: %s", e.StatusCode, e.Body)
}

// Config configures the Cloud API client.
type Config struct {
	BaseURL     string
	PhoneID     string
	AccessToken string
	Timeout     time.Duration
	MaxRetries  uint64
}

// Client sends messages through the WhatsApp Cloud API.
type Client struct {
	cfg  Config
	http *http.Client
}

var _ Sender = (*Client)(nil)

// NewClient creates a Cloud API client.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://graph.facebook.com/v18.0"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
	}
}

// Configured reports whether credentials are present.
func (c *Client) Configured() bool {
	return c.cfg.AccessToken != "" && c.cfg.PhoneID != ""
}

type sendPayload struct {
	MessagingProduct string     `json:"messaging_product"`
	RecipientType    string     `json:"recipient_type"`
	To               string     `json:"to"`
	Type             MediaKind  `json:"type"`
	Text             *textPart  `json:"text,omitempty"`
	Image            *mediaPart `json:"image,omitempty"`
	Audio            *mediaPart `json:"audio,omitempty"`
	Document         *mediaPart `json:"document,omitempty"`
}

type textPart struct {
	Body string `json:"body"`
}

type mediaPart struct {
	Link    string `json:"link"`
	Caption string `json:"caption,omitempty"`
}

// BuildPayload converts an outbound message to the Graph API request body.
func BuildPayload(msg Outbound) any {
	p := sendPayload{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               msg.To,
		Type:             msg.Kind(),
	}
	switch p.Type {
	case KindText:
		p.Text = &textPart{Body: msg.Text}
	case KindDocument:
		caption := msg.Text
		if caption == "" {
			caption = "Documento Adjunto"
		}
		p.Document = &mediaPart{Link: msg.MediaURL, Caption: caption}
	case KindAudio:
		p.Audio = &mediaPart{Link: msg.MediaURL}
	case KindImage:
		p.Image = &mediaPart{Link: msg.MediaURL, Caption: msg.Text}
	}
	return p
}

// Send implements Sender. Transport errors and 5xx responses are retried.
func (c *Client) Send(ctx context.Context, msg Outbound) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	body, err := json.Marshal(BuildPayload(msg))
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	url := fmt.Sprintf("%s/%s/messages", c.cfg.BaseURL, c.cfg.PhoneID)

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Authorization", "Bearer "+c.cfg.AccessToken)
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			io.Copy(io.Discard, resp.Body)
			return nil
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
		if resp.StatusCode >= 500 {
			return apiErr
		}
		return backoff.Permanent(apiErr)
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.cfg.MaxRetries), ctx)
	return backoff.Retry(op, b)
}
