package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dsac-scz/citizen-console/internal/auth"
	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// RouterConfig carries the HTTP-level settings of the router.
type RouterConfig struct {
	AllowedOrigins          []string
	RateLimitRequests       int
	RateLimitWindow         time.Duration
	PublicRateLimitRequests int
}

// Handlers groups every handler mounted by NewRouter.
type Handlers struct {
	Health        *HealthHandler
	Conversations *ConversationHandler
	Messages      *MessageHandler
	Streams       *StreamHandler
	Webhook       *WebhookHandler
	WebChat       *WebChatHandler
	Outbound      *OutboundHandler
	Citizens      *CitizenHandler
	Agents        *AgentHandler
	Settings      *SettingsHandler
	Reference     *ReferenceHandler
	Assist        *AssistHandler
	Attachments   *AttachmentHandler
}

// NewRouter mounts the console API, the public widget API and the WhatsApp
// webhook.
func NewRouter(
	cfg RouterConfig,
	h *Handlers,
	verifier auth.Verifier,
	roles *service.AgentService,
	log *logger.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logging(log))
	r.Use(middleware.SecurityHeaders)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(cfg.AllowedOrigins))

	// Health endpoints (no auth required)
	r.Get("/health", h.Health.Health)
	r.Get("/ready", h.Health.Ready)

	// Metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	publicLimit := middleware.IPRateLimit(cfg.PublicRateLimitRequests, cfg.RateLimitWindow)

	// WhatsApp Cloud API webhook
	r.Route("/webhook/whatsapp", func(r chi.Router) {
		r.Use(publicLimit)
		r.Get("/", h.Webhook.Verify)
		r.Post("/", h.Webhook.Receive)
	})

	// Uploaded files are addressed by unguessable names.
	r.With(publicLimit).Get("/attachments/{name}", h.Attachments.Download)

	// Web widget
	r.Route("/public/v1/webchat", func(r chi.Router) {
		r.Use(publicLimit)
		r.Post("/", h.WebChat.Start)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/messages", h.WebChat.Transcript)
			r.Post("/messages", h.WebChat.Message)
			r.Get("/stream", h.Streams.WebChat)
		})
	})

	// Console API with authentication
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Auth(verifier))
		r.Use(middleware.AgentRateLimit(cfg.RateLimitRequests, cfg.RateLimitWindow))

		r.Post("/session", h.Agents.StartSession)

		// Everything else needs a known agent.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(roles, model.RoleAgent, model.RoleSupervisor, model.RoleAdmin))
			supervisor := middleware.RequireRole(roles, model.RoleSupervisor, model.RoleAdmin)
			admin := middleware.RequireRole(roles, model.RoleAdmin)

			r.Delete("/session", h.Agents.EndSession)

			// Conversations
			r.Route("/conversations", func(r chi.Router) {
				r.Get("/", h.Conversations.List)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", h.Conversations.Get)
					r.Post("/assign", h.Conversations.Assign)
					r.Post("/transfer", h.Conversations.Transfer)
					r.Post("/close", h.Conversations.Close)
					r.Get("/transcript", h.Conversations.Transcript)

					// Messages
					r.Get("/messages", h.Messages.List)
					r.Post("/messages", h.Messages.Send)

					// Streaming
					r.Get("/stream", h.Streams.Messages)

					// Assistant
					r.Post("/assist/reply", h.Assist.SmartReply)
					r.Post("/assist/intent", h.Assist.Intent)
					r.Post("/assist/analysis", h.Assist.Analyze)
				})
			})
			r.Get("/stream/conversations", h.Streams.Conversations)

			// Citizens
			r.Route("/citizens/{citizenID}", func(r chi.Router) {
				r.Get("/", h.Citizens.Get)
				r.Patch("/", h.Citizens.Update)
				r.Get("/history", h.Citizens.History)
			})

			// Agents
			r.Route("/agents", func(r chi.Router) {
				r.Get("/", h.Agents.List)
				r.Get("/me", h.Agents.Me)
				r.With(admin).Post("/", h.Agents.Provision)
				r.With(admin).Delete("/{agentID}", h.Agents.Delete)
			})

			// Settings
			r.Get("/settings", h.Settings.Get)
			r.With(admin).Patch("/settings", h.Settings.Update)

			// Quick replies
			r.Route("/quick-replies", func(r chi.Router) {
				r.Get("/", h.Reference.ListQuickReplies)
				r.With(supervisor).Post("/", h.Reference.CreateQuickReply)
				r.With(supervisor).Delete("/{replyID}", h.Reference.DeleteQuickReply)
			})

			// Knowledge base
			r.Route("/kb", func(r chi.Router) {
				r.Get("/", h.Reference.ListArticles)
				r.With(supervisor).Post("/", h.Reference.PutArticle)
				r.With(supervisor).Put("/{articleID}", h.Reference.PutArticle)
				r.With(supervisor).Delete("/{articleID}", h.Reference.DeleteArticle)
			})

			// Outbound and uploads
			r.Post("/outbound/whatsapp", h.Outbound.Send)
			r.Post("/attachments", h.Attachments.Upload)
		})
	})

	return r
}
