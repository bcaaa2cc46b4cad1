// Package main is the entry point for the API server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/auth"
	"github.com/dsac-scz/citizen-console/internal/config"
	"github.com/dsac-scz/citizen-console/internal/handler"
	"github.com/dsac-scz/citizen-console/internal/llm"
	natsclient "github.com/dsac-scz/citizen-console/internal/nats"
	"github.com/dsac-scz/citizen-console/internal/realtime"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/internal/store/memory"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/tracing"
)

// backend is the set of store ports the services run on.
type backend struct {
	docs   store.Documents
	msgs   store.MessageLog
	blobs  store.Blobs
	health handler.Pinger
	close  func()
}

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetGlobal(log)

	log.Info("starting citizen console", zap.String("storage", cfg.StorageBackend))

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize tracing if enabled
	if cfg.TracingEnabled {
		tp, err := tracing.InitTracer(ctx, "citizen-console", cfg.TracingEndpoint)
		if err != nil {
			log.Warn("failed to initialize tracing", zap.Error(err))
		} else {
			defer tracing.Shutdown(context.Background(), tp)
		}
	}

	be, err := openBackend(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to open storage", zap.Error(err))
	}
	defer be.close()

	// Initialize LLM client
	llmClient, err := llm.NewClient(llm.Provider(cfg.DefaultLLM), llm.Keys{
		Anthropic: cfg.AnthropicAPIKey,
		OpenAI:    cfg.OpenAIAPIKey,
	})
	switch {
	case errors.Is(err, llm.ErrNoProvider):
		llmClient = nil
		log.Info("no AI provider configured, assistant disabled")
	case err != nil:
		llmClient = nil
		log.Warn("failed to create AI client, assistant disabled", zap.Error(err))
	default:
		log.Info("AI assistant enabled", zap.String("provider", llmClient.Name()))
	}

	// Agent authentication
	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		log.Fatal("failed to initialize authentication", zap.Error(err))
	}

	// WhatsApp Cloud API
	var sender whatsapp.Sender
	if cfg.WhatsAppConfigured() {
		sender = whatsapp.NewClient(whatsapp.Config{
			BaseURL:     cfg.WhatsAppAPIBaseURL,
			PhoneID:     cfg.WhatsAppPhoneID,
			AccessToken: cfg.WhatsAppAccessToken,
			Timeout:     cfg.WhatsAppTimeout,
		})
	} else {
		log.Warn("whatsapp credentials missing, outbound delivery disabled")
	}

	// Initialize services
	now := func() time.Time { return time.Now().UTC() }
	conversationSvc := service.NewConversationService(be.docs, be.msgs, now, log)
	citizenSvc := service.NewCitizenService(be.docs, now, log)
	settingsSvc := service.NewSettingsService(be.docs, now, log)
	agentSvc := service.NewAgentService(be.docs, now, log)
	outboundSvc := service.NewOutboundService(sender, log)
	messageSvc := service.NewMessageService(conversationSvc, outboundSvc, log)
	inboundSvc := service.NewInboundService(be.docs, citizenSvc, conversationSvc, settingsSvc, outboundSvc, log)
	quickReplySvc := service.NewQuickReplyService(be.docs, now)
	kb := service.NewKnowledgeBase(be.docs, cfg.KBCacheTTL, now, log)
	assistant := service.NewAssistant(llmClient, cfg.AIModel, conversationSvc, citizenSvc, kb, settingsSvc, log)
	attachmentSvc := service.NewAttachmentService(be.blobs, cfg.PublicBaseURL, cfg.MaxUploadBytes)
	hub := realtime.NewHub(be.docs, be.msgs, conversationSvc, log)

	// Repair the active-conversation index before taking traffic.
	if _, err := conversationSvc.RebuildActiveIndex(ctx); err != nil {
		log.Warn("failed to rebuild active conversation index", zap.Error(err))
	}

	go func() {
		if err := kb.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn("knowledge base watch stopped", zap.Error(err))
		}
	}()

	// Initialize handlers
	handlers := &handler.Handlers{
		Health:        handler.NewHealthHandler(be.health),
		Conversations: handler.NewConversationHandler(conversationSvc, agentSvc, settingsSvc, log),
		Messages:      handler.NewMessageHandler(messageSvc, log),
		Streams:       handler.NewStreamHandler(hub, conversationSvc, log),
		Webhook:       handler.NewWebhookHandler(inboundSvc, cfg.WhatsAppVerifyToken, log),
		WebChat:       handler.NewWebChatHandler(inboundSvc, log),
		Outbound:      handler.NewOutboundHandler(outboundSvc, log),
		Citizens:      handler.NewCitizenHandler(citizenSvc, conversationSvc, log),
		Agents:        handler.NewAgentHandler(agentSvc, log),
		Settings:      handler.NewSettingsHandler(settingsSvc, log),
		Reference:     handler.NewReferenceHandler(quickReplySvc, kb, log),
		Assist:        handler.NewAssistHandler(assistant, log),
		Attachments:   handler.NewAttachmentHandler(attachmentSvc, log),
	}

	router := handler.NewRouter(handler.RouterConfig{
		AllowedOrigins:          cfg.AllowedOrigins,
		RateLimitRequests:       cfg.RateLimitRequests,
		RateLimitWindow:         cfg.RateLimitWindow,
		PublicRateLimitRequests: cfg.PublicRateLimitRequests,
	}, handlers, verifier, agentSvc, log)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  cfg.ServerReadTimeout,
		WriteTimeout: cfg.ServerWriteTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	// Start server in goroutine
	go func() {
		log.Info("server listening", zap.String("port", cfg.ServerPort))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down server")

	// Graceful shutdown with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Live streams end when the base context is cancelled.
	server.RegisterOnShutdown(stop)
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", zap.Error(err))
	}
	inboundSvc.Wait()

	log.Info("server stopped")
}

// openBackend connects the configured storage backend.
func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	if cfg.StorageBackend == "memory" {
		log.Warn("using in-memory storage, data is lost on restart")
		mem := memory.New()
		return &backend{docs: mem, msgs: mem, blobs: mem, close: func() {}}, nil
	}

	// Connect to NATS
	client, err := natsclient.Connect(ctx, natsclient.Config{
		URL:             cfg.NATSURL,
		CAFile:          cfg.NATSCAFile,
		CertFile:        cfg.NATSCertFile,
		KeyFile:         cfg.NATSKeyFile,
		Token:           cfg.NATSToken,
		Name:            "citizen-console",
		ConnectAttempts: uint64(max(cfg.NATSConnectAttempts, 0)),
	}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	kv := natsclient.NewKVStore(client, cfg.NATSBucketPrefix)
	buckets := make([]store.Bucket, 0, len(store.Buckets))
	for _, b := range store.Buckets {
		if !cfg.NATSProvisionIndexes && (b == store.BucketActiveConversations || b == store.BucketInboundReceipts) {
			continue
		}
		buckets = append(buckets, b)
	}
	if err := kv.EnsureBuckets(ctx, buckets...); err != nil {
		client.Close()
		return nil, err
	}

	msgs := natsclient.NewMessageLog(client)
	if err := msgs.EnsureStream(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	blobs := natsclient.NewObjectStore(client, cfg.NATSBucketPrefix+"_attachments")
	if err := blobs.EnsureBucket(ctx); err != nil {
		client.Close()
		return nil, err
	}

	return &backend{docs: kv, msgs: msgs, blobs: blobs, health: client, close: client.Close}, nil
}

// newVerifier picks Firebase ID tokens when a project is configured and
// HMAC-signed JWTs otherwise.
func newVerifier(ctx context.Context, cfg *config.Config) (auth.Verifier, error) {
	if cfg.FirebaseProjectID != "" {
		return auth.NewFirebaseVerifier(ctx, cfg.FirebaseProjectID, cfg.FirebaseCredentialsFile)
	}
	return auth.NewJWTVerifier(cfg.JWTSecret), nil
}
