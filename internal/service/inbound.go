package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

const (
	autoReplyTemplate      = "👋 ¡Hola! Bienvenido a %s. Un agente atenderá tu consulta en breve."
	defaultDeliveryTimeout = 15 * time.Second
)

// InboundResult is the outcome of one citizen contact.
type InboundResult struct {
	Conversation *model.Conversation
	Message      *model.Message
	IsNew        bool
	Duplicate    bool
}

// InboundService ingests citizen messages from the WhatsApp webhook and the
// web widget.
type InboundService struct {
	docs          store.Documents
	citizens      *CitizenService
	conversations *ConversationService
	settings      *SettingsService
	outbound      *OutboundService
	logger        *logger.Logger

	deliveryTimeout time.Duration
	wg              sync.WaitGroup
}

// NewInboundService creates a new inbound service.
func NewInboundService(
	docs store.Documents,
	citizens *CitizenService,
	conversations *ConversationService,
	settings *SettingsService,
	outbound *OutboundService,
	log *logger.Logger,
) *InboundService {
	return &InboundService{
		docs:            docs,
		citizens:        citizens,
		conversations:   conversations,
		settings:        settings,
		outbound:        outbound,
		logger:          log,
		deliveryTimeout: defaultDeliveryTimeout,
	}
}

// Wait blocks until background deliveries have finished.
func (s *InboundService) Wait() {
	s.wg.Wait()
}

// WhatsApp ingests one normalized webhook message. Redelivered message IDs
// are acknowledged without a second write.
func (s *InboundService) WhatsApp(ctx context.Context, in whatsapp.Inbound) (*InboundResult, error) {
	ctx, span := tracer.Start(ctx, "inbound.whatsapp")
	defer span.End()

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.WhatsAppEnabled {
		return nil, ErrChannelUnavailable
	}
	var receipt uint64
	if in.MessageID != "" {
		rev, fresh, err := s.claimReceipt(ctx, in.MessageID)
		if err != nil {
			return nil, err
		}
		if !fresh {
			s.logger.Info("duplicate webhook message ignored", zap.String("message_id", in.MessageID))
			return &InboundResult{Duplicate: true}, nil
		}
		receipt = rev
	}

	citizen, err := s.citizens.Resolve(ctx, in.From, in.ProfileName, model.ChannelWhatsApp)
	if err != nil {
		span.RecordError(err)
		s.releaseReceipt(ctx, in.MessageID, receipt)
		return nil, err
	}
	res, err := s.receive(ctx, citizen.ID, model.ChannelWhatsApp, in.Content, in.Location)
	if err != nil {
		span.RecordError(err)
		s.releaseReceipt(ctx, in.MessageID, receipt)
		return nil, err
	}
	if res.IsNew {
		s.autoReply(ctx, settings, res.Conversation)
	}
	return res, nil
}

// claimReceipt records a provider message ID and reports whether it was seen
// for the first time, along with the receipt revision. Without a receipts
// bucket every message is fresh and the revision is zero.
func (s *InboundService) claimReceipt(ctx context.Context, messageID string) (uint64, bool, error) {
	rev, err := s.docs.Create(ctx, store.BucketInboundReceipts, messageID, []byte(`{}`))
	switch {
	case err == nil:
		return rev, true, nil
	case errors.Is(err, store.ErrKeyExists):
		return 0, false, nil
	case errors.Is(err, store.ErrIndexUnavailable):
		metrics.IndexFallbacks.WithLabelValues("receipts").Inc()
		return 0, true, nil
	default:
		return 0, false, fmt.Errorf("failed to record inbound receipt: %w", err)
	}
}

// releaseReceipt drops a claimed receipt whose message was not stored, so a
// provider redelivery is processed instead of ignored.
func (s *InboundService) releaseReceipt(ctx context.Context, messageID string, rev uint64) {
	if rev == 0 {
		return
	}
	err := s.docs.Delete(context.WithoutCancel(ctx), store.BucketInboundReceipts, messageID, rev)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Warn("failed to release inbound receipt",
			zap.String("message_id", messageID), zap.Error(err))
	}
}

// StartWebChat opens or resumes the web widget conversation of the citizen
// identified by phone.
func (s *InboundService) StartWebChat(ctx context.Context, name, phone string) (*model.StartWebChatResponse, error) {
	ctx, span := tracer.Start(ctx, "inbound.webchat_start")
	defer span.End()

	settings, err := s.settings.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !settings.WebChatEnabled {
		return nil, ErrChannelUnavailable
	}
	citizenID := normalizePhone(phone)
	if citizenID == "" {
		return nil, fmt.Errorf("%w: phone is required", ErrValidation)
	}
	citizen, err := s.citizens.Resolve(ctx, citizenID, name, model.ChannelWeb)
	if err != nil {
		return nil, err
	}
	res, err := s.conversations.Route(ctx, citizen.ID, model.ChannelWeb)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if res.IsNew {
		s.autoReply(ctx, settings, res.Conversation)
	}
	return &model.StartWebChatResponse{
		ConversationID: res.Conversation.ID,
		CitizenID:      citizen.ID,
		IsNew:          res.IsNew,
	}, nil
}

// WebMessage appends a message typed into the web widget. The conversation
// must belong to citizenID.
func (s *InboundService) WebMessage(ctx context.Context, conversationID, citizenID, content string) (*model.Message, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.CitizenID != citizenID {
		return nil, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	msg, err := s.conversations.Ingest(ctx, IngestRequest{
		ConversationID: conversationID,
		SenderType:     model.SenderCitizen,
		SenderID:       strPtr(citizenID),
		Content:        content,
	})
	if err != nil && !IsStale(err) {
		return nil, err
	}
	return msg, nil
}

// WebTranscript returns the citizen view of a web conversation.
func (s *InboundService) WebTranscript(ctx context.Context, conversationID, citizenID string) ([]model.Message, uint64, error) {
	conv, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, 0, err
	}
	if conv.CitizenID != citizenID {
		return nil, 0, fmt.Errorf("conversation %s: %w", conversationID, ErrNotFound)
	}
	return s.conversations.Messages(ctx, conversationID, true)
}

// receive routes a citizen message to the open conversation and appends it.
// If the routed conversation closes before the append, it is routed once more.
func (s *InboundService) receive(ctx context.Context, citizenID string, channel model.Channel, content string, loc *model.Location) (*InboundResult, error) {
	for attempt := 0; ; attempt++ {
		route, err := s.conversations.Route(ctx, citizenID, channel)
		if err != nil {
			return nil, err
		}
		msg, err := s.conversations.Ingest(ctx, IngestRequest{
			ConversationID: route.Conversation.ID,
			SenderType:     model.SenderCitizen,
			SenderID:       strPtr(citizenID),
			Content:        content,
			Location:       loc,
			skipUnread:     route.IsNew,
		})
		if errors.Is(err, ErrConversationClosed) && !IsStale(err) && !route.IsNew && attempt == 0 {
			continue
		}
		if err != nil && !IsStale(err) {
			return nil, err
		}
		return &InboundResult{Conversation: route.Conversation, Message: msg, IsNew: route.IsNew}, nil
	}
}

// autoReply appends the welcome message to a new conversation and delivers
// it in the background. Failures are logged only.
func (s *InboundService) autoReply(ctx context.Context, settings *model.SystemSettings, conv *model.Conversation) {
	if !settings.AutoReplyEnabled {
		return
	}
	org := strings.TrimSpace(settings.OrganizationName)
	if org == "" {
		org = model.DefaultSettings().OrganizationName
	}
	text := fmt.Sprintf(autoReplyTemplate, org)
	msg, err := s.conversations.Ingest(ctx, IngestRequest{
		ConversationID: conv.ID,
		SenderType:     model.SenderBot,
		SenderID:       strPtr(AutoReplySenderID),
		Content:        text,
	})
	if err != nil && !IsStale(err) {
		s.logger.WithConversation(conv.ID).Error("failed to store auto-reply",
			zap.Error(err))
		return
	}
	if conv.SourceChannel != model.ChannelWhatsApp {
		return
	}

	to := conv.CitizenID
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.deliveryTimeout)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		if err := s.outbound.Deliver(dctx, to, msg); err != nil {
			s.logger.WithConversation(msg.ConversationID).Warn("auto-reply not delivered",
				zap.Error(err))
		}
	}()
}

// normalizePhone keeps the digits of a phone number, matching the sender IDs
// WhatsApp uses.
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
