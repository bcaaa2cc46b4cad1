package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/internal/store/memory"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu         sync.Mutex
	configured bool
	err        error
	sent       []whatsapp.Outbound
}

func (f *fakeSender) Send(_ context.Context, msg whatsapp.Outbound) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) Configured() bool { return f.configured }

func (f *fakeSender) Sent() []whatsapp.Outbound {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]whatsapp.Outbound(nil), f.sent...)
}

// hookDocs runs beforeUpdate once, ahead of the first conversation update,
// and afterUpdate once, after the first successful one, to inject competing
// writes.
type hookDocs struct {
	store.Documents
	mu           sync.Mutex
	beforeUpdate func()
	afterUpdate  func()
}

func (h *hookDocs) Update(ctx context.Context, b store.Bucket, key string, value []byte, rev uint64) (uint64, error) {
	if b != store.BucketConversations {
		return h.Documents.Update(ctx, b, key, value, rev)
	}
	h.mu.Lock()
	before := h.beforeUpdate
	h.beforeUpdate = nil
	h.mu.Unlock()
	if before != nil {
		before()
	}
	next, err := h.Documents.Update(ctx, b, key, value, rev)
	if err != nil {
		return next, err
	}
	h.mu.Lock()
	after := h.afterUpdate
	h.afterUpdate = nil
	h.mu.Unlock()
	if after != nil {
		after()
	}
	return next, nil
}

type fixture struct {
	store         *memory.Store
	docs          *hookDocs
	clock         *fakeClock
	sender        *fakeSender
	conversations *ConversationService
	citizens      *CitizenService
	settings      *SettingsService
	outbound      *OutboundService
	messages      *MessageService
	inbound       *InboundService
	agents        *AgentService
}

func newFixture(t *testing.T, opts ...memory.Option) *fixture {
	t.Helper()
	clock := newFakeClock()
	mem := memory.New(append([]memory.Option{memory.WithClock(clock.Now)}, opts...)...)
	docs := &hookDocs{Documents: mem}
	log := logger.NewNop()

	f := &fixture{
		store:  mem,
		docs:   docs,
		clock:  clock,
		sender: &fakeSender{configured: true},
	}
	f.conversations = NewConversationService(docs, mem, clock.Now, log)
	f.citizens = NewCitizenService(docs, clock.Now, log)
	f.settings = NewSettingsService(docs, clock.Now, log)
	f.outbound = NewOutboundService(f.sender, log)
	f.messages = NewMessageService(f.conversations, f.outbound, log)
	f.inbound = NewInboundService(docs, f.citizens, f.conversations, f.settings, f.outbound, log)
	f.agents = NewAgentService(docs, clock.Now, log)
	return f
}

func (f *fixture) setAutoReply(t *testing.T, enabled bool) {
	t.Helper()
	_, err := f.settings.Update(context.Background(), &model.UpdateSettingsRequest{AutoReplyEnabled: &enabled}, "test")
	require.NoError(t, err)
}

// open routes a citizen to a new conversation and appends their first message.
func (f *fixture) open(t *testing.T, citizenID string) *model.Conversation {
	t.Helper()
	ctx := context.Background()
	res, err := f.inbound.receive(ctx, citizenID, model.ChannelWhatsApp, "Hola", nil)
	require.NoError(t, err)
	conv, err := f.conversations.Get(ctx, res.Conversation.ID)
	require.NoError(t, err)
	return conv
}

func (f *fixture) activeFor(t *testing.T, citizenID string) []model.Conversation {
	t.Helper()
	all, err := f.conversations.all(context.Background())
	require.NoError(t, err)
	var out []model.Conversation
	for _, c := range all {
		if c.CitizenID == citizenID && c.Status.Active() {
			out = append(out, c)
		}
	}
	return out
}

var errBoom = errors.New("boom")
