// Package realtime pushes live conversation-list and transcript snapshots to
// connected consoles and web widgets.
//
// Every update is a full snapshot of the subscribed set. A subscriber that
// falls behind only ever sees the latest snapshot: intermediate states are
// dropped, never queued.
package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/pkg/logger"
	"github.com/dsac-scz/citizen-console/pkg/metrics"
)

const (
	kindConversations = "conversations"
	kindMessages      = "messages"
)

// Hub opens live subscriptions on top of the store watches.
type Hub struct {
	docs          store.Documents
	log           store.MessageLog
	conversations *service.ConversationService
	now           func() time.Time
	logger        *logger.Logger
}

// NewHub creates a new hub.
func NewHub(docs store.Documents, msgs store.MessageLog, conversations *service.ConversationService, log *logger.Logger) *Hub {
	return &Hub{
		docs:          docs,
		log:           msgs,
		conversations: conversations,
		now:           func() time.Time { return time.Now().UTC() },
		logger:        log,
	}
}

// Subscription is a live stream of snapshots. Updates is closed once the
// subscription ends, after which Err reports why.
type Subscription[T any] struct {
	updates chan T
	cancel  context.CancelFunc
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func newSubscription[T any](ctx context.Context) (*Subscription[T], context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	return &Subscription[T]{
		updates: make(chan T, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}, ctx
}

// Updates delivers snapshots. Only the latest undelivered one is kept.
func (s *Subscription[T]) Updates() <-chan T {
	return s.updates
}

// Close stops the subscription and waits until its listener is released.
// No update is delivered after Close returns.
func (s *Subscription[T]) Close() {
	s.cancel()
	<-s.done
	for range s.updates {
	}
}

// Done is closed when the subscription has ended.
func (s *Subscription[T]) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the subscription, if any.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Subscription[T]) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	close(s.updates)
	close(s.done)
}

// offer replaces any undelivered snapshot with v. It must only be called
// from the subscription's producer goroutine.
func (s *Subscription[T]) offer(v T) {
	for {
		select {
		case s.updates <- v:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// SubscribeConversations streams the conversations matching filter for
// agentID, ordered by last activity. The first snapshot is delivered once the
// current contents have been read.
func (h *Hub) SubscribeConversations(ctx context.Context, filter model.InboxFilter, agentID string) (*Subscription[model.ConversationsSnapshot], error) {
	if !filter.Valid() {
		return nil, fmt.Errorf("%w: unknown filter %q", service.ErrValidation, filter)
	}
	sub, ctx := newSubscription[model.ConversationsSnapshot](ctx)
	w, err := h.docs.Watch(ctx, store.BucketConversations)
	if err != nil {
		sub.cancel()
		return nil, fmt.Errorf("failed to watch conversations: %w", err)
	}

	metrics.SubscriptionOpened(kindConversations)
	go func() {
		defer metrics.SubscriptionClosed(kindConversations)
		defer w.Stop()
		sub.finish(h.runConversations(ctx, sub, w, filter, agentID))
	}()
	return sub, nil
}

func (h *Hub) runConversations(
	ctx context.Context,
	sub *Subscription[model.ConversationsSnapshot],
	w store.Watcher,
	filter model.InboxFilter,
	agentID string,
) error {
	state := make(map[string]model.Conversation)
	synced := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-w.Changes():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("conversation watch ended")
			}
			switch c.Op {
			case store.OpSynced:
				synced = true
			case store.OpDelete:
				delete(state, c.Entry.Key)
			case store.OpPut:
				conv, err := service.DecodeConversation(c.Entry)
				if err != nil {
					h.logger.Warn("skipping undecodable conversation",
						zap.String("key", c.Entry.Key), zap.Error(err))
					continue
				}
				state[conv.ID] = *conv
			}
			if synced {
				sub.offer(h.conversationsSnapshot(state, filter, agentID))
			}
		}
	}
}

func (h *Hub) conversationsSnapshot(state map[string]model.Conversation, filter model.InboxFilter, agentID string) model.ConversationsSnapshot {
	out := make([]model.Conversation, 0, len(state))
	for _, c := range state {
		if filter.Matches(&c, agentID) {
			out = append(out, c)
		}
	}
	service.SortByActivity(out)
	return model.ConversationsSnapshot{Filter: filter, Conversations: out, At: h.now()}
}

// SubscribeMessages streams the transcript of a conversation in creation
// order. With citizenView, internal notes are never delivered.
func (h *Hub) SubscribeMessages(ctx context.Context, conversationID string, citizenView bool) (*Subscription[model.MessagesSnapshot], error) {
	msgs, last, err := h.conversations.Messages(ctx, conversationID, false)
	if err != nil {
		return nil, err
	}
	sub, ctx := newSubscription[model.MessagesSnapshot](ctx)
	f, err := h.log.Follow(ctx, conversationID, last)
	if err != nil {
		sub.cancel()
		return nil, fmt.Errorf("failed to follow messages: %w", err)
	}

	metrics.SubscriptionOpened(kindMessages)
	sub.offer(messagesSnapshot(conversationID, msgs, last, citizenView))
	go func() {
		defer metrics.SubscriptionClosed(kindMessages)
		defer f.Stop()
		sub.finish(h.runMessages(ctx, sub, f, conversationID, msgs, last, citizenView))
	}()
	return sub, nil
}

func (h *Hub) runMessages(
	ctx context.Context,
	sub *Subscription[model.MessagesSnapshot],
	f store.RecordWatcher,
	conversationID string,
	msgs []model.Message,
	last uint64,
	citizenView bool,
) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case rec, ok := <-f.Records():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("message follow ended")
			}
			msg, err := service.DecodeMessage(rec)
			if err != nil {
				h.logger.WithConversation(conversationID).Warn("skipping undecodable message",
					zap.Error(err))
				continue
			}
			msgs = append(msgs, *msg)
			service.SortMessages(msgs)
			if rec.Sequence > last {
				last = rec.Sequence
			}
			if citizenView && msg.IsInternal {
				continue
			}
			sub.offer(messagesSnapshot(conversationID, msgs, last, citizenView))
		}
	}
}

func messagesSnapshot(conversationID string, msgs []model.Message, last uint64, citizenView bool) model.MessagesSnapshot {
	out := make([]model.Message, len(msgs))
	copy(out, msgs)
	if citizenView {
		out = model.CitizenView(out)
	}
	return model.MessagesSnapshot{ConversationID: conversationID, Messages: out, LastSequence: last}
}
