package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/internal/store/memory"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

func TestRoute(t *testing.T) {
	ctx := context.Background()

	t.Run("CreatesThenReuses", func(t *testing.T) {
		f := newFixture(t)

		first, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.True(t, first.IsNew)
		assert.Equal(t, model.StatusOpen, first.Conversation.Status)
		assert.Equal(t, 1, first.Conversation.UnreadCount)
		assert.Nil(t, first.Conversation.AssignedAgentID)

		second, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.False(t, second.IsNew)
		assert.Equal(t, first.Conversation.ID, second.Conversation.ID)
		assert.Len(t, f.activeFor(t, "70012345"), 1)
	})

	t.Run("ConcurrentFirstContact", func(t *testing.T) {
		f := newFixture(t)

		const n = 16
		ids := make([]string, n)
		created := make([]bool, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				res, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
				if assert.NoError(t, err) {
					ids[i] = res.Conversation.ID
					created[i] = res.IsNew
				}
			}(i)
		}
		wg.Wait()

		newCount := 0
		for i := range ids {
			assert.Equal(t, ids[0], ids[i])
			if created[i] {
				newCount++
			}
		}
		assert.Equal(t, 1, newCount)
		assert.Len(t, f.activeFor(t, "70012345"), 1)
	})

	t.Run("NewConversationAfterClose", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		_, err := f.conversations.Close(ctx, conv.ID, model.DispositionResolved, "")
		require.NoError(t, err)

		res, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.True(t, res.IsNew)
		assert.NotEqual(t, conv.ID, res.Conversation.ID)
	})

	t.Run("ScanWhenIndexUnavailable", func(t *testing.T) {
		f := newFixture(t, memory.WithoutBucket(store.BucketActiveConversations))

		first, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.True(t, first.IsNew)

		second, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.False(t, second.IsNew)
		assert.Equal(t, first.Conversation.ID, second.Conversation.ID)

		// Close still works without the pointer bucket.
		_, err = f.conversations.Close(ctx, first.Conversation.ID, model.DispositionInformation, "")
		require.NoError(t, err)
	})

	t.Run("PointerToClosedConversationIsReplaced", func(t *testing.T) {
		f := newFixture(t)
		closed := &model.Conversation{ID: "old", CitizenID: "70012345", Status: model.StatusClosed, SourceChannel: model.ChannelWhatsApp}
		_, err := store.CreateJSON(ctx, f.store, store.BucketConversations, closed.ID, closed)
		require.NoError(t, err)
		_, err = store.CreateJSON(ctx, f.store, store.BucketActiveConversations, "70012345", activePointer{ConversationID: "old"})
		require.NoError(t, err)

		res, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.True(t, res.IsNew)
		assert.NotEqual(t, "old", res.Conversation.ID)
	})

	t.Run("OrphanedPointerIsReplaced", func(t *testing.T) {
		defer func(d time.Duration) { pointerWaitTimeout = d }(pointerWaitTimeout)
		pointerWaitTimeout = 50 * time.Millisecond

		f := newFixture(t)
		_, err := store.CreateJSON(ctx, f.store, store.BucketActiveConversations, "70012345", activePointer{ConversationID: "missing"})
		require.NoError(t, err)

		res, err := f.conversations.Route(ctx, "70012345", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.True(t, res.IsNew)

		ptr, _, err := store.GetJSON[activePointer](ctx, f.store, store.BucketActiveConversations, "70012345")
		require.NoError(t, err)
		assert.Equal(t, res.Conversation.ID, ptr.ConversationID)
	})

	t.Run("Validation", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.conversations.Route(ctx, "", model.ChannelWhatsApp)
		assert.ErrorIs(t, err, ErrValidation)
		_, err = f.conversations.Route(ctx, "70012345", model.Channel("sms"))
		assert.ErrorIs(t, err, ErrValidation)
	})
}

func TestRebuildActiveIndex(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, c := range []*model.Conversation{
		{ID: "a", CitizenID: "1", Status: model.StatusOpen},
		{ID: "b", CitizenID: "2", Status: model.StatusInProgress},
		{ID: "c", CitizenID: "3", Status: model.StatusClosed},
	} {
		_, err := store.CreateJSON(ctx, f.store, store.BucketConversations, c.ID, c)
		require.NoError(t, err)
	}

	core, logs := observer.New(zap.InfoLevel)
	svc := NewConversationService(f.store, f.store, f.clock.Now, &logger.Logger{Logger: zap.New(core)})

	n, err := svc.RebuildActiveIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = svc.RebuildActiveIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rebuilt := logs.FilterMessage("active conversation index rebuilt").All()
	require.Len(t, rebuilt, 1)
	assert.Equal(t, int64(2), rebuilt[0].ContextMap()["created"])

	res, err := svc.Route(ctx, "2", model.ChannelWhatsApp)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Conversation.ID)
}

func TestAssign(t *testing.T) {
	ctx := context.Background()

	t.Run("SetsOwnerAndStatus", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		got, err := f.conversations.Assign(ctx, conv.ID, "agentA")
		require.NoError(t, err)
		assert.Equal(t, "agentA", got.AssignedTo())
		assert.Equal(t, model.StatusInProgress, got.Status)
	})

	t.Run("Idempotent", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		first, err := f.conversations.Assign(ctx, conv.ID, "agentA")
		require.NoError(t, err)
		second, err := f.conversations.Assign(ctx, conv.ID, "agentA")
		require.NoError(t, err)
		assert.Equal(t, first.Revision, second.Revision)
	})

	t.Run("NotFound", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.conversations.Assign(ctx, "nope", "agentA")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("CompetingAssignIsReported", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		f.docs.beforeUpdate = func() {
			_, err := f.conversations.Assign(ctx, conv.ID, "agentB")
			require.NoError(t, err)
		}
		_, err := f.conversations.Assign(ctx, conv.ID, "agentA")
		assert.ErrorIs(t, err, ErrConcurrentModification)

		got, err := f.conversations.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "agentB", got.AssignedTo())
	})

	t.Run("CommutativeWriteIsRetried", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		f.docs.beforeUpdate = func() {
			_, err := f.conversations.Ingest(ctx, IngestRequest{
				ConversationID: conv.ID,
				SenderType:     model.SenderCitizen,
				SenderID:       strPtr("70012345"),
				Content:        "¿hola?",
			})
			require.NoError(t, err)
		}
		got, err := f.conversations.Assign(ctx, conv.ID, "agentA")
		require.NoError(t, err)
		assert.Equal(t, "agentA", got.AssignedTo())
		assert.Equal(t, 2, got.UnreadCount)
	})
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	conv := f.open(t, "70012345")
	_, err := f.conversations.Assign(ctx, conv.ID, "agentA")
	require.NoError(t, err)

	got, err := f.conversations.Transfer(ctx, conv.ID, "Agent A", "agentB")
	require.NoError(t, err)
	assert.Equal(t, "agentB", got.AssignedTo())
	assert.Equal(t, model.StatusInProgress, got.Status)

	msgs, _, err := f.conversations.Messages(ctx, conv.ID, false)
	require.NoError(t, err)
	last := msgs[len(msgs)-1]
	assert.Equal(t, model.SenderBot, last.SenderType)
	assert.Equal(t, "♻️ Chat transferido por Agent A", last.Content)

	t.Run("SameAgentIsNoop", func(t *testing.T) {
		_, err := f.conversations.Transfer(ctx, conv.ID, "Agent B", "agentB")
		require.NoError(t, err)
		after, _, err := f.conversations.Messages(ctx, conv.ID, false)
		require.NoError(t, err)
		assert.Len(t, after, len(msgs))
	})

	t.Run("ClosedBeforeAnnouncement", func(t *testing.T) {
		other := f.open(t, "70055555")
		f.docs.afterUpdate = func() {
			_, err := f.conversations.Close(ctx, other.ID, model.DispositionResolved, "")
			require.NoError(t, err)
		}
		got, err := f.conversations.Transfer(ctx, other.ID, "Agent A", "agentB")
		require.NoError(t, err)
		assert.Equal(t, "agentB", got.AssignedTo())
		assert.Equal(t, model.StatusClosed, got.Status)

		after, _, err := f.conversations.Messages(ctx, other.ID, false)
		require.NoError(t, err)
		for _, m := range after {
			assert.NotEqual(t, model.SenderBot, m.SenderType)
		}
	})

	t.Run("StatusUnchangedWhenOpen", func(t *testing.T) {
		other := f.open(t, "70099999")
		got, err := f.conversations.Transfer(ctx, other.ID, "Agent A", "agentB")
		require.NoError(t, err)
		assert.Equal(t, model.StatusOpen, got.Status)
	})
}

func TestClose(t *testing.T) {
	ctx := context.Background()

	t.Run("Terminal", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		got, err := f.conversations.Close(ctx, conv.ID, model.DispositionResolved, "Tramite explicado")
		require.NoError(t, err)
		assert.Equal(t, model.StatusClosed, got.Status)
		require.NotNil(t, got.Disposition)
		assert.Equal(t, model.DispositionResolved, *got.Disposition)
		require.NotNil(t, got.ClosingNotes)
		assert.Equal(t, "Tramite explicado", *got.ClosingNotes)

		_, err = f.conversations.Assign(ctx, conv.ID, "agentA")
		assert.ErrorIs(t, err, ErrConversationClosed)
		_, err = f.conversations.Transfer(ctx, conv.ID, "A", "agentB")
		assert.ErrorIs(t, err, ErrConversationClosed)
		_, err = f.conversations.Close(ctx, conv.ID, model.DispositionResolved, "")
		assert.ErrorIs(t, err, ErrConversationClosed)
		_, err = f.conversations.Ingest(ctx, IngestRequest{
			ConversationID: conv.ID, SenderType: model.SenderAgent, SenderID: strPtr("agentA"), Content: "hola",
		})
		assert.ErrorIs(t, err, ErrConversationClosed)
		_, err = f.conversations.Ingest(ctx, IngestRequest{
			ConversationID: conv.ID, SenderType: model.SenderCitizen, SenderID: strPtr("70012345"), Content: "hola",
		})
		assert.ErrorIs(t, err, ErrConversationClosed)

		_, err = f.conversations.Ingest(ctx, IngestRequest{
			ConversationID: conv.ID, SenderType: model.SenderAgent, SenderID: strPtr("agentA"), Content: "nota", IsInternal: true,
		})
		assert.NoError(t, err)
	})

	t.Run("EmptyNoteIsNull", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		got, err := f.conversations.Close(ctx, conv.ID, model.DispositionNoResponse, "")
		require.NoError(t, err)
		assert.Nil(t, got.ClosingNotes)
	})

	t.Run("InvalidDisposition", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		_, err := f.conversations.Close(ctx, conv.ID, "MAYBE", "")
		assert.ErrorIs(t, err, ErrInvalidDisposition)
		_, err = f.conversations.Close(ctx, conv.ID, "", "")
		assert.ErrorIs(t, err, ErrInvalidDisposition)
	})

	t.Run("ReleasesPointer", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		_, err := f.conversations.Close(ctx, conv.ID, model.DispositionPrankSpam, "")
		require.NoError(t, err)
		_, err = f.store.Get(ctx, store.BucketActiveConversations, "70012345")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestList(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	a := f.open(t, "1")
	f.clock.Advance(time.Minute)
	b := f.open(t, "2")
	f.clock.Advance(time.Minute)
	c := f.open(t, "3")

	_, err := f.conversations.Assign(ctx, a.ID, "agentA")
	require.NoError(t, err)
	_, err = f.conversations.Close(ctx, c.ID, model.DispositionResolved, "")
	require.NoError(t, err)

	ids := func(convs []model.Conversation) []string {
		out := make([]string, 0, len(convs))
		for _, c := range convs {
			out = append(out, c.ID)
		}
		return out
	}

	all, err := f.conversations.List(ctx, model.InboxAll, "agentA")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID, a.ID}, ids(all))

	mine, err := f.conversations.List(ctx, model.InboxMine, "agentA")
	require.NoError(t, err)
	assert.Equal(t, []string{a.ID}, ids(mine))

	unassigned, err := f.conversations.List(ctx, model.InboxUnassigned, "agentA")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(unassigned))

	closed, err := f.conversations.List(ctx, model.InboxClosed, "")
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids(closed))

	_, err = f.conversations.List(ctx, "EVERYTHING", "")
	assert.ErrorIs(t, err, ErrValidation)

	history, err := f.conversations.History(ctx, "3")
	require.NoError(t, err)
	assert.Equal(t, []string{c.ID}, ids(history))
}
