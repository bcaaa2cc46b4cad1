package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
	"github.com/dsac-scz/citizen-console/internal/whatsapp"
)

func TestInboundWhatsApp(t *testing.T) {
	ctx := context.Background()

	t.Run("FirstContactWithAutoReply", func(t *testing.T) {
		f := newFixture(t)

		res, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{
			From: "70012345", ProfileName: "Juan", MessageID: "wamid.1", Content: "Hola",
		})
		require.NoError(t, err)
		f.inbound.Wait()
		assert.True(t, res.IsNew)

		citizen, err := f.citizens.Get(ctx, "70012345")
		require.NoError(t, err)
		assert.Equal(t, "Juan", citizen.Name)
		assert.Equal(t, model.ChannelWhatsApp, citizen.Channel)

		conv, err := f.conversations.Get(ctx, res.Conversation.ID)
		require.NoError(t, err)
		assert.Equal(t, model.StatusOpen, conv.Status)
		assert.Equal(t, 1, conv.UnreadCount)
		assert.Nil(t, conv.AssignedAgentID)

		msgs, _, err := f.conversations.Messages(ctx, conv.ID, false)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, model.SenderCitizen, msgs[0].SenderType)
		assert.Equal(t, "Hola", msgs[0].Content)
		assert.Equal(t, model.SenderBot, msgs[1].SenderType)
		assert.Equal(t, AutoReplySenderID, *msgs[1].SenderID)
		assert.Contains(t, msgs[1].Content, "Bienvenido a la DSAC")

		sent := f.sender.Sent()
		require.Len(t, sent, 1)
		assert.Equal(t, "70012345", sent[0].To)
		assert.Equal(t, msgs[1].Content, sent[0].Text)
	})

	t.Run("BlankCaptionMediaIsStored", func(t *testing.T) {
		f := newFixture(t)
		f.setAutoReply(t, false)

		env := whatsapp.Envelope{Entry: []whatsapp.Entry{{Changes: []whatsapp.Change{{Value: whatsapp.Value{
			Messages: []whatsapp.InboundMessage{
				{From: "70012345", ID: "wamid.img", Type: whatsapp.TypeImage, Image: &whatsapp.Media{ID: "m1", Caption: "   "}},
				{From: "70012345", ID: "wamid.doc", Type: whatsapp.TypeDocument, Document: &whatsapp.Media{ID: "d1", Caption: "\n", Filename: "nota.pdf"}},
			},
		}}}}}}

		var convID string
		for _, in := range env.Messages() {
			res, err := f.inbound.WhatsApp(ctx, in)
			require.NoError(t, err)
			convID = res.Conversation.ID
		}

		msgs, _, err := f.conversations.Messages(ctx, convID, false)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.Equal(t, whatsapp.PlaceholderImage, msgs[0].Content)
		assert.Equal(t, "[ 📄 Documento: nota.pdf ]", msgs[1].Content)
	})

	t.Run("FailedMessageCanBeRedelivered", func(t *testing.T) {
		f := newFixture(t)
		f.setAutoReply(t, false)

		_, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", MessageID: "wamid.9", Content: "   "})
		require.ErrorIs(t, err, ErrValidation)

		res, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", MessageID: "wamid.9", Content: "Hola"})
		require.NoError(t, err)
		assert.False(t, res.Duplicate)
		require.NotNil(t, res.Message)
		assert.Equal(t, "Hola", res.Message.Content)

		again, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", MessageID: "wamid.9", Content: "Hola"})
		require.NoError(t, err)
		assert.True(t, again.Duplicate)
	})

	t.Run("AutoReplyOnlyOnce", func(t *testing.T) {
		f := newFixture(t)
		for i := 0; i < 3; i++ {
			_, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{
				From: "70012345", ProfileName: "Juan", MessageID: fmt.Sprintf("wamid.%d", i), Content: "Hola",
			})
			require.NoError(t, err)
		}
		f.inbound.Wait()
		assert.Len(t, f.sender.Sent(), 1)

		active := f.activeFor(t, "70012345")
		require.Len(t, active, 1)
		assert.Equal(t, 3, active[0].UnreadCount)
	})

	t.Run("AutoReplyDisabled", func(t *testing.T) {
		f := newFixture(t)
		f.setAutoReply(t, false)

		res, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", ProfileName: "Juan", Content: "Hola"})
		require.NoError(t, err)
		f.inbound.Wait()

		msgs, _, err := f.conversations.Messages(ctx, res.Conversation.ID, false)
		require.NoError(t, err)
		assert.Len(t, msgs, 1)
		assert.Empty(t, f.sender.Sent())
	})

	t.Run("AutoReplyDeliveryFailureKeepsMessage", func(t *testing.T) {
		f := newFixture(t)
		f.sender.err = errBoom

		res, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", ProfileName: "Juan", Content: "Hola"})
		require.NoError(t, err)
		f.inbound.Wait()

		msgs, _, err := f.conversations.Messages(ctx, res.Conversation.ID, false)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("DuplicateDeliveryIgnored", func(t *testing.T) {
		f := newFixture(t)
		in := whatsapp.Inbound{From: "70012345", ProfileName: "Juan", MessageID: "wamid.same", Content: "Hola"}

		_, err := f.inbound.WhatsApp(ctx, in)
		require.NoError(t, err)
		res, err := f.inbound.WhatsApp(ctx, in)
		require.NoError(t, err)
		assert.True(t, res.Duplicate)

		active := f.activeFor(t, "70012345")
		require.Len(t, active, 1)
		msgs, _, err := f.conversations.Messages(ctx, active[0].ID, false)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("ChannelDisabled", func(t *testing.T) {
		f := newFixture(t)
		off := false
		_, err := f.settings.Update(ctx, &model.UpdateSettingsRequest{WhatsAppEnabled: &off}, "admin")
		require.NoError(t, err)

		_, err = f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", Content: "Hola"})
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	})

	t.Run("ClosedConversationStartsNewOne", func(t *testing.T) {
		f := newFixture(t)
		f.setAutoReply(t, false)
		first, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", Content: "Hola"})
		require.NoError(t, err)
		_, err = f.conversations.Close(ctx, first.Conversation.ID, model.DispositionResolved, "")
		require.NoError(t, err)

		second, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", Content: "Otra consulta"})
		require.NoError(t, err)
		assert.True(t, second.IsNew)
		assert.NotEqual(t, first.Conversation.ID, second.Conversation.ID)
	})

	t.Run("LocationIsStored", func(t *testing.T) {
		f := newFixture(t)
		loc := &model.Location{Latitude: -17.7, Longitude: -63.1}
		res, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", Content: whatsapp.PlaceholderLocation, Location: loc})
		require.NoError(t, err)
		assert.Equal(t, loc, res.Message.Location)
	})
}

func TestCitizenResolve(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.citizens.Resolve(ctx, "70012345", "Juan", model.ChannelWhatsApp)
	require.NoError(t, err)
	notes := "vecino del barrio Norte"
	_, err = f.citizens.Update(ctx, "70012345", &model.UpdateCitizenRequest{Notes: &notes, Tags: []string{"vip", " VIP ", "reclamo"}})
	require.NoError(t, err)

	f.clock.Advance(time.Hour)
	second, err := f.citizens.Resolve(ctx, "70012345", "Juan Perez", model.ChannelWeb)
	require.NoError(t, err)

	assert.Equal(t, first.CreatedAt, second.CreatedAt)
	assert.Equal(t, "Juan", second.Name)
	assert.Equal(t, model.ChannelWhatsApp, second.Channel)
	assert.Equal(t, notes, second.Notes)
	assert.Equal(t, []string{"vip", "reclamo"}, second.Tags)
	assert.Equal(t, f.clock.Now(), second.UpdatedAt)

	all, err := store.ListJSON[model.Citizen](ctx, f.store, store.BucketCitizens)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = f.citizens.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = f.citizens.Resolve(ctx, " ", "x", model.ChannelWeb)
	assert.ErrorIs(t, err, ErrValidation)
}

func TestWebChat(t *testing.T) {
	ctx := context.Background()

	t.Run("StartAndResume", func(t *testing.T) {
		f := newFixture(t)

		started, err := f.inbound.StartWebChat(ctx, "Ana", "+591 700-11122")
		require.NoError(t, err)
		assert.True(t, started.IsNew)
		assert.Equal(t, "59170011122", started.CitizenID)

		resumed, err := f.inbound.StartWebChat(ctx, "Ana", "59170011122")
		require.NoError(t, err)
		assert.False(t, resumed.IsNew)
		assert.Equal(t, started.ConversationID, resumed.ConversationID)

		_, err = f.inbound.WebMessage(ctx, started.ConversationID, started.CitizenID, "Necesito ayuda")
		require.NoError(t, err)
		_, err = f.conversations.Ingest(ctx, IngestRequest{
			ConversationID: started.ConversationID, SenderType: model.SenderAgent,
			SenderID: strPtr("agentA"), Content: "nota", IsInternal: true,
		})
		require.NoError(t, err)

		msgs, _, err := f.inbound.WebTranscript(ctx, started.ConversationID, started.CitizenID)
		require.NoError(t, err)
		for _, m := range msgs {
			assert.False(t, m.IsInternal)
		}
		assert.Len(t, msgs, 2)
		assert.Empty(t, f.sender.Sent())
	})

	t.Run("ForeignConversation", func(t *testing.T) {
		f := newFixture(t)
		started, err := f.inbound.StartWebChat(ctx, "Ana", "70011122")
		require.NoError(t, err)

		_, err = f.inbound.WebMessage(ctx, started.ConversationID, "someone-else", "hola")
		assert.ErrorIs(t, err, ErrNotFound)
		_, _, err = f.inbound.WebTranscript(ctx, started.ConversationID, "someone-else")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("Disabled", func(t *testing.T) {
		f := newFixture(t)
		off := false
		_, err := f.settings.Update(ctx, &model.UpdateSettingsRequest{WebChatEnabled: &off}, "admin")
		require.NoError(t, err)
		_, err = f.inbound.StartWebChat(ctx, "Ana", "70011122")
		assert.ErrorIs(t, err, ErrChannelUnavailable)
	})

	t.Run("ConcurrentCitizensStayIsolated", func(t *testing.T) {
		f := newFixture(t)
		f.setAutoReply(t, false)

		phones := []string{"70000001", "70000002"}
		results := make([]*model.StartWebChatResponse, len(phones))
		var wg sync.WaitGroup
		for i, phone := range phones {
			wg.Add(1)
			go func(i int, phone string) {
				defer wg.Done()
				res, err := f.inbound.StartWebChat(ctx, "Vecino", phone)
				if assert.NoError(t, err) {
					results[i] = res
					_, err = f.inbound.WebMessage(ctx, res.ConversationID, res.CitizenID, "hola "+phone)
					assert.NoError(t, err)
				}
			}(i, phone)
		}
		wg.Wait()

		require.NotNil(t, results[0])
		require.NotNil(t, results[1])
		assert.NotEqual(t, results[0].ConversationID, results[1].ConversationID)
		for i, res := range results {
			conv, err := f.conversations.Get(ctx, res.ConversationID)
			require.NoError(t, err)
			assert.Equal(t, phones[i], conv.CitizenID)
			assert.Equal(t, 2, conv.UnreadCount)

			msgs, _, err := f.conversations.Messages(ctx, res.ConversationID, true)
			require.NoError(t, err)
			require.Len(t, msgs, 1)
			assert.Equal(t, "hola "+phones[i], msgs[0].Content)
		}
	})
}

func TestConsoleFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.setAutoReply(t, false)

	res, err := f.inbound.WhatsApp(ctx, whatsapp.Inbound{From: "70012345", ProfileName: "Juan", Content: "Hola"})
	require.NoError(t, err)
	id := res.Conversation.ID

	_, err = f.conversations.Assign(ctx, id, "agentA")
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	sent, err := f.messages.Send(ctx, id, "agentA", &model.SendMessageRequest{Content: "¿En qué le ayudo?"})
	require.NoError(t, err)
	assert.True(t, sent.Delivered)

	conv, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInProgress, conv.Status)
	assert.Equal(t, "agentA", conv.AssignedTo())
	assert.Equal(t, f.clock.Now(), conv.LastMessageAt)
	assert.Equal(t, 1, conv.UnreadCount)

	f.clock.Advance(time.Minute)
	note, err := f.messages.Send(ctx, id, "agentA", &model.SendMessageRequest{Content: "verificar DNI", IsInternal: true})
	require.NoError(t, err)
	assert.False(t, note.Delivered)
	after, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, conv.LastMessageAt, after.LastMessageAt)
	assert.Equal(t, conv.UnreadCount, after.UnreadCount)

	_, err = f.conversations.Transfer(ctx, id, "Agent A", "agentB")
	require.NoError(t, err)
	transferred, err := f.conversations.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "agentB", transferred.AssignedTo())
	assert.Equal(t, model.StatusInProgress, transferred.Status)

	_, err = f.conversations.Close(ctx, id, model.DispositionResolved, "Tramite explicado")
	require.NoError(t, err)
	_, err = f.conversations.Assign(ctx, id, "agentA")
	assert.ErrorIs(t, err, ErrConversationClosed)

	list, err := f.messages.List(ctx, id)
	require.NoError(t, err)
	contents := make([]string, 0, len(list.Messages))
	for _, m := range list.Messages {
		contents = append(contents, m.Content)
	}
	assert.Equal(t, []string{"Hola", "¿En qué le ayudo?", "verificar DNI", "♻️ Chat transferido por Agent A"}, contents)
	assert.Len(t, f.sender.Sent(), 1)
}

func TestMessageSend(t *testing.T) {
	ctx := context.Background()

	t.Run("AutoAssignsUnassigned", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		_, err := f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{Content: "Buenos días"})
		require.NoError(t, err)

		got, err := f.conversations.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Equal(t, "agentA", got.AssignedTo())
		assert.Equal(t, model.StatusInProgress, got.Status)
	})

	t.Run("InternalNoteDoesNotAssign", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		_, err := f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{Content: "nota", IsInternal: true})
		require.NoError(t, err)
		got, err := f.conversations.Get(ctx, conv.ID)
		require.NoError(t, err)
		assert.Nil(t, got.AssignedAgentID)
		assert.Empty(t, f.sender.Sent())
	})

	t.Run("AttachmentsUseCaptionOnFirst", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")

		_, err := f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{
			Content:     "Adjunto requisitos",
			Attachments: []string{"https://files.example/a.pdf", "https://files.example/b.jpg"},
		})
		require.NoError(t, err)
		sent := f.sender.Sent()
		require.Len(t, sent, 2)
		assert.Equal(t, "Adjunto requisitos", sent[0].Text)
		assert.Equal(t, whatsapp.KindDocument, sent[0].Kind())
		assert.Empty(t, sent[1].Text)
		assert.Equal(t, whatsapp.KindImage, sent[1].Kind())
	})

	t.Run("DeliveryFailureKeepsMessage", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		f.sender.err = errBoom

		resp, err := f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{Content: "hola"})
		assert.ErrorIs(t, err, ErrDeliveryFailed)
		require.NotNil(t, resp)
		assert.False(t, resp.Delivered)

		msgs, _, err := f.conversations.Messages(ctx, conv.ID, false)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("UnconfiguredChannelStoresOnly", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		f.sender.configured = false

		resp, err := f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{Content: "hola"})
		require.NoError(t, err)
		assert.False(t, resp.Delivered)
	})

	t.Run("ClosedRejected", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		_, err := f.conversations.Close(ctx, conv.ID, model.DispositionResolved, "")
		require.NoError(t, err)

		_, err = f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{Content: "hola"})
		assert.ErrorIs(t, err, ErrConversationClosed)
	})

	t.Run("Empty", func(t *testing.T) {
		f := newFixture(t)
		conv := f.open(t, "70012345")
		_, err := f.messages.Send(ctx, conv.ID, "agentA", &model.SendMessageRequest{Content: " "})
		assert.ErrorIs(t, err, ErrValidation)
	})
}
