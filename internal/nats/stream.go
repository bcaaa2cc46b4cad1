package nats

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/dsac-scz/citizen-console/internal/store"
)

const (
	// StreamName is the name of the conversation message stream.
	StreamName = "CONVERSATIONS"

	// SubjectPrefix is the prefix for all conversation subjects.
	SubjectPrefix = "conv"

	fetchBatch = 256
)

// MessageLog implements store.MessageLog on a JetStream stream. Delete and
// purge are denied at the stream level, so records are immutable.
type MessageLog struct {
	client *Client

	mu     sync.Mutex
	stream jetstream.Stream
}

var _ store.MessageLog = (*MessageLog)(nil)

// NewMessageLog creates a new stream-backed message log.
func NewMessageLog(client *Client) *MessageLog {
	return &MessageLog{client: client}
}

// EnsureStream ensures the conversations stream exists with proper configuration.
func (m *MessageLog) EnsureStream(ctx context.Context) error {
	js := m.client.JetStream()

	stream, err := js.Stream(ctx, StreamName)
	if err == nil {
		m.setStream(stream)
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}

	stream, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        StreamName,
		Subjects:    []string{fmt.Sprintf("%s.>", SubjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      5 * 365 * 24 * time.Hour,
		MaxBytes:    100 * 1024 * 1024 * 1024, // 100GB
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		DenyDelete:  true,
		DenyPurge:   true,
		Description: "Citizen conversation transcripts",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	m.setStream(stream)
	return nil
}

func (m *MessageLog) setStream(s jetstream.Stream) {
	m.mu.Lock()
	m.stream = s
	m.mu.Unlock()
}

func (m *MessageLog) getStream(ctx context.Context) (jetstream.Stream, error) {
	m.mu.Lock()
	s := m.stream
	m.mu.Unlock()
	if s != nil {
		return s, nil
	}
	s, err := m.client.JetStream().Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	m.setStream(s)
	return s, nil
}

// MessageSubject returns the subject for a message.
func MessageSubject(conversationID, sender string) string {
	return fmt.Sprintf("%s.%s.msg.%s", SubjectPrefix, conversationID, sender)
}

// ConversationFilter returns the filter subject for all messages in a conversation.
func ConversationFilter(conversationID string) string {
	return fmt.Sprintf("%s.%s.msg.>", SubjectPrefix, conversationID)
}

// Append publishes a record and reads back its server timestamp.
func (m *MessageLog) Append(ctx context.Context, conversationID, sender string, data []byte) (store.Record, error) {
	ack, err := m.client.JetStream().Publish(ctx, MessageSubject(conversationID, sender), data,
		jetstream.WithExpectStream(StreamName))
	if err != nil {
		return store.Record{}, fmt.Errorf("failed to publish message: %w", err)
	}

	rec := store.Record{Sequence: ack.Sequence, Data: data}
	stream, err := m.getStream(ctx)
	if err == nil {
		var raw *jetstream.RawStreamMsg
		raw, err = stream.GetMsg(ctx, ack.Sequence)
		if err == nil {
			rec.Time = raw.Time.UTC()
			return rec, nil
		}
	}
	// The record is stored; only its timestamp lookup failed.
	m.client.logger.Warn("failed to read back message timestamp",
		zap.Uint64("sequence", ack.Sequence), zap.Error(err))
	rec.Time = time.Now().UTC()
	return rec, nil
}

// Read returns every record of a conversation in log order.
func (m *MessageLog) Read(ctx context.Context, conversationID string) ([]store.Record, error) {
	stream, err := m.getStream(ctx)
	if err != nil {
		return nil, err
	}
	filter := ConversationFilter(conversationID)

	info, err := stream.Info(ctx, jetstream.WithSubjectFilter(filter))
	if err != nil {
		return nil, fmt.Errorf("failed to get stream info: %w", err)
	}
	var total uint64
	for _, n := range info.State.Subjects {
		total += n
	}
	if total == 0 {
		return nil, nil
	}

	consumer, err := stream.CreateConsumer(ctx, jetstream.ConsumerConfig{
		FilterSubject:     filter,
		AckPolicy:         jetstream.AckNonePolicy,
		DeliverPolicy:     jetstream.DeliverAllPolicy,
		InactiveThreshold: 30 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}
	defer func() {
		name := consumer.CachedInfo().Name
		if err := stream.DeleteConsumer(context.WithoutCancel(ctx), name); err != nil {
			m.client.logger.Debug("failed to delete read consumer", zap.String("consumer", name), zap.Error(err))
		}
	}()

	records := make([]store.Record, 0, total)
	for uint64(len(records)) < total {
		batch, err := consumer.Fetch(fetchBatch, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}
		received := 0
		var pending uint64
		for msg := range batch.Messages() {
			meta, err := msg.Metadata()
			if err != nil {
				continue
			}
			records = append(records, store.Record{
				Sequence: meta.Sequence.Stream,
				Time:     meta.Timestamp.UTC(),
				Data:     msg.Data(),
			})
			pending = meta.NumPending
			received++
		}
		if err := batch.Error(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("batch error: %w", err)
		}
		if received == 0 || pending == 0 {
			break
		}
	}
	return records, nil
}

// Follow delivers records appended after the given sequence until stopped.
func (m *MessageLog) Follow(ctx context.Context, conversationID string, after uint64) (store.RecordWatcher, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{ConversationFilter(conversationID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if after > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = after + 1
	}
	consumer, err := m.client.JetStream().OrderedConsumer(ctx, StreamName, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create ordered consumer: %w", err)
	}

	f := &streamFollower{
		out:  make(chan store.Record, fetchBatch),
		done: make(chan struct{}),
	}
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		meta, err := msg.Metadata()
		if err != nil {
			return
		}
		rec := store.Record{
			Sequence: meta.Sequence.Stream,
			Time:     meta.Timestamp.UTC(),
			Data:     msg.Data(),
		}
		select {
		case f.out <- rec:
		case <-f.done:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to consume: %w", err)
	}
	f.cc = cc

	go func() {
		select {
		case <-ctx.Done():
			f.Stop()
		case <-f.done:
		}
	}()
	return f, nil
}

type streamFollower struct {
	cc   jetstream.ConsumeContext
	out  chan store.Record
	done chan struct{}
	once sync.Once
}

func (f *streamFollower) Records() <-chan store.Record { return f.out }

// Stop stops delivery. The output channel is left open; receivers select on
// their own cancellation.
func (f *streamFollower) Stop() error {
	f.once.Do(func() {
		close(f.done)
		f.cc.Stop()
	})
	return nil
}
