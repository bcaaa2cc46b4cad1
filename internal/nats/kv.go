package nats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/dsac-scz/citizen-console/internal/store"
)

// KVStore implements store.Documents on JetStream key/value buckets, one
// bucket per store.Bucket.
type KVStore struct {
	client *Client
	prefix string

	mu      sync.Mutex
	buckets map[store.Bucket]jetstream.KeyValue
}

var _ store.Documents = (*KVStore)(nil)

// NewKVStore creates a KV-backed document store. Bucket names are prefixed
// with prefix.
func NewKVStore(client *Client, prefix string) *KVStore {
	return &KVStore{
		client:  client,
		prefix:  prefix,
		buckets: make(map[store.Bucket]jetstream.KeyValue),
	}
}

func (s *KVStore) bucketName(b store.Bucket) string {
	if s.prefix == "" {
		return string(b)
	}
	return s.prefix + "_" + string(b)
}

// EnsureBuckets creates the given buckets if they do not exist.
func (s *KVStore) EnsureBuckets(ctx context.Context, buckets ...store.Bucket) error {
	js := s.client.JetStream()
	for _, b := range buckets {
		name := s.bucketName(b)
		_, err := js.KeyValue(ctx, name)
		if err == nil {
			continue
		}
		if !errors.Is(err, jetstream.ErrBucketNotFound) {
			return fmt.Errorf("failed to open bucket %s: %w", name, err)
		}
		_, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: fmt.Sprintf("citizen console %s documents", b),
			History:     1,
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		})
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", name, err)
		}
	}
	return nil
}

func (s *KVStore) kv(ctx context.Context, b store.Bucket) (jetstream.KeyValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if kv, ok := s.buckets[b]; ok {
		return kv, nil
	}
	kv, err := s.client.JetStream().KeyValue(ctx, s.bucketName(b))
	if err != nil {
		if errors.Is(err, jetstream.ErrBucketNotFound) {
			return nil, fmt.Errorf("bucket %s: %w", b, store.ErrIndexUnavailable)
		}
		return nil, err
	}
	s.buckets[b] = kv
	return kv, nil
}

// Get implements store.Documents.
func (s *KVStore) Get(ctx context.Context, b store.Bucket, key string) (store.Entry, error) {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return store.Entry{}, err
	}
	e, err := kv.Get(ctx, encodeKey(key))
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) || errors.Is(err, jetstream.ErrKeyDeleted) {
			return store.Entry{}, store.ErrNotFound
		}
		return store.Entry{}, err
	}
	return toEntry(e), nil
}

// Create implements store.Documents.
func (s *KVStore) Create(ctx context.Context, b store.Bucket, key string, value []byte) (uint64, error) {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Create(ctx, encodeKey(key), value)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyExists) {
			return 0, store.ErrKeyExists
		}
		return 0, err
	}
	return rev, nil
}

// Put implements store.Documents.
func (s *KVStore) Put(ctx context.Context, b store.Bucket, key string, value []byte) (uint64, error) {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return 0, err
	}
	return kv.Put(ctx, encodeKey(key), value)
}

// Update implements store.Documents.
func (s *KVStore) Update(ctx context.Context, b store.Bucket, key string, value []byte, revision uint64) (uint64, error) {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return 0, err
	}
	rev, err := kv.Update(ctx, encodeKey(key), value, revision)
	if err != nil {
		if wrongLastSequence(err) {
			return 0, store.ErrRevisionMismatch
		}
		return 0, err
	}
	return rev, nil
}

// Delete implements store.Documents.
func (s *KVStore) Delete(ctx context.Context, b store.Bucket, key string, revision uint64) error {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return err
	}
	var opts []jetstream.KVDeleteOpt
	if revision != 0 {
		opts = append(opts, jetstream.LastRevision(revision))
	}
	if err := kv.Delete(ctx, encodeKey(key), opts...); err != nil {
		if wrongLastSequence(err) {
			return store.ErrRevisionMismatch
		}
		return err
	}
	return nil
}

// List implements store.Documents. It replays the bucket through a watcher
// and stops at the end-of-initial-values marker.
func (s *KVStore) List(ctx context.Context, b store.Bucket) ([]store.Entry, error) {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return nil, err
	}
	w, err := kv.WatchAll(ctx, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("failed to list bucket %s: %w", b, err)
	}
	defer w.Stop()

	var out []store.Entry
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case e, ok := <-w.Updates():
			if !ok || e == nil {
				return out, nil
			}
			out = append(out, toEntry(e))
		}
	}
}

// Watch implements store.Documents.
func (s *KVStore) Watch(ctx context.Context, b store.Bucket) (store.Watcher, error) {
	kv, err := s.kv(ctx, b)
	if err != nil {
		return nil, err
	}
	kw, err := kv.WatchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to watch bucket %s: %w", b, err)
	}
	w := &kvWatcher{
		kw:   kw,
		out:  make(chan store.Change, 64),
		done: make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

type kvWatcher struct {
	kw   jetstream.KeyWatcher
	out  chan store.Change
	done chan struct{}
	once sync.Once
}

func (w *kvWatcher) Changes() <-chan store.Change { return w.out }

func (w *kvWatcher) Stop() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		err = w.kw.Stop()
	})
	return err
}

func (w *kvWatcher) run(ctx context.Context) {
	defer close(w.out)
	for {
		var change store.Change
		select {
		case <-ctx.Done():
			w.Stop()
			return
		case <-w.done:
			return
		case e, ok := <-w.kw.Updates():
			if !ok {
				return
			}
			switch {
			case e == nil:
				change = store.Change{Op: store.OpSynced}
			case e.Operation() == jetstream.KeyValuePut:
				change = store.Change{Op: store.OpPut, Entry: toEntry(e)}
			default:
				change = store.Change{Op: store.OpDelete, Entry: toEntry(e)}
			}
		}
		select {
		case w.out <- change:
		case <-w.done:
			return
		case <-ctx.Done():
			w.Stop()
			return
		}
	}
}

func toEntry(e jetstream.KeyValueEntry) store.Entry {
	return store.Entry{
		Key:      decodeKey(e.Key()),
		Value:    e.Value(),
		Revision: e.Revision(),
		Created:  e.Created(),
	}
}

func wrongLastSequence(err error) bool {
	var apiErr *jetstream.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
	}
	return errors.Is(err, jetstream.ErrKeyExists)
}

// encodeKey escapes bytes outside the KV key alphabet as =XX.
func encodeKey(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		if validKeyByte(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "=%02X", c)
	}
	return b.String()
}

func decodeKey(key string) string {
	if !strings.Contains(key, "=") {
		return key
	}
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		if key[i] == '=' && i+2 < len(key) {
			if c, err := strconv.ParseUint(key[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(c))
				i += 2
				continue
			}
		}
		b.WriteByte(key[i])
	}
	return b.String()
}

func validKeyByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_':
		return true
	}
	return false
}
