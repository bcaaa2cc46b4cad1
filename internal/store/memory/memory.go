// Package memory implements the store ports in process memory. It backs the
// unit tests and single-node development runs.
package memory

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/dsac-scz/citizen-console/internal/store"
)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for server-assigned times.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithoutBucket makes every operation on bucket fail with
// store.ErrIndexUnavailable, as if it had never been provisioned.
func WithoutBucket(bucket store.Bucket) Option {
	return func(s *Store) { s.missing[bucket] = true }
}

type blob struct {
	data        []byte
	contentType string
}

// Store is an in-memory implementation of store.Documents, store.MessageLog
// and store.Blobs.
type Store struct {
	mu      sync.Mutex
	now     func() time.Time
	missing map[store.Bucket]bool

	docs     map[store.Bucket]map[string]store.Entry
	revs     map[store.Bucket]uint64
	watchers map[store.Bucket]map[*watcher]struct{}

	seq       uint64
	logs      map[string][]store.Record
	followers map[string]map[*follower]struct{}

	blobs map[string]blob
}

var (
	_ store.Documents  = (*Store)(nil)
	_ store.MessageLog = (*Store)(nil)
	_ store.Blobs      = (*Store)(nil)
)

// New creates an empty Store.
func New(opts ...Option) *Store {
	s := &Store{
		now:       func() time.Time { return time.Now().UTC() },
		missing:   make(map[store.Bucket]bool),
		docs:      make(map[store.Bucket]map[string]store.Entry),
		revs:      make(map[store.Bucket]uint64),
		watchers:  make(map[store.Bucket]map[*watcher]struct{}),
		logs:      make(map[string][]store.Record),
		followers: make(map[string]map[*follower]struct{}),
		blobs:     make(map[string]blob),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) bucket(b store.Bucket) (map[string]store.Entry, error) {
	if s.missing[b] {
		return nil, store.ErrIndexUnavailable
	}
	m, ok := s.docs[b]
	if !ok {
		m = make(map[string]store.Entry)
		s.docs[b] = m
	}
	return m, nil
}

// write must be called with s.mu held.
func (s *Store) write(b store.Bucket, m map[string]store.Entry, key string, value []byte) uint64 {
	s.revs[b]++
	e := store.Entry{
		Key:      key,
		Value:    bytes.Clone(value),
		Revision: s.revs[b],
		Created:  s.now(),
	}
	m[key] = e
	s.notify(b, store.Change{Op: store.OpPut, Entry: e})
	return e.Revision
}

func (s *Store) notify(b store.Bucket, c store.Change) {
	for w := range s.watchers[b] {
		w.feed.push(copyChange(c))
	}
}

func copyChange(c store.Change) store.Change {
	c.Entry.Value = bytes.Clone(c.Entry.Value)
	return c
}

// Get implements store.Documents.
func (s *Store) Get(_ context.Context, b store.Bucket, key string) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return store.Entry{}, err
	}
	e, ok := m[key]
	if !ok {
		return store.Entry{}, store.ErrNotFound
	}
	e.Value = bytes.Clone(e.Value)
	return e, nil
}

// Create implements store.Documents.
func (s *Store) Create(_ context.Context, b store.Bucket, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return 0, err
	}
	if _, ok := m[key]; ok {
		return 0, store.ErrKeyExists
	}
	return s.write(b, m, key, value), nil
}

// Put implements store.Documents.
func (s *Store) Put(_ context.Context, b store.Bucket, key string, value []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return 0, err
	}
	return s.write(b, m, key, value), nil
}

// Update implements store.Documents.
func (s *Store) Update(_ context.Context, b store.Bucket, key string, value []byte, revision uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return 0, err
	}
	cur, ok := m[key]
	switch {
	case !ok && revision != 0:
		return 0, store.ErrRevisionMismatch
	case ok && cur.Revision != revision:
		return 0, store.ErrRevisionMismatch
	}
	return s.write(b, m, key, value), nil
}

// Delete implements store.Documents.
func (s *Store) Delete(_ context.Context, b store.Bucket, key string, revision uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return err
	}
	cur, ok := m[key]
	if !ok {
		return store.ErrNotFound
	}
	if revision != 0 && cur.Revision != revision {
		return store.ErrRevisionMismatch
	}
	delete(m, key)
	s.revs[b]++
	s.notify(b, store.Change{Op: store.OpDelete, Entry: store.Entry{
		Key:      key,
		Revision: s.revs[b],
		Created:  s.now(),
	}})
	return nil
}

// List implements store.Documents.
func (s *Store) List(_ context.Context, b store.Bucket) ([]store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return nil, err
	}
	return sortedEntries(m), nil
}

func sortedEntries(m map[string]store.Entry) []store.Entry {
	out := make([]store.Entry, 0, len(m))
	for _, e := range m {
		e.Value = bytes.Clone(e.Value)
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Watch implements store.Documents.
func (s *Store) Watch(ctx context.Context, b store.Bucket) (store.Watcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, err := s.bucket(b)
	if err != nil {
		return nil, err
	}
	w := &watcher{feed: newFeed[store.Change]()}
	w.stop = func() {
		s.mu.Lock()
		delete(s.watchers[b], w)
		s.mu.Unlock()
	}
	for _, e := range sortedEntries(m) {
		w.feed.push(store.Change{Op: store.OpPut, Entry: e})
	}
	w.feed.push(store.Change{Op: store.OpSynced})
	if s.watchers[b] == nil {
		s.watchers[b] = make(map[*watcher]struct{})
	}
	s.watchers[b][w] = struct{}{}
	go stopOnDone(ctx, w.feed, w.Stop)
	return w, nil
}

// Append implements store.MessageLog.
func (s *Store) Append(_ context.Context, conversationID, _ string, data []byte) (store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	rec := store.Record{Sequence: s.seq, Time: s.now(), Data: bytes.Clone(data)}
	s.logs[conversationID] = append(s.logs[conversationID], rec)
	for f := range s.followers[conversationID] {
		f.feed.push(copyRecord(rec))
	}
	return copyRecord(rec), nil
}

func copyRecord(r store.Record) store.Record {
	r.Data = bytes.Clone(r.Data)
	return r
}

// Read implements store.MessageLog.
func (s *Store) Read(_ context.Context, conversationID string) ([]store.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.logs[conversationID]
	out := make([]store.Record, len(recs))
	for i, r := range recs {
		out[i] = copyRecord(r)
	}
	return out, nil
}

// Follow implements store.MessageLog.
func (s *Store) Follow(ctx context.Context, conversationID string, after uint64) (store.RecordWatcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := &follower{feed: newFeed[store.Record]()}
	f.stop = func() {
		s.mu.Lock()
		delete(s.followers[conversationID], f)
		s.mu.Unlock()
	}
	for _, r := range s.logs[conversationID] {
		if r.Sequence > after {
			f.feed.push(copyRecord(r))
		}
	}
	if s.followers[conversationID] == nil {
		s.followers[conversationID] = make(map[*follower]struct{})
	}
	s.followers[conversationID][f] = struct{}{}
	go stopOnDone(ctx, f.feed, f.Stop)
	return f, nil
}

// PutObject implements store.Blobs.
func (s *Store) PutObject(_ context.Context, name, contentType string, r io.Reader) (store.Object, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return store.Object{}, err
	}
	s.mu.Lock()
	s.blobs[name] = blob{data: data, contentType: contentType}
	s.mu.Unlock()
	return store.Object{Name: name, ContentType: contentType, Size: int64(len(data))}, nil
}

// GetObject implements store.Blobs.
func (s *Store) GetObject(_ context.Context, name string) (io.ReadCloser, store.Object, error) {
	s.mu.Lock()
	b, ok := s.blobs[name]
	s.mu.Unlock()
	if !ok {
		return nil, store.Object{}, store.ErrNotFound
	}
	obj := store.Object{Name: name, ContentType: b.contentType, Size: int64(len(b.data))}
	return io.NopCloser(bytes.NewReader(b.data)), obj, nil
}

type watcher struct {
	feed *feed[store.Change]
	once sync.Once
	stop func()
}

func (w *watcher) Changes() <-chan store.Change { return w.feed.out }

func (w *watcher) Stop() error {
	w.once.Do(func() {
		w.stop()
		w.feed.close()
	})
	return nil
}

type follower struct {
	feed *feed[store.Record]
	once sync.Once
	stop func()
}

func (f *follower) Records() <-chan store.Record { return f.feed.out }

func (f *follower) Stop() error {
	f.once.Do(func() {
		f.stop()
		f.feed.close()
	})
	return nil
}

func stopOnDone[T any](ctx context.Context, f *feed[T], stop func() error) {
	select {
	case <-ctx.Done():
		stop()
	case <-f.done:
	}
}

// feed is an unbounded queue drained into out by a pump goroutine, so store
// writers never block on slow watchers.
type feed[T any] struct {
	mu     sync.Mutex
	queue  []T
	signal chan struct{}
	out    chan T
	done   chan struct{}
	once   sync.Once
}

func newFeed[T any]() *feed[T] {
	f := &feed[T]{
		signal: make(chan struct{}, 1),
		out:    make(chan T),
		done:   make(chan struct{}),
	}
	go f.pump()
	return f
}

func (f *feed[T]) push(v T) {
	f.mu.Lock()
	f.queue = append(f.queue, v)
	f.mu.Unlock()
	select {
	case f.signal <- struct{}{}:
	default:
	}
}

func (f *feed[T]) close() {
	f.once.Do(func() { close(f.done) })
}

func (f *feed[T]) pump() {
	defer close(f.out)
	for {
		f.mu.Lock()
		if len(f.queue) == 0 {
			f.mu.Unlock()
			select {
			case <-f.signal:
				continue
			case <-f.done:
				return
			}
		}
		v := f.queue[0]
		var zero T
		f.queue[0] = zero
		f.queue = f.queue[1:]
		f.mu.Unlock()

		select {
		case f.out <- v:
		case <-f.done:
			return
		}
	}
}
