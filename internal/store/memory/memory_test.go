package memory

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dsac-scz/citizen-console/internal/store"
)

func TestDocuments(t *testing.T) {
	ctx := context.Background()
	s := New()

	rev, err := s.Create(ctx, store.BucketCitizens, "c1", []byte(`{"n":1}`))
	require.NoError(t, err)
	_, err = s.Create(ctx, store.BucketCitizens, "c1", []byte(`{}`))
	assert.ErrorIs(t, err, store.ErrKeyExists)

	_, err = s.Update(ctx, store.BucketCitizens, "c1", []byte(`{"n":2}`), rev+1)
	assert.ErrorIs(t, err, store.ErrRevisionMismatch)
	rev2, err := s.Update(ctx, store.BucketCitizens, "c1", []byte(`{"n":2}`), rev)
	require.NoError(t, err)
	assert.Greater(t, rev2, rev)

	_, err = s.Update(ctx, store.BucketCitizens, "c2", []byte(`{}`), 7)
	assert.ErrorIs(t, err, store.ErrRevisionMismatch)
	_, err = s.Update(ctx, store.BucketCitizens, "c2", []byte(`{}`), 0)
	require.NoError(t, err)

	e, err := s.Get(ctx, store.BucketCitizens, "c1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(e.Value))
	assert.Equal(t, rev2, e.Revision)

	list, err := s.List(ctx, store.BucketCitizens)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].Key)

	assert.ErrorIs(t, s.Delete(ctx, store.BucketCitizens, "c1", rev), store.ErrRevisionMismatch)
	require.NoError(t, s.Delete(ctx, store.BucketCitizens, "c1", rev2))
	_, err = s.Get(ctx, store.BucketCitizens, "c1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, store.BucketCitizens, "c1", 0), store.ErrNotFound)
}

func TestStoredValuesAreCopied(t *testing.T) {
	ctx := context.Background()
	s := New()
	v := []byte(`{"a":1}`)
	_, err := s.Put(ctx, store.BucketSettings, "k", v)
	require.NoError(t, err)
	v[2] = 'X'

	e, err := s.Get(ctx, store.BucketSettings, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(e.Value))
}

func TestWithoutBucket(t *testing.T) {
	ctx := context.Background()
	s := New(WithoutBucket(store.BucketActiveConversations))

	_, err := s.Get(ctx, store.BucketActiveConversations, "x")
	assert.ErrorIs(t, err, store.ErrIndexUnavailable)
	_, err = s.Create(ctx, store.BucketActiveConversations, "x", nil)
	assert.ErrorIs(t, err, store.ErrIndexUnavailable)
	_, err = s.Watch(ctx, store.BucketActiveConversations)
	assert.ErrorIs(t, err, store.ErrIndexUnavailable)

	_, err = s.Put(ctx, store.BucketConversations, "x", []byte(`{}`))
	assert.NoError(t, err)
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		require.True(t, ok, "channel closed")
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for value")
	}
	var zero T
	return zero
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := New()
	_, err := s.Put(ctx, store.BucketConversations, "a", []byte(`1`))
	require.NoError(t, err)

	w, err := s.Watch(ctx, store.BucketConversations)
	require.NoError(t, err)

	c := recv(t, w.Changes())
	assert.Equal(t, store.OpPut, c.Op)
	assert.Equal(t, "a", c.Entry.Key)
	assert.Equal(t, store.OpSynced, recv(t, w.Changes()).Op)

	_, err = s.Put(ctx, store.BucketConversations, "b", []byte(`2`))
	require.NoError(t, err)
	require.NoError(t, s.Delete(ctx, store.BucketConversations, "a", 0))

	c = recv(t, w.Changes())
	assert.Equal(t, "b", c.Entry.Key)
	c = recv(t, w.Changes())
	assert.Equal(t, store.OpDelete, c.Op)
	assert.Equal(t, "a", c.Entry.Key)

	cancel()
	assert.Eventually(t, func() bool {
		select {
		case _, ok := <-w.Changes():
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

func TestMessageLog(t *testing.T) {
	ctx := context.Background()
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	s := New(WithClock(func() time.Time { return at }))

	r1, err := s.Append(ctx, "conv1", "citizen", []byte(`"hola"`))
	require.NoError(t, err)
	assert.Equal(t, at, r1.Time)
	_, err = s.Append(ctx, "conv2", "citizen", []byte(`"otro"`))
	require.NoError(t, err)

	f, err := s.Follow(ctx, "conv1", 0)
	require.NoError(t, err)
	defer f.Stop()
	assert.Equal(t, r1.Sequence, recv(t, f.Records()).Sequence)

	r3, err := s.Append(ctx, "conv1", "agent", []byte(`"respuesta"`))
	require.NoError(t, err)
	got := recv(t, f.Records())
	assert.Equal(t, r3.Sequence, got.Sequence)
	assert.Equal(t, `"respuesta"`, string(got.Data))

	recs, err := s.Read(ctx, "conv1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Less(t, recs[0].Sequence, recs[1].Sequence)

	late, err := s.Follow(ctx, "conv1", r1.Sequence)
	require.NoError(t, err)
	defer late.Stop()
	assert.Equal(t, r3.Sequence, recv(t, late.Records()).Sequence)
}

func TestBlobs(t *testing.T) {
	ctx := context.Background()
	s := New()

	obj, err := s.PutObject(ctx, "a.txt", "text/plain", strings.NewReader("hola"))
	require.NoError(t, err)
	assert.Equal(t, int64(4), obj.Size)

	rc, got, err := s.GetObject(ctx, "a.txt")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "hola", string(data))
	assert.Equal(t, "text/plain", got.ContentType)

	_, _, err = s.GetObject(ctx, "b.txt")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
