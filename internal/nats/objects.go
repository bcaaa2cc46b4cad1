package nats

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/dsac-scz/citizen-console/internal/store"
)

// ObjectStore implements store.Blobs on a JetStream object store bucket.
type ObjectStore struct {
	client *Client
	bucket string

	mu sync.Mutex
	os jetstream.ObjectStore
}

var _ store.Blobs = (*ObjectStore)(nil)

// NewObjectStore creates an object store for the named bucket.
func NewObjectStore(client *Client, bucket string) *ObjectStore {
	return &ObjectStore{client: client, bucket: bucket}
}

// EnsureBucket creates the attachments bucket if it does not exist.
func (o *ObjectStore) EnsureBucket(ctx context.Context) error {
	js := o.client.JetStream()
	os, err := js.ObjectStore(ctx, o.bucket)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		os, err = js.CreateObjectStore(ctx, jetstream.ObjectStoreConfig{
			Bucket:      o.bucket,
			Description: "Conversation attachments and voice notes",
			Storage:     jetstream.FileStorage,
			Replicas:    1,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to open object store %s: %w", o.bucket, err)
	}
	o.mu.Lock()
	o.os = os
	o.mu.Unlock()
	return nil
}

func (o *ObjectStore) store(ctx context.Context) (jetstream.ObjectStore, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.os != nil {
		return o.os, nil
	}
	os, err := o.client.JetStream().ObjectStore(ctx, o.bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open object store %s: %w", o.bucket, err)
	}
	o.os = os
	return os, nil
}

// PutObject implements store.Blobs.
func (o *ObjectStore) PutObject(ctx context.Context, name, contentType string, r io.Reader) (store.Object, error) {
	os, err := o.store(ctx)
	if err != nil {
		return store.Object{}, err
	}
	info, err := os.Put(ctx, jetstream.ObjectMeta{
		Name:    name,
		Headers: nats.Header{"Content-Type": []string{contentType}},
	}, r)
	if err != nil {
		return store.Object{}, fmt.Errorf("failed to put object: %w", err)
	}
	return store.Object{Name: name, ContentType: contentType, Size: int64(info.Size)}, nil
}

// GetObject implements store.Blobs.
func (o *ObjectStore) GetObject(ctx context.Context, name string) (io.ReadCloser, store.Object, error) {
	os, err := o.store(ctx)
	if err != nil {
		return nil, store.Object{}, err
	}
	res, err := os.Get(ctx, name)
	if err != nil {
		if errors.Is(err, jetstream.ErrObjectNotFound) {
			return nil, store.Object{}, store.ErrNotFound
		}
		return nil, store.Object{}, fmt.Errorf("failed to get object: %w", err)
	}
	info, err := res.Info()
	if err != nil {
		res.Close()
		return nil, store.Object{}, fmt.Errorf("failed to stat object: %w", err)
	}
	obj := store.Object{Name: name, Size: int64(info.Size)}
	if info.Headers != nil {
		obj.ContentType = info.Headers.Get("Content-Type")
	}
	return res, obj, nil
}
