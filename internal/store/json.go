package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// GetJSON reads key and decodes it into a new T.
func GetJSON[T any](ctx context.Context, d Documents, bucket Bucket, key string) (*T, uint64, error) {
	entry, err := d.Get(ctx, bucket, key)
	if err != nil {
		return nil, 0, err
	}
	var v T
	if err := json.Unmarshal(entry.Value, &v); err != nil {
		return nil, 0, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return &v, entry.Revision, nil
}

// CreateJSON encodes v and writes it only if key is absent.
func CreateJSON(ctx context.Context, d Documents, bucket Bucket, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return d.Create(ctx, bucket, key, data)
}

// PutJSON encodes v and writes it unconditionally.
func PutJSON(ctx context.Context, d Documents, bucket Bucket, key string, v any) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return d.Put(ctx, bucket, key, data)
}

// UpdateJSON encodes v and writes it if the stored revision still matches.
func UpdateJSON(ctx context.Context, d Documents, bucket Bucket, key string, v any, revision uint64) (uint64, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return d.Update(ctx, bucket, key, data, revision)
}

// ListJSON decodes every document in bucket.
func ListJSON[T any](ctx context.Context, d Documents, bucket Bucket) ([]T, error) {
	entries, err := d.List(ctx, bucket)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", bucket, e.Key, err)
		}
		out = append(out, v)
	}
	return out, nil
}
