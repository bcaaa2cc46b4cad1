// Package store defines the persistence ports the console is built on: a
// revisioned document store with live watches, an append-only message log and
// a blob store for attachments.
package store

import (
	"context"
	"errors"
	"io"
	"time"
)

// Bucket is a logical document collection.
type Bucket string

const (
	BucketCitizens            Bucket = "citizens"
	BucketConversations       Bucket = "conversations"
	BucketActiveConversations Bucket = "active_conversations"
	BucketAgents              Bucket = "agents"
	BucketSettings            Bucket = "settings"
	BucketQuickReplies        Bucket = "quick_replies"
	BucketArticles            Bucket = "kb_articles"
	BucketInboundReceipts     Bucket = "inbound_receipts"
)

// Buckets lists every bucket the console uses.
var Buckets = []Bucket{
	BucketCitizens,
	BucketConversations,
	BucketActiveConversations,
	BucketAgents,
	BucketSettings,
	BucketQuickReplies,
	BucketArticles,
	BucketInboundReceipts,
}

// SettingsKey is the well-known key of the system settings document.
const SettingsKey = "default"

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrKeyExists is returned by Create when the key is already present.
	ErrKeyExists = errors.New("store: key exists")
	// ErrRevisionMismatch is returned when a conditional write lost a race.
	ErrRevisionMismatch = errors.New("store: revision mismatch")
	// ErrIndexUnavailable is returned when the bucket backing a query has not
	// been provisioned. Callers with a degraded query path fall back on it.
	ErrIndexUnavailable = errors.New("store: index unavailable")
)

// Entry is one revision of a document.
type Entry struct {
	Key      string
	Value    []byte
	Revision uint64
	Created  time.Time
}

// Op is the kind of change delivered by a Watcher.
type Op int

const (
	OpPut Op = iota
	OpDelete
	// OpSynced marks the end of the initial replay.
	OpSynced
)

// Change is a single document change.
type Change struct {
	Op    Op
	Entry Entry
}

// Watcher streams changes to a bucket. The current contents are replayed
// first, followed by an OpSynced marker, then live changes.
type Watcher interface {
	Changes() <-chan Change
	Stop() error
}

// Documents is a revisioned key/value document store.
type Documents interface {
	Get(ctx context.Context, bucket Bucket, key string) (Entry, error)
	// Create writes value only if key does not exist.
	Create(ctx context.Context, bucket Bucket, key string, value []byte) (uint64, error)
	// Put writes value unconditionally.
	Put(ctx context.Context, bucket Bucket, key string, value []byte) (uint64, error)
	// Update writes value only if the current revision equals revision.
	Update(ctx context.Context, bucket Bucket, key string, value []byte, revision uint64) (uint64, error)
	// Delete removes key. A non-zero revision makes the delete conditional.
	Delete(ctx context.Context, bucket Bucket, key string, revision uint64) error
	List(ctx context.Context, bucket Bucket) ([]Entry, error)
	Watch(ctx context.Context, bucket Bucket) (Watcher, error)
}

// Record is one entry of the message log.
type Record struct {
	Sequence uint64
	Time     time.Time
	Data     []byte
}

// RecordWatcher streams log records as they are appended.
type RecordWatcher interface {
	Records() <-chan Record
	Stop() error
}

// MessageLog is an append-only, per-conversation ordered log. Records are
// never mutated or deleted.
type MessageLog interface {
	// Append stores data and returns the record with its server-assigned
	// sequence and time.
	Append(ctx context.Context, conversationID, sender string, data []byte) (Record, error)
	Read(ctx context.Context, conversationID string) ([]Record, error)
	// Follow delivers records with a sequence greater than after.
	Follow(ctx context.Context, conversationID string, after uint64) (RecordWatcher, error)
}

// Object describes a stored blob.
type Object struct {
	Name        string
	ContentType string
	Size        int64
}

// Blobs stores uploaded files.
type Blobs interface {
	PutObject(ctx context.Context, name, contentType string, r io.Reader) (Object, error)
	GetObject(ctx context.Context, name string) (io.ReadCloser, Object, error)
}
