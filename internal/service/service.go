// Package service implements the conversation lifecycle, inbound ingestion
// and the agent console operations on top of the store ports.
package service

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/dsac-scz/citizen-console/pkg/tracing"
)

var tracer = tracing.Tracer("github.com/dsac-scz/citizen-console/internal/service")

// Clock returns the current time.
type Clock func() time.Time

func utcNow() time.Time { return time.Now().UTC() }

// casRetry is the retry policy for optimistic writes that lose a revision race.
func casRetry(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithContext(backoff.WithMaxRetries(b, 16), ctx)
}

// pointerWaitTimeout bounds how long a router waits for the conversation an
// active pointer refers to before treating the pointer as orphaned.
var pointerWaitTimeout = 2 * time.Second

// pointerWait is the retry policy used while another writer finishes creating
// the conversation an active pointer refers to.
func pointerWait(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = pointerWaitTimeout
	return backoff.WithContext(b, ctx)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// newID returns a time-ordered identifier for new documents.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// once is a single-attempt policy for reusing a retry operation outside its loop.
func once(ctx context.Context) backoff.BackOffContext {
	return backoff.WithContext(&backoff.StopBackOff{}, ctx)
}
