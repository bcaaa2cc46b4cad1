package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/store"
)

// AttachmentService stores uploaded files in the blob store and builds the
// public URL they are served from.
type AttachmentService struct {
	blobs    store.Blobs
	baseURL  string
	maxBytes int64
}

// NewAttachmentService creates a new attachment service. Files are served
// under baseURL + "/attachments/".
func NewAttachmentService(blobs store.Blobs, baseURL string, maxBytes int64) *AttachmentService {
	return &AttachmentService{
		blobs:    blobs,
		baseURL:  strings.TrimRight(baseURL, "/"),
		maxBytes: maxBytes,
	}
}

// MaxBytes returns the upload size limit.
func (s *AttachmentService) MaxBytes() int64 {
	return s.maxBytes
}

// Upload stores r under a generated name keeping the file extension.
func (s *AttachmentService) Upload(ctx context.Context, filename, contentType string, r io.Reader) (*model.Attachment, error) {
	ctx, span := tracer.Start(ctx, "attachment.upload")
	defer span.End()

	ext := strings.ToLower(path.Ext(filename))
	name := newID() + ext
	limited := &io.LimitedReader{R: r, N: s.maxBytes + 1}
	obj, err := s.blobs.PutObject(ctx, name, contentType, limited)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to store attachment: %w", err)
	}
	if obj.Size > s.maxBytes {
		return nil, fmt.Errorf("%w: file exceeds %d bytes", ErrValidation, s.maxBytes)
	}
	return &model.Attachment{
		Name:        name,
		URL:         s.URL(name),
		ContentType: contentType,
		Size:        obj.Size,
	}, nil
}

// URL returns the public URL of a stored attachment.
func (s *AttachmentService) URL(name string) string {
	return s.baseURL + "/attachments/" + name
}

// Open returns the stored file.
func (s *AttachmentService) Open(ctx context.Context, name string) (io.ReadCloser, *store.Object, error) {
	rc, obj, err := s.blobs.GetObject(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil, fmt.Errorf("attachment %s: %w", name, ErrNotFound)
		}
		return nil, nil, err
	}
	return rc, &obj, nil
}
