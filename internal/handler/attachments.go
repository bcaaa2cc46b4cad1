package handler

import (
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// multipartOverhead leaves room for part headers around the file itself.
const multipartOverhead = 64 << 10

// AttachmentHandler handles file uploads and downloads.
type AttachmentHandler struct {
	attachments *service.AttachmentService
	logger      *logger.Logger
}

// NewAttachmentHandler creates a new attachment handler.
func NewAttachmentHandler(attachments *service.AttachmentService, log *logger.Logger) *AttachmentHandler {
	return &AttachmentHandler{
		attachments: attachments,
		logger:      log,
	}
}

// Upload handles POST /api/v1/attachments (multipart field "file").
func (h *AttachmentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.attachments.MaxBytes()+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer file.Close()

	contentType := header.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	att, err := h.attachments.Upload(r.Context(), header.Filename, contentType, file)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
			return
		}
		writeServiceError(w, r, h.logger, "failed to store attachment", err)
		return
	}

	writeJSON(w, http.StatusCreated, att)
}

// Download handles GET /attachments/{name}
func (h *AttachmentHandler) Download(w http.ResponseWriter, r *http.Request) {
	name := path.Base(chi.URLParam(r, "name"))
	rc, obj, err := h.attachments.Open(r.Context(), name)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to open attachment", err)
		return
	}
	defer rc.Close()

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Size, 10))
	w.Header().Set("Cache-Control", "private, max-age=86400")
	w.WriteHeader(http.StatusOK)
	io.Copy(w, rc)
}
