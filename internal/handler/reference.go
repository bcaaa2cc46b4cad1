package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/dsac-scz/citizen-console/internal/middleware"
	"github.com/dsac-scz/citizen-console/internal/model"
	"github.com/dsac-scz/citizen-console/internal/service"
	"github.com/dsac-scz/citizen-console/pkg/logger"
)

// ReferenceHandler serves quick replies and knowledge base articles.
type ReferenceHandler struct {
	quickReplies *service.QuickReplyService
	kb           *service.KnowledgeBase
	logger       *logger.Logger
}

// NewReferenceHandler creates a new reference data handler.
func NewReferenceHandler(quickReplies *service.QuickReplyService, kb *service.KnowledgeBase, log *logger.Logger) *ReferenceHandler {
	return &ReferenceHandler{
		quickReplies: quickReplies,
		kb:           kb,
		logger:       log,
	}
}

// ListQuickReplies handles GET /api/v1/quick-replies
func (h *ReferenceHandler) ListQuickReplies(w http.ResponseWriter, r *http.Request) {
	list, err := h.quickReplies.List(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to list quick replies", err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// CreateQuickReply handles POST /api/v1/quick-replies
func (h *ReferenceHandler) CreateQuickReply(w http.ResponseWriter, r *http.Request) {
	var req model.QuickReply
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	qr, err := h.quickReplies.Create(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to create quick reply", err)
		return
	}

	writeJSON(w, http.StatusCreated, qr)
}

// DeleteQuickReply handles DELETE /api/v1/quick-replies/{replyID}
func (h *ReferenceHandler) DeleteQuickReply(w http.ResponseWriter, r *http.Request) {
	if err := h.quickReplies.Delete(r.Context(), chi.URLParam(r, "replyID")); err != nil {
		writeServiceError(w, r, h.logger, "failed to delete quick reply", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListArticles handles GET /api/v1/kb?q=
// Without q every article is returned; with q the top matches.
func (h *ReferenceHandler) ListArticles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var (
		list []model.KnowledgeArticle
		err  error
	)
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		list, err = h.kb.Search(ctx, q)
	} else {
		list, err = h.kb.Articles(ctx)
	}
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to load articles", err)
		return
	}

	writeJSON(w, http.StatusOK, list)
}

// PutArticle handles POST /api/v1/kb and PUT /api/v1/kb/{articleID}
func (h *ReferenceHandler) PutArticle(w http.ResponseWriter, r *http.Request) {
	var req model.KnowledgeArticle
	if err := middleware.DecodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := http.StatusCreated
	if id := chi.URLParam(r, "articleID"); id != "" {
		req.ID = id
		status = http.StatusOK
	}

	article, err := h.kb.Put(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, "failed to save article", err)
		return
	}

	writeJSON(w, status, article)
}

// DeleteArticle handles DELETE /api/v1/kb/{articleID}
func (h *ReferenceHandler) DeleteArticle(w http.ResponseWriter, r *http.Request) {
	if err := h.kb.Delete(r.Context(), chi.URLParam(r, "articleID")); err != nil {
		writeServiceError(w, r, h.logger, "failed to delete article", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
