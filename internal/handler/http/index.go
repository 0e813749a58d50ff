package http

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/megashop/citysearch/internal/domain"
	apperrors "github.com/megashop/citysearch/pkg/errors"
	"github.com/megashop/citysearch/pkg/httputil"
)

// IndexAdmin maintains the search indexes.
type IndexAdmin interface {
	StartRebuild(ctx context.Context, kinds ...domain.Kind) error
	Upsert(ctx context.Context, kind domain.Kind, id int64) error
	Delete(ctx context.Context, kind domain.Kind, id int64) error
}

// IndexHandler exposes index administration.
type IndexHandler struct {
	index  IndexAdmin
	logger *slog.Logger
}

// NewIndexHandler creates a new index administration handler.
func NewIndexHandler(index IndexAdmin, logger *slog.Logger) *IndexHandler {
	return &IndexHandler{index: index, logger: logger}
}

type rebuildResponse struct {
	Status string        `json:"status"`
	Kinds  []domain.Kind `json:"kinds"`
}

type documentResponse struct {
	Kind   domain.Kind `json:"kind"`
	ID     int64       `json:"id"`
	Status string      `json:"status"`
}

// RebuildAll handles POST /api/index/rebuild
func (h *IndexHandler) RebuildAll(w http.ResponseWriter, r *http.Request) {
	h.rebuild(w, r, domain.AllKinds())
}

// RebuildKind handles POST /api/index/{kind}/rebuild
func (h *IndexHandler) RebuildKind(w http.ResponseWriter, r *http.Request) {
	kind, ok := h.kind(w, r)
	if !ok {
		return
	}
	h.rebuild(w, r, []domain.Kind{kind})
}

func (h *IndexHandler) rebuild(w http.ResponseWriter, r *http.Request, kinds []domain.Kind) {
	if err := h.index.StartRebuild(r.Context(), kinds...); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.logger.InfoContext(r.Context(), "index rebuild started", slog.Any("kinds", kinds))
	httputil.WriteJSON(w, http.StatusAccepted, rebuildResponse{Status: "rebuilding", Kinds: kinds})
}

// Upsert handles PUT /api/index/{kind}/{id}
func (h *IndexHandler) Upsert(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := h.document(w, r)
	if !ok {
		return
	}
	if err := h.index.Upsert(r.Context(), kind, id); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, documentResponse{Kind: kind, ID: id, Status: "indexed"})
}

// Delete handles DELETE /api/index/{kind}/{id}
func (h *IndexHandler) Delete(w http.ResponseWriter, r *http.Request) {
	kind, id, ok := h.document(w, r)
	if !ok {
		return
	}
	if err := h.index.Delete(r.Context(), kind, id); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, documentResponse{Kind: kind, ID: id, Status: "deleted"})
}

func (h *IndexHandler) kind(w http.ResponseWriter, r *http.Request) (domain.Kind, bool) {
	kind, err := domain.ParseKind(chi.URLParam(r, "kind"))
	if err != nil {
		httputil.WriteError(w, r, apperrors.InvalidInput(err.Error()), h.logger)
		return "", false
	}
	return kind, true
}

func (h *IndexHandler) document(w http.ResponseWriter, r *http.Request) (domain.Kind, int64, bool) {
	kind, ok := h.kind(w, r)
	if !ok {
		return "", 0, false
	}
	id, ok := httputil.ParseID(w, chi.URLParam(r, "id"))
	if !ok {
		return "", 0, false
	}
	return kind, id, true
}
