package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/alphamarket/internal/domain"
)

// ArchiveReader reads event batches back from cold storage.
type ArchiveReader interface {
	Archived(ctx context.Context) ([]domain.BlobInfo, error)
	Restore(ctx context.Context, path string) ([]domain.EventRecord, error)
}

// ArchiveHandler serves archived event batches.
type ArchiveHandler struct {
	archive ArchiveReader
	logger  *slog.Logger
}

func NewArchiveHandler(archive ArchiveReader, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{archive: archive, logger: logger}
}

type archiveObject struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}

// ListBatches lists archived batches, oldest first.
// GET /api/archive
func (h *ArchiveHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	infos, err := h.archive.Archived(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list archive", slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}
	out := make([]archiveObject, 0, len(infos))
	for _, info := range infos {
		out = append(out, archiveObject{Path: info.Path, Size: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": out})
}

// GetBatch returns the events of one archived batch.
// GET /api/archive/events?path=archive/events/...
func (h *ArchiveHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		writeError(w, http.StatusBadRequest, "path required")
		return
	}
	recs, err := h.archive.Restore(r.Context(), path)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "archive batch not found")
		return
	case err != nil:
		h.logger.ErrorContext(r.Context(), "handler: restore archive",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadGateway, "archive unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"path": path, "events": recs})
}
