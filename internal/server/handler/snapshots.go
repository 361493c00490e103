package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	s3blob "github.com/alanyoungcy/booklots/internal/blob/s3"
	"github.com/alanyoungcy/booklots/internal/domain"
)

// SnapshotSource lists and loads archived full-batch results.
type SnapshotSource interface {
	ListSnapshots(ctx context.Context) ([]domain.BlobInfo, error)
	LoadSnapshot(ctx context.Context, path string) (*s3blob.Snapshot, error)
}

// SnapshotHandler serves the snapshot archive.
type SnapshotHandler struct {
	snapshots SnapshotSource
	logger    *slog.Logger
}

// NewSnapshotHandler creates a SnapshotHandler.
func NewSnapshotHandler(snapshots SnapshotSource, logger *slog.Logger) *SnapshotHandler {
	return &SnapshotHandler{snapshots: snapshots, logger: logger.With(slog.String("handler", "snapshots"))}
}

type snapshotInfo struct {
	Path         string    `json:"path"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
}

// ListSnapshots returns archived snapshots, newest first.
// GET /api/snapshots?limit=50
func (h *SnapshotHandler) ListSnapshots(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)

	infos, err := h.snapshots.ListSnapshots(r.Context())
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list snapshots failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}

	if opts.Offset >= len(infos) {
		infos = nil
	} else {
		infos = infos[opts.Offset:]
	}
	if len(infos) > opts.Limit {
		infos = infos[:opts.Limit]
	}

	out := make([]snapshotInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, snapshotInfo{Path: info.Path, Size: info.Size, LastModified: info.LastModified})
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

// GetSnapshot returns one archived snapshot.
// GET /api/snapshots/{path...}
func (h *SnapshotHandler) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	path := r.PathValue("path")
	snap, err := h.snapshots.LoadSnapshot(r.Context(), path)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "snapshot not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "load snapshot failed",
			slog.String("path", path),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load snapshot")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
