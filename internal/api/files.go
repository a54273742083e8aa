package api

import (
	"errors"
	"mime"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/filora/filora/internal/files"
	"github.com/filora/filora/internal/logging"
	"github.com/filora/filora/internal/metrics"
	"github.com/filora/filora/internal/protocol"
	"github.com/filora/filora/internal/rangeread"
)

// ─── Content ────────────────────────────────────────────────────────────────

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, "attachment")
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	s.serveContent(w, r, "inline")
}

// serveContent streams a file or the window named by its Range header.
func (s *Server) serveContent(w http.ResponseWriter, r *http.Request, disposition string) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	ctx := r.Context()

	f, store, err := s.files.Open(ctx, owner(r), id)
	if err != nil {
		switch {
		case errors.Is(err, files.ErrForbidden):
			metrics.RecordDownload("forbidden", 0)
			sendError(w, http.StatusForbidden, "Access denied")
		case errors.Is(err, files.ErrNotFound):
			metrics.RecordDownload("not_found", 0)
			sendError(w, http.StatusNotFound, "file not found")
		default:
			metrics.RecordDownload("error", 0)
			sendDomainError(w, r, err)
		}
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	if f.Checksum != "" {
		w.Header().Set("ETag", `"`+f.Checksum+`"`)
	}
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.Header().Set("Content-Type", f.MimeType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": f.Name}))

	rng := rangeread.Full(f.Size)
	status := http.StatusOK
	if header := r.Header.Get("Range"); header != "" {
		rng, err = rangeread.Parse(header, f.Size)
		if err != nil {
			if errors.Is(err, rangeread.ErrRangeNotSatisfiable) {
				metrics.RecordDownload("unsatisfiable", 0)
				w.Header().Set("Content-Range", rangeread.UnsatisfiedContentRange(f.Size))
			}
			sendDomainError(w, r, err)
			return
		}
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", rng.ContentRange(f.Size))
	}

	w.Header().Set("Content-Length", strconv.FormatInt(rng.Length(), 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead || rng.Length() == 0 {
		return
	}

	n, err := rangeread.Copy(ctx, w, store, f.Handle, rng)
	if err != nil {
		// Headers are gone; the short body tells the client.
		metrics.RecordDownload("error", n)
		logging.WithContext(ctx).Error("content stream failed",
			zap.String("file_id", f.ID.String()),
			logging.Backend(string(f.Kind)),
			zap.Int64("written", n),
			logging.Err(err))
		return
	}

	if status == http.StatusPartialContent {
		metrics.RecordDownload("partial", n)
	} else {
		metrics.RecordDownload("full", n)
	}
	if rng.Start == 0 {
		s.files.RecordDownload(ctx, f.ID)
	}
}

// ─── Files ──────────────────────────────────────────────────────────────────

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	f, err := s.files.Get(r.Context(), owner(r), id)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, f)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.files.Delete(r.Context(), owner(r), id); err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.MessageResponse{Message: "File deleted"})
}

func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	versions, err := s.files.ListVersions(r.Context(), owner(r), id)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, versions)
}

func (s *Server) handleRestoreVersion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	versionID, ok := pathID(w, r, "versionID")
	if !ok {
		return
	}
	f, err := s.files.RestoreVersion(r.Context(), owner(r), id, versionID)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, f)
}

func (s *Server) handleSetPublic(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req protocol.SetPublicRequest
	if !s.decode(w, r, &req) {
		return
	}
	f, err := s.files.SetPublic(r.Context(), owner(r), id, *req.Public)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, f)
}

// ─── Folders ────────────────────────────────────────────────────────────────

func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req protocol.CreateFolderRequest
	if !s.decode(w, r, &req) {
		return
	}
	folder, err := s.files.CreateFolder(r.Context(), owner(r), req.Name, req.ParentID)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, folder)
}
