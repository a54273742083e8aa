package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/filora/filora/internal/protocol"
	"github.com/filora/filora/internal/upload"
)

const (
	// multipartOverhead is the allowance for form boundaries and the
	// sequence fields on top of a chunk's payload.
	multipartOverhead = 1 << 20
	maxFormMemory     = 32 << 20
)

// ─── Init Upload ────────────────────────────────────────────────────────────

func (s *Server) handleInitUpload(w http.ResponseWriter, r *http.Request) {
	var req protocol.InitUploadRequest
	if !s.decode(w, r, &req) {
		return
	}

	st, err := s.uploads.Init(r.Context(), upload.InitRequest{
		Owner:         owner(r),
		Filename:      req.Filename,
		Size:          req.Size,
		MimeType:      req.MimeType,
		FolderID:      req.FolderID,
		ReplaceFileID: req.ReplaceFileID,
	})
	if err != nil {
		sendDomainError(w, r, err)
		return
	}

	sendJSON(w, http.StatusCreated, protocol.InitUploadResponse{
		UploadID:    st.ID,
		ChunkSize:   st.ChunkSize,
		TotalChunks: st.TotalChunks,
		MaxFileSize: s.uploads.MaxUploadSize(),
		BackendKind: string(st.BackendKind),
	})
}

// ─── Upload Chunk ───────────────────────────────────────────────────────────

func (s *Server) handleUploadChunk(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	st, err := s.uploads.Status(r.Context(), owner(r), id)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, st.ChunkSize+multipartOverhead)
	if err := r.ParseMultipartForm(maxFormMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendError(w, http.StatusRequestEntityTooLarge, "chunk exceeds the session chunk size")
			return
		}
		sendError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	seqStr := r.FormValue(protocol.ChunkFieldSequence)
	if seqStr == "" {
		seqStr = r.FormValue(protocol.ChunkFieldSequenceAlt)
	}
	seq, err := strconv.Atoi(seqStr)
	if err != nil {
		sendError(w, http.StatusBadRequest, "invalid or missing sequence_number")
		return
	}
	var total int
	if v := r.FormValue(protocol.ChunkFieldTotal); v != "" {
		if total, err = strconv.Atoi(v); err != nil {
			sendError(w, http.StatusBadRequest, "invalid total_chunks")
			return
		}
	}

	file, _, err := r.FormFile(protocol.ChunkFieldData)
	if err != nil {
		sendError(w, http.StatusBadRequest, "missing chunk data")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		sendError(w, http.StatusBadRequest, "failed to read chunk data")
		return
	}

	res, err := s.uploads.AcceptChunk(r.Context(), owner(r), id, upload.ChunkInput{
		Sequence:    seq,
		TotalChunks: total,
		Data:        data,
	})
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, res)
}

// ─── Complete / Status / Cancel ─────────────────────────────────────────────

func (s *Server) handleCompleteUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	f, err := s.uploads.Complete(r.Context(), owner(r), id)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, f)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	st, err := s.uploads.Status(r.Context(), owner(r), id)
	if err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, st)
}

func (s *Server) handleCancelUpload(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.uploads.Cancel(r.Context(), owner(r), id); err != nil {
		sendDomainError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, protocol.MessageResponse{Message: "Upload cancelled"})
}
