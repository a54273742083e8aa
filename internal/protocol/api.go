// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// MessageResponse carries a human-readable confirmation.
type MessageResponse struct {
	Message string `json:"message"`
}

// InitUploadRequest is the body for POST /api/v1/uploads.
type InitUploadRequest struct {
	Filename      string     `json:"filename" validate:"required,max=255"`
	Size          int64      `json:"size" validate:"required,gt=0"`
	MimeType      string     `json:"mime_type" validate:"omitempty,max=255"`
	FolderID      *uuid.UUID `json:"folder_id,omitempty"`
	ReplaceFileID *uuid.UUID `json:"replace_file_id,omitempty"`
}

// InitUploadResponse is returned by POST /api/v1/uploads.
type InitUploadResponse struct {
	UploadID    uuid.UUID `json:"upload_id"`
	ChunkSize   int64     `json:"chunk_size"`
	TotalChunks int       `json:"total_chunks"`
	MaxFileSize int64     `json:"max_file_size"`
	BackendKind string    `json:"backend_kind"`
}

// Multipart fields of POST /api/v1/uploads/{id}/chunks.
const (
	ChunkFieldData        = "chunk"
	ChunkFieldSequence    = "sequence_number"
	ChunkFieldSequenceAlt = "chunk_number"
	ChunkFieldTotal       = "total_chunks"
)

// CreateFolderRequest is the body for POST /api/v1/folders.
type CreateFolderRequest struct {
	Name     string     `json:"name" validate:"required,max=255"`
	ParentID *uuid.UUID `json:"parent_id,omitempty"`
}

// SetPublicRequest is the body for PUT /api/v1/files/{id}/public.
type SetPublicRequest struct {
	Public *bool `json:"public" validate:"required"`
}

// CreateWebhookRequest is the body for POST /api/v1/webhooks.
type CreateWebhookRequest struct {
	URL    string   `json:"url" validate:"required,url,startswith=http"`
	Events []string `json:"events" validate:"required,min=1,dive,oneof=upload.completed file.deleted share.created folder.created"`
	Secret string   `json:"secret" validate:"omitempty,min=16,max=128"`
}

// WebhookResponse describes a webhook. Secret is only set on creation.
type WebhookResponse struct {
	ID        uuid.UUID `json:"id"`
	URL       string    `json:"url"`
	Events    []string  `json:"events"`
	Active    bool      `json:"active"`
	Secret    string    `json:"secret,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
