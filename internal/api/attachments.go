package api

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// presignUploadRequest is the wire shape of POST /api/v1/attachments.
type presignUploadRequest struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type,omitempty"`
}

type presignUploadResponse struct {
	StorageKey string `json:"storage_key"`
	UploadURL  string `json:"upload_url"`
	ExpiresIn  int    `json:"expires_in_seconds"`
}

// presignUploadExpiry bounds how long a client has to PUT an attachment
// before the presigned URL expires.
const presignUploadExpiry = 15 * time.Minute

// PresignAttachmentUpload handles POST /api/v1/attachments: it hands the
// caller a presigned S3/MinIO PUT URL and the storage key to reference
// from a subsequent SubmitTask call, so attachment bytes never pass
// through the coordinator process itself.
func (h *Handlers) PresignAttachmentUpload(w http.ResponseWriter, r *http.Request) {
	if h.attachments == nil {
		writeErrorResponse(w, r, http.StatusNotImplemented, ErrCodeInternalError, "attachment storage is not configured")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}

	var req presignUploadRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		writeErrorResponse(w, r, http.StatusBadRequest, ErrCodeBadRequest, "name is required")
		return
	}

	key := uuid.New().String() + "/" + req.Name
	url, err := h.attachments.PresignPut(r.Context(), key, req.ContentType, presignUploadExpiry)
	if err != nil {
		h.logger.Error("presign attachment upload failed", slog.Any("error", err))
		writeErrorResponse(w, r, http.StatusInternalServerError, ErrCodeInternalError, "failed to presign upload")
		return
	}

	h.respondJSON(w, r, http.StatusOK, presignUploadResponse{
		StorageKey: key,
		UploadURL:  url,
		ExpiresIn:  int(presignUploadExpiry.Seconds()),
	})
}
