package api

import (
	"net/http"

	"github.com/google/uuid"

	"gitlab.com/secp/services/keysync/pkg/apperr"
)

type uploadGrantRequest struct {
	Uploader  string     `json:"uploader"`
	MessageID *uuid.UUID `json:"message_id,omitempty"`
	FileSize  int64      `json:"file_size"`
}

func (a *API) handleGrantUpload(w http.ResponseWriter, r *http.Request) {
	if a.attach == nil {
		a.writeError(w, apperr.Unavailable("attachment storage is not configured", nil))
		return
	}
	var body uploadGrantRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	grant, err := a.attach.GrantUpload(r.Context(), body.Uploader, body.MessageID, body.FileSize)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

type downloadGrantRequest struct {
	AttachmentID uuid.UUID `json:"attachment_id"`
}

func (a *API) handleGrantDownload(w http.ResponseWriter, r *http.Request) {
	if a.attach == nil {
		a.writeError(w, apperr.Unavailable("attachment storage is not configured", nil))
		return
	}
	var body downloadGrantRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	grant, err := a.attach.GrantDownload(r.Context(), body.AttachmentID)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}
