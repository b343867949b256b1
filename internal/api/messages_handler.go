package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"gitlab.com/secp/services/keysync/internal/delivery"
	"gitlab.com/secp/services/keysync/pkg/apperr"
)

func messageID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		return uuid.Nil, apperr.Invalid("malformed message id")
	}
	return id, nil
}

type createMessageRequest struct {
	Author     string                      `json:"author"`
	Recipients []delivery.RecipientPayload `json:"recipients"`
}

func (a *API) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var body createMessageRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	m, err := a.delivery.CreateMessage(r.Context(), body.Author, body.Recipients)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

type markDeliveredRequest struct {
	Recipient string `json:"recipient"`
}

func (a *API) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var body markDeliveredRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.delivery.MarkDelivered(r.Context(), id, body.Recipient); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

type reencryptRequest struct {
	Recipient  string `json:"recipient"`
	Ciphertext []byte `json:"ciphertext"`
	KeyVersion int    `json:"key_version"`
}

func (a *API) handleApplyReencryption(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var body reencryptRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.delivery.ApplyReencryption(r.Context(), id, body.Recipient, body.Ciphertext, body.KeyVersion); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reencrypted"})
}

func (a *API) handleFetchCiphertext(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}

	slot, err := a.delivery.FetchCiphertext(r.Context(), id, mux.Vars(r)["recipient"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, slot)
}
