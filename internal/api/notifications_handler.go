package api

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"gitlab.com/secp/services/keysync/pkg/apperr"
)

func (a *API) handlePullNotifications(w http.ResponseWriter, r *http.Request) {
	out, err := a.rotation.PullPending(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"notifications": out,
		"count":         len(out),
	})
}

type ackRequest struct {
	Success bool   `json:"success"`
	Details string `json:"details,omitempty"`
}

func (a *API) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		a.writeError(w, apperr.Invalid("malformed notification id"))
		return
	}

	var body ackRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	if err := a.rotation.Acknowledge(r.Context(), id, body.Success, body.Details); err != nil {
		a.writeError(w, err)
		return
	}

	n, err := a.rotation.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}
