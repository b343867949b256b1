package api

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (a *API) handleDiagnoseMessage(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	diag, err := a.delivery.Diagnose(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

func (a *API) handleDiagnoseKeys(w http.ResponseWriter, r *http.Request) {
	diag, err := a.keys.Diagnose(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

type forceReencryptRequest struct {
	Recipient string `json:"recipient"`
	Reason    string `json:"reason"`
}

func (a *API) handleForceReencrypt(w http.ResponseWriter, r *http.Request) {
	id, err := messageID(r)
	if err != nil {
		a.writeError(w, err)
		return
	}
	var body forceReencryptRequest
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	n, err := a.rotation.ForceReencryption(r.Context(), id, body.Recipient, body.Reason)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}
