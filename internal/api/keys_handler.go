package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"gitlab.com/secp/services/keysync/internal/keys"
)

func (a *API) handleUploadBundle(w http.ResponseWriter, r *http.Request) {
	username := keys.Canonical(mux.Vars(r)["username"])

	if err := a.limiter.CheckUpload(r.Context(), username); err != nil {
		a.writeError(w, err)
		return
	}

	var body keys.BundleUpload
	if err := decodeBody(r, &body); err != nil {
		a.writeError(w, err)
		return
	}

	res, err := a.detector.Upload(r.Context(), username, &body, "api")
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetBundle(w http.ResponseWriter, r *http.Request) {
	bundle, err := a.keys.Get(r.Context(), mux.Vars(r)["username"])
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bundle)
}
