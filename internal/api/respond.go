package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"gitlab.com/secp/services/keysync/pkg/apperr"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

type errorBody struct {
	Code    apperr.Code `json:"code"`
	Message string      `json:"message"`
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)

	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		a.log.Error("unclassified handler error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorBody{Code: apperr.CodeInternal, Message: "internal error"})
		return
	}
	if status >= 500 {
		a.log.Error("request failed", "code", ae.Code, "err", err)
	}
	writeJSON(w, status, errorBody{Code: ae.Code, Message: ae.Message})
}

func decodeBody(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return apperr.Invalid("malformed request body")
	}
	return nil
}
