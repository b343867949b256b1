package api

import (
	"net/http"
	"time"

	"golang.org/x/crypto/bcrypt"

	"gitlab.com/secp/services/keysync/pkg/apperr"
)

// requireAdmin guards admin routes with a static token checked against a
// bcrypt hash from config. No hash configured means no admin surface.
func (a *API) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.adminTokenHash == "" {
			writeJSON(w, http.StatusNotFound, errorBody{Code: apperr.CodeNotFound, Message: "not found"})
			return
		}
		token := r.Header.Get("X-Admin-Token")
		if token == "" || bcrypt.CompareHashAndPassword([]byte(a.adminTokenHash), []byte(token)) != nil {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: apperr.CodeUnknown, Message: "invalid admin token"})
			return
		}
		next(w, r)
	}
}

func (a *API) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start).String(),
		)
	})
}
