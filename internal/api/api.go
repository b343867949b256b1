// Package api is the HTTP surface: gorilla/mux routing over the key
// registry, notification queue, delivery ledger, attachments and the live
// websocket.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"gitlab.com/secp/services/keysync/internal/attachments"
	"gitlab.com/secp/services/keysync/internal/db"
	"gitlab.com/secp/services/keysync/internal/delivery"
	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/internal/live"
	"gitlab.com/secp/services/keysync/internal/presence"
	"gitlab.com/secp/services/keysync/internal/ratelimit"
	"gitlab.com/secp/services/keysync/internal/rotation"
	"gitlab.com/secp/services/keysync/pkg/logger"
)

type API struct {
	detector *keys.Detector
	keys     *keys.Service
	rotation *rotation.Service
	delivery *delivery.Service
	attach   *attachments.Service // nil when S3 disabled
	hub      *live.Hub
	presence *presence.Tracker
	limiter  *ratelimit.Limiter
	database *db.DB

	adminTokenHash string
	log            *logger.Logger
}

type Deps struct {
	Detector       *keys.Detector
	Keys           *keys.Service
	Rotation       *rotation.Service
	Delivery       *delivery.Service
	Attachments    *attachments.Service
	Hub            *live.Hub
	Presence       *presence.Tracker
	Limiter        *ratelimit.Limiter
	DB             *db.DB
	AdminTokenHash string
	Log            *logger.Logger
}

func New(d Deps) *API {
	return &API{
		detector:       d.Detector,
		keys:           d.Keys,
		rotation:       d.Rotation,
		delivery:       d.Delivery,
		attach:         d.Attachments,
		hub:            d.Hub,
		presence:       d.Presence,
		limiter:        d.Limiter,
		database:       d.DB,
		adminTokenHash: d.AdminTokenHash,
		log:            d.Log,
	}
}

func (a *API) Router() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/health", a.handleHealth).Methods(http.MethodGet)

	r.HandleFunc("/api/keys/{username}", a.handleUploadBundle).Methods(http.MethodPost)
	r.HandleFunc("/api/keys/{username}", a.handleGetBundle).Methods(http.MethodGet)

	r.HandleFunc("/api/notifications/{username}", a.handlePullNotifications).Methods(http.MethodGet)
	r.HandleFunc("/api/notifications/{id}/ack", a.handleAcknowledge).Methods(http.MethodPost)

	r.HandleFunc("/api/messages", a.handleCreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{id}/delivered", a.handleMarkDelivered).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{id}/reencrypt", a.handleApplyReencryption).Methods(http.MethodPost)
	r.HandleFunc("/api/messages/{id}/{recipient}", a.handleFetchCiphertext).Methods(http.MethodGet)

	r.HandleFunc("/api/attachments/upload", a.handleGrantUpload).Methods(http.MethodPost)
	r.HandleFunc("/api/attachments/download", a.handleGrantDownload).Methods(http.MethodPost)

	r.HandleFunc("/ws", a.handleWebsocket).Methods(http.MethodGet)

	r.HandleFunc("/api/admin/messages/{id}/diagnose", a.requireAdmin(a.handleDiagnoseMessage)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/keys/{username}/diagnose", a.requireAdmin(a.handleDiagnoseKeys)).Methods(http.MethodGet)
	r.HandleFunc("/api/admin/messages/{id}/force-reencrypt", a.requireAdmin(a.handleForceReencrypt)).Methods(http.MethodPost)

	return a.logRequests(r)
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()
	if err := a.database.Health(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
