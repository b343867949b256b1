package api

import (
	"net/http"

	"github.com/gorilla/websocket"

	"gitlab.com/secp/services/keysync/internal/keys"
	"gitlab.com/secp/services/keysync/pkg/apperr"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWebsocket attaches a sender session to the push hub. The socket
// is push-only; notification state changes still go through the REST
// endpoints.
func (a *API) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	username := keys.Canonical(r.URL.Query().Get("username"))
	if username == "" {
		a.writeError(w, apperr.ErrEmptyUsername)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", "err", err)
		return
	}
	a.hub.Serve(conn, username, a.presence)
}
