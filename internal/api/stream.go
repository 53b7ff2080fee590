package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/BTreeMap/SevakBot/internal/credstore"
	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/status"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// statusStreamHandler upgrades to a WebSocket and relays status channel
// events as JSON text frames until the client goes away or the server stops.
// Without a tenant path segment it follows every tenant.
func (s *Server) statusStreamHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenantID")
	if tenantID != status.AllTenants {
		if err := credstore.ValidateTenantID(tenantID); err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		slog.Warn("Server.statusStreamHandler: upgrade failed", "tenantID", tenantID, "error", err)
		return
	}
	defer conn.Close()

	sub := s.feed.Subscribe(tenantID)
	defer sub.Close()
	slog.Debug("Server.statusStreamHandler: subscriber attached", "tenantID", tenantID, "remote", r.RemoteAddr)

	// The read loop only services control frames and notices disconnects.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case evt, ok := <-sub.C():
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(evt); err != nil {
				slog.Debug("Server.statusStreamHandler: write failed", "tenantID", tenantID, "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			slog.Debug("Server.statusStreamHandler: subscriber left", "tenantID", tenantID)
			return
		case <-r.Context().Done():
			msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
			_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
