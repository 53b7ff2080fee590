package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/BTreeMap/SevakBot/internal/broadcast"
	"github.com/BTreeMap/SevakBot/internal/credstore"
	"github.com/BTreeMap/SevakBot/internal/models"
	"github.com/BTreeMap/SevakBot/internal/session"
	"github.com/BTreeMap/SevakBot/internal/whatsapp"
)

// sendRequest is the body of a manual send.
type sendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// broadcastRequest is the body of a broadcast request.
type broadcastRequest struct {
	EventID string `json:"event_id"`
}

// broadcastAck is the result of a broadcast request.
type broadcastAck struct {
	Accepted bool   `json:"accepted"`
	JobID    string `json:"job_id,omitempty"`
}

// tenantFromPath extracts and validates the tenant id path segment. It writes
// a 400 response and returns false when the id is malformed.
func tenantFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := r.PathValue("tenantID")
	if err := credstore.ValidateTenantID(tenantID); err != nil {
		slog.Warn("Server: invalid tenant id", "path", r.URL.Path, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return "", false
	}
	return tenantID, true
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("ok", map[string]int{
		"sessions": len(s.sessions.List()),
	}))
}

func (s *Server) listTenantsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, models.Success(s.sessions.List()))
}

func (s *Server) tenantStatusHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	info, err := s.sessions.Status(tenantID)
	if errors.Is(err, session.ErrUnknownTenant) {
		writeJSONResponse(w, http.StatusNotFound, models.ErrorWithResult("Unknown tenant", info))
		return
	}
	if err != nil {
		slog.Error("Server.tenantStatusHandler: status lookup failed", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read session status"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(info))
}

func (s *Server) connectHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tenantID, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Connect(tenantID); err != nil {
		if errors.Is(err, session.ErrShutdown) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Server is shutting down"))
			return
		}
		slog.Error("Server.connectHandler: connect failed", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to start session"))
		return
	}
	info, _ := s.sessions.Status(tenantID)
	slog.Info("Server.connectHandler: session start requested", "tenantID", tenantID, "state", info.State)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Session start requested; follow the status stream for progress", info))
}

func (s *Server) logoutHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tenantID, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Logout(r.Context(), tenantID); err != nil {
		if errors.Is(err, session.ErrUnknownTenant) {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown tenant"))
			return
		}
		slog.Error("Server.logoutHandler: logout failed", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to log out"))
		return
	}
	slog.Info("Server.logoutHandler: tenant logged out", "tenantID", tenantID)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Logged out", nil))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tenantID, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.To = strings.TrimSpace(req.To)
	if req.To == "" || strings.TrimSpace(req.Body) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Both 'to' and 'body' are required"))
		return
	}

	err := s.sessions.Send(r.Context(), tenantID, req.To, req.Body)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotConnected):
		writeJSONResponse(w, http.StatusConflict, models.Error("Tenant is not connected"))
		return
	case errors.Is(err, whatsapp.ErrEmptyRecipient), errors.Is(err, whatsapp.ErrInvalidRecipient), errors.Is(err, models.ErrEmptyBody):
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	default:
		slog.Error("Server.sendHandler: failed to send message", "tenantID", tenantID, "to", req.To, "error", err)
		writeJSONResponse(w, http.StatusBadGateway, models.Error("Failed to send message"))
		return
	}
	slog.Info("Server.sendHandler: message sent successfully", "tenantID", tenantID, "to", req.To)
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Message sent successfully", nil))
}

func (s *Server) broadcastHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	tenantID, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	var req broadcastRequest
	if err := decodeJSON(w, r, &req); err != nil {
		slog.Warn("Server.broadcastHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	req.EventID = strings.TrimSpace(req.EventID)
	if req.EventID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("'event_id' is required"))
		return
	}

	job, err := s.broadcasts.Request(r.Context(), tenantID, req.EventID)
	switch {
	case err == nil:
	case errors.Is(err, broadcast.ErrTenantNotConnected):
		slog.Warn("Server.broadcastHandler: tenant not connected", "tenantID", tenantID)
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorWithResult("Tenant is not connected", broadcastAck{Accepted: false}))
		return
	case errors.Is(err, broadcast.ErrShutdown):
		writeJSONResponse(w, http.StatusServiceUnavailable, models.ErrorWithResult("Server is shutting down", broadcastAck{Accepted: false}))
		return
	default:
		slog.Error("Server.broadcastHandler: request failed", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.ErrorWithResult("Failed to start broadcast", broadcastAck{Accepted: false}))
		return
	}
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Broadcast started", broadcastAck{Accepted: true, JobID: job.ID}))
}

func (s *Server) listBroadcastsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := tenantFromPath(w, r)
	if !ok {
		return
	}
	jobs := s.broadcasts.List(tenantID)
	if jobs == nil {
		jobs = []broadcast.Job{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(jobs))
}

func (s *Server) broadcastStatusHandler(w http.ResponseWriter, r *http.Request) {
	job, err := s.broadcasts.Get(r.PathValue("jobID"))
	if errors.Is(err, broadcast.ErrJobNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Broadcast job not found"))
		return
	}
	if err != nil {
		slog.Error("Server.broadcastStatusHandler: lookup failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read broadcast job"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(job))
}
