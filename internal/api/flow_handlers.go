package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowsendhq/flowsend/internal/models"
)

// saveFlowHandler validates and persists a flow definition. Malformed graphs
// are rejected here so execution never sees them.
func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var f models.FlowDefinition
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		slog.Warn("Server.saveFlowHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if err := f.Validate(); err != nil {
		slog.Warn("Server.saveFlowHandler: validation failed", "flowID", f.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if f.IsActive && f.Trigger.IsDefault() {
		conflict, err := s.defaultFlowConflict(f.TenantID, f.ID)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check default flow"))
			return
		}
		if conflict {
			writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrDefaultFlowExists.Error()))
			return
		}
	}
	if f.IsActive && f.ActivatedAt.IsZero() {
		f.ActivatedAt = time.Now()
	}
	if err := s.store.SaveFlow(f); err != nil {
		slog.Error("Server.saveFlowHandler: failed to save flow", "flowID", f.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save flow"))
		return
	}
	slog.Info("flow saved", "flowID", f.ID, "tenantID", f.TenantID, "active", f.IsActive)
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) getFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFlow(id)
	if err != nil {
		slog.Error("Server.getFlowHandler: failed to get flow", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("tenant_id query parameter is required"))
		return
	}
	flows, err := s.store.ListFlows(tenantID)
	if err != nil {
		slog.Error("Server.listFlowsHandler: failed to list flows", "tenantID", tenantID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list flows"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(flows))
}

// activateFlowHandler turns a flow on. A flow with an empty trigger is the
// tenant's default; at most one of those may be active at a time.
func (s *Server) activateFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFlow(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	if f.Trigger.IsDefault() {
		conflict, err := s.defaultFlowConflict(f.TenantID, f.ID)
		if err != nil {
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to check default flow"))
			return
		}
		if conflict {
			writeJSONResponse(w, http.StatusConflict, models.Error(models.ErrDefaultFlowExists.Error()))
			return
		}
	}
	if err := s.store.SetFlowActive(id, true, time.Now()); err != nil {
		slog.Error("Server.activateFlowHandler: failed to activate flow", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate flow"))
		return
	}
	slog.Info("flow activated", "flowID", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// deactivateFlowHandler turns a flow off. Deactivation never deletes.
func (s *Server) deactivateFlowHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.store.GetFlow(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get flow"))
		return
	}
	if f == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Flow not found"))
		return
	}
	if err := s.store.SetFlowActive(id, false, time.Time{}); err != nil {
		slog.Error("Server.deactivateFlowHandler: failed to deactivate flow", "flowID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to deactivate flow"))
		return
	}
	slog.Info("flow deactivated", "flowID", id)
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// defaultFlowConflict reports whether another active default flow already
// exists for the tenant.
func (s *Server) defaultFlowConflict(tenantID, flowID string) (bool, error) {
	flows, err := s.store.ListActiveFlows(tenantID)
	if err != nil {
		return false, err
	}
	for _, f := range flows {
		if f.ID != flowID && f.Trigger.IsDefault() {
			return true, nil
		}
	}
	return false, nil
}
