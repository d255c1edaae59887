package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowsendhq/flowsend/internal/models"
)

func (s *Server) createCampaignHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var c models.CampaignDefinition
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		slog.Warn("Server.createCampaignHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := c.Validate(); err != nil {
		slog.Warn("Server.createCampaignHandler: validation failed", "campaignID", c.ID, "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if err := s.campaigns.Create(c); err != nil {
		slog.Error("Server.createCampaignHandler: failed to create campaign", "campaignID", c.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to create campaign"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]string{"id": c.ID}))
}

func (s *Server) getCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get campaign"))
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// listCampaignsHandler lists campaigns by state (default active), optionally
// narrowed to one kind.
func (s *Server) listCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	state := models.CampaignState(r.URL.Query().Get("state"))
	if state == "" {
		state = models.CampaignStateActive
	}
	if !models.IsValidCampaignState(state) {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid campaign state"))
		return
	}

	kinds := []models.CampaignKind{models.CampaignKindOneShot, models.CampaignKindRecurring}
	if k := models.CampaignKind(r.URL.Query().Get("kind")); k != "" {
		if !models.IsValidCampaignKind(k) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid campaign kind"))
			return
		}
		kinds = []models.CampaignKind{k}
	}

	var campaigns []models.CampaignDefinition
	for _, kind := range kinds {
		batch, err := s.store.ListCampaigns(kind, state)
		if err != nil {
			slog.Error("Server.listCampaignsHandler: failed to list campaigns", "error", err)
			writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list campaigns"))
			return
		}
		campaigns = append(campaigns, batch...)
	}
	writeJSONResponse(w, http.StatusOK, models.Success(campaigns))
}

func (s *Server) deleteCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.campaigns.Delete(id); err != nil {
		writeCampaignError(w, id, err, "Failed to delete campaign")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) pauseCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.campaigns.Pause(id); err != nil {
		writeCampaignError(w, id, err, "Failed to pause campaign")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) resumeCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.campaigns.Resume(id); err != nil {
		writeCampaignError(w, id, err, "Failed to resume campaign")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

func (s *Server) resendFailedHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	requeued, err := s.campaigns.ResendFailed(id)
	if err != nil {
		writeCampaignError(w, id, err, "Failed to resend campaign deliveries")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]int{"requeued": requeued}))
}

func (s *Server) campaignStatsHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	c, err := s.store.GetCampaign(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get campaign"))
		return
	}
	if c == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c.Stats()))
}

func (s *Server) campaignDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	status := models.DeliveryStatus(r.URL.Query().Get("status"))

	var (
		records []models.DeliveryRecord
		err     error
	)
	switch {
	case status == "":
		records, err = s.store.ListDeliveries(id)
	case models.IsValidDeliveryStatus(status):
		records, err = s.store.ListDeliveriesByStatus(id, status)
	default:
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid delivery status"))
		return
	}
	if err != nil {
		slog.Error("Server.campaignDeliveriesHandler: failed to list deliveries", "campaignID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list deliveries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(records))
}

// writeCampaignError maps campaign service errors to HTTP status codes.
func writeCampaignError(w http.ResponseWriter, id string, err error, fallback string) {
	switch {
	case errors.Is(err, models.ErrCampaignNotFound):
		writeJSONResponse(w, http.StatusNotFound, models.Error("Campaign not found"))
	case errors.Is(err, models.ErrInvalidCampaignState):
		writeJSONResponse(w, http.StatusConflict, models.Error(err.Error()))
	default:
		slog.Error("campaign operation failed", "campaignID", id, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error(fallback))
	}
}
