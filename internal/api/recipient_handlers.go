package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/flowsendhq/flowsend/internal/messaging"
	"github.com/flowsendhq/flowsend/internal/models"
)

// upsertRecipientHandler creates or updates a recipient. Phone numbers are
// canonicalized to digits so transport callbacks and inbound messages match.
func (s *Server) upsertRecipientHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var rcpt models.Recipient
	if err := json.NewDecoder(r.Body).Decode(&rcpt); err != nil {
		slog.Warn("Server.upsertRecipientHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	phone, err := messaging.CanonicalizePhone(rcpt.Phone)
	if err != nil {
		slog.Warn("Server.upsertRecipientHandler: invalid phone number", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	rcpt.Phone = phone
	if rcpt.ID == "" {
		rcpt.ID = uuid.NewString()
	}
	if rcpt.CreatedAt.IsZero() {
		rcpt.CreatedAt = time.Now()
	}
	if err := s.store.UpsertRecipient(rcpt); err != nil {
		slog.Error("Server.upsertRecipientHandler: failed to upsert recipient", "recipientID", rcpt.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to save recipient"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rcpt))
}

func (s *Server) getRecipientHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rcpt, err := s.store.GetRecipient(id)
	if err != nil {
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to get recipient"))
		return
	}
	if rcpt == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Recipient not found"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(rcpt))
}

// inboundHandler accepts an inbound message from an external integration and
// feeds it to the flow executor, same as a transport-delivered message.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var msg models.InboundMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		slog.Warn("Server.inboundHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if msg.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("from is required"))
		return
	}
	if msg.Time == 0 {
		msg.Time = time.Now().Unix()
	}
	if err := s.executor.HandleInbound(msg); err != nil {
		slog.Error("Server.inboundHandler: failed to handle inbound message", "from", msg.From, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle inbound message"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}
