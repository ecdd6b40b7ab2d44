package server

import (
	"net/http"

	"github.com/ButyrinIA/remy/internal/models"
	"github.com/ButyrinIA/remy/internal/moderation"
	"github.com/go-chi/chi/v5"
)

type actionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
	Text   string `json:"text" validate:"max=2000"`
}

type bulkRequest struct {
	Items  []models.ItemKey `json:"items" validate:"required,min=1,dive"`
	Reason string           `json:"reason" validate:"max=500"`
}

type queueResponse struct {
	Items []models.QueueItem `json:"items"`
	Count int                `json:"count"`
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	items := s.queue.Items()
	writeJSON(w, r, http.StatusOK, queueResponse{Items: items, Count: len(items)})
}

// handleAction serves POST /moderation/{contentType}/{id}/{action}.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		s.fail(w, r, err)
		return
	}
	key := models.ItemKey{Type: models.ContentType(chi.URLParam(r, "contentType")), ID: id}
	if err := s.validate.Struct(key); err != nil {
		s.fail(w, r, err)
		return
	}
	var req actionRequest
	if r.ContentLength != 0 {
		if err := s.decode(r, &req); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	moderatorID := claimsFrom(r.Context()).UserID

	switch chi.URLParam(r, "action") {
	case "approve":
		err = s.queue.Approve(r.Context(), key, moderatorID)
	case "reject":
		err = s.queue.Reject(r.Context(), key, moderatorID, req.Reason)
	case "delete":
		err = s.queue.Delete(r.Context(), key, moderatorID)
	case "message":
		if req.Text == "" {
			s.fail(w, r, errBadRequest{msg: "message text is required"})
			return
		}
		err = s.queue.Message(r.Context(), key, moderatorID, req.Text)
	default:
		writeError(w, r, http.StatusNotFound, "unknown moderation action")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleBulk serves POST /moderation/bulk/{action}.
func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := s.decode(r, &req); err != nil {
		s.fail(w, r, err)
		return
	}
	sel := moderation.NewSelection(req.Items...)
	moderatorID := claimsFrom(r.Context()).UserID

	var err error
	switch chi.URLParam(r, "action") {
	case "approve":
		err = s.queue.BulkApprove(r.Context(), sel, moderatorID)
	case "reject":
		err = s.queue.BulkReject(r.Context(), sel, moderatorID, req.Reason)
	case "delete":
		err = s.queue.BulkDelete(r.Context(), sel, moderatorID)
	default:
		writeError(w, r, http.StatusNotFound, "unknown moderation action")
		return
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
