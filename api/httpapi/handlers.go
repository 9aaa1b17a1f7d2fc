package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/dedezza1D/hookflow/internal/apierr"
	"github.com/dedezza1D/hookflow/internal/scheduler"
	"github.com/dedezza1D/hookflow/internal/store"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

// writeAPIErr maps err onto its apierr status; anything else is a 500.
func (s *Server) writeAPIErr(w http.ResponseWriter, r *http.Request, err error) {
	var ae *apierr.Error
	if errors.As(err, &ae) {
		writeErr(w, ae.Status, ae.Code, ae.Error())
		return
	}
	s.logger.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
}

func queryLimit(r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return 50, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > 200 {
		return 0, false
	}
	return n, true
}

type createTaskRequest struct {
	Type          store.TaskType   `json:"type"`
	UserID        string           `json:"userId"`
	RequesterID   string           `json:"requesterId,omitempty"`
	InputAssetID  string           `json:"inputAssetId,omitempty"`
	OutputAssetID string           `json:"outputAssetId,omitempty"`
	Params        store.TaskParams `json:"params"`
}

type taskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.UserID == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "userId is required")
		return
	}
	if !req.Type.Valid() {
		writeErr(w, http.StatusBadRequest, "validation_error", "unknown task type")
		return
	}

	if err := s.scheduler.EnsureQueueCapacity(r.Context(), req.UserID); err != nil {
		s.writeAPIErr(w, r, err)
		return
	}

	task, err := s.scheduler.SpawnAndEnqueue(r.Context(), scheduler.SpawnParams{
		Type:          req.Type,
		UserID:        req.UserID,
		RequesterID:   req.RequesterID,
		InputAssetID:  req.InputAssetID,
		OutputAssetID: req.OutputAssetID,
		Params:        req.Params,
	})
	if err != nil {
		s.writeAPIErr(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, taskResponse{Task: *task})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.Tasks.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, taskResponse{Task: *task})
}

type listTasksResponse struct {
	Items []store.Task `json:"items"`
	Limit int          `json:"limit"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()

	userID := qp.Get("userId")
	if userID == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "userId is required")
		return
	}
	where := []store.Cond{store.Eq("userId", userID)}

	if v := qp.Get("phase"); v != "" {
		switch p := store.TaskPhase(v); p {
		case store.TaskPending, store.TaskWaiting, store.TaskRunning, store.TaskCompleted, store.TaskFailed:
			where = append(where, store.Eq("status.phase", string(p)))
		default:
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid phase")
			return
		}
	}

	if v := qp.Get("type"); v != "" {
		if !store.TaskType(v).Valid() {
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid type")
			return
		}
		where = append(where, store.Eq("type", v))
	}

	limit, ok := queryLimit(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
		return
	}

	items, err := s.store.Tasks.Find(r.Context(), store.Query{Where: where, Limit: limit, Newest: true})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, listTasksResponse{
		Items: items,
		Limit: limit,
	})
}

type listWebhookResponsesResponse struct {
	Items []store.WebhookResponse `json:"items"`
	Limit int                     `json:"limit"`
}

func (s *Server) handleListWebhookResponses(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if _, err := s.store.Webhooks.Get(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "webhook not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	limit, ok := queryLimit(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
		return
	}

	items, err := s.store.WebhookResponses.Find(r.Context(), store.Query{
		Where:  []store.Cond{store.Eq("webhookId", id)},
		Limit:  limit,
		Newest: true,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, listWebhookResponsesResponse{
		Items: items,
		Limit: limit,
	})
}

func (s *Server) handleDeleteAsset(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteAsset(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeAPIErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
