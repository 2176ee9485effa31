package rest

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/arcanahq/turnstile/internal/tasks"
)

// handleTaskStatus serves GET /v1/tasks/status/{id}. Owners see their own
// tasks; admins see everything.
func (h *Handler) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := pathTail(r.URL.Path, "/v1/tasks/status/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	task, err := h.tasks.Status(r.Context(), id)
	if err != nil {
		h.projectError(w, err)
		return
	}
	if !h.mayTouchTask(r, task) {
		writeError(w, http.StatusForbidden, "not your task")
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// handleTaskCancel serves DELETE /v1/tasks/cancel/{id}.
func (h *Handler) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	id := pathTail(r.URL.Path, "/v1/tasks/cancel/")
	if id == "" {
		writeError(w, http.StatusBadRequest, "task id is required")
		return
	}

	task, err := h.tasks.Status(r.Context(), id)
	if err != nil {
		h.projectError(w, err)
		return
	}
	if !h.mayTouchTask(r, task) {
		writeError(w, http.StatusForbidden, "not your task")
		return
	}

	cancelled, err := h.tasks.Cancel(r.Context(), id)
	if err != nil {
		h.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// handleTasksActive serves GET /v1/tasks/active. Admin only.
func (h *Handler) handleTasksActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !userFrom(r).Admin {
		writeError(w, http.StatusForbidden, "administrator access required")
		return
	}

	active, err := h.tasks.Active(r.Context())
	if err != nil {
		h.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"active": active})
}

// handleTaskWorkers serves GET /v1/tasks/workers. Admin only.
func (h *Handler) handleTaskWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if !userFrom(r).Admin {
		writeError(w, http.StatusForbidden, "administrator access required")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"workers": h.tasks.Workers()})
}

// handleAdminEnqueue serves POST /v1/admin/tasks. The manager enforces
// kind-level policy again; this endpoint is admin-gated wholesale.
func (h *Handler) handleAdminEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	user := userFrom(r)
	if !user.Admin {
		writeError(w, http.StatusForbidden, "administrator access required")
		return
	}

	var req struct {
		Kind    string          `json:"kind"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	id, err := h.tasks.Enqueue(r.Context(), req.Kind, req.Payload, user.ID, true)
	if err != nil {
		h.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id})
}

// handleAdminUsers dispatches /v1/admin/users/{id} and
// /v1/admin/users/{id}/credit.
func (h *Handler) handleAdminUsers(w http.ResponseWriter, r *http.Request) {
	if !userFrom(r).Admin {
		writeError(w, http.StatusForbidden, "administrator access required")
		return
	}

	rest := pathTail(r.URL.Path, "/v1/admin/users/")
	idPart, action, _ := strings.Cut(rest, "/")
	userID, err := uuid.Parse(idPart)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodDelete:
		h.adminDeleteUser(w, r, userID)
	case action == "credit" && r.Method == http.MethodPost:
		h.adminCreditUser(w, r, userID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// adminCreditUser applies a compensating credit: the explicit path for
// refunding a spent turn, since committed debits are never rolled back.
func (h *Handler) adminCreditUser(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	var req struct {
		Turns int `json:"turns"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Turns <= 0 {
		writeError(w, http.StatusBadRequest, "turns must be positive")
		return
	}

	turns, err := h.users.CreditPaid(r.Context(), userID, req.Turns, "admin")
	if err != nil {
		h.projectError(w, err)
		return
	}

	body := map[string]interface{}{"credited": req.Turns}
	addTurnFields(body, turns)
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) adminDeleteUser(w http.ResponseWriter, r *http.Request, userID uuid.UUID) {
	if err := h.users.Delete(r.Context(), userID); err != nil {
		h.projectError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

// mayTouchTask implements the ownership rule: creators and admins only.
func (h *Handler) mayTouchTask(r *http.Request, task *tasks.Task) bool {
	user := userFrom(r)
	return user.Admin || task.Creator == user.ID
}

func pathTail(path, prefix string) string {
	tail := strings.TrimPrefix(path, prefix)
	return strings.Trim(tail, "/")
}
