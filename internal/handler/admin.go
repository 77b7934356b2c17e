package handler

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/store"
)

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var examID int64
	if s := r.URL.Query().Get("exam_id"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid exam_id")
			return
		}
		examID = id
	}

	exp, err := h.store.ExportResults(r.Context(), examID)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "exam not found")
		return
	}
	if err != nil {
		slog.Error("failed to export results", "exam_id", examID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to export results")
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="omrgrade-results.json"`)
	writeJSON(w, http.StatusOK, exp)
}

type createOperatorRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type operatorResponse struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	Active    bool   `json:"active"`
	CreatedBy string `json:"created_by,omitempty"`
}

func (h *Handler) handleCreateOperator(w http.ResponseWriter, r *http.Request) {
	var req createOperatorRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		slog.Error("failed to hash password", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	existing, err := h.store.GetOperatorByUsername(r.Context(), req.Username)
	if err != nil {
		slog.Error("failed to get operator", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if existing != nil {
		writeError(w, http.StatusConflict, "operator already exists")
		return
	}

	id, err := h.store.CreateOperator(r.Context(), model.Operator{
		Username:     req.Username,
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create operator")
		return
	}

	resp := operatorResponse{ID: id, Username: req.Username, Active: true}
	if op := model.OperatorFromContext(r.Context()); op != nil {
		resp.CreatedBy = op.Username
	}
	writeJSON(w, http.StatusCreated, resp)
}
