package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/omrgrade/internal/grading"
	"github.com/pavelanni/omrgrade/internal/match"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/pipeline"
	"github.com/pavelanni/omrgrade/internal/store"
)

// DefaultMaxUpload bounds one multipart scan upload.
const DefaultMaxUpload = 64 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	store     *store.Store
	pipeline  *pipeline.Pipeline
	matcher   match.Matcher
	maxUpload int64
}

// New creates a new Handler.
func New(s *store.Store, p *pipeline.Pipeline, m match.Matcher) *Handler {
	return &Handler{store: s, pipeline: p, matcher: m, maxUpload: DefaultMaxUpload}
}

// SetMaxUpload changes the multipart upload limit in bytes.
func (h *Handler) SetMaxUpload(n int64) {
	if n > 0 {
		h.maxUpload = n
	}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)

	r.Route("/api", func(api chi.Router) {
		api.Use(h.requireOperator)

		api.Post("/exams", h.handleCreateExam)
		api.Get("/exams", h.handleListExams)
		api.Get("/exams/{examID}", h.handleGetExam)

		api.Post("/students", h.handleUpsertStudent)
		api.Get("/students", h.handleListStudents)
		api.Get("/students/{studentID}/results", h.handleStudentResults)

		api.Post("/scans", h.handleScan)
		api.Get("/scans/{batchID}", h.handleGetScan)

		api.Post("/match", h.handleMatch)
		api.Post("/grade", h.handleGrade)

		api.Get("/export", h.handleExport)
		api.Post("/operators", h.handleCreateOperator)
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		slog.Error("health check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func examIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "examID"), 10, 64)
	return id, err == nil && id > 0
}

type createExamRequest struct {
	Name    string          `json:"name"`
	Subject string          `json:"subject"`
	Date    string          `json:"date"`
	Key     model.AnswerKey `json:"key"`
}

func (h *Handler) handleCreateExam(w http.ResponseWriter, r *http.Request) {
	var req createExamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := grading.ValidateKey(req.Key); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	exam := model.Exam{Name: req.Name, Subject: req.Subject, Date: req.Date, Key: req.Key}
	id, err := h.store.CreateExam(r.Context(), exam)
	if err != nil {
		slog.Error("failed to create exam", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create exam")
		return
	}
	exam.ID = id
	exam.CreatedAt = time.Now().UTC()
	slog.Info("created exam", "id", id, "name", exam.Name, "questions", exam.Key.TotalQuestions)
	writeJSON(w, http.StatusCreated, exam)
}

func (h *Handler) handleListExams(w http.ResponseWriter, r *http.Request) {
	exams, err := h.store.ListExams(r.Context())
	if err != nil {
		slog.Error("failed to list exams", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list exams")
		return
	}
	if exams == nil {
		exams = []model.Exam{}
	}
	writeJSON(w, http.StatusOK, exams)
}

func (h *Handler) handleGetExam(w http.ResponseWriter, r *http.Request) {
	id, ok := examIDParam(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid exam ID")
		return
	}
	exam, err := h.store.GetExam(r.Context(), id)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "exam not found")
		return
	}
	if err != nil {
		slog.Error("failed to get exam", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get exam")
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

func (h *Handler) handleUpsertStudent(w http.ResponseWriter, r *http.Request) {
	var e model.RosterEntry
	if err := decodeJSON(r, &e); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	e.StudentID = strings.TrimSpace(e.StudentID)
	e.DisplayName = strings.TrimSpace(e.DisplayName)
	if e.StudentID == "" || e.DisplayName == "" {
		writeError(w, http.StatusBadRequest, "student_id and display_name are required")
		return
	}
	if err := h.store.UpsertStudent(r.Context(), e); err != nil {
		slog.Error("failed to save student", "student_id", e.StudentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save student")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (h *Handler) handleListStudents(w http.ResponseWriter, r *http.Request) {
	roster, err := h.store.ListRoster(r.Context())
	if err != nil {
		slog.Error("failed to list roster", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list students")
		return
	}
	if roster == nil {
		roster = []model.RosterEntry{}
	}
	writeJSON(w, http.StatusOK, roster)
}

func (h *Handler) handleStudentResults(w http.ResponseWriter, r *http.Request) {
	studentID := chi.URLParam(r, "studentID")
	if _, err := h.store.GetStudent(r.Context(), studentID); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "student not found")
			return
		}
		slog.Error("failed to get student", "student_id", studentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get student")
		return
	}
	results, err := h.store.ListResults(r.Context(), studentID)
	if err != nil {
		slog.Error("failed to list results", "student_id", studentID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list results")
		return
	}
	if results == nil {
		results = []model.StudentResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

type matchRequest struct {
	Name string `json:"name"`
}

type matchResponse struct {
	StudentID string          `json:"student_id"`
	Kind      model.MatchKind `json:"kind"`
}

func (h *Handler) handleMatch(w http.ResponseWriter, r *http.Request) {
	var req matchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	roster, err := h.store.ListRoster(r.Context())
	if err != nil {
		slog.Error("failed to list roster", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load roster")
		return
	}
	id, kind := h.matcher.Match(req.Name, roster)
	writeJSON(w, http.StatusOK, matchResponse{StudentID: id, Kind: kind})
}

type gradeRequest struct {
	ExamID  int64 `json:"exam_id"`
	Answers []int `json:"answers"`
}

func (h *Handler) handleGrade(w http.ResponseWriter, r *http.Request) {
	var req gradeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	exam, err := h.store.GetExam(r.Context(), req.ExamID)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "exam not found")
		return
	}
	if err != nil {
		slog.Error("failed to get exam", "id", req.ExamID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get exam")
		return
	}
	out, err := grading.Grade(req.Answers, exam.Key)
	if errors.Is(err, grading.ErrAnswerCount) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		slog.Error("grading failed", "exam_id", exam.ID, "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, out)
}
