package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/omrgrade/internal/imaging"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/pipeline"
	"github.com/pavelanni/omrgrade/internal/store"
)

// handleScan runs a batch over the uploaded page images. Form fields:
// exam_id, mode, pages (one file per page, in order) and an optional assign
// JSON object mapping page index to student ID.
func (h *Handler) handleScan(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid upload: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	examID, err := strconv.ParseInt(r.FormValue("exam_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid exam_id")
		return
	}
	mode := model.ScanMode(r.FormValue("mode"))
	if mode == "" {
		mode = model.ModeCoordinate
	}
	if !mode.IsValid() {
		writeError(w, http.StatusBadRequest, "mode must be coordinate or vision")
		return
	}
	if !h.pipeline.Supports(mode) {
		writeError(w, http.StatusBadRequest, "scan mode "+string(mode)+" is not configured")
		return
	}

	assign, err := parseAssign(r.FormValue("assign"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid assign: "+err.Error())
		return
	}

	files := r.MultipartForm.File["pages"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, "no pages uploaded")
		return
	}

	exam, err := h.store.GetExam(r.Context(), examID)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "exam not found")
		return
	}
	if err != nil {
		slog.Error("failed to get exam", "id", examID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get exam")
		return
	}

	pages := make([]model.PageImage, 0, len(files))
	for i, fh := range files {
		pages = append(pages, readPage(fh, i))
	}

	report, err := h.pipeline.Run(r.Context(), pipeline.Batch{
		Exam:   exam,
		Mode:   mode,
		Pages:  pages,
		Assign: assign,
	})
	if err != nil && !report.Cancelled {
		slog.Error("scan batch failed", "exam_id", examID, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// readPage decodes one uploaded file. An unreadable file still yields a
// page so it is reported as a recognition error in its batch position.
func readPage(fh *multipart.FileHeader, index int) model.PageImage {
	empty := model.PageImage{Index: index, SourcePage: index + 1}
	f, err := fh.Open()
	if err != nil {
		slog.Warn("failed to open uploaded page", "file", fh.Filename, "error", err)
		return empty
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		slog.Warn("failed to read uploaded page", "file", fh.Filename, "error", err)
		return empty
	}
	page, err := imaging.Decode(data, index, index+1)
	if err != nil {
		slog.Warn("failed to decode uploaded page", "file", fh.Filename, "error", err)
		return empty
	}
	return page
}

func parseAssign(raw string) (map[int]string, error) {
	if raw == "" {
		return nil, nil
	}
	var byKey map[string]string
	if err := json.Unmarshal([]byte(raw), &byKey); err != nil {
		return nil, err
	}
	assign := make(map[int]string, len(byKey))
	for k, v := range byKey {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			return nil, errors.New("page index " + strconv.Quote(k) + " is not a non-negative integer")
		}
		assign[i] = v
	}
	return assign, nil
}

func (h *Handler) handleGetScan(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	report, err := h.store.GetBatchReport(r.Context(), batchID)
	if store.IsNotFound(err) {
		writeError(w, http.StatusNotFound, "scan batch not found")
		return
	}
	if err != nil {
		slog.Error("failed to get batch report", "batch", batchID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get scan batch")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
