// Package results writes graded scans to the record store and reports a
// per-page save status.
package results

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
)

// Mode selects how repeated results for the same student and exam are kept.
type Mode string

const (
	// ModeAppend adds every graded scan as a new record.
	ModeAppend Mode = "append"
	// ModeUpsert replaces the student's earlier records for the same exam.
	ModeUpsert Mode = "upsert"
)

// ParseMode accepts "", "append" or "upsert".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAppend:
		return ModeAppend, nil
	case ModeUpsert:
		return ModeUpsert, nil
	}
	return "", fmt.Errorf("unknown persist mode %q", s)
}

// ResultWriter is the part of the record store the adapter needs.
type ResultWriter interface {
	AppendResult(ctx context.Context, r model.StudentResult) (int64, error)
	UpsertResult(ctx context.Context, r model.StudentResult) (int64, error)
}

type Adapter struct {
	w    ResultWriter
	mode Mode
	now  func() time.Time
}

func New(w ResultWriter, mode Mode) *Adapter {
	if mode == "" {
		mode = ModeAppend
	}
	return &Adapter{w: w, mode: mode, now: time.Now}
}

// Mode reports the write mode in use.
func (a *Adapter) Mode() Mode { return a.mode }

// Persist stores the graded scan against its matched student. It never
// returns an error: write failures are logged and reported as
// StatusPersistenceError so the batch can go on.
func (a *Adapter) Persist(ctx context.Context, scan model.MatchedScan, outcome *model.GradingOutcome, exam model.Exam) model.SaveStatus {
	if scan.MatchedStudentID == "" {
		return model.StatusNotFound
	}
	if scan.RecognitionError {
		return model.StatusRecognitionError
	}
	if outcome == nil {
		return model.StatusGradingError
	}

	r := model.StudentResult{
		StudentID:     scan.MatchedStudentID,
		ExamID:        exam.ID,
		ExamName:      exam.Name,
		Subject:       exam.Subject,
		ExamDate:      exam.Date,
		SelectedTrack: scan.SelectedTrack,
		Answers:       scan.Answers,
		Outcome:       *outcome,
		GradedAt:      a.now().UTC(),
	}

	var (
		id  int64
		err error
	)
	if a.mode == ModeUpsert {
		id, err = a.w.UpsertResult(ctx, r)
	} else {
		id, err = a.w.AppendResult(ctx, r)
	}
	if err != nil {
		slog.Error("failed to save result",
			"student_id", r.StudentID, "exam_id", r.ExamID, "page", scan.PageIndex, "error", err)
		return model.StatusPersistenceError
	}
	slog.Debug("saved result", "id", id, "student_id", r.StudentID, "exam_id", r.ExamID, "mode", a.mode)
	return model.StatusSuccess
}
