// Package pipeline runs one scan session: recognise every page, tie it to a
// student, grade it, store it and report back per page.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/pavelanni/omrgrade/internal/grading"
	"github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/match"
	"github.com/pavelanni/omrgrade/internal/metrics"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/results"
	"github.com/pavelanni/omrgrade/internal/scan"
)

// RosterSource lists the students a batch is matched against, in the order
// the matcher walks them.
type RosterSource interface {
	ListRoster(ctx context.Context) ([]model.RosterEntry, error)
}

// ReportSink records finished batches.
type ReportSink interface {
	SaveBatchReport(ctx context.Context, b model.BatchReport) error
}

// Batch is one scan session.
type Batch struct {
	Exam  model.Exam
	Mode  model.ScanMode
	Pages []model.PageImage
	// Assign maps a page index to a student ID chosen by the operator. It
	// overrides the name matcher for that page.
	Assign   map[int]string
	Progress scan.ProgressFunc
}

type Pipeline struct {
	scanner *scan.Orchestrator
	roster  RosterSource
	matcher match.Matcher
	persist *results.Adapter
	reports ReportSink
	metrics *metrics.Metrics
	now     func() time.Time
}

// New wires a pipeline. reports and m may be nil.
func New(scanner *scan.Orchestrator, roster RosterSource, matcher match.Matcher, persist *results.Adapter, reports ReportSink, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		scanner: scanner,
		roster:  roster,
		matcher: matcher,
		persist: persist,
		reports: reports,
		metrics: m,
		now:     time.Now,
	}
}

// Supports reports whether the pipeline can scan in mode.
func (p *Pipeline) Supports(mode model.ScanMode) bool {
	return p.scanner.Supports(mode)
}

// Run processes the batch. When ctx is cancelled mid-batch the pages
// already recognised are still graded and stored, and the partial report is
// returned together with the context error.
func (p *Pipeline) Run(ctx context.Context, b Batch) (model.BatchReport, error) {
	if !b.Mode.IsValid() {
		return model.BatchReport{}, fmt.Errorf("invalid scan mode %q", b.Mode)
	}
	if err := grading.ValidateKey(b.Exam.Key); err != nil {
		return model.BatchReport{}, fmt.Errorf("exam %d: %w", b.Exam.ID, err)
	}
	roster, err := p.roster.ListRoster(ctx)
	if err != nil {
		return model.BatchReport{}, fmt.Errorf("load roster: %w", err)
	}

	report := model.BatchReport{
		BatchID:   uuid.NewString(),
		ExamID:    b.Exam.ID,
		Mode:      b.Mode,
		StartedAt: p.now().UTC(),
	}
	slog.Info("scan batch started", "batch", report.BatchID, "exam_id", b.Exam.ID, "mode", b.Mode, "pages", len(b.Pages))

	sources := make([]int, len(b.Pages))
	for i, pg := range b.Pages {
		sources[i] = pg.SourcePage
	}

	recognised, scanErr := p.scanner.ScanBatch(ctx, b.Pages, b.Mode, b.Exam, b.Progress)
	if scanErr != nil && !isCancel(scanErr) {
		return model.BatchReport{}, fmt.Errorf("scan batch: %w", scanErr)
	}

	// Pages already recognised are finished even if the caller gave up.
	writeCtx := context.WithoutCancel(ctx)
	known := make(map[string]bool, len(roster))
	for _, e := range roster {
		known[e.StudentID] = true
	}

	for i, res := range recognised {
		ms := p.identify(res, roster, known, b.Assign[i])
		page := p.gradeAndStore(writeCtx, ms, b.Exam)
		page.SourcePage = sources[i]
		if page.Status == model.StatusSuccess {
			report.Succeeded++
		} else {
			report.Failed++
		}
		report.Pages = append(report.Pages, page)
	}

	report.Cancelled = scanErr != nil
	report.FinishedAt = p.now().UTC()

	if p.reports != nil {
		if err := p.reports.SaveBatchReport(writeCtx, report); err != nil {
			slog.Error("failed to record batch report", "batch", report.BatchID, "error", err)
		}
	}
	if p.metrics != nil {
		p.metrics.ObserveBatch(report)
	}
	slog.Info("scan batch finished", "batch", report.BatchID,
		"succeeded", report.Succeeded, "failed", report.Failed, "cancelled", report.Cancelled)

	return report, scanErr
}

// identify applies a manual assignment when it names a roster student, and
// the name matcher otherwise.
func (p *Pipeline) identify(res model.RecognitionResult, roster []model.RosterEntry, known map[string]bool, assigned string) model.MatchedScan {
	if assigned != "" {
		if known[assigned] {
			return model.MatchedScan{RecognitionResult: res, MatchedStudentID: assigned, MatchKind: model.MatchManual}
		}
		slog.Warn("ignoring assignment to unknown student", "page", res.PageIndex, "student_id", assigned)
	}
	return p.matcher.Apply(res, roster)
}

func (p *Pipeline) gradeAndStore(ctx context.Context, ms model.MatchedScan, exam model.Exam) model.PageReport {
	page := model.PageReport{
		PageIndex:        ms.PageIndex,
		StudentName:      ms.StudentName,
		MatchedStudentID: ms.MatchedStudentID,
		MatchKind:        ms.MatchKind,
		Answers:          ms.Answers,
	}

	var outcome *model.GradingOutcome
	if ms.MatchedStudentID != "" && !ms.RecognitionError {
		out, err := grading.Grade(ms.Answers, exam.Key)
		if err != nil {
			slog.Error("grading failed", "page", ms.PageIndex, "exam_id", exam.ID, "error", err)
			page.Status = model.StatusGradingError
			page.Message = i18n.StatusMessage(ctx, page, "")
			return page
		}
		outcome = &out
		page.TotalScore = out.TotalScore
		page.MaxScore = out.MaxScore
		page.Percentage = out.Percentage
		page.WeakCategories = out.WeakCategories
	}

	page.Status = p.persist.Persist(ctx, ms, outcome, exam)
	page.Message = i18n.StatusMessage(ctx, page, ms.ErrorMessage)
	return page
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
