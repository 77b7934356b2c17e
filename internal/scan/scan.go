// Package scan runs a recognizer over a batch of pages, one page at a time.
package scan

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/omr"
)

// PageRecognizer recognises one page for an exam.
type PageRecognizer interface {
	RecognizePage(ctx context.Context, page model.PageImage, exam model.Exam) (model.RecognitionResult, error)
}

// ProgressFunc is called after each page with the number of pages done and
// the batch size.
type ProgressFunc func(current, total int)

// Coordinate adapts the coordinate recognizer and its sheet template.
type Coordinate struct {
	Recognizer *omr.Recognizer
	Geometry   model.BubbleGeometry
}

// RecognizePage samples page with the template. A template whose question
// count differs from the exam's is a geometry mismatch.
func (c Coordinate) RecognizePage(_ context.Context, page model.PageImage, exam model.Exam) (model.RecognitionResult, error) {
	if c.Geometry.TotalQuestions != exam.Key.TotalQuestions {
		return model.RecognitionResult{}, fmt.Errorf("%w: template %q has %d questions, exam has %d",
			omr.ErrGeometryMismatch, c.Geometry.Name, c.Geometry.TotalQuestions, exam.Key.TotalQuestions)
	}
	res, err := c.Recognizer.Recognize(page, c.Geometry)
	if err != nil {
		return model.RecognitionResult{}, err
	}
	res.PageIndex = page.Index
	return res, nil
}

// Orchestrator picks a recognizer per mode and drives a batch through it.
type Orchestrator struct {
	recognizers map[model.ScanMode]PageRecognizer
	pageTimeout time.Duration
}

// New creates an orchestrator. pageTimeout bounds each recognizer call; 0
// leaves calls unbounded beyond the caller's context.
func New(recognizers map[model.ScanMode]PageRecognizer, pageTimeout time.Duration) *Orchestrator {
	return &Orchestrator{recognizers: recognizers, pageTimeout: pageTimeout}
}

// Supports reports whether a recognizer is configured for mode.
func (o *Orchestrator) Supports(mode model.ScanMode) bool {
	_, ok := o.recognizers[mode]
	return ok
}

// ScanBatch recognises pages strictly in order, waiting for each page before
// starting the next. A failing page becomes a zero-filled result with
// RecognitionError set and the loop moves on. The returned slice holds one
// result per processed page in input order. Cancellation is checked before
// each page; when it fires the results gathered so far are returned together
// with the context error.
func (o *Orchestrator) ScanBatch(ctx context.Context, pages []model.PageImage, mode model.ScanMode, exam model.Exam, progress ProgressFunc) ([]model.RecognitionResult, error) {
	rec, ok := o.recognizers[mode]
	if !ok {
		return nil, fmt.Errorf("no recognizer for scan mode %q", mode)
	}

	total := exam.Key.TotalQuestions
	results := make([]model.RecognitionResult, 0, len(pages))
	for i := range pages {
		if err := ctx.Err(); err != nil {
			slog.Info("scan batch cancelled", "done", i, "total", len(pages))
			return results, err
		}

		res := o.scanPage(ctx, rec, pages[i], mode, exam)
		res.PageIndex = i
		if len(res.Answers) != total {
			res = model.FailedRecognition(i, total, mode,
				fmt.Sprintf("recognizer returned %d answers, want %d", len(res.Answers), total))
		}
		results = append(results, res)
		// Release the pixel buffer as soon as the page is recognised.
		pages[i].Gray, pages[i].Encoded = nil, nil

		if progress != nil {
			progress(i+1, len(pages))
		}
	}
	return results, nil
}

func (o *Orchestrator) scanPage(ctx context.Context, rec PageRecognizer, page model.PageImage, mode model.ScanMode, exam model.Exam) (res model.RecognitionResult) {
	total := exam.Key.TotalQuestions
	defer func() {
		if p := recover(); p != nil {
			slog.Error("recognizer panicked", "page", page.SourcePage, "panic", p)
			res = model.FailedRecognition(page.Index, total, mode, fmt.Sprintf("recognizer panic: %v", p))
		}
	}()

	if o.pageTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.pageTimeout)
		defer cancel()
	}

	res, err := rec.RecognizePage(ctx, page, exam)
	if err != nil {
		slog.Warn("page recognition failed", "page", page.SourcePage, "mode", mode, "error", err)
		return model.FailedRecognition(page.Index, total, mode, err.Error())
	}
	if res.RecognitionError {
		// Normalise whatever partial answers the recognizer left behind.
		return model.FailedRecognition(page.Index, total, mode, res.ErrorMessage)
	}
	res.Mode = mode
	return res
}
