package i18n

import (
	"context"
	"strconv"

	"github.com/pavelanni/omrgrade/internal/model"
)

// StatusMessage renders the operator message for a page report. reason is
// the recognizer's error text, shown for unreadable sheets.
func StatusMessage(ctx context.Context, p model.PageReport, reason string) string {
	switch p.Status {
	case model.StatusSuccess:
		return Td(ctx, "StatusSuccess", map[string]any{
			"Score":   p.TotalScore,
			"Max":     p.MaxScore,
			"Percent": strconv.FormatFloat(p.Percentage, 'f', 1, 64),
		})
	case model.StatusNotFound:
		switch {
		case p.MatchKind == model.MatchAmbiguous:
			return Td(ctx, "StatusAmbiguous", map[string]any{"Name": p.StudentName})
		case p.StudentName == "":
			return T(ctx, "StatusNotFoundNoName")
		}
		return Td(ctx, "StatusNotFound", map[string]any{"Name": p.StudentName})
	case model.StatusRecognitionError:
		return Td(ctx, "StatusRecognitionError", map[string]any{"Reason": reason})
	case model.StatusPersistenceError:
		return T(ctx, "StatusPersistenceError")
	case model.StatusGradingError:
		return T(ctx, "StatusGradingError")
	}
	return string(p.Status)
}

// BatchSummary renders the one-line outcome of a batch.
func BatchSummary(ctx context.Context, b model.BatchReport) string {
	s := Tp(ctx, "PagesGraded", b.Succeeded)
	if b.Failed > 0 {
		s += ", " + Tp(ctx, "PagesFailed", b.Failed)
	}
	if b.Cancelled {
		s += ". " + T(ctx, "BatchCancelled")
	}
	return s
}
