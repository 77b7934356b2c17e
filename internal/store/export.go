package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ExportResults builds the export document for one exam, or for every exam
// when examID is 0.
func (s *Store) ExportResults(ctx context.Context, examID int64) (model.ResultsExport, error) {
	var exams []model.Exam
	if examID != 0 {
		e, err := s.GetExam(ctx, examID)
		if err != nil {
			return model.ResultsExport{}, fmt.Errorf("get exam %d: %w", examID, err)
		}
		exams = []model.Exam{e}
	} else {
		all, err := s.ListExams(ctx)
		if err != nil {
			return model.ResultsExport{}, fmt.Errorf("list exams: %w", err)
		}
		exams = all
	}

	results, err := s.ListExamResults(ctx, examID)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list results: %w", err)
	}

	roster, err := s.ListRoster(ctx)
	if err != nil {
		return model.ResultsExport{}, fmt.Errorf("list roster: %w", err)
	}
	names := make(map[string]string, len(roster))
	for _, e := range roster {
		names[e.StudentID] = e.DisplayName
	}

	entries := make([]model.ExportedEntry, 0, len(results))
	for _, r := range results {
		entries = append(entries, model.ExportedEntry{
			DisplayName:   names[r.StudentID],
			StudentResult: r,
		})
	}

	return model.ResultsExport{
		ExportedAt: time.Now().UTC(),
		ExamID:     examID,
		Exams:      exams,
		Results:    entries,
	}, nil
}
