package model

import "time"

// ResultsExport is the top-level JSON structure written by `omrgrade export`.
type ResultsExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	ExamID     int64           `json:"exam_id,omitempty"`
	Exams      []Exam          `json:"exams"`
	Results    []ExportedEntry `json:"results"`
}

// ExportedEntry pairs a stored result with the student's display name.
type ExportedEntry struct {
	DisplayName string `json:"display_name"`
	StudentResult
}
