package model

import (
	"context"
	"time"
)

// DefaultTrack is the subject-track code used when a sheet carries none.
const DefaultTrack = "default"

// ScanMode selects the recognizer used for a batch.
type ScanMode string

const (
	// ModeCoordinate samples bubble darkness at fixed template coordinates.
	ModeCoordinate ScanMode = "coordinate"
	// ModeVision delegates each page to a multimodal AI service.
	ModeVision ScanMode = "vision"
)

// IsValid reports whether m names a known scan mode.
func (m ScanMode) IsValid() bool {
	return m == ModeCoordinate || m == ModeVision
}

// ChoiceRegion is the circular pixel area sampled for one answer choice.
type ChoiceRegion struct {
	Choice  int     `json:"choice"`
	CenterX float64 `json:"center_x"`
	CenterY float64 `json:"center_y"`
	Radius  float64 `json:"radius"`
}

// BubbleGeometry describes a fixed-layout answer sheet. Questions[i] holds
// the choice regions of question i+1. Width and Height are the page size the
// coordinates were measured on.
type BubbleGeometry struct {
	Name           string           `json:"name"`
	Width          int              `json:"width"`
	Height         int              `json:"height"`
	TotalQuestions int              `json:"total_questions"`
	Questions      [][]ChoiceRegion `json:"questions"`
}

// PageImage is one rasterised answer-sheet page.
type PageImage struct {
	Index      int
	SourcePage int
	Width      int
	Height     int
	// Gray holds Width*Height luminance bytes, row-major.
	Gray []uint8
	// Encoded is the original JPEG/PNG buffer, kept for the vision path.
	Encoded []byte
	MIME    string
}

// RecognitionResult is what either recognizer produces for one page.
type RecognitionResult struct {
	PageIndex        int       `json:"page_index"`
	Mode             ScanMode  `json:"mode"`
	StudentName      string    `json:"student_name"`
	BirthDate        string    `json:"birth_date"`
	SelectedTrack    string    `json:"selected_track"`
	Answers          []int     `json:"answers"`
	Confidence       []float64 `json:"confidence,omitempty"`
	RecognitionError bool      `json:"recognition_error"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// FailedRecognition returns the result recorded for a page that could not be
// interpreted: every answer zero and the error flag set.
func FailedRecognition(pageIndex, totalQuestions int, mode ScanMode, msg string) RecognitionResult {
	return RecognitionResult{
		PageIndex:        pageIndex,
		Mode:             mode,
		SelectedTrack:    DefaultTrack,
		Answers:          make([]int, totalQuestions),
		RecognitionError: true,
		ErrorMessage:     msg,
	}
}

// RosterEntry is a student known to the academy.
type RosterEntry struct {
	StudentID   string `json:"student_id"`
	DisplayName string `json:"display_name"`
}

// MatchKind records how a scan was tied to a student.
type MatchKind string

const (
	MatchExact     MatchKind = "exact"
	MatchContains  MatchKind = "contains"
	MatchManual    MatchKind = "manual"
	MatchNone      MatchKind = "none"
	MatchAmbiguous MatchKind = "ambiguous"
)

// MatchedScan is a recognition result with the resolved student, if any.
// An empty MatchedStudentID means the page needs manual resolution.
type MatchedScan struct {
	RecognitionResult
	MatchedStudentID string    `json:"matched_student_id"`
	MatchKind        MatchKind `json:"match_kind"`
}

// AnswerKey is the grading configuration of an exam.
type AnswerKey struct {
	TotalQuestions int      `json:"total_questions"`
	CorrectAnswers []int    `json:"correct_answers"`
	PointValues    []int    `json:"point_values"`
	Categories     []string `json:"categories"`
}

// Exam is an answer key plus the metadata stored with each result.
type Exam struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Subject   string    `json:"subject"`
	Date      string    `json:"date"`
	Key       AnswerKey `json:"key"`
	CreatedAt time.Time `json:"created_at"`
}

// QuestionOutcome is the graded view of one question.
type QuestionOutcome struct {
	QuestionNum   int    `json:"question_num"`
	CorrectAnswer int    `json:"correct_answer"`
	StudentAnswer int    `json:"student_answer"`
	IsCorrect     bool   `json:"is_correct"`
	PointValue    int    `json:"point_value"`
	Category      string `json:"category"`
}

// CategoryStat accumulates results for one topic category.
type CategoryStat struct {
	Attempted    int `json:"attempted"`
	Correct      int `json:"correct"`
	TotalPoints  int `json:"total_points"`
	EarnedPoints int `json:"earned_points"`
}

// WeakCategory is a category whose correct rate fell below the weak threshold.
type WeakCategory struct {
	Category           string `json:"category"`
	CorrectRatePercent int    `json:"correct_rate_percent"`
}

// GradingOutcome is the result of grading one answer vector.
type GradingOutcome struct {
	TotalScore     int                     `json:"total_score"`
	MaxScore       int                     `json:"max_score"`
	Percentage     float64                 `json:"percentage"`
	PerQuestion    []QuestionOutcome       `json:"per_question"`
	CategoryStats  map[string]CategoryStat `json:"category_stats"`
	WeakCategories []WeakCategory          `json:"weak_categories"`
}

// SaveStatus is the per-page outcome reported back to the caller.
type SaveStatus string

const (
	StatusSuccess          SaveStatus = "success"
	StatusNotFound         SaveStatus = "not_found"
	StatusRecognitionError SaveStatus = "recognition_error"
	StatusPersistenceError SaveStatus = "persistence_error"
	// StatusGradingError marks a page whose grading hit an invariant
	// violation (malformed answer key).
	StatusGradingError SaveStatus = "grading_error"
)

// StudentResult is one graded result stored against a student.
type StudentResult struct {
	ID            int64          `json:"id"`
	StudentID     string         `json:"student_id"`
	ExamID        int64          `json:"exam_id"`
	ExamName      string         `json:"exam_name"`
	Subject       string         `json:"subject"`
	ExamDate      string         `json:"exam_date"`
	SelectedTrack string         `json:"selected_track"`
	Answers       []int          `json:"answers"`
	Outcome       GradingOutcome `json:"outcome"`
	GradedAt      time.Time      `json:"graded_at"`
}

// PageReport is what the caller sees for each page of a batch.
type PageReport struct {
	PageIndex        int            `json:"page_index"`
	SourcePage       int            `json:"source_page"`
	Status           SaveStatus     `json:"status"`
	Message          string         `json:"message"`
	StudentName      string         `json:"student_name,omitempty"`
	MatchedStudentID string         `json:"matched_student_id,omitempty"`
	MatchKind        MatchKind      `json:"match_kind"`
	TotalScore       int            `json:"total_score,omitempty"`
	MaxScore         int            `json:"max_score,omitempty"`
	Percentage       float64        `json:"percentage,omitempty"`
	WeakCategories   []WeakCategory `json:"weak_categories,omitempty"`
	Answers          []int          `json:"answers"`
}

// BatchReport aggregates the page reports of one scan session.
type BatchReport struct {
	BatchID    string       `json:"batch_id"`
	ExamID     int64        `json:"exam_id"`
	Mode       ScanMode     `json:"mode"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Pages      []PageReport `json:"pages"`
	Succeeded  int          `json:"succeeded"`
	Failed     int          `json:"failed"`
	Cancelled  bool         `json:"cancelled,omitempty"`
}

// Operator is an account allowed to call the grading API.
type Operator struct {
	ID           int64
	Username     string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
}

type operatorCtxKey struct{}

// ContextWithOperator stores the authenticated operator in the request context.
func ContextWithOperator(ctx context.Context, op *Operator) context.Context {
	return context.WithValue(ctx, operatorCtxKey{}, op)
}

// OperatorFromContext retrieves the authenticated operator from context, or nil.
func OperatorFromContext(ctx context.Context) *Operator {
	op, _ := ctx.Value(operatorCtxKey{}).(*Operator)
	return op
}
