package results

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
)

type fakeWriter struct {
	appended []model.StudentResult
	upserted []model.StudentResult
	err      error
}

func (f *fakeWriter) AppendResult(_ context.Context, r model.StudentResult) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.appended = append(f.appended, r)
	return int64(len(f.appended)), nil
}

func (f *fakeWriter) UpsertResult(_ context.Context, r model.StudentResult) (int64, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.upserted = append(f.upserted, r)
	return 1, nil
}

var testExam = model.Exam{ID: 7, Name: "Midterm", Subject: "English", Date: "2026-03-14"}

func matched(id string, recErr bool) model.MatchedScan {
	return model.MatchedScan{
		RecognitionResult: model.RecognitionResult{
			StudentName:      "Kim Min",
			SelectedTrack:    "B",
			Answers:          []int{1, 2, 3},
			RecognitionError: recErr,
		},
		MatchedStudentID: id,
	}
}

func TestPersistStatuses(t *testing.T) {
	outcome := &model.GradingOutcome{TotalScore: 4, MaxScore: 6, Percentage: 66.7}

	tests := []struct {
		name    string
		scan    model.MatchedScan
		outcome *model.GradingOutcome
		err     error
		want    model.SaveStatus
		writes  int
	}{
		{"unmatched", matched("", false), outcome, nil, model.StatusNotFound, 0},
		{"unmatched beats recognition error", matched("", true), outcome, nil, model.StatusNotFound, 0},
		{"recognition error", matched("s1", true), outcome, nil, model.StatusRecognitionError, 0},
		{"no outcome", matched("s1", false), nil, nil, model.StatusGradingError, 0},
		{"write failure", matched("s1", false), outcome, errors.New("disk full"), model.StatusPersistenceError, 0},
		{"success", matched("s1", false), outcome, nil, model.StatusSuccess, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := &fakeWriter{err: tt.err}
			got := New(w, ModeAppend).Persist(context.Background(), tt.scan, tt.outcome, testExam)
			if got != tt.want {
				t.Errorf("Persist = %s, want %s", got, tt.want)
			}
			if len(w.appended) != tt.writes {
				t.Errorf("expected %d writes, got %d", tt.writes, len(w.appended))
			}
		})
	}
}

func TestPersistRecord(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, "")
	fixed := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return fixed }

	outcome := &model.GradingOutcome{TotalScore: 4, MaxScore: 6}
	for i := 0; i < 2; i++ {
		if st := a.Persist(context.Background(), matched("s1", false), outcome, testExam); st != model.StatusSuccess {
			t.Fatalf("Persist = %s", st)
		}
	}
	if len(w.appended) != 2 {
		t.Fatalf("append mode should keep duplicates, got %d records", len(w.appended))
	}
	r := w.appended[0]
	if r.StudentID != "s1" || r.ExamID != 7 || r.ExamName != "Midterm" || r.SelectedTrack != "B" {
		t.Errorf("unexpected record: %+v", r)
	}
	if !r.GradedAt.Equal(fixed) || r.Outcome.TotalScore != 4 {
		t.Errorf("unexpected record: %+v", r)
	}
}

func TestPersistUpsertMode(t *testing.T) {
	w := &fakeWriter{}
	a := New(w, ModeUpsert)
	outcome := &model.GradingOutcome{TotalScore: 6, MaxScore: 6}
	if st := a.Persist(context.Background(), matched("s1", false), outcome, testExam); st != model.StatusSuccess {
		t.Fatalf("Persist = %s", st)
	}
	if len(w.upserted) != 1 || len(w.appended) != 0 {
		t.Errorf("expected one upsert, got %d upserts and %d appends", len(w.upserted), len(w.appended))
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeAppend, "append": ModeAppend, "upsert": ModeUpsert} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Errorf("ParseMode(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := ParseMode("replace"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
