package grading

import (
	"errors"
	"math/rand/v2"
	"reflect"
	"testing"

	"github.com/pavelanni/omrgrade/internal/model"
)

func sampleKey() model.AnswerKey {
	return model.AnswerKey{
		TotalQuestions: 3,
		CorrectAnswers: []int{2, 4, 1},
		PointValues:    []int{2, 2, 2},
		Categories:     []string{"A", "A", "B"},
	}
}

func TestGradePerfectSheet(t *testing.T) {
	out, err := Grade([]int{2, 4, 1}, sampleKey())
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if out.TotalScore != 6 || out.MaxScore != 6 || out.Percentage != 100.0 {
		t.Errorf("score %d/%d (%.1f%%), want 6/6 (100.0%%)", out.TotalScore, out.MaxScore, out.Percentage)
	}
	wantStats := map[string]model.CategoryStat{
		"A": {Attempted: 2, Correct: 2, TotalPoints: 4, EarnedPoints: 4},
		"B": {Attempted: 1, Correct: 1, TotalPoints: 2, EarnedPoints: 2},
	}
	if !reflect.DeepEqual(out.CategoryStats, wantStats) {
		t.Errorf("category stats = %+v, want %+v", out.CategoryStats, wantStats)
	}
	if len(out.WeakCategories) != 0 {
		t.Errorf("expected no weak categories, got %+v", out.WeakCategories)
	}
	for i, q := range out.PerQuestion {
		if q.QuestionNum != i+1 || !q.IsCorrect {
			t.Errorf("question %d: %+v", i+1, q)
		}
	}
}

func TestGradePartialSheet(t *testing.T) {
	out, err := Grade([]int{2, 0, 2}, sampleKey())
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if out.TotalScore != 2 || out.Percentage != 33.3 {
		t.Errorf("score %d (%.1f%%), want 2 (33.3%%)", out.TotalScore, out.Percentage)
	}
	a, b := out.CategoryStats["A"], out.CategoryStats["B"]
	if a.Attempted != 2 || a.Correct != 1 || a.EarnedPoints != 2 {
		t.Errorf("category A = %+v", a)
	}
	if b.Attempted != 1 || b.Correct != 0 || b.EarnedPoints != 0 {
		t.Errorf("category B = %+v", b)
	}
	want := []model.WeakCategory{
		{Category: "B", CorrectRatePercent: 0},
		{Category: "A", CorrectRatePercent: 50},
	}
	if !reflect.DeepEqual(out.WeakCategories, want) {
		t.Errorf("weak categories = %+v, want %+v", out.WeakCategories, want)
	}
	q2 := out.PerQuestion[1]
	if q2.IsCorrect || q2.StudentAnswer != 0 || q2.CorrectAnswer != 4 || q2.Category != "A" {
		t.Errorf("question 2 = %+v", q2)
	}
}

func TestGradeInvariantViolations(t *testing.T) {
	tests := []struct {
		name    string
		answers []int
		key     model.AnswerKey
		want    error
	}{
		{"zero max score", []int{1, 2}, model.AnswerKey{
			TotalQuestions: 2, CorrectAnswers: []int{1, 2}, PointValues: []int{0, 0}, Categories: []string{"A", "A"},
		}, ErrZeroMaxScore},
		{"short answers", []int{1}, sampleKey(), ErrAnswerCount},
		{"long answers", []int{1, 2, 3, 4}, sampleKey(), ErrAnswerCount},
		{"key slices disagree", []int{1, 2, 3}, model.AnswerKey{
			TotalQuestions: 3, CorrectAnswers: []int{1, 2, 3}, PointValues: []int{1, 1}, Categories: []string{"A", "A", "A"},
		}, ErrMalformedKey},
		{"negative points", []int{1}, model.AnswerKey{
			TotalQuestions: 1, CorrectAnswers: []int{1}, PointValues: []int{-1}, Categories: []string{"A"},
		}, ErrMalformedKey},
		{"no questions", nil, model.AnswerKey{}, ErrMalformedKey},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Grade(tt.answers, tt.key)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrInvariantViolation) {
				t.Errorf("error should wrap ErrInvariantViolation: %v", err)
			}
		})
	}
}

func TestUncategorisedQuestions(t *testing.T) {
	key := model.AnswerKey{
		TotalQuestions: 3,
		CorrectAnswers: []int{1, 1, 1},
		PointValues:    []int{1, 1, 1},
		Categories:     []string{"", "grammar", ""},
	}
	out, err := Grade([]int{1, 0, 1}, key)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	if len(out.CategoryStats) != 1 {
		t.Errorf("expected only the grammar category, got %+v", out.CategoryStats)
	}
	if out.TotalScore != 2 || out.MaxScore != 3 {
		t.Errorf("uncategorised questions still count toward score: %d/%d", out.TotalScore, out.MaxScore)
	}
}

func TestWeakThresholdBoundary(t *testing.T) {
	// 7 of 10 correct is exactly 70% and not weak; 6 of 10 is.
	key := model.AnswerKey{TotalQuestions: 20}
	answers := make([]int, 20)
	for i := 0; i < 20; i++ {
		key.CorrectAnswers = append(key.CorrectAnswers, 1)
		key.PointValues = append(key.PointValues, 1)
		if i < 10 {
			key.Categories = append(key.Categories, "seventy")
		} else {
			key.Categories = append(key.Categories, "sixty")
		}
	}
	for i := 0; i < 7; i++ {
		answers[i] = 1
	}
	for i := 10; i < 16; i++ {
		answers[i] = 1
	}

	out, err := Grade(answers, key)
	if err != nil {
		t.Fatalf("Grade: %v", err)
	}
	want := []model.WeakCategory{{Category: "sixty", CorrectRatePercent: 60}}
	if !reflect.DeepEqual(out.WeakCategories, want) {
		t.Errorf("weak categories = %+v, want %+v", out.WeakCategories, want)
	}
}

func randomCase(r *rand.Rand) ([]int, model.AnswerKey) {
	n := 1 + r.IntN(60)
	cats := []string{"vocab", "grammar", "reading", "listening", ""}
	key := model.AnswerKey{TotalQuestions: n}
	answers := make([]int, n)
	for i := 0; i < n; i++ {
		key.CorrectAnswers = append(key.CorrectAnswers, 1+r.IntN(5))
		key.PointValues = append(key.PointValues, 1+r.IntN(4))
		key.Categories = append(key.Categories, cats[r.IntN(len(cats))])
		answers[i] = r.IntN(6)
	}
	return answers, key
}

func TestGradeProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(42, 7))
	for iter := 0; iter < 500; iter++ {
		answers, key := randomCase(r)

		first, err := Grade(answers, key)
		if err != nil {
			t.Fatalf("case %d: Grade: %v", iter, err)
		}
		second, err := Grade(answers, key)
		if err != nil {
			t.Fatalf("case %d: second Grade: %v", iter, err)
		}
		if !reflect.DeepEqual(first, second) {
			t.Fatalf("case %d: grading is not deterministic", iter)
		}

		if first.TotalScore < 0 || first.TotalScore > first.MaxScore {
			t.Fatalf("case %d: score %d outside [0,%d]", iter, first.TotalScore, first.MaxScore)
		}
		if first.Percentage < 0 || first.Percentage > 100 {
			t.Fatalf("case %d: percentage %.1f outside [0,100]", iter, first.Percentage)
		}

		attempted := make(map[string]bool)
		for _, c := range key.Categories {
			if c != "" {
				attempted[c] = true
			}
		}
		if len(attempted) != len(first.CategoryStats) {
			t.Fatalf("case %d: stats keys %v, want categories %v", iter, first.CategoryStats, attempted)
		}
		for c := range first.CategoryStats {
			if !attempted[c] {
				t.Fatalf("case %d: unexpected category %q", iter, c)
			}
		}

		prev := -1
		for _, w := range first.WeakCategories {
			if w.CorrectRatePercent >= WeakThresholdPercent {
				t.Fatalf("case %d: %q at %d%% listed as weak", iter, w.Category, w.CorrectRatePercent)
			}
			if w.CorrectRatePercent < prev {
				t.Fatalf("case %d: weak categories not sorted: %+v", iter, first.WeakCategories)
			}
			prev = w.CorrectRatePercent
		}
		listed := make(map[string]bool)
		for _, w := range first.WeakCategories {
			listed[w.Category] = true
		}
		for c, st := range first.CategoryStats {
			if CorrectRatePercent(st) < WeakThresholdPercent && !listed[c] {
				t.Fatalf("case %d: weak category %q missing", iter, c)
			}
		}
	}
}

func TestCategories(t *testing.T) {
	key := model.AnswerKey{Categories: []string{"B", "A", "", "B", "C"}}
	got := Categories(key)
	want := []string{"B", "A", "C"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Categories = %v, want %v", got, want)
	}
}
