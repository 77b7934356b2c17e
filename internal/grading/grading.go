// Package grading scores an answer vector against an exam's answer key and
// derives per-category statistics.
package grading

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/pavelanni/omrgrade/internal/model"
)

// WeakThresholdPercent is the correct rate below which a category is weak.
const WeakThresholdPercent = 70

var (
	// ErrInvariantViolation is wrapped by every grading fault. These signal a
	// malformed answer key or a corrupt answer vector, never a scan artifact.
	ErrInvariantViolation = errors.New("grading invariant violation")

	ErrZeroMaxScore = fmt.Errorf("%w: answer key has zero max score", ErrInvariantViolation)
	ErrAnswerCount  = fmt.Errorf("%w: answer count does not match key", ErrInvariantViolation)
	ErrMalformedKey = fmt.Errorf("%w: malformed answer key", ErrInvariantViolation)
)

// ValidateKey checks that every per-question slice of key has exactly
// TotalQuestions entries and that the key can produce a non-zero score.
func ValidateKey(key model.AnswerKey) error {
	n := key.TotalQuestions
	if n <= 0 {
		return fmt.Errorf("%w: %d questions", ErrMalformedKey, n)
	}
	if len(key.CorrectAnswers) != n || len(key.PointValues) != n || len(key.Categories) != n {
		return fmt.Errorf("%w: %d questions but %d answers, %d point values, %d categories",
			ErrMalformedKey, n, len(key.CorrectAnswers), len(key.PointValues), len(key.Categories))
	}
	maxScore := 0
	for i, p := range key.PointValues {
		if p < 0 {
			return fmt.Errorf("%w: question %d has negative point value %d", ErrMalformedKey, i+1, p)
		}
		maxScore += p
	}
	if maxScore == 0 {
		return ErrZeroMaxScore
	}
	return nil
}

// Grade compares answers with key. It is a pure function of its inputs.
func Grade(answers []int, key model.AnswerKey) (model.GradingOutcome, error) {
	if err := ValidateKey(key); err != nil {
		return model.GradingOutcome{}, err
	}
	if len(answers) != key.TotalQuestions {
		return model.GradingOutcome{}, fmt.Errorf("%w: got %d, want %d", ErrAnswerCount, len(answers), key.TotalQuestions)
	}

	out := model.GradingOutcome{
		PerQuestion:    make([]model.QuestionOutcome, key.TotalQuestions),
		CategoryStats:  make(map[string]model.CategoryStat),
		WeakCategories: []model.WeakCategory{},
	}

	for i, ans := range answers {
		correct := key.CorrectAnswers[i]
		points := key.PointValues[i]
		cat := key.Categories[i]
		isCorrect := ans == correct

		out.MaxScore += points
		if isCorrect {
			out.TotalScore += points
		}
		out.PerQuestion[i] = model.QuestionOutcome{
			QuestionNum:   i + 1,
			CorrectAnswer: correct,
			StudentAnswer: ans,
			IsCorrect:     isCorrect,
			PointValue:    points,
			Category:      cat,
		}

		if cat == "" {
			continue
		}
		st := out.CategoryStats[cat]
		st.Attempted++
		st.TotalPoints += points
		if isCorrect {
			st.Correct++
			st.EarnedPoints += points
		}
		out.CategoryStats[cat] = st
	}

	out.Percentage = math.Round(float64(out.TotalScore)/float64(out.MaxScore)*1000) / 10
	out.WeakCategories = weakCategories(out.CategoryStats)
	return out, nil
}

// weakCategories lists categories whose rounded correct rate is below the
// threshold, weakest first and by name among equal rates.
func weakCategories(stats map[string]model.CategoryStat) []model.WeakCategory {
	weak := []model.WeakCategory{}
	for cat, st := range stats {
		if st.Attempted == 0 {
			continue
		}
		rate := CorrectRatePercent(st)
		if rate < WeakThresholdPercent {
			weak = append(weak, model.WeakCategory{Category: cat, CorrectRatePercent: rate})
		}
	}
	sort.Slice(weak, func(i, j int) bool {
		if weak[i].CorrectRatePercent != weak[j].CorrectRatePercent {
			return weak[i].CorrectRatePercent < weak[j].CorrectRatePercent
		}
		return weak[i].Category < weak[j].Category
	})
	return weak
}

// CorrectRatePercent is round(correct/attempted*100); 0 when nothing was
// attempted.
func CorrectRatePercent(st model.CategoryStat) int {
	if st.Attempted == 0 {
		return 0
	}
	return int(math.Round(float64(st.Correct) / float64(st.Attempted) * 100))
}

// Categories returns the distinct non-empty categories of key in question
// order, for stable display.
func Categories(key model.AnswerKey) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range key.Categories {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}
