// Package geometry describes where the answer bubbles of a fixed-layout
// sheet sit on the rendered page.
package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ErrInvalid is returned when a template is internally inconsistent.
var ErrInvalid = errors.New("invalid bubble geometry")

// GridSpec lays questions out column by column, top to bottom, with the
// choices of each question running left to right.
type GridSpec struct {
	Name               string
	Width              int
	Height             int
	TotalQuestions     int
	Choices            int
	QuestionsPerColumn int
	OriginX            float64 // centre of choice 1 of question 1
	OriginY            float64
	ColumnSpacing      float64
	RowSpacing         float64
	ChoiceSpacing      float64
	Radius             float64
}

// DefaultSpec is the academy's 45-question, 5-choice sheet rendered at the
// standard 2x scale (A4, 1190x1684 px).
var DefaultSpec = GridSpec{
	Name:               "academy-45x5",
	Width:              1190,
	Height:             1684,
	TotalQuestions:     45,
	Choices:            5,
	QuestionsPerColumn: 15,
	OriginX:            212,
	OriginY:            520,
	ColumnSpacing:      330,
	RowSpacing:         70,
	ChoiceSpacing:      42,
	Radius:             13,
}

// Grid builds the geometry described by gs.
func Grid(gs GridSpec) model.BubbleGeometry {
	g := model.BubbleGeometry{
		Name:           gs.Name,
		Width:          gs.Width,
		Height:         gs.Height,
		TotalQuestions: gs.TotalQuestions,
		Questions:      make([][]model.ChoiceRegion, gs.TotalQuestions),
	}
	perCol := gs.QuestionsPerColumn
	if perCol <= 0 {
		perCol = gs.TotalQuestions
	}
	for q := 0; q < gs.TotalQuestions; q++ {
		col, row := q/perCol, q%perCol
		y := gs.OriginY + float64(row)*gs.RowSpacing
		regions := make([]model.ChoiceRegion, gs.Choices)
		for c := 0; c < gs.Choices; c++ {
			regions[c] = model.ChoiceRegion{
				Choice:  c + 1,
				CenterX: gs.OriginX + float64(col)*gs.ColumnSpacing + float64(c)*gs.ChoiceSpacing,
				CenterY: y,
				Radius:  gs.Radius,
			}
		}
		g.Questions[q] = regions
	}
	return g
}

// Default returns the geometry of DefaultSpec.
func Default() model.BubbleGeometry {
	return Grid(DefaultSpec)
}

// Parse decodes a JSON template and validates it.
func Parse(data []byte) (model.BubbleGeometry, error) {
	var g model.BubbleGeometry
	if err := json.Unmarshal(data, &g); err != nil {
		return model.BubbleGeometry{}, fmt.Errorf("decode geometry: %w", err)
	}
	if err := Validate(g); err != nil {
		return model.BubbleGeometry{}, err
	}
	return g, nil
}

// Load reads a template file. An empty path yields Default().
func Load(path string) (model.BubbleGeometry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return model.BubbleGeometry{}, fmt.Errorf("read geometry %s: %w", path, err)
	}
	return Parse(data)
}

// Validate checks that g can be sampled: one entry per question, at least two
// distinct positive choices per question and every circle inside the page.
func Validate(g model.BubbleGeometry) error {
	if g.Width <= 0 || g.Height <= 0 {
		return fmt.Errorf("%w: page size %dx%d", ErrInvalid, g.Width, g.Height)
	}
	if g.TotalQuestions <= 0 {
		return fmt.Errorf("%w: no questions", ErrInvalid)
	}
	if len(g.Questions) != g.TotalQuestions {
		return fmt.Errorf("%w: %d question entries for %d questions", ErrInvalid, len(g.Questions), g.TotalQuestions)
	}
	for i, regions := range g.Questions {
		if len(regions) < 2 {
			return fmt.Errorf("%w: question %d has %d choices", ErrInvalid, i+1, len(regions))
		}
		seen := make(map[int]bool, len(regions))
		for _, r := range regions {
			if r.Choice <= 0 || seen[r.Choice] {
				return fmt.Errorf("%w: question %d has bad choice index %d", ErrInvalid, i+1, r.Choice)
			}
			seen[r.Choice] = true
			if r.Radius <= 0 {
				return fmt.Errorf("%w: question %d choice %d has radius %.1f", ErrInvalid, i+1, r.Choice, r.Radius)
			}
			if r.CenterX-r.Radius < 0 || r.CenterY-r.Radius < 0 ||
				r.CenterX+r.Radius > float64(g.Width) || r.CenterY+r.Radius > float64(g.Height) {
				return fmt.Errorf("%w: question %d choice %d lies outside the page", ErrInvalid, i+1, r.Choice)
			}
		}
	}
	return nil
}
