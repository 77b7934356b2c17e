// Package omr reads filled bubbles off a rasterised answer sheet by sampling
// pixel darkness at the coordinates given by the sheet's bubble geometry.
package omr

import (
	"errors"
	"fmt"
	"math"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ErrGeometryMismatch is returned when a page cannot be sampled with the
// given template: wrong aspect ratio, malformed pixel buffer, or a region
// falling outside the image.
var ErrGeometryMismatch = errors.New("geometry does not match page image")

const (
	// DefaultThreshold is the mean darkness a bubble needs to count as filled.
	DefaultThreshold = 0.45
	// DefaultMargin is the lead the darkest bubble needs over the runner-up.
	DefaultMargin = 0.15

	// aspectTolerance is the relative difference allowed between the
	// horizontal and vertical scale factors.
	aspectTolerance = 0.02
)

// Recognizer is the coordinate-sampling recognizer. The zero value uses the
// default threshold and margin.
type Recognizer struct {
	Threshold float64
	Margin    float64
}

// New creates a recognizer; non-positive values fall back to the defaults.
func New(threshold, margin float64) *Recognizer {
	return &Recognizer{Threshold: threshold, Margin: margin}
}

func (r *Recognizer) params() (float64, float64) {
	th, mg := r.Threshold, r.Margin
	if th <= 0 {
		th = DefaultThreshold
	}
	if mg <= 0 {
		mg = DefaultMargin
	}
	return th, mg
}

// Recognize decides, for every question in geom, which choice is marked on
// page. Name and birth date are left empty; identity for this path comes from
// an operator assignment downstream.
func (r *Recognizer) Recognize(page model.PageImage, geom model.BubbleGeometry) (model.RecognitionResult, error) {
	if page.Width <= 0 || page.Height <= 0 || len(page.Gray) != page.Width*page.Height {
		return model.RecognitionResult{}, fmt.Errorf("%w: pixel buffer of %d bytes for %dx%d page",
			ErrGeometryMismatch, len(page.Gray), page.Width, page.Height)
	}
	if geom.Width <= 0 || geom.Height <= 0 || len(geom.Questions) != geom.TotalQuestions {
		return model.RecognitionResult{}, fmt.Errorf("%w: malformed template %q", ErrGeometryMismatch, geom.Name)
	}

	sx := float64(page.Width) / float64(geom.Width)
	sy := float64(page.Height) / float64(geom.Height)
	if math.Abs(sx-sy)/math.Max(sx, sy) > aspectTolerance {
		return model.RecognitionResult{}, fmt.Errorf("%w: page %dx%d vs template %dx%d",
			ErrGeometryMismatch, page.Width, page.Height, geom.Width, geom.Height)
	}
	scale := (sx + sy) / 2

	threshold, margin := r.params()
	res := model.RecognitionResult{
		PageIndex:     page.Index,
		Mode:          model.ModeCoordinate,
		SelectedTrack: model.DefaultTrack,
		Answers:       make([]int, geom.TotalQuestions),
		Confidence:    make([]float64, geom.TotalQuestions),
	}

	for qi, regions := range geom.Questions {
		scores := make([]float64, len(regions))
		for ci, reg := range regions {
			d, err := darkness(page, reg.CenterX*sx, reg.CenterY*sy, reg.Radius*scale)
			if err != nil {
				return model.RecognitionResult{}, fmt.Errorf("question %d choice %d: %w", qi+1, reg.Choice, err)
			}
			scores[ci] = d
		}
		best, conf := decide(scores, threshold, margin)
		if best >= 0 {
			res.Answers[qi] = regions[best].Choice
		}
		res.Confidence[qi] = conf
	}

	return res, nil
}

// decide returns the index of the marked region (-1 for none) and the
// confidence of the decision: the separation between the two darkest
// regions relative to the darkest, clamped to [0,1].
func decide(scores []float64, threshold, margin float64) (int, float64) {
	bestIdx := -1
	best, second := 0.0, 0.0
	for i, s := range scores {
		switch {
		case bestIdx < 0 || s > best:
			second = best
			best, bestIdx = s, i
		case s > second:
			second = s
		}
	}
	if bestIdx < 0 || best <= 0 {
		return -1, 0
	}

	conf := clamp01((best - second) / best)
	if best < threshold {
		return -1, conf
	}
	if best-second < margin {
		// Double mark or a smudge next to the real answer.
		return -1, conf
	}
	return bestIdx, conf
}

// darkness is the mean inverted luminance inside the circle at (cx, cy).
func darkness(page model.PageImage, cx, cy, radius float64) (float64, error) {
	if radius <= 0 {
		return 0, fmt.Errorf("%w: radius %.2f", ErrGeometryMismatch, radius)
	}
	x0 := int(math.Floor(cx - radius))
	x1 := int(math.Ceil(cx + radius))
	y0 := int(math.Floor(cy - radius))
	y1 := int(math.Ceil(cy + radius))
	if x0 < 0 || y0 < 0 || x1 > page.Width || y1 > page.Height {
		return 0, fmt.Errorf("%w: region (%.0f,%.0f r=%.1f) outside %dx%d page",
			ErrGeometryMismatch, cx, cy, radius, page.Width, page.Height)
	}

	r2 := radius * radius
	var sum, n int
	for y := y0; y < y1; y++ {
		dy := float64(y) + 0.5 - cy
		row := page.Gray[y*page.Width:]
		for x := x0; x < x1; x++ {
			dx := float64(x) + 0.5 - cx
			if dx*dx+dy*dy > r2 {
				continue
			}
			sum += 255 - int(row[x])
			n++
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: empty region at (%.0f,%.0f)", ErrGeometryMismatch, cx, cy)
	}
	return float64(sum) / float64(n*255), nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
