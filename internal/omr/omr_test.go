package omr

import (
	"errors"
	"math"
	"testing"

	"github.com/pavelanni/omrgrade/internal/geometry"
	"github.com/pavelanni/omrgrade/internal/model"
)

func testGeometry() model.BubbleGeometry {
	return geometry.Grid(geometry.GridSpec{
		Name: "test", Width: 300, Height: 400, TotalQuestions: 6, Choices: 5,
		QuestionsPerColumn: 6, OriginX: 40, OriginY: 40,
		RowSpacing: 50, ChoiceSpacing: 40, Radius: 10,
	})
}

// blankPage renders a white page at the given scale of g.
func blankPage(g model.BubbleGeometry, scale float64) model.PageImage {
	w := int(math.Round(float64(g.Width) * scale))
	h := int(math.Round(float64(g.Height) * scale))
	gray := make([]uint8, w*h)
	for i := range gray {
		gray[i] = 255
	}
	return model.PageImage{Width: w, Height: h, Gray: gray}
}

// fill paints the bubble of (question, choice) with the given luminance.
func fill(page model.PageImage, g model.BubbleGeometry, question, choice int, lum uint8, scale float64) {
	reg := g.Questions[question-1][choice-1]
	cx, cy, r := reg.CenterX*scale, reg.CenterY*scale, reg.Radius*scale
	for y := 0; y < page.Height; y++ {
		for x := 0; x < page.Width; x++ {
			dx, dy := float64(x)+0.5-cx, float64(y)+0.5-cy
			if dx*dx+dy*dy <= r*r {
				page.Gray[y*page.Width+x] = lum
			}
		}
	}
}

func TestRecognizeMarks(t *testing.T) {
	g := testGeometry()
	page := blankPage(g, 1)
	fill(page, g, 1, 2, 0, 1)
	fill(page, g, 2, 4, 30, 1)
	fill(page, g, 3, 1, 0, 1)
	fill(page, g, 3, 5, 200, 1) // faint smudge
	// question 4 left blank
	fill(page, g, 5, 1, 0, 1)
	fill(page, g, 5, 3, 10, 1) // double mark
	fill(page, g, 6, 5, 180, 1) // too light to count

	res, err := New(0, 0).Recognize(page, g)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}

	want := []int{2, 4, 1, 0, 0, 0}
	if len(res.Answers) != len(want) {
		t.Fatalf("answers length %d, want %d", len(res.Answers), len(want))
	}
	for i, w := range want {
		if res.Answers[i] != w {
			t.Errorf("question %d: got %d, want %d", i+1, res.Answers[i], w)
		}
	}

	if res.Confidence[0] < 0.9 {
		t.Errorf("clean mark confidence = %.2f, want >= 0.9", res.Confidence[0])
	}
	if res.Confidence[4] > 0.2 {
		t.Errorf("double mark confidence = %.2f, want low", res.Confidence[4])
	}
	if res.StudentName != "" || res.BirthDate != "" {
		t.Error("coordinate recognizer must not extract identity")
	}
	if res.SelectedTrack != model.DefaultTrack || res.Mode != model.ModeCoordinate {
		t.Errorf("unexpected track/mode %q/%q", res.SelectedTrack, res.Mode)
	}
	if res.RecognitionError {
		t.Error("unexpected recognition error")
	}
}

func TestRecognizeScaledPage(t *testing.T) {
	g := testGeometry()
	const scale = 2.0
	page := blankPage(g, scale)
	fill(page, g, 1, 3, 0, scale)
	fill(page, g, 6, 1, 0, scale)

	res, err := New(0, 0).Recognize(page, g)
	if err != nil {
		t.Fatalf("Recognize: %v", err)
	}
	if res.Answers[0] != 3 || res.Answers[5] != 1 {
		t.Errorf("unexpected answers %v", res.Answers)
	}
}

func TestRecognizeGeometryMismatch(t *testing.T) {
	g := testGeometry()

	tests := []struct {
		name string
		page model.PageImage
		geom model.BubbleGeometry
	}{
		{"short buffer", model.PageImage{Width: 300, Height: 400, Gray: make([]uint8, 10)}, g},
		{"wrong aspect", blankPage(model.BubbleGeometry{Width: 400, Height: 400}, 1), g},
		{"region outside", blankPage(g, 1), func() model.BubbleGeometry {
			bad := testGeometry()
			bad.Questions[2][4].CenterX = 295
			return bad
		}()},
		{"count mismatch", blankPage(g, 1), func() model.BubbleGeometry {
			bad := testGeometry()
			bad.TotalQuestions = 7
			return bad
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(0, 0).Recognize(tt.page, tt.geom)
			if !errors.Is(err, ErrGeometryMismatch) {
				t.Errorf("expected ErrGeometryMismatch, got %v", err)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name     string
		scores   []float64
		wantIdx  int
		wantConf float64
	}{
		{"clear mark", []float64{0.1, 0.9, 0.1}, 1, 8.0 / 9.0},
		{"nothing dark", []float64{0.1, 0.2, 0.1}, -1, 0.5},
		{"all white", []float64{0, 0, 0}, -1, 0},
		{"within margin", []float64{0.8, 0.7, 0.1}, -1, 0.125},
		{"tie", []float64{0.9, 0.9}, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			idx, conf := decide(tt.scores, DefaultThreshold, DefaultMargin)
			if idx != tt.wantIdx {
				t.Errorf("index = %d, want %d", idx, tt.wantIdx)
			}
			if math.Abs(conf-tt.wantConf) > 1e-9 {
				t.Errorf("confidence = %.4f, want %.4f", conf, tt.wantConf)
			}
		})
	}
}
