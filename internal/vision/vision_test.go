package vision

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pavelanni/omrgrade/internal/model"
)

type fakeClient struct {
	reply string
	err   error
	delay time.Duration
	calls int
	last  Request
}

func (f *fakeClient) Name() string { return "fake" }

func (f *fakeClient) Complete(ctx context.Context, req Request) (string, error) {
	f.calls++
	f.last = req
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.reply, f.err
}

func testExam(total int) model.Exam {
	return model.Exam{ID: 1, Name: "Mock Test 3", Key: model.AnswerKey{TotalQuestions: total}}
}

func testPage() model.PageImage {
	return model.PageImage{Index: 2, SourcePage: 3, Width: 4, Height: 4, Gray: make([]uint8, 16)}
}

func TestParseReply(t *testing.T) {
	tests := []struct {
		name      string
		text      string
		total     int
		wantErr   bool
		wantName  string
		wantTrack string
		want      []int
	}{
		{
			name:      "plain object",
			text:      `{"studentName":"Kim Min","birthDate":"20080315","selectedSubject":"B","answers":[1,2,3]}`,
			total:     3,
			wantName:  "Kim Min",
			wantTrack: "B",
			want:      []int{1, 2, 3},
		},
		{
			name:      "fenced with prose",
			text:      "Here is the result:\n```json\n{\"studentName\": \"Lee\", \"answers\": [4, 5]}\n```\nDone.",
			total:     2,
			wantName:  "Lee",
			wantTrack: model.DefaultTrack,
			want:      []int{4, 5},
		},
		{
			name:      "short answers padded",
			text:      `{"studentName":"","answers":[2]}`,
			total:     4,
			wantTrack: model.DefaultTrack,
			want:      []int{2, 0, 0, 0},
		},
		{
			name:      "long answers truncated",
			text:      `{"answers":[1,2,3,4,5]}`,
			total:     3,
			wantTrack: model.DefaultTrack,
			want:      []int{1, 2, 3},
		},
		{
			name:      "strings nulls and junk values",
			text:      `{"answers":["3", null, -1, 12, 2.5, "x", 4]}`,
			total:     7,
			wantTrack: model.DefaultTrack,
			want:      []int{3, 0, 0, 0, 0, 0, 4},
		},
		{
			name:      "skips object without answers",
			text:      `note {"page": 1} then {"studentName": "Park", "answers": [1]}`,
			total:     1,
			wantName:  "Park",
			wantTrack: model.DefaultTrack,
			want:      []int{1},
		},
		{
			name:      "brace inside string",
			text:      `{"studentName":"a}b","answers":[2]}`,
			total:     1,
			wantName:  "a}b",
			wantTrack: model.DefaultTrack,
			want:      []int{2},
		},
		{name: "no json", text: "I cannot read this sheet.", total: 3, wantErr: true, want: []int{0, 0, 0}},
		{name: "truncated json", text: `{"answers":[1,2`, total: 2, wantErr: true, want: []int{0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := ParseReply(tt.text, tt.total)
			if tt.wantErr {
				if !errors.Is(err, ErrNoJSON) {
					t.Fatalf("expected ErrNoJSON, got %v", err)
				}
				if !res.RecognitionError {
					t.Error("expected RecognitionError on parse failure")
				}
			} else if err != nil {
				t.Fatalf("ParseReply: %v", err)
			}
			if len(res.Answers) != tt.total {
				t.Fatalf("answers length %d, want %d", len(res.Answers), tt.total)
			}
			for i := range tt.want {
				if res.Answers[i] != tt.want[i] {
					t.Errorf("answers = %v, want %v", res.Answers, tt.want)
					break
				}
			}
			if !tt.wantErr {
				if res.StudentName != tt.wantName {
					t.Errorf("name = %q, want %q", res.StudentName, tt.wantName)
				}
				if res.SelectedTrack != tt.wantTrack {
					t.Errorf("track = %q, want %q", res.SelectedTrack, tt.wantTrack)
				}
			}
		})
	}
}

func TestBuildPrompt(t *testing.T) {
	prompt := BuildPrompt(testExam(45))
	for _, want := range []string{"NUMBER OF QUESTIONS: 45", "exactly 45 integers", `"answers"`, "Mock Test 3"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt should contain %q", want)
		}
	}
}

func TestRecognize(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		fc := &fakeClient{reply: `{"studentName":"Kim Min","birthDate":"0315","answers":[1,0,3]}`}
		res := New(fc, Options{}).Recognize(context.Background(), testPage(), testExam(3))
		if res.RecognitionError {
			t.Fatalf("unexpected error: %s", res.ErrorMessage)
		}
		if res.PageIndex != 2 || res.StudentName != "Kim Min" || res.BirthDate != "0315" {
			t.Errorf("unexpected result %+v", res)
		}
		if fc.calls != 1 {
			t.Errorf("expected 1 call, got %d", fc.calls)
		}
		if len(fc.last.Image) == 0 || fc.last.MIME != "image/jpeg" {
			t.Errorf("expected JPEG upload, got %d bytes of %q", len(fc.last.Image), fc.last.MIME)
		}
	})

	t.Run("malformed reply", func(t *testing.T) {
		fc := &fakeClient{reply: "sorry"}
		res := New(fc, Options{}).Recognize(context.Background(), testPage(), testExam(3))
		if !res.RecognitionError {
			t.Fatal("expected RecognitionError")
		}
		for i, a := range res.Answers {
			if a != 0 {
				t.Errorf("answer %d = %d, want 0", i, a)
			}
		}
		if len(res.Answers) != 3 {
			t.Errorf("answers length %d, want 3", len(res.Answers))
		}
	})

	t.Run("client error", func(t *testing.T) {
		fc := &fakeClient{err: errors.New("503")}
		res, err := New(fc, Options{}).RecognizePage(context.Background(), testPage(), testExam(2))
		if err != nil {
			t.Fatalf("RecognizePage must not fail: %v", err)
		}
		if !res.RecognitionError || !strings.Contains(res.ErrorMessage, "503") {
			t.Errorf("expected recognition error carrying cause, got %+v", res)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		fc := &fakeClient{reply: `{"answers":[1]}`, delay: time.Second}
		res := New(fc, Options{Timeout: 20 * time.Millisecond}).Recognize(context.Background(), testPage(), testExam(1))
		if !res.RecognitionError {
			t.Error("expected timeout to surface as RecognitionError")
		}
	})
}

func TestOpenAIClientComplete(t *testing.T) {
	var gotImage bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		gotImage = strings.Contains(string(body), "data:image/jpeg;base64,")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "cmpl-1",
			"object": "chat.completion",
			"model":  "test-model",
			"choices": []any{map[string]any{
				"index":         0,
				"finish_reason": "stop",
				"message": map[string]any{
					"role":    "assistant",
					"content": `{"studentName":"Kim","answers":[2]}`,
				},
			}},
		})
	}))
	defer srv.Close()

	c := NewOpenAI(srv.URL+"/v1", "test-key", "test-model")
	raw, err := c.Complete(context.Background(), Request{Prompt: "read", Image: []byte{0xFF, 0xD8}, MIME: "image/jpeg"})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if !gotImage {
		t.Error("request should carry the image as a data URL")
	}
	res, err := ParseReply(raw, 1)
	if err != nil || res.Answers[0] != 2 {
		t.Errorf("unexpected parse of %q: %+v, %v", raw, res, err)
	}
}
