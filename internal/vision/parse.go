package vision

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/pavelanni/omrgrade/internal/model"
)

// ErrNoJSON is returned when a reply contains no decodable JSON object.
var ErrNoJSON = errors.New("no JSON object in reply")

// Reply is the structure the vision prompt asks the model to return.
type Reply struct {
	StudentName     string            `json:"studentName"`
	BirthDate       string            `json:"birthDate"`
	SelectedSubject string            `json:"selectedSubject"`
	Answers         []json.RawMessage `json:"answers"`
}

// maxChoice is the largest choice number accepted from a reply.
const maxChoice = 9

// ParseReply extracts the first JSON object from the model's free-text reply
// and normalises it into a recognition result with exactly total answers.
// A reply that cannot be parsed yields a result with RecognitionError set and
// every answer zero, together with the parse error for logging.
func ParseReply(text string, total int) (model.RecognitionResult, error) {
	reply, err := decodeFirstObject(text)
	if err != nil {
		return model.FailedRecognition(0, total, model.ModeVision, err.Error()), err
	}

	res := model.RecognitionResult{
		Mode:          model.ModeVision,
		StudentName:   strings.TrimSpace(reply.StudentName),
		BirthDate:     strings.TrimSpace(reply.BirthDate),
		SelectedTrack: strings.TrimSpace(reply.SelectedSubject),
		Answers:       make([]int, total),
	}
	if res.SelectedTrack == "" {
		res.SelectedTrack = model.DefaultTrack
	}
	for i := 0; i < total && i < len(reply.Answers); i++ {
		res.Answers[i] = answerValue(reply.Answers[i])
	}
	return res, nil
}

// decodeFirstObject tries every balanced {...} span in text, in order, and
// returns the first that decodes as a Reply with an answers array.
func decodeFirstObject(text string) (Reply, error) {
	for start := strings.IndexByte(text, '{'); start >= 0; {
		end := matchBrace(text, start)
		if end < 0 {
			break
		}
		var r Reply
		if err := json.Unmarshal([]byte(text[start:end+1]), &r); err == nil && r.Answers != nil {
			return r, nil
		}
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += 1 + next
	}
	return Reply{}, ErrNoJSON
}

// matchBrace returns the index of the brace closing the one at start, or -1.
func matchBrace(text string, start int) int {
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

// answerValue accepts numbers and numeric strings; anything else is unmarked.
func answerValue(raw json.RawMessage) int {
	var n float64
	if err := json.Unmarshal(raw, &n); err != nil {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0
		}
		v, err := strconv.Atoi(strings.TrimSpace(s))
		if err != nil {
			return 0
		}
		n = float64(v)
	}
	v := int(n)
	if float64(v) != n || v < 0 || v > maxChoice {
		return 0
	}
	return v
}
