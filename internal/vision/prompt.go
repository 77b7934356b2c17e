package vision

import (
	"fmt"
	"strings"

	"github.com/pavelanni/omrgrade/internal/model"
)

// BuildPrompt returns the fixed instruction sent with every page.
func BuildPrompt(exam model.Exam) string {
	total := exam.Key.TotalQuestions
	var sb strings.Builder
	sb.WriteString("You are reading a scanned multiple-choice OMR answer sheet.\n\n")
	if exam.Name != "" {
		sb.WriteString("EXAM: " + exam.Name + "\n")
	}
	sb.WriteString(fmt.Sprintf("NUMBER OF QUESTIONS: %d\n\n", total))
	sb.WriteString("INSTRUCTIONS:\n")
	sb.WriteString("- Read the student's name exactly as written in the name box.\n")
	sb.WriteString("- Read the birth date as written (digits only, e.g. 20080315). Use an empty string if absent.\n")
	sb.WriteString("- Read the selected subject/track code if a track box is marked. Use an empty string if none.\n")
	sb.WriteString(fmt.Sprintf("- For each question 1..%d give the number of the filled bubble (1, 2, 3, ...).\n", total))
	sb.WriteString("- Use 0 when no bubble is filled or when more than one bubble is filled.\n")
	sb.WriteString(fmt.Sprintf("- The answers array MUST contain exactly %d integers, in question order.\n", total))
	sb.WriteString("\nRespond ONLY with a JSON object:\n")
	sb.WriteString(`{"studentName": "<name>", "birthDate": "<digits or empty>", "selectedSubject": "<code or empty>", "answers": [<int>, ...]}`)
	sb.WriteString("\n")
	return sb.String()
}
