package verify

import (
	"log/slog"
	"strings"

	"github.com/CareBridge/CareBridge/internal/models"
)

// RecoverQA recovers the original question and draft answer from a
// verification request message. Layered parsers, most reliable first:
//
//  1. structured source fields persisted with the message
//  2. explicit Q:/A: markers in the rendered text
//  3. positional (first non-empty line is the question, second the answer)
//  4. template parameters recorded at send time
//
// The text parsers remain for messages stored before source fields were
// persisted.
func RecoverQA(msg *models.Message) (question, answer string, ok bool) {
	if msg == nil {
		return "", "", false
	}
	if msg.Source != nil && msg.Source.Question != "" && msg.Source.DraftAnswer != "" {
		return msg.Source.Question, msg.Source.DraftAnswer, true
	}
	if q, a, ok := parseMarkers(msg.Text()); ok {
		return q, a, true
	}
	if q, a, ok := parsePositional(msg.Text()); ok {
		slog.Debug("RecoverQA used positional fallback", "messageID", msg.ID)
		return q, a, true
	}
	if len(msg.TemplateParams) >= 2 {
		slog.Debug("RecoverQA used template parameters", "messageID", msg.ID)
		return msg.TemplateParams[0], msg.TemplateParams[1], true
	}
	return "", "", false
}

// parseMarkers extracts "Q: ..." and "A: ..." lines. The answer may span
// multiple lines up to the next marker-looking line.
func parseMarkers(text string) (string, string, bool) {
	var question string
	var answerLines []string
	inAnswer := false
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "Q:"):
			question = strings.TrimSpace(strings.TrimPrefix(trimmed, "Q:"))
			inAnswer = false
		case strings.HasPrefix(trimmed, "A:"):
			answerLines = append(answerLines, strings.TrimSpace(strings.TrimPrefix(trimmed, "A:")))
			inAnswer = true
		case inAnswer:
			if strings.HasPrefix(trimmed, "Reply ") {
				inAnswer = false
				continue
			}
			if trimmed != "" {
				answerLines = append(answerLines, trimmed)
			}
		}
	}
	answer := strings.TrimSpace(strings.Join(answerLines, "\n"))
	if question == "" || answer == "" {
		return "", "", false
	}
	return question, answer, true
}

// parsePositional treats the first non-empty line as the question and the
// second as the answer.
func parsePositional(text string) (string, string, bool) {
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			lines = append(lines, trimmed)
		}
	}
	if len(lines) < 2 {
		return "", "", false
	}
	return lines[0], lines[1], true
}
