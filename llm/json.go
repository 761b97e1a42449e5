package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/m4xw311/appuse/errors"
)

var thinkTags = regexp.MustCompile(`(?s)<think>.*?</think>`)

// RemoveThinkTags drops reasoning blocks some models emit before their answer,
// including a dangling closing tag whose opening was cut off.
func RemoveThinkTags(text string) string {
	text = thinkTags.ReplaceAllString(text, "")
	if i := strings.LastIndex(text, "</think>"); i >= 0 {
		text = text[i+len("</think>"):]
	}
	return strings.TrimSpace(text)
}

// StripCodeFences returns the body of the first fenced block, or text
// unchanged when there is none.
func StripCodeFences(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.ContainsAny(body[:nl], "{[") {
		// language tag such as ```json
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// ExtractJSON finds the JSON object in a model reply that may wrap it in
// reasoning tags, code fences or prose.
func ExtractJSON(text string) (json.RawMessage, error) {
	cleaned := StripCodeFences(RemoveThinkTags(text))
	if json.Valid([]byte(cleaned)) && strings.HasPrefix(cleaned, "{") {
		return json.RawMessage(cleaned), nil
	}
	start := strings.IndexByte(cleaned, '{')
	end := strings.LastIndexByte(cleaned, '}')
	if start >= 0 && end > start {
		candidate := cleaned[start : end+1]
		if json.Valid([]byte(candidate)) {
			return json.RawMessage(candidate), nil
		}
	}
	return nil, errors.Mark(errors.ErrParse, errors.New("no JSON object in %q", truncate(text, 200)))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
