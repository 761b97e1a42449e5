package llm

import (
	"strings"

	"github.com/m4xw311/appuse/errors"
)

var tokenLimitMarkers = []string{
	"context_length_exceeded",
	"maximum context length",
	"prompt is too long",
	"input is too long",
	"too many tokens",
}

// classify tags vendor errors with the kinds the failure policy acts on.
// status is the HTTP status code when known, or 0.
func classify(err error, status int) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case status == 429 || strings.Contains(msg, "rate limit") || strings.Contains(msg, "resource_exhausted"):
		return errors.Mark(errors.ErrRateLimited, err)
	case containsAny(msg, tokenLimitMarkers):
		return errors.Mark(errors.ErrTokenLimit, err)
	}
	return err
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func unsupported(vendor string, m Method) error {
	return errors.Mark(errors.ErrUnsupportedMethod, errors.New("%s does not support %s", vendor, m))
}
