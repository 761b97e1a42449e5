package errors

import (
	stderrors "errors"
	"fmt"
	"path/filepath"
	"runtime"
)

// Error kinds. Callers test for them with Is; Mark attaches one to an
// existing error without losing the original chain.
var (
	// ErrValidation marks model output that does not satisfy the action schema.
	ErrValidation = stderrors.New("validation failure")
	// ErrParse marks model output that could not be decoded at all.
	ErrParse = stderrors.New("could not parse response")
	// ErrTokenLimit marks a request rejected for exceeding the context window.
	ErrTokenLimit = stderrors.New("max token limit reached")
	// ErrRateLimited marks a vendor throttling response.
	ErrRateLimited = stderrors.New("rate limited")
	// ErrConnection means no structured-output protocol works for the model.
	ErrConnection = stderrors.New("connection failure")
	// ErrConfiguration means an explicitly requested protocol failed its probe.
	ErrConfiguration = stderrors.New("configuration error")
	// ErrUnsupportedMethod is returned by transports for protocols they cannot speak.
	ErrUnsupportedMethod = stderrors.New("unsupported tool calling method")
	// ErrInterrupted means the run was paused or stopped mid-step. Resumable.
	ErrInterrupted = stderrors.New("interrupted")
	// ErrCancelled means the run context was cancelled. Not resumable.
	ErrCancelled = stderrors.New("cancelled")
	// ErrMaxFailures means the consecutive failure cap was reached.
	ErrMaxFailures = stderrors.New("too many consecutive failures")
	// ErrMaxStepsExceeded means the step budget ran out before completion.
	ErrMaxStepsExceeded = stderrors.New("maximum steps exceeded")
	// ErrEphemeralPending means a state message was staged while another is pending.
	ErrEphemeralPending = stderrors.New("ephemeral state message already pending")
)

// New creates a new error with file and line number information.
func New(format string, a ...interface{}) error {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s", file, line, fmt.Sprintf(format, a...))
}

// Wrapf adds context (including file and line number) to an existing error.
// If the provided error is nil, Wrapf returns nil.
func Wrapf(err error, format string, a ...interface{}) error {
	if err == nil {
		return nil
	}
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		file = "???"
		line = 0
	} else {
		file = filepath.Base(file)
	}
	return fmt.Errorf("[%s:%d] %s: %w", file, line, fmt.Sprintf(format, a...), err)
}

// Mark tags err with kind so that Is(err, kind) holds. If err already carries
// kind it is returned unchanged. Mark(kind, nil) returns nil.
func Mark(kind, err error) error {
	if err == nil {
		return nil
	}
	if stderrors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool { return stderrors.As(err, target) }
