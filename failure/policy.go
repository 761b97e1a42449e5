// Package failure decides how a failed step affects the run: which errors
// are absorbed and retried, how the prompt budget reacts, and when the run
// gives up.
package failure

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/errors"
)

// Class is the coarse category of a step error.
type Class int

const (
	// ClassValidation covers malformed output, parse failures, token limit
	// rejections and other recoverable step faults.
	ClassValidation Class = iota
	// ClassRateLimited means the vendor throttled the request.
	ClassRateLimited
	// ClassFatal errors end the run.
	ClassFatal
)

func (c Class) String() string {
	switch c {
	case ClassValidation:
		return "validation"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "fatal"
	}
}

// TokenShrinkStep is how far the prompt budget drops after a token-limit error.
const TokenShrinkStep = 500

// ParseHint is appended to parse failures so the model sees what to fix.
const ParseHint = "\n\nReturn a valid JSON object with the required fields."

// Classify maps a step error onto a Class. Configuration and connection
// errors mean the model cannot be used at all; everything else not
// recognized is treated as a recoverable step failure.
func Classify(err error) Class {
	switch {
	case errors.Is(err, errors.ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, errors.ErrConfiguration),
		errors.Is(err, errors.ErrConnection),
		errors.Is(err, errors.ErrEphemeralPending):
		return ClassFatal
	default:
		return ClassValidation
	}
}

// Budget is the prompt budget the policy shrinks on token-limit errors.
type Budget interface {
	ShrinkBudget(step int)
}

// Policy counts consecutive failures. It is owned by a single engine.
type Policy struct {
	MaxFailures int
	RetryDelay  time.Duration
	Budget      Budget
	Logger      *slog.Logger

	consecutive int
	sleep       func(ctx context.Context, d time.Duration) error
}

// New creates a policy. budget may be nil.
func New(maxFailures int, retryDelay time.Duration, budget Budget, logger *slog.Logger) *Policy {
	if logger == nil {
		logger = slog.Default()
	}
	return &Policy{
		MaxFailures: maxFailures,
		RetryDelay:  retryDelay,
		Budget:      budget,
		Logger:      logger,
		sleep:       sleepCtx,
	}
}

// Handle records a failed step and returns the result list that stands in
// for it. Rate limits sleep RetryDelay before returning; a cancelled ctx
// cuts the sleep short.
func (p *Policy) Handle(ctx context.Context, err error) []action.Result {
	p.consecutive++
	msg := Format(err)

	switch {
	case errors.Is(err, errors.ErrRateLimited):
		p.Logger.Warn(msg, "failures", p.consecutive, "retry_in", p.RetryDelay)
		if p.sleep != nil {
			_ = p.sleep(ctx, p.RetryDelay)
		}
	case errors.Is(err, errors.ErrTokenLimit):
		p.Logger.Error("token limit reached, shrinking prompt budget", "failures", p.consecutive, "shrink", TokenShrinkStep)
		if p.Budget != nil {
			p.Budget.ShrinkBudget(TokenShrinkStep)
		}
	default:
		p.Logger.Error("step failed", "failures", p.consecutive, "max_failures", p.MaxFailures, "error", err)
	}
	return []action.Result{action.Failed(msg)}
}

// Observe updates the counter from a completed step: a non-empty result
// list without errors resets it, anything else counts as a failure.
func (p *Policy) Observe(results []action.Result) {
	if len(results) > 0 && !action.HasError(results) {
		p.consecutive = 0
		return
	}
	p.consecutive++
}

// Count is the current number of consecutive failures.
func (p *Policy) Count() int { return p.consecutive }

// Exceeded reports whether the run must stop.
func (p *Policy) Exceeded() bool { return p.consecutive >= p.MaxFailures }

// Format renders an error for the model.
func Format(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, errors.ErrRateLimited):
		return "Rate limit reached. Waiting before retry."
	case errors.Is(err, errors.ErrTokenLimit):
		return "Max token limit reached. " + detail(err, errors.ErrTokenLimit)
	case errors.Is(err, errors.ErrParse):
		return "Could not parse response. " + detail(err, errors.ErrParse) + ParseHint
	case errors.Is(err, errors.ErrValidation):
		return "Invalid model output format. Please follow the correct schema.\nDetails: " + err.Error()
	default:
		return err.Error()
	}
}

// detail is the error text without the kind prefix Mark adds.
func detail(err, kind error) string {
	return strings.Replace(err.Error(), kind.Error()+": ", "", 1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
