package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/m4xw311/appuse/contextmgr"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/history"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Reason tells why Run returned.
type Reason string

const (
	ReasonDone        Reason = "done"
	ReasonMaxSteps    Reason = "max_steps"
	ReasonMaxFailures Reason = "max_failures"
	ReasonStopped     Reason = "stopped"
	ReasonCancelled   Reason = "cancelled"
	ReasonError       Reason = "error"
)

// Outcome is the result of a run. History is always set, even when Run
// returns an error.
type Outcome struct {
	History *history.Store
	Reason  Reason
	Message string
}

// Run executes steps until the task is done, the step budget is spent, the
// failure cap is reached, the agent is stopped or ctx is cancelled.
// maxSteps <= 0 uses the configured default.
//
// The app state provider is closed and the artifact rendered before Run
// returns, whatever the outcome.
func (a *Agent) Run(ctx context.Context, maxSteps int) (*Outcome, error) {
	if maxSteps <= 0 {
		maxSteps = a.settings.MaxSteps
	}
	ctx, span := tracer.Start(ctx, "agent.run", trace.WithAttributes(
		attribute.String("run_id", a.runID),
		attribute.Int("max_steps", maxSteps),
	))
	defer span.End()

	out := &Outcome{History: a.history}
	a.logger.Info("starting task", "task", a.task, "max_steps", maxSteps)
	defer a.finish(ctx, out)

	err := a.run(ctx, maxSteps, out)
	if err != nil && out.Reason != ReasonCancelled {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(attribute.String("reason", string(out.Reason)))
	return out, err
}

func (a *Agent) run(ctx context.Context, maxSteps int, out *Outcome) error {
	if len(a.opts.InitialActions) > 0 {
		a.logger.Info("running initial actions", "count", len(a.opts.InitialActions))
		results, err := a.multiAct(ctx, a.opts.InitialActions)
		a.setLastResult(results)
		switch {
		case errors.Is(err, errors.ErrCancelled):
			out.Reason, out.Message = ReasonCancelled, "Run cancelled during initial actions"
			return err
		case errors.Is(err, errors.ErrInterrupted):
			a.logger.Info("initial actions interrupted")
		case err != nil:
			out.Reason, out.Message = ReasonError, err.Error()
			return err
		}
	}

	// step only advances when a step ran to completion; an interrupted
	// step is retried with the same budget position after resuming, and
	// its start hook is not run again.
	retrying := false
	for step := 0; step < maxSteps; {
		if a.failures.Exceeded() {
			out.Reason = ReasonMaxFailures
			out.Message = fmt.Sprintf("Stopped due to %d consecutive failures", a.settings.MaxFailures)
			a.logger.Error("stopping run", "reason", out.Message)
			return errors.Mark(errors.ErrMaxFailures, errors.New("%s", out.Message))
		}
		if err := a.waitWhilePaused(ctx); err != nil {
			out.Reason, out.Message = ReasonCancelled, "Run cancelled while paused"
			return err
		}
		if a.stopped.Load() {
			a.logger.Info("agent stopped")
			out.Reason, out.Message = ReasonStopped, "Agent stopped"
			return nil
		}

		if !retrying {
			a.runHook(ctx, "on_step_start", a.opts.OnStepStart)
		}
		err := a.Step(ctx, &contextmgr.StepInfo{StepNumber: step, MaxSteps: maxSteps})
		retrying = false
		switch {
		case err == nil:
			step++
		case errors.Is(err, errors.ErrInterrupted):
			retrying = true
			continue
		case errors.Is(err, errors.ErrCancelled):
			out.Reason, out.Message = ReasonCancelled, "Run cancelled"
			return err
		default:
			out.Reason, out.Message = ReasonError, err.Error()
			return err
		}
		a.runHook(ctx, "on_step_end", a.opts.OnStepEnd)

		if a.history.IsDone() {
			a.logCompletion()
			out.Reason, out.Message = ReasonDone, a.history.FinalResult()
			return nil
		}
	}

	a.logger.Info("failed to complete task in maximum steps", "max_steps", maxSteps)
	out.Reason, out.Message = ReasonMaxSteps, "Failed to complete task in maximum steps"
	return errors.Mark(errors.ErrMaxStepsExceeded, errors.New("no done action after %d steps", maxSteps))
}

// waitWhilePaused blocks until the agent is resumed or stopped. It only
// fails when ctx ends.
func (a *Agent) waitWhilePaused(ctx context.Context) error {
	if !a.paused.Load() {
		return nil
	}
	ticker := time.NewTicker(a.settings.PausePollInterval)
	defer ticker.Stop()
	for a.paused.Load() && !a.stopped.Load() {
		select {
		case <-ctx.Done():
			return errors.Mark(errors.ErrCancelled, errors.Wrapf(ctx.Err(), "cancelled while paused"))
		case <-a.wake:
		case <-ticker.C:
		}
	}
	return nil
}

func (a *Agent) runHook(ctx context.Context, name string, h Hook) {
	if h == nil {
		return
	}
	a.runCollaborator(name, func() error { return h(ctx, a) })
}

func (a *Agent) logCompletion() {
	if a.history.IsSuccessful() {
		a.logger.Info("task completed successfully", "total_input_tokens", a.history.TotalInputTokens())
		return
	}
	a.logger.Info("task completed without success", "total_input_tokens", a.history.TotalInputTokens())
}

// finish releases the app state provider and renders the artifact.
func (a *Agent) finish(ctx context.Context, out *Outcome) {
	if err := a.provider.Close(); err != nil {
		a.logger.Error("error during cleanup", "error", err)
	}
	if a.opts.Artifact != nil {
		a.runCollaborator("artifact", func() error {
			return a.opts.Artifact.Render(context.WithoutCancel(ctx), a.task, a.history)
		})
	}
	a.logger.Info("run finished",
		"reason", out.Reason,
		"steps", a.steps(),
		"total_input_tokens", a.history.TotalInputTokens(),
		"duration", a.history.TotalDuration())
}
