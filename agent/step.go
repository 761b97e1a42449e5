package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/contextmgr"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/failure"
	"github.com/m4xw311/appuse/history"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/negotiate"
	"github.com/m4xw311/appuse/session"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	pausedNote        = "The agent was paused mid-step - the last action might need to be repeated"
	cancelledNote     = "The agent was cancelled"
	actionCancelled   = "The action was cancelled"
	emptyActionRetry  = "You forgot to return an action. Please respond only with a valid JSON action according to the expected format."
	noActionText      = "No next action returned by LLM!"
	lastStepDirective = `Now comes your last step. Use only the "done" action now. No other actions - so here your action sequence must have length 1.
If the task is not yet fully finished as requested by the user, set success in "done" to false!
If the task is fully finished, set success in "done" to true.
Include everything you found out for the ultimate task in the done text.`
)

// stepRecord collects what a step produced for the history entry.
type stepRecord struct {
	output  *action.Output
	results []action.Result
	state   *app.Snapshot
	tokens  int
	start   time.Time
}

// Step runs one step: capture the app state, ask the model for the next
// actions and execute them. It appends at most one history entry.
//
// Recoverable failures are absorbed into the step's results and Step
// returns nil. ErrInterrupted means the agent was paused or stopped and the
// step may be retried; ErrCancelled means ctx ended. Configuration and
// connection errors are returned as is.
func (a *Agent) Step(ctx context.Context, info *contextmgr.StepInfo) error {
	ctx, span := tracer.Start(ctx, "agent.step", trace.WithAttributes(attribute.Int("step", a.steps())))
	defer span.End()

	rec := &stepRecord{start: time.Now()}
	defer func() { stepDuration.Observe(time.Since(rec.start).Seconds()) }()
	a.logger.Info("step", "step", a.steps())
	err := a.step(ctx, info, rec)

	switch {
	case err == nil:
		a.failures.Observe(rec.results)
		a.mu.Lock()
		a.lastOutput = rec.output
		a.lastResult = rec.results
		a.mu.Unlock()
		if action.HasError(rec.results) {
			stepsTotal.WithLabelValues("failed").Inc()
		} else {
			stepsTotal.WithLabelValues("ok").Inc()
		}
	case errors.Is(err, errors.ErrInterrupted):
		a.logger.Debug("agent paused mid-step")
		stepsTotal.WithLabelValues("interrupted").Inc()
		a.setLastResult([]action.Result{{Error: pausedNote}})
		a.record(rec)
		return err
	case errors.Is(err, errors.ErrCancelled):
		stepsTotal.WithLabelValues("cancelled").Inc()
		a.setLastResult([]action.Result{{Error: cancelledNote}})
		a.record(rec)
		return err
	case failure.Classify(err) == failure.ClassFatal:
		stepsTotal.WithLabelValues("fatal").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	default:
		stepsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		rec.results = a.failures.Handle(ctx, err)
		a.setLastResult(rec.results)
	}
	consecutiveFailures.Set(float64(a.failures.Count()))
	a.record(rec)
	return nil
}

func (a *Agent) step(ctx context.Context, info *contextmgr.StepInfo, rec *stepRecord) error {
	snap, err := a.provider.GetState(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return errors.Mark(errors.ErrCancelled, errors.Wrapf(err, "app state capture cancelled"))
		}
		return errors.Wrapf(err, "could not capture app state")
	}
	rec.state = snap

	n := a.steps()
	if a.opts.Memory != nil && a.settings.MemoryInterval > 0 && n%a.settings.MemoryInterval == 0 {
		a.runCollaborator("memory", func() error { return a.opts.Memory.CreateProceduralMemory(ctx, n) })
	}

	if err := a.checkpoint(ctx); err != nil {
		return err
	}

	lastOutput, lastResult := a.last()
	if err := a.messages.AddStateMessage(snap, lastOutput, lastResult, info, a.settings.UseVision); err != nil {
		return err
	}
	// The state message is only kept for this model call.
	defer a.messages.RemoveLastStateMessage()

	if a.planner != nil && n%a.settings.PlannerInterval == 0 {
		a.messages.AddPlan(a.planner.Plan(ctx, snap, n, a.history), -1)
	}

	var filter []string
	if info.IsLastStep() {
		a.logger.Info("last step finishing up")
		a.messages.AddMessage(session.HumanMessage(lastStepDirective))
		filter = []string{action.DoneName}
	}

	method, err := a.resolveMethod(ctx)
	if err != nil {
		return err
	}

	input := a.messages.GetMessages()
	rec.tokens = a.messages.CurrentTokens()
	out, err := a.nextAction(ctx, input, method, filter)
	if err != nil {
		return err
	}
	if out.Empty() {
		a.logger.Warn("model returned empty action, retrying")
		retry := append(input[:len(input):len(input)], session.HumanMessage(emptyActionRetry))
		out, err = a.nextAction(ctx, retry, method, filter)
		if err != nil {
			return err
		}
		if out.Empty() {
			a.logger.Warn("model still returned empty after retry, inserting done action")
			out.Actions = []action.Action{action.Done(noActionText, false)}
		}
	}
	out.DropEmpty()

	if err := a.checkpoint(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.nSteps++
	n = a.nSteps
	a.mu.Unlock()
	rec.output = out

	if path := a.settings.SaveConversationPath; path != "" {
		target := fmt.Sprintf("%s_%d.txt", path, n)
		if err := session.SaveConversation(target, input, out); err != nil {
			a.logger.Warn("could not save conversation", "path", target, "error", err)
		}
	}

	a.messages.RemoveLastStateMessage()
	a.messages.AddModelOutput(out)

	rec.results, err = a.multiAct(ctx, out.Actions)
	if err != nil {
		return err
	}
	if l := len(rec.results); l > 0 && rec.results[l-1].IsDone {
		a.logger.Info("result", "text", rec.results[l-1].ExtractedContent)
	}
	return nil
}

// checkpoint is where a step may be interrupted.
func (a *Agent) checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Mark(errors.ErrCancelled, errors.Wrapf(err, "step cancelled"))
	}
	if a.interrupted() {
		return errors.Mark(errors.ErrInterrupted, errors.New("agent paused or stopped"))
	}
	return nil
}

// resolveMethod negotiates the tool calling method, then checks the
// connection once per agent. The skip flag trusts the connection before
// negotiating, so a known model is not probed; otherwise an explicitly
// requested method is probed before the connection counts as verified.
func (a *Agent) resolveMethod(ctx context.Context) (llm.Method, error) {
	if !a.verified && a.settings.SkipConnectionCheck {
		a.negotiator.TrustConnection(a.transport)
		a.verified = true
	}
	m, err := a.negotiator.Resolve(ctx, a.transport, a.opts.ToolCallingMethod)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Mark(errors.ErrCancelled, err)
		}
		return "", err
	}
	if !a.verified {
		if err := a.negotiator.VerifyConnection(ctx, a.transport); err != nil {
			if ctx.Err() != nil {
				return "", errors.Mark(errors.ErrCancelled, err)
			}
			return "", err
		}
		a.verified = true
	}
	a.messages.SetPlainText(m == llm.MethodRaw || negotiate.LacksToolSupport(a.transport.Identity().Model))
	return m, nil
}

// nextAction asks the model for the next actions and validates them
// against the registry, restricted to filter.
func (a *Agent) nextAction(ctx context.Context, input []session.Message, method llm.Method, filter []string) (*action.Output, error) {
	ctx, span := tracer.Start(ctx, "agent.model_call", trace.WithAttributes(attribute.String("llm.method", string(method))))
	defer span.End()

	a.logger.Info("model call",
		"llm", a.transport.Identity().String(),
		"messages", len(input),
		"tokens", a.messages.CurrentTokens(),
		"method", method)

	start := time.Now()
	data, err := a.invoke(ctx, input, method, filter)
	status := "ok"
	if err != nil {
		status = "error"
	}
	modelLatency.WithLabelValues(string(method), status).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		if ctx.Err() != nil {
			return nil, errors.Mark(errors.ErrCancelled, errors.Wrapf(err, "model call cancelled"))
		}
		return nil, err
	}

	out, err := a.registry.ParseOutput(data, a.settings.MaxActionsPerStep, filter...)
	if err != nil {
		a.logger.Warn("failed to parse model output", "output", string(data), "error", err)
		return nil, err
	}
	a.logDecision(out)
	return out, nil
}

func (a *Agent) invoke(ctx context.Context, input []session.Message, method llm.Method, filter []string) ([]byte, error) {
	if method == llm.MethodRaw {
		reply, err := a.transport.Invoke(ctx, input)
		if err != nil {
			return nil, errors.Wrapf(err, "model call failed")
		}
		return llm.ExtractJSON(llm.RemoveThinkTags(reply.Text()))
	}

	schema := a.registry.OutputSchema(filter...)
	resp, err := llm.WithStructuredOutput(a.transport, schema, method).Invoke(ctx, input)
	if err != nil {
		return nil, errors.Wrapf(err, "model call failed")
	}
	if len(resp.Parsed) > 0 {
		return resp.Parsed, nil
	}
	if resp.Raw != nil {
		if data, err := llm.ExtractJSON(llm.RemoveThinkTags(resp.Raw.Text())); err == nil {
			return data, nil
		}
	}
	if resp.ParsingError != nil {
		return nil, errors.Mark(errors.ErrParse, resp.ParsingError)
	}
	return nil, errors.Mark(errors.ErrParse, errors.New("empty model response"))
}

func (a *Agent) logDecision(out *action.Output) {
	names := make([]string, 0, len(out.Actions))
	for _, act := range out.Actions {
		if !act.IsEmpty() {
			names = append(names, act.Name)
		}
	}
	a.logger.Info("model output",
		"eval", out.EvaluationPreviousGoal,
		"memory", out.Memory,
		"next_goal", out.NextGoal,
		"actions", strings.Join(names, ", "))
}

// multiAct executes acts in order. It stops after a done action, an error,
// or the last action. The returned results are kept even when an
// interruption ends the batch early.
func (a *Agent) multiAct(ctx context.Context, acts []action.Action) ([]action.Result, error) {
	var results []action.Result
	for i, act := range acts {
		if i > 0 && a.settings.ActionDelay > 0 {
			t := time.NewTimer(a.settings.ActionDelay)
			select {
			case <-ctx.Done():
				t.Stop()
			case <-t.C:
			}
		}
		if err := a.checkpoint(ctx); err != nil {
			return results, err
		}

		res, err := a.executor.Execute(ctx, act, a.provider, a.opts.RunContext)
		if err != nil {
			if ctx.Err() != nil {
				if len(results) == 0 {
					results = append(results, action.Result{Error: actionCancelled})
				}
				return results, errors.Mark(errors.ErrCancelled, errors.Wrapf(err, "action %q cancelled", act.Name))
			}
			res = action.Failed(fmt.Sprintf("%s failed: %v", act.Name, err))
		}
		results = append(results, res)

		switch {
		case res.Error != "":
			actionsTotal.WithLabelValues(act.Name, "error").Inc()
		case res.IsDone:
			actionsTotal.WithLabelValues(act.Name, "done").Inc()
		default:
			actionsTotal.WithLabelValues(act.Name, "ok").Inc()
		}
		a.logger.Debug("executed action", "index", i+1, "total", len(acts), "action", act.Name)

		if res.IsDone || res.Error != "" || i == len(acts)-1 {
			break
		}
	}
	return results, nil
}

// record appends the step to the history. Steps without results or
// without a captured state leave no entry.
func (a *Agent) record(rec *stepRecord) {
	if len(rec.results) == 0 || rec.state == nil {
		return
	}
	a.history.Append(history.Entry{
		ModelOutput: rec.output,
		Results:     rec.results,
		State:       rec.state.History(a.settings.IncludeAttributes),
		Metadata: &history.StepMetadata{
			StepNumber:  a.steps(),
			StartTime:   rec.start,
			EndTime:     time.Now(),
			InputTokens: rec.tokens,
		},
	})
}

// runCollaborator calls an optional collaborator. Its failures never
// affect the run.
func (a *Agent) runCollaborator(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("collaborator panicked", "collaborator", name, "panic", r)
		}
	}()
	if err := fn(); err != nil {
		a.logger.Error("collaborator failed", "collaborator", name, "error", err)
	}
}
