package agent

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/config"
	"github.com/m4xw311/appuse/contextmgr"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/failure"
	"github.com/m4xw311/appuse/history"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/negotiate"
)

// Memory condenses the run so far into long-term memory. It is called
// every Settings.MemoryInterval steps.
type Memory interface {
	CreateProceduralMemory(ctx context.Context, step int) error
}

// Artifact renders the finished run, e.g. as an animation or report.
type Artifact interface {
	Render(ctx context.Context, task string, h *history.Store) error
}

// Hook is called before and after every step.
type Hook func(ctx context.Context, a *Agent) error

// Options configures an Agent. Zero values fall back to config.Default.
type Options struct {
	Settings          config.AgentSettings
	ToolCallingMethod llm.Method
	SensitiveData     map[string]string

	// Planner is an optional secondary model consulted every
	// Settings.PlannerInterval steps.
	Planner llm.Transport
	Memory  Memory
	// Artifact runs once when Run returns.
	Artifact Artifact

	// InitialActions run before the first step.
	InitialActions []action.Action
	// Executor runs actions. Defaults to the registry.
	Executor action.Executor
	// RunContext is handed to every action handler.
	RunContext any

	// Negotiator is shared between agents to reuse negotiation results.
	Negotiator *negotiate.Negotiator
	Logger     *slog.Logger

	OnStepStart Hook
	OnStepEnd   Hook
}

// State is a snapshot of the run state.
type State struct {
	RunID               string
	NSteps              int
	ConsecutiveFailures int
	Paused              bool
	Stopped             bool
	LastOutput          *action.Output
	LastResult          []action.Result
}

// Agent drives a model through a task, one step at a time. Only Pause,
// Resume and Stop may be called while Run is in progress.
type Agent struct {
	task      string
	transport llm.Transport
	registry  *action.Registry
	executor  action.Executor
	provider  app.Provider
	settings  config.AgentSettings
	opts      Options

	messages   *contextmgr.Manager
	history    *history.Store
	failures   *failure.Policy
	negotiator *negotiate.Negotiator
	planner    *Planner
	logger     *slog.Logger

	runID    string
	verified bool

	mu         sync.Mutex
	nSteps     int
	lastOutput *action.Output
	lastResult []action.Result

	paused  atomic.Bool
	stopped atomic.Bool
	wake    chan struct{}
}

// New creates an agent for task. registry holds every action the model may
// choose; provider captures the app state.
func New(task string, transport llm.Transport, registry *action.Registry, provider app.Provider, opts Options) (*Agent, error) {
	if transport == nil || registry == nil || provider == nil {
		return nil, errors.Mark(errors.ErrConfiguration, errors.New("agent needs a model, an action registry and an app state provider"))
	}
	settings := withDefaults(opts.Settings)
	if opts.ToolCallingMethod == "" {
		opts.ToolCallingMethod = llm.MethodAuto
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Executor == nil {
		opts.Executor = registry
	}
	if opts.Negotiator == nil {
		opts.Negotiator = negotiate.New(
			negotiate.WithConcurrency(settings.ProbeConcurrency),
			negotiate.WithLogger(opts.Logger),
		)
	}
	for _, act := range opts.InitialActions {
		if err := registry.Validate(act); err != nil {
			return nil, errors.Wrapf(err, "invalid initial action %q", act.Name)
		}
	}

	runID := uuid.NewString()
	logger := opts.Logger.With("run_id", runID)

	messages := contextmgr.New(task,
		contextmgr.SystemPrompt(registry.PromptDescription(), settings.MaxActionsPerStep, settings.OverrideSystemMessage, settings.ExtendSystemMessage),
		contextmgr.Settings{
			MaxInputTokens:    settings.MaxInputTokens,
			IncludeAttributes: settings.IncludeAttributes,
			MessageContext:    settings.MessageContext,
			SensitiveData:     opts.SensitiveData,
			Logger:            logger,
		})

	a := &Agent{
		task:       task,
		transport:  transport,
		registry:   registry,
		executor:   opts.Executor,
		provider:   provider,
		settings:   settings,
		opts:       opts,
		messages:   messages,
		history:    history.New(),
		failures:   failure.New(settings.MaxFailures, settings.RetryDelay, messages, logger),
		negotiator: opts.Negotiator,
		logger:     logger,
		runID:      runID,
		wake:       make(chan struct{}, 1),
	}
	if opts.Planner != nil {
		a.planner = &Planner{
			Transport:         opts.Planner,
			Task:              task,
			Actions:           registry.PromptDescription(),
			Reasoning:         settings.PlannerReasoning,
			ExtendPrompt:      settings.ExtendPlannerSystemMessage,
			Logger:            logger,
			IncludeAttributes: settings.IncludeAttributes,
		}
	}
	return a, nil
}

func withDefaults(s config.AgentSettings) config.AgentSettings {
	d := config.Default().Agent
	if s.MaxFailures <= 0 {
		s.MaxFailures = d.MaxFailures
	}
	if s.MaxInputTokens <= 0 {
		s.MaxInputTokens = d.MaxInputTokens
	}
	if s.MaxActionsPerStep <= 0 {
		s.MaxActionsPerStep = d.MaxActionsPerStep
	}
	if s.MaxSteps <= 0 {
		s.MaxSteps = d.MaxSteps
	}
	if s.PlannerInterval <= 0 {
		s.PlannerInterval = d.PlannerInterval
	}
	if s.PausePollInterval <= 0 {
		s.PausePollInterval = d.PausePollInterval
	}
	if s.ProbeConcurrency <= 0 {
		s.ProbeConcurrency = d.ProbeConcurrency
	}
	if s.IncludeAttributes == nil {
		s.IncludeAttributes = d.IncludeAttributes
	}
	return s
}

// Pause makes the agent stop at the next cancellation point and wait.
func (a *Agent) Pause() {
	a.logger.Info("agent paused")
	a.paused.Store(true)
}

// Resume continues a paused agent.
func (a *Agent) Resume() {
	a.logger.Info("agent resumed")
	a.paused.Store(false)
	a.signal()
}

// Stop ends the run at the next cancellation point. A paused agent stops too.
func (a *Agent) Stop() {
	a.logger.Info("agent stopping")
	a.stopped.Store(true)
	a.signal()
}

func (a *Agent) signal() {
	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Paused reports whether Pause was called without a matching Resume.
func (a *Agent) Paused() bool { return a.paused.Load() }

func (a *Agent) interrupted() bool { return a.paused.Load() || a.stopped.Load() }

// State returns a copy of the run state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return State{
		RunID:               a.runID,
		NSteps:              a.nSteps,
		ConsecutiveFailures: a.failures.Count(),
		Paused:              a.paused.Load(),
		Stopped:             a.stopped.Load(),
		LastOutput:          a.lastOutput,
		LastResult:          append([]action.Result(nil), a.lastResult...),
	}
}

// History is the run history. It grows while the agent runs.
func (a *Agent) History() *history.Store { return a.history }

// Messages exposes the conversation, mainly for hooks and tests.
func (a *Agent) Messages() *contextmgr.Manager { return a.messages }

// Task is the task the agent works on.
func (a *Agent) Task() string { return a.task }

func (a *Agent) steps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nSteps
}

func (a *Agent) last() (*action.Output, []action.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastOutput, a.lastResult
}

func (a *Agent) setLastResult(results []action.Result) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastResult = results
}
