package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/config"
	"github.com/m4xw311/appuse/contextmgr"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/history"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeApp struct {
	mu     sync.Mutex
	states int
	closed int
	taps   []int
}

func (f *fakeApp) GetState(ctx context.Context) (*app.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states++
	return &app.Snapshot{
		Elements: app.ElementList{
			{Index: 0, Type: "Button", Text: "Settings"},
			{Index: 1, Type: "Switch", Text: "Wi-Fi"},
		},
		CapturedAt: time.Now(),
	}, nil
}

func (f *fakeApp) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeApp) tapped() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.taps...)
}

func testRegistry(t *testing.T, dev *fakeApp) *action.Registry {
	t.Helper()
	r := action.NewRegistry(nil)
	require.NoError(t, action.RegisterBuiltins(r))
	require.NoError(t, r.Add(action.Definition{
		Name:        "tap",
		Description: "Tap an element",
		Parameters: map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"index": map[string]interface{}{"type": "integer"}},
			"required":   []string{"index"},
		},
		Handler: func(ctx context.Context, params map[string]interface{}, _ app.Provider, _ any) (action.Result, error) {
			idx, _ := params["index"].(float64)
			dev.mu.Lock()
			dev.taps = append(dev.taps, int(idx))
			dev.mu.Unlock()
			return action.Result{ExtractedContent: fmt.Sprintf("tapped %d", int(idx)), IncludeInMemory: true}, nil
		},
	}))
	require.NoError(t, r.Add(action.Definition{
		Name:        "fail",
		Description: "Always fails",
		Handler: func(ctx context.Context, params map[string]interface{}, _ app.Provider, _ any) (action.Result, error) {
			return action.Failed("boom"), nil
		},
	}))
	return r
}

func output(actions ...map[string]any) map[string]any {
	if actions == nil {
		actions = []map[string]any{}
	}
	return map[string]any{
		"evaluation_previous_goal": "Unknown",
		"memory":                   "",
		"next_goal":                "",
		"action":                   actions,
	}
}

func tap(i int) map[string]any { return map[string]any{"tap": map[string]any{"index": i}} }

func done(text string, success bool) map[string]any {
	return map[string]any{"done": map[string]any{"text": text, "success": success}}
}

// scripted replies with each item in turn: a map is sent as parsed output,
// an error is returned as is. Once exhausted it reports success.
func scripted(replies ...any) *llm.MockTransport {
	var mu sync.Mutex
	i := 0
	return &llm.MockTransport{
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			mu.Lock()
			defer mu.Unlock()
			if i >= len(replies) {
				return llm.ParsedResponse(output(done("finished", true))), nil
			}
			r := replies[i]
			i++
			switch r := r.(type) {
			case error:
				return nil, r
			case *llm.StructuredResponse:
				return r, nil
			default:
				return llm.ParsedResponse(r), nil
			}
		},
	}
}

func testOptions() Options {
	return Options{
		Settings: config.AgentSettings{
			MaxFailures:         3,
			MaxSteps:            10,
			PausePollInterval:   5 * time.Millisecond,
			SkipConnectionCheck: true,
		},
		ToolCallingMethod: llm.MethodFunctionCalling,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func newTestAgent(t *testing.T, transport llm.Transport, dev *fakeApp, opts Options) *Agent {
	t.Helper()
	a, err := New("Turn on wifi", transport, testRegistry(t, dev), dev, opts)
	require.NoError(t, err)
	return a
}

func TestRunCompletes(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(tap(0)), output(done("wifi is on", true)))
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Equal(t, "wifi is on", out.Message)
	assert.Equal(t, 2, out.History.Len())
	assert.True(t, out.History.IsSuccessful())
	assert.Equal(t, []int{0}, dev.tapped())
	assert.Equal(t, 1, dev.closed)
	assert.Equal(t, 2, a.State().NSteps)
	assert.Equal(t, []llm.Method{llm.MethodFunctionCalling, llm.MethodFunctionCalling}, transport.Methods())

	meta := out.History.Entries()[1].Metadata
	require.NotNil(t, meta)
	assert.Equal(t, 2, meta.StepNumber)
	assert.Positive(t, meta.InputTokens)
}

func TestNewValidatesArguments(t *testing.T) {
	dev := &fakeApp{}
	_, err := New("task", nil, testRegistry(t, dev), dev, testOptions())
	assert.True(t, errors.Is(err, errors.ErrConfiguration))

	opts := testOptions()
	opts.InitialActions = []action.Action{{Name: "nope"}}
	_, err = New("task", scripted(), testRegistry(t, dev), dev, opts)
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestEmptyActionIsRetriedOnce(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(), output(map[string]any{}))
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Equal(t, noActionText, out.History.FinalResult())
	assert.False(t, out.History.IsSuccessful())
	assert.Equal(t, 2, transport.Calls())

	retry := transport.Requests()[1]
	assert.Equal(t, emptyActionRetry, retry[len(retry)-1].Text())
}

func TestEmptyActionRetrySucceeds(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(), output(tap(1)), output(done("ok", true)))
	a := newTestAgent(t, transport, dev, testOptions())

	_, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, dev.tapped())
	assert.Equal(t, 2, a.State().NSteps)
}

func TestLastStepOffersOnlyDone(t *testing.T) {
	dev := &fakeApp{}
	var schemas []llm.Schema
	transport := &llm.MockTransport{
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			schemas = append(schemas, schema)
			return llm.ParsedResponse(output(done("gave up", false))), nil
		},
	}
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)

	require.Len(t, schemas, 1)
	props := schemas[0].Parameters["properties"].(map[string]interface{})
	items := props["action"].(map[string]interface{})["items"].(map[string]interface{})
	allowed := items["properties"].(map[string]interface{})
	assert.Len(t, allowed, 1)
	assert.Contains(t, allowed, action.DoneName)

	req := transport.Requests()[0]
	assert.Equal(t, lastStepDirective, req[len(req)-1].Text())
}

func TestLastStepRejectsOtherActions(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(tap(0)), output(tap(0)), output(tap(0)))
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMaxStepsExceeded))
	assert.Equal(t, ReasonMaxSteps, out.Reason)
	assert.Equal(t, []int{0, 0}, dev.tapped())
	assert.Equal(t, 3, out.History.Len())
	assert.Contains(t, out.History.Errors()[2], "not allowed")
	assert.Equal(t, 2, a.State().NSteps)
}

func TestActionBatchStopsAtError(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(tap(0), map[string]any{"fail": map[string]any{}}, tap(1)))
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int{0}, dev.tapped())

	first := out.History.Entries()[0]
	require.Len(t, first.Results, 2)
	assert.Empty(t, first.Results[0].Error)
	assert.Equal(t, "boom", first.Results[1].Error)
}

func TestActionBatchIsTruncated(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(tap(0), tap(1), tap(2)))
	opts := testOptions()
	opts.Settings.MaxActionsPerStep = 2
	a := newTestAgent(t, transport, dev, opts)

	_, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 1}, dev.tapped())
}

func TestLastStepTruncatesBeforeFiltering(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(done("wifi is on", true), tap(0)))
	opts := testOptions()
	opts.Settings.MaxActionsPerStep = 1
	a := newTestAgent(t, transport, dev, opts)

	out, err := a.Run(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Equal(t, "wifi is on", out.Message)
	assert.Empty(t, dev.tapped())
	assert.Equal(t, []string{""}, out.History.Errors())
}

func TestRunStopsAfterMaxFailures(t *testing.T) {
	dev := &fakeApp{}
	garbage := session.AssistantMessage("this is not json")
	transport := &llm.MockTransport{
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			return &llm.StructuredResponse{Raw: &garbage, ParsingError: fmt.Errorf("no tool call")}, nil
		},
	}
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 10)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrMaxFailures))
	assert.Equal(t, ReasonMaxFailures, out.Reason)
	assert.Equal(t, 3, transport.Calls())
	assert.Equal(t, 3, out.History.Len())
	assert.Equal(t, 3, a.State().ConsecutiveFailures)
	assert.Contains(t, out.History.Errors()[0], "Could not parse response")
	assert.Equal(t, 1, dev.closed)
}

func TestStepCounterOnlyCountsParsedOutput(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(fmt.Errorf("%w: slow down", errors.ErrRateLimited), output(tap(0)), output(done("ok", true)))
	a := newTestAgent(t, transport, dev, testOptions())

	require.NoError(t, a.Step(context.Background(), &contextmgr.StepInfo{StepNumber: 0, MaxSteps: 10}))
	assert.Equal(t, 0, a.State().NSteps)
	assert.Equal(t, 1, a.State().ConsecutiveFailures)
	assert.Equal(t, "Rate limit reached. Waiting before retry.", a.State().LastResult[0].Error)

	require.NoError(t, a.Step(context.Background(), &contextmgr.StepInfo{StepNumber: 0, MaxSteps: 10}))
	assert.Equal(t, 1, a.State().NSteps)
	assert.Equal(t, 0, a.State().ConsecutiveFailures)
	assert.Equal(t, 2, a.History().Len())
}

func TestFatalErrorEndsRun(t *testing.T) {
	dev := &fakeApp{}
	transport := &llm.MockTransport{
		InvokeFunc: func(ctx context.Context, msgs []session.Message) (*session.Message, error) {
			return nil, fmt.Errorf("dial tcp: connection refused")
		},
	}
	opts := testOptions()
	opts.Settings.SkipConnectionCheck = false
	opts.ToolCallingMethod = llm.MethodRaw
	a := newTestAgent(t, transport, dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnection))
	assert.Equal(t, ReasonError, out.Reason)
	assert.Equal(t, 0, out.History.Len())
	assert.Equal(t, 1, dev.closed)
}

func TestUnsupportedExplicitMethodEndsRun(t *testing.T) {
	dev := &fakeApp{}
	transport := &llm.MockTransport{
		InvokeFunc: func(ctx context.Context, msgs []session.Message) (*session.Message, error) {
			reply := session.AssistantMessage("paris")
			return &reply, nil
		},
	}
	opts := testOptions()
	opts.Settings.SkipConnectionCheck = false
	opts.ToolCallingMethod = llm.MethodJSONMode
	a := newTestAgent(t, transport, dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConfiguration))
	assert.Equal(t, ReasonError, out.Reason)
	assert.Equal(t, []llm.Method{llm.MethodJSONMode}, transport.Methods())
	assert.Equal(t, 0, out.History.Len())
	assert.Equal(t, 1, dev.closed)
}

func TestExplicitMethodIsProbedBeforeConnectionCheck(t *testing.T) {
	dev := &fakeApp{}
	transport := &llm.MockTransport{
		InvokeFunc: func(ctx context.Context, msgs []session.Message) (*session.Message, error) {
			reply := session.AssistantMessage("Paris")
			return &reply, nil
		},
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			if schema.Name == "CapitalResponse" {
				return llm.ParsedResponse(map[string]string{"answer": "paris"}), nil
			}
			return llm.ParsedResponse(output(done("ok", true))), nil
		},
	}
	opts := testOptions()
	opts.Settings.SkipConnectionCheck = false
	a := newTestAgent(t, transport, dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Equal(t, []llm.Method{
		llm.MethodFunctionCalling, // capability check
		llm.MethodRaw,             // connection check
		llm.MethodFunctionCalling,
	}, transport.Methods())
}

func TestPauseInterruptsAndResumes(t *testing.T) {
	dev := &fakeApp{}
	var a *Agent
	calls := 0
	transport := &llm.MockTransport{
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			calls++
			if calls == 1 {
				a.Pause()
				go func() {
					time.Sleep(20 * time.Millisecond)
					a.Resume()
				}()
				return llm.ParsedResponse(output(tap(0))), nil
			}
			return llm.ParsedResponse(output(done("ok", true))), nil
		},
	}
	var starts, ends int
	opts := testOptions()
	opts.OnStepStart = func(ctx context.Context, a *Agent) error {
		starts++
		return nil
	}
	opts.OnStepEnd = func(ctx context.Context, a *Agent) error {
		ends++
		return nil
	}
	a = newTestAgent(t, transport, dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Empty(t, dev.tapped())
	assert.Equal(t, 1, a.State().NSteps)
	assert.Equal(t, 1, out.History.Len())
	assert.False(t, a.Paused())
	assert.Equal(t, 1, starts)
	assert.Equal(t, 1, ends)

	second := transport.Requests()[1]
	assert.Contains(t, second[len(second)-1].Text(), pausedNote)
}

func TestStopEndsRun(t *testing.T) {
	dev := &fakeApp{}
	var a *Agent
	transport := &llm.MockTransport{
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			a.Stop()
			return llm.ParsedResponse(output(tap(0))), nil
		},
	}
	a = newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonStopped, out.Reason)
	assert.Empty(t, dev.tapped())
	assert.Equal(t, 1, transport.Calls())
	assert.Equal(t, 1, dev.closed)
}

func TestCancellationEndsRun(t *testing.T) {
	dev := &fakeApp{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	transport := &llm.MockTransport{
		StructuredFunc: func(ctx context.Context, msgs []session.Message, schema llm.Schema, method llm.Method) (*llm.StructuredResponse, error) {
			cancel()
			return nil, ctx.Err()
		},
	}
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(ctx, 5)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCancelled))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, ReasonCancelled, out.Reason)
	assert.Equal(t, 1, dev.closed)
	assert.Equal(t, 0, a.State().ConsecutiveFailures)
}

func TestInitialActionsRunFirst(t *testing.T) {
	dev := &fakeApp{}
	transport := scripted(output(tap(1)), output(done("ok", true)))
	opts := testOptions()
	opts.InitialActions = []action.Action{{Name: "tap", Params: map[string]interface{}{"index": float64(5)}}}
	a := newTestAgent(t, transport, dev, opts)

	_, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 1}, dev.tapped())

	first := transport.Requests()[0]
	assert.Contains(t, first[len(first)-1].Text(), "tapped 5")
}

type recordingMemory struct{ calls []int }

func (m *recordingMemory) CreateProceduralMemory(ctx context.Context, step int) error {
	m.calls = append(m.calls, step)
	if step == 0 {
		panic("memory store unavailable")
	}
	return fmt.Errorf("memory store full")
}

type recordingArtifact struct {
	task    string
	entries int
}

func (r *recordingArtifact) Render(ctx context.Context, task string, h *history.Store) error {
	r.task = task
	r.entries = h.Len()
	return fmt.Errorf("no encoder")
}

func TestHooksAndCollaborators(t *testing.T) {
	dev := &fakeApp{}
	mem := &recordingMemory{}
	art := &recordingArtifact{}
	var starts, ends int
	opts := testOptions()
	opts.Settings.MemoryInterval = 1
	opts.Memory = mem
	opts.Artifact = art
	opts.OnStepStart = func(ctx context.Context, a *Agent) error {
		starts++
		return nil
	}
	opts.OnStepEnd = func(ctx context.Context, a *Agent) error {
		ends++
		return fmt.Errorf("hook failed")
	}
	a := newTestAgent(t, scripted(output(tap(0))), dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, ends)
	assert.Equal(t, []int{0, 1}, mem.calls)
	assert.Equal(t, "Turn on wifi", art.task)
	assert.Equal(t, 2, art.entries)
}

func TestConversationIsSaved(t *testing.T) {
	dev := &fakeApp{}
	opts := testOptions()
	opts.Settings.SaveConversationPath = filepath.Join(t.TempDir(), "conversation")
	a := newTestAgent(t, scripted(), dev, opts)

	_, err := a.Run(context.Background(), 5)
	require.NoError(t, err)

	data, err := os.ReadFile(opts.Settings.SaveConversationPath + "_1.txt")
	require.NoError(t, err)
	assert.Contains(t, string(data), "Turn on wifi")
	assert.Contains(t, string(data), "RESPONSE")
}

func TestRawMethodParsesText(t *testing.T) {
	dev := &fakeApp{}
	transport := &llm.MockTransport{
		InvokeFunc: func(ctx context.Context, msgs []session.Message) (*session.Message, error) {
			reply := session.AssistantMessage("<think>the screen shows settings</think>\n```json\n" +
				`{"evaluation_previous_goal": "Unknown", "memory": "", "next_goal": "finish", "action": [{"done": {"text": "raw ok", "success": true}}]}` +
				"\n```")
			return &reply, nil
		},
	}
	opts := testOptions()
	opts.ToolCallingMethod = llm.MethodRaw
	a := newTestAgent(t, transport, dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "raw ok", out.Message)
	assert.Equal(t, []llm.Method{llm.MethodRaw}, transport.Methods())

	for _, m := range transport.Requests()[0] {
		assert.Empty(t, m.ToolCalls, "raw mode sends plain text only")
	}
}

func TestStructuredReplyFallsBackToText(t *testing.T) {
	dev := &fakeApp{}
	text := session.AssistantMessage(`Sure: {"evaluation_previous_goal": "", "memory": "", "next_goal": "", "action": [{"done": {"text": "from text", "success": true}}]}`)
	transport := scripted(&llm.StructuredResponse{Raw: &text, ParsingError: fmt.Errorf("no tool call")})
	a := newTestAgent(t, transport, dev, testOptions())

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "from text", out.Message)
}

func TestPlannerGuidance(t *testing.T) {
	dev := &fakeApp{}
	planner := &llm.MockTransport{
		ID: llm.Identity{Vendor: "mock", Model: "planner"},
		InvokeFunc: func(ctx context.Context, msgs []session.Message) (*session.Message, error) {
			reply := session.AssistantMessage("<think>hmm</think>Open settings first")
			return &reply, nil
		},
	}
	transport := scripted()
	opts := testOptions()
	opts.Planner = planner
	opts.Settings.PlannerReasoning = true
	a := newTestAgent(t, transport, dev, opts)

	_, err := a.Run(context.Background(), 5)
	require.NoError(t, err)

	req := transport.Requests()[0]
	require.GreaterOrEqual(t, len(req), 2)
	assert.Equal(t, "Open settings first", req[len(req)-2].Text())
	assert.Equal(t, session.RoleAssistant, req[len(req)-2].Role)

	planReq := planner.Requests()[0]
	assert.Equal(t, session.RoleUser, planReq[0].Role)
	assert.Contains(t, planReq[0].Text(), "planning agent")
	assert.Contains(t, planReq[1].Text(), "Current app state: 2 elements available")
}

func TestPlannerFailureIsIgnored(t *testing.T) {
	dev := &fakeApp{}
	planner := &llm.MockTransport{
		InvokeFunc: func(ctx context.Context, msgs []session.Message) (*session.Message, error) {
			return nil, fmt.Errorf("planner offline")
		},
	}
	opts := testOptions()
	opts.Planner = planner
	a := newTestAgent(t, scripted(output(tap(0))), dev, opts)

	out, err := a.Run(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, ReasonDone, out.Reason)
	assert.Equal(t, 2, planner.Calls())
}

func TestPlannerRecentActions(t *testing.T) {
	h := history.New()
	for i := 0; i < 4; i++ {
		h.Append(history.Entry{ModelOutput: &action.Output{Actions: []action.Action{{Name: fmt.Sprintf("act%d", i)}}}})
	}
	p := &Planner{Task: "t", Actions: "tap"}
	msgs := p.Messages(&app.Snapshot{}, 4, h)
	require.Len(t, msgs, 2)
	assert.Equal(t, session.RoleSystem, msgs[0].Role)
	progress := msgs[1].Text()
	assert.Contains(t, progress, "Recent actions: Step 2: act1; Step 3: act2; Step 4: act3")
	assert.False(t, strings.Contains(progress, "act0"))
}
