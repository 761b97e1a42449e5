package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/history"
	"github.com/m4xw311/appuse/llm"
	"github.com/m4xw311/appuse/session"
)

const plannerTemplate = `You are a planning agent that helps break down tasks into smaller steps when interacting with mobile apps.

Original task: %s
Current step: %d

Your role is to:
1. Analyse the current state and history
2. Evaluate progress towards the ultimate goal
3. Identify potential challenges or roadblocks
4. Suggest the next high-level steps to take

Available actions for the main agent:
%s

Respond strictly as a JSON object with the following fields:
{
    "state_analysis": "Brief analysis of the current state and what has been done so far",
    "progress_evaluation": "Evaluation of progress towards the ultimate goal (percentage + short description)",
    "challenges": "List any potential challenges or roadblocks",
    "next_steps": "List 2-3 concrete next steps to take",
    "reasoning": "Explain your reasoning for the suggested next steps"
}`

// recentActionSteps is how many history entries the planner sees.
const recentActionSteps = 3

// Planner is a secondary model that gives strategic guidance to the main
// agent. Its failures are logged and never fail the step.
type Planner struct {
	Transport         llm.Transport
	Task              string
	Actions           string
	Reasoning         bool
	ExtendPrompt      string
	IncludeAttributes []string
	Logger            *slog.Logger
}

// Messages builds the planner conversation for the given step.
func (p *Planner) Messages(snap *app.Snapshot, step int, h *history.Store) []session.Message {
	prompt := fmt.Sprintf(plannerTemplate, p.Task, step, p.Actions)
	if p.ExtendPrompt != "" {
		prompt += "\n" + p.ExtendPrompt
	}
	// Reasoning models see the instructions as a user turn so their chain of
	// thought stays out of the system slot.
	first := session.SystemMessage(prompt)
	if p.Reasoning {
		first = session.HumanMessage(prompt)
	}

	appContext := fmt.Sprintf("Current app state: %d elements available", snap.ElementCount())
	if snap != nil && snap.Elements != nil {
		appContext += "\n" + snap.Elements.InteractiveElementsString(p.IncludeAttributes)
	}
	if recent := recentActions(h); len(recent) > 0 {
		appContext += "\nRecent actions: " + strings.Join(recent, "; ")
	}

	progress := fmt.Sprintf(`Task: %s

Current Progress:
- Step: %d
- %s

Please analyze the current situation and provide strategic guidance for the next steps.
Focus on high-level planning and identifying the most efficient path to complete the task.`, p.Task, step, appContext)

	return []session.Message{first, session.HumanMessage(progress)}
}

func recentActions(h *history.Store) []string {
	if h == nil {
		return nil
	}
	entries := h.Entries()
	offset := 0
	if len(entries) > recentActionSteps {
		offset = len(entries) - recentActionSteps
	}
	var out []string
	for i, e := range entries[offset:] {
		if e.ModelOutput == nil {
			continue
		}
		for _, act := range e.ModelOutput.Actions {
			name := act.Name
			if name == "" {
				name = "unknown"
			}
			out = append(out, fmt.Sprintf("Step %d: %s", offset+i+1, name))
		}
	}
	return out
}

// Plan asks the planner model for guidance. It returns "" when the planner
// fails or ctx ends first.
func (p *Planner) Plan(ctx context.Context, snap *app.Snapshot, step int, h *history.Store) string {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("running planner", "step", step)

	select {
	case <-ctx.Done():
		return ""
	case reply := <-llm.InvokeAsync(ctx, p.Transport, p.Messages(snap, step, h)):
		if reply.Err != nil {
			logger.Warn("planner execution failed", "error", reply.Err)
			return ""
		}
		plan := strings.TrimSpace(llm.RemoveThinkTags(reply.Message.Text()))
		logger.Info("planner guidance", "plan", truncate(plan, 200))
		return plan
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
