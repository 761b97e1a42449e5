package contextmgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/session"
)

const defaultSystemTemplate = `You are an AI assistant that helps users interact with mobile applications through automation. You can perform taps, swipes, text entry, and other high-level actions on mobile apps. Always think step-by-step, reference interactive elements by their *index* as provided, and only use the available actions. When working with mobile apps, be aware of common mobile UI patterns like navigation drawers, tab bars, and gesture-based interactions.

Every step you receive:
<agent_history>: what you did in previous steps and the results
<agent_state>: the user request, the step number and the current time
<app_state>: the interactive elements of the current screen, as [index]<type attributes>text />
<read_state>: content extracted by the previous actions, shown once

Respond with your evaluation of the previous goal (Success|Failed|Unknown), what to remember, the next goal, and a list of actions to execute in order. Use at most {max_actions} actions per step. If the screen changes after an action the remaining actions are skipped.
Always respond with a single JSON object of this shape:
{"evaluation_previous_goal": "Success|Failed|Unknown - short reason", "memory": "...", "next_goal": "...", "action": [{"action_name": {"parameter": "value"}}]}
When the task is finished, or cannot be finished, use the done action. Set success to true only if the whole task was completed.

Your AVAILABLE ACTIONS:
{actions}
# End of system instructions`

// SystemPrompt builds the system message. override replaces the built-in
// template; extend is appended after it. Both templates may reference
// {actions} and {max_actions}.
func SystemPrompt(actionDescription string, maxActions int, override, extend string) session.Message {
	text := defaultSystemTemplate
	if override != "" {
		text = override
	}
	text = strings.ReplaceAll(text, "{max_actions}", fmt.Sprint(maxActions))
	text = strings.ReplaceAll(text, "{actions}", actionDescription)
	if extend != "" {
		text += "\n" + extend
	}
	return session.SystemMessage(text)
}

// StepInfo locates the current step inside the run. StepNumber is zero based.
type StepInfo struct {
	StepNumber int
	MaxSteps   int
}

// IsLastStep reports whether this is the final step of the run. A nil
// StepInfo is never the last step.
func (s *StepInfo) IsLastStep() bool {
	return s != nil && s.StepNumber >= s.MaxSteps-1
}

// DescribeElements renders the interactive elements of snap with scroll
// markers, or "empty page" when there are none.
func DescribeElements(snap *app.Snapshot, includeAttributes []string) string {
	var text string
	if snap != nil && snap.Elements != nil {
		text = snap.Elements.InteractiveElementsString(includeAttributes)
	}
	if text == "" {
		return "empty page"
	}
	if snap.PixelsAbove > 0 {
		text = fmt.Sprintf("... %d pixels above - scroll or extract content to see more ...\n%s", snap.PixelsAbove, text)
	} else {
		text = "[Start of page]\n" + text
	}
	if snap.PixelsBelow > 0 {
		text = fmt.Sprintf("%s\n... %d pixels below - scroll or extract content to see more ...", text, snap.PixelsBelow)
	} else {
		text += "\n[End of page]"
	}
	return text
}

type stateMessage struct {
	history           string
	readState         string
	task              string
	step              *StepInfo
	now               time.Time
	secretKeys        []string
	snapshot          *app.Snapshot
	includeAttributes []string
}

func (s stateMessage) render() string {
	var b strings.Builder
	b.WriteString("<agent_history>\n")
	b.WriteString(strings.Trim(s.history, "\n"))
	b.WriteString("\n</agent_history>\n")

	b.WriteString("<agent_state>\n<user_request>\n")
	b.WriteString(s.task)
	b.WriteString("\n</user_request>\n<step_info>\n")
	if s.step != nil {
		fmt.Fprintf(&b, "Step %d of %d max possible steps\n", s.step.StepNumber+1, s.step.MaxSteps)
	}
	b.WriteString("Current date and time: " + s.now.Format("2006-01-02 15:04"))
	b.WriteString("\n</step_info>")
	if len(s.secretKeys) > 0 {
		b.WriteString("\n<sensitive_data>\n")
		b.WriteString(placeholderList(s.secretKeys))
		b.WriteString("\n</sensitive_data>")
	}
	b.WriteString("\n</agent_state>\n")

	b.WriteString("<app_state>\nInteractive elements from top layer of the current page inside the viewport:\n")
	b.WriteString(DescribeElements(s.snapshot, s.includeAttributes))
	b.WriteString("\n</app_state>\n")

	b.WriteString("<read_state>\n")
	b.WriteString(strings.Trim(s.readState, "\n"))
	b.WriteString("\n</read_state>\n")
	return b.String()
}

func placeholderList(keys []string) string {
	return fmt.Sprintf("Here are placeholders for sensitive data: [%s]\nTo use them, write <secret>the placeholder name</secret>", strings.Join(keys, ", "))
}

func taskMessage(task string) string {
	return fmt.Sprintf(`Your ultimate task is: """%s""". If you achieved your ultimate task, stop everything and use the done action in the next step to complete the task. If not, continue as usual.`, task)
}
