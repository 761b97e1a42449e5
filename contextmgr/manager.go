// Package contextmgr owns the conversation sent to the model: the protected
// opening messages, the committed transcript of model outputs, and the one
// staged state message describing the current screen. It keeps a running
// token estimate and trims the oldest committed messages when the budget
// is exceeded.
//
// A Manager is not safe for concurrent use; the step engine is its only
// writer.
package contextmgr

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/m4xw311/appuse/action"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/session"
)

const (
	charsPerToken = 3
	imageTokens   = 800
	historyMarker = "[Your task history memory starts here]"
)

// Settings configures a Manager.
type Settings struct {
	MaxInputTokens    int
	IncludeAttributes []string
	MessageContext    string
	// SensitiveData maps placeholder names to secret values. Values are
	// replaced by <secret>name</secret> in everything the model sees.
	SensitiveData map[string]string
	Logger        *slog.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type managed struct {
	msg       session.Message
	tokens    int
	protected bool
}

type historyItem struct {
	step int
	text string
}

// Manager holds the conversation state.
type Manager struct {
	task      string
	settings  Settings
	system    managed
	messages  []managed
	stateIdx  int // index of the staged state message, -1 if none
	tokens    int
	budget    int
	plainText bool
	nextID    int
	items     []historyItem
	secrets   [][2]string // name, value; longest value first
}

// New builds a Manager whose transcript starts with the system message and
// the protected task messages.
func New(task string, system session.Message, s Settings) *Manager {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Now == nil {
		s.Now = time.Now
	}
	m := &Manager{
		task:     task,
		settings: s,
		stateIdx: -1,
		budget:   s.MaxInputTokens,
	}
	for name, value := range s.SensitiveData {
		if value != "" {
			m.secrets = append(m.secrets, [2]string{name, value})
		}
	}
	sort.Slice(m.secrets, func(i, j int) bool {
		if len(m.secrets[i][1]) != len(m.secrets[j][1]) {
			return len(m.secrets[i][1]) > len(m.secrets[j][1])
		}
		return m.secrets[i][0] < m.secrets[j][0]
	})

	m.system = m.wrap(system, true)
	m.tokens += m.system.tokens
	m.initMessages()
	return m
}

func (m *Manager) initMessages() {
	if m.settings.MessageContext != "" {
		m.push(session.HumanMessage("Context for the task\n"+m.settings.MessageContext), true)
	}
	m.push(session.HumanMessage(taskMessage(m.task)), true)
	if keys := m.secretKeys(); len(keys) > 0 {
		m.push(session.HumanMessage(placeholderList(keys)), true)
	}

	m.push(session.HumanMessage("Example output:"), true)
	example := &action.Output{
		EvaluationPreviousGoal: "Success - I opened the app. Never mind.",
		Memory:                 "Started the task. 0 of 1 steps done.",
		NextGoal:               "Tap the search field.",
		Actions:                []action.Action{{Name: "tap_element", Params: map[string]interface{}{"index": 12}}},
	}
	id := m.newToolCallID()
	m.push(session.Message{
		Role:      session.RoleAssistant,
		ToolCalls: []session.ToolCall{{ToolCallID: id, Name: action.OutputSchemaName, Args: example.Args()}},
	}, true)
	m.push(session.ToolMessage("App started", id), true)
	m.push(session.HumanMessage(historyMarker), true)
}

func (m *Manager) secretKeys() []string {
	keys := make([]string, 0, len(m.secrets))
	for _, s := range m.secrets {
		keys = append(keys, s[0])
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) newToolCallID() string {
	m.nextID++
	return fmt.Sprint(m.nextID)
}

func (m *Manager) redact(text string) string {
	for _, s := range m.secrets {
		text = strings.ReplaceAll(text, s[1], "<secret>"+s[0]+"</secret>")
	}
	return text
}

func (m *Manager) wrap(msg session.Message, protected bool) managed {
	if len(m.secrets) > 0 {
		msg = msg.MapText(m.redact)
	}
	return managed{msg: msg, tokens: estimateTokens(msg), protected: protected}
}

func (m *Manager) push(msg session.Message, protected bool) {
	w := m.wrap(msg, protected)
	m.messages = append(m.messages, w)
	m.tokens += w.tokens
}

func (m *Manager) insert(i int, msg session.Message) {
	w := m.wrap(msg, false)
	m.messages = append(m.messages, managed{})
	copy(m.messages[i+1:], m.messages[i:])
	m.messages[i] = w
	m.tokens += w.tokens
	if m.stateIdx >= i {
		m.stateIdx++
	}
}

func (m *Manager) removeAt(i int) {
	m.tokens -= m.messages[i].tokens
	m.messages = append(m.messages[:i], m.messages[i+1:]...)
	switch {
	case m.stateIdx == i:
		m.stateIdx = -1
	case m.stateIdx > i:
		m.stateIdx--
	}
}

// estimateTokens approximates the model's tokenizer: one token per three
// characters plus a flat cost per image.
func estimateTokens(msg session.Message) int {
	chars := len(msg.Text())
	for _, tc := range msg.ToolCalls {
		data, _ := json.Marshal(tc.Args)
		chars += len(tc.Name) + len(data)
	}
	return chars/charsPerToken + imageTokens*len(msg.Images())
}

// AddStateMessage stages the state message for the coming model call. lastOutput
// and lastResult describe the previous step and feed the rolling history.
// Only one state message may be staged at a time.
func (m *Manager) AddStateMessage(snap *app.Snapshot, lastOutput *action.Output, lastResult []action.Result, step *StepInfo, useVision bool) error {
	if m.stateIdx >= 0 {
		return errors.Mark(errors.ErrEphemeralPending, errors.New("a state message is already staged"))
	}
	m.recordHistory(lastOutput, lastResult, step)

	var read []string
	for _, r := range lastResult {
		if r.ExtractedContent != "" && !r.IncludeInMemory {
			read = append(read, r.ExtractedContent)
		}
	}
	text := stateMessage{
		history:           m.historyText(),
		readState:         strings.Join(read, "\n"),
		task:              m.task,
		step:              step,
		now:               m.settings.Now(),
		secretKeys:        m.secretKeys(),
		snapshot:          snap,
		includeAttributes: m.settings.IncludeAttributes,
	}.render()

	msg := session.HumanMessage(text)
	if useVision && snap != nil && snap.Screenshot != "" {
		msg = session.ImageMessage(text, snap.Screenshot)
	}
	m.push(msg, false)
	m.stateIdx = len(m.messages) - 1
	return nil
}

// recordHistory adds one rolling history item for the previous step. A
// repeated call for the same step replaces the earlier item so a resumed
// step is not listed twice.
func (m *Manager) recordHistory(out *action.Output, results []action.Result, step *StepInfo) {
	if out == nil && len(results) == 0 {
		return
	}
	n := len(m.items) + 1
	if step != nil {
		n = step.StepNumber
	}
	var b strings.Builder
	if out != nil {
		fmt.Fprintf(&b, "Evaluation of Previous Step: %s\nMemory: %s\nNext Goal: %s\n", out.EvaluationPreviousGoal, out.Memory, out.NextGoal)
	}
	if len(results) > 0 {
		b.WriteString("Action Results:\n")
		for i, r := range results {
			switch {
			case r.Error != "":
				fmt.Fprintf(&b, "Action %d/%d: Error: %s\n", i+1, len(results), lastLine(r.Error))
			case r.IncludeInMemory && r.ExtractedContent != "":
				fmt.Fprintf(&b, "Action %d/%d: %s\n", i+1, len(results), r.ExtractedContent)
			}
		}
	}
	item := historyItem{step: n, text: fmt.Sprintf("<step_%d>\n%s</step_%d>", n, b.String(), n)}
	if l := len(m.items); l > 0 && m.items[l-1].step == n {
		m.items[l-1] = item
		return
	}
	m.items = append(m.items, item)
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndex(s, "\n"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func (m *Manager) historyText() string {
	parts := make([]string, len(m.items))
	for i, it := range m.items {
		parts[i] = it.text
	}
	return strings.Join(parts, "\n")
}

// RemoveLastStateMessage drops the staged state message, if any.
func (m *Manager) RemoveLastStateMessage() {
	if m.stateIdx < 0 {
		return
	}
	m.removeAt(m.stateIdx)
}

// HasStateMessage reports whether a state message is staged.
func (m *Manager) HasStateMessage() bool { return m.stateIdx >= 0 }

// AddModelOutput commits the model's reply as an assistant tool call
// followed by an empty tool result.
func (m *Manager) AddModelOutput(out *action.Output) {
	id := m.newToolCallID()
	m.push(session.Message{
		Role:      session.RoleAssistant,
		ToolCalls: []session.ToolCall{{ToolCallID: id, Name: action.OutputSchemaName, Args: out.Args()}},
	}, false)
	m.push(session.ToolMessage("", id), false)
	m.cut()
}

// AddPlan commits planner guidance as an assistant message. position is an
// offset from the end: 0 appends, -1 inserts before the last message.
func (m *Manager) AddPlan(plan string, position int) {
	if plan == "" {
		return
	}
	i := len(m.messages) + position
	if position > 0 || i > len(m.messages) {
		i = len(m.messages)
	}
	if i < 0 {
		i = 0
	}
	m.insert(i, session.AssistantMessage(plan))
	m.cut()
}

// AddMessage commits msg at the end of the transcript.
func (m *Manager) AddMessage(msg session.Message) {
	m.push(msg, false)
	m.cut()
}

// SetPlainText switches GetMessages to the text-only rendering used for
// models that cannot take tool calls.
func (m *Manager) SetPlainText(on bool) { m.plainText = on }

// GetMessages returns a copy of the conversation to send to the model.
func (m *Manager) GetMessages() []session.Message {
	out := make([]session.Message, 0, len(m.messages)+1)
	out = append(out, m.system.msg.Clone())
	for _, w := range m.messages {
		out = append(out, w.msg.Clone())
	}
	if m.plainText {
		return toPlainText(out)
	}
	return out
}

// ShrinkBudget lowers the token budget by step and trims the transcript to
// fit.
func (m *Manager) ShrinkBudget(step int) {
	m.budget -= step
	if m.budget < 0 {
		m.budget = 0
	}
	m.settings.Logger.Info("cutting tokens from history", "max_input_tokens", m.budget)
	m.cut()
}

// CurrentTokens is the estimated size of the conversation.
func (m *Manager) CurrentTokens() int { return m.tokens }

// Budget is the current token budget.
func (m *Manager) Budget() int { return m.budget }

// cut removes the oldest unprotected committed messages until the estimate
// fits the budget. A tool call is removed together with its results. The
// staged state message is never removed.
func (m *Manager) cut() {
	if m.budget <= 0 && m.settings.MaxInputTokens <= 0 {
		return
	}
	removed := 0
	for m.tokens > m.budget {
		i := m.oldestTrimmable()
		if i < 0 {
			break
		}
		m.removeAt(i)
		removed++
		for i < len(m.messages) && i != m.stateIdx && !m.messages[i].protected && m.messages[i].msg.Role == session.RoleTool {
			m.removeAt(i)
			removed++
		}
	}
	if removed > 0 {
		m.settings.Logger.Debug("trimmed conversation", "removed", removed, "tokens", m.tokens, "budget", m.budget)
	}
	if m.tokens > m.budget {
		m.settings.Logger.Warn("conversation exceeds token budget after trimming", "tokens", m.tokens, "budget", m.budget)
	}
}

func (m *Manager) oldestTrimmable() int {
	for i, w := range m.messages {
		if !w.protected && i != m.stateIdx {
			return i
		}
	}
	return -1
}

// toPlainText renders tool calls as JSON text, tool results as user text,
// and merges consecutive messages of the same role.
func toPlainText(msgs []session.Message) []session.Message {
	var out []session.Message
	for _, msg := range msgs {
		switch {
		case msg.Role == session.RoleAssistant && len(msg.ToolCalls) > 0:
			var parts []string
			if msg.Content != "" {
				parts = append(parts, msg.Content)
			}
			for _, tc := range msg.ToolCalls {
				data, _ := json.Marshal(tc.Args)
				parts = append(parts, string(data))
			}
			msg = session.AssistantMessage(strings.Join(parts, "\n"))
		case msg.Role == session.RoleTool:
			if msg.Content == "" {
				continue
			}
			msg = session.HumanMessage(msg.Content)
		}
		if n := len(out); n > 0 && out[n-1].Role == msg.Role && msg.Role != session.RoleSystem {
			out[n-1] = merge(out[n-1], msg)
			continue
		}
		out = append(out, msg)
	}
	return out
}

func merge(a, b session.Message) session.Message {
	if len(a.Parts) == 0 && len(b.Parts) == 0 {
		a.Content = a.Content + "\n\n" + b.Content
		return a
	}
	merged := session.Message{Role: a.Role}
	merged.Parts = append(asParts(a), asParts(b)...)
	return merged
}

func asParts(m session.Message) []session.Part {
	var parts []session.Part
	if m.Content != "" {
		parts = append(parts, session.Part{Type: session.PartText, Text: m.Content})
	}
	return append(parts, m.Parts...)
}
