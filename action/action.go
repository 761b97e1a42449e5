package action

import (
	"bytes"
	"encoding/json"

	"github.com/m4xw311/appuse/errors"
)

// Action is one command chosen by the model. On the wire it is an object
// with a single key, the action name, mapping to its parameters:
//
//	{"tap": {"index": 4}}
//
// An empty object decodes to the zero Action.
type Action struct {
	Name   string
	Params map[string]interface{}
}

// IsEmpty reports whether the model returned an all-default action.
func (a Action) IsEmpty() bool { return a.Name == "" }

func (a Action) MarshalJSON() ([]byte, error) {
	if a.IsEmpty() {
		return []byte("{}"), nil
	}
	params := a.Params
	if params == nil {
		params = map[string]interface{}{}
	}
	return json.Marshal(map[string]interface{}{a.Name: params})
}

func (a *Action) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Mark(errors.ErrValidation, errors.Wrapf(err, "action must be an object"))
	}
	*a = Action{}
	var set []string
	for name, body := range raw {
		// Some models emit every known action key with null for the unused ones
		if bytes.Equal(bytes.TrimSpace(body), []byte("null")) {
			continue
		}
		set = append(set, name)
		a.Name = name
		if err := json.Unmarshal(body, &a.Params); err != nil {
			return errors.Mark(errors.ErrValidation, errors.Wrapf(err, "parameters of action %q must be an object", name))
		}
	}
	if len(set) > 1 {
		return errors.Mark(errors.ErrValidation, errors.New("action object must have exactly one key, got %v", set))
	}
	return nil
}

// Output is the structured reply the model produces each step.
type Output struct {
	Thinking               string   `json:"thinking,omitempty"`
	EvaluationPreviousGoal string   `json:"evaluation_previous_goal"`
	Memory                 string   `json:"memory"`
	NextGoal               string   `json:"next_goal"`
	Actions                []Action `json:"action"`
}

// Empty reports whether the output has no usable action.
func (o *Output) Empty() bool {
	if o == nil {
		return true
	}
	for _, a := range o.Actions {
		if !a.IsEmpty() {
			return false
		}
	}
	return true
}

// Truncate keeps at most n actions.
func (o *Output) Truncate(n int) {
	if n > 0 && len(o.Actions) > n {
		o.Actions = o.Actions[:n]
	}
}

// DropEmpty removes all-default actions mixed in with real ones.
func (o *Output) DropEmpty() {
	kept := o.Actions[:0]
	for _, a := range o.Actions {
		if !a.IsEmpty() {
			kept = append(kept, a)
		}
	}
	o.Actions = kept
}

// Args returns the output as a generic map, the form used for tool-call
// messages in the transcript.
func (o *Output) Args() map[string]interface{} {
	data, err := json.Marshal(o)
	if err != nil {
		return map[string]interface{}{}
	}
	var args map[string]interface{}
	if err := json.Unmarshal(data, &args); err != nil {
		return map[string]interface{}{}
	}
	return args
}

// Result is the outcome of executing one action.
type Result struct {
	IsDone           bool   `json:"is_done"`
	Success          bool   `json:"success"`
	ExtractedContent string `json:"extracted_content,omitempty"`
	Error            string `json:"error,omitempty"`
	IncludeInMemory  bool   `json:"include_in_memory"`
}

// Failed builds an error result.
func Failed(msg string) Result {
	return Result{Error: msg, IncludeInMemory: true}
}

// HasError reports whether any result carries an error.
func HasError(results []Result) bool {
	for _, r := range results {
		if r.Error != "" {
			return true
		}
	}
	return false
}

// Done builds a terminal done action.
func Done(text string, success bool) Action {
	return Action{Name: DoneName, Params: map[string]interface{}{"text": text, "success": success}}
}
