package action

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-playground/validator/v10"
	"github.com/m4xw311/appuse/app"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/llm"
)

// OutputSchemaName is the tool / schema name the model fills in every step.
const OutputSchemaName = "AgentOutput"

// Handler executes an action with already validated parameters.
type Handler func(ctx context.Context, params map[string]interface{}, provider app.Provider, runCtx any) (Result, error)

// Executor runs actions against the application.
type Executor interface {
	Execute(ctx context.Context, act Action, provider app.Provider, runCtx any) (Result, error)
}

// Definition describes one action kind.
type Definition struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the parameter object.
	Parameters map[string]interface{}
	Handler    Handler
	// Validate checks a parameter object. Nil means only the schema's
	// required keys are checked.
	Validate func(params map[string]interface{}) error
}

// Registry holds all available actions. It also executes them.
type Registry struct {
	mu      sync.RWMutex
	defs    map[string]*Definition
	secrets map[string]string
}

// NewRegistry creates a registry. sensitiveData maps placeholder names to
// the secret values substituted into parameters at execution time.
func NewRegistry(sensitiveData map[string]string) *Registry {
	secrets := make(map[string]string, len(sensitiveData))
	for k, v := range sensitiveData {
		secrets[k] = v
	}
	return &Registry{defs: make(map[string]*Definition), secrets: secrets}
}

// Add registers an untyped action. Names must be unique.
func (r *Registry) Add(def Definition) error {
	if def.Name == "" || def.Handler == nil {
		return errors.New("action definition needs a name and a handler")
	}
	if def.Parameters == nil {
		def.Parameters = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.defs[def.Name]; ok {
		return errors.New("action %q is already registered", def.Name)
	}
	d := def
	r.defs[def.Name] = &d
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Register adds an action whose parameters decode into P. P is validated
// with its `validate` struct tags before h runs.
func Register[P any](r *Registry, name, description string, parameters map[string]interface{}, h func(ctx context.Context, params P, provider app.Provider, runCtx any) (Result, error)) error {
	return r.Add(Definition{
		Name:        name,
		Description: description,
		Parameters:  parameters,
		Validate: func(params map[string]interface{}) error {
			_, err := decodeParams[P](params)
			return err
		},
		Handler: func(ctx context.Context, params map[string]interface{}, provider app.Provider, runCtx any) (Result, error) {
			p, err := decodeParams[P](params)
			if err != nil {
				return Result{}, err
			}
			return h(ctx, p, provider, runCtx)
		},
	})
}

func decodeParams[P any](params map[string]interface{}) (P, error) {
	var p P
	data, err := json.Marshal(params)
	if err != nil {
		return p, errors.Mark(errors.ErrValidation, errors.Wrapf(err, "encode parameters"))
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, errors.Mark(errors.ErrValidation, errors.Wrapf(err, "decode parameters"))
	}
	if reflect.Indirect(reflect.ValueOf(&p)).Kind() == reflect.Struct {
		if err := validate.Struct(p); err != nil {
			return p, errors.Mark(errors.ErrValidation, errors.Wrapf(err, "invalid parameters"))
		}
	}
	return p, nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[name]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Names lists the registered actions matching any of the glob filters, in
// sorted order. No filters means every action.
func (r *Registry) Names(filter ...string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name := range r.defs {
		if matchesFilter(name, filter) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func matchesFilter(name string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	for _, pattern := range filter {
		if ok, err := doublestar.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

// PromptDescription renders the available actions for the system prompt.
func (r *Registry) PromptDescription(filter ...string) string {
	var b strings.Builder
	for _, name := range r.Names(filter...) {
		def, _ := r.Get(name)
		params, _ := json.Marshal(def.Parameters["properties"])
		fmt.Fprintf(&b, "%s: %s\n{%s: %s}\n", def.Name, def.Description, def.Name, params)
	}
	return strings.TrimSpace(b.String())
}

// OutputSchema builds the schema of the model's per-step reply, restricted
// to the actions matching filter.
func (r *Registry) OutputSchema(filter ...string) llm.Schema {
	actions := map[string]interface{}{}
	for _, name := range r.Names(filter...) {
		def, _ := r.Get(name)
		p := make(map[string]interface{}, len(def.Parameters)+1)
		for k, v := range def.Parameters {
			p[k] = v
		}
		p["description"] = def.Description
		actions[name] = p
	}
	str := func(desc string) map[string]interface{} {
		return map[string]interface{}{"type": "string", "description": desc}
	}
	return llm.Schema{
		Name:        OutputSchemaName,
		Description: "The agent's evaluation, memory, next goal and the actions to run next.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"thinking":                 str("Reasoning about the current state."),
				"evaluation_previous_goal": str("Success|Failed|Unknown - did the previous actions achieve their goal?"),
				"memory":                   str("What has been done and what to remember."),
				"next_goal":                str("What needs to be done with the next actions."),
				"action": map[string]interface{}{
					"type":        "array",
					"description": "Actions to execute in order. Each item has exactly one key: the action name.",
					"minItems":    1,
					"items": map[string]interface{}{
						"type":       "object",
						"properties": actions,
					},
				},
			},
			"required": []string{"evaluation_previous_goal", "memory", "next_goal", "action"},
		},
	}
}

// ParseOutput decodes and validates a model reply. The action list is cut
// to limit first (limit <= 0 keeps all), so actions beyond it are dropped
// without being checked. The rest must be registered and match filter;
// their parameters must validate. Empty action objects are kept so the
// caller can detect an all-default reply.
func (r *Registry) ParseOutput(data []byte, limit int, filter ...string) (*Output, error) {
	var out Output
	if err := json.Unmarshal(data, &out); err != nil {
		if errors.Is(err, errors.ErrValidation) {
			return nil, err
		}
		return nil, errors.Mark(errors.ErrParse, errors.Wrapf(err, "decode model output"))
	}
	out.Truncate(limit)
	for _, act := range out.Actions {
		if act.IsEmpty() {
			continue
		}
		if err := r.Validate(act, filter...); err != nil {
			return nil, err
		}
	}
	return &out, nil
}

// Validate checks that act is allowed and its parameters are well formed.
func (r *Registry) Validate(act Action, filter ...string) error {
	def, ok := r.Get(act.Name)
	if !ok {
		return errors.Mark(errors.ErrValidation, errors.New("unknown action %q", act.Name))
	}
	if !matchesFilter(act.Name, filter) {
		return errors.Mark(errors.ErrValidation, errors.New("action %q is not allowed now", act.Name))
	}
	if def.Validate != nil {
		return def.Validate(act.Params)
	}
	return checkRequired(def.Parameters, act.Params)
}

func checkRequired(schema, params map[string]interface{}) error {
	var required []string
	switch req := schema["required"].(type) {
	case []string:
		required = req
	case []interface{}:
		for _, v := range req {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	for _, key := range required {
		if _, ok := params[key]; !ok {
			return errors.Mark(errors.ErrValidation, errors.New("missing required parameter %q", key))
		}
	}
	return nil
}

// Execute runs act. Secret placeholders in string parameters are replaced
// with their values first.
func (r *Registry) Execute(ctx context.Context, act Action, provider app.Provider, runCtx any) (Result, error) {
	def, ok := r.Get(act.Name)
	if !ok {
		return Result{}, errors.Mark(errors.ErrValidation, errors.New("unknown action %q", act.Name))
	}
	params := r.revealSecrets(act.Params)
	return def.Handler(ctx, params, provider, runCtx)
}

func (r *Registry) revealSecrets(params map[string]interface{}) map[string]interface{} {
	if len(r.secrets) == 0 || params == nil {
		return params
	}
	out := make(map[string]interface{}, len(params))
	for k, v := range params {
		out[k] = r.revealValue(v)
	}
	return out
}

func (r *Registry) revealValue(v interface{}) interface{} {
	switch x := v.(type) {
	case string:
		for name, secret := range r.secrets {
			x = strings.ReplaceAll(x, "<secret>"+name+"</secret>", secret)
		}
		return x
	case map[string]interface{}:
		return r.revealSecrets(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i := range x {
			out[i] = r.revealValue(x[i])
		}
		return out
	default:
		return v
	}
}
