package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/session"
)

// Method is a structured-output protocol a model may support.
type Method string

const (
	// MethodAuto asks the negotiator to detect the protocol.
	MethodAuto            Method = "auto"
	MethodFunctionCalling Method = "function_calling"
	MethodTools           Method = "tools"
	MethodJSONMode        Method = "json_mode"
	MethodRaw             Method = "raw"
)

// PreferenceOrder lists the concrete methods from most to least preferred.
var PreferenceOrder = []Method{MethodFunctionCalling, MethodTools, MethodJSONMode, MethodRaw}

// ParseMethod converts a config value into a Method. The empty string means auto.
func ParseMethod(s string) (Method, error) {
	switch m := Method(strings.ToLower(strings.TrimSpace(s))); m {
	case "", MethodAuto:
		return MethodAuto, nil
	case MethodFunctionCalling, MethodTools, MethodJSONMode, MethodRaw:
		return m, nil
	default:
		return "", errors.Mark(errors.ErrConfiguration, errors.New("unknown tool calling method %q", s))
	}
}

// Structured reports whether the method returns a parsed object rather than text.
func (m Method) Structured() bool {
	return m == MethodFunctionCalling || m == MethodTools || m == MethodJSONMode
}

// Identity names a model connection. Two transports with the same Identity
// share negotiation results.
type Identity struct {
	Vendor   string
	Model    string
	Endpoint string
}

func (i Identity) String() string {
	if i.Endpoint == "" {
		return fmt.Sprintf("%s/%s", i.Vendor, i.Model)
	}
	return fmt.Sprintf("%s/%s@%s", i.Vendor, i.Model, i.Endpoint)
}

// Schema is a named JSON schema the model must fill in.
type Schema struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// StructuredResponse carries the raw model message and, when decoding
// succeeded, the JSON object it contained.
type StructuredResponse struct {
	Raw          *session.Message
	Parsed       json.RawMessage
	ParsingError error
}

// Transport is the model connection used by the engine.
type Transport interface {
	Identity() Identity
	// Invoke sends messages and returns the plain assistant reply.
	Invoke(ctx context.Context, messages []session.Message) (*session.Message, error)
	// InvokeStructured asks for an object matching schema using method.
	// Transports return ErrUnsupportedMethod for methods they cannot speak.
	InvokeStructured(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error)
}

// StructuredModel is a Transport bound to one schema and method.
type StructuredModel struct {
	transport Transport
	schema    Schema
	method    Method
}

// WithStructuredOutput binds schema and method to t.
func WithStructuredOutput(t Transport, schema Schema, method Method) *StructuredModel {
	return &StructuredModel{transport: t, schema: schema, method: method}
}

func (s *StructuredModel) Method() Method { return s.method }

func (s *StructuredModel) Invoke(ctx context.Context, messages []session.Message) (*StructuredResponse, error) {
	return s.transport.InvokeStructured(ctx, messages, s.schema, s.method)
}

// Reply is the outcome of an asynchronous Invoke.
type Reply struct {
	Message *session.Message
	Err     error
}

// InvokeAsync runs t.Invoke in its own goroutine. The returned channel
// receives exactly one Reply and is then closed.
func InvokeAsync(ctx context.Context, t Transport, messages []session.Message) <-chan Reply {
	ch := make(chan Reply, 1)
	go func() {
		defer close(ch)
		msg, err := t.Invoke(ctx, messages)
		ch <- Reply{Message: msg, Err: err}
	}()
	return ch
}

// New creates the transport for the named vendor.
func New(ctx context.Context, vendor, model string) (Transport, error) {
	switch vendor {
	case "openai":
		return NewOpenAITransport(ctx, model)
	case "anthropic":
		return NewAnthropicTransport(ctx, model)
	case "gemini":
		return NewGeminiTransport(ctx, model)
	case "bedrock":
		return NewBedrockTransport(ctx, model)
	default:
		return nil, errors.Mark(errors.ErrConfiguration, errors.New("unknown llm %q", vendor))
	}
}

// structuredFromMessage decodes the object the model produced, preferring a
// tool call named after the schema, then any tool call, then JSON in the text.
func structuredFromMessage(msg *session.Message, schemaName string) *StructuredResponse {
	resp := &StructuredResponse{Raw: msg}
	if msg == nil {
		resp.ParsingError = errors.Mark(errors.ErrParse, errors.New("empty model response"))
		return resp
	}
	var call *session.ToolCall
	for i := range msg.ToolCalls {
		if msg.ToolCalls[i].Name == schemaName {
			call = &msg.ToolCalls[i]
			break
		}
	}
	if call == nil && len(msg.ToolCalls) > 0 {
		call = &msg.ToolCalls[0]
	}
	if call != nil {
		data, err := json.Marshal(call.Args)
		if err != nil {
			resp.ParsingError = errors.Mark(errors.ErrParse, errors.Wrapf(err, "tool call arguments"))
			return resp
		}
		resp.Parsed = data
		return resp
	}
	data, err := ExtractJSON(msg.Content)
	if err != nil {
		resp.ParsingError = err
		return resp
	}
	resp.Parsed = data
	return resp
}

// schemaInstruction is appended for methods that rely on prompting alone.
func schemaInstruction(schema Schema) string {
	data, _ := json.Marshal(schema.Parameters)
	return fmt.Sprintf("Respond only with a JSON object matching this schema (%s): %s", schema.Name, data)
}

// withInstruction appends text to the final message when it is a plain
// user message, otherwise it adds a new user message.
func withInstruction(messages []session.Message, text string) []session.Message {
	out := make([]session.Message, len(messages))
	copy(out, messages)
	if n := len(out); n > 0 && out[n-1].Role == session.RoleUser && len(out[n-1].Parts) == 0 {
		out[n-1].Content = out[n-1].Content + "\n\n" + text
		return out
	}
	return append(out, session.HumanMessage(text))
}
