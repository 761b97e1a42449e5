package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/m4xw311/appuse/session"
)

// MockTransport is a scriptable Transport for tests and dry runs.
type MockTransport struct {
	ID             Identity
	InvokeFunc     func(ctx context.Context, messages []session.Message) (*session.Message, error)
	StructuredFunc func(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error)

	mu       sync.Mutex
	calls    int
	methods  []Method
	requests [][]session.Message
}

func (m *MockTransport) Identity() Identity {
	if m.ID == (Identity{}) {
		return Identity{Vendor: "mock", Model: "mock-model"}
	}
	return m.ID
}

func (m *MockTransport) Invoke(ctx context.Context, messages []session.Message) (*session.Message, error) {
	m.record(messages, MethodRaw)
	if m.InvokeFunc != nil {
		return m.InvokeFunc(ctx, messages)
	}
	last := ""
	if len(messages) > 0 {
		last = messages[len(messages)-1].Text()
	}
	reply := session.AssistantMessage(fmt.Sprintf("I am a mock LLM. You said: '%s'.", last))
	return &reply, nil
}

func (m *MockTransport) InvokeStructured(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error) {
	m.record(messages, method)
	if m.StructuredFunc != nil {
		return m.StructuredFunc(ctx, messages, schema, method)
	}
	return nil, unsupported("mock", method)
}

func (m *MockTransport) record(messages []session.Message, method Method) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.methods = append(m.methods, method)
	cp := make([]session.Message, len(messages))
	for i := range messages {
		cp[i] = messages[i].Clone()
	}
	m.requests = append(m.requests, cp)
}

// Calls reports how many requests were made.
func (m *MockTransport) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Methods lists the protocol of every request, in order. Invoke records raw.
func (m *MockTransport) Methods() []Method {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Method(nil), m.methods...)
}

// Requests returns copies of the message lists sent so far.
func (m *MockTransport) Requests() [][]session.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]session.Message(nil), m.requests...)
}

// ParsedResponse builds a successful StructuredResponse holding v as JSON.
func ParsedResponse(v any) *StructuredResponse {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	raw := session.AssistantMessage(string(data))
	return &StructuredResponse{Raw: &raw, Parsed: data}
}
