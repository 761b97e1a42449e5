package llm

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/session"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

// GeminiTransport talks to the Google Gemini API. It supports the
// function_calling, json_mode and raw methods.
type GeminiTransport struct {
	client    *genai.Client
	modelName string
}

// NewGeminiTransport creates a new GeminiTransport.
// It requires the GEMINI_API_KEY environment variable to be set.
func NewGeminiTransport(ctx context.Context, modelName string) (*GeminiTransport, error) {
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("GEMINI_API_KEY environment variable not set")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create genai client")
	}

	return &GeminiTransport{client: client, modelName: modelName}, nil
}

func (g *GeminiTransport) Identity() Identity {
	return Identity{Vendor: "gemini", Model: g.modelName}
}

func (g *GeminiTransport) Invoke(ctx context.Context, messages []session.Message) (*session.Message, error) {
	// A fresh model per call keeps concurrent probes from sharing tool config.
	return g.send(ctx, g.client.GenerativeModel(g.modelName), messages)
}

func (g *GeminiTransport) InvokeStructured(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error) {
	model := g.client.GenerativeModel(g.modelName)
	switch method {
	case MethodFunctionCalling:
		model.Tools = []*genai.Tool{{FunctionDeclarations: []*genai.FunctionDeclaration{{
			Name:        schema.Name,
			Description: schema.Description,
			Parameters:  toGenaiSchema(schema.Parameters),
		}}}}
		model.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: &genai.FunctionCallingConfig{
			Mode:                 genai.FunctionCallingAny,
			AllowedFunctionNames: []string{schema.Name},
		}}
	case MethodJSONMode:
		model.ResponseMIMEType = "application/json"
		messages = withInstruction(messages, schemaInstruction(schema))
	default:
		return nil, unsupported("gemini", method)
	}

	msg, err := g.send(ctx, model, messages)
	if err != nil {
		return nil, err
	}
	return structuredFromMessage(msg, schema.Name), nil
}

func (g *GeminiTransport) send(ctx context.Context, model *genai.GenerativeModel, messages []session.Message) (*session.Message, error) {
	history, system := convertMessagesToGeminiContent(messages)
	if system != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(system))
	}
	if len(history) == 0 {
		return nil, errors.New("no messages to send to Gemini")
	}

	// The last message is the new prompt.
	lastMessage := history[len(history)-1]

	chatSession := model.StartChat()
	chatSession.History = history[:len(history)-1]
	resp, err := chatSession.SendMessage(ctx, lastMessage.Parts...)
	if err != nil {
		status := 0
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) {
			status = apiErr.Code
		}
		return nil, classify(errors.Wrapf(err, "failed to send message to Gemini"), status)
	}

	return processGeminiResponse(resp)
}

// convertMessagesToGeminiContent converts our internal message format to
// Gemini's and returns the system prompt separately.
func convertMessagesToGeminiContent(messages []session.Message) ([]*genai.Content, string) {
	var contents []*genai.Content
	var system []string
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			system = append(system, msg.Text())
		case session.RoleAssistant:
			var parts []genai.Part
			if text := msg.Text(); text != "" {
				parts = append(parts, genai.Text(text))
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, genai.FunctionCall{Name: tc.Name, Args: tc.Args})
			}
			if len(parts) == 0 {
				continue
			}
			contents = append(contents, &genai.Content{Role: "model", Parts: parts})
		case session.RoleTool:
			contents = append(contents, &genai.Content{Role: "user", Parts: []genai.Part{
				genai.FunctionResponse{Name: toolNameFor(messages, msg.ToolCallID), Response: map[string]any{"content": msg.Content}},
			}})
		default:
			parts := []genai.Part{genai.Text(msg.Text())}
			for _, url := range msg.Images() {
				mediaType, data := splitDataURL(url)
				raw, err := base64.StdEncoding.DecodeString(data)
				if err != nil {
					continue
				}
				parts = append(parts, genai.ImageData(strings.TrimPrefix(mediaType, "image/"), raw))
			}
			contents = append(contents, &genai.Content{Role: "user", Parts: parts})
		}
	}
	return contents, strings.Join(system, "\n\n")
}

// toolNameFor finds the function name of the call a tool message answers.
func toolNameFor(messages []session.Message, callID string) string {
	for _, m := range messages {
		for _, tc := range m.ToolCalls {
			if tc.ToolCallID == callID {
				return tc.Name
			}
		}
	}
	return "tool"
}

// processGeminiResponse converts a Gemini API response into our internal session.Message format.
func processGeminiResponse(resp *genai.GenerateContentResponse) (*session.Message, error) {
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil, errors.New("received an empty response from Gemini")
	}

	msg := &session.Message{Role: session.RoleAssistant}
	for i, part := range resp.Candidates[0].Content.Parts {
		switch v := part.(type) {
		case genai.Text:
			msg.Content += string(v)
		case genai.FunctionCall:
			msg.ToolCalls = append(msg.ToolCalls, session.ToolCall{
				ToolCallID: fmt.Sprintf("%s_%d", v.Name, i),
				Name:       v.Name,
				Args:       v.Args,
			})
		default:
			return nil, errors.New("unsupported part type in Gemini response: %T", v)
		}
	}
	return msg, nil
}

// toGenaiSchema converts the JSON-schema subset used for action outputs.
func toGenaiSchema(js map[string]interface{}) *genai.Schema {
	if js == nil {
		return nil
	}
	s := &genai.Schema{}
	if d, ok := js["description"].(string); ok {
		s.Description = d
	}
	switch js["type"] {
	case "string":
		s.Type = genai.TypeString
	case "integer":
		s.Type = genai.TypeInteger
	case "number":
		s.Type = genai.TypeNumber
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if items, ok := js["items"].(map[string]interface{}); ok {
			s.Items = toGenaiSchema(items)
		}
	default:
		s.Type = genai.TypeObject
		if props, ok := js["properties"].(map[string]interface{}); ok {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				if pm, ok := p.(map[string]interface{}); ok {
					s.Properties[name] = toGenaiSchema(pm)
				}
			}
		}
		if len(s.Properties) == 0 {
			// Gemini rejects objects without properties
			s.Nullable = true
		}
	}
	switch req := js["required"].(type) {
	case []string:
		s.Required = req
	case []interface{}:
		for _, r := range req {
			if name, ok := r.(string); ok {
				s.Required = append(s.Required, name)
			}
		}
	}
	switch enum := js["enum"].(type) {
	case []string:
		s.Enum = enum
	case []interface{}:
		for _, e := range enum {
			if v, ok := e.(string); ok {
				s.Enum = append(s.Enum, v)
			}
		}
	}
	return s
}
