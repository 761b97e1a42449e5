package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/session"
	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
)

// OpenAITransport talks to the OpenAI Chat Completion API or a compatible
// endpoint (Azure, Groq, local servers).
type OpenAITransport struct {
	client  *openai.Client
	model   string
	baseURL string
}

// NewOpenAITransport creates a new OpenAITransport. It requires the OPENAI_API_KEY environment variable to be set.
// It also supports OPENAI_BASE_URL for custom API endpoints.
func NewOpenAITransport(ctx context.Context, modelName string) (*OpenAITransport, error) {
	apiKey := os.Getenv("OPENAI_API_KEY")
	if apiKey == "" {
		return nil, errors.New("OPENAI_API_KEY environment variable not set")
	}

	options := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}

	baseURL := os.Getenv("OPENAI_BASE_URL")
	if baseURL != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}

	c := openai.NewClient(options...)
	// The &c is required, dn not replace and just use c
	return &OpenAITransport{client: &c, model: modelName, baseURL: baseURL}, nil
}

// Identity reports the vendor as azure or groq when the base URL points there,
// since those deployments differ in which protocols they accept.
func (o *OpenAITransport) Identity() Identity {
	vendor := "openai"
	switch u := strings.ToLower(o.baseURL); {
	case strings.Contains(u, "azure"):
		vendor = "azure"
	case strings.Contains(u, "groq"):
		vendor = "groq"
	}
	return Identity{Vendor: vendor, Model: o.model, Endpoint: o.baseURL}
}

func (o *OpenAITransport) Invoke(ctx context.Context, messages []session.Message) (*session.Message, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: convertMessagesToOpenaiContent(messages),
	}
	return o.send(ctx, params)
}

func (o *OpenAITransport) InvokeStructured(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error) {
	params := openai.ChatCompletionNewParams{
		Model: openai.ChatModel(o.model),
	}
	switch method {
	case MethodFunctionCalling, MethodTools:
		params.Messages = convertMessagesToOpenaiContent(messages)
		params.Tools = []openai.ChatCompletionToolUnionParam{openaiSchemaTool(schema)}
		// function_calling forces the single tool; tools leaves the choice to the
		// model and relies on the tool being the only sensible reply.
		choice := "required"
		if method == MethodTools {
			choice = "auto"
		}
		params.ToolChoice = openai.ChatCompletionToolChoiceOptionUnionParam{OfAuto: openai.String(choice)}
	case MethodJSONMode:
		params.Messages = convertMessagesToOpenaiContent(withInstruction(messages, schemaInstruction(schema)))
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	default:
		return nil, unsupported("openai", method)
	}

	msg, err := o.send(ctx, params)
	if err != nil {
		return nil, err
	}
	return structuredFromMessage(msg, schema.Name), nil
}

func (o *OpenAITransport) send(ctx context.Context, params openai.ChatCompletionNewParams) (*session.Message, error) {
	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, classify(errors.Wrapf(err, "failed to send message to OpenAI"), status)
	}
	return processOpenaiResponse(resp)
}

// processOpenaiResponse converts an OpenAI API response into our internal session.Message format.
func processOpenaiResponse(resp *openai.ChatCompletion) (*session.Message, error) {
	if len(resp.Choices) == 0 {
		return &session.Message{Role: session.RoleAssistant}, nil
	}

	choice := resp.Choices[0].Message

	if len(choice.ToolCalls) > 0 {
		var sessToolCalls []session.ToolCall
		for _, tc := range choice.ToolCalls {
			var toolArgs map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &toolArgs); err != nil {
				return nil, errors.Mark(errors.ErrParse, errors.Wrapf(err, "failed to unmarshal function call arguments from OpenAI"))
			}
			sessToolCalls = append(sessToolCalls, session.ToolCall{
				ToolCallID: tc.ID,
				Name:       tc.Function.Name,
				Args:       toolArgs,
			})
		}
		return &session.Message{
			Role:      session.RoleAssistant,
			Content:   choice.Content,
			ToolCalls: sessToolCalls,
		}, nil
	}

	return &session.Message{Role: session.RoleAssistant, Content: choice.Content}, nil
}

// convertMessagesToOpenaiContent converts our internal message format to OpenAI's.
func convertMessagesToOpenaiContent(messages []session.Message) []openai.ChatCompletionMessageParamUnion {
	var chatMessages []openai.ChatCompletionMessageParamUnion
	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			chatMessages = append(chatMessages, openai.SystemMessage(msg.Text()))
		case session.RoleAssistant:
			assistantMessage := openai.ChatCompletionMessage{
				Role:    "assistant",
				Content: msg.Text(),
			}
			if len(msg.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						slog.Warn("could not marshal tool call arguments, skipping call in history", "tool", tc.Name, "error", err)
						continue
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnion{
						ID:   tc.ToolCallID,
						Type: "function",
						Function: openai.ChatCompletionMessageFunctionToolCallFunction{
							Name:      tc.Name,
							Arguments: string(argsBytes),
						},
					})
				}
				assistantMessage.ToolCalls = toolCalls
			}
			chatMessages = append(chatMessages, assistantMessage.ToParam())
		case session.RoleTool:
			chatMessages = append(chatMessages, openai.ToolMessage(msg.Content, msg.ToolCallID))
		default:
			if images := msg.Images(); len(images) > 0 {
				parts := []openai.ChatCompletionContentPartUnionParam{openai.TextContentPart(msg.Text())}
				for _, url := range images {
					parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: url}))
				}
				chatMessages = append(chatMessages, openai.UserMessage(parts))
				continue
			}
			chatMessages = append(chatMessages, openai.UserMessage(msg.Content))
		}
	}
	return chatMessages
}

func openaiSchemaTool(schema Schema) openai.ChatCompletionToolUnionParam {
	return openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
		Name:        schema.Name,
		Description: openai.String(schema.Description),
		Parameters:  openai.FunctionParameters(schema.Parameters),
	})
}
