package llm

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/session"
)

// AnthropicTransport talks to the Anthropic Messages API. It supports the
// tools and raw methods.
type AnthropicTransport struct {
	client *anthropic.Client
	model  string
}

// NewAnthropicTransport creates a new AnthropicTransport.
// It requires the ANTHROPIC_API_KEY environment variable to be set.
func NewAnthropicTransport(ctx context.Context, modelName string) (*AnthropicTransport, error) {
	apiKey := os.Getenv("ANTHROPIC_API_KEY")
	if apiKey == "" {
		return nil, errors.New("ANTHROPIC_API_KEY environment variable not set")
	}

	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
	)

	return &AnthropicTransport{
		client: &client,
		model:  modelName,
	}, nil
}

func (a *AnthropicTransport) Identity() Identity {
	return Identity{Vendor: "anthropic", Model: a.model}
}

func (a *AnthropicTransport) Invoke(ctx context.Context, messages []session.Message) (*session.Message, error) {
	return a.send(ctx, a.params(messages))
}

func (a *AnthropicTransport) InvokeStructured(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error) {
	if method != MethodTools {
		return nil, unsupported("anthropic", method)
	}
	params := a.params(messages)
	tool := anthropicSchemaTool(schema)
	params.Tools = []anthropic.ToolUnionParam{{OfTool: &tool}}
	params.ToolChoice = anthropic.ToolChoiceParamOfTool(schema.Name)

	msg, err := a.send(ctx, params)
	if err != nil {
		return nil, err
	}
	return structuredFromMessage(msg, schema.Name), nil
}

func (a *AnthropicTransport) params(messages []session.Message) anthropic.MessageNewParams {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicMessages(messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: 4096,
		Messages:  anthropicMessages,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{
			{Text: systemPrompt},
		}
	}
	return params
}

func (a *AnthropicTransport) send(ctx context.Context, params anthropic.MessageNewParams) (*session.Message, error) {
	resp, err := a.client.Messages.New(ctx, params)
	if err != nil {
		status := 0
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			status = apiErr.StatusCode
		}
		return nil, classify(errors.Wrapf(err, "failed to send message to Anthropic"), status)
	}
	return processAnthropicResponse(resp)
}

// convertMessagesToAnthropicMessages converts our internal message format to Anthropic's format.
func convertMessagesToAnthropicMessages(messages []session.Message) ([]anthropic.MessageParam, string) {
	var anthropicMessages []anthropic.MessageParam
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleUser:
			blocks := []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(msg.Text())}
			for _, url := range msg.Images() {
				mediaType, data := splitDataURL(url)
				blocks = append(blocks, anthropic.NewImageBlockBase64(mediaType, data))
			}
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(blocks...))
		case session.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var contentItems []anthropic.ContentBlockParamUnion
				for _, tc := range msg.ToolCalls {
					argsBytes, err := json.Marshal(tc.Args)
					if err != nil {
						slog.Warn("could not marshal tool call arguments, skipping", "tool", tc.Name, "error", err)
						continue
					}

					contentItems = append(contentItems, anthropic.ContentBlockParamUnion{
						OfToolUse: &anthropic.ToolUseBlockParam{
							ID:    tc.ToolCallID,
							Name:  tc.Name,
							Input: json.RawMessage(argsBytes),
						}})
				}

				anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: contentItems,
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(msg.Content)))
			}
		case session.RoleTool:
			anthropicMessages = append(anthropicMessages, anthropic.MessageParam{
				Role: anthropic.MessageParamRoleUser,
				Content: []anthropic.ContentBlockParamUnion{{
					OfToolResult: &anthropic.ToolResultBlockParam{
						ToolUseID: msg.ToolCallID,
						Content: []anthropic.ToolResultBlockParamContentUnion{{
							OfText: &anthropic.TextBlockParam{
								Text: msg.Content,
							},
						}},
					},
				}},
			})
		case session.RoleSystem:
			// Anthropic takes a single system prompt; later ones win
			systemPrompt = msg.Text()
		}
	}

	return anthropicMessages, systemPrompt
}

func anthropicSchemaTool(schema Schema) anthropic.ToolParam {
	inputSchema := anthropic.ToolInputSchemaParam{
		Properties: schema.Parameters["properties"],
	}
	if req, ok := schema.Parameters["required"].([]string); ok {
		inputSchema.Required = req
	}
	return anthropic.ToolParam{
		Name:        schema.Name,
		Description: anthropic.String(schema.Description),
		InputSchema: inputSchema,
	}
}

// processAnthropicResponse converts an Anthropic API response into our internal session.Message format.
func processAnthropicResponse(resp *anthropic.Message) (*session.Message, error) {
	if len(resp.Content) == 0 {
		return &session.Message{Role: session.RoleAssistant}, nil
	}

	var responseContent string
	var toolCalls []session.ToolCall

	for _, content := range resp.Content {
		switch c := content.AsAny().(type) {
		case anthropic.TextBlock:
			responseContent += c.Text
		case anthropic.ToolUseBlock:
			var args map[string]interface{}
			if err := json.Unmarshal(c.Input, &args); err != nil {
				return nil, errors.Mark(errors.ErrParse, errors.Wrapf(err, "failed to unmarshal tool call input"))
			}

			toolCalls = append(toolCalls, session.ToolCall{
				ToolCallID: c.ID,
				Name:       c.Name,
				Args:       args,
			})
		}
	}

	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}

// splitDataURL turns "data:image/png;base64,AAAA" into ("image/png", "AAAA").
func splitDataURL(url string) (string, string) {
	const prefix = "data:"
	if !strings.HasPrefix(url, prefix) {
		return "image/png", url
	}
	meta, data, ok := strings.Cut(url[len(prefix):], ",")
	if !ok {
		return "image/png", url
	}
	mediaType, _, _ := strings.Cut(meta, ";")
	if mediaType == "" {
		mediaType = "image/png"
	}
	return mediaType, data
}
