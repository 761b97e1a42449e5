package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/m4xw311/appuse/errors"
	"github.com/m4xw311/appuse/session"
)

// BedrockTransport talks to Anthropic models on AWS Bedrock. It supports the
// tools and raw methods.
type BedrockTransport struct {
	client  *bedrockruntime.Client
	modelID string
	region  string
}

// NewBedrockTransport creates a new BedrockTransport.
// It requires AWS credentials to be configured in the environment.
func NewBedrockTransport(ctx context.Context, modelID string) (*BedrockTransport, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load AWS config")
	}

	var opts []func(*bedrockruntime.Options)
	// Custom endpoint, useful for testing
	if endpoint := os.Getenv("BEDROCK_ENDPOINT_URL"); endpoint != "" {
		opts = append(opts, func(o *bedrockruntime.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		})
	}
	client := bedrockruntime.NewFromConfig(cfg, opts...)

	region := cfg.Region
	if region == "" {
		region = os.Getenv("AWS_DEFAULT_REGION")
	}
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = "us-east-1" // Default region
	}

	return &BedrockTransport{
		client:  client,
		modelID: modelID,
		region:  region,
	}, nil
}

func (b *BedrockTransport) Identity() Identity {
	return Identity{Vendor: "bedrock", Model: b.modelID, Endpoint: b.region}
}

func (b *BedrockTransport) Invoke(ctx context.Context, messages []session.Message) (*session.Message, error) {
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(messages)
	body, err := createAnthropicRequest(anthropicMessages, systemPrompt, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}
	return b.send(ctx, body)
}

func (b *BedrockTransport) InvokeStructured(ctx context.Context, messages []session.Message, schema Schema, method Method) (*StructuredResponse, error) {
	if method != MethodTools {
		return nil, unsupported("bedrock", method)
	}
	anthropicMessages, systemPrompt := convertMessagesToAnthropicFormat(messages)
	body, err := createAnthropicRequest(anthropicMessages, systemPrompt, &schema)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create Anthropic request")
	}
	msg, err := b.send(ctx, body)
	if err != nil {
		return nil, err
	}
	return structuredFromMessage(msg, schema.Name), nil
}

func (b *BedrockTransport) send(ctx context.Context, body []byte) (*session.Message, error) {
	resp, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.modelID),
		ContentType: aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		var throttled *types.ThrottlingException
		var quota *types.ServiceQuotaExceededException
		if errors.As(err, &throttled) || errors.As(err, &quota) {
			return nil, errors.Mark(errors.ErrRateLimited, errors.Wrapf(err, "failed to invoke Bedrock model"))
		}
		return nil, classify(errors.Wrapf(err, "failed to invoke Bedrock model"), 0)
	}
	return processBedrockResponse(resp.Body)
}

// convertMessagesToAnthropicFormat converts our internal message format to
// the Anthropic-on-Bedrock JSON shape.
func convertMessagesToAnthropicFormat(messages []session.Message) ([]map[string]interface{}, string) {
	var anthropicMessages []map[string]interface{}
	var systemPrompt string

	for _, msg := range messages {
		switch msg.Role {
		case session.RoleSystem:
			systemPrompt = msg.Text()
		case session.RoleUser:
			content := []map[string]interface{}{
				{
					"type": "text",
					"text": msg.Text(),
				},
			}
			for _, url := range msg.Images() {
				mediaType, data := splitDataURL(url)
				content = append(content, map[string]interface{}{
					"type": "image",
					"source": map[string]interface{}{
						"type":       "base64",
						"media_type": mediaType,
						"data":       data,
					},
				})
			}
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role":    "user",
				"content": content,
			})
		case session.RoleAssistant:
			if len(msg.ToolCalls) > 0 {
				var toolUses []map[string]interface{}
				for _, tc := range msg.ToolCalls {
					toolUses = append(toolUses, map[string]interface{}{
						"type":  "tool_use",
						"id":    tc.ToolCallID,
						"name":  tc.Name,
						"input": tc.Args,
					})
				}

				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role":    "assistant",
					"content": toolUses,
				})
			} else if msg.Content != "" {
				anthropicMessages = append(anthropicMessages, map[string]interface{}{
					"role": "assistant",
					"content": []map[string]interface{}{
						{
							"type": "text",
							"text": msg.Content,
						},
					},
				})
			}
		case session.RoleTool:
			anthropicMessages = append(anthropicMessages, map[string]interface{}{
				"role": "user",
				"content": []map[string]interface{}{
					{
						"type":        "tool_result",
						"tool_use_id": msg.ToolCallID,
						"content":     msg.Content,
					},
				},
			})
		}
	}

	return anthropicMessages, systemPrompt
}

// createAnthropicRequest creates the request body for Anthropic models on
// Bedrock. A non-nil schema becomes the single forced tool.
func createAnthropicRequest(messages []map[string]interface{}, systemPrompt string, schema *Schema) ([]byte, error) {
	request := map[string]interface{}{
		"anthropic_version": "bedrock-2023-05-31",
		"max_tokens":        4096,
		"messages":          messages,
	}

	if systemPrompt != "" {
		request["system"] = systemPrompt
	}

	if schema != nil {
		request["tools"] = []map[string]interface{}{{
			"name":         schema.Name,
			"description":  schema.Description,
			"input_schema": schema.Parameters,
		}}
		request["tool_choice"] = map[string]interface{}{
			"type": "tool",
			"name": schema.Name,
		}
	}

	return json.Marshal(request)
}

// processBedrockResponse converts a Bedrock API response into our internal session.Message format.
func processBedrockResponse(body []byte) (*session.Message, error) {
	var response map[string]interface{}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, errors.Mark(errors.ErrParse, errors.Wrapf(err, "failed to unmarshal Bedrock response"))
	}

	if errMsg, ok := response["error"]; ok {
		return nil, classify(errors.New("Bedrock API error: %v", errMsg), 0)
	}

	content, ok := response["content"]
	if !ok {
		return &session.Message{Role: session.RoleAssistant}, nil
	}

	contentArray, ok := content.([]interface{})
	if !ok {
		return nil, errors.New("unexpected content format in Bedrock response")
	}

	var responseContent string
	var toolCalls []session.ToolCall
	toolCallIDCounter := 0

	for _, item := range contentArray {
		itemMap, ok := item.(map[string]interface{})
		if !ok {
			continue
		}

		itemType, ok := itemMap["type"].(string)
		if !ok {
			continue
		}

		switch itemType {
		case "text":
			if text, ok := itemMap["text"].(string); ok {
				responseContent += text
			}
		case "tool_use":
			if name, ok := itemMap["name"].(string); ok {
				if input, ok := itemMap["input"].(map[string]interface{}); ok {
					id := fmt.Sprintf("call_%d_%s", toolCallIDCounter, name)
					if toolID, ok := itemMap["id"].(string); ok {
						id = toolID
					}

					toolCalls = append(toolCalls, session.ToolCall{
						ToolCallID: id,
						Name:       name,
						Args:       input,
					})
					toolCallIDCounter++
				}
			}
		}
	}

	return &session.Message{
		Role:      session.RoleAssistant,
		Content:   responseContent,
		ToolCalls: toolCalls,
	}, nil
}
