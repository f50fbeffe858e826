package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/petal-labs/petalgate/core"
)

// openAIClient talks to the Chat Completions API. DeepSeek is served by the
// same client pointed at its OpenAI-compatible base URL.
type openAIClient struct {
	client *openai.Client
	params modelParams
	tools  []core.Tool
	schema map[string]any
}

func newOpenAIClient(params modelParams, apiKey, baseURL string, httpClient *http.Client) *openAIClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Retries belong to the engine's attempt loop.
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := openai.NewClient(opts...)
	return &openAIClient{client: &client, params: params}
}

// BindTools returns a copy of the client that offers tools to the model.
func (c *openAIClient) BindTools(tools []core.Tool) (core.ModelClient, error) {
	out := *c
	out.tools = append([]core.Tool(nil), tools...)
	return &out, nil
}

// BindSchema returns a copy of the client that requests strict json_schema
// output. DeepSeek rejects the json_schema response format.
func (c *openAIClient) BindSchema(schema map[string]any) (core.ModelClient, error) {
	if schema == nil || c.params.provider == ProviderDeepSeek {
		return nil, core.ErrSchemaUnsupported
	}
	out := *c
	out.schema = schema
	return &out, nil
}

// Invoke sends one chat completion request.
func (c *openAIClient) Invoke(ctx context.Context, messages []core.Message) (core.ModelResponse, error) {
	params := c.buildParams(messages)
	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return core.ModelResponse{}, upstreamError(c.params.provider, apiErr.StatusCode, err)
		}
		return core.ModelResponse{}, upstreamError(c.params.provider, 0, err)
	}
	if len(resp.Choices) == 0 {
		return core.ModelResponse{}, upstreamError(c.params.provider, http.StatusBadGateway, errors.New("no choices returned"))
	}

	choice := resp.Choices[0]
	out := core.ModelResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Text:  choice.Message.Content,
		Usage: core.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:  int(resp.Usage.TotalTokens),
		},
		Raw: map[string]any{
			"id":            resp.ID,
			"model":         resp.Model,
			"finish_reason": choice.FinishReason,
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: parseArguments(tc.Function.Arguments),
		})
	}
	if c.schema != nil && len(out.ToolCalls) == 0 {
		out.Structured = parseStructured(out.Text)
	}
	return out, nil
}

func (c *openAIClient) buildParams(messages []core.Message) openai.ChatCompletionNewParams {
	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(messages),
		Model:    openai.ChatModel(c.params.model),
	}
	if c.params.temperature != nil {
		params.Temperature = openai.Float(*c.params.temperature)
	}
	if c.params.maxTokens != nil {
		if c.params.provider == ProviderDeepSeek {
			params.MaxTokens = openai.Int(int64(*c.params.maxTokens))
		} else {
			params.MaxCompletionTokens = openai.Int(int64(*c.params.maxTokens))
		}
	}
	if len(c.tools) > 0 {
		tools := make([]openai.ChatCompletionToolParam, len(c.tools))
		for i, t := range c.tools {
			tools[i] = openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        t.Name(),
					Description: openai.String(t.Description()),
					Parameters:  t.InputSchema(),
				},
			}
		}
		params.Tools = tools
	}
	if c.schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:   "output",
					Schema: c.schema,
					Strict: openai.Bool(true),
				},
			},
		}
	}
	return params
}

func toOpenAIMessages(messages []core.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case core.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				calls[i] = openai.ChatCompletionMessageToolCallParam{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(args),
					},
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &openai.ChatCompletionAssistantMessageParam{
				Role:      "assistant",
				ToolCalls: calls,
			}})
		case core.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

var _ core.ModelClient = (*openAIClient)(nil)
