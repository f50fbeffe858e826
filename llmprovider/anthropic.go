package llmprovider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/petal-labs/petalgate/core"
)

const (
	// OutputToolName is the forced tool that carries structured output.
	OutputToolName        = "output"
	outputToolDescription = "Return the structured result matching the schema."

	defaultAnthropicMaxTokens = 4096
)

// anthropicClient talks to the Messages API. Structured output is obtained
// by forcing a single tool whose input schema is the requested schema.
type anthropicClient struct {
	client *anthropic.Client
	params modelParams
	tools  []core.Tool
	schema map[string]any
}

func newAnthropicClient(params modelParams, apiKey, baseURL string, httpClient *http.Client) *anthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if httpClient != nil {
		opts = append(opts, option.WithHTTPClient(httpClient))
	}
	client := anthropic.NewClient(opts...)
	return &anthropicClient{client: &client, params: params}
}

func (c *anthropicClient) BindTools(tools []core.Tool) (core.ModelClient, error) {
	out := *c
	out.tools = append([]core.Tool(nil), tools...)
	return &out, nil
}

func (c *anthropicClient) BindSchema(schema map[string]any) (core.ModelClient, error) {
	if schema == nil {
		return nil, core.ErrSchemaUnsupported
	}
	out := *c
	out.schema = schema
	return &out, nil
}

func (c *anthropicClient) Invoke(ctx context.Context, messages []core.Message) (core.ModelResponse, error) {
	params := c.buildParams(messages)
	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return core.ModelResponse{}, upstreamError(c.params.provider, apiErr.StatusCode, err)
		}
		return core.ModelResponse{}, upstreamError(c.params.provider, 0, err)
	}

	out := core.ModelResponse{
		ID:    resp.ID,
		Model: string(resp.Model),
		Usage: core.Usage{
			InputTokens:  int(resp.Usage.InputTokens),
			OutputTokens: int(resp.Usage.OutputTokens),
			TotalTokens:  int(resp.Usage.InputTokens + resp.Usage.OutputTokens),
		},
		Raw: map[string]any{
			"id":          resp.ID,
			"model":       string(resp.Model),
			"stop_reason": string(resp.StopReason),
		},
	}

	var text strings.Builder
	for _, block := range resp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.AsText().Text)
		case "tool_use":
			use := block.AsToolUse()
			input, _ := json.Marshal(use.Input)
			args := parseArguments(string(input))
			if c.schema != nil && use.Name == OutputToolName {
				out.Structured = args
				continue
			}
			out.ToolCalls = append(out.ToolCalls, core.ToolCall{ID: use.ID, Name: use.Name, Arguments: args})
		}
	}
	out.Text = text.String()
	return out, nil
}

func (c *anthropicClient) buildParams(messages []core.Message) anthropic.MessageNewParams {
	system, converted := toAnthropicMessages(messages)
	maxTokens := int64(defaultAnthropicMaxTokens)
	if c.params.maxTokens != nil {
		maxTokens = int64(*c.params.maxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.params.model),
		Messages:  converted,
		MaxTokens: maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	if c.params.temperature != nil {
		params.Temperature = anthropic.Float(*c.params.temperature)
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(c.tools)+1)
	for _, t := range c.tools {
		tools = append(tools, anthropicTool(t.Name(), t.Description(), t.InputSchema()))
	}
	if c.schema != nil {
		tools = append(tools, anthropicTool(OutputToolName, outputToolDescription, c.schema))
		params.ToolChoice = anthropic.ToolChoiceParamOfTool(OutputToolName)
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return params
}

func anthropicTool(name, description string, schema map[string]any) anthropic.ToolUnionParam {
	input := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
	for key, value := range schema {
		switch key {
		case "type":
		case "properties":
			input.Properties = value
		case "required":
			input.Required = requiredList(value)
		default:
			if input.ExtraFields == nil {
				input.ExtraFields = make(map[string]any)
			}
			input.ExtraFields[key] = value
		}
	}
	tool := anthropic.ToolUnionParamOfTool(input, name)
	if description != "" && tool.OfTool != nil {
		tool.OfTool.Description = anthropic.String(description)
	}
	return tool
}

func requiredList(v any) []string {
	switch req := v.(type) {
	case []string:
		return req
	case []any:
		out := make([]string, 0, len(req))
		for _, r := range req {
			if s, ok := r.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// toAnthropicMessages splits system text out and merges consecutive tool
// results into the single user turn the Messages API expects.
func toAnthropicMessages(messages []core.Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	out := make([]anthropic.MessageParam, 0, len(messages))
	var results []anthropic.ContentBlockParamUnion

	flush := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range messages {
		if m.Role == core.RoleTool {
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()
		switch m.Role {
		case core.RoleSystem:
			if m.Content != "" {
				system = append(system, anthropic.TextBlockParam{Text: m.Content})
			}
		case core.RoleAssistant:
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.ToolCalls)+1)
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				args := tc.Arguments
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, args, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	flush()
	return system, out
}

var _ core.ModelClient = (*anthropicClient)(nil)
