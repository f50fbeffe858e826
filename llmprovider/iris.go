package llmprovider

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	iriscore "github.com/petal-labs/iris/core"
	"github.com/petal-labs/iris/providers"
	// Registers the ollama provider with the iris registry.
	_ "github.com/petal-labs/iris/providers/ollama"

	"github.com/petal-labs/petalgate/core"
)

// irisClient wraps an iris Provider. Iris chat requests carry no tool
// definitions here, so BindTools reports ErrToolsUnsupported.
type irisClient struct {
	provider iriscore.Provider
	params   modelParams
	jsonMode bool
}

func newIrisClient(params modelParams, apiKey string) (*irisClient, error) {
	provider, err := providers.Create(params.provider, apiKey)
	if err != nil {
		return nil, core.NewError(core.CodeProviderUnsupported, fmt.Sprintf("creating provider %q: %v", params.provider, err), err)
	}
	return &irisClient{provider: provider, params: params}, nil
}

func (c *irisClient) BindTools([]core.Tool) (core.ModelClient, error) {
	return nil, core.ErrToolsUnsupported
}

func (c *irisClient) BindSchema(map[string]any) (core.ModelClient, error) {
	out := *c
	out.jsonMode = true
	return &out, nil
}

// Invoke sends a synchronous chat request via the iris provider.
func (c *irisClient) Invoke(ctx context.Context, messages []core.Message) (core.ModelResponse, error) {
	resp, err := c.provider.Chat(ctx, c.toRequest(messages))
	if err != nil {
		return core.ModelResponse{}, upstreamError(c.params.provider, 0, err)
	}
	return c.fromResponse(resp), nil
}

func (c *irisClient) toRequest(messages []core.Message) *iriscore.ChatRequest {
	converted := make([]iriscore.Message, 0, len(messages))
	for _, m := range messages {
		msg := iriscore.Message{
			Role:    toIrisRole(m.Role),
			Content: m.Content,
		}
		if len(m.ToolCalls) > 0 {
			msg.ToolCalls = make([]iriscore.ToolCall, len(m.ToolCalls))
			for i, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Arguments)
				msg.ToolCalls[i] = iriscore.ToolCall{
					ID:        tc.ID,
					Name:      tc.Name,
					Arguments: args,
				}
			}
		}
		converted = append(converted, msg)
	}

	req := &iriscore.ChatRequest{
		Model:    iriscore.ModelID(c.params.model),
		Messages: converted,
	}
	if c.params.temperature != nil {
		temp := float32(*c.params.temperature)
		req.Temperature = &temp
	}
	if c.params.maxTokens != nil {
		maxTokens := *c.params.maxTokens
		req.MaxTokens = &maxTokens
	}
	if c.jsonMode {
		req.Instructions = "Respond with a single JSON object and nothing else."
	}
	return req
}

func (c *irisClient) fromResponse(resp *iriscore.ChatResponse) core.ModelResponse {
	out := core.ModelResponse{
		ID:    resp.ID,
		Model: string(resp.Model),
		Text:  resp.Output,
		Usage: core.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
			TotalTokens:  resp.Usage.TotalTokens,
		},
		Raw: map[string]any{
			"id":       resp.ID,
			"model":    string(resp.Model),
			"provider": c.provider.ID(),
		},
	}
	if resp.Status != "" {
		out.Raw["status"] = resp.Status
	}
	for _, tc := range resp.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, core.ToolCall{
			ID:        tc.ID,
			Name:      tc.Name,
			Arguments: parseArguments(string(tc.Arguments)),
		})
	}
	if c.jsonMode && resp.Output != "" {
		out.Structured = parseStructured(resp.Output)
	}
	return out
}

func toIrisRole(role core.Role) iriscore.Role {
	switch role {
	case core.RoleSystem:
		return iriscore.RoleSystem
	case core.RoleAssistant:
		return iriscore.RoleAssistant
	case core.RoleTool:
		return iriscore.RoleTool
	default:
		return iriscore.RoleUser
	}
}

// ListModels returns the model ids an iris-backed provider reports. It is
// the fallback for providers without a catalog document.
func (c *Catalog) ListModels(provider string) ([]string, error) {
	id := normalizeID(provider)
	if id != ProviderOllama {
		return nil, fmt.Errorf("llmprovider: %q has no live model listing", provider)
	}
	p, err := providers.Create(id, c.Config(id).APIKey)
	if err != nil {
		return nil, fmt.Errorf("creating provider %q: %w", id, err)
	}
	infos := p.Models()
	ids := make([]string, 0, len(infos))
	for _, info := range infos {
		ids = append(ids, string(info.ID))
	}
	sort.Strings(ids)
	return ids, nil
}

var _ core.ModelClient = (*irisClient)(nil)
