package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/genai"

	"github.com/petal-labs/petalgate/core"
)

// geminiClient talks to the Gemini API. It supports JSON mode through the
// response MIME type and does not bind tools.
type geminiClient struct {
	client   *genai.Client
	params   modelParams
	jsonMode bool
}

func newGeminiClient(ctx context.Context, params modelParams, apiKey, baseURL string, httpClient *http.Client) (*geminiClient, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, core.NewError(core.CodeProviderBadRequest, fmt.Sprintf("google: %v", err), err).
			WithDetail("provider", params.provider)
	}
	return &geminiClient{client: client, params: params}, nil
}

func (c *geminiClient) BindTools([]core.Tool) (core.ModelClient, error) {
	return nil, core.ErrToolsUnsupported
}

func (c *geminiClient) BindSchema(schema map[string]any) (core.ModelClient, error) {
	out := *c
	out.jsonMode = true
	return &out, nil
}

func (c *geminiClient) Invoke(ctx context.Context, messages []core.Message) (core.ModelResponse, error) {
	system, contents := toGeminiContents(messages)

	config := &genai.GenerateContentConfig{}
	if system != nil {
		config.SystemInstruction = system
	}
	if c.params.temperature != nil {
		t := float32(*c.params.temperature)
		config.Temperature = &t
	}
	if c.params.maxTokens != nil {
		config.MaxOutputTokens = int32(*c.params.maxTokens)
	}
	if c.jsonMode {
		config.ResponseMIMEType = "application/json"
	}

	result, err := c.client.Models.GenerateContent(ctx, c.params.model, contents, config)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return core.ModelResponse{}, upstreamError(c.params.provider, apiErr.Code, err)
		}
		return core.ModelResponse{}, upstreamError(c.params.provider, 0, err)
	}

	out := core.ModelResponse{
		Model: c.params.model,
		Text:  result.Text(),
		Raw:   map[string]any{"model": c.params.model},
	}
	if result.UsageMetadata != nil {
		out.Usage = core.Usage{
			InputTokens:  int(result.UsageMetadata.PromptTokenCount),
			OutputTokens: int(result.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(result.UsageMetadata.TotalTokenCount),
		}
	}
	if c.jsonMode {
		out.Structured = parseStructured(out.Text)
	}
	return out, nil
}

func toGeminiContents(messages []core.Message) (*genai.Content, []*genai.Content) {
	var system *genai.Content
	contents := make([]*genai.Content, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case core.RoleSystem:
			if system == nil {
				system = &genai.Content{}
			}
			system.Parts = append(system.Parts, &genai.Part{Text: m.Content})
		case core.RoleAssistant:
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	return system, contents
}

var _ core.ModelClient = (*geminiClient)(nil)
