package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	// WebSearchToolName is the name the model sees for the web search tool.
	WebSearchToolName = "tavily_search"

	defaultTavilyEndpoint   = "https://api.tavily.com/search"
	defaultWebSearchResults = 5
	defaultWebSearchTimeout = 20 * time.Second
)

// ErrWebSearchUnavailable reports that web search was requested without a
// search API key.
var ErrWebSearchUnavailable = errors.New("tool: web search requested but no tavily api key is configured")

type webSearchArgs struct {
	Query string `json:"query" jsonschema_description:"Search query"`
}

var webSearchSchema = reflectInputSchema(&webSearchArgs{})

// WebSearchConfig configures the Tavily-backed search tool.
type WebSearchConfig struct {
	APIKey     string
	Endpoint   string
	MaxResults int
	HTTPClient *http.Client
}

// WebSearchRequest is the per-invocation web search setting read from a
// request's extra map.
type WebSearchRequest struct {
	Enabled    bool
	MaxResults int
	APIKey     string
}

// ParseWebSearchRequest reads extra.web_search (bool or object with
// max_results) and extra.tavily_api_key.
func ParseWebSearchRequest(extra map[string]any) WebSearchRequest {
	var out WebSearchRequest
	if key, ok := extra["tavily_api_key"].(string); ok {
		out.APIKey = strings.TrimSpace(key)
	}
	switch v := extra["web_search"].(type) {
	case bool:
		out.Enabled = v
	case map[string]any:
		out.Enabled = true
		if enabled, ok := v["enabled"].(bool); ok {
			out.Enabled = enabled
		}
		if n, ok := v["max_results"].(float64); ok && n > 0 {
			out.MaxResults = int(n)
		}
	}
	return out
}

// NewWebSearchTool returns the search tool, or ErrWebSearchUnavailable when
// no API key is set.
func NewWebSearchTool(cfg WebSearchConfig) (*FuncTool, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, ErrWebSearchUnavailable
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = defaultTavilyEndpoint
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = defaultWebSearchResults
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultWebSearchTimeout}
	}
	s := &webSearcher{cfg: cfg}
	return NewFuncTool(WebSearchToolName,
		"Search the web for current information. Input: { query: string }",
		OriginTavily, webSearchSchema, s.search), nil
}

type webSearcher struct {
	cfg WebSearchConfig
}

type tavilyResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Score   float64 `json:"score,omitempty"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Answer  string         `json:"answer,omitempty"`
	Results []tavilyResult `json:"results"`
}

func (s *webSearcher) search(ctx context.Context, args map[string]any) (string, error) {
	var in webSearchArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Query) == "" {
		return "", newToolError(ToolErrorCodeInvalidArguments, "query is required", false, nil)
	}

	body, err := json.Marshal(map[string]any{
		"api_key":     s.cfg.APIKey,
		"query":       in.Query,
		"max_results": s.cfg.MaxResults,
		"topic":       "general",
	})
	if err != nil {
		return "", fmt.Errorf("tool: encode search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("tool: build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", newToolError(ToolErrorCodeUpstreamFailure, "web search request failed", true, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("tool: read search response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		message := strings.TrimSpace(string(respBody))
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		retryable := resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
		return "", newToolError(ToolErrorCodeUpstreamFailure, fmt.Sprintf("web search returned status %d: %s", resp.StatusCode, message), retryable, nil).
			with("status", resp.StatusCode)
	}

	var decoded tavilyResponse
	if err := json.Unmarshal(respBody, &decoded); err != nil {
		return "", newToolError(ToolErrorCodeUpstreamFailure, "web search returned malformed JSON", false, err)
	}
	if decoded.Results == nil {
		decoded.Results = []tavilyResult{}
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return "", fmt.Errorf("tool: encode search results: %w", err)
	}
	return string(out), nil
}
