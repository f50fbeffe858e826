// Package llmprovider builds core.ModelClient implementations for the
// providers the gateway can dispatch to and tracks their capabilities.
//
// OpenAI and DeepSeek use the openai-go SDK, Anthropic uses
// anthropic-sdk-go, Google uses genai, and Ollama goes through the iris
// provider registry.
package llmprovider

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/petal-labs/petalgate/core"
)

// Provider ids known to the catalog.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderDeepSeek  = "deepseek"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// ProviderConfig is the server-side configuration for one provider.
type ProviderConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key,omitempty"`
	BaseURL string `yaml:"base_url" json:"base_url,omitempty"`
}

// ProviderInfo is the static description of a provider.
type ProviderInfo struct {
	ID               string
	JSONMode         bool
	StructuredOutput bool
	RequiresKey      bool
	DefaultBaseURL   string
}

// ProviderStatus is one row of the provider listing.
type ProviderStatus struct {
	ID string `json:"id"`
	core.Capabilities
}

var builtinProviders = []ProviderInfo{
	{ID: ProviderOpenAI, JSONMode: true, StructuredOutput: true, RequiresKey: true},
	{ID: ProviderAnthropic, JSONMode: true, StructuredOutput: true, RequiresKey: true},
	{ID: ProviderDeepSeek, StructuredOutput: true, RequiresKey: true, DefaultBaseURL: "https://api.deepseek.com/v1"},
	{ID: ProviderGoogle, JSONMode: true, RequiresKey: true},
	{ID: ProviderOllama, JSONMode: true, DefaultBaseURL: "http://localhost:11434"},
}

// CatalogConfig configures a Catalog.
type CatalogConfig struct {
	Providers  map[string]ProviderConfig
	HTTPClient *http.Client
}

// Catalog resolves provider ids to capabilities, credentials and model
// clients. It is safe for concurrent use.
type Catalog struct {
	infos      map[string]ProviderInfo
	order      []string
	httpClient *http.Client

	mu        sync.RWMutex
	configs   map[string]ProviderConfig
	available map[string]bool
}

// NewCatalog creates a catalog of the built-in providers. Availability starts
// as "has a usable credential" and is refined by the Refresher.
func NewCatalog(cfg CatalogConfig) *Catalog {
	c := &Catalog{
		infos:      make(map[string]ProviderInfo, len(builtinProviders)),
		httpClient: cfg.HTTPClient,
		configs:    make(map[string]ProviderConfig, len(cfg.Providers)),
		available:  make(map[string]bool, len(builtinProviders)),
	}
	for _, info := range builtinProviders {
		c.infos[info.ID] = info
		c.order = append(c.order, info.ID)
	}
	for name, pc := range cfg.Providers {
		c.configs[normalizeID(name)] = pc
	}
	for _, id := range c.order {
		c.available[id] = c.hasCredential(id)
	}
	return c
}

func normalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

// Lookup returns the static description of a provider.
func (c *Catalog) Lookup(id string) (ProviderInfo, bool) {
	info, ok := c.infos[normalizeID(id)]
	return info, ok
}

// Capabilities returns the current capabilities of a provider.
func (c *Catalog) Capabilities(id string) (core.Capabilities, bool) {
	id = normalizeID(id)
	info, ok := c.infos[id]
	if !ok {
		return core.Capabilities{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return core.Capabilities{
		JSONMode:         info.JSONMode,
		StructuredOutput: info.StructuredOutput,
		Available:        c.available[id],
	}, true
}

// List returns every provider with its capabilities, sorted by id.
func (c *Catalog) List() []ProviderStatus {
	ids := append([]string(nil), c.order...)
	sort.Strings(ids)
	out := make([]ProviderStatus, 0, len(ids))
	for _, id := range ids {
		caps, _ := c.Capabilities(id)
		out = append(out, ProviderStatus{ID: id, Capabilities: caps})
	}
	return out
}

// IDs returns the provider ids in registration order.
func (c *Catalog) IDs() []string {
	return append([]string(nil), c.order...)
}

// Config returns the server-side configuration for a provider with the
// default base URL applied.
func (c *Catalog) Config(id string) ProviderConfig {
	id = normalizeID(id)
	c.mu.RLock()
	pc := c.configs[id]
	c.mu.RUnlock()
	if pc.BaseURL == "" {
		pc.BaseURL = c.infos[id].DefaultBaseURL
	}
	return pc
}

// SetAvailable records the outcome of an availability probe.
func (c *Catalog) SetAvailable(id string, available bool) {
	id = normalizeID(id)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.infos[id]; ok {
		c.available[id] = available
	}
}

func (c *Catalog) hasCredential(id string) bool {
	info := c.infos[id]
	if !info.RequiresKey {
		return true
	}
	return strings.TrimSpace(c.configs[id].APIKey) != ""
}

// ClientOptions are the per-invocation parameters for a model client.
type ClientOptions struct {
	Model       string
	APIKey      string
	Temperature *float64
	MaxTokens   *int
}

// NewClient builds a model client for provider. The request credential wins
// over the server-side one. Unknown providers fail with provider_unsupported
// and a missing credential with provider_bad_request.
func (c *Catalog) NewClient(ctx context.Context, provider string, opts ClientOptions) (core.ModelClient, error) {
	id := normalizeID(provider)
	info, ok := c.infos[id]
	if !ok {
		return nil, core.NewError(core.CodeProviderUnsupported, fmt.Sprintf("provider %q is not supported", provider), nil).
			WithDetail("provider", provider)
	}

	pc := c.Config(id)
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		apiKey = strings.TrimSpace(pc.APIKey)
	}
	if info.RequiresKey && apiKey == "" {
		return nil, core.NewError(core.CodeProviderBadRequest, fmt.Sprintf("missing api key for provider %q", id), nil).
			WithDetail("provider", id)
	}
	if strings.TrimSpace(opts.Model) == "" {
		return nil, core.NewError(core.CodeProviderBadRequest, "model is required", nil).WithDetail("provider", id)
	}

	params := modelParams{
		provider:    id,
		model:       opts.Model,
		temperature: opts.Temperature,
		maxTokens:   opts.MaxTokens,
	}
	switch id {
	case ProviderOpenAI, ProviderDeepSeek:
		if id == ProviderDeepSeek {
			params.temperature = clampTemperature(params.temperature, 0, 1)
		}
		return newOpenAIClient(params, apiKey, pc.BaseURL, c.httpClient), nil
	case ProviderAnthropic:
		return newAnthropicClient(params, apiKey, pc.BaseURL, c.httpClient), nil
	case ProviderGoogle:
		return newGeminiClient(ctx, params, apiKey, pc.BaseURL, c.httpClient)
	case ProviderOllama:
		return newIrisClient(params, apiKey)
	default:
		return nil, core.NewError(core.CodeProviderUnsupported, fmt.Sprintf("provider %q has no client", id), nil)
	}
}

// modelParams are the invocation parameters shared by every client.
type modelParams struct {
	provider    string
	model       string
	temperature *float64
	maxTokens   *int
}

func clampTemperature(t *float64, lo, hi float64) *float64 {
	if t == nil {
		return nil
	}
	v := *t
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return &v
}
