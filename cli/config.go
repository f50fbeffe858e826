package cli

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/llmprovider"
)

const (
	configFileName    = "petalgate.yaml"
	configDirName     = ".petalgate"
	homeConfigName    = "config.yaml"
	providerEnvPrefix = "PETALGATE_PROVIDER_"
)

// Config is the on-disk gateway configuration.
type Config struct {
	Providers  map[string]llmprovider.ProviderConfig `yaml:"providers"`
	MCP        MCPConfig                             `yaml:"mcp"`
	WebSearch  WebSearchConfig                       `yaml:"web_search"`
	RPC        RPCConfig                             `yaml:"rpc"`
	Catalog    CatalogConfig                         `yaml:"catalog"`
	Invocation InvocationConfig                      `yaml:"invocation"`
	// AvailabilitySchedule is a cron expression for provider probes.
	AvailabilitySchedule string          `yaml:"availability_schedule"`
	Telemetry            TelemetryConfig `yaml:"telemetry"`
}

// MCPConfig lists named MCP servers requests may refer to by name.
type MCPConfig struct {
	Servers []core.MCPServer `yaml:"servers"`
}

// WebSearchConfig configures the server-side Tavily search tool.
type WebSearchConfig struct {
	TavilyAPIKey string `yaml:"tavily_api_key"`
	Endpoint     string `yaml:"endpoint"`
	MaxResults   int    `yaml:"max_results"`
}

// RPCConfig bounds calls to connected frontends.
type RPCConfig struct {
	CallTimeout  time.Duration `yaml:"call_timeout"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// CatalogConfig locates model catalog documents.
type CatalogConfig struct {
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// InvocationConfig bounds a single invocation.
type InvocationConfig struct {
	CallTimeout   time.Duration `yaml:"call_timeout"`
	MaxToolRounds int           `yaml:"max_tool_rounds"`
}

// TelemetryConfig configures trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// DiscoverConfigPath finds the config file using the current working
// directory and home directory.
func DiscoverConfigPath(explicit string) (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = ""
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = ""
	}
	return DiscoverConfigPathFrom(explicit, cwd, home)
}

// DiscoverConfigPathFrom resolves the config path in order: explicit,
// ./petalgate.yaml, ~/.petalgate/config.yaml. An empty result means no
// config file was found.
func DiscoverConfigPathFrom(explicit, cwd, home string) (string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %q: %w", explicit, err)
		}
		return explicit, nil
	}

	var candidates []string
	if cwd != "" {
		candidates = append(candidates, filepath.Join(cwd, configFileName))
	}
	if home != "" {
		candidates = append(candidates, filepath.Join(home, configDirName, homeConfigName))
	}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", nil
}

// LoadConfig reads path. An empty path yields an empty config.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return fmt.Errorf("mcp.servers[%d]: name is required", i)
		}
		if seen[name] {
			return fmt.Errorf("mcp.servers[%d]: duplicate name %q", i, name)
		}
		seen[name] = true
	}
	if c.WebSearch.MaxResults < 0 {
		return errors.New("web_search.max_results must not be negative")
	}
	if c.RPC.CallTimeout < 0 || c.RPC.ProbeTimeout < 0 || c.Invocation.CallTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// ParseProviderFlags parses repeated "name=key" flags.
func ParseProviderFlags(values []string) (map[string]string, error) {
	out := make(map[string]string, len(values))
	for _, v := range values {
		name, key, ok := strings.Cut(v, "=")
		name = strings.ToLower(strings.TrimSpace(name))
		if !ok || name == "" || key == "" {
			return nil, fmt.Errorf("invalid provider-key format %q: expected name=key", v)
		}
		out[name] = key
	}
	return out, nil
}

// ResolveProviders merges provider settings. Flags override the
// environment, which overrides the config file. environ is in os.Environ
// form; PETALGATE_PROVIDER_{NAME}_API_KEY and _BASE_URL are honored.
func ResolveProviders(file map[string]llmprovider.ProviderConfig, flagKeys map[string]string, environ []string) map[string]llmprovider.ProviderConfig {
	out := make(map[string]llmprovider.ProviderConfig, len(file))
	for name, pc := range file {
		out[strings.ToLower(strings.TrimSpace(name))] = pc
	}

	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasPrefix(key, providerEnvPrefix) {
			continue
		}
		rest := strings.TrimPrefix(key, providerEnvPrefix)
		switch {
		case strings.HasSuffix(rest, "_API_KEY"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_API_KEY"))
			if name == "" {
				continue
			}
			pc := out[name]
			pc.APIKey = value
			out[name] = pc
		case strings.HasSuffix(rest, "_BASE_URL"):
			name := strings.ToLower(strings.TrimSuffix(rest, "_BASE_URL"))
			if name == "" {
				continue
			}
			pc := out[name]
			pc.BaseURL = value
			out[name] = pc
		}
	}

	for name, key := range flagKeys {
		pc := out[name]
		pc.APIKey = key
		out[name] = pc
	}
	return out
}

// configuredProviders returns the provider names holding an API key, sorted.
func configuredProviders(providers map[string]llmprovider.ProviderConfig) []string {
	var names []string
	for name, pc := range providers {
		if pc.APIKey != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
