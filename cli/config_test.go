package cli

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/petalgate/llmprovider"
)

// writeTestFile creates a temporary file with the given content and returns its path.
func writeTestFile(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDiscoverConfigPathFrom(t *testing.T) {
	cwd := t.TempDir()
	home := t.TempDir()

	got, err := DiscoverConfigPathFrom("", cwd, home)
	if err != nil || got != "" {
		t.Fatalf("empty dirs: got %q, %v", got, err)
	}

	homeCfg := filepath.Join(home, ".petalgate", "config.yaml")
	if err := os.MkdirAll(filepath.Dir(homeCfg), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(homeCfg, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := DiscoverConfigPathFrom("", cwd, home); got != homeCfg {
		t.Fatalf("home fallback = %q, want %q", got, homeCfg)
	}

	localCfg := filepath.Join(cwd, "petalgate.yaml")
	if err := os.WriteFile(localCfg, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, _ := DiscoverConfigPathFrom("", cwd, home); got != localCfg {
		t.Fatalf("working directory config = %q, want %q", got, localCfg)
	}

	if got, _ := DiscoverConfigPathFrom(homeCfg, cwd, home); got != homeCfg {
		t.Fatalf("explicit path = %q, want %q", got, homeCfg)
	}
	if _, err := DiscoverConfigPathFrom(filepath.Join(cwd, "missing.yaml"), cwd, home); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing explicit path error = %v", err)
	}
}

func TestLoadConfig(t *testing.T) {
	path := writeTestFile(t, "petalgate.yaml", `
providers:
  OpenAI:
    api_key: sk-file
  ollama:
    base_url: http://ollama:11434
mcp:
  servers:
    - name: docs
      transport: http
      url: http://localhost:9000/mcp
web_search:
  tavily_api_key: tvly-file
  max_results: 3
rpc:
  call_timeout: 15s
  probe_timeout: 2s
catalog:
  dir: ./models
invocation:
  max_tool_rounds: 4
availability_schedule: "@every 1m"
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Providers["OpenAI"].APIKey != "sk-file" {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
	if len(cfg.MCP.Servers) != 1 || cfg.MCP.Servers[0].URL != "http://localhost:9000/mcp" {
		t.Fatalf("mcp servers = %+v", cfg.MCP.Servers)
	}
	if cfg.RPC.CallTimeout != 15*time.Second || cfg.RPC.ProbeTimeout != 2*time.Second {
		t.Fatalf("rpc = %+v", cfg.RPC)
	}
	if cfg.WebSearch.MaxResults != 3 || cfg.Invocation.MaxToolRounds != 4 {
		t.Fatalf("config = %+v", cfg)
	}
	if cfg.AvailabilitySchedule != "@every 1m" || cfg.Catalog.Dir != "./models" {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestLoadConfigEmptyPath(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg == nil || len(cfg.Providers) != 0 {
		t.Fatalf("config = %+v", cfg)
	}
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"bad yaml", "providers: [", "parsing config"},
		{"unnamed mcp server", "mcp:\n  servers:\n    - transport: stdio\n", "name is required"},
		{"duplicate mcp server", "mcp:\n  servers:\n    - name: a\n    - name: a\n", "duplicate name"},
		{"negative results", "web_search:\n  max_results: -1\n", "max_results"},
		{"bad duration", "rpc:\n  call_timeout: soon\n", "parsing config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeTestFile(t, "petalgate.yaml", tt.content))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestParseProviderFlags(t *testing.T) {
	got, err := ParseProviderFlags([]string{"OpenAI=sk-1", "anthropic=sk=with=equals"})
	if err != nil {
		t.Fatalf("ParseProviderFlags: %v", err)
	}
	if got["openai"] != "sk-1" || got["anthropic"] != "sk=with=equals" {
		t.Fatalf("parsed = %v", got)
	}

	for _, bad := range []string{"openai", "=key", "openai="} {
		if _, err := ParseProviderFlags([]string{bad}); err == nil || !strings.Contains(err.Error(), "expected name=key") {
			t.Errorf("ParseProviderFlags(%q) error = %v", bad, err)
		}
	}
}

func TestResolveProvidersPrecedence(t *testing.T) {
	file := map[string]llmprovider.ProviderConfig{
		"OpenAI":    {APIKey: "file-openai", BaseURL: "https://file.example"},
		"anthropic": {APIKey: "file-anthropic"},
		"ollama":    {BaseURL: "http://file-ollama"},
	}
	environ := []string{
		"PETALGATE_PROVIDER_OPENAI_API_KEY=env-openai",
		"PETALGATE_PROVIDER_OLLAMA_BASE_URL=http://env-ollama",
		"PETALGATE_PROVIDER_DEEPSEEK_API_KEY=env-deepseek",
		"PETALGATE_PROVIDER__API_KEY=ignored",
		"PETALGATE_PROVIDER_GOOGLE_API_KEY=",
		"UNRELATED=1",
	}
	flags := map[string]string{"openai": "flag-openai"}

	got := ResolveProviders(file, flags, environ)

	want := map[string]llmprovider.ProviderConfig{
		"openai":    {APIKey: "flag-openai", BaseURL: "https://file.example"},
		"anthropic": {APIKey: "file-anthropic"},
		"ollama":    {BaseURL: "http://env-ollama"},
		"deepseek":  {APIKey: "env-deepseek"},
	}
	if len(got) != len(want) {
		t.Fatalf("providers = %+v", got)
	}
	for name, pc := range want {
		if got[name] != pc {
			t.Errorf("%s = %+v, want %+v", name, got[name], pc)
		}
	}

	if names := configuredProviders(got); strings.Join(names, ",") != "anthropic,deepseek,openai" {
		t.Fatalf("configuredProviders = %v", names)
	}
}

func TestExitCode(t *testing.T) {
	if ExitCode(nil) != exitSuccess {
		t.Fatal("nil error must exit 0")
	}
	if ExitCode(errors.New("boom")) != 1 {
		t.Fatal("plain errors exit 1")
	}
	wrapped := errors.Join(errors.New("context"), exitError(exitServer, "listen failed"))
	if ExitCode(wrapped) != exitServer {
		t.Fatalf("ExitCode(wrapped) = %d", ExitCode(wrapped))
	}
}
