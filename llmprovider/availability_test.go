package llmprovider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewRefresherRejectsBadSchedule(t *testing.T) {
	if _, err := NewRefresher(RefresherConfig{Catalog: NewCatalog(CatalogConfig{}), Schedule: "every now and then"}); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
	if _, err := NewRefresher(RefresherConfig{}); err == nil {
		t.Fatal("expected error for nil catalog")
	}
}

func TestRefreshNowUsesProbe(t *testing.T) {
	catalog := NewCatalog(CatalogConfig{})
	r, err := NewRefresher(RefresherConfig{
		Catalog: catalog,
		Probe: func(_ context.Context, id string) bool {
			return id == ProviderGoogle
		},
	})
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}
	r.RefreshNow(context.Background())

	for _, status := range catalog.List() {
		want := status.ID == ProviderGoogle
		if status.Available != want {
			t.Fatalf("%s available = %v, want %v", status.ID, status.Available, want)
		}
	}
}

func TestDefaultProbeChecksOllama(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer srv.Close()

	catalog := NewCatalog(CatalogConfig{Providers: map[string]ProviderConfig{
		"ollama": {BaseURL: srv.URL + "/"},
		"openai": {APIKey: "sk"},
	}})
	probe := defaultProbe(catalog, srv.Client())

	if !probe(context.Background(), ProviderOllama) {
		t.Fatal("reachable ollama reported unavailable")
	}
	if hits.Load() != 1 {
		t.Fatalf("probe hits = %d, want 1", hits.Load())
	}
	if !probe(context.Background(), ProviderOpenAI) {
		t.Fatal("openai with a key reported unavailable")
	}
	if probe(context.Background(), ProviderAnthropic) {
		t.Fatal("anthropic without a key reported available")
	}

	srv.Close()
	if probe(context.Background(), ProviderOllama) {
		t.Fatal("unreachable ollama reported available")
	}
}

func TestRefresherStartStop(t *testing.T) {
	var calls atomic.Int32
	r, err := NewRefresher(RefresherConfig{
		Catalog:  NewCatalog(CatalogConfig{}),
		Schedule: "@every 1h",
		Probe: func(context.Context, string) bool {
			calls.Add(1)
			return true
		},
	})
	if err != nil {
		t.Fatalf("NewRefresher() error = %v", err)
	}

	r.Start(context.Background())
	r.Start(context.Background())
	if got := calls.Load(); got != int32(len(builtinProviders)) {
		t.Fatalf("probe calls after Start = %d, want %d", got, len(builtinProviders))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
