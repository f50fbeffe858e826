package llmprovider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	// DefaultAvailabilitySchedule refreshes provider availability every five minutes.
	DefaultAvailabilitySchedule = "@every 5m"

	defaultProbeTimeout = 3 * time.Second
)

var availabilityCronParser = cron.NewParser(
	cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ProbeFunc reports whether a provider is currently usable.
type ProbeFunc func(ctx context.Context, id string) bool

// RefresherConfig configures the availability refresher.
type RefresherConfig struct {
	Catalog    *Catalog
	Schedule   string
	HTTPClient *http.Client
	// Probe overrides the default probe. The default requires a credential
	// and, for ollama, a reachable /api/tags endpoint.
	Probe  ProbeFunc
	Logger *slog.Logger
}

// Refresher periodically updates Catalog availability on a cron schedule.
type Refresher struct {
	catalog *Catalog
	probe   ProbeFunc
	logger  *slog.Logger
	sched   cron.Schedule

	mu   sync.Mutex
	cron *cron.Cron
}

// NewRefresher validates the schedule and builds a refresher.
func NewRefresher(cfg RefresherConfig) (*Refresher, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("availability refresher catalog is nil")
	}
	expr := strings.TrimSpace(cfg.Schedule)
	if expr == "" {
		expr = DefaultAvailabilitySchedule
	}
	sched, err := availabilityCronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid availability schedule %q: %w", expr, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Refresher{catalog: cfg.Catalog, probe: cfg.Probe, logger: logger, sched: sched}
	if r.probe == nil {
		client := cfg.HTTPClient
		if client == nil {
			client = &http.Client{Timeout: defaultProbeTimeout}
		}
		r.probe = defaultProbe(cfg.Catalog, client)
	}
	return r, nil
}

// RefreshNow probes every provider once.
func (r *Refresher) RefreshNow(ctx context.Context) {
	for _, id := range r.catalog.IDs() {
		available := r.probe(ctx, id)
		prev, _ := r.catalog.Capabilities(id)
		r.catalog.SetAvailable(id, available)
		if prev.Available != available {
			r.logger.Info("provider availability changed", "provider", id, "available", available)
		}
	}
}

// Start runs an immediate refresh and then schedules periodic ones.
func (r *Refresher) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cron != nil {
		return
	}
	r.RefreshNow(ctx)
	c := cron.New(cron.WithParser(availabilityCronParser))
	c.Schedule(r.sched, cron.FuncJob(func() {
		r.RefreshNow(context.Background())
	}))
	c.Start()
	r.cron = c
}

// Stop halts the schedule and waits for a running refresh to finish.
func (r *Refresher) Stop(ctx context.Context) error {
	r.mu.Lock()
	c := r.cron
	r.cron = nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func defaultProbe(catalog *Catalog, client *http.Client) ProbeFunc {
	return func(ctx context.Context, id string) bool {
		if !catalog.hasCredential(id) {
			return false
		}
		if id != ProviderOllama {
			return true
		}
		base := strings.TrimRight(catalog.Config(id).BaseURL, "/")
		ctx, cancel := context.WithTimeout(ctx, defaultProbeTimeout)
		defer cancel()
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
		if err != nil {
			return false
		}
		resp, err := client.Do(req)
		if err != nil {
			return false
		}
		_ = resp.Body.Close()
		return resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices
	}
}
