package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalgate/catalog"
	"github.com/petal-labs/petalgate/engine"
	"github.com/petal-labs/petalgate/llmprovider"
	petalotel "github.com/petal-labs/petalgate/otel"
	"github.com/petal-labs/petalgate/server"
	"github.com/petal-labs/petalgate/tool"
	"github.com/petal-labs/petalgate/wsrpc"
)

const shutdownTimeout = 30 * time.Second

// NewServeCmd creates the "serve" subcommand.
func NewServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE:  runServe,
	}

	cmd.Flags().IntP("port", "p", 8080, "Listen port")
	cmd.Flags().String("host", "0.0.0.0", "Listen host")
	cmd.Flags().String("cors-origin", "*", "Allowed CORS origin")
	cmd.Flags().String("config", "", "Path to petalgate.yaml")
	cmd.Flags().StringArray("provider-key", nil, "Set provider API key as name=key (repeatable)")
	cmd.Flags().String("catalog-dir", "catalog", "Directory of model catalog documents")
	cmd.Flags().String("sqlite-path", "", "Serve the model catalog from this SQLite database, importing --catalog-dir at startup")
	cmd.Flags().String("otlp-endpoint", "", "OTLP/HTTP trace endpoint URL")
	cmd.Flags().String("availability-schedule", "", "Cron expression for provider availability probes (default "+llmprovider.DefaultAvailabilitySchedule+")")
	cmd.Flags().Duration("read-timeout", 30*time.Second, "HTTP read timeout")
	cmd.Flags().Duration("write-timeout", 5*time.Minute, "HTTP write timeout")
	cmd.Flags().Int64("max-body", 1<<20, "Max request body size in bytes")
	cmd.Flags().String("log-format", "text", "Log format: text or json")

	return cmd
}

// serveOptions is the fully merged serve configuration.
type serveOptions struct {
	Host         string
	Port         int
	CORSOrigin   string
	MaxBody      int64
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	ConfigPath   string
	Config       *Config
	Providers    map[string]llmprovider.ProviderConfig
	CatalogDir   string
	SQLitePath   string
	OTLPEndpoint string
	Schedule     string
}

// resolveServeOptions merges flags, environment and the config file.
// Flags that were set explicitly win over the file.
func resolveServeOptions(cmd *cobra.Command, environ []string) (*serveOptions, error) {
	flags := cmd.Flags()
	opts := &serveOptions{}
	opts.Host, _ = flags.GetString("host")
	opts.Port, _ = flags.GetInt("port")
	opts.CORSOrigin, _ = flags.GetString("cors-origin")
	opts.MaxBody, _ = flags.GetInt64("max-body")
	opts.ReadTimeout, _ = flags.GetDuration("read-timeout")
	opts.WriteTimeout, _ = flags.GetDuration("write-timeout")

	explicit, _ := flags.GetString("config")
	path, err := DiscoverConfigPath(explicit)
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	opts.ConfigPath = path
	opts.Config = cfg

	rawKeys, _ := flags.GetStringArray("provider-key")
	flagKeys, err := ParseProviderFlags(rawKeys)
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	opts.Providers = ResolveProviders(cfg.Providers, flagKeys, environ)

	if cfg.WebSearch.TavilyAPIKey == "" {
		cfg.WebSearch.TavilyAPIKey = lookupEnv(environ, "TAVILY_API_KEY")
	}

	opts.CatalogDir = stringSetting(cmd, "catalog-dir", cfg.Catalog.Dir)
	opts.SQLitePath = stringSetting(cmd, "sqlite-path", cfg.Catalog.SQLitePath)
	opts.OTLPEndpoint = stringSetting(cmd, "otlp-endpoint", cfg.Telemetry.OTLPEndpoint)
	opts.Schedule = stringSetting(cmd, "availability-schedule", cfg.AvailabilitySchedule)
	return opts, nil
}

// stringSetting returns the flag value when it was set, else fileValue when
// non-empty, else the flag default.
func stringSetting(cmd *cobra.Command, name, fileValue string) string {
	v, _ := cmd.Flags().GetString(name)
	if cmd.Flags().Changed(name) || strings.TrimSpace(fileValue) == "" {
		return strings.TrimSpace(v)
	}
	return strings.TrimSpace(fileValue)
}

func lookupEnv(environ []string, key string) string {
	for _, kv := range environ {
		if k, v, ok := strings.Cut(kv, "="); ok && k == key {
			return v
		}
	}
	return ""
}

// newLogger builds the process logger. Unknown formats are rejected.
func newLogger(w io.Writer, format string, verbose bool) (*slog.Logger, error) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q: expected text or json", format)
	}
}

// gateway holds the wired components behind the HTTP server.
type gateway struct {
	server    *server.Server
	providers *llmprovider.Catalog
	refresher *llmprovider.Refresher
	store     catalog.Store
	closers   []func() error
}

// newGateway wires the provider catalog, the frontend registry, the MCP
// loader, the engine and the catalog store into a server.
func newGateway(ctx context.Context, opts *serveOptions, observer *petalotel.Observer, logger *slog.Logger) (*gateway, error) {
	cfg := opts.Config
	g := &gateway{}

	g.providers = llmprovider.NewCatalog(llmprovider.CatalogConfig{Providers: opts.Providers})
	refresher, err := llmprovider.NewRefresher(llmprovider.RefresherConfig{
		Catalog:  g.providers,
		Schedule: opts.Schedule,
		Logger:   logger,
	})
	if err != nil {
		return nil, exitError(exitConfig, "%v", err)
	}
	g.refresher = refresher

	var rpcObserver wsrpc.Observer
	if observer != nil && observer.RPC != nil {
		rpcObserver = observer.RPC
	}
	registry := wsrpc.NewRegistry(wsrpc.RegistryConfig{
		CallTimeout: cfg.RPC.CallTimeout,
		Logger:      logger,
		Observer:    rpcObserver,
	})

	var handler engine.EventHandler
	if observer != nil {
		handler = observer.EventHandler()
	}
	eng, err := engine.New(engine.Config{
		Clients:    g.providers,
		Loader:     tool.NewMCPLoader(tool.MCPLoaderConfig{Logger: logger}),
		MCPServers: cfg.MCP.Servers,
		RPC:        registry,
		FSTimeout:  cfg.RPC.CallTimeout,
		WebSearch: tool.WebSearchConfig{
			APIKey:     cfg.WebSearch.TavilyAPIKey,
			Endpoint:   cfg.WebSearch.Endpoint,
			MaxResults: cfg.WebSearch.MaxResults,
		},
		MaxToolRounds: cfg.Invocation.MaxToolRounds,
		CallTimeout:   cfg.Invocation.CallTimeout,
		Handler:       handler,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	store, err := g.openCatalogStore(ctx, opts, logger)
	if err != nil {
		g.Close()
		return nil, err
	}
	g.store = store

	g.server = server.NewServer(server.ServerConfig{
		Engine:       eng,
		Providers:    g.providers,
		Catalog:      store,
		Registry:     registry,
		ProbeTimeout: cfg.RPC.ProbeTimeout,
		CORSOrigin:   opts.CORSOrigin,
		MaxBody:      opts.MaxBody,
		Logger:       logger,
	})
	return g, nil
}

func (g *gateway) openCatalogStore(ctx context.Context, opts *serveOptions, logger *slog.Logger) (catalog.Store, error) {
	if opts.SQLitePath == "" {
		if opts.CatalogDir == "" {
			return nil, nil
		}
		return catalog.NewFileStore(opts.CatalogDir), nil
	}

	store, err := catalog.NewSQLiteStore(catalog.SQLiteConfig{DSN: opts.SQLitePath})
	if err != nil {
		return nil, exitError(exitConfig, "opening sqlite catalog: %v", err)
	}
	g.closers = append(g.closers, store.Close)
	if opts.CatalogDir == "" {
		return store, nil
	}
	if info, err := os.Stat(opts.CatalogDir); err != nil || !info.IsDir() {
		logger.Debug("catalog import skipped", "dir", opts.CatalogDir)
		return store, nil
	}
	keys, err := store.Import(ctx, opts.CatalogDir)
	if err != nil {
		return nil, fmt.Errorf("importing catalog documents: %w", err)
	}
	logger.Info("catalog imported", "dir", opts.CatalogDir, "documents", len(keys))
	return store, nil
}

// Close releases the catalog store.
func (g *gateway) Close() {
	for _, closeFn := range g.closers {
		_ = closeFn()
	}
	g.closers = nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("log-format")
	verbose, _ := cmd.Flags().GetBool("verbose")
	logger, err := newLogger(cmd.ErrOrStderr(), format, verbose)
	if err != nil {
		return exitError(exitConfig, "%v", err)
	}
	slog.SetDefault(logger)

	opts, err := resolveServeOptions(cmd, os.Environ())
	if err != nil {
		return err
	}
	if opts.ConfigPath != "" {
		logger.Info("config loaded", "path", opts.ConfigPath)
	}
	logger.Info("providers configured", "with_keys", configuredProviders(opts.Providers))

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tel, err := setupTelemetry(ctx, opts.OTLPEndpoint, logger)
	if err != nil {
		return exitError(exitConfig, "initializing telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown", "error", err)
		}
	}()
	observer, err := petalotel.NewObserver(tel.Meter(), tel.Tracer())
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}

	gw, err := newGateway(ctx, opts, observer, logger)
	if err != nil {
		return err
	}
	defer gw.Close()

	gw.refresher.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = gw.refresher.Stop(stopCtx)
	}()

	addr := net.JoinHostPort(opts.Host, fmt.Sprintf("%d", opts.Port))
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      gw.server.Handler(),
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "PetalGate listening on %s\n", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(cmd.OutOrStdout(), "Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		if n := gw.server.CloseConnections(); n > 0 {
			logger.Info("closed frontend connections", "count", n)
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return exitError(exitRuntime, "shutdown error: %v", err)
		}
		return nil
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return exitError(exitServer, "server error: %v", err)
		}
		return nil
	}
}
