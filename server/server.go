package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalgate/catalog"
	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/llmprovider"
	"github.com/petal-labs/petalgate/wsrpc"
)

// Invoker runs one model invocation.
type Invoker interface {
	Invoke(ctx context.Context, req core.InvocationRequest) (*core.InvocationResult, error)
}

// ProviderCatalog answers provider listing and lookup questions.
type ProviderCatalog interface {
	List() []llmprovider.ProviderStatus
	Lookup(id string) (llmprovider.ProviderInfo, bool)
	ListModels(provider string) ([]string, error)
}

// ServerConfig configures a Server instance.
type ServerConfig struct {
	Engine    Invoker
	Providers ProviderCatalog
	// Catalog holds the per-provider model documents. Nil disables the
	// document lookup; live listings still work for local providers.
	Catalog  catalog.Store
	Registry *wsrpc.Registry
	// ProbeTimeout bounds the diagnostic probe call.
	ProbeTimeout time.Duration
	CORSOrigin   string
	MaxBody      int64
	Logger       *slog.Logger
	// Now is used for the X-Duration-Ms header; tests may override it.
	Now func() time.Time
}

// Server is the PetalGate HTTP API server.
type Server struct {
	engine       Invoker
	providers    ProviderCatalog
	catalog      catalog.Store
	registry     *wsrpc.Registry
	probeTimeout time.Duration
	corsOrigin   string
	maxBody      int64
	logger       *slog.Logger
	now          func() time.Time
}

// NewServer creates a new Server with the given configuration.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	probeTimeout := cfg.ProbeTimeout
	if probeTimeout <= 0 {
		probeTimeout = wsrpc.DefaultProbeTimeout
	}
	registry := cfg.Registry
	if registry == nil {
		registry = wsrpc.NewRegistry(wsrpc.RegistryConfig{Logger: logger})
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Server{
		engine:       cfg.Engine,
		providers:    cfg.Providers,
		catalog:      cfg.Catalog,
		registry:     registry,
		probeTimeout: probeTimeout,
		corsOrigin:   corsOrigin,
		maxBody:      maxBody,
		logger:       logger,
		now:          now,
	}
}

// Registry returns the connection registry used by the websocket routes.
func (s *Server) Registry() *wsrpc.Registry {
	return s.registry
}

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.requestMetaMiddleware(handler)
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)

	return handler
}

// RegisterRoutes mounts the gateway routes onto an existing mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /providers", s.handleListProviders)
	mux.HandleFunc("GET /providers/{id}/models", s.handleListModels)
	mux.HandleFunc("POST /llm/invoke", s.handleInvoke)

	// Remote peer routes
	mux.HandleFunc("GET /ws/{conn_id}", s.handleWebsocket)
	mux.HandleFunc("POST /ws/{conn_id}/probe", s.handleProbe)
	mux.HandleFunc("GET /connections", s.handleConnections)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Provider-Api-Key, X-Request-Id")
		w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, X-Duration-Ms")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// requestMetaMiddleware echoes or assigns X-Request-Id and reports the
// handler time in X-Duration-Ms. Both headers are set before the status
// line is written.
func (s *Server) requestMetaMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		mw := &metaWriter{ResponseWriter: w, requestID: reqID, start: s.now(), now: s.now}
		next.ServeHTTP(mw, r.WithContext(withRequestID(r.Context(), reqID)))
	})
}

type metaWriter struct {
	http.ResponseWriter
	requestID   string
	start       time.Time
	now         func() time.Time
	wroteHeader bool
}

func (w *metaWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.wroteHeader = true
		h := w.Header()
		h.Set("X-Request-Id", w.requestID)
		h.Set("X-Duration-Ms", strconv.FormatInt(w.now().Sub(w.start).Milliseconds(), 10))
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *metaWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.WriteHeader(http.StatusOK)
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *metaWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack is required by the websocket upgrader.
func (w *metaWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("server: response writer does not support hijacking")
	}
	return hj.Hijack()
}

type requestIDKey struct{}

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the standard error envelope.
type apiError struct {
	Error apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details map[string]any) {
	writeJSON(w, status, apiError{
		Error: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}
