package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/petal-labs/petalgate/core"
)

// providerKeyHeader carries a per-request provider credential.
const providerKeyHeader = "X-Provider-Api-Key"

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// invokeRequest is the wire shape of POST /llm/invoke.
type invokeRequest struct {
	Provider       string         `json:"provider" validate:"required"`
	Model          string         `json:"model" validate:"required"`
	Messages       []chatMessage  `json:"messages" validate:"required,min=1,dive"`
	ResponseSchema map[string]any `json:"response_schema,omitempty"`
	Temperature    *float64       `json:"temperature,omitempty" validate:"omitempty,gte=0,lte=2"`
	MaxTokens      *int           `json:"max_tokens,omitempty" validate:"omitempty,gt=0"`
	Extra          map[string]any `json:"extra,omitempty"`
	Retries        *int           `json:"retries,omitempty" validate:"omitempty,gte=0,lte=5"`
	MCP            *mcpConfig     `json:"mcp,omitempty"`
	FS             *fsConfig      `json:"fs,omitempty"`
	// WSConnID may also be given at the top level.
	WSConnID string `json:"ws_conn_id,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
}

type chatMessage struct {
	Role       string `json:"role" validate:"required,oneof=system user assistant tool"`
	Content    string `json:"content"`
	ToolCallID string `json:"tool_call_id,omitempty"`
}

type mcpConfig struct {
	Servers []mcpServer         `json:"servers" validate:"dive"`
	Tools   []core.ToolSelector `json:"tools,omitempty"`
	Options core.MCPOptions     `json:"options,omitempty"`
}

type mcpServer struct {
	Name      string            `json:"name" validate:"required"`
	Transport string            `json:"transport,omitempty"`
	URL       string            `json:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Command   string            `json:"command,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

type fsConfig struct {
	WSConnID string        `json:"ws_conn_id,omitempty"`
	Nodes    []core.FSNode `json:"nodes"`
}

// decodeInvokeRequest reads and validates the body. The returned error is
// always a *core.Error with code invalid_request.
func decodeInvokeRequest(r *http.Request) (core.InvocationRequest, error) {
	var body invokeRequest
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(&body); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return core.InvocationRequest{}, core.NewError(core.CodeInvalidRequest,
				fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit), err)
		case errors.Is(err, io.EOF):
			return core.InvocationRequest{}, core.NewError(core.CodeInvalidRequest, "request body is empty", err)
		default:
			return core.InvocationRequest{}, core.NewError(core.CodeInvalidRequest, "invalid JSON body: "+err.Error(), err)
		}
	}

	if err := validate.Struct(body); err != nil {
		return core.InvocationRequest{}, validationError(err)
	}

	req := body.toInvocation()
	if key := strings.TrimSpace(r.Header.Get(providerKeyHeader)); key != "" {
		req.APIKey = key
	}
	return req, nil
}

func (b invokeRequest) toInvocation() core.InvocationRequest {
	req := core.InvocationRequest{
		Provider:       b.Provider,
		Model:          b.Model,
		ResponseSchema: b.ResponseSchema,
		Temperature:    b.Temperature,
		MaxTokens:      b.MaxTokens,
		Extra:          b.Extra,
		APIKey:         strings.TrimSpace(b.APIKey),
	}
	if b.Retries != nil {
		req.Retries = *b.Retries
	}
	req.Messages = make([]core.Message, 0, len(b.Messages))
	for _, m := range b.Messages {
		req.Messages = append(req.Messages, core.Message{
			Role:       core.Role(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	if b.MCP != nil {
		cfg := &core.MCPConfig{Tools: b.MCP.Tools, Options: b.MCP.Options}
		for _, s := range b.MCP.Servers {
			cfg.Servers = append(cfg.Servers, core.MCPServer{
				Name:      s.Name,
				Transport: s.Transport,
				URL:       s.URL,
				Headers:   s.Headers,
				Command:   s.Command,
				Args:      s.Args,
				Env:       s.Env,
			})
		}
		req.MCP = cfg
	}

	connID := b.WSConnID
	if b.FS != nil && strings.TrimSpace(b.FS.WSConnID) != "" {
		connID = b.FS.WSConnID
	}
	if b.FS != nil || strings.TrimSpace(connID) != "" {
		fs := &core.FSConfig{ConnID: strings.TrimSpace(connID)}
		if b.FS != nil {
			fs.Nodes = b.FS.Nodes
		}
		req.FS = fs
	}
	return req
}

// validationError flattens validator failures into an invalid_request error
// whose details list one entry per field.
func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return core.NewError(core.CodeInvalidRequest, err.Error(), err)
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fieldMessage(fe))
	}
	return core.NewError(core.CodeInvalidRequest, "request validation failed", err).
		WithDetail("fields", fields)
}

func fieldMessage(fe validator.FieldError) string {
	field := fieldPath(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "min":
		return fmt.Sprintf("%s must have at least %s item(s)", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be > %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed %q validation", field, fe.Tag())
	}
}

// fieldPath drops the root struct name: "invokeRequest.messages[0].role"
// becomes "messages[0].role".
func fieldPath(namespace string) string {
	if _, rest, ok := strings.Cut(namespace, "."); ok {
		return rest
	}
	return namespace
}
