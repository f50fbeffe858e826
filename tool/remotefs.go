package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"github.com/petal-labs/petalgate/core"
	"github.com/petal-labs/petalgate/wsrpc"
)

const defaultFSLabel = "fs"

var labelSanitizer = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

type readFileArgs struct {
	Path string `json:"path,omitempty" jsonschema_description:"Absolute path to read" jsonschema:"default=/"`
}

type writeFileArgs struct {
	Path    string `json:"path,omitempty" jsonschema_description:"Absolute path to write" jsonschema:"default=/"`
	Content string `json:"content,omitempty" jsonschema_description:"Text content to write"`
}

type listDirArgs struct {
	Path string `json:"path,omitempty" jsonschema_description:"Directory to list" jsonschema:"default=/"`
}

var (
	readFileSchema  = reflectInputSchema(&readFileArgs{})
	writeFileSchema = reflectInputSchema(&writeFileArgs{})
	listDirSchema   = reflectInputSchema(&listDirArgs{})
)

// Caller issues correlated calls over a remote peer connection.
type Caller interface {
	Call(ctx context.Context, connID string, req wsrpc.Request, timeout time.Duration) (wsrpc.Response, error)
}

// RemoteFSConfig configures the remote filesystem tools.
type RemoteFSConfig struct {
	Caller  Caller
	Timeout time.Duration
}

// RemoteFSTools builds read, write and list tools for every node in cfg.
// Each exchange is a single request/response over the connection named by
// cfg.ConnID. No tools are built without a connection id.
func RemoteFSTools(fs *core.FSConfig, cfg RemoteFSConfig) []core.Tool {
	if fs == nil || strings.TrimSpace(fs.ConnID) == "" || cfg.Caller == nil {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = wsrpc.DefaultCallTimeout
	}

	tools := make([]core.Tool, 0, len(fs.Nodes)*3)
	for _, node := range fs.Nodes {
		b := &fsBridge{caller: cfg.Caller, connID: fs.ConnID, timeout: timeout}
		label := fsLabel(node.ID)
		tools = append(tools,
			NewFuncTool("fs_read_file_"+label,
				"Read a text file from the frontend filesystem. Input: { path: string }",
				OriginFrontendFS, readFileSchema, b.readFile),
			NewFuncTool("fs_write_file_"+label,
				"Write a text file to the frontend filesystem. Input: { path: string, content: string }",
				OriginFrontendFS, writeFileSchema, b.writeFile),
			NewFuncTool("fs_list_directory_"+label,
				"List a directory in the frontend filesystem. Input: { path: string }",
				OriginFrontendFS, listDirSchema, b.listDir),
		)
	}
	return tools
}

func fsLabel(id string) string {
	label := labelSanitizer.ReplaceAllString(strings.TrimSpace(id), "_")
	if label == "" {
		return defaultFSLabel
	}
	return label
}

type fsBridge struct {
	caller  Caller
	connID  string
	timeout time.Duration
}

func (b *fsBridge) readFile(ctx context.Context, args map[string]any) (string, error) {
	var in readFileArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	res, err := b.call(ctx, wsrpc.Request{Action: wsrpc.ActionRead, Path: pathOrRoot(in.Path)})
	if err != nil {
		return "", err
	}
	return res.Content, nil
}

func (b *fsBridge) writeFile(ctx context.Context, args map[string]any) (string, error) {
	var in writeFileArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	content := in.Content
	if _, err := b.call(ctx, wsrpc.Request{Action: wsrpc.ActionWrite, Path: pathOrRoot(in.Path), Content: &content}); err != nil {
		return "", err
	}
	return "ok", nil
}

func (b *fsBridge) listDir(ctx context.Context, args map[string]any) (string, error) {
	var in listDirArgs
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	res, err := b.call(ctx, wsrpc.Request{Action: wsrpc.ActionList, Path: pathOrRoot(in.Path)})
	if err != nil {
		return "", err
	}
	if len(res.Entries) == 0 {
		return "[]", nil
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, res.Entries); err != nil {
		return string(res.Entries), nil
	}
	return compact.String(), nil
}

func (b *fsBridge) call(ctx context.Context, req wsrpc.Request) (wsrpc.Response, error) {
	res, err := b.caller.Call(ctx, b.connID, req, b.timeout)
	if err != nil {
		return wsrpc.Response{}, rpcToolError(err)
	}
	if !res.OK {
		msg := strings.TrimSpace(res.Error)
		if msg == "" {
			msg = "remote filesystem reported failure"
		}
		return wsrpc.Response{}, newToolError(ToolErrorCodeRemoteError, msg, false, nil).
			with("conn_id", b.connID).
			with("action", req.Action)
	}
	return res, nil
}

func pathOrRoot(p string) string {
	if strings.TrimSpace(p) == "" {
		return "/"
	}
	return p
}
