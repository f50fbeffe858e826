package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/petalgate/wsrpc"
)

// Browser peers connect from arbitrary dev origins.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleWebsocket upgrades the request and serves the peer until it
// disconnects. A reconnect under the same id replaces the old channel.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	connID := strings.TrimSpace(r.PathValue("conn_id"))
	if connID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "connection id is required", nil)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "conn_id", connID, "error", err)
		return
	}

	s.logger.Info("websocket connected", "conn_id", connID, "remote", r.RemoteAddr)
	if err := s.registry.Serve(r.Context(), connID, wsrpc.NewConn(ws)); err != nil {
		s.logger.Debug("websocket closed with error", "conn_id", connID, "error", err)
	}
}

type probeRequest struct {
	Path string `json:"path"`
}

type probeResponse struct {
	ConnID  string          `json:"conn_id"`
	OK      bool            `json:"ok"`
	Entries json.RawMessage `json:"entries,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// handleProbe lists a directory on the peer to check the round trip.
func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	connID := strings.TrimSpace(r.PathValue("conn_id"))

	var body probeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body: "+err.Error(), nil)
		return
	}
	path := strings.TrimSpace(body.Path)
	if path == "" {
		path = "."
	}

	res, err := s.registry.Call(r.Context(), connID, wsrpc.Request{Action: wsrpc.ActionList, Path: path}, s.probeTimeout)
	if err != nil {
		status, code := probeFailure(err)
		writeError(w, status, code, err.Error(), map[string]any{"conn_id": connID, "path": path})
		return
	}
	writeJSON(w, http.StatusOK, probeResponse{
		ConnID:  connID,
		OK:      res.OK,
		Entries: res.Entries,
		Error:   res.Error,
	})
}

func probeFailure(err error) (int, string) {
	var callErr *wsrpc.CallError
	if !errors.As(err, &callErr) {
		return http.StatusInternalServerError, "rpc_error"
	}
	switch callErr.Code {
	case wsrpc.CodeConnectionNotOpen:
		return http.StatusNotFound, callErr.Code
	case wsrpc.CodeTimeout:
		return http.StatusGatewayTimeout, callErr.Code
	case wsrpc.CodeCancelled:
		return http.StatusBadGateway, callErr.Code
	default:
		return http.StatusInternalServerError, callErr.Code
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"connections": s.registry.IDs()})
}

// CloseConnections closes every open peer connection. Hijacked websocket
// connections are not tracked by http.Server.Shutdown.
func (s *Server) CloseConnections() int {
	return s.registry.CloseAll()
}
