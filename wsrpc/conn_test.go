package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newWSServer(t *testing.T, reg *Registry, id string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = reg.Serve(context.Background(), id, NewConn(ws))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialPeer(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func waitOpen(t *testing.T, reg *Registry, id string, want bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if reg.IsOpen(id) == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("IsOpen(%q) never became %v", id, want)
}

// servePeer answers every request frame the way the browser peer does.
func servePeer(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.Type != FrameRequest {
			continue
		}
		res := map[string]any{"type": FrameResponse, "id": req.ID, "ok": true}
		switch req.Action {
		case ActionList:
			res["entries"] = []map[string]any{{"name": "a.txt", "type": "file"}}
		case ActionRead:
			res["content"] = "contents of " + req.Path
		}
		out, _ := json.Marshal(res)
		if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
			return
		}
	}
}

func TestServeDispatchesResponses(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	srv := newWSServer(t, reg, "fe-1")
	peer := dialPeer(t, srv)

	// Control and malformed frames are ignored.
	_ = peer.WriteMessage(websocket.TextMessage, []byte(`{"type":"connected"}`))
	_ = peer.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping","ts":1}`))
	_ = peer.WriteMessage(websocket.TextMessage, []byte(`not json`))
	_ = peer.WriteMessage(websocket.TextMessage, []byte(`{"type":"res","id":"unknown","ok":true}`))
	go servePeer(peer)

	waitOpen(t, reg, "fe-1", true)

	res, err := reg.Call(context.Background(), "fe-1", Request{Action: ActionRead, Path: "/notes.md"}, time.Second)
	if err != nil {
		t.Fatalf("Call(fs_read) error = %v", err)
	}
	if !res.OK || res.Content != "contents of /notes.md" {
		t.Fatalf("unexpected response %+v", res)
	}

	res, err = reg.Call(context.Background(), "fe-1", Request{Action: ActionList, Path: "/"}, time.Second)
	if err != nil {
		t.Fatalf("Call(fs_list) error = %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal(res.Entries, &entries); err != nil || len(entries) != 1 {
		t.Fatalf("entries = %s, err = %v", res.Entries, err)
	}
}

func TestServeDisconnectCancelsPending(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	srv := newWSServer(t, reg, "fe-2")
	peer := dialPeer(t, srv)
	waitOpen(t, reg, "fe-2", true)

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Call(context.Background(), "fe-2", Request{Action: ActionList, Path: "/"}, 5*time.Second)
		errCh <- err
	}()

	// Read the request, then hang up without answering.
	if _, _, err := peer.ReadMessage(); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	_ = peer.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Call() error = %v, want ErrCancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call was not cancelled on disconnect")
	}
	waitOpen(t, reg, "fe-2", false)
}

func TestServeRejectsOversizedFrame(t *testing.T) {
	reg := NewRegistry(RegistryConfig{})
	served := make(chan error, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		served <- reg.Serve(context.Background(), "fe-big", NewConn(ws).WithReadLimit(256))
	}))
	t.Cleanup(srv.Close)
	peer := dialPeer(t, srv)
	waitOpen(t, reg, "fe-big", true)

	errCh := make(chan error, 1)
	go func() {
		_, err := reg.Call(context.Background(), "fe-big", Request{ID: "big", Action: ActionRead, Path: "/huge"}, 5*time.Second)
		errCh <- err
	}()
	if _, _, err := peer.ReadMessage(); err != nil {
		t.Fatalf("peer read: %v", err)
	}
	frame, _ := json.Marshal(map[string]any{"type": FrameResponse, "id": "big", "ok": true, "content": strings.Repeat("x", 1024)})
	_ = peer.WriteMessage(websocket.TextMessage, frame)

	select {
	case err := <-served:
		if !errors.Is(err, websocket.ErrReadLimit) {
			t.Fatalf("Serve() error = %v, want ErrReadLimit", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("oversized frame did not end the connection")
	}
	select {
	case err := <-errCh:
		if !errors.Is(err, ErrCancelled) {
			t.Fatalf("Call() error = %v, want ErrCancelled", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending call was not cancelled")
	}
	waitOpen(t, reg, "fe-big", false)
}

func TestDecodeResponse(t *testing.T) {
	tests := []struct {
		name   string
		frame  string
		wantOK bool
		errs   bool
	}{
		{"response", `{"type":"res","id":"x","ok":true,"content":"c"}`, true, false},
		{"ping", `{"type":"ping"}`, false, false},
		{"connected", `{"type":"connected"}`, false, false},
		{"response without id", `{"type":"res","ok":true}`, false, false},
		{"garbage", `{`, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok, err := DecodeResponse([]byte(tt.frame))
			if (err != nil) != tt.errs {
				t.Fatalf("err = %v, want error %v", err, tt.errs)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
		})
	}
}

func TestRequestContentEncoding(t *testing.T) {
	empty := ""
	data, _ := json.Marshal(Request{Type: FrameRequest, ID: "1", Action: ActionWrite, Path: "/a", Content: &empty})
	if !strings.Contains(string(data), `"content":""`) {
		t.Fatalf("empty write content dropped: %s", data)
	}
	data, _ = json.Marshal(Request{Type: FrameRequest, ID: "2", Action: ActionList, Path: "/"})
	if strings.Contains(string(data), "content") {
		t.Fatalf("list frame carries content: %s", data)
	}
}
