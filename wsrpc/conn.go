package wsrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	defaultWriteTimeout = 10 * time.Second
	// DefaultReadLimit caps one inbound frame. File reads are the largest.
	DefaultReadLimit int64 = 8 << 20
)

// Conn adapts a gorilla websocket connection to Channel. Writes are
// serialized; gorilla allows a single concurrent writer.
type Conn struct {
	ws           *websocket.Conn
	mu           sync.Mutex
	writeTimeout time.Duration
	readLimit    int64
	closeOnce    sync.Once
	closeErr     error
}

// NewConn wraps ws.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws, writeTimeout: defaultWriteTimeout, readLimit: DefaultReadLimit}
}

// WithReadLimit sets the largest inbound frame accepted. A larger frame
// ends the connection.
func (c *Conn) WithReadLimit(n int64) *Conn {
	if n > 0 {
		c.readLimit = n
	}
	return c
}

// Send writes req as one text frame.
func (c *Conn) Send(ctx context.Context, req Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("wsrpc: encode request: %w", err)
	}

	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("wsrpc: set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("wsrpc: write frame: %w", err)
	}
	return nil
}

// Close sends a close frame and closes the underlying connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.mu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Serve registers conn under id and dispatches inbound frames in arrival
// order until the peer disconnects or ctx is done. On return the entry is
// released and its pending calls are cancelled.
func (r *Registry) Serve(ctx context.Context, id string, conn *Conn) error {
	r.Set(id, conn)
	defer func() {
		r.Release(id, conn)
		_ = conn.Close()
	}()

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	conn.ws.SetReadLimit(conn.readLimit)
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			if errors.Is(err, websocket.ErrReadLimit) {
				r.logger.Warn("wsrpc: frame exceeds read limit", "conn_id", id, "limit", conn.readLimit)
				return err
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.logger.Warn("wsrpc: peer disconnected unexpectedly", "conn_id", id, "error", err)
				return err
			}
			r.logger.Info("wsrpc: peer disconnected", "conn_id", id)
			return nil
		}

		res, ok, err := DecodeResponse(data)
		if err != nil {
			r.logger.Debug("wsrpc: ignoring malformed frame", "conn_id", id, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r.ResolvePending(id, res.ID, res)
	}
}
