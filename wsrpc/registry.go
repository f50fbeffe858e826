package wsrpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Error codes for RPC failures. They surface to the model as tool results.
const (
	CodeConnectionNotOpen = "connection_not_open"
	CodeTimeout           = "rpc_timeout"
	CodeCancelled         = "rpc_cancelled"
)

// Default call timeouts.
const (
	DefaultCallTimeout  = 10 * time.Second
	DefaultProbeTimeout = 5 * time.Second
)

var (
	// ErrConnectionNotOpen is returned when no channel is registered for a
	// connection id.
	ErrConnectionNotOpen = errors.New("wsrpc: connection not open")
	// ErrTimeout is returned when a call is not answered in time.
	ErrTimeout = errors.New("wsrpc: rpc timeout")
	// ErrCancelled is returned for calls rejected by a connection close.
	ErrCancelled = errors.New("wsrpc: rpc cancelled")
	// ErrDuplicateCall is returned when a call id is already pending.
	ErrDuplicateCall = errors.New("wsrpc: duplicate call id")
)

// CallError describes a failed call on one connection.
type CallError struct {
	Code   string
	ConnID string
	CallID string
	Err    error
}

func (e *CallError) Error() string {
	if e == nil {
		return ""
	}
	if e.CallID == "" {
		return fmt.Sprintf("%s: connection %q: %v", e.Code, e.ConnID, e.Err)
	}
	return fmt.Sprintf("%s: connection %q call %q: %v", e.Code, e.ConnID, e.CallID, e.Err)
}

func (e *CallError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Channel is the outbound half of a duplex connection.
type Channel interface {
	Send(ctx context.Context, req Request) error
	Close() error
}

// CallObservation describes one finished call.
type CallObservation struct {
	ConnID     string
	Action     string
	DurationMS int64
	Outcome    string // "ok", "remote_error" or a Code* constant
}

// Observer receives call observations.
type Observer interface {
	ObserveCall(CallObservation)
}

// RegistryConfig configures a Registry.
type RegistryConfig struct {
	CallTimeout time.Duration
	Logger      *slog.Logger
	Observer    Observer
	// Now is used for PendingCall creation times; tests may override it.
	Now func() time.Time
}

type entry struct {
	channel Channel
	pending map[string]*Pending
}

// Registry maps connection ids to open channels and their in-flight calls.
// All access goes through its methods; the table itself is never exposed.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*entry

	callTimeout time.Duration
	logger      *slog.Logger
	observer    Observer
	now         func() time.Time
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg RegistryConfig) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		conns:       make(map[string]*entry),
		callTimeout: timeout,
		logger:      logger,
		observer:    cfg.Observer,
		now:         now,
	}
}

// Set opens id with channel, replacing any prior entry. Calls pending on a
// replaced entry are rejected as cancelled.
func (r *Registry) Set(id string, channel Channel) {
	r.mu.Lock()
	prev := r.conns[id]
	r.conns[id] = &entry{channel: channel, pending: make(map[string]*Pending)}
	r.mu.Unlock()

	if prev != nil {
		r.rejectAll(id, prev)
		r.logger.Info("wsrpc: connection replaced", "conn_id", id, "cancelled", len(prev.pending))
		return
	}
	r.logger.Info("wsrpc: connection opened", "conn_id", id)
}

// Close rejects every pending call on id as cancelled and removes the entry.
// Closing an absent id is a no-op.
func (r *Registry) Close(id string) {
	r.mu.Lock()
	prev, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	r.rejectAll(id, prev)
	r.logger.Info("wsrpc: connection closed", "conn_id", id, "cancelled", len(prev.pending))
}

// CloseAll closes every connection and its channel and reports how many were
// open. It is used on shutdown.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	entries := r.conns
	r.conns = make(map[string]*entry)
	r.mu.Unlock()

	for id, e := range entries {
		r.rejectAll(id, e)
		if err := e.channel.Close(); err != nil {
			r.logger.Debug("wsrpc: close channel", "conn_id", id, "error", err)
		}
	}
	return len(entries)
}

// Release closes id only if channel is still the registered one. Connection
// handlers use it so a superseded reader cannot close its replacement.
func (r *Registry) Release(id string, channel Channel) bool {
	r.mu.Lock()
	current, ok := r.conns[id]
	if !ok || current.channel != channel {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	r.mu.Unlock()

	r.rejectAll(id, current)
	r.logger.Info("wsrpc: connection closed", "conn_id", id, "cancelled", len(current.pending))
	return true
}

func (r *Registry) rejectAll(id string, e *entry) {
	// The entry is no longer reachable from the table, so its pending map
	// is owned here.
	for callID, p := range e.pending {
		p.resolve(Response{}, &CallError{Code: CodeCancelled, ConnID: id, CallID: callID, Err: ErrCancelled})
	}
}

// IsOpen reports whether id has an open channel.
func (r *Registry) IsOpen(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[id]
	return ok
}

// IDs returns the open connection ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.Lock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	slices.Sort(ids)
	return ids
}

// PendingCount returns the number of unresolved calls on id.
func (r *Registry) PendingCount(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.conns[id]; ok {
		return len(e.pending)
	}
	return 0
}

// RegisterPending creates the completion handle for callID. It must be called
// before the request frame is sent.
func (r *Registry) RegisterPending(id, callID string) (*Pending, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[id]
	if !ok {
		return nil, &CallError{Code: CodeConnectionNotOpen, ConnID: id, CallID: callID, Err: ErrConnectionNotOpen}
	}
	if _, exists := e.pending[callID]; exists {
		return nil, fmt.Errorf("%w: %q on %q", ErrDuplicateCall, callID, id)
	}
	p := newPending(callID, r.now())
	e.pending[callID] = p
	return p, nil
}

// ResolvePending delivers res to the handle registered under callID and
// removes it. Unknown connections and call ids are ignored.
func (r *Registry) ResolvePending(id, callID string, res Response) bool {
	p := r.take(id, callID, nil)
	if p == nil {
		r.logger.Debug("wsrpc: unmatched response", "conn_id", id, "call_id", callID)
		return false
	}
	return p.resolve(res, nil)
}

// take removes callID from id's pending set. When want is non-nil the handle
// is removed only if it is still that exact handle.
func (r *Registry) take(id, callID string, want *Pending) *Pending {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil
	}
	p, ok := e.pending[callID]
	if !ok || (want != nil && p != want) {
		return nil
	}
	delete(e.pending, callID)
	return p
}

func (r *Registry) channel(id string) (Channel, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[id]
	if !ok {
		return nil, false
	}
	return e.channel, true
}

// Call sends req on connection id and waits for the matching response.
// A zero timeout uses the registry default. The request id is generated
// when req.ID is empty.
func (r *Registry) Call(ctx context.Context, id string, req Request, timeout time.Duration) (Response, error) {
	if timeout <= 0 {
		timeout = r.callTimeout
	}
	if req.ID == "" {
		req.ID = req.Action + "-" + uuid.NewString()
	}
	req.Type = FrameRequest

	start := r.now()
	res, err := r.call(ctx, id, req, timeout)
	r.observe(id, req.Action, start, res, err)
	return res, err
}

func (r *Registry) call(ctx context.Context, id string, req Request, timeout time.Duration) (Response, error) {
	channel, ok := r.channel(id)
	if !ok {
		return Response{}, &CallError{Code: CodeConnectionNotOpen, ConnID: id, CallID: req.ID, Err: ErrConnectionNotOpen}
	}

	p, err := r.RegisterPending(id, req.ID)
	if err != nil {
		return Response{}, err
	}

	if err := channel.Send(ctx, req); err != nil {
		sendErr := &CallError{Code: CodeConnectionNotOpen, ConnID: id, CallID: req.ID, Err: fmt.Errorf("send: %w", err)}
		r.expire(id, p, sendErr)
		return p.Wait(context.Background())
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	res, err := p.Wait(waitCtx)
	if err == nil || err != waitCtx.Err() {
		return res, err
	}
	if ctx.Err() != nil {
		r.expire(id, p, &CallError{Code: CodeCancelled, ConnID: id, CallID: req.ID, Err: ctx.Err()})
	} else {
		r.expire(id, p, &CallError{Code: CodeTimeout, ConnID: id, CallID: req.ID, Err: ErrTimeout})
	}

	// Whichever source won the race has left exactly one outcome behind.
	return p.Wait(context.Background())
}

func (r *Registry) expire(id string, p *Pending, err error) {
	if p.resolve(Response{}, err) {
		r.take(id, p.CallID, p)
	}
}

func (r *Registry) observe(id, action string, start time.Time, res Response, err error) {
	if r.observer == nil {
		return
	}
	outcome := "ok"
	var callErr *CallError
	switch {
	case errors.As(err, &callErr):
		outcome = callErr.Code
	case err != nil:
		outcome = "error"
	case !res.OK:
		outcome = "remote_error"
	}
	r.observer.ObserveCall(CallObservation{
		ConnID:     id,
		Action:     action,
		DurationMS: r.now().Sub(start).Milliseconds(),
		Outcome:    outcome,
	})
}
