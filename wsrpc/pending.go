package wsrpc

import (
	"context"
	"sync"
	"time"
)

type outcome struct {
	res Response
	err error
}

// Pending is a single-resolution completion handle for one in-flight call.
//
// Exactly one of a matching response, a timeout or a connection close
// resolves it; later resolutions are no-ops. It has exactly one waiter.
type Pending struct {
	CallID  string
	Created time.Time

	once sync.Once
	done chan outcome
}

func newPending(callID string, now time.Time) *Pending {
	return &Pending{
		CallID:  callID,
		Created: now,
		done:    make(chan outcome, 1),
	}
}

// resolve delivers the outcome if the handle is still open and reports
// whether this call was the one that resolved it.
func (p *Pending) resolve(res Response, err error) bool {
	won := false
	p.once.Do(func() {
		p.done <- outcome{res: res, err: err}
		won = true
	})
	return won
}

// Wait blocks until the handle is resolved or ctx is done. It must be called
// by one goroutine only; the outcome is consumed.
func (p *Pending) Wait(ctx context.Context) (Response, error) {
	select {
	case out := <-p.done:
		return out.res, out.err
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}
