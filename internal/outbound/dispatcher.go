// Package outbound correlates JSON-RPC requests sent to a peer with the
// responses that come back on another channel.
package outbound

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/session-relay/internal/jsonrpc"
)

// MethodCancel is the notification telling the peer a request was abandoned.
const MethodCancel = "cancel"

// Transport sends envelopes to the peer.
type Transport interface {
	// Send emits req. Responses arrive through Dispatcher.OnResponse.
	Send(ctx context.Context, req *jsonrpc.Request) error
}

var (
	// ErrDispatcherClosed indicates the dispatcher is closed.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// CancelParams is the payload of a cancel notification.
type CancelParams struct {
	ID jsonrpc.RequestID `json:"id"`
}

type pendingCall struct {
	respCh chan *jsonrpc.Response
	errCh  chan error
}

// Dispatcher issues requests and waits for their responses. It is safe for
// concurrent use.
type Dispatcher struct {
	t      Transport
	prefix string

	mu      sync.Mutex
	pending map[jsonrpc.RequestID]*pendingCall

	nextID atomic.Uint64

	closed   atomic.Bool
	closeErr error
}

// New constructs a Dispatcher. Request ids are prefix followed by a counter
// so that several dispatchers can share one peer.
func New(t Transport, prefix string) *Dispatcher {
	return &Dispatcher{t: t, prefix: prefix, pending: make(map[jsonrpc.RequestID]*pendingCall)}
}

func (d *Dispatcher) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.errLocked()
}

func (d *Dispatcher) errLocked() error {
	if d.closeErr != nil {
		return d.closeErr
	}
	return ErrDispatcherClosed
}

// Call sends method and waits for the response, ctx expiry or Close. A
// response carrying an error object is returned as that *jsonrpc.Error. When
// ctx expires the peer is told to drop the request.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*jsonrpc.Response, error) {
	if d.closed.Load() {
		return nil, d.err()
	}

	id := jsonrpc.RequestID(d.prefix + "-" + strconv.FormatUint(d.nextID.Add(1), 10))
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}

	pc := &pendingCall{respCh: make(chan *jsonrpc.Response, 1), errCh: make(chan error, 1)}
	d.mu.Lock()
	if d.closed.Load() {
		err := d.errLocked()
		d.mu.Unlock()
		return nil, err
	}
	d.pending[id] = pc
	d.mu.Unlock()

	if err := d.t.Send(ctx, req); err != nil {
		d.forget(id)
		return nil, err
	}

	select {
	case resp := <-pc.respCh:
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case err := <-pc.errCh:
		return nil, err
	case <-ctx.Done():
		d.forget(id)
		if cancel, err := jsonrpc.NewRequest("", MethodCancel, CancelParams{ID: id}); err == nil {
			_ = d.t.Send(context.WithoutCancel(ctx), cancel)
		}
		return nil, ctx.Err()
	}
}

func (d *Dispatcher) forget(id jsonrpc.RequestID) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// Pending reports how many calls are awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// OnResponse delivers a response to its waiting call. Unmatched responses
// are ignored and reported as false.
func (d *Dispatcher) OnResponse(resp *jsonrpc.Response) bool {
	if resp == nil || resp.ID == "" {
		return false
	}
	d.mu.Lock()
	pc, ok := d.pending[resp.ID]
	if ok {
		delete(d.pending, resp.ID)
	}
	d.mu.Unlock()
	if ok {
		pc.respCh <- resp
	}
	return ok
}

// Close fails all pending calls with err and prevents new calls.
func (d *Dispatcher) Close(err error) {
	if err == nil {
		err = ErrDispatcherClosed
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.closed.CompareAndSwap(false, true) {
		return
	}
	d.closeErr = err
	for id, pc := range d.pending {
		delete(d.pending, id)
		pc.errCh <- err
	}
}
