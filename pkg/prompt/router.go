package prompt

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/quillui/bridge/pkg/log"
)

// Package prompt correlates server-initiated input requests with the
// client-delivered replies, waking the suspended dispatch operation.
//
// At most one request may be pending per connection. A dispatcher that asks
// for a second prompt before the first resolves gets ErrPending back; no
// second frame is sent.

var (
	// ErrPending indicates the connection already has an unanswered request.
	ErrPending = errors.New("input request already pending for connection")
	// ErrCancelled indicates the connection closed while the prompt was pending.
	ErrCancelled = errors.New("input request cancelled")
	// ErrTimeout indicates the per-prompt timeout elapsed.
	ErrTimeout = errors.New("input request timed out")
)

type result struct {
	value any
	err   error
}

// Request is one in-flight prompt. The suspended operation waits on it; the
// message handler resolves it when the matching input_response arrives.
type Request struct {
	ID         string
	ConnID     string
	Descriptor map[string]any

	done  chan result
	timer *time.Timer
}

// Wait blocks until the request resolves or ctx is cancelled. Cancellation
// via ctx reports ErrCancelled so the dispatcher surfaces it as a command
// failure.
func (r *Request) Wait(ctx context.Context) (any, error) {
	select {
	case res := <-r.done:
		return res.value, res.err
	case <-ctx.Done():
		return nil, ErrCancelled
	}
}

// Router owns the pending-request table.
type Router struct {
	mu     sync.Mutex
	byConn map[string]*Request
	byID   map[string]*Request
	logger *log.Logger
}

func NewRouter() *Router {
	return &Router{
		byConn: make(map[string]*Request),
		byID:   make(map[string]*Request),
		logger: log.ForComponent("prompt"),
	}
}

// Begin registers a new pending request for connID. timeout <= 0 means no
// timeout. Returns ErrPending if the connection already has one in flight.
func (rt *Router) Begin(connID string, descriptor map[string]any, timeout time.Duration) (*Request, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if _, exists := rt.byConn[connID]; exists {
		return nil, ErrPending
	}

	req := &Request{
		ID:         uuid.NewString(),
		ConnID:     connID,
		Descriptor: descriptor,
		done:       make(chan result, 1),
	}
	rt.byConn[connID] = req
	rt.byID[req.ID] = req

	if timeout > 0 {
		req.timer = time.AfterFunc(timeout, func() {
			rt.finish(req.ID, result{err: ErrTimeout})
		})
	}
	return req, nil
}

// Resolve delivers the client's value for the request id. It reports false
// for unknown ids (already resolved, timed out, or never issued); callers
// log and drop those.
func (rt *Router) Resolve(id string, value any) bool {
	return rt.finish(id, result{value: value})
}

// CancelConn resolves any pending request for connID with ErrCancelled.
// Called when the connection closes.
func (rt *Router) CancelConn(connID string) {
	rt.mu.Lock()
	req, ok := rt.byConn[connID]
	rt.mu.Unlock()
	if ok {
		rt.finish(req.ID, result{err: ErrCancelled})
	}
}

// CancelAll resolves every pending request with ErrCancelled. Called on
// shutdown.
func (rt *Router) CancelAll() {
	rt.mu.Lock()
	pending := make([]*Request, 0, len(rt.byID))
	for _, req := range rt.byID {
		pending = append(pending, req)
	}
	rt.mu.Unlock()

	for _, req := range pending {
		rt.finish(req.ID, result{err: ErrCancelled})
	}
}

// Pending reports whether connID has an unanswered request.
func (rt *Router) Pending(connID string) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.byConn[connID]
	return ok
}

// finish removes the request from both tables and signals the waiter.
// The removal-before-send under the lock guarantees each request resolves
// at most once.
func (rt *Router) finish(id string, res result) bool {
	rt.mu.Lock()
	req, ok := rt.byID[id]
	if ok {
		delete(rt.byID, id)
		delete(rt.byConn, req.ConnID)
		if req.timer != nil {
			req.timer.Stop()
		}
	}
	rt.mu.Unlock()

	if !ok {
		rt.logger.Debugf("dropping resolution for unknown request id %s", id)
		return false
	}
	req.done <- res
	return true
}
