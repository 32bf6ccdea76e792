package collective

import (
	"context"
	"fmt"
	"sync"
)

// AnySource matches a message from any rank in Irecv.
const AnySource = -1

// Request is an in-flight point-to-point transfer.
type Request interface {
	// Test reports whether the transfer has finished without blocking.
	Test() (done bool, source int, err error)
	// Wait blocks until the transfer finishes or ctx is done.
	Wait(ctx context.Context) (source int, err error)
}

// Endpoint is one rank's view of the transport. Implementations need not
// be safe for concurrent use; ProcessGroup serializes every call.
type Endpoint interface {
	Rank() int
	Size() int
	// Isend starts sending a copy of data to dst under tag.
	Isend(dst, tag int, data []float32) (Request, error)
	// Irecv starts receiving a message from src (or AnySource) under tag
	// into buf. The message length must equal len(buf).
	Irecv(src, tag int, buf []float32) (Request, error)
	Close() error
}

type message struct {
	src, tag int
	data     []float32
}

type mesh struct {
	eps []*meshEndpoint
}

// meshEndpoint delivers messages through an in-memory inbox. Sends are
// buffered, so they complete immediately.
type meshEndpoint struct {
	rank int
	mesh *mesh

	mu     sync.Mutex
	cond   sync.Cond
	inbox  []message
	closed bool
}

// NewMesh connects n endpoints in the current process. Endpoint i has rank
// i; messages between any pair are delivered in send order.
func NewMesh(n int) []Endpoint {
	m := &mesh{eps: make([]*meshEndpoint, n)}
	out := make([]Endpoint, n)
	for i := range m.eps {
		ep := &meshEndpoint{rank: i, mesh: m}
		ep.cond = sync.Cond{L: &ep.mu}
		m.eps[i] = ep
		out[i] = ep
	}
	return out
}

func (e *meshEndpoint) Rank() int { return e.rank }
func (e *meshEndpoint) Size() int { return len(e.mesh.eps) }

func (e *meshEndpoint) Isend(dst, tag int, data []float32) (Request, error) {
	if dst < 0 || dst >= len(e.mesh.eps) {
		return nil, &Error{Code: CodeRank, Msg: fmt.Sprintf("destination rank %d of %d", dst, len(e.mesh.eps))}
	}
	to := e.mesh.eps[dst]
	to.mu.Lock()
	defer to.mu.Unlock()
	if to.closed {
		return nil, &Error{Code: CodeClosed, Msg: fmt.Sprintf("rank %d is closed", dst)}
	}
	to.inbox = append(to.inbox, message{src: e.rank, tag: tag, data: append([]float32(nil), data...)})
	to.cond.Broadcast()
	return doneRequest{source: e.rank}, nil
}

func (e *meshEndpoint) Irecv(src, tag int, buf []float32) (Request, error) {
	if src != AnySource && (src < 0 || src >= len(e.mesh.eps)) {
		return nil, &Error{Code: CodeRank, Msg: fmt.Sprintf("source rank %d of %d", src, len(e.mesh.eps))}
	}
	return &recvRequest{ep: e, src: src, tag: tag, buf: buf, source: -1}, nil
}

// Close fails every pending and future receive on this endpoint.
func (e *meshEndpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()
	return nil
}

// take removes the first message matching src and tag. Callers hold e.mu.
func (e *meshEndpoint) take(src, tag int) (message, bool) {
	for i, m := range e.inbox {
		if m.tag == tag && (src == AnySource || m.src == src) {
			e.inbox = append(e.inbox[:i], e.inbox[i+1:]...)
			return m, true
		}
	}
	return message{}, false
}

type doneRequest struct{ source int }

func (r doneRequest) Test() (bool, int, error)          { return true, r.source, nil }
func (r doneRequest) Wait(context.Context) (int, error) { return r.source, nil }

type recvRequest struct {
	ep       *meshEndpoint
	src, tag int
	buf      []float32

	done   bool
	source int
	err    error
}

// poll tries to complete the receive. Callers hold r.ep.mu.
func (r *recvRequest) poll() bool {
	if r.done {
		return true
	}
	if m, ok := r.ep.take(r.src, r.tag); ok {
		r.done, r.source = true, m.src
		if len(m.data) != len(r.buf) {
			r.err = &Error{Code: CodeTruncate, Msg: fmt.Sprintf("message of %d values from rank %d, buffer holds %d", len(m.data), m.src, len(r.buf))}
		} else {
			copy(r.buf, m.data)
		}
		return true
	}
	if r.ep.closed {
		r.done = true
		r.err = &Error{Code: CodeClosed, Msg: fmt.Sprintf("rank %d closed while receiving", r.ep.rank)}
		return true
	}
	return false
}

func (r *recvRequest) Test() (bool, int, error) {
	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	if !r.poll() {
		return false, -1, nil
	}
	return true, r.source, r.err
}

func (r *recvRequest) Wait(ctx context.Context) (int, error) {
	stop := context.AfterFunc(ctx, func() {
		r.ep.mu.Lock()
		r.ep.cond.Broadcast()
		r.ep.mu.Unlock()
	})
	defer stop()

	r.ep.mu.Lock()
	defer r.ep.mu.Unlock()
	for !r.poll() {
		if err := ctx.Err(); err != nil {
			return -1, &Error{Code: CodeCanceled, Msg: err.Error()}
		}
		r.ep.cond.Wait()
	}
	return r.source, r.err
}
