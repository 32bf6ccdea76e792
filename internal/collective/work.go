package collective

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/samcharles93/fusedllm/internal/tensor"
)

// Work is the handle of an operation queued on a ProcessGroup.
type Work struct {
	id   uuid.UUID
	op   string
	out  []*tensor.Tensor
	done chan struct{}
	err  error
}

func newWork(op string, out []*tensor.Tensor) *Work {
	return &Work{id: uuid.New(), op: op, out: out, done: make(chan struct{})}
}

func (w *Work) finish(err error) {
	w.err = err
	close(w.done)
}

// ID uniquely identifies the work for logging.
func (w *Work) ID() uuid.UUID { return w.id }

// Op names the operation, e.g. "all_reduce".
func (w *Work) Op() string { return w.op }

// IsCompleted reports whether the consumer has finished the work.
func (w *Work) IsCompleted() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// IsSuccess reports whether completed work succeeded. It returns ErrPending
// while the work is still queued or running.
func (w *Work) IsSuccess() (bool, error) {
	if !w.IsCompleted() {
		return false, ErrPending
	}
	return w.err == nil, nil
}

// Wait blocks until the work completes and returns its error, or until ctx
// is done.
func (w *Work) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the output tensors once the work has completed.
func (w *Work) Result() []*tensor.Tensor {
	if !w.IsCompleted() {
		return nil
	}
	return w.out
}

const pendingReleaseMsg = "Attempted destruction of AsyncWork before work has completed, terminating the program."

var fatalHook atomic.Pointer[func(string)]

func init() {
	f := func(msg string) {
		fmt.Fprintln(os.Stderr, msg)
		os.Exit(134)
	}
	fatalHook.Store(&f)
}

// SetFatalHook replaces the function called when an AsyncWork is released
// while its transfer is still pending. The default prints the message and
// exits with status 134. The returned func restores the previous hook.
func SetFatalHook(f func(msg string)) (restore func()) {
	prev := fatalHook.Swap(&f)
	return func() { fatalHook.Store(prev) }
}

func fatal(msg string) { (*fatalHook.Load())(msg) }

// AsyncWork is the handle of a point-to-point transfer. It does not go
// through the work queue; completion is polled on the transport under the
// group's global lock. Every AsyncWork must be waited on or released once
// complete: dropping a pending handle terminates the program.
type AsyncWork struct {
	id     uuid.UUID
	op     string
	global *sync.Mutex
	out    []*tensor.Tensor

	mu       sync.Mutex
	req      Request
	source   int
	err      error
	released bool
}

func newAsyncWork(op string, global *sync.Mutex, req Request, out []*tensor.Tensor) *AsyncWork {
	a := &AsyncWork{id: uuid.New(), op: op, global: global, req: req, out: out, source: -1}
	runtime.SetFinalizer(a, func(a *AsyncWork) {
		if a.req != nil && !a.released {
			fatal(pendingReleaseMsg)
		}
	})
	return a
}

// ID uniquely identifies the transfer for logging.
func (a *AsyncWork) ID() uuid.UUID { return a.id }

// IsCompleted polls the transfer without blocking.
func (a *AsyncWork) IsCompleted() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.req == nil {
		return true
	}
	a.global.Lock()
	done, src, err := a.req.Test()
	a.global.Unlock()
	if !done {
		return false
	}
	a.complete(src, err)
	return true
}

// IsSuccess reports whether the completed transfer succeeded. It returns
// ErrPending until IsCompleted or Wait has observed completion.
func (a *AsyncWork) IsSuccess() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.req != nil {
		return false, fmt.Errorf("%w: invalid call to IsSuccess on %s", ErrPending, a.op)
	}
	return a.err == nil, nil
}

// SourceRank is the rank the message came from, which matters for
// receives from AnySource. It is -1 until completion is observed.
func (a *AsyncWork) SourceRank() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.source
}

// Wait blocks until the transfer completes and returns its error.
func (a *AsyncWork) Wait(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.req == nil {
		return a.err
	}
	a.global.Lock()
	src, err := a.req.Wait(ctx)
	a.global.Unlock()
	if e := (*Error)(nil); errors.As(err, &e) && e.Code == CodeCanceled {
		return asError(a.op, err)
	}
	a.complete(src, err)
	return a.err
}

// Result returns the tensors written by a receive.
func (a *AsyncWork) Result() []*tensor.Tensor { return a.out }

// Release ends the caller's use of the handle. Releasing a transfer whose
// completion has not been observed calls the fatal hook.
func (a *AsyncWork) Release() {
	a.mu.Lock()
	pending := a.req != nil && !a.released
	a.released = true
	a.mu.Unlock()
	runtime.SetFinalizer(a, nil)
	if pending {
		fatal(pendingReleaseMsg)
	}
}

// complete records the outcome. Callers hold a.mu.
func (a *AsyncWork) complete(src int, err error) {
	a.req = nil
	a.source = src
	a.err = asError(a.op, err)
}
