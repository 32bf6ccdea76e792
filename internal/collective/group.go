// Package collective implements a process group that runs collective
// operations in submission order on a single background goroutine, and
// point-to-point transfers completed by polling the transport.
package collective

import (
	"context"
	"fmt"
	"sync"

	"github.com/samcharles93/fusedllm/internal/logger"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// collTag is the message tag reserved for collectives. User tags for Send
// and Recv must be non-negative.
const collTag = -1

type entry struct {
	work *Work
	run  func(ctx context.Context) error
}

// ProcessGroup is one rank's handle on a group of ranks. Collectives are
// queued and executed in FIFO order by one consumer goroutine, so every
// rank must issue them in the same order. All transport access, including
// polling point-to-point requests, holds the group's global lock.
type ProcessGroup struct {
	ep     Endpoint
	log    logger.Logger
	global sync.Mutex

	mu      sync.Mutex
	produce sync.Cond
	consume sync.Cond
	queue   []entry
	stop    bool
	closed  bool
	done    chan struct{}
}

// New starts the consumer goroutine for ep. The group owns ep and closes it
// in Close.
func New(ep Endpoint, log logger.Logger) *ProcessGroup {
	pg := &ProcessGroup{
		ep:   ep,
		log:  logger.OrNop(log).With("rank", ep.Rank(), "world_size", ep.Size()),
		done: make(chan struct{}),
	}
	pg.produce = sync.Cond{L: &pg.mu}
	pg.consume = sync.Cond{L: &pg.mu}
	go pg.runLoop()
	pg.log.Debug("process group started")
	return pg
}

// NewWorld creates a connected group for each of n in-process ranks.
func NewWorld(n int, log logger.Logger) []*ProcessGroup {
	eps := NewMesh(n)
	out := make([]*ProcessGroup, n)
	for i, ep := range eps {
		out[i] = New(ep, log)
	}
	return out
}

func (pg *ProcessGroup) Rank() int { return pg.ep.Rank() }
func (pg *ProcessGroup) Size() int { return pg.ep.Size() }

// Close waits until every queued operation has been picked up, stops the
// consumer once it finishes the current one and closes the endpoint.
// Operations submitted afterwards fail with ErrClosed.
func (pg *ProcessGroup) Close() error {
	pg.mu.Lock()
	if pg.closed {
		pg.mu.Unlock()
		<-pg.done
		return nil
	}
	pg.closed = true
	for len(pg.queue) > 0 {
		pg.consume.Wait()
	}
	pg.stop = true
	pg.mu.Unlock()
	pg.produce.Broadcast()
	<-pg.done

	pg.global.Lock()
	err := pg.ep.Close()
	pg.global.Unlock()
	pg.log.Debug("process group closed")
	return err
}

func (pg *ProcessGroup) runLoop() {
	defer close(pg.done)
	pg.mu.Lock()
	for !pg.stop {
		if len(pg.queue) == 0 {
			pg.produce.Wait()
			continue
		}
		e := pg.queue[0]
		pg.queue[0] = entry{}
		pg.queue = pg.queue[1:]
		pg.mu.Unlock()
		pg.consume.Broadcast()

		e.work.finish(pg.execute(e))

		pg.mu.Lock()
	}
	pg.mu.Unlock()
}

// execute runs one entry under the global lock, turning a panic into an
// Error stored on the work.
func (pg *ProcessGroup) execute(e entry) (err error) {
	pg.global.Lock()
	defer pg.global.Unlock()
	defer func() {
		if r := recover(); r != nil {
			err = &Error{Op: e.work.op, Code: CodePanic, Msg: fmt.Sprint(r)}
		}
	}()
	if err := e.run(context.Background()); err != nil {
		pg.log.Debug("collective failed", "op", e.work.op, "work", e.work.id, "error", err)
		return asError(e.work.op, err)
	}
	return nil
}

func (pg *ProcessGroup) enqueue(op string, out []*tensor.Tensor, run func(ctx context.Context) error) (*Work, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.closed {
		return nil, fmt.Errorf("%w: %s", ErrClosed, op)
	}
	w := newWork(op, out)
	pg.queue = append(pg.queue, entry{work: w, run: run})
	pg.produce.Signal()
	return w, nil
}

// send and recv are blocking transfers for use inside collectives.
func (pg *ProcessGroup) send(ctx context.Context, dst int, data []float32) error {
	req, err := pg.ep.Isend(dst, collTag, data)
	if err != nil {
		return err
	}
	_, err = req.Wait(ctx)
	return err
}

func (pg *ProcessGroup) recv(ctx context.Context, src int, buf []float32) error {
	req, err := pg.ep.Irecv(src, collTag, buf)
	if err != nil {
		return err
	}
	_, err = req.Wait(ctx)
	return err
}
