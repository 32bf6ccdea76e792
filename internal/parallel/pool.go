package parallel

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool is a persistent set of worker goroutines shared by every kernel of a
// process. Work submitted from a worker must not block on the same pool.
type Pool struct {
	workers   int
	tasks     chan task
	closeOnce sync.Once
	closed    atomic.Bool
}

type task struct {
	fn   func()
	done *sync.WaitGroup
}

// New starts a pool with n workers (GOMAXPROCS when n <= 0).
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.GOMAXPROCS(0)
	}
	p := &Pool{
		workers: n,
		tasks:   make(chan task, n*2),
	}
	for range n {
		go p.run()
	}
	return p
}

func (p *Pool) run() {
	for t := range p.tasks {
		t.fn()
		t.done.Done()
	}
}

func (p *Pool) Workers() int {
	if p == nil {
		return 1
	}
	return p.workers
}

// Close stops the workers once queued work has drained. Later calls run
// inline on the caller.
func (p *Pool) Close() {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.tasks)
	})
}

func (p *Pool) inline(n int) bool {
	return p == nil || p.closed.Load() || p.workers == 1 || n == 1
}

// For splits [0, n) into one contiguous chunk per worker and blocks until
// every chunk has run.
func (p *Pool) For(n int, fn func(start, end int)) {
	if n <= 0 {
		return
	}
	if p.inline(n) {
		fn(0, n)
		return
	}
	workers := min(p.workers, n)
	chunk := (n + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		wg.Add(1)
		p.tasks <- task{fn: func() { fn(start, end) }, done: &wg}
	}
	wg.Wait()
}

// ForEach hands out indices of [0, n) one at a time through an atomic
// counter, which balances uneven per-index cost.
func (p *Pool) ForEach(n int, fn func(i int)) {
	if n <= 0 {
		return
	}
	if p.inline(n) {
		for i := range n {
			fn(i)
		}
		return
	}
	workers := min(p.workers, n)
	var next atomic.Int64
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		p.tasks <- task{
			fn: func() {
				for {
					i := int(next.Add(1)) - 1
					if i >= n {
						return
					}
					fn(i)
				}
			},
			done: &wg,
		}
	}
	wg.Wait()
}
