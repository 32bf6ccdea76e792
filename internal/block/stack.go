package block

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/samcharles93/fusedllm/internal/kvcache"
	"github.com/samcharles93/fusedllm/internal/tensor"
)

// Stack runs a sequence of decoder layers of one family.
type Stack struct {
	cfg    Config
	layers []Block
}

// NewStack builds one block per entry of layers, each the ordered
// parameter list of that layer.
func NewStack(cfg Config, layers [][]*tensor.Tensor, opts Options) (*Stack, error) {
	if len(layers) == 0 {
		return nil, fmt.Errorf("%w: no layers", ErrParams)
	}
	s := &Stack{cfg: cfg, layers: make([]Block, len(layers))}
	for i, ps := range layers {
		lo := opts
		if lo.Log != nil {
			lo.Log = lo.Log.With("layer", i)
		}
		b, err := New(cfg, ps, lo)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		s.layers[i] = b
	}
	return s, nil
}

func (s *Stack) Config() Config  { return s.cfg }
func (s *Stack) Layers() []Block { return s.layers }
func (s *Stack) NumLayers() int  { return len(s.layers) }

// Forward runs every layer in order. caches holds one entry per layer (nil
// or shorter slices mean no history); the returned caches are nil unless
// useCache is set.
func (s *Stack) Forward(ctx context.Context, in Inputs, caches []*kvcache.Cache, useCache bool) (*tensor.Tensor, []*kvcache.Cache, error) {
	var next []*kvcache.Cache
	if useCache {
		next = make([]*kvcache.Cache, len(s.layers))
	}
	for i, b := range s.layers {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		var c *kvcache.Cache
		if i < len(caches) {
			c = caches[i]
		}
		out, err := b.Forward(ctx, in, c, useCache)
		if err != nil {
			return nil, nil, fmt.Errorf("layer %d: %w", i, err)
		}
		in.Hidden = out.Hidden
		if useCache {
			next[i] = out.Cache
		}
	}
	return in.Hidden, next, nil
}

// Session holds the per-layer caches of one generation so steps can be fed
// one after another. It is safe for concurrent use; steps are serialised.
type Session struct {
	id       uuid.UUID
	stack    *Stack
	indirect bool
	created  time.Time

	mu     sync.Mutex
	caches []*kvcache.Cache
	steps  int
	used   time.Time
}

// NewSession starts an empty session. indirect selects the preallocated
// beam-indexed cache over plain concatenation.
func (s *Stack) NewSession(indirect bool) *Session {
	now := time.Now()
	ss := &Session{
		id:       uuid.New(),
		stack:    s,
		indirect: indirect,
		created:  now,
		used:     now,
		caches:   make([]*kvcache.Cache, len(s.layers)),
	}
	ss.reset()
	return ss
}

func (ss *Session) reset() {
	for i := range ss.caches {
		ss.caches[i] = nil
		if ss.indirect {
			ss.caches[i] = kvcache.NewIndirect()
		}
	}
	ss.steps = 0
}

func (ss *Session) ID() uuid.UUID      { return ss.id }
func (ss *Session) Indirect() bool     { return ss.indirect }
func (ss *Session) Created() time.Time { return ss.created }

// Step feeds hidden ([B, S, F]) through the stack, extending the cached
// history. Positions continue from the cached length.
func (ss *Session) Step(ctx context.Context, hidden, mask *tensor.Tensor) (*tensor.Tensor, error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	out, next, err := ss.stack.Forward(ctx, Inputs{Hidden: hidden, Mask: mask}, ss.caches, true)
	if err != nil {
		return nil, err
	}
	ss.caches = next
	ss.steps++
	ss.used = time.Now()
	return out, nil
}

// Reorder makes batch row b continue from row parents[b] at the next step,
// in every layer.
func (ss *Session) Reorder(parents []int) error {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	for i, c := range ss.caches {
		if err := c.ReorderBeams(parents); err != nil {
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	return nil
}

// Reset drops the cached history.
func (ss *Session) Reset() {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.reset()
	ss.used = time.Now()
}

// SeqLen is the number of cached positions.
func (ss *Session) SeqLen() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	if len(ss.caches) == 0 {
		return 0
	}
	return ss.caches[0].SeqLen()
}

func (ss *Session) Steps() int {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.steps
}

// LastUsed is the time of the last step or reset.
func (ss *Session) LastUsed() time.Time {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	return ss.used
}
