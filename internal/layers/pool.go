package layers

import (
	"golang.org/x/sync/errgroup"
)

// Pool runs independent work items with bounded concurrency. Every call
// returns only after all of its items finished, which is the barrier
// between phases.
type Pool struct {
	size int
}

func NewPool(size int) Pool {
	if size < 1 {
		size = 1
	}
	return Pool{size: size}
}

func (p Pool) Size() int { return p.size }

// For calls fn(i) for i in [0, n).
func (p Pool) For(n int, fn func(i int)) {
	if p.size == 1 || n <= 1 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	var g errgroup.Group
	g.SetLimit(p.size)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(i)
			return nil
		})
	}
	_ = g.Wait()
}

// ForQueues splits [0, n) into round-robin queues, one per worker, so
// queue q handles q, q+size, q+2*size and so on.
func (p Pool) ForQueues(n int, fn func(i int)) {
	queues := p.size
	if queues > n {
		queues = n
	}
	p.For(queues, func(q int) {
		for i := q; i < n; i += p.size {
			fn(i)
		}
	})
}
