package transfer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// ErrPoolClosed is returned by Submit after Close.
var ErrPoolClosed = errors.New("transfer pool closed")

// DefaultPoolSize is the number of concurrent bundle operations.
const DefaultPoolSize = 8

// Pool runs blocking bundle work on a bounded set of goroutines. Each active
// transfer holds exactly one slot until its task returns.
type Pool struct {
	sem  *semaphore.Weighted
	size int

	// done is canceled by Close and releases Submit calls waiting for a slot
	done   context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewPool creates a pool with size slots.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	done, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		size:   size,
		done:   done,
		cancel: cancel,
	}
}

// Submit waits for a free slot and runs task on it.
func (p *Pool) Submit(ctx context.Context, task func()) error {
	if p.done.Err() != nil {
		return ErrPoolClosed
	}
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(p.done, cancel)
	defer stop()

	if err := p.sem.Acquire(actx, 1); err != nil {
		if p.done.Err() != nil {
			return ErrPoolClosed
		}
		return ctx.Err()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.sem.Release(1)
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.active.Add(1)
	p.mu.Unlock()

	go func() {
		defer func() {
			p.active.Add(-1)
			p.sem.Release(1)
			p.wg.Done()
		}()
		task()
	}()
	return nil
}

// Active returns the number of occupied slots.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Size returns the slot count.
func (p *Pool) Size() int {
	return p.size
}

// Close rejects new work and waits for running tasks.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cancel()
	p.wg.Wait()
}
