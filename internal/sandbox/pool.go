package sandbox

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// Pool bounds the number of simultaneously live sandbox instances with a
// counting semaphore. Executors acquire a slot before Create and hold it
// until after Destroy, so Creating+Running instances never exceed capacity.
type Pool struct {
	sem      chan struct{}
	capacity int
	inUse    atomic.Int64

	mu     sync.Mutex
	closed bool
}

func NewPool(capacity int) *Pool {
	if capacity < 1 {
		capacity = 4
	}
	return &Pool{
		sem:      make(chan struct{}, capacity),
		capacity: capacity,
	}
}

// Acquire blocks until a slot is free or the context is cancelled. The
// returned release func is idempotent and must be called on every exit path.
func (p *Pool) Acquire(ctx context.Context) (func(), error) {
	select {
	case p.sem <- struct{}{}:
		return p.releaseFunc(), nil
	case <-ctx.Done():
		return nil, &ExecutionError{Op: "acquire_slot", Err: ctx.Err()}
	}
}

// TryAcquire fails fast with ErrPoolExhausted when no slot is free.
func (p *Pool) TryAcquire() (func(), error) {
	select {
	case p.sem <- struct{}{}:
		return p.releaseFunc(), nil
	default:
		return nil, ErrPoolExhausted
	}
}

func (p *Pool) releaseFunc() func() {
	p.inUse.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			p.inUse.Add(-1)
			<-p.sem
		})
	}
}

// InUse returns the number of currently held slots.
func (p *Pool) InUse() int64 {
	return p.inUse.Load()
}

// Capacity returns the configured maximum.
func (p *Pool) Capacity() int {
	return p.capacity
}

// Close marks the pool closed. Held slots drain normally; it exists so
// shutdown can log a leak if executors are still holding slots.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if n := p.inUse.Load(); n > 0 {
		log.Warn().Int64("in_use", n).Msg("pool closed with slots still held")
	}
}
