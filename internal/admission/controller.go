package admission

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

var ErrResourceExhausted = errors.New("no admission permits available")

// Controller bounds the number of concurrent upstream connections. Capacity is
// fixed at construction and never changes at runtime.
type Controller struct {
	sem         *semaphore.Weighted
	capacity    int
	outstanding atomic.Int64
}

func NewController(capacity int) *Controller {
	if capacity <= 0 {
		capacity = 1
	}
	return &Controller{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: capacity,
	}
}

// Acquire blocks until a permit is available or ctx is done. Callers bound the
// wait with a deadline on ctx.
func (c *Controller) Acquire(ctx context.Context) (*Permit, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	c.outstanding.Add(1)
	return &Permit{controller: c}, nil
}

// TryAcquire returns ErrResourceExhausted immediately if no permit is free.
func (c *Controller) TryAcquire() (*Permit, error) {
	if !c.sem.TryAcquire(1) {
		return nil, ErrResourceExhausted
	}
	c.outstanding.Add(1)
	return &Permit{controller: c}, nil
}

// Count reports currently outstanding permits.
func (c *Controller) Count() int {
	return int(c.outstanding.Load())
}

// Capacity reports the fixed permit limit.
func (c *Controller) Capacity() int {
	return c.capacity
}

// Permit is a capacity token owned by exactly one session between acquisition
// and release.
type Permit struct {
	controller *Controller
	released   atomic.Bool
}

// Release returns the permit. Releasing twice is a no-op: teardown may race
// from both forwarding loops and the eviction sweep.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.controller.outstanding.Add(-1)
	p.controller.sem.Release(1)
}
