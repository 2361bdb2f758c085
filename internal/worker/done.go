package worker

import (
	"context"
	"sync"
)

// Done is a single-resolution completion signal. Any number of goroutines
// may wait on it; the first Resolve wins and later ones are ignored.
type Done struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func NewDone() *Done {
	return &Done{ch: make(chan struct{})}
}

// Resolve marks the signal complete with err (nil for success). It reports
// whether this call was the one that resolved it.
func (d *Done) Resolve(err error) bool {
	resolved := false
	d.once.Do(func() {
		d.err = err
		close(d.ch)
		resolved = true
	})
	return resolved
}

// C is closed once the signal resolves.
func (d *Done) C() <-chan struct{} { return d.ch }

// Err returns the resolution error. It is nil until the signal resolves.
func (d *Done) Err() error {
	select {
	case <-d.ch:
		return d.err
	default:
		return nil
	}
}

func (d *Done) Resolved() bool {
	select {
	case <-d.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until the signal resolves or ctx ends.
func (d *Done) Wait(ctx context.Context) error {
	select {
	case <-d.ch:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
