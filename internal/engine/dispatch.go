package engine

import (
	"fmt"
	"sync"
)

type dispatchResult struct {
	value any
	err   error
}

// dispatcher serializes all engine work onto a single goroutine.
//
// The connector, expiry timers, and UI-facing methods all feed through the
// same queue, so no two events are ever processed concurrently for a session
// and no locking is needed around the engine's derivation state.
type dispatcher struct {
	once sync.Once
	q    chan func()
}

func newDispatcher(queueSize int) *dispatcher {
	if queueSize <= 0 {
		queueSize = 256
	}
	d := &dispatcher{
		q: make(chan func(), queueSize),
	}
	d.once.Do(func() {
		go func() {
			for fn := range d.q {
				if fn != nil {
					fn()
				}
			}
		}()
	})
	return d
}

func (d *dispatcher) do(fn func()) error {
	if d == nil {
		return fmt.Errorf("dispatcher not initialized")
	}
	if fn == nil {
		return nil
	}
	d.q <- fn
	return nil
}

// tryDo enqueues fn without blocking. It reports false when the queue is
// full; callers decide whether dropping is acceptable.
func (d *dispatcher) tryDo(fn func()) bool {
	if d == nil || fn == nil {
		return false
	}
	select {
	case d.q <- fn:
		return true
	default:
		return false
	}
}

func (d *dispatcher) call(fn func() (any, error)) (any, error) {
	if d == nil {
		return nil, fmt.Errorf("dispatcher not initialized")
	}
	if fn == nil {
		return nil, nil
	}
	done := make(chan dispatchResult, 1)
	d.q <- func() {
		value, err := fn()
		done <- dispatchResult{value: value, err: err}
	}
	res := <-done
	return res.value, res.err
}
