package transport

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrBusy is returned when the gate cannot be acquired within the caller's
// deadline. Direct "send now" requests surface it instead of queueing.
var ErrBusy = errors.New("transport busy")

// Gate is the exclusivity lock in front of the Transport: a semaphore of
// size one shared by the scheduler's dispatch path and direct sends, so two
// calls can never race against the single automation session.
type Gate struct {
	slot chan struct{}
	busy atomic.Bool
}

func NewGate() *Gate {
	return &Gate{slot: make(chan struct{}, 1)}
}

// TryAcquire attempts a non-blocking acquisition. The scheduler uses this:
// if the session is busy it yields and retries next tick.
func (g *Gate) TryAcquire() bool {
	select {
	case g.slot <- struct{}{}:
		g.busy.Store(true)
		return true
	default:
		return false
	}
}

// Acquire blocks until the gate is free or ctx is done. Callers pass a
// deadline context; expiry maps to ErrBusy.
func (g *Gate) Acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		g.busy.Store(true)
		return nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ErrBusy
		}
		return ctx.Err()
	}
}

func (g *Gate) Release() {
	g.busy.Store(false)
	select {
	case <-g.slot:
	default:
	}
}

// Busy reports whether a transport call is currently in flight. Used by the
// contacts cache to skip refreshes while a send is running.
func (g *Gate) Busy() bool { return g.busy.Load() }
