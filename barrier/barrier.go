// Package barrier implements the reusable (N+1)-party frame barrier that
// synchronizes the conductor (UI/emulator thread) with N instance workers
// across two rendezvous per frame: one to release workers to run a frame,
// one to collect their results.
//
// It is a decrement-or-wait, regenerate-on-zero two-phase barrier (the
// shape of a C++20 std::barrier), built from a mutex and condition
// variable since the Go standard library has no direct equivalent. A
// Poison call unblocks every waiter immediately and makes every subsequent
// Wait return the poisoning error, so one failing worker cannot deadlock
// the conductor or its siblings.
package barrier

import (
	"errors"
	"sync"
)

// ErrPoisoned is returned by Wait once the barrier has been poisoned.
var ErrPoisoned = errors.New("barrier: poisoned")

// Barrier is an n-party reusable rendezvous point.
type Barrier struct {
	mu       sync.Mutex
	cond     *sync.Cond
	n        int
	count    int
	gen      uint64
	poisoned bool
	err      error
}

// New creates a Barrier for exactly n parties (the conductor plus N
// workers, i.e. n = numInstances+1 for the Netplay frame driver).
func New(n int) *Barrier {
	b := &Barrier{n: n, count: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Wait blocks until all n parties have called Wait for the current
// generation, then releases everyone and advances the generation. If the
// barrier is poisoned (by this or another goroutine) while waiting, Wait
// returns immediately with the poisoning error for every party, including
// ones that had not yet called Wait this generation.
func (b *Barrier) Wait() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poisoned {
		return b.err
	}
	gen := b.gen
	b.count--
	if b.count == 0 {
		b.count = b.n
		b.gen++
		b.cond.Broadcast()
		return nil
	}
	for gen == b.gen && !b.poisoned {
		b.cond.Wait()
	}
	if b.poisoned {
		return b.err
	}
	return nil
}

// Poison unblocks every current and future waiter with err (or
// ErrPoisoned if err is nil). Safe to call more than once; only the first
// call's error sticks.
func (b *Barrier) Poison(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.poisoned {
		return
	}
	if err == nil {
		err = ErrPoisoned
	}
	b.poisoned = true
	b.err = err
	b.cond.Broadcast()
}

// Reset clears poisoning and restores a fresh generation, for reuse after
// a Netplay session tears down and rebuilds its worker fleet. Must only be
// called when no goroutine is blocked in Wait.
func (b *Barrier) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poisoned = false
	b.err = nil
	b.count = b.n
	b.gen++
}
