package router

import (
	"sync"
)

// routines tracks the goroutines started by the router so Shutdown can wait
// for them. Once closed, no new goroutine is started.
type routines struct {
	lock   sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// goFunc starts f in a goroutine added to the waitgroup. It returns false if
// the router is shutting down and f was not started.
func (r *routines) goFunc(f func()) bool {
	r.lock.Lock()
	if r.closed {
		r.lock.Unlock()
		return false
	}
	r.wg.Add(1)
	r.lock.Unlock()

	go func() {
		defer r.wg.Done()
		f()
	}()

	return true
}

// waitRoutines refuses new goroutines and waits for the running ones.
func (r *routines) waitRoutines() {
	r.lock.Lock()
	r.closed = true
	r.lock.Unlock()

	r.wg.Wait()
}
