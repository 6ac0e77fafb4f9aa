// Package actor runs state mutations on a single goroutine. Every table that
// more than one goroutine touches (resolver attempts, endpoint sessions,
// coordinator peers) lives inside an Actor instead of behind a mutex.
package actor

import (
	"runtime/debug"
	"sync"

	"github.com/1ureka/guestlink/internal/util"
)

// Actor owns a value of type S. Operations submitted with Do run one at a
// time, in submission order, on the actor goroutine.
type Actor[S any] struct {
	state *S
	ops   chan func(*S)
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// Start launches the actor goroutine for state.
func Start[S any](state *S) *Actor[S] {
	a := &Actor[S]{
		state: state,
		ops:   make(chan func(*S)),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go a.loop()
	return a
}

func (a *Actor[S]) loop() {
	defer close(a.done)
	for {
		select {
		case op := <-a.ops:
			a.run(op)
		case <-a.stop:
			return
		}
	}
}

func (a *Actor[S]) run(op func(*S)) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("actor operation panicked: %v\n%s", r, debug.Stack())
		}
	}()
	op(a.state)
}

// Do runs fn on the actor goroutine and waits for it to return. It reports
// false, without running fn, once the actor has stopped. fn must not call
// Do or Stop on the same actor.
func (a *Actor[S]) Do(fn func(*S)) bool {
	finished := make(chan struct{})
	op := func(s *S) {
		defer close(finished)
		fn(s)
	}

	select {
	case a.ops <- op:
	case <-a.done:
		return false
	}
	<-finished
	return true
}

// Stop terminates the actor after the operation in progress, if any. It is
// idempotent and waits for the goroutine to exit.
func (a *Actor[S]) Stop() {
	a.once.Do(func() { close(a.stop) })
	<-a.done
}

// Done is closed once the actor goroutine has exited.
func (a *Actor[S]) Done() <-chan struct{} {
	return a.done
}

// Query runs fn on the actor and returns its result. ok is false when the
// actor has stopped.
func Query[S, R any](a *Actor[S], fn func(*S) R) (result R, ok bool) {
	ok = a.Do(func(s *S) { result = fn(s) })
	return result, ok
}
