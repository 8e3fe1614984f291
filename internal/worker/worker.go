// Package worker provides the goroutine lifecycle embedding used by
// every long-running loop in this module (the Message Coordinator's
// per-conversation watch loop, the KEX Source's rotation loop). It
// mirrors the shape of github.com/katzenpost/katzenpost/core/worker,
// which the reference client embeds in its StateWriter and Stream
// types: call Go(fn) to run fn in a tracked goroutine, select on
// HaltCh() inside fn to notice shutdown, call Halt() to request
// shutdown and block until every tracked goroutine has returned.
package worker

import "sync"

// Worker is embedded by value in types that run one or more
// long-lived goroutines that must be cleanly stopped.
type Worker struct {
	sync.WaitGroup

	haltOnce sync.Once
	haltCh   chan struct{}
	initOnce sync.Once
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan struct{})
	})
}

// HaltCh returns the channel that is closed when Halt is called. Loops
// select on this channel to notice shutdown requests.
func (w *Worker) HaltCh() <-chan struct{} {
	w.init()
	return w.haltCh
}

// Go runs fn in a goroutine tracked by the embedded WaitGroup.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes HaltCh (idempotently) and blocks until every goroutine
// started via Go has returned.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
	w.Wait()
}
