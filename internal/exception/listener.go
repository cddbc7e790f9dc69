// Package exception implements spec.md §4.7/§5: the exception listener
// goroutine, the FIFO backlog it feeds, and the dispatcher that classifies
// each received exception and drives the breakpoint/watchpoint/stepping
// state machines.
package exception

import (
	"github.com/intuitionamiga/armdbg64/internal/containers"
	"github.com/intuitionamiga/armdbg64/internal/dbglog"
	"github.com/intuitionamiga/armdbg64/internal/kernel"
)

// Listener blocks in the kernel's exception receive call and enqueues
// every message it gets onto a FIFO backlog for the dispatcher to drain,
// matching the producer/consumer split of spec.md §5 (listener thread
// fills the backlog; dispatcher is the sole consumer).
type Listener struct {
	k     kernel.Kernel
	queue *containers.Queue[*kernel.Request]
	stop  chan struct{}
	done  chan struct{}
}

// NewListener returns a listener that will enqueue onto queue.
func NewListener(k kernel.Kernel, queue *containers.Queue[*kernel.Request]) *Listener {
	return &Listener{k: k, queue: queue, stop: make(chan struct{}), done: make(chan struct{})}
}

// Run blocks in ReceiveException until Stop is called or the kernel
// reports an unrecoverable error, enqueueing every request it receives.
// Intended to be run in its own goroutine.
func (l *Listener) Run() {
	defer close(l.done)
	for {
		req, err := l.k.ReceiveException(l.stop)
		if err != nil {
			dbglog.Debugf("exception listener exiting: %v", err)
			return
		}
		l.queue.Enqueue(req)
	}
}

// Stop signals Run to exit and blocks until it has.
func (l *Listener) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
	<-l.done
}
