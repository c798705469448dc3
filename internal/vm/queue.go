package vm

import (
	infinity "github.com/Code-Hex/go-infinity-channel"
)

// queue runs submitted functions one at a time in submission order.
// Submitting never blocks, however long the running function takes.
type queue struct {
	ch   *infinity.Channel[func()]
	done chan struct{}
}

func newQueue() *queue {
	q := &queue{
		ch:   infinity.NewChannel[func()](),
		done: make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.done)
	for fn := range q.ch.Out() {
		fn()
	}
}

// submit must not be called after close.
func (q *queue) submit(fn func()) { q.ch.In() <- fn }

// close stops accepting work and waits for queued functions to finish.
func (q *queue) close() {
	q.ch.Close()
	<-q.done
}
