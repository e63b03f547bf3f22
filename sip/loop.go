package sip

import (
	"sync"

	"github.com/ghettovoice/sipengine/internal/types"
)

// eventLoop runs posted functions one at a time on a single goroutine.
// All transaction state of an engine is touched only from its loop.
type eventLoop struct {
	queue types.Queue[func()]
	stop  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func newEventLoop() *eventLoop {
	return &eventLoop{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// post schedules fn for execution on the loop.
// It never blocks, functions posted after shutdown are never run.
func (l *eventLoop) post(fn func()) { l.queue.Push(fn) }

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			return
		case <-l.queue.Ready():
			for {
				fn, ok := l.queue.Pop()
				if !ok {
					break
				}
				fn()
				select {
				case <-l.stop:
					return
				default:
				}
			}
		}
	}
}

// shutdown runs fn on the loop as the last function and waits for the loop to exit.
func (l *eventLoop) shutdown(fn func()) {
	l.once.Do(func() {
		l.post(func() {
			if fn != nil {
				fn()
			}
			close(l.stop)
		})
	})
	<-l.done
}
