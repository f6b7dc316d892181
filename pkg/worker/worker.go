package worker

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrClosed  = errors.New("worker is closed")
	ErrTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded task queue.
	ChannelSize int
	// Idle time after which `OnTimeout` is called. Restarts after every task.
	Timeout time.Duration
	// Called once `Timeout` is reached without a task. Optional.
	OnTimeout func()
	// Called for every task, in the order the tasks were sent.
	OnTask func(T)
	// Optional, defaults to the wall clock.
	Clock clock.Clock
}

// A goroutine that executes tasks sequentially from a bounded queue.
type Worker[T any] struct {
	channel chan<- T
	done    <-chan struct{}
	mutex   sync.Mutex
	closed  bool
}

// Starts the worker. It runs until `Stop` is called and the queued tasks are handled.
func Start[T any](c Config[T]) *Worker[T] {
	if c.Clock == nil {
		c.Clock = clock.New()
	}

	incoming := make(chan T, c.ChannelSize)
	done := make(chan struct{})

	go func() {
		defer close(done)

		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-c.Clock.After(c.Timeout):
				if c.OnTimeout != nil {
					c.OnTimeout()
				}
			}
		}
	}()

	return &Worker[T]{channel: incoming, done: done}
}

// Queues a task without blocking. Fails if the queue is full or the worker is stopped.
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if w.closed {
		return ErrClosed
	}

	select {
	case w.channel <- task:
		return nil
	default:
		return ErrTooBusy
	}
}

// Stops accepting tasks. The tasks queued so far are still executed. Safe to call more than once.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Closed once the worker goroutine has returned.
func (w *Worker[T]) Done() <-chan struct{} {
	return w.done
}
