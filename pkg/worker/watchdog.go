package worker

import (
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// Calls `onTimeout` whenever it has not been notified for `timeout`.
type Watchdog struct {
	worker *Worker[struct{}]
}

func StartWatchdog(timeout time.Duration, clk clock.Clock, onTimeout func()) *Watchdog {
	return &Watchdog{
		worker: Start(Config[struct{}]{
			ChannelSize: 1,
			Timeout:     timeout,
			OnTimeout:   onTimeout,
			OnTask:      func(struct{}) {},
			Clock:       clk,
		}),
	}
}

// Resets the timeout. Returns false once the watchdog is closed.
func (w *Watchdog) Notify() bool {
	// A full queue means that a notification is pending already.
	return !errors.Is(w.worker.Send(struct{}{}), ErrClosed)
}

func (w *Watchdog) Close() {
	w.worker.Stop()
}
