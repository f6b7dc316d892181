package signaling

import (
	"time"
)

type pong struct{}

// Heartbeat keeps a single websocket connection alive and detects when it stalls.
type heartbeat struct {
	// How often to send pings.
	Interval time.Duration
	// After which time without a pong to consider the connection stalled.
	Timeout time.Duration
	// A closure that is called when a ping is to be sent.
	// Returns `false` if an attempt to send a ping failed.
	SendPing func() bool
	// A closure that is called once `Timeout` is reached or the ping could not be sent.
	OnTimeout func()
}

// Starts a goroutine that sends a ping every `Interval` and waits for a pong for `Timeout`.
// The goroutine stops once `done` is closed or upon handling the `OnTimeout`. The returned
// channel is what the caller should use to inform about the reception of a pong.
func (h *heartbeat) Start(done <-chan struct{}) chan<- pong {
	pongs := make(chan pong, 1)

	go func() {
		ticker := time.NewTicker(h.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			// Drain a pong that arrived late for the previous ping.
			select {
			case <-pongs:
			default:
			}

			if !h.SendPing() {
				h.OnTimeout()
				return
			}

			select {
			case <-done:
				return
			case <-time.After(h.Timeout):
				h.OnTimeout()
				return
			case <-pongs:
			}
		}
	}()

	return pongs
}
