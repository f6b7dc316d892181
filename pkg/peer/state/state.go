// Package state contains the lifecycle of a peer connection expressed as a pure
// transition function. The manager feeds events in and executes the returned effects.
package state

import (
	"fmt"
	"time"
)

type Phase int

const (
	New Phase = iota
	MediaReady
	Negotiating
	Connected
	Restarting
	Retrying
	Failed
	Closed
)

func (p Phase) String() string {
	switch p {
	case New:
		return "new"
	case MediaReady:
		return "media-ready"
	case Negotiating:
		return "negotiating"
	case Connected:
		return "connected"
	case Restarting:
		return "restarting"
	case Retrying:
		return "retrying"
	case Failed:
		return "failed"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// Terminal phases never change again except for `Failed -> Closed`.
func (p Phase) Terminal() bool {
	return p == Failed || p == Closed
}

// Retry policy of the connection.
type Policy struct {
	// Maximum number of reinitializations after consecutive failures.
	MaxRetries int
	// Delay before the first retry, doubled for every following one.
	BaseDelay time.Duration
	// Upper bound of the delay.
	MaxDelay time.Duration
}

func DefaultPolicy() Policy {
	return Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}
}

// Delay before the given retry attempt (1-based): `min(base * 2^(attempt-1), max)`.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.BaseDelay
	for i := 1; i < attempt && delay < p.MaxDelay; i++ {
		delay *= 2
	}

	return min(delay, p.MaxDelay)
}

// Immutable snapshot of the connection lifecycle.
type State struct {
	Phase Phase
	// Number of retries performed since the last successful connection.
	RetryAttempts int
	// Whether the connection has been connected at least once.
	EverConnected bool
	// Whether we are the side that creates the offers.
	Initiator bool
	// A renegotiation was requested during an ICE restart and is replayed once connected.
	PendingRenegotiation bool
	Policy               Policy
}

func Initial(policy Policy, initiator bool) State {
	return State{Phase: New, Policy: policy, Initiator: initiator}
}

// Whether a renegotiation may be started in this state.
func (s State) CanRenegotiate() bool {
	return s.EverConnected && s.RetryAttempts == 0 && s.Phase == Connected
}

// Events fed to the transition function.
type Event interface {
	isEvent()
}

type (
	// Local media has been acquired.
	MediaAcquired struct{}
	// An offer or an answer has been created and set as the local description.
	NegotiationStarted struct{}
	// ICE reached `connected` or `completed`.
	ICEConnected struct{}
	// ICE reached `disconnected`.
	ICEDisconnected struct{}
	// ICE or the peer connection reached `failed`.
	ConnectionFailed struct{ Reason string }
	// The connection timeout elapsed.
	TimeoutElapsed struct{}
	// The backoff delay of a scheduled retry elapsed.
	RetryDue struct{}
	// The peer connection asked for a renegotiation.
	NegotiationNeeded struct{}
	// The manager has been cleaned up.
	Close struct{}
)

func (MediaAcquired) isEvent()      {}
func (NegotiationStarted) isEvent() {}
func (ICEConnected) isEvent()       {}
func (ICEDisconnected) isEvent()    {}
func (ConnectionFailed) isEvent()   {}
func (TimeoutElapsed) isEvent()     {}
func (RetryDue) isEvent()           {}
func (NegotiationNeeded) isEvent()  {}
func (Close) isEvent()              {}

// Side effects the manager has to perform after a transition.
type Effect interface {
	isEffect()
}

type (
	// Start the connection timeout.
	ArmTimeout struct{}
	// Stop the connection timeout.
	DisarmTimeout struct{}
	// Restart ICE on the existing connection.
	RestartICE struct{}
	// Wait `Delay` and then feed `RetryDue`.
	ScheduleRetry struct {
		Attempt int
		Delay   time.Duration
	}
	// Stop a scheduled retry.
	CancelRetry struct{}
	// Tear the connection down and build a new one. `Offer` tells whether
	// to create an ICE-restart offer once the new connection is ready.
	Reinitialize struct{ Offer bool }
	// Create a new offer for the renegotiation.
	Renegotiate struct{}
	// Run the connectivity diagnosis and report the permanent failure.
	ReportFailure struct{ Reason string }
)

func (ArmTimeout) isEffect()    {}
func (DisarmTimeout) isEffect() {}
func (RestartICE) isEffect()    {}
func (ScheduleRetry) isEffect() {}
func (CancelRetry) isEffect()   {}
func (Reinitialize) isEffect()  {}
func (Renegotiate) isEffect()   {}
func (ReportFailure) isEffect() {}

// The transition function. It never mutates its input.
func Next(s State, event Event) (State, []Effect) {
	if _, ok := event.(Close); ok {
		if s.Phase == Closed {
			return s, nil
		}
		s.Phase = Closed
		s.PendingRenegotiation = false
		return s, []Effect{DisarmTimeout{}, CancelRetry{}}
	}

	if s.Phase.Terminal() {
		return s, nil
	}

	switch e := event.(type) {
	case MediaAcquired:
		if s.Phase == New {
			s.Phase = MediaReady
		}
		return s, nil

	case NegotiationStarted:
		switch s.Phase {
		case Retrying, Connected:
			return s, nil
		case Restarting:
			return s, []Effect{ArmTimeout{}}
		}
		s.Phase = Negotiating
		return s, []Effect{ArmTimeout{}}

	case ICEConnected:
		if s.Phase == Retrying {
			return s, nil
		}
		s.Phase = Connected
		s.EverConnected = true
		s.RetryAttempts = 0
		if s.PendingRenegotiation {
			s.PendingRenegotiation = false
			return s, []Effect{DisarmTimeout{}, Renegotiate{}}
		}
		return s, []Effect{DisarmTimeout{}}

	case ICEDisconnected:
		if s.Phase != Connected {
			return s, nil
		}
		s.Phase = Restarting
		return s, []Effect{RestartICE{}, ArmTimeout{}}

	case ConnectionFailed:
		return fail(s, e.Reason)

	case TimeoutElapsed:
		if s.Phase == Connected || s.Phase == Retrying {
			return s, nil
		}
		return fail(s, "connection timeout")

	case RetryDue:
		if s.Phase != Retrying {
			return s, nil
		}
		s.Phase = Negotiating
		return s, []Effect{Reinitialize{Offer: s.Initiator}}

	case NegotiationNeeded:
		switch {
		case s.CanRenegotiate():
			return s, []Effect{Renegotiate{}}
		case s.Phase == Restarting && s.EverConnected && s.RetryAttempts == 0:
			// The restart offer is in flight, so the new one has to wait for it.
			s.PendingRenegotiation = true
		}
		return s, nil
	}

	return s, nil
}

// Either schedules another retry or gives up. Failure signals that arrive while
// a retry is already pending belong to the same failure and are ignored.
func fail(s State, reason string) (State, []Effect) {
	if s.Phase == Retrying {
		return s, nil
	}

	// A reinitialized connection negotiates all of the local tracks anyway.
	s.PendingRenegotiation = false

	if s.RetryAttempts >= s.Policy.MaxRetries {
		s.Phase = Failed
		return s, []Effect{DisarmTimeout{}, ReportFailure{Reason: reason}}
	}

	s.RetryAttempts++
	s.Phase = Retrying
	return s, []Effect{DisarmTimeout{}, ScheduleRetry{Attempt: s.RetryAttempts, Delay: s.Policy.Delay(s.RetryAttempts)}}
}
