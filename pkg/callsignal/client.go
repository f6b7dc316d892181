/*
Copyright 2024 The SocialHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package callsignal

import (
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/signaling"
)

// Callbacks invoked when call signaling events arrive from the relay.
// A nil callback means "not interested".
type Handlers struct {
	OnIncomingCall       func(*events.IncomingCall)
	OnCallInitiated      func(*events.CallInitiated)
	OnCallAccepted       func(*events.CallAccepted)
	OnCallRejected       func(*events.CallRejected)
	OnCallEnded          func(*events.CallEnded)
	OnCallError          func(*events.CallError)
	OnWebRTCOffer        func(*events.Offer)
	OnWebRTCAnswer       func(*events.Answer)
	OnWebRTCIceCandidate func(*events.ICECandidate)
	OnParticipantJoined  func(*events.ParticipantJoined)
	OnParticipantLeft    func(*events.ParticipantLeft)
}

// Shallow merge: every non-nil callback of `update` replaces the current one.
func (h Handlers) merge(update Handlers) Handlers {
	if update.OnIncomingCall != nil {
		h.OnIncomingCall = update.OnIncomingCall
	}
	if update.OnCallInitiated != nil {
		h.OnCallInitiated = update.OnCallInitiated
	}
	if update.OnCallAccepted != nil {
		h.OnCallAccepted = update.OnCallAccepted
	}
	if update.OnCallRejected != nil {
		h.OnCallRejected = update.OnCallRejected
	}
	if update.OnCallEnded != nil {
		h.OnCallEnded = update.OnCallEnded
	}
	if update.OnCallError != nil {
		h.OnCallError = update.OnCallError
	}
	if update.OnWebRTCOffer != nil {
		h.OnWebRTCOffer = update.OnWebRTCOffer
	}
	if update.OnWebRTCAnswer != nil {
		h.OnWebRTCAnswer = update.OnWebRTCAnswer
	}
	if update.OnWebRTCIceCandidate != nil {
		h.OnWebRTCIceCandidate = update.OnWebRTCIceCandidate
	}
	if update.OnParticipantJoined != nil {
		h.OnParticipantJoined = update.OnParticipantJoined
	}
	if update.OnParticipantLeft != nil {
		h.OnParticipantLeft = update.OnParticipantLeft
	}
	return h
}

// Client turns call intents into signaling events and dispatches incoming signaling
// events to the registered handlers. All methods are fire-and-forget: the relay is the
// source of truth and failures come back as `OnCallError`. The client never returns
// errors to the caller.
type Client struct {
	logger *logrus.Entry

	mutex         sync.Mutex
	transport     signaling.Transport
	handlers      Handlers
	subscriptions []func()
}

func NewClient(logger *logrus.Entry) *Client {
	return &Client{logger: logger}
}

// Binds the client to the transport and subscribes to every call signaling event.
// Initializing an already initialized client re-binds it to the new transport.
func (c *Client) Initialize(transport signaling.Transport) {
	c.Cleanup()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.transport = transport
	c.subscriptions = []func(){
		on(c, transport, events.VideoCallIncoming, func(h Handlers) func(*events.IncomingCall) { return h.OnIncomingCall }),
		on(c, transport, events.VideoCallInitiated, func(h Handlers) func(*events.CallInitiated) { return h.OnCallInitiated }),
		on(c, transport, events.VideoCallAccepted, func(h Handlers) func(*events.CallAccepted) { return h.OnCallAccepted }),
		on(c, transport, events.VideoCallRejected, func(h Handlers) func(*events.CallRejected) { return h.OnCallRejected }),
		on(c, transport, events.VideoCallEnded, func(h Handlers) func(*events.CallEnded) { return h.OnCallEnded }),
		on(c, transport, events.VideoCallError, func(h Handlers) func(*events.CallError) { return h.OnCallError }),
		on(c, transport, events.VideoCallOffer, func(h Handlers) func(*events.Offer) { return h.OnWebRTCOffer }),
		on(c, transport, events.VideoCallAnswer, func(h Handlers) func(*events.Answer) { return h.OnWebRTCAnswer }),
		on(c, transport, events.VideoCallICECandidate, func(h Handlers) func(*events.ICECandidate) { return h.OnWebRTCIceCandidate }),
		on(c, transport, events.VideoCallParticipantJoined, func(h Handlers) func(*events.ParticipantJoined) { return h.OnParticipantJoined }),
		on(c, transport, events.VideoCallParticipantLeft, func(h Handlers) func(*events.ParticipantLeft) { return h.OnParticipantLeft }),
	}

	c.logger.Debug("call signaling initialized")
}

// Registers the handlers, merging them into the existing ones (last write wins per callback).
func (c *Client) SetEventHandlers(handlers Handlers) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.handlers = c.handlers.merge(handlers)
}

// Asks the relay to start a call. The outcome arrives via `OnCallInitiated` or `OnCallError`.
func (c *Client) InitiateCall(request events.InitiateCall) {
	c.emit(request)
}

func (c *Client) AcceptCall(callID string) {
	c.emit(events.AcceptCall{CallID: callID})
}

func (c *Client) RejectCall(callID string) {
	c.emit(events.RejectCall{CallID: callID})
}

func (c *Client) EndCall(callID string) {
	c.emit(events.EndCall{CallID: callID})
}

// Forwards the SDP offer to `offer.TargetUserID` verbatim.
func (c *Client) SendOffer(offer events.Offer) {
	c.emit(offer)
}

// Forwards the SDP answer to `answer.TargetUserID` verbatim.
func (c *Client) SendAnswer(answer events.Answer) {
	c.emit(answer)
}

// Forwards the ICE candidate to `candidate.TargetUserID` verbatim.
func (c *Client) SendIceCandidate(candidate events.ICECandidate) {
	c.emit(candidate)
}

// Removes every listener registered by `Initialize`. Safe to call more than once
// and after the transport has been closed.
func (c *Client) Cleanup() {
	c.mutex.Lock()
	subscriptions := c.subscriptions
	c.subscriptions = nil
	c.transport = nil
	c.mutex.Unlock()

	for _, off := range subscriptions {
		off()
	}
}

// Emits the event unless the client is not bound to a transport yet. Emits before
// initialization are dropped, not queued.
func (c *Client) emit(payload events.Payload) {
	c.mutex.Lock()
	transport := c.transport
	c.mutex.Unlock()

	logger := c.logger.WithField("event", payload.EventName())

	if transport == nil {
		logger.Warn("call signaling is not initialized, dropping event")
		return
	}

	if err := transport.Emit(payload); err != nil {
		logger.WithError(err).Error("failed to emit event")
	}
}

func (c *Client) currentHandlers() Handlers {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.handlers
}

// Subscribes to the event and routes the typed payload to the handler selected by `pick`.
// The handler is looked up on each delivery, so handlers set later are honoured.
func on[T events.Payload](c *Client, transport signaling.Transport, event string, pick func(Handlers) func(T)) func() {
	return transport.On(event, func(payload events.Payload) {
		typed, ok := payload.(T)
		if !ok {
			c.logger.WithField("event", event).Errorf("unexpected payload type %T", payload)
			return
		}

		if handler := pick(c.currentHandlers()); handler != nil {
			handler(typed)
		}
	})
}
