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

package call

import (
	"context"
	"errors"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/callsignal"
	"github.com/socialhub/realtime/pkg/channel"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/media"
	"github.com/socialhub/realtime/pkg/peer"
	"github.com/socialhub/realtime/pkg/telemetry"
	"github.com/socialhub/realtime/pkg/worker"
)

var (
	ErrCallInProgress   = errors.New("a call is already in progress")
	ErrNoCall           = errors.New("no call to act on")
	ErrInvalidTarget    = errors.New("invalid call target")
	ErrRelay            = errors.New("relay reported an error")
	ErrSetupFailed      = errors.New("call setup failed")
	ErrControllerClosed = errors.New("call controller is closed")
)

// The part of the call signaling client the controller relies on.
type Signaling interface {
	SetEventHandlers(handlers callsignal.Handlers)
	InitiateCall(request events.InitiateCall)
	AcceptCall(callID string)
	RejectCall(callID string)
	EndCall(callID string)
	SendOffer(offer events.Offer)
	SendAnswer(answer events.Answer)
	SendIceCandidate(candidate events.ICECandidate)
}

// Dependencies of the peer connection manager created for every call.
type PeerOptions struct {
	Config    peer.Config
	Factory   peer.Factory
	ICE       ice.Provider
	Media     media.Source
	Diagnoser peer.Diagnoser
	Clock     clock.Clock
}

// Hooks run on the controller goroutine. They may call the methods of the
// controller, except `Close`.
type Handlers struct {
	// Someone is calling us. Answer with `Accept` or `Reject`.
	OnIncoming     func(Session)
	OnStateChange  func(Session)
	OnRemoteStream func(*peer.RemoteStream)
	OnError        func(error)
}

type Options struct {
	// The user we act for.
	UserID    string
	Signaling Signaling
	Peer      PeerOptions
	Handlers  Handlers
}

// Identifies who sent a message to the main loop: the controller itself (API calls
// and signaling) or the peer connection manager of a particular call.
type source uint64

const controlSource source = 0

// Controller runs the calls of a single user: at most one at a time, each with a
// fresh peer connection manager. The signaling client is shared by all the calls.
type Controller struct {
	logger      *logrus.Entry
	userID      string
	signaling   Signaling
	peerOptions PeerOptions
	handlers    Handlers

	ctx       context.Context //nolint:containedctx
	ctxCancel context.CancelFunc
	finished  chan struct{}
	closeOnce sync.Once

	// All messages, processed one by one by the main loop.
	messages chan channel.Message[source, any]
	inbox    *channel.SinkWithSender[source, any]

	snapshotMutex sync.Mutex
	snapshot      Session

	// Owned by the main loop.
	session   Session
	call      *activeCall
	lastID    source
	abandoned bool
}

// Resources of the current call.
type activeCall struct {
	id        source
	logger    *logrus.Entry
	telemetry *telemetry.Telemetry

	// Created once the call starts connecting.
	peer       *peer.Manager
	sink       *channel.SinkWithSender[source, any]
	tasks      *worker.Worker[func()]
	connecting *telemetry.Telemetry

	// Cause of the failure, if known, and whether the peer manager reported an error already.
	lastErr  error
	reported bool
	// The peer connection failed for good, waiting for the diagnosis.
	failing bool
}

// Creates the controller and starts its main loop.
func NewController(options Options, logger *logrus.Entry) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	messages := make(chan channel.Message[source, any], 64)

	c := &Controller{
		logger:      logger.WithField("user_id", options.UserID),
		userID:      options.UserID,
		signaling:   options.Signaling,
		peerOptions: options.Peer,
		handlers:    options.Handlers,
		ctx:         ctx,
		ctxCancel:   cancel,
		finished:    make(chan struct{}),
		messages:    messages,
		inbox:       channel.NewSink(controlSource, messages),
		session:     Session{State: StateIdle},
		snapshot:    Session{State: StateIdle},
	}

	c.signaling.SetEventHandlers(callsignal.Handlers{
		OnIncomingCall:       forward[*events.IncomingCall](c),
		OnCallInitiated:      forward[*events.CallInitiated](c),
		OnCallAccepted:       forward[*events.CallAccepted](c),
		OnCallRejected:       forward[*events.CallRejected](c),
		OnCallEnded:          forward[*events.CallEnded](c),
		OnCallError:          forward[*events.CallError](c),
		OnWebRTCOffer:        forward[*events.Offer](c),
		OnWebRTCAnswer:       forward[*events.Answer](c),
		OnWebRTCIceCandidate: forward[*events.ICECandidate](c),
		OnParticipantJoined:  forward[*events.ParticipantJoined](c),
		OnParticipantLeft:    forward[*events.ParticipantLeft](c),
	})

	go c.processMessages()

	return c
}

// Calls the user. Progress is reported through `OnStateChange`.
func (c *Controller) StartCall(conversationID, targetUserID string, video bool) error {
	if conversationID == "" || targetUserID == "" || targetUserID == c.userID {
		return ErrInvalidTarget
	}

	return c.post(startCall{conversationID: conversationID, targetUserID: targetUserID, video: video})
}

// Accepts the ringing incoming call.
func (c *Controller) Accept() error {
	return c.post(acceptCall{})
}

// Rejects the ringing incoming call.
func (c *Controller) Reject() error {
	return c.post(rejectCall{})
}

// Ends the current call. Does nothing if there is none.
func (c *Controller) Hangup() error {
	return c.post(hangup{})
}

func (c *Controller) ToggleVideo(enabled bool) error {
	return c.post(toggleVideo{enabled: enabled})
}

func (c *Controller) ToggleAudio(enabled bool) error {
	return c.post(toggleAudio{enabled: enabled})
}

// A snapshot of the current (or the last) call.
func (c *Controller) Session() Session {
	c.snapshotMutex.Lock()
	defer c.snapshotMutex.Unlock()

	return c.snapshot.clone()
}

// Ends the current call and stops the controller. Safe to call more than once.
func (c *Controller) Close() {
	c.closeOnce.Do(c.ctxCancel)
	<-c.finished
}

func (c *Controller) post(command any) error {
	if err := c.inbox.Send(command); err != nil {
		return ErrControllerClosed
	}
	return nil
}

// Returns a signaling handler that hands the payload over to the main loop.
func forward[T events.Payload](c *Controller) func(T) {
	return func(payload T) {
		if err := c.inbox.Send(payload); err != nil {
			c.logger.WithField("event", payload.EventName()).Debug("controller is closed, dropping event")
		}
	}
}

// The main loop of the controller. If this function returns, the controller is closed.
func (c *Controller) processMessages() {
	defer close(c.finished)

	for {
		select {
		case msg := <-c.messages:
			c.processMessage(msg)
		case <-c.ctx.Done():
			c.inbox.Seal()
			if c.session.State.Active() {
				c.endCall(StateEnded, true)
			}
			c.finish()
			c.logger.Info("call controller stopped")
			return
		}
	}
}

func (c *Controller) processMessage(msg channel.Message[source, any]) {
	if msg.Sender != controlSource {
		if c.call == nil || c.call.id != msg.Sender {
			c.logger.Debug("ignoring a message from the peer of a finished call")
			return
		}

		c.processPeerMessage(msg.Content)
		return
	}

	// Since Go does not support ADTs, we have to use a switch statement to
	// determine the actual type of the message.
	switch m := msg.Content.(type) {
	case startCall:
		c.startCall(m)
	case acceptCall:
		c.accept()
	case rejectCall:
		c.reject()
	case hangup:
		c.hangup()
	case toggleAudio:
		c.toggleAudio(m.enabled)
	case toggleVideo:
		c.toggleVideo(m.enabled)
	case events.Payload:
		c.processSignalingMessage(m)
	default:
		c.logger.Errorf("unexpected message %T", m)
	}
}

// Starts tracking a new call.
func (c *Controller) begin(session Session) {
	c.finish()

	c.lastID++
	fields := logrus.Fields{"conversation_id": session.ConversationID}
	if session.CallID != "" {
		fields["call_id"] = session.CallID
	}

	c.call = &activeCall{
		id:        c.lastID,
		logger:    c.logger.WithFields(fields),
		telemetry: newCallTelemetry(session),
	}
	c.session = session
	c.publish()
}

func (c *Controller) setState(state State) {
	if c.session.State == state {
		return
	}

	if call := c.call; call != nil {
		call.logger.WithField("state", state).Info("call state changed")
		call.telemetry.AddEvent("state changed", stateAttribute(state))

		switch state {
		case StateConnecting:
			call.connecting = call.telemetry.CreateChild("connecting")
		case StateConnected:
			if call.connecting != nil {
				call.connecting.Succeed()
				call.connecting.End()
			}
			call.telemetry.Succeed()
		case StateFailed:
			cause := call.lastErr
			if cause == nil {
				cause = ErrSetupFailed
			}
			call.telemetry.Fail(cause)
		}
	}

	c.session.State = state
	c.publish()
}

func (c *Controller) publish() {
	session := c.session.clone()

	c.snapshotMutex.Lock()
	c.snapshot = session
	c.snapshotMutex.Unlock()

	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(session.clone())
	}
}

// Moves the call to its final state and releases its resources. With `notify`
// the relay is told about it.
func (c *Controller) endCall(final State, notify bool) {
	if notify && c.session.CallID != "" {
		c.signaling.EndCall(c.session.CallID)
	}

	c.setState(final)
	c.finish()
}

// Releases the resources of the current call.
func (c *Controller) finish() {
	call := c.call
	if call == nil {
		return
	}
	c.call = nil

	// Seal first so that the manager doesn't block on a full channel while cleaning up.
	if call.sink != nil {
		call.sink.Seal()
	}
	if call.peer != nil {
		call.peer.Cleanup()
	}
	if call.tasks != nil {
		call.tasks.Stop()
	}

	if call.connecting != nil {
		call.connecting.End()
	}
	call.telemetry.End()
}

func (c *Controller) reportError(err error) {
	if c.call != nil {
		c.call.lastErr = err
		c.call.telemetry.AddError(err)
		c.call.logger.WithError(err).Warn("call error")
	} else {
		c.logger.WithError(err).Warn("call error")
	}

	if c.handlers.OnError != nil {
		c.handlers.OnError(err)
	}
}

func (c *Controller) remoteUserID() string {
	if remote, ok := c.session.Remote(c.userID); ok {
		return remote.UserID
	}
	return ""
}

func (c *Controller) matches(callID string) bool {
	return c.call != nil && c.session.CallID != "" && c.session.CallID == callID
}

func newCallTelemetry(session Session) *telemetry.Telemetry {
	return telemetry.NewTelemetry(
		context.Background(),
		"call",
		conversationAttribute(session.ConversationID),
		initiatorAttribute(session.IsInitiator),
	)
}
