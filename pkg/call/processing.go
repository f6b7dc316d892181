package call

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/socialhub/realtime/pkg/channel"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/peer"
	"github.com/socialhub/realtime/pkg/peer/state"
	"github.com/socialhub/realtime/pkg/worker"
	"go.opentelemetry.io/otel/attribute"
)

// Commands sent by the public methods to the main loop.
type startCall struct {
	conversationID string
	targetUserID   string
	video          bool
}

type (
	acceptCall  struct{}
	rejectCall  struct{}
	hangup      struct{}
	toggleAudio struct{ enabled bool }
	toggleVideo struct{ enabled bool }
)

// Messages from the peer connection manager of the current call.
type (
	localCandidate struct{ candidate webrtc.ICECandidateInit }
	peerStatus     struct{ status peer.Status }
	remoteStream   struct{ stream *peer.RemoteStream }
	renegotiation  struct{ offer webrtc.SessionDescription }
	peerFailure    struct{ err *peer.Error }
)

type taskFailed struct {
	err   error
	fatal bool
}

// The task worker of a call has nothing to do when it is idle.
const taskIdleTimeout = time.Minute

func (c *Controller) startCall(m startCall) {
	if c.session.State.Active() {
		c.reportError(ErrCallInProgress)
		return
	}

	c.begin(Session{
		ConversationID: m.conversationID,
		Participants: []Participant{
			{UserID: c.userID, IsVideoEnabled: m.video, IsAudioEnabled: true},
			{UserID: m.targetUserID, IsVideoEnabled: m.video, IsAudioEnabled: true},
		},
		State:       StateInitiating,
		IsInitiator: true,
		IsVideoCall: m.video,
	})

	c.signaling.InitiateCall(events.InitiateCall{
		ConversationID: m.conversationID,
		TargetUserID:   m.targetUserID,
		IsVideoCall:    m.video,
	})
}

func (c *Controller) accept() {
	if c.call == nil || c.session.State != StateRinging || c.session.IsInitiator {
		c.reportError(ErrNoCall)
		return
	}

	c.setState(StateConnecting)
	c.startPeer()

	callID, video := c.session.CallID, c.session.IsVideoCall
	c.run(true, func(m *peer.Manager) error {
		if _, err := m.InitializeLocalMedia(c.ctx, video); err != nil {
			return err
		}
		if err := m.CreatePeerConnection(c.ctx); err != nil {
			return err
		}

		// The caller sends the offer as soon as it learns that we accepted.
		c.signaling.AcceptCall(callID)
		return nil
	})
}

func (c *Controller) reject() {
	if c.call == nil || c.session.State != StateRinging || c.session.IsInitiator {
		c.reportError(ErrNoCall)
		return
	}

	c.signaling.RejectCall(c.session.CallID)
	c.setState(StateRejected)
	c.finish()
}

func (c *Controller) hangup() {
	if !c.session.State.Active() {
		return
	}

	switch {
	case c.session.State == StateInitiating && c.session.CallID == "":
		// The relay did not tell us the call id yet, end the call once it does.
		c.abandoned = true
		c.endCall(StateEnded, false)
	case c.session.State == StateRinging && !c.session.IsInitiator:
		c.reject()
	default:
		c.endCall(StateEnded, true)
	}
}

func (c *Controller) toggleAudio(enabled bool) {
	if local := c.session.participant(c.userID); local != nil && c.session.State.Active() {
		local.IsAudioEnabled = enabled
		c.publish()
	}

	if c.call != nil && c.call.peer != nil {
		c.call.peer.ToggleAudio(enabled)
	}
}

func (c *Controller) toggleVideo(enabled bool) {
	if local := c.session.participant(c.userID); local != nil && c.session.State.Active() {
		local.IsVideoEnabled = enabled
		c.publish()
	}

	c.run(false, func(m *peer.Manager) error {
		return m.ToggleVideo(c.ctx, enabled)
	})
}

func (c *Controller) processSignalingMessage(payload events.Payload) {
	switch p := payload.(type) {
	case *events.CallInitiated:
		if c.call != nil && c.session.State == StateInitiating {
			c.session.CallID = p.CallID
			c.call.logger = c.call.logger.WithField("call_id", p.CallID)
			c.call.telemetry.SetAttributes(callAttribute(p.CallID))
			c.call.telemetry.AddEvent("initiated")
			c.setState(StateRinging)
			return
		}

		if c.abandoned {
			c.abandoned = false
			c.logger.WithField("call_id", p.CallID).Info("ending the call that was hung up while initiating")
			c.signaling.EndCall(p.CallID)
		}

	case *events.IncomingCall:
		if c.session.State.Active() {
			c.logger.WithField("call_id", p.CallID).Info("busy, rejecting incoming call")
			c.signaling.RejectCall(p.CallID)
			return
		}

		c.begin(Session{
			CallID:         p.CallID,
			ConversationID: p.ConversationID,
			Participants: []Participant{
				{UserID: p.CallerID, IsVideoEnabled: p.IsVideoCall, IsAudioEnabled: true},
				{UserID: c.userID, IsVideoEnabled: p.IsVideoCall, IsAudioEnabled: true},
			},
			State:       StateRinging,
			IsInitiator: false,
			IsVideoCall: p.IsVideoCall,
		})

		if c.handlers.OnIncoming != nil {
			c.handlers.OnIncoming(c.session.clone())
		}

	case *events.CallAccepted:
		if !c.matches(p.CallID) || !c.session.IsInitiator || c.session.State != StateRinging {
			return
		}

		c.setState(StateConnecting)
		c.startPeer()

		callID, target, video := c.session.CallID, c.remoteUserID(), c.session.IsVideoCall
		c.run(true, func(m *peer.Manager) error {
			if _, err := m.InitializeLocalMedia(c.ctx, video); err != nil {
				return err
			}
			if err := m.CreatePeerConnection(c.ctx); err != nil {
				return err
			}

			offer, err := m.CreateOffer(c.ctx)
			if err != nil {
				return err
			}

			c.signaling.SendOffer(events.Offer{CallID: callID, TargetUserID: target, Offer: *offer})
			return nil
		})

	case *events.CallRejected:
		if c.matches(p.CallID) && c.session.IsInitiator {
			c.endCall(StateRejected, false)
		}

	case *events.CallEnded:
		if c.matches(p.CallID) {
			c.endCall(StateEnded, false)
		}

	case *events.ParticipantLeft:
		if c.matches(p.CallID) {
			c.endCall(StateEnded, false)
		}

	case *events.ParticipantJoined:
		if c.matches(p.CallID) {
			c.call.logger.WithField("participant", p.UserID).Debug("participant joined")
		}

	case *events.CallError:
		if c.call == nil || (p.CallID != "" && !c.matches(p.CallID)) {
			c.logger.WithField("error", p.Message).Warn("relay error for no tracked call")
			return
		}

		c.reportError(fmt.Errorf("%w: %s", ErrRelay, p.Message))
		if c.session.State == StateInitiating {
			c.endCall(StateFailed, false)
		}

	case *events.Offer:
		if !c.fromRemote(p.CallID, p.FromUserID) {
			return
		}

		callID, target := c.session.CallID, c.remoteUserID()
		c.run(false, func(m *peer.Manager) error {
			answer, err := m.HandleOffer(c.ctx, p.Offer)
			if err != nil {
				return err
			}

			c.signaling.SendAnswer(events.Answer{CallID: callID, TargetUserID: target, Answer: *answer})
			return nil
		})

	case *events.Answer:
		if c.fromRemote(p.CallID, p.FromUserID) {
			c.run(false, func(m *peer.Manager) error {
				return m.HandleAnswer(c.ctx, p.Answer)
			})
		}

	case *events.ICECandidate:
		if c.fromRemote(p.CallID, p.FromUserID) {
			c.run(false, func(m *peer.Manager) error {
				m.AddICECandidate(p.Candidate)
				return nil
			})
		}

	default:
		c.logger.WithField("event", payload.EventName()).Debug("ignoring event")
	}
}

func (c *Controller) processPeerMessage(content any) {
	call := c.call

	switch m := content.(type) {
	case localCandidate:
		c.signaling.SendIceCandidate(events.ICECandidate{
			CallID:       c.session.CallID,
			TargetUserID: c.remoteUserID(),
			Candidate:    m.candidate,
		})

	case renegotiation:
		c.signaling.SendOffer(events.Offer{
			CallID:       c.session.CallID,
			TargetUserID: c.remoteUserID(),
			Offer:        m.offer,
		})

	case remoteStream:
		if c.handlers.OnRemoteStream != nil {
			c.handlers.OnRemoteStream(m.stream)
		}

	case peerStatus:
		c.processPeerStatus(m.status)

	case peerFailure:
		call.reported = true
		c.reportError(m.err)

		// The diagnosis is the last thing the manager reports about a dead connection.
		if call.failing && m.err.Kind == peer.KindConnectionFailed {
			c.finish()
		}

	case taskFailed:
		if !call.reported {
			c.reportError(fmt.Errorf("%w: %w", ErrSetupFailed, m.err))
		}

		if m.fatal && c.session.State == StateConnecting {
			c.endCall(StateFailed, true)
		}

	default:
		c.logger.Errorf("unexpected peer message %T", m)
	}
}

func (c *Controller) processPeerStatus(status peer.Status) {
	switch status.Phase {
	case state.Connected:
		if c.session.State == StateConnecting {
			c.setState(StateConnected)
		}

	case state.Retrying, state.Restarting:
		c.call.telemetry.AddEvent(status.Phase.String(), attribute.Int("retry_attempts", status.RetryAttempts))

	case state.Failed:
		if c.call.failing {
			return
		}

		c.call.failing = true
		c.call.lastErr = peer.ErrConnectionFailed
		if c.session.CallID != "" {
			c.signaling.EndCall(c.session.CallID)
		}
		c.setState(StateFailed)
	}
}

// Creates the peer connection manager and the task worker of the current call.
func (c *Controller) startPeer() {
	call := c.call
	call.sink = channel.NewSink(call.id, c.messages)

	send := func(content any) {
		if err := call.sink.Send(content); err != nil {
			call.logger.Debug("call is over, dropping peer message")
		}
	}

	call.peer = peer.NewManager(peer.Options{
		Initiator: c.session.IsInitiator,
		Config:    c.peerOptions.Config,
		Factory:   c.peerOptions.Factory,
		ICE:       c.peerOptions.ICE,
		Media:     c.peerOptions.Media,
		Diagnoser: c.peerOptions.Diagnoser,
		Clock:     c.peerOptions.Clock,
		Handlers: peer.Handlers{
			OnICECandidate:        func(candidate webrtc.ICECandidateInit) { send(localCandidate{candidate}) },
			OnRemoteStream:        func(stream *peer.RemoteStream) { send(remoteStream{stream}) },
			OnStateChange:         func(status peer.Status) { send(peerStatus{status}) },
			OnRenegotiationNeeded: func(offer webrtc.SessionDescription) { send(renegotiation{offer}) },
			OnError:               func(err *peer.Error) { send(peerFailure{err}) },
		},
	}, call.logger.WithField("component", "peer"))

	call.tasks = worker.Start(worker.Config[func()]{
		ChannelSize: 32,
		Timeout:     taskIdleTimeout,
		OnTask:      func(task func()) { task() },
		Clock:       c.peerOptions.Clock,
	})
}

// Runs a task against the peer connection manager of the current call, off the main loop.
// The tasks of a call run one after another in the order they were queued. A failed
// `fatal` task ends a call that is still connecting.
func (c *Controller) run(fatal bool, task func(*peer.Manager) error) {
	call := c.call
	if call == nil || call.peer == nil {
		return
	}

	err := call.tasks.Send(func() {
		if err := task(call.peer); err != nil && !errors.Is(err, peer.ErrClosed) {
			if err := call.sink.Send(taskFailed{err: err, fatal: fatal}); err != nil {
				call.logger.WithError(err).Debug("call is over, dropping task failure")
			}
		}
	})
	if err != nil {
		call.logger.WithError(err).Warn("dropping peer task")
	}
}

// Whether the negotiation message belongs to the current call and comes from the other party.
func (c *Controller) fromRemote(callID, fromUserID string) bool {
	if !c.matches(callID) || c.call.peer == nil {
		return false
	}

	return fromUserID == "" || fromUserID == c.remoteUserID()
}

func callAttribute(callID string) attribute.KeyValue {
	return attribute.String("call_id", callID)
}

func conversationAttribute(conversationID string) attribute.KeyValue {
	return attribute.String("conversation_id", conversationID)
}

func initiatorAttribute(initiator bool) attribute.KeyValue {
	return attribute.Bool("initiator", initiator)
}

func stateAttribute(s State) attribute.KeyValue {
	return attribute.String("state", string(s))
}
