package peer

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/peer/state"
)

// Tracks received from the other party.
type RemoteStream struct {
	mutex  sync.Mutex
	tracks []*webrtc.TrackRemote
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

func (s *RemoteStream) add(track *webrtc.TrackRemote) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.tracks = append(s.tracks, track)
}

// Every callback captures the generation of the connection it was registered on,
// events of a replaced or torn down connection are ignored.
func (m *Manager) registerCallbacks(conn Connection, generation uint64) {
	conn.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		// Nil means that the gathering is complete.
		if candidate == nil || !m.isGeneration(generation) {
			return
		}

		if m.handlers.OnICECandidate != nil {
			m.handlers.OnICECandidate(candidate.ToJSON())
		}
	})

	conn.OnICEConnectionStateChange(func(iceState webrtc.ICEConnectionState) {
		m.logger.WithField("ice_state", iceState).Debug("ICE connection state changed")

		if !m.updateStates(generation, func() { m.iceState = iceState }) {
			return
		}

		switch iceState {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			m.dispatch(generation, state.ICEConnected{})
		case webrtc.ICEConnectionStateDisconnected:
			m.dispatch(generation, state.ICEDisconnected{})
		case webrtc.ICEConnectionStateFailed:
			m.dispatch(generation, state.ConnectionFailed{Reason: "ICE connection failed"})
		}
	})

	conn.OnConnectionStateChange(func(connectionState webrtc.PeerConnectionState) {
		m.logger.WithField("connection_state", connectionState).Debug("peer connection state changed")

		if !m.updateStates(generation, func() { m.connectionState = connectionState }) {
			return
		}

		switch connectionState {
		case webrtc.PeerConnectionStateConnected:
			m.dispatch(generation, state.ICEConnected{})
		case webrtc.PeerConnectionStateFailed:
			m.dispatch(generation, state.ConnectionFailed{Reason: "peer connection failed"})
		}
	})

	conn.OnNegotiationNeeded(func() {
		m.dispatch(generation, state.NegotiationNeeded{})
	})

	conn.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mutex.Lock()
		if generation != m.generation {
			m.mutex.Unlock()
			return
		}
		if m.remote == nil {
			m.remote = &RemoteStream{}
		}
		remote := m.remote
		m.mutex.Unlock()

		m.logger.WithField("kind", track.Kind()).Info("remote track received")
		remote.add(track)

		// Ask for a key frame right away, so that the video starts without waiting for the next one.
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			pli := &rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}
			if err := conn.WriteRTCP([]rtcp.Packet{pli}); err != nil {
				m.logger.WithError(err).Warn("failed to request key frame")
			}
		}

		if m.handlers.OnRemoteStream != nil {
			m.handlers.OnRemoteStream(remote)
		}
	})
}

// Runs the transition for the event and executes its effects. Events that belong
// to an older connection are dropped.
func (m *Manager) dispatch(generation uint64, event state.Event) {
	m.mutex.Lock()
	if generation != m.generation {
		m.mutex.Unlock()
		return
	}

	previous := m.state.Phase
	next, effects := state.Next(m.state, event)
	m.state = next
	m.applyTimersLocked(effects)
	status := m.statusLocked()
	m.mutex.Unlock()

	if status.Phase != previous {
		m.logger.WithFields(logrus.Fields{
			"from":    previous,
			"to":      status.Phase,
			"retries": status.RetryAttempts,
		}).Info("peer connection phase changed")
		m.notifyState(status)
	}

	for _, effect := range effects {
		switch effect := effect.(type) {
		case state.RestartICE:
			go m.restartICE()
		case state.Reinitialize:
			go m.reinitialize(effect.Offer)
		case state.Renegotiate:
			go m.renegotiate()
		case state.ReportFailure:
			go m.reportFailure(effect.Reason)
		}
	}
}

// Timers are handled with the lock held, so that a timer can't be armed after the
// cleanup has disarmed everything.
func (m *Manager) applyTimersLocked(effects []state.Effect) {
	generation := m.generation

	for _, effect := range effects {
		switch effect := effect.(type) {
		case state.ArmTimeout:
			if m.timeout != nil {
				m.timeout.Stop()
			}
			m.timeout = m.clock.AfterFunc(m.config.connectionTimeout(), func() {
				m.logger.Warn("connection timed out")
				m.dispatch(generation, state.TimeoutElapsed{})
			})
		case state.DisarmTimeout:
			if m.timeout != nil {
				m.timeout.Stop()
				m.timeout = nil
			}
		case state.ScheduleRetry:
			if m.retry != nil {
				m.retry.Stop()
			}
			m.logger.WithFields(logrus.Fields{
				"attempt": effect.Attempt,
				"delay":   effect.Delay,
			}).Info("scheduling connection retry")
			m.retry = m.clock.AfterFunc(effect.Delay, func() {
				m.dispatch(generation, state.RetryDue{})
			})
		case state.CancelRetry:
			if m.retry != nil {
				m.retry.Stop()
				m.retry = nil
			}
		}
	}
}

// Only the initiator creates the restart offer, the other party answers it.
func (m *Manager) restartICE() {
	m.mutex.Lock()
	initiator := m.state.Initiator
	m.mutex.Unlock()

	if !initiator {
		m.logger.Debug("waiting for the initiator to restart ICE")
		return
	}

	m.logger.Info("restarting ICE")
	m.offerToRemote(true)
}

func (m *Manager) renegotiate() {
	m.logger.Info("renegotiating the connection")
	m.offerToRemote(false)
}

func (m *Manager) offerToRemote(iceRestart bool) {
	offer, err := m.createOffer(m.ctx, iceRestart)
	if err != nil {
		if !errors.Is(err, ErrClosed) {
			m.logger.WithError(err).Warn("failed to create offer for the other party")
		}
		return
	}

	if m.handlers.OnRenegotiationNeeded != nil {
		m.handlers.OnRenegotiationNeeded(*offer)
	}
}

// Replaces the failed connection with a new one built with freshly fetched ICE servers.
func (m *Manager) reinitialize(offer bool) {
	m.mutex.Lock()
	if m.state.Phase == state.Closed {
		m.mutex.Unlock()
		return
	}
	old := m.conn
	m.conn = nil
	m.candidates = nil
	m.remoteDescriptionSet = false
	m.remote = nil
	m.generation++
	attempt := m.state.RetryAttempts
	m.mutex.Unlock()

	m.logger.WithField("attempt", attempt).Info("rebuilding peer connection")

	if old != nil {
		detach(old)
		if err := old.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close failed peer connection")
		}
	}

	if _, err := m.connect(m.ctx); err != nil {
		if errors.Is(err, ErrClosed) {
			return
		}
		m.mutex.Lock()
		generation := m.generation
		m.mutex.Unlock()
		m.dispatch(generation, state.ConnectionFailed{Reason: err.Error()})
		return
	}

	if !offer {
		m.mutex.Lock()
		generation := m.generation
		m.mutex.Unlock()
		m.dispatch(generation, state.NegotiationStarted{})
		return
	}

	m.offerToRemote(true)
}

func (m *Manager) reportFailure(reason string) {
	err := &Error{
		Kind: KindConnectionFailed,
		Err:  fmt.Errorf("%w: %s", ErrConnectionFailed, reason),
	}

	if m.diagnose != nil {
		diagnosis := m.diagnose.Diagnose(m.ctx)
		err.Diagnosis = &diagnosis
		err.Suggestions = diagnosis.Suggestions
	} else {
		err.Suggestions = ice.Suggestions(ice.NATUnknown)
	}

	if m.isClosed() {
		return
	}

	m.logger.WithError(err).WithField("suggestions", err.Suggestions).Error("giving up on the connection")
	m.reportError(err)
}

func (m *Manager) isGeneration(generation uint64) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return generation == m.generation
}

// Applies the update if the generation is still current and notifies about the new status.
func (m *Manager) updateStates(generation uint64, update func()) bool {
	m.mutex.Lock()
	if generation != m.generation {
		m.mutex.Unlock()
		return false
	}
	update()
	status := m.statusLocked()
	m.mutex.Unlock()

	m.notifyState(status)
	return true
}
