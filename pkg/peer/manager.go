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

package peer

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/media"
	"github.com/socialhub/realtime/pkg/peer/state"
)

// Callbacks through which the manager informs the outside world about the
// things happening inside the connection. Nil callbacks are skipped.
type Handlers struct {
	// A local ICE candidate has been gathered and must be sent to the other party.
	OnICECandidate func(webrtc.ICECandidateInit)
	// The remote stream got a new track.
	OnRemoteStream func(*RemoteStream)
	// The lifecycle phase or one of the pion states changed.
	OnStateChange func(Status)
	// A new offer must be sent to the other party (renegotiation, ICE restart or retry).
	OnRenegotiationNeeded func(webrtc.SessionDescription)
	OnError               func(*Error)
}

// Runs the connectivity diagnosis once every retry has been exhausted.
type Diagnoser interface {
	Diagnose(ctx context.Context) ice.Diagnosis
}

// Observable state of the manager.
type Status struct {
	Phase           state.Phase
	ICEState        webrtc.ICEConnectionState
	ConnectionState webrtc.PeerConnectionState
	RetryAttempts   int
}

// Dependencies of the manager.
type Options struct {
	// Whether we are the side that creates the offers.
	Initiator bool
	Config    Config
	Factory   Factory
	ICE       ice.Provider
	Media     media.Source
	// Optional, without it the final error carries generic suggestions.
	Diagnoser Diagnoser
	// Optional, defaults to the wall clock.
	Clock    clock.Clock
	Handlers Handlers
}

// Manager owns the peer connection of a single call: local media, the connection
// itself, the ICE candidate queue, the retry policy and the cleanup. It is created
// fresh for every call and can't be reused once cleaned up.
type Manager struct {
	logger   *logrus.Entry
	config   Config
	factory  Factory
	ice      ice.Provider
	media    media.Source
	diagnose Diagnoser
	clock    clock.Clock
	handlers Handlers

	// Cancelled on cleanup so that pending fetches and diagnosis give up.
	ctx       context.Context //nolint:containedctx
	ctxCancel context.CancelFunc

	mutex sync.Mutex
	state state.State
	// The connection and a counter that changes every time the connection is replaced
	// or torn down. Work that resumes after a blocking call compares them to what it
	// started with and bails out if they changed.
	conn       Connection
	generation uint64
	senders    map[string]Sender
	local      *media.Stream
	remote     *RemoteStream
	// Remote candidates that arrived before the remote description.
	candidates           []webrtc.ICECandidateInit
	remoteDescriptionSet bool
	iceState             webrtc.ICEConnectionState
	connectionState      webrtc.PeerConnectionState
	timeout              *clock.Timer
	retry                *clock.Timer
}

func NewManager(options Options, logger *logrus.Entry) *Manager {
	if options.Clock == nil {
		options.Clock = clock.New()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Manager{
		logger:    logger,
		config:    options.Config,
		factory:   options.Factory,
		ice:       options.ICE,
		media:     options.Media,
		diagnose:  options.Diagnoser,
		clock:     options.Clock,
		handlers:  options.Handlers,
		ctx:       ctx,
		ctxCancel: cancel,
		state:     state.Initial(options.Config.policy(), options.Initiator),
		senders:   make(map[string]Sender),
	}
}

// Acquires the local camera and microphone. Falls back to basic constraints once,
// a denied permission is reported through `OnError` and returned. If the manager is
// cleaned up while the devices are being opened, the stream is stopped and discarded.
func (m *Manager) InitializeLocalMedia(ctx context.Context, video bool) (*media.Stream, error) {
	m.mutex.Lock()
	if m.state.Phase == state.Closed {
		m.mutex.Unlock()
		return nil, ErrClosed
	}
	if m.local != nil {
		stream := m.local
		m.mutex.Unlock()
		return stream, nil
	}
	m.mutex.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	stream, err := media.Acquire(ctx, m.media, video, m.logger)
	if err != nil {
		if m.isClosed() {
			return nil, ErrClosed
		}
		m.reportError(&Error{Kind: KindMediaAccess, Err: err})
		return nil, err
	}

	m.mutex.Lock()
	if m.state.Phase == state.Closed {
		m.mutex.Unlock()
		m.logger.Info("manager closed while acquiring media, releasing it")
		stream.Stop()
		return nil, ErrClosed
	}
	m.local = stream
	generation := m.generation
	m.mutex.Unlock()

	m.dispatch(generation, state.MediaAcquired{})
	return stream, nil
}

// Creates the peer connection with freshly fetched ICE servers and attaches the local stream.
func (m *Manager) CreatePeerConnection(ctx context.Context) error {
	_, err := m.connect(ctx)
	return err
}

// Creates an offer and sets it as the local description. Starts the connection timeout.
func (m *Manager) CreateOffer(ctx context.Context) (*webrtc.SessionDescription, error) {
	return m.createOffer(ctx, false)
}

// Applies the remote offer, drains the queued candidates and answers it.
func (m *Manager) HandleOffer(ctx context.Context, offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if offer.Type != webrtc.SDPTypeOffer {
		return nil, ErrUnexpectedDescriptionType
	}

	conn, generation, err := m.current()
	if err != nil {
		return nil, err
	}

	if err := conn.SetRemoteDescription(offer); err != nil {
		return nil, m.negotiationFailed(generation, ErrCantSetRemoteDescription, err, "failed to set remote description")
	}

	if !m.flushCandidates(conn) {
		return nil, ErrClosed
	}

	answer, err := conn.CreateAnswer(nil)
	if err != nil {
		return nil, m.negotiationFailed(generation, ErrCantCreateAnswer, err, "failed to create answer")
	}

	if !m.isCurrent(conn) {
		return nil, ErrClosed
	}

	if err := conn.SetLocalDescription(answer); err != nil {
		return nil, m.negotiationFailed(generation, ErrCantSetLocalDescription, err, "failed to set local description")
	}

	if !m.isCurrent(conn) {
		return nil, ErrClosed
	}

	m.dispatch(generation, state.NegotiationStarted{})
	return &answer, nil
}

// Applies the remote answer and drains the queued candidates.
func (m *Manager) HandleAnswer(ctx context.Context, answer webrtc.SessionDescription) error {
	if answer.Type != webrtc.SDPTypeAnswer {
		return ErrUnexpectedDescriptionType
	}

	conn, generation, err := m.current()
	if err != nil {
		return err
	}

	if err := conn.SetRemoteDescription(answer); err != nil {
		return m.negotiationFailed(generation, ErrCantSetRemoteDescription, err, "failed to set remote description")
	}

	if !m.flushCandidates(conn) {
		return ErrClosed
	}

	return nil
}

// Applies a remote candidate, or queues it while the remote description is not set yet.
// Candidates without a candidate string are dropped, failures are logged and skipped.
func (m *Manager) AddICECandidate(candidate webrtc.ICECandidateInit) {
	if candidate.Candidate == "" {
		return
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state.Phase == state.Closed {
		return
	}

	if m.conn == nil || !m.remoteDescriptionSet {
		m.candidates = append(m.candidates, candidate)
		return
	}

	if err := m.conn.AddICECandidate(candidate); err != nil {
		m.logger.WithError(err).Warn("failed to add ICE candidate")
	}
}

// Mutes or unmutes the microphone without a renegotiation.
func (m *Manager) ToggleAudio(enabled bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.local == nil {
		return
	}

	for _, track := range m.local.AudioTracks() {
		m.setTrackEnabledLocked(track, enabled)
	}
}

// Turns the camera on or off. Without a renegotiation when a video track exists;
// enabling the camera in an audio-only call acquires a new track and adds it to the
// connection, which triggers a renegotiation.
func (m *Manager) ToggleVideo(ctx context.Context, enabled bool) error {
	m.mutex.Lock()
	if m.state.Phase == state.Closed {
		m.mutex.Unlock()
		return ErrClosed
	}

	if m.local != nil {
		if tracks := m.local.VideoTracks(); len(tracks) > 0 {
			for _, track := range tracks {
				m.setTrackEnabledLocked(track, enabled)
			}
			m.mutex.Unlock()
			return nil
		}
	}
	m.mutex.Unlock()

	if !enabled {
		return nil
	}

	stream, err := m.media.GetUserMedia(ctx, media.VideoOnly())
	if err != nil {
		m.reportError(&Error{Kind: KindMediaAccess, Err: err})
		return err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state.Phase == state.Closed {
		stream.Stop()
		return ErrClosed
	}

	if m.local == nil {
		m.local = media.NewStream()
	}

	for _, track := range stream.VideoTracks() {
		m.local.Add(track)
		if m.conn == nil {
			continue
		}

		sender, err := m.conn.AddTrack(track.Local())
		if err != nil {
			m.logger.WithError(err).Error("failed to add video track")
			return ErrCantAddTrack
		}
		m.senders[track.ID()] = sender
	}

	return nil
}

// Tears everything down: stops the local tracks, detaches the callbacks, closes the
// connection and forgets the streams. Safe to call more than once and from any state.
func (m *Manager) Cleanup() {
	m.mutex.Lock()
	if m.state.Phase == state.Closed {
		m.mutex.Unlock()
		return
	}

	next, effects := state.Next(m.state, state.Close{})
	m.state = next
	m.applyTimersLocked(effects)

	conn := m.conn
	local := m.local
	m.conn = nil
	m.local = nil
	m.remote = nil
	m.candidates = nil
	m.remoteDescriptionSet = false
	m.senders = make(map[string]Sender)
	m.generation++
	status := m.statusLocked()
	m.mutex.Unlock()

	m.ctxCancel()

	if local != nil {
		local.Stop()
	}

	if conn != nil {
		detach(conn)
		if err := conn.Close(); err != nil {
			m.logger.WithError(err).Warn("failed to close peer connection")
		}
	}

	m.logger.Info("peer connection cleaned up")
	m.notifyState(status)
}

func (m *Manager) Status() Status {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.statusLocked()
}

func (m *Manager) RetryAttempts() int {
	return m.Status().RetryAttempts
}

func (m *Manager) LocalStream() *media.Stream {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.local
}

func (m *Manager) RemoteStream() *RemoteStream {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.remote
}

// Number of remote candidates waiting for the remote description.
func (m *Manager) QueuedCandidates() int {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return len(m.candidates)
}

func (m *Manager) HasConnection() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.conn != nil
}

// Fetches the ICE servers, creates a new connection and attaches the local stream.
func (m *Manager) connect(ctx context.Context) (Connection, error) {
	if m.isClosed() {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(m.ctx, cancel)
	defer stop()

	iceServers := m.ice.ICEServers(ctx)

	m.mutex.Lock()
	defer m.mutex.Unlock()

	// The manager might have been cleaned up while the servers were being fetched.
	if m.state.Phase == state.Closed {
		return nil, ErrClosed
	}

	if m.conn != nil {
		return m.conn, nil
	}

	conn, err := m.factory.NewConnection(iceServers)
	if err != nil {
		m.logger.WithError(err).Error("failed to create peer connection")
		return nil, ErrCantCreatePeerConnection
	}

	m.generation++
	m.conn = conn
	m.remoteDescriptionSet = false
	m.senders = make(map[string]Sender)
	m.registerCallbacks(conn, m.generation)

	if m.local != nil {
		for _, track := range m.local.Tracks() {
			sender, err := conn.AddTrack(track.Local())
			if err != nil {
				m.logger.WithError(err).WithField("track", track.ID()).Error("failed to add local track")
				continue
			}
			m.senders[track.ID()] = sender
			if !track.Enabled() && sender != nil {
				if err := sender.ReplaceTrack(nil); err != nil {
					m.logger.WithError(err).Warn("failed to mute local track")
				}
			}
		}
	}

	m.logger.WithField("ice_servers", len(iceServers)).Info("peer connection created")
	return conn, nil
}

func (m *Manager) createOffer(ctx context.Context, iceRestart bool) (*webrtc.SessionDescription, error) {
	conn, generation, err := m.current()
	if err != nil {
		return nil, err
	}

	var options *webrtc.OfferOptions
	if iceRestart {
		options = &webrtc.OfferOptions{ICERestart: true}
	}

	offer, err := conn.CreateOffer(options)
	if err != nil {
		return nil, m.negotiationFailed(generation, ErrCantCreateOffer, err, "failed to create offer")
	}

	if !m.isCurrent(conn) {
		return nil, ErrClosed
	}

	if err := conn.SetLocalDescription(offer); err != nil {
		return nil, m.negotiationFailed(generation, ErrCantSetLocalDescription, err, "failed to set local description")
	}

	if !m.isCurrent(conn) {
		return nil, ErrClosed
	}

	m.dispatch(generation, state.NegotiationStarted{})
	return &offer, nil
}

// Marks the remote description as set and applies the queued candidates in arrival order.
// Returns false if the connection has been replaced or torn down in the meantime.
func (m *Manager) flushCandidates(conn Connection) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.conn != conn {
		return false
	}

	m.remoteDescriptionSet = true
	queued := m.candidates
	m.candidates = nil

	for _, candidate := range queued {
		if err := conn.AddICECandidate(candidate); err != nil {
			m.logger.WithError(err).Warn("failed to add queued ICE candidate")
		}
	}

	if len(queued) > 0 {
		m.logger.WithField("count", len(queued)).Debug("applied queued ICE candidates")
	}

	return true
}

func (m *Manager) setTrackEnabledLocked(track media.Track, enabled bool) {
	track.SetEnabled(enabled)

	sender := m.senders[track.ID()]
	if sender == nil {
		return
	}

	var local webrtc.TrackLocal
	if enabled {
		local = track.Local()
	}

	if err := sender.ReplaceTrack(local); err != nil {
		m.logger.WithError(err).WithField("track", track.ID()).Warn("failed to replace track")
	}
}

func (m *Manager) current() (Connection, uint64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if m.state.Phase == state.Closed {
		return nil, 0, ErrClosed
	}

	if m.conn == nil {
		return nil, 0, ErrNoConnection
	}

	return m.conn, m.generation, nil
}

func (m *Manager) isCurrent(conn Connection) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.conn == conn && m.state.Phase != state.Closed
}

func (m *Manager) isClosed() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	return m.state.Phase == state.Closed
}

// Logs and reports a negotiation failure unless the connection is gone already.
func (m *Manager) negotiationFailed(generation uint64, sentinel, cause error, message string) error {
	m.mutex.Lock()
	stale := generation != m.generation || m.state.Phase == state.Closed
	m.mutex.Unlock()

	if stale {
		return ErrClosed
	}

	m.logger.WithError(cause).Error(message)
	m.reportError(&Error{Kind: KindNegotiation, Err: sentinel})
	return sentinel
}

func (m *Manager) reportError(err *Error) {
	if m.handlers.OnError != nil {
		m.handlers.OnError(err)
	}
}

func (m *Manager) notifyState(status Status) {
	if m.handlers.OnStateChange != nil {
		m.handlers.OnStateChange(status)
	}
}

func (m *Manager) statusLocked() Status {
	return Status{
		Phase:           m.state.Phase,
		ICEState:        m.iceState,
		ConnectionState: m.connectionState,
		RetryAttempts:   m.state.RetryAttempts,
	}
}
