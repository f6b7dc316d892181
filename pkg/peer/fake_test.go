package peer_test

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/socialhub/realtime/pkg/ice"
	"github.com/socialhub/realtime/pkg/media"
	"github.com/socialhub/realtime/pkg/peer"
)

type fakeSender struct {
	mutex    sync.Mutex
	replaced []webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.replaced = append(s.replaced, track)
	return nil
}

func (s *fakeSender) last() webrtc.TrackLocal {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if len(s.replaced) == 0 {
		return nil
	}
	return s.replaced[len(s.replaced)-1]
}

// Records everything the manager does and lets the test fire the pion callbacks.
type fakeConnection struct {
	mutex             sync.Mutex
	onCandidate       func(*webrtc.ICECandidate)
	onICEState        func(webrtc.ICEConnectionState)
	onConnectionState func(webrtc.PeerConnectionState)
	onNegotiation     func()
	onTrack           func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	senders           []*fakeSender
	offers            []*webrtc.OfferOptions
	local             *webrtc.SessionDescription
	remote            *webrtc.SessionDescription
	candidates        []string
	closed            int
}

func (c *fakeConnection) OnICECandidate(f func(*webrtc.ICECandidate)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onCandidate = f
}

func (c *fakeConnection) OnICEConnectionStateChange(f func(webrtc.ICEConnectionState)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onICEState = f
}

func (c *fakeConnection) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onConnectionState = f
}

func (c *fakeConnection) OnNegotiationNeeded(f func()) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onNegotiation = f
}

func (c *fakeConnection) OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onTrack = f
}

func (c *fakeConnection) AddTrack(webrtc.TrackLocal) (peer.Sender, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	sender := &fakeSender{}
	c.senders = append(c.senders, sender)
	return sender, nil
}

func (c *fakeConnection) CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.offers = append(c.offers, options)
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *fakeConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *fakeConnection) SetLocalDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.local = &description
	return nil
}

func (c *fakeConnection) SetRemoteDescription(description webrtc.SessionDescription) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.remote = &description
	return nil
}

func (c *fakeConnection) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.remote == nil {
		return errors.New("remote description is not set")
	}
	c.candidates = append(c.candidates, candidate.Candidate)
	if candidate.Candidate == "broken" {
		return errors.New("invalid candidate")
	}
	return nil
}

func (c *fakeConnection) WriteRTCP([]rtcp.Packet) error {
	return nil
}

func (c *fakeConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed++
	return nil
}

func (c *fakeConnection) fireICEState(iceState webrtc.ICEConnectionState) {
	c.mutex.Lock()
	callback := c.onICEState
	c.mutex.Unlock()

	callback(iceState)
}

func (c *fakeConnection) fireNegotiationNeeded() {
	c.mutex.Lock()
	callback := c.onNegotiation
	c.mutex.Unlock()

	callback()
}

func (c *fakeConnection) lastOfferOptions() *webrtc.OfferOptions {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.offers[len(c.offers)-1]
}

func (c *fakeConnection) offerCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return len(c.offers)
}

func (c *fakeConnection) hasLocalDescription() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.local != nil
}

func (c *fakeConnection) appliedCandidates() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]string(nil), c.candidates...)
}

func (c *fakeConnection) sender(index int) *fakeSender {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.senders[index]
}

func (c *fakeConnection) closeCount() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.closed
}

type fakeFactory struct {
	mutex sync.Mutex
	conns []*fakeConnection
	seen  [][]webrtc.ICEServer
}

func (f *fakeFactory) NewConnection(iceServers []webrtc.ICEServer) (peer.Connection, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	conn := &fakeConnection{}
	f.conns = append(f.conns, conn)
	f.seen = append(f.seen, iceServers)
	return conn, nil
}

func (f *fakeFactory) count() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return len(f.conns)
}

func (f *fakeFactory) latest() *fakeConnection {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return f.conns[len(f.conns)-1]
}

// Hands out streams of sample tracks. With `release` set, every call waits for it.
type fakeSource struct {
	mutex     sync.Mutex
	requested []media.Constraints
	called    chan struct{}
	release   chan struct{}
	streams   []*media.Stream
	err       error
}

func (s *fakeSource) GetUserMedia(_ context.Context, constraints media.Constraints) (*media.Stream, error) {
	s.mutex.Lock()
	s.requested = append(s.requested, constraints)
	s.mutex.Unlock()

	if s.called != nil {
		close(s.called)
	}
	if s.release != nil {
		<-s.release
	}
	if s.err != nil {
		return nil, s.err
	}

	var tracks []media.Track
	if constraints.Audio != nil {
		track, err := media.NewSampleTrack(webrtc.RTPCodecTypeAudio, "audio", "local")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}
	if constraints.Video != nil {
		track, err := media.NewSampleTrack(webrtc.RTPCodecTypeVideo, "video", "local")
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, track)
	}

	stream := media.NewStream(tracks...)

	s.mutex.Lock()
	s.streams = append(s.streams, stream)
	s.mutex.Unlock()

	return stream, nil
}

type fakeDiagnoser struct{}

func (fakeDiagnoser) Diagnose(context.Context) ice.Diagnosis {
	return ice.Classify(2, nil)
}
