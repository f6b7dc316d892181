package call_test

import (
	"context"
	"sync"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/socialhub/realtime/pkg/media"
	"github.com/socialhub/realtime/pkg/peer"
)

type fakeSender struct{}

func (fakeSender) ReplaceTrack(webrtc.TrackLocal) error { return nil }

// A peer connection that answers every request instantly and lets the test fire the callbacks.
type fakeConnection struct {
	mutex       sync.Mutex
	onCandidate func(*webrtc.ICECandidate)
	onICEState  func(webrtc.ICEConnectionState)
	tracks      int
	local       *webrtc.SessionDescription
	remote      *webrtc.SessionDescription
	candidates  []string
	closed      bool
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

func (c *fakeConnection) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (c *fakeConnection) OnNegotiationNeeded(func())                               {}
func (c *fakeConnection) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))   {}
func (c *fakeConnection) WriteRTCP([]rtcp.Packet) error                            { return nil }

func (c *fakeConnection) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer"}, nil
}

func (c *fakeConnection) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer"}, nil
}

func (c *fakeConnection) AddTrack(webrtc.TrackLocal) (peer.Sender, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.tracks++
	return fakeSender{}, nil
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

	c.candidates = append(c.candidates, candidate.Candidate)
	return nil
}

func (c *fakeConnection) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.closed = true
	return nil
}

func (c *fakeConnection) fireICEState(iceState webrtc.ICEConnectionState) {
	c.mutex.Lock()
	callback := c.onICEState
	c.mutex.Unlock()

	callback(iceState)
}

func (c *fakeConnection) fireCandidate(candidate *webrtc.ICECandidate) {
	c.mutex.Lock()
	callback := c.onCandidate
	c.mutex.Unlock()

	callback(candidate)
}

func (c *fakeConnection) remoteSDP() string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.remote == nil {
		return ""
	}
	return c.remote.SDP
}

func (c *fakeConnection) appliedCandidates() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return append([]string(nil), c.candidates...)
}

func (c *fakeConnection) isClosed() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return c.closed
}

type fakeFactory struct {
	mutex sync.Mutex
	conns []*fakeConnection
}

func (f *fakeFactory) NewConnection([]webrtc.ICEServer) (peer.Connection, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	conn := &fakeConnection{}
	f.conns = append(f.conns, conn)
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

type fakeSource struct {
	err error
}

func (s *fakeSource) GetUserMedia(_ context.Context, constraints media.Constraints) (*media.Stream, error) {
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

	return media.NewStream(tracks...), nil
}
