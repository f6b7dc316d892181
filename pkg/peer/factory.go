package peer

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
)

// The sending side of a track attached to a connection.
type Sender interface {
	ReplaceTrack(track webrtc.TrackLocal) error
}

// The subset of pion's peer connection the manager works with.
type Connection interface {
	OnICECandidate(func(*webrtc.ICECandidate))
	OnICEConnectionStateChange(func(webrtc.ICEConnectionState))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnNegotiationNeeded(func())
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	AddTrack(track webrtc.TrackLocal) (Sender, error)
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(description webrtc.SessionDescription) error
	SetRemoteDescription(description webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	WriteRTCP(packets []rtcp.Packet) error
	Close() error
}

// Builds new peer connections.
type Factory interface {
	NewConnection(iceServers []webrtc.ICEServer) (Connection, error)
}

// Registers the codecs a media source is able to produce.
type CodecRegistrar interface {
	Populate(mediaEngine *webrtc.MediaEngine)
}

// Peer connection factory is used to construct new (pre-configured) peer connections.
type PionFactory struct {
	api *webrtc.API
}

// Creates a factory. When `codecs` is nil, pion's default codecs are registered.
func NewPionFactory(config Config, codecs CodecRegistrar) (*PionFactory, error) {
	api, err := createWebRTCAPI(config, codecs)
	if err != nil {
		return nil, fmt.Errorf("failed to create WebRTC API: %w", err)
	}

	return &PionFactory{api}, nil
}

func (f *PionFactory) NewConnection(iceServers []webrtc.ICEServer) (Connection, error) {
	peerConnection, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	return pionConnection{peerConnection}, nil
}

// Creates Pion's WebRTC API with the codecs, the default interceptors and the ICE timeouts.
func createWebRTCAPI(config Config, codecs CodecRegistrar) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if codecs != nil {
		codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register default codecs: %w", err)
	}

	// NACKs, RTCP reports and the other default RTP/RTCP features.
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to set default interceptors: %w", err)
	}

	settings := webrtc.SettingEngine{}
	if config.ICEDisconnectedTimeout > 0 && config.ICEFailedTimeout > 0 {
		keepAlive := time.Duration(config.ICEKeepAliveInterval) * time.Second
		if keepAlive <= 0 {
			keepAlive = 2 * time.Second
		}
		settings.SetICETimeouts(
			time.Duration(config.ICEDisconnectedTimeout)*time.Second,
			time.Duration(config.ICEFailedTimeout)*time.Second,
			keepAlive,
		)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(settings),
	), nil
}

// Adapts pion's peer connection to the connection interface.
type pionConnection struct {
	*webrtc.PeerConnection
}

func (c pionConnection) AddTrack(track webrtc.TrackLocal) (Sender, error) {
	sender, err := c.PeerConnection.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return sender, nil
}

// Replaces every callback with a no-op, so that nothing reaches the manager anymore.
func detach(conn Connection) {
	conn.OnICECandidate(func(*webrtc.ICECandidate) {})
	conn.OnICEConnectionStateChange(func(webrtc.ICEConnectionState) {})
	conn.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	conn.OnNegotiationNeeded(func() {})
	conn.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})
}
