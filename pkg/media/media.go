package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

var (
	ErrPermissionDenied = errors.New("access to camera or microphone denied")
	ErrNoDevice         = errors.New("no capture device found")
)

// A local capture track.
type Track interface {
	ID() string
	Kind() webrtc.RTPCodecType
	Enabled() bool
	// Muting keeps the track alive but stops sending its content.
	SetEnabled(enabled bool)
	// Stops capturing. The track can't be used afterwards.
	Stop()
	// The track as it is attached to a peer connection.
	Local() webrtc.TrackLocal
}

// A set of local tracks acquired together, owned by whoever acquired it.
type Stream struct {
	mutex   sync.Mutex
	tracks  []Track
	stopped bool
}

func NewStream(tracks ...Track) *Stream {
	return &Stream{tracks: tracks}
}

func (s *Stream) Tracks() []Track {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return append([]Track(nil), s.tracks...)
}

func (s *Stream) VideoTracks() []Track {
	return s.ofKind(webrtc.RTPCodecTypeVideo)
}

func (s *Stream) AudioTracks() []Track {
	return s.ofKind(webrtc.RTPCodecTypeAudio)
}

func (s *Stream) ofKind(kind webrtc.RTPCodecType) []Track {
	var result []Track
	for _, track := range s.Tracks() {
		if track.Kind() == kind {
			result = append(result, track)
		}
	}
	return result
}

// Adds a track acquired later (e.g. the camera enabled in the middle of an audio call).
// A track added to a stopped stream is stopped right away.
func (s *Stream) Add(track Track) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopped {
		track.Stop()
		return
	}

	s.tracks = append(s.tracks, track)
}

// Stops every track of the stream. Safe to call more than once.
func (s *Stream) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.stopped {
		return
	}
	s.stopped = true

	for _, track := range s.tracks {
		track.Stop()
	}
}

func (s *Stream) Stopped() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.stopped
}

// Something that can hand out local capture streams.
type Source interface {
	GetUserMedia(ctx context.Context, constraints Constraints) (*Stream, error)
}

// Acquires a stream with the ideal constraints and falls back to the basic ones
// exactly once. A denied permission is not retried.
func Acquire(ctx context.Context, source Source, video bool, logger *logrus.Entry) (*Stream, error) {
	stream, err := source.GetUserMedia(ctx, Ideal(video))
	if err == nil {
		return stream, nil
	}

	if errors.Is(err, ErrPermissionDenied) {
		logger.WithError(err).Warn("media permission denied")
		return nil, err
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	logger.WithError(err).Warn("failed to acquire media with ideal constraints, falling back")

	stream, fallbackErr := source.GetUserMedia(ctx, Basic(video))
	if fallbackErr != nil {
		logger.WithError(fallbackErr).Error("failed to acquire media with basic constraints")
		return nil, fmt.Errorf("failed to acquire media: %w", fallbackErr)
	}

	return stream, nil
}

// A track backed by pion's sample track. The content is written by the owner.
type SampleTrack struct {
	*webrtc.TrackLocalStaticSample
	enabled atomic.Bool
	stopped atomic.Bool
}

func NewSampleTrack(kind webrtc.RTPCodecType, id, streamID string) (*SampleTrack, error) {
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if kind == webrtc.RTPCodecTypeVideo {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticSample(capability, id, streamID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s track: %w", kind, err)
	}

	track := &SampleTrack{TrackLocalStaticSample: local}
	track.enabled.Store(true)
	return track, nil
}

func (t *SampleTrack) Enabled() bool            { return t.enabled.Load() }
func (t *SampleTrack) SetEnabled(enabled bool)  { t.enabled.Store(enabled) }
func (t *SampleTrack) Stop()                    { t.stopped.Store(true) }
func (t *SampleTrack) Stopped() bool            { return t.stopped.Load() }
func (t *SampleTrack) Local() webrtc.TrackLocal { return t.TrackLocalStaticSample }
