// Package devices captures the local camera and microphone with pion/mediadevices.
package devices

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/media"
)

// Ensure the device source implements the media source interface.
var _ media.Source = (*Source)(nil)

// Captures media from the devices of this machine.
type Source struct {
	logger   *logrus.Entry
	selector *mediadevices.CodecSelector
}

// Creates a source with VP8 and Opus encoders. Fails if no encoders are
// available on this platform.
func NewSource(logger *logrus.Entry) (*Source, error) {
	selector, err := newCodecSelector()
	if err != nil {
		return nil, err
	}

	for _, device := range mediadevices.EnumerateDevices() {
		logger.WithFields(logrus.Fields{"kind": device.Kind, "label": device.Label}).Debug("found capture device")
	}

	return &Source{logger: logger, selector: selector}, nil
}

// Registers the codecs of the encoders, so that the peer connections negotiate
// what the source can actually produce.
func (s *Source) Populate(mediaEngine *webrtc.MediaEngine) {
	s.selector.Populate(mediaEngine)
}

func (s *Source) GetUserMedia(ctx context.Context, constraints media.Constraints) (*media.Stream, error) {
	streamConstraints := mediadevices.MediaStreamConstraints{Codec: s.selector}

	if video := constraints.Video; video != nil {
		streamConstraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			c.Width = prop.IntRanged{Max: video.Width, Ideal: video.Width}
			c.Height = prop.IntRanged{Max: video.Height, Ideal: video.Height}
			if video.FrameRate > 0 {
				c.FrameRate = prop.Float(video.FrameRate)
			}
		}
	}

	// Echo cancellation and the other processing are up to the capture driver.
	if constraints.Audio != nil {
		streamConstraints.Audio = func(*mediadevices.MediaTrackConstraints) {}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	stream, err := mediadevices.GetUserMedia(streamConstraints)
	if err != nil {
		return nil, classify(err)
	}

	// The caller might have given up while the devices were being opened.
	if err := ctx.Err(); err != nil {
		for _, track := range stream.GetTracks() {
			track.Close()
		}
		return nil, err
	}

	tracks := make([]media.Track, 0, len(stream.GetTracks()))
	for _, t := range stream.GetTracks() {
		captured := &track{Track: t, logger: s.logger.WithField("track", t.ID())}
		captured.enabled.Store(true)
		t.OnEnded(captured.onEnded)
		tracks = append(tracks, captured)
	}

	return media.NewStream(tracks...), nil
}

func classify(err error) error {
	if errors.Is(err, os.ErrPermission) || strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return fmt.Errorf("%w: %v", media.ErrPermissionDenied, err)
	}

	return fmt.Errorf("%w: %v", media.ErrNoDevice, err)
}

// A captured device track.
type track struct {
	mediadevices.Track
	logger  *logrus.Entry
	enabled atomic.Bool
	stopped atomic.Bool
}

func (t *track) Enabled() bool {
	return t.enabled.Load()
}

func (t *track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

func (t *track) Stop() {
	if !t.stopped.CompareAndSwap(false, true) {
		return
	}

	if err := t.Track.Close(); err != nil {
		t.logger.WithError(err).Warn("failed to close capture track")
	}
}

func (t *track) Local() webrtc.TrackLocal {
	return t.Track
}

func (t *track) onEnded(err error) {
	if err != nil {
		t.logger.WithError(err).Warn("capture track ended")
	}
}
