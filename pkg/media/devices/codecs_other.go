//go:build !linux || !cgo

package devices

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/socialhub/realtime/pkg/media"
)

// Device capture needs the V4L2 and malgo drivers and the cgo encoders.
func newCodecSelector() (*mediadevices.CodecSelector, error) {
	return nil, fmt.Errorf("%w: device capture is only supported on linux with cgo", media.ErrNoDevice)
}
