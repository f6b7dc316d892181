package peer

import (
	"errors"
	"fmt"

	"github.com/socialhub/realtime/pkg/ice"
)

var (
	ErrClosed                    = errors.New("peer connection manager is closed")
	ErrNoConnection              = errors.New("peer connection is not created")
	ErrCantCreatePeerConnection  = errors.New("can't create peer connection")
	ErrCantCreateOffer           = errors.New("can't create offer")
	ErrCantCreateAnswer          = errors.New("can't create answer")
	ErrCantSetRemoteDescription  = errors.New("can't set remote description")
	ErrCantSetLocalDescription   = errors.New("can't set local description")
	ErrCantAddTrack              = errors.New("can't add track")
	ErrConnectionFailed          = errors.New("connection could not be established")
	ErrUnexpectedDescriptionType = errors.New("unexpected session description type")
)

type ErrorKind string

const (
	KindMediaAccess      ErrorKind = "media-access"
	KindNegotiation      ErrorKind = "negotiation"
	KindConnectionFailed ErrorKind = "connection-failed"
)

// An error reported through the `OnError` callback.
type Error struct {
	Kind ErrorKind
	Err  error
	// Only set for `KindConnectionFailed`.
	Diagnosis   *ice.Diagnosis
	Suggestions []string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}
