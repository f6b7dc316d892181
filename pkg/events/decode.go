package events

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrUnknownEvent     = errors.New("unknown event")
	ErrMalformedPayload = errors.New("malformed event payload")
)

// Payloads that have required fields know how to check them.
type validator interface {
	validate() error
}

// Constructors of the zero payloads for each known event name.
var registry = map[string]func() Payload{
	VideoCallInitiate:          func() Payload { return &InitiateCall{} },
	VideoCallInitiated:         func() Payload { return &CallInitiated{} },
	VideoCallIncoming:          func() Payload { return &IncomingCall{} },
	VideoCallAccept:            func() Payload { return &AcceptCall{} },
	VideoCallReject:            func() Payload { return &RejectCall{} },
	VideoCallEnd:               func() Payload { return &EndCall{} },
	VideoCallAccepted:          func() Payload { return &CallAccepted{} },
	VideoCallRejected:          func() Payload { return &CallRejected{} },
	VideoCallEnded:             func() Payload { return &CallEnded{} },
	VideoCallParticipantJoined: func() Payload { return &ParticipantJoined{} },
	VideoCallParticipantLeft:   func() Payload { return &ParticipantLeft{} },
	VideoCallOffer:             func() Payload { return &Offer{} },
	VideoCallAnswer:            func() Payload { return &Answer{} },
	VideoCallICECandidate:      func() Payload { return &ICECandidate{} },
	VideoCallError:             func() Payload { return &CallError{} },
	RoomJoin:                   func() Payload { return &JoinRoom{} },
	RoomLeave:                  func() Payload { return &LeaveRoom{} },
	ConversationUserJoined:     func() Payload { return &UserJoined{} },
	ConversationUserLeft:       func() Payload { return &UserLeft{} },
	MessageNew:                 func() Payload { return &MessageCreated{} },
	MessageDeleted:             func() Payload { return &MessageRemoved{} },
	MessagePinned:              func() Payload { return &MessagePinChanged{Pinned: true} },
	MessageUnpinned:            func() Payload { return &MessagePinChanged{} },
}

// Decodes the payload of the given event into its typed representation.
// The returned value is always a pointer to one of the payload structs of this package.
// Payloads with missing required fields are rejected with `ErrMalformedPayload`, so that
// they never reach the state machines of the receivers.
func Decode(name string, data json.RawMessage) (Payload, error) {
	newPayload, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty payload", ErrMalformedPayload, name)
	}

	payload := newPayload()
	if err := json.Unmarshal(data, payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, name, err)
	}

	if v, ok := payload.(validator); ok {
		if err := v.validate(); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, name, err)
		}
	}

	return payload, nil
}

// Checks whether the name belongs to the known vocabulary.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

func required(fields ...[2]string) error {
	for _, f := range fields {
		if f[1] == "" {
			return fmt.Errorf("missing %s", f[0])
		}
	}
	return nil
}

func field(name, value string) [2]string {
	return [2]string{name, value}
}

func (p *InitiateCall) validate() error {
	return required(field("conversationId", p.ConversationID), field("targetUserId", p.TargetUserID))
}

func (p *CallInitiated) validate() error { return required(field("callId", p.CallID)) }

func (p *IncomingCall) validate() error {
	return required(field("callId", p.CallID), field("callerId", p.CallerID))
}

func (p *AcceptCall) validate() error        { return required(field("callId", p.CallID)) }
func (p *RejectCall) validate() error        { return required(field("callId", p.CallID)) }
func (p *EndCall) validate() error           { return required(field("callId", p.CallID)) }
func (p *CallAccepted) validate() error      { return required(field("callId", p.CallID)) }
func (p *CallRejected) validate() error      { return required(field("callId", p.CallID)) }
func (p *CallEnded) validate() error         { return required(field("callId", p.CallID)) }
func (p *ParticipantJoined) validate() error { return required(field("callId", p.CallID), field("userId", p.UserID)) }
func (p *ParticipantLeft) validate() error   { return required(field("callId", p.CallID), field("userId", p.UserID)) }
func (p *CallError) validate() error         { return required(field("error", p.Message)) }
func (p *JoinRoom) validate() error          { return required(field("room", p.Room)) }
func (p *LeaveRoom) validate() error         { return required(field("room", p.Room)) }

func (p *UserJoined) validate() error {
	return required(field("conversationId", p.ConversationID), field("userId", p.UserID))
}

func (p *UserLeft) validate() error {
	return required(field("conversationId", p.ConversationID), field("userId", p.UserID))
}

func (p *Offer) validate() error {
	return required(field("callId", p.CallID), field("offer.sdp", p.Offer.SDP))
}

func (p *Answer) validate() error {
	return required(field("callId", p.CallID), field("answer.sdp", p.Answer.SDP))
}

// An empty candidate string is allowed here: it marks the end of gathering and
// the peer connection manager drops it.
func (p *ICECandidate) validate() error { return required(field("callId", p.CallID)) }

func (p *MessageCreated) validate() error {
	return required(field("id", p.ID), field("conversationId", p.ConversationID))
}

func (p *MessageRemoved) validate() error {
	return required(field("conversationId", p.ConversationID), field("messageId", p.MessageID))
}

func (p *MessagePinChanged) validate() error {
	return required(field("conversationId", p.ConversationID), field("messageId", p.MessageID))
}
