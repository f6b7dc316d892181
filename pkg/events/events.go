package events

import (
	"time"

	"github.com/pion/webrtc/v4"
)

// Names of the events exchanged over the signaling transport.
const (
	VideoCallInitiate          = "video-call:initiate"
	VideoCallInitiated         = "video-call:initiated"
	VideoCallIncoming          = "video-call:incoming"
	VideoCallAccept            = "video-call:accept"
	VideoCallAccepted          = "video-call:accepted"
	VideoCallReject            = "video-call:reject"
	VideoCallRejected          = "video-call:rejected"
	VideoCallEnd               = "video-call:end"
	VideoCallEnded             = "video-call:ended"
	VideoCallOffer             = "video-call:offer"
	VideoCallAnswer            = "video-call:answer"
	VideoCallICECandidate      = "video-call:ice-candidate"
	VideoCallParticipantJoined = "video-call:participant-joined"
	VideoCallParticipantLeft   = "video-call:participant-left"
	VideoCallError             = "video-call:error"

	RoomJoin  = "room:join"
	RoomLeave = "room:leave"

	ConversationUserJoined = "conversation:user-joined"
	ConversationUserLeft   = "conversation:user-left"

	MessageNew      = "message:new"
	MessageDeleted  = "message:deleted"
	MessagePinned   = "message:pinned"
	MessageUnpinned = "message:unpinned"
)

// Status reported by the relay once a call has been registered.
const CallStatusRinging = "ringing"

// Every payload that travels over the signaling transport implements this interface.
// Since Go does not support ADTs, the receivers switch on the concrete type.
type Payload interface {
	EventName() string
}

// Request to start a call with another participant of a conversation.
type InitiateCall struct {
	ConversationID string `json:"conversationId"`
	TargetUserID   string `json:"targetUserId"`
	IsVideoCall    bool   `json:"isVideoCall"`
}

// The relay registered the call and started ringing the callee.
type CallInitiated struct {
	CallID string `json:"callId"`
	Status string `json:"status"`
}

// Someone is calling us.
type IncomingCall struct {
	CallID         string `json:"callId"`
	ConversationID string `json:"conversationId"`
	CallerID       string `json:"callerId"`
	IsVideoCall    bool   `json:"isVideoCall"`
}

type AcceptCall struct {
	CallID string `json:"callId"`
}

type RejectCall struct {
	CallID string `json:"callId"`
}

type EndCall struct {
	CallID string `json:"callId"`
}

// The callee accepted the call.
type CallAccepted struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// The callee rejected the call.
type CallRejected struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// The other party hung up.
type CallEnded struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type ParticipantJoined struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type ParticipantLeft struct {
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

// SDP offer relayed to the other party. `FromUserID` is filled in by the relay.
type Offer struct {
	CallID       string                    `json:"callId"`
	TargetUserID string                    `json:"targetUserId"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	Offer        webrtc.SessionDescription `json:"offer"`
}

// SDP answer relayed to the other party. `FromUserID` is filled in by the relay.
type Answer struct {
	CallID       string                    `json:"callId"`
	TargetUserID string                    `json:"targetUserId"`
	FromUserID   string                    `json:"fromUserId,omitempty"`
	Answer       webrtc.SessionDescription `json:"answer"`
}

// Trickled ICE candidate relayed to the other party.
type ICECandidate struct {
	CallID       string                  `json:"callId"`
	TargetUserID string                  `json:"targetUserId"`
	FromUserID   string                  `json:"fromUserId,omitempty"`
	Candidate    webrtc.ICECandidateInit `json:"candidate"`
}

// Error reported by the relay, e.g. when the callee is offline or busy.
type CallError struct {
	Message string `json:"error"`
	CallID  string `json:"callId,omitempty"`
}

type JoinRoom struct {
	Room string `json:"room"`
}

type LeaveRoom struct {
	Room string `json:"room"`
}

type UserJoined struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type UserLeft struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

// Wire representation of a conversation message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Sender         string    `json:"sender"`
	Text           string    `json:"text,omitempty"`
	Media          []string  `json:"media,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	IsPin          bool      `json:"isPin,omitempty"`
	ReadBy         []string  `json:"readBy,omitempty"`
}

// A new message has been posted to a conversation.
type MessageCreated struct {
	Message
}

// Reference to a message that has been deleted, pinned or unpinned.
type MessageRef struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

type MessageRemoved struct {
	MessageRef
}

type MessagePinChanged struct {
	MessageRef
	Pinned bool `json:"-"`
}

func (InitiateCall) EventName() string      { return VideoCallInitiate }
func (CallInitiated) EventName() string     { return VideoCallInitiated }
func (IncomingCall) EventName() string      { return VideoCallIncoming }
func (AcceptCall) EventName() string        { return VideoCallAccept }
func (RejectCall) EventName() string        { return VideoCallReject }
func (EndCall) EventName() string           { return VideoCallEnd }
func (CallAccepted) EventName() string      { return VideoCallAccepted }
func (CallRejected) EventName() string      { return VideoCallRejected }
func (CallEnded) EventName() string         { return VideoCallEnded }
func (ParticipantJoined) EventName() string { return VideoCallParticipantJoined }
func (ParticipantLeft) EventName() string   { return VideoCallParticipantLeft }
func (Offer) EventName() string             { return VideoCallOffer }
func (Answer) EventName() string            { return VideoCallAnswer }
func (ICECandidate) EventName() string      { return VideoCallICECandidate }
func (CallError) EventName() string         { return VideoCallError }
func (JoinRoom) EventName() string          { return RoomJoin }
func (LeaveRoom) EventName() string         { return RoomLeave }
func (UserJoined) EventName() string        { return ConversationUserJoined }
func (UserLeft) EventName() string          { return ConversationUserLeft }
func (MessageCreated) EventName() string    { return MessageNew }
func (MessageRemoved) EventName() string    { return MessageDeleted }

func (m MessagePinChanged) EventName() string {
	if m.Pinned {
		return MessagePinned
	}
	return MessageUnpinned
}

// Name of the relay room that receives the events of a conversation.
func ConversationRoom(conversationID string) string {
	return "conversation:" + conversationID
}
