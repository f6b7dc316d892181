package relay

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Reasons for rejecting a call action. They are sent back to the client as `video-call:error`.
var (
	ErrSelfCall       = errors.New("cannot call yourself")
	ErrUserOffline    = errors.New("user is offline")
	ErrCallerBusy     = errors.New("already in a call")
	ErrTargetBusy     = errors.New("user is busy")
	ErrCallNotFound   = errors.New("call not found")
	ErrNotParticipant = errors.New("not part of this call")
	ErrOnlyTarget     = errors.New("only the called user can accept")
	ErrNotRinging     = errors.New("call is not ringing")
	ErrNotActive      = errors.New("call is not active")
	ErrWrongRecipient = errors.New("target is not the other participant")
)

type CallStatus string

const (
	CallRinging CallStatus = "ringing"
	CallActive  CallStatus = "active"
)

type Call struct {
	ID             string
	ConversationID string
	CallerID       string
	TargetID       string
	IsVideoCall    bool
	Status         CallStatus
	CreatedAt      time.Time
}

// The participant that is not `userID`.
func (c Call) Other(userID string) string {
	if c.CallerID == userID {
		return c.TargetID
	}
	return c.CallerID
}

func (c Call) hasParticipant(userID string) bool {
	return c.CallerID == userID || c.TargetID == userID
}

// In-memory registry of the one-to-one calls. A user takes part in at most one call.
type Calls struct {
	mutex     sync.RWMutex
	calls     map[string]*Call
	userCalls map[string]string
	online    func(userID string) bool
}

// Creates the registry. `online` tells whether a user has at least one open connection.
func NewCalls(online func(userID string) bool) *Calls {
	return &Calls{
		calls:     make(map[string]*Call),
		userCalls: make(map[string]string),
		online:    online,
	}
}

// Starts ringing the target. Both users count as busy from now on.
func (c *Calls) Initiate(callerID, targetID, conversationID string, video bool) (Call, error) {
	if callerID == targetID {
		return Call{}, ErrSelfCall
	}

	if !c.online(targetID) {
		return Call{}, ErrUserOffline
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if _, busy := c.userCalls[callerID]; busy {
		return Call{}, ErrCallerBusy
	}
	if _, busy := c.userCalls[targetID]; busy {
		return Call{}, ErrTargetBusy
	}

	call := &Call{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		CallerID:       callerID,
		TargetID:       targetID,
		IsVideoCall:    video,
		Status:         CallRinging,
		CreatedAt:      time.Now().UTC(),
	}

	c.calls[call.ID] = call
	c.userCalls[callerID] = call.ID
	c.userCalls[targetID] = call.ID

	return *call, nil
}

// Only the called user can accept, and only while the call is ringing.
func (c *Calls) Accept(userID, callID string) (Call, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if call.TargetID != userID {
		return Call{}, ErrOnlyTarget
	}
	if call.Status != CallRinging {
		return Call{}, ErrNotRinging
	}

	call.Status = CallActive
	return *call, nil
}

// Removes the call on behalf of one of its participants (reject or hang up).
func (c *Calls) Finish(userID, callID string) (Call, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	call, ok := c.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if !call.hasParticipant(userID) {
		return Call{}, ErrNotParticipant
	}

	c.removeLocked(call)
	return *call, nil
}

// Checks that a negotiation message from `userID` to `targetID` may be relayed.
func (c *Calls) Route(userID, callID, targetID string) (Call, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	call, ok := c.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	if !call.hasParticipant(userID) {
		return Call{}, ErrNotParticipant
	}
	if call.Status != CallActive {
		return Call{}, ErrNotActive
	}
	if targetID != "" && call.Other(userID) != targetID {
		return Call{}, ErrWrongRecipient
	}

	return *call, nil
}

// Ends the call of a user that went offline. Returns false if the user wasn't in a call.
func (c *Calls) Disconnect(userID string) (Call, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	callID, ok := c.userCalls[userID]
	if !ok {
		return Call{}, false
	}

	call, ok := c.calls[callID]
	if !ok {
		delete(c.userCalls, userID)
		return Call{}, false
	}

	c.removeLocked(call)
	return *call, true
}

// The call the user takes part in, if any.
func (c *Calls) Of(userID string) (Call, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	callID, ok := c.userCalls[userID]
	if !ok {
		return Call{}, false
	}

	call, ok := c.calls[callID]
	if !ok {
		return Call{}, false
	}
	return *call, true
}

func (c *Calls) removeLocked(call *Call) {
	delete(c.calls, call.ID)
	delete(c.userCalls, call.CallerID)
	delete(c.userCalls, call.TargetID)
}
