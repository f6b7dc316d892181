package call

import "slices"

type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateRinging    State = "ringing"
	StateConnecting State = "connecting"
	StateConnected  State = "connected"
	StateEnded      State = "ended"
	StateFailed     State = "failed"
	StateRejected   State = "rejected"
)

// Whether the call is over.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed || s == StateRejected
}

// Whether a call is being set up or running.
func (s State) Active() bool {
	return s != StateIdle && !s.Terminal()
}

type Participant struct {
	UserID         string
	IsVideoEnabled bool
	IsAudioEnabled bool
}

// Snapshot of a call. The caller is always the first participant.
type Session struct {
	CallID         string
	ConversationID string
	Participants   []Participant
	State          State
	IsInitiator    bool
	IsVideoCall    bool
}

// The participant on the other end of the call.
func (s Session) Remote(localUserID string) (Participant, bool) {
	for _, p := range s.Participants {
		if p.UserID != localUserID {
			return p, true
		}
	}
	return Participant{}, false
}

func (s Session) clone() Session {
	s.Participants = slices.Clone(s.Participants)
	return s
}

func (s *Session) participant(userID string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].UserID == userID {
			return &s.Participants[i]
		}
	}
	return nil
}
