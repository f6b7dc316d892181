package events_test

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Offer(t *testing.T) {
	raw := json.RawMessage(`{"callId":"c1","targetUserId":"bob","fromUserId":"alice","offer":{"type":"offer","sdp":"v=0"}}`)

	payload, err := events.Decode(events.VideoCallOffer, raw)
	require.NoError(t, err)

	offer, ok := payload.(*events.Offer)
	require.True(t, ok)
	assert.Equal(t, "c1", offer.CallID)
	assert.Equal(t, "alice", offer.FromUserID)
	assert.Equal(t, webrtc.SDPTypeOffer, offer.Offer.Type)
	assert.Equal(t, events.VideoCallOffer, offer.EventName())
}

func TestDecode_RejectsMalformedPayloads(t *testing.T) {
	cases := map[string]string{
		events.VideoCallAccept:       `{}`,
		events.VideoCallOffer:        `{"callId":"c1","offer":{"type":"offer","sdp":""}}`,
		events.VideoCallAnswer:       `{"callId":"c1","answer":{"type":"bogus","sdp":"v=0"}}`,
		events.VideoCallIncoming:     `{"callId":"c1"}`,
		events.VideoCallError:        `{"callId":"c1"}`,
		events.MessageNew:            `{"text":"hi"}`,
		events.VideoCallICECandidate: `not json`,
	}

	for name, raw := range cases {
		_, err := events.Decode(name, json.RawMessage(raw))
		assert.ErrorIs(t, err, events.ErrMalformedPayload, name)
	}
}

func TestDecode_EmptyPayload(t *testing.T) {
	_, err := events.Decode(events.VideoCallEnd, nil)
	assert.ErrorIs(t, err, events.ErrMalformedPayload)
}

func TestDecode_UnknownEvent(t *testing.T) {
	_, err := events.Decode("video-call:teleport", json.RawMessage(`{}`))
	assert.ErrorIs(t, err, events.ErrUnknownEvent)
	assert.False(t, events.Known("video-call:teleport"))
	assert.True(t, events.Known(events.VideoCallInitiate))
}

func TestDecode_CandidateWithoutCandidateString(t *testing.T) {
	payload, err := events.Decode(events.VideoCallICECandidate, json.RawMessage(`{"callId":"c1","candidate":{}}`))
	require.NoError(t, err)
	assert.Empty(t, payload.(*events.ICECandidate).Candidate.Candidate)
}

func TestDecode_PinEventsCarryDirection(t *testing.T) {
	raw := json.RawMessage(`{"conversationId":"conv","messageId":"m1"}`)

	pinned, err := events.Decode(events.MessagePinned, raw)
	require.NoError(t, err)
	assert.True(t, pinned.(*events.MessagePinChanged).Pinned)
	assert.Equal(t, events.MessagePinned, pinned.EventName())

	unpinned, err := events.Decode(events.MessageUnpinned, raw)
	require.NoError(t, err)
	assert.False(t, unpinned.(*events.MessagePinChanged).Pinned)
	assert.Equal(t, events.MessageUnpinned, unpinned.EventName())
}

func TestDecode_MessageCreated(t *testing.T) {
	raw := json.RawMessage(`{"id":"m1","conversationId":"conv","sender":"alice","text":"hello","createdAt":"2024-01-02T03:04:05Z"}`)

	payload, err := events.Decode(events.MessageNew, raw)
	require.NoError(t, err)

	created := payload.(*events.MessageCreated)
	assert.Equal(t, "m1", created.ID)
	assert.Equal(t, "hello", created.Text)
	assert.Equal(t, 2024, created.CreatedAt.Year())
}
