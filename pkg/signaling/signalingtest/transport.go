// Package signalingtest provides an in-memory signaling transport for tests.
package signalingtest

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/signaling"
)

// A transport that records every emitted event and lets the test deliver
// incoming events as if they came from the relay.
type Transport struct {
	*signaling.Dispatcher

	mutex   sync.Mutex
	emitted []events.Payload
	closed  bool
}

func NewTransport() *Transport {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	return &Transport{Dispatcher: signaling.NewDispatcher(logrus.NewEntry(logger))}
}

func (t *Transport) Emit(payload events.Payload) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.closed {
		return signaling.ErrTransportClosed
	}

	t.emitted = append(t.emitted, payload)
	return nil
}

// Simulates an event coming from the relay. The raw JSON goes through the very
// same decoding and validation as the websocket transport.
func (t *Transport) Receive(event string, data string) {
	t.Dispatch(signaling.Envelope{Event: event, Data: json.RawMessage(data)})
}

// Makes every further emit fail.
func (t *Transport) Close() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.closed = true
}

// Returns a copy of the emitted payloads.
func (t *Transport) Emitted() []events.Payload {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return append([]events.Payload(nil), t.emitted...)
}

// Returns the emitted payloads of the given event.
func (t *Transport) EmittedOf(event string) []events.Payload {
	var result []events.Payload
	for _, payload := range t.Emitted() {
		if payload.EventName() == event {
			result = append(result, payload)
		}
	}
	return result
}

// Returns the most recently emitted payload or nil.
func (t *Transport) Last() events.Payload {
	emitted := t.Emitted()
	if len(emitted) == 0 {
		return nil
	}
	return emitted[len(emitted)-1]
}
