/*
Copyright 2024 The SocialHub Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
)

var (
	ErrTransportClosed = errors.New("signaling transport is closed")
	ErrSendQueueFull   = errors.New("signaling send queue is full")
)

// A callback that receives an already decoded and validated payload.
type Handler func(events.Payload)

// The bidirectional event channel between a client and the relay.
// Implementations decode incoming payloads at the boundary, so the handlers
// only ever see well-formed payloads of the event they subscribed to.
type Transport interface {
	// Queues an event for delivery. Never blocks.
	Emit(payload events.Payload) error
	// Subscribes a handler to the given event. The returned function removes the handler.
	On(event string, handler Handler) (off func())
}

// The frame that travels over the websocket.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Wraps the payload into an envelope.
func NewEnvelope(payload events.Payload) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", payload.EventName(), err)
	}

	return Envelope{Event: payload.EventName(), Data: data}, nil
}

// Keeps track of the handlers subscribed to each event and invokes them
// in the order of subscription.
type Dispatcher struct {
	logger *logrus.Entry

	mutex    sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
}

type subscription struct {
	id      uint64
	handler Handler
}

func NewDispatcher(logger *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		handlers: make(map[string][]subscription),
	}
}

// Subscribes a handler to the event. The returned function is safe to call more than once.
func (d *Dispatcher) On(event string, handler Handler) func() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.nextID++
	id := d.nextID
	d.handlers[event] = append(d.handlers[event], subscription{id, handler})

	return func() {
		d.mutex.Lock()
		defer d.mutex.Unlock()

		subscriptions := d.handlers[event]
		for i, s := range subscriptions {
			if s.id == id {
				d.handlers[event] = append(subscriptions[:i:i], subscriptions[i+1:]...)
				break
			}
		}

		if len(d.handlers[event]) == 0 {
			delete(d.handlers, event)
		}
	}
}

// Decodes the envelope and delivers the payload to the subscribed handlers.
// Unknown or malformed events are dropped.
func (d *Dispatcher) Dispatch(envelope Envelope) {
	logger := d.logger.WithField("event", envelope.Event)

	payload, err := events.Decode(envelope.Event, envelope.Data)
	if err != nil {
		if errors.Is(err, events.ErrUnknownEvent) {
			logger.Debug("ignoring unknown event")
		} else {
			logger.WithError(err).Warn("dropping malformed event")
		}
		return
	}

	d.Deliver(payload)
}

// Delivers an already decoded payload to the handlers subscribed to its event.
func (d *Dispatcher) Deliver(payload events.Payload) {
	d.mutex.RLock()
	subscriptions := append([]subscription(nil), d.handlers[payload.EventName()]...)
	d.mutex.RUnlock()

	for _, s := range subscriptions {
		s.handler(payload)
	}
}

// Number of handlers currently subscribed to the event.
func (d *Dispatcher) Subscribers(event string) int {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return len(d.handlers[event])
}
