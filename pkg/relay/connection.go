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

package relay

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/signaling"
	"github.com/socialhub/realtime/pkg/worker"
)

const (
	writeTimeout   = 5 * time.Second
	maxMessageSize = 64 * 1024
)

// A single websocket connection of an authenticated user.
type connection struct {
	logger *logrus.Entry
	userID string
	conn   *websocket.Conn

	// Outgoing frames. Pings are sent whenever the queue stays idle for the ping interval.
	outgoing *worker.Worker[[]byte]
	// Closes the connection if the peer stays silent for too long.
	watchdog *worker.Watchdog

	// Guarded by the hub mutex.
	rooms map[string]struct{}

	closeOnce sync.Once
}

func newConnection(
	conn *websocket.Conn,
	userID string,
	config Config,
	clk clock.Clock,
	logger *logrus.Entry,
) *connection {
	c := &connection{
		logger: logger.WithField("user_id", userID),
		userID: userID,
		conn:   conn,
		rooms:  make(map[string]struct{}),
	}

	c.outgoing = worker.Start(worker.Config[[]byte]{
		ChannelSize: config.SendQueueSize,
		Timeout:     time.Duration(config.PingInterval) * time.Second,
		OnTimeout:   c.ping,
		OnTask:      c.write,
		Clock:       clk,
	})

	c.watchdog = worker.StartWatchdog(time.Duration(config.IdleTimeout)*time.Second, clk, func() {
		c.logger.Warn("connection is idle for too long, closing it")
		c.close()
	})

	return c
}

// Queues a frame for delivery. A connection that cannot keep up is closed.
func (c *connection) send(data []byte) {
	if err := c.outgoing.Send(data); err != nil {
		if errors.Is(err, worker.ErrTooBusy) {
			c.logger.Warn("send queue is full, closing slow connection")
			c.close()
		}
	}
}

func (c *connection) sendPayload(payload events.Payload) {
	data, err := encode(payload)
	if err != nil {
		c.logger.WithError(err).Error("failed to encode event")
		return
	}

	c.send(data)
}

func (c *connection) write(data []byte) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}

	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.logger.WithError(err).Debug("write failed")
		c.close()
	}
}

func (c *connection) ping() {
	if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
		c.logger.WithError(err).Debug("ping failed")
		c.close()
	}
}

// Reads and decodes the incoming events until the connection breaks. Every valid payload
// is handed to `handle`, invalid ones are answered with `video-call:error`.
func (c *connection) readLoop(handle func(*connection, events.Payload)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.watchdog.Notify()
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).Info("connection closed unexpectedly")
			}
			return
		}

		c.watchdog.Notify()

		var envelope signaling.Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			c.logger.Warn("dropping malformed envelope")
			continue
		}

		payload, err := events.Decode(envelope.Event, envelope.Data)
		if err != nil {
			c.logger.WithError(err).WithField("event", envelope.Event).Warn("rejecting invalid event")
			c.sendPayload(events.CallError{Message: err.Error()})
			continue
		}

		handle(c, payload)
	}
}

// Closes the socket and stops the workers. Safe to call more than once.
func (c *connection) close() {
	c.closeOnce.Do(func() {
		c.conn.Close()
		c.outgoing.Stop()
		c.watchdog.Close()
	})
}
