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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
)

var ErrInvalidURL = errors.New("invalid signaling URL")

// Ensure the websocket transport implements the transport interface.
var _ Transport = (*WebSocketTransport)(nil)

// A persistent websocket connection to the relay that re-establishes itself
// when the connection drops. Rooms joined through the transport are re-joined
// after every reconnect.
type WebSocketTransport struct {
	logger     *logrus.Entry
	config     Config
	url        string
	dialer     websocket.Dialer
	dispatcher *Dispatcher

	ctx       context.Context //nolint:containedctx
	ctxCancel context.CancelFunc
	sendCh    chan Envelope
	closedCh  chan struct{}
	closeOnce sync.Once

	connMutex sync.Mutex
	conn      *websocket.Conn

	roomsMutex sync.Mutex
	rooms      map[string]struct{}
}

// Connects to the relay authenticating with the given token. Returns an error if the
// initial connection could not be established, later failures are retried in the background.
func Dial(ctx context.Context, config Config, token string, logger *logrus.Entry) (*WebSocketTransport, error) {
	endpoint, err := url.Parse(config.URL)
	if err != nil || (endpoint.Scheme != "ws" && endpoint.Scheme != "wss") {
		logger.WithField("url", config.URL).Error("signaling URL must be a ws:// or wss:// URL")
		return nil, ErrInvalidURL
	}

	query := endpoint.Query()
	query.Set("token", token)
	endpoint.RawQuery = query.Encode()

	if config.SendQueueSize <= 0 {
		config.SendQueueSize = DefaultConfig().SendQueueSize
	}

	runCtx, cancel := context.WithCancel(context.Background())
	transport := &WebSocketTransport{
		logger:     logger,
		config:     config,
		url:        endpoint.String(),
		dialer:     websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		dispatcher: NewDispatcher(logger),
		ctx:        runCtx,
		ctxCancel:  cancel,
		sendCh:     make(chan Envelope, config.SendQueueSize),
		closedCh:   make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}

	conn, err := transport.connect(ctx)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("initial signaling connection failed: %w", err)
	}

	go transport.run(conn)

	return transport, nil
}

// Subscribes to the event.
func (t *WebSocketTransport) On(event string, handler Handler) func() {
	return t.dispatcher.On(event, handler)
}

// Queues the event for delivery. Events queued while the connection is down
// are sent once it is back.
func (t *WebSocketTransport) Emit(payload events.Payload) error {
	if t.ctx.Err() != nil {
		return ErrTransportClosed
	}

	envelope, err := NewEnvelope(payload)
	if err != nil {
		t.logger.WithError(err).Error("failed to encode event")
		return err
	}

	select {
	case t.sendCh <- envelope:
		return nil
	case <-t.ctx.Done():
		return ErrTransportClosed
	default:
		t.logger.WithField("event", envelope.Event).Warn("send queue is full, dropping event")
		return ErrSendQueueFull
	}
}

// Joins a room (e.g. a conversation), so that room-scoped broadcasts are delivered to us.
func (t *WebSocketTransport) Join(room string) error {
	t.roomsMutex.Lock()
	t.rooms[room] = struct{}{}
	t.roomsMutex.Unlock()

	return t.Emit(events.JoinRoom{Room: room})
}

// Leaves a previously joined room.
func (t *WebSocketTransport) Leave(room string) error {
	t.roomsMutex.Lock()
	delete(t.rooms, room)
	t.roomsMutex.Unlock()

	return t.Emit(events.LeaveRoom{Room: room})
}

// Closes the transport. Safe to call more than once.
func (t *WebSocketTransport) Close() {
	t.closeOnce.Do(func() {
		t.ctxCancel()
		t.disconnect()

		select {
		case <-t.closedCh:
		case <-time.After(2 * time.Second):
			t.logger.Warn("signaling transport close timed out")
		}
	})
}

// Establishes a websocket connection to the relay.
func (t *WebSocketTransport) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	t.connMutex.Lock()
	t.conn = conn
	t.connMutex.Unlock()

	t.logger.Info("connected to the signaling relay")
	return conn, nil
}

// Tries to reconnect with an exponential backoff until it succeeds or the transport is closed.
func (t *WebSocketTransport) reconnect() *websocket.Conn {
	strategy := backoff.NewExponentialBackOff()
	strategy.InitialInterval = time.Second
	strategy.MaxInterval = time.Duration(t.config.MaxReconnectDelay) * time.Second
	strategy.MaxElapsedTime = 0

	var conn *websocket.Conn
	err := backoff.RetryNotify(func() error {
		var err error
		conn, err = t.connect(t.ctx)
		return err
	}, backoff.WithContext(strategy, t.ctx), func(err error, delay time.Duration) {
		t.logger.WithError(err).Warnf("reconnect failed, retrying in %v", delay)
	})
	if err != nil {
		return nil
	}

	return conn
}

// Closes the current connection, if any.
func (t *WebSocketTransport) disconnect() {
	t.connMutex.Lock()
	defer t.connMutex.Unlock()

	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
		t.logger.Info("disconnected from the signaling relay")
	}
}

// The connection lifecycle: serve the connection until it breaks, then reconnect
// and re-join the rooms. Returns once the transport is closed.
func (t *WebSocketTransport) run(conn *websocket.Conn) {
	defer close(t.closedCh)

	for {
		t.serve(conn)
		t.disconnect()

		if t.ctx.Err() != nil {
			return
		}

		if conn = t.reconnect(); conn == nil {
			return
		}

		t.rejoinRooms()
	}
}

// Runs the read and write loops of a single connection until one of them fails.
func (t *WebSocketTransport) serve(conn *websocket.Conn) {
	done := make(chan struct{})
	errCh := make(chan error, 2)

	beat := heartbeat{
		Interval: time.Duration(t.config.PingInterval) * time.Second,
		Timeout:  time.Duration(t.config.PongTimeout) * time.Second,
		SendPing: func() bool {
			return conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)) == nil
		},
		OnTimeout: func() {
			t.logger.Warn("relay stopped answering pings")
			conn.Close()
		},
	}

	if beat.Interval > 0 {
		pongs := beat.Start(done)
		conn.SetPongHandler(func(string) error {
			select {
			case pongs <- pong{}:
			default:
			}
			return nil
		})
	}

	go t.readLoop(conn, errCh)
	go t.writeLoop(conn, done, errCh)

	select {
	case err := <-errCh:
		t.logger.WithError(err).Warn("signaling connection error")
	case <-t.ctx.Done():
	}

	close(done)
	conn.Close()
}

func (t *WebSocketTransport) readLoop(conn *websocket.Conn, errCh chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errCh <- fmt.Errorf("read failed: %w", err)
			return
		}

		var envelope Envelope
		if err := json.Unmarshal(data, &envelope); err != nil || envelope.Event == "" {
			t.logger.Warn("dropping malformed envelope")
			continue
		}

		t.dispatcher.Dispatch(envelope)
	}
}

func (t *WebSocketTransport) writeLoop(conn *websocket.Conn, done <-chan struct{}, errCh chan<- error) {
	for {
		select {
		case envelope := <-t.sendCh:
			if err := conn.WriteJSON(envelope); err != nil {
				errCh <- fmt.Errorf("write of %s failed: %w", envelope.Event, err)
				return
			}
		case <-done:
			return
		}
	}
}

func (t *WebSocketTransport) rejoinRooms() {
	t.roomsMutex.Lock()
	rooms := make([]string, 0, len(t.rooms))
	for room := range t.rooms {
		rooms = append(rooms, room)
	}
	t.roomsMutex.Unlock()

	for _, room := range rooms {
		if err := t.Emit(events.JoinRoom{Room: room}); err != nil {
			t.logger.WithError(err).WithField("room", room).Warn("failed to re-join room")
		}
	}
}
