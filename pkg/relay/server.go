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
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/ice"
)

var (
	ErrUnsupportedEvent = errors.New("unsupported event")
	ErrRoomForbidden    = errors.New("not allowed to join this room")
)

const conversationRoomPrefix = "conversation:"

// The signaling relay: authenticates the clients, keeps track of the calls and
// forwards the negotiation between the two parties of a call.
type Server struct {
	logger   *logrus.Entry
	config   Config
	auth     *Authenticator
	hub      *Hub
	calls    *Calls
	clock    clock.Clock
	upgrader websocket.Upgrader
}

func NewServer(config Config, auth *Authenticator, clk clock.Clock, logger *logrus.Entry) *Server {
	if clk == nil {
		clk = clock.New()
	}

	hub := NewHub(logger.WithField("component", "hub"))

	server := &Server{
		logger: logger,
		config: config,
		auth:   auth,
		hub:    hub,
		calls:  NewCalls(hub.Online),
		clock:  clk,
	}

	server.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     server.checkOrigin,
	}

	return server
}

// The HTTP handler serving the websocket endpoint and the ICE servers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleConnection)
	mux.HandleFunc("GET /api/ice-servers", s.handleICEServers)
	mux.HandleFunc("POST /api/publish", s.handlePublish)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	})

	return corsHandler.Handler(mux)
}

// Serves until the context is cancelled, then closes all connections.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.config.ListenAddress,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("address", s.config.ListenAddress).Info("relay is listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down the relay")
	s.hub.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}

// Pushes an event to every member of a room, e.g. a new message to a conversation.
func (s *Server) Publish(room string, payload events.Payload) error {
	if room == "" {
		return errors.New("room must not be empty")
	}

	s.hub.Broadcast(room, payload, nil)
	return nil
}

// Checks whether the user has at least one open connection.
func (s *Server) Online(userID string) bool {
	return s.hub.Online(userID)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.config.AllowedOrigins) == 0 {
		return true
	}

	return slices.Contains(s.config.AllowedOrigins, "*") || slices.Contains(s.config.AllowedOrigins, origin)
}

func (s *Server) handleICEServers(w http.ResponseWriter, _ *http.Request) {
	servers := s.config.ICEServers
	if servers == nil {
		servers = []ice.Server{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(ice.Response{ICEServers: servers}); err != nil {
		s.logger.WithError(err).Warn("failed to write ICE servers")
	}
}

type publishRequest struct {
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Lets the REST backend push conversation and message events to a room. The token's
// subject has to be one of the configured publishers.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	subject, err := s.auth.Authenticate(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !slices.Contains(s.config.Publishers, subject) {
		s.logger.WithField("subject", subject).Warn("rejecting publish from unknown publisher")
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	var request publishRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&request); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	if !strings.HasPrefix(request.Event, "message:") && !strings.HasPrefix(request.Event, "conversation:") {
		http.Error(w, ErrUnsupportedEvent.Error(), http.StatusBadRequest)
		return
	}

	payload, err := events.Decode(request.Event, request.Data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Publish(request.Room, payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.logger.WithFields(logrus.Fields{
		"room":  request.Room,
		"event": request.Event,
	}).Debug("published event")
	w.WriteHeader(http.StatusAccepted)
}

// Browsers can't send custom headers when upgrading, so the token comes as a query parameter.
func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	}

	userID, err := s.auth.Authenticate(token)
	if err != nil {
		s.logger.WithError(err).Debug("rejecting unauthenticated connection")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := newConnection(conn, userID, s.config, s.clock, s.logger)
	s.hub.register(c)
	c.logger.Info("user connected")

	c.readLoop(s.handle)

	c.close()
	s.disconnected(c)
}

// Cleans up after a closed connection. When the user has no connection left,
// the call they take part in is ended.
func (s *Server) disconnected(c *connection) {
	rooms, last := s.hub.unregister(c)

	for _, room := range rooms {
		s.announceLeave(c, room)
	}

	c.logger.Info("user disconnected")
	if !last {
		return
	}

	if call, ok := s.calls.Disconnect(c.userID); ok {
		c.logger.WithField("call_id", call.ID).Info("ending the call of the disconnected user")
		s.hub.SendToUser(call.Other(c.userID), events.CallEnded{CallID: call.ID, UserID: c.userID})
	}
}

func (s *Server) handle(c *connection, payload events.Payload) {
	var err error
	var callID string

	switch p := payload.(type) {
	case *events.InitiateCall:
		err = s.initiate(c, p)
	case *events.AcceptCall:
		callID, err = p.CallID, s.accept(c, p.CallID)
	case *events.RejectCall:
		callID, err = p.CallID, s.finish(c, p.CallID, func(call Call) events.Payload {
			return events.CallRejected{CallID: call.ID, UserID: c.userID}
		})
	case *events.EndCall:
		callID, err = p.CallID, s.finish(c, p.CallID, func(call Call) events.Payload {
			return events.CallEnded{CallID: call.ID, UserID: c.userID}
		})
	case *events.Offer:
		p.FromUserID = c.userID
		callID, err = p.CallID, s.route(c, p.CallID, p.TargetUserID, *p)
	case *events.Answer:
		p.FromUserID = c.userID
		callID, err = p.CallID, s.route(c, p.CallID, p.TargetUserID, *p)
	case *events.ICECandidate:
		p.FromUserID = c.userID
		callID, err = p.CallID, s.route(c, p.CallID, p.TargetUserID, *p)
	case *events.JoinRoom:
		if !s.config.mayJoin(c.userID, p.Room) {
			err = ErrRoomForbidden
		} else if s.hub.join(c, p.Room) {
			s.announceJoin(c, p.Room)
		}
	case *events.LeaveRoom:
		if s.hub.leave(c, p.Room) {
			s.announceLeave(c, p.Room)
		}
	default:
		err = ErrUnsupportedEvent
	}

	if err != nil {
		c.logger.WithError(err).WithFields(logrus.Fields{
			"event":   payload.EventName(),
			"call_id": callID,
		}).Info("rejecting event")
		c.sendPayload(events.CallError{Message: err.Error(), CallID: callID})
	}
}

func (s *Server) initiate(c *connection, p *events.InitiateCall) error {
	call, err := s.calls.Initiate(c.userID, p.TargetUserID, p.ConversationID, p.IsVideoCall)
	if err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"call_id":         call.ID,
		"conversation_id": call.ConversationID,
		"target_id":       call.TargetID,
	}).Info("call initiated")

	c.sendPayload(events.CallInitiated{CallID: call.ID, Status: events.CallStatusRinging})
	s.hub.SendToUser(call.TargetID, events.IncomingCall{
		CallID:         call.ID,
		ConversationID: call.ConversationID,
		CallerID:       call.CallerID,
		IsVideoCall:    call.IsVideoCall,
	})

	return nil
}

func (s *Server) accept(c *connection, callID string) error {
	call, err := s.calls.Accept(c.userID, callID)
	if err != nil {
		return err
	}

	c.logger.WithField("call_id", call.ID).Info("call accepted")

	s.hub.SendToUser(call.CallerID, events.CallAccepted{CallID: call.ID, UserID: c.userID})
	s.hub.SendToUser(call.CallerID, events.ParticipantJoined{CallID: call.ID, UserID: c.userID})
	return nil
}

// Rejects or ends a call and notifies the other party with the payload built by `notice`.
func (s *Server) finish(c *connection, callID string, notice func(Call) events.Payload) error {
	call, err := s.calls.Finish(c.userID, callID)
	if err != nil {
		return err
	}

	c.logger.WithField("call_id", call.ID).Info("call finished")

	s.hub.SendToUser(call.Other(c.userID), notice(call))
	return nil
}

func (s *Server) route(c *connection, callID, targetID string, payload events.Payload) error {
	call, err := s.calls.Route(c.userID, callID, targetID)
	if err != nil {
		return err
	}

	if !s.hub.SendToUser(call.Other(c.userID), payload) {
		return ErrUserOffline
	}

	return nil
}

func (s *Server) announceJoin(c *connection, room string) {
	if conversationID, ok := strings.CutPrefix(room, conversationRoomPrefix); ok {
		s.hub.Broadcast(room, events.UserJoined{ConversationID: conversationID, UserID: c.userID}, c)
	}
}

func (s *Server) announceLeave(c *connection, room string) {
	if conversationID, ok := strings.CutPrefix(room, conversationRoomPrefix); ok {
		s.hub.Broadcast(room, events.UserLeft{ConversationID: conversationID, UserID: c.userID}, c)
	}
}
