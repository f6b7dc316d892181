package relay

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/signaling"
)

// Keeps track of the open connections of every user and of the rooms they joined.
// A user may be connected from several devices at once.
type Hub struct {
	logger *logrus.Entry

	mutex sync.RWMutex
	users map[string]map[*connection]struct{}
	rooms map[string]map[*connection]struct{}
}

func NewHub(logger *logrus.Entry) *Hub {
	return &Hub{
		logger: logger,
		users:  make(map[string]map[*connection]struct{}),
		rooms:  make(map[string]map[*connection]struct{}),
	}
}

// Checks whether the user has at least one open connection.
func (h *Hub) Online(userID string) bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()

	return len(h.users[userID]) > 0
}

// Delivers the payload to every connection of the user. Returns false if the user is offline.
func (h *Hub) SendToUser(userID string, payload events.Payload) bool {
	data, err := encode(payload)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode event")
		return false
	}

	h.mutex.RLock()
	targets := collect(h.users[userID], nil)
	h.mutex.RUnlock()

	for _, c := range targets {
		c.send(data)
	}

	return len(targets) > 0
}

// Delivers the payload to every member of the room except `except` (may be nil).
func (h *Hub) Broadcast(room string, payload events.Payload, except *connection) {
	data, err := encode(payload)
	if err != nil {
		h.logger.WithError(err).Error("failed to encode event")
		return
	}

	h.mutex.RLock()
	targets := collect(h.rooms[room], except)
	h.mutex.RUnlock()

	for _, c := range targets {
		c.send(data)
	}
}

func (h *Hub) register(c *connection) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	connections, ok := h.users[c.userID]
	if !ok {
		connections = make(map[*connection]struct{})
		h.users[c.userID] = connections
	}
	connections[c] = struct{}{}
}

// Removes the connection from the hub and from all of its rooms. Returns the rooms
// it was part of and whether it was the last connection of its user.
func (h *Hub) unregister(c *connection) (rooms []string, last bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	for room := range c.rooms {
		h.leaveLocked(c, room)
		rooms = append(rooms, room)
	}

	connections := h.users[c.userID]
	delete(connections, c)
	if len(connections) == 0 {
		delete(h.users, c.userID)
		return rooms, true
	}

	return rooms, false
}

// Adds the connection to the room. Returns false if it was there already.
func (h *Hub) join(c *connection, room string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := c.rooms[room]; ok {
		return false
	}

	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*connection]struct{})
		h.rooms[room] = members
	}

	members[c] = struct{}{}
	c.rooms[room] = struct{}{}
	return true
}

// Removes the connection from the room. Returns false if it was not a member.
func (h *Hub) leave(c *connection, room string) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if _, ok := c.rooms[room]; !ok {
		return false
	}

	h.leaveLocked(c, room)
	return true
}

func (h *Hub) leaveLocked(c *connection, room string) {
	delete(c.rooms, room)

	members := h.rooms[room]
	delete(members, c)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Closes every open connection.
func (h *Hub) Shutdown() {
	h.mutex.RLock()
	var all []*connection
	for _, connections := range h.users {
		all = append(all, collect(connections, nil)...)
	}
	h.mutex.RUnlock()

	for _, c := range all {
		c.close()
	}
}

func collect(set map[*connection]struct{}, except *connection) []*connection {
	result := make([]*connection, 0, len(set))
	for c := range set {
		if c != except {
			result = append(result, c)
		}
	}
	return result
}

func encode(payload events.Payload) ([]byte, error) {
	envelope, err := signaling.NewEnvelope(payload)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	return data, nil
}
