package conversation

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/signaling"
)

var (
	ErrLoadInProgress  = errors.New("a page is already being loaded")
	ErrMessageNotFound = errors.New("message not found in the conversation")
	ErrEmptyDraft      = errors.New("message has neither text nor media")
)

// A message as shown in the conversation. Pending messages have been sent but not
// confirmed by the server yet, their id is temporary.
type Message struct {
	events.Message
	Pending bool `json:"-"`
}

type Conversation struct {
	ID           string   `json:"id"`
	Participants []string `json:"participants"`
	// Ids of the pinned messages, without duplicates, in pinning order.
	PinnedMessages []string `json:"pinnedMessages"`
	LastMessage    *Message `json:"lastMessage,omitempty"`
}

type Options struct {
	Conversation Conversation
	// The user on whose behalf messages are sent and read.
	UserID string
	API    API
	Config Config
	// Called once for every failed send, delete or pin operation.
	OnError func(error)
}

// Client keeps the local state of a single conversation: the newest-first message list,
// pagination, the pinned messages and the read marker. Local changes are applied
// optimistically and rolled back when the server rejects them.
type Client struct {
	logger  *logrus.Entry
	api     API
	config  Config
	userID  string
	onError func(error)

	mutex        sync.Mutex
	conversation Conversation
	messages     []Message
	page         int
	exhausted    bool
	loading      bool
	// The message for which a read receipt has been sent.
	readMarker    string
	subscriptions []func()
}

func NewClient(options Options, logger *logrus.Entry) *Client {
	if options.Config.HistoryPageSize <= 0 {
		options.Config.HistoryPageSize = HistoryPageSize
	}
	if options.Config.FeedPageSize <= 0 {
		options.Config.FeedPageSize = FeedPageSize
	}

	conversation := options.Conversation
	conversation.Participants = slices.Clone(conversation.Participants)
	conversation.PinnedMessages = dedupe(conversation.PinnedMessages)

	return &Client{
		logger:       logger.WithField("conversation_id", conversation.ID),
		api:          options.API,
		config:       options.Config,
		userID:       options.UserID,
		onError:      options.OnError,
		conversation: conversation,
	}
}

// Returns a copy of the messages, newest first.
func (c *Client) Messages() []Message {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return slices.Clone(c.messages)
}

// Returns a copy of the conversation metadata.
func (c *Client) Conversation() Conversation {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	conversation := c.conversation
	conversation.Participants = slices.Clone(c.conversation.Participants)
	conversation.PinnedMessages = slices.Clone(c.conversation.PinnedMessages)
	if c.conversation.LastMessage != nil {
		last := *c.conversation.LastMessage
		conversation.LastMessage = &last
	}
	return conversation
}

// Whether another page of the history may exist.
func (c *Client) HasMore() bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return !c.exhausted
}

// Loads the next (older) page of the history and appends it. Returns the number of
// messages added. Once a page comes back short, or the server says there is nothing
// more, no further requests are made.
func (c *Client) LoadNextPage(ctx context.Context) (int, error) {
	c.mutex.Lock()
	if c.exhausted {
		c.mutex.Unlock()
		return 0, nil
	}
	if c.loading {
		c.mutex.Unlock()
		return 0, ErrLoadInProgress
	}
	c.loading = true
	page := c.page + 1
	c.mutex.Unlock()

	result, err := c.api.History(ctx, c.conversation.ID, page, c.config.HistoryPageSize)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.loading = false

	if err != nil {
		c.logger.WithError(err).WithField("page", page).Warn("failed to load messages")
		return 0, err
	}

	added := 0
	for _, message := range result.Messages {
		if c.indexOfLocked(message.ID) >= 0 {
			continue
		}
		c.messages = append(c.messages, Message{Message: message})
		added++
	}

	c.page = page
	if len(result.Messages) < c.config.HistoryPageSize || (result.HasMore != nil && !*result.HasMore) {
		c.exhausted = true
	}

	if c.conversation.LastMessage == nil {
		c.repairLastMessageLocked()
	}

	c.logger.WithFields(logrus.Fields{"page": page, "added": added, "exhausted": c.exhausted}).Debug("messages loaded")
	return added, nil
}

// Returns the few newest messages for a feed-style preview without touching the history.
func (c *Client) Preview(ctx context.Context) ([]Message, error) {
	result, err := c.api.History(ctx, c.conversation.ID, 1, c.config.FeedPageSize)
	if err != nil {
		return nil, err
	}
	return wrap(result.Messages), nil
}

// Sends a message. It shows up immediately as pending and is replaced by the server's
// copy once confirmed. A rejected message is removed again and reported once.
func (c *Client) Send(ctx context.Context, draft Draft) (*Message, error) {
	if draft.Text == "" && len(draft.Media) == 0 {
		return nil, ErrEmptyDraft
	}

	pending := Message{
		Message: events.Message{
			ID:             "pending-" + uuid.NewString(),
			ConversationID: c.conversation.ID,
			Sender:         c.userID,
			Text:           draft.Text,
			Media:          slices.Clone(draft.Media),
			CreatedAt:      time.Now(),
		},
		Pending: true,
	}

	c.mutex.Lock()
	previousLast := c.conversation.LastMessage
	c.messages = slices.Insert(c.messages, 0, pending)
	c.conversation.LastMessage = &pending
	c.mutex.Unlock()

	sent, err := c.api.Send(ctx, c.conversation.ID, draft)

	c.mutex.Lock()
	index := c.indexOfLocked(pending.ID)
	if index >= 0 {
		c.messages = slices.Delete(c.messages, index, index+1)
	}

	if err != nil {
		if len(c.messages) > 0 {
			c.repairLastMessageLocked()
		} else {
			c.conversation.LastMessage = previousLast
		}
		c.mutex.Unlock()

		c.logger.WithError(err).Warn("failed to send message")
		c.reportError(err)
		return nil, err
	}

	confirmed := Message{Message: *sent}
	// The real-time copy might have been faster than the response.
	if c.indexOfLocked(sent.ID) < 0 {
		if index < 0 || index > len(c.messages) {
			index = 0
		}
		c.messages = slices.Insert(c.messages, index, confirmed)
	}
	c.repairLastMessageLocked()
	c.mutex.Unlock()

	return &confirmed, nil
}

// Deletes a message. It disappears immediately and is restored if the server refuses.
func (c *Client) Delete(ctx context.Context, messageID string) error {
	c.mutex.Lock()
	index := c.indexOfLocked(messageID)
	if index < 0 {
		c.mutex.Unlock()
		return ErrMessageNotFound
	}
	removed := c.messages[index]
	wasPinned := slices.Contains(c.conversation.PinnedMessages, messageID)
	c.messages = slices.Delete(c.messages, index, index+1)
	c.conversation.PinnedMessages = remove(c.conversation.PinnedMessages, messageID)
	c.repairLastMessageLocked()
	c.mutex.Unlock()

	if err := c.api.Delete(ctx, messageID); err != nil {
		c.mutex.Lock()
		if c.indexOfLocked(messageID) < 0 {
			c.messages = slices.Insert(c.messages, min(index, len(c.messages)), removed)
			if wasPinned {
				c.conversation.PinnedMessages = appendUnique(c.conversation.PinnedMessages, messageID)
			}
			c.repairLastMessageLocked()
		}
		c.mutex.Unlock()

		c.logger.WithError(err).WithField("message_id", messageID).Warn("failed to delete message")
		c.reportError(err)
		return err
	}

	return nil
}

// Pins a message. Pinning a pinned message is a no-op.
func (c *Client) Pin(ctx context.Context, messageID string) error {
	if c.isPinned(messageID) {
		return nil
	}

	if err := c.api.Pin(ctx, messageID); err != nil {
		c.logger.WithError(err).WithField("message_id", messageID).Warn("failed to pin message")
		c.reportError(err)
		return err
	}

	c.setPinned(messageID, true)
	return nil
}

// Unpins a message. Unpinning a message that isn't pinned is a no-op.
func (c *Client) Unpin(ctx context.Context, messageID string) error {
	if !c.isPinned(messageID) {
		return nil
	}

	if err := c.api.Unpin(ctx, messageID); err != nil {
		c.logger.WithError(err).WithField("message_id", messageID).Warn("failed to unpin message")
		c.reportError(err)
		return err
	}

	c.setPinned(messageID, false)
	return nil
}

// Fetches the pinned messages and replaces the local pinned set with them.
func (c *Client) LoadPinned(ctx context.Context) ([]Message, error) {
	pinned, err := c.api.Pinned(ctx, c.conversation.ID)
	if err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(pinned))
	for _, message := range pinned {
		ids = append(ids, message.ID)
	}

	c.mutex.Lock()
	c.conversation.PinnedMessages = dedupe(ids)
	for i := range c.messages {
		c.messages[i].IsPin = slices.Contains(c.conversation.PinnedMessages, c.messages[i].ID)
	}
	c.mutex.Unlock()

	return wrap(pinned), nil
}

func (c *Client) Search(ctx context.Context, query string) ([]Message, error) {
	if query == "" {
		return nil, nil
	}

	found, err := c.api.Search(ctx, c.conversation.ID, query)
	if err != nil {
		return nil, err
	}
	return wrap(found), nil
}

// Sends a read receipt for the newest confirmed message unless it has been sent already.
func (c *Client) MarkAsRead(ctx context.Context) error {
	c.mutex.Lock()
	var newest *Message
	for i := range c.messages {
		if !c.messages[i].Pending {
			newest = &c.messages[i]
			break
		}
	}

	if newest == nil || newest.ID == c.readMarker || slices.Contains(newest.ReadBy, c.userID) {
		c.mutex.Unlock()
		return nil
	}

	messageID := newest.ID
	c.readMarker = messageID
	c.mutex.Unlock()

	if err := c.api.MarkAsRead(ctx, c.conversation.ID, messageID); err != nil {
		c.mutex.Lock()
		if c.readMarker == messageID {
			c.readMarker = ""
		}
		c.mutex.Unlock()

		c.logger.WithError(err).Warn("failed to mark conversation as read")
		return err
	}

	c.mutex.Lock()
	if index := c.indexOfLocked(messageID); index >= 0 {
		c.messages[index].ReadBy = appendUnique(c.messages[index].ReadBy, c.userID)
	}
	c.mutex.Unlock()

	return nil
}

// Applies the real-time events of this conversation that arrive over the transport.
// If the transport supports rooms, the conversation room is joined.
func (c *Client) Subscribe(transport signaling.Transport) {
	c.Unsubscribe()

	subscriptions := []func(){
		transport.On(events.MessageNew, c.handleEvent),
		transport.On(events.MessageDeleted, c.handleEvent),
		transport.On(events.MessagePinned, c.handleEvent),
		transport.On(events.MessageUnpinned, c.handleEvent),
		transport.On(events.ConversationUserJoined, c.handleEvent),
		transport.On(events.ConversationUserLeft, c.handleEvent),
	}

	if rooms, ok := transport.(interface{ Join(room string) error }); ok {
		if err := rooms.Join(events.ConversationRoom(c.conversation.ID)); err != nil {
			c.logger.WithError(err).Warn("failed to join conversation room")
		}
	}

	c.mutex.Lock()
	c.subscriptions = subscriptions
	c.mutex.Unlock()
}

// Stops applying real-time events. Safe to call more than once.
func (c *Client) Unsubscribe() {
	c.mutex.Lock()
	subscriptions := c.subscriptions
	c.subscriptions = nil
	c.mutex.Unlock()

	for _, off := range subscriptions {
		off()
	}
}

func (c *Client) handleEvent(payload events.Payload) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	switch event := payload.(type) {
	case *events.MessageCreated:
		if event.ConversationID != c.conversation.ID || c.indexOfLocked(event.ID) >= 0 {
			return
		}
		c.messages = slices.Insert(c.messages, 0, Message{Message: event.Message})
		c.repairLastMessageLocked()
	case *events.MessageRemoved:
		if event.ConversationID != c.conversation.ID {
			return
		}
		if index := c.indexOfLocked(event.MessageID); index >= 0 {
			c.messages = slices.Delete(c.messages, index, index+1)
		}
		c.conversation.PinnedMessages = remove(c.conversation.PinnedMessages, event.MessageID)
		c.repairLastMessageLocked()
	case *events.MessagePinChanged:
		if event.ConversationID != c.conversation.ID {
			return
		}
		c.setPinnedLocked(event.MessageID, event.Pinned)
	case *events.UserJoined:
		if event.ConversationID == c.conversation.ID {
			c.conversation.Participants = appendUnique(c.conversation.Participants, event.UserID)
		}
	case *events.UserLeft:
		if event.ConversationID == c.conversation.ID {
			c.conversation.Participants = remove(c.conversation.Participants, event.UserID)
		}
	}
}

func (c *Client) isPinned(messageID string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	return slices.Contains(c.conversation.PinnedMessages, messageID)
}

func (c *Client) setPinned(messageID string, pinned bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.setPinnedLocked(messageID, pinned)
}

func (c *Client) setPinnedLocked(messageID string, pinned bool) {
	if pinned {
		c.conversation.PinnedMessages = appendUnique(c.conversation.PinnedMessages, messageID)
	} else {
		c.conversation.PinnedMessages = remove(c.conversation.PinnedMessages, messageID)
	}

	if index := c.indexOfLocked(messageID); index >= 0 {
		c.messages[index].IsPin = pinned
	}
}

// The last message is the newest one in the list, pending ones included.
func (c *Client) repairLastMessageLocked() {
	if len(c.messages) == 0 {
		c.conversation.LastMessage = nil
		return
	}

	last := c.messages[0]
	c.conversation.LastMessage = &last
}

func (c *Client) indexOfLocked(messageID string) int {
	return slices.IndexFunc(c.messages, func(m Message) bool { return m.ID == messageID })
}

func (c *Client) reportError(err error) {
	if c.onError != nil {
		c.onError(err)
	}
}

func wrap(messages []events.Message) []Message {
	result := make([]Message, 0, len(messages))
	for _, message := range messages {
		result = append(result, Message{Message: message})
	}
	return result
}

func appendUnique(values []string, value string) []string {
	if slices.Contains(values, value) {
		return values
	}
	return append(values, value)
}

func remove(values []string, value string) []string {
	return slices.DeleteFunc(values, func(v string) bool { return v == value })
}

func dedupe(values []string) []string {
	var result []string
	for _, value := range values {
		result = appendUnique(result, value)
	}
	return result
}
