package conversation_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/socialhub/realtime/pkg/conversation"
	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/rest"
	"github.com/socialhub/realtime/pkg/signaling/signalingtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// An in-memory backend holding the conversation history, newest first.
type fakeAPI struct {
	mutex     sync.Mutex
	history   []events.Message
	hasMore   *bool
	pages     []int
	sendErr   error
	deleteErr error
	pinErr    error
	pins      int
	unpins    int
	reads     []string
	// Called before the send response is returned.
	beforeSendReturns func(*events.Message)
}

func (f *fakeAPI) Send(_ context.Context, conversationID string, draft conversation.Draft) (*events.Message, error) {
	f.mutex.Lock()
	if f.sendErr != nil {
		f.mutex.Unlock()
		return nil, f.sendErr
	}
	message := &events.Message{
		ID:             fmt.Sprintf("m%d", len(f.history)+1),
		ConversationID: conversationID,
		Sender:         "alice",
		Text:           draft.Text,
		CreatedAt:      time.Now(),
	}
	f.history = append([]events.Message{*message}, f.history...)
	hook := f.beforeSendReturns
	f.mutex.Unlock()

	if hook != nil {
		hook(message)
	}
	return message, nil
}

func (f *fakeAPI) Delete(context.Context, string) error {
	return f.deleteErr
}

func (f *fakeAPI) History(_ context.Context, _ string, page, pageSize int) (conversation.Page, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.pages = append(f.pages, page)

	start := min((page-1)*pageSize, len(f.history))
	end := min(start+pageSize, len(f.history))
	return conversation.Page{Messages: append([]events.Message(nil), f.history[start:end]...), HasMore: f.hasMore}, nil
}

func (f *fakeAPI) Pinned(context.Context, string) ([]events.Message, error) {
	return []events.Message{{ID: "m2"}, {ID: "m2"}, {ID: "m5"}}, nil
}

func (f *fakeAPI) Search(_ context.Context, _, query string) ([]events.Message, error) {
	return []events.Message{{ID: "m1", Text: query}}, nil
}

func (f *fakeAPI) MarkAsRead(_ context.Context, _, messageID string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.reads = append(f.reads, messageID)
	return nil
}

func (f *fakeAPI) Pin(context.Context, string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.pins++
	return f.pinErr
}

func (f *fakeAPI) Unpin(context.Context, string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.unpins++
	return nil
}

func (f *fakeAPI) requestedPages() []int {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	return append([]int(nil), f.pages...)
}

// Fills the history with `count` messages, m<count> being the newest.
func withHistory(count int) *fakeAPI {
	api := &fakeAPI{}
	for i := count; i >= 1; i-- {
		api.history = append(api.history, events.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: "c1",
			Sender:         "bob",
			Text:           fmt.Sprintf("message %d", i),
		})
	}
	return api
}

type recorder struct {
	mutex  sync.Mutex
	errors []error
}

func (r *recorder) record(err error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) count() int {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return len(r.errors)
}

func newClient(api conversation.API, reported *recorder) *conversation.Client {
	return conversation.NewClient(conversation.Options{
		Conversation: conversation.Conversation{ID: "c1", Participants: []string{"alice", "bob"}},
		UserID:       "alice",
		API:          api,
		Config:       conversation.DefaultConfig(),
		OnError:      reported.record,
	}, logrus.NewEntry(logrus.New()))
}

func ids(messages []conversation.Message) []string {
	result := make([]string, 0, len(messages))
	for _, message := range messages {
		result = append(result, message.ID)
	}
	return result
}

func TestLoadNextPage_StopsAfterShortPage(t *testing.T) {
	api := withHistory(conversation.HistoryPageSize + 5)
	client := newClient(api, &recorder{})

	added, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, conversation.HistoryPageSize, added)
	assert.True(t, client.HasMore())

	added, err = client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.False(t, client.HasMore())

	added, err = client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)

	assert.Equal(t, []int{1, 2}, api.requestedPages())

	messages := client.Messages()
	require.Len(t, messages, conversation.HistoryPageSize+5)
	assert.Equal(t, fmt.Sprintf("m%d", conversation.HistoryPageSize+5), messages[0].ID)
	assert.Equal(t, "m1", messages[len(messages)-1].ID)
	assert.Equal(t, messages[0].ID, client.Conversation().LastMessage.ID)
}

func TestLoadNextPage_FullLastPageNeedsOneMoreRequest(t *testing.T) {
	api := withHistory(conversation.HistoryPageSize)
	client := newClient(api, &recorder{})

	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.True(t, client.HasMore())

	added, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.Zero(t, added)
	assert.False(t, client.HasMore())
	assert.Equal(t, []int{1, 2}, api.requestedPages())
}

func TestLoadNextPage_RespectsHasMore(t *testing.T) {
	api := withHistory(conversation.HistoryPageSize * 2)
	noMore := false
	api.hasMore = &noMore
	client := newClient(api, &recorder{})

	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.False(t, client.HasMore())

	_, err = client.LoadNextPage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{1}, api.requestedPages())
}

func TestPreview_UsesFeedPageSize(t *testing.T) {
	api := withHistory(10)
	client := newClient(api, &recorder{})

	preview, err := client.Preview(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"m10", "m9", "m8"}, ids(preview))
	assert.Empty(t, client.Messages())
}

func TestSend_ReplacesPendingMessage(t *testing.T) {
	api := withHistory(2)
	client := newClient(api, &recorder{})
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	var pending []conversation.Message
	api.beforeSendReturns = func(*events.Message) { pending = client.Messages() }

	sent, err := client.Send(context.Background(), conversation.Draft{Text: "hi"})
	require.NoError(t, err)

	require.Len(t, pending, 3)
	assert.True(t, pending[0].Pending)
	assert.Equal(t, "hi", pending[0].Text)

	assert.Equal(t, []string{sent.ID, "m2", "m1"}, ids(client.Messages()))
	assert.False(t, client.Messages()[0].Pending)
	assert.Equal(t, sent.ID, client.Conversation().LastMessage.ID)
}

func TestSend_RollsBackOnFailure(t *testing.T) {
	api := withHistory(2)
	api.sendErr = rest.ErrServer
	reported := &recorder{}
	client := newClient(api, reported)
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	_, err = client.Send(context.Background(), conversation.Draft{Text: "hi"})
	require.ErrorIs(t, err, rest.ErrServer)

	assert.Equal(t, []string{"m2", "m1"}, ids(client.Messages()))
	assert.Equal(t, "m2", client.Conversation().LastMessage.ID)
	assert.Equal(t, 1, reported.count())
}

func TestSend_RealtimeCopyArrivesFirst(t *testing.T) {
	api := withHistory(1)
	client := newClient(api, &recorder{})
	transport := signalingtest.NewTransport()
	client.Subscribe(transport)
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	api.beforeSendReturns = func(message *events.Message) {
		transport.Deliver(&events.MessageCreated{Message: *message})
	}

	sent, err := client.Send(context.Background(), conversation.Draft{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, []string{sent.ID, "m1"}, ids(client.Messages()))
}

func TestSend_RejectsEmptyDraft(t *testing.T) {
	client := newClient(withHistory(0), &recorder{})

	_, err := client.Send(context.Background(), conversation.Draft{})
	assert.ErrorIs(t, err, conversation.ErrEmptyDraft)
}

func TestDelete_RepairsLastMessage(t *testing.T) {
	client := newClient(withHistory(3), &recorder{})
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Delete(context.Background(), "m3"))
	assert.Equal(t, []string{"m2", "m1"}, ids(client.Messages()))
	assert.Equal(t, "m2", client.Conversation().LastMessage.ID)

	assert.ErrorIs(t, client.Delete(context.Background(), "m3"), conversation.ErrMessageNotFound)
}

func TestDelete_RestoresOnFailure(t *testing.T) {
	api := withHistory(3)
	api.deleteErr = rest.ErrForbidden
	reported := &recorder{}
	client := newClient(api, reported)
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)
	require.NoError(t, client.Pin(context.Background(), "m2"))

	require.ErrorIs(t, client.Delete(context.Background(), "m2"), rest.ErrForbidden)

	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(client.Messages()))
	assert.Equal(t, []string{"m2"}, client.Conversation().PinnedMessages)
	assert.Equal(t, 1, reported.count())
}

func TestPin_IsIdempotent(t *testing.T) {
	api := withHistory(2)
	client := newClient(api, &recorder{})
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.Pin(context.Background(), "m1"))
	require.NoError(t, client.Pin(context.Background(), "m1"))
	assert.Equal(t, []string{"m1"}, client.Conversation().PinnedMessages)
	assert.Equal(t, 1, api.pins)
	assert.True(t, client.Messages()[1].IsPin)

	require.NoError(t, client.Unpin(context.Background(), "m1"))
	require.NoError(t, client.Unpin(context.Background(), "m1"))
	require.NoError(t, client.Unpin(context.Background(), "absent"))
	assert.Empty(t, client.Conversation().PinnedMessages)
	assert.Equal(t, 1, api.unpins)
	assert.False(t, client.Messages()[1].IsPin)
}

func TestPin_FailureIsReported(t *testing.T) {
	api := withHistory(1)
	api.pinErr = rest.ErrConflict
	reported := &recorder{}
	client := newClient(api, reported)

	assert.ErrorIs(t, client.Pin(context.Background(), "m1"), rest.ErrConflict)
	assert.Empty(t, client.Conversation().PinnedMessages)
	assert.Equal(t, 1, reported.count())
}

func TestLoadPinned_Deduplicates(t *testing.T) {
	client := newClient(withHistory(5), &recorder{})
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	pinned, err := client.LoadPinned(context.Background())
	require.NoError(t, err)
	assert.Len(t, pinned, 3)
	assert.Equal(t, []string{"m2", "m5"}, client.Conversation().PinnedMessages)
	assert.True(t, client.Messages()[0].IsPin)
}

func TestSearch(t *testing.T) {
	client := newClient(withHistory(0), &recorder{})

	found, err := client.Search(context.Background(), "hello")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "hello", found[0].Text)

	found, err = client.Search(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestMarkAsRead_IsIdempotent(t *testing.T) {
	api := withHistory(2)
	client := newClient(api, &recorder{})
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	require.NoError(t, client.MarkAsRead(context.Background()))
	require.NoError(t, client.MarkAsRead(context.Background()))
	assert.Equal(t, []string{"m2"}, api.reads)
	assert.Contains(t, client.Messages()[0].ReadBy, "alice")
}

func TestMarkAsRead_WithoutMessages(t *testing.T) {
	api := withHistory(0)
	client := newClient(api, &recorder{})

	require.NoError(t, client.MarkAsRead(context.Background()))
	assert.Empty(t, api.reads)
}

func TestRealtimeEvents(t *testing.T) {
	client := newClient(withHistory(2), &recorder{})
	transport := signalingtest.NewTransport()
	client.Subscribe(transport)
	_, err := client.LoadNextPage(context.Background())
	require.NoError(t, err)

	transport.Receive(events.MessageNew, `{"id":"m3","conversationId":"c1","sender":"bob","text":"new","createdAt":"2024-01-01T00:00:00Z"}`)
	transport.Receive(events.MessageNew, `{"id":"m3","conversationId":"c1","sender":"bob","text":"new","createdAt":"2024-01-01T00:00:00Z"}`)
	transport.Receive(events.MessageNew, `{"id":"x1","conversationId":"other","sender":"bob","createdAt":"2024-01-01T00:00:00Z"}`)
	assert.Equal(t, []string{"m3", "m2", "m1"}, ids(client.Messages()))
	assert.Equal(t, "m3", client.Conversation().LastMessage.ID)

	transport.Receive(events.MessagePinned, `{"conversationId":"c1","messageId":"m1"}`)
	transport.Receive(events.MessagePinned, `{"conversationId":"c1","messageId":"m1"}`)
	assert.Equal(t, []string{"m1"}, client.Conversation().PinnedMessages)

	transport.Receive(events.MessageUnpinned, `{"conversationId":"c1","messageId":"m1"}`)
	assert.Empty(t, client.Conversation().PinnedMessages)

	transport.Receive(events.MessageDeleted, `{"conversationId":"c1","messageId":"m3"}`)
	assert.Equal(t, []string{"m2", "m1"}, ids(client.Messages()))
	assert.Equal(t, "m2", client.Conversation().LastMessage.ID)

	transport.Receive(events.ConversationUserJoined, `{"conversationId":"c1","userId":"carol"}`)
	transport.Receive(events.ConversationUserLeft, `{"conversationId":"c1","userId":"bob"}`)
	assert.Equal(t, []string{"alice", "carol"}, client.Conversation().Participants)

	client.Unsubscribe()
	client.Unsubscribe()
	assert.Zero(t, transport.Subscribers(events.MessageNew))
}

func TestRealtimeEvents_LeaveCallerParticipantsUntouched(t *testing.T) {
	participants := []string{"alice", "bob", "carol"}
	client := conversation.NewClient(conversation.Options{
		Conversation: conversation.Conversation{ID: "c1", Participants: participants},
		UserID:       "alice",
		API:          withHistory(0),
		Config:       conversation.DefaultConfig(),
		OnError:      (&recorder{}).record,
	}, logrus.NewEntry(logrus.New()))
	transport := signalingtest.NewTransport()
	client.Subscribe(transport)
	defer client.Unsubscribe()

	transport.Receive(events.ConversationUserLeft, `{"conversationId":"c1","userId":"alice"}`)
	transport.Receive(events.ConversationUserJoined, `{"conversationId":"c1","userId":"dave"}`)

	assert.Equal(t, []string{"bob", "carol", "dave"}, client.Conversation().Participants)
	assert.Equal(t, []string{"alice", "bob", "carol"}, participants)
}

func TestRESTAPI_Paths(t *testing.T) {
	var (
		mutex    sync.Mutex
		requests []string
	)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mutex.Lock()
		requests = append(requests, r.Method+" "+r.URL.Path+"?"+r.URL.RawQuery)
		mutex.Unlock()

		switch r.URL.Path {
		case "/api/conversations/c1/messages":
			if r.Method == http.MethodGet {
				_, _ = w.Write([]byte(`{"success":true,"data":[{"id":"m1"}],"meta":{"page":1,"pageSize":30,"hasMore":false}}`))
				return
			}
			_, _ = w.Write([]byte(`{"success":true,"data":{"id":"m2","text":"hi"}}`))
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	defer server.Close()

	client, err := rest.NewClient(rest.Config{BaseURL: server.URL}, "token", logrus.NewEntry(logrus.New()))
	require.NoError(t, err)
	api := conversation.NewRESTAPI(client)
	ctx := context.Background()

	page, err := api.History(ctx, "c1", 1, 30)
	require.NoError(t, err)
	require.Len(t, page.Messages, 1)
	require.NotNil(t, page.HasMore)
	assert.False(t, *page.HasMore)

	sent, err := api.Send(ctx, "c1", conversation.Draft{Text: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "m2", sent.ID)

	require.NoError(t, api.Delete(ctx, "m2"))
	require.NoError(t, api.Pin(ctx, "m1"))
	require.NoError(t, api.Unpin(ctx, "m1"))
	require.NoError(t, api.MarkAsRead(ctx, "c1", "m1"))
	_, err = api.Search(ctx, "c1", "hello")
	require.NoError(t, err)
	_, err = api.Pinned(ctx, "c1")
	require.NoError(t, err)

	mutex.Lock()
	defer mutex.Unlock()
	assert.Equal(t, []string{
		"GET /api/conversations/c1/messages?page=1&page_size=30",
		"POST /api/conversations/c1/messages?",
		"DELETE /api/messages/m2?",
		"POST /api/messages/m1/pin?",
		"DELETE /api/messages/m1/pin?",
		"POST /api/conversations/c1/read?",
		"GET /api/conversations/c1/search?q=hello",
		"GET /api/conversations/c1/pinned?",
	}, requests)
}
