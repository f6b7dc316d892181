package conversation

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/socialhub/realtime/pkg/events"
	"github.com/socialhub/realtime/pkg/rest"
)

// Content of a message that is about to be sent.
type Draft struct {
	Text  string   `json:"text,omitempty"`
	Media []string `json:"media,omitempty"`
}

// One page of the conversation history, newest message first.
type Page struct {
	Messages []events.Message
	// Set when the server tells explicitly whether more pages exist.
	HasMore *bool
}

// The backend operations the conversation client depends on.
type API interface {
	Send(ctx context.Context, conversationID string, draft Draft) (*events.Message, error)
	Delete(ctx context.Context, messageID string) error
	History(ctx context.Context, conversationID string, page, pageSize int) (Page, error)
	Pinned(ctx context.Context, conversationID string) ([]events.Message, error)
	Search(ctx context.Context, conversationID, query string) ([]events.Message, error)
	MarkAsRead(ctx context.Context, conversationID, messageID string) error
	Pin(ctx context.Context, messageID string) error
	Unpin(ctx context.Context, messageID string) error
}

// Performs requests against the backend and unwraps its envelope.
type Doer interface {
	Do(ctx context.Context, method, path string, query url.Values, body, out any) (*rest.Meta, error)
}

// API implementation on top of the REST backend.
type RESTAPI struct {
	client Doer
}

func NewRESTAPI(client Doer) *RESTAPI {
	return &RESTAPI{client}
}

func (a *RESTAPI) Send(ctx context.Context, conversationID string, draft Draft) (*events.Message, error) {
	var message events.Message
	if _, err := a.client.Do(ctx, http.MethodPost, conversationPath(conversationID, "messages"), nil, draft, &message); err != nil {
		return nil, err
	}
	return &message, nil
}

func (a *RESTAPI) Delete(ctx context.Context, messageID string) error {
	_, err := a.client.Do(ctx, http.MethodDelete, messagePath(messageID), nil, nil, nil)
	return err
}

func (a *RESTAPI) History(ctx context.Context, conversationID string, page, pageSize int) (Page, error) {
	query := url.Values{
		"page":      {strconv.Itoa(page)},
		"page_size": {strconv.Itoa(pageSize)},
	}

	var messages []events.Message
	meta, err := a.client.Do(ctx, http.MethodGet, conversationPath(conversationID, "messages"), query, nil, &messages)
	if err != nil {
		return Page{}, err
	}

	result := Page{Messages: messages}
	if meta != nil {
		result.HasMore = meta.HasMore
	}
	return result, nil
}

func (a *RESTAPI) Pinned(ctx context.Context, conversationID string) ([]events.Message, error) {
	var messages []events.Message
	_, err := a.client.Do(ctx, http.MethodGet, conversationPath(conversationID, "pinned"), nil, nil, &messages)
	return messages, err
}

func (a *RESTAPI) Search(ctx context.Context, conversationID, query string) ([]events.Message, error) {
	var messages []events.Message
	_, err := a.client.Do(ctx, http.MethodGet, conversationPath(conversationID, "search"), url.Values{"q": {query}}, nil, &messages)
	return messages, err
}

func (a *RESTAPI) MarkAsRead(ctx context.Context, conversationID, messageID string) error {
	body := struct {
		MessageID string `json:"messageId"`
	}{messageID}

	_, err := a.client.Do(ctx, http.MethodPost, conversationPath(conversationID, "read"), nil, body, nil)
	return err
}

func (a *RESTAPI) Pin(ctx context.Context, messageID string) error {
	_, err := a.client.Do(ctx, http.MethodPost, messagePath(messageID)+"/pin", nil, nil, nil)
	return err
}

func (a *RESTAPI) Unpin(ctx context.Context, messageID string) error {
	_, err := a.client.Do(ctx, http.MethodDelete, messagePath(messageID)+"/pin", nil, nil, nil)
	return err
}

func conversationPath(conversationID, resource string) string {
	return "/api/conversations/" + url.PathEscape(conversationID) + "/" + resource
}

func messagePath(messageID string) string {
	return "/api/messages/" + url.PathEscape(messageID)
}
