package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Errors returned by the API, keyed by the HTTP status they come with.
var (
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("already exists")
	ErrServer       = errors.New("server error")
	ErrUnsuccessful = errors.New("request was not successful")
	ErrInvalidURL   = errors.New("invalid API base URL")
)

// The envelope every API response is wrapped in.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Meta    *Meta           `json:"meta,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Pagination metadata.
type Meta struct {
	Page     int   `json:"page"`
	PageSize int   `json:"pageSize"`
	Total    int   `json:"total"`
	HasMore  *bool `json:"hasMore,omitempty"`
}

// An error response of the API.
type Error struct {
	Status  int
	Message string
	kind    error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%v (HTTP %d)", e.kind, e.Status)
	}
	return fmt.Sprintf("%v (HTTP %d): %s", e.kind, e.Status, e.Message)
}

func (e *Error) Unwrap() error {
	return e.kind
}

func kindOf(status int) error {
	switch {
	case status == http.StatusBadRequest:
		return ErrBadRequest
	case status == http.StatusUnauthorized:
		return ErrUnauthorized
	case status == http.StatusForbidden:
		return ErrForbidden
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusConflict:
		return ErrConflict
	case status >= 500:
		return ErrServer
	default:
		return ErrUnsuccessful
	}
}

// A thin JSON client of the REST API that authenticates with a bearer token.
type Client struct {
	logger  *logrus.Entry
	baseURL *url.URL
	token   string
	http    *http.Client
}

func NewClient(config Config, token string, logger *logrus.Entry) (*Client, error) {
	baseURL, err := url.Parse(config.BaseURL)
	if err != nil || baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, config.BaseURL)
	}

	timeout := time.Duration(config.Timeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	return &Client{
		logger:  logger,
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

// Performs a request and unwraps the response envelope. The `data` of the envelope
// is decoded into `out` unless `out` is nil.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, body, out any) (*Meta, error) {
	var envelope Envelope
	status, err := c.request(ctx, method, path, query, body, &envelope)
	if err != nil {
		return nil, err
	}

	if status == http.StatusNoContent {
		return nil, nil
	}

	if !envelope.Success {
		return nil, &Error{Status: http.StatusOK, Message: envelope.Error, kind: ErrUnsuccessful}
	}

	if out != nil && len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			return nil, fmt.Errorf("failed to decode response data: %w", err)
		}
	}

	return envelope.Meta, nil
}

// Performs a GET request against an endpoint that does not use the envelope.
func (c *Client) GetRaw(ctx context.Context, path string, out any) error {
	_, err := c.request(ctx, http.MethodGet, path, nil, nil, out)
	return err
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body, out any) (int, error) {
	endpoint := c.baseURL.JoinPath(strings.TrimPrefix(path, "/"))
	if len(query) > 0 {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	logger := c.logger.WithFields(logrus.Fields{"method": method, "path": endpoint.Path})

	resp, err := c.http.Do(req)
	if err != nil {
		logger.WithError(err).Warn("request failed")
		return 0, fmt.Errorf("%s %s: %w", method, endpoint.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var envelope Envelope
		_ = json.NewDecoder(resp.Body).Decode(&envelope)
		apiErr := &Error{Status: resp.StatusCode, Message: envelope.Error, kind: kindOf(resp.StatusCode)}
		logger.WithError(apiErr).Debug("request rejected")
		return resp.StatusCode, apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return resp.StatusCode, nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, fmt.Errorf("failed to decode response: %w", err)
	}

	return resp.StatusCode, nil
}
