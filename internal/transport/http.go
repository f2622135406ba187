// Package transport is the HTTP client for the chat server's message API.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agonn78/p2p-chat/internal/chat"
)

// DefaultTimeout bounds every request made with the default HTTP client.
const DefaultTimeout = 15 * time.Second

// Identity is the credential a request is made with. It is passed in
// explicitly; the package keeps no global token.
type Identity struct {
	Token    string
	UserID   string
	Username string
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Temporary reports whether the request may succeed if retried.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// Client implements the messenger transport over HTTP.
type Client struct {
	baseURL    string
	identity   Identity
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string, id Identity, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		identity:   id,
		httpClient: &http.Client{Timeout: DefaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchMessages returns one page of conv, in whatever order the server sends it.
func (c *Client) FetchMessages(ctx context.Context, conv chat.Conversation, before string, limit int) ([]chat.PersistedMessage, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		query.Set("before", before)
	}

	var page []Message
	if err := c.do(ctx, http.MethodGet, messagesPath(conv), query, nil, &page); err != nil {
		return nil, fmt.Errorf("fetch %s: %w", conv, err)
	}

	msgs := make([]chat.PersistedMessage, 0, len(page))
	for _, w := range page {
		m, err := w.ToPersisted(conv)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", conv, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// SendMessage posts one message and returns the server's echo.
func (c *Client) SendMessage(ctx context.Context, req chat.SendRequest) (*chat.PersistedMessage, error) {
	body := sendBody{
		ClientID: req.ClientID,
		Content:  req.Content,
		Nonce:    req.Nonce,
		ScopeID:  req.ScopeID,
	}
	var echo Message
	if err := c.do(ctx, http.MethodPost, messagesPath(req.Conversation), nil, body, &echo); err != nil {
		return nil, fmt.Errorf("send to %s: %w", req.Conversation, err)
	}
	m, err := echo.ToPersisted(req.Conversation)
	if err != nil {
		return nil, fmt.Errorf("send to %s: %w", req.Conversation, err)
	}
	if m.ServerID == "" {
		return nil, fmt.Errorf("send to %s: server echo has no id", req.Conversation)
	}
	return &m, nil
}

func messagesPath(conv chat.Conversation) string {
	collection := "channels"
	if conv.Kind == chat.KindDM {
		collection = "dms"
	}
	return "/api/" + collection + "/" + url.PathEscape(conv.TargetID) + "/messages"
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.identity.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.identity.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
