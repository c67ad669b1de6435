// Package client is the relay's HTTP consumer used by the proxy and the chat
// controller. It wraps the REST surface and a push listener that degrades to
// inbox polling when the websocket is unavailable.
package client

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"confab/internal/wire"
)

const defaultHTTPTimeout = 10 * time.Second

type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return e.Message
}

type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func New(httpClient *http.Client, baseURL, token string) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("base URL is required")
	}
	return &Client{
		httpClient: ensureClient(httpClient),
		baseURL:    baseURL,
		token:      token,
	}, nil
}

// Register confirms a participant identifier with the relay. The returned id
// may differ from the requested name when it collides.
func (c *Client) Register(name string) (string, error) {
	var response wire.RegisterResponse
	err := c.postJSON("/api/register", wire.RegisterRequest{Name: name}, &response)
	if err != nil {
		return "", err
	}
	return response.ID, nil
}

func (c *Client) Unregister(id string) error {
	request, err := http.NewRequest(http.MethodDelete, c.baseURL+"/api/participants/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("build unregister request: %w", err)
	}
	addToken(request, c.token)

	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("unregister request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode != http.StatusNoContent {
		return &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}
	return nil
}

func (c *Client) Send(from, to, content string) (wire.Message, error) {
	var msg wire.Message
	err := c.postJSON("/api/messages", wire.SendRequest{From: from, To: to, Content: content}, &msg)
	return msg, err
}

// Inbox drains and returns the pending messages for a participant.
func (c *Client) Inbox(id string) ([]wire.Message, error) {
	var msgs []wire.Message
	err := c.getJSON("/api/inbox/"+url.PathEscape(id), &msgs)
	return msgs, err
}

func (c *Client) Participants() ([]string, error) {
	var ids []string
	err := c.getJSON("/api/participants", &ids)
	return ids, err
}

func (c *Client) Mode() (wire.ModeStatus, error) {
	var status wire.ModeStatus
	err := c.getJSON("/api/mode", &status)
	return status, err
}

func (c *Client) SetMode(req wire.ModeSetRequest) (wire.ModeStatus, error) {
	var status wire.ModeStatus
	err := c.postJSON("/api/mode", req, &status)
	return status, err
}

func (c *Client) AdvanceTurn() (wire.ModeStatus, error) {
	var status wire.ModeStatus
	err := c.postJSON("/api/turn/advance", struct{}{}, &status)
	return status, err
}

func (c *Client) ExtendTurn(id string) (bool, error) {
	var response struct {
		Extended bool `json:"extended"`
	}
	err := c.postJSON("/api/turn/extend", map[string]string{"id": id}, &response)
	return response.Extended, err
}

type HistoryQuery struct {
	Limit  int
	Sender string
	To     string
	Since  time.Time
}

func (c *Client) History(q HistoryQuery) ([]wire.Message, error) {
	values := url.Values{}
	if q.Limit > 0 {
		values.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Sender != "" {
		values.Set("sender", q.Sender)
	}
	if q.To != "" {
		values.Set("to", q.To)
	}
	if !q.Since.IsZero() {
		values.Set("since", q.Since.Format(time.RFC3339))
	}
	path := "/api/history"
	if encoded := values.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var msgs []wire.Message
	err := c.getJSON(path, &msgs)
	return msgs, err
}

// StreamURL is the websocket endpoint for push delivery to the given
// participant.
func (c *Client) StreamURL(id string) string {
	wsBase := c.baseURL
	switch {
	case strings.HasPrefix(wsBase, "https://"):
		wsBase = "wss://" + strings.TrimPrefix(wsBase, "https://")
	case strings.HasPrefix(wsBase, "http://"):
		wsBase = "ws://" + strings.TrimPrefix(wsBase, "http://")
	}
	values := url.Values{"id": {id}}
	if c.token != "" {
		values.Set("token", c.token)
	}
	return wsBase + "/api/ws?" + values.Encode()
}

func (c *Client) postJSON(path string, payload, target any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	request, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	addToken(request, c.token)

	return c.do(request, target)
}

func (c *Client) getJSON(path string, target any) error {
	request, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	addToken(request, c.token)

	return c.do(request, target)
}

func (c *Client) do(request *http.Request, target any) error {
	response, err := c.httpClient.Do(request)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusMultipleChoices {
		return &HTTPError{StatusCode: response.StatusCode, Message: readErrorMessage(response)}
	}
	if target == nil {
		return nil
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func ensureClient(client *http.Client) *http.Client {
	if client != nil {
		return client
	}
	// A dead relay must never stall the local terminal.
	return &http.Client{Timeout: defaultHTTPTimeout}
}

func addToken(request *http.Request, token string) {
	token = strings.TrimSpace(token)
	if token == "" {
		return
	}
	request.Header.Set("Authorization", "Bearer "+token)
}

func readErrorMessage(response *http.Response) string {
	if response == nil {
		return "request failed"
	}
	body, _ := io.ReadAll(response.Body)
	text := strings.TrimSpace(string(body))
	if text == "" {
		return response.Status
	}
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if strings.TrimSpace(payload.Error) != "" {
			return payload.Error
		}
	}
	return text
}
