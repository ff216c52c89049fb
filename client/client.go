package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/airheartdev/versync"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type (
	// Client talks to the versync HTTP endpoints.
	Client struct {
		baseURL  string
		http     *http.Client
		token    string
		clientID string
	}

	Option func(c *Client)
)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.http = hc
	}
}

// WithToken sends token in the Authorization header.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

func WithClientID(id string) Option {
	return func(c *Client) {
		c.clientID = id
	}
}

func New(baseURL string, options ...Option) *Client {
	c := &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     http.DefaultClient,
		clientID: uuid.NewString(),
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Push sends items, filling in missing idempotency keys. The keys are
// written back into items so a failed push can be retried safely.
func (c *Client) Push(ctx context.Context, items []versync.PushItem) (*versync.PushResponse, error) {
	for i := range items {
		if items[i].IdempotencyKey == "" {
			items[i].IdempotencyKey = uuid.NewString()
		}
	}
	resp := new(versync.PushResponse)
	err := c.post(ctx, versync.DefaultPushEndpoint, versync.PushRequest{ClientID: c.clientID, Items: items}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Pull(ctx context.Context, cursor uint64, limit int) (*versync.PullResponse, error) {
	resp := new(versync.PullResponse)
	err := c.post(ctx, versync.DefaultPullEndpoint, versync.PullRequest{Cursor: cursor, Limit: limit}, resp)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) Batch(ctx context.Context, ops []versync.Operation) ([]versync.OperationResult, error) {
	resp := new(versync.BatchResponse)
	err := c.post(ctx, versync.DefaultBatchEndpoint, versync.BatchRequest{Operations: ops}, resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// Subscribe tails the change feed over a WebSocket, calling fn for every
// frame until ctx is done, fn returns an error or the server closes.
func (c *Client) Subscribe(ctx context.Context, cursor uint64, fn func(versync.Frame) error) error {
	u, err := url.Parse(c.baseURL + versync.DefaultSubscribeWSEndpoint)
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("cursor", strconv.FormatUint(cursor, 10))
	u.RawQuery = q.Encode()

	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", c.token)
	}
	conn, _, err := websocket.Dial(ctx, u.String(), &websocket.DialOptions{
		HTTPClient: c.http,
		HTTPHeader: header,
	})
	if err != nil {
		return fmt.Errorf("dial subscribe: %w", err)
	}
	defer conn.CloseNow()

	for {
		var frame versync.Frame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				return nil
			}
			return err
		}
		if err := fn(frame); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			return err
		}
	}
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(versync.RequestIDHeader, uuid.NewString())
	if c.token != "" {
		req.Header.Set("Authorization", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, payload)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	return dec.Decode(out)
}

// StatusError is returned for non-200 responses that carry no error body,
// such as failures from a proxy in front of the server.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.StatusCode)
}

func decodeError(status int, payload []byte) error {
	var body struct {
		Error *versync.Error `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Error != nil {
		return body.Error
	}
	return &StatusError{StatusCode: status}
}

// IsStatus reports whether err is a StatusError with the given code, or a
// server *versync.Error whose kind maps to it.
func IsStatus(err error, code int) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == code
	}
	var ve *versync.Error
	return errors.As(err, &ve) && versync.HTTPStatus(ve.Kind) == code
}
