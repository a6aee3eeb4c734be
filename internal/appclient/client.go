package appclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/g960059/tabtime/internal/api"
)

type Client struct {
	baseURL      string
	client       *http.Client
	dialer       *websocket.Dialer
	unaryTimeout time.Duration
}

const defaultUnaryTimeout = 10 * time.Second

// New returns a client talking to the daemon over its Unix socket.
func New(socketPath string) *Client {
	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", socketPath)
	}
	c := NewWithClient("http://unix", &http.Client{Transport: &http.Transport{DialContext: dial}})
	c.dialer = &websocket.Dialer{NetDialContext: dial, HandshakeTimeout: defaultUnaryTimeout}
	return c
}

func NewWithClient(baseURL string, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		client:       client,
		dialer:       websocket.DefaultDialer,
		unaryTimeout: defaultUnaryTimeout,
	}
}

func (c *Client) WithUnaryTimeout(timeout time.Duration) *Client {
	if c == nil {
		return nil
	}
	clone := *c
	clone.unaryTimeout = timeout
	return &clone
}

type RequestError struct {
	StatusCode int
	Code       string
	Message    string
}

// ErrStreamClosed is returned by Notifications when the daemon closes the stream.
var ErrStreamClosed = errors.New("notification stream closed")

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	code := strings.TrimSpace(e.Code)
	message := strings.TrimSpace(e.Message)
	if code != "" && message != "" {
		return fmt.Sprintf("%s: %s", code, message)
	}
	if code != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, code)
		}
		return code
	}
	if message != "" {
		if e.StatusCode > 0 {
			return fmt.Sprintf("http %d: %s", e.StatusCode, message)
		}
		return message
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return "http error"
}

func (e *RequestError) Retryable() bool {
	if e == nil {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == http.StatusRequestTimeout {
		return true
	}
	return e.StatusCode >= 500
}

func (c *Client) Health(ctx context.Context) (api.HealthResponse, error) {
	return call[api.HealthResponse](ctx, c, http.MethodGet, "/v1/health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (api.StatusResponse, error) {
	return call[api.StatusResponse](ctx, c, http.MethodGet, "/v1/status", nil, nil)
}

// Sessions lists the records of day. An empty day means today on the daemon.
func (c *Client) Sessions(ctx context.Context, day string) (api.SessionsEnvelope, error) {
	return call[api.SessionsEnvelope](ctx, c, http.MethodGet, "/v1/sessions", dayQuery(day), nil)
}

func (c *Client) Summary(ctx context.Context, day string) (api.SummaryEnvelope, error) {
	return call[api.SummaryEnvelope](ctx, c, http.MethodGet, "/v1/summary", dayQuery(day), nil)
}

func (c *Client) Stop(ctx context.Context) (api.StopResponse, error) {
	return call[api.StopResponse](ctx, c, http.MethodPost, "/v1/stop", nil, nil)
}

func (c *Client) Consolidate(ctx context.Context, day string) (api.ConsolidateResponse, error) {
	return call[api.ConsolidateResponse](ctx, c, http.MethodPost, "/v1/maintenance/consolidate", nil, api.ConsolidateRequest{Day: strings.TrimSpace(day)})
}

func (c *Client) PostEvent(ctx context.Context, req api.EventRequest) (api.EventResponse, error) {
	return call[api.EventResponse](ctx, c, http.MethodPost, "/v1/events", nil, req)
}

func (c *Client) Heartbeat(ctx context.Context) (api.HeartbeatResponse, error) {
	return call[api.HeartbeatResponse](ctx, c, http.MethodPost, "/v1/heartbeat", nil, nil)
}

func (c *Client) PutTabs(ctx context.Context, snap api.TabsSnapshot) (api.TabsResponse, error) {
	return call[api.TabsResponse](ctx, c, http.MethodPut, "/v1/tabs", nil, snap)
}

// Notifications reads the daemon's notification stream until ctx ends, the
// daemon closes it, or onMessage returns an error.
func (c *Client) Notifications(ctx context.Context, onMessage func(api.Notification) error) error {
	u, err := url.Parse(c.baseURL + "/v1/notifications")
	if err != nil {
		return err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return &RequestError{StatusCode: resp.StatusCode, Message: err.Error()}
		}
		return fmt.Errorf("dial notifications: %w", err)
	}
	defer conn.Close() //nolint:errcheck

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	for {
		var msg api.Notification
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ErrStreamClosed
			}
			return fmt.Errorf("read notification: %w", err)
		}
		if err := onMessage(msg); err != nil {
			return err
		}
	}
}

func dayQuery(day string) url.Values {
	day = strings.TrimSpace(day)
	if day == "" {
		return nil
	}
	return url.Values{"day": []string{day}}
}

func call[T any](ctx context.Context, c *Client, method, path string, query url.Values, body any) (T, error) {
	var out T
	payload, err := c.request(ctx, method, path, query, body)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return out, fmt.Errorf("decode %s response: %w", path, err)
	}
	return out, nil
}

func (c *Client) request(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	reqCtx := ctx
	if c.unaryTimeout > 0 {
		if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > c.unaryTimeout {
			var cancel context.CancelFunc
			reqCtx, cancel = context.WithTimeout(ctx, c.unaryTimeout)
			defer cancel()
		}
	}
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(reqCtx, method, u, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		var er api.ErrorResponse
		if err := json.Unmarshal(payload, &er); err == nil && er.Error.Code != "" {
			return nil, &RequestError{
				StatusCode: resp.StatusCode,
				Code:       er.Error.Code,
				Message:    er.Error.Message,
			}
		}
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Code:       fmt.Sprintf("HTTP_%d", resp.StatusCode),
			Message:    strings.TrimSpace(string(payload)),
		}
	}
	return payload, nil
}
