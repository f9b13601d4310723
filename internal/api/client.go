// Package api is the REST client for the Waypost backend endpoints the
// real-time core depends on: call accept/reject and chat history.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Endpoint paths.
const (
	PathAcceptCall = "/call/accept"
	PathRejectCall = "/call/reject"
	PathMessages   = "/messages"
)

// CallRequest identifies the call being answered.
type CallRequest struct {
	ChannelName string `json:"channelName"`
	CallerID    string `json:"callerId"`
}

// Result is the body returned by the call endpoints.
type Result struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// HistoryMessage is one message from the chat history endpoint.
type HistoryMessage struct {
	ID         string    `json:"_id"`
	SenderID   string    `json:"senderId"`
	ReceiverID string    `json:"receiverId"`
	Text       string    `json:"text"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("api: %s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("api: %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Client calls the backend with bearer-token auth. Outbound calls share one
// rate limiter.
type Client struct {
	baseURL *url.URL
	http    *http.Client
	limiter *rate.Limiter
}

// ClientOpts holds parameters for creating a Client.
type ClientOpts struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration // default 10s
	RatePerSec float64       // default 5
	Burst      int           // default 10
	HTTPClient *http.Client  // optional base client; its Transport is wrapped
}

// NewClient creates a Client.
func NewClient(opts ClientOpts) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("api: base url is required")
	}
	if opts.Token == "" {
		return nil, fmt.Errorf("api: token is required")
	}
	u, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("api: parse base url: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 5
	}
	if opts.Burst <= 0 {
		opts.Burst = 10
	}

	ctx := context.Background()
	if opts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, opts.HTTPClient)
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token, TokenType: "Bearer"})
	hc := oauth2.NewClient(ctx, src)
	hc.Timeout = opts.Timeout

	return &Client{
		baseURL: u,
		http:    hc,
		limiter: rate.NewLimiter(rate.Limit(opts.RatePerSec), opts.Burst),
	}, nil
}

// AcceptCall asks the server to connect the call. A false success flag is
// returned as an error carrying the server's message.
func (c *Client) AcceptCall(ctx context.Context, req CallRequest) (Result, error) {
	return c.callAction(ctx, PathAcceptCall, req)
}

// RejectCall asks the server to decline the call.
func (c *Client) RejectCall(ctx context.Context, req CallRequest) (Result, error) {
	return c.callAction(ctx, PathRejectCall, req)
}

func (c *Client) callAction(ctx context.Context, path string, req CallRequest) (Result, error) {
	var res Result
	if err := c.do(ctx, http.MethodPost, path, req, &res); err != nil {
		return Result{}, err
	}
	if !res.Success {
		msg := res.Message
		if msg == "" {
			msg = "request not accepted"
		}
		return res, fmt.Errorf("api: %s: %s", path, msg)
	}
	return res, nil
}

// ChatHistory returns the conversation between userID and receiverID,
// oldest first.
func (c *Client) ChatHistory(ctx context.Context, userID, receiverID string) ([]HistoryMessage, error) {
	path := PathMessages + "/" + url.PathEscape(userID) + "/" + url.PathEscape(receiverID)
	var msgs []HistoryMessage
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode %s: %w", path, err)
		}
		body = strings.NewReader(string(data))
	}

	// path arrives escaped.
	u := *c.baseURL
	u.RawPath = c.baseURL.EscapedPath() + path
	unescaped, err := url.PathUnescape(u.RawPath)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	u.Path = unescaped
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("api: build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s: %w", path, err)
	}
	return nil
}
