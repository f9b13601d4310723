package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// handshakeTimeout bounds the WebSocket opening handshake.
	handshakeTimeout = 10 * time.Second
	// writeTimeout bounds a single frame write.
	writeTimeout = 10 * time.Second

	DefaultPongWait     = 60 * time.Second
	DefaultPingInterval = DefaultPongWait * 9 / 10
)

// WebSocketTransport dials the server over a WebSocket. The credential is
// attached as the token and userId query parameters.
//
// A connection pings the server every PingInterval and fails its read when
// nothing, pong included, arrives within PongWait.
type WebSocketTransport struct {
	URL          string
	Header       http.Header
	Dialer       *websocket.Dialer // defaults to a dialer with handshakeTimeout
	PingInterval time.Duration     // defaults to DefaultPingInterval
	PongWait     time.Duration     // defaults to DefaultPongWait
}

// Dial opens one authenticated WebSocket connection.
func (t *WebSocketTransport) Dial(ctx context.Context, cred Credential) (Conn, error) {
	u, err := url.Parse(t.URL)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url %q: %w", t.URL, err)
	}
	q := u.Query()
	q.Set("token", cred.Token)
	q.Set("userId", cred.UserID)
	u.RawQuery = q.Encode()

	dialer := t.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		}
	}

	ws, resp, err := dialer.DialContext(ctx, u.String(), t.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, resp.Status)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Host, err)
	}

	pongWait := t.PongWait
	if pongWait <= 0 {
		pongWait = DefaultPongWait
	}
	pingInterval := t.PingInterval
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	c := &wsConn{ws: ws, pongWait: pongWait, done: make(chan struct{})}
	if err := c.extendRead(); err != nil {
		ws.Close()
		return nil, fmt.Errorf("realtime: set read deadline: %w", err)
	}
	ws.SetPongHandler(func(string) error { return c.extendRead() })
	go c.pingLoop(pingInterval)
	return c, nil
}

// wsConn adapts *websocket.Conn to Conn. gorilla allows one concurrent
// writer, so writes and pings are serialized.
type wsConn struct {
	ws       *websocket.Conn
	pongWait time.Duration
	writeMu  sync.Mutex
	once     sync.Once
	done     chan struct{}
}

// ReadEvent returns the next well-formed frame. Frames that do not decode
// are logged and skipped.
func (c *wsConn) ReadEvent() (Event, error) {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return Event{}, err
		}
		if err := c.extendRead(); err != nil {
			return Event{}, err
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("realtime: skipping malformed frame (%d bytes): %v", len(data), err)
			continue
		}
		if ev.Name == "" {
			log.Printf("realtime: skipping frame without event name")
			continue
		}
		return ev, nil
	}
}

func (c *wsConn) extendRead() error {
	return c.ws.SetReadDeadline(time.Now().Add(c.pongWait))
}

func (c *wsConn) pingLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *wsConn) WriteEvent(ev Event) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(ev)
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
