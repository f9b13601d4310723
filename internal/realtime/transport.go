package realtime

import (
	"context"
	"errors"
)

// Sentinel errors. They are the ConnectionError and delivery-failure cases
// callers match with errors.Is.
var (
	ErrNoSession        = errors.New("realtime: no session")
	ErrAuthRejected     = errors.New("realtime: authentication rejected")
	ErrRetriesExhausted = errors.New("realtime: reconnection attempts exhausted")
	ErrNotConnected     = errors.New("realtime: not connected")
	ErrClosed           = errors.New("realtime: connection closed")
)

// Credential is the opaque session token and the local user it belongs to.
type Credential struct {
	Token  string
	UserID string
}

// Empty reports whether the credential cannot open a connection.
func (c Credential) Empty() bool {
	return c.Token == "" || c.UserID == ""
}

// Conn is one live transport connection.
type Conn interface {
	// ReadEvent blocks until the next inbound event or a transport error.
	ReadEvent() (Event, error)
	// WriteEvent sends one event. Safe for concurrent use.
	WriteEvent(ev Event) error
	// Close releases the connection. ReadEvent returns an error afterwards.
	Close() error
	// RemoteAddr identifies the remote peer endpoint.
	RemoteAddr() string
}

// Transport dials authenticated connections. Dial must wrap
// ErrAuthRejected when the server refuses the credential, so that the
// Manager can tell it apart from a transient failure.
type Transport interface {
	Dial(ctx context.Context, cred Credential) (Conn, error)
}
