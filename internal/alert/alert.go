// Package alert delivers transient user-visible alerts: notification
// banners, chat toasts and call errors. Sinks implement Alerter.
package alert

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/zulandar/waypost/internal/route"
)

// Sidebar colors used by the chat sinks.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Alert kinds that do not come from a notification record.
const (
	KindMessage   = "message"
	KindCallError = "call_error"
	KindChatError = "chat_error"
)

// Field is a labelled value shown under the alert body.
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Short bool   `json:"short,omitempty"`
}

// Alert is one transient alert. OnPress, when set, performs the alert's
// action (usually navigating to Target).
type Alert struct {
	ID     string       `json:"id,omitempty"`
	Kind   string       `json:"kind"`
	Title  string       `json:"title"`
	Body   string       `json:"body,omitempty"`
	Color  string       `json:"color,omitempty"`
	Fields []Field      `json:"fields,omitempty"`
	Target route.Target `json:"target"`
	Time   time.Time    `json:"time"`

	OnPress func(ctx context.Context) error `json:"-"`
}

// Press runs the alert's action. Alerts without one do nothing.
func (a Alert) Press(ctx context.Context) error {
	if a.OnPress == nil {
		return nil
	}
	return a.OnPress(ctx)
}

// ColorFor returns the sidebar color for an alert kind.
func ColorFor(kind string) string {
	switch kind {
	case KindCallError, KindChatError:
		return ColorError
	case "report":
		return ColorWarning
	case "follow", "request":
		return ColorSuccess
	default:
		return ColorInfo
	}
}

// Alerter raises alerts.
type Alerter interface {
	Raise(ctx context.Context, a Alert) error
}

// Func adapts a function to Alerter.
type Func func(ctx context.Context, a Alert) error

// Raise calls f.
func (f Func) Raise(ctx context.Context, a Alert) error { return f(ctx, a) }

// LogAlerter writes one line per alert.
type LogAlerter struct {
	Out io.Writer // defaults to os.Stdout
}

// Raise prints the alert.
func (l LogAlerter) Raise(_ context.Context, a Alert) error {
	out := l.Out
	if out == nil {
		out = os.Stdout
	}
	line := fmt.Sprintf("[%s] %s", a.Kind, a.Title)
	if a.Body != "" {
		line += ": " + a.Body
	}
	if a.Target.Screen != "" {
		line += " -> " + a.Target.String()
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

// Multi fans an alert out to every sink. All sinks are tried; their errors
// are joined.
type Multi []Alerter

// Raise delivers a to each sink in order.
func (m Multi) Raise(ctx context.Context, a Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Raise(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Mock records raised alerts for tests.
type Mock struct {
	mu     sync.Mutex
	alerts []Alert
	Err    error // returned by Raise when set
}

// Raise records a.
func (m *Mock) Raise(_ context.Context, a Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, a)
	return m.Err
}

// Alerts returns a copy of every recorded alert.
func (m *Mock) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Count returns the number of recorded alerts.
func (m *Mock) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// Reset forgets recorded alerts.
func (m *Mock) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}
