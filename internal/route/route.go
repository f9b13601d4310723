// Package route maps notification and signaling event kinds to app screens.
package route

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
)

// Screen names a navigation target in the app.
type Screen string

const (
	ScreenPostDetail       Screen = "PostDetail"
	ScreenTravelPostDetail Screen = "TravelPostDetail"
	ScreenProfile          Screen = "Profile"
	ScreenReportDetail     Screen = "ReportDetail"
	ScreenCall             Screen = "Call"
	ScreenChat             Screen = "Chat"
)

// Kinds that are not notification types but still navigate.
const (
	KindMessage    = "message"
	KindCallAccept = "call_accept"
)

// ErrUnknownRoute is returned when no table entry exists for a kind.
var ErrUnknownRoute = errors.New("route: unknown kind")

// ErrMissingParam is returned when the field that keys a screen is empty.
var ErrMissingParam = errors.New("route: missing id parameter")

// Fields carries the record fields a route may be keyed by.
type Fields struct {
	Post        string
	Sender      string
	Report      string
	ChannelName string
}

// field selects one member of Fields.
type field string

const (
	fieldPost        field = "post"
	fieldSender      field = "sender"
	fieldReport      field = "report"
	fieldChannelName field = "channelName"
)

func (f Fields) get(name field) string {
	switch name {
	case fieldPost:
		return f.Post
	case fieldSender:
		return f.Sender
	case fieldReport:
		return f.Report
	case fieldChannelName:
		return f.ChannelName
	}
	return ""
}

// entry is one row of the routing table.
type entry struct {
	screen Screen
	param  field
}

var table = map[string]entry{
	"like":         {ScreenPostDetail, fieldPost},
	"comment":      {ScreenPostDetail, fieldPost},
	"new_post":     {ScreenPostDetail, fieldPost},
	"mention":      {ScreenPostDetail, fieldPost},
	"likeTravel":   {ScreenTravelPostDetail, fieldPost},
	"follow":       {ScreenProfile, fieldSender},
	"request":      {ScreenProfile, fieldSender},
	"report":       {ScreenReportDetail, fieldReport},
	KindMessage:    {ScreenChat, fieldSender},
	KindCallAccept: {ScreenCall, fieldChannelName},
}

// Target is a resolved navigation request.
type Target struct {
	Screen Screen            `json:"screen,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// String renders the target as "Screen?k=v&k=v" with sorted keys.
func (t Target) String() string {
	if len(t.Params) == 0 {
		return string(t.Screen)
	}
	keys := make([]string, 0, len(t.Params))
	for k := range t.Params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+t.Params[k])
	}
	return string(t.Screen) + "?" + strings.Join(parts, "&")
}

// Resolve looks up the screen for kind and fills its id parameter from f.
func Resolve(kind string, f Fields) (Target, error) {
	e, ok := table[kind]
	if !ok {
		return Target{}, fmt.Errorf("%w: %q", ErrUnknownRoute, kind)
	}
	v := f.get(e.param)
	if v == "" {
		return Target{}, fmt.Errorf("%w: %s needs %s", ErrMissingParam, e.screen, e.param)
	}
	return Target{Screen: e.screen, Params: map[string]string{string(e.param): v}}, nil
}

// CallScreen builds the call screen target for a joined call.
func CallScreen(channelName string, isInitiator bool) Target {
	initiator := "false"
	if isInitiator {
		initiator = "true"
	}
	return Target{
		Screen: ScreenCall,
		Params: map[string]string{
			string(fieldChannelName): channelName,
			"isInitiator":            initiator,
		},
	}
}

// Navigator moves the app to a screen. Implemented by the UI layer.
type Navigator interface {
	Navigate(ctx context.Context, t Target) error
}

// LogNavigator writes navigation requests to an io.Writer. Used by the CLI,
// which has no screens.
type LogNavigator struct {
	Out io.Writer
}

// Navigate prints the target.
func (n LogNavigator) Navigate(_ context.Context, t Target) error {
	out := n.Out
	if out == nil {
		out = os.Stdout
	}
	_, err := fmt.Fprintf(out, "navigate: %s\n", t)
	return err
}
