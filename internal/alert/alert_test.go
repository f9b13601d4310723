package alert

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/zulandar/waypost/internal/route"
)

var _ Alerter = LogAlerter{}
var _ Alerter = Multi{}
var _ Alerter = (*Mock)(nil)
var _ Alerter = (*Broadcaster)(nil)
var _ Alerter = Func(nil)

func TestLogAlerter_Raise(t *testing.T) {
	tests := []struct {
		name  string
		alert Alert
		want  string
	}{
		{
			name:  "title only",
			alert: Alert{Kind: "follow", Title: "alice followed you"},
			want:  "[follow] alice followed you\n",
		},
		{
			name: "body and target",
			alert: Alert{
				Kind:   "like",
				Title:  "alice liked your post",
				Body:   "Sunset at Oia",
				Target: route.Target{Screen: route.ScreenPostDetail, Params: map[string]string{"post": "p1"}},
			},
			want: "[like] alice liked your post: Sunset at Oia -> PostDetail?post=p1\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			if err := (LogAlerter{Out: &buf}).Raise(context.Background(), tt.alert); err != nil {
				t.Fatalf("Raise: %v", err)
			}
			if buf.String() != tt.want {
				t.Errorf("output = %q, want %q", buf.String(), tt.want)
			}
		})
	}
}

func TestMulti_RaisesAllAndJoinsErrors(t *testing.T) {
	first := &Mock{Err: errors.New("slack down")}
	second := &Mock{}
	m := Multi{first, second}

	err := m.Raise(context.Background(), Alert{Kind: "like", Title: "t"})
	if err == nil || !strings.Contains(err.Error(), "slack down") {
		t.Fatalf("err = %v", err)
	}
	if first.Count() != 1 || second.Count() != 1 {
		t.Errorf("counts = %d, %d; want 1, 1", first.Count(), second.Count())
	}
}

func TestMulti_Empty(t *testing.T) {
	if err := (Multi{}).Raise(context.Background(), Alert{}); err != nil {
		t.Fatalf("empty Multi: %v", err)
	}
}

func TestAlert_Press(t *testing.T) {
	if err := (Alert{}).Press(context.Background()); err != nil {
		t.Fatalf("Press without action: %v", err)
	}
	pressed := false
	a := Alert{OnPress: func(context.Context) error { pressed = true; return nil }}
	if err := a.Press(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !pressed {
		t.Error("OnPress not called")
	}
}

func TestColorFor(t *testing.T) {
	tests := map[string]string{
		KindCallError: ColorError,
		KindChatError: ColorError,
		"report":      ColorWarning,
		"follow":      ColorSuccess,
		"like":        ColorInfo,
		"":            ColorInfo,
	}
	for kind, want := range tests {
		if got := ColorFor(kind); got != want {
			t.Errorf("ColorFor(%q) = %q, want %q", kind, got, want)
		}
	}
}

func TestBroadcaster_FanOutAndRecent(t *testing.T) {
	b := NewBroadcaster(2)
	ch1, cancel1 := b.Subscribe(4)
	ch2, cancel2 := b.Subscribe(4)
	defer cancel2()

	for _, title := range []string{"a", "b", "c"} {
		b.Raise(context.Background(), Alert{Title: title, OnPress: func(context.Context) error { return nil }})
	}

	for _, ch := range []<-chan Alert{ch1, ch2} {
		for _, want := range []string{"a", "b", "c"} {
			got := <-ch
			if got.Title != want {
				t.Errorf("got %q, want %q", got.Title, want)
			}
			if got.OnPress != nil {
				t.Error("broadcast alerts must not carry an action")
			}
		}
	}

	recent := b.Recent()
	if len(recent) != 2 || recent[0].Title != "b" || recent[1].Title != "c" {
		t.Errorf("recent = %+v", recent)
	}

	cancel1()
	cancel1()
	if _, ok := <-ch1; ok {
		t.Error("cancelled subscription should be closed")
	}
	if b.Subscribers() != 1 {
		t.Errorf("subscribers = %d, want 1", b.Subscribers())
	}
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(0)
	_, cancel := b.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		if err := b.Raise(context.Background(), Alert{Title: "x"}); err != nil {
			t.Fatal(err)
		}
	}
	if len(b.Recent()) != 10 {
		t.Errorf("recent = %d, want 10", len(b.Recent()))
	}
}
