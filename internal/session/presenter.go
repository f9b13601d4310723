package session

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"github.com/zulandar/waypost/internal/alert"
	"github.com/zulandar/waypost/internal/call"
)

// AlertPresenter presents calls without a UI: incoming calls and dismissals
// are printed, errors become call_error alerts.
type AlertPresenter struct {
	Alerter alert.Alerter
	Out     io.Writer
}

func (p *AlertPresenter) out() io.Writer {
	if p.Out == nil {
		return os.Stdout
	}
	return p.Out
}

// PresentIncoming prints the incoming call prompt.
func (p *AlertPresenter) PresentIncoming(s call.Session) {
	who := s.CallerName
	if who == "" {
		who = s.CallerID
	}
	fmt.Fprintf(p.out(), "Incoming call from %s [%s]\n", who, s.ChannelName)
}

// Dismiss prints that the prompt for channelName is gone.
func (p *AlertPresenter) Dismiss(channelName string) {
	fmt.Fprintf(p.out(), "Call %s closed\n", channelName)
}

// ShowError raises a call_error alert.
func (p *AlertPresenter) ShowError(err error) {
	if p.Alerter == nil {
		fmt.Fprintf(p.out(), "Call error: %v\n", err)
		return
	}
	a := alert.Alert{
		Kind:  alert.KindCallError,
		Title: "Call failed",
		Body:  err.Error(),
		Color: alert.ColorFor(alert.KindCallError),
		Time:  time.Now(),
	}
	if rerr := p.Alerter.Raise(context.Background(), a); rerr != nil {
		log.Printf("session: raise call error: %v", rerr)
	}
}
