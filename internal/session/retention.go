package session

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/waypost/internal/store"
)

// DefaultRetentionCron prunes the local logs daily at 03:00.
const DefaultRetentionCron = "0 3 * * *"

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// from now until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string, now time.Time) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	d := sched.Next(now).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// runRetention prunes the message and call logs on the retention schedule
// until ctx is cancelled.
func (o *Owner) runRetention(ctx context.Context) {
	expr := o.cfg.Retention.Cron
	if expr == "" {
		expr = DefaultRetentionCron
	}
	if _, err := cronParser.Parse(expr); err != nil {
		log.Printf("session: retention disabled: bad cron %q: %v", expr, err)
		return
	}

	for {
		d := nextCronDuration(expr, time.Now())
		if d <= 0 {
			log.Printf("session: retention: %q never fires", expr)
			return
		}
		timer := time.NewTimer(d)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			o.prune(ctx)
		}
	}
}

// prune removes log rows older than the retention window.
func (o *Owner) prune(ctx context.Context) {
	maxAge := time.Duration(o.cfg.Retention.MaxAgeDays) * 24 * time.Hour
	res, err := store.Prune(ctx, o.db, time.Now().Add(-maxAge))
	if err != nil {
		log.Printf("session: retention: %v", err)
		return
	}
	if res.Messages > 0 || res.Calls > 0 {
		fmt.Fprintf(o.out, "Pruned %d messages and %d calls older than %d days\n",
			res.Messages, res.Calls, o.cfg.Retention.MaxAgeDays)
	}
}
