package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/durable"
)

// TimeArgs are the arguments of the current_time tool.
type TimeArgs struct {
	// Location is an IANA zone name such as "Europe/Paris". Empty means UTC.
	Location string `json:"location"`
}

// TimeResult is recorded as the tool result.
type TimeResult struct {
	Time     string `json:"time"`
	Unix     int64  `json:"unix"`
	Location string `json:"location"`
}

// CurrentTime returns the current_time tool. A nil now uses time.Now.
func CurrentTime(now func() time.Time) durable.Tool {
	if now == nil {
		now = time.Now
	}
	return durable.TypedToolFunction("current_time", func(ctx context.Context, args TimeArgs) (TimeResult, error) {
		loc := time.UTC
		if args.Location != "" {
			var err error
			if loc, err = time.LoadLocation(args.Location); err != nil {
				return TimeResult{}, fmt.Errorf("unknown location %q", args.Location)
			}
		}
		t := now().In(loc)
		return TimeResult{Time: t.Format(time.RFC3339), Unix: t.Unix(), Location: loc.String()}, nil
	})
}

// WaitArgs are the arguments of the wait tool.
type WaitArgs struct {
	// Duration is a Go duration string such as "1.5s".
	Duration string `json:"duration"`
}

// WaitResult is recorded as the tool result.
type WaitResult struct {
	Waited string `json:"waited"`
}

// Wait returns the wait tool, which sleeps at most max. The wait ends early
// with the context error when ctx is done.
func Wait(max time.Duration) durable.Tool {
	return durable.TypedToolFunction("wait", func(ctx context.Context, args WaitArgs) (WaitResult, error) {
		d, err := time.ParseDuration(args.Duration)
		if err != nil {
			return WaitResult{}, fmt.Errorf("invalid duration: %w", err)
		}
		if d <= 0 {
			return WaitResult{Waited: "0s"}, nil
		}
		if max > 0 && d > max {
			return WaitResult{}, fmt.Errorf("duration %s exceeds the %s limit", d, max)
		}
		logger(ctx, "wait").Debug("waiting", "duration", d)
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return WaitResult{}, ctx.Err()
		case <-timer.C:
			return WaitResult{Waited: d.String()}, nil
		}
	})
}
